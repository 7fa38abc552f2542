package wsgateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"regexp"
	"time"

	"github.com/clickety-clacks/clawline/internal/domain"
	"github.com/clickety-clacks/clawline/internal/streamkey"
	"github.com/coder/websocket"
)

// pendingPollInterval governs how often a held socket checks the pairing
// store for an external approval while it waits out pendingSocketTimeout.
const pendingPollInterval = 500 * time.Millisecond

var deviceIDPattern = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-4[0-9a-fA-F]{3}-[89abAB][0-9a-fA-F]{3}-[0-9a-fA-F]{12}$`)

func isValidDeviceID(id string) bool {
	return deviceIDPattern.MatchString(id)
}

func validDeviceInfo(info domain.DeviceInfo) bool {
	if info.Platform == "" || info.Model == "" {
		return false
	}
	return len(info.Platform) <= 64 && len(info.Model) <= 64
}

// handlePairRequest implements the §4.1 pair-request state machine.
func (g *Gateway) handlePairRequest(ctx context.Context, conn *websocket.Conn, data []byte) {
	var req pairRequestFrame
	if err := json.Unmarshal(data, &req); err != nil {
		writeFrame(ctx, conn, mustMarshal(pairResultFrame{Type: "pair_result", Success: false, Reason: "pair_rejected"}))
		return
	}

	if req.ProtocolVersion != protocolVersion {
		writeFrame(ctx, conn, mustMarshal(pairResultFrame{Type: "pair_result", Success: false, Reason: "pair_rejected"}))
		return
	}
	if !isValidDeviceID(req.DeviceID) {
		writeFrame(ctx, conn, mustMarshal(pairResultFrame{Type: "pair_result", Success: false, Reason: "pair_rejected"}))
		return
	}
	if !g.pairLimiter.Allow(req.DeviceID) {
		writeFrame(ctx, conn, mustMarshal(pairResultFrame{Type: "pair_result", Success: false, Reason: "pair_timeout"}))
		return
	}
	if g.pairStore.IsDenylisted(req.DeviceID) {
		writeFrame(ctx, conn, mustMarshal(pairResultFrame{Type: "pair_result", Success: false, Reason: "pair_rejected"}))
		return
	}
	if !validDeviceInfo(req.DeviceInfo) {
		writeFrame(ctx, conn, mustMarshal(pairResultFrame{Type: "pair_result", Success: false, Reason: "pair_rejected"}))
		return
	}

	existing := g.pairStore.GetAllowlistEntry(req.DeviceID)
	switch {
	case existing == nil:
		g.handleUnknownDevice(ctx, conn, req)

	case !existing.TokenDelivered:
		g.issueAndDeliver(ctx, conn, existing)

	case existing.LastSeenAt == nil:
		// Known, token delivered, never seen since: reissue. The
		// reissueGrace window is not checked.
		g.issueAndDeliver(ctx, conn, existing)

	case streamkey.NormalizeUserID(req.ClaimedName) != "" && req.ClaimedName != "" && streamkey.NormalizeUserID(req.ClaimedName) != existing.UserID:
		g.handleAccountSwitch(ctx, conn, req, existing)

	default:
		g.issueAndDeliver(ctx, conn, existing)
	}
}

func (g *Gateway) handleUnknownDevice(ctx context.Context, conn *websocket.Conn, req pairRequestFrame) {
	if g.pairStore.PendingCount()+1 > g.maxPendingRequests {
		writeFrame(ctx, conn, mustMarshal(pairResultFrame{Type: "pair_result", Success: false, Reason: "pair_timeout"}))
		return
	}

	if err := g.pairStore.UpsertPending(&domain.PendingEntry{
		DeviceID:    req.DeviceID,
		ClaimedName: req.ClaimedName,
		DeviceInfo:  req.DeviceInfo,
		RequestedAt: time.Now(),
	}); err != nil {
		slog.Error("pairing: upsert pending failed", "error", err)
		writeFrame(ctx, conn, mustMarshal(pairResultFrame{Type: "pair_result", Success: false, Reason: "pair_rejected"}))
		return
	}

	slog.Info("pairing: new device awaiting approval", "device_id", req.DeviceID, "claimed_name", req.ClaimedName)
	writeFrame(ctx, conn, mustMarshal(pairResultFrame{Type: "pair_result", Success: false, Reason: "pair_pending"}))
	g.beginPendingHold(ctx, conn, req.DeviceID)
}

func (g *Gateway) handleAccountSwitch(ctx context.Context, conn *websocket.Conn, req pairRequestFrame, existing *domain.AllowlistEntry) {
	if err := g.pairStore.UpsertPending(&domain.PendingEntry{
		DeviceID:    req.DeviceID,
		ClaimedName: req.ClaimedName,
		DeviceInfo:  req.DeviceInfo,
		RequestedAt: time.Now(),
	}); err != nil {
		slog.Error("pairing: upsert pending for account switch failed", "error", err)
	}
	slog.Info("pairing: account switch requires re-approval", "device_id", req.DeviceID, "previous_user_id", existing.UserID)
	writeFrame(ctx, conn, mustMarshal(pairResultFrame{Type: "pair_result", Success: false, Reason: "pair_pending"}))
	g.beginPendingHold(ctx, conn, req.DeviceID)
}

// beginPendingHold registers conn as the held socket for deviceId and starts
// watchPendingApproval in the background. A device already holding a socket
// (a repeated pair_request on the same or a replacing connection) has its
// prior watch cancelled first, so only the most recent socket is delivered
// to on approval.
func (g *Gateway) beginPendingHold(ctx context.Context, conn *websocket.Conn, deviceID string) {
	watchCtx, cancel := context.WithCancel(ctx)

	g.heldMu.Lock()
	if prevCancel, ok := g.held[deviceID]; ok {
		prevCancel()
	}
	g.held[deviceID] = cancel
	g.heldMu.Unlock()

	go g.watchPendingApproval(watchCtx, cancel, conn, deviceID)
}

// watchPendingApproval implements the hold side of §4.1 step 7: it polls the
// pairing store for deviceId to appear on the allowlist, delivering a token
// through the held socket and closing it the moment that happens, or sends
// pair_timeout and closes once pendingSocketTimeout elapses first. The
// connection's own read loop never observes this directly; closing conn is
// what unblocks it.
func (g *Gateway) watchPendingApproval(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, deviceID string) {
	defer func() {
		cancel()
		g.heldMu.Lock()
		if g.held[deviceID] != nil {
			delete(g.held, deviceID)
		}
		g.heldMu.Unlock()
	}()

	ticker := time.NewTicker(pendingPollInterval)
	defer ticker.Stop()
	deadline := time.NewTimer(g.pendingSocketTimeout)
	defer deadline.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-deadline.C:
			writeFrame(ctx, conn, mustMarshal(pairResultFrame{Type: "pair_result", Success: false, Reason: "pair_timeout"}))
			_ = conn.Close(websocket.StatusNormalClosure, "pair_timeout")
			return

		case <-ticker.C:
			entry := g.pairStore.GetAllowlistEntry(deviceID)
			if entry == nil {
				continue
			}
			g.issueAndDeliver(ctx, conn, entry)
			_ = conn.Close(websocket.StatusNormalClosure, "pair_approved")
			return
		}
	}
}

func (g *Gateway) issueAndDeliver(ctx context.Context, conn *websocket.Conn, entry *domain.AllowlistEntry) {
	token, err := g.signer.Issue(entry.UserID, entry.DeviceID, entry.IsAdmin, g.tokenTTL)
	if err != nil {
		slog.Error("pairing: issue token failed", "error", err)
		writeFrame(ctx, conn, mustMarshal(pairResultFrame{Type: "pair_result", Success: false, Reason: "pair_rejected"}))
		return
	}
	if err := g.pairStore.MarkTokenDelivered(entry.DeviceID); err != nil {
		slog.Error("pairing: mark token delivered failed", "error", err)
	}
	writeFrame(ctx, conn, mustMarshal(pairResultFrame{Type: "pair_result", Success: true, Token: token, UserID: entry.UserID}))
}

func mustMarshal(v interface{}) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		return []byte(`{"type":"error","code":"server_error"}`)
	}
	return b
}
