package wsgateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/clickety-clacks/clawline/internal/domain"
	"github.com/clickety-clacks/clawline/internal/fanout"
	"github.com/clickety-clacks/clawline/internal/session"
	"github.com/clickety-clacks/clawline/internal/streamkey"
	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// handleAuth verifies the bearer token, registers a live session, replays
// backlog per §4.4, and answers with auth_result + session_info, returning
// the new Session so the caller can start its writer pump.
func (g *Gateway) handleAuth(ctx context.Context, conn *websocket.Conn, data []byte) (*session.Session, error) {
	var req authFrame
	if err := json.Unmarshal(data, &req); err != nil {
		writeFrame(ctx, conn, mustMarshal(authResultFrame{Type: "auth_result", Success: false, Reason: "auth_failed"}))
		return nil, fmt.Errorf("decode auth frame: %w", err)
	}

	if req.ProtocolVersion != protocolVersion {
		writeFrame(ctx, conn, mustMarshal(authResultFrame{Type: "auth_result", Success: false, Reason: "auth_failed"}))
		return nil, fmt.Errorf("protocol version mismatch")
	}

	if !g.authLimiter.Allow(req.DeviceID) {
		writeFrame(ctx, conn, mustMarshal(authResultFrame{Type: "auth_result", Success: false, Reason: "rate_limited"}))
		return nil, fmt.Errorf("auth rate limited")
	}

	claims, err := g.signer.Verify(req.Token)
	if err != nil || claims.DeviceID != req.DeviceID {
		writeFrame(ctx, conn, mustMarshal(authResultFrame{Type: "auth_result", Success: false, Reason: "auth_failed"}))
		return nil, fmt.Errorf("token verification failed: %w", err)
	}

	if g.pairStore.IsDenylisted(req.DeviceID) {
		writeFrame(ctx, conn, mustMarshal(authResultFrame{Type: "auth_result", Success: false, Reason: "token_revoked"}))
		return nil, fmt.Errorf("device revoked")
	}

	entry := g.pairStore.GetAllowlistEntry(req.DeviceID)
	if entry == nil || subtle.ConstantTimeCompare([]byte(entry.UserID), []byte(claims.UserID)) != 1 {
		writeFrame(ctx, conn, mustMarshal(authResultFrame{Type: "auth_result", Success: false, Reason: "device_not_approved"}))
		return nil, fmt.Errorf("device not approved")
	}

	if err := g.catalog.EnsureBuiltins(ctx, entry.UserID, entry.IsAdmin); err != nil {
		slog.Error("auth: ensure builtins failed", "error", err)
		writeFrame(ctx, conn, mustMarshal(authResultFrame{Type: "auth_result", Success: false, Reason: "auth_failed"}))
		return nil, fmt.Errorf("ensure builtins: %w", err)
	}

	streams, err := g.catalog.List(ctx, entry.UserID)
	if err != nil {
		slog.Error("auth: list streams failed", "error", err)
		writeFrame(ctx, conn, mustMarshal(authResultFrame{Type: "auth_result", Success: false, Reason: "auth_failed"}))
		return nil, fmt.Errorf("list streams: %w", err)
	}
	visibleKeys := session.VisibleStreamKeys(streams, entry.IsAdmin, g.adminGlobalKey)
	defaultKey := streamkey.Build(g.agentID, entry.UserID, streamkey.SuffixMain)

	sess := session.NewSession(entry.DeviceID, entry.UserID, uuid.New().String(), entry.IsAdmin, conn)
	sess.SetSubscribedStreamKeys(visibleKeys)
	sess.DefaultStreamKey = defaultKey
	sess.ClientFeatures = make(map[string]bool, len(req.ClientFeatures))
	for _, f := range req.ClientFeatures {
		sess.ClientFeatures[f] = true
	}

	g.sessions.Register(sess)

	replay, err := session.Replay(ctx, g.repo, entry.UserID, req.LastMessageID, g.maxReplayMessages, visibleKeys)
	if err != nil {
		slog.Error("auth: replay failed", "error", err)
		replay = &session.ReplayResult{}
	}

	if err := g.pairStore.TouchLastSeen(req.DeviceID); err != nil {
		slog.Warn("auth: touch last seen failed", "error", err)
	}

	writeFrame(ctx, conn, mustMarshal(authResultFrame{
		Type:            "auth_result",
		Success:         true,
		UserID:          entry.UserID,
		SessionID:       sess.SessionID,
		IsAdmin:         entry.IsAdmin,
		ReplayCount:     len(replay.Events),
		ReplayTruncated: replay.Truncated,
		HistoryReset:    replay.HistoryReset,
		DMScope:         g.dmScopeEnabled,
		SessionKeys:     visibleKeys,
	}))
	writeFrame(ctx, conn, mustMarshal(sessionInfoFrame{
		Type:        "session_info",
		UserID:      entry.UserID,
		IsAdmin:     entry.IsAdmin,
		DMScope:     g.dmScopeEnabled,
		SessionKeys: visibleKeys,
	}))

	for _, e := range replay.Events {
		writeFrame(ctx, conn, mustMarshal(replayFrame(e)))
	}

	slog.Info("session authenticated", "user_id", entry.UserID, "device_id", entry.DeviceID, "replay_count", len(replay.Events))
	return sess, nil
}

// replayFrame rebuilds the same wire frame fanout.DeliverEvent would have
// sent live, so a reconnecting client can't distinguish backfill from
// real-time delivery. Role is derived from OriginatingDeviceID since Event
// itself carries no role field: the pipeline only ever leaves it empty when
// persisting a dispatcher reply.
func replayFrame(e *domain.Event) fanout.Frame {
	role := "assistant"
	if e.OriginatingDeviceID != "" {
		role = "user"
	}
	return fanout.Frame{
		Type:       "message",
		ID:         e.ID,
		Role:       role,
		SessionKey: e.SessionKey,
		Timestamp:  e.Timestamp.Unix(),
		Content:    json.RawMessage(e.PayloadJSON),
		DeviceID:   e.OriginatingDeviceID,
	}
}
