package wsgateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/clickety-clacks/clawline/internal/catalog"
	"github.com/clickety-clacks/clawline/internal/config"
	"github.com/clickety-clacks/clawline/internal/ingest"
	"github.com/clickety-clacks/clawline/internal/obs"
	"github.com/clickety-clacks/clawline/internal/pairing"
	"github.com/clickety-clacks/clawline/internal/ratelimit"
	"github.com/clickety-clacks/clawline/internal/session"
	"github.com/clickety-clacks/clawline/internal/store"
	"github.com/coder/websocket"
)

// Gateway is the `/ws` HTTP handler.
type Gateway struct {
	repo      store.Repository
	pairStore *pairing.Store
	signer    *pairing.TokenSigner
	sessions  *session.Manager
	catalog   *catalog.Catalog
	pipeline  *ingest.Pipeline

	pairLimiter *ratelimit.Keyed
	authLimiter *ratelimit.Keyed

	agentID              string
	adminGlobalKey       string
	dmScopeEnabled       bool
	maxReplayMessages    int
	maxPendingRequests   int
	pendingSocketTimeout time.Duration
	reissueGrace         time.Duration
	tokenTTL             time.Duration

	allowedOrigin string
	isDev         bool

	// heldMu guards held, the registry of pending sockets awaiting external
	// allowlist approval. Keyed by device id; cancelling the entry stops
	// that device's watchPendingApproval goroutine without touching the
	// socket (used when a newer pair_request supersedes an older hold).
	heldMu sync.Mutex
	held   map[string]context.CancelFunc
}

// Config bundles the Gateway's wiring and tunables.
type Config struct {
	AgentID              string
	AdminGlobalKey       string
	DMScopeEnabled       bool
	MaxReplayMessages    int
	MaxPendingRequests   int
	PendingSocketTimeout time.Duration
	ReissueGrace         time.Duration
	TokenTTL             time.Duration
	AllowedOrigin        string
	IsDev                bool
}

// New constructs a Gateway.
func New(repo store.Repository, pairStore *pairing.Store, signer *pairing.TokenSigner, sessions *session.Manager, cat *catalog.Catalog, pipeline *ingest.Pipeline, pairLimiter, authLimiter *ratelimit.Keyed, cfg Config) *Gateway {
	return &Gateway{
		held:                 make(map[string]context.CancelFunc),
		repo:                 repo,
		pairStore:            pairStore,
		signer:               signer,
		sessions:             sessions,
		catalog:              cat,
		pipeline:             pipeline,
		pairLimiter:          pairLimiter,
		authLimiter:          authLimiter,
		agentID:              cfg.AgentID,
		adminGlobalKey:       cfg.AdminGlobalKey,
		dmScopeEnabled:       cfg.DMScopeEnabled,
		maxReplayMessages:    cfg.MaxReplayMessages,
		maxPendingRequests:   cfg.MaxPendingRequests,
		pendingSocketTimeout: cfg.PendingSocketTimeout,
		reissueGrace:         cfg.ReissueGrace,
		tokenTTL:             cfg.TokenTTL,
		allowedOrigin:        cfg.AllowedOrigin,
		isDev:                cfg.IsDev,
	}
}

// FromLimits is a convenience constructor deriving replay/pending/timeout
// fields straight from a loaded config.Config.
func FromLimits(repo store.Repository, pairStore *pairing.Store, signer *pairing.TokenSigner, sessions *session.Manager, cat *catalog.Catalog, pipeline *ingest.Pipeline, pairLimiter, authLimiter *ratelimit.Keyed, c *config.Config) *Gateway {
	return New(repo, pairStore, signer, sessions, cat, pipeline, pairLimiter, authLimiter, Config{
		AgentID:              c.AgentID,
		AdminGlobalKey:       c.AdminGlobalStreamKey,
		DMScopeEnabled:       c.DMScopeEnabled,
		MaxReplayMessages:    c.Limits.MaxReplayMessages,
		MaxPendingRequests:   c.Limits.MaxPendingRequests,
		PendingSocketTimeout: c.Timeout.PendingSocketTimeout,
		ReissueGrace:         c.Timeout.ReissueGrace,
		TokenTTL:             c.Timeout.TokenTTL,
		AllowedOrigin:        "*",
		IsDev:                c.IsDevelopment(),
	})
}

func (g *Gateway) checkOrigin(r *http.Request) bool {
	if g.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || g.allowedOrigin == "*" {
		return true
	}
	if origin == g.allowedOrigin {
		return true
	}
	slog.Warn("websocket origin rejected", "origin", origin, "allowed", g.allowedOrigin)
	return false
}

// ServeHTTP upgrades the connection and runs the frame dispatch loop until
// the client disconnects or is superseded, mirroring the teacher's
// WebSocketHandler.ServeHTTP accept/defer-close shape.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !g.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		slog.Error("failed to accept websocket", "error", err)
		return
	}
	defer func() {
		_ = conn.Close(websocket.StatusNormalClosure, "connection ended")
	}()

	obs.ConnectionsActive.Add(r.Context(), 1)
	defer obs.ConnectionsActive.Add(context.Background(), -1)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	g.runConnection(ctx, conn)
}

// runConnection owns one physical socket from accept through either pairing
// rejection/hold, authenticated session life, or disconnect.
func (g *Gateway) runConnection(ctx context.Context, conn *websocket.Conn) {
	var authedSession *session.Session

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if authedSession != nil {
				g.sessions.Unregister(authedSession)
			}
			if websocket.CloseStatus(err) == -1 {
				slog.Debug("websocket read error", "error", err)
			}
			return
		}

		var envelope inFrame
		if err := json.Unmarshal(data, &envelope); err != nil {
			writeFrame(ctx, conn, errorFrameBytes("invalid_message", "malformed frame"))
			continue
		}

		switch envelope.Type {
		case "pair_request":
			g.handlePairRequest(ctx, conn, data)

		case "auth":
			sess, err := g.handleAuth(ctx, conn, data)
			if err != nil {
				slog.Warn("auth failed", "error", err)
				continue
			}
			if sess != nil {
				authedSession = sess
				go writerPump(conn, sess)
			}

		case "message":
			if authedSession == nil {
				writeFrame(ctx, conn, errorFrameBytes("auth_failed", "not authenticated"))
				continue
			}
			g.handleMessage(ctx, authedSession, data)

		case "interactive-callback":
			if authedSession == nil {
				writeFrame(ctx, conn, errorFrameBytes("auth_failed", "not authenticated"))
				continue
			}
			// Interactive callbacks are only logged: no frame is sent back
			// to the client and nothing is forwarded to a dispatcher.
			slog.Debug("interactive callback received", "user_id", authedSession.UserID)

		default:
			writeFrame(ctx, conn, errorFrameBytes("invalid_message", "unknown frame type"))
		}
	}
}

// writerPump drains sess.Outbound to the live socket and returns once a
// write fails. Outbound is never closed, so the pump notices a closed socket
// only on its next write attempt. Fan-out and the ingestion pipeline never
// write to the socket directly; they only ever offer to this channel via Session.TrySend.
func writerPump(conn *websocket.Conn, sess *session.Session) {
	for data := range sess.Outbound {
		if err := conn.Write(context.Background(), websocket.MessageText, data); err != nil {
			return
		}
	}
}

func writeFrame(ctx context.Context, conn *websocket.Conn, data []byte) {
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		slog.Debug("websocket write failed", "error", err)
	}
}

func errorFrameBytes(code, message string) []byte {
	b, _ := json.Marshal(ingest.ErrorFrame{Type: "error", Code: code, Message: message})
	return b
}
