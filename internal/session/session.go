// Package session tracks live authenticated WebSocket connections: one per
// device, indexed by device id for direct lookup and by user id for fan-out,
// generalizing the teacher's terminal.SessionManager two-level map to the
// richer per-session state (subscribed streams, admin flag, client features)
// the gateway's frame dispatch needs.
package session

import (
	"log/slog"
	"sync"

	"github.com/coder/websocket"
)

// Sender is the minimal socket contract a Session needs; satisfied by
// *websocket.Conn and by test fakes.
type Sender interface {
	Close(code websocket.StatusCode, reason string) error
}

// Session is one authenticated device's live connection state.
type Session struct {
	Socket Sender

	DeviceID  string
	UserID    string
	IsAdmin   bool
	SessionID string

	// SubscribedStreamKeys is the visible subset of the catalog for this
	// session; always a copy refreshed on catalog events, never a shared
	// reference into the Manager's bookkeeping.
	SubscribedStreamKeys []string
	DefaultStreamKey     string
	ClientFeatures       map[string]bool
	PeerID               string

	// Outbound is the session's non-blocking send mailbox, drained by a
	// writer goroutine owned by the WebSocket gateway. Fan-out never writes
	// to the socket directly — it only ever offers to this channel.
	Outbound chan []byte

	mu              sync.Mutex
	sendFailures    int32
}

// maxOutboundBuffer bounds the per-session outbound mailbox; a session whose
// writer can't keep up accumulates consecutive full-buffer failures instead
// of blocking the fan-out path for every other session.
const maxOutboundBuffer = 256

// NewSession constructs a Session with its outbound mailbox allocated.
func NewSession(deviceID, userID, sessionID string, isAdmin bool, socket Sender) *Session {
	return &Session{
		Socket:    socket,
		DeviceID:  deviceID,
		UserID:    userID,
		IsAdmin:   isAdmin,
		SessionID: sessionID,
		Outbound:  make(chan []byte, maxOutboundBuffer),
	}
}

// TrySend offers data to the session's outbound mailbox without blocking.
// It returns false, and bumps the consecutive-failure counter, when the
// mailbox is full; a successful send resets the counter. Callers should
// disconnect a session once ConsecutiveFailures crosses a small threshold
// (the fan-out package uses 3, mirroring the adred-codev broadcast pattern).
func (s *Session) TrySend(data []byte) bool {
	select {
	case s.Outbound <- data:
		s.mu.Lock()
		s.sendFailures = 0
		s.mu.Unlock()
		return true
	default:
		s.mu.Lock()
		s.sendFailures++
		s.mu.Unlock()
		return false
	}
}

// ConsecutiveFailures returns the current run of failed TrySend attempts.
func (s *Session) ConsecutiveFailures() int32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sendFailures
}

// HasFeature reports whether the session negotiated clientFeature.
func (s *Session) HasFeature(feature string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ClientFeatures[feature]
}

// SetSubscribedStreamKeys replaces the session's visible stream set.
func (s *Session) SetSubscribedStreamKeys(keys []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]string, len(keys))
	copy(cp, keys)
	s.SubscribedStreamKeys = cp
}

// IsSubscribed reports whether streamKey is currently visible to this session.
func (s *Session) IsSubscribed(streamKey string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range s.SubscribedStreamKeys {
		if k == streamKey {
			return true
		}
	}
	return false
}

// Manager is the two-level session registry: device id -> session, and user
// id -> set of sessions, maintained as a derived index updated on every
// register/unregister to resolve the session -> user -> sessions fan-out
// cycle without re-scanning on every broadcast.
type Manager struct {
	mu          sync.RWMutex
	byDevice    map[string]*Session
	byUser      map[string]map[string]*Session // userId -> deviceId -> Session
}

// NewManager constructs an empty session registry.
func NewManager() *Manager {
	return &Manager{
		byDevice: make(map[string]*Session),
		byUser:   make(map[string]map[string]*Session),
	}
}

// Register installs sess as the live session for its device id, closing and
// replacing any predecessor with the session_replaced close code. At most
// one session exists per device at any time.
func (m *Manager) Register(sess *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.byDevice[sess.DeviceID]; ok && existing != sess {
		m.removeFromUserIndexLocked(existing)
		go func(old *Session) {
			_ = old.Socket.Close(websocket.StatusCode(4001), "session_replaced")
		}(existing)
	}

	m.byDevice[sess.DeviceID] = sess
	if m.byUser[sess.UserID] == nil {
		m.byUser[sess.UserID] = make(map[string]*Session)
	}
	m.byUser[sess.UserID][sess.DeviceID] = sess

	slog.Info("session registered", "device_id", sess.DeviceID, "user_id", sess.UserID)
}

// Unregister removes sess only if it is still the current session for its
// device id — a late unregister from a superseded connection must not evict
// its replacement.
func (m *Manager) Unregister(sess *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if current, ok := m.byDevice[sess.DeviceID]; !ok || current != sess {
		return
	}
	delete(m.byDevice, sess.DeviceID)
	m.removeFromUserIndexLocked(sess)
	slog.Info("session unregistered", "device_id", sess.DeviceID, "user_id", sess.UserID)
}

func (m *Manager) removeFromUserIndexLocked(sess *Session) {
	if sessions, ok := m.byUser[sess.UserID]; ok {
		delete(sessions, sess.DeviceID)
		if len(sessions) == 0 {
			delete(m.byUser, sess.UserID)
		}
	}
}

// Get returns the current session for deviceID, or nil.
func (m *Manager) Get(deviceID string) *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.byDevice[deviceID]
}

// SessionsForUser returns a snapshot slice of all live sessions for userID.
func (m *Manager) SessionsForUser(userID string) []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sessions := m.byUser[userID]
	out := make([]*Session, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s)
	}
	return out
}

// Count returns the number of live sessions, for metrics/tests.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byDevice)
}
