// Package fanout routes a persisted event to every session subscribed to
// its stream key, normalising the payload per-session and disconnecting
// sessions that fall too far behind, grounded on the adred-codev/ws_poc
// broadcast.go subscription-index + non-blocking-send + consecutive-failure
// disconnect pattern.
package fanout

import (
	"encoding/json"
	"log/slog"

	"github.com/clickety-clacks/clawline/internal/domain"
	"github.com/clickety-clacks/clawline/internal/session"
)

// maxConsecutiveFailures mirrors the "3-strike" disconnect policy from the
// broadcast.go grounding source.
const maxConsecutiveFailures = 3

// mimeTerminalSession matches the ingestion pipeline's document MIME type
// for terminal-session bubbles, stripped here for sessions that haven't
// negotiated terminal_bubbles_v1.
const mimeTerminalSession = "application/vnd.clawline.terminal-session+json"

// messagePayload/attachmentPayload mirror ingest's wire shape for a
// message frame's Content field: a JSON object embedding the attachment
// list rather than a separate top-level array.
type messagePayload struct {
	Content     string              `json:"content"`
	Attachments []attachmentPayload `json:"attachments,omitempty"`
}

type attachmentPayload struct {
	Type     string `json:"type"`
	MimeType string `json:"mimeType,omitempty"`
	AssetID  string `json:"assetId,omitempty"`
}

// Frame is the wire envelope for a delivered event, matching §6's
// server-to-client message/stream-CRUD frame shapes.
type Frame struct {
	Type       string          `json:"type"`
	ID         string          `json:"id,omitempty"`
	Role       string          `json:"role,omitempty"`
	SessionKey string          `json:"sessionKey,omitempty"`
	Timestamp  int64           `json:"timestamp,omitempty"`
	Streaming  bool            `json:"streaming,omitempty"`
	Content    json.RawMessage `json:"content,omitempty"`
	Attachments json.RawMessage `json:"attachments,omitempty"`
	DeviceID   string          `json:"deviceId,omitempty"`
}

// Fanout dispatches persisted events to the sessions subscribed to their
// stream key.
type Fanout struct {
	mgr            *session.Manager
	adminGlobalKey string
}

// New constructs a Fanout bound to mgr.
func New(mgr *session.Manager, adminGlobalKey string) *Fanout {
	return &Fanout{mgr: mgr, adminGlobalKey: adminGlobalKey}
}

// DeliverEvent builds the message frame for event and sends it to every
// session subscribed to event.SessionKey, applying per-session
// normalisation (admin-global drop for non-admins, terminal-bubble
// stripping for sessions without that feature).
func (f *Fanout) DeliverEvent(event *domain.Event, role string) {
	sessions := f.mgr.SessionsForUser(event.UserID)
	if len(sessions) == 0 {
		return
	}

	base := Frame{
		Type:       "message",
		ID:         event.ID,
		Role:       role,
		SessionKey: event.SessionKey,
		Timestamp:  event.Timestamp.Unix(),
		Content:    json.RawMessage(event.PayloadJSON),
		DeviceID:   event.OriginatingDeviceID,
	}

	for _, sess := range sessions {
		f.deliverFrame(sess, event.SessionKey, base)
	}
}

// DeliverCatalogEvent broadcasts a stream_created/stream_updated/
// stream_deleted/stream_snapshot frame to all of a user's sessions,
// distinctly typed from message frames per §4.8.
func (f *Fanout) DeliverCatalogEvent(userID, frameType string, payload json.RawMessage) {
	frame := Frame{Type: frameType, Content: payload}
	for _, sess := range f.mgr.SessionsForUser(userID) {
		f.send(sess, frame)
	}
}

func (f *Fanout) deliverFrame(sess *session.Session, eventStreamKey string, frame Frame) {
	if eventStreamKey == f.adminGlobalKey && !sess.IsAdmin {
		return
	}
	if !sess.IsSubscribed(eventStreamKey) {
		return
	}

	if !sess.HasFeature("terminal_bubbles_v1") {
		frame = stripTerminalBubbleAttachments(frame)
	}

	f.send(sess, frame)
}

// stripTerminalBubbleAttachments removes terminal-session document
// attachments from a frame destined for a session that hasn't negotiated
// the terminal_bubbles_v1 client feature, per §4.8. Attachments travel
// nested inside Frame.Content (the same messagePayload shape the ingestion
// pipeline persists), not in Frame.Attachments, so the content must be
// decoded, filtered, and re-encoded rather than swapped out wholesale.
func stripTerminalBubbleAttachments(frame Frame) Frame {
	if len(frame.Content) == 0 {
		return frame
	}

	var payload messagePayload
	if err := json.Unmarshal(frame.Content, &payload); err != nil {
		return frame
	}
	if len(payload.Attachments) == 0 {
		return frame
	}

	filtered := payload.Attachments[:0]
	stripped := false
	for _, a := range payload.Attachments {
		if a.MimeType == mimeTerminalSession {
			stripped = true
			continue
		}
		filtered = append(filtered, a)
	}
	if !stripped {
		return frame
	}
	payload.Attachments = filtered

	data, err := json.Marshal(payload)
	if err != nil {
		slog.Error("fanout: re-marshal stripped frame failed", "error", err)
		return frame
	}
	frame.Content = data
	return frame
}

func (f *Fanout) send(sess *session.Session, frame Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		slog.Error("fanout: marshal frame failed", "error", err)
		return
	}

	if sess.TrySend(data) {
		return
	}

	if sess.ConsecutiveFailures() >= maxConsecutiveFailures {
		slog.Warn("fanout: disconnecting slow session", "device_id", sess.DeviceID, "user_id", sess.UserID)
		f.mgr.Unregister(sess)
		go func() {
			_ = sess.Socket.Close(4002, "slow_client")
		}()
	}
}
