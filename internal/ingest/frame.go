// Package ingest implements the Ingestion Pipeline: per-inbound-message
// validation, dedup, persistence, ack, broadcast, and reply-dispatcher
// invocation, grounded on haasonsaas/nexus's semaphore-gated gateway
// processing pipeline.
package ingest

import "encoding/json"

// InboundAttachment is the wire shape of one attachment on an inbound
// message frame, before normalisation classifies it as inline image,
// inline document, or asset reference.
type InboundAttachment struct {
	Type     string `json:"type"` // "image" | "document" | "asset"
	MimeType string `json:"mimeType,omitempty"`
	Data     string `json:"data,omitempty"` // base64, inline
	AssetID  string `json:"assetId,omitempty"`
}

// InboundMessage is the parsed `message` frame body per §6.
type InboundMessage struct {
	ID          string              `json:"id"` // c_<uuid>
	Content     string              `json:"content"`
	Attachments []InboundAttachment `json:"attachments,omitempty"`
	SessionKey  string              `json:"sessionKey,omitempty"`
}

// Ack is the `{type:ack, id}` frame sent back to the originating device.
type Ack struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// ErrorFrame is the `{type:error, code, messageId}` frame sent on terminal failure.
type ErrorFrame struct {
	Type      string `json:"type"`
	Code      string `json:"code"`
	Message   string `json:"message,omitempty"`
	MessageID string `json:"messageId,omitempty"`
}

// ActivityPayload is the body of the ephemeral, never-persisted typing signal.
type ActivityPayload struct {
	IsActive   bool   `json:"isActive"`
	MessageID  string `json:"messageId"`
	SessionKey string `json:"sessionKey"`
}

// ActivityFrame wraps ActivityPayload in the generic `event` envelope per §6.
type ActivityFrame struct {
	Type    string          `json:"type"`
	Event   string          `json:"event"`
	Payload ActivityPayload `json:"payload"`
}

func marshalOrEmpty(v interface{}) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(b)
}
