// Package dispatcher documents, rather than implements, the external reply
// dispatcher named in the purpose/scope: the Ingestion Pipeline depends only
// on the ReplyDispatcher interface below, grounded directly on the
// teacher's agent.Service.Chat(...) iter.Seq2[*ChatResponse, error] shape.
package dispatcher

import (
	"context"
	"iter"
)

// DispatchAttachment mirrors the wire Attachment tagged union for payloads
// the dispatcher asks the gateway to deliver back to the user.
type DispatchAttachment struct {
	Type     string `json:"type"` // "image" | "document" | "asset"
	MimeType string `json:"mimeType,omitempty"`
	Data     string `json:"data,omitempty"` // base64, for image/document
	AssetID  string `json:"assetId,omitempty"`
	URL      string `json:"url,omitempty"` // dispatcher-supplied fetch target, asset not yet materialized
}

// DispatchRequest carries the context the Ingestion Pipeline assembles for
// one inbound message before invoking the dispatcher.
type DispatchRequest struct {
	UserID      string
	DeviceID    string
	SessionKey  string
	MessageID   string
	Content     string
	Attachments []DispatchAttachment
}

// DispatchReply is one payload the dispatcher streams back. The Ingestion
// Pipeline persists each as an assistant event on the same stream key and
// broadcasts it; a lazy sequence lets a long-running dispatcher turn start
// delivering content before it finishes.
type DispatchReply struct {
	Content     string
	Attachments []DispatchAttachment
	Final       bool
}

// ReplyDispatcher is the contract the Ingestion Pipeline depends on. The
// shipped adapter (grpcDispatcher) generalizes the teacher's
// internal/agent/grpc_client.go: it dials the dispatcher process over gRPC
// and streams replies back over a server-streaming RPC.
type ReplyDispatcher interface {
	Dispatch(ctx context.Context, req DispatchRequest) iter.Seq2[*DispatchReply, error]
}
