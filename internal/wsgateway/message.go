package wsgateway

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/clickety-clacks/clawline/internal/apierr"
	"github.com/clickety-clacks/clawline/internal/ingest"
	"github.com/clickety-clacks/clawline/internal/session"
)

// handleMessage decodes an inbound message frame and hands it to the
// ingestion pipeline. Submit only returns synchronous validation errors
// (malformed frame, oversized content, unresolvable stream); everything
// queued past that point reports ack/error/activity asynchronously on
// sess.Outbound, so both paths answer through the same channel the writer
// pump drains rather than writing to the socket directly.
func (g *Gateway) handleMessage(ctx context.Context, sess *session.Session, data []byte) {
	var msg ingest.InboundMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		sendInboundError(sess, "", apierr.InvalidMessage, "malformed message frame")
		return
	}

	if err := g.pipeline.Submit(ctx, sess, msg); err != nil {
		apiErr, ok := err.(*apierr.Error)
		if !ok {
			slog.Error("ingest: submit failed", "error", err)
			sendInboundError(sess, msg.ID, apierr.ServerError, "")
			return
		}
		sendInboundError(sess, msg.ID, apiErr.ErrCode, apiErr.Msg)
	}
}

func sendInboundError(sess *session.Session, messageID string, code apierr.Code, message string) {
	b, err := json.Marshal(ingest.ErrorFrame{Type: "error", Code: string(code), Message: message, MessageID: messageID})
	if err != nil {
		return
	}
	sess.TrySend(b)
}
