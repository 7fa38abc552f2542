package ingest

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/clickety-clacks/clawline/internal/apierr"
	"github.com/clickety-clacks/clawline/internal/asset"
	"github.com/clickety-clacks/clawline/internal/dispatcher"
	"github.com/clickety-clacks/clawline/internal/domain"
	"github.com/clickety-clacks/clawline/internal/fanout"
	"github.com/clickety-clacks/clawline/internal/obs"
	"github.com/clickety-clacks/clawline/internal/ratelimit"
	"github.com/clickety-clacks/clawline/internal/session"
	"github.com/clickety-clacks/clawline/internal/store"
	"github.com/clickety-clacks/clawline/internal/streamkey"
	"github.com/clickety-clacks/clawline/internal/taskqueue"
)

var clientIDPattern = regexp.MustCompile(`^c_.+$`)

// Pipeline is the shipped Ingestion Pipeline: per-inbound-message
// validation, per-(user,stream) serialization, dedup, persistence, ack,
// broadcast, and reply-dispatcher invocation, mirroring haasonsaas/nexus's
// semaphore-gated processMessages/handleMessage shape but gated by the
// keyed task queue instead of a bare semaphore so ordering within a stream
// is preserved.
type Pipeline struct {
	repo       store.Repository
	queue      *taskqueue.Queue
	msgLimiter *ratelimit.Keyed
	assets     *asset.Store
	dispatch   dispatcher.ReplyDispatcher // nil: no reply dispatcher configured
	fan        *fanout.Fanout

	agentID        string
	adminGlobalKey string

	maxMessageBytes    int64
	maxInlineBytes     int64
	maxUploadBytes     int64
	mediaFetchDeadline time.Duration
}

// Config bundles the Pipeline's tunables, sourced from config.Config.
type Config struct {
	AgentID            string
	AdminGlobalKey     string
	MaxMessageBytes    int64
	MaxInlineBytes     int64
	MaxUploadBytes     int64
	MediaFetchDeadline time.Duration
}

// New constructs a Pipeline. dispatch may be nil when no external reply
// dispatcher is configured; messages still persist, ack, and broadcast, they
// simply get no assistant reply appended.
func New(repo store.Repository, queue *taskqueue.Queue, msgLimiter *ratelimit.Keyed, assets *asset.Store, dispatch dispatcher.ReplyDispatcher, fan *fanout.Fanout, cfg Config) *Pipeline {
	return &Pipeline{
		repo:               repo,
		queue:              queue,
		msgLimiter:         msgLimiter,
		assets:             assets,
		dispatch:           dispatch,
		fan:                fan,
		agentID:            cfg.AgentID,
		adminGlobalKey:     cfg.AdminGlobalKey,
		maxMessageBytes:    cfg.MaxMessageBytes,
		maxInlineBytes:     cfg.MaxInlineBytes,
		maxUploadBytes:     cfg.MaxUploadBytes,
		mediaFetchDeadline: cfg.MediaFetchDeadline,
	}
}

// Submit validates an inbound message frame and, once accepted, queues its
// processing on the (userId, resolvedStreamKey) mailbox. Synchronous
// validation failures (malformed frame, oversized content, unresolvable
// stream) are returned directly so the gateway can answer the originating
// request immediately; everything after queueing — dedup, rate limiting,
// persistence, ack, dispatch — reports outcomes asynchronously by sending
// frames on sess.Outbound.
func (p *Pipeline) Submit(ctx context.Context, sess *session.Session, msg InboundMessage) error {
	if !clientIDPattern.MatchString(msg.ID) {
		return apierr.New(apierr.InvalidMessage, "malformed message id")
	}
	if msg.Content == "" && len(msg.Attachments) == 0 {
		return apierr.New(apierr.InvalidMessage, "message has no content or attachments")
	}
	if int64(len(msg.Content)) > p.maxMessageBytes {
		return apierr.New(apierr.PayloadTooLarge, "message content exceeds maxMessageBytes")
	}

	streamKey, err := p.resolveTargetStreamKey(sess, msg.SessionKey)
	if err != nil {
		return err
	}
	kind := p.classifyStream(streamKey)
	if kind == "global" && !sess.IsAdmin {
		return apierr.New(apierr.Forbidden, "only admins may post to the global stream")
	}

	attachments, err := normalizeAttachments(msg.Attachments, p.maxInlineBytes, kind != "global")
	if err != nil {
		return err
	}

	p.queue.Submit(sess.UserID, streamKey, func() {
		p.process(context.Background(), sess, msg, streamKey, attachments)
	})
	return nil
}

// resolveTargetStreamKey normalizes a frame-supplied stream key and checks
// the session may post to it, falling back to the session default.
func (p *Pipeline) resolveTargetStreamKey(sess *session.Session, requested string) (string, error) {
	if requested == "" {
		return sess.DefaultStreamKey, nil
	}
	normalized := streamkey.Rewrite(requested)
	if !sess.IsSubscribed(normalized) {
		return "", apierr.New(apierr.Forbidden, "session may not post to an unsubscribed stream")
	}
	return normalized, nil
}

func (p *Pipeline) classifyStream(key string) string {
	if key == p.adminGlobalKey {
		return "global"
	}
	parsed, ok := streamkey.Parse(key)
	if !ok {
		return "custom"
	}
	switch parsed.Suffix {
	case streamkey.SuffixMain:
		return "main"
	case streamkey.SuffixDM:
		return "dm"
	default:
		return "custom"
	}
}

// process runs entirely inside the per-(user,stream) task queue worker: dedup
// check, per-device rate limiting, inline-image promotion, atomic persist,
// ack, broadcast, then reply-dispatcher invocation.
func (p *Pipeline) process(ctx context.Context, sess *session.Session, msg InboundMessage, streamKey string, attachments []NormalizedAttachment) {
	contentHash := hashString(msg.Content)
	attachmentsHash := hashAttachments(attachments)

	existing, err := p.repo.GetMessageRecord(ctx, sess.DeviceID, msg.ID)
	if err != nil {
		slog.Error("ingest: get message record failed", "error", err)
		p.sendError(sess, msg.ID, apierr.ServerError, "")
		return
	}
	if existing != nil {
		if existing.ContentHash != contentHash || existing.AttachmentsHash != attachmentsHash {
			p.sendError(sess, msg.ID, apierr.InvalidMessage, "client id reused with a different payload")
			return
		}
		if existing.StreamingState != domain.StreamingFailed {
			obs.RecordMessage(ctx, "duplicate")
			p.sendAck(sess, msg.ID)
			if !existing.AckSent {
				_ = p.repo.MarkMessageAckSent(ctx, sess.DeviceID, msg.ID)
			}
			return
		}
	}

	if !p.msgLimiter.Allow(sess.DeviceID) {
		obs.RecordMessage(ctx, "rate_limited")
		p.sendError(sess, msg.ID, apierr.RateLimited, "")
		return
	}

	assetIDs, err := p.materializeAttachments(ctx, sess.UserID, sess.DeviceID, attachments)
	if err != nil {
		slog.Warn("ingest: attachment materialization failed", "error", err)
		p.sendError(sess, msg.ID, apierr.AssetNotFound, "")
		return
	}

	payload := marshalOrEmpty(messagePayload{Content: msg.Content, Attachments: attachmentPayloads(attachments)})

	event, _, err := p.repo.InsertMessageAtomic(ctx, store.NewMessage{
		DeviceID:        sess.DeviceID,
		ClientID:        msg.ID,
		UserID:          sess.UserID,
		SessionKey:      streamKey,
		EventType:       domain.EventTypeMessage,
		PayloadJSON:     payload,
		ContentHash:     contentHash,
		AttachmentsHash: attachmentsHash,
		AssetIDs:        assetIDs,
	})
	if err != nil {
		slog.Error("ingest: persist message failed", "error", err)
		p.sendError(sess, msg.ID, apierr.ServerError, "")
		return
	}

	obs.RecordMessage(ctx, "acked")
	p.sendAck(sess, msg.ID)
	_ = p.repo.MarkMessageAckSent(ctx, sess.DeviceID, msg.ID)
	p.fan.DeliverEvent(event, "user")

	p.runDispatcher(ctx, sess, msg, streamKey, event, attachments)
}

// materializeAttachments promotes inline images to owned assets and passes
// through existing asset references (after an ownership check), returning
// the asset ids to link from the message row.
func (p *Pipeline) materializeAttachments(ctx context.Context, userID, deviceID string, attachments []NormalizedAttachment) ([]string, error) {
	var ids []string
	for i := range attachments {
		switch attachments[i].Kind {
		case "inline_image":
			a, err := p.assets.Put(ctx, userID, deviceID, attachments[i].MimeType, bytes.NewReader(attachments[i].InlineBytes))
			if err != nil {
				return nil, fmt.Errorf("promote inline image: %w", err)
			}
			attachments[i].AssetID = a.AssetID
			ids = append(ids, a.AssetID)
		case "asset_ref":
			a, err := p.assets.Get(ctx, attachments[i].AssetID, userID)
			if err != nil {
				return nil, fmt.Errorf("lookup asset reference: %w", err)
			}
			if a == nil {
				return nil, apierr.New(apierr.AssetNotFound, "referenced asset not found")
			}
			ids = append(ids, a.AssetID)
		}
	}
	return ids, nil
}

// runDispatcher invokes the external reply dispatcher (if configured),
// emitting an activity(isActive:true) frame before the first delivered
// reply and isActive:false on completion, persisting and broadcasting each
// reply as an assistant event on the same stream, and transitioning the
// originating message's streaming state once the lazy sequence is drained.
func (p *Pipeline) runDispatcher(ctx context.Context, sess *session.Session, msg InboundMessage, streamKey string, inboundEvent *domain.Event, attachments []NormalizedAttachment) {
	if p.dispatch == nil {
		obs.RecordReply(ctx, "disabled")
		_ = p.repo.SetMessageState(ctx, sess.DeviceID, msg.ID, domain.StreamingFinalized)
		return
	}

	req := dispatcher.DispatchRequest{
		UserID:      sess.UserID,
		DeviceID:    sess.DeviceID,
		SessionKey:  streamKey,
		MessageID:   inboundEvent.ID,
		Content:     msg.Content,
		Attachments: dispatchAttachments(attachments),
	}

	delivered := 0
	p.sendActivity(sess, msg.ID, streamKey, true)

	for reply, err := range p.dispatch.Dispatch(ctx, req) {
		if err != nil {
			slog.Error("ingest: reply dispatcher error", "error", err)
			break
		}
		if err := p.persistReply(ctx, sess.UserID, streamKey, reply); err != nil {
			slog.Error("ingest: persist dispatcher reply failed", "error", err)
			continue
		}
		delivered++
	}

	p.sendActivity(sess, msg.ID, streamKey, false)

	state := domain.StreamingFailed
	if delivered > 0 {
		state = domain.StreamingFinalized
	}
	if err := p.repo.SetMessageState(ctx, sess.DeviceID, msg.ID, state); err != nil {
		slog.Error("ingest: set message state failed", "error", err)
	}
	if state == domain.StreamingFailed {
		obs.RecordReply(ctx, "failed")
		p.sendError(sess, msg.ID, apierr.ServerError, inboundEvent.ID)
	} else {
		obs.RecordReply(ctx, "delivered")
	}
}

// persistReply fetches any dispatcher-supplied media URLs through the
// SSRF-pinned client, persists the reply as an assistant event, and
// broadcasts it.
func (p *Pipeline) persistReply(ctx context.Context, userID, streamKey string, reply *dispatcher.DispatchReply) error {
	assetIDs := make([]string, 0, len(reply.Attachments))
	for _, a := range reply.Attachments {
		if a.URL != "" {
			fetched, err := p.assets.FetchAndStore(ctx, userID, a.URL, p.maxUploadBytes, p.mediaFetchDeadline)
			if err != nil {
				slog.Warn("ingest: fetch dispatcher media failed", "url", a.URL, "error", err)
				continue
			}
			assetIDs = append(assetIDs, fetched.AssetID)
		} else if a.AssetID != "" {
			assetIDs = append(assetIDs, a.AssetID)
		}
	}

	payload := marshalOrEmpty(messagePayload{Content: reply.Content})
	event, err := p.repo.AppendEvent(ctx, userID, streamKey, domain.EventTypeMessage, "", payload)
	if err != nil {
		return fmt.Errorf("append assistant event: %w", err)
	}
	p.fan.DeliverEvent(event, "assistant")
	return nil
}

func (p *Pipeline) sendAck(sess *session.Session, id string) {
	sess.TrySend([]byte(marshalOrEmpty(Ack{Type: "ack", ID: id})))
}

func (p *Pipeline) sendError(sess *session.Session, messageID string, code apierr.Code, eventID string) {
	id := eventID
	if id == "" {
		id = messageID
	}
	sess.TrySend([]byte(marshalOrEmpty(ErrorFrame{Type: "error", Code: string(code), MessageID: id})))
}

func (p *Pipeline) sendActivity(sess *session.Session, messageID, streamKey string, active bool) {
	frame := ActivityFrame{
		Type:  "event",
		Event: "activity",
		Payload: ActivityPayload{
			IsActive:   active,
			MessageID:  messageID,
			SessionKey: streamKey,
		},
	}
	sess.TrySend([]byte(marshalOrEmpty(frame)))
}

type messagePayload struct {
	Content     string               `json:"content"`
	Attachments []attachmentPayload  `json:"attachments,omitempty"`
}

type attachmentPayload struct {
	Type     string `json:"type"`
	MimeType string `json:"mimeType,omitempty"`
	AssetID  string `json:"assetId,omitempty"`
}

// dispatchAttachments builds the dispatcher-facing attachment list,
// falling back to the MIME-prefix classification the haasonsaas/nexus
// artifactToAttachment converter uses for anything outside the inline
// image/document fast paths.
func dispatchAttachments(attachments []NormalizedAttachment) []dispatcher.DispatchAttachment {
	if len(attachments) == 0 {
		return nil
	}
	out := make([]dispatcher.DispatchAttachment, 0, len(attachments))
	for _, a := range attachments {
		d := dispatcher.DispatchAttachment{MimeType: a.MimeType, AssetID: a.AssetID}
		switch a.Kind {
		case "inline_image":
			d.Type = "image"
			d.Data = base64.StdEncoding.EncodeToString(a.InlineBytes)
		case "inline_document":
			d.Type = "document"
			d.Data = base64.StdEncoding.EncodeToString(a.InlineBytes)
		default:
			d.Type = classifyMIMEKind(a.MimeType)
		}
		out = append(out, d)
	}
	return out
}

func attachmentPayloads(attachments []NormalizedAttachment) []attachmentPayload {
	if len(attachments) == 0 {
		return nil
	}
	out := make([]attachmentPayload, 0, len(attachments))
	for _, a := range attachments {
		out = append(out, attachmentPayload{Type: a.Kind, MimeType: a.MimeType, AssetID: a.AssetID})
	}
	return out
}

func hashString(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func hashAttachments(attachments []NormalizedAttachment) string {
	var b strings.Builder
	for _, a := range attachments {
		b.WriteString(a.Kind)
		b.WriteByte(':')
		b.WriteString(a.MimeType)
		b.WriteByte(':')
		b.WriteString(a.AssetID)
		b.WriteByte(':')
		b.Write(a.InlineBytes)
		b.WriteByte('\x00')
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}
