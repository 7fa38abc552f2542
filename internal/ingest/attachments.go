package ingest

import (
	"encoding/base64"
	"fmt"
	"regexp"
	"strings"

	"github.com/clickety-clacks/clawline/internal/apierr"
)

func decodeBase64(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(s)
}

var assetIDPattern = regexp.MustCompile(`^a_[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`)

var inlineImageMIMEs = map[string]bool{
	"image/png":  true,
	"image/jpeg": true,
	"image/gif":  true,
	"image/webp": true,
	"image/heic": true,
}

const (
	mimeTerminalSession  = "application/vnd.clawline.terminal-session+json"
	mimeInteractiveHTML  = "application/vnd.clawline.interactive-html+json"
)

func isDocumentMIME(mime string) bool {
	return mime == mimeTerminalSession || mime == mimeInteractiveHTML
}

// NormalizedAttachment is one attachment after classification, ready to be
// hashed and, for inline images, promoted to an owned asset.
type NormalizedAttachment struct {
	Kind        string // "inline_image" | "inline_document" | "asset_ref"
	MimeType    string
	InlineBytes []byte
	AssetID     string
	IsTerminalSessionDoc bool
}

// normalizeAttachments classifies each inbound attachment per §4.7, rejecting
// anything that violates the inline byte budget, MIME allowlist, or asset-id
// grammar. targetIsPerUserStream gates terminal-session document attachments:
// they're only valid on a per-user clawline stream (main|dm|s_xxxxxxxx),
// never admin/cross-user.
func normalizeAttachments(raw []InboundAttachment, maxInlineBytes int64, targetIsPerUserStream bool) ([]NormalizedAttachment, error) {
	out := make([]NormalizedAttachment, 0, len(raw))
	for _, a := range raw {
		switch a.Type {
		case "image":
			if !inlineImageMIMEs[a.MimeType] {
				return nil, apierr.New(apierr.InvalidMessage, fmt.Sprintf("unsupported inline image mime type %q", a.MimeType))
			}
			decoded, err := decodeBase64(a.Data)
			if err != nil {
				return nil, apierr.New(apierr.InvalidMessage, "attachment data is not valid base64")
			}
			if int64(len(decoded)) > maxInlineBytes {
				return nil, apierr.New(apierr.PayloadTooLarge, "inline image exceeds the inline byte budget")
			}
			out = append(out, NormalizedAttachment{Kind: "inline_image", MimeType: a.MimeType, InlineBytes: decoded})

		case "document":
			if !isDocumentMIME(a.MimeType) {
				return nil, apierr.New(apierr.InvalidMessage, fmt.Sprintf("unsupported document mime type %q", a.MimeType))
			}
			if a.MimeType == mimeTerminalSession && !targetIsPerUserStream {
				return nil, apierr.New(apierr.Forbidden, "terminal-session attachments are only allowed on a per-user stream")
			}
			decoded, err := decodeBase64(a.Data)
			if err != nil {
				return nil, apierr.New(apierr.InvalidMessage, "attachment data is not valid base64")
			}
			if int64(len(decoded)) > maxInlineBytes {
				return nil, apierr.New(apierr.InvalidMessage, "document attachment exceeds the inline byte budget and cannot be offloaded")
			}
			out = append(out, NormalizedAttachment{
				Kind:                 "inline_document",
				MimeType:             a.MimeType,
				InlineBytes:          decoded,
				IsTerminalSessionDoc: a.MimeType == mimeTerminalSession,
			})

		case "asset":
			if !assetIDPattern.MatchString(a.AssetID) {
				return nil, apierr.New(apierr.InvalidMessage, "malformed asset id")
			}
			out = append(out, NormalizedAttachment{Kind: "asset_ref", AssetID: a.AssetID})

		default:
			return nil, apierr.New(apierr.InvalidMessage, fmt.Sprintf("unknown attachment type %q", a.Type))
		}
	}
	return out, nil
}

// classifyMIMEKind mirrors the haasonsaas/nexus artifactToAttachment
// MIME-prefix fallback, used when building the dispatcher-facing request so
// non-image/document content still gets a coarse type label.
func classifyMIMEKind(mime string) string {
	switch {
	case strings.HasPrefix(mime, "image/"):
		return "image"
	case strings.HasPrefix(mime, "video/"):
		return "video"
	case strings.HasPrefix(mime, "audio/"):
		return "audio"
	default:
		return "file"
	}
}
