package api

import (
	"encoding/json"
	"net/http"
	"net/url"

	"github.com/clickety-clacks/clawline/internal/apierr"
	"github.com/clickety-clacks/clawline/internal/asset"
	"github.com/clickety-clacks/clawline/internal/auth"
	"github.com/clickety-clacks/clawline/internal/catalog"
	"github.com/clickety-clacks/clawline/internal/domain"
	"github.com/clickety-clacks/clawline/internal/fanout"
	"github.com/go-chi/chi/v5"
)

// StreamHandler serves the Stream Catalog HTTP surface (§4.9), mirroring the
// teacher's ContainerHandler wiring shape: a thin struct over the catalog
// plus the collaborators a mutation needs to broadcast and reclaim storage.
type StreamHandler struct {
	cat    *catalog.Catalog
	fan    *fanout.Fanout
	assets *asset.Store
}

// NewStreamHandler constructs a StreamHandler.
func NewStreamHandler(cat *catalog.Catalog, fan *fanout.Fanout, assets *asset.Store) *StreamHandler {
	return &StreamHandler{cat: cat, fan: fan, assets: assets}
}

// RegisterRoutes mounts the stream catalog routes under authMiddleware.
func (h *StreamHandler) RegisterRoutes(r chi.Router, authMiddleware func(http.Handler) http.Handler) {
	r.Route("/api/streams", func(r chi.Router) {
		r.Use(authMiddleware)
		r.Get("/", h.List)
		r.Post("/", h.Create)
		r.Patch("/{sessionKey}", h.Rename)
		r.Delete("/{sessionKey}", h.Delete)
	})
}

type streamView struct {
	SessionKey  string `json:"sessionKey"`
	DisplayName string `json:"displayName"`
	Kind        string `json:"kind"`
	OrderIndex  int    `json:"orderIndex"`
	IsBuiltIn   bool   `json:"isBuiltIn"`
}

// List returns every stream visible to the caller.
func (h *StreamHandler) List(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserIDFromContext(r.Context())
	streams, err := h.cat.List(r.Context(), userID)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{"streams": toStreamViews(streams)})
}

type createRequest struct {
	DisplayName    string `json:"displayName"`
	IdempotencyKey string `json:"idempotencyKey,omitempty"`
}

// Create adds a custom stream, honoring the idempotency key per §4.3.
func (h *StreamHandler) Create(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserIDFromContext(r.Context())

	var req createRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeAPIError(w, err)
		return
	}
	if req.DisplayName == "" {
		writeAPIError(w, apierr.New(apierr.InvalidMessage, "displayName is required"))
		return
	}

	fingerprint := catalog.ComputeFingerprint(userID, req.DisplayName)
	result, err := h.cat.Create(r.Context(), userID, req.DisplayName, req.IdempotencyKey, fingerprint)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	if !result.Replayed {
		h.fan.DeliverCatalogEvent(userID, "stream_created", mustMarshalStream(result.Stream))
	}
	JSON(w, http.StatusCreated, map[string]interface{}{"stream": toStreamView(result.Stream)})
}

type renameRequest struct {
	DisplayName string `json:"displayName"`
}

// Rename updates a custom stream's display name.
func (h *StreamHandler) Rename(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserIDFromContext(r.Context())
	sessionKey := pathSessionKey(r)

	var req renameRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeAPIError(w, err)
		return
	}
	if req.DisplayName == "" {
		writeAPIError(w, apierr.New(apierr.InvalidMessage, "displayName is required"))
		return
	}

	stream, err := h.cat.Rename(r.Context(), userID, sessionKey, req.DisplayName)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	h.fan.DeliverCatalogEvent(userID, "stream_updated", mustMarshalStream(stream))
	JSON(w, http.StatusOK, map[string]interface{}{"stream": toStreamView(stream)})
}

type deleteRequest struct {
	IdempotencyKey string `json:"idempotencyKey,omitempty"`
}

// Delete removes a custom stream and everything it owns, requiring the
// x-clawline-user-action: delete_stream confirmation header per §4.3.
func (h *StreamHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("x-clawline-user-action") != "delete_stream" {
		writeAPIError(w, apierr.New(apierr.StreamDeleteRequiresUserAction, "missing delete_stream confirmation header"))
		return
	}

	userID := auth.UserIDFromContext(r.Context())
	sessionKey := pathSessionKey(r)

	var req deleteRequest
	if r.ContentLength != 0 {
		if err := decodeBody(w, r, &req); err != nil {
			writeAPIError(w, err)
			return
		}
	}

	fingerprint := catalog.ComputeFingerprint(userID, sessionKey)
	orphanedAssetIDs, err := h.cat.Delete(r.Context(), userID, sessionKey, req.IdempotencyKey, fingerprint)
	if err != nil {
		writeAPIError(w, err)
		return
	}

	for _, assetID := range orphanedAssetIDs {
		_ = h.assets.DeleteFile(assetID)
	}

	h.fan.DeliverCatalogEvent(userID, "stream_deleted", deletedStreamPayload(sessionKey))
	JSON(w, http.StatusOK, map[string]interface{}{"deletedSessionKey": sessionKey})
}

func pathSessionKey(r *http.Request) string {
	raw := chi.URLParam(r, "sessionKey")
	decoded, err := url.PathUnescape(raw)
	if err != nil {
		return raw
	}
	return decoded
}

func toStreamView(s *domain.StreamSession) streamView {
	return streamView{
		SessionKey:  s.SessionKey,
		DisplayName: s.DisplayName,
		Kind:        string(s.Kind),
		OrderIndex:  s.OrderIndex,
		IsBuiltIn:   s.IsBuiltIn,
	}
}

func toStreamViews(streams []*domain.StreamSession) []streamView {
	out := make([]streamView, 0, len(streams))
	for _, s := range streams {
		out = append(out, toStreamView(s))
	}
	return out
}

// mustMarshalStream builds the broadcast payload for a stream_created/
// stream_updated event.
func mustMarshalStream(s *domain.StreamSession) json.RawMessage {
	b, err := json.Marshal(toStreamView(s))
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return b
}

func deletedStreamPayload(sessionKey string) json.RawMessage {
	b, err := json.Marshal(map[string]string{"deletedSessionKey": sessionKey})
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return b
}
