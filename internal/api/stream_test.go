package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/clickety-clacks/clawline/internal/apierr"
	"github.com/clickety-clacks/clawline/internal/asset"
	"github.com/clickety-clacks/clawline/internal/auth"
	"github.com/clickety-clacks/clawline/internal/catalog"
	"github.com/clickety-clacks/clawline/internal/domain"
	"github.com/clickety-clacks/clawline/internal/fanout"
	"github.com/clickety-clacks/clawline/internal/session"
	"github.com/clickety-clacks/clawline/internal/store"
	"github.com/go-chi/chi/v5"
)

// fakeRepo is an in-memory store.Repository, grounded on the teacher's
// container_destroy_test.go fakeRepo shape, sized to what the Stream Catalog
// surface actually exercises.
type fakeRepo struct {
	mu      sync.Mutex
	streams map[string]*domain.StreamSession // userId:sessionKey
	idem    map[string]*domain.IdempotencyRecord
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		streams: make(map[string]*domain.StreamSession),
		idem:    make(map[string]*domain.IdempotencyRecord),
	}
}

func (f *fakeRepo) key(userID, sessionKey string) string { return userID + ":" + sessionKey }

func (f *fakeRepo) ListStreams(_ context.Context, userID string) ([]*domain.StreamSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.StreamSession
	for _, s := range f.streams {
		if s.UserID == userID {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *fakeRepo) GetStream(_ context.Context, userID, sessionKey string) (*domain.StreamSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.streams[f.key(userID, sessionKey)], nil
}

func (f *fakeRepo) MaxOrderIndex(_ context.Context, userID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	max := -1
	for _, s := range f.streams {
		if s.UserID == userID && s.OrderIndex > max {
			max = s.OrderIndex
		}
	}
	return max, nil
}

func (f *fakeRepo) InsertStream(_ context.Context, s *domain.StreamSession) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := f.key(s.UserID, s.SessionKey)
	if _, exists := f.streams[k]; exists {
		return fmt.Errorf("stream already exists")
	}
	cp := *s
	f.streams[k] = &cp
	return nil
}

func (f *fakeRepo) RenameStream(_ context.Context, userID, sessionKey, displayName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.streams[f.key(userID, sessionKey)]
	if !ok {
		return fmt.Errorf("not found")
	}
	s.DisplayName = displayName
	return nil
}

func (f *fakeRepo) DeleteStreamCascade(_ context.Context, userID, sessionKey string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.streams, f.key(userID, sessionKey))
	return nil, nil
}

func (f *fakeRepo) GetMessageRecord(context.Context, string, string) (*domain.UserMessageRecord, error) {
	return nil, nil
}
func (f *fakeRepo) InsertMessageAtomic(context.Context, store.NewMessage) (*domain.Event, *domain.UserMessageRecord, error) {
	return nil, nil, nil
}
func (f *fakeRepo) MarkMessageAckSent(context.Context, string, string) error { return nil }
func (f *fakeRepo) SetMessageState(context.Context, string, string, domain.StreamingState) error {
	return nil
}
func (f *fakeRepo) InsertAsset(context.Context, *domain.Asset) error { return nil }
func (f *fakeRepo) GetAsset(context.Context, string) (*domain.Asset, error) { return nil, nil }
func (f *fakeRepo) UnreferencedAssetsOlderThan(context.Context, time.Time, int) ([]*domain.Asset, error) {
	return nil, nil
}
func (f *fakeRepo) DeleteAsset(context.Context, string) error { return nil }

func (f *fakeRepo) GetIdempotencyRecord(_ context.Context, userID, key string, op domain.IdempotencyOperation) (*domain.IdempotencyRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.idem[userID+":"+key+":"+string(op)], nil
}
func (f *fakeRepo) PutIdempotencyRecord(_ context.Context, rec *domain.IdempotencyRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.idem[rec.UserID+":"+rec.IdempotencyKey+":"+string(rec.Operation)] = rec
	return nil
}
func (f *fakeRepo) PruneIdempotencyRecords(context.Context, time.Duration) (int64, error) {
	return 0, nil
}
func (f *fakeRepo) AppendEvent(context.Context, string, string, domain.EventType, string, string) (*domain.Event, error) {
	return nil, nil
}
func (f *fakeRepo) GetEvent(context.Context, string) (*domain.Event, error) { return nil, nil }
func (f *fakeRepo) TailEvents(context.Context, string, domain.EventType, int) ([]*domain.Event, error) {
	return nil, nil
}
func (f *fakeRepo) EventsAfterSequence(context.Context, string, int64, int) ([]*domain.Event, error) {
	return nil, nil
}
func (f *fakeRepo) EventsAfterTimestamp(context.Context, string, time.Time, int) ([]*domain.Event, error) {
	return nil, nil
}
func (f *fakeRepo) Ping(context.Context) error { return nil }
func (f *fakeRepo) Close() error               { return nil }

func newTestHandler(t *testing.T) (*StreamHandler, *fakeRepo) {
	t.Helper()
	repo := newFakeRepo()
	cat := catalog.New(repo, "agent1", "agent:agent1:clawline:admin:global", 10, false, time.Hour)
	assets, err := asset.New(repo, t.TempDir())
	if err != nil {
		t.Fatalf("asset.New: %v", err)
	}
	fan := fanout.New(session.NewManager(), "agent:agent1:clawline:admin:global")
	return NewStreamHandler(cat, fan, assets), repo
}

// passthroughMiddleware stands in for auth.Middleware in tests: requests
// arrive pre-authenticated via stubUser instead of carrying a real token.
func passthroughMiddleware(next http.Handler) http.Handler {
	return next
}

func newRouter(h *StreamHandler) chi.Router {
	r := chi.NewRouter()
	h.RegisterRoutes(r, passthroughMiddleware)
	return r
}

// stubUser attaches an authenticated identity to r the same way
// auth.Middleware would after verifying a real bearer token.
func stubUser(r *http.Request, userID string) *http.Request {
	return r.WithContext(auth.WithAuthContext(r.Context(), userID, "device1", false))
}

func decodeError(t *testing.T, body *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var eb errorBody
	if err := json.Unmarshal(body.Body.Bytes(), &eb); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return eb
}

func TestCreateStreamRequiresDisplayName(t *testing.T) {
	h, _ := newTestHandler(t)
	r := newRouter(h)

	req := stubUser(httptest.NewRequest(http.MethodPost, "/api/streams", strings.NewReader(`{}`)), "u1")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
	}
	eb := decodeError(t, rec)
	if eb.Error.Code != string(apierr.InvalidMessage) {
		t.Errorf("expected invalid_message, got %s", eb.Error.Code)
	}
}

func TestCreateAndRenameStream(t *testing.T) {
	h, _ := newTestHandler(t)
	r := newRouter(h)

	createReq := stubUser(httptest.NewRequest(http.MethodPost, "/api/streams", strings.NewReader(`{"displayName":"Notes"}`)), "u1")
	createRec := httptest.NewRecorder()
	r.ServeHTTP(createRec, createReq)
	if createRec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", createRec.Code, createRec.Body.String())
	}

	var created map[string]streamView
	if err := json.Unmarshal(createRec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode create response: %v", err)
	}
	sessionKey := created["stream"].SessionKey
	if sessionKey == "" {
		t.Fatalf("expected a session key in create response")
	}

	renameReq := stubUser(httptest.NewRequest(http.MethodPatch, "/api/streams/"+sessionKey, strings.NewReader(`{"displayName":"Renamed"}`)), "u1")
	renameRec := httptest.NewRecorder()
	r.ServeHTTP(renameRec, renameReq)
	if renameRec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", renameRec.Code, renameRec.Body.String())
	}
}

func TestDeleteRequiresConfirmationHeader(t *testing.T) {
	h, repo := newTestHandler(t)
	r := newRouter(h)

	_ = repo.InsertStream(context.Background(), &domain.StreamSession{
		UserID: "u1", SessionKey: "agent:agent1:clawline:u1:s_aaaaaaaa", DisplayName: "Custom", OrderIndex: 0,
	})

	req := stubUser(httptest.NewRequest(http.MethodDelete, "/api/streams/agent:agent1:clawline:u1:s_aaaaaaaa", nil), "u1")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 without confirmation header, got %d", rec.Code)
	}
	var body map[string]interface{}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	errObj, _ := body["error"].(map[string]interface{})
	if errObj["code"] != string(apierr.StreamDeleteRequiresUserAction) {
		t.Fatalf("expected code %q, got %+v", apierr.StreamDeleteRequiresUserAction, body)
	}
}

func TestDeleteBuiltInStreamForbidden(t *testing.T) {
	h, repo := newTestHandler(t)
	r := newRouter(h)

	_ = repo.InsertStream(context.Background(), &domain.StreamSession{
		UserID: "u1", SessionKey: "agent:agent1:clawline:u1:main", DisplayName: "Main", IsBuiltIn: true, OrderIndex: 0,
	})
	_ = repo.InsertStream(context.Background(), &domain.StreamSession{
		UserID: "u1", SessionKey: "agent:agent1:clawline:u1:s_bbbbbbbb", DisplayName: "Custom", OrderIndex: 1,
	})

	req := stubUser(httptest.NewRequest(http.MethodDelete, "/api/streams/agent:agent1:clawline:u1:main", nil), "u1")
	req.Header.Set("x-clawline-user-action", "delete_stream")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 built_in_stream_delete_forbidden, got %d: %s", rec.Code, rec.Body.String())
	}
}
