package catalog

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/clickety-clacks/clawline/internal/apierr"
	"github.com/clickety-clacks/clawline/internal/domain"
	"github.com/clickety-clacks/clawline/internal/store"
)

// fakeRepo is an in-memory store.Repository covering only what the Stream
// Catalog exercises, grounded on the same shape used by internal/api's test
// double.
type fakeRepo struct {
	mu      sync.Mutex
	streams map[string]*domain.StreamSession
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
	cp := *s
	f.streams[f.key(s.UserID, s.SessionKey)] = &cp
	return nil
}

func (f *fakeRepo) RenameStream(_ context.Context, userID, sessionKey, displayName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.streams[f.key(userID, sessionKey)]
	if !ok {
		return apierr.New(apierr.StreamNotFound, "not found")
	}
	s.DisplayName = displayName
	return nil
}

func (f *fakeRepo) DeleteStreamCascade(_ context.Context, userID, sessionKey string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.streams, f.key(userID, sessionKey))
	return []string{"a_orphan1"}, nil
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
func (f *fakeRepo) InsertAsset(context.Context, *domain.Asset) error         { return nil }
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

func newTestCatalog() (*Catalog, *fakeRepo) {
	repo := newFakeRepo()
	return New(repo, "agent1", "agent:agent1:clawline:admin:global", 3, false, time.Hour), repo
}

func TestEnsureBuiltinsSeedsMainOnly(t *testing.T) {
	cat, repo := newTestCatalog()
	if err := cat.EnsureBuiltins(context.Background(), "u1", false); err != nil {
		t.Fatalf("EnsureBuiltins: %v", err)
	}
	streams, _ := repo.ListStreams(context.Background(), "u1")
	if len(streams) != 1 || streams[0].Kind != domain.StreamKindMain {
		t.Fatalf("expected only a main stream to be seeded, got %+v", streams)
	}

	// Idempotent: calling again does not duplicate.
	if err := cat.EnsureBuiltins(context.Background(), "u1", false); err != nil {
		t.Fatalf("EnsureBuiltins (second call): %v", err)
	}
	streams, _ = repo.ListStreams(context.Background(), "u1")
	if len(streams) != 1 {
		t.Fatalf("expected EnsureBuiltins to be idempotent, got %d streams", len(streams))
	}
}

func TestEnsureBuiltinsSeedsGlobalForAdmin(t *testing.T) {
	cat, repo := newTestCatalog()
	if err := cat.EnsureBuiltins(context.Background(), "admin1", true); err != nil {
		t.Fatalf("EnsureBuiltins: %v", err)
	}
	streams, _ := repo.ListStreams(context.Background(), "admin1")
	foundGlobal := false
	for _, s := range streams {
		if s.SessionKey == "agent:agent1:clawline:admin:global" {
			foundGlobal = true
		}
	}
	if !foundGlobal {
		t.Fatalf("expected the admin global stream to be seeded for an admin")
	}
}

func TestCreateAndIdempotentReplay(t *testing.T) {
	cat, _ := newTestCatalog()
	fingerprint := ComputeFingerprint("u1", "Notes")

	first, err := cat.Create(context.Background(), "u1", "Notes", "idem-1", fingerprint)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if first.Replayed {
		t.Fatalf("expected first create not to be a replay")
	}

	second, err := cat.Create(context.Background(), "u1", "Notes", "idem-1", fingerprint)
	if err != nil {
		t.Fatalf("Create (replay): %v", err)
	}
	if !second.Replayed || second.Stream.SessionKey != first.Stream.SessionKey {
		t.Fatalf("expected the second create with the same idempotency key to replay the first result")
	}
}

func TestCreateRejectsReusedKeyWithDifferentFingerprint(t *testing.T) {
	cat, _ := newTestCatalog()
	if _, err := cat.Create(context.Background(), "u1", "Notes", "idem-1", ComputeFingerprint("u1", "Notes")); err != nil {
		t.Fatalf("Create: %v", err)
	}
	_, err := cat.Create(context.Background(), "u1", "Other", "idem-1", ComputeFingerprint("u1", "Other"))
	apiErr, ok := err.(*apierr.Error)
	if !ok || apiErr.ErrCode != apierr.IdempotencyKeyReused {
		t.Fatalf("expected idempotency_key_reused, got %v", err)
	}
}

func TestCreateEnforcesStreamLimit(t *testing.T) {
	cat, _ := newTestCatalog() // streamLimit = 3
	for i := 0; i < 3; i++ {
		if _, err := cat.Create(context.Background(), "u1", "Stream", "", ""); err != nil {
			t.Fatalf("Create %d: %v", i, err)
		}
	}
	_, err := cat.Create(context.Background(), "u1", "One Too Many", "", "")
	apiErr, ok := err.(*apierr.Error)
	if !ok || apiErr.ErrCode != apierr.StreamLimitReached {
		t.Fatalf("expected stream_limit_reached, got %v", err)
	}
}

func TestRenameRejectsBuiltIn(t *testing.T) {
	cat, _ := newTestCatalog()
	if err := cat.EnsureBuiltins(context.Background(), "u1", false); err != nil {
		t.Fatalf("EnsureBuiltins: %v", err)
	}
	mainKey := "agent:agent1:clawline:u1:main"
	_, err := cat.Rename(context.Background(), "u1", mainKey, "New Name")
	apiErr, ok := err.(*apierr.Error)
	if !ok || apiErr.ErrCode != apierr.BuiltInStreamRenameForbidden {
		t.Fatalf("expected built_in_stream_rename_forbidden, got %v", err)
	}
}

func TestDeleteRejectsLastRemainingStream(t *testing.T) {
	cat, _ := newTestCatalog()
	created, err := cat.Create(context.Background(), "u1", "Only One", "", "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	_, err = cat.Delete(context.Background(), "u1", created.Stream.SessionKey, "", "")
	apiErr, ok := err.(*apierr.Error)
	if !ok || apiErr.ErrCode != apierr.LastStreamDeleteForbidden {
		t.Fatalf("expected last_stream_delete_forbidden, got %v", err)
	}
}

func TestDeleteReturnsOrphanedAssetIDs(t *testing.T) {
	cat, _ := newTestCatalog()
	first, err := cat.Create(context.Background(), "u1", "A", "", "")
	if err != nil {
		t.Fatalf("Create A: %v", err)
	}
	if _, err := cat.Create(context.Background(), "u1", "B", "", ""); err != nil {
		t.Fatalf("Create B: %v", err)
	}
	orphaned, err := cat.Delete(context.Background(), "u1", first.Stream.SessionKey, "", "")
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if len(orphaned) != 1 || orphaned[0] != "a_orphan1" {
		t.Fatalf("expected DeleteStreamCascade's orphaned asset ids to pass through, got %v", orphaned)
	}
}
