// Package catalog implements the per-user Stream Catalog: built-in stream
// seeding, idempotent create/rename/delete, and the access-control rules
// distinguishing built-in, custom, and admin-global streams.
package catalog

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/clickety-clacks/clawline/internal/apierr"
	"github.com/clickety-clacks/clawline/internal/domain"
	"github.com/clickety-clacks/clawline/internal/store"
	"github.com/clickety-clacks/clawline/internal/streamkey"
)

func encodeJSON(v interface{}) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeJSON(s string, v interface{}) error {
	return json.Unmarshal([]byte(s), v)
}

// Catalog mediates all stream-catalog reads and mutations.
type Catalog struct {
	repo             store.Repository
	agentID          string
	streamLimit      int
	dmScopeEnabled   bool
	adminGlobalKey   string
	idempotencyRetention time.Duration
}

// New constructs a Catalog bound to repo.
func New(repo store.Repository, agentID, adminGlobalKey string, streamLimit int, dmScopeEnabled bool, idempotencyRetention time.Duration) *Catalog {
	return &Catalog{
		repo:                 repo,
		agentID:              agentID,
		streamLimit:          streamLimit,
		dmScopeEnabled:       dmScopeEnabled,
		adminGlobalKey:       adminGlobalKey,
		idempotencyRetention: idempotencyRetention,
	}
}

// EnsureBuiltins lazily seeds the main/dm/global_dm rows for userID on first
// observation: main always, dm when the deployment enables separate DM
// scope, global_dm only for admins, mirroring the teacher's lazy per-user
// seeding pattern in the store layer.
func (c *Catalog) EnsureBuiltins(ctx context.Context, userID string, isAdmin bool) error {
	existing, err := c.repo.ListStreams(ctx, userID)
	if err != nil {
		return fmt.Errorf("list streams: %w", err)
	}
	haveSuffix := make(map[string]bool)
	for _, s := range existing {
		if p, ok := streamkey.Parse(s.SessionKey); ok {
			haveSuffix[p.Suffix] = true
		}
	}

	needed := []struct {
		suffix string
		kind   domain.StreamKind
		name   string
		want   bool
	}{
		{streamkey.SuffixMain, domain.StreamKindMain, "Main", true},
		{streamkey.SuffixDM, domain.StreamKindDM, "Direct Messages", c.dmScopeEnabled},
	}

	for _, n := range needed {
		if !n.want || haveSuffix[n.suffix] {
			continue
		}
		if err := c.insertBuiltin(ctx, userID, n.suffix, n.kind, n.name); err != nil {
			return err
		}
	}

	if isAdmin {
		existingGlobal, err := c.repo.GetStream(ctx, userID, c.adminGlobalKey)
		if err != nil {
			return fmt.Errorf("get global stream: %w", err)
		}
		if existingGlobal == nil {
			if err := c.insertGlobal(ctx, userID); err != nil {
				return err
			}
		}
	}
	return nil
}

func (c *Catalog) insertBuiltin(ctx context.Context, userID, suffix string, kind domain.StreamKind, displayName string) error {
	maxOrder, err := c.repo.MaxOrderIndex(ctx, userID)
	if err != nil {
		return fmt.Errorf("max order index: %w", err)
	}
	now := time.Now()
	return c.repo.InsertStream(ctx, &domain.StreamSession{
		UserID:      userID,
		SessionKey:  streamkey.Build(c.agentID, userID, suffix),
		DisplayName: displayName,
		Kind:        kind,
		OrderIndex:  maxOrder + 1,
		IsBuiltIn:   true,
		CreatedAt:   now,
		UpdatedAt:   now,
	})
}

func (c *Catalog) insertGlobal(ctx context.Context, userID string) error {
	maxOrder, err := c.repo.MaxOrderIndex(ctx, userID)
	if err != nil {
		return fmt.Errorf("max order index: %w", err)
	}
	now := time.Now()
	return c.repo.InsertStream(ctx, &domain.StreamSession{
		UserID:      userID,
		SessionKey:  c.adminGlobalKey,
		DisplayName: "Global",
		Kind:        domain.StreamKindGlobalDM,
		OrderIndex:  maxOrder + 1,
		IsBuiltIn:   true,
		CreatedAt:   now,
		UpdatedAt:   now,
	})
}

// List returns userID's streams sorted by (orderIndex, sessionKey).
func (c *Catalog) List(ctx context.Context, userID string) ([]*domain.StreamSession, error) {
	return c.repo.ListStreams(ctx, userID)
}

// ComputeFingerprint hashes a canonical request payload for idempotency
// comparison, mirroring ManuGH/xg2g's ComputeIdemKey pattern: a versioned,
// colon-joined payload hashed with SHA-256.
func ComputeFingerprint(parts ...string) string {
	payload := "v1"
	for _, p := range parts {
		payload += ":" + p
	}
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])
}

// CreateResult is the outcome of Create, including whether it was served
// from an idempotency replay.
type CreateResult struct {
	Stream  *domain.StreamSession
	Replayed bool
}

// Create inserts a new custom stream for userID, honoring the idempotency
// key: identical (key, fingerprint) replays the stored response; a reused
// key with a different fingerprint fails IdempotencyKeyReused.
func (c *Catalog) Create(ctx context.Context, userID, displayName, idempotencyKey, fingerprint string) (*CreateResult, error) {
	if idempotencyKey != "" {
		rec, err := c.repo.GetIdempotencyRecord(ctx, userID, idempotencyKey, domain.OperationCreateStream)
		if err != nil {
			return nil, fmt.Errorf("get idempotency record: %w", err)
		}
		if rec != nil {
			if rec.RequestFingerprint != fingerprint {
				return nil, apierr.New(apierr.IdempotencyKeyReused, "idempotency key already used with a different request")
			}
			var replayed domain.StreamSession
			if err := decodeJSON(rec.ResponseBody, &replayed); err != nil {
				return nil, fmt.Errorf("decode replayed stream: %w", err)
			}
			return &CreateResult{Stream: &replayed, Replayed: true}, nil
		}
	}

	visible, err := c.repo.ListStreams(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list streams: %w", err)
	}
	if len(visible) >= c.streamLimit {
		return nil, apierr.New(apierr.StreamLimitReached, "stream limit reached")
	}

	var stream *domain.StreamSession
	for attempt := 0; attempt < 2; attempt++ {
		suffix, err := randomCustomSuffix()
		if err != nil {
			return nil, err
		}
		sessionKey := streamkey.Build(c.agentID, userID, suffix)
		if existing, _ := c.repo.GetStream(ctx, userID, sessionKey); existing != nil {
			continue
		}

		maxOrder, err := c.repo.MaxOrderIndex(ctx, userID)
		if err != nil {
			return nil, fmt.Errorf("max order index: %w", err)
		}
		now := time.Now()
		candidate := &domain.StreamSession{
			UserID:      userID,
			SessionKey:  sessionKey,
			DisplayName: displayName,
			Kind:        domain.StreamKindCustom,
			OrderIndex:  maxOrder + 1,
			IsBuiltIn:   false,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := c.repo.InsertStream(ctx, candidate); err != nil {
			continue
		}
		stream = candidate
		break
	}
	if stream == nil {
		return nil, apierr.New(apierr.ServerError, "could not allocate a unique stream key")
	}

	if idempotencyKey != "" {
		body, err := encodeJSON(stream)
		if err != nil {
			return nil, fmt.Errorf("encode stream for idempotency record: %w", err)
		}
		if err := c.repo.PutIdempotencyRecord(ctx, &domain.IdempotencyRecord{
			UserID:             userID,
			IdempotencyKey:     idempotencyKey,
			Operation:          domain.OperationCreateStream,
			RequestFingerprint: fingerprint,
			Status:             201,
			ResponseBody:       body,
			CreatedAt:          time.Now(),
		}); err != nil {
			return nil, fmt.Errorf("put idempotency record: %w", err)
		}
	}

	return &CreateResult{Stream: stream}, nil
}

func randomCustomSuffix() (string, error) {
	buf := make([]byte, 4)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate stream suffix: %w", err)
	}
	return streamkey.NewCustomSuffix(hex.EncodeToString(buf)), nil
}

// Rename updates displayName for (userID, sessionKey), rejecting built-ins.
func (c *Catalog) Rename(ctx context.Context, userID, sessionKey, displayName string) (*domain.StreamSession, error) {
	existing, err := c.repo.GetStream(ctx, userID, sessionKey)
	if err != nil {
		return nil, fmt.Errorf("get stream: %w", err)
	}
	if existing == nil {
		return nil, apierr.New(apierr.StreamNotFound, "stream not found")
	}
	if existing.IsBuiltIn {
		return nil, apierr.New(apierr.BuiltInStreamRenameForbidden, "built-in streams cannot be renamed")
	}
	if err := c.repo.RenameStream(ctx, userID, sessionKey, displayName); err != nil {
		return nil, fmt.Errorf("rename stream: %w", err)
	}
	existing.DisplayName = displayName
	existing.UpdatedAt = time.Now()
	return existing, nil
}

// Delete purges (userID, sessionKey) and everything it owns, returning the
// asset ids that became unreferenced by the purge for the caller to unlink
// from disk after the transaction commits.
func (c *Catalog) Delete(ctx context.Context, userID, sessionKey, idempotencyKey, fingerprint string) ([]string, error) {
	if idempotencyKey != "" {
		rec, err := c.repo.GetIdempotencyRecord(ctx, userID, idempotencyKey, domain.OperationDeleteStream)
		if err != nil {
			return nil, fmt.Errorf("get idempotency record: %w", err)
		}
		if rec != nil {
			if rec.RequestFingerprint != fingerprint {
				return nil, apierr.New(apierr.IdempotencyKeyReused, "idempotency key already used with a different request")
			}
			return nil, nil
		}
	}

	existing, err := c.repo.GetStream(ctx, userID, sessionKey)
	if err != nil {
		return nil, fmt.Errorf("get stream: %w", err)
	}
	if existing == nil {
		return nil, apierr.New(apierr.StreamNotFound, "stream not found")
	}
	if existing.IsBuiltIn {
		return nil, apierr.New(apierr.BuiltInStreamDeleteForbidden, "built-in streams cannot be deleted")
	}

	visible, err := c.repo.ListStreams(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list streams: %w", err)
	}
	if len(visible) <= 1 {
		return nil, apierr.New(apierr.LastStreamDeleteForbidden, "cannot delete the last remaining stream")
	}

	orphaned, err := c.repo.DeleteStreamCascade(ctx, userID, sessionKey)
	if err != nil {
		return nil, fmt.Errorf("delete stream cascade: %w", err)
	}

	if idempotencyKey != "" {
		if err := c.repo.PutIdempotencyRecord(ctx, &domain.IdempotencyRecord{
			UserID:             userID,
			IdempotencyKey:     idempotencyKey,
			Operation:          domain.OperationDeleteStream,
			RequestFingerprint: fingerprint,
			Status:             200,
			ResponseBody:       "",
			CreatedAt:          time.Now(),
		}); err != nil {
			return nil, fmt.Errorf("put idempotency record: %w", err)
		}
	}

	return orphaned, nil
}

// PruneIdempotencyRecords removes stream-catalog idempotency rows older than
// the configured retention window. Intended to be called from a periodic
// background sweep; errors are the caller's to log and swallow.
func (c *Catalog) PruneIdempotencyRecords(ctx context.Context) (int64, error) {
	return c.repo.PruneIdempotencyRecords(ctx, c.idempotencyRetention)
}

// StartSweep runs PruneIdempotencyRecords on interval until ctx is done,
// mirroring asset.Store.StartSweep's background-maintenance shape.
func (c *Catalog) StartSweep(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		slog.Info("idempotency record sweep started", "interval", interval, "retention", c.idempotencyRetention)
		for {
			select {
			case <-ticker.C:
				n, err := c.PruneIdempotencyRecords(ctx)
				if err != nil {
					slog.Warn("idempotency sweep failed", "error", err)
					continue
				}
				if n > 0 {
					slog.Info("idempotency sweep pruned records", "count", n)
				}
			case <-ctx.Done():
				slog.Info("idempotency sweep shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}
