// Package asset owns assets/<assetId> files under the configured media
// directory, inline-image promotion to owned assets, SSRF-pinned fetch of
// dispatcher-supplied media URLs, and the unreferenced-asset GC sweep,
// grounded on the teacher's container volume-lifecycle/TTL sweep shape
// (internal/container/ttl.go's StartTTLWorker ticker pattern) generalized
// from container cleanup to asset garbage collection.
package asset

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/clickety-clacks/clawline/internal/domain"
	"github.com/clickety-clacks/clawline/internal/store"
	"github.com/google/uuid"
)

// Store manages asset file bytes plus the durable asset catalog rows.
type Store struct {
	repo     store.Repository
	mediaDir string
}

// New constructs an asset Store rooted at mediaDir, ensuring its assets/ and
// tmp/ subdirectories exist.
func New(repo store.Repository, mediaDir string) (*Store, error) {
	if err := os.MkdirAll(filepath.Join(mediaDir, "assets"), 0755); err != nil {
		return nil, fmt.Errorf("create assets dir: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(mediaDir, "tmp"), 0755); err != nil {
		return nil, fmt.Errorf("create tmp dir: %w", err)
	}
	return &Store{repo: repo, mediaDir: mediaDir}, nil
}

func (s *Store) assetPath(assetID string) string {
	return filepath.Join(s.mediaDir, "assets", assetID)
}

func newAssetID() (string, error) {
	return "a_" + uuid.New().String(), nil
}

// Put writes data to a scratch file, fsyncs, renames it into place under
// assets/, and inserts the catalog row in the same durable store used by the
// Event Log, all before returning — the asset never appears in the catalog
// ahead of its bytes being durable on disk.
func (s *Store) Put(ctx context.Context, ownerUserID, uploaderDeviceID, mimeType string, data io.Reader) (*domain.Asset, error) {
	assetID, err := newAssetID()
	if err != nil {
		return nil, err
	}

	tmpPath := filepath.Join(s.mediaDir, "tmp", assetID+".tmp")
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("open scratch file: %w", err)
	}

	size, err := io.Copy(f, data)
	if err != nil {
		_ = f.Close()
		_ = os.Remove(tmpPath)
		return nil, fmt.Errorf("write asset bytes: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmpPath)
		return nil, fmt.Errorf("fsync asset bytes: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return nil, fmt.Errorf("close scratch file: %w", err)
	}

	if err := os.Rename(tmpPath, s.assetPath(assetID)); err != nil {
		_ = os.Remove(tmpPath)
		return nil, fmt.Errorf("rename asset into place: %w", err)
	}

	a := &domain.Asset{
		AssetID:          assetID,
		UserID:           ownerUserID,
		MimeType:         mimeType,
		Size:             size,
		CreatedAt:        time.Now(),
		UploaderDeviceID: uploaderDeviceID,
	}
	if err := s.repo.InsertAsset(ctx, a); err != nil {
		_ = os.Remove(s.assetPath(assetID))
		return nil, fmt.Errorf("insert asset row: %w", err)
	}
	return a, nil
}

// Get returns the catalog row for assetID, or nil if it doesn't exist or
// isn't owned by requestingUserID.
func (s *Store) Get(ctx context.Context, assetID, requestingUserID string) (*domain.Asset, error) {
	a, err := s.repo.GetAsset(ctx, assetID)
	if err != nil {
		return nil, fmt.Errorf("get asset: %w", err)
	}
	if a == nil || a.UserID != requestingUserID {
		return nil, nil
	}
	return a, nil
}

// Open returns a reader over assetID's bytes on disk. Callers must close it.
func (s *Store) Open(assetID string) (*os.File, error) {
	return os.Open(s.assetPath(assetID))
}

// DeleteFile removes assetID's bytes on disk, tolerating an already-missing
// file. Used by the Stream Catalog delete path to reclaim the asset ids
// DeleteStreamCascade reports as orphaned immediately after the transaction
// that dropped their last reference commits, rather than waiting for the
// periodic sweep.
func (s *Store) DeleteFile(assetID string) error {
	if err := os.Remove(s.assetPath(assetID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete asset file: %w", err)
	}
	return nil
}

// StartSweep runs a background goroutine that, on a ticker, finds assets
// with no surviving MessageAsset row older than orphanGrace and removes both
// the DB row and the file. Errors are logged at warning level and never
// abort the ticker, per the background-maintenance error policy.
func (s *Store) StartSweep(ctx context.Context, interval, orphanGrace time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		slog.Info("asset sweep started", "interval", interval, "orphan_grace", orphanGrace)
		for {
			select {
			case <-ticker.C:
				s.sweepOnce(ctx, orphanGrace)
			case <-ctx.Done():
				slog.Info("asset sweep shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

func (s *Store) sweepOnce(ctx context.Context, orphanGrace time.Duration) {
	cutoff := time.Now().Add(-orphanGrace)
	orphans, err := s.repo.UnreferencedAssetsOlderThan(ctx, cutoff, 500)
	if err != nil {
		slog.Warn("asset sweep: list orphans failed", "error", err)
		return
	}
	for _, a := range orphans {
		if err := s.repo.DeleteAsset(ctx, a.AssetID); err != nil {
			slog.Warn("asset sweep: delete row failed", "asset_id", a.AssetID, "error", err)
			continue
		}
		if err := os.Remove(s.assetPath(a.AssetID)); err != nil && !os.IsNotExist(err) {
			slog.Warn("asset sweep: delete file failed", "asset_id", a.AssetID, "error", err)
		}
	}
	if len(orphans) > 0 {
		slog.Info("asset sweep completed", "removed", len(orphans))
	}
}
