// Package store provides the durable relational persistence used by the
// Event Log, Stream Catalog, message records, assets, and idempotency
// records. Allowlist/pending/denylist state is file-backed and lives in
// internal/pairing instead — see package docs there for why.
package store

import (
	"context"
	"time"

	"github.com/clickety-clacks/clawline/internal/domain"
)

// NewMessage bundles the rows an ingestion-pipeline write commits atomically.
type NewMessage struct {
	DeviceID        string
	ClientID        string
	UserID          string
	SessionKey      string
	EventType       domain.EventType
	PayloadJSON     string
	ContentHash     string
	AttachmentsHash string
	AssetIDs        []string
}

// Repository defines the durable-store contract. Writes that touch several
// rows run in a single transaction, and most writes retry transient SQLite
// busy/locked errors with backoff (shared.WithRetry). Writes are not
// serialised through a write queue, and no queue-depth limit applies.
type Repository interface {
	// Event Log.

	// AppendEvent allocates the next dense sequence for userID and inserts an
	// event row, returning the fully populated Event.
	AppendEvent(ctx context.Context, userID, sessionKey string, eventType domain.EventType, originatingDeviceID, payloadJSON string) (*domain.Event, error)
	GetEvent(ctx context.Context, eventID string) (*domain.Event, error)
	TailEvents(ctx context.Context, userID string, eventType domain.EventType, limit int) ([]*domain.Event, error)
	EventsAfterSequence(ctx context.Context, userID string, sequence int64, limit int) ([]*domain.Event, error)
	EventsAfterTimestamp(ctx context.Context, userID string, after time.Time, limit int) ([]*domain.Event, error)

	// Stream Catalog.

	ListStreams(ctx context.Context, userID string) ([]*domain.StreamSession, error)
	GetStream(ctx context.Context, userID, sessionKey string) (*domain.StreamSession, error)
	MaxOrderIndex(ctx context.Context, userID string) (int, error)
	InsertStream(ctx context.Context, s *domain.StreamSession) error
	RenameStream(ctx context.Context, userID, sessionKey, displayName string) error
	// DeleteStreamCascade atomically removes message-asset links, message
	// records, events, and the catalog row for (userID, sessionKey), and
	// returns the asset ids that became unreferenced by the purge.
	DeleteStreamCascade(ctx context.Context, userID, sessionKey string) (orphanedAssetIDs []string, err error)

	// Message records (ingestion idempotency).

	GetMessageRecord(ctx context.Context, deviceID, clientID string) (*domain.UserMessageRecord, error)
	// InsertMessageAtomic commits the event, message record, and message-asset
	// links for one inbound message in a single transaction.
	InsertMessageAtomic(ctx context.Context, msg NewMessage) (*domain.Event, *domain.UserMessageRecord, error)
	MarkMessageAckSent(ctx context.Context, deviceID, clientID string) error
	SetMessageState(ctx context.Context, deviceID, clientID string, state domain.StreamingState) error

	// Assets.

	InsertAsset(ctx context.Context, a *domain.Asset) error
	GetAsset(ctx context.Context, assetID string) (*domain.Asset, error)
	UnreferencedAssetsOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]*domain.Asset, error)
	DeleteAsset(ctx context.Context, assetID string) error

	// Idempotency records.

	GetIdempotencyRecord(ctx context.Context, userID, key string, op domain.IdempotencyOperation) (*domain.IdempotencyRecord, error)
	PutIdempotencyRecord(ctx context.Context, rec *domain.IdempotencyRecord) error
	PruneIdempotencyRecords(ctx context.Context, olderThan time.Duration) (int64, error)

	// Lifecycle.

	Ping(ctx context.Context) error
	Close() error
}
