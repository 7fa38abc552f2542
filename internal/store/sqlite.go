package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/clickety-clacks/clawline/internal/domain"
	"github.com/clickety-clacks/clawline/internal/shared"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite with WAL journaling.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed repository at dbPath.
func NewSQLite(dbPath string) (Repository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;

	CREATE TABLE IF NOT EXISTS event_sequences (
		user_id TEXT PRIMARY KEY,
		next_seq INTEGER NOT NULL DEFAULT 1
	);

	CREATE TABLE IF NOT EXISTS events (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		session_key TEXT NOT NULL,
		sequence INTEGER NOT NULL,
		event_type TEXT NOT NULL,
		originating_device_id TEXT,
		payload_json TEXT NOT NULL,
		payload_bytes INTEGER NOT NULL,
		timestamp INTEGER NOT NULL,
		UNIQUE(user_id, sequence)
	);
	CREATE INDEX IF NOT EXISTS idx_events_user_type ON events(user_id, event_type, sequence);
	CREATE INDEX IF NOT EXISTS idx_events_user_ts ON events(user_id, timestamp);

	CREATE TABLE IF NOT EXISTS stream_sessions (
		user_id TEXT NOT NULL,
		session_key TEXT NOT NULL,
		display_name TEXT NOT NULL,
		kind TEXT NOT NULL,
		order_index INTEGER NOT NULL,
		is_built_in INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (user_id, session_key),
		UNIQUE (user_id, order_index)
	);

	CREATE TABLE IF NOT EXISTS user_message_records (
		device_id TEXT NOT NULL,
		client_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		server_event_id TEXT NOT NULL,
		server_sequence INTEGER NOT NULL,
		content_hash TEXT NOT NULL,
		attachments_hash TEXT NOT NULL,
		streaming_state TEXT NOT NULL,
		ack_sent INTEGER NOT NULL DEFAULT 0,
		timestamp INTEGER NOT NULL,
		PRIMARY KEY (device_id, client_id)
	);

	CREATE TABLE IF NOT EXISTS assets (
		asset_id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		mime_type TEXT NOT NULL,
		size INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		uploader_device_id TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS message_assets (
		device_id TEXT NOT NULL,
		client_id TEXT NOT NULL,
		asset_id TEXT NOT NULL,
		PRIMARY KEY (device_id, client_id, asset_id)
	);
	CREATE INDEX IF NOT EXISTS idx_message_assets_asset ON message_assets(asset_id);

	CREATE TABLE IF NOT EXISTS idempotency_records (
		user_id TEXT NOT NULL,
		idempotency_key TEXT NOT NULL,
		operation TEXT NOT NULL,
		request_fingerprint TEXT NOT NULL,
		status INTEGER NOT NULL,
		response_body TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		PRIMARY KEY (user_id, idempotency_key, operation)
	);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// --- Event Log ---

func (s *SQLiteStore) AppendEvent(ctx context.Context, userID, sessionKey string, eventType domain.EventType, originatingDeviceID, payloadJSON string) (*domain.Event, error) {
	var event *domain.Event
	err := shared.WithRetry(3, 50*time.Millisecond, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		seq, err := allocateSequence(ctx, tx, userID)
		if err != nil {
			return err
		}

		id := "s_" + uuid.New().String()
		now := time.Now()
		var originating interface{}
		if originatingDeviceID != "" {
			originating = originatingDeviceID
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO events (id, user_id, session_key, sequence, event_type, originating_device_id, payload_json, payload_bytes, timestamp)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			id, userID, sessionKey, seq, string(eventType), originating, payloadJSON, len(payloadJSON), now.Unix(),
		)
		if err != nil {
			return fmt.Errorf("insert event: %w", err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit event: %w", err)
		}

		event = &domain.Event{
			ID: id, UserID: userID, SessionKey: sessionKey, Sequence: seq,
			EventType: eventType, OriginatingDeviceID: originatingDeviceID,
			PayloadJSON: payloadJSON, PayloadBytes: len(payloadJSON), Timestamp: now,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return event, nil
}

// allocateSequence atomically returns the next dense sequence number for userID.
func allocateSequence(ctx context.Context, tx *sql.Tx, userID string) (int64, error) {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO event_sequences (user_id, next_seq) VALUES (?, 2)
		ON CONFLICT(user_id) DO UPDATE SET next_seq = next_seq + 1`, userID)
	if err != nil {
		return 0, fmt.Errorf("bump sequence: %w", err)
	}
	row := tx.QueryRowContext(ctx, `SELECT next_seq FROM event_sequences WHERE user_id = ?`, userID)
	var next int64
	if err := row.Scan(&next); err != nil {
		return 0, fmt.Errorf("read sequence: %w", err)
	}
	// next_seq stores "one past the value just issued" after the bump above;
	// the issued sequence is next-1 on first insert (seeded at 2) and on every
	// subsequent bump, so the row always reflects the next free slot.
	return next - 1, nil
}

func scanEvent(row interface {
	Scan(dest ...interface{}) error
}) (*domain.Event, error) {
	var e domain.Event
	var originating sql.NullString
	var ts int64
	var eventType string
	if err := row.Scan(&e.ID, &e.UserID, &e.SessionKey, &e.Sequence, &eventType, &originating, &e.PayloadJSON, &e.PayloadBytes, &ts); err != nil {
		return nil, err
	}
	e.EventType = domain.EventType(eventType)
	e.OriginatingDeviceID = originating.String
	e.Timestamp = time.Unix(ts, 0)
	return &e, nil
}

const eventColumns = `id, user_id, session_key, sequence, event_type, originating_device_id, payload_json, payload_bytes, timestamp`

func (s *SQLiteStore) GetEvent(ctx context.Context, eventID string) (*domain.Event, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM events WHERE id = ?`, eventID)
	e, err := scanEvent(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan event: %w", err)
	}
	return e, nil
}

func (s *SQLiteStore) TailEvents(ctx context.Context, userID string, eventType domain.EventType, limit int) ([]*domain.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+eventColumns+` FROM events
		WHERE user_id = ? AND event_type = ?
		ORDER BY sequence DESC LIMIT ?`, userID, string(eventType), limit)
	if err != nil {
		return nil, fmt.Errorf("query tail events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []*domain.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan tail event: %w", err)
		}
		events = append(events, e)
	}
	// Caller expects oldest-to-newest.
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
	return events, rows.Err()
}

func (s *SQLiteStore) EventsAfterSequence(ctx context.Context, userID string, sequence int64, limit int) ([]*domain.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+eventColumns+` FROM events
		WHERE user_id = ? AND sequence > ?
		ORDER BY sequence ASC LIMIT ?`, userID, sequence, limit)
	if err != nil {
		return nil, fmt.Errorf("query events after sequence: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []*domain.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func (s *SQLiteStore) EventsAfterTimestamp(ctx context.Context, userID string, after time.Time, limit int) ([]*domain.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+eventColumns+` FROM events
		WHERE user_id = ? AND timestamp > ?
		ORDER BY sequence ASC LIMIT ?`, userID, after.Unix(), limit)
	if err != nil {
		return nil, fmt.Errorf("query events after timestamp: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []*domain.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Stream Catalog ---

const streamColumns = `user_id, session_key, display_name, kind, order_index, is_built_in, created_at, updated_at`

func scanStream(row interface {
	Scan(dest ...interface{}) error
}) (*domain.StreamSession, error) {
	var st domain.StreamSession
	var kind string
	var isBuiltIn int
	var createdAt, updatedAt int64
	if err := row.Scan(&st.UserID, &st.SessionKey, &st.DisplayName, &kind, &st.OrderIndex, &isBuiltIn, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	st.Kind = domain.StreamKind(kind)
	st.IsBuiltIn = isBuiltIn != 0
	st.CreatedAt = time.Unix(createdAt, 0)
	st.UpdatedAt = time.Unix(updatedAt, 0)
	return &st, nil
}

func (s *SQLiteStore) ListStreams(ctx context.Context, userID string) ([]*domain.StreamSession, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+streamColumns+` FROM stream_sessions
		WHERE user_id = ? ORDER BY order_index, session_key`, userID)
	if err != nil {
		return nil, fmt.Errorf("query streams: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*domain.StreamSession
	for rows.Next() {
		st, err := scanStream(rows)
		if err != nil {
			return nil, fmt.Errorf("scan stream: %w", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) GetStream(ctx context.Context, userID, sessionKey string) (*domain.StreamSession, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+streamColumns+` FROM stream_sessions WHERE user_id = ? AND session_key = ?`, userID, sessionKey)
	st, err := scanStream(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan stream: %w", err)
	}
	return st, nil
}

func (s *SQLiteStore) MaxOrderIndex(ctx context.Context, userID string) (int, error) {
	row := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(order_index), -1) FROM stream_sessions WHERE user_id = ?`, userID)
	var max int
	if err := row.Scan(&max); err != nil {
		return 0, fmt.Errorf("max order index: %w", err)
	}
	return max, nil
}

func (s *SQLiteStore) InsertStream(ctx context.Context, st *domain.StreamSession) error {
	return shared.WithRetry(3, 50*time.Millisecond, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO stream_sessions (`+streamColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			st.UserID, st.SessionKey, st.DisplayName, string(st.Kind), st.OrderIndex,
			boolToInt(st.IsBuiltIn), st.CreatedAt.Unix(), st.UpdatedAt.Unix(),
		)
		if err != nil {
			return fmt.Errorf("insert stream: %w", err)
		}
		return nil
	})
}

func (s *SQLiteStore) RenameStream(ctx context.Context, userID, sessionKey, displayName string) error {
	return shared.WithRetry(3, 50*time.Millisecond, func() error {
		result, err := s.db.ExecContext(ctx, `
			UPDATE stream_sessions SET display_name = ?, updated_at = ?
			WHERE user_id = ? AND session_key = ?`, displayName, time.Now().Unix(), userID, sessionKey)
		if err != nil {
			return fmt.Errorf("rename stream: %w", err)
		}
		rows, _ := result.RowsAffected()
		if rows == 0 {
			return sql.ErrNoRows
		}
		return nil
	})
}

// DeleteStreamCascade purges message_assets, message records, events, and the
// catalog row for (userID, sessionKey) in one transaction, returning the
// asset ids that no longer have any surviving message_assets reference.
func (s *SQLiteStore) DeleteStreamCascade(ctx context.Context, userID, sessionKey string) ([]string, error) {
	var orphaned []string
	err := shared.WithRetry(3, 50*time.Millisecond, func() error {
		orphaned = nil
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		rows, err := tx.QueryContext(ctx, `
			SELECT DISTINCT ma.asset_id FROM message_assets ma
			JOIN user_message_records umr ON umr.device_id = ma.device_id AND umr.client_id = ma.client_id
			JOIN events ev ON ev.id = umr.server_event_id
			WHERE ev.user_id = ? AND ev.session_key = ?`, userID, sessionKey)
		if err != nil {
			return fmt.Errorf("query candidate assets: %w", err)
		}
		var candidates []string
		for rows.Next() {
			var assetID string
			if err := rows.Scan(&assetID); err != nil {
				_ = rows.Close()
				return fmt.Errorf("scan candidate asset: %w", err)
			}
			candidates = append(candidates, assetID)
		}
		_ = rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("iterate candidate assets: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			DELETE FROM message_assets WHERE (device_id, client_id) IN (
				SELECT umr.device_id, umr.client_id FROM user_message_records umr
				JOIN events ev ON ev.id = umr.server_event_id
				WHERE ev.user_id = ? AND ev.session_key = ?)`, userID, sessionKey); err != nil {
			return fmt.Errorf("delete message_assets: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			DELETE FROM user_message_records WHERE (device_id, client_id) IN (
				SELECT umr.device_id, umr.client_id FROM user_message_records umr
				JOIN events ev ON ev.id = umr.server_event_id
				WHERE ev.user_id = ? AND ev.session_key = ?)`, userID, sessionKey); err != nil {
			return fmt.Errorf("delete message records: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM events WHERE user_id = ? AND session_key = ?`, userID, sessionKey); err != nil {
			return fmt.Errorf("delete events: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM stream_sessions WHERE user_id = ? AND session_key = ?`, userID, sessionKey); err != nil {
			return fmt.Errorf("delete stream row: %w", err)
		}

		for _, assetID := range candidates {
			row := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM message_assets WHERE asset_id = ?`, assetID)
			var remaining int
			if err := row.Scan(&remaining); err != nil {
				return fmt.Errorf("count remaining asset refs: %w", err)
			}
			if remaining == 0 {
				orphaned = append(orphaned, assetID)
			}
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit cascade delete: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return orphaned, nil
}

// --- Message records ---

const messageRecordColumns = `device_id, client_id, user_id, server_event_id, server_sequence, content_hash, attachments_hash, streaming_state, ack_sent, timestamp`

func (s *SQLiteStore) GetMessageRecord(ctx context.Context, deviceID, clientID string) (*domain.UserMessageRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+messageRecordColumns+` FROM user_message_records WHERE device_id = ? AND client_id = ?`, deviceID, clientID)

	var m domain.UserMessageRecord
	var state string
	var ackSent int
	var ts int64
	err := row.Scan(&m.DeviceID, &m.ClientID, &m.UserID, &m.ServerEventID, &m.ServerSequence,
		&m.ContentHash, &m.AttachmentsHash, &state, &ackSent, &ts)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan message record: %w", err)
	}
	m.StreamingState = domain.StreamingState(state)
	m.AckSent = ackSent != 0
	m.Timestamp = time.Unix(ts, 0)
	return &m, nil
}

func (s *SQLiteStore) InsertMessageAtomic(ctx context.Context, msg NewMessage) (*domain.Event, *domain.UserMessageRecord, error) {
	var event *domain.Event
	var record *domain.UserMessageRecord

	err := shared.WithRetry(3, 50*time.Millisecond, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		seq, err := allocateSequence(ctx, tx, msg.UserID)
		if err != nil {
			return err
		}

		now := time.Now()
		eventID := "s_" + uuid.New().String()
		var originating interface{}
		if msg.DeviceID != "" {
			originating = msg.DeviceID
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO events (id, user_id, session_key, sequence, event_type, originating_device_id, payload_json, payload_bytes, timestamp)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			eventID, msg.UserID, msg.SessionKey, seq, string(msg.EventType), originating, msg.PayloadJSON, len(msg.PayloadJSON), now.Unix(),
		); err != nil {
			return fmt.Errorf("insert event: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO user_message_records (`+messageRecordColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			msg.DeviceID, msg.ClientID, msg.UserID, eventID, seq,
			msg.ContentHash, msg.AttachmentsHash, string(domain.StreamingActive), 0, now.Unix(),
		); err != nil {
			return fmt.Errorf("insert message record: %w", err)
		}

		for _, assetID := range msg.AssetIDs {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO message_assets (device_id, client_id, asset_id) VALUES (?, ?, ?)`,
				msg.DeviceID, msg.ClientID, assetID); err != nil {
				return fmt.Errorf("insert message asset link: %w", err)
			}
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit message insert: %w", err)
		}

		event = &domain.Event{
			ID: eventID, UserID: msg.UserID, SessionKey: msg.SessionKey, Sequence: seq,
			EventType: msg.EventType, OriginatingDeviceID: msg.DeviceID,
			PayloadJSON: msg.PayloadJSON, PayloadBytes: len(msg.PayloadJSON), Timestamp: now,
		}
		record = &domain.UserMessageRecord{
			DeviceID: msg.DeviceID, ClientID: msg.ClientID, UserID: msg.UserID,
			ServerEventID: eventID, ServerSequence: seq,
			ContentHash: msg.ContentHash, AttachmentsHash: msg.AttachmentsHash,
			StreamingState: domain.StreamingActive, AckSent: false, Timestamp: now,
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return event, record, nil
}

func (s *SQLiteStore) MarkMessageAckSent(ctx context.Context, deviceID, clientID string) error {
	return shared.WithRetry(3, 50*time.Millisecond, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE user_message_records SET ack_sent = 1 WHERE device_id = ? AND client_id = ?`, deviceID, clientID)
		if err != nil {
			return fmt.Errorf("mark ack sent: %w", err)
		}
		return nil
	})
}

func (s *SQLiteStore) SetMessageState(ctx context.Context, deviceID, clientID string, state domain.StreamingState) error {
	return shared.WithRetry(3, 50*time.Millisecond, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE user_message_records SET streaming_state = ? WHERE device_id = ? AND client_id = ?`,
			string(state), deviceID, clientID)
		if err != nil {
			return fmt.Errorf("set message state: %w", err)
		}
		return nil
	})
}

// --- Assets ---

func (s *SQLiteStore) InsertAsset(ctx context.Context, a *domain.Asset) error {
	return shared.WithRetry(3, 50*time.Millisecond, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO assets (asset_id, user_id, mime_type, size, created_at, uploader_device_id)
			VALUES (?, ?, ?, ?, ?, ?)`,
			a.AssetID, a.UserID, a.MimeType, a.Size, a.CreatedAt.Unix(), a.UploaderDeviceID)
		if err != nil {
			return fmt.Errorf("insert asset: %w", err)
		}
		return nil
	})
}

func (s *SQLiteStore) GetAsset(ctx context.Context, assetID string) (*domain.Asset, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT asset_id, user_id, mime_type, size, created_at, uploader_device_id FROM assets WHERE asset_id = ?`, assetID)
	var a domain.Asset
	var createdAt int64
	err := row.Scan(&a.AssetID, &a.UserID, &a.MimeType, &a.Size, &createdAt, &a.UploaderDeviceID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan asset: %w", err)
	}
	a.CreatedAt = time.Unix(createdAt, 0)
	return &a, nil
}

func (s *SQLiteStore) UnreferencedAssetsOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]*domain.Asset, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT a.asset_id, a.user_id, a.mime_type, a.size, a.created_at, a.uploader_device_id
		FROM assets a
		LEFT JOIN message_assets ma ON ma.asset_id = a.asset_id
		WHERE ma.asset_id IS NULL AND a.created_at < ?
		LIMIT ?`, cutoff.Unix(), limit)
	if err != nil {
		return nil, fmt.Errorf("query orphan assets: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*domain.Asset
	for rows.Next() {
		var a domain.Asset
		var createdAt int64
		if err := rows.Scan(&a.AssetID, &a.UserID, &a.MimeType, &a.Size, &createdAt, &a.UploaderDeviceID); err != nil {
			return nil, fmt.Errorf("scan orphan asset: %w", err)
		}
		a.CreatedAt = time.Unix(createdAt, 0)
		out = append(out, &a)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) DeleteAsset(ctx context.Context, assetID string) error {
	return shared.WithRetry(3, 50*time.Millisecond, func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM assets WHERE asset_id = ?`, assetID)
		if err != nil {
			return fmt.Errorf("delete asset: %w", err)
		}
		return nil
	})
}

// --- Idempotency records ---

func (s *SQLiteStore) GetIdempotencyRecord(ctx context.Context, userID, key string, op domain.IdempotencyOperation) (*domain.IdempotencyRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT user_id, idempotency_key, operation, request_fingerprint, status, response_body, created_at
		FROM idempotency_records WHERE user_id = ? AND idempotency_key = ? AND operation = ?`, userID, key, string(op))

	var rec domain.IdempotencyRecord
	var operation string
	var createdAt int64
	err := row.Scan(&rec.UserID, &rec.IdempotencyKey, &operation, &rec.RequestFingerprint, &rec.Status, &rec.ResponseBody, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan idempotency record: %w", err)
	}
	rec.Operation = domain.IdempotencyOperation(operation)
	rec.CreatedAt = time.Unix(createdAt, 0)
	return &rec, nil
}

func (s *SQLiteStore) PutIdempotencyRecord(ctx context.Context, rec *domain.IdempotencyRecord) error {
	return shared.WithRetry(3, 50*time.Millisecond, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO idempotency_records (user_id, idempotency_key, operation, request_fingerprint, status, response_body, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			rec.UserID, rec.IdempotencyKey, string(rec.Operation), rec.RequestFingerprint, rec.Status, rec.ResponseBody, rec.CreatedAt.Unix())
		if err != nil {
			return fmt.Errorf("insert idempotency record: %w", err)
		}
		return nil
	})
}

func (s *SQLiteStore) PruneIdempotencyRecords(ctx context.Context, olderThan time.Duration) (int64, error) {
	threshold := time.Now().Add(-olderThan).Unix()
	result, err := s.db.ExecContext(ctx, `DELETE FROM idempotency_records WHERE created_at < ?`, threshold)
	if err != nil {
		return 0, fmt.Errorf("prune idempotency records: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		slog.Warn("prune idempotency records: rows affected unavailable", "error", err)
	}
	return n, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
