// Package sqlitestore provides a single-node SQLite implementation of
// state.Backend for deployments without PostgreSQL.
package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/linnemanlabs/sentinel/internal/state"
)

const schema = `
CREATE TABLE IF NOT EXISTS source_watermarks (
	source      TEXT PRIMARY KEY,
	last_seen   INTEGER,
	cursor_data TEXT,
	updated_at  INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS processed_events (
	source_id    TEXT PRIMARY KEY,
	source       TEXT NOT NULL,
	processed_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS briefing_queue (
	id        INTEGER PRIMARY KEY AUTOINCREMENT,
	item      TEXT NOT NULL,
	queued_at INTEGER NOT NULL
);`

// Store persists polling state in a SQLite file.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at path. ":memory:" opens a private
// shared-cache in-memory database.
func Open(path string) (*Store, error) {
	dsn := path
	if path == ":memory:" {
		dsn = "file::memory:?cache=shared"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// one writer; the scheduler's jobs serialize through this connection
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if path != ":memory:" {
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("enable WAL mode: %w", err)
		}
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Watermark returns the stored watermark for source.
func (s *Store) Watermark(ctx context.Context, source string) (time.Time, bool, error) {
	var ns sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT last_seen FROM source_watermarks WHERE source = ?`, source).Scan(&ns)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("select watermark: %w", err)
	}
	if !ns.Valid {
		return time.Time{}, false, nil
	}
	return time.Unix(0, ns.Int64).UTC(), true, nil
}

// PutWatermark upserts ts, keeping the greater of the stored and new value.
func (s *Store) PutWatermark(ctx context.Context, source string, ts time.Time) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO source_watermarks (source, last_seen, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (source) DO UPDATE SET
			last_seen  = MAX(COALESCE(last_seen, excluded.last_seen), excluded.last_seen),
			updated_at = excluded.updated_at`,
		source, ts.UnixNano(), time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("upsert watermark: %w", err)
	}
	return nil
}

// Cursor returns the stored pagination token for source.
func (s *Store) Cursor(ctx context.Context, source string) (string, bool, error) {
	var c sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT cursor_data FROM source_watermarks WHERE source = ?`, source).Scan(&c)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("select cursor: %w", err)
	}
	return c.String, c.Valid, nil
}

// PutCursor upserts the pagination token for source.
func (s *Store) PutCursor(ctx context.Context, source, cursor string) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO source_watermarks (source, cursor_data, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (source) DO UPDATE SET cursor_data = excluded.cursor_data, updated_at = excluded.updated_at`,
		source, cursor, time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("upsert cursor: %w", err)
	}
	return nil
}

// Processed reports whether sourceID is in the ledger.
func (s *Store) Processed(ctx context.Context, sourceID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM processed_events WHERE source_id = ?`, sourceID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("select processed: %w", err)
	}
	return n > 0, nil
}

// MarkProcessed appends sourceID to the ledger. Re-marking keeps the first row.
func (s *Store) MarkProcessed(ctx context.Context, sourceID, source string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO processed_events (source_id, source, processed_at)
		VALUES (?, ?, ?) ON CONFLICT (source_id) DO NOTHING`, sourceID, source, at.UnixNano())
	if err != nil {
		return fmt.Errorf("insert processed: %w", err)
	}
	return nil
}

// Enqueue appends item to the briefing queue.
func (s *Store) Enqueue(ctx context.Context, item state.BriefingItem) error {
	body, err := json.Marshal(item.Event)
	if err != nil {
		return fmt.Errorf("marshal briefing item: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `INSERT INTO briefing_queue (item, queued_at) VALUES (?, ?)`,
		string(body), item.QueuedAt.UnixNano()); err != nil {
		return fmt.Errorf("insert briefing item: %w", err)
	}
	return nil
}

// DrainBriefing deletes and returns every queued item in insertion order.
func (s *Store) DrainBriefing(ctx context.Context) ([]state.BriefingItem, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is harmless

	rows, err := tx.QueryContext(ctx, `SELECT id, item, queued_at FROM briefing_queue ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("select briefing: %w", err)
	}

	var (
		items []state.BriefingItem
		maxID int64
	)
	for rows.Next() {
		var (
			id     int64
			body   string
			queued int64
			item   state.BriefingItem
		)
		if err := rows.Scan(&id, &body, &queued); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan briefing item: %w", err)
		}
		if err := json.Unmarshal([]byte(body), &item.Event); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("unmarshal briefing item %d: %w", id, err)
		}
		item.QueuedAt = time.Unix(0, queued).UTC()
		items = append(items, item)
		maxID = id
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate briefing: %w", err)
	}
	if len(items) == 0 {
		return nil, nil
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM briefing_queue WHERE id <= ?`, maxID); err != nil {
		return nil, fmt.Errorf("delete briefing: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return items, nil
}
