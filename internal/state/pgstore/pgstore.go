// Package pgstore provides a PostgreSQL implementation of state.Backend.
package pgstore

import (
	"cmp"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/linnemanlabs/sentinel/internal/state"
)

var tracer = otel.Tracer("github.com/linnemanlabs/sentinel/internal/state/pgstore")

//go:embed schema.sql
var schema string

// Store persists polling state in PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// New applies the schema on pool and returns a ready Store.
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

func startSpan(ctx context.Context, name, op string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", op),
	))
}

func fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

// Watermark returns the stored watermark for source.
func (s *Store) Watermark(ctx context.Context, source string) (time.Time, bool, error) {
	ctx, span := startSpan(ctx, "pgstore.Watermark", "SELECT")
	defer span.End()

	var ts *time.Time
	err := s.pool.QueryRow(ctx, `SELECT last_seen FROM source_watermarks WHERE source = $1`, source).Scan(&ts)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fail(span, fmt.Errorf("select watermark: %w", err))
	}
	if ts == nil {
		return time.Time{}, false, nil
	}
	return ts.UTC(), true, nil
}

// PutWatermark upserts ts, keeping the greater of the stored and new value.
func (s *Store) PutWatermark(ctx context.Context, source string, ts time.Time) error {
	ctx, span := startSpan(ctx, "pgstore.PutWatermark", "UPSERT")
	defer span.End()

	_, err := s.pool.Exec(ctx, `INSERT INTO source_watermarks (source, last_seen, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (source) DO UPDATE SET
			last_seen  = GREATEST(COALESCE(source_watermarks.last_seen, EXCLUDED.last_seen), EXCLUDED.last_seen),
			updated_at = now()`, source, ts)
	if err != nil {
		return fail(span, fmt.Errorf("upsert watermark: %w", err))
	}
	return nil
}

// Cursor returns the stored pagination token for source.
func (s *Store) Cursor(ctx context.Context, source string) (string, bool, error) {
	ctx, span := startSpan(ctx, "pgstore.Cursor", "SELECT")
	defer span.End()

	var c *string
	err := s.pool.QueryRow(ctx, `SELECT cursor_data FROM source_watermarks WHERE source = $1`, source).Scan(&c)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fail(span, fmt.Errorf("select cursor: %w", err))
	}
	if c == nil {
		return "", false, nil
	}
	return *c, true, nil
}

// PutCursor upserts the pagination token for source.
func (s *Store) PutCursor(ctx context.Context, source, cursor string) error {
	ctx, span := startSpan(ctx, "pgstore.PutCursor", "UPSERT")
	defer span.End()

	_, err := s.pool.Exec(ctx, `INSERT INTO source_watermarks (source, cursor_data, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (source) DO UPDATE SET cursor_data = EXCLUDED.cursor_data, updated_at = now()`,
		source, cursor)
	if err != nil {
		return fail(span, fmt.Errorf("upsert cursor: %w", err))
	}
	return nil
}

// Processed reports whether sourceID is in the ledger.
func (s *Store) Processed(ctx context.Context, sourceID string) (bool, error) {
	ctx, span := startSpan(ctx, "pgstore.Processed", "SELECT")
	defer span.End()

	var exists bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM processed_events WHERE source_id = $1)`, sourceID).Scan(&exists)
	if err != nil {
		return false, fail(span, fmt.Errorf("select processed: %w", err))
	}
	return exists, nil
}

// MarkProcessed appends sourceID to the ledger. Re-marking keeps the first row.
func (s *Store) MarkProcessed(ctx context.Context, sourceID, source string, at time.Time) error {
	ctx, span := startSpan(ctx, "pgstore.MarkProcessed", "INSERT")
	defer span.End()

	_, err := s.pool.Exec(ctx, `INSERT INTO processed_events (source_id, source, processed_at)
		VALUES ($1, $2, $3) ON CONFLICT (source_id) DO NOTHING`, sourceID, source, at)
	if err != nil {
		return fail(span, fmt.Errorf("insert processed: %w", err))
	}
	return nil
}

// Enqueue appends item to the briefing queue.
func (s *Store) Enqueue(ctx context.Context, item state.BriefingItem) error {
	ctx, span := startSpan(ctx, "pgstore.Enqueue", "INSERT")
	defer span.End()

	body, err := json.Marshal(item.Event)
	if err != nil {
		return fail(span, fmt.Errorf("marshal briefing item: %w", err))
	}
	if _, err := s.pool.Exec(ctx, `INSERT INTO briefing_queue (item, queued_at) VALUES ($1, $2)`, body, item.QueuedAt); err != nil {
		return fail(span, fmt.Errorf("insert briefing item: %w", err))
	}
	return nil
}

// DrainBriefing deletes and returns every queued item in insertion order.
func (s *Store) DrainBriefing(ctx context.Context) ([]state.BriefingItem, error) {
	ctx, span := startSpan(ctx, "pgstore.DrainBriefing", "DELETE")
	defer span.End()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fail(span, fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is harmless

	rows, err := tx.Query(ctx, `DELETE FROM briefing_queue RETURNING id, item, queued_at`)
	if err != nil {
		return nil, fail(span, fmt.Errorf("drain briefing: %w", err))
	}

	type row struct {
		id   int64
		item state.BriefingItem
	}
	var out []row
	for rows.Next() {
		var (
			id   int64
			body []byte
			r    row
		)
		if err := rows.Scan(&id, &body, &r.item.QueuedAt); err != nil {
			rows.Close()
			return nil, fail(span, fmt.Errorf("scan briefing item: %w", err))
		}
		if err := json.Unmarshal(body, &r.item.Event); err != nil {
			rows.Close()
			return nil, fail(span, fmt.Errorf("unmarshal briefing item %d: %w", id, err))
		}
		r.id = id
		out = append(out, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fail(span, fmt.Errorf("iterate briefing: %w", err))
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fail(span, fmt.Errorf("commit: %w", err))
	}

	// RETURNING order is unspecified
	items := make([]state.BriefingItem, len(out))
	slices.SortFunc(out, func(a, b row) int { return cmp.Compare(a.id, b.id) })
	for i := range out {
		items[i] = out[i].item
	}
	return items, nil
}
