// Package pgstore provides a PostgreSQL implementation of pipeline.Store.
package pgstore

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/oklog/ulid/v2"

	"github.com/linnemanlabs/sentinel/internal/pipeline"
)

var tracer = otel.Tracer("github.com/linnemanlabs/sentinel/internal/pipeline/pgstore")

//go:embed schema.sql
var schema string

// Store persists pipeline results in PostgreSQL.
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

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// LogTrigger inserts one trigger log row.
func (s *Store) LogTrigger(ctx context.Context, t *pipeline.TriggerLog) error {
	ctx, span := startSpan(ctx, "pgstore.LogTrigger", "INSERT")
	defer span.End()

	_, err := s.pool.Exec(ctx, `INSERT INTO trigger_log
		(id, type, source_id, content, contact_id, priority, tokens_in, tokens_out, duration_ms, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		t.ID, t.Type, t.SourceID, t.Content, nullable(t.ContactID), string(t.Priority),
		t.TokensIn, t.TokensOut, t.DurationMS, t.CreatedAt)
	if err != nil {
		return fail(span, fmt.Errorf("insert trigger log: %w", err))
	}
	return nil
}

// UpsertContact creates the contact named by u or merges the non-empty
// fields of u into it. Notes are appended unless already present.
func (s *Store) UpsertContact(ctx context.Context, u pipeline.ContactUpdate, at time.Time) error {
	ctx, span := startSpan(ctx, "pgstore.UpsertContact", "UPSERT")
	defer span.End()

	_, err := s.pool.Exec(ctx, `INSERT INTO contacts (id, name, role, company, email, notes, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (lower(name)) DO UPDATE SET
			role       = COALESCE(EXCLUDED.role, contacts.role),
			company    = COALESCE(EXCLUDED.company, contacts.company),
			email      = COALESCE(EXCLUDED.email, contacts.email),
			notes      = CASE
				WHEN EXCLUDED.notes IS NULL THEN contacts.notes
				WHEN contacts.notes IS NULL OR contacts.notes = '' THEN EXCLUDED.notes
				WHEN position(EXCLUDED.notes IN contacts.notes) > 0 THEN contacts.notes
				ELSE contacts.notes || E'\n' || EXCLUDED.notes
			END,
			updated_at = EXCLUDED.updated_at`,
		ulid.Make().String(), u.Name, nullable(u.Role), nullable(u.Company), nullable(u.Email), nullable(u.Notes), at)
	if err != nil {
		return fail(span, fmt.Errorf("upsert contact: %w", err))
	}
	return nil
}

// LogDecision inserts one decision row.
func (s *Store) LogDecision(ctx context.Context, d *pipeline.Decision) error {
	ctx, span := startSpan(ctx, "pgstore.LogDecision", "INSERT")
	defer span.End()

	_, err := s.pool.Exec(ctx, `INSERT INTO decisions (id, decision, reasoning, confidence, trigger_type, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		d.ID, d.Decision, d.Reasoning, d.Confidence, d.TriggerType, d.CreatedAt)
	if err != nil {
		return fail(span, fmt.Errorf("insert decision: %w", err))
	}
	return nil
}

// CreateAlert inserts one alert row.
func (s *Store) CreateAlert(ctx context.Context, a *pipeline.Alert) error {
	ctx, span := startSpan(ctx, "pgstore.CreateAlert", "INSERT")
	defer span.End()

	_, err := s.pool.Exec(ctx, `INSERT INTO alerts
		(id, tier, title, body, source_type, source_id, action_required, status, trigger_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		a.ID, int(a.Tier), a.Title, a.Body, a.SourceType, a.SourceID, a.ActionRequired,
		string(a.Status), nullable(a.TriggerID), a.CreatedAt)
	if err != nil {
		return fail(span, fmt.Errorf("insert alert: %w", err))
	}
	return nil
}

// Contact returns the exact case-insensitive match for name, or else the
// shortest name containing it.
func (s *Store) Contact(ctx context.Context, name string) (*pipeline.Contact, bool, error) {
	ctx, span := startSpan(ctx, "pgstore.Contact", "SELECT")
	defer span.End()

	var (
		c                           pipeline.Contact
		role, company, email, notes *string
		metadata                    []byte
	)
	err := s.pool.QueryRow(ctx, `SELECT id, name, role, company, email, notes, metadata, updated_at
		FROM contacts
		WHERE lower(name) = lower($1) OR name ILIKE '%' || $1 || '%'
		ORDER BY (lower(name) = lower($1)) DESC, length(name) ASC
		LIMIT 1`, name).Scan(&c.ID, &c.Name, &role, &company, &email, &notes, &metadata, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fail(span, fmt.Errorf("select contact: %w", err))
	}
	c.Role, c.Company, c.Email, c.Notes = deref(role), deref(company), deref(email), deref(notes)
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &c.Metadata); err != nil {
			return nil, false, fail(span, fmt.Errorf("decode contact metadata: %w", err))
		}
	}
	return &c, true, nil
}

// OpenAlerts returns open alerts, most urgent tier first then newest.
func (s *Store) OpenAlerts(ctx context.Context, limit int) ([]*pipeline.Alert, error) {
	ctx, span := startSpan(ctx, "pgstore.OpenAlerts", "SELECT")
	defer span.End()

	rows, err := s.pool.Query(ctx, `SELECT id, tier, title, body, source_type, source_id,
			action_required, status, trigger_id, created_at
		FROM alerts
		WHERE status = 'open'
		ORDER BY tier ASC, created_at DESC
		LIMIT NULLIF($1::int, 0)`, limit)
	if err != nil {
		return nil, fail(span, fmt.Errorf("select open alerts: %w", err))
	}
	defer rows.Close()

	var out []*pipeline.Alert
	for rows.Next() {
		var (
			a                                   pipeline.Alert
			tier                                int
			body, sourceType, sourceID, trigger *string
			status                              string
		)
		if err := rows.Scan(&a.ID, &tier, &a.Title, &body, &sourceType, &sourceID,
			&a.ActionRequired, &status, &trigger, &a.CreatedAt); err != nil {
			return nil, fail(span, fmt.Errorf("scan alert: %w", err))
		}
		a.Tier = pipeline.Tier(tier)
		a.Status = pipeline.AlertStatus(status)
		a.Body, a.SourceType, a.SourceID, a.TriggerID = deref(body), deref(sourceType), deref(sourceID), deref(trigger)
		out = append(out, &a)
	}
	if err := rows.Err(); err != nil {
		return nil, fail(span, fmt.Errorf("iterate alerts: %w", err))
	}
	return out, nil
}

// RecentDecisions returns the newest decisions first.
func (s *Store) RecentDecisions(ctx context.Context, limit int) ([]*pipeline.Decision, error) {
	ctx, span := startSpan(ctx, "pgstore.RecentDecisions", "SELECT")
	defer span.End()

	rows, err := s.pool.Query(ctx, `SELECT id, decision, reasoning, confidence, trigger_type, created_at
		FROM decisions
		ORDER BY created_at DESC, id DESC
		LIMIT NULLIF($1::int, 0)`, limit)
	if err != nil {
		return nil, fail(span, fmt.Errorf("select decisions: %w", err))
	}
	defer rows.Close()

	var out []*pipeline.Decision
	for rows.Next() {
		var (
			d                                  pipeline.Decision
			reasoning, confidence, triggerType *string
		)
		if err := rows.Scan(&d.ID, &d.Decision, &reasoning, &confidence, &triggerType, &d.CreatedAt); err != nil {
			return nil, fail(span, fmt.Errorf("scan decision: %w", err))
		}
		d.Reasoning, d.Confidence, d.TriggerType = deref(reasoning), deref(confidence), deref(triggerType)
		out = append(out, &d)
	}
	if err := rows.Err(); err != nil {
		return nil, fail(span, fmt.Errorf("iterate decisions: %w", err))
	}
	return out, nil
}

// TriggerCount returns how many triggers were logged for sourceID.
func (s *Store) TriggerCount(ctx context.Context, sourceID string) (int, error) {
	ctx, span := startSpan(ctx, "pgstore.TriggerCount", "SELECT")
	defer span.End()

	var n int
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM trigger_log WHERE source_id = $1`, sourceID).Scan(&n); err != nil {
		return 0, fail(span, fmt.Errorf("count triggers: %w", err))
	}
	return n, nil
}
