// Package pgstore provides a PostgreSQL implementation of deadline.Store.
package pgstore

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/linnemanlabs/sentinel/internal/deadline"
)

var tracer = otel.Tracer("github.com/linnemanlabs/sentinel/internal/deadline/pgstore")

//go:embed schema.sql
var schema string

const columns = `id, description, due_date, source_type, source_id, source_snippet,
	confidence, priority, status, reminder_stage, last_reminded_at, dismissed_reason,
	created_at, updated_at`

// Store persists deadlines and VIP contacts in PostgreSQL.
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

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func scanDeadline(row pgx.Row) (*deadline.Deadline, error) {
	var (
		d                                deadline.Deadline
		sourceID, snippet, stage, reason *string
		confidence, priority, status     string
		lastReminded                     *time.Time
	)
	err := row.Scan(&d.ID, &d.Description, &d.DueDate, &d.SourceType, &sourceID, &snippet,
		&confidence, &priority, &status, &stage, &lastReminded, &reason,
		&d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return nil, err
	}
	d.SourceID = deref(sourceID)
	d.SourceSnippet = deref(snippet)
	d.Confidence = deadline.Confidence(confidence)
	d.Priority = deadline.Priority(priority)
	d.Status = deadline.Status(status)
	d.ReminderStage = deadline.Stage(deref(stage))
	d.DismissedReason = deref(reason)
	if lastReminded != nil {
		d.LastRemindedAt = lastReminded.UTC()
	}
	d.DueDate = d.DueDate.UTC()
	d.CreatedAt = d.CreatedAt.UTC()
	d.UpdatedAt = d.UpdatedAt.UTC()
	return &d, nil
}

func collect(rows pgx.Rows) ([]*deadline.Deadline, error) {
	defer rows.Close()
	var out []*deadline.Deadline
	for rows.Next() {
		d, err := scanDeadline(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// Insert adds a new deadline row.
func (s *Store) Insert(ctx context.Context, d *deadline.Deadline) error {
	ctx, span := startSpan(ctx, "pgstore.Insert", "INSERT")
	defer span.End()
	span.SetAttributes(attribute.String("deadline.id", d.ID))

	_, err := s.pool.Exec(ctx, `INSERT INTO deadlines (`+columns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		d.ID, d.Description, d.DueDate, d.SourceType, nullable(d.SourceID), nullable(d.SourceSnippet),
		string(d.Confidence), string(d.Priority), string(d.Status), nullable(string(d.ReminderStage)),
		nullableTime(d.LastRemindedAt), nullable(d.DismissedReason), d.CreatedAt, d.UpdatedAt)
	if err != nil {
		return fail(span, fmt.Errorf("insert deadline: %w", err))
	}
	return nil
}

// Update writes every mutable field of d.
func (s *Store) Update(ctx context.Context, d *deadline.Deadline) error {
	ctx, span := startSpan(ctx, "pgstore.Update", "UPDATE")
	defer span.End()
	span.SetAttributes(attribute.String("deadline.id", d.ID))

	tag, err := s.pool.Exec(ctx, `UPDATE deadlines SET
			description = $2, due_date = $3, source_snippet = $4, confidence = $5,
			priority = $6, status = $7, reminder_stage = $8, last_reminded_at = $9,
			dismissed_reason = $10, updated_at = $11
		WHERE id = $1`,
		d.ID, d.Description, d.DueDate, nullable(d.SourceSnippet), string(d.Confidence),
		string(d.Priority), string(d.Status), nullable(string(d.ReminderStage)),
		nullableTime(d.LastRemindedAt), nullable(d.DismissedReason), d.UpdatedAt)
	if err != nil {
		return fail(span, fmt.Errorf("update deadline: %w", err))
	}
	if tag.RowsAffected() == 0 {
		return fail(span, fmt.Errorf("update deadline %s: %w", d.ID, deadline.ErrNotFound))
	}
	return nil
}

// AdvanceStage moves an active deadline from one reminder stage to the next
// in a single conditional update.
func (s *Store) AdvanceStage(ctx context.Context, id string, from, to deadline.Stage, at time.Time) (bool, error) {
	ctx, span := startSpan(ctx, "pgstore.AdvanceStage", "UPDATE")
	defer span.End()
	span.SetAttributes(
		attribute.String("deadline.id", id),
		attribute.String("deadline.stage", string(to)),
	)

	tag, err := s.pool.Exec(ctx, `UPDATE deadlines SET
			reminder_stage = $3, last_reminded_at = $4, updated_at = $4
		WHERE id = $1 AND status = 'active'
			AND reminder_stage IS NOT DISTINCT FROM $2::text`,
		id, nullable(string(from)), nullable(string(to)), at)
	if err != nil {
		return false, fail(span, fmt.Errorf("advance deadline stage: %w", err))
	}
	return tag.RowsAffected() > 0, nil
}

// Get returns the deadline with id.
func (s *Store) Get(ctx context.Context, id string) (*deadline.Deadline, bool, error) {
	ctx, span := startSpan(ctx, "pgstore.Get", "SELECT")
	defer span.End()

	d, err := scanDeadline(s.pool.QueryRow(ctx, `SELECT `+columns+` FROM deadlines WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fail(span, fmt.Errorf("select deadline: %w", err))
	}
	return d, true, nil
}

// List returns deadlines in any of statuses, soonest due first.
func (s *Store) List(ctx context.Context, limit int, statuses ...deadline.Status) ([]*deadline.Deadline, error) {
	ctx, span := startSpan(ctx, "pgstore.List", "SELECT")
	defer span.End()

	st := make([]string, len(statuses))
	for i, v := range statuses {
		st[i] = string(v)
	}
	rows, err := s.pool.Query(ctx, `SELECT `+columns+` FROM deadlines
		WHERE status = ANY($1)
		ORDER BY due_date ASC, id ASC
		LIMIT NULLIF($2::int, 0)`, st, limit)
	if err != nil {
		return nil, fail(span, fmt.Errorf("list deadlines: %w", err))
	}
	out, err := collect(rows)
	if err != nil {
		return nil, fail(span, fmt.Errorf("scan deadlines: %w", err))
	}
	return out, nil
}

// DueBetween returns open deadlines due in [from, to].
func (s *Store) DueBetween(ctx context.Context, from, to time.Time) ([]*deadline.Deadline, error) {
	ctx, span := startSpan(ctx, "pgstore.DueBetween", "SELECT")
	defer span.End()

	rows, err := s.pool.Query(ctx, `SELECT `+columns+` FROM deadlines
		WHERE status IN ('active', 'pending_confirm')
		  AND due_date BETWEEN $1 AND $2
		ORDER BY due_date ASC, id ASC
		LIMIT 10`, from, to)
	if err != nil {
		return nil, fail(span, fmt.Errorf("select near deadlines: %w", err))
	}
	out, err := collect(rows)
	if err != nil {
		return nil, fail(span, fmt.Errorf("scan deadlines: %w", err))
	}
	return out, nil
}

// ExpireDueBefore expires open deadlines due before cutoff.
func (s *Store) ExpireDueBefore(ctx context.Context, cutoff time.Time, reason string, now time.Time) (int, error) {
	ctx, span := startSpan(ctx, "pgstore.ExpireDueBefore", "UPDATE")
	defer span.End()

	tag, err := s.pool.Exec(ctx, `UPDATE deadlines
		SET status = 'expired', dismissed_reason = $2, updated_at = $3
		WHERE status IN ('active', 'pending_confirm') AND due_date < $1`, cutoff, reason, now)
	if err != nil {
		return 0, fail(span, fmt.Errorf("expire deadlines: %w", err))
	}
	return int(tag.RowsAffected()), nil
}

// DismissPendingBefore dismisses pending_confirm deadlines created before cutoff.
func (s *Store) DismissPendingBefore(ctx context.Context, cutoff time.Time, reason string, now time.Time) (int, error) {
	ctx, span := startSpan(ctx, "pgstore.DismissPendingBefore", "UPDATE")
	defer span.End()

	tag, err := s.pool.Exec(ctx, `UPDATE deadlines
		SET status = 'dismissed', dismissed_reason = $2, updated_at = $3
		WHERE status = 'pending_confirm' AND created_at < $1`, cutoff, reason, now)
	if err != nil {
		return 0, fail(span, fmt.Errorf("dismiss pending deadlines: %w", err))
	}
	return int(tag.RowsAffected()), nil
}

// VIPs returns every VIP contact ordered by name.
func (s *Store) VIPs(ctx context.Context) ([]deadline.VIP, error) {
	ctx, span := startSpan(ctx, "pgstore.VIPs", "SELECT")
	defer span.End()

	rows, err := s.pool.Query(ctx, `SELECT id, name, role, email, whatsapp_id, speaker_label
		FROM vip_contacts ORDER BY name`)
	if err != nil {
		return nil, fail(span, fmt.Errorf("select vips: %w", err))
	}
	defer rows.Close()

	var out []deadline.VIP
	for rows.Next() {
		var (
			v                        deadline.VIP
			role, email, wa, speaker *string
		)
		if err := rows.Scan(&v.ID, &v.Name, &role, &email, &wa, &speaker); err != nil {
			return nil, fail(span, fmt.Errorf("scan vip: %w", err))
		}
		v.Role, v.Email, v.WhatsAppID, v.SpeakerLabel = deref(role), deref(email), deref(wa), deref(speaker)
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fail(span, fmt.Errorf("iterate vips: %w", err))
	}
	return out, nil
}

// AddVIP inserts v.
func (s *Store) AddVIP(ctx context.Context, v *deadline.VIP) error {
	ctx, span := startSpan(ctx, "pgstore.AddVIP", "INSERT")
	defer span.End()

	_, err := s.pool.Exec(ctx, `INSERT INTO vip_contacts (id, name, role, email, whatsapp_id, speaker_label)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		v.ID, v.Name, nullable(v.Role), nullable(v.Email), nullable(v.WhatsAppID), nullable(v.SpeakerLabel))
	if err != nil {
		return fail(span, fmt.Errorf("insert vip: %w", err))
	}
	return nil
}

// RemoveVIP deletes VIPs whose name contains name, ignoring case.
func (s *Store) RemoveVIP(ctx context.Context, name string) (bool, error) {
	ctx, span := startSpan(ctx, "pgstore.RemoveVIP", "DELETE")
	defer span.End()

	tag, err := s.pool.Exec(ctx, `DELETE FROM vip_contacts WHERE position(lower($1) in lower(name)) > 0`, name)
	if err != nil {
		return false, fail(span, fmt.Errorf("delete vip: %w", err))
	}
	return tag.RowsAffected() > 0, nil
}
