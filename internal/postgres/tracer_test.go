package postgres

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

func TestShortenFuncName(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"full path", "github.com/linnemanlabs/sentinel/internal/deadline/pgstore.(*Store).Get", "(*Store).Get"},
		{"already short", "(*Store).Get", "Get"},
		{"empty string", "", ""},
		{"no dots", "main", "main"},
		{"no slashes", "pgstore.(*Store).Get", "(*Store).Get"},
		{"single segment", "foo.Bar", "Bar"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := shortenFuncName(tt.in); got != tt.want {
				t.Errorf("shortenFuncName(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestStorePlumbing(t *testing.T) {
	t.Parallel()

	tests := []struct {
		fn   string
		want bool
	}{
		{"github.com/linnemanlabs/sentinel/internal/pipeline/pgstore.(*Store).CreateAlert", true},
		{"github.com/linnemanlabs/sentinel/internal/deadline/pgstore.startSpan", true},
		{"github.com/linnemanlabs/sentinel/internal/postgres.NewPool", true},
		{"github.com/linnemanlabs/sentinel/internal/deadline.(*Engine).CadenceCheck", false},
		{"github.com/linnemanlabs/sentinel/internal/pipeline.(*Orchestrator).storeBack", false},
	}
	for _, tt := range tests {
		if got := storePlumbing(tt.fn); got != tt.want {
			t.Errorf("storePlumbing(%q) = %v, want %v", tt.fn, got, tt.want)
		}
	}
}

func TestOpStats(t *testing.T) {
	t.Parallel()

	ctx, s := WithOpStats(context.Background())
	s.Add(10*time.Millisecond, nil)
	s.Add(20*time.Millisecond, errors.New("timeout"))

	got, ok := OpStatsFrom(ctx)
	if !ok || got != s {
		t.Fatal("OpStatsFrom did not return the attached stats")
	}
	got.Add(5*time.Millisecond, nil)

	queries, errs, total := s.Snapshot()
	if queries != 3 {
		t.Errorf("queries = %d, want 3", queries)
	}
	if errs != 1 {
		t.Errorf("errors = %d, want 1", errs)
	}
	if total != 35*time.Millisecond {
		t.Errorf("total = %v, want 35ms", total)
	}

	if _, ok := OpStatsFrom(context.Background()); ok {
		t.Error("expected ok=false for plain context")
	}
}

func TestWithHTTPMethod(t *testing.T) {
	t.Parallel()

	if got := httpMethod(WithHTTPMethod(context.Background(), "POST")); got != "POST" {
		t.Errorf("httpMethod = %q, want %q", got, "POST")
	}
	if got := httpMethod(WithHTTPMethod(context.Background(), "")); got != "" {
		t.Errorf("httpMethod = %q, want empty", got)
	}
}

func TestRoute(t *testing.T) {
	t.Parallel()

	if got := route(context.Background()); got != "" {
		t.Errorf("route(empty) = %q, want empty", got)
	}

	ctx := WithJob(context.Background(), "deadline_cadence")
	if got := route(ctx); got != "job:deadline_cadence" {
		t.Errorf("route = %q, want %q", got, "job:deadline_cadence")
	}
	if got := WithJob(context.Background(), ""); jobName(got) != "" {
		t.Error("WithJob with empty name should not set a value")
	}

	var seen string
	r := chi.NewRouter()
	r.Post("/api/v1/vips/{name}", func(_ http.ResponseWriter, req *http.Request) {
		seen = route(WithJob(req.Context(), "ignored"))
	})
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/api/v1/vips/dana", http.NoBody))
	if seen != "/api/v1/vips/{name}" {
		t.Errorf("route in handler = %q, want chi pattern", seen)
	}
}

type recordingObserver struct {
	mu    sync.Mutex
	calls []string
}

func (o *recordingObserver) ObserveQuery(_ context.Context, method, route, outcome string, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.calls = append(o.calls, method+" "+route+" "+outcome)
}

// Not parallel: swaps the process-wide observer.
func TestQueryTracer(t *testing.T) {
	obs := &recordingObserver{}
	SetQueryObserver(obs)
	defer SetQueryObserver(nil)

	tr := newQueryTracer(nil, time.Nanosecond)

	ctx, stats := WithOpStats(WithJob(context.Background(), "rss_poll"))
	qctx := tr.TraceQueryStart(ctx, nil, pgx.TraceQueryStartData{SQL: "SELECT 1", Args: []any{"secret"}})
	tr.TraceQueryEnd(qctx, nil, pgx.TraceQueryEndData{CommandTag: pgconn.NewCommandTag("SELECT 1")})

	qctx = tr.TraceQueryStart(WithHTTPMethod(ctx, "GET"), nil, pgx.TraceQueryStartData{SQL: "SELECT 2"})
	tr.TraceQueryEnd(qctx, nil, pgx.TraceQueryEndData{Err: &pgconn.PgError{Code: "23505"}})

	// end without start is ignored
	tr.TraceQueryEnd(context.Background(), nil, pgx.TraceQueryEndData{})

	queries, errs, _ := stats.Snapshot()
	if queries != 2 || errs != 1 {
		t.Errorf("stats = %d queries %d errors, want 2 and 1", queries, errs)
	}

	want := []string{"NONE job:rss_poll ok", "GET job:rss_poll error"}
	if len(obs.calls) != len(want) {
		t.Fatalf("observer calls = %v, want %v", obs.calls, want)
	}
	for i := range want {
		if obs.calls[i] != want[i] {
			t.Errorf("observer call %d = %q, want %q", i, obs.calls[i], want[i])
		}
	}
}

func TestQueryFields_OmitsArgs(t *testing.T) {
	t.Parallel()

	st := &queryState{sql: "UPDATE deadlines SET status = $1", nargs: 2, caller: "(*Store).Update"}
	fields := queryFields(st, pgx.TraceQueryEndData{CommandTag: pgconn.NewCommandTag("UPDATE 1")}, time.Second)

	got := make(map[string]any)
	for i := 0; i+1 < len(fields); i += 2 {
		got[fields[i].(string)] = fields[i+1]
	}
	if _, ok := got["db.args"]; ok {
		t.Error("query fields include argument values")
	}
	if got["db.arg_count"] != 2 {
		t.Errorf("db.arg_count = %v, want 2", got["db.arg_count"])
	}
	if got["db.operation.name"] != "UPDATE" {
		t.Errorf("db.operation.name = %v, want UPDATE", got["db.operation.name"])
	}
	if got["db.rows"] != int64(1) {
		t.Errorf("db.rows = %v, want 1", got["db.rows"])
	}
	if got["db.caller"] != "(*Store).Update" {
		t.Errorf("db.caller = %v", got["db.caller"])
	}
}

func TestNewPool_BadURL(t *testing.T) {
	t.Parallel()

	_, err := NewPool(context.Background(), "postgres://%zz")
	if err == nil {
		t.Fatal("expected error for malformed url")
	}
}
