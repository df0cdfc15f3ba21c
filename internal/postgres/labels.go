package postgres

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
)

type labelKey int

const (
	httpMethodKey labelKey = iota
	jobKey
	opStatsKey
	queryStateKey
)

// QueryObserver receives per-query metrics (wired by main for Prometheus).
type QueryObserver interface {
	ObserveQuery(ctx context.Context, method, route, outcome string, dur time.Duration)
}

// QueryObserverFunc adapts a plain function to QueryObserver.
type QueryObserverFunc func(ctx context.Context, method, route, outcome string, dur time.Duration)

// ObserveQuery implements QueryObserver.
func (f QueryObserverFunc) ObserveQuery(ctx context.Context, method, route, outcome string, dur time.Duration) {
	f(ctx, method, route, outcome, dur)
}

type observerHolder struct{ QueryObserver }

var observer atomic.Pointer[observerHolder]

// SetQueryObserver installs the process-wide query observer. Nil removes it.
func SetQueryObserver(o QueryObserver) {
	if o == nil {
		observer.Store(nil)
		return
	}
	observer.Store(&observerHolder{QueryObserver: o})
}

func currentObserver() QueryObserver {
	if h := observer.Load(); h != nil {
		return h.QueryObserver
	}
	return nil
}

// WithHTTPMethod stores the HTTP method in the context for query metrics labelling.
func WithHTTPMethod(ctx context.Context, method string) context.Context {
	if method == "" {
		return ctx
	}
	return context.WithValue(ctx, httpMethodKey, method)
}

// WithJob tags the context with a scheduler job name. Queries issued outside
// an HTTP request are labelled with the job instead of a route.
func WithJob(ctx context.Context, job string) context.Context {
	if job == "" {
		return ctx
	}
	return context.WithValue(ctx, jobKey, job)
}

func httpMethod(ctx context.Context) string {
	if v, ok := ctx.Value(httpMethodKey).(string); ok {
		return v
	}
	return ""
}

func jobName(ctx context.Context) string {
	if v, ok := ctx.Value(jobKey).(string); ok {
		return v
	}
	return ""
}

// route is the chi route pattern, else "job:<name>", else empty.
func route(ctx context.Context) string {
	if rc := chi.RouteContext(ctx); rc != nil {
		if p := rc.RoutePattern(); p != "" {
			return p
		}
	}
	if job := jobName(ctx); job != "" {
		return "job:" + job
	}
	return ""
}

// OpStats accumulates the queries issued by one operation, an HTTP request
// or a scheduled job.
type OpStats struct {
	mu       sync.Mutex
	queries  int
	errors   int
	duration time.Duration
}

// Add records one query.
func (s *OpStats) Add(dur time.Duration, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queries++
	s.duration += dur
	if err != nil {
		s.errors++
	}
}

// Snapshot returns the totals so far.
func (s *OpStats) Snapshot() (queries, errors int, total time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queries, s.errors, s.duration
}

// WithOpStats returns ctx carrying a fresh OpStats.
func WithOpStats(ctx context.Context) (context.Context, *OpStats) {
	s := &OpStats{}
	return context.WithValue(ctx, opStatsKey, s), s
}

// OpStatsFrom returns the OpStats attached to ctx, if any.
func OpStatsFrom(ctx context.Context) (*OpStats, bool) {
	s, ok := ctx.Value(opStatsKey).(*OpStats)
	return s, ok
}
