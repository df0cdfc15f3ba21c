package postgres

import (
	"context"
	"errors"
	"runtime"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"
)

// queryTracer wraps another pgx.QueryTracer (otelpgx) and adds caller
// attribution, per-operation stats, the metrics observer and a log line for
// failed or slow queries. Argument values are never logged because they
// carry message content.
type queryTracer struct {
	inner pgx.QueryTracer
	slow  time.Duration
}

// queryState travels from TraceQueryStart to TraceQueryEnd.
type queryState struct {
	sql     string
	nargs   int
	start   time.Time
	caller  string
	handler string
}

func newQueryTracer(inner pgx.QueryTracer, slow time.Duration) pgx.QueryTracer {
	return queryTracer{inner: inner, slow: slow}
}

func (t queryTracer) TraceQueryStart(ctx context.Context, conn *pgx.Conn, data pgx.TraceQueryStartData) context.Context {
	st := &queryState{sql: data.SQL, nargs: len(data.Args), start: time.Now()}
	st.caller, st.handler = storeFrames()

	if t.inner != nil {
		ctx = t.inner.TraceQueryStart(ctx, conn, data)
	}

	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		if st.caller != "" {
			span.SetAttributes(attribute.String("db.caller", st.caller))
		}
		if st.handler != "" {
			span.SetAttributes(attribute.String("db.handler", st.handler))
		}
		if job := jobName(ctx); job != "" {
			span.SetAttributes(attribute.String("sentinel.job", job))
		}
	}
	return context.WithValue(ctx, queryStateKey, st)
}

func (t queryTracer) TraceQueryEnd(ctx context.Context, conn *pgx.Conn, data pgx.TraceQueryEndData) {
	// inner first so its span closes with the right end time
	if t.inner != nil {
		t.inner.TraceQueryEnd(ctx, conn, data)
	}

	st, ok := ctx.Value(queryStateKey).(*queryState)
	if !ok {
		return
	}
	dur := time.Since(st.start)

	if s, ok := OpStatsFrom(ctx); ok {
		s.Add(dur, data.Err)
	}
	if obs := currentObserver(); obs != nil {
		obs.ObserveQuery(ctx, orDefault(httpMethod(ctx), "NONE"), orDefault(route(ctx), "unknown"), outcome(data.Err), dur)
	}

	if data.Err == nil && (t.slow <= 0 || dur < t.slow) {
		return
	}
	fields := queryFields(st, data, dur)
	if job := jobName(ctx); job != "" {
		fields = append(fields, "job", job)
	}

	L := log.FromContext(ctx)
	if data.Err != nil {
		L.Error(ctx, data.Err, "db query failed", fields...)
		return
	}
	L.Warn(ctx, "slow db query", fields...)
}

func queryFields(st *queryState, data pgx.TraceQueryEndData, dur time.Duration) []any {
	fields := []any{
		"db.statement", st.sql,
		"db.arg_count", st.nargs,
		"db.duration", dur.Seconds(),
	}
	if tag := strings.TrimSpace(data.CommandTag.String()); tag != "" {
		if op, _, _ := strings.Cut(tag, " "); op != "" {
			fields = append(fields, "db.operation.name", strings.ToUpper(op))
		}
		fields = append(fields, "pg.command_tag", tag, "db.rows", data.CommandTag.RowsAffected())
	}
	if st.caller != "" {
		fields = append(fields, "db.caller", st.caller)
	}
	if st.handler != "" {
		fields = append(fields, "db.handler", st.handler)
	}
	var pgErr *pgconn.PgError
	if errors.As(data.Err, &pgErr) {
		fields = append(fields, "db.error_code", pgErr.Code, "db.error_constraint", pgErr.ConstraintName)
	}
	return fields
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

// storeFrames walks the stack for the store method issuing the query
// (caller) and the first frame above it that is not store plumbing
// (handler), typically an engine or orchestrator method.
func storeFrames() (caller, handler string) {
	pcs := make([]uintptr, 32)
	n := runtime.Callers(3, pcs)
	frames := runtime.CallersFrames(pcs[:n])

	for {
		fr, more := frames.Next()
		fn := fr.Function
		switch {
		case fn == "":
		case skipFrame(fn):
		case caller == "":
			caller = shortenFuncName(fn)
		case !storePlumbing(fn):
			return caller, shortenFuncName(fn)
		}
		if !more {
			return caller, handler
		}
	}
}

func skipFrame(fn string) bool {
	return strings.HasPrefix(fn, "runtime.") ||
		strings.Contains(fn, "github.com/jackc/pgx/v5") ||
		strings.Contains(fn, "github.com/exaring/otelpgx") ||
		strings.Contains(fn, "queryTracer.TraceQuery")
}

func storePlumbing(fn string) bool {
	return strings.Contains(fn, "/internal/postgres.") ||
		strings.Contains(fn, "pgstore.(*Store)") ||
		strings.Contains(fn, "pgstore.startSpan") ||
		strings.Contains(fn, "pgstore.fail")
}

// shortenFuncName keeps receiver and method: "pkg/path/pgstore.(*Store).Get"
// becomes "(*Store).Get".
func shortenFuncName(fn string) string {
	if i := strings.LastIndex(fn, "/"); i >= 0 && i+1 < len(fn) {
		fn = fn[i+1:]
	}
	if dot := strings.Index(fn, "."); dot >= 0 && dot+1 < len(fn) {
		fn = fn[dot+1:]
	}
	return fn
}
