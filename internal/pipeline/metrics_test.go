package pipeline_test

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/linnemanlabs/sentinel/internal/event"
	"github.com/linnemanlabs/sentinel/internal/pipeline"
	"github.com/linnemanlabs/sentinel/internal/pipeline/memstore"
)

func TestMetrics_HooksAndInstrument(t *testing.T) {
	t.Parallel()

	m := pipeline.NewMetrics(prometheus.NewRegistry())
	f := newFixture(`{"analysis":"ok"}`)
	f.orch = pipeline.New(m.Instrument(f.gen), f.tracker,
		pipeline.WithStore(f.store), pipeline.WithClock(f.clock), pipeline.WithHooks(m.Hooks()))
	ctx := context.Background()

	ev := mustEvent(t, event.TypeEmail, "hello", "gmail:m1")
	_, _ = f.orch.Handle(ctx, ev)
	_, _ = f.orch.Handle(ctx, ev)
	_, _ = f.orch.Handle(ctx, mustEvent(t, event.TypeRSS, "roundup", "rss:m1"))

	f.gen.err = errors.New("boom")
	_, _ = f.orch.Handle(ctx, mustEvent(t, event.TypeEmail, "another", "gmail:m2"))

	counts := map[string]float64{
		"processed":         testutil.ToFloat64(m.EventsTotal.WithLabelValues("processed")),
		"skipped_duplicate": testutil.ToFloat64(m.EventsTotal.WithLabelValues("skipped_duplicate")),
		"queued":            testutil.ToFloat64(m.EventsTotal.WithLabelValues("queued")),
		"failed":            testutil.ToFloat64(m.EventsTotal.WithLabelValues("failed")),
	}
	for outcome, got := range counts {
		if got != 1 {
			t.Errorf("events_handled{%s} = %v, want 1", outcome, got)
		}
	}
	if got := testutil.ToFloat64(m.LLMCallsTotal.WithLabelValues("ok")); got != 1 {
		t.Errorf("llm_calls{ok} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.LLMCallsTotal.WithLabelValues("error")); got != 1 {
		t.Errorf("llm_calls{error} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.LLMTokensIn); got != 1200 {
		t.Errorf("llm_tokens_input = %v, want 1200", got)
	}
	if got := testutil.ToFloat64(m.RunsTotal.WithLabelValues("error")); got != 1 {
		t.Errorf("runs{error} = %v, want 1", got)
	}
}

func TestLookups(t *testing.T) {
	t.Parallel()

	s := memstore.New()
	ctx := context.Background()
	_ = s.UpsertContact(ctx, pipeline.ContactUpdate{Name: "Dana Ruiz", Role: "CFO"}, epoch)
	_ = s.CreateAlert(ctx, &pipeline.Alert{ID: "a1", Tier: pipeline.TierUrgent, Title: "Sign", Status: pipeline.AlertOpen, CreatedAt: epoch})
	_ = s.LogDecision(ctx, &pipeline.Decision{ID: "d1", Decision: "hold", CreatedAt: epoch})

	l := pipeline.NewLookups(s)

	rec, ok, err := l.ContactProfile(ctx, "dana")
	if err != nil || !ok {
		t.Fatalf("ContactProfile = %v, %v", ok, err)
	}
	if rec["role"] != "CFO" {
		t.Errorf("role = %v, want CFO", rec["role"])
	}
	if _, has := rec["company"]; has {
		t.Error("empty company should be omitted")
	}

	alerts, err := l.OpenAlerts(ctx)
	if err != nil || len(alerts) != 1 || alerts[0]["title"] != "Sign" {
		t.Errorf("OpenAlerts = %v, %v", alerts, err)
	}

	decisions, err := l.RecentDecisions(ctx, 5)
	if err != nil || len(decisions) != 1 || decisions[0]["decision"] != "hold" {
		t.Errorf("RecentDecisions = %v, %v", decisions, err)
	}

	if _, ok, _ := l.ContactProfile(ctx, "nobody-here-xyz"); ok {
		t.Error("unknown contact should not match")
	}
}
