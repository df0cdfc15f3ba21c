package pipeline

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/linnemanlabs/sentinel/internal/llm"
)

// Metrics holds Prometheus metrics for the pipeline.
type Metrics struct {
	RunsTotal        *prometheus.CounterVec
	RunDuration      *prometheus.HistogramVec
	RunTokensIn      prometheus.Histogram
	RunTokensOut     prometheus.Histogram
	ContextsIncluded prometheus.Histogram
	EventsTotal      *prometheus.CounterVec
	LLMCallsTotal    *prometheus.CounterVec
	LLMTokensIn      prometheus.Counter
	LLMTokensOut     prometheus.Counter
	LLMDuration      prometheus.Histogram
}

// NewMetrics registers and returns pipeline metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_pipeline_runs_total",
			Help: "Pipeline runs by outcome.",
		}, []string{"outcome"}),
		RunDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sentinel_pipeline_run_duration_seconds",
			Help:    "Duration of pipeline runs in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10), // 0.5s .. ~256s
		}, []string{"trigger_type"}),
		RunTokensIn: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "sentinel_pipeline_tokens_input",
			Help:    "Input tokens consumed per pipeline run.",
			Buckets: prometheus.ExponentialBuckets(100, 2, 12), // 100 .. ~409600
		}),
		RunTokensOut: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "sentinel_pipeline_tokens_output",
			Help:    "Output tokens produced per pipeline run.",
			Buckets: prometheus.ExponentialBuckets(50, 2, 10), // 50 .. ~25600
		}),
		ContextsIncluded: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "sentinel_pipeline_contexts_included",
			Help:    "Retrieved contexts that fit in the prompt per run.",
			Buckets: prometheus.LinearBuckets(0, 5, 12), // 0 .. 55
		}),
		EventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_events_handled_total",
			Help: "Events handled by outcome.",
		}, []string{"outcome"}),
		LLMCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_llm_calls_total",
			Help: "Generation calls by outcome.",
		}, []string{"outcome"}),
		LLMTokensIn: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sentinel_llm_tokens_input_total",
			Help: "Total input tokens sent to the model.",
		}),
		LLMTokensOut: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sentinel_llm_tokens_output_total",
			Help: "Total output tokens received from the model.",
		}),
		LLMDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "sentinel_llm_duration_seconds",
			Help:    "Duration of individual generation calls in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10), // 0.5s .. ~256s
		}),
	}

	reg.MustRegister(
		m.RunsTotal,
		m.RunDuration,
		m.RunTokensIn,
		m.RunTokensOut,
		m.ContextsIncluded,
		m.EventsTotal,
		m.LLMCallsTotal,
		m.LLMTokensIn,
		m.LLMTokensOut,
		m.LLMDuration,
	)
	return m
}

// Hooks returns orchestrator callbacks that update these metrics.
func (m *Metrics) Hooks() Hooks {
	return Hooks{
		OnRun: func(triggerType string, ok bool, md Metadata) {
			outcome := "ok"
			if !ok {
				outcome = "error"
			}
			m.RunsTotal.WithLabelValues(outcome).Inc()
			m.RunDuration.WithLabelValues(triggerType).Observe(float64(md.DurationMS) / 1000)
			if ok {
				m.RunTokensIn.Observe(float64(md.TokensIn))
				m.RunTokensOut.Observe(float64(md.TokensOut))
				m.ContextsIncluded.Observe(float64(md.ContextsIncluded))
			}
		},
		OnHandled: func(o Outcome) {
			m.EventsTotal.WithLabelValues(string(o)).Inc()
		},
	}
}

// Instrument wraps g so every generation call is counted and timed.
func (m *Metrics) Instrument(g llm.Generator) llm.Generator {
	return llm.GeneratorFunc(func(ctx context.Context, req llm.Request) (*llm.Response, error) {
		start := time.Now()
		resp, err := g.Generate(ctx, req)
		m.LLMDuration.Observe(time.Since(start).Seconds())
		if err != nil {
			m.LLMCallsTotal.WithLabelValues("error").Inc()
			return nil, err
		}
		m.LLMCallsTotal.WithLabelValues("ok").Inc()
		m.LLMTokensIn.Add(float64(resp.InputTokens))
		m.LLMTokensOut.Add(float64(resp.OutputTokens))
		return resp, nil
	})
}
