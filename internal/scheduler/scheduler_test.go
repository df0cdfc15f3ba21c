package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/sentinel/internal/clock"
)

var epoch = time.Date(2026, 3, 10, 5, 0, 0, 0, time.UTC)

func TestAdd_InvalidSpec(t *testing.T) {
	t.Parallel()

	s := New(log.Nop())
	if err := s.Add("bad", "not a schedule", func(context.Context) error { return nil }); err == nil {
		t.Fatal("expected error for invalid spec")
	}
	if n := len(s.Entries()); n != 0 {
		t.Errorf("entries = %d, want 0", n)
	}
}

func TestAdd_AcceptedSpecs(t *testing.T) {
	t.Parallel()

	s := New(log.Nop())
	noop := func(context.Context) error { return nil }
	for _, spec := range []string{"0 6 * * *", "*/30 * * * * *", "@hourly", "@every 15m"} {
		if err := s.Add(spec, spec, noop); err != nil {
			t.Errorf("Add(%q): %v", spec, err)
		}
	}
	if err := s.Every("overflow_flush", 5*time.Minute, noop); err != nil {
		t.Errorf("Every: %v", err)
	}
	entries := s.Entries()
	if len(entries) != 5 {
		t.Fatalf("entries = %d, want 5", len(entries))
	}
	if entries[4].Spec != "@every 5m0s" {
		t.Errorf("Spec = %q, want %q", entries[4].Spec, "@every 5m0s")
	}
}

func TestRun_MisfireGrace(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		firedAt time.Time
		wantRun bool
	}{
		{"on time", epoch.Add(time.Hour), true},
		{"within grace", epoch.Add(time.Hour + 4*time.Minute), true},
		{"past grace", epoch.Add(time.Hour + 6*time.Minute), false},
		{"after suspend", epoch.Add(5 * time.Hour), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			clk := clock.NewFake(epoch)
			var misfires atomic.Int32
			s := New(log.Nop(), WithClock(clk), WithHooks(Hooks{
				OnMisfire: func(string, time.Duration) { misfires.Add(1) },
			}))
			var runs atomic.Int32
			if err := s.Add("deadline_cadence", "@hourly", func(context.Context) error {
				runs.Add(1)
				return nil
			}); err != nil {
				t.Fatalf("Add: %v", err)
			}

			clk.Set(tt.firedAt)
			fire(s, s.jobs[0])

			if got := runs.Load() == 1; got != tt.wantRun {
				t.Errorf("ran = %v, want %v", got, tt.wantRun)
			}
			if got := misfires.Load() == 1; got == tt.wantRun {
				t.Errorf("misfire = %v, want %v", got, !tt.wantRun)
			}
		})
	}
}

func TestRun_NextTickAfterMisfireRuns(t *testing.T) {
	t.Parallel()

	clk := clock.NewFake(epoch)
	s := New(log.Nop(), WithClock(clk))
	var runs atomic.Int32
	_ = s.Every("digest_flush", 30*time.Minute, func(context.Context) error {
		runs.Add(1)
		return nil
	})
	j := s.jobs[0]

	clk.Set(epoch.Add(3 * time.Hour))
	fire(s, j)
	clk.Advance(30 * time.Minute)
	fire(s, j)

	if got := runs.Load(); got != 1 {
		t.Errorf("runs = %d, want 1", got)
	}
}

func TestRun_SkippedTickKeepsCadence(t *testing.T) {
	t.Parallel()

	clk := clock.NewFake(epoch)
	var misfires atomic.Int32
	s := New(log.Nop(), WithClock(clk), WithHooks(Hooks{
		OnMisfire: func(string, time.Duration) { misfires.Add(1) },
	}))
	var runs atomic.Int32
	_ = s.Every("rss_poll", 15*time.Minute, func(context.Context) error {
		runs.Add(1)
		return nil
	})
	j := s.jobs[0]

	clk.Set(epoch.Add(15 * time.Minute))
	fire(s, j)
	// previous run still in flight, tick dropped before run
	clk.Set(epoch.Add(30 * time.Minute))
	s.mark(j)
	clk.Set(epoch.Add(45 * time.Minute))
	fire(s, j)

	if got := runs.Load(); got != 2 {
		t.Errorf("runs = %d, want 2", got)
	}
	if got := misfires.Load(); got != 0 {
		t.Errorf("misfires = %d, want 0", got)
	}
}

func TestRun_ReportsErrors(t *testing.T) {
	t.Parallel()

	clk := clock.NewFake(epoch)
	var (
		mu   sync.Mutex
		errs []error
	)
	s := New(log.Nop(), WithClock(clk), WithHooks(Hooks{
		OnRun: func(_ string, err error, _ time.Duration) {
			mu.Lock()
			errs = append(errs, err)
			mu.Unlock()
		},
	}))
	boom := errors.New("boom")
	_ = s.Every("rss_poll", time.Minute, func(context.Context) error { return boom })

	clk.Advance(time.Minute)
	fire(s, s.jobs[0])

	if len(errs) != 1 || !errors.Is(errs[0], boom) {
		t.Errorf("errs = %v, want [boom]", errs)
	}
}

func TestStartStop_Fires(t *testing.T) {
	t.Parallel()

	s := New(log.Nop())
	var fires atomic.Int32
	if err := s.Add("tick", "* * * * * *", func(ctx context.Context) error {
		if ctx.Err() != nil {
			t.Error("job context already cancelled")
		}
		fires.Add(1)
		return nil
	}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	s.Start(context.Background())

	deadline := time.After(2500 * time.Millisecond)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for fires.Load() == 0 {
		select {
		case <-deadline:
			t.Fatal("job did not fire within 2.5s")
		case <-ticker.C:
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Errorf("Stop: %v", err)
	}
	if err := s.Stop(ctx); err != nil {
		t.Errorf("second Stop: %v", err)
	}
}

func TestRecoverPanics(t *testing.T) {
	t.Parallel()

	s := New(log.Nop())
	var fires atomic.Int32
	_ = s.Add("panicky", "* * * * * *", func(context.Context) error {
		fires.Add(1)
		panic("kaboom")
	})
	s.Start(context.Background())
	defer func() { _ = s.Stop(context.Background()) }()

	deadline := time.After(3500 * time.Millisecond)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for fires.Load() < 2 {
		select {
		case <-deadline:
			t.Fatalf("fires = %d, want at least 2 after a panic", fires.Load())
		case <-ticker.C:
		}
	}
}

// fire delivers one tick to j the way the cron chain does.
func fire(s *Scheduler, j *job) {
	s.mark(j)
	s.run(j)
}
