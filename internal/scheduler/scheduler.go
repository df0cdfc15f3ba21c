// Package scheduler runs the periodic jobs: feed polls, the deadline
// cadence, digest flushes and the daily briefing.
//
// Every job is wrapped so that a panic is recovered, a run still in flight
// causes the next tick to be skipped, and a tick that fires more than the
// misfire grace after it was due is dropped instead of run late.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/robfig/cron/v3"

	"github.com/linnemanlabs/sentinel/internal/clock"
)

// DefaultMisfireGrace is how late a tick may fire and still run.
const DefaultMisfireGrace = 300 * time.Second

var parser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Job is one unit of periodic work.
type Job func(ctx context.Context) error

// Hooks are optional callbacks for instrumentation.
type Hooks struct {
	OnRun     func(name string, err error, elapsed time.Duration)
	OnMisfire func(name string, late time.Duration)
}

// Entry describes a registered job.
type Entry struct {
	Name string
	Spec string
	Next time.Time
	Prev time.Time
}

type job struct {
	name  string
	spec  string
	sched cron.Schedule
	fn    Job
	id    cron.EntryID

	mu   sync.Mutex
	last time.Time // previous tick, run or skipped
	due  time.Time // scheduled time of the latest tick
}

// Scheduler wraps a cron runner.
type Scheduler struct {
	cron   *cron.Cron
	logger log.Logger
	clock  clock.Clock
	grace  time.Duration
	hooks  Hooks

	mu      sync.Mutex
	jobs    []*job
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithMisfireGrace overrides DefaultMisfireGrace.
func WithMisfireGrace(d time.Duration) Option { return func(s *Scheduler) { s.grace = d } }

// WithClock overrides the clock used for misfire checks.
func WithClock(c clock.Clock) Option { return func(s *Scheduler) { s.clock = c } }

// WithHooks sets instrumentation callbacks.
func WithHooks(h Hooks) Option { return func(s *Scheduler) { s.hooks = h } }

// WithLocation sets the time zone cron specs are evaluated in.
func WithLocation(loc *time.Location) Option {
	return func(s *Scheduler) { s.cron = newCron(s.logger, cron.WithLocation(loc)) }
}

func newCron(logger log.Logger, extra ...cron.Option) *cron.Cron {
	cl := cronLogger{l: logger}
	opts := append([]cron.Option{
		cron.WithParser(parser),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl)),
	}, extra...)
	return cron.New(opts...)
}

// New returns a stopped Scheduler.
func New(logger log.Logger, opts ...Option) *Scheduler {
	s := &Scheduler{
		logger: logger,
		clock:  clock.Real(),
		grace:  DefaultMisfireGrace,
	}
	s.cron = newCron(logger)
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Add registers fn under name on a cron spec. Five field, six field (with
// seconds) and descriptor specs such as "@hourly" or "@every 15m" are
// accepted.
func (s *Scheduler) Add(name, spec string, fn Job) error {
	sched, err := parser.Parse(spec)
	if err != nil {
		return fmt.Errorf("schedule %s: %w", name, err)
	}
	j := &job{name: name, spec: spec, sched: sched, fn: fn, last: s.clock.Now()}

	s.mu.Lock()
	defer s.mu.Unlock()
	// mark sits outside SkipIfStillRunning so skipped ticks still advance
	// the job's notion of when it was due
	wrapped := cron.NewChain(s.marker(j), cron.SkipIfStillRunning(cronLogger{l: s.logger})).
		Then(cron.FuncJob(func() { s.run(j) }))
	j.id = s.cron.Schedule(sched, wrapped)
	s.jobs = append(s.jobs, j)
	s.logger.Info(context.Background(), "job scheduled", "job", name, "schedule", spec)
	return nil
}

// Every registers fn to run every d.
func (s *Scheduler) Every(name string, d time.Duration, fn Job) error {
	return s.Add(name, "@every "+d.String(), fn)
}

// Start begins firing jobs. Jobs receive a context derived from ctx.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	now := s.clock.Now()
	for _, j := range s.jobs {
		j.mu.Lock()
		j.last = now
		j.mu.Unlock()
	}
	s.started = true
	s.cron.Start()
	s.logger.Info(ctx, "scheduler started", "jobs", len(s.jobs))
}

// Stop stops firing new runs and waits for running jobs until ctx is done,
// then cancels whatever is still running.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	cancel := s.cancel
	s.mu.Unlock()

	defer cancel()
	select {
	case <-s.cron.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Entries lists registered jobs with their next and previous fire times.
func (s *Scheduler) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, 0, len(s.jobs))
	for _, j := range s.jobs {
		e := s.cron.Entry(j.id)
		out = append(out, Entry{Name: j.name, Spec: j.spec, Next: e.Next, Prev: e.Prev})
	}
	return out
}

func (s *Scheduler) jobContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx == nil {
		return context.Background()
	}
	return s.ctx
}

func (s *Scheduler) marker(j *job) cron.JobWrapper {
	return func(next cron.Job) cron.Job {
		return cron.FuncJob(func() {
			s.mark(j)
			next.Run()
		})
	}
}

// mark records a tick of j, whether or not it goes on to run.
func (s *Scheduler) mark(j *job) {
	now := s.clock.Now()
	j.mu.Lock()
	j.due = j.sched.Next(j.last)
	j.last = now
	j.mu.Unlock()
}

// run executes the latest marked tick of j, unless it fired more than the
// misfire grace after it was due.
func (s *Scheduler) run(j *job) {
	ctx := s.jobContext()
	now := s.clock.Now()
	j.mu.Lock()
	due := j.due
	j.mu.Unlock()

	if late := now.Sub(due); late > s.grace {
		s.logger.Warn(ctx, "job misfired, skipping", "job", j.name, "due", due, "late", late.String())
		if s.hooks.OnMisfire != nil {
			s.hooks.OnMisfire(j.name, late)
		}
		return
	}

	start := time.Now()
	err := j.fn(ctx)
	elapsed := time.Since(start)
	if err != nil {
		s.logger.Error(ctx, err, "job failed", "job", j.name, "elapsed", elapsed.String())
	}
	if s.hooks.OnRun != nil {
		s.hooks.OnRun(j.name, err, elapsed)
	}
}

// cronLogger adapts log.Logger to cron.Logger.
type cronLogger struct {
	l log.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	// cron logs every wake and run at info; only skips are interesting
	if msg == "skip" {
		c.l.Warn(context.Background(), "job still running, tick skipped", keysAndValues...)
	}
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Error(context.Background(), err, "cron: "+msg, keysAndValues...)
}
