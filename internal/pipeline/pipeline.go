package pipeline

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/linnemanlabs/go-core/log"
	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/linnemanlabs/sentinel/internal/alerting"
	"github.com/linnemanlabs/sentinel/internal/budget"
	"github.com/linnemanlabs/sentinel/internal/clock"
	"github.com/linnemanlabs/sentinel/internal/deadline"
	"github.com/linnemanlabs/sentinel/internal/event"
	"github.com/linnemanlabs/sentinel/internal/llm"
	"github.com/linnemanlabs/sentinel/internal/retrieve"
	"github.com/linnemanlabs/sentinel/internal/state"
)

var tracer = otel.Tracer("github.com/linnemanlabs/sentinel/internal/pipeline")

const (
	// InteractionsCollection receives an embedding of every processed trigger.
	InteractionsCollection = "interactions"

	maxLoggedContent   = 1000
	maxEmbeddedContent = 500
	maxBriefingItem    = 300
)

// Retriever gathers context for an event and stores new documents.
type Retriever interface {
	ForEvent(ctx context.Context, ev event.Event) []retrieve.Context
	Store(ctx context.Context, collection, id, text string, payload map[string]any) error
}

// Alerter accepts alerts for delivery.
type Alerter interface {
	Add(ctx context.Context, entry alerting.Entry, critical bool) bool
}

// Deadlines extracts deadlines from handled events and reports the ones
// due for a briefing mention.
type Deadlines interface {
	Extract(ctx context.Context, src deadline.Source) (int, error)
	Upcoming(ctx context.Context) ([]*deadline.Deadline, error)
}

// Hooks are optional callbacks for instrumentation.
type Hooks struct {
	OnRun     func(triggerType string, ok bool, md Metadata)
	OnHandled func(o Outcome)
}

// Orchestrator runs events through retrieve, prompt, generate, store and
// alert.
type Orchestrator struct {
	gen       llm.Generator
	tracker   *state.Tracker
	retriever Retriever
	builder   *budget.Builder
	store     Store
	alerts    Alerter
	deadlines Deadlines
	clock     clock.Clock
	logger    log.Logger
	hooks     Hooks
	model     string

	mu       sync.Mutex
	inFlight map[string]struct{}
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithRetriever sets the context retriever. Without one prompts carry only
// the trigger.
func WithRetriever(r Retriever) Option { return func(o *Orchestrator) { o.retriever = r } }

// WithBuilder overrides the prompt builder.
func WithBuilder(b *budget.Builder) Option { return func(o *Orchestrator) { o.builder = b } }

// WithStore sets where results are persisted.
func WithStore(s Store) Option { return func(o *Orchestrator) { o.store = s } }

// WithAlerts sets where tier 1 and 2 alerts go.
func WithAlerts(a Alerter) Option { return func(o *Orchestrator) { o.alerts = a } }

// WithDeadlines enables deadline extraction and briefing mentions.
func WithDeadlines(d Deadlines) Option { return func(o *Orchestrator) { o.deadlines = d } }

// WithClock overrides the time source.
func WithClock(c clock.Clock) Option { return func(o *Orchestrator) { o.clock = c } }

// WithLogger sets the logger.
func WithLogger(l log.Logger) Option { return func(o *Orchestrator) { o.logger = l } }

// WithHooks sets instrumentation callbacks.
func WithHooks(h Hooks) Option { return func(o *Orchestrator) { o.hooks = h } }

// WithModel overrides the generator's default model.
func WithModel(m string) Option { return func(o *Orchestrator) { o.model = m } }

// New returns an Orchestrator that generates with gen and gates events
// through tracker.
func New(gen llm.Generator, tracker *state.Tracker, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		gen:      gen,
		tracker:  tracker,
		builder:  budget.NewBuilder(),
		store:    nopStore{},
		clock:    clock.Real(),
		logger:   log.Nop(),
		inFlight: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func (o *Orchestrator) classify(ev event.Event) event.Event {
	if ev.Priority != event.PriorityNone {
		return ev
	}
	return ev.WithPriority(ClassifyTrigger(ev))
}

// Run processes ev end to end regardless of priority. A generation failure
// is returned; persistence and alert failures are logged and do not fail
// the run.
func (o *Orchestrator) Run(ctx context.Context, ev event.Event) (*Response, error) {
	ctx, span := tracer.Start(ctx, "pipeline.Run")
	defer span.End()

	start := o.clock.Now()
	ev = o.classify(ev)
	span.SetAttributes(
		attribute.String("event.type", ev.Type),
		attribute.String("event.source_id", ev.SourceID),
		attribute.String("event.priority", string(ev.Priority)),
	)
	L := o.logger.With("trigger_type", ev.Type, "source_id", ev.SourceID, "priority", ev.Priority)
	L.Info(ctx, "pipeline start", "contact", ev.Contact)

	var contexts []retrieve.Context
	if o.retriever != nil {
		contexts = o.retriever.ForEvent(ctx, ev)
	}

	prompt := o.builder.Build(ev.Type, ev.Content, contexts)
	promptTokens := prompt.Budget.SystemTokens + prompt.Budget.TriggerTokens + prompt.Budget.ContextTokensUsed
	L.Info(ctx, "prompt assembled",
		"contexts_included", prompt.Included,
		"contexts_total", prompt.Total,
		"prompt_tokens", promptTokens,
	)

	md := Metadata{
		TriggerType:      ev.Type,
		Priority:         ev.Priority,
		PromptTokens:     promptTokens,
		ContextsIncluded: prompt.Included,
		ContextsTotal:    prompt.Total,
	}

	gen, err := o.gen.Generate(ctx, llm.Request{
		System:    prompt.System,
		User:      prompt.User,
		MaxTokens: prompt.MaxOutputTokens,
		Model:     o.model,
	})
	if err != nil {
		md.DurationMS = o.clock.Now().Sub(start).Milliseconds()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if o.hooks.OnRun != nil {
			o.hooks.OnRun(ev.Type, false, md)
		}
		return nil, fmt.Errorf("generate: %w", err)
	}

	resp := parseResponse(gen.Text)
	md.Model = gen.Model
	md.TokensIn = gen.InputTokens
	md.TokensOut = gen.OutputTokens
	md.DurationMS = o.clock.Now().Sub(start).Milliseconds()
	resp.Metadata = md

	o.storeBack(ctx, ev, resp)
	o.dispatch(ctx, ev, resp)

	span.SetAttributes(
		attribute.Int("pipeline.alerts", len(resp.Alerts)),
		attribute.Int("pipeline.tokens_in", md.TokensIn),
		attribute.Int("pipeline.tokens_out", md.TokensOut),
	)
	if o.hooks.OnRun != nil {
		o.hooks.OnRun(ev.Type, true, md)
	}
	L.Info(ctx, "pipeline complete",
		"duration_ms", md.DurationMS,
		"tokens_in", md.TokensIn,
		"tokens_out", md.TokensOut,
		"alerts", len(resp.Alerts),
	)
	return resp, nil
}

// storeBack persists what the run learned. Each step is independent.
func (o *Orchestrator) storeBack(ctx context.Context, ev event.Event, resp *Response) {
	L := o.logger.With("source_id", ev.SourceID)
	now := o.clock.Now().UTC()

	triggerID := ulid.Make().String()
	if err := o.store.LogTrigger(ctx, &TriggerLog{
		ID:         triggerID,
		Type:       ev.Type,
		SourceID:   ev.SourceID,
		Content:    clip(ev.Content, maxLoggedContent),
		ContactID:  ev.ContactID,
		Priority:   ev.Priority,
		TokensIn:   resp.Metadata.TokensIn,
		TokensOut:  resp.Metadata.TokensOut,
		DurationMS: resp.Metadata.DurationMS,
		CreatedAt:  now,
	}); err != nil {
		L.Warn(ctx, "store-back: trigger log failed", "error", err)
		triggerID = ""
	}

	for _, u := range resp.ContactUpdates {
		if strings.TrimSpace(u.Name) == "" {
			continue
		}
		if err := o.store.UpsertContact(ctx, u, now); err != nil {
			L.Warn(ctx, "store-back: contact update failed", "contact", u.Name, "error", err)
		}
	}

	for _, d := range resp.Decisions {
		conf := d.Confidence
		if conf == "" {
			conf = "medium"
		}
		if err := o.store.LogDecision(ctx, &Decision{
			ID:          ulid.Make().String(),
			Decision:    d.Decision,
			Reasoning:   d.Reasoning,
			Confidence:  conf,
			TriggerType: ev.Type,
			CreatedAt:   now,
		}); err != nil {
			L.Warn(ctx, "store-back: decision log failed", "error", err)
		}
	}

	for _, a := range resp.Alerts {
		if err := o.store.CreateAlert(ctx, &Alert{
			ID:             ulid.Make().String(),
			Tier:           a.Tier,
			Title:          a.Title,
			Body:           a.Body,
			SourceType:     ev.Type,
			SourceID:       ev.SourceID,
			ActionRequired: a.ActionRequired,
			Status:         AlertOpen,
			TriggerID:      triggerID,
			CreatedAt:      now,
		}); err != nil {
			L.Warn(ctx, "store-back: alert create failed", "title", a.Title, "error", err)
		}
	}

	if o.retriever != nil {
		text := clip(ev.Content, maxEmbeddedContent)
		if resp.Analysis != "" {
			text += "\n\nAnalysis: " + clip(resp.Analysis, maxEmbeddedContent)
		}
		payload := map[string]any{
			"text":         text,
			"trigger_type": ev.Type,
			"source_id":    ev.SourceID,
			"created_at":   now.Format(time.RFC3339),
		}
		if ev.Contact != "" {
			payload["contact_name"] = ev.Contact
		}
		if err := o.retriever.Store(ctx, InteractionsCollection, uuid.NewString(), text, payload); err != nil {
			L.Warn(ctx, "store-back: interaction embedding failed", "error", err)
		}
	}
}

// dispatch hands tier 1 and 2 alerts to the alert engine. Tier 1 alerts on
// a high priority trigger bypass the digest.
func (o *Orchestrator) dispatch(ctx context.Context, ev event.Event, resp *Response) {
	if o.alerts == nil {
		return
	}
	now := o.clock.Now()
	for i, a := range resp.Alerts {
		if a.Tier > TierImportant {
			continue
		}
		critical := a.Tier == TierUrgent && ev.Priority == event.PriorityHigh
		o.alerts.Add(ctx, alerting.Entry{
			Title:      a.Title,
			SourceType: ev.Type,
			SourceID:   ev.SourceID + "#" + strconv.Itoa(i),
			Tier:       int(a.Tier),
			Contact:    ev.Contact,
			Content:    a.Body,
			At:         now,
		}, critical)
	}
}

// Ask runs a manual trigger for question, optionally scoped to a contact.
func (o *Orchestrator) Ask(ctx context.Context, question, contact string) (*Response, error) {
	ev, err := event.New(event.TypeManual, question, "manual:"+ulid.Make().String(),
		event.WithContact(contact, ""),
		event.WithTimestamp(o.clock.Now()),
	)
	if err != nil {
		return nil, err
	}
	return o.Run(ctx, ev)
}

// Handle is the entry point for source adapters. Already processed events
// are skipped, low priority events are queued for the briefing and the rest
// are run. The event is marked processed whether or not the run succeeded.
func (o *Orchestrator) Handle(ctx context.Context, ev event.Event) (Outcome, error) {
	outcome, err := o.handle(ctx, ev)
	if o.hooks.OnHandled != nil {
		o.hooks.OnHandled(outcome)
	}
	return outcome, err
}

func (o *Orchestrator) handle(ctx context.Context, ev event.Event) (Outcome, error) {
	if !o.claim(ev.SourceID) {
		o.logger.Info(ctx, "skipped duplicate, already in flight", "source_id", ev.SourceID, "trigger_type", ev.Type)
		return OutcomeDuplicate, nil
	}
	defer o.release(ev.SourceID)

	if o.tracker.IsProcessed(ctx, ev.SourceID) {
		o.logger.Info(ctx, "skipped duplicate", "source_id", ev.SourceID, "trigger_type", ev.Type)
		return OutcomeDuplicate, nil
	}

	ev = o.classify(ev)
	defer o.extractDeadlines(ctx, ev)

	if ev.Priority == event.PriorityLow {
		o.tracker.Enqueue(ctx, ev)
		o.tracker.MarkProcessed(ctx, ev.SourceID, ev.Type)
		o.logger.Info(ctx, "queued for briefing", "source_id", ev.SourceID, "trigger_type", ev.Type)
		return OutcomeQueued, nil
	}

	_, err := o.Run(ctx, ev)
	o.tracker.MarkProcessed(ctx, ev.SourceID, ev.Type)
	if err != nil {
		o.logger.Error(ctx, err, "pipeline run failed", "source_id", ev.SourceID, "trigger_type", ev.Type)
		return OutcomeFailed, err
	}
	return OutcomeProcessed, nil
}

// claim marks sourceID as being handled. It fails while another Handle call
// holds the same id.
func (o *Orchestrator) claim(sourceID string) bool {
	if sourceID == "" {
		return true
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, busy := o.inFlight[sourceID]; busy {
		return false
	}
	o.inFlight[sourceID] = struct{}{}
	return true
}

func (o *Orchestrator) release(sourceID string) {
	if sourceID == "" {
		return
	}
	o.mu.Lock()
	delete(o.inFlight, sourceID)
	o.mu.Unlock()
}

func (o *Orchestrator) extractDeadlines(ctx context.Context, ev event.Event) {
	if o.deadlines == nil || ev.Type == event.TypeScheduled || ev.Type == event.TypeManual {
		return
	}
	src := deadline.Source{
		Content:        ev.Content,
		SourceType:     ev.Type,
		SourceID:       ev.SourceID,
		SenderName:     ev.Contact,
		SenderEmail:    ev.MetaString("sender_email"),
		SenderWhatsApp: ev.MetaString("sender_whatsapp"),
	}
	if n, err := o.deadlines.Extract(ctx, src); err != nil {
		o.logger.Warn(ctx, "deadline extraction failed", "source_id", ev.SourceID, "error", err)
	} else if n > 0 {
		o.logger.Info(ctx, "deadlines extracted", "source_id", ev.SourceID, "count", n)
	}
}

// Brief drains the low priority queue and runs one scheduled trigger
// summarizing it together with upcoming deadlines. If the run fails the
// drained items are queued again.
func (o *Orchestrator) Brief(ctx context.Context) (*Response, error) {
	items := o.tracker.DrainBriefing(ctx)

	var upcoming []*deadline.Deadline
	if o.deadlines != nil {
		var err error
		if upcoming, err = o.deadlines.Upcoming(ctx); err != nil {
			o.logger.Warn(ctx, "upcoming deadlines unavailable for briefing", "error", err)
		}
	}

	now := o.clock.Now().UTC()
	ev, err := event.New(event.TypeScheduled, composeBriefing(now, items, upcoming),
		"briefing:"+now.Format(time.RFC3339),
		event.WithPriority(event.PriorityMedium),
		event.WithTimestamp(now),
		event.WithMetadata(map[string]any{"queued_items": len(items), "upcoming_deadlines": len(upcoming)}),
	)
	if err != nil {
		return nil, err
	}

	resp, err := o.Run(ctx, ev)
	if err != nil {
		for _, it := range items {
			o.tracker.Enqueue(ctx, it.Event)
		}
		return nil, fmt.Errorf("briefing: %w", err)
	}
	o.logger.Info(ctx, "briefing complete", "queued_items", len(items), "upcoming_deadlines", len(upcoming))
	return resp, nil
}

func composeBriefing(now time.Time, items []state.BriefingItem, upcoming []*deadline.Deadline) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Daily briefing for %s.\n\n", now.Format("Monday, January 2, 2006"))

	fmt.Fprintf(&b, "## QUEUED LOW-PRIORITY ITEMS (%d)\n", len(items))
	if len(items) == 0 {
		b.WriteString("None.\n")
	}
	for _, it := range items {
		ev := it.Event
		fmt.Fprintf(&b, "- [%s]", ev.Type)
		if ev.Contact != "" {
			fmt.Fprintf(&b, " %s:", ev.Contact)
		}
		fmt.Fprintf(&b, " %s (queued %s)\n", oneLine(clip(ev.Content, maxBriefingItem)), it.QueuedAt.UTC().Format("Jan 2 15:04 UTC"))
	}

	fmt.Fprintf(&b, "\n## UPCOMING DEADLINES (%d)\n", len(upcoming))
	if len(upcoming) == 0 {
		b.WriteString("None.\n")
	}
	for _, d := range upcoming {
		fmt.Fprintf(&b, "- %s (due %s, %s priority, %s confidence)\n",
			d.Description, d.DueDate.Format("January 2"), d.Priority, d.Confidence)
	}
	return b.String()
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
