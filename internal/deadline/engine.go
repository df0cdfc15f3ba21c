package deadline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/linnemanlabs/go-core/log"
	"github.com/oklog/ulid/v2"
	"github.com/sahilm/fuzzy"

	"github.com/linnemanlabs/sentinel/internal/alerting"
	"github.com/linnemanlabs/sentinel/internal/clock"
	"github.com/linnemanlabs/sentinel/internal/llm"
)

const (
	// MinContentLength is the shortest content worth sending for extraction.
	MinContentLength = 20

	maxExtractContent = 4000
	maxSnippet        = 500
	mergeSnippetChars = 200
	extractMaxTokens  = 1000

	// PastGrace drops extracted items due further back than this.
	PastGrace = 7 * 24 * time.Hour

	// DuplicateWindow is how far apart two due dates may be and still merge.
	DuplicateWindow = 24 * time.Hour

	// ExpireAfter moves open deadlines this far past due to expired.
	ExpireAfter = 90 * 24 * time.Hour

	// ConfirmWindow is how long a soft deadline waits for confirmation.
	ConfirmWindow = 7 * 24 * time.Hour

	cadenceLimit = 200
	searchLimit  = 100

	// SourceType tags alerts raised by the cadence check.
	SourceType = "deadline"

	reasonExpired       = "expired (3 months)"
	reasonAutoDismissed = "auto-dismissed (no confirmation after 7 days)"
	reasonDismissed     = "dismissed by principal"
	reasonCompleted     = "completed"
)

// DuplicateOverlapRatio is the share of the shorter description's words
// that must appear in the other for two deadlines to merge.
var DuplicateOverlapRatio = 0.5

// minDuplicateOverlap keeps one shared stop word from merging unrelated items.
const minDuplicateOverlap = 2

// ErrInvalidDate is returned by Confirm for a date that is not YYYY-MM-DD.
var ErrInvalidDate = errors.New("invalid date, use YYYY-MM-DD")

// AlertSink receives reminders for the alerting stages.
type AlertSink interface {
	Add(ctx context.Context, entry alerting.Entry, critical bool) bool
}

// Source is content handed to Extract along with who sent it.
type Source struct {
	Content        string
	SourceType     string
	SourceID       string
	SenderName     string
	SenderEmail    string
	SenderWhatsApp string
}

// Report summarizes one cadence pass.
type Report struct {
	Alerts        int `json:"alerts"`
	Informational int `json:"informational"`
	Expired       int `json:"expired"`
	AutoDismissed int `json:"auto_dismissed"`
	Errors        int `json:"errors"`
}

// Hooks are optional callbacks for instrumentation.
type Hooks struct {
	OnExtracted func(merged bool)
	OnReminder  func(stage Stage)
	OnLifecycle func(action string, n int)
}

// Engine extracts deadlines from content and escalates them as they come due.
type Engine struct {
	store     Store
	gen       llm.Generator
	alerts    AlertSink
	clock     clock.Clock
	logger    log.Logger
	principal Principal
	model     string
	hooks     Hooks
}

// Option configures an Engine.
type Option func(*Engine)

// WithGenerator enables Extract. Without one Extract is a no-op.
func WithGenerator(g llm.Generator, model string) Option {
	return func(e *Engine) {
		e.gen = g
		e.model = model
	}
}

// WithAlerts sets where alerting-stage reminders go.
func WithAlerts(a AlertSink) Option { return func(e *Engine) { e.alerts = a } }

// WithClock overrides the time source.
func WithClock(c clock.Clock) Option { return func(e *Engine) { e.clock = c } }

// WithLogger sets the logger.
func WithLogger(l log.Logger) Option { return func(e *Engine) { e.logger = l } }

// WithPrincipal sets whose commitments are critical.
func WithPrincipal(p Principal) Option { return func(e *Engine) { e.principal = p } }

// WithHooks sets instrumentation callbacks.
func WithHooks(h Hooks) Option { return func(e *Engine) { e.hooks = h } }

// New returns an Engine backed by store.
func New(store Store, opts ...Option) *Engine {
	e := &Engine{
		store:  store,
		clock:  clock.Real(),
		logger: log.Nop(),
	}
	for _, o := range opts {
		o(e)
	}
	if len(e.principal.Labels) == 0 {
		e.principal.Labels = []string{"principal"}
	}
	return e
}

const extractionSystem = `You are a deadline extraction assistant for an executive. Analyze the following content and extract any deadlines, commitments, or time-bound obligations.

For each deadline found, return:
- description: what needs to happen
- due_date: the specific date (ISO format YYYY-MM-DD). If vague ("mid-March"), estimate the most likely date.
- confidence: "hard" if a specific date is stated, "soft" if inferred from vague language
- speaker: who stated or imposed this deadline (name or role)

Rules:
- Only extract FUTURE deadlines (after today's date).
- Ignore dates more than 3 months in the past.
- Ignore purely historical references ("we signed the contract on January 5").
- Distinguish between commitments ("I will deliver by March 15") and reports ("the deadline was March 15").
- If the executive you work for makes a commitment, mark speaker as "principal".

Return a JSON array. Empty array [] if no deadlines found. No other text.`

type extracted struct {
	Description string `json:"description"`
	DueDate     string `json:"due_date"`
	Confidence  string `json:"confidence"`
	Speaker     string `json:"speaker"`
}

// Extract asks the model for deadlines in src and stores each new one.
// Items that duplicate an open deadline are merged into it instead. It
// returns how many deadlines were inserted. Unparseable model output is
// logged and yields zero.
func (e *Engine) Extract(ctx context.Context, src Source) (int, error) {
	if e.gen == nil || len(strings.TrimSpace(src.Content)) < MinContentLength {
		return 0, nil
	}
	L := e.logger.With("source_type", src.SourceType, "source_id", src.SourceID)

	now := e.clock.Now().UTC()
	resp, err := e.gen.Generate(ctx, llm.Request{
		System:    extractionSystem,
		User:      fmt.Sprintf("Today's date: %s\n\nContent to analyze:\n%s", now.Format(time.DateOnly), clip(src.Content, maxExtractContent)),
		MaxTokens: extractMaxTokens,
		Model:     e.model,
	})
	if err != nil {
		return 0, fmt.Errorf("extract deadlines: %w", err)
	}

	items, err := parseExtraction(resp.Text)
	if err != nil {
		L.Warn(ctx, "deadline extraction returned non-JSON", "error", err)
		return 0, nil
	}

	inserted := 0
	for _, it := range items {
		desc := strings.TrimSpace(it.Description)
		dueStr := strings.TrimSpace(it.DueDate)
		if desc == "" || dueStr == "" {
			continue
		}
		due, err := parseDue(dueStr)
		if err != nil {
			L.Info(ctx, "skipping deadline with invalid date", "due_date", dueStr)
			continue
		}
		if due.Before(now.Add(-PastGrace)) {
			continue
		}

		existing, ok, err := e.FindDuplicate(ctx, desc, due)
		if err != nil {
			L.Warn(ctx, "duplicate check failed", "error", err)
		} else if ok {
			existing.SourceSnippet = mergeSnippet(existing.SourceSnippet, src.SourceType, src.Content)
			existing.UpdatedAt = now
			if err := e.store.Update(ctx, existing); err != nil {
				L.Warn(ctx, "deadline merge failed", "deadline_id", existing.ID, "error", err)
				continue
			}
			L.Info(ctx, "deadline merged into existing", "deadline_id", existing.ID)
			if e.hooks.OnExtracted != nil {
				e.hooks.OnExtracted(true)
			}
			continue
		}

		conf := ConfidenceSoft
		status := StatusPendingConfirm
		if strings.EqualFold(it.Confidence, string(ConfidenceHard)) {
			conf = ConfidenceHard
			status = StatusActive
		}

		d := &Deadline{
			ID:            ulid.Make().String(),
			Description:   desc,
			DueDate:       due,
			SourceType:    src.SourceType,
			SourceID:      src.SourceID,
			SourceSnippet: clip(src.Content, maxSnippet),
			Confidence:    conf,
			Priority:      e.ClassifyPriority(ctx, strings.TrimSpace(it.Speaker), src.SenderEmail, src.SenderWhatsApp),
			Status:        status,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if err := e.store.Insert(ctx, d); err != nil {
			L.Warn(ctx, "deadline insert failed", "error", err)
			continue
		}
		inserted++
		L.Info(ctx, "deadline extracted",
			"deadline_id", d.ID,
			"confidence", d.Confidence,
			"priority", d.Priority,
			"due", d.DueDate.Format(time.DateOnly),
			"description", clip(desc, 60),
		)
		if e.hooks.OnExtracted != nil {
			e.hooks.OnExtracted(false)
		}
	}
	return inserted, nil
}

func parseExtraction(raw string) ([]extracted, error) {
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, "```") {
		lines := strings.Split(raw, "\n")
		if len(lines) > 2 {
			raw = strings.Join(lines[1:len(lines)-1], "\n")
		}
	}
	var items []extracted
	if err := json.Unmarshal([]byte(raw), &items); err != nil {
		return nil, err
	}
	return items, nil
}

func parseDue(s string) (time.Time, error) {
	for _, layout := range []string{time.DateOnly, time.RFC3339, "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("parse due date %q", s)
}

func mergeSnippet(old, sourceType, content string) string {
	merged := strings.TrimSpace(fmt.Sprintf("%s\n[%s] %s", old, sourceType, clip(content, mergeSnippetChars)))
	return clip(merged, maxSnippet)
}

// ClassifyPriority returns critical when the principal made the commitment,
// high when a VIP imposed it, and normal otherwise. A failed VIP lookup
// degrades to normal.
func (e *Engine) ClassifyPriority(ctx context.Context, speaker, email, whatsapp string) Priority {
	speakerLower := strings.ToLower(strings.TrimSpace(speaker))
	for _, label := range e.principal.Labels {
		if speakerLower != "" && speakerLower == strings.ToLower(label) {
			return PriorityCritical
		}
	}
	if email != "" && strings.EqualFold(email, e.principal.Email) {
		return PriorityCritical
	}
	if whatsapp != "" && whatsapp == e.principal.WhatsApp {
		return PriorityCritical
	}

	vips, err := e.store.VIPs(ctx)
	if err != nil {
		e.logger.Warn(ctx, "VIP lookup failed during priority classification", "error", err)
		return PriorityNormal
	}
	for _, v := range vips {
		if speakerLower != "" && v.SpeakerLabel != "" && speakerLower == strings.ToLower(v.SpeakerLabel) {
			return PriorityHigh
		}
		if email != "" && v.Email != "" && strings.EqualFold(email, v.Email) {
			return PriorityHigh
		}
		if whatsapp != "" && whatsapp == v.WhatsAppID {
			return PriorityHigh
		}
	}
	if speakerLower != "" && matchName(speakerLower, vips) {
		return PriorityHigh
	}
	return PriorityNormal
}

// matchName reports whether speaker names one of vips. A substring of the
// full name matches, as does an abbreviation whose matched runs each begin
// a word ("m pellegrini" for "Marco Pellegrini").
func matchName(speaker string, vips []VIP) bool {
	pattern := normalizeName(speaker)
	if pattern == "" {
		return false
	}
	names := make([]string, len(vips))
	for i, v := range vips {
		names[i] = normalizeName(v.Name)
		if names[i] != "" && strings.Contains(names[i], pattern) {
			return true
		}
	}
	words := len(strings.Fields(pattern))
	for _, m := range fuzzy.Find(pattern, names) {
		if runsAtWordStarts(m.Str, m.MatchedIndexes, words) {
			return true
		}
	}
	return false
}

func runsAtWordStarts(name string, idx []int, maxRuns int) bool {
	if len(idx) == 0 {
		return false
	}
	runs := 0
	for i, p := range idx {
		if i > 0 && idx[i-1] == p-1 {
			continue
		}
		runs++
		if p >= len(name) {
			return false
		}
		if p > 0 && name[p-1] != ' ' && name[p] != ' ' {
			return false
		}
	}
	return runs <= maxRuns
}

func normalizeName(s string) string {
	s = strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return unicode.ToLower(r)
		}
		return ' '
	}, s)
	return strings.Join(strings.Fields(s), " ")
}

// FindDuplicate returns an open deadline due within DuplicateWindow of due
// whose description shares enough words with description.
func (e *Engine) FindDuplicate(ctx context.Context, description string, due time.Time) (*Deadline, bool, error) {
	near, err := e.store.DueBetween(ctx, due.Add(-DuplicateWindow), due.Add(DuplicateWindow))
	if err != nil {
		return nil, false, fmt.Errorf("find duplicate deadline: %w", err)
	}
	words := wordSet(description)
	for _, d := range near {
		other := wordSet(d.Description)
		shorter := min(len(words), len(other))
		need := max(minDuplicateOverlap, int(math.Ceil(DuplicateOverlapRatio*float64(shorter))))
		if overlap(words, other) >= need {
			return d, true, nil
		}
	}
	return nil, false, nil
}

func wordSet(s string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, w := range strings.Fields(strings.ToLower(s)) {
		w = strings.TrimFunc(w, func(r rune) bool { return !unicode.IsLetter(r) && !unicode.IsDigit(r) })
		if w != "" {
			out[w] = struct{}{}
		}
	}
	return out
}

func overlap(a, b map[string]struct{}) int {
	n := 0
	for w := range a {
		if _, ok := b[w]; ok {
			n++
		}
	}
	return n
}

// StageFor maps hours until due to an escalation stage. More than 48 hours
// overdue returns StageNone and reminders stop.
func StageFor(hoursRemaining float64) Stage {
	switch {
	case hoursRemaining < -48:
		return StageNone
	case hoursRemaining < 0:
		return StageOverdue
	case hoursRemaining <= 24:
		return StageDayOf
	case hoursRemaining <= 48:
		return Stage48h
	case hoursRemaining <= 168:
		return Stage2d
	case hoursRemaining <= 720:
		return Stage7d
	default:
		return Stage30d
	}
}

// CadenceCheck advances every active deadline to its current stage and fires
// a reminder when the stage moved forward. The same pass expires stale
// deadlines and dismisses unconfirmed soft ones. Failures are logged and
// counted, never returned.
func (e *Engine) CadenceCheck(ctx context.Context) Report {
	var rep Report
	now := e.clock.Now().UTC()

	active, err := e.store.List(ctx, cadenceLimit, StatusActive)
	if err != nil {
		e.logger.Warn(ctx, "cadence check could not list deadlines", "error", err)
		rep.Errors++
	}
	for _, d := range active {
		stage := StageFor(d.DueDate.Sub(now).Hours())
		if stage == StageNone || stage.Rank() <= d.ReminderStage.Rank() {
			continue
		}

		// claim the stage before reminding; a row changed meanwhile is left alone
		advanced, err := e.store.AdvanceStage(ctx, d.ID, d.ReminderStage, stage, now)
		if err != nil {
			e.logger.Warn(ctx, "failed to record reminder stage", "deadline_id", d.ID, "stage", stage, "error", err)
			rep.Errors++
			continue
		}
		if !advanced {
			e.logger.Info(ctx, "deadline changed during cadence check, reminder skipped", "deadline_id", d.ID, "stage", stage)
			continue
		}

		e.remind(ctx, d, stage, now)
		if stage.Alerting() {
			rep.Alerts++
		} else {
			rep.Informational++
		}
	}

	if n, err := e.store.ExpireDueBefore(ctx, now.Add(-ExpireAfter), reasonExpired, now); err != nil {
		e.logger.Warn(ctx, "expiry check failed", "error", err)
		rep.Errors++
	} else {
		rep.Expired = n
	}
	if n, err := e.store.DismissPendingBefore(ctx, now.Add(-ConfirmWindow), reasonAutoDismissed, now); err != nil {
		e.logger.Warn(ctx, "auto-dismiss check failed", "error", err)
		rep.Errors++
	} else {
		rep.AutoDismissed = n
	}

	if e.hooks.OnLifecycle != nil {
		e.hooks.OnLifecycle("expired", rep.Expired)
		e.hooks.OnLifecycle("auto_dismissed", rep.AutoDismissed)
	}
	if rep.Alerts+rep.Informational+rep.Expired+rep.AutoDismissed > 0 {
		e.logger.Info(ctx, "cadence check complete",
			"alerts", rep.Alerts,
			"informational", rep.Informational,
			"expired", rep.Expired,
			"auto_dismissed", rep.AutoDismissed,
		)
	}
	return rep
}

func (e *Engine) remind(ctx context.Context, d *Deadline, stage Stage, now time.Time) {
	if e.hooks.OnReminder != nil {
		e.hooks.OnReminder(stage)
	}
	if !stage.Alerting() {
		e.logger.Info(ctx, "deadline reminder held for briefing", "deadline_id", d.ID, "stage", stage)
		return
	}

	var title string
	switch stage {
	case StageOverdue:
		title = "OVERDUE: " + d.Description
	case StageDayOf:
		title = "DUE TODAY: " + d.Description
	default:
		title = "Due in 48h: " + d.Description
	}
	critical := d.Priority == PriorityCritical && (stage == Stage48h || stage == StageDayOf)

	if e.alerts == nil {
		e.logger.Warn(ctx, "deadline alert dropped, no alert sink", "deadline_id", d.ID, "title", title)
		return
	}
	e.alerts.Add(ctx, alerting.Entry{
		Title:      title,
		SourceType: SourceType,
		SourceID:   "deadline:" + d.ID,
		Tier:       1,
		Content:    fmt.Sprintf("%s (due %s, %s)", d.Description, d.DueDate.Format("January 2"), d.Priority.Label()),
		At:         now,
	}, critical)
	e.logger.Info(ctx, "deadline alert raised", "deadline_id", d.ID, "stage", stage, "critical", critical)
}

// Upcoming returns active deadlines currently in an informational stage,
// soonest first, for inclusion in briefings.
func (e *Engine) Upcoming(ctx context.Context) ([]*Deadline, error) {
	active, err := e.store.List(ctx, cadenceLimit, StatusActive)
	if err != nil {
		return nil, fmt.Errorf("list upcoming deadlines: %w", err)
	}
	now := e.clock.Now()
	out := make([]*Deadline, 0, len(active))
	for _, d := range active {
		if StageFor(d.DueDate.Sub(now).Hours()).Informational() {
			out = append(out, d)
		}
	}
	return out, nil
}

// List returns deadlines in any of statuses, or every open deadline when
// none are given.
func (e *Engine) List(ctx context.Context, statuses ...Status) ([]*Deadline, error) {
	if len(statuses) == 0 {
		statuses = []Status{StatusActive, StatusPendingConfirm}
	}
	return e.store.List(ctx, 0, statuses...)
}

// Find returns the open deadline best matching text: the first whose
// description contains it, else the one sharing the most words with it.
func (e *Engine) Find(ctx context.Context, text string) (*Deadline, error) {
	open, err := e.store.List(ctx, searchLimit, StatusActive, StatusPendingConfirm)
	if err != nil {
		return nil, fmt.Errorf("search deadlines: %w", err)
	}
	needle := strings.ToLower(strings.TrimSpace(text))
	if needle == "" {
		return nil, ErrNotFound
	}
	words := wordSet(needle)

	var best *Deadline
	bestScore := 0
	for _, d := range open {
		desc := strings.ToLower(d.Description)
		if strings.Contains(desc, needle) {
			return d, nil
		}
		if n := overlap(words, wordSet(desc)); n > bestScore {
			best, bestScore = d, n
		}
	}
	if bestScore < 1 {
		return nil, ErrNotFound
	}
	return best, nil
}

// Dismiss marks the deadline matching text as dismissed.
func (e *Engine) Dismiss(ctx context.Context, text string) (*Deadline, error) {
	return e.close(ctx, text, StatusDismissed, reasonDismissed)
}

// Complete marks the deadline matching text as completed.
func (e *Engine) Complete(ctx context.Context, text string) (*Deadline, error) {
	return e.close(ctx, text, StatusCompleted, reasonCompleted)
}

func (e *Engine) close(ctx context.Context, text string, status Status, reason string) (*Deadline, error) {
	d, err := e.Find(ctx, text)
	if err != nil {
		return nil, err
	}
	d.Status = status
	d.DismissedReason = reason
	d.UpdatedAt = e.clock.Now().UTC()
	if err := e.store.Update(ctx, d); err != nil {
		return nil, fmt.Errorf("update deadline %s: %w", d.ID, err)
	}
	e.logger.Info(ctx, "deadline closed", "deadline_id", d.ID, "status", status)
	if e.hooks.OnLifecycle != nil {
		e.hooks.OnLifecycle(string(status), 1)
	}
	return d, nil
}

// Confirm makes the deadline matching text active with hard confidence. A
// non-empty date (YYYY-MM-DD) replaces the due date and restarts the
// reminder cadence.
func (e *Engine) Confirm(ctx context.Context, text, date string) (*Deadline, error) {
	var due time.Time
	if date = strings.TrimSpace(date); date != "" {
		t, err := time.Parse(time.DateOnly, date)
		if err != nil {
			return nil, fmt.Errorf("%w: %q", ErrInvalidDate, date)
		}
		due = t.UTC()
	}

	d, err := e.Find(ctx, text)
	if err != nil {
		return nil, err
	}
	d.Status = StatusActive
	d.Confidence = ConfidenceHard
	if !due.IsZero() && !due.Equal(d.DueDate) {
		d.DueDate = due
		d.ReminderStage = StageNone
		d.LastRemindedAt = time.Time{}
	}
	d.UpdatedAt = e.clock.Now().UTC()
	if err := e.store.Update(ctx, d); err != nil {
		return nil, fmt.Errorf("update deadline %s: %w", d.ID, err)
	}
	e.logger.Info(ctx, "deadline confirmed", "deadline_id", d.ID, "due", d.DueDate.Format(time.DateOnly))
	if e.hooks.OnLifecycle != nil {
		e.hooks.OnLifecycle("confirmed", 1)
	}
	return d, nil
}

// VIPs returns every VIP contact.
func (e *Engine) VIPs(ctx context.Context) ([]VIP, error) {
	return e.store.VIPs(ctx)
}

// AddVIP stores a new VIP contact. Name is required.
func (e *Engine) AddVIP(ctx context.Context, v VIP) (*VIP, error) {
	v.Name = strings.TrimSpace(v.Name)
	if v.Name == "" {
		return nil, errors.New("vip name is required")
	}
	if v.ID == "" {
		v.ID = ulid.Make().String()
	}
	if err := e.store.AddVIP(ctx, &v); err != nil {
		return nil, fmt.Errorf("add vip: %w", err)
	}
	e.logger.Info(ctx, "vip added", "vip_id", v.ID, "name", v.Name)
	return &v, nil
}

// RemoveVIP deletes VIPs whose name contains name. It reports whether any
// were removed.
func (e *Engine) RemoveVIP(ctx context.Context, name string) (bool, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return false, nil
	}
	ok, err := e.store.RemoveVIP(ctx, name)
	if err != nil {
		return false, fmt.Errorf("remove vip: %w", err)
	}
	if ok {
		e.logger.Info(ctx, "vip removed", "name", name)
	}
	return ok, nil
}

// SeedVIPs adds each of vips whose name is not already present.
func (e *Engine) SeedVIPs(ctx context.Context, vips []VIP) error {
	existing, err := e.store.VIPs(ctx)
	if err != nil {
		return fmt.Errorf("seed vips: %w", err)
	}
	have := make(map[string]bool, len(existing))
	for _, v := range existing {
		have[strings.ToLower(v.Name)] = true
	}
	for _, v := range vips {
		if have[strings.ToLower(strings.TrimSpace(v.Name))] {
			continue
		}
		if _, err := e.AddVIP(ctx, v); err != nil {
			return err
		}
	}
	return nil
}

// clip returns at most n bytes of s without splitting a rune.
func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
