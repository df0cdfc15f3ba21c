// Package alerting batches non-critical alerts into periodic digests and
// sends critical ones immediately, subject to a per-dependency hourly cap.
package alerting

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/sentinel/internal/clock"
	"github.com/linnemanlabs/sentinel/internal/notify"
)

const (
	maxCriticalContent = 500
	separator          = "━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━"
)

// Entry is one alert awaiting delivery.
type Entry struct {
	Title      string    `json:"title"`
	SourceType string    `json:"source_type"`
	SourceID   string    `json:"source_id,omitempty"`
	Tier       int       `json:"tier"`
	Contact    string    `json:"contact,omitempty"`
	Content    string    `json:"content,omitempty"`
	At         time.Time `json:"at"`
}

type overflowEntry struct {
	Entry
	readyAt time.Time
}

// Hooks are optional callbacks for instrumentation.
type Hooks struct {
	OnBuffered   func(tier int)
	OnDelivery   func(kind string, ok bool, items int)
	OnSuppressed func(reason string)
}

// Engine owns the digest and overflow buffers.
type Engine struct {
	deliverer notify.Deliverer
	limiter   *RateLimiter
	clock     clock.Clock
	logger    log.Logger
	hooks     Hooks
	channel   string
	recipient string

	mu       sync.Mutex
	buffer   []Entry
	overflow []overflowEntry
}

// Option configures an Engine.
type Option func(*Engine)

// WithRateLimiter sets the direct-delivery limiter.
func WithRateLimiter(l *RateLimiter) Option { return func(e *Engine) { e.limiter = l } }

// WithClock sets the time source.
func WithClock(c clock.Clock) Option { return func(e *Engine) { e.clock = c } }

// WithLogger sets the logger.
func WithLogger(l log.Logger) Option { return func(e *Engine) { e.logger = l } }

// WithHooks sets instrumentation callbacks.
func WithHooks(h Hooks) Option { return func(e *Engine) { e.hooks = h } }

// WithRecipient sets the channel and recipient on every outbound message.
func WithRecipient(channel, recipient string) Option {
	return func(e *Engine) { e.channel, e.recipient = channel, recipient }
}

// New creates an Engine delivering through d.
func New(d notify.Deliverer, opts ...Option) *Engine {
	e := &Engine{
		deliverer: d,
		limiter:   NewRateLimiter(0, time.Hour),
		clock:     clock.Real(),
		logger:    log.Nop(),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Add buffers entry for the next digest, or delivers it now when critical.
// A critical entry that cannot be sent is never dropped. Over the hourly cap,
// or after a failed send it waits in the overflow buffer and goes out with the
// next FlushOverflow. Critical entries never enter the digest buffer.
// Add returns false only for a suppressed duplicate.
func (e *Engine) Add(ctx context.Context, entry Entry, critical bool) bool {
	now := e.clock.Now()
	if entry.At.IsZero() {
		entry.At = now
	}
	if entry.Tier < 1 || entry.Tier > 3 {
		entry.Tier = 3
	}

	if !critical {
		e.mu.Lock()
		e.buffer = append(e.buffer, entry)
		n := len(e.buffer)
		e.mu.Unlock()
		e.logger.Info(ctx, "alert buffered for digest", "title", entry.Title, "buffered", n)
		if e.hooks.OnBuffered != nil {
			e.hooks.OnBuffered(entry.Tier)
		}
		return true
	}

	decision, readyAt := e.limiter.Reserve(entry.SourceType, entry.SourceID, now)
	switch decision {
	case Duplicate:
		e.logger.Info(ctx, "duplicate critical alert suppressed", "source_id", entry.SourceID, "source_type", entry.SourceType)
		e.suppressed("duplicate")
		return false
	case Overflow:
		e.mu.Lock()
		e.overflow = append(e.overflow, overflowEntry{Entry: entry, readyAt: readyAt})
		e.mu.Unlock()
		e.logger.Warn(ctx, "critical alert over hourly cap, deferred to overflow digest",
			"source_type", entry.SourceType, "title", entry.Title, "ready_at", readyAt)
		e.suppressed("overflow")
		return true
	}

	e.logger.Warn(ctx, "critical alert bypassing digest", "title", entry.Title)
	id, ok := e.deliverer.Deliver(ctx, e.message(criticalSubject(entry), criticalBody(entry), true))
	e.delivered("critical", ok, 1)
	if ok {
		e.logger.Info(ctx, "critical alert sent", "title", entry.Title, "id", id)
		return true
	}

	e.limiter.Release(entry.SourceType, entry.SourceID)
	e.mu.Lock()
	e.overflow = append(e.overflow, overflowEntry{Entry: entry, readyAt: now})
	e.mu.Unlock()
	e.logger.Warn(ctx, "critical alert delivery failed, deferred to overflow digest", "title", entry.Title)
	return true
}

// Flush sends every buffered entry as one digest. An empty buffer sends
// nothing. On delivery failure the entries are put back ahead of anything
// added meanwhile.
func (e *Engine) Flush(ctx context.Context) bool {
	e.mu.Lock()
	if len(e.buffer) == 0 {
		e.mu.Unlock()
		return false
	}
	items := e.buffer
	e.buffer = nil
	e.mu.Unlock()

	e.logger.Info(ctx, "flushing digest", "items", len(items))
	subject := fmt.Sprintf("Alert Digest — %d items", len(items))
	_, ok := e.deliverer.Deliver(ctx, e.message(subject, composeDigest(subject, items), false))
	e.delivered("digest", ok, len(items))
	if ok {
		return true
	}

	e.mu.Lock()
	e.buffer = append(items, e.buffer...)
	e.mu.Unlock()
	e.logger.Warn(ctx, "digest delivery failed, alerts re-buffered", "items", len(items))
	return false
}

// FlushOverflow sends the overflow entries whose rate window has rolled
// over as one digest.
func (e *Engine) FlushOverflow(ctx context.Context) bool {
	now := e.clock.Now()

	e.mu.Lock()
	var ready []Entry
	kept := e.overflow[:0:0]
	for _, o := range e.overflow {
		if !o.readyAt.After(now) {
			ready = append(ready, o.Entry)
		} else {
			kept = append(kept, o)
		}
	}
	if len(ready) == 0 {
		e.mu.Unlock()
		return false
	}
	snapshot := e.overflow
	e.overflow = kept
	e.mu.Unlock()

	subject := fmt.Sprintf("Deferred Critical Alerts — %d items", len(ready))
	_, ok := e.deliverer.Deliver(ctx, e.message(subject, composeDigest(subject, ready), true))
	e.delivered("overflow", ok, len(ready))
	if ok {
		return true
	}

	// put the whole original list back; anything added since goes after it
	e.mu.Lock()
	added := e.overflow[len(kept):]
	e.overflow = append(slices.Clone(snapshot), added...)
	e.mu.Unlock()
	e.logger.Warn(ctx, "overflow digest delivery failed, re-buffered", "items", len(ready))
	return false
}

// Len returns the number of buffered digest entries.
func (e *Engine) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.buffer)
}

// OverflowLen returns the number of deferred critical entries.
func (e *Engine) OverflowLen() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.overflow)
}

// Snapshot returns a copy of the digest buffer.
func (e *Engine) Snapshot() []Entry {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.buffer)
}

func (e *Engine) message(subject, body string, critical bool) notify.Message {
	return notify.Message{
		Channel:   e.channel,
		Recipient: e.recipient,
		Subject:   subject,
		Body:      body,
		Critical:  critical,
	}
}

func (e *Engine) delivered(kind string, ok bool, items int) {
	if e.hooks.OnDelivery != nil {
		e.hooks.OnDelivery(kind, ok, items)
	}
}

func (e *Engine) suppressed(reason string) {
	if e.hooks.OnSuppressed != nil {
		e.hooks.OnSuppressed(reason)
	}
}

func criticalSubject(en Entry) string {
	return "CRITICAL — " + en.Title
}

func criticalBody(en Entry) string {
	content := en.Content
	if len(content) > maxCriticalContent {
		content = content[:maxCriticalContent]
	}
	source := en.SourceType
	if source == "" {
		source = "System"
	}
	var b strings.Builder
	b.WriteString("CRITICAL ALERT — Immediate attention required\n\n")
	fmt.Fprintf(&b, "Source: %s\n", source)
	fmt.Fprintf(&b, "Time: %s\n", en.At.UTC().Format("15:04 UTC"))
	if en.Contact != "" {
		fmt.Fprintf(&b, "Contact: %s\n", en.Contact)
	}
	if content != "" {
		b.WriteString("\n" + content + "\n")
	}
	return b.String()
}

var tierLabels = map[int]string{1: "URGENT", 2: "IMPORTANT", 3: "INFO"}

// composeDigest groups entries by tier, most urgent first, keeping arrival
// order within a tier.
func composeDigest(header string, items []Entry) string {
	lines := []string{header, "", separator}
	for tier := 1; tier <= 3; tier++ {
		var group []Entry
		for _, it := range items {
			if it.Tier == tier {
				group = append(group, it)
			}
		}
		if len(group) == 0 {
			continue
		}
		label := tierLabels[tier]
		lines = append(lines, "", fmt.Sprintf("%s (%d)", label, len(group)))
		for _, it := range group {
			title := it.Title
			if title == "" {
				title = "Untitled"
			}
			source := it.SourceType
			if source == "" {
				source = "Unknown"
			}
			lines = append(lines,
				fmt.Sprintf("[%s] %s", label, title),
				fmt.Sprintf("   Source: %s | %s", source, it.At.UTC().Format("15:04 UTC")),
			)
		}
	}
	lines = append(lines, "", separator)
	return strings.Join(lines, "\n")
}
