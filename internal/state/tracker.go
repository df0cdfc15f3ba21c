package state

import (
	"context"
	"sync"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/sentinel/internal/clock"
	"github.com/linnemanlabs/sentinel/internal/event"
)

// DefaultLookback is returned by GetWatermark for sources never polled.
const DefaultLookback = 24 * time.Hour

// Tracker is the service boundary over a Backend.
type Tracker struct {
	backend Backend
	clock   clock.Clock
	logger  log.Logger

	mu      sync.Mutex
	pending []BriefingItem // held while the backend rejects Enqueue
}

// NewTracker creates a Tracker. A nil clock uses real time; a nil logger discards.
func NewTracker(backend Backend, clk clock.Clock, logger log.Logger) *Tracker {
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &Tracker{backend: backend, clock: clk, logger: logger}
}

// GetWatermark returns the last-seen timestamp for source, or now-24h when
// none is stored or the backend is unavailable.
func (t *Tracker) GetWatermark(ctx context.Context, source string) time.Time {
	ts, ok, err := t.backend.Watermark(ctx, source)
	if err != nil {
		t.logger.Warn(ctx, "watermark read failed, using default lookback", "source", source, "error", err)
		return t.clock.Now().Add(-DefaultLookback)
	}
	if !ok {
		return t.clock.Now().Add(-DefaultLookback)
	}
	return ts
}

// SetWatermark records ts for source. Timestamps older than the stored
// watermark are ignored so the watermark never moves backwards.
func (t *Tracker) SetWatermark(ctx context.Context, source string, ts time.Time) {
	cur, ok, err := t.backend.Watermark(ctx, source)
	if err == nil && ok && ts.Before(cur) {
		t.logger.Warn(ctx, "ignoring watermark regression",
			"source", source, "current", cur, "proposed", ts)
		return
	}
	if err := t.backend.PutWatermark(ctx, source, ts.UTC()); err != nil {
		t.logger.Warn(ctx, "watermark write failed", "source", source, "error", err)
	}
}

// CompletePoll stamps source with the current time at the end of a
// successful poll cycle.
//
// Items whose source timestamp is older than this stamp but which had not
// yet become visible when the poll ran will be missed by the next cycle.
// Sources that can report the newest timestamp they actually saw should call
// SetWatermark with that value instead.
func (t *Tracker) CompletePoll(ctx context.Context, source string) {
	t.SetWatermark(ctx, source, t.clock.Now())
}

// GetCursor returns the opaque pagination token for source.
func (t *Tracker) GetCursor(ctx context.Context, source string) (string, bool) {
	c, ok, err := t.backend.Cursor(ctx, source)
	if err != nil {
		t.logger.Warn(ctx, "cursor read failed", "source", source, "error", err)
		return "", false
	}
	return c, ok
}

// SetCursor stores the pagination token for source.
func (t *Tracker) SetCursor(ctx context.Context, source, cursor string) {
	if err := t.backend.PutCursor(ctx, source, cursor); err != nil {
		t.logger.Warn(ctx, "cursor write failed", "source", source, "error", err)
	}
}

// IsProcessed reports whether sourceID is in the ledger. Backend failures
// report false.
func (t *Tracker) IsProcessed(ctx context.Context, sourceID string) bool {
	ok, err := t.backend.Processed(ctx, sourceID)
	if err != nil {
		t.logger.Warn(ctx, "processed check failed, treating as new", "source_id", sourceID, "error", err)
		return false
	}
	return ok
}

// MarkProcessed appends sourceID to the ledger.
func (t *Tracker) MarkProcessed(ctx context.Context, sourceID, source string) {
	if err := t.backend.MarkProcessed(ctx, sourceID, source, t.clock.Now()); err != nil {
		t.logger.Warn(ctx, "mark processed failed", "source_id", sourceID, "error", err)
	}
}

// Enqueue queues a low-priority event for the next briefing.
func (t *Tracker) Enqueue(ctx context.Context, ev event.Event) {
	item := BriefingItem{Event: ev, QueuedAt: t.clock.Now()}
	if err := t.backend.Enqueue(ctx, item); err != nil {
		t.logger.Warn(ctx, "briefing enqueue failed, holding in memory", "source_id", ev.SourceID, "error", err)
		t.mu.Lock()
		t.pending = append(t.pending, item)
		t.mu.Unlock()
	}
}

// DrainBriefing returns and clears every queued item, including any held
// in memory after backend failures.
func (t *Tracker) DrainBriefing(ctx context.Context) []BriefingItem {
	items, err := t.backend.DrainBriefing(ctx)
	if err != nil {
		t.logger.Warn(ctx, "briefing drain failed", "error", err)
	}

	t.mu.Lock()
	held := t.pending
	t.pending = nil
	t.mu.Unlock()

	return append(items, held...)
}
