package state

import (
	"context"
	"time"

	"github.com/linnemanlabs/sentinel/internal/event"
)

// BriefingItem is a low-priority event waiting for the periodic summary.
type BriefingItem struct {
	Event    event.Event `json:"event"`
	QueuedAt time.Time   `json:"queued_at"`
}

// Backend is the persistence interface for polling state. Implementations
// must keep watermarks forward-only: PutWatermark with a timestamp older
// than the stored one is a no-op.
type Backend interface {
	Watermark(ctx context.Context, source string) (time.Time, bool, error)
	PutWatermark(ctx context.Context, source string, ts time.Time) error
	Cursor(ctx context.Context, source string) (string, bool, error)
	PutCursor(ctx context.Context, source, cursor string) error
	Processed(ctx context.Context, sourceID string) (bool, error)
	MarkProcessed(ctx context.Context, sourceID, source string, at time.Time) error
	Enqueue(ctx context.Context, item BriefingItem) error
	DrainBriefing(ctx context.Context) ([]BriefingItem, error)
}
