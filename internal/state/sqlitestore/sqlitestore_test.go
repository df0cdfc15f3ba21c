package sqlitestore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/linnemanlabs/sentinel/internal/event"
	"github.com/linnemanlabs/sentinel/internal/state"
)

func openTemp(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestWatermark_ForwardOnly(t *testing.T) {
	t.Parallel()

	s := openTemp(t)
	ctx := context.Background()
	t1 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	if _, ok, err := s.Watermark(ctx, "gmail"); err != nil || ok {
		t.Fatalf("Watermark on empty store: ok=%v err=%v", ok, err)
	}
	if err := s.PutWatermark(ctx, "gmail", t1); err != nil {
		t.Fatalf("PutWatermark: %v", err)
	}
	if err := s.PutWatermark(ctx, "gmail", t1.Add(-2*time.Hour)); err != nil {
		t.Fatalf("PutWatermark: %v", err)
	}
	got, ok, err := s.Watermark(ctx, "gmail")
	if err != nil || !ok {
		t.Fatalf("Watermark: ok=%v err=%v", ok, err)
	}
	if !got.Equal(t1) {
		t.Errorf("Watermark = %v, want %v", got, t1)
	}

	t2 := t1.Add(time.Hour)
	if err := s.PutWatermark(ctx, "gmail", t2); err != nil {
		t.Fatalf("PutWatermark: %v", err)
	}
	got, _, _ = s.Watermark(ctx, "gmail")
	if !got.Equal(t2) {
		t.Errorf("Watermark = %v, want %v", got, t2)
	}
}

func TestCursor_RoundTrip(t *testing.T) {
	t.Parallel()

	s := openTemp(t)
	ctx := context.Background()

	if err := s.PutCursor(ctx, "slack", "c-1"); err != nil {
		t.Fatalf("PutCursor: %v", err)
	}
	if err := s.PutCursor(ctx, "slack", "c-2"); err != nil {
		t.Fatalf("PutCursor: %v", err)
	}
	got, ok, err := s.Cursor(ctx, "slack")
	if err != nil || !ok {
		t.Fatalf("Cursor: ok=%v err=%v", ok, err)
	}
	if got != "c-2" {
		t.Errorf("Cursor = %q, want %q", got, "c-2")
	}
	// cursor-only row has no watermark
	if _, ok, _ := s.Watermark(ctx, "slack"); ok {
		t.Error("Watermark ok=true for cursor-only source")
	}
}

func TestProcessed(t *testing.T) {
	t.Parallel()

	s := openTemp(t)
	ctx := context.Background()

	if ok, _ := s.Processed(ctx, "id-1"); ok {
		t.Fatal("Processed before mark = true")
	}
	for range 2 {
		if err := s.MarkProcessed(ctx, "id-1", "gmail", time.Now()); err != nil {
			t.Fatalf("MarkProcessed: %v", err)
		}
	}
	if ok, _ := s.Processed(ctx, "id-1"); !ok {
		t.Fatal("Processed after mark = false")
	}
}

func TestBriefing_DrainOrderAndClear(t *testing.T) {
	t.Parallel()

	s := openTemp(t)
	ctx := context.Background()

	queued := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	for _, id := range []string{"rss:1", "rss:2", "rss:3"} {
		ev, err := event.New(event.TypeRSS, "text "+id, id, event.WithMetadata(map[string]any{"feed": "f"}))
		if err != nil {
			t.Fatalf("event.New: %v", err)
		}
		if err := s.Enqueue(ctx, state.BriefingItem{Event: ev, QueuedAt: queued}); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	items, err := s.DrainBriefing(ctx)
	if err != nil {
		t.Fatalf("DrainBriefing: %v", err)
	}
	if len(items) != 3 {
		t.Fatalf("len = %d, want 3", len(items))
	}
	for i, want := range []string{"rss:1", "rss:2", "rss:3"} {
		if items[i].Event.SourceID != want {
			t.Errorf("items[%d].SourceID = %q, want %q", i, items[i].Event.SourceID, want)
		}
	}
	if !items[0].QueuedAt.Equal(queued) {
		t.Errorf("QueuedAt = %v, want %v", items[0].QueuedAt, queued)
	}
	if got := items[0].Event.MetaString("feed"); got != "f" {
		t.Errorf("metadata feed = %q, want %q", got, "f")
	}

	again, err := s.DrainBriefing(ctx)
	if err != nil {
		t.Fatalf("DrainBriefing: %v", err)
	}
	if len(again) != 0 {
		t.Errorf("second drain len = %d, want 0", len(again))
	}
}
