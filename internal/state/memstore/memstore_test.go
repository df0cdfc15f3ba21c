package memstore

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/linnemanlabs/sentinel/internal/event"
	"github.com/linnemanlabs/sentinel/internal/state"
)

func TestStore_WatermarkForwardOnly(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	t1 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	t0 := t1.Add(-time.Hour)

	if err := s.PutWatermark(ctx, "gmail", t1); err != nil {
		t.Fatalf("PutWatermark: %v", err)
	}
	if err := s.PutWatermark(ctx, "gmail", t0); err != nil {
		t.Fatalf("PutWatermark: %v", err)
	}

	got, ok, err := s.Watermark(ctx, "gmail")
	if err != nil || !ok {
		t.Fatalf("Watermark: ok=%v err=%v", ok, err)
	}
	if !got.Equal(t1) {
		t.Errorf("Watermark = %v, want %v", got, t1)
	}
}

func TestStore_CursorMissing(t *testing.T) {
	t.Parallel()

	s := New()
	_, ok, err := s.Cursor(context.Background(), "slack")
	if err != nil {
		t.Fatalf("Cursor: %v", err)
	}
	if ok {
		t.Fatal("expected ok=false for missing cursor")
	}
}

func TestStore_ProcessedLedger(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()

	ok, _ := s.Processed(ctx, "gmail:42")
	if ok {
		t.Fatal("expected not processed before mark")
	}
	if err := s.MarkProcessed(ctx, "gmail:42", "gmail", time.Now()); err != nil {
		t.Fatalf("MarkProcessed: %v", err)
	}
	ok, _ = s.Processed(ctx, "gmail:42")
	if !ok {
		t.Fatal("expected processed after mark")
	}
}

func TestStore_DrainBriefing(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	for i := range 3 {
		ev, err := event.New(event.TypeRSS, fmt.Sprintf("item %d", i), fmt.Sprintf("rss:%d", i))
		if err != nil {
			t.Fatalf("event.New: %v", err)
		}
		if err := s.Enqueue(ctx, state.BriefingItem{Event: ev, QueuedAt: time.Now()}); err != nil {
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
	if items[0].Event.SourceID != "rss:0" || items[2].Event.SourceID != "rss:2" {
		t.Errorf("order = %q..%q, want rss:0..rss:2", items[0].Event.SourceID, items[2].Event.SourceID)
	}

	again, _ := s.DrainBriefing(ctx)
	if len(again) != 0 {
		t.Errorf("second drain len = %d, want 0", len(again))
	}
}

func TestStore_ConcurrentMarks(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("id-%d", i%10)
			_ = s.MarkProcessed(ctx, id, "src", time.Now())
			_, _ = s.Processed(ctx, id)
		}(i)
	}
	wg.Wait()

	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.processed) != 10 {
		t.Errorf("ledger size = %d, want 10", len(s.processed))
	}
}
