package pgstore_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/oklog/ulid/v2"

	"github.com/linnemanlabs/sentinel/internal/event"
	"github.com/linnemanlabs/sentinel/internal/state"
	"github.com/linnemanlabs/sentinel/internal/state/pgstore"
)

func openStore(t *testing.T) *pgstore.Store {
	t.Helper()
	dsn := os.Getenv("SENTINEL_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("SENTINEL_TEST_DATABASE_URL not set, skipping integration test")
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("pgxpool.New: %v", err)
	}
	t.Cleanup(pool.Close)
	s, err := pgstore.New(ctx, pool)
	if err != nil {
		t.Fatalf("pgstore.New: %v", err)
	}
	return s
}

func TestWatermark_GreatestWins(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	source := "test-wm-" + ulid.Make().String()

	t1 := time.Now().UTC().Truncate(time.Microsecond)
	if err := s.PutWatermark(ctx, source, t1); err != nil {
		t.Fatalf("PutWatermark: %v", err)
	}
	if err := s.PutWatermark(ctx, source, t1.Add(-time.Hour)); err != nil {
		t.Fatalf("PutWatermark: %v", err)
	}

	got, ok, err := s.Watermark(ctx, source)
	if err != nil || !ok {
		t.Fatalf("Watermark: ok=%v err=%v", ok, err)
	}
	if !got.Equal(t1) {
		t.Errorf("Watermark = %v, want %v", got, t1)
	}
}

func TestCursor_IndependentOfWatermark(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	source := "test-cursor-" + ulid.Make().String()

	if err := s.PutCursor(ctx, source, "page-2"); err != nil {
		t.Fatalf("PutCursor: %v", err)
	}
	if _, ok, err := s.Watermark(ctx, source); err != nil || ok {
		t.Errorf("Watermark after cursor-only write: ok=%v err=%v, want ok=false", ok, err)
	}
	got, ok, err := s.Cursor(ctx, source)
	if err != nil || !ok {
		t.Fatalf("Cursor: ok=%v err=%v", ok, err)
	}
	if got != "page-2" {
		t.Errorf("Cursor = %q, want %q", got, "page-2")
	}
}

func TestProcessed_Ledger(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	id := "test-proc-" + ulid.Make().String()

	if ok, err := s.Processed(ctx, id); err != nil || ok {
		t.Fatalf("Processed before mark: ok=%v err=%v", ok, err)
	}
	if err := s.MarkProcessed(ctx, id, "gmail", time.Now()); err != nil {
		t.Fatalf("MarkProcessed: %v", err)
	}
	if err := s.MarkProcessed(ctx, id, "gmail", time.Now()); err != nil {
		t.Fatalf("MarkProcessed (repeat): %v", err)
	}
	if ok, err := s.Processed(ctx, id); err != nil || !ok {
		t.Fatalf("Processed after mark: ok=%v err=%v", ok, err)
	}
}

func TestBriefing_EnqueueDrain(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	// drain anything left from earlier runs
	if _, err := s.DrainBriefing(ctx); err != nil {
		t.Fatalf("DrainBriefing: %v", err)
	}

	for _, id := range []string{"rss:a", "rss:b"} {
		ev, err := event.New(event.TypeRSS, "headline "+id, id)
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
	if len(items) != 2 {
		t.Fatalf("len = %d, want 2", len(items))
	}
	if items[0].Event.SourceID != "rss:a" || items[1].Event.SourceID != "rss:b" {
		t.Errorf("order = [%s %s], want [rss:a rss:b]", items[0].Event.SourceID, items[1].Event.SourceID)
	}
}
