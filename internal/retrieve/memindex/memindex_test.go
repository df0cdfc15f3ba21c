package memindex

import (
	"context"
	"testing"

	"github.com/linnemanlabs/sentinel/internal/retrieve"
)

func seed(t *testing.T) *Index {
	t.Helper()
	x := New()
	ctx := context.Background()
	points := []struct {
		id  string
		vec []float32
		pl  map[string]any
	}{
		{"a", []float32{1, 0, 0}, map[string]any{"text": "alpha", "project": "atlas"}},
		{"b", []float32{0.9, 0.1, 0}, map[string]any{"text": "beta", "project": "orion"}},
		{"c", []float32{0, 0, 1}, map[string]any{"text": "gamma", "project": "atlas"}},
	}
	for _, p := range points {
		if err := x.Upsert(ctx, "notes", p.id, p.vec, p.pl); err != nil {
			t.Fatalf("Upsert(%s): %v", p.id, err)
		}
	}
	return x
}

func TestQuery_ThresholdAndOrder(t *testing.T) {
	t.Parallel()

	x := seed(t)
	hits, err := x.Query(context.Background(), retrieve.Query{
		Collection: "notes",
		Vector:     []float32{1, 0, 0},
		Limit:      10,
		Threshold:  0.5,
	})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("len = %d, want 2 (orthogonal point below threshold)", len(hits))
	}
	if hits[0].ID != "a" || hits[1].ID != "b" {
		t.Errorf("order = %s,%s; want a,b", hits[0].ID, hits[1].ID)
	}
	if hits[0].Score < 0.99 {
		t.Errorf("self similarity = %v, want ~1", hits[0].Score)
	}
}

func TestQuery_Filter(t *testing.T) {
	t.Parallel()

	x := seed(t)
	hits, err := x.Query(context.Background(), retrieve.Query{
		Collection: "notes",
		Vector:     []float32{1, 0, 0},
		Limit:      10,
		Filter:     map[string]any{"project": "orion"},
	})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(hits) != 1 || hits[0].ID != "b" {
		t.Fatalf("hits = %+v, want only b", hits)
	}
}

func TestUpsert_Replaces(t *testing.T) {
	t.Parallel()

	x := seed(t)
	if err := x.Upsert(context.Background(), "notes", "a", []float32{0, 1, 0}, map[string]any{"text": "moved"}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if x.Len("notes") != 3 {
		t.Errorf("Len = %d, want 3", x.Len("notes"))
	}
	hits, _ := x.Query(context.Background(), retrieve.Query{Collection: "notes", Vector: []float32{0, 1, 0}, Limit: 1, Threshold: 0.9})
	if len(hits) != 1 || hits[0].Payload["text"] != "moved" {
		t.Errorf("hits = %+v, want replaced point", hits)
	}
}

func TestDimensionMismatch(t *testing.T) {
	t.Parallel()

	x := seed(t)
	if err := x.Upsert(context.Background(), "notes", "d", []float32{1, 2}, nil); err == nil {
		t.Error("Upsert with wrong dimensions should fail")
	}
	if _, err := x.Query(context.Background(), retrieve.Query{Collection: "notes", Vector: []float32{1}}); err == nil {
		t.Error("Query with wrong dimensions should fail")
	}
}

func TestQuery_UnknownCollection(t *testing.T) {
	t.Parallel()

	hits, err := New().Query(context.Background(), retrieve.Query{Collection: "none", Vector: []float32{1}})
	if err != nil || hits != nil {
		t.Errorf("Query = %v, %v; want nil, nil", hits, err)
	}
}
