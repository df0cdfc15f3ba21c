package qdrant

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/linnemanlabs/sentinel/internal/retrieve"
	"github.com/linnemanlabs/sentinel/internal/retry"
)

func fastPolicy() retry.Policy {
	return retry.Policy{MaxAttempts: 3, InitialDelay: time.Millisecond, Multiplier: 2, MaxDelay: 5 * time.Millisecond}
}

func TestQuery(t *testing.T) {
	t.Parallel()

	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/collections/sentinel-email/points/query" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if r.Header.Get("api-key") != "secret" {
			t.Errorf("api-key = %q", r.Header.Get("api-key"))
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = w.Write([]byte(`{"result":{"points":[
			{"id":"a1","score":0.82,"payload":{"text":"hello","subject":"Hi"}},
			{"id":7,"score":0.41,"payload":{"content":"bye"}}
		]},"status":"ok"}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "secret")
	hits, err := c.Query(context.Background(), retrieve.Query{
		Collection: "sentinel-email",
		Vector:     []float32{0.1, 0.2},
		Limit:      10,
		Threshold:  0.3,
		Filter:     map[string]any{"project": "atlas"},
	})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("len = %d, want 2", len(hits))
	}
	if hits[0].ID != "a1" || hits[0].Score != 0.82 {
		t.Errorf("hits[0] = %+v", hits[0])
	}
	if hits[1].ID != "7" {
		t.Errorf("hits[1].ID = %q, want %q", hits[1].ID, "7")
	}
	if got["score_threshold"] != 0.3 {
		t.Errorf("score_threshold = %v, want 0.3", got["score_threshold"])
	}
	filter, _ := got["filter"].(map[string]any)
	must, _ := filter["must"].([]any)
	if len(must) != 1 {
		t.Fatalf("filter.must = %v, want one condition", filter["must"])
	}
}

func TestUpsert(t *testing.T) {
	t.Parallel()

	var body upsertRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			t.Errorf("method = %s, want PUT", r.Method)
		}
		if r.URL.Query().Get("wait") != "true" {
			t.Errorf("wait = %q", r.URL.Query().Get("wait"))
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		_, _ = w.Write([]byte(`{"result":{"status":"completed"},"status":"ok"}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "")
	if err := c.Upsert(context.Background(), "interactions", "trigger-1", []float32{1}, map[string]any{"text": "t"}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if len(body.Points) != 1 || body.Points[0].ID != PointID("trigger-1") {
		t.Errorf("points = %+v", body.Points)
	}
}

func TestPointID_Stable(t *testing.T) {
	t.Parallel()

	if PointID("x") != PointID("x") {
		t.Error("PointID not stable")
	}
	if PointID("x") == PointID("y") {
		t.Error("PointID collision")
	}
}

func TestErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		status    int
		transient bool
	}{
		{"not found", http.StatusNotFound, false},
		{"unavailable", http.StatusServiceUnavailable, true},
		{"rate limited", http.StatusTooManyRequests, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			_, err := New(srv.URL, "", WithRetryPolicy(fastPolicy())).Query(context.Background(), retrieve.Query{Collection: "c", Limit: 1})
			if err == nil {
				t.Fatal("expected error")
			}
			if retry.IsTransient(err) != tt.transient {
				t.Errorf("IsTransient = %v, want %v", retry.IsTransient(err), tt.transient)
			}
		})
	}
}

func TestRetry(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		status    int
		wantCalls int32
		wantErr   bool
	}{
		{"unavailable then ok", http.StatusServiceUnavailable, 2, false},
		{"rate limited then ok", http.StatusTooManyRequests, 2, false},
		{"bad request not retried", http.StatusBadRequest, 1, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var calls atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				if calls.Add(1) == 1 {
					w.WriteHeader(tt.status)
					return
				}
				_, _ = w.Write([]byte(`{"result":{"points":[{"id":"p1","score":0.9,"payload":{"text":"ok"}}]}}`))
			}))
			defer srv.Close()

			c := New(srv.URL, "", WithRetryPolicy(fastPolicy()))
			hits, err := c.Query(context.Background(), retrieve.Query{Collection: "c", Limit: 1})
			if got := calls.Load(); got != tt.wantCalls {
				t.Errorf("calls = %d, want %d", got, tt.wantCalls)
			}
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && (len(hits) != 1 || hits[0].ID != "p1") {
				t.Errorf("hits = %+v, want [p1]", hits)
			}
		})
	}
}

func TestUpsert_RetriesTransient(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"result":{"status":"completed"},"status":"ok"}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "", WithRetryPolicy(fastPolicy()))
	if err := c.Upsert(context.Background(), "interactions", "email:1", []float32{0.1}, nil); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("calls = %d, want 3", got)
	}
}
