package memstore_test

import (
	"context"
	"testing"
	"time"

	"github.com/linnemanlabs/sentinel/internal/pipeline"
	"github.com/linnemanlabs/sentinel/internal/pipeline/memstore"
)

var epoch = time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

func TestUpsertContact_Merges(t *testing.T) {
	t.Parallel()

	s := memstore.New()
	ctx := context.Background()

	_ = s.UpsertContact(ctx, pipeline.ContactUpdate{Name: "Dana Ruiz", Role: "VP Finance", Notes: "prefers email"}, epoch)
	_ = s.UpsertContact(ctx, pipeline.ContactUpdate{Name: "dana ruiz", Role: "CFO", Company: "Acme"}, epoch.Add(time.Hour))
	_ = s.UpsertContact(ctx, pipeline.ContactUpdate{Name: "DANA RUIZ", Notes: "prefers email"}, epoch.Add(2*time.Hour))
	_ = s.UpsertContact(ctx, pipeline.ContactUpdate{Name: "Dana Ruiz", Notes: "based in Austin"}, epoch.Add(3*time.Hour))

	c, ok, err := s.Contact(ctx, "Dana Ruiz")
	if err != nil || !ok {
		t.Fatalf("Contact = %v, %v", ok, err)
	}
	if c.Name != "Dana Ruiz" {
		t.Errorf("Name = %q, want %q", c.Name, "Dana Ruiz")
	}
	if c.Role != "CFO" || c.Company != "Acme" {
		t.Errorf("Role/Company = %q/%q, want CFO/Acme", c.Role, c.Company)
	}
	if want := "prefers email\nbased in Austin"; c.Notes != want {
		t.Errorf("Notes = %q, want %q", c.Notes, want)
	}
	if !c.UpdatedAt.Equal(epoch.Add(3 * time.Hour)) {
		t.Errorf("UpdatedAt = %v", c.UpdatedAt)
	}
}

func TestContact_Lookup(t *testing.T) {
	t.Parallel()

	s := memstore.New()
	ctx := context.Background()
	_ = s.UpsertContact(ctx, pipeline.ContactUpdate{Name: "Dana Ruiz"}, epoch)
	_ = s.UpsertContact(ctx, pipeline.ContactUpdate{Name: "Sam Okafor"}, epoch)

	tests := []struct {
		query  string
		want   string
		wantOK bool
	}{
		{"dana ruiz", "Dana Ruiz", true},
		{"Sam", "Sam Okafor", true},
		{"dnruiz", "Dana Ruiz", true},
		{"zzz", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		c, ok, err := s.Contact(ctx, tt.query)
		if err != nil {
			t.Fatalf("Contact(%q): %v", tt.query, err)
		}
		if ok != tt.wantOK {
			t.Errorf("Contact(%q) ok = %v, want %v", tt.query, ok, tt.wantOK)
			continue
		}
		if ok && c.Name != tt.want {
			t.Errorf("Contact(%q) = %q, want %q", tt.query, c.Name, tt.want)
		}
	}
}

func TestOpenAlerts_Order(t *testing.T) {
	t.Parallel()

	s := memstore.New()
	ctx := context.Background()
	add := func(id string, tier pipeline.Tier, status pipeline.AlertStatus, at time.Time) {
		_ = s.CreateAlert(ctx, &pipeline.Alert{ID: id, Tier: tier, Title: id, Status: status, CreatedAt: at})
	}
	add("info", pipeline.TierInfo, pipeline.AlertOpen, epoch.Add(3*time.Hour))
	add("urgent-old", pipeline.TierUrgent, pipeline.AlertOpen, epoch)
	add("urgent-new", pipeline.TierUrgent, pipeline.AlertOpen, epoch.Add(time.Hour))
	add("resolved", pipeline.TierUrgent, pipeline.AlertResolved, epoch.Add(4*time.Hour))
	add("important", pipeline.TierImportant, pipeline.AlertOpen, epoch)

	got, err := s.OpenAlerts(ctx, 0)
	if err != nil {
		t.Fatalf("OpenAlerts: %v", err)
	}
	want := []string{"urgent-new", "urgent-old", "important", "info"}
	if len(got) != len(want) {
		t.Fatalf("len = %d, want %d", len(got), len(want))
	}
	for i, a := range got {
		if a.ID != want[i] {
			t.Errorf("[%d] = %q, want %q", i, a.ID, want[i])
		}
	}

	limited, _ := s.OpenAlerts(ctx, 2)
	if len(limited) != 2 {
		t.Errorf("limited len = %d, want 2", len(limited))
	}
}

func TestRecentDecisions_NewestFirst(t *testing.T) {
	t.Parallel()

	s := memstore.New()
	ctx := context.Background()
	for i, d := range []string{"first", "second", "third"} {
		_ = s.LogDecision(ctx, &pipeline.Decision{ID: d, Decision: d, CreatedAt: epoch.Add(time.Duration(i) * time.Minute)})
	}

	got, _ := s.RecentDecisions(ctx, 2)
	if len(got) != 2 || got[0].ID != "third" || got[1].ID != "second" {
		t.Errorf("RecentDecisions = %v", ids(got))
	}
}

func ids(ds []*pipeline.Decision) []string {
	out := make([]string, len(ds))
	for i, d := range ds {
		out[i] = d.ID
	}
	return out
}
