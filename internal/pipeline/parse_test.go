package pipeline

import (
	"encoding/json"
	"testing"

	"github.com/linnemanlabs/sentinel/internal/event"
)

func TestClassifyTrigger(t *testing.T) {
	t.Parallel()

	tests := []struct {
		typ, content string
		want         event.Priority
	}{
		{event.TypeEmail, "URGENT: wire transfer", event.PriorityHigh},
		{event.TypeMeeting, "please sign the NDA", event.PriorityHigh},
		{event.TypeRSS, "new payment rails announced", event.PriorityHigh},
		{event.TypeEmail, "lunch next week?", event.PriorityMedium},
		{event.TypeWhatsApp, "on my way", event.PriorityMedium},
		{event.TypeMeeting, "weekly sync notes", event.PriorityLow},
		{event.TypeRSS, "quarterly newsletter", event.PriorityLow},
		{"slack", "hello", event.PriorityLow},
	}

	for _, tt := range tests {
		ev := event.Event{Type: tt.typ, Content: tt.content}
		if got := ClassifyTrigger(ev); got != tt.want {
			t.Errorf("ClassifyTrigger(%s, %q) = %q, want %q", tt.typ, tt.content, got, tt.want)
		}
	}
}

func TestNormalizeTier(t *testing.T) {
	t.Parallel()

	tests := []struct {
		raw  string
		want Tier
	}{
		{`1`, TierUrgent},
		{`2`, TierImportant},
		{`3`, TierInfo},
		{`0`, TierInfo},
		{`4`, TierInfo},
		{`1.5`, TierInfo},
		{`"urgent"`, TierUrgent},
		{`"Important"`, TierImportant},
		{`"info"`, TierInfo},
		{`"critical"`, TierInfo},
		{`null`, TierInfo},
		{`[1]`, TierInfo},
	}

	for _, tt := range tests {
		var got Tier
		if err := json.Unmarshal([]byte(tt.raw), &got); err != nil {
			t.Errorf("Unmarshal(%s): %v", tt.raw, err)
			continue
		}
		if got != tt.want {
			t.Errorf("Tier(%s) = %d, want %d", tt.raw, got, tt.want)
		}
	}
}

func TestParseResponse(t *testing.T) {
	t.Parallel()

	t.Run("plain json", func(t *testing.T) {
		t.Parallel()
		r := parseResponse(`{"analysis":"ok","alerts":[{"tier":"urgent","title":"Call back"},{"title":""}],
			"draft_messages":[{"to":"a@b.c","channel":"email","content":"hi"}],
			"contact_updates":[{"name":"Dana","role":"CFO"}],
			"decisions_log":[{"decision":"hold","reasoning":"wait","confidence":"low"}]}`)
		if r.Analysis != "ok" {
			t.Errorf("Analysis = %q, want %q", r.Analysis, "ok")
		}
		if len(r.Alerts) != 2 || r.Alerts[0].Tier != TierUrgent {
			t.Fatalf("Alerts = %+v", r.Alerts)
		}
		if r.Alerts[1].Tier != TierInfo || r.Alerts[1].Title != "Untitled alert" {
			t.Errorf("missing tier/title not defaulted: %+v", r.Alerts[1])
		}
		if len(r.Drafts) != 1 || len(r.ContactUpdates) != 1 || len(r.Decisions) != 1 {
			t.Errorf("drafts/contacts/decisions = %d/%d/%d, want 1/1/1", len(r.Drafts), len(r.ContactUpdates), len(r.Decisions))
		}
	})

	t.Run("fenced json", func(t *testing.T) {
		t.Parallel()
		raw := "Here you go:\n```json\n{\"analysis\":\"fenced\",\"alerts\":[{\"tier\":2,\"title\":\"x\"}]}\n```\nThanks"
		r := parseResponse(raw)
		if r.Analysis != "fenced" {
			t.Errorf("Analysis = %q, want %q", r.Analysis, "fenced")
		}
		if len(r.Alerts) != 1 || r.Alerts[0].Tier != TierImportant {
			t.Errorf("Alerts = %+v", r.Alerts)
		}
		if r.Raw != raw {
			t.Error("Raw not preserved")
		}
	})

	t.Run("prose", func(t *testing.T) {
		t.Parallel()
		raw := "Nothing actionable today."
		r := parseResponse(raw)
		if r.Analysis != raw {
			t.Errorf("Analysis = %q, want raw text", r.Analysis)
		}
		if len(r.Alerts) != 0 {
			t.Errorf("Alerts = %+v, want none", r.Alerts)
		}
	})

	t.Run("broken fence", func(t *testing.T) {
		t.Parallel()
		raw := "```json\n{not json}\n```"
		if r := parseResponse(raw); r.Analysis != raw {
			t.Errorf("Analysis = %q, want raw text", r.Analysis)
		}
	})
}
