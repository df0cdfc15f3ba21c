package pipeline

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/linnemanlabs/sentinel/internal/event"
	"github.com/linnemanlabs/sentinel/internal/retrieve"
)

// Outcome is what Handle did with an event.
type Outcome string

const (
	OutcomeProcessed Outcome = "processed"
	OutcomeDuplicate Outcome = "skipped_duplicate"
	OutcomeQueued    Outcome = "queued"
	OutcomeFailed    Outcome = "failed"
)

// Tier is an alert's urgency: 1 urgent, 2 important, 3 informational.
// It decodes from an integer or from the words urgent/important/info;
// anything else becomes 3.
type Tier int

const (
	TierUrgent    Tier = 1
	TierImportant Tier = 2
	TierInfo      Tier = 3
)

var tierWords = map[string]Tier{
	"urgent":    TierUrgent,
	"important": TierImportant,
	"info":      TierInfo,
}

// NormalizeTier maps a decoded JSON value to a Tier.
func NormalizeTier(v any) Tier {
	switch t := v.(type) {
	case json.Number:
		if n, err := strconv.Atoi(string(t)); err == nil && n >= 1 && n <= 3 {
			return Tier(n)
		}
	case float64:
		if t == float64(int(t)) && t >= 1 && t <= 3 {
			return Tier(int(t))
		}
	case int:
		if t >= 1 && t <= 3 {
			return Tier(t)
		}
	case string:
		if tier, ok := tierWords[strings.ToLower(strings.TrimSpace(t))]; ok {
			return tier
		}
	}
	return TierInfo
}

// UnmarshalJSON implements json.Unmarshaler.
func (t *Tier) UnmarshalJSON(b []byte) error {
	var v any
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		*t = TierInfo
		return nil
	}
	*t = NormalizeTier(v)
	return nil
}

// ParsedAlert is an alert as the model returned it.
type ParsedAlert struct {
	Tier           Tier   `json:"tier"`
	Title          string `json:"title"`
	Body           string `json:"body"`
	ActionRequired bool   `json:"action_required"`
	DealName       string `json:"deal_name,omitempty"`
}

// Draft is an outbound message proposed by the model. Drafts are never sent.
type Draft struct {
	To      string `json:"to"`
	Channel string `json:"channel"`
	Content string `json:"content"`
}

// ContactUpdate carries new facts about a contact, keyed by name.
type ContactUpdate struct {
	Name    string `json:"name"`
	Role    string `json:"role,omitempty"`
	Company string `json:"company,omitempty"`
	Email   string `json:"email,omitempty"`
	Notes   string `json:"notes,omitempty"`
}

// ParsedDecision is a decision the model recorded.
type ParsedDecision struct {
	Decision   string `json:"decision"`
	Reasoning  string `json:"reasoning"`
	Confidence string `json:"confidence"`
}

// Metadata is the accounting attached to every Response.
type Metadata struct {
	TriggerType      string         `json:"trigger_type"`
	Priority         event.Priority `json:"priority"`
	Model            string         `json:"model,omitempty"`
	PromptTokens     int            `json:"prompt_tokens"`
	TokensIn         int            `json:"tokens_in"`
	TokensOut        int            `json:"tokens_out"`
	DurationMS       int64          `json:"duration_ms"`
	ContextsIncluded int            `json:"contexts_included"`
	ContextsTotal    int            `json:"contexts_total"`
}

// Response is the parsed result of one pipeline run.
type Response struct {
	Analysis       string           `json:"analysis"`
	Alerts         []ParsedAlert    `json:"alerts"`
	Drafts         []Draft          `json:"draft_messages"`
	ContactUpdates []ContactUpdate  `json:"contact_updates"`
	Decisions      []ParsedDecision `json:"decisions_log"`
	Raw            string           `json:"raw,omitempty"`
	Metadata       Metadata         `json:"metadata"`
}

// AlertStatus tracks an alert's lifecycle.
type AlertStatus string

const (
	AlertOpen         AlertStatus = "open"
	AlertAcknowledged AlertStatus = "acknowledged"
	AlertResolved     AlertStatus = "resolved"
)

// TriggerLog records one processed trigger.
type TriggerLog struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	SourceID   string         `json:"source_id"`
	Content    string         `json:"content"`
	ContactID  string         `json:"contact_id,omitempty"`
	Priority   event.Priority `json:"priority"`
	TokensIn   int            `json:"tokens_in"`
	TokensOut  int            `json:"tokens_out"`
	DurationMS int64          `json:"duration_ms"`
	CreatedAt  time.Time      `json:"created_at"`
}

// Decision is a persisted decision.
type Decision struct {
	ID          string    `json:"id"`
	Decision    string    `json:"decision"`
	Reasoning   string    `json:"reasoning"`
	Confidence  string    `json:"confidence"`
	TriggerType string    `json:"trigger_type"`
	CreatedAt   time.Time `json:"created_at"`
}

// Record renders d for structured retrieval.
func (d *Decision) Record() retrieve.Record {
	return retrieve.Record{
		"decision":     d.Decision,
		"reasoning":    d.Reasoning,
		"confidence":   d.Confidence,
		"trigger_type": d.TriggerType,
		"created_at":   d.CreatedAt.Format(time.RFC3339),
	}
}

// Alert is a persisted alert.
type Alert struct {
	ID             string      `json:"id"`
	Tier           Tier        `json:"tier"`
	Title          string      `json:"title"`
	Body           string      `json:"body"`
	SourceType     string      `json:"source_type"`
	SourceID       string      `json:"source_id"`
	ActionRequired bool        `json:"action_required"`
	Status         AlertStatus `json:"status"`
	TriggerID      string      `json:"trigger_id,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
}

// Record renders a for structured retrieval.
func (a *Alert) Record() retrieve.Record {
	return retrieve.Record{
		"tier":            int(a.Tier),
		"title":           a.Title,
		"body":            a.Body,
		"source_type":     a.SourceType,
		"action_required": a.ActionRequired,
		"created_at":      a.CreatedAt.Format(time.RFC3339),
	}
}

// Contact is the identity profile used by structured lookups.
type Contact struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Role      string         `json:"role,omitempty"`
	Company   string         `json:"company,omitempty"`
	Email     string         `json:"email,omitempty"`
	Notes     string         `json:"notes,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Record renders c for structured retrieval, leaving out empty fields.
func (c *Contact) Record() retrieve.Record {
	r := retrieve.Record{"name": c.Name}
	for k, v := range map[string]string{"role": c.Role, "company": c.Company, "email": c.Email, "notes": c.Notes} {
		if v != "" {
			r[k] = v
		}
	}
	for k, v := range c.Metadata {
		if _, ok := r[k]; !ok {
			r[k] = v
		}
	}
	return r
}

// Apply merges the non-empty fields of u into c. Notes are appended.
func (c *Contact) Apply(u ContactUpdate) {
	if u.Role != "" {
		c.Role = u.Role
	}
	if u.Company != "" {
		c.Company = u.Company
	}
	if u.Email != "" {
		c.Email = u.Email
	}
	if u.Notes != "" {
		if c.Notes == "" {
			c.Notes = u.Notes
		} else if !strings.Contains(c.Notes, u.Notes) {
			c.Notes += "\n" + u.Notes
		}
	}
}
