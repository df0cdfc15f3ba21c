// Package event defines the normalized unit of work that every source
// adapter hands to the pipeline.
package event

import (
	"errors"
	"maps"
	"time"
)

// Priority is the urgency assigned to an event before retrieval.
type Priority string

const (
	PriorityNone   Priority = ""
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

// Well-known event types. Adapters may use others; unknown types classify as low.
const (
	TypeEmail     = "email"
	TypeWhatsApp  = "whatsapp"
	TypeMeeting   = "meeting"
	TypeCalendar  = "calendar"
	TypeScheduled = "scheduled"
	TypeManual    = "manual"
	TypeRSS       = "rss"
)

// Event is immutable after New. Use WithPriority to derive a classified copy.
type Event struct {
	Type      string         `json:"type"`
	Content   string         `json:"content"`
	SourceID  string         `json:"source_id"`
	Contact   string         `json:"contact,omitempty"`
	ContactID string         `json:"contact_id,omitempty"`
	Priority  Priority       `json:"priority,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

var (
	ErrMissingType     = errors.New("event: type is required")
	ErrMissingContent  = errors.New("event: content is required")
	ErrMissingSourceID = errors.New("event: source_id is required")
)

// New validates the required fields and returns a normalized Event. The
// metadata map is copied so later mutation by the adapter is not observed.
func New(typ, content, sourceID string, opts ...Option) (Event, error) {
	var errs []error
	if typ == "" {
		errs = append(errs, ErrMissingType)
	}
	if content == "" {
		errs = append(errs, ErrMissingContent)
	}
	if sourceID == "" {
		errs = append(errs, ErrMissingSourceID)
	}
	if len(errs) > 0 {
		return Event{}, errors.Join(errs...)
	}

	ev := Event{
		Type:      typ,
		Content:   content,
		SourceID:  sourceID,
		Timestamp: time.Now().UTC(),
	}
	for _, o := range opts {
		o(&ev)
	}
	ev.Metadata = maps.Clone(ev.Metadata)
	return ev, nil
}

// Option customizes an Event during New.
type Option func(*Event)

// WithContact sets the contact name and optional id.
func WithContact(name, id string) Option {
	return func(e *Event) {
		e.Contact = name
		e.ContactID = id
	}
}

// WithTimestamp overrides the creation time.
func WithTimestamp(ts time.Time) Option {
	return func(e *Event) {
		if !ts.IsZero() {
			e.Timestamp = ts.UTC()
		}
	}
}

// WithMetadata attaches adapter-specific context.
func WithMetadata(md map[string]any) Option {
	return func(e *Event) { e.Metadata = md }
}

// WithPriority pre-assigns a priority. The pipeline still classifies events
// without one.
func WithPriority(p Priority) Option {
	return func(e *Event) { e.Priority = p }
}

// WithPriority returns a copy of e carrying priority p.
func (e Event) WithPriority(p Priority) Event {
	cp := e
	cp.Metadata = maps.Clone(e.Metadata)
	cp.Priority = p
	return cp
}

// MetaString returns metadata[key] when it is a string.
func (e Event) MetaString(key string) string {
	if s, ok := e.Metadata[key].(string); ok {
		return s
	}
	return ""
}
