package deadline

import (
	"errors"
	"time"
)

// ErrNotFound is returned by management actions when no deadline matches
// the search text.
var ErrNotFound = errors.New("deadline not found")

// Confidence records whether the due date was stated or inferred.
type Confidence string

const (
	ConfidenceHard Confidence = "hard"
	ConfidenceSoft Confidence = "soft"
)

// Priority orders deadlines by whose commitment they are.
type Priority string

const (
	// PriorityCritical means the principal made the commitment
	PriorityCritical Priority = "critical"

	// PriorityHigh means a VIP imposed the deadline
	PriorityHigh Priority = "high"

	PriorityNormal Priority = "normal"
)

// Label is the human form used in reminder text.
func (p Priority) Label() string {
	switch p {
	case PriorityCritical:
		return "CRITICAL, your commitment"
	case PriorityHigh:
		return "HIGH, VIP request"
	case PriorityNormal:
		return "NORMAL"
	default:
		return string(p)
	}
}

// Status tracks where a deadline is in its lifecycle.
type Status string

const (
	// StatusPendingConfirm means extracted with soft confidence, awaiting confirmation
	StatusPendingConfirm Status = "pending_confirm"

	// StatusActive means tracked by the cadence check
	StatusActive Status = "active"

	StatusDismissed Status = "dismissed"
	StatusCompleted Status = "completed"
	StatusExpired   Status = "expired"
)

// Stage is the escalation level a deadline has been reminded at.
type Stage string

const (
	StageNone    Stage = ""
	Stage30d     Stage = "30d"
	Stage7d      Stage = "7d"
	Stage2d      Stage = "2d"
	Stage48h     Stage = "48h"
	StageDayOf   Stage = "day_of"
	StageOverdue Stage = "overdue"
)

var stageRank = map[Stage]int{
	StageNone:    0,
	Stage30d:     1,
	Stage7d:      2,
	Stage2d:      3,
	Stage48h:     4,
	StageDayOf:   5,
	StageOverdue: 6,
}

// Rank orders stages by urgency. Unknown stages rank as none.
func (s Stage) Rank() int { return stageRank[s] }

// Alerting reports whether reaching s pushes an alert rather than waiting
// for the briefing.
func (s Stage) Alerting() bool {
	return s == Stage48h || s == StageDayOf || s == StageOverdue
}

// Informational reports whether s is only surfaced in briefings.
func (s Stage) Informational() bool {
	return s == Stage30d || s == Stage7d || s == Stage2d
}

// Deadline is a time-bound obligation extracted from ingested content.
type Deadline struct {
	ID              string     `json:"id"`
	Description     string     `json:"description"`
	DueDate         time.Time  `json:"due_date"`
	SourceType      string     `json:"source_type"`
	SourceID        string     `json:"source_id,omitempty"`
	SourceSnippet   string     `json:"source_snippet,omitempty"`
	Confidence      Confidence `json:"confidence"`
	Priority        Priority   `json:"priority"`
	Status          Status     `json:"status"`
	ReminderStage   Stage      `json:"reminder_stage,omitempty"`
	LastRemindedAt  time.Time  `json:"last_reminded_at,omitzero"`
	DismissedReason string     `json:"dismissed_reason,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// Open reports whether the deadline is still tracked.
func (d *Deadline) Open() bool {
	return d.Status == StatusActive || d.Status == StatusPendingConfirm
}

// VIP is a contact whose requests are raised to high priority.
type VIP struct {
	ID           string `yaml:"-" json:"id"`
	Name         string `yaml:"name" json:"name"`
	Role         string `yaml:"role" json:"role,omitempty"`
	Email        string `yaml:"email" json:"email,omitempty"`
	WhatsAppID   string `yaml:"whatsapp_id" json:"whatsapp_id,omitempty"`
	SpeakerLabel string `yaml:"speaker_label" json:"speaker_label,omitempty"`
}

// Principal identifies the person the service works for. Commitments they
// make are critical.
type Principal struct {
	Labels   []string `yaml:"labels" json:"labels"`
	Email    string   `yaml:"email" json:"email"`
	WhatsApp string   `yaml:"whatsapp" json:"whatsapp"`
}
