// Package deadline tracks time-bound obligations found in ingested content.
//
// Engine.Extract asks the model for deadlines, merges near-duplicates and
// classifies each by whose commitment it is. Engine.CadenceCheck runs hourly
// and walks active deadlines through the escalation stages
//
//	30d → 7d → 2d → 48h → day_of → overdue
//
// The last three stages raise tier 1 alerts; the rest are held for the
// daily briefing (see Engine.Upcoming). Stages only move forward, so a
// deadline is reminded at most once per stage.
package deadline
