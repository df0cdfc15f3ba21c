// Package memstore provides an in-memory implementation of pipeline.Store.
package memstore

import (
	"cmp"
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/sahilm/fuzzy"

	"github.com/linnemanlabs/sentinel/internal/pipeline"
)

// Store holds pipeline results in memory. Suitable for dev/testing.
type Store struct {
	mu        sync.RWMutex
	triggers  []pipeline.TriggerLog
	decisions []pipeline.Decision
	alerts    []pipeline.Alert
	contacts  map[string]*pipeline.Contact // lowercased name -> contact
}

// New initializes an empty Store.
func New() *Store {
	return &Store{contacts: make(map[string]*pipeline.Contact)}
}

// LogTrigger appends a copy of t.
func (s *Store) LogTrigger(_ context.Context, t *pipeline.TriggerLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.triggers = append(s.triggers, *t)
	return nil
}

// Triggers returns every logged trigger, oldest first.
func (s *Store) Triggers() []pipeline.TriggerLog {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.triggers)
}

// UpsertContact creates the contact named by u or merges u into it.
func (s *Store) UpsertContact(_ context.Context, u pipeline.ContactUpdate, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := strings.ToLower(strings.TrimSpace(u.Name))
	c, ok := s.contacts[key]
	if !ok {
		c = &pipeline.Contact{ID: ulid.Make().String(), Name: strings.TrimSpace(u.Name)}
		s.contacts[key] = c
	}
	c.Apply(u)
	c.UpdatedAt = at
	return nil
}

// LogDecision appends a copy of d.
func (s *Store) LogDecision(_ context.Context, d *pipeline.Decision) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.decisions = append(s.decisions, *d)
	return nil
}

// CreateAlert appends a copy of a.
func (s *Store) CreateAlert(_ context.Context, a *pipeline.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts = append(s.alerts, *a)
	return nil
}

// Contact returns the contact whose name matches exactly, ignoring case,
// or else the best fuzzy match.
func (s *Store) Contact(_ context.Context, name string) (*pipeline.Contact, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" {
		return nil, false, nil
	}
	if c, ok := s.contacts[key]; ok {
		cp := *c
		return &cp, true, nil
	}

	names := make([]string, 0, len(s.contacts))
	for k := range s.contacts {
		names = append(names, k)
	}
	slices.Sort(names)
	matches := fuzzy.Find(key, names)
	if len(matches) == 0 {
		return nil, false, nil
	}
	cp := *s.contacts[matches[0].Str]
	return &cp, true, nil
}

// OpenAlerts returns open alerts, most urgent tier first then newest.
func (s *Store) OpenAlerts(_ context.Context, limit int) ([]*pipeline.Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*pipeline.Alert
	for _, a := range s.alerts {
		if a.Status == pipeline.AlertOpen {
			cp := a
			out = append(out, &cp)
		}
	}
	slices.SortStableFunc(out, func(a, b *pipeline.Alert) int {
		if c := cmp.Compare(a.Tier, b.Tier); c != 0 {
			return c
		}
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// RecentDecisions returns the newest decisions first.
func (s *Store) RecentDecisions(_ context.Context, limit int) ([]*pipeline.Decision, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*pipeline.Decision, 0, len(s.decisions))
	for i := len(s.decisions) - 1; i >= 0; i-- {
		cp := s.decisions[i]
		out = append(out, &cp)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}
