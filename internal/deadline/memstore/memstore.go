// Package memstore provides an in-memory implementation of deadline.Store.
package memstore

import (
	"cmp"
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/linnemanlabs/sentinel/internal/deadline"
)

// Store holds deadlines and VIPs in memory. Suitable for dev/testing.
type Store struct {
	mu        sync.RWMutex
	deadlines map[string]*deadline.Deadline
	vips      []deadline.VIP
}

// New initializes an empty Store.
func New() *Store {
	return &Store{deadlines: make(map[string]*deadline.Deadline)}
}

// Insert stores a copy of d.
func (s *Store) Insert(_ context.Context, d *deadline.Deadline) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *d
	s.deadlines[d.ID] = &cp
	return nil
}

// Update replaces the stored deadline with a copy of d.
func (s *Store) Update(ctx context.Context, d *deadline.Deadline) error {
	return s.Insert(ctx, d)
}

// AdvanceStage moves an active deadline from one reminder stage to the next.
func (s *Store) AdvanceStage(_ context.Context, id string, from, to deadline.Stage, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deadlines[id]
	if !ok || d.Status != deadline.StatusActive || d.ReminderStage != from {
		return false, nil
	}
	d.ReminderStage = to
	d.LastRemindedAt = at
	d.UpdatedAt = at
	return true, nil
}

// Get returns a copy of the deadline with id.
func (s *Store) Get(_ context.Context, id string) (*deadline.Deadline, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.deadlines[id]
	if !ok {
		return nil, false, nil
	}
	cp := *d
	return &cp, true, nil
}

func (s *Store) collect(keep func(*deadline.Deadline) bool) []*deadline.Deadline {
	var out []*deadline.Deadline
	for _, d := range s.deadlines {
		if keep(d) {
			cp := *d
			out = append(out, &cp)
		}
	}
	slices.SortFunc(out, func(a, b *deadline.Deadline) int {
		if c := a.DueDate.Compare(b.DueDate); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out
}

// List returns copies of deadlines in any of statuses, soonest due first.
func (s *Store) List(_ context.Context, limit int, statuses ...deadline.Status) ([]*deadline.Deadline, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := s.collect(func(d *deadline.Deadline) bool { return slices.Contains(statuses, d.Status) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// DueBetween returns open deadlines due in [from, to].
func (s *Store) DueBetween(_ context.Context, from, to time.Time) ([]*deadline.Deadline, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.collect(func(d *deadline.Deadline) bool {
		return d.Open() && !d.DueDate.Before(from) && !d.DueDate.After(to)
	}), nil
}

func (s *Store) transition(match func(*deadline.Deadline) bool, status deadline.Status, reason string, now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, d := range s.deadlines {
		if match(d) {
			d.Status = status
			d.DismissedReason = reason
			d.UpdatedAt = now
			n++
		}
	}
	return n
}

// ExpireDueBefore expires open deadlines due before cutoff.
func (s *Store) ExpireDueBefore(_ context.Context, cutoff time.Time, reason string, now time.Time) (int, error) {
	return s.transition(func(d *deadline.Deadline) bool {
		return d.Open() && d.DueDate.Before(cutoff)
	}, deadline.StatusExpired, reason, now), nil
}

// DismissPendingBefore dismisses pending_confirm deadlines created before cutoff.
func (s *Store) DismissPendingBefore(_ context.Context, cutoff time.Time, reason string, now time.Time) (int, error) {
	return s.transition(func(d *deadline.Deadline) bool {
		return d.Status == deadline.StatusPendingConfirm && d.CreatedAt.Before(cutoff)
	}, deadline.StatusDismissed, reason, now), nil
}

// VIPs returns the VIP list ordered by name.
func (s *Store) VIPs(_ context.Context) ([]deadline.VIP, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := slices.Clone(s.vips)
	slices.SortFunc(out, func(a, b deadline.VIP) int { return cmp.Compare(a.Name, b.Name) })
	return out, nil
}

// AddVIP appends a copy of v.
func (s *Store) AddVIP(_ context.Context, v *deadline.VIP) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.vips = append(s.vips, *v)
	return nil
}

// RemoveVIP deletes every VIP whose name contains name, ignoring case.
func (s *Store) RemoveVIP(_ context.Context, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	needle := strings.ToLower(name)
	before := len(s.vips)
	s.vips = slices.DeleteFunc(s.vips, func(v deadline.VIP) bool {
		return strings.Contains(strings.ToLower(v.Name), needle)
	})
	return len(s.vips) < before, nil
}
