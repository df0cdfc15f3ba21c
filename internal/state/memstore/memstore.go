// Package memstore provides an in-memory implementation of state.Backend.
package memstore

import (
	"context"
	"sync"
	"time"

	"github.com/linnemanlabs/sentinel/internal/state"
)

type processedRecord struct {
	source string
	at     time.Time
}

// Store holds polling state in memory. Suitable for dev/testing.
type Store struct {
	mu         sync.RWMutex
	watermarks map[string]time.Time
	cursors    map[string]string
	processed  map[string]processedRecord
	briefing   []state.BriefingItem
}

// New initializes a new in-memory Store.
func New() *Store {
	return &Store{
		watermarks: make(map[string]time.Time),
		cursors:    make(map[string]string),
		processed:  make(map[string]processedRecord),
	}
}

// Watermark returns the stored watermark for source.
func (s *Store) Watermark(_ context.Context, source string) (time.Time, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ts, ok := s.watermarks[source]
	return ts, ok, nil
}

// PutWatermark stores ts unless it is older than the current value.
func (s *Store) PutWatermark(_ context.Context, source string, ts time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.watermarks[source]; ok && ts.Before(cur) {
		return nil
	}
	s.watermarks[source] = ts
	return nil
}

// Cursor returns the stored cursor for source.
func (s *Store) Cursor(_ context.Context, source string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.cursors[source]
	return c, ok, nil
}

// PutCursor stores the cursor for source.
func (s *Store) PutCursor(_ context.Context, source, cursor string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursors[source] = cursor
	return nil
}

// Processed reports whether sourceID has been recorded.
func (s *Store) Processed(_ context.Context, sourceID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.processed[sourceID]
	return ok, nil
}

// MarkProcessed records sourceID. The first record wins.
func (s *Store) MarkProcessed(_ context.Context, sourceID, source string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.processed[sourceID]; !ok {
		s.processed[sourceID] = processedRecord{source: source, at: at}
	}
	return nil
}

// Enqueue appends a copy of item to the briefing queue.
func (s *Store) Enqueue(_ context.Context, item state.BriefingItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	item.Event = item.Event.WithPriority(item.Event.Priority)
	s.briefing = append(s.briefing, item)
	return nil
}

// DrainBriefing returns the queued items in insertion order and clears the queue.
func (s *Store) DrainBriefing(_ context.Context) ([]state.BriefingItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.briefing
	s.briefing = nil
	return out, nil
}
