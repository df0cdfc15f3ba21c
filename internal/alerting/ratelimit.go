package alerting

import (
	"sync"
	"time"
)

// Decision is the rate limiter's verdict for one direct delivery.
type Decision int

const (
	Allow Decision = iota
	Duplicate
	Overflow
)

func (d Decision) String() string {
	switch d {
	case Allow:
		return "allow"
	case Duplicate:
		return "duplicate"
	case Overflow:
		return "overflow"
	}
	return "unknown"
}

type delivery struct {
	sourceID string
	at       time.Time
}

// RateLimiter caps direct deliveries per dependency key over a rolling
// window and suppresses repeats of a source id inside that window.
type RateLimiter struct {
	mu     sync.Mutex
	max    int
	window time.Duration
	sent   map[string][]delivery
}

// NewRateLimiter allows max deliveries per key per window. max <= 0 disables the cap.
func NewRateLimiter(max int, window time.Duration) *RateLimiter {
	if window <= 0 {
		window = time.Hour
	}
	return &RateLimiter{max: max, window: window, sent: make(map[string][]delivery)}
}

// Reserve records a delivery for key at now when allowed. For Overflow the
// returned time is when the oldest delivery in the window expires and a
// slot frees up.
func (r *RateLimiter) Reserve(key, sourceID string, now time.Time) (Decision, time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	live := r.prune(key, now)

	if sourceID != "" {
		for _, d := range live {
			if d.sourceID == sourceID {
				return Duplicate, time.Time{}
			}
		}
	}
	if r.max > 0 && len(live) >= r.max {
		return Overflow, live[0].at.Add(r.window)
	}

	r.sent[key] = append(live, delivery{sourceID: sourceID, at: now})
	return Allow, time.Time{}
}

// Release gives back the most recent reservation for key and sourceID,
// used when the delivery it was reserved for failed.
func (r *RateLimiter) Release(key, sourceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	list := r.sent[key]
	for i := len(list) - 1; i >= 0; i-- {
		if list[i].sourceID == sourceID {
			r.sent[key] = append(list[:i:i], list[i+1:]...)
			return
		}
	}
}

// Count returns the live deliveries for key at now.
func (r *RateLimiter) Count(key string, now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.prune(key, now))
}

// prune drops expired deliveries. Callers hold mu.
func (r *RateLimiter) prune(key string, now time.Time) []delivery {
	list := r.sent[key]
	cut := 0
	for cut < len(list) && !list[cut].at.After(now.Add(-r.window)) {
		cut++
	}
	if cut > 0 {
		list = list[cut:]
		if len(list) == 0 {
			delete(r.sent, key)
		} else {
			r.sent[key] = list
		}
	}
	return list
}
