package pipeline

import (
	"context"
	"time"

	"github.com/linnemanlabs/sentinel/internal/retrieve"
)

// openAlertsLimit caps the open alerts handed to retrieval.
const openAlertsLimit = 20

// Store is the persistence interface for pipeline results.
type Store interface {
	LogTrigger(ctx context.Context, t *TriggerLog) error
	UpsertContact(ctx context.Context, u ContactUpdate, at time.Time) error
	LogDecision(ctx context.Context, d *Decision) error
	CreateAlert(ctx context.Context, a *Alert) error

	// Contact returns the profile best matching name.
	Contact(ctx context.Context, name string) (*Contact, bool, error)
	// OpenAlerts returns open alerts, most urgent tier first then newest.
	OpenAlerts(ctx context.Context, limit int) ([]*Alert, error)
	// RecentDecisions returns the newest decisions first.
	RecentDecisions(ctx context.Context, limit int) ([]*Decision, error)
}

type lookups struct {
	store Store
}

// NewLookups exposes store as the structured half of retrieval.
func NewLookups(store Store) retrieve.Lookups {
	return lookups{store: store}
}

func (l lookups) ContactProfile(ctx context.Context, name string) (retrieve.Record, bool, error) {
	c, ok, err := l.store.Contact(ctx, name)
	if err != nil || !ok {
		return nil, false, err
	}
	return c.Record(), true, nil
}

func (l lookups) OpenAlerts(ctx context.Context) ([]retrieve.Record, error) {
	alerts, err := l.store.OpenAlerts(ctx, openAlertsLimit)
	if err != nil {
		return nil, err
	}
	out := make([]retrieve.Record, len(alerts))
	for i, a := range alerts {
		out[i] = a.Record()
	}
	return out, nil
}

func (l lookups) RecentDecisions(ctx context.Context, limit int) ([]retrieve.Record, error) {
	decisions, err := l.store.RecentDecisions(ctx, limit)
	if err != nil {
		return nil, err
	}
	out := make([]retrieve.Record, len(decisions))
	for i, d := range decisions {
		out[i] = d.Record()
	}
	return out, nil
}

type nopStore struct{}

func (nopStore) LogTrigger(context.Context, *TriggerLog) error                 { return nil }
func (nopStore) UpsertContact(context.Context, ContactUpdate, time.Time) error { return nil }
func (nopStore) LogDecision(context.Context, *Decision) error                  { return nil }
func (nopStore) CreateAlert(context.Context, *Alert) error                     { return nil }
func (nopStore) Contact(context.Context, string) (*Contact, bool, error)       { return nil, false, nil }
func (nopStore) OpenAlerts(context.Context, int) ([]*Alert, error)             { return nil, nil }
func (nopStore) RecentDecisions(context.Context, int) ([]*Decision, error)     { return nil, nil }
