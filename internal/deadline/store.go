package deadline

import (
	"context"
	"time"
)

// Store is the persistence interface for deadlines and VIP contacts.
type Store interface {
	Insert(ctx context.Context, d *Deadline) error
	Update(ctx context.Context, d *Deadline) error
	Get(ctx context.Context, id string) (*Deadline, bool, error)

	// AdvanceStage sets the reminder stage of an active deadline to to,
	// only if it is still at from. It reports whether the row changed.
	AdvanceStage(ctx context.Context, id string, from, to Stage, at time.Time) (bool, error)

	// List returns deadlines in any of statuses ordered by due date,
	// at most limit rows (0 means no limit).
	List(ctx context.Context, limit int, statuses ...Status) ([]*Deadline, error)

	// DueBetween returns open deadlines whose due date falls in [from, to].
	DueBetween(ctx context.Context, from, to time.Time) ([]*Deadline, error)

	// ExpireDueBefore moves open deadlines due before cutoff to expired.
	ExpireDueBefore(ctx context.Context, cutoff time.Time, reason string, now time.Time) (int, error)

	// DismissPendingBefore dismisses pending_confirm deadlines created
	// before cutoff.
	DismissPendingBefore(ctx context.Context, cutoff time.Time, reason string, now time.Time) (int, error)

	VIPs(ctx context.Context) ([]VIP, error)
	AddVIP(ctx context.Context, v *VIP) error

	// RemoveVIP deletes VIPs whose name matches case-insensitively.
	RemoveVIP(ctx context.Context, name string) (bool, error)
}
