package domain

import (
	"context"

	"github.com/TravisMcGray/territory-app/internal/events"
)

// Ledger holds one ownership record per cell.
type Ledger interface {
	// Claim reads the current owner and writes the new owner, previous owner, capturing activity,
	// timestamp and incremented visit counter in one indivisible store operation. A missing record
	// is created with no previous owner and one visit.
	Claim(ctx context.Context, req ClaimRequest) (ClaimResult, error)
	// ClaimBatch issues one independent Claim per request. Results are returned in request order.
	ClaimBatch(ctx context.Context, reqs []ClaimRequest) ([]ClaimResult, error)
	// ReleaseOwned removes the cells last captured by activityID that ownerID still owns and returns
	// their ids. Cells since claimed by anyone else are left untouched.
	ReleaseOwned(ctx context.Context, activityID, ownerID string) ([]string, error)
}

// StatsAggregator applies counter deltas as a single atomic increment on the user's record and
// returns the counters immediately before and after that increment.
type StatsAggregator interface {
	ApplyCapture(ctx context.Context, userID string, delta StatsDelta) (StatsChange, error)
}

// Tx is a unit of work. Everything written through it commits or rolls back together.
type Tx interface {
	Ledger
	StatsAggregator
	InsertActivity(ctx context.Context, activity Activity) error
	// LockActivity returns the activity and prevents concurrent deletion until the unit of work
	// ends. It returns nil when the activity does not exist.
	LockActivity(ctx context.Context, activityID string) (*Activity, error)
	DeleteActivity(ctx context.Context, activityID string) error
	// Enqueue appends events to the outbox inside the unit of work.
	Enqueue(ctx context.Context, envelopes ...events.Envelope) error
}

// Store is the persistence boundary of the engine.
type Store interface {
	// WithinTx runs fn in a unit of work, committing when fn returns nil and rolling back
	// otherwise. Aborts caused by concurrent writers surface as ErrConflict.
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	ListActivities(ctx context.Context, query ListQuery) (ActivityList, error)
	// UserStats returns zero counters for users that never recorded an activity.
	UserStats(ctx context.Context, userID string) (UserStats, error)
}
