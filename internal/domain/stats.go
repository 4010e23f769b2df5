package domain

// UserStats are the denormalized per-user counters.
//
// TotalCellsCaptured is cumulative attribution, not live ownership: a capture adds the cells its
// activity claimed, and only the compensation of that same activity subtracts, by the number of
// cells it actually released. Losing a cell to another user leaves it unchanged.
type UserStats struct {
	TotalWalks         int64
	TotalRuns          int64
	TotalDistance      float64
	TotalCellsCaptured int64
}

// StatsDelta is the only way counters change. Stores apply it as a single atomic increment.
type StatsDelta struct {
	Distance      float64
	CellsCaptured int64
	Walks         int64
	Runs          int64
}

// CaptureDelta is the contribution of a recorded activity.
func CaptureDelta(kind Kind, distance float64, cells int) StatsDelta {
	d := StatsDelta{Distance: distance, CellsCaptured: int64(cells)}
	switch kind {
	case KindWalk:
		d.Walks = 1
	case KindRun:
		d.Runs = 1
	}
	return d
}

// CompensationDelta reverses an activity's contribution, limited to the cells actually released.
func CompensationDelta(a Activity, released int) StatsDelta {
	d := CaptureDelta(a.Kind, a.DistanceMiles, released)
	return StatsDelta{
		Distance:      -d.Distance,
		CellsCaptured: -d.CellsCaptured,
		Walks:         -d.Walks,
		Runs:          -d.Runs,
	}
}

// Apply returns s with d added.
func (s UserStats) Apply(d StatsDelta) UserStats {
	s.TotalDistance += d.Distance
	s.TotalCellsCaptured += d.CellsCaptured
	s.TotalWalks += d.Walks
	s.TotalRuns += d.Runs
	return s
}

// StatsChange holds the counters immediately before and after one atomic increment.
type StatsChange struct {
	Before UserStats
	After  UserStats
}

// Crossed reports whether this change moved TotalCellsCaptured from below threshold to at or
// above it. A single change crosses at most once, however many cells it added.
func (c StatsChange) Crossed(threshold int64) bool {
	return c.Before.TotalCellsCaptured < threshold && c.After.TotalCellsCaptured >= threshold
}
