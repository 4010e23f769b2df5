// Package events defines the payloads published through the outbox.
package events

import "time"

// Event types routed by the outbox.
const (
	TypeActivityRecorded = "activity.recorded"
	TypeTerritoryStolen  = "territory.stolen"
	TypeMilestoneReached = "user.milestone_reached"
	TypeActivityDeleted  = "activity.deleted"
)

// MilestoneUsernameChange is the milestone unlocked by capturing enough cells.
const MilestoneUsernameChange = "username_change_unlocked"

// Envelope is a pending outbox record produced inside a unit of work.
type Envelope struct {
	Type         string
	AggregateID  string
	PartitionKey string
	Payload      any
}

// ActivityRecorded is emitted once an activity and its territory effects commit.
type ActivityRecorded struct {
	ActivityID      string    `json:"activity_id"`
	UserID          string    `json:"user_id"`
	Kind            string    `json:"kind"`
	DistanceMiles   float64   `json:"distance_miles"`
	DurationSeconds float64   `json:"duration_seconds"`
	CellsCaptured   int       `json:"cells_captured"`
	NewlyCaptured   int       `json:"newly_captured"`
	Stolen          int       `json:"stolen"`
	RecordedAt      time.Time `json:"recorded_at"`
}

// TerritoryStolen tells a previous owner which of their cells were taken by one activity.
type TerritoryStolen struct {
	ActivityID string    `json:"activity_id"`
	ThiefID    string    `json:"thief_id"`
	VictimID   string    `json:"victim_id"`
	CellIDs    []string  `json:"cell_ids"`
	StolenAt   time.Time `json:"stolen_at"`
}

// MilestoneReached is emitted the single time a user's captured-cell counter crosses a threshold.
type MilestoneReached struct {
	UserID     string    `json:"user_id"`
	Milestone  string    `json:"milestone"`
	Threshold  int64     `json:"threshold"`
	Total      int64     `json:"total"`
	ActivityID string    `json:"activity_id"`
	ReachedAt  time.Time `json:"reached_at"`
}

// ActivityDeleted records a compensation: the cells released and the stats reverted.
type ActivityDeleted struct {
	ActivityID       string    `json:"activity_id"`
	UserID           string    `json:"user_id"`
	Kind             string    `json:"kind"`
	ReleasedCells    []string  `json:"released_cells"`
	DistanceReverted float64   `json:"distance_reverted"`
	DeletedAt        time.Time `json:"deleted_at"`
}
