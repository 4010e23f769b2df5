package domain

import "time"

// Cell is the ownership record of one territory cell.
//
// PreviousOwnerID always holds the owner observed by the claim that produced the current owner,
// never an older one. Compensation depends on it.
type Cell struct {
	ID                   string
	OwnerID              string
	PreviousOwnerID      string // empty when the cell was unowned before the last claim
	CapturedByActivityID string
	CapturedAt           time.Time
	TimesVisited         int
}

// ClaimRequest asks the ledger to transfer a cell to a claimant.
type ClaimRequest struct {
	CellID     string
	ClaimantID string
	ActivityID string
	At         time.Time
}

// ClaimResult is what the atomic claim observed and wrote.
type ClaimResult struct {
	CellID          string
	PreviousOwnerID string // empty when no record existed
	VisitsAfter     int
}

// Outcome classifies a single claim relative to its claimant.
type Outcome string

const (
	OutcomeCaptured  Outcome = "captured"
	OutcomeStolen    Outcome = "stolen"
	OutcomeRevisited Outcome = "revisited"
)

// OutcomeFor classifies the result of a claim made by claimantID.
func (r ClaimResult) OutcomeFor(claimantID string) Outcome {
	switch r.PreviousOwnerID {
	case "":
		return OutcomeCaptured
	case claimantID:
		return OutcomeRevisited
	default:
		return OutcomeStolen
	}
}
