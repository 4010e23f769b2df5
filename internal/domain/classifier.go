package domain

import "sort"

// Steal records a cell taken from another user.
type Steal struct {
	CellID          string
	PreviousOwnerID string
}

// Classification tallies the claim results of one activity.
type Classification struct {
	NewlyCaptured int
	Stolen        int
	Revisited     int
	Steals        []Steal
}

// Total returns the number of classified cells.
func (c Classification) Total() int {
	return c.NewlyCaptured + c.Stolen + c.Revisited
}

// StealsByVictim groups stolen cell ids by their previous owner.
func (c Classification) StealsByVictim() map[string][]string {
	out := make(map[string][]string)
	for _, s := range c.Steals {
		out[s.PreviousOwnerID] = append(out[s.PreviousOwnerID], s.CellID)
	}
	for victim := range out {
		sort.Strings(out[victim])
	}
	return out
}

// Classify derives capture counts from the results the ledger returned for claimantID. It must be
// fed the per-call claim results, not a separate read of the cells.
func Classify(claimantID string, results []ClaimResult) Classification {
	var c Classification
	for _, r := range results {
		switch r.OutcomeFor(claimantID) {
		case OutcomeCaptured:
			c.NewlyCaptured++
		case OutcomeStolen:
			c.Stolen++
			c.Steals = append(c.Steals, Steal{CellID: r.CellID, PreviousOwnerID: r.PreviousOwnerID})
		case OutcomeRevisited:
			c.Revisited++
		}
	}
	return c
}
