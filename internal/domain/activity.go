package domain

import (
	"math"
	"time"

	"github.com/TravisMcGray/territory-app/internal/geo"
)

// Kind is the activity type.
type Kind string

const (
	KindWalk Kind = "walk"
	KindRun  Kind = "run"
)

// Valid reports whether k is a supported activity kind.
func (k Kind) Valid() bool {
	return k == KindWalk || k == KindRun
}

// Activity is a recorded walk or run. It is immutable once created; it only disappears through
// DeleteActivity, which compensates its territory effects first.
type Activity struct {
	ID            string
	UserID        string
	Kind          Kind
	Coordinates   []geo.Point
	DistanceMiles float64
	Duration      time.Duration
	ElevationGain float64
	Cells         []string
	CreatedAt     time.Time
}

// PaceMinutesPerMile returns the average pace, or zero when no distance was covered.
func (a Activity) PaceMinutesPerMile() float64 {
	if a.DistanceMiles <= 0 {
		return 0
	}
	return a.Duration.Minutes() / a.DistanceMiles
}

// SpeedMPH returns the average speed in miles per hour.
func (a Activity) SpeedMPH() float64 {
	if a.Duration <= 0 {
		return 0
	}
	return a.DistanceMiles / a.Duration.Hours()
}

// ElevationGainFeet converts the recorded elevation gain from meters.
func (a Activity) ElevationGainFeet() float64 {
	return math.Round(a.ElevationGain * 3.28084)
}

// Page selects a window of a user's activity history.
type Page struct {
	Number int
	Limit  int
}

// Offset returns the number of rows to skip. Offsets that would overflow saturate at
// math.MaxInt, which selects an empty page.
func (p Page) Offset() int {
	if p.Number < 1 || p.Limit <= 0 {
		return 0
	}
	if p.Number-1 > math.MaxInt/p.Limit {
		return math.MaxInt
	}
	return (p.Number - 1) * p.Limit
}

// ListQuery filters a user's activities, newest first.
type ListQuery struct {
	UserID string
	Kind   Kind // empty means any kind
	Page   Page
}

// ActivityList is one page of activities plus the unpaged total.
type ActivityList struct {
	Items []Activity
	Total int
	Page  Page
}

// Pages returns the number of pages available for the query.
func (l ActivityList) Pages() int {
	if l.Page.Limit <= 0 {
		return 0
	}
	return int(math.Ceil(float64(l.Total) / float64(l.Page.Limit)))
}
