// Package geo converts recorded GPS paths into distances and territory cells.
package geo

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/uber/h3-go/v4"
)

const (
	// DefaultResolution is the H3 resolution used for territory cells (~15,000 m² per cell).
	DefaultResolution = 10

	metersToMiles = 0.000621371
)

// Point is a single recorded GPS fix.
type Point struct {
	Latitude  float64    `json:"latitude"`
	Longitude float64    `json:"longitude"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
}

// Valid reports whether the point lies within [-90,90]×[-180,180].
func (p Point) Valid() bool {
	if math.IsNaN(p.Latitude) || math.IsNaN(p.Longitude) {
		return false
	}
	return p.Latitude >= -90 && p.Latitude <= 90 && p.Longitude >= -180 && p.Longitude <= 180
}

// InvalidCoordinateError identifies the first point outside the valid range.
type InvalidCoordinateError struct {
	Index int
	Point Point
}

func (e *InvalidCoordinateError) Error() string {
	return fmt.Sprintf("coordinate %d invalid: latitude must be -90 to 90, longitude must be -180 to 180", e.Index)
}

// Path is the result of processing a point sequence.
type Path struct {
	// DistanceMiles is the great-circle path length rounded to two decimals.
	DistanceMiles float64
	// Cells holds the unique cell ids touched by the path, sorted ascending.
	Cells []string
}

// Processor maps points to cells at a fixed resolution.
type Processor struct {
	resolution int
}

// NewProcessor constructs a Processor. Out-of-range resolutions fall back to DefaultResolution.
func NewProcessor(resolution int) *Processor {
	if resolution < 0 || resolution > 15 {
		resolution = DefaultResolution
	}
	return &Processor{resolution: resolution}
}

// Resolution returns the configured H3 resolution.
func (p *Processor) Resolution() int {
	return p.resolution
}

// CellFor returns the cell id containing the point.
func (p *Processor) CellFor(point Point) string {
	return h3.LatLngToCell(h3.NewLatLng(point.Latitude, point.Longitude), p.resolution).String()
}

// Process validates every point, sums the distance between consecutive points and collects the
// deduplicated cell set.
func (p *Processor) Process(points []Point) (Path, error) {
	for i, point := range points {
		if !point.Valid() {
			return Path{}, &InvalidCoordinateError{Index: i, Point: point}
		}
	}

	seen := make(map[string]struct{}, len(points))
	cells := make([]string, 0, len(points))
	for _, point := range points {
		id := p.CellFor(point)
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		cells = append(cells, id)
	}
	sort.Strings(cells)

	return Path{
		DistanceMiles: DistanceMiles(points),
		Cells:         cells,
	}, nil
}

// DistanceMiles returns the path length in miles rounded to two decimals. Paths with fewer than two
// points have zero length.
func DistanceMiles(points []Point) float64 {
	if len(points) < 2 {
		return 0
	}
	var meters float64
	for i := 1; i < len(points); i++ {
		a := h3.NewLatLng(points[i-1].Latitude, points[i-1].Longitude)
		b := h3.NewLatLng(points[i].Latitude, points[i].Longitude)
		meters += h3.GreatCircleDistanceM(a, b)
	}
	return math.Round(meters*metersToMiles*100) / 100
}
