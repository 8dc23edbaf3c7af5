// Package geo derives the spatial dimensions of an event: H3 cells at the
// three working resolutions, the accuracy-based precision class and the
// hourly bucket. Point-in-polygon lookups (places, admin areas) stay in
// PostGIS; this package only computes what the database cannot.
package geo

import (
	"fmt"
	"strings"
	"time"

	h3 "github.com/uber/h3-go/v4"

	"github.com/smartbuket/sb-analytics/internal/domain"
)

// PrecisionClass buckets reported GPS accuracy.
type PrecisionClass string

const (
	PrecisionHigh   PrecisionClass = "high"   // < 50m
	PrecisionMedium PrecisionClass = "medium" // < 200m
	PrecisionCoarse PrecisionClass = "coarse" // everything else, incl. unknown
)

// Rank orders precision classes: coarse < medium < high.
func (p PrecisionClass) Rank() int {
	switch p {
	case PrecisionHigh:
		return 2
	case PrecisionMedium:
		return 1
	default:
		return 0
	}
}

// BetterThan reports strictly better precision.
func (p PrecisionClass) BetterThan(other PrecisionClass) bool {
	return p.Rank() > other.Rank()
}

// ClassifyPrecision maps accuracy in meters to a class. A missing accuracy
// is coarse: we cannot claim precision we were not given.
func ClassifyPrecision(accuracyM *float64) PrecisionClass {
	if accuracyM == nil {
		return PrecisionCoarse
	}
	switch {
	case *accuracyM < 50:
		return PrecisionHigh
	case *accuracyM < 200:
		return PrecisionMedium
	default:
		return PrecisionCoarse
	}
}

// HourBucket floors a timestamp to the hour in UTC, the grain of the
// presence facts.
func HourBucket(ts time.Time) time.Time {
	return ts.UTC().Truncate(time.Hour)
}

// Dims carries the derived spatial dimensions of one geo event.
type Dims struct {
	Lat       float64
	Lon       float64
	AccuracyM *float64
	H3R7      string
	H3R9      string
	H3R11     string
	Precision PrecisionClass
}

// ComputeDims derives H3 cells and the precision class for an event's geo
// context. Returns nil when the event carries no usable point.
func ComputeDims(g *domain.GeoContext) (*Dims, error) {
	if g == nil {
		return nil, nil
	}
	if g.Lat < -90 || g.Lat > 90 || g.Lon < -180 || g.Lon > 180 {
		return nil, fmt.Errorf("geo: point out of range: lat=%v lon=%v", g.Lat, g.Lon)
	}

	ll := h3.NewLatLng(g.Lat, g.Lon)
	d := &Dims{
		Lat:       g.Lat,
		Lon:       g.Lon,
		AccuracyM: g.AccuracyM,
		Precision: ClassifyPrecision(g.AccuracyM),
	}

	for _, rc := range []struct {
		res int
		dst *string
	}{
		{7, &d.H3R7},
		{9, &d.H3R9},
		{11, &d.H3R11},
	} {
		cell, err := h3.LatLngToCell(ll, rc.res)
		if err != nil {
			return nil, fmt.Errorf("geo: h3 index at r%d: %w", rc.res, err)
		}
		*rc.dst = cell.String()
	}

	return d, nil
}

// CellGeometry describes one H3 cell for the lazy h3_cells population.
type CellGeometry struct {
	Cell        string
	Resolution  int
	PolygonWKT  string
	CentroidLat float64
	CentroidLon float64
}

// CellGeometryFor builds the boundary polygon and centroid of an H3 cell.
func CellGeometryFor(cellID string) (*CellGeometry, error) {
	// IndexFromString reports parse failure as index 0, not an error.
	cell := h3.Cell(h3.IndexFromString(cellID))
	if cell == 0 || !cell.IsValid() {
		return nil, fmt.Errorf("geo: invalid h3 cell %q", cellID)
	}

	center, err := cell.LatLng()
	if err != nil {
		return nil, fmt.Errorf("geo: cell center: %w", err)
	}
	boundary, err := cell.Boundary()
	if err != nil {
		return nil, fmt.Errorf("geo: cell boundary: %w", err)
	}

	return &CellGeometry{
		Cell:        cell.String(),
		Resolution:  cell.Resolution(),
		PolygonWKT:  polygonWKT(boundary),
		CentroidLat: center.Lat,
		CentroidLon: center.Lng,
	}, nil
}

// polygonWKT renders a closed WKT ring from an H3 boundary. H3 yields
// (lat, lng); WKT wants "lon lat".
func polygonWKT(boundary []h3.LatLng) string {
	var b strings.Builder
	b.WriteString("POLYGON((")
	for i, p := range boundary {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%.9f %.9f", p.Lng, p.Lat)
	}
	if len(boundary) > 0 {
		first := boundary[0]
		fmt.Fprintf(&b, ", %.9f %.9f", first.Lng, first.Lat)
	}
	b.WriteString("))")
	return b.String()
}
