// Package geom defines the geographic value types and the bounding box
// predicates used by the selection pipeline.
package geom

import (
	"errors"
	"fmt"
	"math"
)

// ErrInvalidBounds reports a bounding box with non-finite or inverted
// coordinates. Callers are expected to reject such boxes before any
// remote query is issued.
var ErrInvalidBounds = errors.New("invalid bounding box")

// metersPerDegree is the spherical approximation of one degree of
// latitude at the mean Earth radius.
const metersPerDegree = 111320.0

// Point is a geographic coordinate in degrees, longitude first.
type Point struct {
	Lon float64 `json:"lon"`
	Lat float64 `json:"lat"`
}

// Path is an ordered vertex sequence forming a line string.
type Path []Point

// Ring is a closed vertex sequence (first == last) bounding a polygon.
type Ring []Point

// BBox is an axis-aligned rectangle in geographic degrees. It never
// wraps the antimeridian: West <= East and South <= North always hold
// for a valid box.
type BBox struct {
	West  float64 `json:"west"`
	South float64 `json:"south"`
	East  float64 `json:"east"`
	North float64 `json:"north"`
}

// NewBBox builds a box from two arbitrary corner points.
func NewBBox(a, b Point) BBox {
	return BBox{
		West:  math.Min(a.Lon, b.Lon),
		South: math.Min(a.Lat, b.Lat),
		East:  math.Max(a.Lon, b.Lon),
		North: math.Max(a.Lat, b.Lat),
	}
}

func (b BBox) String() string {
	return fmt.Sprintf("%.6f,%.6f,%.6f,%.6f", b.West, b.South, b.East, b.North)
}

// Validate reports ErrInvalidBounds for non-finite, inverted or
// out-of-range coordinates.
func (b BBox) Validate() error {
	for _, v := range [4]float64{b.West, b.South, b.East, b.North} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: non-finite coordinate", ErrInvalidBounds)
		}
	}
	if b.West > b.East || b.South > b.North {
		return fmt.Errorf("%w: inverted corners", ErrInvalidBounds)
	}
	if b.West < -180 || b.East > 180 {
		return fmt.Errorf("%w: longitude outside [-180,180]", ErrInvalidBounds)
	}
	if b.South < -90 || b.North > 90 {
		return fmt.Errorf("%w: latitude outside [-90,90]", ErrInvalidBounds)
	}
	return nil
}

// Contains reports whether p lies in the box, inclusive on all four
// edges.
func (b BBox) Contains(p Point) bool {
	return p.Lon >= b.West && p.Lon <= b.East && p.Lat >= b.South && p.Lat <= b.North
}

// Intersects reports whether the two boxes overlap, edges included.
func (b BBox) Intersects(o BBox) bool {
	return b.West <= o.East && o.West <= b.East && b.South <= o.North && o.South <= b.North
}

// Corners returns the four corner points in counter-clockwise order
// starting at the south-west corner.
func (b BBox) Corners() [4]Point {
	return [4]Point{
		{Lon: b.West, Lat: b.South},
		{Lon: b.East, Lat: b.South},
		{Lon: b.East, Lat: b.North},
		{Lon: b.West, Lat: b.North},
	}
}

// Center returns the midpoint of the box.
func (b BBox) Center() Point {
	return Point{Lon: (b.West + b.East) / 2, Lat: (b.South + b.North) / 2}
}

// Geometry returns the box as a closed polygon ring, for callers that
// need the rectangle in geometry form.
func (b BBox) Geometry() Geometry {
	c := b.Corners()
	return Geometry{
		Type:  TypePolygon,
		Rings: []Ring{{c[0], c[1], c[2], c[3], c[0]}},
	}
}

// ExpandFraction grows the box by f times each axis span on every side.
// The result is clamped to world bounds.
func (b BBox) ExpandFraction(f float64) BBox {
	if f <= 0 {
		return b
	}
	dx := (b.East - b.West) * f
	dy := (b.North - b.South) * f
	return BBox{
		West:  b.West - dx,
		South: b.South - dy,
		East:  b.East + dx,
		North: b.North + dy,
	}.clampWorld()
}

// ExpandMeters grows the box by approximately m meters on every side
// using the spherical degree length, scaled by latitude for longitude.
func (b BBox) ExpandMeters(m float64) BBox {
	if m <= 0 {
		return b
	}
	dLat := m / metersPerDegree
	cos := math.Cos(b.Center().Lat * math.Pi / 180)
	if cos < 0.01 {
		cos = 0.01 // keep the longitude margin bounded near the poles
	}
	dLon := m / (metersPerDegree * cos)
	return BBox{
		West:  b.West - dLon,
		South: b.South - dLat,
		East:  b.East + dLon,
		North: b.North + dLat,
	}.clampWorld()
}

func (b BBox) clampWorld() BBox {
	if b.West < -180 {
		b.West = -180
	}
	if b.East > 180 {
		b.East = 180
	}
	if b.South < -90 {
		b.South = -90
	}
	if b.North > 90 {
		b.North = 90
	}
	return b
}

// GeometryType tags the variants of the Geometry union.
type GeometryType string

const (
	TypePoint           GeometryType = "Point"
	TypeLineString      GeometryType = "LineString"
	TypePolygon         GeometryType = "Polygon"
	TypeMultiLineString GeometryType = "MultiLineString"
	TypeMultiPolygon    GeometryType = "MultiPolygon"
)

// Geometry is the tagged union over the feature geometries the service
// handles. Only the field matching Type is meaningful. Polygon rings
// store the outer boundary first; holes are carried through untouched
// but ignored by the rectangle predicates, which is the selection
// contract (a hole overlapping the rectangle still selects the
// feature).
type Geometry struct {
	Type  GeometryType
	Point Point
	Path  Path
	Rings []Ring
	Paths []Path
	Polys [][]Ring
}

// Bounds computes the enclosing bounding box of the geometry. The zero
// box is returned for malformed geometries.
func (g Geometry) Bounds() BBox {
	first := true
	b := BBox{}
	add := func(p Point) {
		if first {
			b = BBox{West: p.Lon, South: p.Lat, East: p.Lon, North: p.Lat}
			first = false
			return
		}
		b.West = math.Min(b.West, p.Lon)
		b.East = math.Max(b.East, p.Lon)
		b.South = math.Min(b.South, p.Lat)
		b.North = math.Max(b.North, p.Lat)
	}
	g.eachPoint(add)
	return b
}

func (g Geometry) eachPoint(fn func(Point)) {
	switch g.Type {
	case TypePoint:
		fn(g.Point)
	case TypeLineString:
		for _, p := range g.Path {
			fn(p)
		}
	case TypePolygon:
		for _, r := range g.Rings {
			for _, p := range r {
				fn(p)
			}
		}
	case TypeMultiLineString:
		for _, path := range g.Paths {
			for _, p := range path {
				fn(p)
			}
		}
	case TypeMultiPolygon:
		for _, rings := range g.Polys {
			for _, r := range rings {
				for _, p := range r {
					fn(p)
				}
			}
		}
	}
}
