// Package model defines the domain types shared across the service.
package model

import (
	"time"

	"github.com/mapsel/spatial-select/internal/geom"
)

// Feature is one selected map feature with its decoded geometry and
// the attribute row the layer returned for it.
type Feature struct {
	ID         string
	Layer      string
	Geometry   geom.Geometry
	Attributes map[string]any
}

// Warning records a non-fatal, per-layer problem encountered while a
// selection was being resolved. Warnings travel with the result
// instead of failing it.
type Warning struct {
	Layer   string `json:"layer"`
	Message string `json:"message"`
}

// Page is the slice of the result set a caller asked for.
type Page struct {
	Offset int `json:"offset"`
	Limit  int `json:"limit"`
}

// SelectResult is the outcome of one rectangle selection across the
// queried layers.
type SelectResult struct {
	// Generation tags the interaction that produced the result so
	// stale responses can be discarded once a newer rectangle is in
	// flight.
	Generation uint64
	Bounds     geom.BBox
	Features   []Feature
	PerLayer   map[string]int
	Warnings   []Warning
	Total      int
	HasMore    bool
	Elapsed    time.Duration
}

// PointerKind enumerates the pointer gestures the interaction state
// machines consume.
type PointerKind string

const (
	PointerDown        PointerKind = "down"
	PointerMove        PointerKind = "move"
	PointerUp          PointerKind = "up"
	PointerDoubleClick PointerKind = "dblclick"
)

// PointerEvent is one pointer sample from a connected client. X and Y
// are screen pixels, used for drag thresholds; At is the geographic
// position under the cursor.
type PointerEvent struct {
	Kind PointerKind `json:"kind"`
	X    float64     `json:"x"`
	Y    float64     `json:"y"`
	At   geom.Point  `json:"at"`
}
