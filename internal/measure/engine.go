// Package measure implements the line and area measurement tools.
// Vertices are collected from map clicks; readings are recomputed
// from the full vertex list on every change so repeated computation
// over the same vertices always agrees.
package measure

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/golang/geo/s2"

	"github.com/mapsel/spatial-select/internal/geom"
	"github.com/mapsel/spatial-select/internal/observability"
)

// Mode selects what a measurement reports.
type Mode string

const (
	ModeLine Mode = "line"
	ModeArea Mode = "area"
)

func (m Mode) minVertices() int {
	if m == ModeArea {
		return 3
	}
	return 2
}

// State enumerates the engine's phases.
type State int

const (
	StateIdle State = iota
	StateCollecting
	StateFinalized
)

func (s State) String() string {
	switch s {
	case StateCollecting:
		return "collecting"
	case StateFinalized:
		return "finalized"
	default:
		return "idle"
	}
}

var (
	// ErrNotCollecting reports a click or finalize without an active
	// measurement.
	ErrNotCollecting = errors.New("measurement not collecting")
	// ErrTooFewVertices reports a finalize before the mode's minimum
	// vertex count is reached.
	ErrTooFewVertices = errors.New("too few vertices")
)

const (
	earthRadiusMeters = 6371000.0
	degToRad          = math.Pi / 180

	metersToMiles    = 0.000621371
	metersToFeet     = 3.28084
	sqmToAcres       = 0.000247105
	sqmToSquareMiles = 3.86102e-7
)

// Reading is the running measurement over the collected vertices.
// Meters is the length of the clicked path; the area fields are only
// populated in area mode once three vertices exist.
type Reading struct {
	Mode     Mode    `json:"mode"`
	Vertices int     `json:"vertices"`
	Meters   float64 `json:"meters"`
	Miles    float64 `json:"miles"`
	Feet     float64 `json:"feet"`

	SquareMeters float64 `json:"square_meters,omitempty"`
	Acres        float64 `json:"acres,omitempty"`
	SquareMiles  float64 `json:"square_miles,omitempty"`
}

// Engine is the measurement state machine for one session. Rapid
// repeat clicks inside the guard window are dropped so the click pair
// a double-click produces does not append a spurious vertex.
type Engine struct {
	logger *slog.Logger
	guard  time.Duration
	now    func() time.Time // for tests

	mu        sync.Mutex
	state     State
	mode      Mode
	vertices  []geom.Point
	lastClick time.Time
}

func NewEngine(logger *slog.Logger, guard time.Duration) *Engine {
	if guard <= 0 {
		guard = 100 * time.Millisecond
	}
	return &Engine{
		logger: logger,
		guard:  guard,
		now:    time.Now,
	}
}

// Start begins collecting in the given mode, discarding any previous
// vertices. Restarting an active measurement switches mode.
func (e *Engine) Start(mode Mode) error {
	if mode != ModeLine && mode != ModeArea {
		return fmt.Errorf("unknown measurement mode %q", mode)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = StateCollecting
	e.mode = mode
	e.vertices = nil
	e.lastClick = time.Time{}
	e.logger.Debug("measurement started", "mode", string(mode))
	return nil
}

// Click appends a vertex and returns the updated running reading.
// Clicks after finalization, and repeat clicks inside the guard
// window, are ignored and return the unchanged reading.
func (e *Engine) Click(pt geom.Point) (Reading, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch e.state {
	case StateIdle:
		return Reading{}, ErrNotCollecting
	case StateFinalized:
		return e.readingLocked(), nil
	}
	now := e.now()
	if !e.lastClick.IsZero() && now.Sub(e.lastClick) < e.guard {
		return e.readingLocked(), nil
	}
	e.lastClick = now
	e.vertices = append(e.vertices, pt)
	return e.readingLocked(), nil
}

// DoubleClick finalizes the measurement. The double-click position is
// not appended; the click event preceding it already placed the final
// vertex. Finalizing below the mode's minimum keeps collecting.
func (e *Engine) DoubleClick(pt geom.Point) (Reading, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch e.state {
	case StateIdle:
		return Reading{}, ErrNotCollecting
	case StateFinalized:
		return e.readingLocked(), nil
	}
	if min := e.mode.minVertices(); len(e.vertices) < min {
		return e.readingLocked(), fmt.Errorf("%w: %s measurement requires at least %d points", ErrTooFewVertices, e.mode, min)
	}
	e.state = StateFinalized
	e.lastClick = e.now()
	observability.IncMeasurement(string(e.mode))
	e.logger.Debug("measurement finalized",
		"mode", string(e.mode),
		"vertices", len(e.vertices),
		"at_lon", pt.Lon,
		"at_lat", pt.Lat)
	return e.readingLocked(), nil
}

// Stop abandons the measurement without finalizing.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = StateIdle
	e.vertices = nil
	e.lastClick = time.Time{}
}

// Clear discards everything, including a finalized overlay.
func (e *Engine) Clear() {
	e.Stop()
}

// State returns the current phase.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Reading recomputes the measurement from the current vertex list.
func (e *Engine) Reading() Reading {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.readingLocked()
}

// Vertices returns a copy of the collected vertex list for the
// caller's overlay.
func (e *Engine) Vertices() []geom.Point {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]geom.Point, len(e.vertices))
	copy(out, e.vertices)
	return out
}

func (e *Engine) readingLocked() Reading {
	r := Reading{Mode: e.mode, Vertices: len(e.vertices)}
	for i := 1; i < len(e.vertices); i++ {
		r.Meters += DistanceMeters(e.vertices[i-1], e.vertices[i])
	}
	r.Miles = r.Meters * metersToMiles
	r.Feet = r.Meters * metersToFeet
	if e.mode == ModeArea && len(e.vertices) >= 3 {
		r.SquareMeters = AreaSquareMeters(e.vertices)
		r.Acres = r.SquareMeters * sqmToAcres
		r.SquareMiles = r.SquareMeters * sqmToSquareMiles
	}
	return r
}

// DistanceMeters is the great-circle distance between two points on
// the mean-radius sphere.
func DistanceMeters(a, b geom.Point) float64 {
	la := s2.LatLngFromDegrees(a.Lat, a.Lon)
	lb := s2.LatLngFromDegrees(b.Lat, b.Lon)
	return la.Distance(lb).Radians() * earthRadiusMeters
}

// AreaSquareMeters computes the planar shoelace area over raw degree
// coordinates and scales it to square meters on the mean-radius
// sphere. The approximation holds for small polygons that do not span
// large latitude ranges.
func AreaSquareMeters(vs []geom.Point) float64 {
	if len(vs) < 3 {
		return 0
	}
	sum := 0.0
	for i := range vs {
		j := (i + 1) % len(vs)
		sum += vs[i].Lon*vs[j].Lat - vs[j].Lon*vs[i].Lat
	}
	areaDeg := math.Abs(sum) / 2
	return areaDeg * degToRad * degToRad * earthRadiusMeters * earthRadiusMeters
}
