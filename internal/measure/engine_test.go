package measure

import (
	"errors"
	"io"
	"log/slog"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/mapsel/spatial-select/internal/geom"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestEngine(t *testing.T) (*Engine, *fakeClock) {
	t.Helper()
	clk := &fakeClock{t: time.Unix(1700000000, 0)}
	e := NewEngine(slog.New(slog.NewTextHandler(io.Discard, nil)), 100*time.Millisecond)
	e.now = clk.Now
	return e, clk
}

// click advances past the guard window first so it always lands.
func click(t *testing.T, e *Engine, clk *fakeClock, pt geom.Point) Reading {
	t.Helper()
	clk.Advance(200 * time.Millisecond)
	r, err := e.Click(pt)
	if err != nil {
		t.Fatalf("click %v: %v", pt, err)
	}
	return r
}

func measureLine(t *testing.T, e *Engine, clk *fakeClock, pts ...geom.Point) Reading {
	t.Helper()
	if err := e.Start(ModeLine); err != nil {
		t.Fatalf("start line: %v", err)
	}
	var r Reading
	for _, p := range pts {
		r = click(t, e, clk, p)
	}
	e.Clear()
	return r
}

func TestEngine_LineDistanceAccumulatesSegments(t *testing.T) {
	e, clk := newTestEngine(t)
	p1 := geom.Point{Lon: -83.0, Lat: 40.0}
	p2 := geom.Point{Lon: -83.0, Lat: 40.01}
	p3 := geom.Point{Lon: -82.99, Lat: 40.01}

	d12 := measureLine(t, e, clk, p1, p2).Meters
	d23 := measureLine(t, e, clk, p2, p3).Meters
	direct := measureLine(t, e, clk, p1, p3).Meters

	// 0.01 degrees of latitude is close to 1112 m on the mean sphere
	if d12 < 1105 || d12 > 1120 {
		t.Fatalf("two-point distance = %.1f m, want about 1112 m", d12)
	}

	if err := e.Start(ModeLine); err != nil {
		t.Fatalf("start line: %v", err)
	}
	click(t, e, clk, p1)
	after2 := click(t, e, clk, p2)
	if math.Abs(after2.Meters-d12) > 1e-6 {
		t.Fatalf("running distance after 2 points = %v, want %v", after2.Meters, d12)
	}
	total := click(t, e, clk, p3)
	if math.Abs(total.Meters-(d12+d23)) > 1e-6 {
		t.Fatalf("total = %v, want sum of segments %v", total.Meters, d12+d23)
	}
	if total.Meters <= direct {
		t.Fatalf("total %v must exceed the direct distance %v", total.Meters, direct)
	}
}

func TestEngine_UnitConversions(t *testing.T) {
	e, clk := newTestEngine(t)
	r := measureLine(t, e, clk,
		geom.Point{Lon: -83.0, Lat: 40.0},
		geom.Point{Lon: -83.0, Lat: 40.01},
	)
	if math.Abs(r.Miles-r.Meters*0.000621371) > 1e-9 {
		t.Fatalf("miles = %v for %v meters", r.Miles, r.Meters)
	}
	if math.Abs(r.Feet-r.Meters*3.28084) > 1e-9 {
		t.Fatalf("feet = %v for %v meters", r.Feet, r.Meters)
	}
}

func TestEngine_AreaOfKnownSquare(t *testing.T) {
	e, clk := newTestEngine(t)
	if err := e.Start(ModeArea); err != nil {
		t.Fatalf("start area: %v", err)
	}
	click(t, e, clk, geom.Point{Lon: 0, Lat: 0})
	click(t, e, clk, geom.Point{Lon: 0.01, Lat: 0})
	click(t, e, clk, geom.Point{Lon: 0.01, Lat: 0.01})
	r := click(t, e, clk, geom.Point{Lon: 0, Lat: 0.01})

	// 0.01 x 0.01 degrees at the equator is about 1.236 km^2
	want := 1.2364e6
	if math.Abs(r.SquareMeters-want) > want*0.01 {
		t.Fatalf("area = %.0f m^2, want about %.0f", r.SquareMeters, want)
	}
	if math.Abs(r.Acres-r.SquareMeters*0.000247105) > 1e-6 {
		t.Fatalf("acres = %v for %v m^2", r.Acres, r.SquareMeters)
	}
	if math.Abs(r.SquareMiles-r.SquareMeters*3.86102e-7) > 1e-9 {
		t.Fatalf("square miles = %v for %v m^2", r.SquareMiles, r.SquareMeters)
	}
}

func TestEngine_AreaDegenerateTriangleIsZero(t *testing.T) {
	e, clk := newTestEngine(t)
	if err := e.Start(ModeArea); err != nil {
		t.Fatalf("start area: %v", err)
	}
	click(t, e, clk, geom.Point{Lon: -83.0, Lat: 40.0})
	click(t, e, clk, geom.Point{Lon: -83.0, Lat: 40.01})
	r := click(t, e, clk, geom.Point{Lon: -83.0, Lat: 40.02})
	if r.SquareMeters > 1e-6 {
		t.Fatalf("collinear triangle area = %v, want 0", r.SquareMeters)
	}
}

func TestEngine_FinalizeBelowMinimumStaysCollecting(t *testing.T) {
	e, clk := newTestEngine(t)
	if err := e.Start(ModeArea); err != nil {
		t.Fatalf("start area: %v", err)
	}
	click(t, e, clk, geom.Point{Lon: -83.0, Lat: 40.0})
	click(t, e, clk, geom.Point{Lon: -82.99, Lat: 40.0})

	clk.Advance(200 * time.Millisecond)
	if _, err := e.DoubleClick(geom.Point{Lon: -82.99, Lat: 40.0}); !errors.Is(err, ErrTooFewVertices) {
		t.Fatalf("expected ErrTooFewVertices, got %v", err)
	}
	if e.State() != StateCollecting {
		t.Fatalf("state = %v, want collecting after rejected finalize", e.State())
	}

	click(t, e, clk, geom.Point{Lon: -82.99, Lat: 40.01})
	clk.Advance(200 * time.Millisecond)
	if _, err := e.DoubleClick(geom.Point{Lon: -82.99, Lat: 40.01}); err != nil {
		t.Fatalf("finalize with 3 vertices: %v", err)
	}
	if e.State() != StateFinalized {
		t.Fatalf("state = %v, want finalized", e.State())
	}
}

func TestEngine_GuardSuppressesRapidRepeatClick(t *testing.T) {
	e, clk := newTestEngine(t)
	if err := e.Start(ModeLine); err != nil {
		t.Fatalf("start line: %v", err)
	}
	p := geom.Point{Lon: -83.0, Lat: 40.0}
	r := click(t, e, clk, p)
	if r.Vertices != 1 {
		t.Fatalf("vertices = %d, want 1", r.Vertices)
	}

	clk.Advance(50 * time.Millisecond)
	r, err := e.Click(geom.Point{Lon: -82.99, Lat: 40.0})
	if err != nil {
		t.Fatalf("guarded click: %v", err)
	}
	if r.Vertices != 1 {
		t.Fatalf("vertices after guarded click = %d, want 1", r.Vertices)
	}

	clk.Advance(150 * time.Millisecond)
	r, err = e.Click(geom.Point{Lon: -82.99, Lat: 40.0})
	if err != nil {
		t.Fatalf("click after guard: %v", err)
	}
	if r.Vertices != 2 {
		t.Fatalf("vertices after guard lapsed = %d, want 2", r.Vertices)
	}
}

func TestEngine_FinalizedIgnoresFurtherClicks(t *testing.T) {
	e, clk := newTestEngine(t)
	if err := e.Start(ModeLine); err != nil {
		t.Fatalf("start line: %v", err)
	}
	click(t, e, clk, geom.Point{Lon: -83.0, Lat: 40.0})
	click(t, e, clk, geom.Point{Lon: -82.99, Lat: 40.0})
	clk.Advance(200 * time.Millisecond)
	final, err := e.DoubleClick(geom.Point{Lon: -82.99, Lat: 40.0})
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}

	clk.Advance(time.Second)
	r, err := e.Click(geom.Point{Lon: -82.0, Lat: 41.0})
	if err != nil {
		t.Fatalf("click after finalize: %v", err)
	}
	if r.Vertices != final.Vertices || r.Meters != final.Meters {
		t.Fatalf("finalized reading changed: %+v vs %+v", r, final)
	}
}

func TestEngine_StopDiscardsWithoutFinalizing(t *testing.T) {
	e, clk := newTestEngine(t)
	if err := e.Start(ModeLine); err != nil {
		t.Fatalf("start line: %v", err)
	}
	click(t, e, clk, geom.Point{Lon: -83.0, Lat: 40.0})
	click(t, e, clk, geom.Point{Lon: -82.99, Lat: 40.0})

	e.Stop()
	if e.State() != StateIdle {
		t.Fatalf("state = %v, want idle", e.State())
	}
	if r := e.Reading(); r.Vertices != 0 || r.Meters != 0 {
		t.Fatalf("reading after stop = %+v, want empty", r)
	}
}

func TestEngine_StartResetsPreviousMeasurement(t *testing.T) {
	e, clk := newTestEngine(t)
	if err := e.Start(ModeLine); err != nil {
		t.Fatalf("start line: %v", err)
	}
	click(t, e, clk, geom.Point{Lon: -83.0, Lat: 40.0})
	click(t, e, clk, geom.Point{Lon: -82.99, Lat: 40.0})

	if err := e.Start(ModeArea); err != nil {
		t.Fatalf("restart as area: %v", err)
	}
	r := e.Reading()
	if r.Vertices != 0 || r.Mode != ModeArea {
		t.Fatalf("restart kept old state: %+v", r)
	}
}

func TestEngine_ClickBeforeStartErrors(t *testing.T) {
	e, _ := newTestEngine(t)
	if _, err := e.Click(geom.Point{}); !errors.Is(err, ErrNotCollecting) {
		t.Fatalf("expected ErrNotCollecting, got %v", err)
	}
	if _, err := e.DoubleClick(geom.Point{}); !errors.Is(err, ErrNotCollecting) {
		t.Fatalf("expected ErrNotCollecting, got %v", err)
	}
}

func TestEngine_ReadingIsIdempotent(t *testing.T) {
	e, clk := newTestEngine(t)
	if err := e.Start(ModeArea); err != nil {
		t.Fatalf("start area: %v", err)
	}
	click(t, e, clk, geom.Point{Lon: 0, Lat: 0})
	click(t, e, clk, geom.Point{Lon: 0.01, Lat: 0})
	click(t, e, clk, geom.Point{Lon: 0.01, Lat: 0.01})

	r1 := e.Reading()
	r2 := e.Reading()
	if r1 != r2 {
		t.Fatalf("repeated readings differ: %+v vs %+v", r1, r2)
	}
}

func TestEngine_UnknownModeRejected(t *testing.T) {
	e, _ := newTestEngine(t)
	if err := e.Start(Mode("volume")); err == nil {
		t.Fatal("expected an error for an unknown mode")
	}
	if e.State() != StateIdle {
		t.Fatalf("state = %v, want idle after rejected start", e.State())
	}
}
