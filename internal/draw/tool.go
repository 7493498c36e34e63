// Package draw implements the rectangle drawing interaction. The tool
// is a small state machine fed with pointer events from a connected
// client; when a drag finalizes it hands the resulting bounding box to
// an injected selector.
package draw

import (
	"log/slog"
	"sync"

	"github.com/mapsel/spatial-select/internal/geom"
	"github.com/mapsel/spatial-select/internal/model"
)

// State enumerates the tool's phases. Finalization happens inside
// PointerUp and never outlives the call.
type State int

const (
	StateIdle State = iota
	StateArming
	StateDragging
)

func (s State) String() string {
	switch s {
	case StateArming:
		return "arming"
	case StateDragging:
		return "dragging"
	default:
		return "idle"
	}
}

// PanOwner is the suspend/restore surface of the session's pan
// ownership. The drag owns panning from pointer-down until the drag
// ends, on every exit path.
type PanOwner interface {
	SuspendPan(owner string)
	RestorePan(owner string)
}

// Selector receives the finalized rectangle. Invoked outside the
// tool's lock.
type Selector func(b geom.BBox)

const panOwner = "draw"

// Tool is the draw-select state machine. Safe for use from a single
// session loop; the lock only guards against teardown racing a drag.
type Tool struct {
	logger      *slog.Logger
	pan         PanOwner
	selectFn    Selector
	thresholdPx float64

	mu      sync.Mutex
	state   State
	anchor  model.PointerEvent
	current model.PointerEvent
}

func NewTool(logger *slog.Logger, pan PanOwner, selectFn Selector, thresholdPx float64) *Tool {
	if thresholdPx <= 0 {
		thresholdPx = 10
	}
	return &Tool{
		logger:      logger,
		pan:         pan,
		selectFn:    selectFn,
		thresholdPx: thresholdPx,
	}
}

// State returns the current phase.
func (t *Tool) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Start arms the tool. Starting an already active tool is a no-op.
func (t *Tool) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StateIdle {
		return
	}
	t.state = StateArming
	t.logger.Debug("draw tool armed")
}

// PointerDown anchors a drag. Ignored unless the tool is armed.
func (t *Tool) PointerDown(ev model.PointerEvent) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StateArming {
		return
	}
	t.anchor = ev
	t.current = ev
	t.state = StateDragging
	t.pan.SuspendPan(panOwner)
}

// PointerMove updates the drag and returns the rectangle between the
// anchor and the current point, for the caller's overlay. The second
// return is false when no drag is in progress.
func (t *Tool) PointerMove(ev model.PointerEvent) (geom.BBox, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StateDragging {
		return geom.BBox{}, false
	}
	t.current = ev
	return geom.NewBBox(t.anchor.At, ev.At), true
}

// PointerUp ends the drag. A span under the pixel threshold on both
// axes aborts back to Arming without a query; otherwise the finalized
// rectangle goes to the selector and the tool returns to Idle. Map
// panning is restored either way.
func (t *Tool) PointerUp(ev model.PointerEvent) (geom.BBox, bool) {
	t.mu.Lock()
	if t.state != StateDragging {
		t.mu.Unlock()
		return geom.BBox{}, false
	}
	dx := abs(ev.X - t.anchor.X)
	dy := abs(ev.Y - t.anchor.Y)
	if dx < t.thresholdPx && dy < t.thresholdPx {
		t.state = StateArming
		t.pan.RestorePan(panOwner)
		t.mu.Unlock()
		t.logger.Debug("drag below threshold, staying armed", "dx", dx, "dy", dy)
		return geom.BBox{}, false
	}
	bounds := geom.NewBBox(t.anchor.At, ev.At)
	t.state = StateIdle
	t.pan.RestorePan(panOwner)
	selectFn := t.selectFn
	t.mu.Unlock()

	if selectFn != nil {
		selectFn(bounds)
	}
	return bounds, true
}

// Stop forces the tool to Idle from any state, discarding an
// in-progress rectangle.
func (t *Tool) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == StateDragging {
		t.pan.RestorePan(panOwner)
	}
	t.state = StateIdle
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
