// Package session owns the per-connection map state: viewport, pan
// ownership, tool arbitration and the generation counter that guards
// against stale selection results. Components receive the session by
// reference instead of reaching for package state.
package session

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/mapsel/spatial-select/internal/geom"
	"github.com/mapsel/spatial-select/internal/observability"
)

// ErrToolBusy reports an attempt to activate a tool while another one
// holds the session.
var ErrToolBusy = errors.New("another tool is active")

// MapSession is the explicitly owned state of one connected map view.
type MapSession struct {
	ID     string
	logger *slog.Logger

	mu       sync.Mutex
	zoom     int
	viewport geom.BBox
	panOwner string
	tool     string

	gen atomic.Uint64
}

func New(logger *slog.Logger, zoom int) *MapSession {
	return &MapSession{
		ID:     uuid.NewString(),
		logger: logger,
		zoom:   zoom,
	}
}

// SetView records the client's current viewport and zoom.
func (s *MapSession) SetView(viewport geom.BBox, zoom int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.viewport = viewport
	s.zoom = zoom
}

// View returns the last reported viewport and zoom.
func (s *MapSession) View() (geom.BBox, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.viewport, s.zoom
}

// Zoom returns the last reported zoom level.
func (s *MapSession) Zoom() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.zoom
}

// SuspendPan hands map panning to the named owner. A second owner
// asking while panning is already held is refused quietly; the
// current owner keeps it.
func (s *MapSession) SuspendPan(owner string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.panOwner != "" && s.panOwner != owner {
		s.logger.Warn("pan already suspended", "owner", s.panOwner, "requested_by", owner)
		return
	}
	s.panOwner = owner
}

// RestorePan releases panning. Only the suspending owner may restore;
// a mismatched restore is a no-op so one tool cannot release another's
// hold.
func (s *MapSession) RestorePan(owner string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.panOwner == "" {
		return
	}
	if s.panOwner != owner {
		s.logger.Warn("pan restore by non-owner ignored", "owner", s.panOwner, "requested_by", owner)
		return
	}
	s.panOwner = ""
}

// PanSuspended reports whether a tool currently holds panning.
func (s *MapSession) PanSuspended() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.panOwner != ""
}

// Acquire claims the session for a tool. Draw-select and measurement
// are mutually exclusive; re-acquiring the held tool succeeds.
func (s *MapSession) Acquire(tool string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tool != "" && s.tool != tool {
		return fmt.Errorf("%w: %s holds the session, %s refused", ErrToolBusy, s.tool, tool)
	}
	s.tool = tool
	return nil
}

// Release frees the session if the named tool holds it.
func (s *MapSession) Release(tool string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tool != tool {
		return
	}
	s.tool = ""
}

// ActiveTool returns the tool currently holding the session, or "".
func (s *MapSession) ActiveTool() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tool
}

// NextGeneration issues the tag for a new selection. Results are
// admitted only while their generation is still the latest issued.
func (s *MapSession) NextGeneration() uint64 {
	return s.gen.Add(1)
}

// Admit reports whether a result tagged with gen may still be
// delivered. A result issued before the latest generation is stale
// and dropped.
func (s *MapSession) Admit(gen uint64) bool {
	if gen < s.gen.Load() {
		observability.IncStaleDiscard()
		s.logger.Debug("stale selection result dropped", "generation", gen, "latest", s.gen.Load())
		return false
	}
	return true
}

// Manager tracks the live sessions by id.
type Manager struct {
	logger *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*MapSession
}

func NewManager(logger *slog.Logger) *Manager {
	return &Manager{
		logger:   logger,
		sessions: make(map[string]*MapSession),
	}
}

// Create registers a new session at the given starting zoom.
func (m *Manager) Create(zoom int) *MapSession {
	s := New(m.logger, zoom)
	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()
	observability.SessionOpened()
	m.logger.Debug("session created", "session_id", s.ID)
	return s
}

// Get looks a live session up by id.
func (m *Manager) Get(id string) (*MapSession, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Destroy forgets the session.
func (m *Manager) Destroy(id string) {
	m.mu.Lock()
	_, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if ok {
		observability.SessionClosed()
		m.logger.Debug("session destroyed", "session_id", id)
	}
}

// Len reports the number of live sessions.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}
