package hotness

import (
	"time"

	"github.com/mapsel/spatial-select/internal/geom"
	"github.com/mapsel/spatial-select/internal/observability"
)

// Band classifies a score against the policy thresholds.
type Band string

const (
	BandCold Band = "cold"
	BandWarm Band = "warm"
	BandHot  Band = "hot"
)

// Policy maps a hotness score to a cache TTL. Hot areas keep results
// longer; cold ones churn fast so rarely revisited rectangles do not
// pin stale data.
type Policy struct {
	HotThreshold  float64
	WarmThreshold float64
	Cold          time.Duration
	Warm          time.Duration
	Hot           time.Duration
}

func (p Policy) TTLFor(score float64) (time.Duration, Band) {
	switch {
	case score >= p.HotThreshold && p.Hot > 0:
		return p.Hot, BandHot
	case score >= p.WarmThreshold && p.Warm > 0:
		return p.Warm, BandWarm
	default:
		return p.Cold, BandCold
	}
}

// Model ties cell covering, score tracking and the TTL policy
// together for the query path.
type Model struct {
	res     int
	tracker *Tracker
	policy  Policy
}

func NewModel(res int, halfLife time.Duration, policy Policy) *Model {
	return &Model{
		res:     res,
		tracker: NewTracker(halfLife),
		policy:  policy,
	}
}

// Decide records activity on the cells covering b and returns the TTL
// for a cache fill over that area.
func (m *Model) Decide(b geom.BBox) (time.Duration, Band) {
	cells, err := CellsFor(b, m.res)
	if err != nil || len(cells) == 0 {
		observability.IncTTLBand(string(BandCold))
		return m.policy.Cold, BandCold
	}
	m.tracker.Touch(cells...)
	ttl, band := m.policy.TTLFor(m.tracker.MaxScore(cells))
	observability.IncTTLBand(string(band))
	return ttl, band
}

// ResetWithin drops the scores of every cell covering b, used when an
// invalidation event reports changed data in that area.
func (m *Model) ResetWithin(b geom.BBox) {
	cells, err := CellsFor(b, m.res)
	if err != nil {
		return
	}
	m.tracker.Reset(cells...)
}

func (m *Model) Size() int { return m.tracker.Size() }
