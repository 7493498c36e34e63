package hub

import (
	geojson "github.com/paulmach/go.geojson"

	"github.com/mapsel/spatial-select/internal/geom"
	"github.com/mapsel/spatial-select/internal/model"
)

// Display event types.
const (
	EventFeatures    = "features"
	EventProgress    = "progress"
	EventStatus      = "status"
	EventHighlight   = "highlight"
	EventRect        = "rect"
	EventMeasurement = "measurement"
)

// Status levels.
const (
	StatusInfo    = "info"
	StatusWarning = "warning"
	StatusError   = "error"
)

// Sink is the display surface the interaction pipeline emits to:
// finalized feature batches, load progress, status text and the
// geometry to highlight.
type Sink interface {
	FeatureBatch(res *model.SelectResult)
	Progress(pct int)
	Status(level, msg string)
	Highlight(g geom.Geometry)
}

// FeatureDoc is the GeoJSON feature collection sent to displays and
// returned by the select endpoint. Result metadata rides in the
// collection-level properties member.
type FeatureDoc struct {
	Type       string             `json:"type"`
	BBox       []float64          `json:"bbox,omitempty"`
	Features   []*geojson.Feature `json:"features"`
	Properties DocProperties      `json:"properties"`
}

type DocProperties struct {
	Total      int             `json:"total"`
	Returned   int             `json:"returned"`
	HasMore    bool            `json:"has_more"`
	PerLayer   map[string]int  `json:"per_layer,omitempty"`
	Warnings   []model.Warning `json:"warnings,omitempty"`
	ElapsedMS  int64           `json:"elapsed_ms"`
	Generation uint64          `json:"generation,omitempty"`
}

// BuildFeatureDoc encodes a selection result as a feature collection.
func BuildFeatureDoc(res *model.SelectResult) FeatureDoc {
	features := make([]*geojson.Feature, 0, len(res.Features))
	for _, f := range res.Features {
		gf := geojson.NewFeature(f.Geometry.GeoJSON())
		gf.ID = f.ID
		gf.Properties = map[string]any{}
		for k, v := range f.Attributes {
			gf.Properties[k] = v
		}
		gf.Properties["layerId"] = f.Layer
		features = append(features, gf)
	}
	doc := FeatureDoc{
		Type:     "FeatureCollection",
		Features: features,
		Properties: DocProperties{
			Total:      res.Total,
			Returned:   len(res.Features),
			HasMore:    res.HasMore,
			PerLayer:   res.PerLayer,
			Warnings:   res.Warnings,
			ElapsedMS:  res.Elapsed.Milliseconds(),
			Generation: res.Generation,
		},
	}
	if res.Bounds != (geom.BBox{}) {
		doc.BBox = []float64{res.Bounds.West, res.Bounds.South, res.Bounds.East, res.Bounds.North}
	}
	return doc
}

// sessionSink routes display events to one session's clients.
type sessionSink struct {
	hub       *Hub
	sessionID string
}

// NewSessionSink builds the display sink for a session.
func NewSessionSink(h *Hub, sessionID string) Sink {
	return &sessionSink{hub: h, sessionID: sessionID}
}

func (s *sessionSink) FeatureBatch(res *model.SelectResult) {
	s.hub.SendToSession(s.sessionID, Event{Type: EventFeatures, Payload: BuildFeatureDoc(res)})
}

func (s *sessionSink) Progress(pct int) {
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	s.hub.SendToSession(s.sessionID, Event{Type: EventProgress, Payload: map[string]int{"pct": pct}})
}

func (s *sessionSink) Status(level, msg string) {
	s.hub.SendToSession(s.sessionID, Event{Type: EventStatus, Payload: map[string]string{
		"level":   level,
		"message": msg,
	}})
}

func (s *sessionSink) Highlight(g geom.Geometry) {
	s.hub.SendToSession(s.sessionID, Event{Type: EventHighlight, Payload: g.GeoJSON()})
}
