// Package invalidate consumes layer-change events and purges the
// affected cache entries, field schemas and hotness scores.
package invalidate

import (
	"fmt"
	"strings"
	"time"

	"github.com/mapsel/spatial-select/internal/geom"
)

// Event announces changed data in a layer. Version is a per-layer
// monotonic sequence used to drop replayed or out-of-order events.
// A bbox narrows the purge to entries touching that area; without one
// the whole layer is flushed.
type Event struct {
	Version uint64     `json:"version"`
	Op      string     `json:"op"`
	Layer   string     `json:"layer"`
	TS      time.Time  `json:"ts"`
	BBox    *geom.BBox `json:"bbox,omitempty"`
}

func (e Event) Validate() error {
	switch e.Op {
	case "insert", "update", "delete":
	default:
		return fmt.Errorf("op must be insert|update|delete")
	}
	if strings.TrimSpace(e.Layer) == "" {
		return fmt.Errorf("layer is required")
	}
	if e.Version == 0 {
		return fmt.Errorf("version is required")
	}
	if e.TS.IsZero() {
		return fmt.Errorf("ts is required")
	}
	if e.BBox != nil {
		if err := e.BBox.Validate(); err != nil {
			return fmt.Errorf("bbox: %w", err)
		}
	}
	return nil
}
