// Package cache implements the query result cache for rectangle
// selections.
package cache

import (
	"context"
	"time"

	"github.com/mapsel/spatial-select/internal/geom"
	"github.com/mapsel/spatial-select/internal/model"
)

// Entry is one cached page of a resolved selection. The layer ids and
// bounds travel with the payload so invalidation can match entries
// without parsing keys.
type Entry struct {
	Layers    []string        `json:"layers"`
	Bounds    geom.BBox       `json:"bounds"`
	Zoom      int             `json:"zoom"`
	Features  []model.Feature `json:"features"`
	Total     int             `json:"total"`
	HasMore   bool            `json:"has_more"`
	FetchedAt time.Time       `json:"fetched_at"`
	ExpiresAt time.Time       `json:"expires_at"`
}

// Touches reports whether the entry was built from the given layer.
func (e Entry) Touches(layerID string) bool {
	for _, id := range e.Layers {
		if id == layerID {
			return true
		}
	}
	return false
}

// Store is the cache surface shared by the orchestrator and the
// invalidation runner.
type Store interface {
	Get(ctx context.Context, key string) (Entry, bool, error)
	Set(ctx context.Context, key string, e Entry, ttl time.Duration) error
	PurgeLayer(ctx context.Context, layerID string) (int, error)
	PurgeWithin(ctx context.Context, layerID string, b geom.BBox) (int, error)
	Close() error
}
