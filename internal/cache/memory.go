package cache

import (
	"context"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/mapsel/spatial-select/internal/geom"
	"github.com/mapsel/spatial-select/internal/observability"
)

// Memory is the default size-bounded in-process store. Eviction is
// LRU; expiry is checked per entry on read so adaptive TTLs work
// without a sweeper goroutine.
type Memory struct {
	entries *lru.Cache[string, Entry]
	now     func() time.Time // for tests
}

func NewMemory(size int) (*Memory, error) {
	if size <= 0 {
		size = 1024
	}
	c, err := lru.New[string, Entry](size)
	if err != nil {
		return nil, fmt.Errorf("build lru: %w", err)
	}
	return &Memory{entries: c, now: time.Now}, nil
}

func (m *Memory) Get(_ context.Context, key string) (Entry, bool, error) {
	e, ok := m.entries.Get(key)
	if !ok {
		observability.IncCacheMiss()
		return Entry{}, false, nil
	}
	if m.now().After(e.ExpiresAt) {
		m.entries.Remove(key)
		observability.IncCacheExpired()
		observability.SetCacheEntries(m.entries.Len())
		return Entry{}, false, nil
	}
	observability.IncCacheHit()
	return e, true, nil
}

func (m *Memory) Set(_ context.Context, key string, e Entry, ttl time.Duration) error {
	now := m.now()
	e.FetchedAt = now
	e.ExpiresAt = now.Add(ttl)
	m.entries.Add(key, e)
	observability.SetCacheEntries(m.entries.Len())
	return nil
}

func (m *Memory) PurgeLayer(_ context.Context, layerID string) (int, error) {
	return m.purge(layerID, func(Entry) bool { return true }), nil
}

func (m *Memory) PurgeWithin(_ context.Context, layerID string, b geom.BBox) (int, error) {
	return m.purge(layerID, func(e Entry) bool { return e.Bounds.Intersects(b) }), nil
}

func (m *Memory) purge(layerID string, match func(Entry) bool) int {
	purged := 0
	for _, key := range m.entries.Keys() {
		e, ok := m.entries.Peek(key)
		if !ok {
			continue
		}
		if e.Touches(layerID) && match(e) {
			m.entries.Remove(key)
			purged++
		}
	}
	if purged > 0 {
		observability.SetCacheEntries(m.entries.Len())
	}
	return purged
}

func (m *Memory) Len() int { return m.entries.Len() }

func (m *Memory) Close() error { return nil }
