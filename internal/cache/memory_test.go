package cache

import (
	"context"
	"testing"
	"time"

	"github.com/mapsel/spatial-select/internal/geom"
	"github.com/mapsel/spatial-select/internal/model"
)

func testEntry(layers []string, b geom.BBox) Entry {
	return Entry{
		Layers: layers,
		Bounds: b,
		Zoom:   12,
		Features: []model.Feature{
			{ID: "1", Layer: layers[0], Geometry: geom.Geometry{Type: geom.TypePoint, Point: b.Center()}},
		},
		Total:   1,
		HasMore: false,
	}
}

func TestMemory_SetGetRoundTrip(t *testing.T) {
	m, err := NewMemory(8)
	if err != nil {
		t.Fatalf("NewMemory: %v", err)
	}
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return base }

	ctx := context.Background()
	e := testEntry([]string{"parcels"}, sampleBBox())
	if err := m.Set(ctx, "k1", e, time.Minute); err != nil {
		t.Fatalf("Set: %v", err)
	}

	got, ok, err := m.Get(ctx, "k1")
	if err != nil || !ok {
		t.Fatalf("Get: ok=%v err=%v", ok, err)
	}
	if got.Total != 1 || len(got.Features) != 1 || got.Features[0].ID != "1" {
		t.Fatalf("entry mangled: %+v", got)
	}
	if !got.FetchedAt.Equal(base) || !got.ExpiresAt.Equal(base.Add(time.Minute)) {
		t.Fatalf("timestamps wrong: fetched=%v expires=%v", got.FetchedAt, got.ExpiresAt)
	}
}

func TestMemory_ExpiredEntryBehavesLikeMiss(t *testing.T) {
	m, _ := NewMemory(8)
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return base }

	ctx := context.Background()
	_ = m.Set(ctx, "k1", testEntry([]string{"parcels"}, sampleBBox()), time.Minute)

	m.now = func() time.Time { return base.Add(61 * time.Second) }
	if _, ok, _ := m.Get(ctx, "k1"); ok {
		t.Fatalf("expired entry served")
	}
	if m.Len() != 0 {
		t.Fatalf("expired entry not dropped, len=%d", m.Len())
	}
}

func TestMemory_EvictsLeastRecentlyUsed(t *testing.T) {
	m, _ := NewMemory(2)
	ctx := context.Background()
	e := testEntry([]string{"parcels"}, sampleBBox())

	_ = m.Set(ctx, "a", e, time.Hour)
	_ = m.Set(ctx, "b", e, time.Hour)
	if _, ok, _ := m.Get(ctx, "a"); !ok { // touch a so b is the coldest
		t.Fatalf("a missing before eviction")
	}
	_ = m.Set(ctx, "c", e, time.Hour)

	if _, ok, _ := m.Get(ctx, "b"); ok {
		t.Fatalf("least recently used entry survived")
	}
	if _, ok, _ := m.Get(ctx, "a"); !ok {
		t.Fatalf("recently used entry evicted")
	}
	if m.Len() != 2 {
		t.Fatalf("len=%d want 2", m.Len())
	}
}

func TestMemory_PurgeLayerDropsOnlyMatchingEntries(t *testing.T) {
	m, _ := NewMemory(8)
	ctx := context.Background()

	_ = m.Set(ctx, "k1", testEntry([]string{"parcels", "zoning"}, sampleBBox()), time.Hour)
	_ = m.Set(ctx, "k2", testEntry([]string{"roads"}, sampleBBox()), time.Hour)

	n, err := m.PurgeLayer(ctx, "parcels")
	if err != nil || n != 1 {
		t.Fatalf("purged=%d err=%v, want 1", n, err)
	}
	if _, ok, _ := m.Get(ctx, "k1"); ok {
		t.Fatalf("entry containing purged layer survived")
	}
	if _, ok, _ := m.Get(ctx, "k2"); !ok {
		t.Fatalf("unrelated entry purged")
	}
}

func TestMemory_PurgeWithinHonorsBounds(t *testing.T) {
	m, _ := NewMemory(8)
	ctx := context.Background()

	near := geom.BBox{West: -83.0, South: 39.9, East: -82.9, North: 40.0}
	far := geom.BBox{West: 10, South: 10, East: 11, North: 11}
	_ = m.Set(ctx, "near", testEntry([]string{"parcels"}, near), time.Hour)
	_ = m.Set(ctx, "far", testEntry([]string{"parcels"}, far), time.Hour)

	n, err := m.PurgeWithin(ctx, "parcels", geom.BBox{West: -82.95, South: 39.95, East: -82.85, North: 40.05})
	if err != nil || n != 1 {
		t.Fatalf("purged=%d err=%v, want 1", n, err)
	}
	if _, ok, _ := m.Get(ctx, "near"); ok {
		t.Fatalf("overlapping entry survived")
	}
	if _, ok, _ := m.Get(ctx, "far"); !ok {
		t.Fatalf("non-overlapping entry purged")
	}
}
