package query

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/mapsel/spatial-select/internal/cache"
	"github.com/mapsel/spatial-select/internal/geom"
	"github.com/mapsel/spatial-select/internal/layer"
	"github.com/mapsel/spatial-select/internal/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testRegistry(t *testing.T) *layer.Registry {
	t.Helper()
	r, err := layer.Parse([]byte(`
layers:
  - id: parcels
    type_name: ms:parcels
    selectable: true
  - id: addresses
    type_name: ms:addresses
    selectable: true
`))
	if err != nil {
		t.Fatalf("parse registry: %v", err)
	}
	return r
}

type fakeQuerier struct {
	mu           sync.Mutex
	spatial      map[string][]model.Feature
	spatialErr   map[string]error
	attr         map[string][]model.Feature
	attrErr      map[string]error
	spatialCalls int
	attrCalls    int
	lastSpatial  geom.BBox
}

func (f *fakeQuerier) QueryWithin(_ context.Context, d layer.Descriptor, b geom.BBox, _ layer.Options) (*layer.FeatureSet, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.spatialCalls++
	f.lastSpatial = b
	if err := f.spatialErr[d.ID]; err != nil {
		return nil, err
	}
	return &layer.FeatureSet{Features: f.spatial[d.ID]}, nil
}

func (f *fakeQuerier) QueryAttributes(_ context.Context, d layer.Descriptor, _ layer.Options) (*layer.FeatureSet, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attrCalls++
	if err := f.attrErr[d.ID]; err != nil {
		return nil, err
	}
	return &layer.FeatureSet{Features: f.attr[d.ID]}, nil
}

func (f *fakeQuerier) calls() (spatial, attr int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.spatialCalls, f.attrCalls
}

func pointFeature(layerID, id string, lon, lat float64) model.Feature {
	return model.Feature{
		ID:       id,
		Layer:    layerID,
		Geometry: geom.Geometry{Type: geom.TypePoint, Point: geom.Point{Lon: lon, Lat: lat}},
	}
}

func polygonFeature(layerID, id string, ring geom.Ring) model.Feature {
	return model.Feature{
		ID:       id,
		Layer:    layerID,
		Geometry: geom.Geometry{Type: geom.TypePolygon, Rings: []geom.Ring{ring}},
	}
}

func newOrchestrator(t *testing.T, q layer.Querier, store Cache, cfg Config) *Orchestrator {
	t.Helper()
	return New(testLogger(), testRegistry(t), q, store, nil, cfg)
}

func TestSelect_InvalidBoundsRejected(t *testing.T) {
	o := newOrchestrator(t, &fakeQuerier{}, nil, Config{})
	_, err := o.Select(context.Background(), Request{
		Bounds: geom.BBox{West: -82.9, South: 39.9, East: -83.0, North: 40.0},
		Zoom:   15,
	})
	if !errors.Is(err, geom.ErrInvalidBounds) {
		t.Fatalf("expected ErrInvalidBounds, got %v", err)
	}
}

func TestSelect_FiltersToDrawnRectangle(t *testing.T) {
	bounds := geom.BBox{West: -83.0, South: 39.9, East: -82.9, North: 40.0}
	q := &fakeQuerier{
		spatial: map[string][]model.Feature{
			"parcels": {
				// one vertex inside the rectangle
				polygonFeature("parcels", "p1", geom.Ring{
					{Lon: -82.95, Lat: 39.95},
					{Lon: -82.80, Lat: 39.95},
					{Lon: -82.80, Lat: 39.85},
					{Lon: -82.95, Lat: 39.95},
				}),
			},
			"addresses": {
				pointFeature("addresses", "a1", -82.95, 39.95),
				pointFeature("addresses", "a2", -82.50, 39.95), // outside
			},
		},
	}
	o := newOrchestrator(t, q, nil, Config{})

	res, err := o.Select(context.Background(), Request{Bounds: bounds, Zoom: 16})
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if len(res.Features) != 2 {
		t.Fatalf("expected 2 features after filtering, got %d", len(res.Features))
	}
	if res.PerLayer["parcels"] != 1 || res.PerLayer["addresses"] != 1 {
		t.Fatalf("unexpected per-layer counts: %v", res.PerLayer)
	}
	// layer order from the registry is stable
	if res.Features[0].Layer != "parcels" || res.Features[1].Layer != "addresses" {
		t.Fatalf("merged order not stable: %s, %s", res.Features[0].Layer, res.Features[1].Layer)
	}
	if len(res.Warnings) != 0 {
		t.Fatalf("unexpected warnings: %v", res.Warnings)
	}
}

func TestSelect_FallbackOnPrimaryError(t *testing.T) {
	bounds := geom.BBox{West: -83.0, South: 39.9, East: -82.9, North: 40.0}
	q := &fakeQuerier{
		spatialErr: map[string]error{
			"parcels":   errors.New("spatial index unavailable"),
			"addresses": errors.New("spatial index unavailable"),
		},
		attr: map[string][]model.Feature{
			"addresses": {pointFeature("addresses", "a1", -82.95, 39.95)},
		},
	}
	o := newOrchestrator(t, q, nil, Config{})

	res, err := o.Select(context.Background(), Request{Bounds: bounds, Zoom: 16})
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if len(res.Features) != 1 || res.Features[0].ID != "a1" {
		t.Fatalf("expected the fallback feature, got %v", res.Features)
	}
	if len(res.Warnings) != 0 {
		t.Fatalf("fallback success must not warn, got %v", res.Warnings)
	}
}

func TestSelect_FallbackOnZeroFeatures(t *testing.T) {
	bounds := geom.BBox{West: -83.0, South: 39.9, East: -82.9, North: 40.0}
	q := &fakeQuerier{
		spatial: map[string][]model.Feature{}, // primary comes back empty
		attr: map[string][]model.Feature{
			"parcels": {pointFeature("parcels", "p1", -82.95, 39.95)},
		},
	}
	o := newOrchestrator(t, q, nil, Config{})

	res, err := o.Select(context.Background(), Request{Bounds: bounds, Zoom: 16, Layers: []string{"parcels"}})
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if len(res.Features) != 1 {
		t.Fatalf("expected fallback to fill in, got %d features", len(res.Features))
	}
	_, attr := q.calls()
	if attr == 0 {
		t.Fatal("attribute fallback was never consulted")
	}
}

func TestSelect_PartialFailureWarnsAndContinues(t *testing.T) {
	bounds := geom.BBox{West: -83.0, South: 39.9, East: -82.9, North: 40.0}
	q := &fakeQuerier{
		spatial: map[string][]model.Feature{
			"addresses": {pointFeature("addresses", "a1", -82.95, 39.95)},
		},
		spatialErr: map[string]error{"parcels": errors.New("boom")},
		attrErr:    map[string]error{"parcels": errors.New("boom again")},
	}
	o := newOrchestrator(t, q, nil, Config{})

	res, err := o.Select(context.Background(), Request{Bounds: bounds, Zoom: 16})
	if err != nil {
		t.Fatalf("partial failure must not be terminal: %v", err)
	}
	if len(res.Features) != 1 || res.Features[0].Layer != "addresses" {
		t.Fatalf("expected the healthy layer's feature, got %v", res.Features)
	}
	if len(res.Warnings) != 1 || res.Warnings[0].Layer != "parcels" {
		t.Fatalf("expected one parcels warning, got %v", res.Warnings)
	}
}

func TestSelect_CacheHitSkipsUpstream(t *testing.T) {
	bounds := geom.BBox{West: -83.0, South: 39.9, East: -82.9, North: 40.0}
	store, err := cache.NewMemory(16)
	if err != nil {
		t.Fatalf("new memory store: %v", err)
	}
	q := &fakeQuerier{
		spatial: map[string][]model.Feature{
			"parcels": {pointFeature("parcels", "p1", -82.95, 39.95)},
		},
	}
	o := newOrchestrator(t, q, store, Config{})
	req := Request{Bounds: bounds, Zoom: 16, Layers: []string{"parcels"}}

	if _, err := o.Select(context.Background(), req); err != nil {
		t.Fatalf("first select: %v", err)
	}
	spatialBefore, attrBefore := q.calls()

	res, err := o.Select(context.Background(), req)
	if err != nil {
		t.Fatalf("second select: %v", err)
	}
	spatialAfter, attrAfter := q.calls()
	if spatialAfter != spatialBefore || attrAfter != attrBefore {
		t.Fatal("cache hit still queried upstream")
	}
	if len(res.Features) != 1 || res.PerLayer["parcels"] != 1 {
		t.Fatalf("cached result malformed: %+v", res)
	}
}

func TestSelect_PartialFailureNotCached(t *testing.T) {
	bounds := geom.BBox{West: -83.0, South: 39.9, East: -82.9, North: 40.0}
	store, err := cache.NewMemory(16)
	if err != nil {
		t.Fatalf("new memory store: %v", err)
	}
	q := &fakeQuerier{
		spatialErr: map[string]error{"parcels": errors.New("boom")},
		attrErr:    map[string]error{"parcels": errors.New("boom")},
	}
	o := newOrchestrator(t, q, store, Config{})
	req := Request{Bounds: bounds, Zoom: 16, Layers: []string{"parcels"}}

	if _, err := o.Select(context.Background(), req); err != nil {
		t.Fatalf("select: %v", err)
	}
	if store.Len() != 0 {
		t.Fatalf("degraded result was cached, %d entries", store.Len())
	}
}

func TestSelect_Paging(t *testing.T) {
	bounds := geom.BBox{West: -83.0, South: 39.9, East: -82.9, North: 40.0}
	var feats []model.Feature
	for i := 0; i < 5; i++ {
		feats = append(feats, pointFeature("parcels", string(rune('a'+i)), -82.95, 39.95))
	}
	q := &fakeQuerier{spatial: map[string][]model.Feature{"parcels": feats}}
	o := newOrchestrator(t, q, nil, Config{})

	first, err := o.Select(context.Background(), Request{
		Bounds: bounds, Zoom: 16, Layers: []string{"parcels"},
		Page: model.Page{Limit: 2},
	})
	if err != nil {
		t.Fatalf("first page: %v", err)
	}
	if len(first.Features) != 2 || !first.HasMore {
		t.Fatalf("first page: got %d features, hasMore=%v", len(first.Features), first.HasMore)
	}
	if first.Total != 5 {
		t.Fatalf("total = %d, want 5", first.Total)
	}

	last, err := o.Select(context.Background(), Request{
		Bounds: bounds, Zoom: 16, Layers: []string{"parcels"},
		Page: model.Page{Offset: 4, Limit: 2},
	})
	if err != nil {
		t.Fatalf("last page: %v", err)
	}
	if len(last.Features) != 1 || last.HasMore {
		t.Fatalf("last page: got %d features, hasMore=%v", len(last.Features), last.HasMore)
	}
}

func TestSelect_BroadFetchAtLowZoom(t *testing.T) {
	bounds := geom.BBox{West: -83.0, South: 39.0, East: -82.0, North: 40.0}
	q := &fakeQuerier{
		attr: map[string][]model.Feature{
			"parcels": {
				pointFeature("parcels", "in", -82.5, 39.5),
				pointFeature("parcels", "out", -81.0, 39.5),
			},
		},
	}
	o := newOrchestrator(t, q, nil, Config{})

	res, err := o.Select(context.Background(), Request{Bounds: bounds, Zoom: 5, Layers: []string{"parcels"}})
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	spatial, _ := q.calls()
	if spatial != 0 {
		t.Fatalf("broad fetch must not issue spatial queries, got %d", spatial)
	}
	if len(res.Features) != 1 || res.Features[0].ID != "in" {
		t.Fatalf("broad fetch must still filter locally, got %v", res.Features)
	}
}

func TestSelect_MidZoomExpandsQueryBox(t *testing.T) {
	bounds := geom.BBox{West: -83.0, South: 39.9, East: -82.9, North: 40.0}
	q := &fakeQuerier{
		spatial: map[string][]model.Feature{
			"parcels": {
				pointFeature("parcels", "inside", -82.95, 39.95),
				// inside the widened query box but outside the rectangle
				pointFeature("parcels", "margin", -82.895, 39.95),
			},
		},
	}
	o := newOrchestrator(t, q, nil, Config{})

	res, err := o.Select(context.Background(), Request{Bounds: bounds, Zoom: 12, Layers: []string{"parcels"}})
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	q.mu.Lock()
	qbox := q.lastSpatial
	q.mu.Unlock()
	if qbox.West >= bounds.West || qbox.East <= bounds.East {
		t.Fatalf("query box %v was not expanded beyond %v", qbox, bounds)
	}
	if len(res.Features) != 1 || res.Features[0].ID != "inside" {
		t.Fatalf("margin feature must be filtered out, got %v", res.Features)
	}
}

func TestSelect_UnknownLayerWarns(t *testing.T) {
	bounds := geom.BBox{West: -83.0, South: 39.9, East: -82.9, North: 40.0}
	q := &fakeQuerier{
		spatial: map[string][]model.Feature{
			"parcels": {pointFeature("parcels", "p1", -82.95, 39.95)},
		},
	}
	o := newOrchestrator(t, q, nil, Config{})

	res, err := o.Select(context.Background(), Request{
		Bounds: bounds, Zoom: 16, Layers: []string{"parcels", "nope"},
	})
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if len(res.Warnings) != 1 || res.Warnings[0].Layer != "nope" {
		t.Fatalf("expected unknown-layer warning, got %v", res.Warnings)
	}
	if len(res.Features) != 1 {
		t.Fatalf("known layer should still resolve, got %d features", len(res.Features))
	}
}

func TestSelect_GenerationCarriedThrough(t *testing.T) {
	bounds := geom.BBox{West: -83.0, South: 39.9, East: -82.9, North: 40.0}
	q := &fakeQuerier{spatial: map[string][]model.Feature{}}
	o := newOrchestrator(t, q, nil, Config{})

	res, err := o.Select(context.Background(), Request{
		Bounds: bounds, Zoom: 16, Layers: []string{"parcels"}, Generation: 7,
	})
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if res.Generation != 7 {
		t.Fatalf("generation = %d, want 7", res.Generation)
	}
}

type captureStore struct {
	lastTTL time.Duration
	sets    int
}

func (c *captureStore) Get(context.Context, string) (cache.Entry, bool, error) {
	return cache.Entry{}, false, nil
}

func (c *captureStore) Set(_ context.Context, _ string, _ cache.Entry, ttl time.Duration) error {
	c.lastTTL = ttl
	c.sets++
	return nil
}

func TestSelect_TTLOverrideCapsCacheTTL(t *testing.T) {
	bounds := geom.BBox{West: -83.0, South: 39.9, East: -82.9, North: 40.0}
	q := &fakeQuerier{
		spatial: map[string][]model.Feature{
			"parcels": {pointFeature("parcels", "p1", -82.95, 39.95)},
		},
	}
	store := &captureStore{}
	cfg := Config{
		DefaultTTL:   5 * time.Minute,
		TTLOverrides: map[string]time.Duration{"parcels": time.Minute},
	}
	o := newOrchestrator(t, q, store, cfg)

	if _, err := o.Select(context.Background(), Request{Bounds: bounds, Zoom: 16, Layers: []string{"parcels"}}); err != nil {
		t.Fatalf("select: %v", err)
	}
	if store.sets != 1 {
		t.Fatalf("expected one cache fill, got %d", store.sets)
	}
	if store.lastTTL != time.Minute {
		t.Fatalf("ttl = %v, want the per-layer override 1m", store.lastTTL)
	}
}
