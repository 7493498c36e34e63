// Package query implements the rectangle selection pipeline: strategy
// selection by zoom, primary and fallback layer queries, client-side
// geometry filtering, merging, paging and caching.
package query

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mapsel/spatial-select/internal/cache"
	"github.com/mapsel/spatial-select/internal/geom"
	"github.com/mapsel/spatial-select/internal/hotness"
	"github.com/mapsel/spatial-select/internal/layer"
	"github.com/mapsel/spatial-select/internal/model"
)

// Cache is the slice of the store the orchestrator uses.
type Cache interface {
	Get(ctx context.Context, key string) (cache.Entry, bool, error)
	Set(ctx context.Context, key string, e cache.Entry, ttl time.Duration) error
}

// Heat decides the cache TTL for a fill over the given area.
type Heat interface {
	Decide(b geom.BBox) (time.Duration, hotness.Band)
}

// Config bounds the pipeline. Zero values are replaced with the
// defaults below.
type Config struct {
	QueryTimeout time.Duration
	PageSize     int
	MaxRecords   int
	BroadZoom    int
	MidZoom      int
	ExpandFrac   float64
	ExpandMeters float64
	DefaultTTL   time.Duration
	TTLOverrides map[string]time.Duration
}

func (c Config) withDefaults() Config {
	if c.QueryTimeout <= 0 {
		c.QueryTimeout = 12 * time.Second
	}
	if c.PageSize <= 0 {
		c.PageSize = 100
	}
	if c.MaxRecords <= 0 {
		c.MaxRecords = 1000
	}
	if c.BroadZoom <= 0 {
		c.BroadZoom = 10
	}
	if c.MidZoom <= 0 {
		c.MidZoom = 14
	}
	if c.ExpandFrac <= 0 {
		c.ExpandFrac = 0.10
	}
	if c.ExpandMeters <= 0 {
		c.ExpandMeters = 100
	}
	if c.DefaultTTL <= 0 {
		c.DefaultTTL = 5 * time.Minute
	}
	return c
}

// Request is one selection over a drawn rectangle. An empty layer
// list selects every layer marked selectable. Generation is carried
// through to the result untouched so interactive sessions can discard
// superseded responses.
type Request struct {
	Bounds     geom.BBox
	Zoom       int
	Layers     []string
	Page       model.Page
	Generation uint64
}

type Orchestrator struct {
	logger   *slog.Logger
	registry *layer.Registry
	querier  layer.Querier
	store    Cache
	heat     Heat
	cfg      Config
	now      func() time.Time // for tests
}

func New(logger *slog.Logger, reg *layer.Registry, q layer.Querier, store Cache, heat Heat, cfg Config) *Orchestrator {
	return &Orchestrator{
		logger:   logger,
		registry: reg,
		querier:  q,
		store:    store,
		heat:     heat,
		cfg:      cfg.withDefaults(),
		now:      time.Now,
	}
}

// Select resolves one rectangle selection. The only terminal error is
// a malformed bounding box; every upstream failure degrades to a
// per-layer warning on an otherwise valid result.
func (o *Orchestrator) Select(ctx context.Context, req Request) (*model.SelectResult, error) {
	if err := req.Bounds.Validate(); err != nil {
		return nil, err
	}
	start := o.now()

	descs, warnings := o.resolveLayers(req.Layers)
	page := o.clampPage(req.Page)

	res := &model.SelectResult{
		Generation: req.Generation,
		Bounds:     req.Bounds,
		PerLayer:   make(map[string]int, len(descs)),
		Warnings:   warnings,
	}
	if len(descs) == 0 {
		res.Elapsed = o.now().Sub(start)
		return res, nil
	}

	ids := make([]string, len(descs))
	for i, d := range descs {
		ids[i] = d.ID
	}
	key := cache.Key(ids, req.Bounds, req.Zoom, page)

	if o.store != nil {
		if e, ok, err := o.store.Get(ctx, key); err != nil {
			o.logger.Warn("cache read failed", "err", err)
		} else if ok {
			res.Features = e.Features
			res.Total = e.Total
			res.HasMore = e.HasMore
			for _, f := range e.Features {
				res.PerLayer[f.Layer]++
			}
			res.Elapsed = o.now().Sub(start)
			return res, nil
		}
	}

	st := o.strategyFor(req.Zoom, req.Bounds)
	outcomes := o.fanOut(ctx, descs, req.Bounds, st)

	var merged []model.Feature
	total := 0
	for _, out := range outcomes {
		if out.warning != nil {
			res.Warnings = append(res.Warnings, *out.warning)
			continue
		}
		res.PerLayer[out.layerID] = len(out.features)
		merged = append(merged, out.features...)
		if out.matched > len(out.features) {
			total += out.matched
		} else {
			total += len(out.features)
		}
	}

	lo := page.Offset
	if lo > len(merged) {
		lo = len(merged)
	}
	hi := lo + page.Limit
	if hi > len(merged) {
		hi = len(merged)
	}
	res.Features = merged[lo:hi]
	res.Total = total
	res.HasMore = hi < len(merged) || total > len(merged)
	res.Elapsed = o.now().Sub(start)

	if o.store != nil && len(res.Warnings) == 0 {
		ttl := o.ttlFor(ids, req.Bounds)
		entry := cache.Entry{
			Layers:   ids,
			Bounds:   req.Bounds,
			Zoom:     req.Zoom,
			Features: res.Features,
			Total:    res.Total,
			HasMore:  res.HasMore,
		}
		if err := o.store.Set(ctx, key, entry, ttl); err != nil {
			o.logger.Warn("cache write failed", "err", err)
		}
	}

	o.logger.Debug("selection resolved",
		"strategy", st.name,
		"layers", len(descs),
		"features", len(res.Features),
		"total", res.Total,
		"warnings", len(res.Warnings),
		"elapsed", res.Elapsed.String())
	return res, nil
}

func (o *Orchestrator) resolveLayers(ids []string) ([]layer.Descriptor, []model.Warning) {
	if len(ids) == 0 {
		return o.registry.Selectable(), nil
	}
	var descs []layer.Descriptor
	var warnings []model.Warning
	for _, id := range ids {
		d, ok := o.registry.Get(id)
		if !ok {
			warnings = append(warnings, model.Warning{Layer: id, Message: "unknown layer"})
			continue
		}
		descs = append(descs, d)
	}
	return descs, warnings
}

func (o *Orchestrator) clampPage(p model.Page) model.Page {
	if p.Limit <= 0 || p.Limit > o.cfg.PageSize {
		p.Limit = o.cfg.PageSize
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}

// strategy is the zoom-dependent query plan. The expanded box only
// widens the remote query; client-side filtering always runs against
// the rectangle the user drew.
type strategy struct {
	name    string
	qbox    geom.BBox
	spatial bool
}

func (o *Orchestrator) strategyFor(zoom int, b geom.BBox) strategy {
	switch {
	case zoom < o.cfg.BroadZoom:
		return strategy{name: "broad_fetch", qbox: b, spatial: false}
	case zoom < o.cfg.MidZoom:
		return strategy{name: "fraction_margin", qbox: b.ExpandFraction(o.cfg.ExpandFrac), spatial: true}
	default:
		return strategy{name: "meter_margin", qbox: b.ExpandMeters(o.cfg.ExpandMeters), spatial: true}
	}
}

type layerOutcome struct {
	idx      int
	layerID  string
	features []model.Feature
	matched  int
	warning  *model.Warning
}

// fanOut queries every layer concurrently and returns the outcomes in
// input order.
func (o *Orchestrator) fanOut(ctx context.Context, descs []layer.Descriptor, bounds geom.BBox, st strategy) []layerOutcome {
	results := make(chan layerOutcome, len(descs))
	var wg sync.WaitGroup
	for i, d := range descs {
		wg.Add(1)
		go func(idx int, d layer.Descriptor) {
			defer wg.Done()
			out := o.queryLayer(ctx, d, bounds, st)
			out.idx = idx
			results <- out
		}(i, d)
	}
	wg.Wait()
	close(results)

	ordered := make([]layerOutcome, len(descs))
	for out := range results {
		ordered[out.idx] = out
	}
	return ordered
}

// queryLayer runs the primary attempt and, when it errors or comes
// back empty, the attribute fallback. Both paths end in the mandatory
// client-side re-filter against the drawn rectangle.
func (o *Orchestrator) queryLayer(ctx context.Context, d layer.Descriptor, bounds geom.BBox, st strategy) layerOutcome {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.QueryTimeout)
	defer cancel()

	out := layerOutcome{layerID: d.ID}
	opts := layer.Options{Where: d.Where, Limit: o.cfg.MaxRecords}

	var set *layer.FeatureSet
	var err error
	if st.spatial {
		set, err = o.querier.QueryWithin(ctx, d, st.qbox, opts)
	} else {
		set, err = o.querier.QueryAttributes(ctx, d, opts)
	}

	if st.spatial && (err != nil || len(set.Features) == 0) {
		if err != nil {
			o.logger.Warn("primary query failed, falling back", "layer", d.ID, "err", err)
		}
		set, err = o.querier.QueryAttributes(ctx, d, opts)
	}
	if err != nil {
		out.warning = &model.Warning{Layer: d.ID, Message: warningText(err)}
		return out
	}

	out.features = filterFeatures(set.Features, bounds)
	out.matched = set.Matched
	return out
}

func warningText(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "layer query timed out"
	}
	return fmt.Sprintf("layer query failed: %v", err)
}

// filterFeatures applies the rectangle predicates per geometry type,
// dropping features the remote filter let through too loosely.
func filterFeatures(features []model.Feature, b geom.BBox) []model.Feature {
	var out []model.Feature
	for _, f := range features {
		if f.Geometry.IntersectsBBox(b) {
			out = append(out, f)
		}
	}
	return out
}

func (o *Orchestrator) ttlFor(ids []string, b geom.BBox) time.Duration {
	ttl := o.cfg.DefaultTTL
	if o.heat != nil {
		ttl, _ = o.heat.Decide(b)
	}
	for _, id := range ids {
		if ov, ok := o.cfg.TTLOverrides[id]; ok && ov < ttl {
			ttl = ov
		}
	}
	return ttl
}
