package layer

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	geojson "github.com/paulmach/go.geojson"

	"github.com/mapsel/spatial-select/internal/geom"
	"github.com/mapsel/spatial-select/internal/model"
	"github.com/mapsel/spatial-select/internal/observability"
)

// Query modes, used for metrics and warnings.
const (
	ModeSpatial   = "spatial"
	ModeAttribute = "attribute"
)

// Options bound a single layer query.
type Options struct {
	Where  string
	Offset int
	Limit  int
}

// FeatureSet is the decoded result of one layer query. Matched is the
// upstream total when the service reports one, otherwise zero.
type FeatureSet struct {
	Features []model.Feature
	Matched  int
	Skipped  int
}

// Querier is the upstream surface the orchestrator depends on.
type Querier interface {
	QueryWithin(ctx context.Context, d Descriptor, b geom.BBox, opts Options) (*FeatureSet, error)
	QueryAttributes(ctx context.Context, d Descriptor, opts Options) (*FeatureSet, error)
}

// Client queries a WFS-style feature service that answers GetFeature
// requests with GeoJSON feature collections.
type Client struct {
	logger  *slog.Logger
	client  *http.Client
	baseURL *url.URL
	now     func() time.Time // for tests
}

func NewClient(logger *slog.Logger, hc *http.Client, base string) (*Client, error) {
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("parse upstream url: %w", err)
	}
	return &Client{
		logger:  logger,
		client:  hc,
		baseURL: u,
		now:     time.Now,
	}, nil
}

// QueryWithin runs the native spatial-intersection query for the
// layer over the bounding box. The bbox parameter and cql_filter are
// mutually exclusive on GeoServer, so a configured where clause folds
// the box into the filter as a BBOX predicate instead.
func (c *Client) QueryWithin(ctx context.Context, d Descriptor, b geom.BBox, opts Options) (*FeatureSet, error) {
	params := c.baseParams(d, opts)
	if opts.Where == "" {
		params.Set("bbox", b.String()+",EPSG:4326")
	} else {
		params.Set("cql_filter", fmt.Sprintf("BBOX(%s,%s) AND (%s)", geometryField(d), b.String(), opts.Where))
	}
	return c.getFeatures(ctx, d, ModeSpatial, params)
}

// QueryAttributes runs the attribute-only fallback query. No spatial
// predicate is sent; the caller limits the fetch and re-filters the
// features against the rectangle locally.
func (c *Client) QueryAttributes(ctx context.Context, d Descriptor, opts Options) (*FeatureSet, error) {
	params := c.baseParams(d, opts)
	if opts.Where != "" {
		params.Set("cql_filter", opts.Where)
	}
	return c.getFeatures(ctx, d, ModeAttribute, params)
}

func geometryField(d Descriptor) string {
	if d.GeometryField != "" {
		return d.GeometryField
	}
	return "geom"
}

func (c *Client) baseParams(d Descriptor, opts Options) url.Values {
	params := url.Values{}
	params.Set("service", "WFS")
	params.Set("version", "2.0.0")
	params.Set("request", "GetFeature")
	params.Set("typeNames", d.TypeName)
	params.Set("srsName", "EPSG:4326")
	params.Set("outputFormat", "application/json")
	if len(d.OutFields) > 0 {
		params.Set("propertyName", strings.Join(d.OutFields, ","))
	}
	if opts.Limit > 0 {
		params.Set("count", strconv.Itoa(opts.Limit))
	}
	if opts.Offset > 0 {
		params.Set("startIndex", strconv.Itoa(opts.Offset))
	}
	return params
}

// featureCollection mirrors the GeoJSON output of a WFS GetFeature
// call, including the totals GeoServer reports alongside the standard
// members.
type featureCollection struct {
	Type           string             `json:"type"`
	Features       []*geojson.Feature `json:"features"`
	TotalFeatures  int                `json:"totalFeatures"`
	NumberMatched  int                `json:"numberMatched"`
	NumberReturned int                `json:"numberReturned"`
}

func (c *Client) getFeatures(ctx context.Context, d Descriptor, mode string, params url.Values) (*FeatureSet, error) {
	u := *c.baseURL
	if d.Endpoint != "" {
		alt, err := url.Parse(d.Endpoint)
		if err != nil {
			return nil, fmt.Errorf("layer %s: parse endpoint: %w", d.ID, err)
		}
		u = *alt
	}
	u.RawQuery = params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	start := c.now()
	resp, err := c.client.Do(req)
	if err != nil {
		observability.ObserveLayerQuery(d.ID, mode, "error", time.Since(start).Seconds())
		return nil, fmt.Errorf("query %s: %w", d.ID, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 8<<10))
		observability.ObserveLayerQuery(d.ID, mode, "http_error", time.Since(start).Seconds())
		return nil, fmt.Errorf("query %s: upstream status %d: %s", d.ID, resp.StatusCode, string(b))
	}

	var fc featureCollection
	if err := json.NewDecoder(resp.Body).Decode(&fc); err != nil {
		observability.ObserveLayerQuery(d.ID, mode, "decode_error", time.Since(start).Seconds())
		return nil, fmt.Errorf("query %s: decode feature collection: %w", d.ID, err)
	}
	observability.ObserveLayerQuery(d.ID, mode, "ok", time.Since(start).Seconds())

	set := &FeatureSet{Matched: fc.TotalFeatures}
	if set.Matched == 0 {
		set.Matched = fc.NumberMatched
	}
	for _, f := range fc.Features {
		feat, err := decodeFeature(d.ID, f)
		if err != nil {
			// a broken record is dropped, its siblings still count
			set.Skipped++
			c.logger.Warn("skipping malformed feature", "layer", d.ID, "err", err)
			continue
		}
		set.Features = append(set.Features, feat)
	}
	return set, nil
}

func decodeFeature(layerID string, f *geojson.Feature) (model.Feature, error) {
	if f == nil {
		return model.Feature{}, fmt.Errorf("nil feature")
	}
	g, err := geom.FromGeoJSON(f.Geometry)
	if err != nil {
		return model.Feature{}, fmt.Errorf("feature %v: %w", f.ID, err)
	}
	return model.Feature{
		ID:         featureID(f.ID),
		Layer:      layerID,
		Geometry:   g,
		Attributes: f.Properties,
	}, nil
}

func featureID(id any) string {
	switch v := id.(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return fmt.Sprint(v)
	}
}
