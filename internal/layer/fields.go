package layer

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
)

// Field is one attribute column of a layer schema.
type Field struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// Describer fetches the attribute schema of a layer.
type Describer interface {
	DescribeFields(ctx context.Context, d Descriptor) ([]Field, error)
}

// describeResponse mirrors the JSON output of DescribeFeatureType.
type describeResponse struct {
	FeatureTypes []struct {
		TypeName   string `json:"typeName"`
		Properties []struct {
			Name      string `json:"name"`
			LocalType string `json:"localType"`
		} `json:"properties"`
	} `json:"featureTypes"`
}

// DescribeFields asks the upstream service for the layer schema.
func (c *Client) DescribeFields(ctx context.Context, d Descriptor) ([]Field, error) {
	params := url.Values{}
	params.Set("service", "WFS")
	params.Set("version", "2.0.0")
	params.Set("request", "DescribeFeatureType")
	params.Set("typeNames", d.TypeName)
	params.Set("outputFormat", "application/json")

	u := *c.baseURL
	u.RawQuery = params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("describe %s: %w", d.ID, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 8<<10))
		return nil, fmt.Errorf("describe %s: upstream status %d: %s", d.ID, resp.StatusCode, string(b))
	}

	var dr describeResponse
	if err := json.NewDecoder(resp.Body).Decode(&dr); err != nil {
		return nil, fmt.Errorf("describe %s: decode schema: %w", d.ID, err)
	}
	var fields []Field
	for _, ft := range dr.FeatureTypes {
		for _, p := range ft.Properties {
			fields = append(fields, Field{Name: p.Name, Type: p.LocalType})
		}
	}
	return fields, nil
}

// Catalog caches layer schemas until an invalidation event drops
// them. Schemas change rarely, so entries have no expiry of their
// own.
type Catalog struct {
	logger *slog.Logger
	desc   Describer

	mu     sync.RWMutex
	fields map[string][]Field
}

func NewCatalog(logger *slog.Logger, desc Describer) *Catalog {
	return &Catalog{
		logger: logger,
		desc:   desc,
		fields: make(map[string][]Field),
	}
}

// Describe returns the cached schema for the layer, fetching it on
// first use.
func (c *Catalog) Describe(ctx context.Context, d Descriptor) ([]Field, error) {
	c.mu.RLock()
	if f, ok := c.fields[d.ID]; ok {
		c.mu.RUnlock()
		return f, nil
	}
	c.mu.RUnlock()

	f, err := c.desc.DescribeFields(ctx, d)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.fields[d.ID] = f
	c.mu.Unlock()
	return f, nil
}

// Invalidate drops the cached schema for one layer.
func (c *Catalog) Invalidate(layerID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.fields[layerID]; ok {
		delete(c.fields, layerID)
		c.logger.Debug("field catalog invalidated", "layer", layerID)
	}
}

// InvalidateAll drops every cached schema.
func (c *Catalog) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fields = make(map[string][]Field)
}
