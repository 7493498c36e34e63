package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/mapsel/spatial-select/internal/events"
	"github.com/mapsel/spatial-select/internal/geom"
	"github.com/mapsel/spatial-select/internal/hub"
	"github.com/mapsel/spatial-select/internal/layer"
	"github.com/mapsel/spatial-select/internal/model"
	"github.com/mapsel/spatial-select/internal/observability"
	"github.com/mapsel/spatial-select/internal/query"
)

// API serves the plain HTTP routes: one-shot selections and the layer
// catalog. Interactive drawing goes through the WebSocket handler.
type API struct {
	logger   *slog.Logger
	registry *layer.Registry
	catalog  *layer.Catalog
	orch     *query.Orchestrator
	events   *events.Publisher
}

func NewAPI(logger *slog.Logger, reg *layer.Registry, cat *layer.Catalog, orch *query.Orchestrator, pub *events.Publisher) *API {
	if logger == nil {
		logger = slog.Default()
	}
	return &API{logger: logger, registry: reg, catalog: cat, orch: orch, events: pub}
}

type errorResponse struct {
	Error string `json:"error"`
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, errorResponse{Error: msg})
}

// selectBody is the POST /select request document.
type selectBody struct {
	Bounds geom.BBox  `json:"bounds"`
	Zoom   int        `json:"zoom"`
	Layers []string   `json:"layers"`
	Page   model.Page `json:"page"`
}

// ParseSelectRequest reads a selection request from either the query
// string (GET) or a JSON body (POST). The bbox parameter takes
// west,south,east,north with an optional trailing EPSG:4326 tag.
func ParseSelectRequest(r *http.Request) (query.Request, error) {
	if r.Method == http.MethodPost {
		var body selectBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			return query.Request{}, fmt.Errorf("decode body: %w", err)
		}
		return query.Request{
			Bounds: body.Bounds,
			Zoom:   body.Zoom,
			Layers: body.Layers,
			Page:   body.Page,
		}, nil
	}

	q := r.URL.Query()

	rawBBox := strings.TrimSpace(q.Get("bbox"))
	if rawBBox == "" {
		return query.Request{}, errors.New("missing required parameter: bbox")
	}
	bounds, err := parseBBox(rawBBox)
	if err != nil {
		return query.Request{}, fmt.Errorf("invalid bbox: %w", err)
	}

	req := query.Request{Bounds: bounds}

	if raw := strings.TrimSpace(q.Get("layers")); raw != "" {
		for _, id := range strings.Split(raw, ",") {
			if id = strings.TrimSpace(id); id != "" {
				req.Layers = append(req.Layers, id)
			}
		}
	}
	if req.Zoom, err = parseIntParam(q.Get("zoom"), "zoom"); err != nil {
		return query.Request{}, err
	}
	if req.Page.Offset, err = parseIntParam(q.Get("offset"), "offset"); err != nil {
		return query.Request{}, err
	}
	if req.Page.Limit, err = parseIntParam(q.Get("limit"), "limit"); err != nil {
		return query.Request{}, err
	}
	return req, nil
}

func parseBBox(raw string) (geom.BBox, error) {
	parts := strings.Split(raw, ",")
	switch len(parts) {
	case 4:
	case 5:
		srid := strings.ToUpper(strings.TrimSpace(parts[4]))
		if srid != "EPSG:4326" {
			return geom.BBox{}, fmt.Errorf("only EPSG:4326 is supported (got %q)", srid)
		}
	default:
		return geom.BBox{}, errors.New("expected west,south,east,north[,EPSG:4326]")
	}

	vals := make([]float64, 4)
	for i := range vals {
		f, err := strconv.ParseFloat(strings.TrimSpace(parts[i]), 64)
		if err != nil {
			return geom.BBox{}, fmt.Errorf("coordinate %d: %w", i+1, err)
		}
		vals[i] = f
	}
	return geom.BBox{West: vals[0], South: vals[1], East: vals[2], North: vals[3]}, nil
}

func parseIntParam(raw, name string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	return n, nil
}

// Select resolves a one-shot rectangle selection over HTTP.
func (a *API) Select(w http.ResponseWriter, r *http.Request) {
	req, err := ParseSelectRequest(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := a.orch.Select(r.Context(), req)
	if err != nil {
		if errors.Is(err, geom.ErrInvalidBounds) {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		a.logger.Error("selection failed", "err", err)
		respondError(w, http.StatusInternalServerError, "selection failed")
		return
	}

	observability.ObserveSelection("http", res.Elapsed.Seconds(), len(res.Features))
	a.events.Publish(events.Selection{
		Transport: "http",
		Bounds:    res.Bounds,
		Zoom:      req.Zoom,
		Layers:    req.Layers,
		Features:  len(res.Features),
		Total:     res.Total,
		Warnings:  len(res.Warnings),
		ElapsedMS: res.Elapsed.Milliseconds(),
	})

	w.Header().Set("X-Has-More", strconv.FormatBool(res.HasMore))
	respondJSON(w, http.StatusOK, hub.BuildFeatureDoc(res))
}

// layerInfo is the catalog row returned by GET /layers.
type layerInfo struct {
	ID           string `json:"id"`
	Title        string `json:"title"`
	DisplayField string `json:"display_field,omitempty"`
	Selectable   bool   `json:"selectable"`
}

func (a *API) Layers(w http.ResponseWriter, _ *http.Request) {
	descs := a.registry.All()
	out := make([]layerInfo, 0, len(descs))
	for _, d := range descs {
		out = append(out, layerInfo{
			ID:           d.ID,
			Title:        d.Title,
			DisplayField: d.DisplayField,
			Selectable:   d.Selectable,
		})
	}
	respondJSON(w, http.StatusOK, out)
}

// fieldsResponse is the schema document returned by GET /layers/{id}/fields.
type fieldsResponse struct {
	Layer  string        `json:"layer"`
	Fields []layer.Field `json:"fields"`
}

func (a *API) LayerFields(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	d, ok := a.registry.Get(id)
	if !ok {
		respondError(w, http.StatusNotFound, fmt.Sprintf("unknown layer %q", id))
		return
	}

	fields, err := a.catalog.Describe(r.Context(), d)
	if err != nil {
		a.logger.Error("describe layer failed", "layer", id, "err", err)
		respondError(w, http.StatusBadGateway, "upstream schema fetch failed")
		return
	}
	respondJSON(w, http.StatusOK, fieldsResponse{Layer: id, Fields: fields})
}
