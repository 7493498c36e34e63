package hotness

import (
	"fmt"
	"sort"

	h3 "github.com/uber/h3-go/v4"

	"github.com/mapsel/spatial-select/internal/geom"
)

// CellsFor covers the box with H3 cells at the given resolution. A
// box smaller than one cell yields no polyfill cells, so the cell
// under the box center is used instead; selection rectangles are
// routinely that small.
func CellsFor(b geom.BBox, res int) ([]string, error) {
	if res < 0 || res > 15 {
		return nil, fmt.Errorf("invalid H3 resolution %d (must be 0..15)", res)
	}
	if err := b.Validate(); err != nil {
		return nil, err
	}

	outer := h3.GeoLoop{
		{Lat: b.South, Lng: b.West},
		{Lat: b.South, Lng: b.East},
		{Lat: b.North, Lng: b.East},
		{Lat: b.North, Lng: b.West},
	}
	cells, err := h3.PolygonToCells(h3.GeoPolygon{GeoLoop: outer}, res)
	if err != nil {
		return nil, fmt.Errorf("h3 polyfill: %w", err)
	}

	if len(cells) == 0 {
		center := b.Center()
		c, err := h3.LatLngToCell(h3.LatLng{Lat: center.Lat, Lng: center.Lon}, res)
		if err != nil {
			return nil, fmt.Errorf("h3 center cell: %w", err)
		}
		cells = []h3.Cell{c}
	}

	out := make([]string, 0, len(cells))
	seen := make(map[string]struct{}, len(cells))
	for _, c := range cells {
		s := c.String()
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out, nil
}
