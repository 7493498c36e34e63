// Package layer holds the configured layer registry and the HTTP
// client that queries the upstream feature service.
package layer

import (
	"fmt"
	"os"

	yaml "gopkg.in/yaml.v2"
)

// Descriptor describes one queryable layer as configured in the
// layers file. Endpoint overrides the shared upstream URL for layers
// served elsewhere; ZoomMin is the zoom level at which the layer
// becomes visible; MaxRecords caps how many features a single request
// may ask the upstream for.
type Descriptor struct {
	ID            string   `yaml:"id" json:"id"`
	Title         string   `yaml:"title" json:"title"`
	TypeName      string   `yaml:"type_name" json:"type_name"`
	Endpoint      string   `yaml:"endpoint,omitempty" json:"-"`
	Where         string   `yaml:"where,omitempty" json:"-"`
	GeometryField string   `yaml:"geometry_field,omitempty" json:"-"`
	DisplayField  string   `yaml:"display_field,omitempty" json:"display_field,omitempty"`
	OutFields     []string `yaml:"out_fields,omitempty" json:"out_fields,omitempty"`
	ZoomMin       int      `yaml:"zoom_min,omitempty" json:"zoom_min,omitempty"`
	MaxRecords    int      `yaml:"max_records,omitempty" json:"-"`
	Selectable    bool     `yaml:"selectable" json:"selectable"`
}

// VisibleAt reports whether the layer is shown at the given zoom. A
// zoom of zero or below means the caller has no zoom information and
// every layer passes.
func (d Descriptor) VisibleAt(zoom int) bool {
	return zoom <= 0 || zoom >= d.ZoomMin
}

type registryFile struct {
	Layers []Descriptor `yaml:"layers"`
}

// Registry is the immutable set of configured layers, in file order.
type Registry struct {
	order []Descriptor
	byID  map[string]Descriptor
}

// LoadFile reads and parses the YAML layers file.
func LoadFile(path string) (*Registry, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read layers file: %w", err)
	}
	return Parse(b)
}

// Parse builds a registry from YAML bytes, rejecting duplicate or
// incomplete entries.
func Parse(b []byte) (*Registry, error) {
	var f registryFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("parse layers file: %w", err)
	}
	if len(f.Layers) == 0 {
		return nil, fmt.Errorf("layers file defines no layers")
	}
	r := &Registry{byID: make(map[string]Descriptor, len(f.Layers))}
	for i, d := range f.Layers {
		if d.ID == "" {
			return nil, fmt.Errorf("layer %d: missing id", i)
		}
		if d.TypeName == "" {
			return nil, fmt.Errorf("layer %q: missing type_name", d.ID)
		}
		if _, dup := r.byID[d.ID]; dup {
			return nil, fmt.Errorf("layer %q: duplicate id", d.ID)
		}
		if d.Title == "" {
			d.Title = d.ID
		}
		r.byID[d.ID] = d
		r.order = append(r.order, d)
	}
	return r, nil
}

// Get looks a layer up by id.
func (r *Registry) Get(id string) (Descriptor, bool) {
	d, ok := r.byID[id]
	return d, ok
}

// All returns every configured layer in file order.
func (r *Registry) All() []Descriptor {
	out := make([]Descriptor, len(r.order))
	copy(out, r.order)
	return out
}

// Selectable returns the layers that participate in rectangle
// selection by default.
func (r *Registry) Selectable() []Descriptor {
	var out []Descriptor
	for _, d := range r.order {
		if d.Selectable {
			out = append(out, d)
		}
	}
	return out
}

// SelectableAt returns the selectable layers visible at the given
// zoom level.
func (r *Registry) SelectableAt(zoom int) []Descriptor {
	var out []Descriptor
	for _, d := range r.order {
		if d.Selectable && d.VisibleAt(zoom) {
			out = append(out, d)
		}
	}
	return out
}
