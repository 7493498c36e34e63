package cache

import (
	"strings"
	"testing"
	"unicode"

	"github.com/mapsel/spatial-select/internal/geom"
	"github.com/mapsel/spatial-select/internal/model"
)

func sampleBBox() geom.BBox {
	return geom.BBox{West: -83.0, South: 39.9, East: -82.9, North: 40.0}
}

func TestKey_Determinism(t *testing.T) {
	p := model.Page{Offset: 0, Limit: 100}
	k1 := Key([]string{"parcels", "zoning"}, sampleBBox(), 12, p)
	k2 := Key([]string{"parcels", "zoning"}, sampleBBox(), 12, p)
	if k1 != k2 {
		t.Fatalf("determinism failed:\n k1=%s\n k2=%s", k1, k2)
	}
}

func TestKey_LayerOrderDoesNotSplitTheCache(t *testing.T) {
	p := model.Page{Limit: 100}
	k1 := Key([]string{"zoning", "parcels"}, sampleBBox(), 12, p)
	k2 := Key([]string{"parcels", "zoning"}, sampleBBox(), 12, p)
	if k1 != k2 {
		t.Fatalf("layer order changed the key:\n k1=%s\n k2=%s", k1, k2)
	}
}

func TestKey_SubMicroDegreeNoiseSharesKey(t *testing.T) {
	p := model.Page{Limit: 100}
	a := sampleBBox()
	b := a
	b.West += 1e-9
	k1 := Key([]string{"parcels"}, a, 12, p)
	k2 := Key([]string{"parcels"}, b, 12, p)
	if k1 != k2 {
		t.Fatalf("sub-rounding noise split the cache:\n k1=%s\n k2=%s", k1, k2)
	}
}

func TestKey_DifferentInputsDiffer(t *testing.T) {
	p := model.Page{Limit: 100}
	base := Key([]string{"parcels"}, sampleBBox(), 12, p)

	moved := sampleBBox()
	moved.East += 0.01
	if Key([]string{"parcels"}, moved, 12, p) == base {
		t.Fatalf("different bbox produced the same key")
	}
	if Key([]string{"parcels"}, sampleBBox(), 13, p) == base {
		t.Fatalf("different zoom produced the same key")
	}
	if Key([]string{"parcels"}, sampleBBox(), 12, model.Page{Offset: 100, Limit: 100}) == base {
		t.Fatalf("different page produced the same key")
	}
}

func TestKey_ASCIIOnlyAndHashSuffix(t *testing.T) {
	k := Key([]string{"vägar", "地区"}, sampleBBox(), 8, model.Page{Limit: 100})
	for _, r := range k {
		if r > unicode.MaxASCII {
			t.Fatalf("non-ASCII rune leaked into key: %q in %s", r, k)
		}
	}
	if !strings.Contains(k, ":k=") {
		t.Fatalf("missing hash suffix in key: %s", k)
	}
}
