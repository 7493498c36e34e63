package geom

import (
	"fmt"

	geojson "github.com/paulmach/go.geojson"
)

func pointFromCoords(c []float64) (Point, error) {
	if len(c) < 2 {
		return Point{}, fmt.Errorf("position needs two coordinates, got %d", len(c))
	}
	return Point{Lon: c[0], Lat: c[1]}, nil
}

func pathFromCoords(cs [][]float64) (Path, error) {
	path := make(Path, 0, len(cs))
	for _, c := range cs {
		p, err := pointFromCoords(c)
		if err != nil {
			return nil, err
		}
		path = append(path, p)
	}
	return path, nil
}

func ringsFromCoords(cs [][][]float64) ([]Ring, error) {
	rings := make([]Ring, 0, len(cs))
	for _, rc := range cs {
		path, err := pathFromCoords(rc)
		if err != nil {
			return nil, err
		}
		rings = append(rings, Ring(path))
	}
	return rings, nil
}

// FromGeoJSON converts a decoded GeoJSON geometry into the internal
// union. Geometry types outside the union are rejected rather than
// silently dropped so the caller can surface a per-feature warning.
func FromGeoJSON(g *geojson.Geometry) (Geometry, error) {
	if g == nil {
		return Geometry{}, fmt.Errorf("nil geometry")
	}
	switch g.Type {
	case geojson.GeometryPoint:
		p, err := pointFromCoords(g.Point)
		if err != nil {
			return Geometry{}, err
		}
		return Geometry{Type: TypePoint, Point: p}, nil
	case geojson.GeometryLineString:
		path, err := pathFromCoords(g.LineString)
		if err != nil {
			return Geometry{}, err
		}
		return Geometry{Type: TypeLineString, Path: path}, nil
	case geojson.GeometryPolygon:
		rings, err := ringsFromCoords(g.Polygon)
		if err != nil {
			return Geometry{}, err
		}
		return Geometry{Type: TypePolygon, Rings: rings}, nil
	case geojson.GeometryMultiLineString:
		paths := make([]Path, 0, len(g.MultiLineString))
		for _, pc := range g.MultiLineString {
			path, err := pathFromCoords(pc)
			if err != nil {
				return Geometry{}, err
			}
			paths = append(paths, path)
		}
		return Geometry{Type: TypeMultiLineString, Paths: paths}, nil
	case geojson.GeometryMultiPolygon:
		polys := make([][]Ring, 0, len(g.MultiPolygon))
		for _, rc := range g.MultiPolygon {
			rings, err := ringsFromCoords(rc)
			if err != nil {
				return Geometry{}, err
			}
			polys = append(polys, rings)
		}
		return Geometry{Type: TypeMultiPolygon, Polys: polys}, nil
	default:
		return Geometry{}, fmt.Errorf("unsupported geometry type %q", g.Type)
	}
}

func coordsFromPath(path Path) [][]float64 {
	cs := make([][]float64, 0, len(path))
	for _, p := range path {
		cs = append(cs, []float64{p.Lon, p.Lat})
	}
	return cs
}

func coordsFromRings(rings []Ring) [][][]float64 {
	cs := make([][][]float64, 0, len(rings))
	for _, r := range rings {
		cs = append(cs, coordsFromPath(Path(r)))
	}
	return cs
}

// GeoJSON converts the geometry back into its GeoJSON form for
// response encoding. The zero geometry yields nil.
func (g Geometry) GeoJSON() *geojson.Geometry {
	switch g.Type {
	case TypePoint:
		return geojson.NewPointGeometry([]float64{g.Point.Lon, g.Point.Lat})
	case TypeLineString:
		return geojson.NewLineStringGeometry(coordsFromPath(g.Path))
	case TypePolygon:
		return geojson.NewPolygonGeometry(coordsFromRings(g.Rings))
	case TypeMultiLineString:
		cs := make([][][]float64, 0, len(g.Paths))
		for _, p := range g.Paths {
			cs = append(cs, coordsFromPath(p))
		}
		return geojson.NewMultiLineStringGeometry(cs...)
	case TypeMultiPolygon:
		cs := make([][][][]float64, 0, len(g.Polys))
		for _, rings := range g.Polys {
			cs = append(cs, coordsFromRings(rings))
		}
		return geojson.NewMultiPolygonGeometry(cs...)
	default:
		return nil
	}
}
