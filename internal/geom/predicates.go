package geom

// PointInRing reports whether p lies inside the ring using a ray cast
// toward positive longitude. Points exactly on the boundary may land
// on either side; callers that need edge-inclusive behavior should
// test the bounding box first. Rings with fewer than three distinct
// vertices never contain anything.
func PointInRing(p Point, ring Ring) bool {
	if len(ring) < 3 {
		return false
	}
	inside := false
	j := len(ring) - 1
	for i := 0; i < len(ring); i++ {
		vi, vj := ring[i], ring[j]
		if (vi.Lat > p.Lat) != (vj.Lat > p.Lat) &&
			p.Lon < (vj.Lon-vi.Lon)*(p.Lat-vi.Lat)/(vj.Lat-vi.Lat)+vi.Lon {
			inside = !inside
		}
		j = i
	}
	return inside
}

// ccw reports whether the triple a, b, c turns counter-clockwise.
func ccw(a, b, c Point) bool {
	return (c.Lat-a.Lat)*(b.Lon-a.Lon) > (b.Lat-a.Lat)*(c.Lon-a.Lon)
}

// SegmentsCross reports whether segments ab and cd properly intersect.
// Collinear overlap reports false, which the rectangle predicates
// tolerate: a segment sliding along a rectangle edge has its endpoints
// caught by the containment checks instead.
func SegmentsCross(a, b, c, d Point) bool {
	return ccw(a, c, d) != ccw(b, c, d) && ccw(a, b, c) != ccw(a, b, d)
}

// edges returns the four boundary segments of the box.
func (b BBox) edges() [4][2]Point {
	c := b.Corners()
	return [4][2]Point{
		{c[0], c[1]},
		{c[1], c[2]},
		{c[2], c[3]},
		{c[3], c[0]},
	}
}

// PathIntersectsBBox reports whether the line string touches the box:
// either a vertex lies inside it or a segment crosses one of its
// edges. Paths with fewer than two vertices report false.
func PathIntersectsBBox(path Path, b BBox) bool {
	if len(path) < 2 {
		return false
	}
	for _, p := range path {
		if b.Contains(p) {
			return true
		}
	}
	edges := b.edges()
	for i := 0; i < len(path)-1; i++ {
		for _, e := range edges {
			if SegmentsCross(path[i], path[i+1], e[0], e[1]) {
				return true
			}
		}
	}
	return false
}

// RingIntersectsBBox reports whether the polygon ring and the box
// overlap. Three cases cover the plane: a ring vertex inside the box,
// a ring edge crossing a box edge, or the box lying wholly inside the
// ring (tested through its corners). Open rings with fewer than four
// vertices report false.
func RingIntersectsBBox(ring Ring, b BBox) bool {
	if len(ring) < 4 {
		return false
	}
	for _, p := range ring {
		if b.Contains(p) {
			return true
		}
	}
	edges := b.edges()
	for i := 0; i < len(ring)-1; i++ {
		for _, e := range edges {
			if SegmentsCross(ring[i], ring[i+1], e[0], e[1]) {
				return true
			}
		}
	}
	for _, c := range b.Corners() {
		if !PointInRing(c, ring) {
			return false
		}
	}
	return true
}

// IntersectsBBox dispatches the rectangle test over the geometry
// union. Unknown or malformed geometries report false so that a bad
// upstream record is dropped rather than selected.
func (g Geometry) IntersectsBBox(b BBox) bool {
	switch g.Type {
	case TypePoint:
		return b.Contains(g.Point)
	case TypeLineString:
		return PathIntersectsBBox(g.Path, b)
	case TypePolygon:
		if len(g.Rings) == 0 {
			return false
		}
		return RingIntersectsBBox(g.Rings[0], b)
	case TypeMultiLineString:
		for _, path := range g.Paths {
			if PathIntersectsBBox(path, b) {
				return true
			}
		}
		return false
	case TypeMultiPolygon:
		for _, rings := range g.Polys {
			if len(rings) > 0 && RingIntersectsBBox(rings[0], b) {
				return true
			}
		}
		return false
	default:
		return false
	}
}
