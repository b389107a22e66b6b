package navigation

import "github.com/gvsrusa/sevak-roocode-sub001/spatial"

// Boundary is the field's operating envelope, a simple polygon in ENU
// coordinates (X east, Y north).
type Boundary struct {
	Vertices []spatial.Vec3
}

// Contains reports whether point p lies within the boundary polygon, using
// a standard ray-casting test. A boundary with fewer than 3 vertices is
// treated as unconstrained (always contains).
func (b Boundary) Contains(p spatial.Vec3) bool {
	if len(b.Vertices) < 3 {
		return true
	}
	inside := false
	n := len(b.Vertices)
	for i, j := 0, n-1; i < n; j, i = i, i+1 {
		vi, vj := b.Vertices[i], b.Vertices[j]
		if (vi.Y > p.Y) != (vj.Y > p.Y) {
			xIntersect := (vj.X-vi.X)*(p.Y-vi.Y)/(vj.Y-vi.Y) + vi.X
			if p.X < xIntersect {
				inside = !inside
			}
		}
	}
	return inside
}

// SegmentWithin reports whether every sampled point along the straight
// segment from a to b lies within the boundary, sampling roughly every
// stepM metres.
func (b Boundary) SegmentWithin(a, c spatial.Vec3, stepM float64) bool {
	if len(b.Vertices) < 3 {
		return true
	}
	length := a.Distance(c)
	if length == 0 {
		return b.Contains(a)
	}
	if stepM <= 0 {
		stepM = 0.5
	}
	steps := int(length/stepM) + 1
	for i := 0; i <= steps; i++ {
		frac := float64(i) / float64(steps)
		p := spatial.Vec3{
			X: a.X + (c.X-a.X)*frac,
			Y: a.Y + (c.Y-a.Y)*frac,
			Z: a.Z + (c.Z-a.Z)*frac,
		}
		if !b.Contains(p) {
			return false
		}
	}
	return true
}
