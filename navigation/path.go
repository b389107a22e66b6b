// Package navigation implements the path planner and executor (C5):
// direct-corridor and grid-search planning, waypoint smoothing and safety
// validation, waypoint advancement, and obstruction-triggered replanning.
package navigation

import (
	"math"

	"github.com/gvsrusa/sevak-roocode-sub001/spatial"
)

// Waypoint is one point along a planned path.
type Waypoint struct {
	Position spatial.Vec3
}

// Path is an ordered sequence of waypoints with a monotonically
// non-decreasing cursor. Waypoints[0] is always the pose the path was
// planned from; CurrentIndex starts at 1, the first real target.
type Path struct {
	Waypoints    []Waypoint
	CurrentIndex int
	Goal         spatial.Vec3
}

// Current returns the waypoint the executor is currently driving toward,
// and false if the path has already been completed.
func (p *Path) Current() (Waypoint, bool) {
	if p.CurrentIndex >= len(p.Waypoints) {
		return Waypoint{}, false
	}
	return p.Waypoints[p.CurrentIndex], true
}

// Complete reports whether every waypoint has been reached.
func (p *Path) Complete() bool {
	return p.CurrentIndex >= len(p.Waypoints)
}

// smoothCollinear removes interior waypoints whose removal does not bend
// the path by more than toleranceRad, so a long straight run through many
// grid cells collapses to its two endpoints.
func smoothCollinear(points []spatial.Vec3, toleranceRad float64) []spatial.Vec3 {
	if len(points) <= 2 {
		return points
	}
	out := []spatial.Vec3{points[0]}
	for i := 1; i < len(points)-1; i++ {
		prev := out[len(out)-1]
		cur := points[i]
		next := points[i+1]
		headingIn := headingOf(prev, cur)
		headingOut := headingOf(cur, next)
		if absAngleDiff(headingIn, headingOut) > toleranceRad {
			out = append(out, cur)
		}
	}
	out = append(out, points[len(points)-1])
	return out
}

func headingOf(a, b spatial.Vec3) float64 {
	return spatial.NormalizeAngle(math.Atan2(b.Y-a.Y, b.X-a.X))
}

func absAngleDiff(a, b float64) float64 {
	d := spatial.AngleDiff(a, b)
	if d < 0 {
		return -d
	}
	return d
}
