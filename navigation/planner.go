package navigation

import (
	"github.com/gvsrusa/sevak-roocode-sub001/logging"
	"github.com/gvsrusa/sevak-roocode-sub001/mesh"
	"github.com/gvsrusa/sevak-roocode-sub001/obstacle"
	"github.com/gvsrusa/sevak-roocode-sub001/spatial"
)

// Config tunes waypoint-reached detection, safety margins, and the grid
// search's resolution and its coarser fallback.
type Config struct {
	WaypointReachedThresholdM float64
	SafetyMarginM             float64
	CorridorWidthM            float64
	GridCellSizeM             float64
	CollinearToleranceRad     float64

	CoarseSafetyMarginM float64
	CoarseGridCellSizeM  float64
}

// DefaultConfig returns nominal field tuning.
func DefaultConfig() Config {
	return Config{
		WaypointReachedThresholdM: 0.3,
		SafetyMarginM:             0.75,
		CorridorWidthM:            1.2,
		GridCellSizeM:             0.5,
		CollinearToleranceRad:     0.05,
		CoarseSafetyMarginM:       1.0,
		CoarseGridCellSizeM:       1.0,
	}
}

// StatusUpdate is the payload published on navigation.status.updated.
// Replanned distinguishes a Revalidate-triggered replan from an initial
// Plan, per the specification's reconnect/observability contract.
type StatusUpdate struct {
	Path      *Path
	Replanned bool
}

// UnreachableError is returned by Plan when neither the fine nor the
// coarse grid search can connect start to goal.
type UnreachableError struct {
	Start, Goal spatial.Vec3
}

func (e *UnreachableError) Error() string {
	return "no feasible path to goal"
}

// Planner produces Paths from the current obstacle map and field
// boundary.
type Planner struct {
	bus       *mesh.Bus
	obstacles *obstacle.Map
	boundary  Boundary
	cfg       Config
	logger    logging.Logger
}

// New builds a Planner reading live obstacle state from obstacles.
func New(bus *mesh.Bus, obstacles *obstacle.Map, boundary Boundary, cfg Config, logger logging.Logger) *Planner {
	return &Planner{bus: bus, obstacles: obstacles, boundary: boundary, cfg: cfg, logger: logger.Named("navigation")}
}

// CurrentBoundary returns the planner's active field boundary polygon.
func (p *Planner) CurrentBoundary() Boundary {
	return p.boundary
}

// SetBoundary replaces the field boundary polygon the planner and
// Revalidate enforce. Applying the same polygon twice leaves the boundary
// unchanged, satisfying the specification's set_boundaries idempotence law.
func (p *Planner) SetBoundary(b Boundary) {
	p.boundary = b
}

// Plan computes a Path from start to goal. It first tries the direct
// corridor; failing that, a grid search at the configured resolution and
// safety margin; failing that, a more conservative search on a coarser
// grid with a wider margin (CoarseGridCellSizeM, CoarseSafetyMarginM). It fails with
// UnreachableError only if all three attempts fail.
func (p *Planner) Plan(start, goal spatial.Vec3) (*Path, error) {
	return p.plan(start, goal, false)
}

func (p *Planner) plan(start, goal spatial.Vec3, replanned bool) (*Path, error) {
	if p.corridorClear(start, goal, p.cfg.SafetyMarginM) && p.boundary.SegmentWithin(start, goal, p.cfg.GridCellSizeM) {
		return p.buildPath(start, goal, []spatial.Vec3{start, goal}, replanned), nil
	}

	obstacles := p.obstacles.Snapshot()
	if points, ok := gridSearch(start, goal, obstacles, p.boundary, p.cfg.GridCellSizeM, p.cfg.SafetyMarginM); ok {
		smoothed := smoothCollinear(points, p.cfg.CollinearToleranceRad)
		return p.buildPath(start, goal, smoothed, replanned), nil
	}

	if points, ok := gridSearch(start, goal, obstacles, p.boundary, p.cfg.CoarseGridCellSizeM, p.cfg.CoarseSafetyMarginM); ok {
		p.logger.Warnw("replanned with coarser margin", "start", start, "goal", goal)
		smoothed := smoothCollinear(points, p.cfg.CollinearToleranceRad)
		return p.buildPath(start, goal, smoothed, replanned), nil
	}

	return nil, &UnreachableError{Start: start, Goal: goal}
}

func (p *Planner) buildPath(start, goal spatial.Vec3, points []spatial.Vec3, replanned bool) *Path {
	waypoints := make([]Waypoint, len(points))
	for i, pt := range points {
		waypoints[i] = Waypoint{Position: pt}
	}
	path := &Path{Waypoints: waypoints, CurrentIndex: 1, Goal: goal}
	p.bus.Publish("navigation.status.updated", StatusUpdate{Path: path, Replanned: replanned})
	return path
}

// corridorClear reports whether no tracked obstacle intersects the
// straight-line corridor from a to b with the configured width, inflated
// by marginM on each side.
func (p *Planner) corridorClear(a, b spatial.Vec3, marginM float64) bool {
	hits := p.obstacles.Corridor(a, b, p.cfg.CorridorWidthM+2*marginM)
	return len(hits) == 0
}

// Advance checks the executor's progress against currentPos, incrementing
// the path's cursor once the current waypoint is within
// WaypointReachedThresholdM. A waypoint exactly at the threshold distance
// counts as reached. Publishes path.complete once the final waypoint is
// passed.
func (p *Planner) Advance(path *Path, currentPos spatial.Vec3) {
	wp, ok := path.Current()
	if !ok {
		return
	}
	if currentPos.Distance(wp.Position) <= p.cfg.WaypointReachedThresholdM {
		path.CurrentIndex++
		if path.Complete() {
			p.bus.Publish("path.complete", nil)
		}
	}
}

// Revalidate publishes navigation.boundary_violation if currentPos lies
// outside the boundary, then checks whether the remaining path is still
// clear of tracked obstacles, replanning from currentPos to the path's
// original goal if not. Leaving the boundary alone does not trigger a
// replan. It returns true if a replan occurred.
func (p *Planner) Revalidate(path *Path, currentPos spatial.Vec3) (bool, error) {
	wp, ok := path.Current()
	if !ok {
		return false, nil
	}
	if !p.boundary.Contains(currentPos) {
		p.bus.Publish("navigation.boundary_violation", currentPos)
	}
	if p.corridorClear(currentPos, wp.Position, p.cfg.SafetyMarginM) && p.remainderClear(path) {
		return false, nil
	}

	replan, err := p.plan(currentPos, path.Goal, true)
	if err != nil {
		return false, err
	}
	*path = *replan
	return true, nil
}

func (p *Planner) remainderClear(path *Path) bool {
	for i := path.CurrentIndex; i < len(path.Waypoints)-1; i++ {
		if !p.corridorClear(path.Waypoints[i].Position, path.Waypoints[i+1].Position, p.cfg.SafetyMarginM) {
			return false
		}
	}
	return true
}
