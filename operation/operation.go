// Package operation implements the top-level operation coordinator (C10):
// the start/pause/resume/cancel facade over navigation, motion, and the
// implement, honouring the safety monitor's state on every tick.
package operation

import (
	"math"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/gvsrusa/sevak-roocode-sub001/implement"
	"github.com/gvsrusa/sevak-roocode-sub001/logging"
	"github.com/gvsrusa/sevak-roocode-sub001/mesh"
	"github.com/gvsrusa/sevak-roocode-sub001/motion"
	"github.com/gvsrusa/sevak-roocode-sub001/navigation"
	"github.com/gvsrusa/sevak-roocode-sub001/obstacle"
	"github.com/gvsrusa/sevak-roocode-sub001/safety"
	"github.com/gvsrusa/sevak-roocode-sub001/spatial"
)

// defaultCruiseSpeedMPS is the nominal speed the coordinator requests from
// the motion controller while following a path; the controller's own
// terrain/heading derating and PID loop govern the actual commanded speed.
const defaultCruiseSpeedMPS = 1.2

// defaultBladeClearanceRadiusM is the nominal radius around the vehicle's
// current position that must be free of tracked obstacles before the
// cutter is engaged.
const defaultBladeClearanceRadiusM = 1.5

// Kind names an operation template. Non-goals exclude harvest-specific
// agronomy logic; what is in scope is the generic segment-by-segment
// execution shape every field operation shares.
type Kind string

const (
	KindMow     Kind = "mow"
	KindTransport Kind = "transport"
	KindSurvey  Kind = "survey"
)

// Status is the coordinator's top-level run state.
type Status string

const (
	StatusIdle     Status = "idle"
	StatusRunning  Status = "running"
	StatusPaused   Status = "paused"
	StatusComplete Status = "complete"
	StatusCancelled Status = "cancelled"
	StatusFailed   Status = "failed"
)

// Segment is one leg of an operation plan: drive to a waypoint sequence,
// optionally with the implement engaged.
type Segment struct {
	Waypoints      []spatial.Vec3
	EngageImplement bool
}

// Params describes a requested operation: its kind and the segments that
// make it up. Segment generation from a field boundary and task type is a
// planning concern outside this package's scope; callers supply the
// segment list already decided.
type Params struct {
	Kind     Kind
	Segments []Segment
}

// StatusUpdated is published on "operation.status.updated" after every
// state change.
type StatusUpdated struct {
	ID             string
	Status         Status
	SegmentIndex   int
	TotalSegments  int
}

// Coordinator is the sole writer of the active operation's state.
type Coordinator struct {
	mu sync.Mutex

	bus        *mesh.Bus
	planner    *navigation.Planner
	controller *motion.Controller
	impl       *implement.Coordinator
	obstacles  *obstacle.Map
	mon        *safety.Monitor
	logger     logging.Logger

	id                    string
	status                Status
	segments              []Segment
	segmentIndex          int
	path                  *navigation.Path
	pose                  spatial.Vec3
	wasPausedBySafety     bool
	cruiseSpeedMPS        float64
	bladeClearanceRadiusM float64
}

// New builds an idle Coordinator.
func New(bus *mesh.Bus, planner *navigation.Planner, controller *motion.Controller, impl *implement.Coordinator, obstacles *obstacle.Map, mon *safety.Monitor, logger logging.Logger) *Coordinator {
	c := &Coordinator{
		bus: bus, planner: planner, controller: controller, impl: impl, obstacles: obstacles, mon: mon,
		logger: logger.Named("operation"), status: StatusIdle,
		cruiseSpeedMPS:        defaultCruiseSpeedMPS,
		bladeClearanceRadiusM: defaultBladeClearanceRadiusM,
	}
	bus.Subscribe("safety.status.updated", func(payload interface{}) {
		snap, ok := payload.(safety.Snapshot)
		if !ok {
			return
		}
		c.onSafetyStatus(snap)
	})
	return c
}

// NoActiveOperationError is returned by Pause/Resume/Cancel when no
// operation is running.
type NoActiveOperationError struct{}

func (e *NoActiveOperationError) Error() string { return "no active operation" }

// SetCruiseSpeed overrides the nominal path-following speed requested from
// the motion controller; callers typically derive it from the configured
// max speed.
func (c *Coordinator) SetCruiseSpeed(mps float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cruiseSpeedMPS = mps
}

// SetBladeClearanceRadius overrides the radius around the vehicle's
// current position the cutter's blade-clear check requires to be free of
// tracked obstacles.
func (c *Coordinator) SetBladeClearanceRadius(m float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bladeClearanceRadiusM = m
}

// bladesClearLocked reports whether no tracked obstacle falls within
// bladeClearanceRadiusM of pose, the blade-clear half of the implement's
// safety-to-engage predicate.
func (c *Coordinator) bladesClearLocked() bool {
	if c.obstacles == nil {
		return true
	}
	return len(c.obstacles.Corridor(c.pose, c.pose, 2*c.bladeClearanceRadiusM)) == 0
}

// Start begins a new operation from currentPose, rejecting the request if
// one is already running or the safety monitor is not NORMAL.
func (c *Coordinator) Start(params Params, currentPose spatial.Vec3) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.status == StatusRunning || c.status == StatusPaused {
		return "", errors.New("an operation is already active")
	}
	if c.mon.Snapshot().State != safety.Normal {
		return "", errors.New("cannot start: safety monitor not normal")
	}
	if len(params.Segments) == 0 {
		return "", errors.New("operation has no segments")
	}

	c.id = uuid.NewString()
	c.segments = params.Segments
	c.segmentIndex = 0
	c.pose = currentPose
	c.status = StatusRunning

	if err := c.beginSegmentLocked(); err != nil {
		c.status = StatusFailed
		return "", err
	}
	c.publishLocked()
	return c.id, nil
}

func (c *Coordinator) beginSegmentLocked() error {
	seg := c.segments[c.segmentIndex]
	if len(seg.Waypoints) == 0 {
		return errors.New("segment has no waypoints")
	}
	goal := seg.Waypoints[len(seg.Waypoints)-1]
	path, err := c.planner.Plan(c.pose, goal)
	if err != nil {
		return errors.Wrap(err, "plan segment")
	}
	c.path = path
	if seg.EngageImplement {
		if err := c.impl.Engage(c.controller.CurrentSpeed(), c.bladesClearLocked()); err != nil {
			return errors.Wrap(err, "engage implement for segment")
		}
	}
	c.driveTargetLocked()
	return nil
}

// driveTargetLocked computes the heading toward the path's current waypoint
// from the last-known pose and installs it on the motion controller, which
// runs its own 50 Hz PID/steering-mix loop independently of this
// coordinator's tick rate. Curvature feedforward is left at zero: the grid
// planner's waypoints are not parameterised by a continuous curvature, so
// the controller relies on its heading-error term alone between waypoints.
func (c *Coordinator) driveTargetLocked() {
	wp, ok := c.path.Current()
	if !ok {
		c.controller.ClearTarget()
		return
	}
	heading := spatial.NormalizeAngle(math.Atan2(wp.Position.Y-c.pose.Y, wp.Position.X-c.pose.X))
	c.controller.SetTarget(&motion.Target{
		Heading: heading,
		Speed:   c.cruiseSpeedMPS,
	})
}

// Pause holds the current operation in place: clears the motion target
// and, if the implement is active, transitions it to waiting.
func (c *Coordinator) Pause() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status != StatusRunning {
		return &NoActiveOperationError{}
	}
	c.pauseLocked()
	return nil
}

func (c *Coordinator) pauseLocked() {
	c.status = StatusPaused
	c.controller.ClearTarget()
	if c.impl.Phase() == implement.PhaseActive {
		_ = c.impl.Wait()
	}
	c.publishLocked()
}

// Resume continues a paused operation.
func (c *Coordinator) Resume() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status != StatusPaused {
		return &NoActiveOperationError{}
	}
	if c.mon.Snapshot().State != safety.Normal {
		return errors.New("cannot resume: safety monitor not normal")
	}
	c.status = StatusRunning
	if c.impl.Phase() == implement.PhaseWaiting {
		_ = c.impl.Resume()
	}
	c.publishLocked()
	return nil
}

// Cancel aborts the active operation, stopping the vehicle and implement.
func (c *Coordinator) Cancel() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status != StatusRunning && c.status != StatusPaused {
		return &NoActiveOperationError{}
	}
	c.status = StatusCancelled
	c.controller.ClearTarget()
	if c.impl.Phase() != implement.PhaseIdle {
		_ = c.impl.Shutdown()
	}
	c.publishLocked()
	return nil
}

// Status returns the coordinator's current state.
func (c *Coordinator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// onSafetyStatus auto-pauses a running operation on any non-NORMAL safety
// state, and leaves it paused until explicitly resumed even if the safety
// state later clears, since resuming flight-plan execution after an
// obstruction or estop is an operator decision, not an automatic one.
func (c *Coordinator) onSafetyStatus(snap safety.Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if snap.State != safety.Normal && c.status == StatusRunning {
		c.wasPausedBySafety = true
		c.pauseLocked()
	}
}

// Tick advances the active segment's path execution from currentPose,
// revalidating against the live obstacle map and advancing or completing
// waypoints and segments as appropriate. No-op unless the operation is
// currently running.
func (c *Coordinator) Tick(currentPose spatial.Vec3) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status != StatusRunning {
		return
	}
	c.pose = currentPose

	if _, err := c.planner.Revalidate(c.path, currentPose); err != nil {
		c.status = StatusFailed
		c.controller.ClearTarget()
		c.publishLocked()
		return
	}

	c.planner.Advance(c.path, currentPose)

	if c.path.Complete() {
		c.advanceSegmentLocked()
		return
	}
	c.driveTargetLocked()
}

func (c *Coordinator) advanceSegmentLocked() {
	seg := c.segments[c.segmentIndex]
	if seg.EngageImplement {
		_ = c.impl.Shutdown()
	}
	c.segmentIndex++
	if c.segmentIndex >= len(c.segments) {
		c.status = StatusComplete
		c.controller.ClearTarget()
		c.publishLocked()
		return
	}
	if err := c.beginSegmentLocked(); err != nil {
		c.status = StatusFailed
	}
	c.publishLocked()
}

func (c *Coordinator) publishLocked() {
	c.bus.Publish("operation.status.updated", StatusUpdated{
		ID: c.id, Status: c.status, SegmentIndex: c.segmentIndex, TotalSegments: len(c.segments),
	})
}
