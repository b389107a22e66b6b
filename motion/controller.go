package motion

import (
	"math"

	"github.com/gvsrusa/sevak-roocode-sub001/mesh"
	"github.com/gvsrusa/sevak-roocode-sub001/spatial"
)

// Config tunes the motion control loop's PID gains and clamps.
type Config struct {
	TickRateHz        float64
	MinSpeedMPS       float64
	MaxSpeedMPS       float64
	MaxAccelMPS2      float64
	MaxDecelMPS2      float64
	SteerMaxRad       float64
	KpSteer           float64
	KffCurvature      float64
	SlewMaxPerTick    float64
	SpeedPID          PIDGains
	TerrainSlowdown   PiecewiseLinear
	HeadingSlowdown   PiecewiseLinear
	CriticalTempC     float64
	OverCurrentA      float64
}

// PIDGains is the serializable gain set for the speed PID.
type PIDGains struct {
	Kp, Ki, Kd             float64
	IntSatLo, IntSatUp     float64
}

// PiecewiseLinear maps an absolute input (terrain roughness/slope, or
// |heading error|) from a threshold to a maximum fractional speed
// reduction, linearly in between.
type PiecewiseLinear struct {
	Threshold float64
	Max       float64
	MaxReduction float64 // fraction in [0,1] of target speed removed at Max
}

// Reduction returns the fractional speed reduction for input x, clamped to
// [0, MaxReduction].
func (p PiecewiseLinear) Reduction(x float64) float64 {
	x = math.Abs(x)
	if x <= p.Threshold {
		return 0
	}
	if x >= p.Max {
		return p.MaxReduction
	}
	frac := (x - p.Threshold) / (p.Max - p.Threshold)
	return frac * p.MaxReduction
}

// DefaultConfig returns nominal tuning for the 50 Hz loop.
func DefaultConfig() Config {
	return Config{
		TickRateHz:     50,
		MinSpeedMPS:    0,
		MaxSpeedMPS:    2.5,
		MaxAccelMPS2:   1.0,
		MaxDecelMPS2:   2.0,
		SteerMaxRad:    math.Pi / 3,
		KpSteer:        1.2,
		KffCurvature:   0.5,
		SlewMaxPerTick: 0.05,
		SpeedPID:       PIDGains{Kp: 0.8, Ki: 0.15, Kd: 0.05, IntSatLo: -1, IntSatUp: 1},
		TerrainSlowdown: PiecewiseLinear{Threshold: 0.2, Max: 1.0, MaxReduction: 0.6},
		HeadingSlowdown: PiecewiseLinear{Threshold: 0.2, Max: math.Pi / 2, MaxReduction: 0.7},
		CriticalTempC:   80,
		OverCurrentA:    40,
	}
}

// Target is the planner/operation-coordinator-supplied control target for
// one tick.
type Target struct {
	Heading       float64 // desired heading in radians
	Curvature     float64 // path curvature at the target, for feedforward steering
	Speed         float64 // desired speed in m/s before terrain/heading adjustment
	TerrainFactor float64 // roughness/slope magnitude in [0, 1]
}

// Controller runs the 50 Hz control loop driving the motor bus.
type Controller struct {
	cfg       Config
	bus       *mesh.Bus
	motors    *Bus
	speedPID  *PID
	target    *Target
	waypointActive bool

	currentSpeed   float64
	currentHeading float64
}

// NewController builds a Controller writing to motors, the sole owner of
// the motor bus per the specification's shared-resource policy.
func NewController(bus *mesh.Bus, motors *Bus, cfg Config) *Controller {
	return &Controller{
		cfg:    cfg,
		bus:    bus,
		motors: motors,
		speedPID: NewPID(cfg.SpeedPID.Kp, cfg.SpeedPID.Ki, cfg.SpeedPID.Kd,
			-cfg.MaxDecelMPS2, cfg.MaxAccelMPS2, cfg.SpeedPID.IntSatLo, cfg.SpeedPID.IntSatUp),
	}
}

// SetTarget installs the current navigation target. Passing nil clears it,
// holding the vehicle stationary.
func (c *Controller) SetTarget(t *Target) {
	c.target = t
	c.waypointActive = t != nil
}

// ClearTarget clears the target and stops the vehicle, used on cancel.
func (c *Controller) ClearTarget() {
	c.target = nil
	c.waypointActive = false
	c.speedPID.Reset()
	c.motors.EmergencyStop()
}

// Tick runs one 50 Hz control cycle, updating the motor targets. It
// returns nothing; callers observe the result through the motor bus.
func (c *Controller) Tick(currentHeading float64, dt float64) {
	c.currentHeading = currentHeading

	if c.target == nil {
		c.motors.EmergencyStop()
		c.motors.StepAll()
		c.bus.Publish("motor.status.updated", c.motors.Snapshot())
		return
	}

	headingError := spatial.AngleDiff(currentHeading, c.target.Heading)

	targetSpeed := c.target.Speed
	targetSpeed *= 1 - c.cfg.TerrainSlowdown.Reduction(c.target.TerrainFactor)
	targetSpeed *= 1 - c.cfg.HeadingSlowdown.Reduction(headingError)
	if targetSpeed < c.cfg.MinSpeedMPS {
		targetSpeed = c.cfg.MinSpeedMPS
	}
	if targetSpeed > c.cfg.MaxSpeedMPS {
		targetSpeed = c.cfg.MaxSpeedMPS
	}

	speedError := targetSpeed - c.currentSpeed
	accelCmd := c.speedPID.Step(speedError, dt)
	c.currentSpeed += accelCmd * dt
	if c.currentSpeed < 0 {
		c.currentSpeed = 0
	}
	if c.currentSpeed > c.cfg.MaxSpeedMPS {
		c.currentSpeed = c.cfg.MaxSpeedMPS
	}

	steerCmd := c.cfg.KpSteer*headingError + c.cfg.KffCurvature*c.target.Curvature
	if steerCmd > c.cfg.SteerMaxRad {
		steerCmd = c.cfg.SteerMaxRad
	}
	if steerCmd < -c.cfg.SteerMaxRad {
		steerCmd = -c.cfg.SteerMaxRad
	}

	normSpeed := c.currentSpeed / c.cfg.MaxSpeedMPS
	steerFactor := math.Sin(c.target.Heading)
	left, right := SteeringMix(normSpeed, steerFactor)

	c.motors.SetTarget(FrontLeft, left)
	c.motors.SetTarget(RearLeft, left)
	c.motors.SetTarget(FrontRight, right)
	c.motors.SetTarget(RearRight, right)
	c.motors.StepAll()

	c.bus.Publish("motor.status.updated", c.motors.Snapshot())
	c.bus.Publish("motor.command", steerCmd)
}

// SteeringMix maps a normalised speed v in [0,1] and a steering factor
// s = sin(target_heading) to the left/right wheel-pair normalised speeds
// for a skid-steer platform: the inside pair scales by (1-|s|) while the
// outside pair stays at v. s > 0 means the right pair is inside.
func SteeringMix(v, s float64) (left, right float64) {
	inside := v * (1 - math.Abs(s))
	if s > 0 {
		return v, inside
	}
	if s < 0 {
		return inside, v
	}
	return v, v
}

// WaypointReached notifies the controller a waypoint has been reached,
// publishing motion.waypoint_reached and clearing the target.
func (c *Controller) WaypointReached() {
	c.bus.Publish("motion.waypoint_reached", nil)
	c.ClearTarget()
}

// CurrentSpeed returns the controller's current commanded speed in m/s.
func (c *Controller) CurrentSpeed() float64 {
	return c.currentSpeed
}
