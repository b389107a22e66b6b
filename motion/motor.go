package motion

// WheelID identifies one of the vehicle's four independently-controllable
// wheel motors.
type WheelID string

const (
	FrontLeft  WheelID = "front_left"
	FrontRight WheelID = "front_right"
	RearLeft   WheelID = "rear_left"
	RearRight  WheelID = "rear_right"
)

// Wheels enumerates the four wheels in a stable order.
var Wheels = []WheelID{FrontLeft, FrontRight, RearLeft, RearRight}

// Health is a per-motor health classification.
type Health string

const (
	HealthGood     Health = "good"
	HealthWarning  Health = "warning"
	HealthCritical Health = "critical"
)

// MotorState is the authoritative state of one wheel motor. CurrentSpeed
// and TargetSpeed are normalised to [0,1].
type MotorState struct {
	CurrentSpeed float64
	TargetSpeed  float64
	CurrentAmps  float64
	TemperatureC float64
	Health       Health
}

// Bus is the four-motor state owned exclusively by the motion controller;
// per the specification's shared-resource policy, only the motion
// controller writes to it.
type Bus struct {
	SlewMaxPerTick float64
	motors         map[WheelID]*MotorState
}

// NewBus builds a motor bus with all four wheels at rest.
func NewBus(slewMaxPerTick float64) *Bus {
	b := &Bus{SlewMaxPerTick: slewMaxPerTick, motors: make(map[WheelID]*MotorState)}
	for _, w := range Wheels {
		b.motors[w] = &MotorState{Health: HealthGood}
	}
	return b
}

// SetTarget sets wheel w's target normalised speed, clamped to [0,1].
func (b *Bus) SetTarget(w WheelID, target float64) {
	if target < 0 {
		target = 0
	}
	if target > 1 {
		target = 1
	}
	b.motors[w].TargetSpeed = target
}

// StepAll advances every motor's current speed toward its target by at most
// SlewMaxPerTick, enforcing the bounded-slew invariant.
func (b *Bus) StepAll() {
	for _, w := range Wheels {
		m := b.motors[w]
		delta := m.TargetSpeed - m.CurrentSpeed
		if delta > b.SlewMaxPerTick {
			delta = b.SlewMaxPerTick
		}
		if delta < -b.SlewMaxPerTick {
			delta = -b.SlewMaxPerTick
		}
		m.CurrentSpeed += delta
	}
}

// EmergencyStop immediately sets every wheel's target speed to zero. Actual
// current speed still decays within the slew limit on subsequent StepAll
// calls.
func (b *Bus) EmergencyStop() {
	for _, w := range Wheels {
		b.motors[w].TargetSpeed = 0
	}
}

// State returns a snapshot of wheel w's state.
func (b *Bus) State(w WheelID) MotorState {
	return *b.motors[w]
}

// Snapshot returns a copy of every wheel's state.
func (b *Bus) Snapshot() map[WheelID]MotorState {
	out := make(map[WheelID]MotorState, len(b.motors))
	for w, m := range b.motors {
		out[w] = *m
	}
	return out
}

// ReportTelemetry updates wheel w's reported amps and temperature, as
// published by the motor driver's own sensor channel. This does not affect
// CurrentSpeed/TargetSpeed, which remain exclusively motion-controller
// owned.
func (b *Bus) ReportTelemetry(w WheelID, amps, tempC float64, critTemp, overCurrent float64) {
	m := b.motors[w]
	m.CurrentAmps = amps
	m.TemperatureC = tempC
	switch {
	case tempC > critTemp || amps > overCurrent:
		m.Health = HealthCritical
	case tempC > critTemp*0.85 || amps > overCurrent*0.85:
		m.Health = HealthWarning
	default:
		m.Health = HealthGood
	}
}

// AllAtZeroTarget reports whether every wheel's target speed is zero, the
// condition the emergency-stop deadline invariant checks for.
func (b *Bus) AllAtZeroTarget() bool {
	for _, w := range Wheels {
		if b.motors[w].TargetSpeed != 0 {
			return false
		}
	}
	return true
}
