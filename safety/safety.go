// Package safety implements the safety monitor (C7): the canonical safety
// state, the nine violation kinds, the NORMAL/DEGRADED/ESTOP state
// machine, and the watchdog/hysteresis check loop.
package safety

import (
	"sync"
	"time"

	"github.com/gvsrusa/sevak-roocode-sub001/logging"
	"github.com/gvsrusa/sevak-roocode-sub001/mesh"
)

// ViolationKind enumerates the nine violation signals the monitor
// aggregates.
type ViolationKind string

const (
	ObstacleProximity  ViolationKind = "obstacle_proximity"
	HumanProximity     ViolationKind = "human_proximity"
	BoundaryViolation  ViolationKind = "boundary_violation"
	MotorOverheat      ViolationKind = "motor_overheat"
	MotorOvercurrent   ViolationKind = "motor_overcurrent"
	BatteryLow         ViolationKind = "battery_low"
	BatteryCritical    ViolationKind = "battery_critical"
	TiltExceeded       ViolationKind = "tilt_exceeded"
	CommunicationLoss  ViolationKind = "communication_loss"
	WatchdogTimeout    ViolationKind = "watchdog_timeout"
)

// criticalKinds triggers an immediate ESTOP transition.
var criticalKinds = map[ViolationKind]bool{
	HumanProximity:  true,
	TiltExceeded:    true,
	WatchdogTimeout: true,
	BatteryCritical: true,
}

// IsCritical reports whether kind forces an ESTOP transition on its own.
func (k ViolationKind) IsCritical() bool {
	return criticalKinds[k]
}

// State is the safety monitor's top-level machine state.
type State string

const (
	Normal   State = "normal"
	Degraded State = "degraded"
	Estop    State = "estop"
)

// EstopRecord captures the reason and source of the most recent ESTOP
// activation.
type EstopRecord struct {
	When   time.Time
	Reason string
	Source string
}

// Snapshot is the immutable safety-state snapshot published to the rest of
// the system.
type Snapshot struct {
	State      State
	Violations map[ViolationKind]bool
	LastEstop  EstopRecord
}

// Config tunes the watchdog timeout and hysteresis duration.
type Config struct {
	WatchdogTimeout     time.Duration
	CommLossFraction    float64 // fraction of WatchdogTimeout after which communication_loss raises
	HysteresisDuration  time.Duration
	CheckRateHz         float64
}

// DefaultConfig returns nominal tuning: 5 Hz check loop.
func DefaultConfig() Config {
	return Config{
		WatchdogTimeout:    500 * time.Millisecond,
		CommLossFraction:   0.8,
		HysteresisDuration: 250 * time.Millisecond,
		CheckRateHz:        5,
	}
}

type violationTiming struct {
	active          bool
	falseSince      time.Time
	hasFalseSince   bool
}

// Monitor is the single authoritative writer of the safety state.
type Monitor struct {
	mu     sync.Mutex
	cfg    Config
	bus    *mesh.Bus
	logger logging.Logger
	nowFn  func() time.Time

	state      State
	violations map[ViolationKind]bool
	timing     map[ViolationKind]*violationTiming
	lastEstop  EstopRecord
	lastReset  time.Time
}

// New builds a Monitor starting in NORMAL state with the watchdog freshly
// reset.
func New(bus *mesh.Bus, cfg Config, logger logging.Logger) *Monitor {
	m := &Monitor{
		cfg:        cfg,
		bus:        bus,
		logger:     logger.Named("safety"),
		nowFn:      time.Now,
		state:      Normal,
		violations: make(map[ViolationKind]bool),
		timing:     make(map[ViolationKind]*violationTiming),
		lastReset:  time.Now(),
	}
	for _, k := range []ViolationKind{
		ObstacleProximity, HumanProximity, BoundaryViolation, MotorOverheat,
		MotorOvercurrent, BatteryLow, BatteryCritical, TiltExceeded,
		CommunicationLoss, WatchdogTimeout,
	} {
		m.timing[k] = &violationTiming{}
	}
	return m
}

// UpdateLimits applies a live update_safety_limits command to the
// watchdog timeout and hysteresis duration, the two limits this monitor
// itself owns; other configured limits (speed, acceleration, safe
// distances) are owned by the components that enforce them and are
// updated there.
func (m *Monitor) UpdateLimits(watchdogTimeout, hysteresisDuration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if watchdogTimeout > 0 {
		m.cfg.WatchdogTimeout = watchdogTimeout
	}
	if hysteresisDuration > 0 {
		m.cfg.HysteresisDuration = hysteresisDuration
	}
}

// ResetWatchdog resets the liveness timer. Per the specification's
// ordering guarantee, callers must ensure this completes before any
// subscriber observes the reset; since the monitor is the sole writer and
// this call is synchronous, that ordering holds by construction.
func (m *Monitor) ResetWatchdog() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastReset = m.nowFn()
}

// ReportRaw sets the raw (pre-hysteresis) condition for a non-watchdog
// violation kind. The monitor applies hysteresis and state-machine logic
// on its own check tick.
func (m *Monitor) ReportRaw(kind ViolationKind, active bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setRawLocked(kind, active)
}

func (m *Monitor) setRawLocked(kind ViolationKind, active bool) {
	t := m.timing[kind]
	if t == nil {
		t = &violationTiming{}
		m.timing[kind] = t
	}
	if active {
		t.active = true
		t.hasFalseSince = false
		return
	}
	if t.active && !t.hasFalseSince {
		t.hasFalseSince = true
		t.falseSince = m.nowFn()
	}
	t.active = false
}

// Check runs one 5 Hz monitor cycle: evaluates the watchdog, applies
// hysteresis to every violation kind, and advances the state machine.
// Returns the resulting snapshot.
func (m *Monitor) Check() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.nowFn()
	sinceReset := now.Sub(m.lastReset)

	m.setRawLocked(CommunicationLoss, sinceReset > time.Duration(m.cfg.CommLossFraction*float64(m.cfg.WatchdogTimeout)))
	m.setRawLocked(WatchdogTimeout, sinceReset > m.cfg.WatchdogTimeout)

	for kind, t := range m.timing {
		prev := m.violations[kind]
		switch {
		case t.active:
			if !prev {
				m.publishViolation(kind, true, "")
			}
			m.violations[kind] = true
		case !t.active && prev:
			if t.hasFalseSince && now.Sub(t.falseSince) >= m.cfg.HysteresisDuration {
				m.violations[kind] = false
				m.publishViolation(kind, false, "")
			}
			// else: keep reporting active until hysteresis elapses
		default:
			m.violations[kind] = false
		}
	}

	m.advanceStateLocked("")
	return m.snapshotLocked()
}

func (m *Monitor) publishViolation(kind ViolationKind, active bool, source string) {
	if active {
		m.bus.Publish("safety.violation", kind)
	} else {
		m.bus.Publish("safety.violation.cleared", kind)
	}
}

func (m *Monitor) hasCriticalViolationLocked() (ViolationKind, bool) {
	for kind, active := range m.violations {
		if active && kind.IsCritical() {
			return kind, true
		}
	}
	return "", false
}

func (m *Monitor) hasAnyViolationLocked() bool {
	for _, active := range m.violations {
		if active {
			return true
		}
	}
	return false
}

func (m *Monitor) advanceStateLocked(explicitReason string) {
	if kind, ok := m.hasCriticalViolationLocked(); ok && m.state != Estop {
		m.enterEstopLocked(string(kind), "safety_monitor")
		return
	}
	switch m.state {
	case Normal:
		if m.hasAnyViolationLocked() {
			m.state = Degraded
			m.publishStatus()
		}
	case Degraded:
		if !m.hasAnyViolationLocked() {
			m.state = Normal
			m.publishStatus()
		}
	}
}

func (m *Monitor) enterEstopLocked(reason, source string) {
	m.state = Estop
	m.lastEstop = EstopRecord{When: m.nowFn(), Reason: reason, Source: source}
	m.bus.Publish("safety.estop.activated", m.lastEstop)
	m.publishStatus()
}

// TriggerEstop forces an immediate ESTOP transition, as from an explicit
// emergency-stop command.
func (m *Monitor) TriggerEstop(reason, source string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enterEstopLocked(reason, source)
}

// Reset attempts to leave ESTOP and return to NORMAL. It fails if any
// critical violation remains active.
func (m *Monitor) Reset() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if kind, ok := m.hasCriticalViolationLocked(); ok {
		return &ResetRejectedError{Kind: kind}
	}
	m.state = Normal
	m.bus.Publish("safety.estop.reset", nil)
	m.publishStatus()
	return nil
}

// ResetRejectedError is returned by Reset when a critical violation is
// still present.
type ResetRejectedError struct {
	Kind ViolationKind
}

func (e *ResetRejectedError) Error() string {
	return "reset rejected: critical violation " + string(e.Kind) + " still present"
}

func (m *Monitor) publishStatus() {
	m.bus.Publish("safety.status.updated", m.snapshotLocked())
}

func (m *Monitor) snapshotLocked() Snapshot {
	violations := make(map[ViolationKind]bool, len(m.violations))
	for k, v := range m.violations {
		violations[k] = v
	}
	return Snapshot{State: m.state, Violations: violations, LastEstop: m.lastEstop}
}

// Snapshot returns the current safety state.
func (m *Monitor) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}
