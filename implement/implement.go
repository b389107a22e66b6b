// Package implement coordinates the attached implement (cutter, loader,
// transport) through its phase state machine, gated on the safety
// monitor's current state.
package implement

import (
	"sync"

	"github.com/gvsrusa/sevak-roocode-sub001/logging"
	"github.com/gvsrusa/sevak-roocode-sub001/mesh"
	"github.com/gvsrusa/sevak-roocode-sub001/safety"
)

// Phase is one state in the implement's operating cycle.
type Phase string

const (
	PhaseIdle      Phase = "idle"
	PhaseStartup   Phase = "startup"
	PhaseActive    Phase = "active"
	PhaseWaiting   Phase = "waiting"
	PhaseUnloading Phase = "unloading"
	PhaseShutdown  Phase = "shutdown"
)

// transitions enumerates the legal phase graph: idle -> startup -> active
// -> {waiting <-> active, active -> unloading -> active} -> shutdown ->
// idle. Any phase can be forced into shutdown by a safety violation.
var transitions = map[Phase]map[Phase]bool{
	PhaseIdle:      {PhaseStartup: true},
	PhaseStartup:   {PhaseActive: true, PhaseShutdown: true},
	PhaseActive:    {PhaseWaiting: true, PhaseUnloading: true, PhaseShutdown: true},
	PhaseWaiting:   {PhaseActive: true, PhaseShutdown: true},
	PhaseUnloading: {PhaseActive: true, PhaseShutdown: true},
	PhaseShutdown:  {PhaseIdle: true},
}

// IllegalTransitionError is returned when a requested phase transition is
// not in the legal graph.
type IllegalTransitionError struct {
	From, To Phase
}

func (e *IllegalTransitionError) Error() string {
	return "illegal implement phase transition from " + string(e.From) + " to " + string(e.To)
}

// Config tunes the shutdown deceleration rate, blade spin-up, and the
// safety-to-engage speed threshold.
type Config struct {
	DecelerationRatePerS float64 // blade speed fraction removed per second during shutdown
	StartupSettleS       float64
	MaxApproachSpeedMPS  float64 // cutter engagement is rejected above this vehicle speed
}

// DefaultConfig returns nominal tuning.
func DefaultConfig() Config {
	return Config{DecelerationRatePerS: 0.5, StartupSettleS: 1.0, MaxApproachSpeedMPS: 0.3}
}

// StatusUpdated is published on "implements.status.updated" after every
// transition or actuator change.
type StatusUpdated struct {
	Phase            Phase
	EngineLoad       float64
	CutterRunning    bool
	CutterSpeed      float64
	LoaderRunning    bool
	TransportEngaged bool
	CargoSecured     bool
}

// Coordinator is the sole writer of the implement's phase and actuator
// state. It models the three actuators spec §4.8 sequences explicitly:
// the cutter (blades), the loader, and transport mode.
type Coordinator struct {
	mu     sync.Mutex
	cfg    Config
	bus    *mesh.Bus
	mon    *safety.Monitor
	logger logging.Logger

	phase      Phase
	engineLoad float64

	cutterRunning    bool
	cutterSpeed      float64 // blade speed fraction in [0,1]; 1 means "at speed"
	loaderRunning    bool
	transportEngaged bool
	cargoSecured     bool
}

// New builds a Coordinator starting idle with every actuator off.
func New(bus *mesh.Bus, mon *safety.Monitor, cfg Config, logger logging.Logger) *Coordinator {
	c := &Coordinator{cfg: cfg, bus: bus, mon: mon, logger: logger.Named("implement"), phase: PhaseIdle}
	bus.Subscribe("safety.status.updated", func(payload interface{}) {
		snap, ok := payload.(safety.Snapshot)
		if ok && snap.State == safety.Estop {
			c.forceShutdown()
		}
	})
	return c
}

// Phase returns the current phase.
func (c *Coordinator) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// ActuatorState is a snapshot of the cutter/loader/transport actuators.
type ActuatorState struct {
	CutterRunning    bool
	CutterSpeed      float64
	LoaderRunning    bool
	TransportEngaged bool
	CargoSecured     bool
}

// Actuators returns a snapshot of the current actuator state.
func (c *Coordinator) Actuators() ActuatorState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ActuatorState{
		CutterRunning:    c.cutterRunning,
		CutterSpeed:      c.cutterSpeed,
		LoaderRunning:    c.loaderRunning,
		TransportEngaged: c.transportEngaged,
		CargoSecured:     c.cargoSecured,
	}
}

// Engage requests the startup->active sequence: the cutter starts first,
// reaches operating speed, and only then does the loader start, per spec
// §4.8's explicit cutter/loader ordering. It is rejected unless the safety
// monitor currently reports NORMAL, currentSpeedMPS is at or below the
// configured approach-speed threshold, and bladesClear reports the blade
// area is unobstructed — the safety-to-engage predicate the specification
// requires before any implement engagement.
func (c *Coordinator) Engage(currentSpeedMPS float64, bladesClear bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.mon.Snapshot().State != safety.Normal {
		return &EngageRejectedError{Reason: "safety monitor not normal"}
	}
	if currentSpeedMPS > c.cfg.MaxApproachSpeedMPS {
		return &EngageRejectedError{Reason: "vehicle speed above approach threshold"}
	}
	if !bladesClear {
		return &EngageRejectedError{Reason: "blade area not clear"}
	}
	if err := c.transitionLocked(PhaseStartup); err != nil {
		return err
	}
	c.startCutterLocked()
	if err := c.startLoaderLocked(); err != nil {
		return err
	}
	return c.transitionLocked(PhaseActive)
}

// EngageRejectedError is returned by Engage when its gating predicate
// fails.
type EngageRejectedError struct {
	Reason string
}

func (e *EngageRejectedError) Error() string {
	return "implement engagement rejected: " + e.Reason
}

// startCutterLocked starts the cutter at full blade speed. It must run
// before startLoaderLocked; Engage enforces that ordering.
func (c *Coordinator) startCutterLocked() {
	c.cutterRunning = true
	c.cutterSpeed = 1.0
	c.engineLoad = 1.0
}

// startLoaderLocked starts the loader, rejected unless the cutter is
// running at full blade speed, per spec §4.8's "loader started only after
// blades at speed".
func (c *Coordinator) startLoaderLocked() error {
	if !c.cutterRunning || c.cutterSpeed < 1.0 {
		return &ActuatorSequenceError{Actuator: "loader", Reason: "blades not at speed"}
	}
	c.loaderRunning = true
	return nil
}

// stopActuatorsLocked stops both the cutter and the loader, per spec
// §4.8's "both stopped before unloading".
func (c *Coordinator) stopActuatorsLocked() {
	c.cutterRunning = false
	c.cutterSpeed = 0
	c.loaderRunning = false
	c.engineLoad = 0
}

// ActuatorSequenceError is returned when an actuator transition's
// precondition is not satisfied.
type ActuatorSequenceError struct {
	Actuator, Reason string
}

func (e *ActuatorSequenceError) Error() string {
	return "implement actuator sequence violation: " + e.Actuator + ": " + e.Reason
}

// Wait transitions active->waiting, used while the vehicle pauses motion
// but keeps the cutter and loader running and ready.
func (c *Coordinator) Wait() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transitionLocked(PhaseWaiting)
}

// Resume transitions waiting->active.
func (c *Coordinator) Resume() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transitionLocked(PhaseActive)
}

// BeginUnload transitions active->unloading, stopping the cutter and
// loader first, per spec §4.8's "both stopped before unloading".
func (c *Coordinator) BeginUnload() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !transitions[c.phase][PhaseUnloading] {
		return &IllegalTransitionError{From: c.phase, To: PhaseUnloading}
	}
	c.stopActuatorsLocked()
	return c.transitionLocked(PhaseUnloading)
}

// EndUnload transitions unloading->active, restarting the cutter and
// loader in sequence as Engage does.
func (c *Coordinator) EndUnload() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.startCutterLocked()
	if err := c.startLoaderLocked(); err != nil {
		return err
	}
	return c.transitionLocked(PhaseActive)
}

// SetCargoSecured records whether the load is currently strapped down,
// the precondition EngageTransportMode requires.
func (c *Coordinator) SetCargoSecured(secured bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cargoSecured = secured
	c.publishLocked()
}

// EngageTransportMode engages transport mode, rejected unless the cargo
// is secured, per spec §4.8's "transport mode engaged only after cargo
// secured".
func (c *Coordinator) EngageTransportMode() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.cargoSecured {
		return &ActuatorSequenceError{Actuator: "transport", Reason: "cargo not secured"}
	}
	c.transportEngaged = true
	c.publishLocked()
	return nil
}

// DisengageTransportMode disengages transport mode.
func (c *Coordinator) DisengageTransportMode() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.transportEngaged = false
	c.publishLocked()
}

// Shutdown begins the deceleration ramp into shutdown, then idle.
func (c *Coordinator) Shutdown() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.transitionLocked(PhaseShutdown); err != nil {
		return err
	}
	return nil
}

func (c *Coordinator) forceShutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.phase == PhaseIdle || c.phase == PhaseShutdown {
		return
	}
	c.phase = PhaseShutdown
	c.publishLocked()
}

// Tick advances the shutdown deceleration ramp and, once the blades reach
// zero speed, settles the implement into idle with both actuators off. dt
// is in seconds.
func (c *Coordinator) Tick(dt float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.phase != PhaseShutdown {
		return
	}
	c.cutterSpeed -= c.cfg.DecelerationRatePerS * dt
	if c.cutterSpeed <= 0 {
		c.cutterSpeed = 0
		c.engineLoad = 0
		c.stopActuatorsLocked()
		c.transportEngaged = false
		c.phase = PhaseIdle
		c.publishLocked()
		return
	}
	c.engineLoad = c.cutterSpeed
	c.publishLocked()
}

func (c *Coordinator) transitionLocked(to Phase) error {
	if !transitions[c.phase][to] {
		return &IllegalTransitionError{From: c.phase, To: to}
	}
	c.phase = to
	c.publishLocked()
	return nil
}

func (c *Coordinator) publishLocked() {
	c.bus.Publish("implements.status.updated", StatusUpdated{
		Phase:            c.phase,
		EngineLoad:       c.engineLoad,
		CutterRunning:    c.cutterRunning,
		CutterSpeed:      c.cutterSpeed,
		LoaderRunning:    c.loaderRunning,
		TransportEngaged: c.transportEngaged,
		CargoSecured:     c.cargoSecured,
	})
}
