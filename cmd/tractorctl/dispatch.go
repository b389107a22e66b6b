package main

import (
	"time"

	mapstructure "github.com/go-viper/mapstructure/v2"

	"github.com/gvsrusa/sevak-roocode-sub001/command"
	"github.com/gvsrusa/sevak-roocode-sub001/implement"
	"github.com/gvsrusa/sevak-roocode-sub001/localization"
	"github.com/gvsrusa/sevak-roocode-sub001/logging"
	"github.com/gvsrusa/sevak-roocode-sub001/mesh"
	"github.com/gvsrusa/sevak-roocode-sub001/motion"
	"github.com/gvsrusa/sevak-roocode-sub001/navigation"
	"github.com/gvsrusa/sevak-roocode-sub001/obstacle"
	"github.com/gvsrusa/sevak-roocode-sub001/operation"
	"github.com/gvsrusa/sevak-roocode-sub001/safety"
	"github.com/gvsrusa/sevak-roocode-sub001/spatial"
)

// directEngageBladeClearanceRadiusM is the clearance radius the
// operator-issued control_implement "engage" action checks, mirroring
// operation.Coordinator's own blade-clear gate for segment-driven engage.
const directEngageBladeClearanceRadiusM = 1.5

// movePayload decodes command.move's {speed, direction} params.
type movePayload struct {
	Speed     float64 `mapstructure:"speed"`
	Direction float64 `mapstructure:"direction"`
}

// navigatePayload decodes command.navigate's {waypoints[]} params.
type navigatePayload struct {
	Waypoints []spatial.Vec3 `mapstructure:"waypoints"`
}

// emergencyStopPayload decodes command.emergency_stop's {reason} params.
type emergencyStopPayload struct {
	Reason string `mapstructure:"reason"`
}

// setBoundariesPayload decodes command.set_boundaries's {points[]} params.
type setBoundariesPayload struct {
	Points []spatial.Vec3 `mapstructure:"points"`
}

// controlImplementPayload decodes command.control_implement's
// {implement, action, params} params.
type controlImplementPayload struct {
	Implement string                 `mapstructure:"implement"`
	Action    string                 `mapstructure:"action"`
	Params    map[string]interface{} `mapstructure:"params"`
}

// updateSafetyLimitsPayload decodes command.update_safety_limits's
// {limits} params.
type updateSafetyLimitsPayload struct {
	Limits map[string]interface{} `mapstructure:"limits"`
}

// wireCommandDispatch subscribes to every spec §6 command.<type> topic the
// command channel dispatches onto the mesh after admission, and turns each
// into the corresponding action on the navigation, motion, safety, and
// implement subsystems. This is the dispatcher half of C9: the channel
// itself only verifies and admits; main owns translating an admitted
// command into an effect on the rest of the stack, per the layered-wiring
// design note (spec §9).
func wireCommandDispatch(
	bus *mesh.Bus,
	opCoord *operation.Coordinator,
	controller *motion.Controller,
	planner *navigation.Planner,
	mon *safety.Monitor,
	impl *implement.Coordinator,
	obsMap *obstacle.Map,
	loc *localization.Filter,
	logger logging.Logger,
) {
	log := logger.Named("dispatch")

	decode := func(params map[string]interface{}, out interface{}) bool {
		if err := mapstructure.Decode(params, out); err != nil {
			log.Warnw("failed to decode command params", "error", err)
			return false
		}
		return true
	}

	envelopeParams := func(payload interface{}) map[string]interface{} {
		e, ok := payload.(*command.Envelope)
		if !ok {
			return nil
		}
		return e.Params
	}

	bus.Subscribe("command."+string(command.TypeMove), func(payload interface{}) {
		var p movePayload
		if !decode(envelopeParams(payload), &p) {
			return
		}
		controller.SetTarget(&motion.Target{Heading: p.Direction, Speed: p.Speed})
	})

	bus.Subscribe("command."+string(command.TypeNavigate), func(payload interface{}) {
		var p navigatePayload
		if !decode(envelopeParams(payload), &p) || len(p.Waypoints) == 0 {
			return
		}
		_, err := opCoord.Start(operation.Params{
			Kind:     operation.KindSurvey,
			Segments: []operation.Segment{{Waypoints: p.Waypoints}},
		}, loc.Pose().Position)
		if err != nil {
			log.Warnw("navigate command rejected", "error", err)
		}
	})

	bus.Subscribe("command."+string(command.TypeStop), func(interface{}) {
		controller.ClearTarget()
		if opCoord.Status() == operation.StatusRunning {
			_ = opCoord.Pause()
		}
	})

	bus.Subscribe("command."+string(command.TypeEmergencyStop), func(payload interface{}) {
		var p emergencyStopPayload
		decode(envelopeParams(payload), &p)
		if p.Reason == "" {
			p.Reason = "operator_requested"
		}
		mon.TriggerEstop(p.Reason, "operator")
	})

	bus.Subscribe("command."+string(command.TypeSetBoundaries), func(payload interface{}) {
		var p setBoundariesPayload
		if !decode(envelopeParams(payload), &p) {
			return
		}
		vertices := make([]spatial.Vec3, len(p.Points))
		copy(vertices, p.Points)
		planner.SetBoundary(navigation.Boundary{Vertices: vertices})
	})

	bus.Subscribe("command."+string(command.TypeResetEmergency), func(interface{}) {
		if err := mon.Reset(); err != nil {
			log.Warnw("emergency reset rejected", "error", err)
		}
	})

	bus.Subscribe("command."+string(command.TypeControlImplement), func(payload interface{}) {
		var p controlImplementPayload
		if !decode(envelopeParams(payload), &p) {
			return
		}
		dispatchImplementAction(impl, controller, obsMap, loc, p.Action, log)
	})

	bus.Subscribe("command."+string(command.TypeUpdateSafetyLimits), func(payload interface{}) {
		var p updateSafetyLimitsPayload
		if !decode(envelopeParams(payload), &p) {
			return
		}
		applySafetyLimits(mon, p.Limits, log)
	})
}

func dispatchImplementAction(impl *implement.Coordinator, controller *motion.Controller, obsMap *obstacle.Map, loc *localization.Filter, action string, log logging.Logger) {
	var err error
	switch action {
	case "engage":
		pose := loc.Pose().Position
		bladesClear := len(obsMap.Corridor(pose, pose, 2*directEngageBladeClearanceRadiusM)) == 0
		err = impl.Engage(controller.CurrentSpeed(), bladesClear)
	case "wait":
		err = impl.Wait()
	case "resume":
		err = impl.Resume()
	case "begin_unload":
		err = impl.BeginUnload()
	case "end_unload":
		err = impl.EndUnload()
	case "shutdown":
		err = impl.Shutdown()
	default:
		log.Warnw("unknown control_implement action", "action", action)
		return
	}
	if err != nil {
		log.Warnw("control_implement action rejected", "action", action, "error", err)
	}
}

// applySafetyLimits applies the watchdog-owned limits from an
// update_safety_limits command; the monitor is the sole owner of the
// watchdog timeout and hysteresis duration it enforces.
func applySafetyLimits(mon *safety.Monitor, limits map[string]interface{}, log logging.Logger) {
	var watchdogTimeout, hysteresis time.Duration
	if v, ok := limits["watchdog_timeout_ms"]; ok {
		if ms, ok := toFloat(v); ok {
			watchdogTimeout = time.Duration(ms) * time.Millisecond
		}
	}
	if v, ok := limits["hysteresis_duration_ms"]; ok {
		if ms, ok := toFloat(v); ok {
			hysteresis = time.Duration(ms) * time.Millisecond
		}
	}
	if watchdogTimeout == 0 && hysteresis == 0 {
		log.Warnw("update_safety_limits carried no watchdog-owned keys", "limits", limits)
		return
	}
	mon.UpdateLimits(watchdogTimeout, hysteresis)
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
