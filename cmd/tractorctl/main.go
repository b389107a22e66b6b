// Command tractorctl wires together the full control stack: the event
// mesh, sensor drivers, localisation filter, obstacle map, motion
// controller, safety monitor, path planner, implement coordinator,
// command channel, and operation coordinator, all under one cancellable
// lifecycle.
package main

import (
	"context"
	"flag"
	"math"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gvsrusa/sevak-roocode-sub001/command"
	"github.com/gvsrusa/sevak-roocode-sub001/config"
	"github.com/gvsrusa/sevak-roocode-sub001/implement"
	"github.com/gvsrusa/sevak-roocode-sub001/internal/fsutil"
	"github.com/gvsrusa/sevak-roocode-sub001/localization"
	"github.com/gvsrusa/sevak-roocode-sub001/logging"
	"github.com/gvsrusa/sevak-roocode-sub001/mesh"
	"github.com/gvsrusa/sevak-roocode-sub001/motion"
	"github.com/gvsrusa/sevak-roocode-sub001/navigation"
	"github.com/gvsrusa/sevak-roocode-sub001/obstacle"
	"github.com/gvsrusa/sevak-roocode-sub001/operation"
	"github.com/gvsrusa/sevak-roocode-sub001/safety"
	"github.com/gvsrusa/sevak-roocode-sub001/sensors"
	"github.com/gvsrusa/sevak-roocode-sub001/spatial"
)

func main() {
	configPath := flag.String("config", "", "path to a JSON configuration file; empty uses defaults")
	queuePath := flag.String("offline-queue", "/var/lib/tractorctl/offline-queue.jsonl", "path to the offline command queue")
	trustedClientsDir := flag.String("trusted-clients-dir", "", "directory of trusted client certificates (PEM, keyed by CN); empty disables offline-queue replay and the command listener")
	listenAddr := flag.String("listen-addr", ":8443", "address the mutually-authenticated command channel listens on")
	serverCertPath := flag.String("server-cert", "", "server TLS certificate (PEM); empty disables the command listener")
	serverKeyPath := flag.String("server-key", "", "server TLS private key (PEM); empty disables the command listener")
	clientCACertPath := flag.String("client-ca-cert", "", "CA certificate (PEM) client certificates must chain to; empty disables the command listener")
	flag.Parse()

	logger := logging.New(logging.INFO)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Infow("shutdown signal received")
		cancel()
	}()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			logger.Errorw("failed to load config, using defaults", "error", err)
		} else {
			cfg = loaded
		}
	}

	watcher, err := config.NewWatcher(ctx, *configPath, logger)
	if err != nil {
		logger.Errorw("failed to start config watcher", "error", err)
	} else {
		defer watcher.Close()
		go watchConfig(ctx, watcher, logger)
	}

	bus := mesh.New(logger)

	startFakeSensorDrivers(ctx, bus)

	locCfg := localization.DefaultConfig()
	locCfg.GPSQualityThreshold = cfg.GPSQualityThreshold
	locCfg.VisualOdometryImprovement = cfg.VisualOdometryImprovementFactor
	loc := localization.New(bus, locCfg, logger)
	go loc.Run(ctx)

	obsCfg := obstacle.DefaultConfig()
	obsCfg.FusionRadiusM = cfg.FusionRadiusM
	obsCfg.AssociationRadiusM = cfg.AssociationRadiusM
	obsCfg.ConfidenceDecayPerS = cfg.ConfidenceDecayRatePerS
	obsCfg.MinConfidence = cfg.MinObstacleConfidence
	obsMap := obstacle.New(bus, obsCfg, logger)

	motorBus := motion.NewBus(0.05)
	motionCfg := motion.DefaultConfig()
	motionCfg.MaxSpeedMPS = cfg.MaxSpeedMPS
	motionCfg.MaxAccelMPS2 = cfg.MaxAccelMPS2
	motionCfg.MaxDecelMPS2 = cfg.MaxDecelMPS2
	controller := motion.NewController(bus, motorBus, motionCfg)
	startFakeMotorTelemetry(ctx, bus, motorBus, motionCfg.CriticalTempC, motionCfg.OverCurrentA)

	safetyCfg := safety.DefaultConfig()
	safetyCfg.WatchdogTimeout = time.Duration(cfg.WatchdogTimeoutMS) * time.Millisecond
	mon := safety.New(bus, safetyCfg, logger)

	implCfg := implement.DefaultConfig()
	impl := implement.New(bus, mon, implCfg, logger)

	navCfg := navigation.DefaultConfig()
	navCfg.WaypointReachedThresholdM = cfg.WaypointReachedThresholdM
	navCfg.CorridorWidthM = cfg.SafetyCorridorWidthM
	planner := navigation.New(bus, obsMap, navigation.Boundary{}, navCfg, logger)

	opCoord := operation.New(bus, planner, controller, impl, obsMap, mon, logger)
	opCoord.SetCruiseSpeed(0.5 * cfg.MaxSpeedMPS)

	cmdCfg := command.DefaultConfig()
	cmdCfg.FreshnessWindow = time.Duration(cfg.CommandFreshnessWindowMS) * time.Millisecond
	cmdCfg.SessionTTL = time.Duration(cfg.SessionTTLMS) * time.Millisecond
	sessionSecret := []byte(os.Getenv("TRACTORCTL_SESSION_SECRET"))
	channel := command.New(bus, cmdCfg, sessionSecret, logger)

	fs := fsutil.OSFileSystem{}
	offlineQueue := command.NewOfflineQueue(fs, *queuePath, time.Duration(cfg.OfflineQueueTTLS)*time.Second)

	var trusted *command.TrustedClientStore
	if *trustedClientsDir != "" {
		loadedTrust, err := command.LoadTrustedClients(*trustedClientsDir)
		if err != nil {
			logger.Errorw("failed to load trusted clients directory, offline queue replay disabled", "error", err)
		} else {
			trusted = loadedTrust
		}
	}
	replayQueuedCommands(channel, offlineQueue, trusted, logger)

	startCommandListener(ctx, *listenAddr, *serverCertPath, *serverKeyPath, *clientCACertPath, trusted, channel, mon, bus, logger)

	wireWatchdog(bus, mon)
	wireCommandDispatch(bus, opCoord, controller, planner, mon, impl, obsMap, loc, logger)

	telemetryPub, err := command.NewTelemetryPublisher(bus, telemetryCollector(loc, motorBus, mon, impl, opCoord), logger)
	if err != nil {
		logger.Errorw("failed to build telemetry publisher", "error", err)
	} else {
		cleanup, err := telemetryPub.Start(
			ctx,
			time.Duration(cfg.MetricsIntervalMS)*time.Millisecond,
			func() { channel.SweepSeenSet() },
			time.Minute,
			[]string{"safety.estop.activated", "safety.estop.reset", "motion.waypoint_reached", "operation.status.updated"},
		)
		if err != nil {
			logger.Errorw("failed to start telemetry publisher", "error", err)
		} else {
			defer cleanup()
		}
	}

	runObstacleLoop(ctx, obsMap)
	runSafetyLoop(ctx, mon, obsMap, motorBus, planner, loc, cfg, motionCfg.CriticalTempC, motionCfg.OverCurrentA)
	runImplementLoop(ctx, impl)
	runOperationLoop(ctx, opCoord, loc)
	runMotionLoop(ctx, controller, loc)

	logger.Infow("tractorctl running", "operation_status", opCoord.Status(), "safety_state", mon.Snapshot().State)

	<-ctx.Done()
	logger.Infow("tractorctl exiting")
}

func watchConfig(ctx context.Context, w *config.Watcher, logger logging.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case updated, ok := <-w.Updates():
			if !ok {
				return
			}
			logger.Infow("configuration reloaded", "max_speed_mps", updated.MaxSpeedMPS)
		}
	}
}

// replayQueuedCommands drains whatever the offline queue accumulated
// while this process was down and hands each surviving envelope back to
// the channel's own admission pipeline, so a replayed command is held to
// the exact same freshness/replay/signature checks as a live one. Each
// envelope's signer key is looked up by its SubjectCN in the trusted
// clients directory, matching the key the server would have learned from
// the original mutual-TLS handshake.
func replayQueuedCommands(channel *command.Channel, queue *command.OfflineQueue, trusted *command.TrustedClientStore, logger logging.Logger) {
	envelopes, err := queue.Drain(time.Now())
	if err != nil {
		logger.Warnw("failed to drain offline command queue", "error", err)
		return
	}
	if len(envelopes) == 0 {
		return
	}
	if trusted == nil {
		logger.Warnw("no trusted clients directory configured, cannot resolve signer keys for queued commands", "count", len(envelopes))
		return
	}
	logger.Infow("replaying queued offline commands", "count", len(envelopes))
	for i := range envelopes {
		e := &envelopes[i]
		key, ok := trusted.PublicKey(e.SubjectCN)
		if !ok {
			logger.Warnw("dropping queued command from unknown client", "subject_cn", e.SubjectCN, "id", e.ID)
			continue
		}
		if err := channel.Admit(e, key); err != nil {
			logger.Warnw("queued command rejected on replay", "id", e.ID, "error", err)
		}
	}
}

// startCommandListener builds the mutually-authenticated TLS listener spec
// §4.9 describes and starts command.Server.Serve on it in the background.
// It is a no-op, logged at warn level, unless all three of
// serverCertPath/serverKeyPath/clientCACertPath and a loaded trusted-client
// store are present: without all four there is no TLS config to build.
func startCommandListener(
	ctx context.Context,
	listenAddr, serverCertPath, serverKeyPath, clientCACertPath string,
	trusted *command.TrustedClientStore,
	channel *command.Channel,
	mon *safety.Monitor,
	bus *mesh.Bus,
	logger logging.Logger,
) {
	if serverCertPath == "" || serverKeyPath == "" || clientCACertPath == "" {
		logger.Warnw("command listener disabled: server-cert/server-key/client-ca-cert not all set")
		return
	}
	if trusted == nil {
		logger.Warnw("command listener disabled: no trusted clients directory configured")
		return
	}

	serverCertPEM, err := os.ReadFile(serverCertPath)
	if err != nil {
		logger.Errorw("command listener disabled: failed to read server certificate", "error", err)
		return
	}
	serverKeyPEM, err := os.ReadFile(serverKeyPath)
	if err != nil {
		logger.Errorw("command listener disabled: failed to read server key", "error", err)
		return
	}
	clientCAPEM, err := os.ReadFile(clientCACertPath)
	if err != nil {
		logger.Errorw("command listener disabled: failed to read client CA certificate", "error", err)
		return
	}

	tlsCfg, err := command.ServerTLSConfig(serverCertPEM, serverKeyPEM, clientCAPEM, trusted)
	if err != nil {
		logger.Errorw("command listener disabled: failed to build TLS config", "error", err)
		return
	}

	listener, err := net.Listen("tcp", listenAddr)
	if err != nil {
		logger.Errorw("command listener disabled: failed to listen", "address", listenAddr, "error", err)
		return
	}

	srv := command.NewServer(tlsCfg, channel, trusted, mon, bus, logger)
	logger.Infow("command listener started", "address", listenAddr)
	go func() {
		if err := srv.Serve(ctx, listener); err != nil {
			logger.Errorw("command listener stopped", "error", err)
		}
	}()
}

// wireWatchdog resets the safety monitor's watchdog on every well-known
// liveness topic: sensor updates, admitted commands, and control-loop
// completion, per spec §4.7 ("Any well-known liveness topic ... resets
// the timer").
func wireWatchdog(bus *mesh.Bus, mon *safety.Monitor) {
	reset := func(interface{}) { mon.ResetWatchdog() }
	bus.Subscribe(sensors.Topic(sensors.ModalityGPS), reset)
	bus.Subscribe(sensors.Topic(sensors.ModalityIMU), reset)
	bus.Subscribe(sensors.Topic(sensors.ModalityWheelOdometry), reset)
	bus.Subscribe("command.admitted", reset)
	bus.Subscribe("motor.status.updated", reset)
	bus.Subscribe("operation.status.updated", reset)
}

// telemetryCollector builds the outbound status snapshot the command
// channel pushes on a fixed cadence and on every edge-triggered topic:
// pose, motor, safety, and implement status, per spec §4.9 ("Outbound
// telemetry").
func telemetryCollector(loc *localization.Filter, motorBus *motion.Bus, mon *safety.Monitor, impl *implement.Coordinator, opCoord *operation.Coordinator) func() map[string]interface{} {
	return func() map[string]interface{} {
		return map[string]interface{}{
			"pose":             loc.Pose(),
			"motors":           motorBus.Snapshot(),
			"safety":           mon.Snapshot(),
			"implement_phase":  impl.Phase(),
			"operation_status": opCoord.Status(),
		}
	}
}

// startFakeSensorDrivers wires a deterministic fake generator for every
// sensor modality this core consumes. Real hardware acquisition is out of
// scope (Non-goals: real hardware drivers); this keeps the full pipeline
// runnable end to end.
func startFakeSensorDrivers(ctx context.Context, bus *mesh.Bus) {
	gpsDriver := sensors.NewDriver(sensors.ModalityGPS, bus, 200*time.Millisecond, func(tick, now int64) sensors.Sample {
		s := sensors.NewGPSSample(spatial.Vec3{X: float64(tick) * 0.1}, 0.9, 0.3, now)
		return s
	})
	imuDriver := sensors.NewDriver(sensors.ModalityIMU, bus, 20*time.Millisecond, func(tick, now int64) sensors.Sample {
		return sensors.NewIMUSample(spatial.Orientation{}, spatial.Orientation{}, 0.05, now)
	})
	wheelDriver := sensors.NewDriver(sensors.ModalityWheelOdometry, bus, 50*time.Millisecond, func(tick, now int64) sensors.Sample {
		return sensors.NewWheelOdometrySample(spatial.Vec3{X: 0.05}, 0.02, now)
	})
	lidarDriver := sensors.NewDriver(sensors.ModalityLidarCluster, bus, 50*time.Millisecond, func(tick, now int64) sensors.Sample {
		return sensors.NewLidarClusterSample(spatial.Vec3{X: float64(tick)*0.1 + 3, Y: 0.5}, 0.4, 0.7, 0.1, now)
	})
	ultrasonicDriver := sensors.NewDriver(sensors.ModalityUltrasonic, bus, 50*time.Millisecond, func(tick, now int64) sensors.Sample {
		return sensors.NewUltrasonicSample(spatial.Vec3{X: float64(tick)*0.1 + 3, Y: 0.5}, 0.4, 0.6, 0.2, now)
	})
	cameraDriver := sensors.NewDriver(sensors.ModalityCameraDetection, bus, 100*time.Millisecond, func(tick, now int64) sensors.Sample {
		return sensors.NewCameraDetectionSample(spatial.Vec3{X: float64(tick)*0.1 + 3, Y: 0.5}, 0.4, 0.8, 0.1, sensors.DetectionUnknown, now)
	})
	for _, d := range []*sensors.Driver{gpsDriver, imuDriver, wheelDriver, lidarDriver, ultrasonicDriver, cameraDriver} {
		go d.Run(ctx)
	}
}

// runObstacleLoop drives the obstacle map's 20 Hz fuse/associate/classify
// cycle (spec §4.4) from whatever detections the perception sensor drivers
// have queued onto the mesh since the previous tick.
func runObstacleLoop(ctx context.Context, obsMap *obstacle.Map) {
	go func() {
		ticker := time.NewTicker(50 * time.Millisecond)
		defer ticker.Stop()
		last := time.Now()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				obsMap.Tick(now.Sub(last).Seconds(), now.UnixNano())
				last = now
			}
		}
	}()
}

// runSafetyLoop drives the safety monitor's 5 Hz check cycle (spec §4.7),
// feeding it the raw violation conditions owned by other subsystems:
// obstacle/human proximity from the obstacle map relative to the current
// pose, tilt from the fused orientation, boundary containment of the
// current pose against the planner's active boundary (only when boundary
// enforcement is enabled), and per-motor overheat/overcurrent from the
// motor bus's own telemetry. battery_low/battery_critical are not wired
// here: no battery-level sensor modality is defined in §4.2's sensor set
// (see DESIGN.md).
func runSafetyLoop(ctx context.Context, mon *safety.Monitor, obsMap *obstacle.Map, motorBus *motion.Bus, planner *navigation.Planner, loc *localization.Filter, cfg config.Config, critTempC, overCurrentA float64) {
	maxSlopeRad := cfg.MaxInclineDeg * math.Pi / 180
	go func() {
		ticker := time.NewTicker(200 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				pose := loc.Pose()
				humanNear := false
				obstacleNear := false
				for _, o := range obsMap.Snapshot() {
					d := pose.Position.Distance(o.Position)
					if o.Kind.IsHumanOrAnimal() && d < cfg.HumanSafeDistanceM {
						humanNear = true
					}
					if d < cfg.ObstacleSafeDistanceM {
						obstacleNear = true
					}
				}
				mon.ReportRaw(safety.HumanProximity, humanNear)
				mon.ReportRaw(safety.ObstacleProximity, obstacleNear)
				mon.ReportRaw(safety.TiltExceeded, pose.Orientation.TiltMagnitude() > maxSlopeRad)
				if cfg.BoundaryEnforcementEnabled {
					mon.ReportRaw(safety.BoundaryViolation, !planner.CurrentBoundary().Contains(pose.Position))
				}

				overheat, overcurrent := false, false
				for _, m := range motorBus.Snapshot() {
					if m.TemperatureC > critTempC {
						overheat = true
					}
					if m.CurrentAmps > overCurrentA {
						overcurrent = true
					}
				}
				mon.ReportRaw(safety.MotorOverheat, overheat)
				mon.ReportRaw(safety.MotorOvercurrent, overcurrent)

				mon.Check()
			}
		}
	}()
}

// startFakeMotorTelemetry feeds deterministic per-wheel temperature and
// current readings onto the motor bus, standing in for the real motor
// temperature/current sensor drivers (Non-goals: real hardware drivers).
func startFakeMotorTelemetry(ctx context.Context, bus *mesh.Bus, motorBus *motion.Bus, critTempC, overCurrentA float64) {
	go func() {
		ticker := time.NewTicker(500 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for _, w := range motion.Wheels {
					motorBus.ReportTelemetry(w, 4.0, 35.0, critTempC, overCurrentA)
				}
			}
		}
	}()
}

func runImplementLoop(ctx context.Context, impl *implement.Coordinator) {
	go func() {
		ticker := time.NewTicker(100 * time.Millisecond)
		defer ticker.Stop()
		last := time.Now()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				impl.Tick(now.Sub(last).Seconds())
				last = now
			}
		}
	}()
}

func runOperationLoop(ctx context.Context, opCoord *operation.Coordinator, loc *localization.Filter) {
	go func() {
		ticker := time.NewTicker(100 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				opCoord.Tick(loc.Pose().Position)
			}
		}
	}()
}

// runMotionLoop drives the motion controller's 50 Hz control loop (spec
// §4.6) from the latest fused heading, independently of the operation
// coordinator's slower path-advancement tick.
func runMotionLoop(ctx context.Context, controller *motion.Controller, loc *localization.Filter) {
	go func() {
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		last := time.Now()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				dt := now.Sub(last).Seconds()
				last = now
				controller.Tick(loc.Pose().Orientation.Yaw, dt)
			}
		}
	}()
}
