// Package localization implements the multi-rate sensor-fusion filter
// (C3): a loosely-coupled complementary/Kalman-style estimator blending
// GPS, IMU, wheel odometry, and optional visual odometry into a Pose.
package localization

import (
	"context"
	"sync"
	"time"

	"github.com/gvsrusa/sevak-roocode-sub001/logging"
	"github.com/gvsrusa/sevak-roocode-sub001/mesh"
	"github.com/gvsrusa/sevak-roocode-sub001/sensors"
	"github.com/gvsrusa/sevak-roocode-sub001/spatial"
)

// PoseUpdated is the payload published on "pose.updated" each tick.
type PoseUpdated struct {
	Pose spatial.Pose
}

// Config tunes the filter's blend weights and growth rates.
type Config struct {
	TickRateHz               float64
	GPSQualityThreshold      float64
	DeadReckoningGrowthMPerS float64
	OrientationGyroWeight    float64 // weight given to the gyro integration term, in [0,1]
	VisualOdometryImprovement float64 // bounded multiplicative uncertainty reduction factor, in [0,1]
	SensorFloorUncertaintyM  float64
	MaxUncertaintyM          float64
}

// DefaultConfig returns the specification's nominal tuning: 10 Hz tick.
func DefaultConfig() Config {
	return Config{
		TickRateHz:                10,
		GPSQualityThreshold:       0.5,
		DeadReckoningGrowthMPerS:  0.05,
		OrientationGyroWeight:     0.98,
		VisualOdometryImprovement: 0.5,
		SensorFloorUncertaintyM:   0.05,
		MaxUncertaintyM:           1000,
	}
}

// Filter owns the current pose estimate. It is the single authoritative
// writer; all other subsystems receive immutable Pose snapshots via the
// mesh, per the specification's ownership model.
type Filter struct {
	mu     sync.Mutex
	cfg    Config
	bus    *mesh.Bus
	logger logging.Logger

	pose spatial.Pose

	lastGPSTs   int64
	lastIMUTs   int64
	lastWheelTs int64
	lastVOTs    int64

	haveGPSFix bool

	pendingGPS   *sensors.GPSSample
	pendingIMU   *sensors.IMUSample
	pendingWheel *sensors.WheelOdometrySample
	pendingVO    *sensors.VisualOdometrySample
}

// New builds a Filter at the origin with maximum uncertainty and identity
// orientation, matching the specification's first-tick edge case.
func New(bus *mesh.Bus, cfg Config, logger logging.Logger) *Filter {
	f := &Filter{
		cfg:    cfg,
		bus:    bus,
		logger: logger.Named("localization"),
		pose: spatial.Pose{
			Position:               spatial.Vec3{},
			Orientation:            spatial.Orientation{},
			PositionUncertaintyM:   cfg.MaxUncertaintyM,
			OrientationUncertainty: cfg.MaxUncertaintyM,
		},
	}
	f.subscribe()
	return f
}

func (f *Filter) subscribe() {
	f.bus.Subscribe(sensors.Topic(sensors.ModalityGPS), func(payload interface{}) {
		f.onGPS(payload.(sensors.GPSSample))
	})
	f.bus.Subscribe(sensors.Topic(sensors.ModalityIMU), func(payload interface{}) {
		f.onIMU(payload.(sensors.IMUSample))
	})
	f.bus.Subscribe(sensors.Topic(sensors.ModalityWheelOdometry), func(payload interface{}) {
		f.onWheelOdometry(payload.(sensors.WheelOdometrySample))
	})
	f.bus.Subscribe(sensors.Topic(sensors.ModalityVisualOdometry), func(payload interface{}) {
		f.onVisualOdometry(payload.(sensors.VisualOdometrySample))
	})
}

func (f *Filter) onGPS(s sensors.GPSSample) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s.Timestamp() <= f.lastGPSTs && f.lastGPSTs != 0 {
		return // out-of-order, drop
	}
	f.pendingGPS = &s
}

func (f *Filter) onIMU(s sensors.IMUSample) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s.Timestamp() <= f.lastIMUTs && f.lastIMUTs != 0 {
		return
	}
	f.pendingIMU = &s
}

func (f *Filter) onWheelOdometry(s sensors.WheelOdometrySample) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s.Timestamp() <= f.lastWheelTs && f.lastWheelTs != 0 {
		return
	}
	f.pendingWheel = &s
}

func (f *Filter) onVisualOdometry(s sensors.VisualOdometrySample) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s.Timestamp() <= f.lastVOTs && f.lastVOTs != 0 {
		return
	}
	f.pendingVO = &s
}

// Run ticks the filter at cfg.TickRateHz until ctx is cancelled, publishing
// pose.updated after every tick.
func (f *Filter) Run(ctx context.Context) {
	period := time.Duration(float64(time.Second) / f.cfg.TickRateHz)
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			dt := period.Seconds()
			f.Tick(dt)
		}
	}
}

// Tick advances the filter by dt seconds, incorporating whatever samples
// have arrived since the last tick, and publishes the resulting pose. It is
// exported directly so tests can drive the filter without a real ticker.
func (f *Filter) Tick(dt float64) spatial.Pose {
	f.mu.Lock()

	gps, imu, wheel, vo := f.pendingGPS, f.pendingIMU, f.pendingWheel, f.pendingVO
	f.pendingGPS, f.pendingIMU, f.pendingWheel, f.pendingVO = nil, nil, nil, nil

	if imu != nil {
		f.applyIMU(*imu)
		f.lastIMUTs = imu.Timestamp()
	}

	usedGPS := false
	if gps != nil && gps.Quality > f.cfg.GPSQualityThreshold {
		f.applyGPS(*gps)
		f.lastGPSTs = gps.Timestamp()
		usedGPS = true
		f.haveGPSFix = true
	} else if gps != nil {
		// Stale/low-quality fix still marks the modality as incorporated
		// for ordering purposes but does not drive position.
		f.lastGPSTs = gps.Timestamp()
	}

	if !usedGPS {
		f.deadReckon(wheel, dt)
	}
	if wheel != nil {
		f.lastWheelTs = wheel.Timestamp()
	}

	if vo != nil && vo.Valid {
		f.applyVisualOdometry(*vo)
		f.lastVOTs = vo.Timestamp()
	}

	f.pose.TimestampNanos += int64(dt * float64(time.Second))
	pose := f.pose
	f.mu.Unlock()

	f.bus.Publish("pose.updated", PoseUpdated{Pose: pose})
	return pose
}

// applyIMU updates orientation via a complementary filter weighted toward
// the (higher-frequency) gyro integration term.
func (f *Filter) applyIMU(s sensors.IMUSample) {
	w := f.cfg.OrientationGyroWeight
	gyroEstimate := spatial.Orientation{
		Roll:  f.pose.Orientation.Roll + s.AngularRate.Roll,
		Pitch: f.pose.Orientation.Pitch + s.AngularRate.Pitch,
		Yaw:   f.pose.Orientation.Yaw + s.AngularRate.Yaw,
	}
	f.pose.Orientation = spatial.Orientation{
		Roll:  spatial.NormalizeAngle(w*gyroEstimate.Roll + (1-w)*s.Orientation.Roll),
		Pitch: spatial.NormalizeAngle(w*gyroEstimate.Pitch + (1-w)*s.Orientation.Pitch),
		Yaw:   spatial.NormalizeAngle(w*gyroEstimate.Yaw + (1-w)*s.Orientation.Yaw),
	}
	if s.Variance() < f.pose.OrientationUncertainty {
		f.pose.OrientationUncertainty = s.Variance()
	}
}

// applyGPS blends the current position estimate with the GPS fix using a
// Kalman-style gain derived from the relative variances, then resets
// position uncertainty to the GPS-reported variance.
func (f *Filter) applyGPS(s sensors.GPSSample) {
	priorVar := f.pose.PositionUncertaintyM * f.pose.PositionUncertaintyM
	measVar := s.Variance() * s.Variance()
	if measVar <= 0 {
		measVar = 1e-6
	}
	gain := priorVar / (priorVar + measVar)

	f.pose.Position = spatial.Blend(f.pose.Position, s.Position, gain)
	f.pose.PositionUncertaintyM = s.Variance()
}

// deadReckon advances position using wheel-odometry displacement rotated
// into the ENU frame by the current orientation, growing uncertainty at a
// fixed rate per second.
func (f *Filter) deadReckon(wheel *sensors.WheelOdometrySample, dt float64) {
	if wheel != nil {
		enu := wheel.DisplacementBody.RotateZ(f.pose.Orientation.Yaw)
		f.pose.Position = f.pose.Position.Add(enu)
	}
	f.pose.PositionUncertaintyM += f.cfg.DeadReckoningGrowthMPerS * dt
	if f.pose.PositionUncertaintyM > f.cfg.MaxUncertaintyM {
		f.pose.PositionUncertaintyM = f.cfg.MaxUncertaintyM
	}
}

// applyVisualOdometry refines the position estimate and multiplicatively
// reduces uncertainty, bounded below by the sensor floor.
func (f *Filter) applyVisualOdometry(vo sensors.VisualOdometrySample) {
	weight := vo.Confidence
	f.pose.Position = spatial.Blend(f.pose.Position, f.pose.Position.Add(vo.DisplacementENU), weight)
	reduction := f.cfg.VisualOdometryImprovement * vo.Confidence
	newUncertainty := f.pose.PositionUncertaintyM * (1 - reduction)
	if newUncertainty < f.cfg.SensorFloorUncertaintyM {
		newUncertainty = f.cfg.SensorFloorUncertaintyM
	}
	f.pose.PositionUncertaintyM = newUncertainty
}

// Pose returns the current pose snapshot.
func (f *Filter) Pose() spatial.Pose {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pose
}
