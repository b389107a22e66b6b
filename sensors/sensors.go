// Package sensors defines the tagged-sum sensor sample types (C2) and a
// deterministic fake driver harness. Real hardware acquisition is out of
// scope (Non-goals: simulated hardware drivers); what is in scope is the
// stable contract each driver publishes onto the mesh: a typed sample with
// a timestamp and variance, at a fixed rate, on topic
// "sensor.<name>.updated".
package sensors

import (
	"context"
	"time"

	"github.com/gvsrusa/sevak-roocode-sub001/mesh"
	"github.com/gvsrusa/sevak-roocode-sub001/spatial"
)

// Modality names the sensor kinds the localisation filter and obstacle map
// consume. Each is a tag in the sum type below.
type Modality string

const (
	ModalityGPS             Modality = "gps"
	ModalityIMU              Modality = "imu"
	ModalityWheelOdometry    Modality = "wheel_odometry"
	ModalityVisualOdometry   Modality = "visual_odometry"
	ModalityLidarCluster     Modality = "lidar_cluster"
	ModalityUltrasonic       Modality = "ultrasonic"
	ModalityCameraDetection  Modality = "camera_detection"
	ModalityMotorTemperature Modality = "motor_temperature"
	ModalityMotorCurrent     Modality = "motor_current"
)

// Topic returns the stable mesh topic name for a modality.
func Topic(m Modality) string {
	return "sensor." + string(m) + ".updated"
}

// Sample is implemented by every concrete sample type below. It carries the
// common timestamp/variance pair the filters match on, per the
// specification's "polymorphism over sensor kinds" design note.
type Sample interface {
	Modality() Modality
	Timestamp() int64
	Variance() float64
}

type base struct {
	modality  Modality
	ts        int64
	variance  float64
}

func (b base) Modality() Modality { return b.modality }
func (b base) Timestamp() int64   { return b.ts }
func (b base) Variance() float64  { return b.variance }

// GPSSample is an absolute position fix with a reported quality in [0,1]
// (higher is better). Its Variance is the position uncertainty in meters,
// which the localisation filter adopts as the pose's uncertainty.
type GPSSample struct {
	base
	Position Vec3
	Quality  float64
}

// Vec3 is an alias of spatial.Vec3, so samples and consumers share the
// same type without conversion.
type Vec3 = spatial.Vec3

// NewGPSSample builds a GPS fix.
func NewGPSSample(position Vec3, quality, variance float64, ts int64) GPSSample {
	return GPSSample{base: base{ModalityGPS, ts, variance}, Position: position, Quality: quality}
}

// IMUSample is an orientation/angular-rate reading.
type IMUSample struct {
	base
	Orientation  spatial.Orientation
	AngularRate  spatial.Orientation
}

// NewIMUSample builds an IMU reading.
func NewIMUSample(orientation, angularRate spatial.Orientation, variance float64, ts int64) IMUSample {
	return IMUSample{base: base{ModalityIMU, ts, variance}, Orientation: orientation, AngularRate: angularRate}
}

// WheelOdometrySample is a body-frame displacement since the last sample.
type WheelOdometrySample struct {
	base
	DisplacementBody Vec3
}

// NewWheelOdometrySample builds a wheel-odometry displacement reading.
func NewWheelOdometrySample(displacement Vec3, variance float64, ts int64) WheelOdometrySample {
	return WheelOdometrySample{base: base{ModalityWheelOdometry, ts, variance}, DisplacementBody: displacement}
}

// VisualOdometrySample is a refinement displacement with a reported
// confidence in [0,1].
type VisualOdometrySample struct {
	base
	DisplacementENU Vec3
	Confidence      float64
	Valid           bool
}

// NewVisualOdometrySample builds a visual-odometry reading.
func NewVisualOdometrySample(displacement Vec3, confidence, variance float64, valid bool, ts int64) VisualOdometrySample {
	return VisualOdometrySample{base: base{ModalityVisualOdometry, ts, variance}, DisplacementENU: displacement, Confidence: confidence, Valid: valid}
}

// DetectionKind is the raw classification hint coming off a sensor driver,
// prior to obstacle-map track classification.
type DetectionKind string

const (
	DetectionUnknown DetectionKind = "unknown"
	DetectionHuman   DetectionKind = "human"
	DetectionAnimal  DetectionKind = "animal"
	DetectionVehicle DetectionKind = "vehicle"
)

// Detection is a single raw detection from a perception sensor: LIDAR
// clusterer, camera classifier, or ultrasonic ranger.
type Detection struct {
	base
	Position   Vec3
	SizeM      float64
	Confidence float64
	Kind       DetectionKind
}

// NewLidarClusterSample builds a LIDAR cluster detection.
func NewLidarClusterSample(position Vec3, size, confidence, variance float64, ts int64) Detection {
	return Detection{base: base{ModalityLidarCluster, ts, variance}, Position: position, SizeM: size, Confidence: confidence, Kind: DetectionUnknown}
}

// NewUltrasonicSample builds an ultrasonic range detection.
func NewUltrasonicSample(position Vec3, size, confidence, variance float64, ts int64) Detection {
	return Detection{base: base{ModalityUltrasonic, ts, variance}, Position: position, SizeM: size, Confidence: confidence, Kind: DetectionUnknown}
}

// NewCameraDetectionSample builds an already-classified camera detection.
func NewCameraDetectionSample(position Vec3, size, confidence, variance float64, kind DetectionKind, ts int64) Detection {
	return Detection{base: base{ModalityCameraDetection, ts, variance}, Position: position, SizeM: size, Confidence: confidence, Kind: kind}
}

// MotorTemperatureSample is a per-wheel temperature reading in Celsius.
type MotorTemperatureSample struct {
	base
	WheelID     string
	TemperatureC float64
}

// NewMotorTemperatureSample builds a motor temperature reading.
func NewMotorTemperatureSample(wheelID string, tempC, variance float64, ts int64) MotorTemperatureSample {
	return MotorTemperatureSample{base: base{ModalityMotorTemperature, ts, variance}, WheelID: wheelID, TemperatureC: tempC}
}

// MotorCurrentSample is a per-wheel current draw reading in amps.
type MotorCurrentSample struct {
	base
	WheelID string
	Amps    float64
}

// NewMotorCurrentSample builds a motor current reading.
func NewMotorCurrentSample(wheelID string, amps, variance float64, ts int64) MotorCurrentSample {
	return MotorCurrentSample{base: base{ModalityMotorCurrent, ts, variance}, WheelID: wheelID, Amps: amps}
}

// Generator produces the next sample for a driver's tick. Implementations
// are deterministic fakes in this core (Non-goals: real hardware drivers).
type Generator func(tick int64, now int64) Sample

// Driver periodically publishes samples produced by a Generator onto the
// mesh at a fixed rate, under the stable topic name for its modality.
type Driver struct {
	modality  Modality
	bus       *mesh.Bus
	period    time.Duration
	generator Generator
}

// NewDriver builds a driver that ticks at 1/period Hz.
func NewDriver(modality Modality, bus *mesh.Bus, period time.Duration, gen Generator) *Driver {
	return &Driver{modality: modality, bus: bus, period: period, generator: gen}
}

// Run publishes samples until ctx is cancelled.
func (d *Driver) Run(ctx context.Context) {
	ticker := time.NewTicker(d.period)
	defer ticker.Stop()
	var tick int64
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			tick++
			sample := d.generator(tick, now.UnixNano())
			if sample != nil {
				d.bus.Publish(Topic(d.modality), sample)
			}
		}
	}
}
