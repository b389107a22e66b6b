package localization

import (
	"testing"

	"go.viam.com/test"

	"github.com/gvsrusa/sevak-roocode-sub001/logging"
	"github.com/gvsrusa/sevak-roocode-sub001/mesh"
	"github.com/gvsrusa/sevak-roocode-sub001/sensors"
	"github.com/gvsrusa/sevak-roocode-sub001/spatial"
)

func newTestFilter() (*Filter, *mesh.Bus) {
	bus := mesh.New(logging.NewTestLogger())
	f := New(bus, DefaultConfig(), logging.NewTestLogger())
	return f, bus
}

func TestFirstTickNoGPSIsOriginMaxUncertainty(t *testing.T) {
	f, _ := newTestFilter()
	pose := f.Tick(0.1)
	test.That(t, pose.Position, test.ShouldResemble, spatial.Vec3{})
	test.That(t, pose.PositionUncertaintyM, test.ShouldEqual, DefaultConfig().MaxUncertaintyM)
	test.That(t, pose.Orientation, test.ShouldResemble, spatial.Orientation{})
}

func TestGPSAboveThresholdDrivesPosition(t *testing.T) {
	f, _ := newTestFilter()
	f.onGPS(sensors.NewGPSSample(spatial.Vec3{X: 10, Y: 5}, 0.9, 1.0, 1000))
	pose := f.Tick(0.1)
	test.That(t, pose.Position.X > 0, test.ShouldBeTrue)
	test.That(t, pose.PositionUncertaintyM, test.ShouldEqual, 1.0)
}

func TestGPSAtThresholdFallsBackToDeadReckoning(t *testing.T) {
	cfg := DefaultConfig()
	bus := mesh.New(logging.NewTestLogger())
	f := New(bus, cfg, logging.NewTestLogger())

	// Exactly at threshold: GPS is admitted only strictly above it, so this
	// fix must NOT drive position.
	f.onGPS(sensors.NewGPSSample(spatial.Vec3{X: 100}, cfg.GPSQualityThreshold, 1.0, 1000))
	f.onWheelOdometry(sensors.NewWheelOdometrySample(spatial.Vec3{X: 0.1}, 0.01, 1000))
	pose := f.Tick(0.1)

	test.That(t, pose.Position.X, test.ShouldAlmostEqual, 0.1)
	test.That(t, pose.PositionUncertaintyM > cfg.MaxUncertaintyM-1e-9, test.ShouldBeTrue)
}

func TestDeadReckoningUncertaintyGrowsEachTick(t *testing.T) {
	f, _ := newTestFilter()
	// Seed with a GPS fix so uncertainty starts small and bounded.
	f.onGPS(sensors.NewGPSSample(spatial.Vec3{}, 0.9, 0.5, 1000))
	f.Tick(0.1)

	prev := f.Pose().PositionUncertaintyM
	for i := 0; i < 10; i++ {
		f.onWheelOdometry(sensors.NewWheelOdometrySample(spatial.Vec3{X: 0.01}, 0.01, int64(2000+i)))
		pose := f.Tick(0.1)
		test.That(t, pose.PositionUncertaintyM > prev, test.ShouldBeTrue)
		prev = pose.PositionUncertaintyM
	}
}

func TestOutOfOrderSamplesDropped(t *testing.T) {
	f, _ := newTestFilter()
	f.onGPS(sensors.NewGPSSample(spatial.Vec3{X: 10}, 0.9, 1.0, 2000))
	f.Tick(0.1)
	test.That(t, f.lastGPSTs, test.ShouldEqual, int64(2000))

	// Older sample must be dropped, not incorporated.
	f.onGPS(sensors.NewGPSSample(spatial.Vec3{X: 999}, 0.9, 1.0, 1000))
	test.That(t, f.pendingGPS, test.ShouldBeNil)
}

func TestVisualOdometryReducesUncertaintyBoundedByFloor(t *testing.T) {
	f, _ := newTestFilter()
	f.onGPS(sensors.NewGPSSample(spatial.Vec3{}, 0.9, 0.5, 1000))
	f.Tick(0.1)

	for i := 0; i < 20; i++ {
		f.onVisualOdometry(sensors.NewVisualOdometrySample(spatial.Vec3{X: 0.01}, 0.9, 0.01, true, int64(2000+i)))
		f.Tick(0.1)
	}
	test.That(t, f.Pose().PositionUncertaintyM >= DefaultConfig().SensorFloorUncertaintyM, test.ShouldBeTrue)
}

func TestIMUAlwaysUpdatesOrientation(t *testing.T) {
	f, _ := newTestFilter()
	f.onIMU(sensors.NewIMUSample(spatial.Orientation{Yaw: 0.2}, spatial.Orientation{Yaw: 0.1}, 0.01, 1000))
	pose := f.Tick(0.1)
	test.That(t, pose.Orientation.Yaw > 0, test.ShouldBeTrue)
}
