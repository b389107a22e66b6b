package obstacle

import (
	"testing"

	"go.viam.com/test"

	"github.com/gvsrusa/sevak-roocode-sub001/logging"
	"github.com/gvsrusa/sevak-roocode-sub001/mesh"
	"github.com/gvsrusa/sevak-roocode-sub001/sensors"
	"github.com/gvsrusa/sevak-roocode-sub001/spatial"
)

func newTestMap() (*Map, *mesh.Bus) {
	bus := mesh.New(logging.NewTestLogger())
	return New(bus, DefaultConfig(), logging.NewTestLogger()), bus
}

func publishDetection(bus *mesh.Bus, topic sensors.Modality, d sensors.Detection) {
	bus.Publish(sensors.Topic(topic), d)
}

func TestAdmitsNewObstacleOnFirstDetection(t *testing.T) {
	m, bus := newTestMap()
	publishDetection(bus, sensors.ModalityLidarCluster,
		sensors.NewLidarClusterSample(spatial.Vec3{X: 5}, 0.3, 0.9, 0.1, 1000))

	obs := m.Tick(0.05, 1000)
	test.That(t, obs, test.ShouldHaveLength, 1)
	test.That(t, obs[0].Kind, test.ShouldEqual, KindStatic)
}

func TestFusesConcurrentDetectionsWithinRadius(t *testing.T) {
	m, bus := newTestMap()
	publishDetection(bus, sensors.ModalityLidarCluster,
		sensors.NewLidarClusterSample(spatial.Vec3{X: 5, Y: 0}, 0.3, 0.9, 0.1, 1000))
	publishDetection(bus, sensors.ModalityUltrasonic,
		sensors.NewUltrasonicSample(spatial.Vec3{X: 5.1, Y: 0}, 0.4, 0.8, 0.1, 1000))

	obs := m.Tick(0.05, 1000)
	test.That(t, obs, test.ShouldHaveLength, 1)
	test.That(t, obs[0].SizeM, test.ShouldEqual, 0.4)
}

func TestUnmatchedTrackDecaysAndIsDropped(t *testing.T) {
	m, bus := newTestMap()
	publishDetection(bus, sensors.ModalityLidarCluster,
		sensors.NewLidarClusterSample(spatial.Vec3{X: 5}, 0.3, 0.2, 0.1, 1000))
	m.Tick(0.05, 1000)

	var last []Obstacle
	for i := 0; i < 10; i++ {
		last = m.Tick(1.0, int64(2000+i))
	}
	test.That(t, last, test.ShouldBeEmpty)
}

func TestHumanClassificationTriggersPolicy(t *testing.T) {
	m, bus := newTestMap()
	publishDetection(bus, sensors.ModalityCameraDetection,
		sensors.NewCameraDetectionSample(spatial.Vec3{X: 2}, 0.5, 0.95, 0.05, sensors.DetectionHuman, 1000))
	obs := m.Tick(0.05, 1000)
	test.That(t, obs, test.ShouldHaveLength, 1)
	test.That(t, obs[0].Kind, test.ShouldEqual, KindHuman)
	test.That(t, obs[0].Kind.IsHumanOrAnimal(), test.ShouldBeTrue)
}

func TestCorridorQuery(t *testing.T) {
	m, bus := newTestMap()
	publishDetection(bus, sensors.ModalityLidarCluster,
		sensors.NewLidarClusterSample(spatial.Vec3{X: 5, Y: 0.2}, 0.3, 0.9, 0.1, 1000))
	m.Tick(0.05, 1000)

	hits := m.Corridor(spatial.Vec3{}, spatial.Vec3{X: 10}, 1.0)
	test.That(t, hits, test.ShouldHaveLength, 1)

	misses := m.Corridor(spatial.Vec3{X: 20}, spatial.Vec3{X: 30}, 1.0)
	test.That(t, misses, test.ShouldBeEmpty)
}

func TestDynamicClassificationBySpeedAndSize(t *testing.T) {
	m, bus := newTestMap()
	publishDetection(bus, sensors.ModalityLidarCluster,
		sensors.NewLidarClusterSample(spatial.Vec3{X: 0}, 2.0, 0.9, 0.1, 1000))
	m.Tick(0.1, 1000)

	publishDetection(bus, sensors.ModalityLidarCluster,
		sensors.NewLidarClusterSample(spatial.Vec3{X: 1}, 2.0, 0.9, 0.1, 1100))
	obs := m.Tick(0.1, 1100)
	test.That(t, obs, test.ShouldHaveLength, 1)
	test.That(t, obs[0].Kind, test.ShouldEqual, KindVehicle)
}
