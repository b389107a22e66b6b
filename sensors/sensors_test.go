package sensors

import (
	"context"
	"testing"
	"time"

	"go.viam.com/test"

	"github.com/gvsrusa/sevak-roocode-sub001/logging"
	"github.com/gvsrusa/sevak-roocode-sub001/mesh"
)

func TestTopicNaming(t *testing.T) {
	test.That(t, Topic(ModalityGPS), test.ShouldEqual, "sensor.gps.updated")
	test.That(t, Topic(ModalityMotorCurrent), test.ShouldEqual, "sensor.motor_current.updated")
}

func TestGPSSampleAccessors(t *testing.T) {
	s := NewGPSSample(Vec3{X: 1, Y: 2}, 0.9, 0.5, 100)
	test.That(t, s.Modality(), test.ShouldEqual, ModalityGPS)
	test.That(t, s.Timestamp(), test.ShouldEqual, int64(100))
	test.That(t, s.Variance(), test.ShouldEqual, 0.5)
	test.That(t, s.Quality, test.ShouldEqual, 0.9)
}

func TestDriverPublishesOnTick(t *testing.T) {
	bus := mesh.New(logging.NewTestLogger())
	received := make(chan Sample, 4)
	bus.Subscribe(Topic(ModalityGPS), func(payload interface{}) {
		received <- payload.(Sample)
	})

	d := NewDriver(ModalityGPS, bus, 5*time.Millisecond, func(tick, now int64) Sample {
		return NewGPSSample(Vec3{X: float64(tick)}, 1.0, 0.1, now)
	})

	ctx, cancel := context.WithCancel(context.Background())
	go d.Run(ctx)
	defer cancel()

	select {
	case s := <-received:
		gps := s.(GPSSample)
		test.That(t, gps.Modality(), test.ShouldEqual, ModalityGPS)
	case <-time.After(time.Second):
		t.Fatal("driver did not publish within timeout")
	}
}
