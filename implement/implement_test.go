package implement

import (
	"testing"

	"go.viam.com/test"

	"github.com/gvsrusa/sevak-roocode-sub001/logging"
	"github.com/gvsrusa/sevak-roocode-sub001/mesh"
	"github.com/gvsrusa/sevak-roocode-sub001/safety"
)

func newTestCoordinator(t *testing.T) (*Coordinator, *mesh.Bus, *safety.Monitor) {
	t.Helper()
	bus := mesh.New(logging.NewTestLogger())
	mon := safety.New(bus, safety.DefaultConfig(), logging.NewTestLogger())
	c := New(bus, mon, DefaultConfig(), logging.NewTestLogger())
	return c, bus, mon
}

func TestStartsIdle(t *testing.T) {
	c, _, _ := newTestCoordinator(t)
	test.That(t, c.Phase(), test.ShouldEqual, PhaseIdle)
}

func TestEngageSucceedsWhenSafetyNormal(t *testing.T) {
	c, _, _ := newTestCoordinator(t)
	err := c.Engage(0, true)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, c.Phase(), test.ShouldEqual, PhaseActive)

	actuators := c.Actuators()
	test.That(t, actuators.CutterRunning, test.ShouldBeTrue)
	test.That(t, actuators.CutterSpeed, test.ShouldEqual, 1.0)
	test.That(t, actuators.LoaderRunning, test.ShouldBeTrue)
}

func TestEngageRejectedWhenNotNormal(t *testing.T) {
	c, _, mon := newTestCoordinator(t)
	mon.TriggerEstop("test", "unit test")
	err := c.Engage(0, true)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, c.Phase(), test.ShouldEqual, PhaseIdle)
}

func TestEngageRejectedAboveApproachSpeed(t *testing.T) {
	c, _, _ := newTestCoordinator(t)
	err := c.Engage(c.cfg.MaxApproachSpeedMPS+1, true)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, c.Phase(), test.ShouldEqual, PhaseIdle)
}

func TestEngageRejectedWhenBladesNotClear(t *testing.T) {
	c, _, _ := newTestCoordinator(t)
	err := c.Engage(0, false)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, c.Phase(), test.ShouldEqual, PhaseIdle)
}

func TestWaitAndResumeCycle(t *testing.T) {
	c, _, _ := newTestCoordinator(t)
	test.That(t, c.Engage(0, true), test.ShouldBeNil)
	test.That(t, c.Wait(), test.ShouldBeNil)
	test.That(t, c.Phase(), test.ShouldEqual, PhaseWaiting)
	test.That(t, c.Resume(), test.ShouldBeNil)
	test.That(t, c.Phase(), test.ShouldEqual, PhaseActive)
}

func TestUnloadCycleStopsActuatorsFirst(t *testing.T) {
	c, _, _ := newTestCoordinator(t)
	test.That(t, c.Engage(0, true), test.ShouldBeNil)
	test.That(t, c.BeginUnload(), test.ShouldBeNil)
	test.That(t, c.Phase(), test.ShouldEqual, PhaseUnloading)

	actuators := c.Actuators()
	test.That(t, actuators.CutterRunning, test.ShouldBeFalse)
	test.That(t, actuators.LoaderRunning, test.ShouldBeFalse)

	test.That(t, c.EndUnload(), test.ShouldBeNil)
	test.That(t, c.Phase(), test.ShouldEqual, PhaseActive)
	test.That(t, c.Actuators().LoaderRunning, test.ShouldBeTrue)
}

func TestIllegalTransitionRejected(t *testing.T) {
	c, _, _ := newTestCoordinator(t)
	err := c.BeginUnload()
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, c.Phase(), test.ShouldEqual, PhaseIdle)
}

func TestTransportModeRequiresCargoSecured(t *testing.T) {
	c, _, _ := newTestCoordinator(t)
	err := c.EngageTransportMode()
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, c.Actuators().TransportEngaged, test.ShouldBeFalse)

	c.SetCargoSecured(true)
	test.That(t, c.EngageTransportMode(), test.ShouldBeNil)
	test.That(t, c.Actuators().TransportEngaged, test.ShouldBeTrue)
}

func TestShutdownDeceleratesBladesToZero(t *testing.T) {
	c, _, _ := newTestCoordinator(t)
	test.That(t, c.Engage(0, true), test.ShouldBeNil)
	test.That(t, c.Shutdown(), test.ShouldBeNil)
	test.That(t, c.Phase(), test.ShouldEqual, PhaseShutdown)

	for i := 0; i < 50; i++ {
		c.Tick(0.1)
	}
	test.That(t, c.Phase(), test.ShouldEqual, PhaseIdle)
	test.That(t, c.engineLoad, test.ShouldEqual, 0.0)
	test.That(t, c.Actuators().CutterRunning, test.ShouldBeFalse)
}

// S1-adjacent: an ESTOP forces the implement into shutdown regardless of
// its current phase, even mid-active.
func TestEstopForcesShutdownFromActive(t *testing.T) {
	c, _, mon := newTestCoordinator(t)
	test.That(t, c.Engage(0, true), test.ShouldBeNil)
	mon.TriggerEstop("human_proximity", "safety_monitor")
	test.That(t, c.Phase(), test.ShouldEqual, PhaseShutdown)
}
