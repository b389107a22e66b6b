package logging

import (
	"testing"

	"go.viam.com/test"
)

func TestLevelStrings(t *testing.T) {
	for _, level := range []Level{DEBUG, INFO, WARN, ERROR} {
		serialized := level.String()
		parsed, err := LevelFromString(serialized)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, parsed, test.ShouldEqual, level)
	}

	parsed, err := LevelFromString("warning")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, parsed, test.ShouldEqual, WARN)
}

func TestLevelFromStringUnknown(t *testing.T) {
	_, err := LevelFromString("not-a-level")
	test.That(t, err, test.ShouldNotBeNil)
}

func TestLoggerNamedAndWith(t *testing.T) {
	logger := NewTestLogger()
	named := logger.Named("safety")
	test.That(t, named, test.ShouldNotBeNil)

	withFields := named.With("vehicle_id", "tractor-1")
	test.That(t, withFields, test.ShouldNotBeNil)

	// Should not panic with structured fields.
	withFields.Infow("started", "phase", "startup")
	withFields.Warnw("degraded", "reason", "motor_overheat")
	withFields.Errorw("estop", "reason", "human_proximity")
	withFields.Debugw("tick", "n", 1)
}
