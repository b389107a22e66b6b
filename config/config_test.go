package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.viam.com/test"
)

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`{}`))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, cfg, test.ShouldResemble, Default())
}

func TestParseOverridesSubset(t *testing.T) {
	cfg, err := Parse([]byte(`{"max_speed_mps": 3.5, "boundary_enforcement_enabled": false}`))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, cfg.MaxSpeedMPS, test.ShouldEqual, 3.5)
	test.That(t, cfg.BoundaryEnforcementEnabled, test.ShouldBeFalse)
	test.That(t, cfg.MaxAccelMPS2, test.ShouldEqual, Default().MaxAccelMPS2)
}

func TestParseRejectsUnknownKey(t *testing.T) {
	_, err := Parse([]byte(`{"not_a_real_option": 1}`))
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "invalid_format")
}

func TestParseRejectsInvalidJSON(t *testing.T) {
	_, err := Parse([]byte(`{not json`))
	test.That(t, err, test.ShouldNotBeNil)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	test.That(t, err, test.ShouldNotBeNil)
}

func TestWatcherReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	test.That(t, os.WriteFile(path, []byte(`{"max_speed_mps": 1.0}`), 0o644), test.ShouldBeNil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w, err := NewWatcher(ctx, path, testLogger())
	test.That(t, err, test.ShouldBeNil)
	defer w.Close()

	test.That(t, os.WriteFile(path, []byte(`{"max_speed_mps": 4.0}`), 0o644), test.ShouldBeNil)

	select {
	case cfg := <-w.Updates():
		test.That(t, cfg.MaxSpeedMPS, test.ShouldEqual, 4.0)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for config reload")
	}
}

func TestWatcherNoopWithEmptyPath(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w, err := NewWatcher(ctx, "", testLogger())
	test.That(t, err, test.ShouldBeNil)
	defer w.Close()

	select {
	case <-w.Updates():
		t.Fatal("expected no updates from a no-op watcher")
	case <-time.After(100 * time.Millisecond):
	}
}
