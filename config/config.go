// Package config loads the process-wide configuration object once at
// startup, following the teacher's AttributeMap pattern: the JSON file is
// read as a generic attribute map and decoded with mapstructure into the
// typed Config; keys that are not Config fields are rejected.
package config

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	mapstructure "github.com/go-viper/mapstructure/v2"
	"github.com/pkg/errors"

	"github.com/gvsrusa/sevak-roocode-sub001/logging"
)

// Config is the structured configuration object enumerated in the
// specification's "Process environment" section. Every field here is a
// recognised option; anything not recognised is rejected at load time
// (validation error, not silently ignored).
type Config struct {
	WatchdogTimeoutMS               int64   `json:"watchdog_timeout_ms" mapstructure:"watchdog_timeout_ms"`
	MaxInclineDeg                   float64 `json:"max_incline_deg" mapstructure:"max_incline_deg"`
	MaxSpeedMPS                     float64 `json:"max_speed_mps" mapstructure:"max_speed_mps"`
	MaxAccelMPS2                    float64 `json:"max_accel_mps2" mapstructure:"max_accel_mps2"`
	MaxDecelMPS2                    float64 `json:"max_decel_mps2" mapstructure:"max_decel_mps2"`
	ObstacleSafeDistanceM           float64 `json:"obstacle_safe_distance_m" mapstructure:"obstacle_safe_distance_m"`
	HumanSafeDistanceM              float64 `json:"human_safe_distance_m" mapstructure:"human_safe_distance_m"`
	BoundaryEnforcementEnabled      bool    `json:"boundary_enforcement_enabled" mapstructure:"boundary_enforcement_enabled"`
	BatteryLowPct                   float64 `json:"battery_low_pct" mapstructure:"battery_low_pct"`
	BatteryCriticalPct              float64 `json:"battery_critical_pct" mapstructure:"battery_critical_pct"`
	GPSQualityThreshold             float64 `json:"gps_quality_threshold" mapstructure:"gps_quality_threshold"`
	VisualOdometryImprovementFactor float64 `json:"visual_odometry_improvement_factor" mapstructure:"visual_odometry_improvement_factor"`
	WaypointReachedThresholdM       float64 `json:"waypoint_reached_threshold_m" mapstructure:"waypoint_reached_threshold_m"`
	SafetyCorridorWidthM            float64 `json:"safety_corridor_width_m" mapstructure:"safety_corridor_width_m"`
	FusionRadiusM                   float64 `json:"fusion_radius_m" mapstructure:"fusion_radius_m"`
	AssociationRadiusM              float64 `json:"association_radius_m" mapstructure:"association_radius_m"`
	ConfidenceDecayRatePerS         float64 `json:"confidence_decay_rate_per_s" mapstructure:"confidence_decay_rate_per_s"`
	MinObstacleConfidence           float64 `json:"min_obstacle_confidence" mapstructure:"min_obstacle_confidence"`
	CommandFreshnessWindowMS        int64   `json:"command_freshness_window_ms" mapstructure:"command_freshness_window_ms"`
	SessionTTLMS                    int64   `json:"session_ttl_ms" mapstructure:"session_ttl_ms"`
	OfflineQueueTTLS                int64   `json:"offline_queue_ttl_s" mapstructure:"offline_queue_ttl_s"`
	MetricsIntervalMS               int64   `json:"metrics_interval_ms" mapstructure:"metrics_interval_ms"`
}

var recognisedKeys = map[string]bool{
	"watchdog_timeout_ms": true, "max_incline_deg": true, "max_speed_mps": true,
	"max_accel_mps2": true, "max_decel_mps2": true, "obstacle_safe_distance_m": true,
	"human_safe_distance_m": true, "boundary_enforcement_enabled": true,
	"battery_low_pct": true, "battery_critical_pct": true, "gps_quality_threshold": true,
	"visual_odometry_improvement_factor": true, "waypoint_reached_threshold_m": true,
	"safety_corridor_width_m": true, "fusion_radius_m": true, "association_radius_m": true,
	"confidence_decay_rate_per_s": true, "min_obstacle_confidence": true,
	"command_freshness_window_ms": true, "session_ttl_ms": true,
	"offline_queue_ttl_s": true, "metrics_interval_ms": true,
}

// Default returns a Config populated with conservative defaults for every
// field, suitable for tests and first-boot without an operator-supplied
// file.
func Default() Config {
	return Config{
		WatchdogTimeoutMS:               500,
		MaxInclineDeg:                   20,
		MaxSpeedMPS:                     2.5,
		MaxAccelMPS2:                    1.0,
		MaxDecelMPS2:                    2.0,
		ObstacleSafeDistanceM:           1.5,
		HumanSafeDistanceM:              4.0,
		BoundaryEnforcementEnabled:      true,
		BatteryLowPct:                   20,
		BatteryCriticalPct:              5,
		GPSQualityThreshold:             0.5,
		VisualOdometryImprovementFactor: 0.5,
		WaypointReachedThresholdM:       0.5,
		SafetyCorridorWidthM:            1.0,
		FusionRadiusM:                   0.5,
		AssociationRadiusM:              1.0,
		ConfidenceDecayRatePerS:         0.2,
		MinObstacleConfidence:           0.1,
		CommandFreshnessWindowMS:        5 * 60 * 1000,
		SessionTTLMS:                    60 * 60 * 1000,
		OfflineQueueTTLS:                7 * 24 * 60 * 60,
		MetricsIntervalMS:               1000,
	}
}

// Load reads and decodes a JSON config file, rejecting unrecognised keys at
// the top level so typos fail fast at startup rather than being silently
// ignored.
func Load(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrapf(err, "reading config file %q", path)
	}
	return Parse(raw)
}

// Parse decodes raw JSON bytes into a Config, starting from Default() so a
// partial file only overrides the fields it names.
func Parse(raw []byte) (Config, error) {
	var generic map[string]interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return Config{}, errors.Wrap(err, "invalid_format: config is not valid JSON")
	}
	for k := range generic {
		if !recognisedKeys[k] {
			return Config{}, errors.Errorf("invalid_format: unrecognised config option %q", k)
		}
	}

	cfg := Default()
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &cfg,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return Config{}, errors.Wrap(err, "building config decoder")
	}
	if err := decoder.Decode(generic); err != nil {
		return Config{}, errors.Wrap(err, "out_of_range: decoding config")
	}
	return cfg, nil
}

// Watcher watches a config file for changes and republishes a freshly
// parsed Config on Updates() whenever it changes, in the manner of the
// teacher's config file watcher (fsnotify-backed, with a channel of parsed
// configs rather than raw events).
type Watcher struct {
	mu      sync.Mutex
	logger  logging.Logger
	watcher *fsnotify.Watcher
	updates chan Config
	closed  bool
}

// NewWatcher starts watching path for changes. If path is empty, the
// returned Watcher never produces updates (a no-op watcher), which lets
// callers always defer-Close a Watcher without a nil check.
func NewWatcher(ctx context.Context, path string, logger logging.Logger) (*Watcher, error) {
	w := &Watcher{
		logger:  logger.Named("config.watcher"),
		updates: make(chan Config, 1),
	}
	if path == "" {
		return w, nil
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "creating fsnotify watcher")
	}
	if err := fsw.Add(path); err != nil {
		fsw.Close()
		return nil, errors.Wrapf(err, "watching config file %q", path)
	}
	w.watcher = fsw

	go w.run(ctx, path)
	return w, nil
}

func (w *Watcher) run(ctx context.Context, path string) {
	debounce := time.NewTimer(0)
	if !debounce.Stop() {
		<-debounce.C
	}
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			debounce.Reset(50 * time.Millisecond)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warnw("config watch error", "error", err)
		case <-debounce.C:
			cfg, err := Load(path)
			if err != nil {
				w.logger.Warnw("reload failed, keeping previous config", "error", err)
				continue
			}
			select {
			case w.updates <- cfg:
			default:
				// Drop the stale pending update in favor of the fresh one.
				select {
				case <-w.updates:
				default:
				}
				w.updates <- cfg
			}
		}
	}
}

// Updates returns the channel of freshly reloaded configs.
func (w *Watcher) Updates() <-chan Config {
	return w.updates
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	if w.watcher != nil {
		return w.watcher.Close()
	}
	return nil
}
