// Package obstacle implements the obstacle map (C4): clustering concurrent
// detections, associating them with tracked obstacles, classifying tracks,
// decaying and dropping stale tracks, and answering corridor queries for
// the planner and safety monitor.
package obstacle

import (
	"sync"

	"github.com/google/uuid"

	"github.com/gvsrusa/sevak-roocode-sub001/logging"
	"github.com/gvsrusa/sevak-roocode-sub001/mesh"
	"github.com/gvsrusa/sevak-roocode-sub001/sensors"
	"github.com/gvsrusa/sevak-roocode-sub001/spatial"
)

// Kind classifies a tracked obstacle.
type Kind string

const (
	KindUnknown Kind = "unknown"
	KindStatic  Kind = "static"
	KindDynamic Kind = "dynamic"
	KindHuman   Kind = "human"
	KindAnimal  Kind = "animal"
	KindVehicle Kind = "vehicle"
)

// Obstacle is a tracked external object.
type Obstacle struct {
	ID         string
	Position   spatial.Vec3
	SizeM      float64
	Velocity   spatial.Vec3
	Confidence float64
	Kind       Kind
	LastSeenNs int64
}

// Config tunes fusion, association, decay and classification thresholds.
type Config struct {
	FusionRadiusM           float64
	AssociationRadiusM      float64
	ConfidenceDecayPerS     float64
	MinConfidence           float64
	DynamicVelocityThresholdMPS float64
	HumanMaxSizeM           float64
	AnimalMaxSizeM          float64
	VehicleMinSizeM         float64
}

// DefaultConfig returns nominal field-robot tuning.
func DefaultConfig() Config {
	return Config{
		FusionRadiusM:               0.5,
		AssociationRadiusM:          1.0,
		ConfidenceDecayPerS:         0.2,
		MinConfidence:               0.1,
		DynamicVelocityThresholdMPS: 0.1,
		HumanMaxSizeM:               1.0,
		AnimalMaxSizeM:              0.6,
		VehicleMinSizeM:             1.8,
	}
}

// MapUpdated is published on "obstacle.map.updated" after each tick.
type MapUpdated struct {
	Obstacles []Obstacle
}

// Map is the single authoritative writer of tracked obstacles.
type Map struct {
	mu     sync.Mutex
	cfg    Config
	bus    *mesh.Bus
	logger logging.Logger

	tracks map[string]*Obstacle

	pendingDetections []sensors.Detection
	lastTickNs        int64
}

// New builds an empty obstacle map subscribed to perception sensor topics.
func New(bus *mesh.Bus, cfg Config, logger logging.Logger) *Map {
	m := &Map{
		cfg:    cfg,
		bus:    bus,
		logger: logger.Named("obstacle"),
		tracks: make(map[string]*Obstacle),
	}
	for _, topic := range []sensors.Modality{sensors.ModalityLidarCluster, sensors.ModalityUltrasonic, sensors.ModalityCameraDetection} {
		bus.Subscribe(sensors.Topic(topic), func(payload interface{}) {
			m.mu.Lock()
			m.pendingDetections = append(m.pendingDetections, payload.(sensors.Detection))
			m.mu.Unlock()
		})
	}
	return m
}

// Tick runs one fuse/associate/propagate/classify cycle for elapsed dt
// seconds ending at nowNs, and publishes the updated obstacle list.
func (m *Map) Tick(dt float64, nowNs int64) []Obstacle {
	m.mu.Lock()
	detections := m.pendingDetections
	m.pendingDetections = nil
	m.mu.Unlock()

	fused := fuseByProximity(detections, m.cfg.FusionRadiusM)

	m.mu.Lock()
	defer m.mu.Unlock()

	matched := make(map[string]bool)
	for _, d := range fused {
		id, ok := m.nearestTrack(d.Position, m.cfg.AssociationRadiusM, matched)
		if ok {
			m.updateTrack(id, d, dt, nowNs)
			matched[id] = true
		} else {
			m.admitTrack(d, nowNs)
		}
	}

	for id, track := range m.tracks {
		if matched[id] {
			continue
		}
		m.propagateUnmatched(track, dt)
	}

	for id, track := range m.tracks {
		if track.Confidence < m.cfg.MinConfidence {
			delete(m.tracks, id)
		}
	}

	m.classify()

	result := m.snapshotLocked()
	m.bus.Publish("obstacle.map.updated", MapUpdated{Obstacles: result})
	return result
}

// fusedDetection is a confidence-weighted centroid of concurrent detections
// within the fusion radius.
type fusedDetection struct {
	Position   spatial.Vec3
	SizeM      float64
	Confidence float64
	Kind       sensors.DetectionKind
}

func fuseByProximity(detections []sensors.Detection, radius float64) []fusedDetection {
	used := make([]bool, len(detections))
	var out []fusedDetection
	for i := range detections {
		if used[i] {
			continue
		}
		group := []sensors.Detection{detections[i]}
		used[i] = true
		for j := i + 1; j < len(detections); j++ {
			if used[j] {
				continue
			}
			if detections[i].Position.Distance(detections[j].Position) <= radius {
				group = append(group, detections[j])
				used[j] = true
			}
		}
		out = append(out, fuseGroup(group))
	}
	return out
}

func fuseGroup(group []sensors.Detection) fusedDetection {
	var totalConf float64
	var centroid spatial.Vec3
	var maxSize float64
	kind := sensors.DetectionUnknown
	for _, d := range group {
		totalConf += d.Confidence
		centroid = centroid.Add(d.Position.Scale(d.Confidence))
		if d.SizeM > maxSize {
			maxSize = d.SizeM
		}
		if d.Kind != sensors.DetectionUnknown {
			kind = d.Kind
		}
	}
	if totalConf > 0 {
		centroid = centroid.Scale(1 / totalConf)
	}
	avgConf := totalConf / float64(len(group))
	return fusedDetection{Position: centroid, SizeM: maxSize, Confidence: avgConf, Kind: kind}
}

// nearestTrack returns the id of the closest unmatched track within radius,
// if any.
func (m *Map) nearestTrack(pos spatial.Vec3, radius float64, matched map[string]bool) (string, bool) {
	bestID := ""
	bestDist := radius
	found := false
	for id, track := range m.tracks {
		if matched[id] {
			continue
		}
		d := track.Position.Distance(pos)
		if d <= bestDist {
			bestDist = d
			bestID = id
			found = true
		}
	}
	return bestID, found
}

func (m *Map) updateTrack(id string, d fusedDetection, dt float64, nowNs int64) {
	track := m.tracks[id]
	prevPos := track.Position
	const ema = 0.5
	newPos := spatial.Blend(track.Position, d.Position, ema)
	if dt > 0 {
		track.Velocity = newPos.Sub(prevPos).Scale(1 / dt)
	}
	track.Position = newPos
	if d.SizeM > track.SizeM {
		track.SizeM = d.SizeM
	}
	track.Confidence += (d.Confidence - track.Confidence) * 0.5
	if track.Confidence > 1 {
		track.Confidence = 1
	}
	track.LastSeenNs = nowNs
	if d.Kind != sensors.DetectionUnknown {
		track.Kind = Kind(d.Kind)
	}
}

func (m *Map) admitTrack(d fusedDetection, nowNs int64) {
	id := uuid.NewString()
	kind := KindUnknown
	if d.Kind != sensors.DetectionUnknown {
		kind = Kind(d.Kind)
	}
	m.tracks[id] = &Obstacle{
		ID:         id,
		Position:   d.Position,
		SizeM:      d.SizeM,
		Confidence: d.Confidence,
		Kind:       kind,
		LastSeenNs: nowNs,
	}
}

func (m *Map) propagateUnmatched(track *Obstacle, dt float64) {
	track.Position = track.Position.Add(track.Velocity.Scale(dt))
	track.Confidence -= m.cfg.ConfidenceDecayPerS * dt
}

// classify assigns static/dynamic/human/animal/vehicle kinds to tracks.
// A track already labelled human, animal or vehicle keeps that label,
// whether it came from a camera detection or from an earlier classify pass.
func (m *Map) classify() {
	for _, track := range m.tracks {
		if track.Kind == KindHuman || track.Kind == KindAnimal || track.Kind == KindVehicle {
			continue // already labelled human/animal/vehicle; kept as is
		}
		speed := track.Velocity.Norm()
		if speed < m.cfg.DynamicVelocityThresholdMPS {
			track.Kind = KindStatic
			continue
		}
		switch {
		case track.SizeM <= m.cfg.AnimalMaxSizeM:
			track.Kind = KindAnimal
		case track.SizeM <= m.cfg.HumanMaxSizeM:
			track.Kind = KindHuman
		case track.SizeM >= m.cfg.VehicleMinSizeM:
			track.Kind = KindVehicle
		default:
			track.Kind = KindDynamic
		}
	}
}

func (m *Map) snapshotLocked() []Obstacle {
	out := make([]Obstacle, 0, len(m.tracks))
	for _, t := range m.tracks {
		out = append(out, *t)
	}
	return out
}

// Snapshot returns the current tracked obstacles.
func (m *Map) Snapshot() []Obstacle {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

// Corridor returns every tracked obstacle whose bounding volume intersects
// the swept rectangle from start to end with the given full width.
func (m *Map) Corridor(start, end spatial.Vec3, width float64) []Obstacle {
	rect := spatial.NewCorridor(start, end, width)
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Obstacle
	for _, t := range m.tracks {
		if rect.Intersects(t.Position, t.SizeM/2) {
			out = append(out, *t)
		}
	}
	return out
}

// IsHumanOrAnimal reports whether kind triggers the tighter safe-distance
// policy.
func (k Kind) IsHumanOrAnimal() bool {
	return k == KindHuman || k == KindAnimal
}
