package command

import (
	"context"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/pkg/errors"

	"github.com/gvsrusa/sevak-roocode-sub001/logging"
	"github.com/gvsrusa/sevak-roocode-sub001/mesh"
)

// TelemetrySnapshot is the periodic outbound status payload.
type TelemetrySnapshot struct {
	At   time.Time
	Data map[string]interface{}
}

// TelemetryPublisher emits TelemetrySnapshot both on a fixed cadence and
// immediately whenever an edge-triggering topic fires, using gocron for
// the cadence job and the seen-set sweep alongside it.
type TelemetryPublisher struct {
	bus       *mesh.Bus
	logger    logging.Logger
	scheduler gocron.Scheduler
	collect   func() map[string]interface{}
	nowFn     func() time.Time
}

// NewTelemetryPublisher builds a publisher that calls collect() to build
// each snapshot's payload.
func NewTelemetryPublisher(bus *mesh.Bus, collect func() map[string]interface{}, logger logging.Logger) (*TelemetryPublisher, error) {
	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return nil, errors.Wrap(err, "build telemetry scheduler")
	}
	return &TelemetryPublisher{
		bus:       bus,
		logger:    logger.Named("telemetry"),
		scheduler: scheduler,
		collect:   collect,
		nowFn:     time.Now,
	}, nil
}

// Start registers the fixed-cadence telemetry job and every edge-triggered
// subscription, then starts the scheduler. It returns a cleanup function
// the caller should invoke on shutdown.
func (p *TelemetryPublisher) Start(ctx context.Context, cadence time.Duration, seenSetSweep func(), sweepEvery time.Duration, edgeTriggerTopics []string) (func(), error) {
	if _, err := p.scheduler.NewJob(
		gocron.DurationJob(cadence),
		gocron.NewTask(p.publish),
	); err != nil {
		return nil, errors.Wrap(err, "register telemetry cadence job")
	}

	if seenSetSweep != nil {
		if _, err := p.scheduler.NewJob(
			gocron.DurationJob(sweepEvery),
			gocron.NewTask(seenSetSweep),
		); err != nil {
			return nil, errors.Wrap(err, "register seen-set sweep job")
		}
	}

	type subscription struct {
		topic  string
		handle mesh.Handle
	}
	var subs []subscription
	for _, topic := range edgeTriggerTopics {
		h := p.bus.Subscribe(topic, func(payload interface{}) {
			p.publish()
		})
		subs = append(subs, subscription{topic: topic, handle: h})
	}

	p.scheduler.Start()

	cleanup := func() {
		for _, s := range subs {
			p.bus.Unsubscribe(s.topic, s.handle)
		}
		_ = p.scheduler.Shutdown()
	}
	return cleanup, nil
}

func (p *TelemetryPublisher) publish() {
	p.bus.Publish("command.telemetry", TelemetrySnapshot{At: p.nowFn(), Data: p.collect()})
}
