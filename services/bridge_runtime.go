package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/carrymate/bridge/domain/robot"
	"github.com/carrymate/bridge/pkg/config"
	customlog "github.com/carrymate/bridge/pkg/log"
	"github.com/carrymate/bridge/pkg/processing"
	"github.com/carrymate/bridge/pkg/transport"
)

// RuntimeOptions carries optional collaborators for a BridgeRuntime.
type RuntimeOptions struct {
	// Actuator receives every applied movement command. May be nil.
	Actuator robot.Actuator
	// Emitter overrides derived from config, mainly for tests.
	Emitter robot.EmitterOptions
}

// RuntimeStats aggregates the counters exposed by the status API.
type RuntimeStats struct {
	Commands  robot.ProcessorStats            `json:"commands"`
	Telemetry robot.EmitterStats              `json:"telemetry"`
	Inbox     processing.InboxMetrics         `json:"inbox"`
	Topics    map[string]processing.TopicInfo `json:"topics"`
}

// BridgeRuntime owns the robot state and wires the transport to the
// command processor and telemetry emitter.
type BridgeRuntime struct {
	cfg       *config.Config
	logger    customlog.Logger
	transport transport.Transport

	state     *robot.State
	processor *robot.CommandProcessor
	emitter   *robot.TelemetryEmitter
	inbox     *processing.Inbox
	topics    *processing.TopicRegistry

	mu       sync.Mutex
	started  bool
	shutdown bool
}

// NewBridgeRuntime builds a runtime over tr. Nothing is connected until Start.
func NewBridgeRuntime(cfg *config.Config, tr transport.Transport, logger customlog.Logger, opts RuntimeOptions) *BridgeRuntime {
	state := robot.NewState(robot.Reading{
		Mode:           robot.Mode(cfg.Robot.Mode),
		BatteryPercent: cfg.Robot.BatteryPercent,
		RangeMeters:    cfg.Robot.RangeMeters,
		WeightKg:       cfg.Robot.WeightKg,
		StepCount:      cfg.Robot.StepCount,
	})

	r := &BridgeRuntime{
		cfg:       cfg,
		logger:    logger,
		transport: tr,
		state:     state,
		processor: robot.NewCommandProcessor(state, opts.Actuator, logger.WithField("component", "commands")),
		topics:    processing.NewTopicRegistry(logger),
	}
	r.topics.LoadFromConfig(cfg)
	r.inbox = processing.NewInbox("command", r.handleCommand, logger)

	emitterOpts := opts.Emitter
	emitterOpts.Period = cfg.Telemetry.Period
	emitterOpts.BatteryDrain = cfg.Telemetry.BatteryDrain
	emitterOpts.StepMin = cfg.Telemetry.StepMin
	emitterOpts.StepMax = cfg.Telemetry.StepMax
	r.emitter = robot.NewTelemetryEmitter(state, emitterOpts, logger.WithField("component", "telemetry"),
		robot.PublisherFunc(r.publishTelemetry))

	return r
}

func (r *BridgeRuntime) handleCommand(topic string, payload []byte) {
	r.topics.Record(topic, time.Now().UnixMilli())
	r.processor.Handle(payload)
}

func (r *BridgeRuntime) publishTelemetry(s robot.Snapshot) error {
	payload, err := s.Encode()
	if err != nil {
		return fmt.Errorf("encode telemetry: %w", err)
	}
	if err := r.transport.Publish(r.cfg.Topics.Telemetry, payload); err != nil {
		return err
	}
	r.topics.Record(r.cfg.Topics.Telemetry, time.Now().UnixMilli())
	return nil
}

// Start connects the transport, subscribes the command topic and starts
// the telemetry emitter. A connect failure is returned and leaves the
// runtime unstarted.
func (r *BridgeRuntime) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.shutdown {
		return errors.New("bridge runtime already shut down")
	}
	if r.started {
		return errors.New("bridge runtime already started")
	}

	if err := r.transport.Connect(ctx); err != nil {
		return fmt.Errorf("connect transport: %w", err)
	}

	if err := r.transport.Subscribe(r.cfg.Topics.Command, func(topic string, payload []byte) {
		r.inbox.Deliver(topic, payload)
	}); err != nil {
		// transport-level failure; MQTT re-subscribes on reconnect
		r.logger.Errorf("Failed to subscribe to %s: %v", r.cfg.Topics.Command, err)
	}

	if err := r.emitter.Start(ctx); err != nil {
		r.transport.Close()
		return fmt.Errorf("start telemetry emitter: %w", err)
	}

	r.started = true
	r.logger.Infof("Bridge %s running: commands on %s, telemetry on %s",
		r.cfg.DeviceID, r.cfg.Topics.Command, r.cfg.Topics.Telemetry)
	return nil
}

// Run starts the runtime, blocks until ctx is cancelled, then shuts down.
func (r *BridgeRuntime) Run(ctx context.Context) error {
	if err := r.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	r.logger.Infof("Shutdown requested")
	return r.Shutdown()
}

// Shutdown stops the emitter, stops accepting inbound messages and closes
// the transport, in that order. Every step runs even if an earlier one
// fails or panics. Safe to call more than once.
func (r *BridgeRuntime) Shutdown() (err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.shutdown {
		return nil
	}
	r.shutdown = true

	defer func() {
		if cerr := r.transport.Close(); cerr != nil {
			err = errors.Join(err, fmt.Errorf("close transport: %w", cerr))
		}
		r.logger.Infof("Bridge stopped")
	}()

	defer func() {
		if uerr := r.transport.Unsubscribe(r.cfg.Topics.Command); uerr != nil {
			err = errors.Join(err, fmt.Errorf("unsubscribe %s: %w", r.cfg.Topics.Command, uerr))
		}
		r.inbox.Close()
	}()

	r.emitter.Stop()
	return nil
}

// Deliver feeds an inbound command through the same gate as transport
// messages. It returns false once the runtime is shutting down.
func (r *BridgeRuntime) Deliver(topic string, payload []byte) bool {
	return r.inbox.Deliver(topic, payload)
}

// AddTelemetryPublisher registers an extra snapshot sink. Call before Start.
func (r *BridgeRuntime) AddTelemetryPublisher(p robot.Publisher) {
	r.emitter.AddPublisher(p)
}

// State returns the runtime's robot state.
func (r *BridgeRuntime) State() *robot.State {
	return r.state
}

// Stats returns a snapshot of every counter.
func (r *BridgeRuntime) Stats() RuntimeStats {
	return RuntimeStats{
		Commands:  r.processor.Stats(),
		Telemetry: r.emitter.Stats(),
		Inbox:     r.inbox.GetMetrics(),
		Topics:    r.topics.GetTopicStats(),
	}
}
