package robot

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	customlog "github.com/carrymate/bridge/pkg/log"
)

// Snapshot is the telemetry message published on every tick.
type Snapshot struct {
	Battery   float64 `json:"battery"`
	Range     float64 `json:"range"`
	Weight    float64 `json:"weight"`
	Calories  int64   `json:"calories"`
	Steps     int64   `json:"steps"`
	Timestamp float64 `json:"timestamp"`
}

// NewSnapshot derives a Snapshot from r, rounding readings to one decimal.
func NewSnapshot(r Reading, at time.Time) Snapshot {
	return Snapshot{
		Battery:   round1(r.BatteryPercent),
		Range:     round1(r.RangeMeters),
		Weight:    round1(r.WeightKg),
		Calories:  r.Calories(),
		Steps:     r.StepCount,
		Timestamp: float64(at.Unix()) + float64(at.Nanosecond())/float64(time.Second),
	}
}

// Encode returns the JSON wire form.
func (s Snapshot) Encode() ([]byte, error) {
	return json.Marshal(s)
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}

// Publisher receives every snapshot. Implementations must not retry;
// a dropped snapshot is simply lost.
type Publisher interface {
	PublishTelemetry(s Snapshot) error
}

// PublisherFunc adapts a function to the Publisher interface.
type PublisherFunc func(s Snapshot) error

// PublishTelemetry calls f.
func (f PublisherFunc) PublishTelemetry(s Snapshot) error {
	return f(s)
}

// EmitterOptions configures a TelemetryEmitter.
type EmitterOptions struct {
	Period       time.Duration
	BatteryDrain float64
	StepMin      int
	StepMax      int

	// Rand and Now default to a time-seeded PCG source and time.Now.
	Rand *rand.Rand
	Now  func() time.Time
}

// EmitterStats counts ticks and publish outcomes.
type EmitterStats struct {
	Ticks          uint64 `json:"ticks"`
	Published      uint64 `json:"published"`
	PublishErrors  uint64 `json:"publish_errors"`
	LastTickUnixMs int64  `json:"last_tick_unix_ms"`
}

// TelemetryEmitter periodically advances the simulated sensors and
// publishes a snapshot of the state.
type TelemetryEmitter struct {
	state      *State
	publishers []Publisher
	opts       EmitterOptions
	logger     customlog.Logger

	tickMu sync.Mutex // serializes ticks; guards opts.Rand

	runMu   sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}

	ticks         atomic.Uint64
	published     atomic.Uint64
	publishErrors atomic.Uint64
	lastTick      atomic.Int64
}

// NewTelemetryEmitter creates an emitter over state. Snapshots go to every
// publisher in order.
func NewTelemetryEmitter(state *State, opts EmitterOptions, logger customlog.Logger, publishers ...Publisher) *TelemetryEmitter {
	if opts.Period <= 0 {
		opts.Period = 2 * time.Second
	}
	if opts.StepMax < opts.StepMin {
		opts.StepMax = opts.StepMin
	}
	if opts.Rand == nil {
		seed := uint64(time.Now().UnixNano())
		opts.Rand = rand.New(rand.NewPCG(seed, seed>>1|1))
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &TelemetryEmitter{
		state:      state,
		publishers: publishers,
		opts:       opts,
		logger:     logger,
	}
}

// AddPublisher registers another snapshot sink. Call before Start.
func (e *TelemetryEmitter) AddPublisher(p Publisher) {
	e.tickMu.Lock()
	defer e.tickMu.Unlock()
	e.publishers = append(e.publishers, p)
}

// Start publishes a first snapshot right away, then ticks every Period
// until ctx is cancelled or Stop is called.
func (e *TelemetryEmitter) Start(ctx context.Context) error {
	e.runMu.Lock()
	defer e.runMu.Unlock()

	if e.running {
		return errors.New("telemetry emitter already running")
	}

	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.done = make(chan struct{})
	e.running = true

	go e.loop(ctx, e.done)

	e.logger.Infof("Telemetry emitter started (period %s, drain %.3f, steps [%d,%d])",
		e.opts.Period, e.opts.BatteryDrain, e.opts.StepMin, e.opts.StepMax)
	return nil
}

func (e *TelemetryEmitter) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	// first snapshot goes out immediately, then every Period
	if ctx.Err() != nil {
		return
	}
	e.Tick()

	ticker := time.NewTicker(e.opts.Period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// a cancellation that raced the tick wins
			if ctx.Err() != nil {
				return
			}
			e.Tick()
		}
	}
}

// Stop cancels future ticks and waits for an in-flight tick to finish.
func (e *TelemetryEmitter) Stop() {
	e.runMu.Lock()
	defer e.runMu.Unlock()

	if !e.running {
		return
	}
	e.running = false
	e.cancel()
	<-e.done

	s := e.Stats()
	e.logger.Infof("Telemetry emitter stopped: ticks=%d, published=%d, errors=%d",
		s.Ticks, s.Published, s.PublishErrors)
}

// Tick advances the simulated sensors once and publishes the result.
// The state update happens in one critical section; publishing happens
// after the state lock is released.
func (e *TelemetryEmitter) Tick() Snapshot {
	e.tickMu.Lock()
	defer e.tickMu.Unlock()

	increment := int64(e.opts.StepMin)
	if span := e.opts.StepMax - e.opts.StepMin; span > 0 {
		increment += int64(e.opts.Rand.IntN(span + 1))
	}

	reading := e.state.Mutate(func(r *Reading) {
		r.BatteryPercent = math.Max(0, r.BatteryPercent-e.opts.BatteryDrain)
		r.StepCount += increment
	})

	now := e.opts.Now()
	snap := NewSnapshot(reading, now)
	e.ticks.Add(1)
	e.lastTick.Store(now.UnixMilli())

	for _, p := range e.publishers {
		if err := p.PublishTelemetry(snap); err != nil {
			e.publishErrors.Add(1)
			e.logger.Warnf("Telemetry publish failed: %v", err)
			continue
		}
		e.published.Add(1)
	}

	e.logger.Debugf("Telemetry tick: battery=%.1f%%, range=%.1fm, steps=%d, calories=%d",
		snap.Battery, snap.Range, snap.Steps, snap.Calories)
	return snap
}

// Stats returns a copy of the emitter counters.
func (e *TelemetryEmitter) Stats() EmitterStats {
	return EmitterStats{
		Ticks:          e.ticks.Load(),
		Published:      e.published.Load(),
		PublishErrors:  e.publishErrors.Load(),
		LastTickUnixMs: e.lastTick.Load(),
	}
}
