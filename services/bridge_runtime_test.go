package services

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/carrymate/bridge/domain/robot"
	"github.com/carrymate/bridge/pkg/config"
	customlog "github.com/carrymate/bridge/pkg/log"
	"github.com/carrymate/bridge/pkg/transport"
)

// fakeTransport is an in-memory transport that records every call.
type fakeTransport struct {
	mu             sync.Mutex
	connectErr     error
	unsubscribeErr error
	closeErr       error
	calls          []string
	handlers       map[string]transport.MessageHandler
	published      map[string][][]byte
	closed         bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		handlers:  make(map[string]transport.MessageHandler),
		published: make(map[string][][]byte),
	}
}

func (f *fakeTransport) record(call string) {
	f.calls = append(f.calls, call)
}

func (f *fakeTransport) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("connect")
	return f.connectErr
}

func (f *fakeTransport) Subscribe(topic string, handler transport.MessageHandler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("subscribe " + topic)
	f.handlers[topic] = handler
	return nil
}

func (f *fakeTransport) Unsubscribe(topic string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("unsubscribe " + topic)
	return f.unsubscribeErr
}

func (f *fakeTransport) Publish(topic string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return transport.ErrClosed
	}
	f.published[topic] = append(f.published[topic], payload)
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("close")
	f.closed = true
	return f.closeErr
}

// inject simulates a message arriving from the broker. The handler stays
// reachable after Unsubscribe, like a callback already in flight.
func (f *fakeTransport) inject(topic string, payload string) {
	f.mu.Lock()
	h := f.handlers[topic]
	f.mu.Unlock()
	if h != nil {
		h(topic, []byte(payload))
	}
}

func (f *fakeTransport) callLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeTransport) publishedOn(topic string) [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.published[topic]...)
}

func testRuntime(t *testing.T, tr transport.Transport) *BridgeRuntime {
	t.Helper()
	cfg := config.Default()
	cfg.Transport.ClientID = "test-client"
	cfg.Telemetry.Period = time.Hour

	return NewBridgeRuntime(cfg, tr, customlog.NewNopLogger(), RuntimeOptions{
		Emitter: robot.EmitterOptions{Rand: rand.New(rand.NewPCG(1, 2))},
	})
}

func TestStartConnectFailureIsFatal(t *testing.T) {
	tr := newFakeTransport()
	tr.connectErr = errors.New("connection refused")
	rt := testRuntime(t, tr)

	err := rt.Start(context.Background())
	if err == nil {
		t.Fatalf("Expected Start to fail when connect fails")
	}
	if !errors.Is(err, tr.connectErr) {
		t.Errorf("Expected error to wrap connect failure, got %v", err)
	}

	calls := tr.callLog()
	if len(calls) != 1 || calls[0] != "connect" {
		t.Errorf("Expected only a connect attempt, got %v", calls)
	}
	if s := rt.Stats().Telemetry; s.Ticks != 0 {
		t.Errorf("Expected no telemetry ticks, got %d", s.Ticks)
	}
}

func TestCommandsFlowIntoState(t *testing.T) {
	tr := newFakeTransport()
	rt := testRuntime(t, tr)
	if err := rt.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer rt.Shutdown()

	topic := rt.cfg.Topics.Command
	tr.inject(topic, `{"command":"MODE_MANUAL","hold":true,"timestamp":1}`)
	tr.inject(topic, `{"command":"UP","hold":true,"timestamp":2}`)
	tr.inject(topic, `not json`)

	r := rt.State().Snapshot()
	if r.Mode != robot.ModeManual {
		t.Errorf("Expected MANUAL, got %s", r.Mode)
	}
	if r.RangeMeters < 1.59 || r.RangeMeters > 1.61 {
		t.Errorf("Expected range 1.6, got %v", r.RangeMeters)
	}

	stats := rt.Stats()
	if stats.Commands.Received != 3 || stats.Commands.Rejected != 1 {
		t.Errorf("Expected 3 received / 1 rejected, got %+v", stats.Commands)
	}
	if got := stats.Topics[topic].Count; got != 3 {
		t.Errorf("Expected 3 messages recorded on %s, got %d", topic, got)
	}
}

func TestTelemetryPublishedToTransport(t *testing.T) {
	tr := newFakeTransport()
	rt := testRuntime(t, tr)

	// ticked by hand; Start would also publish a startup snapshot
	var extra []robot.Snapshot
	rt.AddTelemetryPublisher(robot.PublisherFunc(func(s robot.Snapshot) error {
		extra = append(extra, s)
		return nil
	}))

	snap := rt.emitter.Tick()

	msgs := tr.publishedOn(rt.cfg.Topics.Telemetry)
	if len(msgs) != 1 {
		t.Fatalf("Expected 1 telemetry message, got %d", len(msgs))
	}
	var decoded map[string]any
	if err := json.Unmarshal(msgs[0], &decoded); err != nil {
		t.Fatalf("Telemetry is not JSON: %v", err)
	}
	for _, key := range []string{"battery", "range", "weight", "calories", "steps", "timestamp"} {
		if _, ok := decoded[key]; !ok {
			t.Errorf("Expected key %q in telemetry", key)
		}
	}
	if decoded["steps"].(float64) != float64(snap.Steps) {
		t.Errorf("Expected steps %d, got %v", snap.Steps, decoded["steps"])
	}
	if len(extra) != 1 || extra[0] != snap {
		t.Errorf("Expected extra publisher to receive the snapshot, got %v", extra)
	}
	if got := rt.Stats().Topics[rt.cfg.Topics.Telemetry].Count; got != 1 {
		t.Errorf("Expected telemetry topic count 1, got %d", got)
	}
}

func TestStartPublishesFirstSnapshot(t *testing.T) {
	tr := newFakeTransport()
	rt := testRuntime(t, tr)
	if err := rt.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer rt.Shutdown()

	deadline := time.Now().Add(2 * time.Second)
	for len(tr.publishedOn(rt.cfg.Topics.Telemetry)) == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if n := len(tr.publishedOn(rt.cfg.Topics.Telemetry)); n != 1 {
		t.Errorf("Expected 1 telemetry message right after Start, got %d", n)
	}
}

func TestShutdownOrderSurvivesFailures(t *testing.T) {
	tr := newFakeTransport()
	tr.unsubscribeErr = errors.New("broker gone")
	tr.closeErr = errors.New("socket already closed")
	rt := testRuntime(t, tr)
	if err := rt.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	err := rt.Shutdown()
	if !errors.Is(err, tr.unsubscribeErr) || !errors.Is(err, tr.closeErr) {
		t.Errorf("Expected joined unsubscribe and close errors, got %v", err)
	}

	want := []string{"connect", "subscribe " + rt.cfg.Topics.Command, "unsubscribe " + rt.cfg.Topics.Command, "close"}
	calls := tr.callLog()
	if len(calls) != len(want) {
		t.Fatalf("Expected calls %v, got %v", want, calls)
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Errorf("Expected call %d to be %q, got %q", i, want[i], calls[i])
		}
	}

	if err := rt.Shutdown(); err != nil {
		t.Errorf("Expected second Shutdown to be a no-op, got %v", err)
	}
	if n := len(tr.callLog()); n != len(want) {
		t.Errorf("Expected no further transport calls, got %d total", n)
	}
}

func TestMessagesRefusedAfterShutdown(t *testing.T) {
	tr := newFakeTransport()
	rt := testRuntime(t, tr)
	if err := rt.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	tr.inject(rt.cfg.Topics.Command, `{"command":"MODE_MANUAL"}`)

	if err := rt.Shutdown(); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	before := rt.State().Snapshot()

	tr.inject(rt.cfg.Topics.Command, `{"command":"MODE_AUTOMATIC"}`)
	if rt.Deliver(rt.cfg.Topics.Command, []byte(`{"command":"MODE_AUTOMATIC"}`)) {
		t.Errorf("Expected Deliver to be refused after Shutdown")
	}

	if after := rt.State().Snapshot(); after != before {
		t.Errorf("Expected state frozen after Shutdown, got %+v (was %+v)", after, before)
	}
	if got := rt.Stats().Inbox.RefusedCount; got != 2 {
		t.Errorf("Expected 2 refused messages, got %d", got)
	}
	if err := rt.Start(context.Background()); err == nil {
		t.Errorf("Expected Start after Shutdown to fail")
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	tr := newFakeTransport()
	rt := testRuntime(t, tr)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rt.Run(ctx) }()

	// wait for Start to subscribe before cancelling
	deadline := time.Now().Add(2 * time.Second)
	for len(tr.callLog()) < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Expected clean Run exit, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not return after cancel")
	}

	calls := tr.callLog()
	if calls[len(calls)-1] != "close" {
		t.Errorf("Expected transport closed last, got %v", calls)
	}
}

func TestInitialStateFromConfig(t *testing.T) {
	rt := testRuntime(t, newFakeTransport())
	r := rt.State().Snapshot()

	if r.Mode != robot.ModeAutomatic || r.BatteryPercent != 85 || r.RangeMeters != 1.5 || r.WeightKg != 5 || r.StepCount != 1075 {
		t.Errorf("Expected default initial reading, got %+v", r)
	}
	if r.Calories() != 107 {
		t.Errorf("Expected 107 calories, got %d", r.Calories())
	}
}
