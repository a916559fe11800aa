package robot

import (
	"errors"
	"math"
	"sync"
	"testing"

	customlog "github.com/carrymate/bridge/pkg/log"
)

const tolerance = 1e-9

func approx(a, b float64) bool {
	return math.Abs(a-b) < tolerance
}

func newTestProcessor(initial Reading, actuator Actuator) (*State, *CommandProcessor) {
	state := NewState(initial)
	return state, NewCommandProcessor(state, actuator, customlog.NewNopLogger())
}

func send(p *CommandProcessor, command string) Result {
	return p.Handle([]byte(`{"command":"` + command + `","hold":true,"timestamp":1}`))
}

func TestScenarioAutomaticThenManual(t *testing.T) {
	state, p := newTestProcessor(Reading{Mode: ModeAutomatic, RangeMeters: 1.5, BatteryPercent: 85}, nil)

	res := send(p, "UP")
	if res.Status != StatusIgnored || res.Reason != ReasonWrongMode {
		t.Errorf("Expected UP ignored for wrong mode, got %s (%s)", res.Status, res.Reason)
	}
	if got := state.Snapshot().RangeMeters; got != 1.5 {
		t.Errorf("Expected range unchanged at 1.5, got %v", got)
	}

	send(p, "MODE_MANUAL")
	res = send(p, "UP")
	if res.Status != StatusApplied {
		t.Errorf("Expected UP applied, got %s", res.Status)
	}
	if got := state.Snapshot().RangeMeters; !approx(got, 1.6) {
		t.Errorf("Expected range 1.6, got %v", got)
	}

	for i := 0; i < 20; i++ {
		send(p, "DOWN")
		if got := state.Snapshot().RangeMeters; got < 0 {
			t.Fatalf("Range went negative after DOWN #%d: %v", i+1, got)
		}
	}
	if got := state.Snapshot().RangeMeters; got != 0 {
		t.Errorf("Expected range clamped at 0.0, got %v", got)
	}
}

func TestMovementIgnoredInAutomatic(t *testing.T) {
	state, p := newTestProcessor(Reading{Mode: ModeAutomatic, RangeMeters: 4.2}, nil)
	before := state.Snapshot()

	for _, c := range []string{"UP", "DOWN", "LEFT", "RIGHT", "UP", "UP", "DOWN"} {
		res := send(p, c)
		if res.Status != StatusIgnored {
			t.Errorf("Expected %s ignored, got %s", c, res.Status)
		}
		if res.Changed() {
			t.Errorf("Expected %s to leave reading unchanged", c)
		}
	}

	if after := state.Snapshot(); after != before {
		t.Errorf("Expected state unchanged, got %+v (was %+v)", after, before)
	}
}

func TestRangeFollowsClampedNetCount(t *testing.T) {
	tests := []struct {
		name    string
		initial float64
		ups     int
		downs   int
	}{
		{"mixed", 1.5, 7, 3},
		{"clamp high", 9.5, 12, 0},
		{"clamp low", 0.3, 0, 9},
		{"balanced", 5.0, 10, 10},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			state, p := newTestProcessor(Reading{Mode: ModeManual, RangeMeters: tt.initial}, nil)
			// same-direction runs so the clamp is applied once at the end
			for i := 0; i < tt.ups; i++ {
				send(p, "UP")
			}
			for i := 0; i < tt.downs; i++ {
				send(p, "DOWN")
			}

			got := state.Snapshot().RangeMeters
			if got < MinRangeMeters || got > MaxRangeMeters {
				t.Fatalf("Range %v escaped [0,10]", got)
			}
			want := clamp(clamp(tt.initial+0.1*float64(tt.ups), 0, 10)-0.1*float64(tt.downs), 0, 10)
			if math.Abs(got-want) > 1e-6 {
				t.Errorf("Expected range %v, got %v", want, got)
			}
		})
	}
}

func TestLeftRightAcceptedWithoutStateChange(t *testing.T) {
	var driven []Kind
	actuator := ActuatorFunc(func(kind Kind, hold bool) error {
		if !hold {
			t.Errorf("Expected hold flag to be forwarded")
		}
		driven = append(driven, kind)
		return nil
	})
	state, p := newTestProcessor(Reading{Mode: ModeManual, RangeMeters: 3}, actuator)
	before := state.Snapshot()

	for _, c := range []string{"LEFT", "RIGHT"} {
		res := send(p, c)
		if res.Status != StatusApplied {
			t.Errorf("Expected %s applied, got %s", c, res.Status)
		}
	}

	if after := state.Snapshot(); after != before {
		t.Errorf("Expected no modeled change, got %+v", after)
	}
	if len(driven) != 2 || driven[0] != KindMoveLeft || driven[1] != KindMoveRight {
		t.Errorf("Expected actuator to see LEFT, RIGHT, got %v", driven)
	}
}

func TestModeCommandIdempotent(t *testing.T) {
	state, p := newTestProcessor(Reading{Mode: ModeAutomatic, RangeMeters: 2, BatteryPercent: 50}, nil)

	first := send(p, "MODE_MANUAL")
	once := state.Snapshot()
	second := send(p, "MODE_MANUAL")
	twice := state.Snapshot()

	if first.Status != StatusApplied || second.Status != StatusApplied {
		t.Errorf("Expected both MODE_MANUAL applied, got %s, %s", first.Status, second.Status)
	}
	if once != twice {
		t.Errorf("Expected identical state, got %+v vs %+v", once, twice)
	}
	if second.Changed() {
		t.Errorf("Expected second MODE_MANUAL to report no change")
	}

	send(p, "MODE_AUTOMATIC")
	if got := state.Snapshot().Mode; got != ModeAutomatic {
		t.Errorf("Expected AUTOMATIC, got %s", got)
	}
}

func TestMalformedPayloadLeavesStateUnchanged(t *testing.T) {
	state, p := newTestProcessor(Reading{Mode: ModeManual, RangeMeters: 1.5, BatteryPercent: 85, WeightKg: 5, StepCount: 1075}, nil)
	before := state.Snapshot()

	for _, raw := range []string{"", "{", "garbage", `{"hold":true}`, `{"command":7}`} {
		res := p.Handle([]byte(raw))
		if res.Status != StatusRejected {
			t.Errorf("Expected %q rejected, got %s", raw, res.Status)
		}
		if !errors.Is(res.Err, ErrDecode) {
			t.Errorf("Expected ErrDecode for %q, got %v", raw, res.Err)
		}
	}
	if after := state.Snapshot(); after != before {
		t.Fatalf("Expected state unchanged after malformed input, got %+v", after)
	}

	send(p, "UP")
	if got := state.Snapshot().RangeMeters; !approx(got, 1.6) {
		t.Errorf("Expected subsequent UP to apply (1.6), got %v", got)
	}
}

func TestUnknownCommandIgnored(t *testing.T) {
	state, p := newTestProcessor(Reading{Mode: ModeManual, RangeMeters: 1}, nil)
	before := state.Snapshot()

	res := send(p, "SELF_DESTRUCT")
	if res.Status != StatusIgnored || res.Reason != ReasonUnknownCommand {
		t.Errorf("Expected ignored/unknown command, got %s/%s", res.Status, res.Reason)
	}
	if res.Err != nil {
		t.Errorf("Expected no error for unknown command, got %v", res.Err)
	}
	if after := state.Snapshot(); after != before {
		t.Errorf("Expected state unchanged, got %+v", after)
	}
}

func TestActuatorErrorDoesNotUndoMove(t *testing.T) {
	actuator := ActuatorFunc(func(Kind, bool) error { return errors.New("motor stalled") })
	state, p := newTestProcessor(Reading{Mode: ModeManual, RangeMeters: 1}, actuator)

	res := send(p, "UP")
	if res.Status != StatusApplied {
		t.Errorf("Expected applied despite actuator error, got %s", res.Status)
	}
	if got := state.Snapshot().RangeMeters; !approx(got, 1.1) {
		t.Errorf("Expected range 1.1, got %v", got)
	}
}

func TestActuatorNotCalledWhenIgnored(t *testing.T) {
	called := false
	actuator := ActuatorFunc(func(Kind, bool) error { called = true; return nil })
	_, p := newTestProcessor(Reading{Mode: ModeAutomatic}, actuator)

	send(p, "UP")
	if called {
		t.Errorf("Expected actuator not to be driven in AUTOMATIC mode")
	}
}

func TestProcessorStats(t *testing.T) {
	_, p := newTestProcessor(Reading{Mode: ModeAutomatic}, nil)

	send(p, "UP")          // ignored
	send(p, "MODE_MANUAL") // applied
	send(p, "UP")          // applied
	send(p, "WAT")         // ignored
	p.Handle([]byte("{"))  // rejected

	s := p.Stats()
	want := ProcessorStats{Received: 5, Applied: 2, Ignored: 2, Rejected: 1}
	if s != want {
		t.Errorf("Expected stats %+v, got %+v", want, s)
	}
}

func TestConcurrentCommandsAreNotLost(t *testing.T) {
	state, p := newTestProcessor(Reading{Mode: ModeManual, RangeMeters: 0}, nil)

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			send(p, "UP")
		}()
	}
	wg.Wait()

	if got := state.Snapshot().RangeMeters; math.Abs(got-5.0) > 1e-6 {
		t.Errorf("Expected range 5.0 after %d concurrent UPs, got %v", n, got)
	}
}
