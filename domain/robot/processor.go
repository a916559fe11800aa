package robot

import (
	"sync/atomic"

	customlog "github.com/carrymate/bridge/pkg/log"
)

// rangeStep is how far one UP/DOWN command moves the range reading.
const rangeStep = 0.1

// Status is the outcome class of one handled message.
type Status int

const (
	// StatusApplied means the command was accepted; the state may or may
	// not have changed (setting the current mode again is still applied).
	StatusApplied Status = iota
	// StatusIgnored means the command was well formed but not applicable.
	StatusIgnored
	// StatusRejected means the payload could not be decoded.
	StatusRejected
)

func (s Status) String() string {
	switch s {
	case StatusApplied:
		return "applied"
	case StatusIgnored:
		return "ignored"
	case StatusRejected:
		return "rejected"
	}
	return "unknown"
}

// Ignore reasons
const (
	ReasonWrongMode      = "wrong mode"
	ReasonUnknownCommand = "unknown command"
)

// Result describes what Handle did with one message.
type Result struct {
	Command Command
	Status  Status
	Reason  string
	Err     error
	Before  Reading
	After   Reading
}

// Changed reports whether the reading differs after handling.
func (r Result) Changed() bool {
	return r.Before != r.After
}

// Actuator drives the physical motors. Hold marks whether the control is
// being held down (active) or released.
type Actuator interface {
	Drive(kind Kind, hold bool) error
}

// ActuatorFunc adapts a function to the Actuator interface.
type ActuatorFunc func(kind Kind, hold bool) error

// Drive calls f.
func (f ActuatorFunc) Drive(kind Kind, hold bool) error {
	return f(kind, hold)
}

// ProcessorStats counts handled messages by outcome.
type ProcessorStats struct {
	Received uint64 `json:"received"`
	Applied  uint64 `json:"applied"`
	Ignored  uint64 `json:"ignored"`
	Rejected uint64 `json:"rejected"`
}

// CommandProcessor applies inbound commands to a State.
type CommandProcessor struct {
	state    *State
	actuator Actuator
	logger   customlog.Logger

	received atomic.Uint64
	applied  atomic.Uint64
	ignored  atomic.Uint64
	rejected atomic.Uint64
}

// NewCommandProcessor creates a processor mutating state. actuator may be nil.
func NewCommandProcessor(state *State, actuator Actuator, logger customlog.Logger) *CommandProcessor {
	return &CommandProcessor{
		state:    state,
		actuator: actuator,
		logger:   logger,
	}
}

// Handle decodes raw and applies it. It never panics on bad input and
// performs at most one state mutation.
func (p *CommandProcessor) Handle(raw []byte) Result {
	p.received.Add(1)

	cmd, err := DecodeCommand(raw)
	if err != nil {
		p.rejected.Add(1)
		p.logger.Warnf("Rejected command payload (%d bytes): %v", len(raw), err)
		before := p.state.Snapshot()
		return Result{Status: StatusRejected, Err: err, Before: before, After: before}
	}

	return p.Apply(cmd)
}

// Apply runs an already decoded command.
func (p *CommandProcessor) Apply(cmd Command) Result {
	logger := p.logger.WithFields(map[string]interface{}{
		"command": cmd.Name,
		"hold":    cmd.Hold,
	})
	logger.Infof("Command received at %v", cmd.Timestamp)

	var res Result
	res.Command = cmd

	switch {
	case cmd.Kind == KindModeManual || cmd.Kind == KindModeAutomatic:
		target := ModeManual
		if cmd.Kind == KindModeAutomatic {
			target = ModeAutomatic
		}
		res.After = p.state.Mutate(func(r *Reading) {
			res.Before = *r
			r.Mode = target
		})
		res.Status = StatusApplied
		if res.Before.Mode == target {
			logger.Infof("Already in %s mode", target)
		} else {
			logger.Infof("Switched to %s mode", target)
		}

	case cmd.Kind.IsMovement():
		res.After = p.state.Mutate(func(r *Reading) {
			res.Before = *r
			if r.Mode != ModeManual {
				res.Status = StatusIgnored
				res.Reason = ReasonWrongMode
				return
			}
			res.Status = StatusApplied
			switch cmd.Kind {
			case KindMoveUp:
				r.RangeMeters += rangeStep
			case KindMoveDown:
				r.RangeMeters -= rangeStep
			}
		})
		if res.Status == StatusIgnored {
			logger.Infof("Ignoring %s: robot in %s mode", cmd.Name, res.Before.Mode)
			break
		}
		logger.Infof("Moving %s (range %.1fm)", cmd.Name, res.After.RangeMeters)
		p.drive(cmd, logger)

	default:
		res.Before = p.state.Snapshot()
		res.After = res.Before
		res.Status = StatusIgnored
		res.Reason = ReasonUnknownCommand
		logger.Infof("Ignoring unknown command")
	}

	if res.Status == StatusApplied {
		p.applied.Add(1)
	} else {
		p.ignored.Add(1)
	}
	return res
}

// drive forwards a movement to the actuator outside the state lock.
// A failing actuator does not roll back the modeled state.
func (p *CommandProcessor) drive(cmd Command, logger customlog.Logger) {
	if p.actuator == nil {
		return
	}
	if err := p.actuator.Drive(cmd.Kind, cmd.Hold); err != nil {
		logger.Errorf("Actuator failed: %v", err)
	}
}

// Stats returns a copy of the outcome counters.
func (p *CommandProcessor) Stats() ProcessorStats {
	return ProcessorStats{
		Received: p.received.Load(),
		Applied:  p.applied.Load(),
		Ignored:  p.ignored.Load(),
		Rejected: p.rejected.Load(),
	}
}
