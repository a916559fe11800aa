package robot

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Kind identifies what a command asks the robot to do.
type Kind int

const (
	KindUnknown Kind = iota
	KindModeManual
	KindModeAutomatic
	KindMoveUp
	KindMoveDown
	KindMoveLeft
	KindMoveRight
)

var kindNames = map[Kind]string{
	KindUnknown:       "UNKNOWN",
	KindModeManual:    "MODE_MANUAL",
	KindModeAutomatic: "MODE_AUTOMATIC",
	KindMoveUp:        "UP",
	KindMoveDown:      "DOWN",
	KindMoveLeft:      "LEFT",
	KindMoveRight:     "RIGHT",
}

// wire names as sent by the mobile app
var kindsByWire = map[string]Kind{
	"MODE_MANUAL":    KindModeManual,
	"MODE_AUTOMATIC": KindModeAutomatic,
	"UP":             KindMoveUp,
	"DOWN":           KindMoveDown,
	"LEFT":           KindMoveLeft,
	"RIGHT":          KindMoveRight,
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// IsMovement reports whether k is one of the directional commands.
func (k Kind) IsMovement() bool {
	switch k {
	case KindMoveUp, KindMoveDown, KindMoveLeft, KindMoveRight:
		return true
	}
	return false
}

// Decode errors
var (
	ErrDecode         = errors.New("malformed command payload")
	ErrMissingCommand = errors.New("command field is missing or empty")
)

// Command is one decoded inbound message.
type Command struct {
	Kind      Kind
	Name      string // as received, kept for logging unknown commands
	Hold      bool
	Timestamp float64
}

type wireCommand struct {
	Command   *string  `json:"command"`
	Hold      bool     `json:"hold"`
	Timestamp *float64 `json:"timestamp"`
}

// DecodeCommand parses one inbound JSON payload. Well-formed payloads with
// an unrecognised command name decode to KindUnknown rather than failing.
func DecodeCommand(raw []byte) (Command, error) {
	var w wireCommand
	if err := json.Unmarshal(raw, &w); err != nil {
		return Command{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if w.Command == nil || *w.Command == "" {
		return Command{}, fmt.Errorf("%w: %w", ErrDecode, ErrMissingCommand)
	}

	cmd := Command{
		Kind: kindsByWire[*w.Command],
		Name: *w.Command,
		Hold: w.Hold,
	}
	if w.Timestamp != nil {
		cmd.Timestamp = *w.Timestamp
	}
	return cmd, nil
}
