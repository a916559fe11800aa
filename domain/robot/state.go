package robot

import (
	"math"
	"sync"
)

// Mode is the robot's operating mode.
type Mode string

const (
	ModeManual    Mode = "MANUAL"
	ModeAutomatic Mode = "AUTOMATIC"
)

// Physical limits of the modeled readings.
const (
	MinRangeMeters    = 0.0
	MaxRangeMeters    = 10.0
	MinBatteryPercent = 0.0
	MaxBatteryPercent = 100.0
)

// caloriesPerStep converts the step counter into calories.
const caloriesPerStep = 0.1

// Reading is a fixed-shape copy of the robot's mode and sensor values.
type Reading struct {
	Mode           Mode    `json:"mode"`
	BatteryPercent float64 `json:"battery"`
	RangeMeters    float64 `json:"range"`
	WeightKg       float64 `json:"weight"`
	StepCount      int64   `json:"steps"`
}

// Calories is derived from StepCount and never stored.
func (r Reading) Calories() int64 {
	return caloriesFor(r.StepCount)
}

func caloriesFor(steps int64) int64 {
	return int64(math.Floor(float64(steps) * caloriesPerStep))
}

// normalize pulls every field back inside its allowed range.
func (r *Reading) normalize() {
	r.RangeMeters = clamp(r.RangeMeters, MinRangeMeters, MaxRangeMeters)
	r.BatteryPercent = clamp(r.BatteryPercent, MinBatteryPercent, MaxBatteryPercent)
	if math.IsNaN(r.WeightKg) || math.IsInf(r.WeightKg, 0) {
		r.WeightKg = 0
	}
	if r.StepCount < 0 {
		r.StepCount = 0
	}
	if r.Mode != ModeManual {
		r.Mode = ModeAutomatic
	}
}

// clamp maps NaN to min so a bad input can never escape the range.
func clamp(v, min, max float64) float64 {
	if v < min || math.IsNaN(v) {
		return min
	}
	if v > max {
		return max
	}
	return v
}

// State is the process-wide robot record. All access goes through its
// mutex; callers never see a half-applied update.
type State struct {
	mu      sync.Mutex
	reading Reading
}

// NewState creates a State holding initial, normalized.
func NewState(initial Reading) *State {
	initial.normalize()
	return &State{reading: initial}
}

// Snapshot returns a consistent copy of the current reading.
func (s *State) Snapshot() Reading {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reading
}

// Mutate runs fn on the reading as one critical section and returns the
// result. Range, battery and step invariants are re-enforced after fn.
func (s *State) Mutate(fn func(r *Reading)) Reading {
	s.mu.Lock()
	defer s.mu.Unlock()

	fn(&s.reading)
	s.reading.normalize()
	return s.reading
}

// SetWeight is the entry point for the weight sensor.
func (s *State) SetWeight(kg float64) {
	s.mu.Lock()
	s.reading.WeightKg = kg
	s.reading.normalize()
	s.mu.Unlock()
}
