package models

import "time"

// CalState is the position of a mode in the calibration state machine.
type CalState int

const (
	Uncalibrated CalState = iota
	BlackPending
	AdaptiveBlackPending
	BlackDone
	WhitePending
	Calibrated
)

// String implements fmt.Stringer.
func (s CalState) String() string {
	switch s {
	case Uncalibrated:
		return "uncalibrated"
	case BlackPending:
		return "black-pending"
	case AdaptiveBlackPending:
		return "adaptive-black-pending"
	case BlackDone:
		return "black-done"
	case WhitePending:
		return "white-pending"
	case Calibrated:
		return "calibrated"
	default:
		return "unknown"
	}
}

// Bracket points of the adaptive dark model, in IDark index order.
var (
	IDarkTimes = [4]float64{0.01, 1.0, 0.01, 1.0}
	IDarkGains = [4]Gain{GainNormal, GainNormal, GainHigh, GainHigh}
)

// ModeState is the calibration record of one measurement mode. It is written
// by the calibration engine and read by the measurement pipeline.
type ModeState struct {
	Mode Mode
	Cal  CalState

	Gain    Gain
	IntTime float64 // seconds

	// Dark reference at IntTime/Gain in absolute units.
	Dark      []float64
	DarkValid bool
	DarkTime  time.Time

	// Display mode fallbacks, shorter integration times with their own darks.
	AltIntTime [2]float64
	AltDark    [2][]float64

	// Adaptive dark bracket: linearised counts (not normalised) at
	// IDarkTimes/IDarkGains.
	IDark      [4][]float64
	IDarkTimes [4]float64
	IDarkValid bool
	IDarkTime  time.Time

	White     []float64 // absolute units
	CalFactor []float64 // NWav
	CalHi     []float64 // NWavHi
	CalValid  bool
	CalTime   time.Time

	TransWarn bool
}

// NewModeState returns an uncalibrated state with buffers allocated.
func NewModeState(m Mode, intTime float64) *ModeState {
	s := &ModeState{
		Mode:      m,
		IntTime:   intTime,
		Dark:      make([]float64, NRaw),
		White:     make([]float64, NRaw),
		CalFactor: make([]float64, NWav),
		CalHi:     make([]float64, NWavHi),
	}
	for i := range s.IDark {
		s.IDark[i] = make([]float64, NRaw)
	}
	for i := range s.AltDark {
		s.AltDark[i] = make([]float64, NRaw)
	}
	return s
}

// DarkReady reports whether the mode has the dark reference it needs.
func (s *ModeState) DarkReady() bool {
	if s.Mode.UsesBracketDark() {
		return s.IDarkValid
	}
	return s.DarkValid
}

// Ready reports whether a measurement in this mode is permitted.
func (s *ModeState) Ready() bool {
	return s.DarkReady() && s.CalValid
}

// Expire drops any calibration older than CalExpiry.
func (s *ModeState) Expire(now time.Time) {
	if s.DarkValid && now.Sub(s.DarkTime) > CalExpiry {
		s.DarkValid = false
	}
	if s.IDarkValid && now.Sub(s.IDarkTime) > CalExpiry {
		s.IDarkValid = false
	}
	if s.Mode.NeedsWhite() && s.CalValid && now.Sub(s.CalTime) > CalExpiry {
		s.CalValid = false
	}
	s.Cal = s.derivedState()
}

func (s *ModeState) derivedState() CalState {
	switch {
	case s.Ready():
		return Calibrated
	case s.DarkReady() && s.Mode.NeedsWhite():
		return BlackDone
	default:
		return Uncalibrated
	}
}

// Settle recomputes Cal from the validity flags once a transition completes.
func (s *ModeState) Settle() { s.Cal = s.derivedState() }
