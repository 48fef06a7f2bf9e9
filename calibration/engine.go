// Package calibration implements the per-mode calibration state machine.
//
// The engine is driven by the instrument (CLI and web server alike) and is
// responsible for:
// - Deciding which calibration a mode needs and under which condition
// - Dark references, measured directly or bracketed and fitted per channel
// - White references with integration time and gain optimisation
// - Deriving calibration factors and sharing them with compatible modes
package calibration

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/CK6170/spectro-go/models"
	"github.com/CK6170/spectro-go/spectral"
)

// Request describes one calibration reading.
type Request struct {
	IntTime float64
	Gain    models.Gain
	Lamp    bool
	NumMeas int
}

// Sample is a calibration reading: linearised absolute rows (one per block)
// and the raw peak of each block.
type Sample struct {
	Rows    [][]float64
	Peaks   []float64
	IntTime float64 // integration time actually used
	Gain    models.Gain
}

// Sampler takes calibration readings. The instrument implements it.
type Sampler interface {
	Sample(ctx context.Context, mode models.Mode, req Request) (*Sample, error)
}

// Reference holds the per-wavelength references from EEPROM, at both
// resolutions.
type Reference struct {
	White, WhiteHi []float64 // white tile reflectance
	Emis, EmisHi   []float64 // emissive calibration
	Amb, AmbHi     []float64 // ambient calibration
}

// Config is everything the engine needs besides the sampler.
type Config struct {
	Sensor         *spectral.Sensor
	Low, High      *spectral.FilterTable
	Ref            Reference
	Filter         models.Filter
	PermitHighGain bool
	NumMeas        int                      // blocks per calibration reading
	IntTimes       [models.NumModes]float64 // nominal integration time per mode
	Now            func() time.Time
	Log            zerolog.Logger
}

// Result reports a completed calibration.
type Result struct {
	Mode                     models.Mode      `json:"mode"`
	CalType                  models.CalType   `json:"calType"`
	IntTime                  float64          `json:"intTime"`
	Gain                     models.Gain      `json:"gain"`
	Broadcast                []models.Mode    `json:"broadcast,omitempty"`
	TransmissiveWhiteWarning bool             `json:"transmissiveWhiteWarning,omitempty"`
	Next                     models.CalType   `json:"next"`
	NextCondition            models.Condition `json:"nextCondition"`
}

// Engine owns the calibration state of every mode.
type Engine struct {
	cfg    Config
	s      Sampler
	states [models.NumModes]*models.ModeState
	log    zerolog.Logger
}

// New returns an engine with every mode uncalibrated except for the
// emissive and ambient factors, which come from EEPROM.
func New(cfg Config, s Sampler) *Engine {
	if cfg.NumMeas <= 0 {
		cfg.NumMeas = 4
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	e := &Engine{cfg: cfg, s: s, log: cfg.Log.With().Str("component", "calibration").Logger()}
	now := cfg.Now()
	for _, m := range models.AllModes {
		t := cfg.IntTimes[m]
		if t <= 0 {
			t = cfg.Sensor.MinIntTime
		}
		st := models.NewModeState(m, t)
		if m == models.EmisSpotNA {
			st.AltIntTime = e.altTimes(t)
		}
		if !m.NeedsWhite() {
			lo, hi := cfg.Ref.Emis, cfg.Ref.EmisHi
			if m.Flags().Has(models.Ambient) {
				lo, hi = cfg.Ref.Amb, cfg.Ref.AmbHi
			}
			if len(lo) == models.NWav && len(hi) == models.NWavHi {
				copy(st.CalFactor, lo)
				copy(st.CalHi, hi)
				st.CalValid = true
				st.CalTime = now
			}
		}
		st.Settle()
		e.states[m] = st
	}
	return e
}

// State returns the calibration state of a mode.
func (e *Engine) State(m models.Mode) *models.ModeState { return e.states[m] }

// States returns every mode's state in mode order.
func (e *Engine) States() []*models.ModeState { return e.states[:] }

// Sensor returns the sensor calibration.
func (e *Engine) Sensor() *spectral.Sensor { return e.cfg.Sensor }

// ExpectedCondition is the setup a calibration type must be performed in.
func ExpectedCondition(ct models.CalType) models.Condition {
	switch ct {
	case models.CalReflectiveWhite:
		return models.CondReflectiveWhite
	case models.CalEmissiveDark:
		return models.CondEmissiveDark
	case models.CalTransmissiveDark:
		return models.CondTransmissiveDark
	case models.CalTransmissiveWhite:
		return models.CondTransmissiveWhite
	case models.CalDisplayIntTime:
		return models.CondDisplay
	default:
		return models.CondNone
	}
}

// Needs expires stale calibrations and returns the calibration the mode
// needs next with its condition, or CalNone.
func (e *Engine) Needs(m models.Mode) (models.CalType, models.Condition) {
	st := e.states[m]
	st.Expire(e.cfg.Now())
	var ct models.CalType
	f := m.Flags()
	switch {
	case f.Has(models.Reflective):
		if !st.DarkReady() || !st.CalValid {
			ct = models.CalReflectiveWhite
		}
	case f.Has(models.Transmissive):
		if !st.DarkReady() {
			ct = models.CalTransmissiveDark
		} else if !st.CalValid {
			ct = models.CalTransmissiveWhite
		}
	default:
		if !st.DarkReady() {
			ct = models.CalEmissiveDark
		}
	}
	return ct, ExpectedCondition(ct)
}

func applicable(m models.Mode, ct models.CalType) bool {
	f := m.Flags()
	switch ct {
	case models.CalReflectiveWhite:
		return f.Has(models.Reflective)
	case models.CalEmissiveDark:
		return f.Has(models.Emissive)
	case models.CalTransmissiveDark, models.CalTransmissiveWhite:
		return f.Has(models.Transmissive)
	case models.CalDisplayIntTime:
		return m == models.EmisSpotNA
	}
	return false
}

// Calibrate performs a calibration of type ct in mode m. CalAll is resolved
// to the calibration the mode needs. When cond is not the condition the
// calibration requires, a *models.RetryWithCondition is returned and nothing
// is measured.
func (e *Engine) Calibrate(ctx context.Context, m models.Mode, ct models.CalType, cond models.Condition) (*Result, error) {
	if !m.Valid() {
		return nil, fmt.Errorf("mode %d: %w", int(m), models.ErrUnsupportedMode)
	}
	if ct == models.CalAll {
		ct, _ = e.Needs(m)
		if ct == models.CalNone {
			return e.result(m, models.CalNone, nil), nil
		}
	}
	if !applicable(m, ct) {
		return nil, fmt.Errorf("%s calibration in %s mode: %w", ct, m, models.ErrUnsupportedMode)
	}
	if want := ExpectedCondition(ct); cond != want {
		return nil, &models.RetryWithCondition{Expected: want}
	}

	st := e.states[m]
	lg := e.log.With().Str("mode", m.String()).Str("cal", ct.String()).Logger()
	lg.Info().Float64("inttime", st.IntTime).Str("gain", st.Gain.String()).Msg("calibration start")

	var err error
	var warn bool
	switch ct {
	case models.CalReflectiveWhite:
		err = e.reflectiveWhite(ctx, st)
	case models.CalEmissiveDark, models.CalTransmissiveDark:
		err = e.black(ctx, st)
	case models.CalTransmissiveWhite:
		warn, err = e.transmissiveWhite(ctx, st)
	case models.CalDisplayIntTime:
		err = e.displayIntTime(ctx, st)
	}
	if err != nil {
		st.Settle()
		lg.Warn().Err(err).Msg("calibration failed")
		return nil, err
	}
	st.Settle()
	bc := e.broadcast(st)
	res := e.result(m, ct, bc)
	res.TransmissiveWhiteWarning = warn
	lg.Info().Float64("inttime", st.IntTime).Str("gain", st.Gain.String()).
		Str("state", st.Cal.String()).Int("shared", len(bc)).Msg("calibration complete")
	return res, nil
}

func (e *Engine) result(m models.Mode, ct models.CalType, bc []models.Mode) *Result {
	st := e.states[m]
	next, cond := e.Needs(m)
	return &Result{
		Mode:          m,
		CalType:       ct,
		IntTime:       st.IntTime,
		Gain:          st.Gain,
		Broadcast:     bc,
		Next:          next,
		NextCondition: cond,
	}
}

// broadcast copies src's calibration to every structurally compatible mode.
// Factors are only shared between white referenced modes; emissive factors
// come from EEPROM per mode.
func (e *Engine) broadcast(src *models.ModeState) []models.Mode {
	var out []models.Mode
	for _, m := range models.AllModes {
		if m == src.Mode || !src.Mode.Compatible(m) {
			continue
		}
		dst := e.states[m]
		dst.Gain, dst.IntTime = src.Gain, src.IntTime
		copy(dst.Dark, src.Dark)
		dst.DarkValid, dst.DarkTime = src.DarkValid, src.DarkTime
		dst.AltIntTime = src.AltIntTime
		for k := range src.AltDark {
			copy(dst.AltDark[k], src.AltDark[k])
		}
		for k := range src.IDark {
			copy(dst.IDark[k], src.IDark[k])
		}
		dst.IDarkTimes = src.IDarkTimes
		dst.IDarkValid, dst.IDarkTime = src.IDarkValid, src.IDarkTime
		if m.NeedsWhite() {
			copy(dst.White, src.White)
			copy(dst.CalFactor, src.CalFactor)
			copy(dst.CalHi, src.CalHi)
			dst.CalValid, dst.CalTime = src.CalValid, src.CalTime
			dst.TransWarn = src.TransWarn
		}
		dst.Settle()
		out = append(out, m)
	}
	return out
}

// altTimes returns the two display fallback integration times for t.
func (e *Engine) altTimes(t float64) [2]float64 {
	min := e.cfg.Sensor.MinIntTime
	a := [2]float64{t * 0.5, t * 0.25}
	for i := range a {
		if a[i] < min {
			a[i] = min
		}
	}
	return a
}
