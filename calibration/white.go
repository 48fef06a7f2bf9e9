package calibration

import (
	"context"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/CK6170/spectro-go/models"
	"github.com/CK6170/spectro-go/patch"
)

// maxPasses bounds the white reading and re-optimisation loop.
const maxPasses = 4

// TransFloor is the fraction of the mean transmission white below which a
// wavelength is clamped and a warning raised.
const TransFloor = 0.004

// window is the accepted range of target/peak for a white reading.
func window(m models.Mode) (lo, hi float64) {
	if m.Flags().Has(models.Adaptive) {
		return 0.95, 1.05
	}
	return 0.3, 2.0
}

// ratio is how far the raw peak of a reading is from the optimal level.
func (e *Engine) ratio(peaks []float64) float64 {
	pk := 1.0
	if len(peaks) > 0 {
		pk = math.Max(floats.Max(peaks), 1)
	}
	return e.cfg.Sensor.Target / pk
}

func outOfRange(r float64) error {
	if r > 1 {
		return models.ErrLightTooLow
	}
	return models.ErrLightTooHigh
}

// bandWindow is the accepted blue/red ratio of a white tile reading
// normalised by its reference, per fitted filter.
func bandWindow(f models.Filter) (lo, hi float64) {
	switch f {
	case models.FilterUVCut:
		return 0.15, 1.6
	case models.FilterPolarizer:
		return 0.4, 2.2
	default:
		return 0.5, 2.0
	}
}

// BandRatio is the mean of spd/ref over 400..440nm divided by the mean over
// 600..700nm.
func BandRatio(spd, ref []float64) float64 {
	wl := models.Wavelengths(len(spd) == models.NWavHi)
	var blue, red float64
	var nb, nr int
	for i, w := range wl {
		if ref[i] <= 0 {
			continue
		}
		q := spd[i] / ref[i]
		switch {
		case w >= 400 && w <= 440:
			blue += q
			nb++
		case w >= 600 && w <= 700:
			red += q
			nr++
		}
	}
	if nb == 0 || nr == 0 || red == 0 {
		return 0
	}
	return (blue / float64(nb)) / (red / float64(nr))
}

// factors fills dst with ref/spd, flooring spd at floor.
func factors(dst, ref, spd []float64, floor float64) {
	for i := range dst {
		dst[i] = ref[i] / math.Max(spd[i], floor)
	}
}

// reflectiveWhite measures dark then the white tile with the lamp on,
// adjusting integration time and gain until the peak sits in the window.
func (e *Engine) reflectiveWhite(ctx context.Context, st *models.ModeState) error {
	lo, hi := window(st.Mode)
	st.CalValid = false
	r := 1.0
	for pass := 0; pass < maxPasses; pass++ {
		if err := e.black(ctx, st); err != nil {
			return err
		}
		st.Cal = models.WhitePending
		mean, s, status, err := e.reading(ctx, st.Mode, Request{IntTime: st.IntTime, Gain: st.Gain, Lamp: true})
		if err != nil {
			return err
		}
		r = e.ratio(s.Peaks)
		if r < lo || r > hi {
			t, g, err := e.Optimise(s.IntTime, s.Gain, r, false)
			if err != nil {
				return err
			}
			e.log.Debug().Int("pass", pass).Float64("ratio", r).Float64("inttime", t).Str("gain", g.String()).Msg("white level adjusted")
			st.IntTime, st.Gain = t, g
			continue
		}
		if status.Has(patch.Saturated) {
			return fmt.Errorf("white tile: %w", models.ErrSensorSaturated)
		}
		if status.Has(patch.Inconsistent) {
			return fmt.Errorf("white tile: %w", models.ErrWhiteInconsistent)
		}
		floats.SubTo(st.White, mean, st.Dark)
		spd := e.cfg.Low.Spectrum(st.White)
		if br := BandRatio(spd, e.cfg.Ref.White); !inWindow(br, e.cfg.Filter) {
			return fmt.Errorf("white tile blue/red %.3f with %s filter: %w", br, e.cfg.Filter, models.ErrWhiteReference)
		}
		floor := 1e-6 * math.Max(floats.Max(spd), 1)
		factors(st.CalFactor, e.cfg.Ref.White, spd, floor)
		factors(st.CalHi, e.cfg.Ref.WhiteHi, e.cfg.High.Spectrum(st.White), floor)
		st.CalValid, st.CalTime = true, e.cfg.Now()
		st.TransWarn = false
		return nil
	}
	return fmt.Errorf("white tile after %d passes, ratio %.3f: %w", maxPasses, r, outOfRange(r))
}

func inWindow(br float64, f models.Filter) bool {
	lo, hi := bandWindow(f)
	return br >= lo && br <= hi
}

// transmissiveWhite reads the transmission source with no sample in place.
// Only the adaptive spot mode re-optimises; its dark is reconstructed from
// the bracket at the new setting.
func (e *Engine) transmissiveWhite(ctx context.Context, st *models.ModeState) (bool, error) {
	if !st.DarkReady() {
		return false, fmt.Errorf("%s white before dark: %w", st.Mode, models.ErrNeedsCalibration)
	}
	lo, hi := window(st.Mode)
	bracket := st.Mode.UsesBracketDark()
	st.CalValid = false
	st.Cal = models.WhitePending
	r := 1.0
	for pass := 0; pass < maxPasses; pass++ {
		mean, s, status, err := e.reading(ctx, st.Mode, Request{IntTime: st.IntTime, Gain: st.Gain})
		if err != nil {
			return false, err
		}
		r = e.ratio(s.Peaks)
		if r < lo || r > hi {
			if !bracket {
				return false, fmt.Errorf("transmission white ratio %.3f: %w", r, outOfRange(r))
			}
			t, g, err := e.Optimise(s.IntTime, s.Gain, r, false)
			if err != nil {
				return false, err
			}
			st.IntTime, st.Gain = t, g
			continue
		}
		if status.Has(patch.Saturated) {
			return false, fmt.Errorf("transmission white: %w", models.ErrSensorSaturated)
		}
		if status.Has(patch.Inconsistent) {
			return false, fmt.Errorf("transmission white: %w", models.ErrWhiteInconsistent)
		}
		if bracket {
			st.IntTime = s.IntTime
			if err := e.DarkFor(st, st.IntTime, st.Gain, st.Dark); err != nil {
				return false, err
			}
		}
		floats.SubTo(st.White, mean, st.Dark)
		spd := e.cfg.Low.Spectrum(st.White)
		specHi := e.cfg.High.Spectrum(st.White)
		warn := clampedInverse(st.CalFactor, spd)
		if clampedInverse(st.CalHi, specHi) {
			warn = true
		}
		st.CalValid, st.CalTime = true, e.cfg.Now()
		st.TransWarn = warn
		if warn {
			e.log.Warn().Str("mode", st.Mode.String()).Msg("transmission white is weak at some wavelengths")
		}
		return warn, nil
	}
	return false, fmt.Errorf("transmission white after %d passes, ratio %.3f: %w", maxPasses, r, outOfRange(r))
}

// clampedInverse fills dst with 1/spd, clamping spd at TransFloor of its
// mean. It reports whether any value was clamped.
func clampedInverse(dst, spd []float64) bool {
	floor := math.Max(TransFloor*floats.Sum(spd)/float64(len(spd)), 1e-12)
	clamped := false
	for i, v := range spd {
		if v < floor {
			v = floor
			clamped = true
		}
		dst[i] = 1 / v
	}
	return clamped
}

// displayIntTime measures the display and fixes the display mode's
// integration time and its two fallbacks. The dark no longer matches and
// must be redone.
func (e *Engine) displayIntTime(ctx context.Context, st *models.ModeState) error {
	_, s, _, err := e.reading(ctx, st.Mode, Request{IntTime: st.IntTime, Gain: st.Gain})
	if err != nil {
		return err
	}
	t, g, err := e.Optimise(s.IntTime, s.Gain, e.ratio(s.Peaks), true)
	if err != nil {
		return err
	}
	st.IntTime, st.Gain = e.cfg.Sensor.ActualIntTime(t), g
	st.AltIntTime = e.altTimes(st.IntTime)
	st.DarkValid = false
	return nil
}
