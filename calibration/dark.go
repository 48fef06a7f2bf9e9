package calibration

import (
	"context"
	"fmt"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/CK6170/spectro-go/models"
	"github.com/CK6170/spectro-go/patch"
)

// reading takes and averages one calibration reading.
func (e *Engine) reading(ctx context.Context, m models.Mode, req Request) ([]float64, *Sample, patch.Status, error) {
	if req.NumMeas <= 0 {
		req.NumMeas = e.cfg.NumMeas
	}
	s, err := e.s.Sample(ctx, m, req)
	if err != nil {
		return nil, nil, 0, err
	}
	mean, st := patch.Average(s.Rows, s.Peaks, e.cfg.Sensor.SatThresh[s.Gain], 1)
	return mean, s, st, nil
}

// darkReading is a lamp off reading that must be neither saturated nor
// inconsistent.
func (e *Engine) darkReading(ctx context.Context, m models.Mode, t float64, g models.Gain) ([]float64, *Sample, error) {
	mean, s, st, err := e.reading(ctx, m, Request{IntTime: t, Gain: g})
	switch {
	case err != nil:
		return nil, nil, err
	case st.Has(patch.Saturated):
		return nil, s, fmt.Errorf("dark at %.4fs: %w", s.IntTime, models.ErrSensorSaturated)
	case st.Has(patch.Inconsistent):
		return nil, s, fmt.Errorf("dark at %.4fs: %w", s.IntTime, models.ErrDarkInconsistent)
	}
	return mean, s, nil
}

// black measures the dark reference of a mode with no light reaching the
// sensor: the four point bracket for adaptive emissive and transmissive spot
// modes, a single vector at the mode's integration time otherwise.
func (e *Engine) black(ctx context.Context, st *models.ModeState) error {
	now := e.cfg.Now()
	if st.Mode.UsesBracketDark() {
		st.Cal = models.AdaptiveBlackPending
		st.IDarkValid = false
		sn := e.cfg.Sensor
		for k := range models.IDarkTimes {
			g := models.IDarkGains[k]
			if g == models.GainHigh && !sn.HighGain {
				// no high gain, repeat the normal gain bracket
				copy(st.IDark[k], st.IDark[k-2])
				st.IDarkTimes[k] = st.IDarkTimes[k-2]
				continue
			}
			t := models.IDarkTimes[k]
			if t > sn.MaxIntTime {
				t = sn.MaxIntTime
			}
			mean, s, err := e.darkReading(ctx, st.Mode, t, g)
			if err != nil {
				return err
			}
			floats.ScaleTo(st.IDark[k], sn.Scale(s.IntTime, g), mean)
			st.IDarkTimes[k] = s.IntTime
		}
		st.IDarkValid, st.IDarkTime = true, now
		if err := e.DarkFor(st, st.IntTime, st.Gain, st.Dark); err != nil {
			return err
		}
		st.DarkValid, st.DarkTime = true, now
		st.Settle()
		return nil
	}

	st.Cal = models.BlackPending
	st.DarkValid = false
	mean, s, err := e.darkReading(ctx, st.Mode, st.IntTime, st.Gain)
	if err != nil {
		return err
	}
	copy(st.Dark, mean)
	st.IntTime = s.IntTime
	if st.Mode == models.EmisSpotNA {
		for k, t := range st.AltIntTime {
			alt, as, err := e.darkReading(ctx, st.Mode, t, st.Gain)
			if err != nil {
				return err
			}
			copy(st.AltDark[k], alt)
			st.AltIntTime[k] = as.IntTime
		}
	}
	st.DarkValid, st.DarkTime = true, now
	st.Settle()
	return nil
}

// DarkFor reconstructs the dark reference at integration time t and gain g
// from the mode's bracket, fitting a line per channel through the two
// bracket points of that gain. out is in absolute units.
func (e *Engine) DarkFor(st *models.ModeState, t float64, g models.Gain, out []float64) error {
	if !st.IDarkValid {
		return fmt.Errorf("%s dark bracket: %w", st.Mode, models.ErrNeedsCalibration)
	}
	i0 := 0
	if g == models.GainHigh {
		i0 = 2
	}
	x := []float64{st.IDarkTimes[i0], st.IDarkTimes[i0+1]}
	y := make([]float64, 2)
	scale := e.cfg.Sensor.Scale(t, g)
	for ch := range out {
		y[0], y[1] = st.IDark[i0][ch], st.IDark[i0+1][ch]
		var alpha, beta float64
		if x[0] == x[1] {
			alpha = (y[0] + y[1]) / 2
		} else {
			alpha, beta = stat.LinearRegression(x, y, nil, false)
		}
		out[ch] = (alpha + beta*t) / scale
	}
	return nil
}
