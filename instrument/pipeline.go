package instrument

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/floats"

	"github.com/CK6170/spectro-go/calibration"
	"github.com/CK6170/spectro-go/colorimetry"
	"github.com/CK6170/spectro-go/eeprom"
	"github.com/CK6170/spectro-go/models"
	"github.com/CK6170/spectro-go/patch"
	"github.com/CK6170/spectro-go/protocol"
	"github.com/CK6170/spectro-go/spectral"
)

// sampler adapts the device to calibration.Sampler.
type sampler struct{ d *Device }

func (s sampler) Sample(ctx context.Context, _ models.Mode, req calibration.Request) (*calibration.Sample, error) {
	return s.d.take(ctx, req, false, true)
}

// take sets up, triggers and reads one measurement and returns the
// linearised rows in absolute units with their raw peaks.
func (d *Device) take(ctx context.Context, req calibration.Request, scan, calibrating bool) (*calibration.Sample, error) {
	sn := d.sensor
	n := req.NumMeas
	if n <= 0 {
		n = d.opts.NumMeas
	}
	p := protocol.MeasureParams{IntClocks: sn.Clocks(req.IntTime), NumMeas: uint16(n)}
	if req.Lamp {
		p.LampClocks = uint16(sn.LampClocks)
	} else {
		p.ModeFlags |= protocol.FlagNoLamp
	}
	if req.Gain == models.GainHigh {
		p.ModeFlags |= protocol.FlagHighGain
	}
	if scan {
		p.ModeFlags |= protocol.FlagScan
		n = d.opts.MaxScanBlocks
	}
	if calibrating {
		p.ModeFlags |= protocol.FlagCalibrate
	}
	if err := d.in.SetMeasureParams(ctx, p); err != nil {
		return nil, err
	}
	t := float64(p.IntClocks) * sn.ClockPeriod
	buf := make([]byte, n*protocol.BlockSize)

	reply := d.trig.Fire(d.opts.TriggerDelay)
	timeout := d.in.Timeout + d.opts.TriggerDelay + time.Duration(float64(n)*t*float64(time.Second))
	got, rerr := d.in.ReadMeasurement(ctx, buf, scan, timeout)
	if terr := <-reply; terr != nil {
		return nil, terr
	}
	if rerr != nil {
		return nil, rerr
	}
	if got == 0 {
		return nil, fmt.Errorf("measurement returned no blocks: %w", models.ErrHardwareFault)
	}

	sub := d.in.SameReadSubtract()
	s := &calibration.Sample{
		Rows:    make([][]float64, got),
		Peaks:   make([]float64, got),
		IntTime: t,
		Gain:    req.Gain,
	}
	for b := 0; b < got; b++ {
		raw := make([]float64, models.NRaw)
		sh := spectral.DecodeBlock(buf[b*protocol.BlockSize:(b+1)*protocol.BlockSize], raw)
		s.Peaks[b] = spectral.Peak(raw)
		sn.Linearize(raw, sh, sub, t, req.Gain, raw)
		s.Rows[b] = raw
	}
	if req.Lamp {
		d.addLampTime(t * float64(got))
	}
	return s, nil
}

func (d *Device) addLampTime(sec float64) {
	v, ok := d.store.Double(eeprom.KeyLogLampSeconds)
	if !ok {
		return
	}
	if err := d.store.SetDoubles(eeprom.KeyLogLampSeconds, []float64{v + sec}); err != nil {
		d.log.Debug().Err(err).Msg("lamp time not updated")
	}
}

// poll asks the Interrupter whether the operator triggered or aborted.
func (d *Device) poll() (bool, error) {
	if d.opts.Interrupter == nil {
		return false, nil
	}
	switch err := d.opts.Interrupter.Poll(); {
	case err == nil:
		return false, nil
	case errors.Is(err, models.ErrUserTrigger):
		return true, nil
	default:
		return false, err
	}
}

// waitTrigger blocks until the switch is pressed or the operator triggers
// through the Interrupter. Without WaitForSwitch only a pending abort stops
// the measurement.
func (d *Device) waitTrigger(ctx context.Context) error {
	if !d.opts.WaitForSwitch {
		_, err := d.poll()
		return err
	}
	d.sw.drain()
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-d.sw.triggers:
			return nil
		case <-tick.C:
			trig, err := d.poll()
			if err != nil {
				return err
			}
			if trig {
				return nil
			}
		}
	}
}

// Measure takes a calibrated reading in mode m. Scan modes return one
// reading per patch; patches is ignored by spot and flash modes.
func (d *Device) Measure(ctx context.Context, m models.Mode, patches int) ([]models.Reading, error) {
	if err := d.ready(); err != nil {
		return nil, err
	}
	if err := d.supported(m); err != nil {
		return nil, err
	}
	if !d.op.TryLock() {
		return nil, models.ErrBusy
	}
	defer d.op.Unlock()

	if ct, cond := d.eng.Needs(m); ct != models.CalNone {
		return nil, fmt.Errorf("%s needs %s calibration (%s): %w", m, ct, cond, models.ErrNeedsCalibration)
	}
	if err := d.waitTrigger(ctx); err != nil {
		return nil, err
	}

	st := d.eng.State(m)
	lg := d.log.With().Str("mode", m.String()).Logger()
	var out []models.Reading
	var err error
	switch f := m.Flags(); {
	case f.Has(models.Flash):
		out, err = d.measureFlash(ctx, st)
	case f.Has(models.Scan):
		out, err = d.measureScan(ctx, st, patches)
	default:
		out, err = d.measureSpot(ctx, st)
	}
	if err != nil {
		lg.Warn().Err(err).Msg("measurement failed")
		return nil, err
	}
	if err := d.store.AddInt(eeprom.KeyLogMeasCount, 1); err != nil {
		lg.Debug().Err(err).Msg("usage log not updated")
	}
	lg.Info().Int("readings", len(out)).Msg("measurement complete")
	return out, nil
}

// brightness is the source level relative to the sensor target, used to
// widen the consistency tolerance for dim sources.
func (d *Device) brightness(m models.Mode, peaks []float64) float64 {
	if m.Flags().Has(models.Reflective) || len(peaks) == 0 {
		return 1
	}
	return floats.Max(peaks) / d.sensor.Target
}

// spot takes a spot reading at t and g and averages it.
func (d *Device) spot(ctx context.Context, m models.Mode, t float64, g models.Gain) ([]float64, *calibration.Sample, patch.Status, error) {
	lamp := m.Flags().Has(models.Reflective)
	s, err := d.take(ctx, calibration.Request{IntTime: t, Gain: g, Lamp: lamp}, false, false)
	if err != nil {
		return nil, nil, 0, err
	}
	mean, status := patch.Average(s.Rows, s.Peaks, d.sensor.SatThresh[g], d.brightness(m, s.Peaks))
	return mean, s, status, nil
}

func (d *Device) measureSpot(ctx context.Context, st *models.ModeState) ([]models.Reading, error) {
	m := st.Mode
	t, g := st.IntTime, st.Gain
	dark := st.Dark

	switch {
	case m == models.RefSpot:
		s, err := d.take(ctx, calibration.Request{IntTime: t, Gain: g}, false, false)
		if err != nil {
			return nil, err
		}
		mean, status := patch.Average(s.Rows, s.Peaks, d.sensor.SatThresh[g], 1)
		switch {
		case status.Has(patch.Saturated):
			return nil, fmt.Errorf("dark: %w", models.ErrSensorSaturated)
		case status.Has(patch.Inconsistent):
			return nil, fmt.Errorf("dark: %w", models.ErrDarkInconsistent)
		}
		dark = mean
	case m.UsesBracketDark():
		var err error
		if t, g, err = d.adapt(ctx, st); err != nil {
			return nil, err
		}
		dark = make([]float64, models.NRaw)
		if err := d.eng.DarkFor(st, t, g, dark); err != nil {
			return nil, err
		}
	}

	mean, _, status, err := d.spot(ctx, m, t, g)
	if err != nil {
		return nil, err
	}
	if m == models.EmisSpotNA {
		for k := 0; k < len(st.AltIntTime) && status.Has(patch.Saturated); k++ {
			d.log.Debug().Float64("inttime", st.AltIntTime[k]).Msg("display saturated, trying shorter time")
			t, dark = st.AltIntTime[k], st.AltDark[k]
			if mean, _, status, err = d.spot(ctx, m, t, g); err != nil {
				return nil, err
			}
		}
	}
	if status.Has(patch.Saturated) {
		return nil, fmt.Errorf("%s at %.4fs: %w", m, t, models.ErrSensorSaturated)
	}
	if status.Has(patch.Inconsistent) {
		d.log.Warn().Str("mode", m.String()).Msg("readings inconsistent")
	}
	floats.Sub(mean, dark)
	r, err := d.reading(st, mean, 0)
	if err != nil {
		return nil, err
	}
	return []models.Reading{r}, nil
}

// adapt takes trial readings to find the integration time and gain that put
// the peak at the sensor target. Trial readings that saturate are repeated
// at the reduced time.
func (d *Device) adapt(ctx context.Context, st *models.ModeState) (float64, models.Gain, error) {
	t, g := st.IntTime, st.Gain
	for pass := 0; pass < 3; pass++ {
		_, s, status, err := d.spot(ctx, st.Mode, t, g)
		if err != nil {
			return 0, 0, err
		}
		r := d.sensor.Target / math.Max(floats.Max(s.Peaks), 1)
		nt, ng, err := d.eng.Optimise(s.IntTime, s.Gain, r, true)
		if err != nil {
			return 0, 0, err
		}
		t, g = d.sensor.ActualIntTime(nt), ng
		if !status.Has(patch.Saturated) {
			break
		}
	}
	d.log.Debug().Str("mode", st.Mode.String()).Float64("inttime", t).Str("gain", g.String()).Msg("adapted")
	return t, g, nil
}

// scanRows takes a scan and subtracts the mode's dark from every row.
func (d *Device) scanRows(ctx context.Context, st *models.ModeState) (*calibration.Sample, error) {
	lamp := st.Mode.Flags().Has(models.Reflective)
	s, err := d.take(ctx, calibration.Request{IntTime: st.IntTime, Gain: st.Gain, Lamp: lamp}, true, false)
	if err != nil {
		return nil, err
	}
	for _, r := range s.Rows {
		floats.Sub(r, st.Dark)
	}
	return s, nil
}

func (d *Device) measureScan(ctx context.Context, st *models.ModeState, patches int) ([]models.Reading, error) {
	if patches < 1 {
		patches = 1
	}
	s, err := d.scanRows(ctx, st)
	if err != nil {
		return nil, err
	}
	res, err := patch.Scan(s.Rows, s.Peaks, patches, patch.Options{
		SatThresh:  d.sensor.SatThresh[st.Gain],
		Brightness: d.brightness(st.Mode, s.Peaks),
	})
	if err != nil {
		return nil, err
	}
	out := make([]models.Reading, 0, len(res))
	for i, p := range res {
		if p.Status.Has(patch.Saturated) {
			return nil, fmt.Errorf("patch %d: %w", i+1, models.ErrSensorSaturated)
		}
		if p.Status.Has(patch.Inconsistent) {
			d.log.Warn().Int("patch", i+1).Msg("patch readings inconsistent")
		}
		r, err := d.reading(st, p.Mean, i)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

func (d *Device) measureFlash(ctx context.Context, st *models.ModeState) ([]models.Reading, error) {
	s, err := d.scanRows(ctx, st)
	if err != nil {
		return nil, err
	}
	for _, pk := range s.Peaks {
		if pk >= d.sensor.SatThresh[st.Gain] {
			return nil, fmt.Errorf("flash: %w", models.ErrSensorSaturated)
		}
	}
	fr, err := patch.Flash(s.Rows, s.IntTime)
	if err != nil {
		return nil, err
	}
	d.log.Debug().Int("start", fr.Pulse.Start).Int("samples", fr.Pulse.Count).Float64("duration", fr.Duration).Msg("flash found")
	r, err := d.reading(st, fr.Energy, 0)
	if err != nil {
		return nil, err
	}
	r.Duration = fr.Duration
	return []models.Reading{r}, nil
}

// reading converts a dark corrected absolute raw vector to a calibrated
// spectrum and its XYZ.
func (d *Device) reading(st *models.ModeState, abs []float64, idx int) (models.Reading, error) {
	filt, factor := d.low, st.CalFactor
	if d.opts.HighRes {
		filt, factor = d.high, st.CalHi
	}
	spd := filt.Spectrum(abs)
	floats.Mul(spd, factor)
	xyz, err := colorimetry.XYZ(st.Mode, spd)
	if err != nil {
		return models.Reading{}, err
	}
	return models.Reading{
		Mode:     st.Mode,
		Spectrum: spd,
		HighRes:  d.opts.HighRes,
		XYZ:      xyz,
		Patch:    idx,
	}, nil
}
