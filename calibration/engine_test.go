package calibration

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/CK6170/spectro-go/eeprom"
	"github.com/CK6170/spectro-go/models"
	"github.com/CK6170/spectro-go/protocol/sim"
	"github.com/CK6170/spectro-go/spectral"
)

// fakeLight produces uniform readings: dark counts growing with time plus a
// lamp and a source term in counts per second.
type fakeLight struct {
	sn       *spectral.Sensor
	lamp     float64
	src      float64
	dark0    float64
	darkRate float64
	jitter   []float64
	reqs     []Request
	onSample func(models.Mode)
}

func (f *fakeLight) Sample(_ context.Context, m models.Mode, req Request) (*Sample, error) {
	f.reqs = append(f.reqs, req)
	if f.onSample != nil {
		f.onSample(m)
	}
	t := f.sn.ActualIntTime(req.IntTime)
	gr := 1.0
	if req.Gain == models.GainHigh {
		gr = f.sn.HighGainRatio
	}
	rate := f.src
	if req.Lamp {
		rate += f.lamp
	}
	raw := math.Min(f.dark0+f.darkRate*t+rate*t*gr, 65535)
	s := &Sample{IntTime: t, Gain: req.Gain}
	for i := 0; i < req.NumMeas; i++ {
		v := raw
		if i < len(f.jitter) {
			v *= f.jitter[i]
		}
		row := make([]float64, models.NRaw)
		for ch := range row {
			row[ch] = v / f.sn.Scale(t, req.Gain)
		}
		s.Rows = append(s.Rows, row)
		s.Peaks = append(s.Peaks, v)
	}
	return s, nil
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func newEngine(t *testing.T, light *fakeLight) (*Engine, *clock) {
	t.Helper()
	img, err := sim.Image()
	if err != nil {
		t.Fatal(err)
	}
	st, err := eeprom.Parse(img)
	if err != nil {
		t.Fatal(err)
	}
	sn, err := spectral.SensorFromStore(st)
	if err != nil {
		t.Fatal(err)
	}
	lo, err := spectral.FilterFromStore(st)
	if err != nil {
		t.Fatal(err)
	}
	hi, err := lo.HighRes()
	if err != nil {
		t.Fatal(err)
	}
	var ref [3][]float64
	var refHi [3][]float64
	for i, key := range []eeprom.Key{eeprom.KeyWhiteRef, eeprom.KeyEmisCoef, eeprom.KeyAmbCoef} {
		ref[i], _ = st.Doubles(key)
		if refHi[i], err = spectral.Resample(models.Wavelengths(false), ref[i], models.Wavelengths(true)); err != nil {
			t.Fatal(err)
		}
	}
	light.sn = sn
	c := &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	var times [models.NumModes]float64
	for _, m := range models.AllModes {
		switch {
		case m.Flags().Has(models.Scan):
			times[m] = sim.ScanIntTime
		case m.Flags().Has(models.Reflective):
			times[m] = sim.RefIntTime
		default:
			times[m] = sim.EmisIntTime
		}
	}
	e := New(Config{
		Sensor: sn,
		Low:    lo,
		High:   hi,
		Ref: Reference{
			White: ref[0], WhiteHi: refHi[0],
			Emis: ref[1], EmisHi: refHi[1],
			Amb: ref[2], AmbHi: refHi[2],
		},
		IntTimes: times,
		Now:      c.now,
		Log:      zerolog.Nop(),
	}, light)
	return e, c
}

func TestNeedsFreshInstrument(t *testing.T) {
	e, _ := newEngine(t, &fakeLight{})
	for _, tc := range []struct {
		mode models.Mode
		cal  models.CalType
		cond models.Condition
	}{
		{models.RefSpot, models.CalReflectiveWhite, models.CondReflectiveWhite},
		{models.RefScan, models.CalReflectiveWhite, models.CondReflectiveWhite},
		{models.EmisSpot, models.CalEmissiveDark, models.CondEmissiveDark},
		{models.AmbFlash, models.CalEmissiveDark, models.CondEmissiveDark},
		{models.TransSpot, models.CalTransmissiveDark, models.CondTransmissiveDark},
	} {
		ct, cond := e.Needs(tc.mode)
		if ct != tc.cal || cond != tc.cond {
			t.Fatalf("%s needs %s/%s, want %s/%s", tc.mode, ct, cond, tc.cal, tc.cond)
		}
	}
}

func TestCalibrateWrongConditionMeasuresNothing(t *testing.T) {
	light := &fakeLight{lamp: 1.5e6}
	e, _ := newEngine(t, light)
	_, err := e.Calibrate(context.Background(), models.RefSpot, models.CalAll, models.CondNone)
	var retry *models.RetryWithCondition
	if !errors.As(err, &retry) || retry.Expected != models.CondReflectiveWhite {
		t.Fatalf("err = %v", err)
	}
	if len(light.reqs) != 0 {
		t.Fatalf("%d readings taken", len(light.reqs))
	}
}

func TestCalibrateTypeNotForMode(t *testing.T) {
	e, _ := newEngine(t, &fakeLight{})
	_, err := e.Calibrate(context.Background(), models.EmisSpot, models.CalReflectiveWhite, models.CondReflectiveWhite)
	if !errors.Is(err, models.ErrUnsupportedMode) {
		t.Fatalf("err = %v", err)
	}
}

func TestReflectiveWhiteFactors(t *testing.T) {
	// 30000 counts at the nominal 20ms
	light := &fakeLight{lamp: 1.5e6}
	e, _ := newEngine(t, light)
	res, err := e.Calibrate(context.Background(), models.RefSpot, models.CalReflectiveWhite, models.CondReflectiveWhite)
	if err != nil {
		t.Fatal(err)
	}
	if res.Next != models.CalNone {
		t.Fatalf("still needs %s", res.Next)
	}
	st := e.State(models.RefSpot)
	if !st.Ready() || st.Cal != models.Calibrated {
		t.Fatalf("state %s", st.Cal)
	}
	for i, f := range st.CalFactor {
		want := sim.WhiteRef(i) / 1.5e6
		if math.Abs(f-want)/want > 1e-6 {
			t.Fatalf("factor %d = %g, want %g", i, f, want)
		}
	}
	if math.Abs(st.IntTime-sim.RefIntTime) > 1e-8 {
		t.Fatalf("integration time moved to %v", st.IntTime)
	}
}

func TestReflectiveWhiteReoptimises(t *testing.T) {
	// twice the optimal level saturates at the nominal time
	light := &fakeLight{lamp: 3e6}
	e, _ := newEngine(t, light)
	if _, err := e.Calibrate(context.Background(), models.RefSpot, models.CalReflectiveWhite, models.CondReflectiveWhite); err != nil {
		t.Fatal(err)
	}
	st := e.State(models.RefSpot)
	if math.Abs(st.IntTime-0.01) > 1e-8 {
		t.Fatalf("integration time %v, want 0.01", st.IntTime)
	}
	if want := sim.WhiteRef(0) / 3e6; math.Abs(st.CalFactor[0]-want)/want > 1e-6 {
		t.Fatalf("factor = %g, want %g", st.CalFactor[0], want)
	}
}

func TestReflectiveWhiteTooDim(t *testing.T) {
	e, _ := newEngine(t, &fakeLight{lamp: 10})
	_, err := e.Calibrate(context.Background(), models.RefScan, models.CalReflectiveWhite, models.CondReflectiveWhite)
	if !errors.Is(err, models.ErrLightTooLow) {
		t.Fatalf("err = %v", err)
	}
	if e.State(models.RefScan).CalValid {
		t.Fatalf("failed calibration left factors valid")
	}
}

func TestDarkInconsistent(t *testing.T) {
	e, _ := newEngine(t, &fakeLight{lamp: 1.5e6, dark0: 1000, jitter: []float64{1, 1.5, 1, 1}})
	_, err := e.Calibrate(context.Background(), models.RefSpot, models.CalReflectiveWhite, models.CondReflectiveWhite)
	if !errors.Is(err, models.ErrDarkInconsistent) {
		t.Fatalf("err = %v", err)
	}
}

func TestBracketDarkInterpolation(t *testing.T) {
	light := &fakeLight{dark0: 100, darkRate: 2000}
	e, _ := newEngine(t, light)
	res, err := e.Calibrate(context.Background(), models.EmisSpot, models.CalEmissiveDark, models.CondEmissiveDark)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Broadcast) != 1 || res.Broadcast[0] != models.AmbSpot {
		t.Fatalf("shared with %v", res.Broadcast)
	}
	if res.Next != models.CalNone {
		t.Fatalf("still needs %s", res.Next)
	}
	st := e.State(models.EmisSpot)
	out := make([]float64, models.NRaw)
	for _, g := range []models.Gain{models.GainNormal, models.GainHigh} {
		const it = 0.3
		if err := e.DarkFor(st, it, g, out); err != nil {
			t.Fatal(err)
		}
		want := (100 + 2000*it) / e.Sensor().Scale(it, g)
		if math.Abs(out[7]-want)/want > 1e-9 {
			t.Fatalf("%s gain dark = %v, want %v", g, out[7], want)
		}
	}
	amb := e.State(models.AmbSpot)
	if !amb.Ready() {
		t.Fatalf("ambient spot not ready after shared dark")
	}
	// emissive factors are per mode
	if amb.CalFactor[0] == st.CalFactor[0] && st.CalFactor[0] != 0 {
		t.Fatalf("factors shared between emissive and ambient")
	}
}

func TestDisplayIntTimeInvalidatesDark(t *testing.T) {
	light := &fakeLight{}
	e, _ := newEngine(t, light)
	ctx := context.Background()
	if _, err := e.Calibrate(ctx, models.EmisSpotNA, models.CalEmissiveDark, models.CondEmissiveDark); err != nil {
		t.Fatal(err)
	}
	light.src = 6e5 // 60000 counts at 100ms
	res, err := e.Calibrate(ctx, models.EmisSpotNA, models.CalDisplayIntTime, models.CondDisplay)
	if err != nil {
		t.Fatal(err)
	}
	if res.Next != models.CalEmissiveDark || res.NextCondition != models.CondEmissiveDark {
		t.Fatalf("next = %s/%s", res.Next, res.NextCondition)
	}
	st := e.State(models.EmisSpotNA)
	if math.Abs(st.IntTime-0.05) > 1e-8 {
		t.Fatalf("display time %v", st.IntTime)
	}
	if math.Abs(st.AltIntTime[0]-0.025) > 1e-8 || math.Abs(st.AltIntTime[1]-0.0125) > 1e-8 {
		t.Fatalf("fallback times %v", st.AltIntTime)
	}
}

func TestTransmissiveFlow(t *testing.T) {
	light := &fakeLight{dark0: 50}
	e, _ := newEngine(t, light)
	ctx := context.Background()
	if _, err := e.Calibrate(ctx, models.TransSpot, models.CalTransmissiveWhite, models.CondTransmissiveWhite); !errors.Is(err, models.ErrNeedsCalibration) {
		t.Fatalf("white before dark: %v", err)
	}
	res, err := e.Calibrate(ctx, models.TransSpot, models.CalAll, models.CondTransmissiveDark)
	if err != nil {
		t.Fatal(err)
	}
	if res.Next != models.CalTransmissiveWhite {
		t.Fatalf("next = %s", res.Next)
	}
	light.src = 1e6 // off target at 100ms, the spot mode re-optimises
	res, err = e.Calibrate(ctx, models.TransSpot, models.CalAll, models.CondTransmissiveWhite)
	if err != nil {
		t.Fatal(err)
	}
	if res.Next != models.CalNone || res.TransmissiveWhiteWarning {
		t.Fatalf("result %+v", res)
	}
	st := e.State(models.TransSpot)
	if math.Abs(st.IntTime-0.03) > 2e-4 {
		t.Fatalf("optimised time %v", st.IntTime)
	}
	if want := 1 / 1e6; math.Abs(st.CalFactor[10]-want)/want > 1e-3 {
		t.Fatalf("factor %g, want %g", st.CalFactor[10], want)
	}
}

func TestTransmissiveScanDoesNotOptimise(t *testing.T) {
	light := &fakeLight{}
	e, _ := newEngine(t, light)
	ctx := context.Background()
	if _, err := e.Calibrate(ctx, models.TransScan, models.CalTransmissiveDark, models.CondTransmissiveDark); err != nil {
		t.Fatal(err)
	}
	light.src = 1e3
	if _, err := e.Calibrate(ctx, models.TransScan, models.CalTransmissiveWhite, models.CondTransmissiveWhite); !errors.Is(err, models.ErrLightTooLow) {
		t.Fatalf("err = %v", err)
	}
}

func TestCalibrationExpires(t *testing.T) {
	e, c := newEngine(t, &fakeLight{lamp: 1.5e6})
	if _, err := e.Calibrate(context.Background(), models.RefSpot, models.CalAll, models.CondReflectiveWhite); err != nil {
		t.Fatal(err)
	}
	c.t = c.t.Add(models.CalExpiry + time.Minute)
	if ct, _ := e.Needs(models.RefSpot); ct != models.CalReflectiveWhite {
		t.Fatalf("after expiry needs %s", ct)
	}
	// emissive factors come from EEPROM and never expire
	if !e.State(models.EmisSpot).CalValid {
		t.Fatalf("emissive factors expired")
	}
}

func TestOptimise(t *testing.T) {
	e, _ := newEngine(t, &fakeLight{})
	if tt, g, err := e.Optimise(0.1, models.GainNormal, 2, false); err != nil || g != models.GainNormal || math.Abs(tt-0.2) > 1e-12 {
		t.Fatalf("x2: %v %s %v", tt, g, err)
	}
	if _, _, err := e.Optimise(1, models.GainNormal, 10, false); !errors.Is(err, models.ErrLightTooLow) {
		t.Fatalf("too dim without high gain: %v", err)
	}
	if tt, _, err := e.Optimise(1, models.GainNormal, 10, true); err != nil || tt != sim.MaxIntTime {
		t.Fatalf("clipped: %v %v", tt, err)
	}
	if _, _, err := e.Optimise(0.01, models.GainNormal, 0.1, false); !errors.Is(err, models.ErrLightTooHigh) {
		t.Fatalf("too bright: %v", err)
	}
	e.cfg.PermitHighGain = true
	tt, g, err := e.Optimise(1, models.GainNormal, 10, false)
	if err != nil || g != models.GainHigh || math.Abs(tt-10/sim.HighGainRatio) > 1e-12 {
		t.Fatalf("high gain: %v %s %v", tt, g, err)
	}
	// back to normal gain once the light allows it
	tt, g, err = e.Optimise(1, models.GainHigh, 0.25, false)
	if err != nil || g != models.GainNormal || math.Abs(tt-2) > 1e-12 {
		t.Fatalf("high to normal: %v %s %v", tt, g, err)
	}
}

func TestBandRatio(t *testing.T) {
	ref := make([]float64, models.NWav)
	spd := make([]float64, models.NWav)
	for i := range ref {
		ref[i] = sim.WhiteRef(i)
		spd[i] = 1
	}
	br := BandRatio(spd, ref)
	if !inWindow(br, models.FilterNone) {
		t.Fatalf("flat tile ratio %v out of window", br)
	}
	for i := range spd {
		if models.Wavelengths(false)[i] <= 440 {
			spd[i] = 0.1
		}
	}
	if br := BandRatio(spd, ref); inWindow(br, models.FilterNone) || !inWindow(br, models.FilterUVCut) {
		t.Fatalf("blue cut ratio %v", br)
	}
}

// stateTrace records the calibration state of each mode whenever a reading
// is taken, collapsing repeats.
type stateTrace map[models.Mode][]models.CalState

func (tr stateTrace) add(m models.Mode, cs models.CalState) {
	seq := tr[m]
	if len(seq) == 0 || seq[len(seq)-1] != cs {
		tr[m] = append(seq, cs)
	}
}

func TestCalibrationStateTransitions(t *testing.T) {
	light := &fakeLight{dark0: 50, lamp: 1.5e6}
	e, _ := newEngine(t, light)
	tr := stateTrace{}
	light.onSample = func(m models.Mode) { tr.add(m, e.State(m).Cal) }
	ctx := context.Background()

	calibrate := func(m models.Mode, ct models.CalType, cond models.Condition) {
		t.Helper()
		if _, err := e.Calibrate(ctx, m, ct, cond); err != nil {
			t.Fatalf("%s %s: %v", m, ct, err)
		}
		tr.add(m, e.State(m).Cal)
	}
	equal := func(m models.Mode, want ...models.CalState) {
		t.Helper()
		got := tr[m]
		if len(got) != len(want) {
			t.Fatalf("%s states %v, want %v", m, got, want)
		}
		for i := range want {
			if got[i] != want[i] {
				t.Fatalf("%s states %v, want %v", m, got, want)
			}
		}
	}

	calibrate(models.RefSpot, models.CalReflectiveWhite, models.CondReflectiveWhite)
	equal(models.RefSpot, models.BlackPending, models.WhitePending, models.Calibrated)

	calibrate(models.EmisSpot, models.CalEmissiveDark, models.CondEmissiveDark)
	equal(models.EmisSpot, models.AdaptiveBlackPending, models.Calibrated)

	calibrate(models.TransSpot, models.CalTransmissiveDark, models.CondTransmissiveDark)
	equal(models.TransSpot, models.AdaptiveBlackPending, models.BlackDone)
	light.lamp, light.src = 0, 1e6
	calibrate(models.TransSpot, models.CalTransmissiveWhite, models.CondTransmissiveWhite)
	equal(models.TransSpot, models.AdaptiveBlackPending, models.BlackDone, models.WhitePending, models.Calibrated)

	light.src = 0
	calibrate(models.TransScan, models.CalTransmissiveDark, models.CondTransmissiveDark)
	equal(models.TransScan, models.BlackPending, models.BlackDone)
}
