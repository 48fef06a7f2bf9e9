package spectral

import (
	"math"
	"testing"

	"github.com/CK6170/spectro-go/eeprom"
	"github.com/CK6170/spectro-go/models"
	"github.com/CK6170/spectro-go/protocol"
)

func testSensor() *Sensor {
	return &Sensor{
		ClockPeriod:   1e-4,
		MinIntTime:    0.0025,
		MaxIntTime:    4,
		SatThresh:     [2]float64{60000, 55000},
		Target:        30000,
		HighGainRatio: 8,
		Lin: [2][4]float64{
			{12, 0.98, 2.1e-6, -1.5e-11},
			{-4, 1.02, -1.0e-6, 8e-12},
		},
	}
}

func TestLinearizeRoundTrip(t *testing.T) {
	sn := testSensor()
	raw := make([]float64, 0, 200)
	for v := 0.0; v <= 65535; v += 331 {
		raw = append(raw, v)
	}
	abs := make([]float64, len(raw))
	for _, g := range []models.Gain{models.GainNormal, models.GainHigh} {
		for _, it := range []float64{sn.MinIntTime, 0.02, 0.5, sn.MaxIntTime} {
			for _, sub := range []bool{false, true} {
				sh := 0.0
				if sub {
					sh = 180
				}
				in := make([]float64, len(raw))
				for i, v := range raw {
					in[i] = v + sh
				}
				sn.Linearize(in, sh, sub, it, g, abs)
				for i := range in {
					if got := sn.Delinearize(abs[i], sh, sub, it, g); got != in[i] {
						t.Fatalf("gain %v t %v: raw %v -> %v", g, it, in[i], got)
					}
				}
			}
		}
	}
}

func TestLinearizeNormalisesTimeAndGain(t *testing.T) {
	sn := testSensor()
	sn.Lin = [2][4]float64{{0, 1, 0, 0}, {0, 1, 0, 0}}
	out := make([]float64, 1)
	sn.Linearize([]float64{1000}, 0, false, 0.5, models.GainNormal, out)
	if out[0] != 2000 {
		t.Fatalf("normal = %v", out[0])
	}
	sn.Linearize([]float64{1000}, 0, false, 0.5, models.GainHigh, out)
	if out[0] != 250 {
		t.Fatalf("high = %v", out[0])
	}
}

func TestDecodeBlockDuplicatesEdges(t *testing.T) {
	blk := make([]byte, protocol.BlockSize)
	for i := 0; i < Pixels; i++ {
		protocol.PutUint16(blk[2*i:], uint16(100+i))
	}
	protocol.PutUint16(blk[2*Pixels:], 77)
	out := make([]float64, models.NRaw)
	sh := DecodeBlock(blk, out)
	if sh != 77 {
		t.Fatalf("shielded = %v", sh)
	}
	if out[0] != 100 || out[1] != 100 || out[126] != 225 || out[127] != 225 {
		t.Fatalf("edges = %v %v %v %v", out[0], out[1], out[126], out[127])
	}
}

func testFilter(t *testing.T) *FilterTable {
	t.Helper()
	var start, count []int32
	var coefs []float64
	for i := 0; i < models.NWav; i++ {
		c := 1 + (380+10*float64(i)-360)/3.2
		i0 := math.Floor(c)
		f := c - i0
		start = append(start, int32(i0))
		count = append(count, 2)
		coefs = append(coefs, 1-f, f)
	}
	ft, err := NewFilterTable(start, count, coefs)
	if err != nil {
		t.Fatalf("filter: %v", err)
	}
	return ft
}

func TestFilterApplyFlat(t *testing.T) {
	ft := testFilter(t)
	raw := make([]float64, models.NRaw)
	for i := range raw {
		raw[i] = 5
	}
	for i, v := range ft.Spectrum(raw) {
		if math.Abs(v-5) > 1e-12 {
			t.Fatalf("out[%d] = %v", i, v)
		}
	}
}

func TestHighResPreservesFlatAndRamp(t *testing.T) {
	ft := testFilter(t)
	hi, err := ft.HighRes()
	if err != nil {
		t.Fatalf("high res: %v", err)
	}
	if hi.Len() != models.NWavHi {
		t.Fatalf("len = %d", hi.Len())
	}
	// a raw ramp proportional to wavelength must come out as the wavelength
	raw := make([]float64, models.NRaw)
	for s := range raw {
		raw[s] = 360 + 3.2*(float64(s)-1)
	}
	wl := models.Wavelengths(true)
	for j, v := range hi.Spectrum(raw) {
		if math.Abs(v-wl[j]) > 0.5 {
			t.Fatalf("hi[%d] = %v, want %v", j, v, wl[j])
		}
	}
}

func TestFilterTableRejectsOverrun(t *testing.T) {
	_, err := NewFilterTable([]int32{126}, []int32{4}, []float64{1, 1, 1, 1})
	if err == nil {
		t.Fatalf("expected error")
	}
}

func TestSensorFromStore(t *testing.T) {
	img, err := eeprom.NewBuilder().
		Ints(eeprom.KeyLogMeasCount, 0).
		Doubles(eeprom.KeyIntClockPeriod, 1e-4).
		Doubles(eeprom.KeyMinIntTime, 0.0025).
		Doubles(eeprom.KeyMaxIntTime, 4).
		Ints(eeprom.KeySatThreshold, 60000, 55000).
		Ints(eeprom.KeySensorTarget, 30000).
		Doubles(eeprom.KeyHighGainRatio, 8).
		Ints(eeprom.KeyCapabilities, eeprom.CapHighGain).
		Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	st, err := eeprom.Parse(img)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	sn, err := SensorFromStore(st)
	if err != nil {
		t.Fatalf("sensor: %v", err)
	}
	if !sn.HighGain || sn.SatThresh[models.GainHigh] != 55000 || sn.Target != 30000 {
		t.Fatalf("sensor %+v", sn)
	}
	if sn.Lin[models.GainNormal][1] != 1 {
		t.Fatalf("default polynomial not identity: %v", sn.Lin)
	}
	if c := sn.Clocks(0.02); c != 200 {
		t.Fatalf("clocks = %d", c)
	}
}
