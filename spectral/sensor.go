// Package spectral turns raw sensor blocks into linearised absolute values
// and absolute raw vectors into output wavelength spectra.
package spectral

import (
	"fmt"
	"math"

	"github.com/CK6170/spectro-go/eeprom"
	"github.com/CK6170/spectro-go/models"
	"github.com/CK6170/spectro-go/protocol"
)

// Pixels is the number of physical pixels in a raw block.
const Pixels = 126

// Sensor holds the per-instrument sensor calibration read from EEPROM.
type Sensor struct {
	ClockPeriod   float64 // seconds per integration clock
	MinIntTime    float64
	MaxIntTime    float64
	SatThresh     [2]float64 // raw counts, indexed by Gain
	Target        float64    // optimal raw peak
	HighGainRatio float64
	HighGain      bool // instrument supports high gain
	Lin           [2][4]float64
	LampClocks    int
}

// SensorFromStore decodes the sensor calibration.
func SensorFromStore(s *eeprom.Store) (*Sensor, error) {
	sn := &Sensor{HighGainRatio: 1}
	for key, dst := range map[eeprom.Key]*float64{
		eeprom.KeyIntClockPeriod: &sn.ClockPeriod,
		eeprom.KeyMinIntTime:     &sn.MinIntTime,
		eeprom.KeyMaxIntTime:     &sn.MaxIntTime,
	} {
		v, ok := s.Double(key)
		if !ok {
			return nil, fmt.Errorf("sensor key 0x%04x missing: %w", uint16(key), models.ErrCorruptDirectory)
		}
		*dst = v
	}
	sat, present := s.Ints(eeprom.KeySatThreshold)
	if !present || len(sat) < 1 {
		return nil, fmt.Errorf("saturation threshold missing: %w", models.ErrCorruptDirectory)
	}
	sn.SatThresh[models.GainNormal] = float64(sat[0])
	sn.SatThresh[models.GainHigh] = float64(sat[0])
	if len(sat) > 1 {
		sn.SatThresh[models.GainHigh] = float64(sat[1])
	}
	if v, p := s.Int(eeprom.KeySensorTarget); p {
		sn.Target = float64(v)
	} else {
		sn.Target = 0.5 * sn.SatThresh[models.GainNormal]
	}
	if v, p := s.Double(eeprom.KeyHighGainRatio); p && v > 0 {
		sn.HighGainRatio = v
	}
	if v, p := s.Int(eeprom.KeyCapabilities); p {
		sn.HighGain = v&eeprom.CapHighGain != 0
	}
	if v, p := s.Int(eeprom.KeyLampClocks); p {
		sn.LampClocks = int(v)
	}
	for g, key := range []eeprom.Key{eeprom.KeyLinNormal, eeprom.KeyLinHigh} {
		c, p := s.Doubles(key)
		if !p || len(c) != 4 {
			c = []float64{0, 1, 0, 0}
		}
		copy(sn.Lin[g][:], c)
	}
	if sn.ClockPeriod <= 0 || sn.MinIntTime <= 0 || sn.MaxIntTime < sn.MinIntTime {
		return nil, fmt.Errorf("sensor timing %g/%g/%g: %w", sn.ClockPeriod, sn.MinIntTime, sn.MaxIntTime, models.ErrCorruptDirectory)
	}
	return sn, nil
}

// Clocks converts an integration time to clocks, clamped to the u16 range.
func (sn *Sensor) Clocks(t float64) uint16 {
	c := math.Round(t / sn.ClockPeriod)
	if c < 1 {
		c = 1
	}
	if c > 65535 {
		c = 65535
	}
	return uint16(c)
}

// ActualIntTime is the integration time the instrument really uses for t.
func (sn *Sensor) ActualIntTime(t float64) float64 {
	return float64(sn.Clocks(t)) * sn.ClockPeriod
}

// Scale is the factor converting linearised counts to absolute units.
func (sn *Sensor) Scale(t float64, g models.Gain) float64 {
	if g == models.GainHigh {
		return t * sn.HighGainRatio
	}
	return t
}

// DecodeBlock expands one raw block into NRaw logical samples and returns
// the shielded word.
func DecodeBlock(block []byte, out []float64) (shielded float64) {
	var pix [Pixels]float64
	for i := range pix {
		pix[i] = float64(protocol.Uint16(block[2*i:]))
	}
	out[0] = pix[0]
	copy(out[1:1+Pixels], pix[:])
	out[models.NRaw-1] = pix[Pixels-1]
	return float64(protocol.Uint16(block[2*Pixels:]))
}

// Peak returns the largest raw sample.
func Peak(raw []float64) float64 {
	m := 0.0
	for _, v := range raw {
		if v > m {
			m = v
		}
	}
	return m
}

func poly(c [4]float64, v float64) float64 {
	return c[0] + v*(c[1]+v*(c[2]+v*c[3]))
}

func dpoly(c [4]float64, v float64) float64 {
	return c[1] + v*(2*c[2]+v*3*c[3])
}

// Linearize converts raw counts to absolute units: optional shielded pixel
// subtraction, polynomial correction and division by integration time and
// gain. raw and out may alias.
func (sn *Sensor) Linearize(raw []float64, shielded float64, subtract bool, t float64, g models.Gain, out []float64) {
	c := sn.Lin[g]
	scale := sn.Scale(t, g)
	for i, v := range raw {
		if subtract {
			v -= shielded
		}
		out[i] = poly(c, v) / scale
	}
}

// Delinearize inverts Linearize for one value, returning the integer raw
// count. The polynomial is inverted by Newton iteration.
func (sn *Sensor) Delinearize(abs, shielded float64, subtract bool, t float64, g models.Gain) float64 {
	c := sn.Lin[g]
	want := abs * sn.Scale(t, g)
	v := want
	for i := 0; i < 50; i++ {
		d := dpoly(c, v)
		if d == 0 {
			break
		}
		step := (poly(c, v) - want) / d
		v -= step
		if math.Abs(step) < 1e-9 {
			break
		}
	}
	if subtract {
		v += shielded
	}
	return math.Round(v)
}
