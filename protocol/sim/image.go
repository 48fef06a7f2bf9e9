package sim

import (
	"math"

	"github.com/CK6170/spectro-go/eeprom"
	"github.com/CK6170/spectro-go/models"
	"github.com/CK6170/spectro-go/protocol"
)

// Calibration constants of the simulated instrument.
const (
	Serial        = 1047
	RefIntTime    = 0.02
	EmisIntTime   = 0.1
	ScanIntTime   = 0.0125
	MinIntTime    = 0.0025
	MaxIntTime    = 4.0
	SatNormal     = 60000
	SatHigh       = 55000
	SensorTarget  = 30000
	HighGainRatio = 8.0
	LampClocks    = 100
)

// PixelWavelength is the wavelength seen by logical raw sample s.
func PixelWavelength(s float64) float64 { return 360 + 3.2*(s-1) }

// WhiteRef is the simulated white tile reflectance at output index i.
func WhiteRef(i int) float64 { return 0.85 + 0.002*float64(i) }

// Image returns the EEPROM image of the simulated instrument.
func Image() ([]byte, error) {
	start := make([]int32, models.NWav)
	count := make([]int32, models.NWav)
	var coefs []float64
	white := make([]float64, models.NWav)
	emis := make([]float64, models.NWav)
	amb := make([]float64, models.NWav)
	for i := 0; i < models.NWav; i++ {
		w := models.WavShort + 10*float64(i)
		c := 1 + (w-360)/3.2 // raw sample centre
		i0 := math.Floor(c)
		f := c - i0
		a := 1 - f
		// linear interpolation convolved with a [1 2 1]/4 kernel: centroid stays at c
		start[i] = int32(i0) - 1
		count[i] = 4
		coefs = append(coefs, 0.25*a, 0.5*a+0.25*f, 0.25*a+0.5*f, 0.25*f)
		white[i] = WhiteRef(i)
		emis[i] = 1e-3
		amb[i] = math.Pi * 1e-3
	}
	return eeprom.NewBuilder().
		Ints(eeprom.KeyLogMeasCount, 0).
		Ints(eeprom.KeyLogDarkCount, 0).
		Ints(eeprom.KeyLogWhiteCount, 0).
		Ints(eeprom.KeyLogWhiteTime, 0).
		Doubles(eeprom.KeyLogLampSeconds, 0).
		Ints(eeprom.KeySerial, Serial).
		Doubles(eeprom.KeyIntClockPeriod, 1e-4).
		Doubles(eeprom.KeyMinIntTime, MinIntTime).
		Doubles(eeprom.KeyMaxIntTime, MaxIntTime).
		Ints(eeprom.KeySatThreshold, SatNormal, SatHigh).
		Ints(eeprom.KeySensorTarget, SensorTarget).
		Doubles(eeprom.KeyHighGainRatio, HighGainRatio).
		Doubles(eeprom.KeyLinNormal, 0, 1, 0, 0).
		Doubles(eeprom.KeyLinHigh, 0, 1, 0, 0).
		Ints(eeprom.KeyFilterStart, start...).
		Ints(eeprom.KeyFilterCount, count...).
		Doubles(eeprom.KeyFilterCoefs, coefs...).
		Doubles(eeprom.KeyWhiteRef, white...).
		Doubles(eeprom.KeyEmisCoef, emis...).
		Doubles(eeprom.KeyAmbCoef, amb...).
		Ints(eeprom.KeyCapabilities, eeprom.CapAmbient|eeprom.CapHighGain).
		Ints(eeprom.KeyLampClocks, LampClocks).
		Doubles(eeprom.KeyRefIntTime, RefIntTime).
		Doubles(eeprom.KeyEmisIntTime, EmisIntTime).
		Doubles(eeprom.KeyScanIntTime, ScanIntTime).
		Build()
}

func lampOn(p protocol.MeasureParams) bool { return p.ModeFlags&protocol.FlagNoLamp == 0 }

func gainOf(p protocol.MeasureParams) float64 {
	if p.ModeFlags&protocol.FlagHighGain != 0 {
		return HighGainRatio
	}
	return 1
}

// Tile models a flat reflective tile: counts reaches `counts` at refTime with
// the lamp on and dark counts otherwise.
func Tile(counts, refTime, dark float64) Light {
	return func(p protocol.MeasureParams, t float64, block int) ([]float64, float64) {
		pix := make([]float64, 126)
		for i := range pix {
			pix[i] = dark
			if lampOn(p) {
				pix[i] += counts * t / refTime * gainOf(p)
			}
		}
		return pix, dark
	}
}

// Source models an emissive source of constant rate (counts per second per
// pixel) independent of the lamp.
func Source(rate, dark float64) Light {
	return func(p protocol.MeasureParams, t float64, block int) ([]float64, float64) {
		pix := make([]float64, 126)
		for i := range pix {
			pix[i] = dark + rate*t*gainOf(p)
		}
		return pix, dark
	}
}

// Strip models a reflective scan strip: patches of width `width` blocks
// separated by gaps of `gap` blocks after a `lead` block lead-in. Patch k has
// counts levels[k] with the lamp on.
func Strip(levels []float64, lead, width, gap int, paper float64) Light {
	return func(p protocol.MeasureParams, t float64, block int) ([]float64, float64) {
		v := paper
		if b := block - lead; b >= 0 {
			k := b / (width + gap)
			if k < len(levels) && b%(width+gap) < width {
				v = levels[k]
			}
		}
		pix := make([]float64, 126)
		for i := range pix {
			if lampOn(p) {
				pix[i] = v
			}
		}
		return pix, 0
	}
}

// Flash models an ambient flash: `ambient` counts on every block and an extra
// `amplitude` for `length` blocks starting at `at`.
func Flash(ambient, amplitude float64, at, length int) Light {
	return func(p protocol.MeasureParams, t float64, block int) ([]float64, float64) {
		v := ambient
		if block >= at && block < at+length {
			v += amplitude
		}
		pix := make([]float64, 126)
		for i := range pix {
			pix[i] = v
		}
		return pix, 0
	}
}
