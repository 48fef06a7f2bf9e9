// Package models defines the measurement modes, calibration types and the
// per-mode calibration state shared between the calibration engine, the
// measurement pipeline, the calibration cache and the web server.
package models

import (
	"fmt"
	"time"
)

// Instrument geometry constants.
const (
	// NRaw is the number of logical raw sensor samples per reading block.
	NRaw = 128

	// NWav is the number of low resolution output wavelengths (380..730nm, 10nm).
	NWav = 36

	// NWavHi is the number of high resolution output wavelengths (380..730nm, 3.33nm).
	NWavHi = 106

	// WavShort and WavLong bound the output spectrum in nm.
	WavShort = 380.0
	WavLong  = 730.0

	// CalExpiry is how long a dark or white calibration stays valid.
	CalExpiry = 24 * time.Hour
)

// Mode identifies one of the instrument's measurement modes.
type Mode int

const (
	RefSpot Mode = iota
	RefScan
	EmisSpotNA // display mode, fixed integration time
	EmisSpot
	EmisScan
	AmbSpot
	AmbFlash
	TransSpot
	TransScan

	NumModes
)

// AllModes lists every mode in state-table order.
var AllModes = []Mode{RefSpot, RefScan, EmisSpotNA, EmisSpot, EmisScan, AmbSpot, AmbFlash, TransSpot, TransScan}

// String implements fmt.Stringer.
func (m Mode) String() string {
	switch m {
	case RefSpot:
		return "reflective-spot"
	case RefScan:
		return "reflective-scan"
	case EmisSpotNA:
		return "display-spot"
	case EmisSpot:
		return "emissive-spot"
	case EmisScan:
		return "emissive-scan"
	case AmbSpot:
		return "ambient-spot"
	case AmbFlash:
		return "ambient-flash"
	case TransSpot:
		return "transmissive-spot"
	case TransScan:
		return "transmissive-scan"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// ParseMode is the inverse of Mode.String.
func ParseMode(s string) (Mode, error) {
	for _, m := range AllModes {
		if m.String() == s {
			return m, nil
		}
	}
	return 0, fmt.Errorf("unknown mode %q", s)
}

// Valid reports whether m is one of the defined modes.
func (m Mode) Valid() bool { return m >= RefSpot && m < NumModes }

// ModeFlags describes the structural properties of a mode.
type ModeFlags uint8

const (
	Reflective ModeFlags = 1 << iota
	Emissive
	Transmissive
	Ambient
	Scan
	Flash
	Adaptive
)

// Has reports whether all bits of f2 are set.
func (f ModeFlags) Has(f2 ModeFlags) bool { return f&f2 == f2 }

// Structure strips the flags that do not matter when deciding whether two
// modes can share a calibration.
func (f ModeFlags) Structure() ModeFlags {
	return f & (Reflective | Emissive | Transmissive | Scan | Adaptive)
}

// Flags returns the static flag set of a mode.
func (m Mode) Flags() ModeFlags {
	switch m {
	case RefSpot:
		return Reflective | Adaptive
	case RefScan:
		return Reflective | Scan
	case EmisSpotNA:
		return Emissive
	case EmisSpot:
		return Emissive | Adaptive
	case EmisScan:
		return Emissive | Scan
	case AmbSpot:
		return Emissive | Ambient | Adaptive
	case AmbFlash:
		return Emissive | Ambient | Scan | Flash
	case TransSpot:
		return Transmissive | Adaptive
	case TransScan:
		return Transmissive | Scan
	default:
		return 0
	}
}

// Compatible reports whether a calibration made in m can serve m2.
func (m Mode) Compatible(m2 Mode) bool {
	return m.Flags().Structure() == m2.Flags().Structure()
}

// UsesBracketDark reports whether the mode reconstructs its dark reference
// from the two-point bracket model instead of a single measured vector.
// Reflective spot is adaptive but measures dark on the fly.
func (m Mode) UsesBracketDark() bool {
	f := m.Flags()
	return f.Has(Adaptive) && !f.Has(Scan) && !f.Has(Reflective)
}

// NeedsWhite reports whether the mode derives calibration factors from a
// white reference measurement (reflective and transmissive modes).
func (m Mode) NeedsWhite() bool {
	f := m.Flags()
	return f.Has(Reflective) || f.Has(Transmissive)
}

// Gain is the sensor amplification setting.
type Gain int

const (
	GainNormal Gain = iota
	GainHigh
)

// String implements fmt.Stringer.
func (g Gain) String() string {
	switch g {
	case GainNormal:
		return "normal"
	case GainHigh:
		return "high"
	default:
		return fmt.Sprintf("Gain(%d)", int(g))
	}
}

// CalType is an abstract calibration request.
type CalType int

const (
	CalNone CalType = iota
	CalAll
	CalReflectiveWhite
	CalEmissiveDark
	CalTransmissiveDark
	CalTransmissiveWhite
	CalDisplayIntTime
)

// String implements fmt.Stringer.
func (c CalType) String() string {
	switch c {
	case CalNone:
		return "none"
	case CalAll:
		return "all"
	case CalReflectiveWhite:
		return "reflective-white"
	case CalEmissiveDark:
		return "emissive-dark"
	case CalTransmissiveDark:
		return "transmissive-dark"
	case CalTransmissiveWhite:
		return "transmissive-white"
	case CalDisplayIntTime:
		return "display-int-time"
	default:
		return fmt.Sprintf("CalType(%d)", int(c))
	}
}

// ParseCalType is the inverse of CalType.String.
func ParseCalType(s string) (CalType, error) {
	for c := CalNone; c <= CalDisplayIntTime; c++ {
		if c.String() == s {
			return c, nil
		}
	}
	return CalNone, fmt.Errorf("unknown calibration type %q", s)
}

// Condition is the physical setup the user asserts when requesting a
// calibration (instrument on its tile, light source off, ...).
type Condition int

const (
	CondNone             Condition = iota
	CondReflectiveWhite            // instrument on its white calibration tile
	CondEmissiveDark               // instrument on its tile, no light reaching the sensor
	CondTransmissiveDark           // transmission light source off or covered
	CondTransmissiveWhite
	CondDisplay // instrument on the display showing white
)

// String implements fmt.Stringer.
func (c Condition) String() string {
	switch c {
	case CondNone:
		return "none"
	case CondReflectiveWhite:
		return "reflective-white"
	case CondEmissiveDark:
		return "emissive-dark"
	case CondTransmissiveDark:
		return "transmissive-dark"
	case CondTransmissiveWhite:
		return "transmissive-white"
	case CondDisplay:
		return "display"
	default:
		return fmt.Sprintf("Condition(%d)", int(c))
	}
}

// Prompt is the operator instruction for a condition.
func (c Condition) Prompt() string {
	switch c {
	case CondReflectiveWhite, CondEmissiveDark:
		return "Place the instrument on its white calibration tile"
	case CondTransmissiveDark:
		return "Turn the transmission light source off or cover it"
	case CondTransmissiveWhite:
		return "Turn the transmission light source on with no sample in place"
	case CondDisplay:
		return "Place the instrument on the display showing full white"
	default:
		return ""
	}
}

// ParseCondition is the inverse of Condition.String.
func ParseCondition(s string) (Condition, error) {
	for c := CondNone; c <= CondDisplay; c++ {
		if c.String() == s {
			return c, nil
		}
	}
	return CondNone, fmt.Errorf("unknown condition %q", s)
}

// Filter identifies an optical filter fitted to the instrument.
type Filter int

const (
	FilterNone Filter = iota
	FilterUVCut
	FilterPolarizer
)

// String implements fmt.Stringer.
func (f Filter) String() string {
	switch f {
	case FilterNone:
		return "none"
	case FilterUVCut:
		return "uv-cut"
	case FilterPolarizer:
		return "polarizer"
	default:
		return fmt.Sprintf("Filter(%d)", int(f))
	}
}

// ParseFilter is the inverse of Filter.String.
func ParseFilter(s string) (Filter, error) {
	for f := FilterNone; f <= FilterPolarizer; f++ {
		if f.String() == s {
			return f, nil
		}
	}
	return FilterNone, fmt.Errorf("unknown filter %q", s)
}

// Reading is one calibrated result.
type Reading struct {
	Mode     Mode       `json:"mode"`
	Spectrum []float64  `json:"spectrum"` // NWav or NWavHi values
	HighRes  bool       `json:"highRes"`
	XYZ      [3]float64 `json:"xyz"`
	Duration float64    `json:"duration,omitempty"` // flash exposure in seconds
	Patch    int        `json:"patch"`
}

// Wavelengths returns the output wavelength grid for a resolution.
func Wavelengths(highRes bool) []float64 {
	n := NWav
	if highRes {
		n = NWavHi
	}
	w := make([]float64, n)
	step := (WavLong - WavShort) / float64(n-1)
	for i := range w {
		w[i] = WavShort + step*float64(i)
	}
	return w
}
