package ui

import (
	"fmt"

	"github.com/CK6170/spectro-go/calibration"
	"github.com/CK6170/spectro-go/matrix"
	"github.com/CK6170/spectro-go/models"
)

// ReadingLine is the one-line summary of a reading.
func ReadingLine(r models.Reading) string {
	line := fmt.Sprintf("[%s] patch %02d  X %9.4f  Y %9.4f  Z %9.4f", r.Mode, r.Patch+1, r.XYZ[0], r.XYZ[1], r.XYZ[2])
	if r.Duration > 0 {
		line += fmt.Sprintf("  flash %.4fs", r.Duration)
	}
	return line
}

// PrintReadings prints every reading; with debug the spectra are listed
// against their wavelengths.
func PrintReadings(readings []models.Reading, debug bool) {
	for _, r := range readings {
		Greenf("%s\n", ReadingLine(r))
		if debug {
			matrix.PrintVector(matrix.FromSlice(r.Spectrum), models.Wavelengths(r.HighRes), "spectrum", true)
		}
	}
}

// PrintCalibration reports a finished calibration and what the mode needs
// next.
func PrintCalibration(res *calibration.Result) {
	Greenf("%s calibration of %s done: %.4fs, %s gain\n", res.CalType, res.Mode, res.IntTime, res.Gain)
	if len(res.Broadcast) > 0 {
		fmt.Printf("Also applied to %v\n", res.Broadcast)
	}
	if res.TransmissiveWhiteWarning {
		Warningf("Warning: the transmission source is weak at some wavelengths\n")
	}
	if res.Next != models.CalNone {
		Warningf("Next: %s calibration. %s\n", res.Next, res.NextCondition.Prompt())
	}
}

// PrintFactors dumps calibration factors with their IEEE754 patterns.
func PrintFactors(factors []float64, highRes bool) {
	matrix.PrintFactorsIEEE(matrix.FromSlice(factors), models.Wavelengths(highRes))
}
