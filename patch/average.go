// Package patch segments continuous scan buffers into patches or flash
// pulses and averages sample rows with saturation and consistency checks.
package patch

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Status bits returned by Average.
type Status uint8

const (
	Saturated Status = 1 << iota
	Inconsistent
)

// Has reports whether all bits of s2 are set.
func (s Status) Has(s2 Status) bool { return s&s2 == s2 }

// MaxTolerance caps the consistency tolerance.
const MaxTolerance = 0.5

// Tolerance is the allowed relative deviation of a row from the mean for a
// source of the given brightness (1 for the instrument lamp).
func Tolerance(brightness float64) float64 {
	if brightness <= 0 {
		return MaxTolerance
	}
	return math.Min(0.03+0.02/brightness, MaxTolerance)
}

// Average returns the per channel mean of rows. Saturated is set when any
// raw peak reaches satThresh. Inconsistent is set when any row's mean level
// deviates from the overall mean level by more than Tolerance(brightness).
func Average(rows [][]float64, peaks []float64, satThresh, brightness float64) ([]float64, Status) {
	var st Status
	for _, p := range peaks {
		if p >= satThresh {
			st |= Saturated
		}
	}
	if len(rows) == 0 {
		return nil, st
	}
	mean := make([]float64, len(rows[0]))
	levels := make([]float64, len(rows))
	for i, r := range rows {
		floats.Add(mean, r)
		levels[i] = stat.Mean(r, nil)
	}
	floats.Scale(1/float64(len(rows)), mean)

	level := stat.Mean(levels, nil)
	norm := math.Max(math.Abs(level), 1)
	tol := Tolerance(brightness)
	for _, l := range levels {
		if math.Abs(l-level)/norm > tol {
			st |= Inconsistent
			break
		}
	}
	return mean, st
}
