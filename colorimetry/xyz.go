// Package colorimetry converts calibrated spectra to CIE XYZ with the 1931
// standard observer.
package colorimetry

import (
	"fmt"
	"sync"

	"github.com/CK6170/spectro-go/models"
	"github.com/CK6170/spectro-go/spectral"
)

// Kmax is the maximum luminous efficacy in lm/W.
const Kmax = 683.0

// Observer is the colour matching data sampled on one output grid.
type Observer struct {
	X, Y, Z []float64
	D50     []float64
	Step    float64 // nm
	wnorm   float64 // 100 / sum(D50*Y)
}

func newObserver(x, y, z, ill []float64, step float64) *Observer {
	o := &Observer{X: x, Y: y, Z: z, D50: ill, Step: step}
	var s float64
	for i := range y {
		s += ill[i] * y[i]
	}
	o.wnorm = 100 / s
	return o
}

var (
	hiOnce sync.Once
	hiObs  *Observer
	hiErr  error
	loObs  = newObserver(cmfX, cmfY, cmfZ, d50, 10)
)

// For returns the observer for the low or high resolution grid. The high
// resolution tables are Akima resampled from the 10nm data.
func For(highRes bool) (*Observer, error) {
	if !highRes {
		return loObs, nil
	}
	hiOnce.Do(func() {
		lo := models.Wavelengths(false)
		hi := models.Wavelengths(true)
		var t [4][]float64
		for i, src := range [][]float64{cmfX, cmfY, cmfZ, d50} {
			if t[i], hiErr = spectral.Resample(lo, src, hi); hiErr != nil {
				return
			}
		}
		hiObs = newObserver(t[0], t[1], t[2], t[3], hi[1]-hi[0])
	})
	return hiObs, hiErr
}

// Reflective returns the D50 weighted XYZ of a reflectance or transmittance
// spectrum, scaled so a perfect reflector has Y = 100.
func (o *Observer) Reflective(spd []float64) [3]float64 {
	var xyz [3]float64
	for i, r := range spd {
		w := r * o.D50[i]
		xyz[0] += w * o.X[i]
		xyz[1] += w * o.Y[i]
		xyz[2] += w * o.Z[i]
	}
	for i := range xyz {
		xyz[i] *= o.wnorm
	}
	return xyz
}

// Emissive returns the absolute XYZ of a spectral radiance or irradiance.
func (o *Observer) Emissive(spd []float64) [3]float64 {
	var xyz [3]float64
	for i, l := range spd {
		xyz[0] += l * o.X[i]
		xyz[1] += l * o.Y[i]
		xyz[2] += l * o.Z[i]
	}
	for i := range xyz {
		xyz[i] *= Kmax * o.Step
	}
	return xyz
}

// XYZ picks the weighting for the mode.
func XYZ(mode models.Mode, spd []float64) ([3]float64, error) {
	var highRes bool
	switch len(spd) {
	case models.NWav:
	case models.NWavHi:
		highRes = true
	default:
		return [3]float64{}, fmt.Errorf("spectrum of %d values: %w", len(spd), models.ErrInternal)
	}
	o, err := For(highRes)
	if err != nil {
		return [3]float64{}, err
	}
	if mode.Flags().Has(models.Emissive) {
		return o.Emissive(spd), nil
	}
	return o.Reflective(spd), nil
}
