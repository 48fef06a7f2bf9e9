package spectral

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/interp"

	"github.com/CK6170/spectro-go/eeprom"
	"github.com/CK6170/spectro-go/matrix"
	"github.com/CK6170/spectro-go/models"
)

// FilterTable maps logical raw samples to output wavelengths: output i is the
// weighted sum of raw[Start[i]:Start[i]+len(Coefs[i])].
type FilterTable struct {
	Start []int
	Coefs [][]float64
}

// NewFilterTable builds a table from the packed EEPROM representation.
func NewFilterTable(start, count []int32, coefs []float64) (*FilterTable, error) {
	if len(start) != len(count) || len(start) == 0 {
		return nil, fmt.Errorf("filter table: %d starts, %d counts: %w", len(start), len(count), models.ErrCorruptDirectory)
	}
	f := &FilterTable{Start: make([]int, len(start)), Coefs: make([][]float64, len(start))}
	off := 0
	for i := range start {
		n := int(count[i])
		s := int(start[i])
		if n <= 0 || s < 0 || s+n > models.NRaw || off+n > len(coefs) {
			return nil, fmt.Errorf("filter table entry %d (start %d, count %d): %w", i, s, n, models.ErrCorruptDirectory)
		}
		f.Start[i] = s
		f.Coefs[i] = append([]float64(nil), coefs[off:off+n]...)
		off += n
	}
	return f, nil
}

// FilterFromStore decodes the low resolution table from EEPROM.
func FilterFromStore(s *eeprom.Store) (*FilterTable, error) {
	start, ok1 := s.Ints(eeprom.KeyFilterStart)
	count, ok2 := s.Ints(eeprom.KeyFilterCount)
	coefs, ok3 := s.Doubles(eeprom.KeyFilterCoefs)
	if !ok1 || !ok2 || !ok3 {
		return nil, fmt.Errorf("filter table keys missing: %w", models.ErrCorruptDirectory)
	}
	f, err := NewFilterTable(start, count, coefs)
	if err != nil {
		return nil, err
	}
	if f.Len() != models.NWav {
		return nil, fmt.Errorf("filter table has %d wavelengths: %w", f.Len(), models.ErrCorruptDirectory)
	}
	return f, nil
}

// Len returns the number of output wavelengths.
func (f *FilterTable) Len() int { return len(f.Start) }

// Apply converts a raw vector to an output spectrum.
func (f *FilterTable) Apply(raw, out []float64) {
	for i, s := range f.Start {
		out[i] = floats.Dot(f.Coefs[i], raw[s:s+len(f.Coefs[i])])
	}
}

// Spectrum allocates and returns the output spectrum of raw.
func (f *FilterTable) Spectrum(raw []float64) []float64 {
	out := make([]float64, f.Len())
	f.Apply(raw, out)
	return out
}

// Centroids returns the weighted raw sample position of every output.
func (f *FilterTable) Centroids() []float64 {
	c := make([]float64, f.Len())
	for i, s := range f.Start {
		var sw, swx float64
		for k, w := range f.Coefs[i] {
			sw += w
			swx += w * float64(s+k)
		}
		if sw != 0 {
			c[i] = swx / sw
		} else {
			c[i] = float64(s) + float64(len(f.Coefs[i])-1)/2
		}
	}
	return c
}

// HighRes derives the high resolution table. A cubic least-squares fit of
// raw position against wavelength places each high resolution output on the
// sensor; its triangular kernel spans one output step and is scaled to the
// Akima-interpolated gain of the low resolution table.
func (f *FilterTable) HighRes() (*FilterTable, error) {
	wl := models.Wavelengths(false)
	if f.Len() != len(wl) {
		return nil, fmt.Errorf("high res table from %d wavelengths: %w", f.Len(), models.ErrInternal)
	}
	pos, err := matrix.PolyFit(wl, f.Centroids(), 3)
	if err != nil {
		return nil, fmt.Errorf("wavelength polynomial: %w", err)
	}
	gains := make([]float64, f.Len())
	for i := range f.Coefs {
		gains[i] = floats.Sum(f.Coefs[i])
	}
	hiWl := models.Wavelengths(true)
	hiGain, err := Resample(wl, gains, hiWl)
	if err != nil {
		return nil, err
	}
	step := hiWl[1] - hiWl[0]
	hi := &FilterTable{Start: make([]int, len(hiWl)), Coefs: make([][]float64, len(hiWl))}
	for j, w := range hiWl {
		p := matrix.PolyEval(pos, w)
		h := math.Max(1, math.Abs(matrix.PolyDeriv(pos, w))*step)
		lo := int(math.Max(0, math.Ceil(p-h)))
		up := int(math.Min(models.NRaw-1, math.Floor(p+h)))
		if up < lo {
			lo = int(math.Min(models.NRaw-1, math.Max(0, math.Round(p))))
			up = lo
		}
		c := make([]float64, up-lo+1)
		for k := range c {
			c[k] = math.Max(0, 1-math.Abs(float64(lo+k)-p)/h)
		}
		if s := floats.Sum(c); s > 0 {
			floats.Scale(hiGain[j]/s, c)
		} else {
			c[len(c)/2] = hiGain[j]
		}
		hi.Start[j] = lo
		hi.Coefs[j] = c
	}
	return hi, nil
}

// Resample evaluates the Akima spline through (xs, ys) at xt. Points outside
// xs are clamped to the end values.
func Resample(xs, ys, xt []float64) ([]float64, error) {
	var as interp.AkimaSpline
	if err := as.Fit(xs, ys); err != nil {
		return nil, fmt.Errorf("akima fit: %w", err)
	}
	out := make([]float64, len(xt))
	for i, x := range xt {
		x = math.Max(xs[0], math.Min(xs[len(xs)-1], x))
		out[i] = as.Predict(x)
	}
	return out, nil
}
