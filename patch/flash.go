package patch

import (
	"fmt"

	"gonum.org/v1/gonum/floats"

	"github.com/CK6170/spectro-go/models"
)

// FlashResult is a recognised flash pulse.
type FlashResult struct {
	Pulse    Patch     // padded run of samples above threshold
	Ambient  []float64 // mean of the baseline before the pulse
	Mean     []float64 // pulse minus ambient, averaged over the pulse run
	Energy   []float64 // pulse minus ambient, integrated over time
	Duration float64   // effective exposure in seconds
}

// Flash locates one flash pulse in rows sampled every intTime seconds. The
// band with the largest range is thresholded at 75% of the way from its mean
// to its peak; the run above it is padded by one sample on each side and
// must be preceded by an ambient baseline at least as long as itself.
func Flash(rows [][]float64, intTime float64) (*FlashResult, error) {
	if len(rows) < 3 {
		return nil, fmt.Errorf("%d samples: %w", len(rows), models.ErrNoFlashesFound)
	}
	bands := bandSignal(rows)
	best, bestRange := 0, 0.0
	for k := range bands {
		if r := floats.Max(bands[k]) - floats.Min(bands[k]); r > bestRange {
			best, bestRange = k, r
		}
	}
	sig := bands[best]
	if bestRange <= 1e-9 {
		return nil, fmt.Errorf("flat signal: %w", models.ErrNoFlashesFound)
	}
	mean := floats.Sum(sig) / float64(len(sig))
	peakIdx := floats.MaxIdx(sig)
	thr := mean + 0.75*(sig[peakIdx]-mean)

	start := peakIdx
	for start > 0 && sig[start-1] > thr {
		start--
	}
	end := peakIdx + 1
	for end < len(sig) && sig[end] > thr {
		end++
	}
	if start > 0 {
		start--
	}
	if end < len(sig) {
		end++
	}
	run := end - start
	if start < run {
		return nil, fmt.Errorf("%d ambient samples before a %d sample flash: %w", start, run, models.ErrNoAmbientBeforeFlash)
	}

	nch := len(rows[0])
	amb := make([]float64, nch)
	for _, r := range rows[:start] {
		floats.Add(amb, r)
	}
	floats.Scale(1/float64(start), amb)

	energy := make([]float64, nch)
	for _, r := range rows[start:end] {
		floats.Add(energy, r)
		floats.Sub(energy, amb)
	}
	meanPulse := append([]float64(nil), energy...)
	floats.Scale(1/float64(run), meanPulse)
	floats.Scale(intTime, energy)

	ambBand := 0.0
	for _, v := range sig[:start] {
		ambBand += v
	}
	ambBand /= float64(start)
	amp := sig[peakIdx] - ambBand
	integral := 0.0
	for _, v := range sig[start:end] {
		integral += v - ambBand
	}
	dur := 0.0
	if amp > 0 {
		dur = integral / amp * intTime
	}
	return &FlashResult{
		Pulse:    Patch{Start: start, Count: run, Used: true},
		Ambient:  amb,
		Mean:     meanPulse,
		Energy:   energy,
		Duration: dur,
	}, nil
}
