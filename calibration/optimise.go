package calibration

import (
	"fmt"

	"github.com/CK6170/spectro-go/models"
)

// Optimise returns the integration time and gain that bring a reading taken
// at t and g with peak ratio r (target/peak) to the target level. High gain
// is chosen only when permitted, supported and the normal gain time would
// exceed the maximum. Without permitClip a time outside the sensor limits is
// an error; with it the time is clamped.
func (e *Engine) Optimise(t float64, g models.Gain, r float64, permitClip bool) (float64, models.Gain, error) {
	sn := e.cfg.Sensor
	want := t * r
	if g == models.GainHigh {
		want *= sn.HighGainRatio
	}
	ng := models.GainNormal
	if want > sn.MaxIntTime && e.cfg.PermitHighGain && sn.HighGain {
		ng = models.GainHigh
		want /= sn.HighGainRatio
	}
	switch {
	case want > sn.MaxIntTime:
		if !permitClip {
			return t, g, fmt.Errorf("need %.3fs at %s gain: %w", want, ng, models.ErrLightTooLow)
		}
		want = sn.MaxIntTime
	case want < sn.MinIntTime:
		if !permitClip {
			return t, g, fmt.Errorf("need %.4fs at %s gain: %w", want, ng, models.ErrLightTooHigh)
		}
		want = sn.MinIntTime
	}
	return want, ng, nil
}
