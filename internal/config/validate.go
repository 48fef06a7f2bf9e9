// internal/config/validate.go
package config

import (
	"fmt"

	"github.com/CK6170/spectro-go/models"
)

// Validate checks configuration correctness.
// It performs declarative validation only.
// It MUST NOT mutate configuration.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}

	// ------------------------------------------------------------
	// USB
	// ------------------------------------------------------------

	if (cfg.USB.VendorID == 0) != (cfg.USB.ProductID == 0) {
		return fmt.Errorf("usb: vendor_id and product_id must be set together")
	}

	// ------------------------------------------------------------
	// INSTRUMENT
	// ------------------------------------------------------------

	in := cfg.Instrument
	if in.Filter != "" {
		if _, err := models.ParseFilter(in.Filter); err != nil {
			return fmt.Errorf("instrument: %w", err)
		}
	}
	if in.TriggerDelayMs < 0 || in.TriggerDelayMs > 1000 {
		return fmt.Errorf("instrument: trigger_delay_ms %d out of range 0..1000", in.TriggerDelayMs)
	}
	if in.SwitchTimeoutS < 0 {
		return fmt.Errorf("instrument: switch_timeout_s %d is negative", in.SwitchTimeoutS)
	}
	if in.DisplayIntTime < 0 || in.DisplayIntTime > 4 {
		return fmt.Errorf("instrument: display_int_time %g out of range 0..4s", in.DisplayIntTime)
	}
	if in.NumMeas < 0 || in.NumMeas > 64 {
		return fmt.Errorf("instrument: num_meas %d out of range 0..64", in.NumMeas)
	}
	return nil
}
