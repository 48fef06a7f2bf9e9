// internal/config/normalize.go
package config

import (
	"time"

	"github.com/CK6170/spectro-go/instrument"
	"github.com/CK6170/spectro-go/protocol"
)

// Normalize applies defaults.
// It is allowed to mutate configuration.
// It MUST be called only after Validate().
func Normalize(cfg *Config) {
	if cfg == nil {
		return
	}
	if cfg.USB.VendorID == 0 {
		cfg.USB.VendorID = protocol.DefaultVendorID
		cfg.USB.ProductID = protocol.DefaultProductID
	}
	if cfg.Instrument.Filter == "" {
		cfg.Instrument.Filter = "none"
	}
	if cfg.Instrument.TriggerDelayMs == 0 {
		cfg.Instrument.TriggerDelayMs = int(instrument.DefaultTriggerDelay / time.Millisecond)
	}
	if cfg.Instrument.SwitchTimeoutS == 0 {
		cfg.Instrument.SwitchTimeoutS = 60
	}
	if cfg.Instrument.NumMeas == 0 {
		cfg.Instrument.NumMeas = 4
	}
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
}
