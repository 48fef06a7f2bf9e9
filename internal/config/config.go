// internal/config/config.go
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/CK6170/spectro-go/instrument"
	"github.com/CK6170/spectro-go/models"
	"github.com/CK6170/spectro-go/protocol"
	"github.com/CK6170/spectro-go/protocol/sim"
)

type Config struct {
	USB        USBConfig        `yaml:"usb"`
	Instrument InstrumentConfig `yaml:"instrument"`
	Server     ServerConfig     `yaml:"server"`
	Debug      bool             `yaml:"debug"`
	LogCSV     string           `yaml:"log_csv"`
}

// ---- USB ----

type USBConfig struct {
	VendorID  uint16 `yaml:"vendor_id"`
	ProductID uint16 `yaml:"product_id"`
	Simulate  bool   `yaml:"simulate"` // use the built-in simulated instrument
}

// ---- INSTRUMENT ----

type InstrumentConfig struct {
	CacheDir       string  `yaml:"cache_dir"`
	Filter         string  `yaml:"filter"` // none | uv-cut | polarizer
	HighRes        bool    `yaml:"high_res"`
	TriggerDelayMs int     `yaml:"trigger_delay_ms"`
	SwitchTimeoutS int     `yaml:"switch_timeout_s"`
	WaitForSwitch  bool    `yaml:"wait_for_switch"`
	DisplayIntTime float64 `yaml:"display_int_time"` // seconds, 0 = EEPROM value
	PermitHighGain bool    `yaml:"permit_high_gain"`
	NumMeas        int     `yaml:"num_meas"`
}

// ---- SERVER ----

type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// Default is the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	Normalize(cfg)
	return cfg
}

// Load reads, validates and normalizes a YAML configuration file.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	Normalize(&cfg)
	return &cfg, nil
}

// DeviceOptions converts the instrument section to instrument.Options.
// It must be called on a validated configuration.
func (c *Config) DeviceOptions(log zerolog.Logger) instrument.Options {
	f, _ := models.ParseFilter(c.Instrument.Filter)
	return instrument.Options{
		Logger:         log,
		CacheDir:       c.Instrument.CacheDir,
		Filter:         f,
		HighRes:        c.Instrument.HighRes,
		TriggerDelay:   time.Duration(c.Instrument.TriggerDelayMs) * time.Millisecond,
		SwitchTimeout:  time.Duration(c.Instrument.SwitchTimeoutS) * time.Second,
		WaitForSwitch:  c.Instrument.WaitForSwitch,
		PermitHighGain: c.Instrument.PermitHighGain,
		DisplayIntTime: c.Instrument.DisplayIntTime,
		NumMeas:        c.Instrument.NumMeas,
	}
}

// Open returns a transport to the configured instrument. The simulator is
// set up as a white tile under the lamp.
func (c *Config) Open() (protocol.Transport, error) {
	if c.USB.Simulate {
		img, err := sim.Image()
		if err != nil {
			return nil, err
		}
		s := sim.New(img)
		s.SetLight(sim.Tile(30000, sim.RefIntTime, 0))
		return s, nil
	}
	u, err := protocol.OpenUSB(c.USB.VendorID, c.USB.ProductID)
	if err != nil {
		return nil, err
	}
	return u, nil
}
