package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/CK6170/spectro-go/models"
	"github.com/CK6170/spectro-go/protocol"
	"github.com/CK6170/spectro-go/protocol/sim"
)

func write(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "spectro.yaml")
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestLoad(t *testing.T) {
	cfg, err := Load(write(t, `
usb:
  simulate: true
instrument:
  cache_dir: /var/cache/spectro
  filter: uv-cut
  high_res: true
  trigger_delay_ms: 5
  display_int_time: 0.5
log_csv: readings.csv
`))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !cfg.USB.Simulate || cfg.USB.VendorID != protocol.DefaultVendorID {
		t.Fatalf("usb %+v", cfg.USB)
	}
	if cfg.Server.Addr != ":8080" || cfg.LogCSV != "readings.csv" {
		t.Fatalf("cfg %+v", cfg)
	}

	o := cfg.DeviceOptions(zerolog.Nop())
	if o.Filter != models.FilterUVCut || !o.HighRes || o.TriggerDelay != 5*time.Millisecond {
		t.Fatalf("options %+v", o)
	}
	if o.SwitchTimeout != time.Minute || o.NumMeas != 4 || o.DisplayIntTime != 0.5 {
		t.Fatalf("defaults %+v", o)
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name, body, want string
	}{
		{"filter", "instrument:\n  filter: red\n", "unknown filter"},
		{"usb pair", "usb:\n  vendor_id: 2417\n", "set together"},
		{"delay", "instrument:\n  trigger_delay_ms: -1\n", "trigger_delay_ms"},
		{"display", "instrument:\n  display_int_time: 9\n", "display_int_time"},
		{"num meas", "instrument:\n  num_meas: 100\n", "num_meas"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := Load(write(t, c.body))
			if err == nil || !strings.Contains(err.Error(), c.want) {
				t.Fatalf("err = %v, want %q", err, c.want)
			}
		})
	}
}

func TestValidateDoesNotMutate(t *testing.T) {
	cfg := &Config{}
	if err := Validate(cfg); err != nil {
		t.Fatal(err)
	}
	if cfg.Instrument.Filter != "" || cfg.USB.VendorID != 0 {
		t.Fatalf("validate mutated %+v", cfg)
	}
}

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.Instrument.Filter != "none" || cfg.USB.ProductID != protocol.DefaultProductID {
		t.Fatalf("%+v", cfg)
	}
	if o := cfg.DeviceOptions(zerolog.Nop()); o.TriggerDelay != 10*time.Millisecond {
		t.Fatalf("trigger delay %v", o.TriggerDelay)
	}
}

func TestOpenSimulator(t *testing.T) {
	cfg := Default()
	cfg.USB.Simulate = true
	tr, err := cfg.Open()
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, ok := tr.(*sim.Instrument); !ok {
		t.Fatalf("transport %T", tr)
	}
}
