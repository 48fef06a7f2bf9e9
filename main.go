package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/CK6170/spectro-go/file"
	"github.com/CK6170/spectro-go/instrument"
	"github.com/CK6170/spectro-go/internal/config"
	"github.com/CK6170/spectro-go/models"
	"github.com/CK6170/spectro-go/protocol"
	"github.com/CK6170/spectro-go/ui"
)

// App version variables. Set these at build time with -ldflags if desired.
var (
	AppVersion = "dev"
	AppBuild   = "local"
)

var errChangeMode = errors.New("change mode")

func main() {
	var (
		cfgPath  = flag.String("config", "", "path to YAML config")
		simulate = flag.Bool("sim", false, "use the simulated instrument")
		patches  = flag.Int("patches", 1, "patches per strip in scan modes")
		list     = flag.Bool("list", false, "list attached instruments and exit")
		version  = flag.Bool("version", false, "print version and exit")
	)
	flag.BoolVar(version, "v", false, "print version and exit")
	flag.Parse()

	if *version {
		fmt.Printf("%s\n", strings.TrimSpace(fmt.Sprintf("%s [build %s]", AppVersion, AppBuild)))
		return
	}

	// Route the standard logger output through the red writer
	log.SetFlags(0)
	log.SetOutput(ui.NewRedWriter(os.Stderr))

	cfg := config.Default()
	if *cfgPath != "" {
		c, err := config.Load(*cfgPath)
		if err != nil {
			log.Fatalf("config: %v", err)
		}
		cfg = c
	}
	if *simulate {
		cfg.USB.Simulate = true
	}
	ui.Debugf(cfg.Debug, "spectro starting with config: %q simulate=%v\n", *cfgPath, cfg.USB.Simulate)

	level := zerolog.InfoLevel
	if cfg.Debug {
		level = zerolog.DebugLevel
	}
	logger := zerolog.New(zerolog.ConsoleWriter{Out: ui.NewRedWriter(os.Stderr), TimeFormat: time.TimeOnly}).
		Level(level).With().Timestamp().Logger()

	if *list {
		devs, err := protocol.ListDevices(cfg.USB.VendorID, cfg.USB.ProductID)
		if err != nil {
			log.Fatal(err)
		}
		for _, d := range devs {
			fmt.Println(d)
		}
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	t, err := cfg.Open()
	if err != nil {
		log.Fatalf("open instrument: %v", err)
	}
	opts := cfg.DeviceOptions(logger)
	opts.WaitForSwitch = true
	opts.Interrupter = ui.NewKeyInterrupter()
	dev := instrument.New(t, opts)
	defer func() {
		if err := dev.Close(context.Background()); err != nil {
			log.Printf("close: %v", err)
		}
	}()
	if err := dev.Init(ctx); err != nil {
		log.Printf("init: %v", err)
		return
	}

	ui.ClearScreen()
	ui.Greenf("Spectro version: %s [build %s]\n", AppVersion, AppBuild)
	ui.Greenf("--------------------------------------------\n")
	st := dev.Status()
	fmt.Printf("Instrument serial %d, firmware %d\n", st.Serial, st.Firmware)

	modes := availableModes(st)
	for {
		m, ok := ui.NextMode(modes)
		if !ok {
			return
		}
		if err := runMode(ctx, dev, cfg, m, *patches); err != nil {
			return
		}
	}
}

// availableModes lists the modes the instrument supports.
func availableModes(st instrument.Status) []models.Mode {
	var out []models.Mode
	for m := models.RefSpot; m < models.NumModes; m++ {
		if m.Flags().Has(models.Ambient) && !st.Ambient {
			continue
		}
		out = append(out, m)
	}
	return out
}

// runMode calibrates m as needed and takes readings until the operator
// changes mode (nil) or exits (ErrUserAbort).
func runMode(ctx context.Context, dev *instrument.Device, cfg *config.Config, m models.Mode, patches int) error {
	for {
		err := calibrate(ctx, dev, cfg, m)
		if err == nil {
			err = measure(ctx, dev, cfg, m, patches)
		}
		switch {
		case err == nil:
			continue
		case errors.Is(err, errChangeMode):
			return nil
		case ctx.Err() != nil:
			return ctx.Err()
		}
		log.Printf("%s: %v", m, err)
		switch ui.NextRetryOrExit() {
		case 'R':
			continue
		case 'M':
			return nil
		default:
			return models.ErrUserAbort
		}
	}
}

// calibrate runs every calibration m still needs, prompting for the
// condition each one expects.
func calibrate(ctx context.Context, dev *instrument.Device, cfg *config.Config, m models.Mode) error {
	displayDone := m != models.EmisSpotNA
	for {
		ct, cond, err := dev.Needs(m)
		if err != nil {
			return err
		}
		if ct == models.CalNone {
			if displayDone {
				return nil
			}
			displayDone = true
			if ui.NextYN("Calibrate the integration time on the display? Y/N") != 'Y' {
				return nil
			}
			ct, cond = models.CalDisplayIntTime, models.CondDisplay
		}
		if ui.NextYN(cond.Prompt()+" Press Y to calibrate, N to change mode") != 'Y' {
			return errChangeMode
		}
		res, err := dev.Calibrate(ctx, m, ct, cond)
		var retry *models.RetryWithCondition
		if errors.As(err, &retry) {
			ui.Warningf("Expected: %s\n", retry.Expected.Prompt())
			continue
		}
		if err != nil {
			return err
		}
		ui.PrintCalibration(res)
		if cfg.Debug {
			if f, err := dev.Factors(m); err == nil {
				ui.PrintFactors(f, cfg.Instrument.HighRes)
			}
		}
	}
}

// measure takes one reading set. ESC while waiting for the switch means
// change mode.
func measure(ctx context.Context, dev *instrument.Device, cfg *config.Config, m models.Mode, patches int) error {
	if !m.Flags().Has(models.Scan) {
		patches = 1
	}
	ui.Greenf("\nPress the instrument switch or SPACE to measure, <ESC> to change mode\n")
	readings, err := dev.Measure(ctx, m, patches)
	if errors.Is(err, models.ErrUserAbort) {
		return errChangeMode
	}
	if err != nil {
		return err
	}
	ui.PrintReadings(readings, cfg.Debug)
	if cfg.LogCSV != "" {
		file.LogReadings(cfg.LogCSV, readings)
	}
	return nil
}
