// Package instrument drives a spectrophotometer over a protocol.Transport.
//
// A Device is the unit the CLI and the web server work with:
//   - Init talks to the instrument, loads the EEPROM calibration and the
//     calibration cache and starts the switch and trigger workers
//   - Needs and Calibrate run the per-mode calibration state machine
//   - Measure takes calibrated spot, scan and flash readings
//   - Close saves the cache, writes back the usage log and stops the workers
//
// One operation runs at a time; a concurrent call fails with ErrBusy.
package instrument

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/CK6170/spectro-go/calibration"
	"github.com/CK6170/spectro-go/eeprom"
	"github.com/CK6170/spectro-go/file"
	"github.com/CK6170/spectro-go/models"
	"github.com/CK6170/spectro-go/protocol"
	"github.com/CK6170/spectro-go/spectral"
)

var errStopped = fmt.Errorf("instrument closed: %w", models.ErrNotInited)

// Interrupter lets the operator abort or trigger a measurement that is
// waiting for the instrument switch. Poll returns nil, models.ErrUserAbort or
// models.ErrUserTrigger.
type Interrupter interface {
	Poll() error
}

// DefaultTriggerDelay lets the bulk read be posted before the trigger goes
// out.
const DefaultTriggerDelay = 10 * time.Millisecond

// Options configures a Device. The zero value is usable.
type Options struct {
	Logger         zerolog.Logger
	CacheDir       string        // calibration cache directory, "" disables the cache
	Filter         models.Filter // optical filter fitted to the instrument
	HighRes        bool          // report high resolution spectra
	TriggerDelay   time.Duration // delay between posting the read and triggering, 0 for DefaultTriggerDelay
	SwitchTimeout  time.Duration // interrupt read timeout of the switch monitor
	WaitForSwitch  bool          // Measure waits for a press or a user trigger
	PermitHighGain bool
	DisplayIntTime float64 // display mode integration time, 0 for the EEPROM value
	NumMeas        int     // blocks per spot and calibration reading
	MaxScanBlocks  int
	Interrupter    Interrupter
	Now            func() time.Time
}

func (o *Options) normalize() {
	if o.TriggerDelay <= 0 {
		o.TriggerDelay = DefaultTriggerDelay
	}
	if o.SwitchTimeout <= 0 {
		o.SwitchTimeout = 60 * time.Second
	}
	if o.NumMeas <= 0 {
		o.NumMeas = 4
	}
	if o.MaxScanBlocks <= 0 {
		o.MaxScanBlocks = 2048
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Device is an initialised instrument.
type Device struct {
	in   *protocol.Instrument
	opts Options
	log  zerolog.Logger

	op sync.Mutex // held for the duration of an operation

	mu      sync.Mutex
	gotcoms bool
	inited  bool
	closed  bool

	store  *eeprom.Store
	serial int
	caps   int32
	sensor *spectral.Sensor
	low    *spectral.FilterTable
	high   *spectral.FilterTable
	eng    *calibration.Engine

	sw   *switchMonitor
	trig *triggerWorker
}

// New wraps a transport. Nothing is sent until Init.
func New(t protocol.Transport, opts Options) *Device {
	opts.normalize()
	return &Device{
		in:   protocol.NewInstrument(t),
		opts: opts,
		log:  opts.Logger.With().Str("component", "instrument").Logger(),
	}
}

// Protocol exposes the command layer for diagnostics.
func (d *Device) Protocol() *protocol.Instrument { return d.in }

// Init establishes communications, loads the calibration data and starts
// the workers. EEPROM integrity errors are fatal.
func (d *Device) Init(ctx context.Context) error {
	if !d.op.TryLock() {
		return models.ErrBusy
	}
	defer d.op.Unlock()

	st, err := d.in.GetMiscStatus(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", models.ErrComsNotEstablished, err)
	}
	d.mu.Lock()
	d.gotcoms = true
	d.mu.Unlock()
	d.log.Info().Int("firmware", st.FWRev).Int("maxpve", st.MaxPVE).Msg("instrument answered")

	if st.FWRev >= protocol.FirmwareClockMode {
		if _, err := d.in.GetClockMode(ctx); err != nil {
			return err
		}
	}

	image, err := d.in.ReadEEPROM(ctx, 0, protocol.EEPROMSize)
	if err != nil {
		return err
	}
	store, err := eeprom.Parse(image)
	if err != nil {
		return err
	}
	if err := d.load(store); err != nil {
		return err
	}

	d.restoreCache()

	d.sw = startSwitchMonitor(d.in, d.opts.SwitchTimeout, d.log)
	d.trig = startTriggerWorker(d.in)
	d.mu.Lock()
	d.inited = true
	d.mu.Unlock()
	d.log.Info().Int("serial", d.serial).Bool("highGain", d.sensor.HighGain).Msg("instrument initialised")
	return nil
}

// load decodes the EEPROM calibration and builds the calibration engine.
func (d *Device) load(store *eeprom.Store) error {
	sn, err := spectral.SensorFromStore(store)
	if err != nil {
		return err
	}
	low, err := spectral.FilterFromStore(store)
	if err != nil {
		return err
	}
	high, err := low.HighRes()
	if err != nil {
		return err
	}
	lo := models.Wavelengths(false)
	hi := models.Wavelengths(true)
	var refs [3][]float64
	var refsHi [3][]float64
	for i, key := range []eeprom.Key{eeprom.KeyWhiteRef, eeprom.KeyEmisCoef, eeprom.KeyAmbCoef} {
		v, ok := store.Doubles(key)
		if !ok {
			continue
		}
		if len(v) != models.NWav {
			return fmt.Errorf("reference 0x%04x has %d values: %w", uint16(key), len(v), models.ErrCorruptDirectory)
		}
		refs[i] = v
		if refsHi[i], err = spectral.Resample(lo, v, hi); err != nil {
			return err
		}
	}
	if refs[0] == nil {
		return fmt.Errorf("white reference missing: %w", models.ErrCorruptDirectory)
	}

	var times [models.NumModes]float64
	nominal := func(key eeprom.Key, def float64) float64 {
		if v, ok := store.Double(key); ok && v > 0 {
			return v
		}
		return def
	}
	refT := nominal(eeprom.KeyRefIntTime, 0.02)
	emisT := nominal(eeprom.KeyEmisIntTime, 0.1)
	scanT := nominal(eeprom.KeyScanIntTime, 0.0125)
	for _, m := range models.AllModes {
		switch f := m.Flags(); {
		case f.Has(models.Scan):
			times[m] = scanT
		case f.Has(models.Reflective):
			times[m] = refT
		default:
			times[m] = emisT
		}
	}
	if d.opts.DisplayIntTime > 0 {
		times[models.EmisSpotNA] = d.opts.DisplayIntTime
	}
	for m := range times {
		times[m] = sn.ActualIntTime(times[m])
	}

	serial, _ := store.Int(eeprom.KeySerial)
	caps, _ := store.Int(eeprom.KeyCapabilities)

	eng := calibration.New(calibration.Config{
		Sensor: sn,
		Low:    low,
		High:   high,
		Ref: calibration.Reference{
			White: refs[0], WhiteHi: refsHi[0],
			Emis: refs[1], EmisHi: refsHi[1],
			Amb: refs[2], AmbHi: refsHi[2],
		},
		Filter:         d.opts.Filter,
		PermitHighGain: d.opts.PermitHighGain,
		NumMeas:        d.opts.NumMeas,
		IntTimes:       times,
		Now:            d.opts.Now,
		Log:            d.log,
	}, sampler{d})

	d.mu.Lock()
	d.store, d.serial, d.caps = store, int(serial), caps
	d.sensor, d.low, d.high, d.eng = sn, low, high, eng
	d.mu.Unlock()
	return nil
}

func (d *Device) cachePath() string {
	if d.opts.CacheDir == "" {
		return ""
	}
	return file.CachePath(d.opts.CacheDir, d.serial)
}

func (d *Device) restoreCache() {
	path := d.cachePath()
	if path == "" {
		return
	}
	restored, err := file.LoadCache(path, d.serial, d.eng.States())
	if err != nil {
		d.log.Info().Err(err).Str("path", path).Msg("calibration cache not restored")
		return
	}
	d.log.Info().Str("path", path).Int("modes", len(restored)).Msg("calibration cache restored")
}

func (d *Device) saveCache() {
	path := d.cachePath()
	if path == "" {
		return
	}
	if err := file.SaveCache(path, d.serial, d.eng.States()); err != nil {
		d.log.Warn().Err(err).Str("path", path).Msg("calibration cache not saved")
	}
}

func (d *Device) ready() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch {
	case d.closed:
		return errStopped
	case !d.gotcoms:
		return models.ErrComsNotEstablished
	case !d.inited:
		return models.ErrNotInited
	}
	return nil
}

// supported reports whether the instrument can measure in mode m.
func (d *Device) supported(m models.Mode) error {
	if !m.Valid() {
		return fmt.Errorf("mode %d: %w", int(m), models.ErrUnsupportedMode)
	}
	if m.Flags().Has(models.Ambient) && d.caps&eeprom.CapAmbient == 0 {
		return fmt.Errorf("%s: %w", m, models.ErrUnsupportedMode)
	}
	return nil
}

// Serial returns the instrument serial number.
func (d *Device) Serial() int { return d.serial }

// Needs returns the calibration mode m needs next and the condition it must
// be performed in.
func (d *Device) Needs(m models.Mode) (models.CalType, models.Condition, error) {
	if err := d.ready(); err != nil {
		return models.CalNone, models.CondNone, err
	}
	if err := d.supported(m); err != nil {
		return models.CalNone, models.CondNone, err
	}
	if !d.op.TryLock() {
		return models.CalNone, models.CondNone, models.ErrBusy
	}
	defer d.op.Unlock()
	ct, cond := d.eng.Needs(m)
	return ct, cond, nil
}

// Calibrate runs a calibration. A *models.RetryWithCondition error asks the
// caller to set up cond and call again.
func (d *Device) Calibrate(ctx context.Context, m models.Mode, ct models.CalType, cond models.Condition) (*calibration.Result, error) {
	if err := d.ready(); err != nil {
		return nil, err
	}
	if err := d.supported(m); err != nil {
		return nil, err
	}
	if !d.op.TryLock() {
		return nil, models.ErrBusy
	}
	defer d.op.Unlock()

	res, err := d.eng.Calibrate(ctx, m, ct, cond)
	if err != nil {
		return nil, err
	}
	d.countCalibration(res)
	d.saveCache()
	return res, nil
}

func (d *Device) countCalibration(res *calibration.Result) {
	var err error
	switch res.CalType {
	case models.CalReflectiveWhite, models.CalTransmissiveWhite:
		err = errors.Join(
			d.store.AddInt(eeprom.KeyLogDarkCount, 1),
			d.store.AddInt(eeprom.KeyLogWhiteCount, 1),
			d.store.SetInts(eeprom.KeyLogWhiteTime, []int32{int32(d.opts.Now().Unix())}),
		)
	case models.CalEmissiveDark, models.CalTransmissiveDark:
		err = d.store.AddInt(eeprom.KeyLogDarkCount, 1)
	}
	if err != nil {
		d.log.Debug().Err(err).Msg("usage log not updated")
	}
}

// Status is a snapshot of the device for the CLI and the web server.
type Status struct {
	Connected bool        `json:"connected"`
	Inited    bool        `json:"inited"`
	Serial    int         `json:"serial"`
	Firmware  int         `json:"firmware"`
	HighGain  bool        `json:"highGain"`
	Ambient   bool        `json:"ambient"`
	Presses   int64       `json:"presses"`
	Modes     []ModeState `json:"modes,omitempty"`
}

// ModeState summarises one mode's calibration.
type ModeState struct {
	Mode      models.Mode      `json:"mode"`
	State     models.CalState  `json:"state"`
	IntTime   float64          `json:"intTime"`
	Gain      models.Gain      `json:"gain"`
	Needs     models.CalType   `json:"needs"`
	Condition models.Condition `json:"condition"`
	TransWarn bool             `json:"transWarn,omitempty"`
}

// Status returns a snapshot. Mode states are omitted while an operation is
// running.
func (d *Device) Status() Status {
	d.mu.Lock()
	s := Status{Connected: d.gotcoms && !d.closed, Inited: d.inited, Serial: d.serial}
	inited := d.inited && !d.closed
	d.mu.Unlock()
	s.Firmware = d.in.Firmware()
	if !inited {
		return s
	}
	s.HighGain = d.sensor.HighGain
	s.Ambient = d.caps&eeprom.CapAmbient != 0
	s.Presses = d.sw.count.Load()
	if !d.op.TryLock() {
		return s
	}
	defer d.op.Unlock()
	for _, st := range d.eng.States() {
		ct, cond := d.eng.Needs(st.Mode)
		s.Modes = append(s.Modes, ModeState{
			Mode: st.Mode, State: st.Cal, IntTime: st.IntTime, Gain: st.Gain,
			Needs: ct, Condition: cond, TransWarn: st.TransWarn,
		})
	}
	return s
}

// Factors returns a copy of the calibration factors of mode m at the
// configured output resolution.
func (d *Device) Factors(m models.Mode) ([]float64, error) {
	if err := d.ready(); err != nil {
		return nil, err
	}
	if err := d.supported(m); err != nil {
		return nil, err
	}
	if !d.op.TryLock() {
		return nil, models.ErrBusy
	}
	defer d.op.Unlock()
	st := d.eng.State(m)
	if d.opts.HighRes {
		return append([]float64(nil), st.CalHi...), nil
	}
	return append([]float64(nil), st.CalFactor...), nil
}

// Presses delivers one value per switch press. It is nil before Init.
func (d *Device) Presses() <-chan struct{} {
	if d.sw == nil {
		return nil
	}
	return d.sw.presses
}

// Close stops the workers, saves the calibration cache, writes the usage
// log back to both EEPROM copies when it changed and closes the transport.
func (d *Device) Close(ctx context.Context) error {
	d.op.Lock()
	defer d.op.Unlock()
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	inited := d.inited
	d.mu.Unlock()

	var errs []error
	if inited {
		d.sw.stop(ctx)
		d.trig.stop()
		d.saveCache()
		if d.store.Dirty() {
			if err := d.writeLog(ctx); err != nil {
				errs = append(errs, err)
			}
		}
	}
	if err := d.in.Transport().Close(); err != nil {
		errs = append(errs, fmt.Errorf("close transport: %w", err))
	}
	return errors.Join(errs...)
}

// writeLog writes the log section to both copies.
func (d *Device) writeLog(ctx context.Context) error {
	sec, err := d.store.PrepareLogSection()
	if err != nil {
		return err
	}
	for _, addr := range []int{eeprom.LogCopyA, eeprom.LogCopyB} {
		if err := d.in.WriteEEPROM(ctx, addr, sec); err != nil {
			return fmt.Errorf("usage log at 0x%04x: %w", addr, err)
		}
	}
	d.log.Info().Msg("usage log written")
	return nil
}
