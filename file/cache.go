package file

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/CK6170/spectro-go/models"
)

// Cache file identification.
const (
	cacheSignature uint32 = 0x53504331 // "SPC1"
	cacheVersion   uint32 = 2
)

// Cache errors.
var (
	ErrCacheFormat   = errors.New("calibration cache: unrecognised format")
	ErrCacheSerial   = errors.New("calibration cache: different instrument")
	ErrCacheChecksum = errors.New("calibration cache: checksum mismatch")
)

// CacheIntTimeTolerance is how far a non-adaptive mode's integration time may
// be from the cached one for the cached calibration to apply.
const CacheIntTimeTolerance = 0.01

// CachePath is the cache file of an instrument.
func CachePath(dir string, serial int) string {
	return filepath.Join(dir, fmt.Sprintf("spectro_%d.cal", serial))
}

// rollingSum is the rotate-and-add checksum over the cache body.
func rollingSum(b []byte) uint32 {
	var s uint32
	for _, c := range b {
		s = (s<<1 | s>>31) + uint32(c)
	}
	return s
}

type writer struct {
	buf bytes.Buffer
}

func (w *writer) u32(v uint32)  { _ = binary.Write(&w.buf, binary.BigEndian, v) }
func (w *writer) i32(v int32)   { _ = binary.Write(&w.buf, binary.BigEndian, v) }
func (w *writer) f64(v float64) { _ = binary.Write(&w.buf, binary.BigEndian, math.Float64bits(v)) }
func (w *writer) flag(v bool) {
	if v {
		w.buf.WriteByte(1)
	} else {
		w.buf.WriteByte(0)
	}
}
func (w *writer) when(t time.Time) {
	var v int64
	if !t.IsZero() {
		v = t.Unix()
	}
	_ = binary.Write(&w.buf, binary.BigEndian, v)
}
func (w *writer) vec(v []float64) {
	for _, x := range v {
		w.f64(x)
	}
}

type reader struct {
	r   *bytes.Reader
	err error
}

func (r *reader) read(v any) {
	if r.err == nil {
		r.err = binary.Read(r.r, binary.BigEndian, v)
	}
}
func (r *reader) u32() (v uint32) {
	r.read(&v)
	return
}
func (r *reader) i32() (v int32) {
	r.read(&v)
	return
}
func (r *reader) f64() float64 {
	var v uint64
	r.read(&v)
	return math.Float64frombits(v)
}
func (r *reader) flag() bool {
	var v uint8
	r.read(&v)
	return v != 0
}
func (r *reader) when() time.Time {
	var v int64
	r.read(&v)
	if v == 0 {
		return time.Time{}
	}
	return time.Unix(v, 0)
}
func (r *reader) vec(n int) []float64 {
	v := make([]float64, n)
	for i := range v {
		v[i] = r.f64()
	}
	return v
}

func encodeState(w *writer, s *models.ModeState) {
	w.i32(int32(s.Mode))
	w.u32(uint32(s.Mode.Flags()))
	w.i32(int32(s.Gain))
	w.f64(s.IntTime)

	w.flag(s.DarkValid)
	w.when(s.DarkTime)
	w.vec(s.Dark)
	for k := range s.AltIntTime {
		w.f64(s.AltIntTime[k])
		w.vec(s.AltDark[k])
	}

	w.flag(s.IDarkValid)
	w.when(s.IDarkTime)
	for k := range s.IDark {
		w.f64(s.IDarkTimes[k])
		w.vec(s.IDark[k])
	}

	w.flag(s.CalValid)
	w.when(s.CalTime)
	w.flag(s.TransWarn)
	w.vec(s.White)
	w.vec(s.CalFactor)
	w.vec(s.CalHi)
}

func decodeState(r *reader, m models.Mode) *models.ModeState {
	s := models.NewModeState(m, 0)
	s.Gain = models.Gain(r.i32())
	s.IntTime = r.f64()

	s.DarkValid = r.flag()
	s.DarkTime = r.when()
	s.Dark = r.vec(models.NRaw)
	for k := range s.AltIntTime {
		s.AltIntTime[k] = r.f64()
		s.AltDark[k] = r.vec(models.NRaw)
	}

	s.IDarkValid = r.flag()
	s.IDarkTime = r.when()
	for k := range s.IDark {
		s.IDarkTimes[k] = r.f64()
		s.IDark[k] = r.vec(models.NRaw)
	}

	s.CalValid = r.flag()
	s.CalTime = r.when()
	s.TransWarn = r.flag()
	s.White = r.vec(models.NRaw)
	s.CalFactor = r.vec(models.NWav)
	s.CalHi = r.vec(models.NWavHi)
	return s
}

// SaveCache writes the calibration state of every mode to path.
func SaveCache(path string, serial int, states []*models.ModeState) error {
	w := &writer{}
	w.u32(cacheSignature)
	w.u32(cacheVersion)
	w.i32(int32(serial))
	w.u32(models.NRaw)
	w.u32(models.NWav)
	w.u32(models.NWavHi)
	w.u32(uint32(len(states)))
	for _, s := range states {
		encodeState(w, s)
	}
	w.u32(rollingSum(w.buf.Bytes()))

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("calibration cache: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, w.buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("calibration cache: %w", err)
	}
	return os.Rename(tmp, path)
}

// LoadCache restores the calibration state saved by SaveCache into states.
// A cached mode is applied only when its flags match and, for non-adaptive
// modes, its integration time is within CacheIntTimeTolerance of the
// current one. Emissive factors always come from EEPROM and are not
// restored. It returns the modes that were restored.
func LoadCache(path string, serial int, states []*models.ModeState) ([]models.Mode, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(b) < 32 {
		return nil, ErrCacheFormat
	}
	body, sum := b[:len(b)-4], binary.BigEndian.Uint32(b[len(b)-4:])
	if rollingSum(body) != sum {
		return nil, ErrCacheChecksum
	}
	r := &reader{r: bytes.NewReader(body)}
	if r.u32() != cacheSignature || r.u32() != cacheVersion {
		return nil, ErrCacheFormat
	}
	if got := r.i32(); int(got) != serial {
		return nil, fmt.Errorf("serial %d, want %d: %w", got, serial, ErrCacheSerial)
	}
	if r.u32() != models.NRaw || r.u32() != models.NWav || r.u32() != models.NWavHi {
		return nil, ErrCacheFormat
	}
	n := int(r.u32())
	if r.err != nil || n < 0 || n > int(models.NumModes) {
		return nil, ErrCacheFormat
	}

	var cached []*models.ModeState
	for i := 0; i < n; i++ {
		m := models.Mode(r.i32())
		flags := models.ModeFlags(r.u32())
		if r.err != nil || !m.Valid() {
			return nil, ErrCacheFormat
		}
		s := decodeState(r, m)
		if flags != m.Flags() {
			continue
		}
		cached = append(cached, s)
	}
	if r.err != nil {
		if errors.Is(r.err, io.EOF) || errors.Is(r.err, io.ErrUnexpectedEOF) {
			return nil, ErrCacheFormat
		}
		return nil, r.err
	}

	var restored []models.Mode
	for _, c := range cached {
		for _, dst := range states {
			if dst.Mode != c.Mode {
				continue
			}
			if !c.Mode.Flags().Has(models.Adaptive) && math.Abs(c.IntTime-dst.IntTime) > CacheIntTimeTolerance {
				break
			}
			apply(dst, c)
			restored = append(restored, c.Mode)
			break
		}
	}
	return restored, nil
}

func apply(dst, c *models.ModeState) {
	dst.Gain, dst.IntTime = c.Gain, c.IntTime
	copy(dst.Dark, c.Dark)
	dst.DarkValid, dst.DarkTime = c.DarkValid, c.DarkTime
	dst.AltIntTime = c.AltIntTime
	for k := range c.AltDark {
		copy(dst.AltDark[k], c.AltDark[k])
	}
	for k := range c.IDark {
		copy(dst.IDark[k], c.IDark[k])
	}
	dst.IDarkTimes = c.IDarkTimes
	dst.IDarkValid, dst.IDarkTime = c.IDarkValid, c.IDarkTime
	if c.Mode.NeedsWhite() {
		copy(dst.White, c.White)
		copy(dst.CalFactor, c.CalFactor)
		copy(dst.CalHi, c.CalHi)
		dst.CalValid, dst.CalTime = c.CalValid, c.CalTime
		dst.TransWarn = c.TransWarn
	}
	dst.Settle()
}
