// Package sim is a simulated instrument implementing protocol.Transport. It
// answers the vendor command set from an in-memory EEPROM image and produces
// measurement blocks from a caller supplied light model.
package sim

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/CK6170/spectro-go/protocol"
)

// Light returns the raw counts of the 126 physical pixels and the shielded
// word for one block. t is the integration time in seconds.
type Light func(p protocol.MeasureParams, t float64, block int) (pixels []float64, shielded float64)

// ErrTimeout is returned by reads that expire without data.
var ErrTimeout = errors.New("sim: transfer timed out")

// Call is one recorded control request.
type Call struct {
	Request uint8
	Data    []byte
}

// Instrument is the simulated device.
type Instrument struct {
	mu sync.Mutex

	EEPROM      []byte
	Status      protocol.MiscStatus
	Clock       protocol.ClockMode
	ClockPeriod float64
	Params      protocol.MeasureParams
	Light       Light
	ScanBlocks  int

	// ControlErr, when set, fails every control request.
	ControlErr error

	calls    []Call
	ops      int
	eeRead   []byte
	eeWrite  int
	data     []byte
	eos      bool
	ready    chan struct{}
	switches chan byte
	abort    chan struct{}
	closed   bool
}

// New returns a simulated instrument with the given EEPROM image, firmware
// 310 and a 100us integration clock.
func New(image []byte) *Instrument {
	return &Instrument{
		EEPROM:      append([]byte(nil), image...),
		Status:      protocol.MiscStatus{FWRev: 310, MaxPVE: 65535, PowMode: 8},
		Clock:       protocol.ClockMode{MaxMode: 3, Mode: 0, SubClkDiv: 1, IntClkUsec: 100},
		ClockPeriod: 1e-4,
		ScanBlocks:  100,
		eeWrite:     -1,
		ready:       make(chan struct{}, 1),
		switches:    make(chan byte, 8),
		abort:       make(chan struct{}),
	}
}

// Ops returns the number of transport calls made so far.
func (s *Instrument) Ops() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ops
}

// Calls returns the recorded control requests.
func (s *Instrument) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Call(nil), s.calls...)
}

// Count returns how many times request was issued.
func (s *Instrument) Count(request uint8) int {
	n := 0
	for _, c := range s.Calls() {
		if c.Request == request {
			n++
		}
	}
	return n
}

// SetLight replaces the light model.
func (s *Instrument) SetLight(l Light) {
	s.mu.Lock()
	s.Light = l
	s.mu.Unlock()
}

// Press simulates a switch press.
func (s *Instrument) Press() { s.switches <- 1 }

// IntTime converts clocks to seconds.
func (s *Instrument) IntTime(clocks uint16) float64 { return float64(clocks) * s.ClockPeriod }

func (s *Instrument) Control(ctx context.Context, reqType, request uint8, value, index uint16, data []byte, timeout time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ops++
	s.calls = append(s.calls, Call{Request: request, Data: append([]byte(nil), data...)})
	if s.closed {
		return 0, errors.New("sim: closed")
	}
	if s.ControlErr != nil {
		return 0, s.ControlErr
	}
	switch request {
	case protocol.ReqReset:
		s.data, s.eos = nil, false
	case protocol.ReqReadEEPROM, protocol.ReqWriteEEPROM:
		addr := int(protocol.Uint32(data[0:]))
		size := int(protocol.Uint16(data[4:]))
		if addr+size > len(s.EEPROM) {
			return 0, fmt.Errorf("sim: eeprom range 0x%x+%d", addr, size)
		}
		if request == protocol.ReqReadEEPROM {
			s.eeRead = append([]byte(nil), s.EEPROM[addr:addr+size]...)
		} else {
			s.eeWrite = addr
		}
	case protocol.ReqGetMiscStatus:
		copy(data, s.Status.Bytes())
	case protocol.ReqGetMeasureParams:
		copy(data, s.Params.Bytes())
	case protocol.ReqSetMeasureParams:
		s.Params = protocol.ParseMeasureParams(data)
	case protocol.ReqTrigger:
		s.trigger()
	case protocol.ReqSetClockMode:
		s.Clock.Mode = int(data[0])
	case protocol.ReqGetClockMode:
		data[0] = byte(s.Clock.MaxMode)
		data[1] = byte(s.Clock.Mode)
		data[2] = byte(s.Clock.SubClkDiv)
		data[3] = byte(s.Clock.IntClkUsec)
		data[4] = byte(s.Clock.SubtMode)
	case protocol.ReqTerminateSwitch:
		select {
		case s.switches <- 0:
		default:
		}
	default:
		return 0, fmt.Errorf("sim: unknown request 0x%02x", request)
	}
	return len(data), nil
}

// trigger renders the measurement for the current parameters. s.mu is held.
func (s *Instrument) trigger() {
	p := s.Params
	n := int(p.NumMeas)
	scan := p.ModeFlags&protocol.FlagScan != 0
	if scan {
		n = s.ScanBlocks
	}
	if n < 1 {
		n = 1
	}
	t := s.IntTime(p.IntClocks)
	out := make([]byte, n*protocol.BlockSize)
	for b := 0; b < n; b++ {
		var pix []float64
		var sh float64
		if s.Light != nil {
			pix, sh = s.Light(p, t, b)
		}
		blk := out[b*protocol.BlockSize:]
		for i := 0; i < 126; i++ {
			v := 0.0
			if i < len(pix) {
				v = pix[i]
			}
			protocol.PutUint16(blk[2*i:], clamp16(v))
		}
		protocol.PutUint16(blk[2*126:], clamp16(sh))
	}
	s.data = out
	s.eos = scan
	select {
	case s.ready <- struct{}{}:
	default:
	}
}

func clamp16(v float64) uint16 {
	v = math.Round(v)
	if v < 0 {
		return 0
	}
	if v > 65535 {
		return 65535
	}
	return uint16(v)
}

func (s *Instrument) BulkRead(ctx context.Context, buf []byte, timeout time.Duration) (int, error) {
	s.mu.Lock()
	s.ops++
	if s.eeRead != nil {
		n := copy(buf, s.eeRead)
		s.eeRead = nil
		s.mu.Unlock()
		return n, nil
	}
	abort := s.abort
	s.mu.Unlock()

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		s.mu.Lock()
		if len(s.data) > 0 || s.eos {
			n := copy(buf, s.data)
			s.data = s.data[n:]
			if n < len(buf) {
				s.eos = false
			}
			s.mu.Unlock()
			return n, nil
		}
		s.mu.Unlock()
		select {
		case <-s.ready:
		case <-abort:
			return 0, errors.New("sim: transfer cancelled")
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-deadline.C:
			return 0, ErrTimeout
		}
	}
}

func (s *Instrument) BulkWrite(ctx context.Context, buf []byte, timeout time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ops++
	if s.eeWrite < 0 {
		return 0, errors.New("sim: unexpected bulk write")
	}
	n := copy(s.EEPROM[s.eeWrite:], buf)
	s.eeWrite = -1
	return n, nil
}

func (s *Instrument) ReadSwitch(ctx context.Context, buf []byte, timeout time.Duration) (int, error) {
	s.mu.Lock()
	s.ops++
	abort := s.abort
	s.mu.Unlock()

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	select {
	case v := <-s.switches:
		if v == 0 {
			return 0, nil
		}
		buf[0] = v
		return 1, nil
	case <-abort:
		return 0, errors.New("sim: transfer cancelled")
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-deadline.C:
		return 0, ErrTimeout
	}
}

func (s *Instrument) Cancel() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	close(s.abort)
	s.abort = make(chan struct{})
	return nil
}

func (s *Instrument) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

var _ protocol.Transport = (*Instrument)(nil)
