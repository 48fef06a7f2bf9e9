package protocol

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/CK6170/spectro-go/models"
)

// DefaultTimeout is the timeout of every control request.
const DefaultTimeout = 2 * time.Second

// Instrument issues the vendor command set over a Transport and caches the
// values later commands depend on (firmware revision, clock configuration).
type Instrument struct {
	t       Transport
	Timeout time.Duration

	mu        sync.Mutex
	FWRev     int
	MaxPVE    int
	PowMode   int
	Clock     ClockMode
	haveClock bool
}

// NewInstrument wraps a transport.
func NewInstrument(t Transport) *Instrument {
	return &Instrument{t: t, Timeout: DefaultTimeout}
}

// Transport returns the underlying transport.
func (in *Instrument) Transport() Transport { return in.t }

func (in *Instrument) control(ctx context.Context, reqType, req uint8, value uint16, data []byte, what string) error {
	n, err := in.t.Control(ctx, reqType, req, value, 0, data, in.Timeout)
	if err != nil {
		return fmt.Errorf("%s: %w: %w", what, models.ErrCommsFailure, err)
	}
	if n != len(data) {
		return fmt.Errorf("%s: short transfer %d/%d: %w", what, n, len(data), models.ErrHardwareFault)
	}
	return nil
}

// Reset resets the instrument. mask selects the subsystems.
func (in *Instrument) Reset(ctx context.Context, mask uint8) error {
	return in.control(ctx, vendorOut, ReqReset, 0, []byte{mask}, "reset")
}

func checkEEPROMRange(addr, size int) error {
	if size <= 0 || size > 0xFFFF || addr < 0 || addr+size > EEPROMSize {
		return fmt.Errorf("addr 0x%04x size %d: %w", addr, size, models.ErrOutOfRange)
	}
	return nil
}

// ReadEEPROM reads size bytes from addr.
func (in *Instrument) ReadEEPROM(ctx context.Context, addr, size int) ([]byte, error) {
	if err := checkEEPROMRange(addr, size); err != nil {
		return nil, err
	}
	if err := in.control(ctx, vendorOut, ReqReadEEPROM, 0, eepromFrame(addr, size), "read eeprom"); err != nil {
		return nil, err
	}
	buf := make([]byte, size)
	n, err := in.t.BulkRead(ctx, buf, in.Timeout)
	if err != nil {
		return nil, fmt.Errorf("read eeprom data: %w: %w", models.ErrCommsFailure, err)
	}
	if n != size {
		return nil, fmt.Errorf("read eeprom data: got %d of %d bytes: %w", n, size, models.ErrHardwareFault)
	}
	return buf, nil
}

// WriteEEPROM writes data at addr.
func (in *Instrument) WriteEEPROM(ctx context.Context, addr int, data []byte) error {
	if err := checkEEPROMRange(addr, len(data)); err != nil {
		return err
	}
	if err := in.control(ctx, vendorOut, ReqWriteEEPROM, 0, eepromFrame(addr, len(data)), "write eeprom"); err != nil {
		return err
	}
	n, err := in.t.BulkWrite(ctx, data, in.Timeout)
	if err != nil {
		return fmt.Errorf("write eeprom data: %w: %w", models.ErrCommsFailure, err)
	}
	if n != len(data) {
		return fmt.Errorf("write eeprom data: wrote %d of %d bytes: %w", n, len(data), models.ErrHardwareFault)
	}
	return nil
}

// GetMiscStatus reads the status frame and caches firmware revision, maximum
// sensor value and power mode.
func (in *Instrument) GetMiscStatus(ctx context.Context) (MiscStatus, error) {
	buf := make([]byte, 8)
	if err := in.control(ctx, vendorIn, ReqGetMiscStatus, 0, buf, "get misc status"); err != nil {
		return MiscStatus{}, err
	}
	st := ParseMiscStatus(buf)
	in.mu.Lock()
	in.FWRev, in.MaxPVE, in.PowMode = st.FWRev, st.MaxPVE, st.PowMode
	in.mu.Unlock()
	return st, nil
}

// Firmware returns the cached firmware revision.
func (in *Instrument) Firmware() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.FWRev
}

// GetMeasureParams reads the current measurement parameters.
func (in *Instrument) GetMeasureParams(ctx context.Context) (MeasureParams, error) {
	buf := make([]byte, 8)
	if err := in.control(ctx, vendorIn, ReqGetMeasureParams, 0, buf, "get measure params"); err != nil {
		return MeasureParams{}, err
	}
	return ParseMeasureParams(buf), nil
}

// SetMeasureParams sets the parameters of the next triggered measurement.
func (in *Instrument) SetMeasureParams(ctx context.Context, p MeasureParams) error {
	return in.control(ctx, vendorOut, ReqSetMeasureParams, 0, p.Bytes(), "set measure params")
}

// Trigger starts the measurement. Callers that need to have the bulk read
// posted first go through the delayed trigger worker.
func (in *Instrument) Trigger(ctx context.Context) error {
	n, err := in.t.Control(ctx, vendorOut, ReqTrigger, 0, 0, nil, in.Timeout)
	if err != nil {
		return fmt.Errorf("trigger: %w: %w", models.ErrCommsFailure, err)
	}
	if n != 0 {
		return fmt.Errorf("trigger: unexpected %d bytes: %w", n, models.ErrHardwareFault)
	}
	return nil
}

// ReadMeasurement reads into buf, which must be a multiple of BlockSize. In
// scan mode it keeps reading BlockSize multiples until a short read marks the
// end of the scan or buf is full. It returns the number of blocks read.
func (in *Instrument) ReadMeasurement(ctx context.Context, buf []byte, scan bool, timeout time.Duration) (int, error) {
	if len(buf) == 0 || len(buf)%BlockSize != 0 {
		return 0, fmt.Errorf("read measurement: buffer of %d bytes: %w", len(buf), models.ErrInternal)
	}
	total := 0
	for {
		chunk := buf[total:]
		if scan && len(chunk) > 16*BlockSize {
			chunk = chunk[:16*BlockSize]
		}
		n, err := in.t.BulkRead(ctx, chunk, timeout)
		if err != nil {
			if ctx.Err() != nil {
				return total / BlockSize, ctx.Err()
			}
			return total / BlockSize, fmt.Errorf("read measurement: %w: %w", models.ErrCommsFailure, err)
		}
		if n%BlockSize != 0 {
			return total / BlockSize, fmt.Errorf("read measurement: %d bytes: %w", n, models.ErrHardwareFault)
		}
		total += n
		if !scan {
			if n != len(chunk) {
				return total / BlockSize, fmt.Errorf("read measurement: short read %d/%d: %w", n, len(chunk), models.ErrHardwareFault)
			}
			return total / BlockSize, nil
		}
		if n < len(chunk) || total == len(buf) {
			return total / BlockSize, nil
		}
	}
}

// SetClockMode selects a sensor clock mode. Firmware 301 and later only.
func (in *Instrument) SetClockMode(ctx context.Context, mode uint8) error {
	if in.Firmware() < FirmwareClockMode {
		return fmt.Errorf("set clock mode: firmware %d: %w", in.Firmware(), models.ErrNotSupported)
	}
	if err := in.control(ctx, vendorOut, ReqSetClockMode, 0, []byte{mode}, "set clock mode"); err != nil {
		return err
	}
	in.mu.Lock()
	in.haveClock = false
	in.mu.Unlock()
	return nil
}

// GetClockMode reads and caches the clock configuration. Firmware 301 and
// later only.
func (in *Instrument) GetClockMode(ctx context.Context) (ClockMode, error) {
	if in.Firmware() < FirmwareClockMode {
		return ClockMode{}, fmt.Errorf("get clock mode: firmware %d: %w", in.Firmware(), models.ErrNotSupported)
	}
	buf := make([]byte, 6)
	if err := in.control(ctx, vendorIn, ReqGetClockMode, 0, buf, "get clock mode"); err != nil {
		return ClockMode{}, err
	}
	cm := ParseClockMode(buf)
	in.mu.Lock()
	in.Clock, in.haveClock = cm, true
	in.mu.Unlock()
	return cm, nil
}

// SameReadSubtract reports whether the cached clock mode enables shielded
// pixel subtraction.
func (in *Instrument) SameReadSubtract() bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.haveClock && in.Clock.SubtMode != 0
}

// TerminateSwitch releases a pending switch interrupt read.
func (in *Instrument) TerminateSwitch(ctx context.Context) error {
	if _, err := in.t.Control(ctx, vendorOut, ReqTerminateSwitch, 0, 0, nil, in.Timeout); err != nil {
		return fmt.Errorf("terminate switch: %w: %w", models.ErrCommsFailure, err)
	}
	return nil
}

// ReadSwitch waits up to timeout for a switch event. It returns true on a
// press and false when the read was released without one.
func (in *Instrument) ReadSwitch(ctx context.Context, timeout time.Duration) (bool, error) {
	buf := make([]byte, 1)
	n, err := in.t.ReadSwitch(ctx, buf, timeout)
	if err != nil {
		return false, fmt.Errorf("read switch: %w: %w", models.ErrCommsFailure, err)
	}
	return n == 1 && buf[0] == 0x01, nil
}
