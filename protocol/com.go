// Package protocol implements the instrument's USB vendor command set: the
// big-endian wire codec, the fixed-size command frames and one method per
// command primitive on top of a Transport.
package protocol

import (
	"encoding/binary"
	"math"
)

// Vendor request codes.
const (
	ReqTrigger          uint8 = 0xC0
	ReqSetMeasureParams uint8 = 0xC1
	ReqGetMeasureParams uint8 = 0xC2
	ReqWriteEEPROM      uint8 = 0xC3
	ReqReadEEPROM       uint8 = 0xC4
	ReqGetMiscStatus    uint8 = 0xC9
	ReqReset            uint8 = 0xCA
	ReqSetClockMode     uint8 = 0xCF
	ReqTerminateSwitch  uint8 = 0xD0
	ReqGetClockMode     uint8 = 0xD1
)

// bmRequestType values: vendor request addressed to the device.
const (
	vendorOut uint8 = 0x40
	vendorIn  uint8 = 0xC0
)

// Measurement mode flag bits carried in MeasureParams.ModeFlags.
const (
	FlagScan      uint8 = 0x01
	FlagNoLamp    uint8 = 0x02
	FlagHighGain  uint8 = 0x04
	FlagCalibrate uint8 = 0x08
)

// BlockSize is the size of one raw measurement block.
const BlockSize = 256

// EEPROMSize is the size of the instrument's EEPROM image.
const EEPROMSize = 8192

// FirmwareClockMode is the first firmware revision with clock mode commands.
const FirmwareClockMode = 301

// Uint16 decodes a big-endian u16.
func Uint16(b []byte) uint16 { return binary.BigEndian.Uint16(b) }

// Uint32 decodes a big-endian u32.
func Uint32(b []byte) uint32 { return binary.BigEndian.Uint32(b) }

// Int32 decodes a big-endian two's complement i32.
func Int32(b []byte) int32 { return int32(binary.BigEndian.Uint32(b)) }

// PutUint16 encodes a big-endian u16.
func PutUint16(b []byte, v uint16) { binary.BigEndian.PutUint16(b, v) }

// PutUint32 encodes a big-endian u32.
func PutUint32(b []byte, v uint32) { binary.BigEndian.PutUint32(b, v) }

// PutInt32 encodes a big-endian i32.
func PutInt32(b []byte, v int32) { binary.BigEndian.PutUint32(b, uint32(v)) }

// Float decodes a double carried as an IEEE-754 single in 4 bytes.
func Float(b []byte) float64 {
	return float64(math.Float32frombits(binary.BigEndian.Uint32(b)))
}

// PutFloat encodes a double as an IEEE-754 single in 4 bytes.
func PutFloat(b []byte, v float64) {
	binary.BigEndian.PutUint32(b, math.Float32bits(float32(v)))
}

// MeasureParams is the 8 byte measurement parameter frame.
type MeasureParams struct {
	IntClocks  uint16
	LampClocks uint16
	NumMeas    uint16
	ModeFlags  uint8
}

// Bytes serialises the frame.
func (p MeasureParams) Bytes() []byte {
	buf := make([]byte, 8)
	PutUint16(buf[0:], p.IntClocks)
	PutUint16(buf[2:], p.LampClocks)
	PutUint16(buf[4:], p.NumMeas)
	buf[6] = p.ModeFlags
	return buf
}

// ParseMeasureParams decodes the frame.
func ParseMeasureParams(b []byte) MeasureParams {
	return MeasureParams{
		IntClocks:  Uint16(b[0:]),
		LampClocks: Uint16(b[2:]),
		NumMeas:    Uint16(b[4:]),
		ModeFlags:  b[6],
	}
}

// MiscStatus is the response of the misc status request.
type MiscStatus struct {
	FWRev    int
	Unknown1 int
	MaxPVE   int // maximum positive sensor value
	Unknown3 int
	PowMode  int
}

// ParseMiscStatus decodes the 8 byte status frame.
func ParseMiscStatus(b []byte) MiscStatus {
	return MiscStatus{
		FWRev:    int(Uint16(b[0:])),
		Unknown1: int(Uint16(b[2:])),
		MaxPVE:   int(Uint16(b[4:])),
		Unknown3: int(b[6]),
		PowMode:  int(b[7]),
	}
}

// Bytes serialises the status frame (used by test fakes).
func (s MiscStatus) Bytes() []byte {
	buf := make([]byte, 8)
	PutUint16(buf[0:], uint16(s.FWRev))
	PutUint16(buf[2:], uint16(s.Unknown1))
	PutUint16(buf[4:], uint16(s.MaxPVE))
	buf[6] = byte(s.Unknown3)
	buf[7] = byte(s.PowMode)
	return buf
}

// ClockMode is the response of the clock mode request.
type ClockMode struct {
	MaxMode    int
	Mode       int
	SubClkDiv  int
	IntClkUsec int
	SubtMode   int // non-zero enables same-read shielded pixel subtraction
}

// ParseClockMode decodes the 6 byte clock mode frame.
func ParseClockMode(b []byte) ClockMode {
	return ClockMode{
		MaxMode:    int(b[0]),
		Mode:       int(b[1]),
		SubClkDiv:  int(b[2]),
		IntClkUsec: int(b[3]),
		SubtMode:   int(b[4]),
	}
}

// eepromFrame builds the address/size header of the EEPROM requests.
func eepromFrame(addr, size int) []byte {
	buf := make([]byte, 8)
	PutUint32(buf[0:], uint32(addr))
	PutUint16(buf[4:], uint16(size))
	return buf
}
