package protocol_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/CK6170/spectro-go/models"
	"github.com/CK6170/spectro-go/protocol"
	"github.com/CK6170/spectro-go/protocol/sim"
)

func newSim(t *testing.T) (*sim.Instrument, *protocol.Instrument) {
	t.Helper()
	img, err := sim.Image()
	if err != nil {
		t.Fatalf("image: %v", err)
	}
	s := sim.New(img)
	return s, protocol.NewInstrument(s)
}

func TestCodecBigEndian(t *testing.T) {
	b := make([]byte, 4)
	protocol.PutUint16(b, 0x1234)
	if b[0] != 0x12 || b[1] != 0x34 {
		t.Fatalf("u16 not big-endian: % x", b[:2])
	}
	protocol.PutInt32(b, -2)
	if protocol.Int32(b) != -2 || b[0] != 0xFF {
		t.Fatalf("i32 = % x", b)
	}
	protocol.PutFloat(b, 0.25)
	if b[0] != 0x3E || b[1] != 0x80 {
		t.Fatalf("float = % x", b)
	}
	if protocol.Float(b) != 0.25 {
		t.Fatalf("float round trip = %v", protocol.Float(b))
	}
}

func TestMeasureParamsFrame(t *testing.T) {
	p := protocol.MeasureParams{IntClocks: 200, LampClocks: 100, NumMeas: 4, ModeFlags: protocol.FlagNoLamp | protocol.FlagHighGain}
	b := p.Bytes()
	if len(b) != 8 || b[0] != 0 || b[1] != 200 || b[6] != 0x06 {
		t.Fatalf("frame = % x", b)
	}
	if got := protocol.ParseMeasureParams(b); got != p {
		t.Fatalf("parsed %+v", got)
	}
}

func TestEEPROMRangeCheckedBeforeTransfer(t *testing.T) {
	s, in := newSim(t)
	ctx := context.Background()
	cases := []struct{ addr, size int }{
		{0, 0},
		{0, 65536},
		{8000, 400},
		{-1, 4},
	}
	for _, c := range cases {
		if _, err := in.ReadEEPROM(ctx, c.addr, c.size); !errors.Is(err, models.ErrOutOfRange) {
			t.Fatalf("read %d+%d: err = %v", c.addr, c.size, err)
		}
	}
	if err := in.WriteEEPROM(ctx, 8190, make([]byte, 4)); !errors.Is(err, models.ErrOutOfRange) {
		t.Fatalf("write: err = %v", err)
	}
	if s.Ops() != 0 {
		t.Fatalf("transport used %d times", s.Ops())
	}
}

func TestReadWriteEEPROM(t *testing.T) {
	s, in := newSim(t)
	ctx := context.Background()
	if err := in.WriteEEPROM(ctx, 0x20, []byte{1, 2, 3, 4}); err != nil {
		t.Fatalf("write: %v", err)
	}
	b, err := in.ReadEEPROM(ctx, 0x20, 4)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if b[0] != 1 || b[3] != 4 {
		t.Fatalf("read back % x", b)
	}
	if s.Count(protocol.ReqWriteEEPROM) != 1 || s.Count(protocol.ReqReadEEPROM) != 1 {
		t.Fatalf("calls = %+v", s.Calls())
	}
}

func TestMiscStatusCachesFirmware(t *testing.T) {
	s, in := newSim(t)
	s.Status.FWRev = 300
	st, err := in.GetMiscStatus(context.Background())
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.FWRev != 300 || in.Firmware() != 300 || st.MaxPVE != 65535 {
		t.Fatalf("status %+v", st)
	}
	if _, err := in.GetClockMode(context.Background()); !errors.Is(err, models.ErrNotSupported) {
		t.Fatalf("clock mode on fw 300: %v", err)
	}
}

func TestClockMode(t *testing.T) {
	s, in := newSim(t)
	s.Clock.SubtMode = 1
	ctx := context.Background()
	if _, err := in.GetMiscStatus(ctx); err != nil {
		t.Fatalf("status: %v", err)
	}
	if err := in.SetClockMode(ctx, 2); err != nil {
		t.Fatalf("set: %v", err)
	}
	cm, err := in.GetClockMode(ctx)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if cm.Mode != 2 || !in.SameReadSubtract() {
		t.Fatalf("clock mode %+v", cm)
	}
}

func TestTransportErrorIsCommsFailure(t *testing.T) {
	s, in := newSim(t)
	s.ControlErr = errors.New("pipe stalled")
	_, err := in.GetMiscStatus(context.Background())
	if !errors.Is(err, models.ErrCommsFailure) {
		t.Fatalf("err = %v", err)
	}
}

func TestReadMeasurementSpot(t *testing.T) {
	s, in := newSim(t)
	s.Light = sim.Tile(1000, 0.02, 0)
	ctx := context.Background()
	p := protocol.MeasureParams{IntClocks: 200, NumMeas: 3}
	if err := in.SetMeasureParams(ctx, p); err != nil {
		t.Fatalf("params: %v", err)
	}
	if err := in.Trigger(ctx); err != nil {
		t.Fatalf("trigger: %v", err)
	}
	buf := make([]byte, 3*protocol.BlockSize)
	n, err := in.ReadMeasurement(ctx, buf, false, time.Second)
	if err != nil || n != 3 {
		t.Fatalf("read = %d, %v", n, err)
	}
	if protocol.Uint16(buf[2*10:]) != 1000 {
		t.Fatalf("pixel 10 = %d", protocol.Uint16(buf[2*10:]))
	}
}

func TestReadMeasurementScanEndsOnShortRead(t *testing.T) {
	s, in := newSim(t)
	s.ScanBlocks = 37
	ctx := context.Background()
	if err := in.SetMeasureParams(ctx, protocol.MeasureParams{IntClocks: 125, ModeFlags: protocol.FlagScan}); err != nil {
		t.Fatalf("params: %v", err)
	}
	if err := in.Trigger(ctx); err != nil {
		t.Fatalf("trigger: %v", err)
	}
	buf := make([]byte, 200*protocol.BlockSize)
	n, err := in.ReadMeasurement(ctx, buf, true, time.Second)
	if err != nil || n != 37 {
		t.Fatalf("read = %d, %v", n, err)
	}
}

func TestReadMeasurementBeforeTrigger(t *testing.T) {
	s, in := newSim(t)
	s.Light = sim.Tile(500, 0.02, 0)
	ctx := context.Background()
	if err := in.SetMeasureParams(ctx, protocol.MeasureParams{IntClocks: 200, NumMeas: 1}); err != nil {
		t.Fatalf("params: %v", err)
	}
	done := make(chan error, 1)
	buf := make([]byte, protocol.BlockSize)
	go func() {
		_, err := in.ReadMeasurement(ctx, buf, false, time.Second)
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)
	if err := in.Trigger(ctx); err != nil {
		t.Fatalf("trigger: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("read: %v", err)
	}
}

func TestOddLengthReadIsHardwareFault(t *testing.T) {
	in := protocol.NewInstrument(oddReader{})
	_, err := in.ReadMeasurement(context.Background(), make([]byte, protocol.BlockSize), false, time.Second)
	if !errors.Is(err, models.ErrHardwareFault) {
		t.Fatalf("err = %v", err)
	}
}

type oddReader struct{ protocol.Transport }

func (oddReader) BulkRead(ctx context.Context, buf []byte, timeout time.Duration) (int, error) {
	return 100, nil
}
