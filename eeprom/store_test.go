package eeprom

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/CK6170/spectro-go/models"
)

func testImage(t *testing.T) []byte {
	t.Helper()
	img, err := NewBuilder().
		Ints(KeyLogMeasCount, 12).
		Ints(KeyLogDarkCount, 3).
		Ints(KeyLogWhiteCount, 2).
		Ints(KeyLogWhiteTime, 1700000000).
		Doubles(KeyLogLampSeconds, 41.5).
		Ints(KeySerial, 123456).
		Doubles(KeyIntClockPeriod, 1e-4).
		Ints(KeySatThreshold, 60000, 55000).
		Doubles(KeyLinNormal, 0, 1, 2e-6, 0).
		Doubles(KeyWhiteRef, 0.9, 0.91, 0.92).
		Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	return img
}

func TestParseTypedValues(t *testing.T) {
	s, err := Parse(testImage(t))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if v, ok := s.Int(KeySerial); !ok || v != 123456 {
		t.Fatalf("serial = %d, %v", v, ok)
	}
	sat, _ := s.Ints(KeySatThreshold)
	if len(sat) != 2 || sat[1] != 55000 {
		t.Fatalf("sat = %v", sat)
	}
	lin, _ := s.Doubles(KeyLinNormal)
	if len(lin) != 4 || lin[1] != 1 {
		t.Fatalf("lin = %v", lin)
	}
	if v, _ := s.Double(KeyLogLampSeconds); v != 41.5 {
		t.Fatalf("lamp seconds = %v", v)
	}
	if s.LogCopy != 0 {
		t.Fatalf("expected copy A, got %d", s.LogCopy)
	}
	// directory order is preserved
	if s.Entries()[0].Key != KeyLogMeasCount {
		t.Fatalf("first entry = 0x%04x", s.Entries()[0].Key)
	}
}

func TestRoundTripLogSection(t *testing.T) {
	img := testImage(t)
	s, err := Parse(img)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	sum := s.Checksum()
	log1, err := s.PrepareLogSection()
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	copy(img[LogCopyA:], log1)
	copy(img[LogCopyB:], log1)

	s2, err := Parse(img)
	if err != nil {
		t.Fatalf("reparse: %v", err)
	}
	if s2.Checksum() != sum {
		t.Fatalf("checksum %08x != %08x", s2.Checksum(), sum)
	}
	log2, err := s2.PrepareLogSection()
	if err != nil {
		t.Fatalf("prepare 2: %v", err)
	}
	if !bytes.Equal(log1, log2) {
		t.Fatalf("log section not idempotent")
	}
}

func TestCopyBSelectedWhenACorrupt(t *testing.T) {
	img := testImage(t)
	img[LogCopyA+2] ^= 0xFF // meas count in copy A
	s, err := Parse(img)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if s.LogCopy != 1 {
		t.Fatalf("expected copy B, got %d", s.LogCopy)
	}
	if v, _ := s.Int(KeyLogMeasCount); v != 12 {
		t.Fatalf("meas count = %d", v)
	}
}

func TestBothCopiesCorrupt(t *testing.T) {
	img := testImage(t)
	img[LogCopyA+3] ^= 0x01
	img[LogCopyB+3] ^= 0x01
	_, err := Parse(img)
	if !errors.Is(err, models.ErrChecksum) {
		t.Fatalf("err = %v", err)
	}
	if !models.IsDataIntegrity(err) {
		t.Fatalf("checksum failure must be a data integrity error")
	}
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(img []byte)
		want   error
	}{
		{"count too small", func(img []byte) { binary.BigEndian.PutUint16(img[DirOffset:], 3) }, models.ErrCorruptDirectory},
		{"count too large", func(img []byte) { binary.BigEndian.PutUint16(img[DirOffset:], 1001) }, models.ErrCorruptDirectory},
		{"missing end marker", func(img []byte) {
			n := int(binary.BigEndian.Uint16(img[DirOffset:]))
			binary.BigEndian.PutUint16(img[DirOffset+2+(n-1)*dirEntry:], uint16(KeySerial)+0x50)
		}, models.ErrMissingEndMarker},
		{"span escapes image", func(img []byte) {
			n := int(binary.BigEndian.Uint16(img[DirOffset:]))
			binary.BigEndian.PutUint32(img[DirOffset+2+(n-1)*dirEntry+2:], ImageSize+64)
		}, models.ErrKeyOutOfRange},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			img := testImage(t)
			tt.mutate(img)
			if _, err := Parse(img); !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestPrepareDetectsOverlap(t *testing.T) {
	s, err := Parse(testImage(t))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	// growing the first counter makes it run into its neighbour
	if err := s.SetInts(KeyLogMeasCount, []int32{1, 2}); err != nil {
		t.Fatalf("set: %v", err)
	}
	if _, err := s.PrepareLogSection(); !errors.Is(err, models.ErrLogOverlap) {
		t.Fatalf("err = %v", err)
	}
}

func TestCounterUpdateMarksDirty(t *testing.T) {
	img := testImage(t)
	s, err := Parse(img)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if s.Dirty() {
		t.Fatalf("fresh store is dirty")
	}
	if err := s.AddInt(KeyLogMeasCount, 5); err != nil {
		t.Fatalf("add: %v", err)
	}
	if !s.Dirty() {
		t.Fatalf("store not dirty after counter update")
	}
	buf, err := s.PrepareLogSection()
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	copy(img[LogCopyA:], buf)
	s2, err := Parse(img)
	if err != nil {
		t.Fatalf("reparse: %v", err)
	}
	if v, _ := s2.Int(KeyLogMeasCount); v != 17 {
		t.Fatalf("meas count = %d", v)
	}
	if s2.LogCopy != 0 {
		t.Fatalf("updated copy A should validate")
	}
}
