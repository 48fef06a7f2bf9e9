// Package eeprom decodes the instrument's EEPROM image into a typed key/value
// store, selects the valid copy of the rewritable log section by checksum and
// re-serialises that section for write-back.
package eeprom

import (
	"encoding/binary"
	"fmt"
	"math"
	"sort"

	"github.com/CK6170/spectro-go/models"
)

// Image layout.
const (
	ImageSize   = 8192
	LogSize     = 0x0800
	LogCopyA    = 0x0000
	LogCopyB    = 0x0800
	DirOffset   = 0x1000
	DirMinCount = 4
	DirMaxCount = 1000
	dirEntry    = 6
)

// Entry is one directory entry with its decoded values.
type Entry struct {
	Key     Key
	Kind    Kind
	Offset  int
	Size    int
	Ints    []int32
	Doubles []float64
	Log     bool
}

// Len returns the number of values held.
func (e *Entry) Len() int {
	if e.Kind == KindDouble {
		return len(e.Doubles)
	}
	return len(e.Ints)
}

func (e *Entry) decode(b []byte) {
	n := len(b) / 4
	switch e.Kind {
	case KindDouble:
		e.Doubles = make([]float64, n)
		for i := range e.Doubles {
			e.Doubles[i] = float64(math.Float32frombits(binary.BigEndian.Uint32(b[4*i:])))
		}
	case KindInt:
		e.Ints = make([]int32, n)
		for i := range e.Ints {
			e.Ints[i] = int32(binary.BigEndian.Uint32(b[4*i:]))
		}
	}
}

func (e *Entry) encode(b []byte) {
	switch e.Kind {
	case KindDouble:
		for i, v := range e.Doubles {
			binary.BigEndian.PutUint32(b[4*i:], math.Float32bits(float32(v)))
		}
	case KindInt:
		for i, v := range e.Ints {
			binary.BigEndian.PutUint32(b[4*i:], uint32(v))
		}
	}
}

// words returns the 32-bit wire words of the entry.
func (e *Entry) words() []uint32 {
	switch e.Kind {
	case KindDouble:
		w := make([]uint32, len(e.Doubles))
		for i, v := range e.Doubles {
			w[i] = math.Float32bits(float32(v))
		}
		return w
	case KindInt:
		w := make([]uint32, len(e.Ints))
		for i, v := range e.Ints {
			w[i] = uint32(v)
		}
		return w
	}
	return nil
}

// Store is a parsed EEPROM image.
type Store struct {
	entries []*Entry
	index   map[Key]*Entry

	// LogCopy is the log copy selected at parse time (0 = A, 1 = B).
	LogCopy int
	dirty   bool
}

type dirRecord struct {
	key    Key
	offset int
}

// Parse decodes an EEPROM image.
func Parse(image []byte) (*Store, error) {
	if len(image) != ImageSize {
		return nil, fmt.Errorf("image is %d bytes: %w", len(image), models.ErrCorruptDirectory)
	}
	count := int(binary.BigEndian.Uint16(image[DirOffset:]))
	if count < DirMinCount || count > DirMaxCount {
		return nil, fmt.Errorf("directory count %d: %w", count, models.ErrCorruptDirectory)
	}
	if DirOffset+2+count*dirEntry > ImageSize {
		return nil, fmt.Errorf("directory of %d entries overruns image: %w", count, models.ErrCorruptDirectory)
	}
	recs := make([]dirRecord, count)
	for i := range recs {
		p := DirOffset + 2 + i*dirEntry
		recs[i] = dirRecord{
			key:    Key(binary.BigEndian.Uint16(image[p:])),
			offset: int(binary.BigEndian.Uint32(image[p+2:])),
		}
	}
	if recs[count-1].key >= SectionThreshold {
		return nil, fmt.Errorf("last key 0x%04x: %w", recs[count-1].key, models.ErrMissingEndMarker)
	}

	s := &Store{index: make(map[Key]*Entry, count)}
	inLog := true
	for i, r := range recs {
		if _, dup := s.index[r.key]; dup {
			return nil, fmt.Errorf("duplicate key 0x%04x: %w", r.key, models.ErrCorruptDirectory)
		}
		e := &Entry{Key: r.key, Kind: KindOf(r.key), Offset: r.offset}
		s.entries = append(s.entries, e)
		s.index[r.key] = e
		if e.Kind == KindSection {
			inLog = false
			continue
		}
		size := recs[i+1].offset - r.offset
		if r.offset < 0 || size < 0 || r.offset+size > ImageSize {
			return nil, fmt.Errorf("key 0x%04x at 0x%04x size %d: %w", r.key, r.offset, size, models.ErrKeyOutOfRange)
		}
		if inLog && r.offset+size > LogSize {
			return nil, fmt.Errorf("log key 0x%04x escapes log section: %w", r.key, models.ErrKeyOutOfRange)
		}
		if size%4 != 0 {
			return nil, fmt.Errorf("key 0x%04x size %d: %w", r.key, size, models.ErrCorruptDirectory)
		}
		e.Size = size
		e.Log = inLog
		if !inLog {
			e.decode(image[r.offset : r.offset+size])
		}
	}

	for copyIdx, base := range []int{LogCopyA, LogCopyB} {
		for _, e := range s.entries {
			if e.Log {
				e.decode(image[base+e.Offset : base+e.Offset+e.Size])
			}
		}
		if s.logValid() {
			s.LogCopy = copyIdx
			return s, nil
		}
	}
	return nil, fmt.Errorf("neither log copy is valid: %w", models.ErrChecksum)
}

func (s *Store) logValid() bool {
	e, ok := s.index[KeyLogChecksum]
	if !ok || !e.Log || len(e.Ints) != 1 {
		return false
	}
	return uint32(e.Ints[0]) == s.Checksum()
}

// Checksum is the wrapping sum of every 32-bit word of the log keys, floats by
// bit pattern. The checksum key itself is not included.
func (s *Store) Checksum() uint32 {
	return checksum(func(k Key) (*Entry, bool) {
		e, ok := s.index[k]
		return e, ok
	})
}

func checksum(lookup func(Key) (*Entry, bool)) uint32 {
	var sum uint32
	for _, k := range LogKeys {
		e, ok := lookup(k)
		if !ok {
			continue
		}
		for _, w := range e.words() {
			sum += w
		}
	}
	return sum
}

// Entries returns the entries in directory order.
func (s *Store) Entries() []*Entry { return s.entries }

// Entry returns the entry for key.
func (s *Store) Entry(key Key) (*Entry, bool) {
	e, ok := s.index[key]
	return e, ok
}

// Ints returns the values of an integer key.
func (s *Store) Ints(key Key) ([]int32, bool) {
	e, ok := s.index[key]
	if !ok || e.Kind != KindInt {
		return nil, false
	}
	return e.Ints, true
}

// Doubles returns the values of a double key.
func (s *Store) Doubles(key Key) ([]float64, bool) {
	e, ok := s.index[key]
	if !ok || e.Kind != KindDouble {
		return nil, false
	}
	return e.Doubles, true
}

// Int returns the first value of an integer key.
func (s *Store) Int(key Key) (int32, bool) {
	v, ok := s.Ints(key)
	if !ok || len(v) == 0 {
		return 0, false
	}
	return v[0], true
}

// Double returns the first value of a double key.
func (s *Store) Double(key Key) (float64, bool) {
	v, ok := s.Doubles(key)
	if !ok || len(v) == 0 {
		return 0, false
	}
	return v[0], true
}

// SetInts replaces the values of an existing integer key.
func (s *Store) SetInts(key Key, v []int32) error {
	e, ok := s.index[key]
	if !ok || e.Kind != KindInt {
		return fmt.Errorf("set ints: key 0x%04x is not an int entry: %w", key, models.ErrInternal)
	}
	e.Ints = append([]int32(nil), v...)
	e.Size = 4 * len(v)
	if e.Log {
		s.dirty = true
	}
	return nil
}

// SetDoubles replaces the values of an existing double key.
func (s *Store) SetDoubles(key Key, v []float64) error {
	e, ok := s.index[key]
	if !ok || e.Kind != KindDouble {
		return fmt.Errorf("set doubles: key 0x%04x is not a double entry: %w", key, models.ErrInternal)
	}
	e.Doubles = append([]float64(nil), v...)
	e.Size = 4 * len(v)
	if e.Log {
		s.dirty = true
	}
	return nil
}

// AddInt adds delta to the first value of a log counter.
func (s *Store) AddInt(key Key, delta int32) error {
	v, ok := s.Int(key)
	if !ok {
		return fmt.Errorf("add: key 0x%04x missing: %w", key, models.ErrInternal)
	}
	return s.SetInts(key, []int32{v + delta})
}

// Dirty reports whether a log value changed since parsing or the last
// PrepareLogSection.
func (s *Store) Dirty() bool { return s.dirty }

// PrepareLogSection refreshes the checksum key and serialises every log entry
// into a LogSize buffer at its offset. The buffer is written back to both log
// copies.
func (s *Store) PrepareLogSection() ([]byte, error) {
	ck, ok := s.index[KeyLogChecksum]
	if !ok || !ck.Log {
		return nil, fmt.Errorf("no log checksum key: %w", models.ErrChecksum)
	}
	ck.Ints = []int32{int32(s.Checksum())}
	ck.Size = 4

	var logs []*Entry
	for _, e := range s.entries {
		if e.Log {
			logs = append(logs, e)
		}
	}
	sort.SliceStable(logs, func(i, j int) bool { return logs[i].Offset < logs[j].Offset })

	buf := make([]byte, LogSize)
	end := 0
	for _, e := range logs {
		size := 4 * e.Len()
		if e.Offset < end {
			return nil, fmt.Errorf("key 0x%04x at 0x%04x overlaps previous entry ending at 0x%04x: %w",
				e.Key, e.Offset, end, models.ErrLogOverlap)
		}
		if e.Offset+size > LogSize {
			return nil, fmt.Errorf("key 0x%04x escapes log section: %w", e.Key, models.ErrLogOverlap)
		}
		e.encode(buf[e.Offset : e.Offset+size])
		end = e.Offset + size
	}
	s.dirty = false
	return buf, nil
}
