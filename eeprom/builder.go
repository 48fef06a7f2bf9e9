package eeprom

import (
	"encoding/binary"
	"fmt"
)

// Builder assembles an EEPROM image: log keys (0x0100..0x01FF) go to both log
// copies, everything else after the directory. It is used to provision
// simulated instruments.
type Builder struct {
	log    []*Entry
	config []*Entry
}

// NewBuilder returns an empty builder.
func NewBuilder() *Builder { return &Builder{} }

func isLogKey(k Key) bool { return k >= 0x0100 && k < 0x0200 }

func (b *Builder) add(e *Entry) *Builder {
	if isLogKey(e.Key) {
		b.log = append(b.log, e)
	} else {
		b.config = append(b.config, e)
	}
	return b
}

// Ints adds an integer key.
func (b *Builder) Ints(key Key, v ...int32) *Builder {
	return b.add(&Entry{Key: key, Kind: KindInt, Ints: v})
}

// Doubles adds a double key.
func (b *Builder) Doubles(key Key, v ...float64) *Builder {
	return b.add(&Entry{Key: key, Kind: KindDouble, Doubles: v})
}

// Build lays out the image, computing the log checksum.
func (b *Builder) Build() ([]byte, error) {
	byKey := map[Key]*Entry{}
	for _, e := range b.log {
		byKey[e.Key] = e
	}
	ck, ok := byKey[KeyLogChecksum]
	if !ok {
		ck = &Entry{Key: KeyLogChecksum, Kind: KindInt}
		b.log = append(b.log, ck)
		byKey[KeyLogChecksum] = ck
	}
	ck.Ints = []int32{int32(checksum(func(k Key) (*Entry, bool) {
		e, ok := byKey[k]
		return e, ok
	}))}

	img := make([]byte, ImageSize)
	off := 0
	for _, e := range b.log {
		e.Offset = off
		off += 4 * e.Len()
	}
	if off > LogSize {
		return nil, fmt.Errorf("log section needs %d bytes", off)
	}
	logEnd := off
	for _, e := range b.log {
		e.encode(img[LogCopyA+e.Offset:])
		e.encode(img[LogCopyB+e.Offset:])
	}

	count := len(b.log) + len(b.config) + 2
	off = DirOffset + 2 + count*dirEntry
	off = (off + 3) &^ 3
	for _, e := range b.config {
		e.Offset = off
		size := 4 * e.Len()
		if off+size > ImageSize {
			return nil, fmt.Errorf("config key 0x%04x does not fit the image", e.Key)
		}
		e.encode(img[off:])
		off += size
	}

	binary.BigEndian.PutUint16(img[DirOffset:], uint16(count))
	p := DirOffset + 2
	put := func(k Key, o int) {
		binary.BigEndian.PutUint16(img[p:], uint16(k))
		binary.BigEndian.PutUint32(img[p+2:], uint32(o))
		p += dirEntry
	}
	for _, e := range b.log {
		put(e.Key, e.Offset)
	}
	put(KeySectionConfig, logEnd)
	for _, e := range b.config {
		put(e.Key, e.Offset)
	}
	put(KeySectionEnd, off)
	return img, nil
}
