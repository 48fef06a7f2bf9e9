package ui

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/CK6170/spectro-go/models"
)

func TestKeyInterrupter(t *testing.T) {
	keys := make(chan rune, 4)
	k := &KeyInterrupter{keys: keys}
	if err := k.Poll(); err != nil {
		t.Fatalf("idle poll: %v", err)
	}
	keys <- 'x'
	keys <- ' '
	if err := k.Poll(); !errors.Is(err, models.ErrUserTrigger) {
		t.Fatalf("space: %v", err)
	}
	keys <- 27
	if err := k.Poll(); !errors.Is(err, models.ErrUserAbort) {
		t.Fatalf("esc: %v", err)
	}
	close(keys)
	if err := k.Poll(); err != nil {
		t.Fatalf("closed: %v", err)
	}
}

func TestReadingLine(t *testing.T) {
	line := ReadingLine(models.Reading{Mode: models.AmbFlash, XYZ: [3]float64{1, 2, 3}, Duration: 0.0625})
	if !strings.Contains(line, "patch 01") || !strings.Contains(line, "flash 0.0625s") {
		t.Fatalf("line %q", line)
	}
}

func TestRedWriter(t *testing.T) {
	var b bytes.Buffer
	if _, err := NewRedWriter(&b).Write([]byte("x")); err != nil {
		t.Fatal(err)
	}
	if b.String() != "\033[31mx\033[0m" {
		t.Fatalf("%q", b.String())
	}
}
