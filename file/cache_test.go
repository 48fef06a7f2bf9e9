package file

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/CK6170/spectro-go/models"
)

var calTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func freshStates() []*models.ModeState {
	var out []*models.ModeState
	for _, m := range models.AllModes {
		t := 0.02
		if m.Flags().Has(models.Emissive) {
			t = 0.1
		}
		out = append(out, models.NewModeState(m, t))
	}
	return out
}

func calibratedStates() []*models.ModeState {
	states := freshStates()
	for _, s := range states {
		for i := range s.Dark {
			s.Dark[i] = float64(i)
		}
		s.DarkValid, s.DarkTime = true, calTime
		for k := range s.IDark {
			for i := range s.IDark[k] {
				s.IDark[k][i] = float64(k*1000 + i)
			}
		}
		s.IDarkTimes = models.IDarkTimes
		s.IDarkValid, s.IDarkTime = true, calTime
		for i := range s.CalFactor {
			s.CalFactor[i] = float64(i + 1)
		}
		for i := range s.CalHi {
			s.CalHi[i] = float64(2 * (i + 1))
		}
		s.CalValid, s.CalTime = true, calTime
		s.Settle()
	}
	return states
}

func TestCacheRoundTrip(t *testing.T) {
	path := CachePath(t.TempDir(), 1047)
	if err := SaveCache(path, 1047, calibratedStates()); err != nil {
		t.Fatalf("save: %v", err)
	}

	states := freshStates()
	restored, err := LoadCache(path, 1047, states)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(restored) != len(models.AllModes) {
		t.Fatalf("restored %v", restored)
	}
	ref := states[models.RefScan]
	if !ref.Ready() || ref.Cal != models.Calibrated {
		t.Fatalf("RefScan state %v, ready %v", ref.Cal, ref.Ready())
	}
	if ref.CalFactor[9] != 10 || ref.Dark[3] != 3 {
		t.Fatalf("values lost: factor %g dark %g", ref.CalFactor[9], ref.Dark[3])
	}
	if !ref.CalTime.Equal(calTime) {
		t.Fatalf("cal time %v", ref.CalTime)
	}
	if states[models.TransSpot].IDark[2][5] != 2005 {
		t.Fatalf("bracket dark %g", states[models.TransSpot].IDark[2][5])
	}
}

func TestCacheDoesNotRestoreEmissiveFactors(t *testing.T) {
	path := CachePath(t.TempDir(), 1047)
	if err := SaveCache(path, 1047, calibratedStates()); err != nil {
		t.Fatalf("save: %v", err)
	}
	states := freshStates()
	if _, err := LoadCache(path, 1047, states); err != nil {
		t.Fatalf("load: %v", err)
	}
	emis := states[models.EmisSpot]
	if emis.CalValid || emis.CalFactor[0] != 0 {
		t.Fatalf("emissive factors restored: valid %v factor %g", emis.CalValid, emis.CalFactor[0])
	}
	if !emis.IDarkValid {
		t.Fatal("emissive bracket dark not restored")
	}
}

func TestCacheIntTimeTolerance(t *testing.T) {
	path := CachePath(t.TempDir(), 1047)
	if err := SaveCache(path, 1047, calibratedStates()); err != nil {
		t.Fatalf("save: %v", err)
	}
	states := freshStates()
	states[models.RefScan].IntTime = 0.05 // non-adaptive, too far from 0.02
	states[models.RefSpot].IntTime = 0.05 // adaptive, restored regardless

	restored, err := LoadCache(path, 1047, states)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	for _, m := range restored {
		if m == models.RefScan {
			t.Fatal("RefScan restored despite integration time change")
		}
	}
	if states[models.RefScan].DarkValid {
		t.Fatal("RefScan dark applied")
	}
	if !states[models.RefSpot].DarkValid || states[models.RefSpot].IntTime != 0.02 {
		t.Fatalf("RefSpot not restored: %+v", states[models.RefSpot].IntTime)
	}
}

func TestCacheRejectsOtherInstrument(t *testing.T) {
	path := CachePath(t.TempDir(), 1047)
	if err := SaveCache(path, 1047, calibratedStates()); err != nil {
		t.Fatalf("save: %v", err)
	}
	_, err := LoadCache(path, 2000, freshStates())
	if !errors.Is(err, ErrCacheSerial) {
		t.Fatalf("err = %v", err)
	}
}

func TestCacheRejectsCorruption(t *testing.T) {
	path := CachePath(t.TempDir(), 1047)
	if err := SaveCache(path, 1047, calibratedStates()); err != nil {
		t.Fatalf("save: %v", err)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	b[100] ^= 0xff
	if err := os.WriteFile(path, b, 0o644); err != nil {
		t.Fatal(err)
	}
	states := freshStates()
	if _, err := LoadCache(path, 1047, states); !errors.Is(err, ErrCacheChecksum) {
		t.Fatalf("err = %v", err)
	}
	if states[models.RefSpot].DarkValid {
		t.Fatal("state touched by a corrupt cache")
	}

	if err := os.WriteFile(path, []byte("short"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadCache(path, 1047, states); !errors.Is(err, ErrCacheFormat) {
		t.Fatalf("short file err = %v", err)
	}
}

func TestCachePath(t *testing.T) {
	if got := CachePath("/tmp/x", 1047); got != filepath.Join("/tmp/x", "spectro_1047.cal") {
		t.Fatalf("path %q", got)
	}
}

func TestReadingCSV(t *testing.T) {
	r := models.Reading{
		Mode:     models.RefSpot,
		Spectrum: make([]float64, models.NWav),
		XYZ:      [3]float64{95.047, 100, 108.883},
		Patch:    2,
	}
	row := ReadingCSV(r)
	cols := strings.Split(row, ",")
	if len(cols) != 6+models.NWav {
		t.Fatalf("%d columns", len(cols))
	}
	if cols[1] != "2" || cols[3] != "100.000000" {
		t.Fatalf("row %q", row)
	}
	if hdr := strings.Split(CSVHeader(false), ","); len(hdr) != len(cols) {
		t.Fatalf("header has %d columns, row %d", len(hdr), len(cols))
	}

	path := filepath.Join(t.TempDir(), "log.csv")
	LogReadings(path, []models.Reading{r, r})
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if n := strings.Count(string(b), "\n"); n != 3 {
		t.Fatalf("%d lines", n)
	}
}
