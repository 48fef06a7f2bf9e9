package colorimetry

import (
	"math"
	"testing"

	"github.com/CK6170/spectro-go/models"
)

func flat(n int, v float64) []float64 {
	s := make([]float64, n)
	for i := range s {
		s[i] = v
	}
	return s
}

func TestPerfectReflectorIsD50White(t *testing.T) {
	xyz, err := XYZ(models.RefSpot, flat(models.NWav, 1))
	if err != nil {
		t.Fatalf("xyz: %v", err)
	}
	if math.Abs(xyz[1]-100) > 1e-9 {
		t.Fatalf("Y = %v", xyz[1])
	}
	// D50 white point is roughly (96.4, 100, 82.5)
	if math.Abs(xyz[0]-96.4) > 1.5 || math.Abs(xyz[2]-82.5) > 1.5 {
		t.Fatalf("white point = %v", xyz)
	}
}

func TestHighResAgreesWithLowRes(t *testing.T) {
	lo, _ := XYZ(models.TransSpot, flat(models.NWav, 0.5))
	hi, err := XYZ(models.TransSpot, flat(models.NWavHi, 0.5))
	if err != nil {
		t.Fatalf("xyz: %v", err)
	}
	for i := range lo {
		if math.Abs(hi[i]-lo[i])/lo[i] > 0.02 {
			t.Fatalf("component %d: hi %v lo %v", i, hi[i], lo[i])
		}
	}
}

func TestEmissiveScale(t *testing.T) {
	spd := make([]float64, models.NWav)
	spd[17] = 1 // 550nm
	xyz, err := XYZ(models.EmisSpot, spd)
	if err != nil {
		t.Fatalf("xyz: %v", err)
	}
	if math.Abs(xyz[1]-683*10*0.99495) > 1e-6 {
		t.Fatalf("Y = %v", xyz[1])
	}
}

func TestXYZRejectsOddLength(t *testing.T) {
	if _, err := XYZ(models.RefSpot, make([]float64, 10)); err == nil {
		t.Fatalf("expected error")
	}
}
