package matrix

import (
	"fmt"
	"math"
)

func ToIEEE754(f float32) uint32 {
	return math.Float32bits(f)
}

// PrintFactorsIEEE prints calibration factors with the IEEE754 single
// precision pattern they would carry on the wire.
func PrintFactorsIEEE(factors *Vector, wavelengths []float64) {
	// Orange color for factors
	fmt.Print("\033[38;5;208m")
	fmt.Println(MatrixLine)
	fmt.Println("calibration factors (IEEE754)")
	for i, val := range factors.Values {
		hex := fmt.Sprintf("%08X", ToIEEE754(float32(val)))
		wl := float64(i)
		if i < len(wavelengths) {
			wl = wavelengths[i]
		}
		// Space flag aligns positive and negative values.
		fmt.Printf("[%6.1f]  % .12e  %s\n", wl, val, hex)
	}
	fmt.Println(MatrixLine)
	fmt.Print("\033[0m")
}
