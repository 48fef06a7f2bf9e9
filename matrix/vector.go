package matrix

import (
	"fmt"
)

// Vector is a dense length-N vector of float64 values.
type Vector struct {
	Length int
	Values []float64
}

// NewVector allocates a vector of the given length initialized with zeros.
func NewVector(length int) *Vector {
	return &Vector{Length: length, Values: make([]float64, length)}
}

// FromSlice wraps a copy of values.
func FromSlice(values []float64) *Vector {
	v := NewVector(len(values))
	copy(v.Values, values)
	return v
}

// PrintVector prints a trimmed view of a vector for debugging, labelling
// each row with labels[i] when given (wavelengths, sample indices).
//
// When debug is true, output is colored (ANSI) to visually distinguish debug
// vectors.
func PrintVector(v *Vector, labels []float64, title string, debug bool) {
	if debug {
		fmt.Print("\033[33m")
	}
	fmt.Println(MatrixLine)
	fmt.Println(title, " (", v.Length, ")")
	max := v.Length
	if max > 40 {
		max = 40
	}
	for i := 0; i < max; i++ {
		if i < len(labels) {
			fmt.Printf("[%6.1f] %12.6f\n", labels[i], v.Values[i])
		} else {
			fmt.Printf("[%03d] %12.6f\n", i, v.Values[i])
		}
	}
	if v.Length > max {
		fmt.Println("...")
	}
	fmt.Println(MatrixLine)
	if debug {
		fmt.Print("\033[0m")
	}
}
