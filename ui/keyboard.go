package ui

import (
	"fmt"

	"github.com/CK6170/spectro-go/models"
)

// NextYN shows a green prompt and waits for single-key Y/N (case-insensitive). If N is pressed
// it returns 'N' and the caller can choose to skip. If ESC pressed, returns 27.
func NextYN(message string) rune {
	fmt.Printf("\033[32m%s\033[0m\n", message)
	DrainKeys()
	keyEvents := StartKeyEvents()
	for {
		k, ok := <-keyEvents
		if !ok {
			return 27
		}
		switch k {
		case 'Y', 'y':
			return 'Y'
		case 'N', 'n':
			return 'N'
		case 27:
			return 27
		}
	}
}

// NextRetryOrExit shows a green message and waits for 'R' (retry), 'M' (change mode) or ESC (exit).
func NextRetryOrExit() rune {
	msg := "\nPress 'R' to Retry, 'M' to change Mode, <ESC> to exit"
	fmt.Printf("\033[32m%s\033[0m\n", msg)
	DrainKeys()
	keyEvents := StartKeyEvents()
	for {
		k, ok := <-keyEvents
		if !ok {
			return 27
		}
		switch k {
		case 'R', 'r':
			return 'R'
		case 'M', 'm':
			return 'M'
		case 27:
			return 27
		}
	}
}

// NextMode lists the measurement modes and waits for a digit. ESC returns
// false.
func NextMode(modes []models.Mode) (models.Mode, bool) {
	Greenf("\nSelect a mode:\n")
	for i, m := range modes {
		fmt.Printf("  %d  %s\n", i+1, m)
	}
	DrainKeys()
	keyEvents := StartKeyEvents()
	for {
		k, ok := <-keyEvents
		if !ok || k == 27 {
			return 0, false
		}
		if i := int(k - '1'); i >= 0 && i < len(modes) {
			return modes[i], true
		}
	}
}
