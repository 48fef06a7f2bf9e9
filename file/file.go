// Package file persists instrument data to disk: the per-instrument
// calibration cache and the CSV reading log written by the CLI.
package file

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/CK6170/spectro-go/models"
	"github.com/CK6170/spectro-go/ui"
)

// AppendToFile appends content + newline to file, creating it if it does not
// exist.
func AppendToFile(file, content string) {
	f, err := os.OpenFile(file, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		ui.Warningf("Warning: failed to open file for append: %v\n", err)
		return
	}
	defer func() { _ = f.Close() }()
	if _, err := f.WriteString(content + "\n"); err != nil {
		ui.Warningf("Warning: failed to write to file: %v\n", err)
	}
}

// CSVHeader is the header row matching ReadingCSV for the given resolution.
func CSVHeader(highRes bool) string {
	cols := []string{"mode", "patch", "X", "Y", "Z", "duration"}
	for _, w := range models.Wavelengths(highRes) {
		cols = append(cols, strconv.FormatFloat(w, 'f', -1, 64))
	}
	return strings.Join(cols, ",")
}

// ReadingCSV formats one reading as a CSV row.
func ReadingCSV(r models.Reading) string {
	cols := []string{
		r.Mode.String(),
		strconv.Itoa(r.Patch),
		fmt.Sprintf("%.6f", r.XYZ[0]),
		fmt.Sprintf("%.6f", r.XYZ[1]),
		fmt.Sprintf("%.6f", r.XYZ[2]),
		fmt.Sprintf("%.6f", r.Duration),
	}
	for _, v := range r.Spectrum {
		cols = append(cols, fmt.Sprintf("%.6g", v))
	}
	return strings.Join(cols, ",")
}

// LogReadings appends readings to a CSV file, writing the header first when
// the file is new.
func LogReadings(path string, readings []models.Reading) {
	if len(readings) == 0 {
		return
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		AppendToFile(path, CSVHeader(readings[0].HighRes))
	}
	for _, r := range readings {
		AppendToFile(path, ReadingCSV(r))
	}
}
