package server

import (
	"time"

	"github.com/CK6170/spectro-go/models"
)

// APIError is the canonical error envelope returned by JSON endpoints.
// Kind classifies the failure so clients can react without parsing Error.
type APIError struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"` // busy, calibration, quality, integrity, aborted
}

// HealthResponse is returned by /api/health to confirm the server is running.
type HealthResponse struct {
	OK        bool      `json:"ok"`
	Timestamp time.Time `json:"timestamp"`
}

// ConnectResponse is returned by /api/connect.
type ConnectResponse struct {
	Connected bool   `json:"connected"`
	Serial    int    `json:"serial"`
	Firmware  int    `json:"firmware"`
	HighGain  bool   `json:"highGain"`
	Ambient   bool   `json:"ambient"`
	Warning   string `json:"warning,omitempty"`
}

// NeedsResponse tells the client which calibration a mode needs next and
// how the instrument must be set up for it.
type NeedsResponse struct {
	Mode      models.Mode      `json:"mode"`
	Needs     models.CalType   `json:"needs"`
	Condition models.Condition `json:"condition"`
	Prompt    string           `json:"prompt,omitempty"`
}

// CalibrateRequest starts a calibration. CalType "all" runs whatever the
// mode needs; Condition asserts the current physical setup.
type CalibrateRequest struct {
	Mode      models.Mode      `json:"mode"`
	CalType   models.CalType   `json:"calType"`
	Condition models.Condition `json:"condition"`
}

// RetryResponse is returned with 409 when the asserted condition is not the
// one the calibration needs. Nothing was measured.
type RetryResponse struct {
	Retry    bool             `json:"retry"`
	Expected models.Condition `json:"expected"`
	Prompt   string           `json:"prompt"`
}

// MeasureRequest takes a reading. Patches is the expected patch count of a
// scan and is ignored by spot and flash modes.
type MeasureRequest struct {
	Mode    models.Mode `json:"mode"`
	Patches int         `json:"patches,omitempty"`
}

// MeasureResponse carries the readings and the id under which they were
// stored for download.
type MeasureResponse struct {
	ID       string           `json:"id"`
	Readings []models.Reading `json:"readings"`
}

// ReadingSummary is one stored measurement in /api/readings.
type ReadingSummary struct {
	ID      string      `json:"id"`
	Time    time.Time   `json:"time"`
	Mode    models.Mode `json:"mode"`
	Patches int         `json:"patches"`
}
