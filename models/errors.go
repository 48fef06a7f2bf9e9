package models

import (
	"errors"
	"fmt"
)

// Communication errors.
var (
	// ErrComsNotEstablished is returned before the instrument has answered.
	ErrComsNotEstablished = errors.New("communications not established")

	// ErrNotInited is returned before calibration data has been loaded.
	ErrNotInited = errors.New("instrument not initialised")

	// ErrCommsFailure wraps any transport error.
	ErrCommsFailure = errors.New("communications failure")

	// ErrHardwareFault indicates a malformed or short response.
	ErrHardwareFault = errors.New("hardware fault")

	// ErrNotSupported indicates a command the firmware does not implement.
	ErrNotSupported = errors.New("not supported by firmware")

	// ErrBusy is returned when another operation is already in flight.
	ErrBusy = errors.New("instrument busy")
)

// Measurement quality errors.
var (
	ErrNeedsCalibration     = errors.New("needs calibration")
	ErrSensorSaturated      = errors.New("sensor saturated")
	ErrDarkInconsistent     = errors.New("dark readings inconsistent")
	ErrWhiteInconsistent    = errors.New("white readings inconsistent")
	ErrLightTooLow          = errors.New("light level too low")
	ErrLightTooHigh         = errors.New("light level too high")
	ErrWhiteReference       = errors.New("white reference reading out of range")
	ErrNotEnoughPatches     = errors.New("not enough patches")
	ErrTooManyPatches       = errors.New("too many patches")
	ErrNoFlashesFound       = errors.New("no flashes found")
	ErrNoAmbientBeforeFlash = errors.New("no ambient before flash")
	ErrUnsupportedMode      = errors.New("mode not supported by instrument")
)

// User interaction.
var (
	ErrUserAbort   = errors.New("user aborted")
	ErrUserTrigger = errors.New("user triggered")
)

// Data integrity errors.
var (
	ErrCorruptDirectory = errors.New("eeprom: corrupt key directory")
	ErrKeyOutOfRange    = errors.New("eeprom: key data out of range")
	ErrMissingEndMarker = errors.New("eeprom: missing end marker")
	ErrChecksum         = errors.New("eeprom: log checksum mismatch")
	ErrLogOverlap       = errors.New("eeprom: log entries overlap")
	ErrOutOfRange       = errors.New("eeprom: request out of range")
)

// ErrInternal indicates a defect.
var ErrInternal = errors.New("internal error")

// RetryWithCondition is not a failure: the caller must establish Expected
// and request the calibration again.
type RetryWithCondition struct {
	Expected Condition
}

func (r *RetryWithCondition) Error() string {
	return fmt.Sprintf("retry calibration with condition %s", r.Expected)
}

// IsMeasurementQuality reports errors the caller can recover from by
// adjusting the measurement setup.
func IsMeasurementQuality(err error) bool {
	for _, e := range []error{ErrSensorSaturated, ErrDarkInconsistent, ErrWhiteInconsistent,
		ErrLightTooLow, ErrLightTooHigh, ErrWhiteReference, ErrNotEnoughPatches,
		ErrTooManyPatches, ErrNoFlashesFound, ErrNoAmbientBeforeFlash} {
		if errors.Is(err, e) {
			return true
		}
	}
	return false
}

// IsDataIntegrity reports EEPROM errors that make the instrument unusable.
func IsDataIntegrity(err error) bool {
	for _, e := range []error{ErrCorruptDirectory, ErrKeyOutOfRange, ErrMissingEndMarker, ErrChecksum, ErrLogOverlap} {
		if errors.Is(err, e) {
			return true
		}
	}
	return false
}
