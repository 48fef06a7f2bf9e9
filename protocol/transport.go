package protocol

import (
	"context"
	"time"
)

// Transport is the raw USB access the command set needs. Implementations
// must allow one control transfer and one bulk/switch read to be in flight
// at the same time from different goroutines.
type Transport interface {
	// Control performs a vendor control transfer. For IN requests data is
	// filled, for OUT requests it is sent.
	Control(ctx context.Context, reqType, request uint8, value, index uint16, data []byte, timeout time.Duration) (int, error)

	// BulkRead reads from the measurement endpoint.
	BulkRead(ctx context.Context, buf []byte, timeout time.Duration) (int, error)

	// BulkWrite writes to the EEPROM data endpoint.
	BulkWrite(ctx context.Context, buf []byte, timeout time.Duration) (int, error)

	// ReadSwitch waits for a switch event on the interrupt endpoint.
	ReadSwitch(ctx context.Context, buf []byte, timeout time.Duration) (int, error)

	// Cancel aborts every transfer currently in flight.
	Cancel() error

	Close() error
}
