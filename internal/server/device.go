package server

import (
	"context"
	"fmt"

	"github.com/CK6170/spectro-go/instrument"
	"github.com/CK6170/spectro-go/protocol"
)

// Opener returns a fresh transport to the instrument: the USB device or the
// simulator.
type Opener func() (protocol.Transport, error)

// openDevice opens the transport and initialises the instrument. On failure
// the transport is closed again so the next connect starts clean.
func openDevice(ctx context.Context, open Opener, opts instrument.Options) (*instrument.Device, error) {
	t, err := open()
	if err != nil {
		return nil, fmt.Errorf("open instrument: %w", err)
	}
	d := instrument.New(t, opts)
	if err := d.Init(ctx); err != nil {
		_ = d.Close(context.Background())
		return nil, err
	}
	return d, nil
}

// forwardPresses publishes switch presses on the event hub until stop is
// closed.
func forwardPresses(d *instrument.Device, hub *WSHub, stop <-chan struct{}) {
	presses := d.Presses()
	for {
		select {
		case <-stop:
			return
		case <-presses:
			hub.Broadcast(WSMessage{Type: "press", Data: map[string]int64{"count": d.Status().Presses}})
		}
	}
}
