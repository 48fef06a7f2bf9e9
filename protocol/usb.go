package protocol

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/gousb"
)

// Default USB identity and endpoint numbers.
const (
	DefaultVendorID  = 0x0971
	DefaultProductID = 0x2000

	epMeasureIn = 2 // 0x82
	epEEPROMOut = 1 // 0x01
	epSwitchIn  = 4 // 0x84
)

// USB is a gousb backed Transport.
type USB struct {
	ctx    *gousb.Context
	dev    *gousb.Device
	intf   *gousb.Interface
	done   func()
	measIn *gousb.InEndpoint
	eeOut  *gousb.OutEndpoint
	swIn   *gousb.InEndpoint

	ctlMu sync.Mutex // dev.ControlTimeout is shared state

	mu       sync.Mutex
	inflight map[int]context.CancelFunc
	nextID   int
}

// OpenUSB opens the first instrument matching vid/pid and claims its default
// interface.
func OpenUSB(vid, pid uint16) (*USB, error) {
	ctx := gousb.NewContext()
	dev, err := ctx.OpenDeviceWithVIDPID(gousb.ID(vid), gousb.ID(pid))
	if err != nil {
		ctx.Close()
		return nil, fmt.Errorf("open device %04x:%04x: %w", vid, pid, err)
	}
	if dev == nil {
		ctx.Close()
		return nil, fmt.Errorf("device %04x:%04x not found", vid, pid)
	}
	// Not every platform supports detaching; the claim below reports real problems.
	_ = dev.SetAutoDetach(true)

	intf, done, err := dev.DefaultInterface()
	if err != nil {
		dev.Close()
		ctx.Close()
		return nil, fmt.Errorf("claim interface: %w", err)
	}
	u := &USB{ctx: ctx, dev: dev, intf: intf, done: done, inflight: map[int]context.CancelFunc{}}

	if u.measIn, err = intf.InEndpoint(epMeasureIn); err != nil {
		u.Close()
		return nil, fmt.Errorf("measurement endpoint: %w", err)
	}
	if u.eeOut, err = intf.OutEndpoint(epEEPROMOut); err != nil {
		u.Close()
		return nil, fmt.Errorf("eeprom endpoint: %w", err)
	}
	if u.swIn, err = intf.InEndpoint(epSwitchIn); err != nil {
		u.Close()
		return nil, fmt.Errorf("switch endpoint: %w", err)
	}
	return u, nil
}

// track derives a cancellable context for one transfer and registers it so
// Cancel can abort it.
func (u *USB) track(parent context.Context, timeout time.Duration) (context.Context, func()) {
	ctx, cancel := context.WithTimeout(parent, timeout)
	u.mu.Lock()
	id := u.nextID
	u.nextID++
	u.inflight[id] = cancel
	u.mu.Unlock()
	return ctx, func() {
		u.mu.Lock()
		delete(u.inflight, id)
		u.mu.Unlock()
		cancel()
	}
}

func (u *USB) Control(ctx context.Context, reqType, request uint8, value, index uint16, data []byte, timeout time.Duration) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	u.ctlMu.Lock()
	defer u.ctlMu.Unlock()
	u.dev.ControlTimeout = timeout
	return u.dev.Control(reqType, request, value, index, data)
}

func (u *USB) BulkRead(ctx context.Context, buf []byte, timeout time.Duration) (int, error) {
	c, release := u.track(ctx, timeout)
	defer release()
	return u.measIn.ReadContext(c, buf)
}

func (u *USB) BulkWrite(ctx context.Context, buf []byte, timeout time.Duration) (int, error) {
	c, release := u.track(ctx, timeout)
	defer release()
	return u.eeOut.WriteContext(c, buf)
}

func (u *USB) ReadSwitch(ctx context.Context, buf []byte, timeout time.Duration) (int, error) {
	c, release := u.track(ctx, timeout)
	defer release()
	return u.swIn.ReadContext(c, buf)
}

func (u *USB) Cancel() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	for id, cancel := range u.inflight {
		cancel()
		delete(u.inflight, id)
	}
	return nil
}

func (u *USB) Close() error {
	_ = u.Cancel()
	if u.done != nil {
		u.done()
	}
	var err error
	if u.dev != nil {
		err = u.dev.Close()
	}
	if u.ctx != nil {
		if cerr := u.ctx.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// DeviceInfo describes an attached USB device.
type DeviceInfo struct {
	Bus     int    `json:"bus"`
	Address int    `json:"address"`
	Vendor  uint16 `json:"vendor"`
	Product uint16 `json:"product"`
}

// String implements fmt.Stringer.
func (d DeviceInfo) String() string {
	return fmt.Sprintf("%03d:%03d %04x:%04x", d.Bus, d.Address, d.Vendor, d.Product)
}

// ListDevices returns the attached devices matching vid (and pid when non
// zero), sorted by bus and address. Devices are enumerated without being
// opened.
func ListDevices(vid, pid uint16) ([]DeviceInfo, error) {
	ctx := gousb.NewContext()
	defer ctx.Close()

	out := make([]DeviceInfo, 0, 4)
	devs, err := ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		if uint16(desc.Vendor) == vid && (pid == 0 || uint16(desc.Product) == pid) {
			out = append(out, DeviceInfo{
				Bus:     desc.Bus,
				Address: desc.Address,
				Vendor:  uint16(desc.Vendor),
				Product: uint16(desc.Product),
			})
		}
		return false
	})
	for _, d := range devs {
		d.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("enumerate usb: %w", err)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Bus != out[j].Bus {
			return out[i].Bus < out[j].Bus
		}
		return out[i].Address < out[j].Address
	})
	return out, nil
}
