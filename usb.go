package felutils

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/gousb"
)

const (
	FEL_VID = 0x1f3a
	FEL_PID = 0xefe8

	FEL_CONFIG = 1
	FEL_IFACE  = 0
	FEL_ALT    = 0
)

// USBDevice is a claimed FEL/FES device talking over the bulk endpoints of interface 0.
type USBDevice struct {
	ctx    *gousb.Context
	dev    *gousb.Device
	cfg    *gousb.Config
	intf   *gousb.Interface
	outEp  *gousb.OutEndpoint
	inEp   *gousb.InEndpoint
	closed bool
	info   string
}

// ParseBusAddr splits a "BUS:ADDR" device selector.
func ParseBusAddr(s string) (bus, addr int, err error) {
	if _, err = fmt.Sscanf(s, "%d:%d", &bus, &addr); err != nil {
		return 0, 0, fmt.Errorf("invalid device %q, expected BUS:ADDR: %w", s, ErrInvalidArgument)
	}
	return bus, addr, nil
}

func matchDesc(desc *gousb.DeviceDesc, bus, addr int) bool {
	if !knownPair(desc.Vendor, desc.Product) {
		return false
	}
	if bus > 0 && (desc.Bus != bus || desc.Address != addr) {
		return false
	}
	return true
}

// OpenUSBDevice claims the FEL device at busAddr, or the first one found when busAddr is empty.
func OpenUSBDevice(busAddr string) (*USBDevice, error) {
	bus, addr := 0, 0
	if busAddr != "" {
		var err error
		if bus, addr, err = ParseBusAddr(busAddr); err != nil {
			return nil, err
		}
	}

	ctx := gousb.NewContext()

	// Open devices matching a known VID and PID, close others
	devs, err := ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return matchDesc(desc, bus, addr)
	})
	if err != nil && len(devs) == 0 {
		ctx.Close()
		return nil, fmt.Errorf("error opening devices: %w", err)
	}
	if len(devs) == 0 {
		ctx.Close()
		return nil, fmt.Errorf("no FEL device found")
	}
	dev := devs[0]
	for _, d := range devs[1:] {
		d.Close()
	}
	if err := dev.SetAutoDetach(true); err != nil {
		dev.Close()
		ctx.Close()
		return nil, fmt.Errorf("failed to enable auto detach: %w", err)
	}

	cfg, err := dev.Config(FEL_CONFIG)
	if err != nil {
		dev.Close()
		ctx.Close()
		return nil, fmt.Errorf("failed to get config %d: %w", FEL_CONFIG, err)
	}

	intf, err := cfg.Interface(FEL_IFACE, FEL_ALT)
	if err != nil {
		cfg.Close()
		dev.Close()
		ctx.Close()
		return nil, fmt.Errorf("failed to claim interface %d alt %d: %w", FEL_IFACE, FEL_ALT, err)
	}

	// The bulk endpoint numbers differ between ROM and loader, pick them from the descriptor
	outNum, inNum := -1, -1
	for _, ep := range intf.Setting.Endpoints {
		if ep.TransferType != gousb.TransferTypeBulk {
			continue
		}
		if ep.Direction == gousb.EndpointDirectionOut && outNum < 0 {
			outNum = ep.Number
		}
		if ep.Direction == gousb.EndpointDirectionIn && inNum < 0 {
			inNum = ep.Number
		}
	}
	if outNum < 0 || inNum < 0 {
		intf.Close()
		cfg.Close()
		dev.Close()
		ctx.Close()
		return nil, fmt.Errorf("interface %d has no bulk endpoint pair", FEL_IFACE)
	}

	outEp, err := intf.OutEndpoint(outNum)
	if err != nil {
		intf.Close()
		cfg.Close()
		dev.Close()
		ctx.Close()
		return nil, fmt.Errorf("failed to open OUT endpoint %d: %w", outNum, err)
	}

	inEp, err := intf.InEndpoint(inNum)
	if err != nil {
		intf.Close()
		cfg.Close()
		dev.Close()
		ctx.Close()
		return nil, fmt.Errorf("failed to open IN endpoint %d: %w", inNum, err)
	}

	return &USBDevice{
		ctx:   ctx,
		dev:   dev,
		cfg:   cfg,
		intf:  intf,
		outEp: outEp,
		inEp:  inEp,
		info: fmt.Sprintf("FEL device - VID:PID=%04X:%04X Bus:%03d Addr:%03d",
			uint16(dev.Desc.Vendor), uint16(dev.Desc.Product), dev.Desc.Bus, dev.Desc.Address),
	}, nil
}

// Close releases all USB resources.
func (d *USBDevice) Close() error {
	if d.closed {
		return nil
	}
	d.closed = true
	if d.intf != nil {
		d.intf.Close()
	}
	if d.cfg != nil {
		d.cfg.Close()
	}
	if d.dev != nil {
		d.dev.Close()
	}
	if d.ctx != nil {
		d.ctx.Close()
	}
	return nil
}

// Send writes p to the bulk OUT endpoint.
func (d *USBDevice) Send(p []byte, timeout time.Duration) (int, error) {
	if d.closed {
		return 0, fmt.Errorf("device closed")
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	n, err := d.outEp.WriteContext(ctx, p)
	if err != nil {
		return n, fmt.Errorf("write to OUT endpoint failed: %w", usbError(err))
	}
	return n, nil
}

// Recv reads up to n bytes from the bulk IN endpoint.
func (d *USBDevice) Recv(n int, timeout time.Duration) ([]byte, error) {
	if d.closed {
		return nil, fmt.Errorf("device closed")
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	buf := make([]byte, n)
	got, err := d.inEp.ReadContext(ctx, buf)
	if err != nil {
		return buf[:got], fmt.Errorf("read from IN endpoint failed: %w", usbError(err))
	}
	return buf[:got], nil
}

// Info describes the claimed device.
func (d *USBDevice) Info() string {
	if d.closed {
		return "device closed"
	}
	return d.info
}

// usbError marks timeouts and cancellations so the transfer engine can retry them.
func usbError(err error) error {
	switch {
	case errors.Is(err, gousb.ErrorTimeout),
		errors.Is(err, gousb.ErrorInterrupted),
		errors.Is(err, gousb.TransferTimedOut),
		errors.Is(err, gousb.TransferCancelled),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return fmt.Errorf("%w (%v)", ErrInterrupted, err)
	}
	return err
}
