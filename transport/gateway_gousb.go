//go:build !mips && !mipsle

package transport

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/gousb"
)

// Default bulk endpoint addresses for the 0x0402:0x3922 panel, observed in
// USB captures: OUT is the low-numbered bulk endpoint, IN is its mirror
// with the direction bit set. Overridable via Options for hosts where the
// firmware enumerates differently.
const (
	DefaultEndpointOutAddr = 0x01
	DefaultEndpointInAddr  = 0x81
)

// gousbGateway is the direct-USB Gateway implementation built on
// github.com/google/gousb (libusb bindings). It detaches any
// kernel-attached mass-storage driver on open and claims interface 0,
// mirroring the project's existing direct-USB device path.
type gousbGateway struct {
	ctx    *gousb.Context
	device *gousb.Device
	config *gousb.Config
	intf   *gousb.Interface

	epOut *gousb.OutEndpoint
	epIn  *gousb.InEndpoint

	epOutAddr int
	epInAddr  int

	logger *log.Logger
}

// openGousbGateway opens the device identified by vendor/product, claims
// interface 0, and resolves its bulk endpoints.
func openGousbGateway(vendor, product uint16, epOutAddr, epInAddr int, logger *log.Logger) (*gousbGateway, error) {
	if logger == nil {
		logger = log.Default()
	}
	if epOutAddr == 0 {
		epOutAddr = DefaultEndpointOutAddr
	}
	if epInAddr == 0 {
		epInAddr = DefaultEndpointInAddr
	}

	ctx := gousb.NewContext()

	device, err := ctx.OpenDeviceWithVIDPID(gousb.ID(vendor), gousb.ID(product))
	if err != nil {
		ctx.Close()
		return nil, fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	if device == nil {
		ctx.Close()
		return nil, fmt.Errorf("%w: vid=0x%04x pid=0x%04x", ErrNotFound, vendor, product)
	}

	// Best-effort: detach the kernel mass-storage driver so userspace can
	// claim the interface. It is not an error if none was attached.
	_ = device.SetAutoDetach(true)

	config, err := device.Config(1)
	if err != nil {
		device.Close()
		ctx.Close()
		return nil, fmt.Errorf("transport: failed to set USB config: %w", err)
	}

	intf, err := config.Interface(0, 0)
	if err != nil {
		config.Close()
		device.Close()
		ctx.Close()
		return nil, fmt.Errorf("transport: failed to claim USB interface: %w", err)
	}

	epOut, err := intf.OutEndpoint(epOutAddr)
	if err != nil {
		intf.Close()
		config.Close()
		device.Close()
		ctx.Close()
		return nil, fmt.Errorf("transport: failed to open bulk OUT endpoint 0x%02x: %w", epOutAddr, err)
	}

	epIn, err := intf.InEndpoint(epInAddr)
	if err != nil {
		intf.Close()
		config.Close()
		device.Close()
		ctx.Close()
		return nil, fmt.Errorf("transport: failed to open bulk IN endpoint 0x%02x: %w", epInAddr, err)
	}

	logger.Printf("transport: opened USB device vid=0x%04x pid=0x%04x (out=0x%02x in=0x%02x)",
		vendor, product, epOutAddr, epInAddr)

	return &gousbGateway{
		ctx:       ctx,
		device:    device,
		config:    config,
		intf:      intf,
		epOut:     epOut,
		epIn:      epIn,
		epOutAddr: epOutAddr,
		epInAddr:  epInAddr,
		logger:    logger,
	}, nil
}

func (g *gousbGateway) BulkOut(ctx context.Context, data []byte, timeout time.Duration) error {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	_, err := g.epOut.WriteContext(cctx, data)
	return translateUSBError(err)
}

func (g *gousbGateway) BulkIn(ctx context.Context, maxLen int, timeout time.Duration) ([]byte, error) {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	buf := make([]byte, maxLen)
	n, err := g.epIn.ReadContext(cctx, buf)
	if err != nil && n == 0 {
		return nil, translateUSBError(err)
	}
	return buf[:n], translateUSBError(err)
}

func (g *gousbGateway) ClearHalt(ep EndpointID) error {
	var addr int
	switch ep {
	case EndpointOut:
		addr = g.epOutAddr
	case EndpointIn:
		addr = g.epInAddr
	}
	if err := g.device.ClearHalt(uint8(addr)); err != nil {
		return translateUSBError(err)
	}
	return nil
}

func (g *gousbGateway) ResetDevice() error {
	if err := g.device.Reset(); err != nil {
		return translateUSBError(err)
	}
	return nil
}

func (g *gousbGateway) IsPresent() bool {
	_, err := g.device.GetStringDescriptor(1)
	return err == nil
}

func (g *gousbGateway) Close() error {
	if g.intf != nil {
		g.intf.Close()
	}
	if g.config != nil {
		g.config.Close()
	}
	if g.device != nil {
		g.device.Close()
	}
	if g.ctx != nil {
		g.ctx.Close()
	}
	return nil
}

// translateUSBError maps gousb/libusb errors into the canonical gateway
// sentinels. This is the only place in the package that interprets
// OS/libusb-level error codes, per spec.md §4.1.
func translateUSBError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}

	var usbErr gousb.Error
	if errors.As(err, &usbErr) {
		switch usbErr {
		case gousb.ErrorNoDevice, gousb.ErrorNotFound:
			return fmt.Errorf("%w: %v", ErrDeviceGone, err)
		case gousb.ErrorPipe:
			return fmt.Errorf("%w: %v", ErrPipeStall, err)
		case gousb.ErrorBusy:
			return fmt.Errorf("%w: %v", ErrResourceBusy, err)
		case gousb.ErrorTimeout:
			return fmt.Errorf("%w: %v", ErrTimeout, err)
		}
	}
	return fmt.Errorf("transport: USB transfer failed: %w", err)
}
