//go:build mips || mipsle

package transport

import (
	"context"
	"fmt"
	"log"
	"time"
)

// gousbGateway is a stub for MIPS targets where cgo-based libusb bindings
// are not built (mirrors the project's own mips/mipsle fallback path for
// its direct-USB device code).
type gousbGateway struct{}

func openGousbGateway(vendor, product uint16, epOutAddr, epInAddr int, logger *log.Logger) (*gousbGateway, error) {
	return nil, fmt.Errorf("transport: direct USB gateway %w on this platform", ErrUnsupportedPlatform)
}

func (g *gousbGateway) BulkOut(ctx context.Context, data []byte, timeout time.Duration) error {
	return ErrUnsupportedPlatform
}

func (g *gousbGateway) BulkIn(ctx context.Context, maxLen int, timeout time.Duration) ([]byte, error) {
	return nil, ErrUnsupportedPlatform
}

func (g *gousbGateway) ClearHalt(ep EndpointID) error { return ErrUnsupportedPlatform }
func (g *gousbGateway) ResetDevice() error            { return ErrUnsupportedPlatform }
func (g *gousbGateway) IsPresent() bool               { return false }
func (g *gousbGateway) Close() error                  { return nil }
