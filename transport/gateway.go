package transport

import (
	"context"
	"time"
)

// EndpointID names one of the two bulk endpoints a Gateway exposes,
// without committing to the device's actual endpoint addresses (those are
// resolved once at open time and are a Gateway implementation detail).
type EndpointID int

const (
	EndpointOut EndpointID = iota
	EndpointIn
)

// Gateway is the C1 USB Endpoint Gateway contract from spec.md §4.1. It is
// the only component that touches the OS USB API; translation of
// OS-level error codes into the canonical ErrorKind sentinels happens here
// and nowhere else.
type Gateway interface {
	// BulkOut writes data to the bulk OUT endpoint, returning one of
	// ErrPipeStall, ErrTimeout, ErrResourceBusy, or ErrDeviceGone on
	// failure.
	BulkOut(ctx context.Context, data []byte, timeout time.Duration) error

	// BulkIn reads up to maxLen bytes from the bulk IN endpoint, returning
	// ErrPipeStall, ErrTimeout, or ErrDeviceGone on failure.
	BulkIn(ctx context.Context, maxLen int, timeout time.Duration) ([]byte, error)

	// ClearHalt clears a halt condition on the named endpoint.
	ClearHalt(ep EndpointID) error

	// ResetDevice issues a USB port/device reset.
	ResetDevice() error

	// IsPresent reports whether the device still responds to basic
	// enumeration, used by the Disconnected→Animation re-enumeration path.
	IsPresent() bool

	// Close releases the endpoints and interface, reattaching any kernel
	// driver that was detached at open time.
	Close() error
}
