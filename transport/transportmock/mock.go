// Package transportmock provides a scriptable fake of transport.Gateway
// for exercising the orchestrator's retry, pacing, and lifecycle-inference
// logic without real USB hardware.
package transportmock

import (
	"context"
	"encoding/binary"
	"sync"
	"time"

	"github.com/windin101/ali3922-tft-driver/transport"
)

// Script decides how the mock device responds to the Nth CBW it receives
// (1-based). Response.DeviceGone and Response.StallOnData make the
// following transfers fail; otherwise the CBW is answered with a CSW.
type Script func(call int, cbw transport.CBW) Response

// Response is what the scripted device does for one command.
type Response struct {
	// StallOnData, when set, causes the data-phase BulkOut/BulkIn to fail
	// with ErrPipeStall instead of completing.
	StallOnData bool

	// DeviceGone causes the relevant bulk transfer to fail with
	// ErrDeviceGone.
	DeviceGone bool

	// CSWTag overrides the echoed tag; zero means "echo the CBW's own tag".
	CSWTag uint32

	// Status is the CSW status byte returned.
	Status transport.Status

	// InData is returned verbatim for an IN data phase.
	InData []byte
}

// Gateway is a transport.Gateway backed by a Script. It tracks the most
// recent CBW so data-stage and CSW reads answer that command. A new CBW
// simply replaces the pending one; the mock does not report a CBW that
// arrives while another exchange is still outstanding.
type Gateway struct {
	mu    sync.Mutex
	calls int

	script Script

	pendingCBW   *transport.CBW
	pendingResp  Response
	dataConsumed bool

	present bool
	closed  bool

	// Recorded sends the observed sequence of CBWs for test assertions.
	Recorded []transport.CBW
}

// New creates a mock gateway driven by script.
func New(script Script) *Gateway {
	return &Gateway{script: script, present: true}
}

// BulkOut is used both for the CBW write and, when Direction is out, the
// data-phase write.
func (g *Gateway) BulkOut(ctx context.Context, data []byte, timeout time.Duration) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if len(data) == 31 {
		cbw, err := transport.DecodeCBW(data)
		if err != nil {
			return err
		}
		g.calls++
		g.Recorded = append(g.Recorded, cbw)
		resp := g.script(g.calls, cbw)
		g.pendingCBW = &cbw
		g.pendingResp = resp
		g.dataConsumed = false
		return nil
	}

	// Data-phase OUT write against the pending command.
	if g.pendingResp.DeviceGone {
		return transport.ErrDeviceGone
	}
	if g.pendingResp.StallOnData {
		return transport.ErrPipeStall
	}
	g.dataConsumed = true
	return nil
}

// BulkIn serves either a data-phase IN read or a CSW read, distinguished
// by maxLen (13 means "reading a CSW").
func (g *Gateway) BulkIn(ctx context.Context, maxLen int, timeout time.Duration) ([]byte, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.pendingCBW == nil {
		return nil, transport.ErrInvalidCSW
	}

	if maxLen != 13 {
		if g.pendingResp.DeviceGone {
			return nil, transport.ErrDeviceGone
		}
		if g.pendingResp.StallOnData {
			return nil, transport.ErrPipeStall
		}
		g.dataConsumed = true
		return g.pendingResp.InData, nil
	}

	if g.pendingResp.DeviceGone {
		return nil, transport.ErrDeviceGone
	}

	tag := g.pendingResp.CSWTag
	if tag == 0 {
		tag = g.pendingCBW.Tag
	}
	csw := transport.CSW{Tag: tag, Status: g.pendingResp.Status}
	g.pendingCBW = nil
	return transport.EncodeCSW(csw), nil
}

// ClearHalt is a no-op that always succeeds; stall-recovery behavior is
// asserted via the Script's subsequent responses, not via endpoint state.
func (g *Gateway) ClearHalt(ep transport.EndpointID) error { return nil }

// ResetDevice is a no-op that always succeeds; it leaves the call counter
// and the pending exchange untouched.
func (g *Gateway) ResetDevice() error { return nil }

func (g *Gateway) IsPresent() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.present && !g.closed
}

func (g *Gateway) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closed = true
	return nil
}

// SetPresent toggles the IsPresent() return value, for re-enumeration
// scenarios.
func (g *Gateway) SetPresent(present bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.present = present
}

// Calls returns the number of CBWs observed so far.
func (g *Gateway) Calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

// AlwaysOK is a Script that accepts every command with the correct echoed
// tag and StatusSuccess.
func AlwaysOK(call int, cbw transport.CBW) Response {
	return Response{CSWTag: cbw.Tag, Status: transport.StatusSuccess}
}

// FailNTimesThenOK returns a Script simulating the S1 cold-start scenario:
// the first n calls report StatusFailure (ScsiFailure, accepted during
// Animation), every call after that succeeds.
func FailNTimesThenOK(n int) Script {
	return func(call int, cbw transport.CBW) Response {
		if call <= n {
			return Response{CSWTag: cbw.Tag, Status: transport.StatusFailure}
		}
		return Response{CSWTag: cbw.Tag, Status: transport.StatusSuccess}
	}
}

// TagResetAt returns a Script simulating S2: every call echoes the correct
// tag except call resetAtCall, which echoes resetTag instead.
func TagResetAt(resetAtCall int, resetTag uint32) Script {
	return func(call int, cbw transport.CBW) Response {
		if call == resetAtCall {
			return Response{CSWTag: resetTag, Status: transport.StatusSuccess}
		}
		return Response{CSWTag: cbw.Tag, Status: transport.StatusSuccess}
	}
}

// decodeUint32 is a small helper kept for tests that need to peek into raw
// CBW buffers without going through DecodeCBW.
func decodeUint32(b []byte) uint32 { return binary.LittleEndian.Uint32(b) }
