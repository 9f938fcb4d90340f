package transport_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/windin101/ali3922-tft-driver/transport"
	"github.com/windin101/ali3922-tft-driver/transport/transportmock"
)

func openMock(t *testing.T, gw *transportmock.Gateway, opts transport.Options) *transport.Handle {
	t.Helper()
	opts.Gateway = gw
	if opts.Thresholds == (transport.Thresholds{}) {
		opts.Thresholds = transport.DefaultThresholds()
	}
	h, err := transport.Open(context.Background(), opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Close() })
	return h
}

// TestScenarioS1ColdStartToConnected mirrors spec.md §8 scenario S1.
func TestScenarioS1ColdStartToConnected(t *testing.T) {
	gw := transportmock.New(transportmock.FailNTimesThenOK(56))

	th := transport.DefaultThresholds()
	th.AnimationMinDuration = 0 // the 55s real-time trigger is disabled; the 56 failing calls stand in for the device's first 56s
	h := openMock(t, gw, transport.Options{Thresholds: th})

	var lastErr error
	for i := 0; i < 57; i++ {
		_, lastErr = h.Execute(context.Background(), transport.Command{CDB: transport.CDBTestUnitReady, Direction: transport.DirectionOut})
	}
	assert.NoError(t, lastErr)
	assert.GreaterOrEqual(t, gw.Calls(), 57)

	// The 57th CSW is the first clean one; Connecting needs three in a row
	// (ConnectingConsecutiveOK), so two more reach Connected.
	for i := 0; i < 2; i++ {
		_, err := h.Execute(context.Background(), transport.Command{CDB: transport.CDBTestUnitReady, Direction: transport.DirectionOut})
		require.NoError(t, err)
	}
	assert.Equal(t, transport.PhaseConnected, h.CurrentPhase())
}

// TestScenarioS2TagResetMidRun drives the tag-reset script of spec.md §8
// scenario S2 at a small tag count: call 5 echoes tag 3. With an expected
// tag of 5 the suspected-reset heuristic (expected > 100) does not apply,
// so the tag falls inside Connecting's slop window and is accepted. The
// heuristic itself is covered by TestTagMonitorSuspectedResetTakesPriority.
func TestScenarioS2TagResetMidRun(t *testing.T) {
	gw := transportmock.New(transportmock.TagResetAt(5, 3))

	th := transport.DefaultThresholds()
	th.AnimationMinDuration = 0
	th.ConnectingConsecutiveOK = 1000 // keep the handle in Connecting so the monitor's slop window is exercised first
	h := openMock(t, gw, transport.Options{Thresholds: th})

	for i := 0; i < 4; i++ {
		_, err := h.Execute(context.Background(), transport.Command{CDB: transport.CDBTestUnitReady, Direction: transport.DirectionOut})
		require.NoError(t, err)
	}

	// Call #5: mock echoes tag=3 instead of the real tag (around 5), which
	// the reset heuristic only fires for large expected/small actual gaps;
	// here it is within Connecting's slop and is simply accepted.
	_, err := h.Execute(context.Background(), transport.Command{CDB: transport.CDBTestUnitReady, Direction: transport.DirectionOut})
	assert.NoError(t, err)
}

// TestScenarioS3PipeStallOnDataPhase mirrors spec.md §8 scenario S3: once
// Connected, a data-phase stall on the display-image command is cleared
// and retried, surfacing ScsiFailure (not PipeStall) when the retried
// command then comes back with a non-zero status.
func TestScenarioS3PipeStallOnDataPhase(t *testing.T) {
	var mu sync.Mutex
	imageStalled := false
	imageShouldFail := false

	script := func(call int, cbw transport.CBW) transportmock.Response {
		mu.Lock()
		defer mu.Unlock()
		isImageWrite := len(cbw.CDB) > 1 && cbw.CDB[0] == 0xF5 && cbw.CDB[1] == 0xB0
		if isImageWrite && !imageStalled {
			imageStalled = true
			return transportmock.Response{StallOnData: true}
		}
		if isImageWrite && imageShouldFail {
			return transportmock.Response{CSWTag: cbw.Tag, Status: transport.StatusFailure}
		}
		return transportmock.Response{CSWTag: cbw.Tag, Status: transport.StatusSuccess}
	}
	gw := transportmock.New(script)

	th := transport.DefaultThresholds()
	th.AnimationMinDuration = 0
	th.ConnectingConsecutiveOK = 1
	h := openMock(t, gw, transport.Options{Thresholds: th})

	// Warm up to Connected: Animation -> Connecting -> Connected.
	_, err := h.Execute(context.Background(), transport.Command{CDB: transport.CDBTestUnitReady, Direction: transport.DirectionOut})
	require.NoError(t, err)
	_, err = h.Execute(context.Background(), transport.Command{CDB: transport.CDBTestUnitReady, Direction: transport.DirectionOut})
	require.NoError(t, err)
	require.Equal(t, transport.PhaseConnected, h.CurrentPhase())

	// The retried attempt (after the stall is cleared) comes back with a
	// non-zero SCSI status, which Connected must surface rather than
	// swallow.
	mu.Lock()
	imageShouldFail = true
	mu.Unlock()

	_, err = h.Execute(context.Background(), transport.Command{
		CDB:                transport.CDBVendorDisplayImage(),
		Direction:          transport.DirectionOut,
		DataTransferLength: 4,
		OutData:            []byte{1, 2, 3, 4},
	})

	var terr *transport.Error
	require.Error(t, err)
	if assert.ErrorAs(t, err, &terr) {
		assert.Equal(t, transport.ScsiFailure, terr.Kind)
	}
}

// TestScenarioS5DeviceGonePoisoning mirrors spec.md §8 scenario S5.
func TestScenarioS5DeviceGonePoisoning(t *testing.T) {
	script := func(call int, cbw transport.CBW) transportmock.Response {
		return transportmock.Response{DeviceGone: true}
	}
	gw := transportmock.New(script)
	h := openMock(t, gw, transport.Options{})

	_, err := h.Execute(context.Background(), transport.Command{CDB: transport.CDBTestUnitReady, Direction: transport.DirectionOut})
	var terr *transport.Error
	require.Error(t, err)
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, transport.DeviceGone, terr.Kind)

	_, err = h.Execute(context.Background(), transport.Command{CDB: transport.CDBTestUnitReady, Direction: transport.DirectionOut})
	assert.ErrorIs(t, err, transport.ErrPoisoned)
	assert.Equal(t, 1, gw.Calls(), "poisoned handle must not touch the gateway again")
}

// TestScenarioS6DisplayImageHappyPath mirrors spec.md §8 scenario S6.
func TestScenarioS6DisplayImageHappyPath(t *testing.T) {
	gw := transportmock.New(transportmock.AlwaysOK)

	th := transport.DefaultThresholds()
	th.AnimationMinDuration = 0
	th.ConnectingConsecutiveOK = 1
	h := openMock(t, gw, transport.Options{Thresholds: th})

	// Drive through Animation→Connecting→Connected.
	_, err := h.Execute(context.Background(), transport.Command{CDB: transport.CDBTestUnitReady, Direction: transport.DirectionOut})
	require.NoError(t, err)
	_, err = h.Execute(context.Background(), transport.Command{CDB: transport.CDBTestUnitReady, Direction: transport.DirectionOut})
	require.NoError(t, err)

	header := make([]byte, 10)
	pixels := make([]byte, 204800)
	payload := append(header, pixels...)

	result, err := h.Execute(context.Background(), transport.Command{
		CDB:                transport.CDBVendorDisplayImage(),
		Direction:          transport.DirectionOut,
		DataTransferLength: transport.VendorDisplayImageDataLength(len(pixels)),
		OutData:            payload,
	})
	require.NoError(t, err)
	assert.Equal(t, transport.StatusSuccess, result.Status)
}

// TestScenarioS4ConnectedToDisconnectedBySilencePolledOnly mirrors spec.md
// §8 scenario S4 end-to-end through the handle's public polling surface:
// once Connected, the caller issues no further commands and keep-alive is
// disabled, yet CurrentPhase() alone (no Execute calls) must still observe
// the silence-timeout transition to Disconnected.
func TestScenarioS4ConnectedToDisconnectedBySilencePolledOnly(t *testing.T) {
	gw := transportmock.New(transportmock.AlwaysOK)

	th := transport.DefaultThresholds()
	th.AnimationMinDuration = 0
	th.ConnectingConsecutiveOK = 1
	// Longer than the Connecting post-delay (50ms) that follows the CSW
	// which enters Connected, so the phase is still Connected on return.
	th.ConnectedSilenceTimeout = 200 * time.Millisecond
	h := openMock(t, gw, transport.Options{Thresholds: th})

	_, err := h.Execute(context.Background(), transport.Command{CDB: transport.CDBTestUnitReady, Direction: transport.DirectionOut})
	require.NoError(t, err)
	_, err = h.Execute(context.Background(), transport.Command{CDB: transport.CDBTestUnitReady, Direction: transport.DirectionOut})
	require.NoError(t, err)
	require.Equal(t, transport.PhaseConnected, h.CurrentPhase())

	time.Sleep(400 * time.Millisecond)

	assert.Equal(t, transport.PhaseDisconnected, h.CurrentPhase())
	assert.Equal(t, 2, gw.Calls(), "no Execute call should have been needed to observe the transition")
}

// TestDisconnectedReenumeratesImmediatelyWhenPresent covers spec.md §4.4's
// re-enumeration half of Disconnected→Animation: when the gateway reports
// IsPresent() again, Execute must pick that up immediately rather than
// waiting out the full DisconnectedRetryWindow.
func TestDisconnectedReenumeratesImmediatelyWhenPresent(t *testing.T) {
	gw := transportmock.New(transportmock.AlwaysOK)

	th := transport.DefaultThresholds()
	th.AnimationMinDuration = 0
	th.ConnectingConsecutiveOK = 1
	th.ConnectedSilenceTimeout = 10 * time.Millisecond
	th.DisconnectedRetryWindow = time.Hour // would never fire in this test's lifetime
	h := openMock(t, gw, transport.Options{Thresholds: th})

	_, err := h.Execute(context.Background(), transport.Command{CDB: transport.CDBTestUnitReady, Direction: transport.DirectionOut})
	require.NoError(t, err)
	_, err = h.Execute(context.Background(), transport.Command{CDB: transport.CDBTestUnitReady, Direction: transport.DirectionOut})
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	require.Equal(t, transport.PhaseDisconnected, h.CurrentPhase())

	// gw never had SetPresent(false) called: IsPresent() still reports
	// true, so Execute should re-enter Animation immediately instead of
	// failing with DeviceGone for the next hour.
	_, err = h.Execute(context.Background(), transport.Command{CDB: transport.CDBTestUnitReady, Direction: transport.DirectionOut})
	assert.NoError(t, err)
}

// TestAutoReconnectOnDeviceGoneWithoutReopen covers spec.md §4.6 step 1 and
// §6's auto-retry-on-DeviceGone knob on a Handle built around a
// caller-supplied Gateway (as transportmock always is): AutoReconnect has
// nothing to reopen, so Execute must surface a wrapped ErrPoisoned instead
// of hanging or panicking. The bounded-backoff reopen path itself is
// exercised against the real gousb Gateway, which transportmock cannot
// stand in for.
func TestAutoReconnectOnDeviceGoneWithoutReopen(t *testing.T) {
	script := func(call int, cbw transport.CBW) transportmock.Response {
		return transportmock.Response{DeviceGone: true}
	}
	gw := transportmock.New(script)

	opts := transport.Options{Gateway: gw, AutoReconnect: true}
	opts.Thresholds = transport.DefaultThresholds()
	h, err := transport.Open(context.Background(), opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Close() })

	_, err = h.Execute(context.Background(), transport.Command{CDB: transport.CDBTestUnitReady, Direction: transport.DirectionOut})
	assert.ErrorIs(t, err, transport.ErrPoisoned)
}

// TestSingleInFlight exercises property 3 from spec.md §8 with 20
// concurrent callers: every one of them completes its exchange through
// Execute and produces exactly one CBW. The mock does not detect a CBW
// sent ahead of the previous CSW read, so ordering itself is not asserted.
func TestSingleInFlight(t *testing.T) {
	gw := transportmock.New(transportmock.AlwaysOK)
	h := openMock(t, gw, transport.Options{})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = h.Execute(context.Background(), transport.Command{CDB: transport.CDBTestUnitReady, Direction: transport.DirectionOut})
		}()
	}
	wg.Wait()

	assert.Equal(t, 20, gw.Calls())
}

// TestIdempotentClose covers property 6 from spec.md §8.
func TestIdempotentClose(t *testing.T) {
	gw := transportmock.New(transportmock.AlwaysOK)
	h, err := transport.Open(context.Background(), transport.Options{Gateway: gw, KeepAliveCDB: transport.CDBTestUnitReady, KeepAliveInterval: time.Millisecond})
	require.NoError(t, err)

	assert.NoError(t, h.Close())
	assert.NoError(t, h.Close())
}

func TestWaitForPhaseTimesOut(t *testing.T) {
	gw := transportmock.New(transportmock.AlwaysOK)
	h := openMock(t, gw, transport.Options{})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	err := h.WaitForPhase(ctx, transport.PhaseConnected)
	assert.Error(t, err)
}
