package transport

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLifecycleUnknownToAnimationOnFirstOperation(t *testing.T) {
	l := NewLifecycle(DefaultThresholds())
	require.Equal(t, PhaseUnknown, l.Phase())

	now := time.Now()
	phase := l.BeginOperation(now)
	assert.Equal(t, PhaseAnimation, phase)
}

// TestLifecyclePhaseMonotonicity covers property 4 from spec.md §8:
// Connected cannot be entered without traversing Animation→Connecting.
func TestLifecyclePhaseMonotonicity(t *testing.T) {
	th := DefaultThresholds()
	th.AnimationMinDuration = 0
	th.ConnectingConsecutiveOK = 3
	l := NewLifecycle(th)

	now := time.Now()
	l.BeginOperation(now)
	require.Equal(t, PhaseAnimation, l.Phase())

	now = now.Add(time.Millisecond)
	phase := l.Observe(Observation{Success: true, At: now})
	assert.Equal(t, PhaseConnecting, phase)
	assert.NotEqual(t, PhaseConnected, phase)

	for i := 0; i < th.ConnectingConsecutiveOK-1; i++ {
		now = now.Add(time.Millisecond)
		phase = l.Observe(Observation{Success: true, At: now})
	}
	assert.NotEqual(t, PhaseConnected, phase)

	now = now.Add(time.Millisecond)
	phase = l.Observe(Observation{Success: true, At: now})
	assert.Equal(t, PhaseConnected, phase)
}

func TestLifecycleAnimationStaysPutUnderHighMismatchRate(t *testing.T) {
	th := DefaultThresholds()
	th.AnimationMinDuration = 0
	l := NewLifecycle(th)

	now := time.Now()
	l.BeginOperation(now)

	for i := 0; i < th.AnimationMismatchWindow; i++ {
		now = now.Add(time.Millisecond)
		l.Observe(Observation{Success: false, TagMismatch: true, At: now})
	}
	assert.Equal(t, PhaseAnimation, l.Phase())
}

func TestLifecycleConnectedToDisconnectedBySilence(t *testing.T) {
	th := DefaultThresholds()
	th.ConnectedSilenceTimeout = 5 * time.Millisecond
	l := NewLifecycle(th)

	now := time.Now()
	l.phase = PhaseConnected
	l.lastCSWAt = now
	l.counters = PhaseCounters{EnteredAt: now}

	later := now.Add(10 * time.Millisecond)
	phase := l.BeginOperation(later)
	assert.Equal(t, PhaseDisconnected, phase)
}

func TestLifecycleDisconnectedToAnimationAfterRetryWindow(t *testing.T) {
	th := DefaultThresholds()
	th.DisconnectedRetryWindow = 5 * time.Millisecond
	l := NewLifecycle(th)

	now := time.Now()
	l.phase = PhaseDisconnected
	l.disconnectedSince = now
	l.counters = PhaseCounters{EnteredAt: now}

	later := now.Add(10 * time.Millisecond)
	phase := l.BeginOperation(later)
	assert.Equal(t, PhaseAnimation, phase)
}

func TestLifecycleDeviceGoneForcesDisconnectedImmediately(t *testing.T) {
	l := NewLifecycle(DefaultThresholds())
	now := time.Now()
	l.phase = PhaseConnected
	l.counters = PhaseCounters{EnteredAt: now}

	phase := l.Observe(Observation{DeviceGone: true, At: now})
	assert.Equal(t, PhaseDisconnected, phase)
}
