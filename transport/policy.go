package transport

import "time"

// StallRecovery describes how a PipeStall should be handled for a given
// retry attempt within a phase, per the "Clear halts on PipeStall?" column
// of spec.md §4.5.
type StallRecovery int

const (
	StallRecoveryNone StallRecovery = iota
	StallRecoveryClearHalt
	StallRecoveryResetDevice
)

// PolicyEntry is one row of the per-phase pacing/retry table (spec.md §4.5).
type PolicyEntry struct {
	PreDelay     time.Duration
	PostDelayMin time.Duration
	PostDelayMax time.Duration
	MaxRetries   int

	BackoffBase   time.Duration
	BackoffFactor float64

	// StallRecoveryFor returns how attempt N (1-based) should recover from
	// a PipeStall. Connected phase clears the halt on the first retry and
	// resets the device on the second, per the table's "yes on 1st, reset
	// on 2nd" cell; every other phase always clears the halt.
	StallRecoveryFor func(attempt int) StallRecovery

	// AcceptScsiFailure reports whether a non-zero CSW status is expected
	// traffic for this phase (Animation/Connecting) rather than an error
	// the transport surfaces to the caller (Connected/Disconnected).
	AcceptScsiFailure bool
}

// DefaultPolicy returns the table stated in spec.md §4.5.
func DefaultPolicy() map[Phase]PolicyEntry {
	always := func(_ int) StallRecovery { return StallRecoveryClearHalt }
	connectedRecovery := func(attempt int) StallRecovery {
		if attempt <= 1 {
			return StallRecoveryClearHalt
		}
		return StallRecoveryResetDevice
	}

	return map[Phase]PolicyEntry{
		PhaseAnimation: {
			PreDelay:          200 * time.Millisecond,
			PostDelayMin:      0,
			PostDelayMax:      0,
			MaxRetries:        5,
			BackoffBase:       100 * time.Millisecond,
			BackoffFactor:     2,
			StallRecoveryFor:  always,
			AcceptScsiFailure: true,
		},
		PhaseConnecting: {
			PreDelay:          50 * time.Millisecond,
			PostDelayMin:      50 * time.Millisecond,
			PostDelayMax:      50 * time.Millisecond,
			MaxRetries:        3,
			BackoffBase:       100 * time.Millisecond,
			BackoffFactor:     2,
			StallRecoveryFor:  always,
			AcceptScsiFailure: true,
		},
		PhaseConnected: {
			PreDelay:          20 * time.Millisecond,
			PostDelayMin:      50 * time.Millisecond,
			PostDelayMax:      100 * time.Millisecond,
			MaxRetries:        3,
			BackoffBase:       100 * time.Millisecond,
			BackoffFactor:     2,
			StallRecoveryFor:  connectedRecovery,
			AcceptScsiFailure: false,
		},
		PhaseDisconnected: {
			PreDelay:          0,
			PostDelayMin:      0,
			PostDelayMax:      0,
			MaxRetries:        0,
			BackoffBase:       0,
			BackoffFactor:     1,
			StallRecoveryFor:  func(_ int) StallRecovery { return StallRecoveryNone },
			AcceptScsiFailure: false,
		},
		// Unknown shares Disconnected's zero-tolerance table: there is no
		// established session yet to be lenient about.
		PhaseUnknown: {
			PreDelay:          0,
			PostDelayMin:      0,
			PostDelayMax:      0,
			MaxRetries:        0,
			BackoffBase:       0,
			BackoffFactor:     1,
			StallRecoveryFor:  func(_ int) StallRecovery { return StallRecoveryNone },
			AcceptScsiFailure: false,
		},
	}
}

// Policy wraps a (possibly overridden) per-phase table behind a single
// lookup method, so C6 never branches on phase itself (spec.md §9: "no
// polymorphism is needed; the table is the design").
type Policy struct {
	table map[Phase]PolicyEntry
}

// NewPolicy builds a Policy from DefaultPolicy, overridden entry-by-entry
// by any phases present in overrides.
func NewPolicy(overrides map[Phase]PolicyEntry) *Policy {
	table := DefaultPolicy()
	for phase, entry := range overrides {
		table[phase] = entry
	}
	return &Policy{table: table}
}

// For returns the policy entry for phase.
func (p *Policy) For(phase Phase) PolicyEntry {
	if entry, ok := p.table[phase]; ok {
		return entry
	}
	return p.table[PhaseUnknown]
}

// Backoff computes the delay before retry attempt N (1-based) using the
// entry's base delay doubled per the "×2 from 100ms" column.
func (e PolicyEntry) Backoff(attempt int) time.Duration {
	if e.BackoffBase <= 0 {
		return 0
	}
	d := e.BackoffBase
	factor := e.BackoffFactor
	if factor <= 0 {
		factor = 2
	}
	for i := 1; i < attempt; i++ {
		d = time.Duration(float64(d) * factor)
	}
	return d
}

// PostDelay returns the entry's fixed post-command delay. When the entry
// specifies a range (Connected: 50-100ms), the midpoint is used; callers
// needing jitter can add their own on top.
func (e PolicyEntry) PostDelay() time.Duration {
	if e.PostDelayMax <= e.PostDelayMin {
		return e.PostDelayMin
	}
	return (e.PostDelayMin + e.PostDelayMax) / 2
}
