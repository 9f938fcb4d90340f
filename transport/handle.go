package transport

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"time"
)

// Command is one SCSI command the caller wants carried over a single
// CBW/data/CSW exchange (spec.md §4.6).
type Command struct {
	CDB                []byte
	Direction          Direction
	DataTransferLength uint32
	OutData            []byte // data to send when Direction == DirectionOut
	LUN                uint8
}

// Result is what Execute returns on success.
type Result struct {
	InData      []byte // data received when Direction == DirectionIn
	DataResidue uint32
	Status      Status
	Phase       Phase
	Attempts    int
}

// Timeouts bounds every blocking step of a single command exchange.
type Timeouts struct {
	CommandWrite time.Duration
	DataPhase    time.Duration
	StatusRead   time.Duration
}

// DefaultTimeouts returns the per-stage timeouts: 1s for the CBW write, 5s
// base for the data stage (attempt adds 10ms per KiB of transfer), 1s for
// the CSW read.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		CommandWrite: 1 * time.Second,
		DataPhase:    5 * time.Second,
		StatusRead:   1 * time.Second,
	}
}

// Options configures Open.
type Options struct {
	VendorID       uint16
	ProductID      uint16
	EndpointOutAddr int
	EndpointInAddr  int

	Thresholds Thresholds
	Policy     map[Phase]PolicyEntry
	Timeouts   Timeouts
	Logger     *log.Logger

	// KeepAliveCDB is the CDB sent by the background keep-alive task
	// (TEST UNIT READY by default). Nil disables the keep-alive task.
	KeepAliveCDB []byte
	KeepAliveInterval time.Duration

	// Gateway, when non-nil, is used instead of opening a real USB device.
	// transportmock sets this for tests.
	Gateway Gateway

	// AutoReconnect opts Execute into a bounded-backoff reopen of the
	// Gateway on DeviceGone (spec.md §4.6 step 1, §6), instead of the
	// default fail-fast poison that requires a fresh Open().
	AutoReconnect bool
}

// Handle is the C6 Transport Orchestrator: the single serialization point
// for every CBW/CSW exchange, wrapping a Gateway with tag allocation,
// lifecycle inference, and phase-keyed pacing/retry policy (spec.md §4.6).
type Handle struct {
	gw       Gateway
	lc       *Lifecycle
	tags     *TagMonitor
	policy   *Policy
	timeouts Timeouts
	logger   *log.Logger

	mu       sync.Mutex // the single mutual-exclusion point; BOT allows one outstanding exchange
	poisoned bool

	autoReconnect bool
	// reopen recreates the Gateway from scratch. Nil when the Handle was
	// built around a caller-supplied Gateway (transportmock tests), in
	// which case reconnect() returns a wrapped ErrPoisoned without retrying.
	reopen func() (Gateway, error)

	keepAlive *keepAliveTask

	phaseWaiters struct {
		mu   sync.Mutex
		subs map[chan Phase]struct{}
	}
}

// Open opens the device (or, under transportmock, adopts Options.Gateway)
// and starts the keep-alive task if configured.
func Open(ctx context.Context, opts Options) (*Handle, error) {
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}

	var reopen func() (Gateway, error)
	if opts.Gateway == nil {
		reopen = func() (Gateway, error) {
			return openGousbGateway(opts.VendorID, opts.ProductID, opts.EndpointOutAddr, opts.EndpointInAddr, logger)
		}
	}

	gw := opts.Gateway
	if gw == nil {
		g, err := reopen()
		if err != nil {
			return nil, err
		}
		gw = g
	}

	thresholds := opts.Thresholds
	if thresholds == (Thresholds{}) {
		thresholds = DefaultThresholds()
	}
	timeouts := opts.Timeouts
	if timeouts == (Timeouts{}) {
		timeouts = DefaultTimeouts()
	}

	h := &Handle{
		gw:            gw,
		lc:            NewLifecycle(thresholds),
		tags:          NewTagMonitor(),
		policy:        NewPolicy(opts.Policy),
		timeouts:      timeouts,
		logger:        logger,
		autoReconnect: opts.AutoReconnect,
		reopen:        reopen,
	}
	h.phaseWaiters.subs = make(map[chan Phase]struct{})

	if opts.KeepAliveCDB != nil {
		h.keepAlive = startKeepAlive(h, opts.KeepAliveCDB, opts.KeepAliveInterval, logger)
	}

	return h, nil
}

// Close stops the keep-alive task and releases the underlying Gateway.
func (h *Handle) Close() error {
	if h.keepAlive != nil {
		h.keepAlive.stop()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lc.ForceUnknown(time.Now())
	return h.gw.Close()
}

// CurrentPhase returns the lifecycle's inferred phase without taking the
// exchange lock, so status endpoints never block behind an in-flight
// command.
func (h *Handle) CurrentPhase() Phase {
	return h.lc.Phase()
}

// Statistics returns the current phase's accounting counters.
func (h *Handle) Statistics() PhaseCounters {
	return h.lc.Counters()
}

// WaitForPhase blocks until the lifecycle reaches target or ctx is
// cancelled.
func (h *Handle) WaitForPhase(ctx context.Context, target Phase) error {
	if h.lc.Phase() == target {
		return nil
	}

	ch := make(chan Phase, 1)
	h.phaseWaiters.mu.Lock()
	h.phaseWaiters.subs[ch] = struct{}{}
	h.phaseWaiters.mu.Unlock()
	defer func() {
		h.phaseWaiters.mu.Lock()
		delete(h.phaseWaiters.subs, ch)
		h.phaseWaiters.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", ErrCancelled, ctx.Err())
		case p := <-ch:
			if p == target {
				return nil
			}
		case <-time.After(100 * time.Millisecond):
			if h.lc.Phase() == target {
				return nil
			}
		}
	}
}

func (h *Handle) notifyWaiters(p Phase) {
	h.phaseWaiters.mu.Lock()
	defer h.phaseWaiters.mu.Unlock()
	for ch := range h.phaseWaiters.subs {
		select {
		case ch <- p:
		default:
		}
	}
}

// Bounded-doubling reconnect backoff, grounded on the teacher's
// reconnectASICClient (cmd/driver/hasher-host/main.go): start at 1s, double
// on every failed reopen, cap at 30s, give up after 60s total.
const (
	reconnectInitialBackoff = 1 * time.Second
	reconnectMaxBackoff     = 30 * time.Second
	reconnectTimeout        = 60 * time.Second
)

// reconnect closes and reopens the Gateway with a bounded doubling backoff,
// clearing poison and resetting the lifecycle to Unknown on success. h.mu
// must already be held by the caller.
func (h *Handle) reconnect(ctx context.Context) error {
	if h.reopen == nil {
		return fmt.Errorf("%w: no reopen available for this Gateway", ErrPoisoned)
	}

	backoff := reconnectInitialBackoff
	deadline := time.Now().Add(reconnectTimeout)
	for {
		_ = h.gw.Close()
		gw, err := h.reopen()
		if err == nil {
			h.gw = gw
			h.poisoned = false
			h.lc.ForceUnknown(time.Now())
			return nil
		}

		if time.Now().After(deadline) {
			return fmt.Errorf("transport: reconnect failed within %v: %w", reconnectTimeout, err)
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", ErrCancelled, ctx.Err())
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > reconnectMaxBackoff {
			backoff = reconnectMaxBackoff
		}
	}
}

// Execute carries one SCSI command over a single CBW/data/CSW exchange,
// applying the phase-keyed retry/pacing policy and feeding every outcome
// back into the lifecycle machine. It is the sole caller of the Gateway
// and holds h.mu for its entire duration: BOT permits exactly one
// outstanding exchange (spec.md §5).
func (h *Handle) Execute(ctx context.Context, cmd Command) (Result, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.poisoned {
		if !h.autoReconnect {
			return Result{}, fmt.Errorf("%w", ErrPoisoned)
		}
		if err := h.reconnect(ctx); err != nil {
			return Result{}, err
		}
	}

	phase := h.lc.BeginOperation(time.Now())
	if phase == PhaseDisconnected {
		// The 10s countdown isn't the only way out of Disconnected: if the
		// device has already re-enumerated, take the re-enumeration path
		// immediately rather than failing fast for up to 10 more seconds
		// (spec.md §4.4 Disconnected→Animation).
		if h.gw.IsPresent() {
			h.lc.ReconnectedAt(time.Now())
			phase = h.lc.BeginOperation(time.Now())
		}
		if phase == PhaseDisconnected {
			return Result{}, &Error{Kind: DeviceGone, Phase: phase, ElapsedInPhase: h.lc.ElapsedInPhase(time.Now())}
		}
	}

	entry := h.policy.For(phase)

	var lastErr error
	for attempt := 1; ; attempt++ {
		if entry.PreDelay > 0 {
			sleep(ctx, entry.PreDelay)
		}

		result, err := h.attempt(ctx, cmd, phase, attempt, entry)
		if err == nil {
			if entry.PostDelay() > 0 {
				sleep(ctx, entry.PostDelay())
			}
			return result, nil
		}
		lastErr = err

		var terr *Error
		if errors.As(err, &terr) && terr.Kind == DeviceGone {
			h.poisoned = true
			h.notifyWaiters(PhaseDisconnected)
			if !h.autoReconnect {
				return Result{}, err
			}
			if rerr := h.reconnect(ctx); rerr != nil {
				return Result{}, rerr
			}
			phase = h.lc.BeginOperation(time.Now())
			entry = h.policy.For(phase)
			lastErr = err
			continue
		}

		if attempt > entry.MaxRetries {
			break
		}

		if errors.As(err, &terr) && terr.Kind == PipeStall {
			switch entry.StallRecoveryFor(attempt) {
			case StallRecoveryClearHalt:
				_ = h.gw.ClearHalt(EndpointOut)
				_ = h.gw.ClearHalt(EndpointIn)
			case StallRecoveryResetDevice:
				if rerr := h.gw.ResetDevice(); rerr == nil {
					h.lc.ForceUnknown(time.Now())
					phase = h.lc.BeginOperation(time.Now())
					entry = h.policy.For(phase)
				}
			}
		}

		sleep(ctx, entry.Backoff(attempt))
	}

	return Result{}, lastErr
}

// attempt performs exactly one CBW→data→CSW exchange and validates the
// returned tag, without retrying.
func (h *Handle) attempt(ctx context.Context, cmd Command, phase Phase, attempt int, entry PolicyEntry) (Result, error) {
	now := time.Now()
	tag := h.tags.Next()

	cbw := CBW{
		Tag:                tag,
		DataTransferLength: cmd.DataTransferLength,
		Direction:          cmd.Direction,
		LUN:                cmd.LUN,
		CDB:                cmd.CDB,
	}
	wire, err := EncodeCBW(cbw)
	if err != nil {
		return Result{}, &Error{Kind: ScsiFailure, Phase: phase, Tag: tag, Attempt: attempt, Cause: err}
	}

	if err := h.gw.BulkOut(ctx, wire, h.timeouts.CommandWrite); err != nil {
		return Result{}, h.classify(err, phase, tag, attempt, now)
	}

	var inData []byte
	if cmd.DataTransferLength > 0 {
		// The data stage gets the base timeout plus 10ms per KiB.
		dataTimeout := h.timeouts.DataPhase + time.Duration(cmd.DataTransferLength/1024)*10*time.Millisecond
		if cmd.Direction == DirectionOut {
			if err := h.gw.BulkOut(ctx, cmd.OutData, dataTimeout); err != nil {
				return Result{}, h.classify(err, phase, tag, attempt, now)
			}
		} else {
			data, err := h.gw.BulkIn(ctx, int(cmd.DataTransferLength), dataTimeout)
			if err != nil {
				return Result{}, h.classify(err, phase, tag, attempt, now)
			}
			inData = data
		}
	}

	csw, err := h.readStatus(ctx, phase, tag, attempt, now)
	if err != nil {
		return Result{}, err
	}

	validation := h.tags.Validate(tag, csw.Tag, phase)
	// Animation accepts any tag, but a differing one still feeds the
	// lifecycle's mismatch-rate window and counters.
	obs := Observation{
		Success:        csw.Status == StatusSuccess,
		TagMismatch:    validation == ValidationMismatch || (phase == PhaseAnimation && validation == ValidationAccept && csw.Tag != tag),
		SuspectedReset: validation == ValidationSuspectedReset,
		At:             time.Now(),
	}

	if validation == ValidationSuspectedReset {
		h.tags.Rebase(csw.Tag)
	}

	newPhase := h.lc.Observe(obs)
	if newPhase != phase {
		h.notifyWaiters(newPhase)
	}

	if validation == ValidationMismatch {
		return Result{}, &Error{Kind: TagMismatch, Phase: phase, Tag: tag, Attempt: attempt, ElapsedInPhase: h.lc.ElapsedInPhase(time.Now())}
	}

	if csw.Status != StatusSuccess && !entry.AcceptScsiFailure {
		return Result{}, &Error{Kind: ScsiFailure, Phase: phase, Tag: tag, Attempt: attempt, ElapsedInPhase: h.lc.ElapsedInPhase(time.Now())}
	}

	return Result{
		InData:      inData,
		DataResidue: csw.DataResidue,
		Status:      csw.Status,
		Phase:       newPhase,
		Attempts:    attempt,
	}, nil
}

// readStatus reads the CSW, clearing the IN halt and rereading once if the
// first read fails to parse as a valid wrapper (spec.md §4.6 step 6: "on
// InvalidCSW, clear IN halt and retry once").
func (h *Handle) readStatus(ctx context.Context, phase Phase, tag uint32, attempt int, opStart time.Time) (CSW, error) {
	raw, err := h.gw.BulkIn(ctx, cswLength, h.timeouts.StatusRead)
	if err != nil {
		return CSW{}, h.classify(err, phase, tag, attempt, opStart)
	}

	csw, err := DecodeCSW(raw)
	if err == nil {
		return csw, nil
	}

	_ = h.gw.ClearHalt(EndpointIn)

	raw, rerr := h.gw.BulkIn(ctx, cswLength, h.timeouts.StatusRead)
	if rerr != nil {
		return CSW{}, h.classify(rerr, phase, tag, attempt, opStart)
	}
	csw, err = DecodeCSW(raw)
	if err != nil {
		return CSW{}, &Error{Kind: InvalidCSW, Phase: phase, Tag: tag, Attempt: attempt, Cause: err, ElapsedInPhase: h.lc.ElapsedInPhase(opStart)}
	}
	return csw, nil
}

// classify wraps a raw Gateway sentinel error into a fully contextualized
// *Error and feeds a failing observation into the lifecycle.
func (h *Handle) classify(err error, phase Phase, tag uint32, attempt int, opStart time.Time) error {
	var kind ErrorKind
	switch {
	case errors.Is(err, ErrPipeStall):
		kind = PipeStall
	case errors.Is(err, ErrResourceBusy):
		kind = ResourceBusy
	case errors.Is(err, ErrTimeout):
		kind = Timeout
	case errors.Is(err, ErrDeviceGone):
		kind = DeviceGone
	case errors.Is(err, context.Canceled):
		kind = Cancelled
	default:
		kind = ScsiFailure
	}

	h.lc.Observe(Observation{
		PipeError:  kind == PipeStall,
		DeviceGone: kind == DeviceGone,
		At:         time.Now(),
	})

	return &Error{
		Kind:           kind,
		Phase:          phase,
		Tag:            tag,
		Attempt:        attempt,
		ElapsedInPhase: h.lc.ElapsedInPhase(opStart),
		Cause:          err,
	}
}

// sleep waits for d or ctx cancellation, whichever comes first. A small
// jitter is mixed in so retries across concurrently-opened handles (tests,
// multiple cmd/ entry points) don't lock-step.
func sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	jitter := time.Duration(rand.Int63n(int64(d)/10 + 1))
	select {
	case <-ctx.Done():
	case <-time.After(d + jitter):
	}
}
