package transport

import (
	"context"
	"log"
	"time"

	"golang.org/x/sync/errgroup"
)

// defaultKeepAliveInterval is comfortably inside the Connected-phase
// silence timeout (spec.md §4.4's 5s), so the background task always
// issues another command before the lifecycle would infer a disconnect.
const defaultKeepAliveInterval = 2 * time.Second

// keepAliveTask is C7: a background loop issuing an otherwise-idle command
// (TEST UNIT READY by default) only while the device is Connected, so an
// idle display doesn't get silently demoted to Disconnected.
type keepAliveTask struct {
	cancel context.CancelFunc
	group  *errgroup.Group
}

func startKeepAlive(h *Handle, cdb []byte, interval time.Duration, logger *log.Logger) *keepAliveTask {
	if interval <= 0 {
		interval = defaultKeepAliveInterval
	}
	if logger == nil {
		logger = log.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	group, gctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				if h.CurrentPhase() != PhaseConnected {
					continue
				}
				_, err := h.Execute(gctx, Command{
					CDB:       cdb,
					Direction: DirectionOut,
				})
				if err != nil {
					logger.Printf("transport: keep-alive command failed: %v", err)
				}
			}
		}
	})

	return &keepAliveTask{cancel: cancel, group: group}
}

// stop cancels the keep-alive loop and waits for it to exit.
func (k *keepAliveTask) stop() {
	k.cancel()
	_ = k.group.Wait()
}
