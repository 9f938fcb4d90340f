// Command display-host opens the panel's BOT transport and keeps it alive,
// logging phase transitions as they are inferred. It is a minimal host
// process, not a CLI: it takes no subcommands and accepts no interactive
// input.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/windin101/ali3922-tft-driver/config"
	"github.com/windin101/ali3922-tft-driver/transport"
)

func main() {
	verbose := flag.Bool("verbose", false, "log every phase change")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("display-host: config: %v", err)
	}

	logger := log.New(os.Stdout, "display-host: ", log.LstdFlags)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	handle, err := transport.Open(ctx, transport.Options{
		VendorID:        cfg.VendorID,
		ProductID:       cfg.ProductID,
		EndpointOutAddr: cfg.EndpointOutAddr,
		EndpointInAddr:  cfg.EndpointInAddr,
		Thresholds:      cfg.Thresholds,
		Timeouts:        cfg.Timeouts,
		Logger:          logger,
		KeepAliveCDB: func() []byte {
			if cfg.KeepAliveEnabled {
				return transport.CDBTestUnitReady
			}
			return nil
		}(),
		KeepAliveInterval: cfg.KeepAliveInterval,
		AutoReconnect:     cfg.AutoReconnect,
	})
	if err != nil {
		log.Fatalf("display-host: open: %v", err)
	}
	defer handle.Close()

	go watchPhase(ctx, handle, logger, *verbose)

	_, err = handle.Execute(ctx, transport.Command{
		CDB:       transport.CDBVendorInitDisplay,
		Direction: transport.DirectionOut,
	})
	if err != nil {
		logger.Printf("init display command failed: %v", err)
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Println("shutting down")
}

func watchPhase(ctx context.Context, h *transport.Handle, logger *log.Logger, verbose bool) {
	last := h.CurrentPhase()
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			phase := h.CurrentPhase()
			if phase != last {
				logger.Printf("phase %s -> %s", last, phase)
				last = phase
			} else if verbose {
				logger.Printf("phase %s", phase)
			}
		}
	}
}
