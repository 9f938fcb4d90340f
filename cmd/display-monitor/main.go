// Command display-monitor opens the panel's transport and serves the
// read-only HTTP status surface (apiserver) over it: health, phase,
// statistics, and host diagnostics. It issues no display commands beyond
// the keep-alive task.
package main

import (
	"context"
	"log"

	"github.com/windin101/ali3922-tft-driver/apiserver"
	"github.com/windin101/ali3922-tft-driver/config"
	"github.com/windin101/ali3922-tft-driver/transport"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("display-monitor: config: %v", err)
	}

	handle, err := transport.Open(context.Background(), transport.Options{
		VendorID:        cfg.VendorID,
		ProductID:       cfg.ProductID,
		EndpointOutAddr: cfg.EndpointOutAddr,
		EndpointInAddr:  cfg.EndpointInAddr,
		Thresholds:      cfg.Thresholds,
		Timeouts:        cfg.Timeouts,
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
		log.Fatalf("display-monitor: open: %v", err)
	}
	defer handle.Close()

	srv := apiserver.New(handle, cfg.APIAddr)
	if err := srv.Run(); err != nil {
		log.Fatalf("display-monitor: %v", err)
	}
}
