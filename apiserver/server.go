// Package apiserver exposes a read-only HTTP status surface over a
// transport.Handle: health, inferred lifecycle phase, statistics, and host
// diagnostics. It is a status/observability surface, not a command
// interface — nothing here issues a display command.
package apiserver

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/windin101/ali3922-tft-driver/diagnostics"
	"github.com/windin101/ali3922-tft-driver/transport"
)

// Server wraps the gin router and the transport.Handle it reports on.
type Server struct {
	handle *transport.Handle
	router *gin.Engine
	srv    *http.Server
}

// New builds a Server bound to addr, reporting on handle.
func New(handle *transport.Handle, addr string) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{handle: handle, router: router}

	api := router.Group("/api/v1")
	{
		api.GET("/health", s.handleHealth)
		api.GET("/phase", s.handlePhase)
		api.GET("/statistics", s.handleStatistics)
		api.GET("/diagnostics", s.handleDiagnostics)
		api.GET("/wait", s.handleWait)
	}

	s.srv = &http.Server{Addr: addr, Handler: router}
	return s
}

// Run starts the server and blocks until SIGINT/SIGTERM, then shuts down
// gracefully within 5s.
func (s *Server) Run() error {
	go func() {
		log.Printf("apiserver: listening on %s", s.srv.Addr)
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("apiserver: server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("apiserver: shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handlePhase(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"phase": s.handle.CurrentPhase().String()})
}

func (s *Server) handleStatistics(c *gin.Context) {
	snap := s.handle.Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"phase": snap.Phase.String(),
		"counters": gin.H{
			"commands":       snap.Counters.Commands,
			"successes":      snap.Counters.Successes,
			"tag_mismatches": snap.Counters.TagMismatches,
			"pipe_errors":    snap.Counters.PipeErrors,
			"entered_at":     snap.Counters.EnteredAt,
		},
		"tag_history": gin.H{
			"entries":          snap.TagHistory.Entries,
			"accepted":         snap.TagHistory.Accepted,
			"mismatches":       snap.TagHistory.Mismatches,
			"suspected_resets": snap.TagHistory.SuspectedResets,
		},
	})
}

func (s *Server) handleDiagnostics(c *gin.Context) {
	report := diagnostics.Collect(s.handle)
	c.JSON(http.StatusOK, gin.H{
		"host": gin.H{
			"cpu_percent":      report.Host.CPUPercent,
			"mem_used_percent": report.Host.MemUsedPercent,
			"go_version":       report.Host.GoVersion,
			"num_goroutine":    report.Host.NumGoroutine,
			"taken_at":         report.Host.TakenAt,
		},
		"phase": report.Transport.Phase.String(),
	})
}

// handleWait implements the wait_for_phase(target_phase, timeout) surface
// from spec.md §6 as a long-polling GET.
func (s *Server) handleWait(c *gin.Context) {
	target := c.Query("phase")
	phase, err := parsePhase(target)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	timeout := 10 * time.Second
	if raw := c.Query("timeout"); raw != "" {
		if d, err := time.ParseDuration(raw); err == nil {
			timeout = d
		}
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), timeout)
	defer cancel()

	if err := s.handle.WaitForPhase(ctx, phase); err != nil {
		c.JSON(http.StatusGatewayTimeout, gin.H{"error": "timeout waiting for phase", "phase": target})
		return
	}
	c.JSON(http.StatusOK, gin.H{"phase": phase.String()})
}

func parsePhase(s string) (transport.Phase, error) {
	switch s {
	case "unknown":
		return transport.PhaseUnknown, nil
	case "animation":
		return transport.PhaseAnimation, nil
	case "connecting":
		return transport.PhaseConnecting, nil
	case "connected":
		return transport.PhaseConnected, nil
	case "disconnected":
		return transport.PhaseDisconnected, nil
	default:
		return 0, fmt.Errorf("unknown phase %q", s)
	}
}
