// Package diagnostics snapshots host resource usage alongside the
// transport's own lifecycle statistics, the way the project's other
// operator-facing surfaces report CPU/RAM/Go-runtime numbers.
package diagnostics

import (
	"runtime"
	"time"

	psutilcpu "github.com/shirou/gopsutil/v3/cpu"
	psutilmem "github.com/shirou/gopsutil/v3/mem"

	"github.com/windin101/ali3922-tft-driver/transport"
)

// HostSnapshot is a point-in-time read of host resource usage.
type HostSnapshot struct {
	CPUPercent    float64
	MemUsedPercent float64
	GoVersion     string
	NumGoroutine  int
	TakenAt       time.Time
}

// Snapshot captures current host usage. A failed gopsutil read leaves the
// corresponding field at zero rather than failing the whole snapshot: a
// diagnostics endpoint degrading gracefully is more useful than one that
// 500s because /proc was momentarily unreadable.
func Snapshot() HostSnapshot {
	snap := HostSnapshot{
		GoVersion:    runtime.Version(),
		NumGoroutine: runtime.NumGoroutine(),
		TakenAt:      time.Now(),
	}

	if percents, err := psutilcpu.Percent(0, false); err == nil && len(percents) > 0 {
		snap.CPUPercent = percents[0]
	}
	if mem, err := psutilmem.VirtualMemory(); err == nil {
		snap.MemUsedPercent = mem.UsedPercent
	}

	return snap
}

// Report bundles a host snapshot with the transport's own statistics, for
// the apiserver's /diagnostics route.
type Report struct {
	Host      HostSnapshot
	Transport transport.Snapshot
}

// Collect builds a full Report for the given handle.
func Collect(h *transport.Handle) Report {
	return Report{
		Host:      Snapshot(),
		Transport: h.Snapshot(),
	}
}
