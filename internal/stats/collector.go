// Package stats samples process-level resource usage for /status.
package stats

import (
	"context"
	"log/slog"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// Snapshot is the system block of the /status payload.
type Snapshot struct {
	PID            int32   `json:"pid"`
	UptimeSeconds  float64 `json:"uptimeSeconds"`
	CPUPercent     float64 `json:"cpuPercent"`
	MemoryRSSBytes uint64  `json:"memoryRssBytes"`
	Goroutines     int     `json:"goroutines"`
}

// Collector polls gopsutil for the current process on a fixed interval
// and serves the latest sample to concurrent readers.
type Collector struct {
	proc     *process.Process
	interval time.Duration
	logger   *slog.Logger
	started  time.Time

	mu   sync.RWMutex
	snap Snapshot
}

func NewCollector(interval time.Duration, logger *slog.Logger) (*Collector, error) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, err
	}
	c := &Collector{
		proc:     proc,
		interval: interval,
		logger:   logger,
		started:  time.Now(),
	}
	c.sample()
	return c, nil
}

// Start launches the polling loop; it stops when ctx is cancelled.
func (c *Collector) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.sample()
			}
		}
	}()
}

func (c *Collector) sample() {
	snap := Snapshot{
		PID:           c.proc.Pid,
		UptimeSeconds: time.Since(c.started).Seconds(),
		Goroutines:    runtime.NumGoroutine(),
	}

	if cpu, err := c.proc.CPUPercent(); err == nil {
		snap.CPUPercent = cpu
	} else {
		c.logger.Debug("cpu sample failed", slog.String("error", err.Error()))
	}
	if mem, err := c.proc.MemoryInfo(); err == nil {
		snap.MemoryRSSBytes = mem.RSS
	} else {
		c.logger.Debug("memory sample failed", slog.String("error", err.Error()))
	}

	c.mu.Lock()
	c.snap = snap
	c.mu.Unlock()
}

// Snapshot returns the most recent sample.
func (c *Collector) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	snap := c.snap
	snap.UptimeSeconds = time.Since(c.started).Seconds()
	snap.Goroutines = runtime.NumGoroutine()
	return snap
}
