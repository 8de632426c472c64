package stats

import (
	"io"
	"log/slog"
	"os"
	"testing"
	"time"
)

func TestCollectorSnapshot(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c, err := NewCollector(time.Second, logger)
	if err != nil {
		t.Fatalf("NewCollector: %v", err)
	}

	snap := c.Snapshot()
	if snap.PID != int32(os.Getpid()) {
		t.Errorf("PID = %d, want %d", snap.PID, os.Getpid())
	}
	if snap.Goroutines <= 0 {
		t.Errorf("Goroutines = %d, want > 0", snap.Goroutines)
	}
	if snap.UptimeSeconds < 0 {
		t.Errorf("UptimeSeconds = %f, want >= 0", snap.UptimeSeconds)
	}

	// Uptime is computed live, not frozen at sample time.
	time.Sleep(10 * time.Millisecond)
	later := c.Snapshot()
	if later.UptimeSeconds <= snap.UptimeSeconds {
		t.Error("uptime should advance between snapshots")
	}
}
