//go:build windows

package runner

import (
	"context"
	"log/slog"
	"os/exec"
	"strconv"
	"time"
)

// KillTree runs taskkill /T /F against pid and waits until pid is gone.
// grace is ignored; taskkill /F terminates immediately.
func KillTree(ctx context.Context, pid int, _ time.Duration) error {
	if pid <= 0 {
		return nil
	}
	// #nosec G204
	cmd := exec.CommandContext(ctx, "taskkill", "/T", "/F", "/PID", strconv.Itoa(pid))
	if out, err := cmd.CombinedOutput(); err != nil {
		// taskkill fails when the process already exited; the wait below decides
		slog.Debug("taskkill failed", "pid", pid, "error", err, "output", string(out))
	}
	return waitGone(ctx, pid)
}
