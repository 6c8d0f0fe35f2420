//go:build !windows

package runner

import (
	"context"
	"log/slog"
	"syscall"
	"time"

	gopsproc "github.com/shirou/gopsutil/v4/process"
)

// KillTree terminates pid, its process group and every descendant, then waits
// until pid is gone. With grace > 0 the tree first gets SIGTERM and up to grace
// to exit. Only ctx bounds the final wait.
func KillTree(ctx context.Context, pid int, grace time.Duration) error {
	if pid <= 0 {
		return nil
	}
	tree := append([]int{pid}, descendants(ctx, pid)...)
	if grace > 0 {
		signalTree(pid, tree, syscall.SIGTERM)
		if waitGoneFor(ctx, pid, grace) {
			// children may ignore the group signal; make sure they are gone as well
			signalTree(pid, tree[1:], syscall.SIGKILL)
			return nil
		}
	}
	signalTree(pid, tree, syscall.SIGKILL)
	return waitGone(ctx, pid)
}

func signalTree(pgid int, pids []int, sig syscall.Signal) {
	// ESRCH is expected when the group or a child is already gone
	_ = syscall.Kill(-pgid, sig)
	for _, p := range pids {
		if err := syscall.Kill(p, sig); err != nil && err != syscall.ESRCH {
			slog.Debug("signal failed", "pid", p, "signal", sig, "error", err)
		}
	}
}

// descendants returns all transitive children of pid, children before grandchildren.
func descendants(ctx context.Context, pid int) []int {
	procs, err := gopsproc.ProcessesWithContext(ctx)
	if err != nil {
		return nil
	}
	children := make(map[int][]int)
	for _, p := range procs {
		ppid, err := p.PpidWithContext(ctx)
		if err != nil {
			continue
		}
		children[int(ppid)] = append(children[int(ppid)], int(p.Pid))
	}
	var out []int
	queue := []int{pid}
	seen := map[int]bool{pid: true}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, c := range children[cur] {
			if seen[c] {
				continue
			}
			seen[c] = true
			out = append(out, c)
			queue = append(queue, c)
		}
	}
	return out
}
