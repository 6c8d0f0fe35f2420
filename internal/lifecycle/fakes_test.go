package lifecycle

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/loykin/buildrun/internal/prefs"
	"github.com/loykin/buildrun/internal/registry"
	"github.com/loykin/buildrun/internal/runner"
)

type fakeProc struct {
	pid  int
	done chan struct{}
	once sync.Once
	res  runner.Result
}

func newFakeProc(pid int) *fakeProc { return &fakeProc{pid: pid, done: make(chan struct{})} }

func (p *fakeProc) PID() int              { return p.pid }
func (p *fakeProc) Done() <-chan struct{} { return p.done }

func (p *fakeProc) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

func (p *fakeProc) Wait(ctx context.Context) (runner.Result, error) {
	select {
	case <-p.done:
		return p.res, nil
	case <-ctx.Done():
		return runner.Result{}, ctx.Err()
	}
}

func (p *fakeProc) exit(res runner.Result) {
	p.once.Do(func() {
		p.res = res
		close(p.done)
	})
}

// world simulates the OS: spawned pids, liveness and tree kill.
type world struct {
	mu       sync.Mutex
	next     int
	live     map[int]bool
	procs    map[int]*fakeProc
	requests []runner.Request
	spawnErr error
	killErr  error
	kills    []int
	// dieOnSpawn makes spawned servers exit immediately
	dieOnSpawn bool
}

func newWorld() *world {
	return &world{next: 1000, live: map[int]bool{}, procs: map[int]*fakeProc{}}
}

func (w *world) Spawn(_ context.Context, req runner.Request) (Process, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.spawnErr != nil {
		return nil, w.spawnErr
	}
	w.next++
	pid := w.next
	p := newFakeProc(pid)
	w.procs[pid] = p
	w.requests = append(w.requests, req)
	if w.dieOnSpawn {
		p.exit(runner.Result{ExitCode: 1})
	} else {
		w.live[pid] = true
	}
	return p, nil
}

func (w *world) Kill(_ context.Context, pid int, _ time.Duration) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.killErr != nil {
		return w.killErr
	}
	w.kills = append(w.kills, pid)
	w.live[pid] = false
	if p, ok := w.procs[pid]; ok {
		p.exit(runner.Result{ExitCode: -1, ExitErr: errors.New("signal: killed")})
	}
	return nil
}

func (w *world) alive(pid int, _ int64) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.live[pid]
}

func (w *world) startTime(pid int) int64 { return int64(pid) }

// crash ends pid without going through Kill.
func (w *world) crash(pid int, code int) {
	w.finish(pid, runner.Result{ExitCode: code})
}

func (w *world) finish(pid int, res runner.Result) {
	w.mu.Lock()
	w.live[pid] = false
	p := w.procs[pid]
	w.mu.Unlock()
	if p != nil {
		p.exit(res)
	}
}

func (w *world) spawned() []runner.Request {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]runner.Request(nil), w.requests...)
}

func (w *world) registry(s prefs.Store) *registry.Registry {
	return registry.New(s, registry.WithLiveness(w.alive, w.startTime))
}

// recHandler counts log records per level and keeps messages.
type recHandler struct {
	mu   sync.Mutex
	recs []slog.Record
}

func (h *recHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *recHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	h.recs = append(h.recs, r)
	h.mu.Unlock()
	return nil
}

func (h *recHandler) WithAttrs([]slog.Attr) slog.Handler { return h }
func (h *recHandler) WithGroup(string) slog.Handler      { return h }

func (h *recHandler) count(level slog.Level) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, r := range h.recs {
		if r.Level == level {
			n++
		}
	}
	return n
}

func (h *recHandler) has(msg string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, r := range h.recs {
		if r.Message == msg {
			return true
		}
	}
	return false
}

// host records SetPlaying calls.
type host struct {
	mu    sync.Mutex
	calls []bool
}

func (h *host) SetPlaying(v bool) {
	h.mu.Lock()
	h.calls = append(h.calls, v)
	h.mu.Unlock()
}

func (h *host) history() []bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]bool(nil), h.calls...)
}
