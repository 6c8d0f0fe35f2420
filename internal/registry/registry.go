// Package registry remembers the single server process started by the
// controller, so that it can be found again after the host restarts.
package registry

import (
	"context"
	"log/slog"

	"github.com/loykin/buildrun/internal/detector"
	"github.com/loykin/buildrun/internal/prefs"
)

// NoProcess is the persisted value meaning "nothing tracked".
const NoProcess = -1

// Tracked is the persisted identity of the server process.
type Tracked struct {
	PID int
	// StartUnix is the OS start time in unix seconds, 0 when unknown.
	StartUnix int64
}

// Registry reads and writes the tracked process id through a prefs.Store.
type Registry struct {
	store prefs.Store
	log   *slog.Logger
	alive func(pid int, startUnix int64) bool
	start func(pid int) int64
}

type Option func(*Registry)

// WithLiveness replaces the liveness check and start-time lookup (tests).
func WithLiveness(alive func(pid int, startUnix int64) bool, start func(pid int) int64) Option {
	return func(r *Registry) {
		if alive != nil {
			r.alive = alive
		}
		if start != nil {
			r.start = start
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.log = l
		}
	}
}

func New(s prefs.Store, opts ...Option) *Registry {
	r := &Registry{
		store: s,
		log:   slog.Default(),
		alive: detector.Alive,
		start: detector.StartUnix,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Tracked returns the persisted process, ok=false when none is recorded.
func (r *Registry) Tracked(ctx context.Context) (Tracked, bool) {
	pid, err := prefs.GetInt(ctx, r.store, prefs.KeyProcessID, NoProcess)
	if err != nil {
		r.log.Warn("read tracked process id", "error", err)
		return Tracked{PID: NoProcess}, false
	}
	if pid <= 0 {
		return Tracked{PID: NoProcess}, false
	}
	st, _ := prefs.GetInt64(ctx, r.store, prefs.KeyProcessStart, 0)
	return Tracked{PID: pid, StartUnix: st}, true
}

// SetTracked persists pid together with its current OS start time.
func (r *Registry) SetTracked(ctx context.Context, pid int) (Tracked, error) {
	t := Tracked{PID: pid, StartUnix: r.start(pid)}
	if err := prefs.SetInt(ctx, r.store, prefs.KeyProcessID, int64(pid)); err != nil {
		return Tracked{}, err
	}
	if err := prefs.SetInt(ctx, r.store, prefs.KeyProcessStart, t.StartUnix); err != nil {
		return Tracked{}, err
	}
	r.log.Debug("tracking process", "pid", pid, "start", t.StartUnix)
	return t, nil
}

// Clear resets the tracked id to NoProcess.
func (r *Registry) Clear(ctx context.Context) error {
	if err := prefs.SetInt(ctx, r.store, prefs.KeyProcessID, NoProcess); err != nil {
		return err
	}
	return r.store.Delete(ctx, prefs.KeyProcessStart)
}

// IsLive reports whether t still names a running process.
// Lookup failures of any kind are reported as not live.
func (r *Registry) IsLive(t Tracked) bool {
	if t.PID <= 0 {
		return false
	}
	return r.alive(t.PID, t.StartUnix)
}

// TrackedLive combines Tracked and IsLive.
func (r *Registry) TrackedLive(ctx context.Context) (Tracked, bool) {
	t, ok := r.Tracked(ctx)
	if !ok {
		return t, false
	}
	return t, r.IsLive(t)
}
