package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"

	"github.com/loykin/buildrun"
	"github.com/loykin/buildrun/internal/event"
	"github.com/loykin/buildrun/pkg/client"
)

// backend is what the commands act on: an in-process App or a remote daemon.
// Values use the client package's wire types in both cases.
type backend interface {
	Build(ctx context.Context, rebuild, wait bool, onLine func(event.Event)) (client.Job, error)
	Run(ctx context.Context) (client.Job, error)
	Stop(ctx context.Context) error
	Status(ctx context.Context) (client.Status, error)
	Settings(ctx context.Context) (client.Settings, error)
	UpdateSettings(ctx context.Context, u client.SettingsUpdate) (client.Settings, error)
	Play(ctx context.Context, change string) (client.PlayResult, error)
	History(ctx context.Context, limit int) ([]client.HistoryRecord, error)
	Close() error
}

// convert copies in to out through their JSON form; both share the wire format.
func convert(in, out any) error {
	b, err := json.Marshal(in)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, out)
}

// --- in-process ---

type localBackend struct {
	app *buildrun.App
}

func jobView(j *buildrun.Job) client.Job {
	return client.Job{RunID: j.ID, Kind: j.Kind, Command: j.Command, PID: j.PID()}
}

func (b *localBackend) Build(ctx context.Context, rebuild, wait bool, onLine func(event.Event)) (client.Job, error) {
	events, cancel := b.app.Events(4096)
	defer cancel()
	build := b.app.Build
	if rebuild {
		build = b.app.Rebuild
	}
	job, err := build(ctx)
	if err != nil {
		return client.Job{}, err
	}
	view := jobView(job)
	if !wait {
		return view, nil
	}
	forward := func(e event.Event) {
		if e.Type == event.OutputLine && e.RunID == job.ID && onLine != nil {
			onLine(e)
		}
	}
	// every line is published before Done is closed
	for done := false; !done; {
		select {
		case e := <-events:
			forward(e)
		case <-job.Done():
			for drained := false; !drained; {
				select {
				case e := <-events:
					forward(e)
				default:
					drained = true
				}
			}
			done = true
		case <-ctx.Done():
			return view, ctx.Err()
		}
	}
	res, err := job.Wait(ctx)
	if err != nil {
		return view, err
	}
	view.Exited = true
	view.ExitCode = res.ExitCode
	view.Failed = res.Failed
	view.DurationMs = res.Duration.Milliseconds()
	return view, nil
}

func (b *localBackend) Run(ctx context.Context) (client.Job, error) {
	job, err := b.app.Run(ctx)
	if err != nil {
		return client.Job{}, err
	}
	return jobView(job), nil
}

func (b *localBackend) Stop(ctx context.Context) error { return b.app.Stop(ctx) }

func (b *localBackend) Status(ctx context.Context) (client.Status, error) {
	var out client.Status
	st, err := b.app.Status(ctx)
	if err != nil {
		return out, err
	}
	return out, convert(st, &out)
}

func (b *localBackend) Settings(ctx context.Context) (client.Settings, error) {
	var out client.Settings
	s, err := b.app.Settings(ctx)
	if err != nil {
		return out, err
	}
	return out, convert(s, &out)
}

func (b *localBackend) UpdateSettings(ctx context.Context, u client.SettingsUpdate) (client.Settings, error) {
	var out client.Settings
	s, err := b.app.Settings(ctx)
	if err != nil {
		return out, err
	}
	// Settings decodes partial JSON over its current values
	if err := convert(u, &s); err != nil {
		return out, err
	}
	if err := b.app.SaveSettings(ctx, s); err != nil {
		return out, err
	}
	return out, convert(s, &out)
}

// printHost records the play-mode decisions of the controller.
type printHost struct {
	mu      sync.Mutex
	playing *bool
}

func (h *printHost) SetPlaying(p bool) {
	h.mu.Lock()
	h.playing = &p
	h.mu.Unlock()
}

func (b *localBackend) Play(ctx context.Context, change string) (client.PlayResult, error) {
	ch, err := buildrun.ParsePlayModeChange(change)
	if err != nil {
		return client.PlayResult{}, err
	}
	host := &printHost{}
	outcome, err := b.app.OnPlayModeChanged(ctx, ch, host)
	host.mu.Lock()
	res := client.PlayResult{Change: ch.String(), Outcome: outcome.String(), Playing: host.playing}
	host.mu.Unlock()
	if err != nil {
		res.Error = err.Error()
	}
	return res, err
}

func (b *localBackend) History(ctx context.Context, limit int) ([]client.HistoryRecord, error) {
	var out []client.HistoryRecord
	recs, err := b.app.History(ctx, limit)
	if err != nil {
		return nil, err
	}
	return out, convert(recs, &out)
}

func (b *localBackend) Close() error { return b.app.Close() }

// --- daemon ---

type remoteBackend struct {
	c *client.Client
}

func (b *remoteBackend) Build(ctx context.Context, rebuild, wait bool, _ func(event.Event)) (client.Job, error) {
	if rebuild {
		return b.c.Rebuild(ctx, wait)
	}
	return b.c.Build(ctx, wait)
}

func (b *remoteBackend) Run(ctx context.Context) (client.Job, error) { return b.c.Run(ctx) }

func (b *remoteBackend) Stop(ctx context.Context) error { return b.c.Stop(ctx) }

func (b *remoteBackend) Status(ctx context.Context) (client.Status, error) { return b.c.Status(ctx) }

func (b *remoteBackend) Settings(ctx context.Context) (client.Settings, error) {
	return b.c.Settings(ctx)
}

func (b *remoteBackend) UpdateSettings(ctx context.Context, u client.SettingsUpdate) (client.Settings, error) {
	return b.c.UpdateSettings(ctx, u)
}

func (b *remoteBackend) Play(ctx context.Context, change string) (client.PlayResult, error) {
	return b.c.PlayMode(ctx, change)
}

func (b *remoteBackend) History(ctx context.Context, limit int) ([]client.HistoryRecord, error) {
	return b.c.History(ctx, limit)
}

func (b *remoteBackend) Close() error { return nil }

// isWarning reports errors that only mean "nothing to do": already running,
// not running. They are printed but do not fail the command.
func isWarning(err error) bool {
	if errors.Is(err, buildrun.ErrAlreadyRunning) || errors.Is(err, buildrun.ErrNotRunning) {
		return true
	}
	return client.IsStatus(err, http.StatusConflict)
}
