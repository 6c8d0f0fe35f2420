package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"

	"github.com/loykin/buildrun"
	"github.com/loykin/buildrun/internal/event"
	"github.com/loykin/buildrun/pkg/client"
)

type command struct {
	g      *GlobalFlags
	out    io.Writer
	errOut io.Writer
}

func (c *command) config() (*buildrun.Config, error) {
	cfg, err := buildrun.LoadConfig(c.g.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("error loading config: %w", err)
	}
	if c.g.PrefsDSN != "" {
		cfg.Prefs.DSN = c.g.PrefsDSN
	}
	return cfg, nil
}

func (c *command) open(ctx context.Context, cfg *buildrun.Config) (*buildrun.App, error) {
	return buildrun.Open(ctx, cfg, buildrun.WithConsole(c.errOut))
}

// backend connects to the daemon when --api-url is given, otherwise opens the
// App in-process.
func (c *command) backend(ctx context.Context) (backend, error) {
	if c.g.APIUrl != "" {
		cl := client.New(client.Config{BaseURL: c.g.APIUrl, Timeout: c.g.APITimeout})
		if !cl.IsReachable(ctx) {
			return nil, fmt.Errorf("daemon not reachable at %s - please start daemon first with 'buildrun serve'", c.g.APIUrl)
		}
		return &remoteBackend{c: cl}, nil
	}
	cfg, err := c.config()
	if err != nil {
		return nil, err
	}
	app, err := c.open(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &localBackend{app: app}, nil
}

// with runs fn against a backend and closes it afterwards.
func (c *command) with(ctx context.Context, fn func(b backend) error) error {
	b, err := c.backend(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = b.Close() }()
	return fn(b)
}

// warnOr prints warning-class errors and swallows them; others are returned.
func (c *command) warnOr(err error) error {
	if err != nil && isWarning(err) {
		_, _ = fmt.Fprintln(c.errOut, "warning:", err)
		return nil
	}
	return err
}

// errNoWaitInProcess: an in-process build reads its output through pipes held by
// this process, so returning early would abort it.
var errNoWaitInProcess = errors.New("--no-wait needs a daemon (--api-url); an in-process build ends with this command")

func (c *command) Build(ctx context.Context, f BuildFlags) error {
	if f.NoWait && c.g.APIUrl == "" {
		return errNoWaitInProcess
	}
	return c.with(ctx, func(b backend) error {
		onLine := func(e event.Event) {
			if !f.Quiet {
				_, _ = fmt.Fprintln(c.out, e.Line)
			}
		}
		job, err := b.Build(ctx, f.Rebuild, !f.NoWait, onLine)
		if err != nil {
			return err
		}
		c.printJSON(job)
		if job.Exited && (job.Failed || job.ExitCode != 0) {
			return fmt.Errorf("%s failed (exit code %d)", job.Kind, job.ExitCode)
		}
		return nil
	})
}

func (c *command) Run(ctx context.Context) error {
	return c.with(ctx, func(b backend) error {
		job, err := b.Run(ctx)
		if err != nil {
			return c.warnOr(err)
		}
		c.printJSON(job)
		return nil
	})
}

func (c *command) Stop(ctx context.Context) error {
	return c.with(ctx, func(b backend) error {
		if err := b.Stop(ctx); err != nil {
			return c.warnOr(err)
		}
		st, err := b.Status(ctx)
		if err != nil {
			return err
		}
		c.printJSON(st)
		return nil
	})
}

func (c *command) Status(ctx context.Context) error {
	return c.with(ctx, func(b backend) error {
		st, err := b.Status(ctx)
		if err != nil {
			return err
		}
		c.printJSON(st)
		return nil
	})
}

func (c *command) SettingsShow(ctx context.Context) error {
	return c.with(ctx, func(b backend) error {
		s, err := b.Settings(ctx)
		if err != nil {
			return err
		}
		c.printJSON(s)
		return nil
	})
}

func (c *command) SettingsSet(ctx context.Context, f SettingsSetFlags) error {
	u, err := f.update()
	if err != nil {
		return err
	}
	if u == (client.SettingsUpdate{}) {
		return errors.New("nothing to set; see 'buildrun settings set --help'")
	}
	return c.with(ctx, func(b backend) error {
		s, err := b.UpdateSettings(ctx, u)
		if err != nil {
			return err
		}
		c.printJSON(s)
		return nil
	})
}

// update turns the changed flags into a partial update. Paths are made absolute.
func (f SettingsSetFlags) update() (client.SettingsUpdate, error) {
	var u client.SettingsUpdate
	abs := func(p string) (*string, error) {
		if p == "" {
			return &p, nil
		}
		a, err := filepath.Abs(p)
		if err != nil {
			return nil, err
		}
		return &a, nil
	}
	var err error
	if f.Changed["solution"] {
		if u.SolutionPath, err = abs(f.Solution); err != nil {
			return u, err
		}
	}
	if f.Changed["project"] {
		if u.ProjectPath, err = abs(f.Project); err != nil {
			return u, err
		}
	}
	if f.Changed["start-on-play"] {
		v := f.StartOnPlay
		u.StartServerOnPlay = &v
	}
	if f.Changed["stop-on-stop"] {
		v := f.StopOnStop
		u.StopServerOnStop = &v
	}
	if f.Changed["delay-ms"] {
		if f.DelayMs < 0 {
			return u, errors.New("--delay-ms must not be negative")
		}
		v := f.DelayMs
		u.ServerStartDelayMs = &v
	}
	return u, nil
}

func (c *command) Play(ctx context.Context, change string) error {
	return c.with(ctx, func(b backend) error {
		res, err := b.Play(ctx, change)
		if res.Outcome != "" {
			c.printJSON(res)
		}
		return err
	})
}

func (c *command) History(ctx context.Context, f HistoryFlags) error {
	return c.with(ctx, func(b backend) error {
		recs, err := b.History(ctx, f.Limit)
		if err != nil {
			return err
		}
		c.printJSON(recs)
		return nil
	})
}

// Serve runs the HTTP API in-process until ctx is cancelled.
func (c *command) Serve(ctx context.Context, f ServeFlags) error {
	cfg, err := c.config()
	if err != nil {
		return err
	}
	if f.Listen != "" {
		cfg.Server.Listen = f.Listen
	}
	app, err := c.open(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = app.Close() }()
	return app.Serve(ctx)
}

func (c *command) printJSON(v any) {
	b, _ := json.MarshalIndent(v, "", "  ")
	_, _ = fmt.Fprintln(c.out, string(b))
}
