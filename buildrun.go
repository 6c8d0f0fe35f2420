// Package buildrun builds a .NET solution and runs its companion server on behalf
// of an editor, tracking the server across restarts of the tool itself.
package buildrun

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/loykin/buildrun/internal/classify"
	cfg "github.com/loykin/buildrun/internal/config"
	"github.com/loykin/buildrun/internal/env"
	"github.com/loykin/buildrun/internal/event"
	"github.com/loykin/buildrun/internal/history"
	hfactory "github.com/loykin/buildrun/internal/history/factory"
	"github.com/loykin/buildrun/internal/lifecycle"
	"github.com/loykin/buildrun/internal/logger"
	"github.com/loykin/buildrun/internal/metrics"
	"github.com/loykin/buildrun/internal/prefs"
	pfactory "github.com/loykin/buildrun/internal/prefs/factory"
	"github.com/loykin/buildrun/internal/registry"
	"github.com/loykin/buildrun/internal/runner"
	iapi "github.com/loykin/buildrun/internal/server"
)

// Re-export core types for external consumers.

type Config = cfg.Config

type Settings = prefs.Settings

type Status = lifecycle.Status

type Job = lifecycle.Job

type Event = event.Event

type HistoryRecord = history.Record

type PlayModeChange = lifecycle.PlayModeChange

type PlayModeHost = lifecycle.PlayModeHost

type PlayOutcome = lifecycle.PlayOutcome

const (
	EnteredEditMode = lifecycle.EnteredEditMode
	ExitingEditMode = lifecycle.ExitingEditMode
	EnteredPlayMode = lifecycle.EnteredPlayMode
	ExitingPlayMode = lifecycle.ExitingPlayMode

	PlayProceed  = lifecycle.PlayProceed
	PlayEntered  = lifecycle.PlayEntered
	PlayWithheld = lifecycle.PlayWithheld
)

var (
	ErrSolutionPathNotSet = lifecycle.ErrSolutionPathNotSet
	ErrProjectPathNotSet  = lifecycle.ErrProjectPathNotSet
	ErrAlreadyRunning     = lifecycle.ErrAlreadyRunning
	ErrNotRunning         = lifecycle.ErrNotRunning
	ErrServerNotReady     = lifecycle.ErrServerNotReady
	// ErrNoHistory is returned by History when no configured sink can be read back.
	ErrNoHistory = errors.New("no readable history sink configured")
)

func LoadConfig(path string) (*Config, error) { return cfg.Load(path) }

func DefaultConfig() *Config { return cfg.Default() }

func ParsePlayModeChange(s string) (PlayModeChange, error) {
	return lifecycle.ParsePlayModeChange(s)
}

// App wires the configured stores, runner, controller, history and metrics.
type App struct {
	cfg       *Config
	log       *slog.Logger
	logCloser io.Closer
	store     prefs.Store
	bus       *event.Bus
	ctl       *lifecycle.Controller
	recorder  *history.Recorder
	reader    history.Reader
	stopRec   func()
	recDone   chan struct{}
	gatherer  prometheus.Gatherer
}

type Option func(*options)

type options struct {
	console io.Writer
	store   prefs.Store
}

// WithConsole sets where console logs go; stderr by default.
func WithConsole(w io.Writer) Option { return func(o *options) { o.console = w } }

// WithStore uses s instead of opening prefs.dsn. The App closes it.
func WithStore(s prefs.Store) Option { return func(o *options) { o.store = s } }

// Open builds an App from c. A server tracked by an earlier session is recovered.
func Open(ctx context.Context, c *Config, opts ...Option) (*App, error) {
	if c == nil {
		c = cfg.Default()
	}
	o := options{console: os.Stderr}
	for _, fn := range opts {
		fn(&o)
	}

	log, logCloser := logger.New(c.Log, o.console)
	a := &App{cfg: c, log: log, logCloser: logCloser}
	ok := false
	defer func() {
		if !ok {
			a.closeResources()
		}
	}()

	a.store = o.store
	if a.store == nil {
		s, err := pfactory.NewFromDSN(c.Prefs.DSN)
		if err != nil {
			return nil, fmt.Errorf("open prefs: %w", err)
		}
		a.store = s
	}

	cl, err := classify.New(c.Classifier)
	if err != nil {
		return nil, err
	}
	globalEnv, err := c.GlobalEnv()
	if err != nil {
		return nil, err
	}
	ropts := []runner.Option{
		runner.WithLogger(log),
		runner.WithEnv(env.FromPairs(globalEnv)),
		runner.WithClassifier(cl),
	}
	if lc, set := c.ProcessLog(); set {
		ropts = append(ropts, runner.WithOutputFiles(lc))
	}

	a.bus = event.NewBus(log)
	if err := a.openHistory(); err != nil {
		return nil, err
	}

	if c.Metrics.Enabled {
		if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			metrics.NewServerCollector(a.trackedPID),
			collectors.NewBuildInfoCollector(),
		)
		a.gatherer = prometheus.Gatherers{prometheus.DefaultGatherer, reg}
	}

	a.ctl = lifecycle.New(ctx, a.store,
		lifecycle.WithLogger(log),
		lifecycle.WithBus(a.bus),
		lifecycle.WithSpawner(lifecycle.RunnerSpawner{Runner: runner.New(ropts...)}),
		lifecycle.WithCommands(c.Commands),
		lifecycle.WithKillGrace(c.Server.KillGrace),
		lifecycle.WithHealthInterval(c.Server.HealthInterval),
	)
	ok = true
	return a, nil
}

func (a *App) openHistory() error {
	if len(a.cfg.History.DSNs) == 0 {
		return nil
	}
	sinks, err := hfactory.NewSinks(a.cfg.History.DSNs)
	if err != nil {
		return fmt.Errorf("open history: %w", err)
	}
	for _, s := range sinks {
		if r, ok := s.(history.Reader); ok {
			a.reader = r
			break
		}
	}
	a.recorder = history.NewRecorder(a.log, sinks...)
	ch, cancel := a.bus.Subscribe(event.DefaultBuffer)
	a.stopRec = cancel
	a.recDone = make(chan struct{})
	go func() {
		defer close(a.recDone)
		a.recorder.Run(context.Background(), ch)
	}()
	return nil
}

// trackedPID reads the persisted server pid for the metrics collector.
func (a *App) trackedPID() int {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	t, ok := registry.New(a.store, registry.WithLogger(a.log)).TrackedLive(ctx)
	if !ok {
		return registry.NoProcess
	}
	return t.PID
}

func (a *App) Logger() *slog.Logger { return a.log }

func (a *App) Controller() *lifecycle.Controller { return a.ctl }

func (a *App) Build(ctx context.Context) (*Job, error)   { return a.ctl.Build(ctx) }
func (a *App) Rebuild(ctx context.Context) (*Job, error) { return a.ctl.Rebuild(ctx) }
func (a *App) Run(ctx context.Context) (*Job, error)     { return a.ctl.Run(ctx) }
func (a *App) Stop(ctx context.Context) error            { return a.ctl.Stop(ctx) }
func (a *App) Status(ctx context.Context) (Status, error) {
	return a.ctl.Status(ctx)
}
func (a *App) Settings(ctx context.Context) (Settings, error) { return a.ctl.Settings(ctx) }
func (a *App) SaveSettings(ctx context.Context, s Settings) error {
	return a.ctl.SaveSettings(ctx, s)
}

// OnPlayModeChanged applies the auto-start/auto-stop policies, see lifecycle.
func (a *App) OnPlayModeChanged(ctx context.Context, change PlayModeChange, host PlayModeHost) (PlayOutcome, error) {
	return a.ctl.OnPlayModeChanged(ctx, change, host)
}

// Events subscribes to lifecycle events; call cancel when done.
func (a *App) Events(buffer int) (<-chan Event, func()) { return a.bus.Subscribe(buffer) }

// History returns recent records from the first readable history sink.
func (a *App) History(ctx context.Context, limit int) ([]HistoryRecord, error) {
	if a.reader == nil {
		return nil, ErrNoHistory
	}
	return a.reader.Recent(ctx, limit)
}

// Handler returns the HTTP API mounted at server.base_path.
func (a *App) Handler() http.Handler {
	opts := []iapi.Option{iapi.WithBus(a.bus), iapi.WithLogger(a.log)}
	if a.reader != nil {
		opts = append(opts, iapi.WithHistory(a.reader))
	}
	if a.gatherer != nil {
		opts = append(opts, iapi.WithMetrics(a.gatherer))
	}
	return iapi.NewRouter(a.ctl, a.cfg.Server.BasePath, opts...).Handler()
}

// Serve runs the HTTP API on server.listen until ctx is done.
func (a *App) Serve(ctx context.Context) error {
	srv, err := iapi.NewServer(a.cfg.Server.Listen, a.Handler())
	if err != nil {
		return fmt.Errorf("listen %s: %w", a.cfg.Server.Listen, err)
	}
	a.log.Info("buildrun API listening", "addr", srv.Addr, "base_path", a.cfg.Server.BasePath)
	<-ctx.Done()
	a.log.Info("shutting down API server")
	return iapi.Shutdown(srv, 5*time.Second)
}

// Close stops the controller and releases stores and log files. A running
// server is left running and stays tracked.
func (a *App) Close() error {
	err := a.ctl.Close()
	a.closeResources()
	return err
}

func (a *App) closeResources() {
	if a.stopRec != nil {
		a.stopRec()
		<-a.recDone
	}
	if a.recorder != nil {
		_ = a.recorder.Close()
	}
	if a.bus != nil {
		a.bus.Close()
	}
	if a.store != nil {
		_ = a.store.Close()
	}
	if a.logCloser != nil {
		_ = a.logCloser.Close()
	}
}
