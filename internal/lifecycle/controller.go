// Package lifecycle owns the build/run/stop state machine of the companion server.
//
// A Controller runs a single goroutine that owns all state; exported methods
// post commands to it and wait for the reply. The persisted process id is only
// read at construction (recovery) and when no handle of our own is held.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"k8s.io/utils/clock"

	"github.com/loykin/buildrun/internal/classify"
	"github.com/loykin/buildrun/internal/event"
	"github.com/loykin/buildrun/internal/metrics"
	"github.com/loykin/buildrun/internal/prefs"
	"github.com/loykin/buildrun/internal/registry"
	"github.com/loykin/buildrun/internal/runner"
)

const (
	KindBuild   = "build"
	KindRebuild = "rebuild"
	KindRun     = "run"
)

// Process is a spawned command as seen by the controller.
type Process interface {
	PID() int
	Done() <-chan struct{}
	Exited() bool
	Wait(ctx context.Context) (runner.Result, error)
}

// Spawner starts commands.
type Spawner interface {
	Spawn(ctx context.Context, req runner.Request) (Process, error)
}

// KillFunc terminates the process tree rooted at pid and waits for it to go away.
type KillFunc func(ctx context.Context, pid int, grace time.Duration) error

// RunnerSpawner adapts runner.Runner to Spawner.
type RunnerSpawner struct {
	Runner *runner.Runner
}

func (s RunnerSpawner) Spawn(ctx context.Context, req runner.Request) (Process, error) {
	h, err := s.Runner.Run(ctx, req)
	if err != nil {
		return nil, err
	}
	return h, nil
}

// Job is a process started by Build, Rebuild or Run.
type Job struct {
	Process
	ID      string
	Kind    string
	Command string
}

// Status is a snapshot of the controller.
type Status struct {
	State    string         `json:"state"`
	PID      int            `json:"pid"`
	Live     bool           `json:"live"`
	Owned    bool           `json:"owned"`
	RunID    string         `json:"run_id,omitempty"`
	Settings prefs.Settings `json:"settings"`
}

type command struct {
	ctx   context.Context
	fn    func(ctx context.Context) error
	reply chan error
}

type Controller struct {
	store     prefs.Store
	reg       *registry.Registry
	spawner   Spawner
	kill      KillFunc
	bus       *event.Bus
	clock     clock.WithTicker
	log       *slog.Logger
	cmds      Commands
	killGrace time.Duration
	health    time.Duration

	cmdCh chan command
	quit  chan struct{}
	done  chan struct{}

	// owned by the loop goroutine
	state   State
	server  Process
	runID   string
	tracked registry.Tracked
}

type Option func(*Controller)

func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) {
		if l != nil {
			c.log = l
		}
	}
}

func WithBus(b *event.Bus) Option { return func(c *Controller) { c.bus = b } }

// WithClock replaces the clock used for the readiness delay and health ticks.
func WithClock(clk clock.WithTicker) Option {
	return func(c *Controller) {
		if clk != nil {
			c.clock = clk
		}
	}
}

func WithSpawner(s Spawner) Option {
	return func(c *Controller) {
		if s != nil {
			c.spawner = s
		}
	}
}

func WithKiller(k KillFunc) Option {
	return func(c *Controller) {
		if k != nil {
			c.kill = k
		}
	}
}

func WithRegistry(r *registry.Registry) Option {
	return func(c *Controller) {
		if r != nil {
			c.reg = r
		}
	}
}

func WithCommands(cmds Commands) Option { return func(c *Controller) { c.cmds = cmds } }

// WithKillGrace sends SIGTERM and waits up to d before killing (Unix only).
func WithKillGrace(d time.Duration) Option { return func(c *Controller) { c.killGrace = d } }

// WithHealthInterval sets how often a server without an own handle is re-checked.
// Zero disables the check.
func WithHealthInterval(d time.Duration) Option { return func(c *Controller) { c.health = d } }

// New builds a controller over store, recovers a server tracked by an earlier
// session and starts the controller goroutine.
func New(ctx context.Context, store prefs.Store, opts ...Option) *Controller {
	c := &Controller{
		store:   store,
		kill:    runner.KillTree,
		clock:   clock.RealClock{},
		log:     slog.Default(),
		health:  time.Second,
		cmdCh:   make(chan command, 16),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
		tracked: registry.Tracked{PID: registry.NoProcess},
	}
	for _, o := range opts {
		o(c)
	}
	if c.reg == nil {
		c.reg = registry.New(store, registry.WithLogger(c.log))
	}
	if c.spawner == nil {
		c.spawner = RunnerSpawner{Runner: runner.New(runner.WithLogger(c.log))}
	}
	c.recover(ctx)
	go c.loop()
	return c
}

func (c *Controller) recover(ctx context.Context) {
	t, ok := c.reg.Tracked(ctx)
	if !ok {
		return
	}
	if c.reg.IsLive(t) {
		c.tracked = t
		c.state = StateRunning
		metrics.SetServerRunning(true)
		c.log.Info("recovered running server", "pid", t.PID)
		return
	}
	c.log.Debug("tracked server is gone; clearing", "pid", t.PID)
	if err := c.reg.Clear(ctx); err != nil {
		c.log.Warn("clear tracked process", "error", err)
	}
}

func (c *Controller) loop() {
	defer close(c.done)

	var tick <-chan time.Time
	if c.health > 0 {
		t := c.clock.NewTicker(c.health)
		defer t.Stop()
		tick = t.C()
	}

	for {
		var exited <-chan struct{}
		if c.server != nil {
			exited = c.server.Done()
		}
		select {
		case <-c.quit:
			return
		case cmd := <-c.cmdCh:
			cmd.reply <- cmd.fn(cmd.ctx)
		case <-exited:
			c.serverExited()
		case <-tick:
			c.checkHealth()
		}
	}
}

// exec runs fn on the controller goroutine.
func (c *Controller) exec(ctx context.Context, fn func(ctx context.Context) error) error {
	reply := make(chan error, 1)
	select {
	case c.cmdCh <- command{ctx: ctx, fn: fn, reply: reply}:
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-c.done:
		return ErrClosed
	}
}

// Close stops the controller goroutine. A running server is left running and
// stays tracked for the next session.
func (c *Controller) Close() error {
	select {
	case <-c.quit:
	default:
		close(c.quit)
	}
	<-c.done
	return nil
}

// Build runs `dotnet build` on the configured solution with captured output.
func (c *Controller) Build(ctx context.Context) (*Job, error) {
	return c.build(ctx, false)
}

// Rebuild is Build with --no-incremental.
func (c *Controller) Rebuild(ctx context.Context) (*Job, error) {
	return c.build(ctx, true)
}

func (c *Controller) build(ctx context.Context, rebuild bool) (*Job, error) {
	var job *Job
	err := c.exec(ctx, func(ctx context.Context) error {
		var err error
		job, err = c.doBuild(ctx, rebuild)
		return err
	})
	return job, err
}

// Run starts the server unless one is already live.
func (c *Controller) Run(ctx context.Context) (*Job, error) {
	var job *Job
	err := c.exec(ctx, func(ctx context.Context) error {
		var err error
		job, err = c.doRun(ctx)
		return err
	})
	return job, err
}

// Stop terminates the server process tree and clears the tracked id.
func (c *Controller) Stop(ctx context.Context) error {
	return c.exec(ctx, c.doStop)
}

func (c *Controller) Status(ctx context.Context) (Status, error) {
	var st Status
	err := c.exec(ctx, func(ctx context.Context) error {
		s, err := prefs.Load(ctx, c.store)
		if err != nil {
			return err
		}
		t, live := c.liveServer(ctx)
		if c.server == nil {
			c.checkHealth()
		}
		st = Status{
			State:    c.state.String(),
			PID:      t.PID,
			Live:     live,
			Owned:    c.server != nil,
			RunID:    c.runID,
			Settings: s,
		}
		if !live {
			st.PID = registry.NoProcess
		}
		return nil
	})
	return st, err
}

// Settings reads the current settings from the store.
func (c *Controller) Settings(ctx context.Context) (prefs.Settings, error) {
	var s prefs.Settings
	err := c.exec(ctx, func(ctx context.Context) error {
		var err error
		s, err = prefs.Load(ctx, c.store)
		return err
	})
	return s, err
}

// SaveSettings persists s; it takes effect on the next action.
func (c *Controller) SaveSettings(ctx context.Context, s prefs.Settings) error {
	return c.exec(ctx, func(ctx context.Context) error {
		if err := prefs.Save(ctx, c.store, s); err != nil {
			return err
		}
		c.log.Info("settings saved")
		return nil
	})
}

func (c *Controller) doBuild(ctx context.Context, rebuild bool) (*Job, error) {
	s, err := prefs.Load(ctx, c.store)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(s.SolutionPath) == "" {
		c.log.Error("Solution path is not set.")
		return nil, ErrSolutionPathNotSet
	}
	kind := KindBuild
	if rebuild {
		kind = KindRebuild
	}
	job := &Job{ID: event.NewRunID(), Kind: kind, Command: c.cmds.BuildCommand(s.SolutionPath, rebuild)}
	p, err := c.spawner.Spawn(ctx, runner.Request{
		Name:     kind,
		Command:  job.Command,
		WorkDir:  workDir(s.SolutionPath),
		Build:    true,
		Redirect: true,
		Env:      c.cmds.Env,
		OnLine:   c.forwardLines(job.ID, kind),
	})
	if err != nil {
		metrics.IncSpawnError(kind)
		c.log.Error("failed to start "+kind, "command", job.Command, "error", err)
		return nil, fmt.Errorf("%s: %w", kind, err)
	}
	job.Process = p
	metrics.IncBuild(kind)
	c.publish(event.Event{Type: event.BuildStarted, RunID: job.ID, Kind: kind, PID: p.PID(), Command: job.Command})
	go c.watchBuild(job)
	return job, nil
}

func (c *Controller) watchBuild(job *Job) {
	res, err := job.Wait(context.Background())
	if err != nil {
		return
	}
	metrics.ObserveBuild(job.Kind, res.Failed, res.Duration.Seconds())
	if res.Failed {
		c.log.Warn(job.Kind+" finished with failures", "exit_code", res.ExitCode, "duration", res.Duration)
	} else {
		c.log.Info(job.Kind+" finished", "exit_code", res.ExitCode, "duration", res.Duration)
	}
	c.publish(event.Event{
		Type:     event.BuildFinished,
		RunID:    job.ID,
		Kind:     job.Kind,
		PID:      job.PID(),
		Failed:   res.Failed,
		ExitCode: res.ExitCode,
	})
}

func (c *Controller) doRun(ctx context.Context) (*Job, error) {
	s, err := prefs.Load(ctx, c.store)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(s.ProjectPath) == "" {
		c.log.Error("Project path is not set.")
		return nil, ErrProjectPathNotSet
	}
	if t, live := c.liveServer(ctx); live {
		c.log.Warn("The project is already running.", "pid", t.PID)
		return nil, ErrAlreadyRunning
	}

	job := &Job{ID: event.NewRunID(), Kind: KindRun, Command: c.cmds.RunCommand(s.ProjectPath)}
	c.setState(StateStarting)
	p, err := c.spawner.Spawn(ctx, runner.Request{
		Name:    "server",
		Command: job.Command,
		WorkDir: workDir(s.ProjectPath),
		Env:     c.cmds.Env,
	})
	if err != nil {
		c.setState(StateStopped)
		metrics.IncSpawnError(KindRun)
		c.log.Error("failed to start server", "command", job.Command, "error", err)
		return nil, fmt.Errorf("run: %w", err)
	}
	job.Process = p

	t, err := c.reg.SetTracked(ctx, p.PID())
	if err != nil {
		c.log.Warn("could not persist server pid; it will not survive a restart", "pid", p.PID(), "error", err)
		t = registry.Tracked{PID: p.PID()}
	}
	c.server = p
	c.runID = job.ID
	c.tracked = t
	c.setState(StateRunning)
	metrics.IncServerStart()
	metrics.SetServerRunning(true)
	c.publish(event.Event{Type: event.ProcessStarted, RunID: job.ID, Kind: KindRun, PID: p.PID(), Command: job.Command})
	return job, nil
}

func (c *Controller) doStop(ctx context.Context) error {
	t, live := c.liveServer(ctx)
	if !live {
		c.checkHealth()
		c.log.Warn("The project is not running.")
		return ErrNotRunning
	}
	if err := c.kill(ctx, t.PID, c.killGrace); err != nil {
		c.log.Error("failed to stop server", "pid", t.PID, "error", err)
		return fmt.Errorf("stop: %w", err)
	}
	if err := c.reg.Clear(ctx); err != nil {
		c.log.Warn("clear tracked process", "error", err)
	}
	runID := c.runID
	c.server = nil
	c.runID = ""
	c.tracked = registry.Tracked{PID: registry.NoProcess}
	c.setState(StateStopped)
	metrics.IncServerStop()
	metrics.SetServerRunning(false)
	c.log.Info("server stopped", "pid", t.PID)
	c.publish(event.Event{Type: event.ProcessExited, RunID: runID, Kind: KindRun, PID: t.PID, Message: "stopped"})
	return nil
}

// liveServer reports the server currently considered live. An own handle wins;
// otherwise the registry decides.
func (c *Controller) liveServer(ctx context.Context) (registry.Tracked, bool) {
	if c.server != nil {
		if !c.server.Exited() {
			return c.tracked, true
		}
		c.serverExited()
	}
	return c.reg.TrackedLive(ctx)
}

// serverExited handles the exit of the server started by this controller.
func (c *Controller) serverExited() {
	p := c.server
	if p == nil {
		return
	}
	c.server = nil
	res, _ := p.Wait(context.Background())
	ctx := context.Background()
	if t, ok := c.reg.Tracked(ctx); ok && t.PID == p.PID() {
		if err := c.reg.Clear(ctx); err != nil {
			c.log.Warn("clear tracked process", "error", err)
		}
	}
	runID := c.runID
	c.runID = ""
	c.tracked = registry.Tracked{PID: registry.NoProcess}
	c.setState(StateStopped)
	metrics.SetServerRunning(false)
	c.log.Info("server exited", "pid", p.PID(), "exit_code", res.ExitCode)
	c.publish(event.Event{Type: event.ProcessExited, RunID: runID, Kind: KindRun, PID: p.PID(), ExitCode: res.ExitCode, Message: "exited"})
}

// checkHealth reconciles the state with the registry when there is no own handle,
// for servers recovered from an earlier session or started by another instance.
// It runs on every health tick and from Status and Stop.
func (c *Controller) checkHealth() {
	if c.server != nil {
		return
	}
	ctx := context.Background()
	t, live := c.reg.TrackedLive(ctx)
	switch {
	case c.state == StateRunning && !live:
		if t.PID > 0 {
			if err := c.reg.Clear(ctx); err != nil {
				c.log.Warn("clear tracked process", "error", err)
			}
		}
		pid := c.tracked.PID
		c.tracked = registry.Tracked{PID: registry.NoProcess}
		c.setState(StateStopped)
		metrics.SetServerRunning(false)
		c.log.Info("tracked server is gone", "pid", pid)
		c.publish(event.Event{Type: event.ProcessExited, Kind: KindRun, PID: pid, Message: "gone"})
	case c.state == StateStopped && live:
		c.tracked = t
		c.setState(StateRunning)
		metrics.SetServerRunning(true)
		c.log.Info("adopted running server", "pid", t.PID)
	}
}

func (c *Controller) setState(s State) {
	old := c.state
	if old == s {
		return
	}
	c.state = s
	metrics.RecordStateTransition(old.String(), s.String())
	c.publish(event.Event{Type: event.StateChanged, State: s.String()})
}

func (c *Controller) forwardLines(runID, kind string) func(runner.Line) {
	return func(l runner.Line) {
		c.publish(event.Event{
			Type:   event.OutputLine,
			RunID:  runID,
			Kind:   kind,
			Stream: string(l.Stream),
			Line:   l.Text,
			Failed: l.Verdict == classify.Failed,
		})
	}
}

func (c *Controller) publish(e event.Event) {
	if c.bus != nil {
		if e.At.IsZero() {
			e.At = c.clock.Now()
		}
		c.bus.Publish(e)
	}
}

// IsConfigError reports whether err is one of the "path not set" errors.
func IsConfigError(err error) bool {
	return errors.Is(err, ErrSolutionPathNotSet) || errors.Is(err, ErrProjectPathNotSet)
}
