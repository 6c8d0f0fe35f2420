// Package runner spawns shell commands and observes them until they exit.
package runner

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loykin/buildrun/internal/classify"
	"github.com/loykin/buildrun/internal/env"
	"github.com/loykin/buildrun/internal/logger"
)

// maxLine bounds a single scanned output line.
const maxLine = 1 << 20

type Stream string

const (
	Stdout Stream = "stdout"
	Stderr Stream = "stderr"
)

// Line is one line of captured output.
type Line struct {
	Stream  Stream
	Text    string
	Verdict classify.Verdict
}

// Request describes a command to launch.
type Request struct {
	// Name labels log records and per-process log files.
	Name    string
	Command string
	WorkDir string
	// Build enables output classification.
	Build bool
	// Redirect captures stdout and stderr line by line. When false the process
	// owns the console, or appends to log files if an output dir is configured;
	// either way it outlives this process.
	Redirect bool
	Env      []string
	// OnLine is called from a reader goroutine for every captured line.
	OnLine func(Line)
}

// Result is the outcome of a finished process.
type Result struct {
	ExitCode int
	ExitErr  error
	// Failed is set when any stdout line of a build was classified as a failure.
	Failed   bool
	Duration time.Duration
}

// Runner launches commands. It is safe for concurrent use.
type Runner struct {
	log        *slog.Logger
	env        *env.Env
	classifier *classify.Classifier
	output     logger.Config
}

type Option func(*Runner)

func WithLogger(l *slog.Logger) Option {
	return func(r *Runner) {
		if l != nil {
			r.log = l
		}
	}
}

func WithEnv(e *env.Env) Option {
	return func(r *Runner) {
		if e != nil {
			r.env = e
		}
	}
}

func WithClassifier(c *classify.Classifier) Option {
	return func(r *Runner) {
		if c != nil {
			r.classifier = c
		}
	}
}

// WithOutputFiles routes the output of non-redirected processes to log files.
func WithOutputFiles(c logger.Config) Option {
	return func(r *Runner) { r.output = c }
}

func New(opts ...Option) *Runner {
	r := &Runner{
		log:        slog.Default(),
		env:        env.New(),
		classifier: classify.Default(),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Run starts req.Command through the system shell and returns once the process
// has been spawned. The process is not tied to ctx; use KillTree to end it.
func (r *Runner) Run(ctx context.Context, req Request) (*Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if req.Command == "" {
		return nil, errors.New("runner: empty command")
	}
	if req.Name == "" {
		req.Name = "process"
	}
	cmd := shellCommand(req.Command)
	cmd.Dir = req.WorkDir
	cmd.Env = r.env.Merge(req.Env)
	configureSysProcAttr(cmd)

	h := &Handle{req: req, done: make(chan struct{}), log: r.log.With("name", req.Name)}

	var readers []io.Reader
	// files handed to the child; this process closes its copies after Start
	var files []*os.File
	if req.Redirect {
		outR, err := cmd.StdoutPipe()
		if err != nil {
			return nil, fmt.Errorf("stdout pipe: %w", err)
		}
		errR, err := cmd.StderrPipe()
		if err != nil {
			return nil, fmt.Errorf("stderr pipe: %w", err)
		}
		readers = []io.Reader{outR, errR}
	} else {
		cmd.Stdout, cmd.Stderr = os.Stdout, os.Stderr
		of, ef, err := r.output.ProcessFiles(req.Name)
		if err != nil {
			return nil, err
		}
		if of != nil {
			cmd.Stdout = of
			files = append(files, of)
		}
		if ef != nil {
			cmd.Stderr = ef
			files = append(files, ef)
		}
	}

	h.started = time.Now()
	err := cmd.Start()
	for _, f := range files {
		_ = f.Close()
	}
	if err != nil {
		h.log.Error("failed to start process", "command", req.Command, "dir", req.WorkDir, "error", err)
		return nil, fmt.Errorf("start %q: %w", req.Command, err)
	}
	h.cmd = cmd
	h.pid = cmd.Process.Pid
	h.log.Info("process started", "pid", h.pid, "command", req.Command, "dir", req.WorkDir)

	var wg sync.WaitGroup
	if req.Redirect {
		wg.Add(2)
		go r.scan(&wg, h, readers[0], Stdout)
		go r.scan(&wg, h, readers[1], Stderr)
	}
	go h.reap(&wg)
	return h, nil
}

func (r *Runner) scan(wg *sync.WaitGroup, h *Handle, rd io.Reader, stream Stream) {
	defer wg.Done()
	sc := bufio.NewScanner(rd)
	sc.Buffer(make([]byte, 0, 64*1024), maxLine)
	for sc.Scan() {
		ln := Line{Stream: stream, Text: sc.Text()}
		if stream == Stdout {
			ln.Verdict = r.classifier.Classify(ln.Text, h.req.Build)
			h.log.Info(ln.Text, "stream", stream)
			if ln.Verdict == classify.Failed {
				if !h.failed.Swap(true) {
					h.log.Error("Build was unsuccessful.", "line", ln.Text)
				}
			}
		} else {
			h.log.Error(ln.Text, "stream", stream)
		}
		if h.req.OnLine != nil {
			h.req.OnLine(ln)
		}
	}
	if err := sc.Err(); err != nil {
		h.log.Warn("output scan stopped", "stream", stream, "error", err)
		// keep draining so the child never blocks on a full pipe
		_, _ = io.Copy(io.Discard, rd)
	}
}

// Handle is a spawned process.
type Handle struct {
	req     Request
	cmd     *exec.Cmd
	pid     int
	started time.Time
	log     *slog.Logger

	failed atomic.Bool
	done   chan struct{}
	result Result
}

func (h *Handle) reap(wg *sync.WaitGroup) {
	// pipes must be drained before Wait closes them
	wg.Wait()
	err := h.cmd.Wait()
	res := Result{ExitErr: err, Failed: h.failed.Load(), Duration: time.Since(h.started)}
	if h.cmd.ProcessState != nil {
		res.ExitCode = h.cmd.ProcessState.ExitCode()
	}
	h.result = res
	h.log.Info("process exited", "pid", h.pid, "code", res.ExitCode, "failed", res.Failed, "duration", res.Duration)
	close(h.done)
}

func (h *Handle) PID() int { return h.pid }

func (h *Handle) Command() string { return h.req.Command }

func (h *Handle) WorkDir() string { return h.req.WorkDir }

func (h *Handle) Redirected() bool { return h.req.Redirect }

func (h *Handle) Started() time.Time { return h.started }

// Exited reports whether the process has terminated and been reaped.
func (h *Handle) Exited() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// Done is closed after the process has exited and all output has been delivered.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Failed reports whether a failure line has been seen so far.
func (h *Handle) Failed() bool { return h.failed.Load() }

// Wait blocks until the process exits or ctx is done.
func (h *Handle) Wait(ctx context.Context) (Result, error) {
	select {
	case <-h.done:
		return h.result, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}
