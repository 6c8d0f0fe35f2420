package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/heptiolabs/healthcheck"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/buildrun/internal/event"
	"github.com/loykin/buildrun/internal/history"
	"github.com/loykin/buildrun/internal/lifecycle"
	"github.com/loykin/buildrun/internal/metrics"
	"github.com/loykin/buildrun/internal/prefs"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 1000
	readyTimeout        = 2 * time.Second
)

// Controller is the part of lifecycle.Controller the router drives.
type Controller interface {
	Build(ctx context.Context) (*lifecycle.Job, error)
	Rebuild(ctx context.Context) (*lifecycle.Job, error)
	Run(ctx context.Context) (*lifecycle.Job, error)
	Stop(ctx context.Context) error
	Status(ctx context.Context) (lifecycle.Status, error)
	Settings(ctx context.Context) (prefs.Settings, error)
	SaveSettings(ctx context.Context, s prefs.Settings) error
	OnPlayModeChanged(ctx context.Context, change lifecycle.PlayModeChange, host lifecycle.PlayModeHost) (lifecycle.PlayOutcome, error)
}

// Router provides embeddable HTTP handlers for the build/run controller.
// Endpoints, relative to basePath:
//
//	POST /build, /rebuild    query: wait=true blocks until the build exits
//	POST /run, /stop
//	GET  /status
//	GET  /settings, PUT /settings (partial JSON update)
//	POST /playmode           body: {"change":"exiting_edit_mode"}
//	GET  /events             newline-delimited JSON; query: type=..., run_id=...
//	GET  /history            query: limit=N
//	GET  /live, /ready, /metrics
//
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	ctl      Controller
	basePath string
	bus      *event.Bus
	history  history.Reader
	gatherer prometheus.Gatherer
	log      *slog.Logger
	health   healthcheck.Handler
}

type Option func(*Router)

// WithBus enables GET /events.
func WithBus(b *event.Bus) Option { return func(r *Router) { r.bus = b } }

// WithHistory enables GET /history.
func WithHistory(h history.Reader) Option { return func(r *Router) { r.history = h } }

// WithMetrics enables GET /metrics for g.
func WithMetrics(g prometheus.Gatherer) Option { return func(r *Router) { r.gatherer = g } }

func WithLogger(l *slog.Logger) Option {
	return func(r *Router) {
		if l != nil {
			r.log = l
		}
	}
}

// NewRouter constructs a new Router with configurable basePath.
// Example basePath: "/api" results in /api/build, /api/run, /api/status.
func NewRouter(ctl Controller, basePath string, opts ...Option) *Router {
	r := &Router{ctl: ctl, basePath: sanitizeBase(basePath), log: slog.Default()}
	for _, o := range opts {
		o(r)
	}
	r.health = healthcheck.NewHandler()
	r.health.AddLivenessCheck("goroutines", healthcheck.GoroutineCountCheck(10000))
	r.health.AddReadinessCheck("controller", healthcheck.Timeout(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), readyTimeout)
		defer cancel()
		_, err := r.ctl.Status(ctx)
		return err
	}, readyTimeout))
	return r
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.POST("/build", r.handleBuild(false))
	group.POST("/rebuild", r.handleBuild(true))
	group.POST("/run", r.handleRun)
	group.POST("/stop", r.handleStop)
	group.GET("/status", r.handleStatus)
	group.GET("/settings", r.handleGetSettings)
	group.PUT("/settings", r.handlePutSettings)
	group.POST("/playmode", r.handlePlayMode)
	group.GET("/events", r.handleEvents)
	group.GET("/history", r.handleHistory)
	group.GET("/live", gin.WrapF(r.health.LiveEndpoint))
	group.GET("/ready", gin.WrapF(r.health.ReadyEndpoint))
	if r.gatherer != nil {
		group.GET("/metrics", gin.WrapH(metrics.HandlerFor(r.gatherer)))
	}
	return g
}

// NewServer listens on addr and serves h in the background. Listen errors are
// returned; the caller shuts the server down with Shutdown or Close.
func NewServer(addr string, h http.Handler) (*http.Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	server := &http.Server{
		Addr:              ln.Addr().String(),
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		// no WriteTimeout: /events and /build?wait=true stay open
		IdleTimeout: 60 * time.Second,
	}
	go func() { _ = server.Serve(ln) }()
	return server, nil
}

// --- Handlers ---

// JobResponse describes a spawned build or server process. The result fields
// are only set when the request waited for the build to exit.
type JobResponse struct {
	RunID      string `json:"run_id"`
	Kind       string `json:"kind"`
	Command    string `json:"command"`
	PID        int    `json:"pid"`
	Exited     bool   `json:"exited"`
	ExitCode   int    `json:"exit_code"`
	Failed     bool   `json:"failed"`
	DurationMs int64  `json:"duration_ms,omitempty"`
}

func jobResponse(j *lifecycle.Job) JobResponse {
	return JobResponse{RunID: j.ID, Kind: j.Kind, Command: j.Command, PID: j.PID()}
}

func (r *Router) handleBuild(rebuild bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		wait := false
		if s := c.Query("wait"); s != "" {
			b, err := strconv.ParseBool(s)
			if err != nil {
				writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid wait: " + err.Error()})
				return
			}
			wait = b
		}
		ctx := c.Request.Context()
		build := r.ctl.Build
		if rebuild {
			build = r.ctl.Rebuild
		}
		job, err := build(ctx)
		if err != nil {
			writeError(c, err)
			return
		}
		resp := jobResponse(job)
		if wait {
			res, err := job.Wait(ctx)
			if err != nil {
				writeError(c, err)
				return
			}
			resp.Exited = true
			resp.ExitCode = res.ExitCode
			resp.Failed = res.Failed
			resp.DurationMs = res.Duration.Milliseconds()
		}
		writeJSON(c, http.StatusOK, resp)
	}
}

func (r *Router) handleRun(c *gin.Context) {
	job, err := r.ctl.Run(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, jobResponse(job))
}

func (r *Router) handleStop(c *gin.Context) {
	if err := r.ctl.Stop(c.Request.Context()); err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleStatus(c *gin.Context) {
	st, err := r.ctl.Status(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, st)
}

func (r *Router) handleGetSettings(c *gin.Context) {
	s, err := r.ctl.Settings(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, s)
}

func (r *Router) handlePutSettings(c *gin.Context) {
	ctx := c.Request.Context()
	s, err := r.ctl.Settings(ctx)
	if err != nil {
		writeError(c, err)
		return
	}
	// fields missing from the body keep their stored values
	if err := c.ShouldBindJSON(&s); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	if !isSafeAbsPath(s.SolutionPath) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid solution_path: must be absolute path without traversal"})
		return
	}
	if !isSafeAbsPath(s.ProjectPath) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid project_path: must be absolute path without traversal"})
		return
	}
	if err := r.ctl.SaveSettings(ctx, s); err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, s)
}

type playReq struct {
	Change string `json:"change"`
}

// PlayResponse reports what the controller did with a play-mode change.
// Playing is the last value the controller asked the host to apply, if any.
type PlayResponse struct {
	Change  string `json:"change"`
	Outcome string `json:"outcome"`
	Playing *bool  `json:"playing,omitempty"`
	Error   string `json:"error,omitempty"`
}

// httpHost records SetPlaying calls on behalf of a remote editor.
type httpHost struct {
	mu      sync.Mutex
	playing *bool
}

func (h *httpHost) SetPlaying(p bool) {
	h.mu.Lock()
	h.playing = &p
	h.mu.Unlock()
}

func (h *httpHost) last() *bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.playing
}

func (r *Router) handlePlayMode(c *gin.Context) {
	var req playReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	change, err := lifecycle.ParsePlayModeChange(req.Change)
	if err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: err.Error()})
		return
	}
	host := &httpHost{}
	outcome, err := r.ctl.OnPlayModeChanged(c.Request.Context(), change, host)
	resp := PlayResponse{Change: change.String(), Outcome: outcome.String(), Playing: host.last()}
	code := http.StatusOK
	if err != nil {
		resp.Error = err.Error()
		code = errorStatus(err)
	}
	writeJSON(c, code, resp)
}

func (r *Router) handleEvents(c *gin.Context) {
	if r.bus == nil {
		writeJSON(c, http.StatusNotImplemented, errorResp{Error: "event stream is not enabled"})
		return
	}
	types := make(map[event.Type]bool)
	for _, v := range c.QueryArray("type") {
		for _, t := range strings.Split(v, ",") {
			if t = strings.TrimSpace(t); t != "" {
				types[event.Type(t)] = true
			}
		}
	}
	runID := c.Query("run_id")

	ch, cancel := r.bus.Subscribe(event.DefaultBuffer)
	defer cancel()
	c.Header("Content-Type", "application/x-ndjson")
	c.Header("Cache-Control", "no-cache")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	enc := json.NewEncoder(c.Writer)
	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			if len(types) > 0 && !types[e.Type] {
				continue
			}
			if runID != "" && e.RunID != runID {
				continue
			}
			if err := enc.Encode(e); err != nil {
				r.log.Debug("event stream closed", "error", err)
				return
			}
			c.Writer.Flush()
		}
	}
}

func (r *Router) handleHistory(c *gin.Context) {
	if r.history == nil {
		writeJSON(c, http.StatusNotImplemented, errorResp{Error: "no readable history sink configured"})
		return
	}
	limit := defaultHistoryLimit
	if s := c.Query("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			writeJSON(c, http.StatusBadRequest, errorResp{Error: "limit must be a positive integer"})
			return
		}
		limit = min(n, maxHistoryLimit)
	}
	recs, err := r.history.Recent(c.Request.Context(), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	if recs == nil {
		recs = []history.Record{}
	}
	writeJSON(c, http.StatusOK, recs)
}

// Shutdown stops srv, waiting at most timeout for open requests.
func Shutdown(srv *http.Server, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	err := srv.Shutdown(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		return srv.Close()
	}
	return err
}
