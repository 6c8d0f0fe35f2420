package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client talks to a buildrun daemon over its HTTP API.
type Client struct {
	baseURL string
	timeout time.Duration
	client  *http.Client
	logger  *slog.Logger
}

// Config holds client configuration
type Config struct {
	BaseURL string
	// Timeout bounds ordinary requests. Streams and waiting calls are bounded
	// only by their context.
	Timeout time.Duration
	Logger  *slog.Logger // Optional logger for client operations
}

const defaultBaseURL = "http://127.0.0.1:8787/api"

// DefaultConfig returns default client configuration
func DefaultConfig() Config {
	return Config{
		BaseURL: defaultBaseURL,
		Timeout: 10 * time.Second,
	}
}

// APIError is returned for non-2xx responses.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Message)
}

// IsStatus reports whether err is an APIError with the given status code.
func IsStatus(err error, code int) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.StatusCode == code
}

// New creates a new buildrun API client
func New(config Config) *Client {
	if config.BaseURL == "" {
		config.BaseURL = defaultBaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimRight(config.BaseURL, "/"),
		timeout: config.Timeout,
		logger:  config.Logger,
		client:  &http.Client{},
	}
}

// IsReachable checks if the daemon is running and reachable
func (c *Client) IsReachable(ctx context.Context) bool {
	err := c.do(ctx, http.MethodGet, "/live", nil, nil, false)
	c.logger.Debug("Daemon reachability check", "reachable", err == nil, "error", err)
	return err == nil
}

// Build starts `dotnet build`. With wait it returns after the build exited and
// the result fields of Job are set.
func (c *Client) Build(ctx context.Context, wait bool) (Job, error) {
	return c.build(ctx, "/build", wait)
}

// Rebuild is Build with --no-incremental.
func (c *Client) Rebuild(ctx context.Context, wait bool) (Job, error) {
	return c.build(ctx, "/rebuild", wait)
}

func (c *Client) build(ctx context.Context, path string, wait bool) (Job, error) {
	if wait {
		path += "?wait=true"
	}
	var job Job
	err := c.do(ctx, http.MethodPost, path, nil, &job, wait)
	return job, err
}

// Run starts the server; a 409 APIError means it is already running.
func (c *Client) Run(ctx context.Context) (Job, error) {
	var job Job
	err := c.do(ctx, http.MethodPost, "/run", nil, &job, false)
	return job, err
}

// Stop terminates the server process tree; a 409 APIError means nothing was running.
func (c *Client) Stop(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/stop", nil, nil, true)
}

func (c *Client) Status(ctx context.Context) (Status, error) {
	var st Status
	err := c.do(ctx, http.MethodGet, "/status", nil, &st, false)
	return st, err
}

func (c *Client) Settings(ctx context.Context) (Settings, error) {
	var s Settings
	err := c.do(ctx, http.MethodGet, "/settings", nil, &s, false)
	return s, err
}

// UpdateSettings applies u and returns the saved settings.
func (c *Client) UpdateSettings(ctx context.Context, u SettingsUpdate) (Settings, error) {
	var s Settings
	err := c.do(ctx, http.MethodPut, "/settings", u, &s, false)
	return s, err
}

// PlayMode forwards a play-mode change such as "exiting_edit_mode". The result
// is filled in even when the daemon withheld play mode and an error is returned.
func (c *Client) PlayMode(ctx context.Context, change string) (PlayResult, error) {
	var res PlayResult
	err := c.do(ctx, http.MethodPost, "/playmode", map[string]string{"change": change}, &res, true)
	return res, err
}

// History returns up to limit stored events, newest first.
func (c *Client) History(ctx context.Context, limit int) ([]HistoryRecord, error) {
	path := "/history"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var recs []HistoryRecord
	err := c.do(ctx, http.MethodGet, path, nil, &recs, false)
	return recs, err
}

// Events streams events to fn until ctx is done, the daemon closes the stream,
// or fn returns an error. Empty types and runID select everything.
func (c *Client) Events(ctx context.Context, types []string, runID string, fn func(Event) error) error {
	q := url.Values{}
	if len(types) > 0 {
		q.Set("type", strings.Join(types, ","))
	}
	if runID != "" {
		q.Set("run_id", runID)
	}
	u := c.baseURL + "/events"
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return c.checkResponse(resp, nil)
	}
	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		var e Event
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			return fmt.Errorf("decode event: %w", err)
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	if err := sc.Err(); err != nil && ctx.Err() == nil {
		return err
	}
	return ctx.Err()
}

// do performs a JSON request. Unless long is set the request is bounded by the
// client timeout.
func (c *Client) do(ctx context.Context, method, path string, in, out any, long bool) error {
	if !long {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("HTTP request failed", "error", err, "path", path)
		return fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	return c.checkResponse(resp, out)
}

// checkResponse decodes a 2xx body into out. For errors the body is decoded into
// out as well when possible, and an APIError is returned.
func (c *Client) checkResponse(resp *http.Response, out any) error {
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read response: %w", err)
		}
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
		return nil
	}
	ae := &APIError{StatusCode: resp.StatusCode}
	var er ErrorResponse
	if json.Unmarshal(raw, &er) == nil {
		ae.Message = er.Error
	}
	if out != nil {
		_ = json.Unmarshal(raw, out)
	}
	c.logger.Debug("API request failed", "error", ae.Message, "status", resp.StatusCode)
	return ae
}
