package client

import "time"

// Job describes a spawned build or server process. The result fields are set
// only for builds requested with wait.
type Job struct {
	RunID      string `json:"run_id"`
	Kind       string `json:"kind"`
	Command    string `json:"command"`
	PID        int    `json:"pid"`
	Exited     bool   `json:"exited"`
	ExitCode   int    `json:"exit_code"`
	Failed     bool   `json:"failed"`
	DurationMs int64  `json:"duration_ms,omitempty"`
}

// Settings mirrors the persisted editor settings.
type Settings struct {
	SolutionPath       string `json:"solution_path"`
	ProjectPath        string `json:"project_path"`
	StartServerOnPlay  bool   `json:"start_server_on_play"`
	StopServerOnStop   bool   `json:"stop_server_on_stop"`
	ServerStartDelayMs int64  `json:"server_start_delay_ms"`
}

// SettingsUpdate changes only the non-nil fields.
type SettingsUpdate struct {
	SolutionPath       *string `json:"solution_path,omitempty"`
	ProjectPath        *string `json:"project_path,omitempty"`
	StartServerOnPlay  *bool   `json:"start_server_on_play,omitempty"`
	StopServerOnStop   *bool   `json:"stop_server_on_stop,omitempty"`
	ServerStartDelayMs *int64  `json:"server_start_delay_ms,omitempty"`
}

// Status is the controller snapshot returned by GET /status.
type Status struct {
	State    string   `json:"state"`
	PID      int      `json:"pid"`
	Live     bool     `json:"live"`
	Owned    bool     `json:"owned"`
	RunID    string   `json:"run_id,omitempty"`
	Settings Settings `json:"settings"`
}

// PlayResult is the answer to a play-mode notification.
type PlayResult struct {
	Change  string `json:"change"`
	Outcome string `json:"outcome"`
	Playing *bool  `json:"playing,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Event is one entry of the /events stream.
type Event struct {
	ID       string    `json:"id"`
	Type     string    `json:"type"`
	At       time.Time `json:"at"`
	RunID    string    `json:"run_id,omitempty"`
	Kind     string    `json:"kind,omitempty"`
	PID      int       `json:"pid,omitempty"`
	Command  string    `json:"command,omitempty"`
	Stream   string    `json:"stream,omitempty"`
	Line     string    `json:"line,omitempty"`
	Failed   bool      `json:"failed,omitempty"`
	ExitCode int       `json:"exit_code,omitempty"`
	State    string    `json:"state,omitempty"`
	Message  string    `json:"message,omitempty"`
}

// HistoryRecord is one stored lifecycle event.
type HistoryRecord struct {
	ID         string    `json:"id"`
	OccurredAt time.Time `json:"occurred_at"`
	Type       string    `json:"type"`
	RunID      string    `json:"run_id"`
	Kind       string    `json:"kind"`
	PID        int       `json:"pid"`
	Command    string    `json:"command"`
	ExitCode   int       `json:"exit_code"`
	Failed     bool      `json:"failed"`
	Message    string    `json:"message"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error string `json:"error"`
}
