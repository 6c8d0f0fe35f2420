package prefs

import (
	"encoding/json"
	"time"
)

// settingsJSON is the wire form of Settings; the delay travels as integer milliseconds.
type settingsJSON struct {
	SolutionPath       string `json:"solution_path"`
	ProjectPath        string `json:"project_path"`
	StartServerOnPlay  bool   `json:"start_server_on_play"`
	StopServerOnStop   bool   `json:"stop_server_on_stop"`
	ServerStartDelayMs int64  `json:"server_start_delay_ms"`
}

func (s Settings) MarshalJSON() ([]byte, error) {
	return json.Marshal(settingsJSON{
		SolutionPath:       s.SolutionPath,
		ProjectPath:        s.ProjectPath,
		StartServerOnPlay:  s.StartServerOnPlay,
		StopServerOnStop:   s.StopServerOnStop,
		ServerStartDelayMs: s.ServerStartDelay.Milliseconds(),
	})
}

// UnmarshalJSON overwrites only the fields present in b, so decoding into loaded
// settings applies a partial update.
func (s *Settings) UnmarshalJSON(b []byte) error {
	aux := settingsJSON{
		SolutionPath:       s.SolutionPath,
		ProjectPath:        s.ProjectPath,
		StartServerOnPlay:  s.StartServerOnPlay,
		StopServerOnStop:   s.StopServerOnStop,
		ServerStartDelayMs: s.ServerStartDelay.Milliseconds(),
	}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	*s = Settings{
		SolutionPath:      aux.SolutionPath,
		ProjectPath:       aux.ProjectPath,
		StartServerOnPlay: aux.StartServerOnPlay,
		StopServerOnStop:  aux.StopServerOnStop,
		ServerStartDelay:  time.Duration(aux.ServerStartDelayMs) * time.Millisecond,
	}
	return nil
}
