// Package prefs is the durable key/value settings store shared by the toolbar
// actions, the settings view and the process registry.
package prefs

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"
)

// Keys under which settings are persisted.
const (
	KeySolutionPath      = "BuildAndRun_SolutionPath"
	KeyProjectPath       = "BuildAndRun_ProjectPath"
	KeyStartServerOnPlay = "BuildAndRun_StartServerOnPlay"
	KeyStopServerOnStop  = "BuildAndRun_StopServerOnStop"
	KeyServerStartDelay  = "BuildAndRun_ServerStartDelay"
	KeyProcessID         = "BuildAndRun_ProcessId"
	KeyProcessStart      = "BuildAndRun_ProcessStart"
)

// DefaultServerStartDelay is used when no delay has been saved.
const DefaultServerStartDelay = 2000 * time.Millisecond

// ErrNotFound is returned by Store.Get when the key has never been set.
var ErrNotFound = errors.New("prefs: key not found")

// ErrNegativeDelay rejects a Save with a negative ServerStartDelay.
var ErrNegativeDelay = errors.New("prefs: server start delay cannot be negative")

// Store persists string values by key. Implementations must be safe for concurrent use.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// Settings are the user-editable values of the settings view.
type Settings struct {
	SolutionPath      string
	ProjectPath       string
	StartServerOnPlay bool
	StopServerOnStop  bool
	ServerStartDelay  time.Duration
}

// Defaults returns the settings used before anything has been saved.
func Defaults() Settings {
	return Settings{ServerStartDelay: DefaultServerStartDelay}
}

// Load reads all settings, falling back to defaults for keys that are unset.
func Load(ctx context.Context, s Store) (Settings, error) {
	def := Defaults()
	var out Settings
	var err error
	if out.SolutionPath, err = GetString(ctx, s, KeySolutionPath, def.SolutionPath); err != nil {
		return Settings{}, err
	}
	if out.ProjectPath, err = GetString(ctx, s, KeyProjectPath, def.ProjectPath); err != nil {
		return Settings{}, err
	}
	if out.StartServerOnPlay, err = GetBool(ctx, s, KeyStartServerOnPlay, def.StartServerOnPlay); err != nil {
		return Settings{}, err
	}
	if out.StopServerOnStop, err = GetBool(ctx, s, KeyStopServerOnStop, def.StopServerOnStop); err != nil {
		return Settings{}, err
	}
	ms, err := GetInt(ctx, s, KeyServerStartDelay, int(def.ServerStartDelay/time.Millisecond))
	if err != nil {
		return Settings{}, err
	}
	out.ServerStartDelay = time.Duration(ms) * time.Millisecond
	return out, nil
}

// Save writes all five settings keys.
func Save(ctx context.Context, s Store, v Settings) error {
	if v.ServerStartDelay < 0 {
		return ErrNegativeDelay
	}
	pairs := []struct{ k, v string }{
		{KeySolutionPath, v.SolutionPath},
		{KeyProjectPath, v.ProjectPath},
		{KeyStartServerOnPlay, formatBool(v.StartServerOnPlay)},
		{KeyStopServerOnStop, formatBool(v.StopServerOnStop)},
		{KeyServerStartDelay, strconv.FormatInt(v.ServerStartDelay.Milliseconds(), 10)},
	}
	for _, p := range pairs {
		if err := s.Set(ctx, p.k, p.v); err != nil {
			return err
		}
	}
	return nil
}

func GetString(ctx context.Context, s Store, key, def string) (string, error) {
	v, err := s.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return def, nil
	}
	if err != nil {
		return def, err
	}
	return v, nil
}

// GetInt returns def when the key is unset or does not hold an integer.
func GetInt(ctx context.Context, s Store, key string, def int) (int, error) {
	n, err := GetInt64(ctx, s, key, int64(def))
	return int(n), err
}

func GetInt64(ctx context.Context, s Store, key string, def int64) (int64, error) {
	v, err := s.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return def, nil
	}
	if err != nil {
		return def, err
	}
	n, perr := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if perr != nil {
		return def, nil
	}
	return n, nil
}

// GetBool reads booleans stored as 0/1; "true"/"false" are accepted as well.
func GetBool(ctx context.Context, s Store, key string, def bool) (bool, error) {
	v, err := s.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return def, nil
	}
	if err != nil {
		return def, err
	}
	b, perr := strconv.ParseBool(strings.TrimSpace(v))
	if perr != nil {
		return def, nil
	}
	return b, nil
}

func SetInt(ctx context.Context, s Store, key string, v int64) error {
	return s.Set(ctx, key, strconv.FormatInt(v, 10))
}

func SetBool(ctx context.Context, s Store, key string, v bool) error {
	return s.Set(ctx, key, formatBool(v))
}

func formatBool(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
