package lifecycle

import "errors"

type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	default:
		return "unknown"
	}
}

var (
	// ErrSolutionPathNotSet aborts Build and Rebuild.
	ErrSolutionPathNotSet = errors.New("solution path is not set")
	// ErrProjectPathNotSet aborts Run.
	ErrProjectPathNotSet = errors.New("project path is not set")
	// ErrAlreadyRunning is returned by Run while a tracked server is live; nothing is spawned.
	ErrAlreadyRunning = errors.New("the project is already running")
	// ErrNotRunning is returned by Stop when no live server is tracked.
	ErrNotRunning = errors.New("the project is not running")
	// ErrServerNotReady means the server was not live after the start delay; play mode is withheld.
	ErrServerNotReady = errors.New("failed to start the server")
	ErrClosed         = errors.New("controller closed")
)
