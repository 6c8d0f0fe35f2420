package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/loykin/buildrun/internal/event"
	"github.com/loykin/buildrun/internal/metrics"
	"github.com/loykin/buildrun/internal/prefs"
)

// PlayModeChange is a host editor play-mode notification.
type PlayModeChange int

const (
	EnteredEditMode PlayModeChange = iota
	ExitingEditMode
	EnteredPlayMode
	ExitingPlayMode
)

var playModeNames = []string{"entered_edit_mode", "exiting_edit_mode", "entered_play_mode", "exiting_play_mode"}

func (p PlayModeChange) String() string {
	if p < 0 || int(p) >= len(playModeNames) {
		return "unknown"
	}
	return playModeNames[p]
}

func ParsePlayModeChange(s string) (PlayModeChange, error) {
	n := strings.ToLower(strings.TrimSpace(s))
	for i, name := range playModeNames {
		if n == name || n == strings.ReplaceAll(name, "_", "") {
			return PlayModeChange(i), nil
		}
	}
	return 0, fmt.Errorf("unknown play mode change %q", s)
}

// PlayModeHost lets the controller veto and later allow entering play mode.
type PlayModeHost interface {
	SetPlaying(playing bool)
}

// PlayOutcome tells the host what happened to its play-mode transition.
type PlayOutcome int

const (
	// PlayProceed: the controller did not interfere.
	PlayProceed PlayOutcome = iota
	// PlayEntered: play was vetoed, the server started, and play was then allowed.
	PlayEntered
	// PlayWithheld: play was vetoed and stays withheld.
	PlayWithheld
)

func (o PlayOutcome) String() string {
	switch o {
	case PlayEntered:
		return "entered"
	case PlayWithheld:
		return "withheld"
	default:
		return "proceed"
	}
}

type nopHost struct{}

func (nopHost) SetPlaying(bool) {}

// OnPlayModeChanged applies the auto-start and auto-stop policies.
//
// On ExitingEditMode with StartServerOnPlay set and no live server, play is
// vetoed, the server is started, and after ServerStartDelay (measured on the
// controller clock, cancellable through ctx) liveness is checked again. Play is
// then allowed exactly once, or withheld with ErrServerNotReady. The wait runs on
// the caller's goroutine; other commands are served meanwhile.
//
// On ExitingPlayMode with StopServerOnStop set, the server is stopped.
func (c *Controller) OnPlayModeChanged(ctx context.Context, change PlayModeChange, host PlayModeHost) (PlayOutcome, error) {
	if host == nil {
		host = nopHost{}
	}
	switch change {
	case ExitingEditMode:
		return c.autoStart(ctx, host)
	case ExitingPlayMode:
		return c.autoStop(ctx)
	default:
		return PlayProceed, nil
	}
}

func (c *Controller) autoStart(ctx context.Context, host PlayModeHost) (PlayOutcome, error) {
	var (
		started bool
		s       prefs.Settings
	)
	err := c.exec(ctx, func(ctx context.Context) error {
		var err error
		if s, err = prefs.Load(ctx, c.store); err != nil {
			return err
		}
		if !s.StartServerOnPlay {
			return nil
		}
		if _, live := c.liveServer(ctx); live {
			return nil
		}
		started = true
		host.SetPlaying(false)
		_, err = c.doRun(ctx)
		return err
	})
	if !started {
		return PlayProceed, err
	}
	if err != nil {
		metrics.IncGate("not_ready")
		c.publishPlay(PlayWithheld)
		return PlayWithheld, err
	}

	if s.ServerStartDelay > 0 {
		t := c.clock.NewTimer(s.ServerStartDelay)
		select {
		case <-t.C():
		case <-ctx.Done():
			t.Stop()
			metrics.IncGate("cancelled")
			c.log.Warn("waiting for the server was cancelled; play mode withheld")
			c.publishPlay(PlayWithheld)
			return PlayWithheld, ctx.Err()
		}
	}

	var live bool
	err = c.exec(context.WithoutCancel(ctx), func(ctx context.Context) error {
		_, live = c.liveServer(ctx)
		if live {
			host.SetPlaying(true)
		} else {
			c.log.Error("Failed to start the server.")
		}
		return nil
	})
	if err != nil {
		return PlayWithheld, err
	}
	if !live {
		metrics.IncGate("not_ready")
		c.publishPlay(PlayWithheld)
		return PlayWithheld, ErrServerNotReady
	}
	metrics.IncGate("entered")
	c.publishPlay(PlayEntered)
	return PlayEntered, nil
}

func (c *Controller) autoStop(ctx context.Context) (PlayOutcome, error) {
	err := c.exec(ctx, func(ctx context.Context) error {
		s, err := prefs.Load(ctx, c.store)
		if err != nil {
			return err
		}
		if !s.StopServerOnStop {
			return nil
		}
		return c.doStop(ctx)
	})
	if errors.Is(err, ErrNotRunning) {
		// already warned
		return PlayProceed, nil
	}
	return PlayProceed, err
}

func (c *Controller) publishPlay(o PlayOutcome) {
	c.publish(event.Event{Type: event.PlayMode, Message: o.String()})
}
