package runner

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/loykin/buildrun/internal/detector"
)

var errStillAlive = errors.New("process still alive")

// waitGone polls until pid is no longer live. It gives up only when ctx ends.
func waitGone(ctx context.Context, pid int) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 10 * time.Millisecond
	bo.MaxInterval = 250 * time.Millisecond
	bo.MaxElapsedTime = 0
	return backoff.Retry(func() error {
		if detector.Alive(pid, 0) {
			return errStillAlive
		}
		return nil
	}, backoff.WithContext(bo, ctx))
}

// waitGoneFor is waitGone bounded by d; it reports whether pid went away.
func waitGoneFor(ctx context.Context, pid int, d time.Duration) bool {
	c, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	return waitGone(c, pid) == nil
}
