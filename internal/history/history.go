package history

import (
	"context"
	"log/slog"
	"time"

	"github.com/loykin/buildrun/internal/event"
)

// Record is one persisted lifecycle event.
type Record struct {
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

// Sink is a destination for history records (audit/analytics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, r Record) error
}

// Reader is implemented by sinks that can list what they stored.
type Reader interface {
	// Recent returns up to limit records, newest first.
	Recent(ctx context.Context, limit int) ([]Record, error)
}

// FromEvent converts e into a Record; ok is false for events that are not kept
// (individual output lines).
func FromEvent(e event.Event) (Record, bool) {
	if e.Type == event.OutputLine {
		return Record{}, false
	}
	msg := e.Message
	if msg == "" {
		msg = e.State
	}
	return Record{
		ID:         e.ID,
		OccurredAt: e.At.UTC(),
		Type:       string(e.Type),
		RunID:      e.RunID,
		Kind:       e.Kind,
		PID:        e.PID,
		Command:    e.Command,
		ExitCode:   e.ExitCode,
		Failed:     e.Failed,
		Message:    msg,
	}, true
}

// SendTimeout bounds a single Send call made by the Recorder.
const SendTimeout = 5 * time.Second

// Recorder writes bus events into every configured sink.
type Recorder struct {
	sinks []Sink
	log   *slog.Logger
}

func NewRecorder(log *slog.Logger, sinks ...Sink) *Recorder {
	if log == nil {
		log = slog.Default()
	}
	return &Recorder{sinks: sinks, log: log}
}

// Run consumes events until ctx is done or events is closed.
func (r *Recorder) Run(ctx context.Context, events <-chan event.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			r.Record(ctx, e)
		}
	}
}

// Record sends e to all sinks. Sink errors are logged and otherwise ignored.
func (r *Recorder) Record(ctx context.Context, e event.Event) {
	rec, ok := FromEvent(e)
	if !ok {
		return
	}
	for _, s := range r.sinks {
		c, cancel := context.WithTimeout(ctx, SendTimeout)
		if err := s.Send(c, rec); err != nil {
			r.log.Warn("history sink failed", "type", rec.Type, "error", err)
		}
		cancel()
	}
}

// Close closes every sink that has a Close method.
func (r *Recorder) Close() error {
	var first error
	for _, s := range r.sinks {
		if c, ok := s.(interface{ Close() error }); ok {
			if err := c.Close(); err != nil && first == nil {
				first = err
			}
		}
	}
	return first
}
