// Package event carries lifecycle notifications from the controller to
// adapters (HTTP stream, history, CLI) without coupling them to it.
package event

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

type Type string

const (
	ProcessStarted Type = "process_started"
	ProcessExited  Type = "process_exited"
	OutputLine     Type = "output_line"
	BuildStarted   Type = "build_started"
	BuildFinished  Type = "build_finished"
	StateChanged   Type = "state_changed"
	PlayMode       Type = "play_mode"
)

// Event is a single notification. Fields that do not apply to Type are zero.
type Event struct {
	ID   string    `json:"id"`
	Type Type      `json:"type"`
	At   time.Time `json:"at"`
	// RunID groups the events of one spawned process.
	RunID    string `json:"run_id,omitempty"`
	Kind     string `json:"kind,omitempty"`
	PID      int    `json:"pid,omitempty"`
	Command  string `json:"command,omitempty"`
	Stream   string `json:"stream,omitempty"`
	Line     string `json:"line,omitempty"`
	Failed   bool   `json:"failed,omitempty"`
	ExitCode int    `json:"exit_code,omitempty"`
	State    string `json:"state,omitempty"`
	Message  string `json:"message,omitempty"`
}

// NewRunID returns a fresh identifier for a spawned process.
func NewRunID() string { return uuid.NewString() }

const DefaultBuffer = 256

// Bus fans events out to subscribers. Publish never blocks: a subscriber whose
// buffer is full misses the event.
type Bus struct {
	mu      sync.RWMutex
	subs    map[uint64]chan Event
	next    uint64
	closed  bool
	dropped atomic.Uint64
	log     *slog.Logger
	now     func() time.Time
}

func NewBus(log *slog.Logger) *Bus {
	if log == nil {
		log = slog.Default()
	}
	return &Bus{subs: make(map[uint64]chan Event), log: log, now: time.Now}
}

// Subscribe returns a channel receiving every event published from now on and a
// function that cancels the subscription and closes the channel.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	ch := make(chan Event, buffer)
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			if c, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(c)
			}
			b.mu.Unlock()
		})
	}
}

// Listen calls fn for every event on its own goroutine until the returned
// cancel function is called or the bus is closed.
func (b *Bus) Listen(fn func(Event)) func() {
	ch, cancel := b.Subscribe(0)
	go func() {
		for e := range ch {
			fn(e)
		}
	}()
	return cancel
}

// Publish stamps e with an id and time when missing and delivers it.
func (b *Bus) Publish(e Event) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.At.IsZero() {
		e.At = b.now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			if n := b.dropped.Add(1); n == 1 || n%1000 == 0 {
				b.log.Warn("event subscriber is slow; dropping events", "type", e.Type, "dropped", n)
			}
		}
	}
}

// Dropped is the number of deliveries skipped because a subscriber was full.
func (b *Bus) Dropped() uint64 { return b.dropped.Load() }

// Close ends every subscription.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		close(ch)
		delete(b.subs, id)
	}
}
