// Package console buffers captured console events and sanitizes their
// arguments into plain JSON-safe values.
package console

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sweetlink/sweetlink/internal/protocol"
)

// DefaultCapacity bounds every console buffer.
const DefaultCapacity = 200

// Sink receives console calls from the hosting environment.
type Sink interface {
	Record(level protocol.ConsoleLevel, args ...any)
}

// NewEvent builds a sanitized event stamped with now.
func NewEvent(level protocol.ConsoleLevel, args []any, now time.Time) protocol.ConsoleEvent {
	clean := make([]any, len(args))
	for i, arg := range args {
		clean[i] = Sanitize(arg)
	}
	return protocol.ConsoleEvent{
		ID:        string(level) + "-" + uuid.NewString(),
		Timestamp: now.UnixMilli(),
		Level:     level,
		Args:      clean,
	}
}

// Buffer is a bounded drop-oldest ring of console events. It is safe for
// concurrent use.
type Buffer struct {
	mu       sync.Mutex
	events   []protocol.ConsoleEvent
	start    int
	size     int
	dropped  int
	lastAt   int64
	capacity int
}

// NewBuffer returns a buffer holding at most capacity events. A
// non-positive capacity uses DefaultCapacity.
func NewBuffer(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Buffer{
		events:   make([]protocol.ConsoleEvent, capacity),
		capacity: capacity,
	}
}

// Append adds events, evicting the oldest once full.
func (b *Buffer) Append(events ...protocol.ConsoleEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, ev := range events {
		if b.size == b.capacity {
			b.events[b.start] = ev
			b.start = (b.start + 1) % b.capacity
			b.dropped++
		} else {
			b.events[(b.start+b.size)%b.capacity] = ev
			b.size++
		}
		if ev.Timestamp > b.lastAt {
			b.lastAt = ev.Timestamp
		}
	}
}

// Drain removes and returns every buffered event, oldest first.
func (b *Buffer) Drain() []protocol.ConsoleEvent {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := b.copyLocked()
	for i := range b.events {
		b.events[i] = protocol.ConsoleEvent{}
	}
	b.start, b.size = 0, 0
	return out
}

// Snapshot returns the buffered events without removing them.
func (b *Buffer) Snapshot() []protocol.ConsoleEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.copyLocked()
}

func (b *Buffer) copyLocked() []protocol.ConsoleEvent {
	out := make([]protocol.ConsoleEvent, b.size)
	for i := 0; i < b.size; i++ {
		out[i] = b.events[(b.start+i)%b.capacity]
	}
	return out
}

// Len returns the number of buffered events.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// Stats describes the buffer for session summaries.
type Stats struct {
	Buffered int
	Errors   int
	Dropped  int
	// LastEventAt is the newest event timestamp seen, zero if none.
	LastEventAt int64
}

func (b *Buffer) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	st := Stats{Buffered: b.size, Dropped: b.dropped, LastEventAt: b.lastAt}
	for i := 0; i < b.size; i++ {
		if b.events[(b.start+i)%b.capacity].Level == protocol.LevelError {
			st.Errors++
		}
	}
	return st
}

// Capture collects the events observed while at least one capture is open.
// It backs runScript's captureConsole option.
type Capture struct {
	mu    sync.Mutex
	slots map[*[]protocol.ConsoleEvent]struct{}
}

func NewCapture() *Capture {
	return &Capture{slots: make(map[*[]protocol.ConsoleEvent]struct{})}
}

// Start opens a capture; the returned func closes it and returns what was
// observed, capped at DefaultCapacity.
func (c *Capture) Start() func() []protocol.ConsoleEvent {
	slot := new([]protocol.ConsoleEvent)
	c.mu.Lock()
	c.slots[slot] = struct{}{}
	c.mu.Unlock()

	return func() []protocol.ConsoleEvent {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.slots, slot)
		return *slot
	}
}

// Observe feeds an event to every open capture.
func (c *Capture) Observe(ev protocol.ConsoleEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for slot := range c.slots {
		if len(*slot) >= DefaultCapacity {
			*slot = (*slot)[1:]
		}
		*slot = append(*slot, ev)
	}
}
