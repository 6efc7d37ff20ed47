package client

import (
	"sync"
	"time"
)

// Status is the connection state announced to observers.
type Status string

const (
	StatusIdle       Status = "idle"
	StatusConnecting Status = "connecting"
	StatusConnected  Status = "connected"
	StatusError      Status = "error"
)

// Snapshot is what observers receive on every transition. Codename is only
// set while connected.
type Snapshot struct {
	Status   Status    `json:"status"`
	Reason   string    `json:"reason,omitempty"`
	Codename string    `json:"codename,omitempty"`
	At       time.Time `json:"at"`
}

// Observer receives status snapshots. Observers must not block for long;
// a panicking observer is logged and skipped.
type Observer func(Snapshot)

// DefaultHistorySize is how many snapshots a History keeps.
const DefaultHistorySize = 50

// History records the most recent snapshots.
type History struct {
	mu      sync.Mutex
	entries []Snapshot
	limit   int
}

func NewHistory(limit int) *History {
	if limit <= 0 {
		limit = DefaultHistorySize
	}
	return &History{limit: limit}
}

// Observe is an Observer.
func (h *History) Observe(s Snapshot) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries = append(h.entries, s)
	if over := len(h.entries) - h.limit; over > 0 {
		h.entries = append(h.entries[:0:0], h.entries[over:]...)
	}
}

// Entries returns the recorded snapshots, oldest first.
func (h *History) Entries() []Snapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Snapshot(nil), h.entries...)
}
