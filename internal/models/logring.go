package models

import (
	"fmt"
	"sync"
	"time"
)

// InstanceLogEntry is a single line in an instance's bounded log.
// Timestamps are ISO-8601 UTC; messages are prefixed with the instance name
// by the runtime that writes them.
type InstanceLogEntry struct {
	Timestamp string `json:"timestamp"` // RFC3339 UTC
	Level     string `json:"level"`     // "debug", "info", "warn", "error"
	Message   string `json:"message"`
}

// LogRing is a fixed-capacity ring of log entries. When full, the oldest
// entry is overwritten. Safe for concurrent use.
type LogRing struct {
	mu       sync.Mutex
	entries  []InstanceLogEntry
	start    int
	count    int
	capacity int
}

// NewLogRing creates a ring holding at most capacity entries.
func NewLogRing(capacity int) *LogRing {
	if capacity <= 0 {
		capacity = 1000
	}
	return &LogRing{
		entries:  make([]InstanceLogEntry, capacity),
		capacity: capacity,
	}
}

// Add appends an entry, displacing the oldest when the ring is full.
func (r *LogRing) Add(level, message string) {
	r.AddEntry(InstanceLogEntry{
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Level:     level,
		Message:   message,
	})
}

// AddEntry appends a prebuilt entry. Callers that also publish the entry as
// an event build it once and pass it here.
func (r *LogRing) AddEntry(entry InstanceLogEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.count < r.capacity {
		r.entries[(r.start+r.count)%r.capacity] = entry
		r.count++
		return
	}
	r.entries[r.start] = entry
	r.start = (r.start + 1) % r.capacity
}

// Addf formats and appends an entry.
func (r *LogRing) Addf(level, format string, args ...interface{}) {
	r.Add(level, fmt.Sprintf(format, args...))
}

// Entries returns the ring's contents oldest-first.
func (r *LogRing) Entries() []InstanceLogEntry {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]InstanceLogEntry, r.count)
	for i := 0; i < r.count; i++ {
		out[i] = r.entries[(r.start+i)%r.capacity]
	}
	return out
}

// Len returns the number of stored entries.
func (r *LogRing) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}
