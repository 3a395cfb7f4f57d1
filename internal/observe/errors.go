package observe

import (
	"sync"
	"time"
)

// DefaultErrorCapacity is the number of errors an [ErrorTracker] keeps when
// created with a non-positive capacity.
const DefaultErrorCapacity = 20

// ErrorRecord is one entry in an [ErrorTracker].
type ErrorRecord struct {
	Time      time.Time      `json:"timestamp"`
	Type      string         `json:"error_type"`
	Message   string         `json:"error_message"`
	SessionID string         `json:"session_id,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// ErrorTracker keeps the most recent errors in a fixed-size ring and counts
// all errors ever recorded. It is safe for concurrent use.
type ErrorTracker struct {
	mu    sync.Mutex
	ring  []ErrorRecord
	next  int
	full  bool
	total int
	now   func() time.Time
}

// NewErrorTracker returns a tracker holding at most capacity records.
func NewErrorTracker(capacity int) *ErrorTracker {
	if capacity <= 0 {
		capacity = DefaultErrorCapacity
	}
	return &ErrorTracker{ring: make([]ErrorRecord, capacity), now: time.Now}
}

// Record stores an error, evicting the oldest when the ring is full.
func (t *ErrorTracker) Record(kind, message, sessionID string, details map[string]any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ring[t.next] = ErrorRecord{
		Time:      t.now().UTC(),
		Type:      kind,
		Message:   message,
		SessionID: sessionID,
		Details:   details,
	}
	t.next = (t.next + 1) % len(t.ring)
	if t.next == 0 {
		t.full = true
	}
	t.total++
}

// Recent returns the stored records, oldest first.
func (t *ErrorTracker) Recent() []ErrorRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.full {
		return append([]ErrorRecord(nil), t.ring[:t.next]...)
	}
	out := make([]ErrorRecord, 0, len(t.ring))
	out = append(out, t.ring[t.next:]...)
	return append(out, t.ring[:t.next]...)
}

// Total returns the number of errors recorded since creation.
func (t *ErrorTracker) Total() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.total
}
