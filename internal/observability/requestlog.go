// ABOUTME: Bounded in-memory ring of recent HTTP requests for the /stats endpoint.
// ABOUTME: Old entries are overwritten in place; readers get a chronological copy.

package observability

import (
	"sync"
	"time"
)

// DefaultLogCapacity matches the retention window of the request ring.
const DefaultLogCapacity = 100

// RequestEntry is one completed HTTP request.
type RequestEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Method    string    `json:"method"`
	Path      string    `json:"path"`
	Status    int       `json:"status"`
	LatencyMS float64   `json:"latency_ms"`
	Client    string    `json:"client,omitempty"`
}

// RequestLog is a fixed-capacity ring of request entries.
type RequestLog struct {
	mu      sync.Mutex
	entries []RequestEntry
	next    int
	size    int
}

// NewRequestLog creates a ring. Zero capacity selects the default.
func NewRequestLog(capacity int) *RequestLog {
	if capacity <= 0 {
		capacity = DefaultLogCapacity
	}
	return &RequestLog{entries: make([]RequestEntry, capacity)}
}

// Record appends one entry, overwriting the oldest at capacity.
func (l *RequestLog) Record(e RequestEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.entries[l.next] = e
	l.next = (l.next + 1) % len(l.entries)
	if l.size < len(l.entries) {
		l.size++
	}
}

// Recent returns up to n entries in chronological order, newest last.
func (l *RequestLog) Recent(n int) []RequestEntry {
	l.mu.Lock()
	defer l.mu.Unlock()

	if n <= 0 || n > l.size {
		n = l.size
	}
	out := make([]RequestEntry, n)
	for i := 0; i < n; i++ {
		idx := (l.next - n + i + len(l.entries)) % len(l.entries)
		out[i] = l.entries[idx]
	}
	return out
}

// Len returns the number of retained entries.
func (l *RequestLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.size
}
