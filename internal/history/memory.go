package history

import (
	"context"
	"sync"
)

// MemoryLog is an in-process ring buffer of announcements, used when no
// database is configured. Safe for concurrent use.
type MemoryLog struct {
	mu      sync.Mutex
	entries []Announcement
	cap     int
}

// Compile-time check.
var _ Log = (*MemoryLog)(nil)

// NewMemoryLog creates a ring holding at most capacity announcements.
func NewMemoryLog(capacity int) *MemoryLog {
	if capacity < 1 {
		capacity = 1
	}
	return &MemoryLog{cap: capacity}
}

// Record implements Log.
func (m *MemoryLog) Record(ctx context.Context, a Announcement) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, a)
	if len(m.entries) > m.cap {
		m.entries = m.entries[len(m.entries)-m.cap:]
	}
	return nil
}

// Recent implements Log.
func (m *MemoryLog) Recent(ctx context.Context, n int) ([]Announcement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n > len(m.entries) {
		n = len(m.entries)
	}
	out := make([]Announcement, n)
	copy(out, m.entries[len(m.entries)-n:])
	return out, nil
}

// Close implements Log.
func (m *MemoryLog) Close() {}
