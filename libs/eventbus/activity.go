package eventbus

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

const DefaultActivityCapacity = 100

type ActivityStatus string

const (
	StatusPublished ActivityStatus = "Published"
	StatusConsumed  ActivityStatus = "Consumed"
	StatusFailed    ActivityStatus = "Failed"
)

// Activity is one observed bus action. It lives only in memory.
type Activity struct {
	EventID   uuid.UUID      `json:"eventId"`
	EventType string         `json:"eventType"`
	Timestamp time.Time      `json:"timestamp"`
	Status    ActivityStatus `json:"status"`
	Details   string         `json:"details,omitempty"`
}

// ActivityLog is a bounded, newest-wins record of bus activity shared by the
// publisher and consumers of one process. A nil *ActivityLog discards records.
type ActivityLog struct {
	mu   sync.Mutex
	buf  []Activity
	head int // index of the next write
	size int
}

func NewActivityLog(capacity int) *ActivityLog {
	if capacity <= 0 {
		capacity = DefaultActivityCapacity
	}
	return &ActivityLog{buf: make([]Activity, capacity)}
}

// Record appends a, evicting the oldest entry once the log is full.
func (l *ActivityLog) Record(a Activity) {
	if l == nil {
		return
	}
	if a.Timestamp.IsZero() {
		a.Timestamp = time.Now().UTC()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buf[l.head] = a
	l.head = (l.head + 1) % len(l.buf)
	if l.size < len(l.buf) {
		l.size++
	}
}

// Recent returns up to n entries, newest first.
func (l *ActivityLog) Recent(n int) []Activity {
	if l == nil || n <= 0 {
		return []Activity{}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	n = min(n, l.size)
	out := make([]Activity, 0, n)
	for i := 1; i <= n; i++ {
		idx := (l.head - i + len(l.buf)) % len(l.buf)
		out = append(out, l.buf[idx])
	}
	return out
}

func (l *ActivityLog) Len() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.size
}

func (l *ActivityLog) Capacity() int {
	if l == nil {
		return 0
	}
	return len(l.buf)
}
