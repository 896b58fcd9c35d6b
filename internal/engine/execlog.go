package engine

import (
	"sync"
	"time"
)

// DefaultLogCapacity is the number of records kept when no capacity is configured
const DefaultLogCapacity = 50

// Outcome is the terminal result of one evaluation or delay step.
type Outcome string

const (
	OutcomeFired      Outcome = "fired"
	OutcomeSuppressed Outcome = "suppressed"
	OutcomeFailed     Outcome = "failed"
)

// Reasons used by records that do not come from the evaluator
const (
	ReasonDelayElapsed = "delay-elapsed"
	ReasonCancelled    = "cancelled"
	ReasonPanic        = "panic"
)

// ExecutionRecord is one entry of the execution log
type ExecutionRecord struct {
	Seq       uint64    `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
	TriggerID int64     `json:"trigger_id"`
	EventType string    `json:"event_type"`
	EventID   string    `json:"event_id,omitempty"`
	RunID     string    `json:"run_id,omitempty"` // Set for records produced by a delay run
	Outcome   Outcome   `json:"outcome"`
	Reason    string    `json:"reason,omitempty"`
	LatencyMs int64     `json:"latency_ms"`
}

// ExecutionLog is a fixed-capacity ring of the most recent records. It is
// safe for concurrent use; dispatch and delay goroutines append to it.
type ExecutionLog struct {
	mu   sync.Mutex
	buf  []ExecutionRecord
	next int // slot the next record goes to
	size int
	seq  uint64
}

// NewExecutionLog creates a log holding up to capacity records
func NewExecutionLog(capacity int) *ExecutionLog {
	if capacity <= 0 {
		capacity = DefaultLogCapacity
	}
	return &ExecutionLog{buf: make([]ExecutionRecord, capacity)}
}

// Append stores a record, evicting the oldest one when full. It returns the
// sequence number assigned to the record.
func (l *ExecutionLog) Append(r ExecutionRecord) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.seq++
	r.Seq = l.seq
	l.buf[l.next] = r
	l.next = (l.next + 1) % len(l.buf)
	if l.size < len(l.buf) {
		l.size++
	}
	return r.Seq
}

// Update applies fn to the record with the given sequence number. It
// returns false when the record has already been evicted.
func (l *ExecutionLog) Update(seq uint64, fn func(*ExecutionRecord)) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if seq == 0 || seq > l.seq || l.seq-seq >= uint64(l.size) {
		return false
	}
	back := int(l.seq - seq)
	idx := (l.next - 1 - back + 2*len(l.buf)) % len(l.buf)
	fn(&l.buf[idx])
	return true
}

// Recent returns up to max records, newest first. max == 0 returns all.
func (l *ExecutionLog) Recent(max int) []ExecutionRecord {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := l.size
	if max > 0 && max < n {
		n = max
	}
	out := make([]ExecutionRecord, 0, n)
	for i := 1; i <= n; i++ {
		idx := (l.next - i + len(l.buf)) % len(l.buf)
		out = append(out, l.buf[idx])
	}
	return out
}

// Len returns the number of records held
func (l *ExecutionLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.size
}

// Capacity returns the ring size
func (l *ExecutionLog) Capacity() int {
	return len(l.buf)
}
