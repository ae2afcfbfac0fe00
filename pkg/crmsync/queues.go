package crmsync

import (
	"sync"
	"time"
)

// DeadLetter is one record that exhausted its retry budget.
type DeadLetter struct {
	ObjectType string    `json:"object_type"`
	Record     Object    `json:"record"`
	Error      string    `json:"error"`
	Retries    int       `json:"retries"`
	At         time.Time `json:"at"`
}

// DLQ is the bounded, TTL-evicting dead-letter queue. Oldest entries go
// first when the bound is hit.
type DLQ struct {
	mu      sync.Mutex
	entries []DeadLetter
	maxSize int
	ttl     time.Duration
	now     func() time.Time
}

func NewDLQ(maxSize int, ttl time.Duration) *DLQ {
	if maxSize <= 0 {
		maxSize = 1000
	}
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &DLQ{maxSize: maxSize, ttl: ttl, now: time.Now}
}

func (q *DLQ) Push(dl DeadLetter) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if dl.At.IsZero() {
		dl.At = q.now()
	}
	q.evictExpiredLocked()
	if len(q.entries) >= q.maxSize {
		q.entries = q.entries[1:]
	}
	q.entries = append(q.entries, dl)
}

// Drain removes and returns every live entry.
func (q *DLQ) Drain() []DeadLetter {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.evictExpiredLocked()
	out := q.entries
	q.entries = nil
	return out
}

func (q *DLQ) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.evictExpiredLocked()
	return len(q.entries)
}

func (q *DLQ) evictExpiredLocked() {
	cutoff := q.now().Add(-q.ttl)
	kept := q.entries[:0]
	for _, e := range q.entries {
		if e.At.After(cutoff) {
			kept = append(kept, e)
		}
	}
	q.entries = kept
}

// ConflictPair is one sync pair awaiting manual resolution.
type ConflictPair struct {
	TenantID   string    `json:"tenant_id"`
	ObjectType string    `json:"object_type"`
	Local      Object    `json:"local"`
	Remote     Object    `json:"remote"`
	At         time.Time `json:"at"`
}

// ConflictQueue stores pairs serialised under the manual strategy.
type ConflictQueue struct {
	mu      sync.Mutex
	entries []ConflictPair
}

func NewConflictQueue() *ConflictQueue {
	return &ConflictQueue{}
}

func (q *ConflictQueue) Push(p ConflictPair) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if p.At.IsZero() {
		p.At = time.Now()
	}
	q.entries = append(q.entries, p)
}

func (q *ConflictQueue) Drain() []ConflictPair {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.entries
	q.entries = nil
	return out
}

func (q *ConflictQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}
