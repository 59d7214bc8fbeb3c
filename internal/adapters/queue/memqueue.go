package queue

import (
	"sync"

	"github.com/ghalamif/AegisRelay/internal/domain"
	"github.com/ghalamif/AegisRelay/internal/ports"
)

// MemQueue is an in-memory FIFO of records. Peek leaves records in place;
// they leave the queue only through Remove.
type MemQueue struct {
	mu   sync.Mutex
	data []*domain.Record
	cap  int
}

// NewMemQueue returns a queue holding at most capacity records, or an
// unbounded one when capacity <= 0.
func NewMemQueue(capacity int) *MemQueue {
	q := &MemQueue{cap: capacity}
	if capacity > 0 {
		q.data = make([]*domain.Record, 0, capacity)
	}
	return q
}

// Enqueue appends recs in order and returns how many were accepted.
func (q *MemQueue) Enqueue(recs ...*domain.Record) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(recs)
	if q.cap > 0 && len(q.data)+n > q.cap {
		n = q.cap - len(q.data)
		if n < 0 {
			n = 0
		}
	}
	q.data = append(q.data, recs[:n]...)
	return n
}

func (q *MemQueue) Peek(max int) []*domain.Record {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.data) == 0 {
		return nil
	}
	if max <= 0 || max > len(q.data) {
		max = len(q.data)
	}
	out := make([]*domain.Record, max)
	copy(out, q.data[:max])
	return out
}

// Remove drops the records with the given entry ids and returns how many
// were found.
func (q *MemQueue) Remove(ids []string) int {
	if len(ids) == 0 {
		return 0
	}
	drop := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		drop[id] = struct{}{}
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	kept := q.data[:0]
	for _, r := range q.data {
		if _, ok := drop[r.EntryID]; ok {
			continue
		}
		kept = append(kept, r)
	}
	removed := len(q.data) - len(kept)
	for i := len(kept); i < len(q.data); i++ {
		q.data[i] = nil
	}
	q.data = kept
	return removed
}

func (q *MemQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.data)
}

var _ ports.RecordQueue = (*MemQueue)(nil)
