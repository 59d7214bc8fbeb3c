package ports

import "github.com/ghalamif/AegisRelay/internal/domain"

// RecordQueue is the in-memory FIFO behind the write-back drain. Peek does
// not remove; committed or superseded records are removed by identity.
type RecordQueue interface {
	Enqueue(recs ...*domain.Record) int
	Peek(max int) []*domain.Record
	Remove(ids []string) int
	Len() int
}
