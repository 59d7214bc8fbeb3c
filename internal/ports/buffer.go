package ports

import "github.com/ghalamif/AegisRelay/internal/domain"

// OverflowBuffer is the disk-backed detour for records a sink could not
// deliver. Remove is best effort; callers treat an error as "some ids may
// still be present".
type OverflowBuffer interface {
	Enqueue(recs []*domain.Record)
	Read(kind domain.Kind, maxRecords int) []*domain.Record
	Remove(ids []string) error
	Stats() BufferStats
}

type BufferStats struct {
	Pending   int
	SizeBytes int64
}
