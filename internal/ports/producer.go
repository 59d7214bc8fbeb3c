package ports

import "github.com/ghalamif/AegisRelay/internal/domain"

// Producer emits batches of records observed on monitored devices.
type Producer interface {
	Start(out chan<- []*domain.Record) error
	Stop() error
}
