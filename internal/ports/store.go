package ports

import (
	"context"

	"github.com/ghalamif/AegisRelay/internal/domain"
)

// Store persists one kind group at a time. A nil error means every record in
// the call is durably committed; there is no partial-commit signal. Writes
// must be idempotent: upsert by natural key for definitions, statuses and
// current samples, insert-ignore by identity for archived samples.
type Store interface {
	Write(ctx context.Context, kind domain.Kind, recs []*domain.Record) error
	Name() string
}
