package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/ghalamif/AegisRelay/internal/domain"
	"github.com/ghalamif/AegisRelay/internal/ports"
)

// postgresMaxParams is the bind parameter ceiling of a single statement.
const postgresMaxParams = 65535

// table describes how one record kind lands in the database. conflict is
// appended verbatim after the VALUES list; every table is idempotent under
// replay of the same records.
type table struct {
	name     string
	columns  []string
	conflict string
	values   func(r *domain.Record) []any
}

// SQLStore writes record groups into Postgres, one transaction per call.
type SQLStore struct {
	db        *sql.DB
	prefix    string
	maxParams int
}

func NewSQLStore(db *sql.DB, tablePrefix string) *SQLStore {
	return &SQLStore{db: db, prefix: tablePrefix, maxParams: postgresMaxParams}
}

func (s *SQLStore) Name() string { return "postgres" }

func (s *SQLStore) Write(ctx context.Context, kind domain.Kind, recs []*domain.Record) error {
	if len(recs) == 0 {
		return nil
	}

	type step struct {
		t    table
		recs []*domain.Record
	}
	var steps []step
	if kind == domain.KindSample {
		var archived, current []*domain.Record
		for _, r := range recs {
			if r.Capture() == domain.CaptureCurrent {
				current = append(current, r)
			} else {
				archived = append(archived, r)
			}
		}
		if len(archived) > 0 {
			steps = append(steps, step{archivedSamples, archived})
		}
		if len(current) > 0 {
			steps = append(steps, step{currentSamples, newestBy(current, func(r *domain.Record) string { return r.DeviceID + "\x00" + r.ItemID() })})
		}
	} else {
		t, ok := tables[kind]
		if !ok {
			return fmt.Errorf("no table for kind %s", kind)
		}
		if kind == domain.KindStatus || kind == domain.KindConnection {
			recs = newestBy(recs, func(r *domain.Record) string { return r.DeviceID })
		}
		steps = append(steps, step{t, recs})
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin %s: %w", kind, err)
	}
	for _, st := range steps {
		if err := s.exec(ctx, tx, st.t, st.recs); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("write %s: %w", kind, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit %s: %w", kind, err)
	}
	return nil
}

func (s *SQLStore) exec(ctx context.Context, tx *sql.Tx, t table, recs []*domain.Record) error {
	perStmt := s.maxParams / len(t.columns)
	if perStmt < 1 {
		perStmt = 1
	}
	for start := 0; start < len(recs); start += perStmt {
		end := min(start+perStmt, len(recs))
		query, args := s.insert(t, recs[start:end])
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLStore) insert(t table, recs []*domain.Record) (string, []any) {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(s.prefix + t.name)
	b.WriteString(" (")
	b.WriteString(strings.Join(t.columns, ", "))
	b.WriteString(") VALUES ")

	args := make([]any, 0, len(recs)*len(t.columns))
	for i, r := range recs {
		if i > 0 {
			b.WriteString(",")
		}
		b.WriteString("(")
		for j := range t.columns {
			if j > 0 {
				b.WriteString(",")
			}
			fmt.Fprintf(&b, "$%d", len(args)+j+1)
		}
		b.WriteString(")")
		args = append(args, t.values(r)...)
	}

	b.WriteString(" ")
	b.WriteString(strings.ReplaceAll(t.conflict, "{table}", s.prefix+t.name))
	return b.String(), args
}

// newestBy keeps the newest record per key, in first-seen key order. A
// multi-row upsert must not touch the same row twice.
func newestBy(recs []*domain.Record, key func(*domain.Record) string) []*domain.Record {
	idx := make(map[string]int, len(recs))
	out := make([]*domain.Record, 0, len(recs))
	for _, r := range recs {
		k := key(r)
		if i, ok := idx[k]; ok {
			if !r.Timestamp.Before(out[i].Timestamp) {
				out[i] = r
			}
			continue
		}
		idx[k] = len(out)
		out = append(out, r)
	}
	return out
}

var _ ports.Store = (*SQLStore)(nil)
