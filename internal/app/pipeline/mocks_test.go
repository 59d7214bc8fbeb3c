package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ghalamif/AegisRelay/internal/adapters/stream"
	"github.com/ghalamif/AegisRelay/internal/domain"
	"github.com/ghalamif/AegisRelay/internal/ports"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type mockObs struct {
	mu      sync.Mutex
	dropped map[string]int
	errors  []string
}

func newMockObs() *mockObs { return &mockObs{dropped: make(map[string]int)} }

func (*mockObs) LogDebug(string, ...ports.Field) {}
func (*mockObs) LogInfo(string, ...ports.Field)  {}
func (*mockObs) LogWarn(string, ...ports.Field)  {}
func (m *mockObs) LogError(msg string, _ error, _ ...ports.Field) {
	m.mu.Lock()
	m.errors = append(m.errors, msg)
	m.mu.Unlock()
}
func (*mockObs) LogCritical(string, error, ...ports.Field) {}
func (*mockObs) IncCounter(string, float64)                {}
func (*mockObs) ObserveLatency(string, float64)            {}
func (*mockObs) SetGauge(string, float64)                  {}
func (m *mockObs) RecordDropped(kind domain.Kind, n int, reason string) {
	m.mu.Lock()
	m.dropped[kind.String()+"/"+reason] += n
	m.mu.Unlock()
}

func (m *mockObs) drops(kind domain.Kind, reason string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dropped[kind.String()+"/"+reason]
}

type mockStore struct {
	mu     sync.Mutex
	failOn map[domain.Kind]bool
	calls  []domain.Kind
	wrote  map[domain.Kind][]*domain.Record
}

func newMockStore(failOn ...domain.Kind) *mockStore {
	s := &mockStore{failOn: make(map[domain.Kind]bool), wrote: make(map[domain.Kind][]*domain.Record)}
	for _, k := range failOn {
		s.failOn[k] = true
	}
	return s
}

func (s *mockStore) Write(_ context.Context, kind domain.Kind, recs []*domain.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, kind)
	if s.failOn[kind] {
		return errors.New("store unavailable")
	}
	s.wrote[kind] = append(s.wrote[kind], recs...)
	return nil
}

func (*mockStore) Name() string { return "mock" }

func (s *mockStore) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func (s *mockStore) setFailing(kind domain.Kind, fail bool) {
	s.mu.Lock()
	s.failOn[kind] = fail
	s.mu.Unlock()
}

type mockSender struct {
	mu        sync.Mutex
	cb        stream.Callbacks
	writes    [][]*domain.Record
	connected bool
	closed    bool
	writeErr  error
}

func (s *mockSender) factory() SenderFactory {
	return func(cb stream.Callbacks) (Sender, error) {
		s.cb = cb
		return s, nil
	}
}

func (*mockSender) Start() {}

func (s *mockSender) Write(recs []*domain.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writeErr != nil {
		return s.writeErr
	}
	s.writes = append(s.writes, recs)
	return nil
}

func (s *mockSender) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *mockSender) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *mockSender) sent() []*domain.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.Record
	for _, w := range s.writes {
		out = append(out, w...)
	}
	return out
}

// mockBuffer keeps records in memory in enqueue order.
type mockBuffer struct {
	mu      sync.Mutex
	recs    []*domain.Record
	removed []string
}

func (b *mockBuffer) Enqueue(recs []*domain.Record) {
	b.mu.Lock()
	b.recs = append(b.recs, recs...)
	b.mu.Unlock()
}

func (b *mockBuffer) Read(kind domain.Kind, max int) []*domain.Record {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*domain.Record
	for _, r := range b.recs {
		if len(out) == max {
			break
		}
		if r.Kind() == kind {
			out = append(out, r.Clone())
		}
	}
	return out
}

func (b *mockBuffer) Remove(ids []string) error {
	drop := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		drop[id] = struct{}{}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	kept := b.recs[:0]
	for _, r := range b.recs {
		if _, ok := drop[r.EntryID]; !ok {
			kept = append(kept, r)
		}
	}
	b.recs = kept
	b.removed = append(b.removed, ids...)
	return nil
}

func (b *mockBuffer) Stats() ports.BufferStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return ports.BufferStats{Pending: len(b.recs)}
}

func (b *mockBuffer) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.recs)
}

func sample(id string, ts time.Time, seq int64, tag domain.CaptureTag) *domain.Record {
	return domain.New("dev-1", ts, &domain.Sample{ID: id, Sequence: seq, CDATA: "1", Capture: tag})
}
