package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/ghalamif/AegisRelay/internal/adapters/queue"
	"github.com/ghalamif/AegisRelay/internal/domain"
	"github.com/ghalamif/AegisRelay/internal/ports"
	"github.com/juju/clock/testclock"
)

func newWriteBack(st *mockStore, pol ports.Policy) (*WriteBack, *queue.MemQueue, *mockObs) {
	q := queue.NewMemQueue(pol.MaxQueueLen)
	obs := newMockObs()
	return NewWriteBack(st, q, pol, obs, nil), q, obs
}

func TestDrainAbortsLaterKindsOnFailure(t *testing.T) {
	st := newMockStore(domain.KindDataItem)
	wb, q, _ := newWriteBack(st, ports.Policy{})

	conn := domain.New("dev-1", t0, &domain.ConnectionDefinition{Address: "10.0.0.1"})
	item := domain.New("dev-1", t0, &domain.DataItemDefinition{ID: "temp"})
	arch := sample("temp", t0, 1, domain.CaptureArchived)
	wb.Enqueue([]*domain.Record{arch, item, conn})

	if err := wb.DrainOnce(context.Background()); err == nil {
		t.Fatalf("expected drain error")
	}
	if len(st.calls) != 2 || st.calls[0] != domain.KindConnection || st.calls[1] != domain.KindDataItem {
		t.Fatalf("expected connection then data item writes, got %v", st.calls)
	}
	left := domain.EntryIDs(q.Peek(0))
	if len(left) != 2 || left[0] != arch.EntryID || left[1] != item.EntryID {
		t.Fatalf("expected sample and data item to stay queued, got %v", left)
	}
}

func TestDrainIndependentKindsContinues(t *testing.T) {
	st := newMockStore(domain.KindDataItem)
	wb, q, _ := newWriteBack(st, ports.Policy{IndependentKinds: true})

	item := domain.New("dev-1", t0, &domain.DataItemDefinition{ID: "temp"})
	arch := sample("temp", t0, 1, domain.CaptureArchived)
	wb.Enqueue([]*domain.Record{item, arch})

	if err := wb.DrainOnce(context.Background()); err == nil {
		t.Fatalf("expected drain error")
	}
	if len(st.wrote[domain.KindSample]) != 1 {
		t.Fatalf("expected sample written despite data item failure")
	}
	if left := q.Peek(0); len(left) != 1 || left[0].EntryID != item.EntryID {
		t.Fatalf("expected only the data item queued")
	}
}

func TestDrainCollapsesCurrentSamples(t *testing.T) {
	st := newMockStore()
	wb, q, _ := newWriteBack(st, ports.Policy{})

	later := t0.Add(time.Second)
	recs := []*domain.Record{
		sample("temp", t0, 1, domain.CaptureCurrent),
		sample("temp", later, 3, domain.CaptureCurrent),
		sample("temp", later, 2, domain.CaptureCurrent),
		sample("temp", t0, 1, domain.CaptureArchived),
		sample("temp", t0, 1, domain.CaptureArchived),
		sample("pres", t0, 1, domain.CaptureCurrent),
	}
	wb.Enqueue(recs)

	if err := wb.DrainOnce(context.Background()); err != nil {
		t.Fatalf("drain: %v", err)
	}
	got := st.wrote[domain.KindSample]
	if len(got) != 4 {
		t.Fatalf("expected newest current per key plus both archived, got %d", len(got))
	}
	if got[0].EntryID != recs[1].EntryID {
		t.Fatalf("expected the sequence tiebreak to keep record 1")
	}
	if q.Len() != 0 {
		t.Fatalf("superseded and committed records must leave the queue, %d left", q.Len())
	}
}

func TestDrainDropsSupersededEvenOnFailure(t *testing.T) {
	st := newMockStore(domain.KindSample)
	wb, q, _ := newWriteBack(st, ports.Policy{})

	old := sample("temp", t0, 1, domain.CaptureCurrent)
	cur := sample("temp", t0.Add(time.Second), 2, domain.CaptureCurrent)
	wb.Enqueue([]*domain.Record{old, cur})

	_ = wb.DrainOnce(context.Background())
	if left := q.Peek(0); len(left) != 1 || left[0].EntryID != cur.EntryID {
		t.Fatalf("expected only the newest current sample to remain")
	}
}

func TestDrainCollapsesStatuses(t *testing.T) {
	st := newMockStore()
	wb, _, _ := newWriteBack(st, ports.Policy{})

	wb.Enqueue([]*domain.Record{
		domain.New("dev-1", t0.Add(time.Second), &domain.Status{Connected: true}),
		domain.New("dev-1", t0, &domain.Status{Connected: false}),
		domain.New("dev-2", t0, &domain.Status{Connected: true}),
	})
	if err := wb.DrainOnce(context.Background()); err != nil {
		t.Fatalf("drain: %v", err)
	}
	got := st.wrote[domain.KindStatus]
	if len(got) != 2 {
		t.Fatalf("expected one status per device, got %d", len(got))
	}
	if s, _ := got[0].Status(); !s.Connected {
		t.Fatalf("expected newest dev-1 status kept")
	}
}

func TestDrainHonoursBatchSize(t *testing.T) {
	st := newMockStore()
	wb, q, _ := newWriteBack(st, ports.Policy{MaxBatchSize: 2})
	wb.Enqueue([]*domain.Record{
		sample("a", t0, 1, domain.CaptureArchived),
		sample("b", t0, 1, domain.CaptureArchived),
		sample("c", t0, 1, domain.CaptureArchived),
	})
	if err := wb.DrainOnce(context.Background()); err != nil {
		t.Fatalf("drain: %v", err)
	}
	if len(st.wrote[domain.KindSample]) != 2 || q.Len() != 1 {
		t.Fatalf("expected 2 written and 1 queued, got %d / %d", len(st.wrote[domain.KindSample]), q.Len())
	}
}

func TestEnqueueCountsQueueOverflow(t *testing.T) {
	wb, _, obs := newWriteBack(newMockStore(), ports.Policy{MaxQueueLen: 1})
	n := wb.Enqueue([]*domain.Record{
		sample("a", t0, 1, domain.CaptureArchived),
		sample("b", t0, 1, domain.CaptureArchived),
	})
	if n != 1 {
		t.Fatalf("expected 1 accepted, got %d", n)
	}
	if got := obs.drops(domain.KindSample, "queue_full"); got != 1 {
		t.Fatalf("expected 1 drop recorded, got %d", got)
	}
}

func TestStopDrainsQueue(t *testing.T) {
	st := newMockStore()
	wb, q, _ := newWriteBack(st, ports.Policy{Interval: time.Hour})
	wb.Start()
	wb.Enqueue([]*domain.Record{sample("a", t0, 1, domain.CaptureArchived)})
	if err := wb.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if q.Len() != 0 {
		t.Fatalf("expected final drain on stop, %d left", q.Len())
	}
}

func waitCalls(t *testing.T, st *mockStore, want int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for st.callCount() < want {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d store calls, got %d", want, st.callCount())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestLoopWaitsRetryIntervalAfterFailure(t *testing.T) {
	st := newMockStore(domain.KindSample)
	clk := testclock.NewClock(t0)
	pol := ports.Policy{Interval: time.Second, RetryInterval: 10 * time.Second}
	wb := NewWriteBack(st, queue.NewMemQueue(0), pol, newMockObs(), clk)
	wb.Enqueue([]*domain.Record{sample("a", t0, 1, domain.CaptureArchived)})
	wb.Start()
	defer wb.Stop()

	// The first cycle fails, so nothing runs again before RetryInterval.
	if err := clk.WaitAdvance(time.Second, 5*time.Second, 1); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if err := clk.WaitAdvance(8*time.Second, 5*time.Second, 1); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if n := st.callCount(); n != 1 {
		t.Fatalf("expected no retry before RetryInterval, got %d calls", n)
	}

	st.setFailing(domain.KindSample, false)
	if err := clk.WaitAdvance(time.Second, 5*time.Second, 1); err != nil {
		t.Fatalf("advance: %v", err)
	}
	waitCalls(t, st, 2)

	// After a successful cycle the next one follows Interval.
	wb.Enqueue([]*domain.Record{sample("b", t0, 2, domain.CaptureArchived)})
	if err := clk.WaitAdvance(time.Second, 5*time.Second, 1); err != nil {
		t.Fatalf("advance: %v", err)
	}
	waitCalls(t, st, 3)
}
