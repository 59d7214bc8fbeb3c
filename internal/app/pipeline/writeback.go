package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/juju/clock"
	"gopkg.in/tomb.v2"

	"github.com/ghalamif/AegisRelay/internal/domain"
	"github.com/ghalamif/AegisRelay/internal/ports"
)

const stopDrainTimeout = 5 * time.Second

// WriteBack drains the in-memory queue into a Store, one kind group at a
// time in domain.WriteOrder. Records leave the queue only once the store has
// committed them or a newer record for the same key has replaced them.
type WriteBack struct {
	store ports.Store
	queue ports.RecordQueue
	pol   ports.Policy
	obs   ports.Observability
	clock clock.Clock

	mu      sync.Mutex
	started bool
	tomb    tomb.Tomb
}

func NewWriteBack(store ports.Store, queue ports.RecordQueue, pol ports.Policy, obs ports.Observability, clk clock.Clock) *WriteBack {
	if pol.Interval <= 0 {
		pol.Interval = 200 * time.Millisecond
	}
	if pol.RetryInterval <= 0 {
		pol.RetryInterval = 5 * time.Second
	}
	if pol.MaxBatchSize <= 0 {
		pol.MaxBatchSize = 2000
	}
	if clk == nil {
		clk = clock.WallClock
	}
	return &WriteBack{store: store, queue: queue, pol: pol, obs: obs, clock: clk}
}

// Enqueue appends recs to the queue and counts whatever did not fit.
func (w *WriteBack) Enqueue(recs []*domain.Record) int {
	accepted := w.queue.Enqueue(recs...)
	if dropped := recs[accepted:]; len(dropped) > 0 {
		w.obs.LogWarn("writeback_queue_full", ports.F("dropped", len(dropped)), ports.F("store", w.store.Name()))
		for kind, n := range countKinds(dropped) {
			w.obs.RecordDropped(kind, n, "queue_full")
		}
	}
	w.obs.SetGauge("relay_writeback_queue_length", float64(w.queue.Len()))
	return accepted
}

func (w *WriteBack) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return
	}
	w.started = true
	w.tomb.Go(w.loop)
}

// Stop ends the drain loop and makes one last bounded attempt to commit
// what is still queued.
func (w *WriteBack) Stop() error {
	w.mu.Lock()
	started := w.started
	w.mu.Unlock()

	var err error
	if started {
		w.tomb.Kill(nil)
		err = w.tomb.Wait()
	}
	ctx, cancel := context.WithTimeout(context.Background(), stopDrainTimeout)
	defer cancel()
	if e := w.DrainOnce(ctx); e != nil {
		err = errors.Join(err, e)
	}
	if n := w.queue.Len(); n > 0 {
		w.obs.LogWarn("writeback_stopped_with_pending", ports.F("pending", n))
	}
	return err
}

func (w *WriteBack) loop() error {
	ctx := w.tomb.Context(nil)
	for {
		wait := w.pol.Interval
		if err := w.DrainOnce(ctx); err != nil {
			wait = w.pol.RetryInterval
		}
		select {
		case <-w.tomb.Dying():
			return nil
		case <-w.clock.After(wait):
		}
	}
}

// DrainOnce runs a single write-back cycle over at most MaxBatchSize
// records. Unless IndependentKinds is set, a failed kind leaves every later
// kind queued for the next cycle.
func (w *WriteBack) DrainOnce(ctx context.Context) error {
	batch := w.queue.Peek(w.pol.MaxBatchSize)
	if len(batch) == 0 {
		return nil
	}

	groups := make(map[domain.Kind][]*domain.Record)
	var done []string
	for _, r := range batch {
		if r.Kind() == 0 {
			done = append(done, r.EntryID)
			continue
		}
		groups[r.Kind()] = append(groups[r.Kind()], r)
	}

	var errs error
	for _, kind := range domain.WriteOrder {
		recs := groups[kind]
		if len(recs) == 0 {
			continue
		}
		write, superseded := collapse(kind, recs)
		done = append(done, domain.EntryIDs(superseded)...)

		start := time.Now()
		err := w.store.Write(ctx, kind, write)
		w.obs.ObserveLatency("relay_store_write_seconds", time.Since(start).Seconds())
		if err != nil {
			w.obs.IncCounter("relay_store_failures_total", 1)
			w.obs.LogError("store_write_failed", err,
				ports.F("store", w.store.Name()), ports.F("kind", kind.String()), ports.F("count", len(write)))
			errs = errors.Join(errs, fmt.Errorf("%s: %w", kind, err))
			if !w.pol.IndependentKinds {
				break
			}
			continue
		}
		w.obs.IncCounter("relay_store_written_total", float64(len(write)))
		done = append(done, domain.EntryIDs(write)...)
	}

	w.queue.Remove(done)
	w.obs.SetGauge("relay_writeback_queue_length", float64(w.queue.Len()))
	return errs
}

// collapse keeps the newest CURRENT sample per key and the newest status per
// device. Archived samples and definitions are all kept. Input order is
// preserved among the kept records.
func collapse(kind domain.Kind, recs []*domain.Record) (keep, superseded []*domain.Record) {
	var keyOf func(*domain.Record) (domain.Key, bool)
	switch kind {
	case domain.KindSample:
		keyOf = func(r *domain.Record) (domain.Key, bool) {
			return r.Key(), r.Capture() == domain.CaptureCurrent
		}
	case domain.KindStatus:
		keyOf = func(r *domain.Record) (domain.Key, bool) {
			return domain.Key{DeviceID: r.DeviceID}, true
		}
	default:
		return recs, nil
	}

	newest := make(map[domain.Key]int)
	for i, r := range recs {
		k, ok := keyOf(r)
		if !ok {
			continue
		}
		j, seen := newest[k]
		if !seen || !older(r, recs[j]) {
			newest[k] = i
		}
	}
	for i, r := range recs {
		k, ok := keyOf(r)
		if ok && newest[k] != i {
			superseded = append(superseded, r)
			continue
		}
		keep = append(keep, r)
	}
	return keep, superseded
}

// older reports whether a is strictly older than b. Equal timestamps fall
// back to the sample sequence; a full tie goes to the later record.
func older(a, b *domain.Record) bool {
	if !a.Timestamp.Equal(b.Timestamp) {
		return a.Timestamp.Before(b.Timestamp)
	}
	sa, okA := a.Sample()
	sb, okB := b.Sample()
	if okA && okB {
		return sa.Sequence < sb.Sequence
	}
	return false
}

func countKinds(recs []*domain.Record) map[domain.Kind]int {
	out := make(map[domain.Kind]int)
	for _, r := range recs {
		out[r.Kind()]++
	}
	return out
}
