package pipeline

import (
	"sync"

	"gopkg.in/tomb.v2"

	"github.com/ghalamif/AegisRelay/internal/capture"
	"github.com/ghalamif/AegisRelay/internal/domain"
	"github.com/ghalamif/AegisRelay/internal/ports"
)

// Forwarder runs every ingested batch through the capture engine and hands
// the result to the write-back queue and each stream target.
type Forwarder struct {
	engine    *capture.Engine
	writeBack *WriteBack
	targets   []*StreamTarget
	obs       ports.Observability

	mu      sync.Mutex
	started bool
	tomb    tomb.Tomb
}

// NewForwarder wires the sinks. writeBack may be nil when no store is
// configured.
func NewForwarder(engine *capture.Engine, writeBack *WriteBack, targets []*StreamTarget, obs ports.Observability) *Forwarder {
	return &Forwarder{engine: engine, writeBack: writeBack, targets: targets, obs: obs}
}

func (f *Forwarder) Targets() []*StreamTarget { return f.targets }

func (f *Forwarder) Ingest(batch []*domain.Record) {
	if len(batch) == 0 {
		return
	}
	f.obs.IncCounter("relay_records_ingested_total", float64(len(batch)))

	if f.engine.State().Update(batch) {
		f.engine.Resolve()
		f.obs.LogDebug("capture_index_resolved", ports.F("groups", len(f.engine.Groups())))
	}
	out := f.engine.Filter(batch)
	if len(out) == 0 {
		return
	}

	if f.writeBack != nil {
		f.writeBack.Enqueue(out)
	}
	for _, t := range f.targets {
		t.Send(out)
	}
}

// Consume ingests batches from in until it is closed or Stop is called.
func (f *Forwarder) Consume(in <-chan []*domain.Record) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.started {
		return
	}
	f.started = true
	f.tomb.Go(func() error {
		for {
			select {
			case <-f.tomb.Dying():
				return nil
			case batch, ok := <-in:
				if !ok {
					return nil
				}
				f.Ingest(batch)
			}
		}
	})
}

func (f *Forwarder) Stop() error {
	f.mu.Lock()
	started := f.started
	f.mu.Unlock()
	if !started {
		return nil
	}
	f.tomb.Kill(nil)
	return f.tomb.Wait()
}
