package pipeline

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/juju/clock"
	"gopkg.in/tomb.v2"

	"github.com/ghalamif/AegisRelay/internal/adapters/stream"
	"github.com/ghalamif/AegisRelay/internal/domain"
	"github.com/ghalamif/AegisRelay/internal/ports"
)

const (
	DefaultMaxSendCount   = 2000
	DefaultReplayInterval = 5 * time.Second
	DefaultMaxReadCount   = 5000
)

// Sender is the part of stream.Client a target drives.
type Sender interface {
	Start()
	Write(recs []*domain.Record) error
	Connected() bool
	Close() error
}

// SenderFactory builds the sender for a target. The callbacks must be
// passed through to the stream client.
type SenderFactory func(cb stream.Callbacks) (Sender, error)

type TargetConfig struct {
	Name           string
	APIKey         string
	MaxSendCount   int
	ReplayInterval time.Duration
	MaxReadCount   int
	Clock          clock.Clock
}

// StreamTarget feeds one remote collector. Records it cannot send now are
// detoured to its overflow buffer and replayed while the connection is up.
type StreamTarget struct {
	cfg    TargetConfig
	sender Sender
	buf    ports.OverflowBuffer
	obs    ports.Observability

	mu      sync.Mutex
	started bool
	tomb    tomb.Tomb
}

// NewStreamTarget builds the target and its sender. buf may be nil, in which
// case undeliverable records are counted as dropped.
func NewStreamTarget(cfg TargetConfig, newSender SenderFactory, buf ports.OverflowBuffer, obs ports.Observability) (*StreamTarget, error) {
	if cfg.MaxSendCount <= 0 {
		cfg.MaxSendCount = DefaultMaxSendCount
	}
	if cfg.ReplayInterval <= 0 {
		cfg.ReplayInterval = DefaultReplayInterval
	}
	if cfg.MaxReadCount <= 0 {
		cfg.MaxReadCount = DefaultMaxReadCount
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}

	t := &StreamTarget{cfg: cfg, buf: buf, obs: obs}
	s, err := newSender(stream.Callbacks{
		Failed: t.onFailed,
		Connected: func() {
			obs.LogInfo("stream_target_connected", ports.F("target", cfg.Name))
		},
		Disconnected: func() {
			obs.LogInfo("stream_target_disconnected", ports.F("target", cfg.Name))
		},
	})
	if err != nil {
		return nil, fmt.Errorf("stream target %s: %w", cfg.Name, err)
	}
	t.sender = s
	return t, nil
}

func (t *StreamTarget) Name() string { return t.cfg.Name }

func (t *StreamTarget) Connected() bool { return t.sender.Connected() }

func (t *StreamTarget) Buffer() ports.OverflowBuffer { return t.buf }

func (t *StreamTarget) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.started {
		return
	}
	t.started = true
	t.sender.Start()
	if t.buf != nil {
		t.tomb.Go(t.replayLoop)
	}
}

// Stop ends replay and closes the sender. Records the sender still held are
// reported failed and land in the buffer.
func (t *StreamTarget) Stop() error {
	t.mu.Lock()
	started := t.started
	t.mu.Unlock()

	var err error
	if started && t.buf != nil {
		t.tomb.Kill(nil)
		err = t.tomb.Wait()
	}
	if e := t.sender.Close(); e != nil {
		err = errors.Join(err, e)
	}
	return err
}

// Send queues copies of recs carrying the target's API key. With a buffer,
// anything past MaxSendCount goes straight to it; without one the whole
// batch is sent.
func (t *StreamTarget) Send(recs []*domain.Record) {
	if len(recs) == 0 {
		return
	}
	out := make([]*domain.Record, 0, len(recs))
	for _, r := range recs {
		c := r.Clone()
		c.APIKey = t.cfg.APIKey
		out = append(out, c)
	}

	if len(out) > t.cfg.MaxSendCount {
		if t.buf == nil {
			t.obs.LogWarn("stream_send_overflow", ports.F("target", t.cfg.Name), ports.F("count", len(out)-t.cfg.MaxSendCount), ports.F("buffered", false))
		} else {
			overflow := out[t.cfg.MaxSendCount:]
			out = out[:t.cfg.MaxSendCount]
			t.obs.LogDebug("stream_send_overflow", ports.F("target", t.cfg.Name), ports.F("count", len(overflow)))
			t.detour(overflow, "send_overflow")
		}
	}
	if err := t.sender.Write(out); err != nil {
		t.obs.LogWarn("stream_write_rejected", ports.F("target", t.cfg.Name), ports.F("error", err.Error()))
		t.detour(out, "stream_closed")
	}
}

func (t *StreamTarget) onFailed(recs []*domain.Record) {
	t.detour(recs, "stream_failed")
}

// detour buffers the durable records. Ephemeral ones, and everything when
// there is no buffer, are counted as dropped.
func (t *StreamTarget) detour(recs []*domain.Record, reason string) {
	var durable, dropped []*domain.Record
	for _, r := range recs {
		if r.Ephemeral() || t.buf == nil {
			dropped = append(dropped, r)
			continue
		}
		durable = append(durable, r)
	}
	if len(durable) > 0 {
		t.buf.Enqueue(durable)
	}
	for kind, n := range countKinds(dropped) {
		t.obs.RecordDropped(kind, n, reason)
	}
}

func (t *StreamTarget) replayLoop() error {
	for {
		select {
		case <-t.tomb.Dying():
			return nil
		case <-t.cfg.Clock.After(t.cfg.ReplayInterval):
		}
		if t.sender.Connected() {
			t.ReplayOnce()
		}
	}
}

// ReplayOnce hands up to MaxReadCount buffered records, oldest kinds first,
// back to the sender and removes them from the buffer. Failures come back
// through the failure callback as new buffer entries.
func (t *StreamTarget) ReplayOnce() int {
	if t.buf == nil {
		return 0
	}
	var recs []*domain.Record
	for _, kind := range domain.WriteOrder {
		remaining := t.cfg.MaxReadCount - len(recs)
		if remaining <= 0 {
			break
		}
		recs = append(recs, t.buf.Read(kind, remaining)...)
	}
	if len(recs) == 0 {
		return 0
	}
	for _, r := range recs {
		r.APIKey = t.cfg.APIKey
	}

	if err := t.sender.Write(recs); err != nil {
		return 0
	}
	if err := t.buf.Remove(domain.EntryIDs(recs)); err != nil {
		t.obs.LogError("buffer_remove_failed", err, ports.F("target", t.cfg.Name))
	}
	t.obs.LogDebug("buffer_replayed", ports.F("target", t.cfg.Name), ports.F("count", len(recs)))
	return len(recs)
}
