package aegisrelay

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrChannelStoreClosed is returned when a channel store is written to after being closed.
var ErrChannelStoreClosed = errors.New("aegisrelay: channel store closed")

// StoreFunc receives one kind group per call. Returning nil commits the
// records; an error keeps them queued for the retry interval.
type StoreFunc func(ctx context.Context, kind Kind, recs []*Record) error

// StoreBatch is what a channel store hands to its reader.
type StoreBatch struct {
	Kind    Kind
	Records []*Record
}

// NewCallbackStore adapts a StoreFunc into a Store so callers can plug
// arbitrary functions without defining structs.
func NewCallbackStore(name string, fn StoreFunc) Store {
	if name == "" {
		name = "callback"
	}
	return &callbackStore{name: name, fn: fn}
}

// NewChannelStore exposes batches via a channel; it returns the store, the
// read-only channel, and a close function the caller should invoke during
// shutdown. A batch counts as committed once it is received.
func NewChannelStore(name string, buffer int) (Store, <-chan StoreBatch, func()) {
	if name == "" {
		name = "channel"
	}
	if buffer < 0 {
		buffer = 0
	}
	ch := make(chan StoreBatch, buffer)
	s := &channelStore{
		name:   name,
		ch:     ch,
		closed: make(chan struct{}),
	}
	return s, ch, func() { s.close() }
}

type callbackStore struct {
	name string
	fn   StoreFunc
}

func (s *callbackStore) Write(ctx context.Context, kind Kind, recs []*Record) error {
	if s.fn == nil {
		return fmt.Errorf("callback store %q: nil handler", s.name)
	}
	if len(recs) == 0 {
		return nil
	}
	return s.fn(ctx, kind, copyRecords(recs))
}

func (s *callbackStore) Name() string { return s.name }

type channelStore struct {
	name   string
	ch     chan StoreBatch
	closed chan struct{}
	// sendMu keeps close from racing an in-flight send.
	sendMu sync.RWMutex
	once   sync.Once
}

func (s *channelStore) Write(ctx context.Context, kind Kind, recs []*Record) error {
	s.sendMu.RLock()
	defer s.sendMu.RUnlock()

	select {
	case <-s.closed:
		return ErrChannelStoreClosed
	default:
	}
	if len(recs) == 0 {
		return nil
	}

	select {
	case <-s.closed:
		return ErrChannelStoreClosed
	case <-ctx.Done():
		return ctx.Err()
	case s.ch <- StoreBatch{Kind: kind, Records: copyRecords(recs)}:
		return nil
	}
}

func (s *channelStore) Name() string { return s.name }

func (s *channelStore) close() {
	s.once.Do(func() {
		close(s.closed)
		s.sendMu.Lock()
		close(s.ch)
		s.sendMu.Unlock()
	})
}

func copyRecords(recs []*Record) []*Record {
	out := make([]*Record, len(recs))
	for i, r := range recs {
		out[i] = r.Clone()
	}
	return out
}
