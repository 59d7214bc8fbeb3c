package aegisrelay

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestNewCallbackStore(t *testing.T) {
	var received []*Record
	store := NewCallbackStore("cb", func(_ context.Context, kind Kind, recs []*Record) error {
		if kind != KindSample {
			t.Fatalf("unexpected kind %s", kind)
		}
		received = append(received, recs...)
		return nil
	})

	in := NewRecord("dev-1", t0, &Sample{ID: "temp", Sequence: 42, CDATA: "3.14"})
	if err := store.Write(context.Background(), KindSample, []*Record{in}); err != nil {
		t.Fatalf("Write returned error: %v", err)
	}
	if len(received) != 1 || received[0].EntryID != in.EntryID {
		t.Fatalf("mismatched record payload: %+v", received)
	}
	if received[0] == in {
		t.Fatalf("expected the callback to receive a copy")
	}
}

func TestNewCallbackStoreNilHandler(t *testing.T) {
	store := NewCallbackStore("", nil)
	err := store.Write(context.Background(), KindSample, []*Record{NewRecord("d", t0, &Sample{ID: "s"})})
	if err == nil {
		t.Fatalf("expected error when callback is nil")
	}
}

func TestNewChannelStore(t *testing.T) {
	store, ch, closeFn := NewChannelStore("chan", 1)
	defer closeFn()

	in := NewRecord("dev-1", t0, &Status{Connected: true})
	errCh := make(chan error, 1)
	go func() {
		errCh <- store.Write(context.Background(), KindStatus, []*Record{in})
	}()

	var batch StoreBatch
	select {
	case batch = <-ch:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for channel batch")
	}
	if err := <-errCh; err != nil {
		t.Fatalf("Write returned error: %v", err)
	}
	if batch.Kind != KindStatus || len(batch.Records) != 1 || batch.Records[0].EntryID != in.EntryID {
		t.Fatalf("unexpected batch data: %+v", batch)
	}

	closeFn()
	if err := store.Write(context.Background(), KindStatus, []*Record{in}); !errors.Is(err, ErrChannelStoreClosed) {
		t.Fatalf("expected ErrChannelStoreClosed, got %v", err)
	}
}
