package main

import (
	"context"
	"fmt"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/ghalamif/AegisRelay"
)

// ticker is a Producer that emits one device's definitions and then a
// counter sample every interval.
type ticker struct {
	interval time.Duration
	stop     chan struct{}
	done     chan struct{}
}

func (t *ticker) Start(out chan<- []*aegisrelay.Record) error {
	t.stop = make(chan struct{})
	t.done = make(chan struct{})
	now := time.Now()
	out <- []*aegisrelay.Record{
		aegisrelay.NewRecord("sim-1", now, &aegisrelay.DataItemDefinition{ParentID: "sim-1", ID: "count", Category: "EVENT", Type: "PART_COUNT"}),
		aegisrelay.NewRecord("sim-1", now, &aegisrelay.Status{Connected: true, Available: true}),
	}
	go func() {
		defer close(t.done)
		var n int64
		for {
			select {
			case <-t.stop:
				return
			case ts := <-time.After(t.interval):
				n++
				out <- []*aegisrelay.Record{
					aegisrelay.NewRecord("sim-1", ts, &aegisrelay.Sample{ID: "count", Sequence: n, CDATA: fmt.Sprint(n)}),
				}
			}
		}
	}()
	return nil
}

func (t *ticker) Stop() error {
	close(t.stop)
	<-t.done
	return nil
}

func main() {
	cfg, err := aegisrelay.ParseConfig([]byte(`
capture:
  groups:
    - {name: parts, capture_mode: ARCHIVE, allow: [count]}
store: {enabled: true, conn_string: unused}
`))
	if err != nil {
		log.Fatalf("parse config: %v", err)
	}

	store, batches, closeStore := aegisrelay.NewChannelStore("channel", 16)
	rt, err := aegisrelay.NewRuntime(cfg,
		aegisrelay.WithStore(store),
		aegisrelay.WithProducer(&ticker{interval: 500 * time.Millisecond}),
		aegisrelay.WithoutMetricsServer(),
	)
	if err != nil {
		log.Fatalf("new runtime: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		for b := range batches {
			for _, r := range b.Records {
				fmt.Printf("stored %s %s/%s\n", b.Kind, r.DeviceID, r.ItemID())
			}
		}
	}()

	err = rt.Run(ctx)
	closeStore()
	if err != nil {
		log.Fatalf("runtime exited: %v", err)
	}
}
