package main

import (
	"context"
	"fmt"
	"log"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/ghalamif/AegisRelay"
)

const config = `
capture:
  groups:
    - name: spindle
      capture_mode: ARCHIVE
      allow: [speed]
    - name: overview
      capture_mode: CURRENT
      allow: ["*"]
store:
  enabled: true
  conn_string: unused
metrics:
  addr: ":9100"
`

func main() {
	cfg, err := aegisrelay.ParseConfig([]byte(config))
	if err != nil {
		log.Fatalf("parse config: %v", err)
	}

	printRecords := func(_ context.Context, kind aegisrelay.Kind, recs []*aegisrelay.Record) error {
		for _, r := range recs {
			fmt.Printf("%s %-10s device=%s item=%s capture=%s\n",
				r.Timestamp.Format(time.RFC3339Nano), kind, r.DeviceID, r.ItemID(), r.Capture())
		}
		return nil
	}

	rt, err := aegisrelay.NewRuntime(cfg, aegisrelay.WithStore(aegisrelay.NewCallbackStore("stdout", printRecords)))
	if err != nil {
		log.Fatalf("new runtime: %v", err)
	}
	if err := rt.Start(); err != nil {
		log.Fatalf("start: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	now := time.Now()
	rt.Publish([]*aegisrelay.Record{
		aegisrelay.NewRecord("mill-1", now, &aegisrelay.DeviceDefinition{ID: "mill-1", Name: "Mill"}),
		aegisrelay.NewRecord("mill-1", now, &aegisrelay.DataItemDefinition{ParentID: "mill-1", ID: "speed", Category: "SAMPLE", Type: "SPINDLE_SPEED"}),
		aegisrelay.NewRecord("mill-1", now, &aegisrelay.DataItemDefinition{ParentID: "mill-1", ID: "mode", Category: "EVENT", Type: "CONTROLLER_MODE"}),
	})

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	var seq int64
	for {
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := rt.Shutdown(shutdownCtx); err != nil {
				log.Fatalf("shutdown: %v", err)
			}
			return
		case ts := <-ticker.C:
			seq++
			rt.Publish([]*aegisrelay.Record{
				aegisrelay.NewRecord("mill-1", ts, &aegisrelay.Sample{ID: "speed", Sequence: seq, CDATA: strconv.FormatInt(1000+seq%50, 10)}),
				aegisrelay.NewRecord("mill-1", ts, &aegisrelay.Sample{ID: "mode", Sequence: seq, CDATA: "AUTOMATIC"}),
			})
		}
	}
}
