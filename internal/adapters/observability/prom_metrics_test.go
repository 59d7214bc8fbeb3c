package observability

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/ghalamif/AegisRelay/internal/domain"
	"github.com/ghalamif/AegisRelay/internal/ports"
)

func TestPromObsMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	obs := NewPromObs(slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)), reg)

	obs.IncCounter("relay_records_ingested_total", 5)
	if got := testutil.ToFloat64(obs.counters["relay_records_ingested_total"]); got != 5 {
		t.Fatalf("expected ingested counter 5, got %f", got)
	}

	obs.SetGauge("relay_buffer_size_bytes", 42)
	if got := testutil.ToFloat64(obs.gauges["relay_buffer_size_bytes"]); got != 42 {
		t.Fatalf("expected buffer gauge 42, got %f", got)
	}

	obs.ObserveLatency("relay_store_write_seconds", 0.5)
	hCollector := obs.histos["relay_store_write_seconds"].(prometheus.Collector)
	if samples := testutil.CollectAndCount(hCollector); samples != 1 {
		t.Fatalf("expected latency histogram to record 1 sample, got %d", samples)
	}

	obs.RecordDropped(domain.KindSample, 3, "queue_full")
	if got := testutil.ToFloat64(obs.dropped.WithLabelValues("sample", "queue_full")); got != 3 {
		t.Fatalf("expected dropped counter 3, got %f", got)
	}

	// Unknown names are ignored rather than registered on the fly.
	obs.IncCounter("nope_total", 1)
	if n := testutil.CollectAndCount(obs.dropped); n != 1 {
		t.Fatalf("expected a single dropped series, got %d", n)
	}
}

func TestPromObsLogsFields(t *testing.T) {
	var buf bytes.Buffer
	obs := NewPromObs(slog.New(newHandler(&buf, "text", slog.LevelInfo)), prometheus.NewRegistry())

	obs.LogDebug("hidden")
	obs.LogError("store_write_failed", errors.New("boom"), ports.F("kind", "sample"))
	obs.LogCritical("buffer_unusable", errors.New("disk full"))

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("debug line logged at info level: %s", out)
	}
	if !strings.Contains(out, "msg=store_write_failed") || !strings.Contains(out, "error=boom") || !strings.Contains(out, "kind=sample") {
		t.Fatalf("missing error fields in %q", out)
	}
	if !strings.Contains(out, "level=CRITICAL") {
		t.Fatalf("critical level not rendered: %q", out)
	}
}

func TestParseLevel(t *testing.T) {
	if _, err := ParseLevel("verbose"); err == nil {
		t.Fatalf("expected error for unknown level")
	}
	if lv, _ := ParseLevel("WARN"); lv != slog.LevelWarn {
		t.Fatalf("expected warn, got %v", lv)
	}
}
