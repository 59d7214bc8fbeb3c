package observability

import (
	"context"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ghalamif/AegisRelay/internal/domain"
	"github.com/ghalamif/AegisRelay/internal/ports"
)

// PromObs implements ports.Observability with slog for events and a
// fixed set of Prometheus collectors for metrics. Unknown metric names are
// ignored.
type PromObs struct {
	log *slog.Logger

	counters map[string]prometheus.Counter
	gauges   map[string]prometheus.Gauge
	histos   map[string]prometheus.Observer
	dropped  *prometheus.CounterVec
}

func NewPromObs(logger *slog.Logger, reg prometheus.Registerer) *PromObs {
	if logger == nil {
		logger = slog.Default()
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{Name: name, Help: help})
	}
	gauge := func(name, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{Name: name, Help: help})
	}
	histo := func(name, help string) prometheus.Histogram {
		return prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    name,
			Help:    help,
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		})
	}

	p := &PromObs{
		log: logger,
		counters: map[string]prometheus.Counter{
			"relay_records_ingested_total": counter("relay_records_ingested_total", "Records received from producers."),
			"relay_store_written_total":    counter("relay_store_written_total", "Records committed to the store."),
			"relay_store_failures_total":   counter("relay_store_failures_total", "Failed store write attempts."),
			"relay_stream_sent_total":      counter("relay_stream_sent_total", "Records acknowledged by remote collectors."),
			"relay_stream_failed_total":    counter("relay_stream_failed_total", "Records that exhausted stream delivery attempts."),
			"relay_buffer_written_total":   counter("relay_buffer_written_total", "Records appended to the overflow buffer."),
		},
		gauges: map[string]prometheus.Gauge{
			"relay_writeback_queue_length": gauge("relay_writeback_queue_length", "Records waiting in the write-back queue."),
			"relay_buffer_pending":         gauge("relay_buffer_pending", "Records waiting for the next buffer flush."),
			"relay_buffer_size_bytes":      gauge("relay_buffer_size_bytes", "Size of buffer files on disk."),
			"relay_stream_connected":       gauge("relay_stream_connected", "1 while a collector connection is open."),
		},
		histos: map[string]prometheus.Observer{
			"relay_store_write_seconds": histo("relay_store_write_seconds", "Duration of one store write call."),
			"relay_stream_send_seconds": histo("relay_stream_send_seconds", "Duration of one stream batch send."),
		},
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_records_dropped_total",
			Help: "Records discarded without delivery.",
		}, []string{"kind", "reason"}),
	}

	for _, c := range p.counters {
		reg.MustRegister(c)
	}
	for _, g := range p.gauges {
		reg.MustRegister(g)
	}
	for _, h := range p.histos {
		reg.MustRegister(h.(prometheus.Collector))
	}
	reg.MustRegister(p.dropped)
	return p
}

func (p *PromObs) Logger() *slog.Logger { return p.log }

func (p *PromObs) LogDebug(msg string, fields ...ports.Field) {
	p.emit(slog.LevelDebug, msg, nil, fields)
}

func (p *PromObs) LogInfo(msg string, fields ...ports.Field) {
	p.emit(slog.LevelInfo, msg, nil, fields)
}

func (p *PromObs) LogWarn(msg string, fields ...ports.Field) {
	p.emit(slog.LevelWarn, msg, nil, fields)
}

func (p *PromObs) LogError(msg string, err error, fields ...ports.Field) {
	p.emit(slog.LevelError, msg, err, fields)
}

func (p *PromObs) LogCritical(msg string, err error, fields ...ports.Field) {
	p.emit(LevelCritical, msg, err, fields)
}

func (p *PromObs) emit(level slog.Level, msg string, err error, fields []ports.Field) {
	ctx := context.Background()
	if !p.log.Enabled(ctx, level) {
		return
	}
	attrs := make([]slog.Attr, 0, len(fields)+1)
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
	}
	for _, f := range fields {
		attrs = append(attrs, slog.Any(f.Key, f.Value))
	}
	p.log.LogAttrs(ctx, level, msg, attrs...)
}

func (p *PromObs) IncCounter(name string, v float64) {
	if c, ok := p.counters[name]; ok {
		c.Add(v)
	}
}

func (p *PromObs) ObserveLatency(name string, seconds float64) {
	if h, ok := p.histos[name]; ok {
		h.Observe(seconds)
	}
}

func (p *PromObs) SetGauge(name string, v float64) {
	if g, ok := p.gauges[name]; ok {
		g.Set(v)
	}
}

func (p *PromObs) RecordDropped(kind domain.Kind, n int, reason string) {
	if n <= 0 {
		return
	}
	p.dropped.WithLabelValues(kind.String(), reason).Add(float64(n))
	p.LogWarn("records_dropped", ports.F("kind", kind.String()), ports.F("count", n), ports.F("reason", reason))
}

var _ ports.Observability = (*PromObs)(nil)
