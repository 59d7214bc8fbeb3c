package aegisrelay

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/juju/clock"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gopkg.in/tomb.v2"

	"github.com/ghalamif/AegisRelay/internal/adapters/buffer"
	"github.com/ghalamif/AegisRelay/internal/adapters/observability"
	"github.com/ghalamif/AegisRelay/internal/adapters/opcua"
	"github.com/ghalamif/AegisRelay/internal/adapters/queue"
	"github.com/ghalamif/AegisRelay/internal/adapters/store"
	"github.com/ghalamif/AegisRelay/internal/adapters/stream"
	"github.com/ghalamif/AegisRelay/internal/app/pipeline"
	"github.com/ghalamif/AegisRelay/internal/capture"
	"github.com/ghalamif/AegisRelay/internal/ports"
)

const (
	producerBacklog = 64
	gaugeInterval   = time.Second
)

// RuntimeOption customizes the dependencies used by Runtime.
type RuntimeOption func(*runtimeOverrides)

type runtimeOverrides struct {
	producer      Producer
	store         Store
	observability Observability
	senders       func(StreamConfig) SenderFactory
	noMetrics     bool
}

// WithProducer replaces the configured OPC UA collector with any record
// source (MTConnect agents, simulators, other protocols).
func WithProducer(p Producer) RuntimeOption {
	return func(o *runtimeOverrides) { o.producer = p }
}

// WithStore injects a store in place of the configured Postgres one.
func WithStore(s Store) RuntimeOption {
	return func(o *runtimeOverrides) { o.store = s }
}

// WithObservability plugs in a custom logging and metrics backend.
func WithObservability(obs Observability) RuntimeOption {
	return func(o *runtimeOverrides) { o.observability = obs }
}

// WithSenderFactory overrides how stream connections are made for each
// configured stream.
func WithSenderFactory(fn func(StreamConfig) SenderFactory) RuntimeOption {
	return func(o *runtimeOverrides) { o.senders = fn }
}

// WithoutMetricsServer skips the /metrics and /healthz listener.
func WithoutMetricsServer() RuntimeOption {
	return func(o *runtimeOverrides) { o.noMetrics = true }
}

// Runtime wires producer → capture engine → write-back queue and stream
// targets, and exposes lifecycle hooks for embedding the relay in any Go
// service.
type Runtime struct {
	cfg       *Config
	obs       ports.Observability
	registry  *prometheus.Registry
	logCloser io.Closer

	engine    *capture.Engine
	writeBack *pipeline.WriteBack
	queue     ports.RecordQueue
	store     ports.Store
	db        *sql.DB
	buffers   []*buffer.FileBuffer
	targets   []*pipeline.StreamTarget
	producer  ports.Producer
	forwarder *pipeline.Forwarder
	in        chan []*Record

	noMetrics  bool
	metricsSrv *http.Server
	gauges     tomb.Tomb

	mu      sync.Mutex
	started bool
}

// NewRuntime bootstraps the default adapters (OPC UA collector, Postgres
// store, TCP stream targets with file buffers, Prometheus observability).
// RuntimeOption values override any of them.
func NewRuntime(cfg *Config, opts ...RuntimeOption) (*Runtime, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}

	var overrides runtimeOverrides
	for _, opt := range opts {
		if opt != nil {
			opt(&overrides)
		}
	}

	rt := &Runtime{cfg: cfg, noMetrics: overrides.noMetrics, in: make(chan []*Record, producerBacklog)}

	rt.obs = overrides.observability
	if rt.obs == nil {
		logger, closer, err := observability.NewLogger(cfg.Logging)
		if err != nil {
			return nil, fmt.Errorf("logger: %w", err)
		}
		rt.logCloser = closer
		rt.registry = prometheus.NewRegistry()
		rt.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		rt.obs = observability.NewPromObs(logger, rt.registry)
	}

	groups, err := cfg.Capture.Build()
	if err != nil {
		return nil, rt.abort(err)
	}
	rt.engine, err = capture.NewEngine(capture.NewState(), groups)
	if err != nil {
		return nil, rt.abort(err)
	}

	rt.store = overrides.store
	if rt.store == nil && cfg.Store.Enabled {
		rt.db, err = sql.Open("postgres", cfg.Store.ConnString)
		if err != nil {
			return nil, rt.abort(err)
		}
		rt.store = store.NewSQLStore(rt.db, cfg.Store.TablePrefix)
	}
	if rt.store != nil {
		rt.queue = queue.NewMemQueue(cfg.Policy.MaxQueueLen)
		rt.writeBack = pipeline.NewWriteBack(rt.store, rt.queue, cfg.Policy, rt.obs, clock.WallClock)
	}

	for _, sc := range cfg.Streams {
		target, err := rt.newTarget(sc, overrides.senders)
		if err != nil {
			return nil, rt.abort(err)
		}
		rt.targets = append(rt.targets, target)
	}
	if rt.store == nil && len(rt.targets) == 0 {
		return nil, rt.abort(ErrNoSinks)
	}

	rt.producer = overrides.producer
	if rt.producer == nil && cfg.OPCUA != nil {
		col, err := opcua.NewCollector(*cfg.OPCUA, rt.obs)
		if err != nil {
			return nil, rt.abort(err)
		}
		rt.producer = col
	}

	rt.forwarder = pipeline.NewForwarder(rt.engine, rt.writeBack, rt.targets, rt.obs)
	return rt, nil
}

func (rt *Runtime) newTarget(sc StreamConfig, senders func(StreamConfig) SenderFactory) (*pipeline.StreamTarget, error) {
	tc := pipeline.TargetConfig{
		Name:         sc.Name,
		APIKey:       sc.APIKey,
		MaxSendCount: sc.MaxSendCount,
	}

	var buf ports.OverflowBuffer
	if sc.Buffer != nil {
		fb, err := buffer.New(buffer.Config{
			Dir:           sc.Buffer.Dir,
			MaxFileSize:   int64(sc.Buffer.MaxFileSize),
			WriteInterval: sc.Buffer.WriteInterval,
		}, rt.obs)
		if err != nil {
			return nil, fmt.Errorf("stream %s buffer: %w", sc.Name, err)
		}
		rt.buffers = append(rt.buffers, fb)
		buf = fb
		tc.ReplayInterval = sc.Buffer.ReplayInterval
		tc.MaxReadCount = sc.Buffer.MaxReadCount
	}

	factory := rt.defaultSender(sc)
	if senders != nil {
		factory = senders(sc)
	}
	return pipeline.NewStreamTarget(tc, factory, buf, rt.obs)
}

func (rt *Runtime) defaultSender(sc StreamConfig) SenderFactory {
	return func(cb stream.Callbacks) (pipeline.Sender, error) {
		c, err := stream.New(stream.Config{
			Host:           sc.Host,
			Port:           sc.Port,
			UseTLS:         sc.UseTLS,
			CAFile:         sc.CAFile,
			ServerName:     sc.ServerName,
			Timeout:        sc.Timeout,
			ReconnectDelay: sc.ReconnectDelay,
		}, cb, rt.obs)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
}

// abort releases what NewRuntime already opened.
func (rt *Runtime) abort(err error) error {
	if rt.db != nil {
		_ = rt.db.Close()
	}
	if rt.logCloser != nil {
		_ = rt.logCloser.Close()
	}
	return err
}

// Start launches every worker and the producer. It returns immediately;
// call Run to block on a context instead.
func (rt *Runtime) Start() error {
	if rt == nil {
		return fmt.Errorf("runtime is nil")
	}
	rt.mu.Lock()
	if rt.started {
		rt.mu.Unlock()
		return fmt.Errorf("runtime already started")
	}
	rt.started = true
	rt.mu.Unlock()

	for _, b := range rt.buffers {
		b.Start()
	}
	for _, t := range rt.targets {
		t.Start()
	}
	if rt.writeBack != nil {
		rt.writeBack.Start()
	}
	rt.forwarder.Consume(rt.in)

	if rt.producer != nil {
		if err := rt.producer.Start(rt.in); err != nil {
			return errors.Join(fmt.Errorf("start producer: %w", err), rt.Shutdown(context.Background()))
		}
	}

	rt.startMetrics()
	rt.obs.LogInfo("relay_started",
		ports.F("streams", len(rt.targets)),
		ports.F("store", rt.store != nil),
		ports.F("groups", len(rt.engine.Groups())))
	return nil
}

// Publish feeds a batch through the relay as if a producer had emitted it.
func (rt *Runtime) Publish(batch []*Record) {
	rt.forwarder.Ingest(batch)
}

// Run starts the runtime and blocks until ctx is cancelled, then shuts
// down gracefully.
func (rt *Runtime) Run(ctx context.Context) error {
	if err := rt.Start(); err != nil {
		return err
	}
	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return rt.Shutdown(shutdownCtx)
}

// Shutdown stops the producer first so its final records are still
// forwarded, then the streams, the buffers and the write-back queue.
func (rt *Runtime) Shutdown(ctx context.Context) error {
	rt.mu.Lock()
	started := rt.started
	rt.started = false
	rt.mu.Unlock()

	var errs []error
	if started {
		if rt.producer != nil {
			if err := rt.producer.Stop(); err != nil {
				errs = append(errs, fmt.Errorf("producer: %w", err))
			}
		}
		rt.drainInput()
		if err := rt.forwarder.Stop(); err != nil {
			errs = append(errs, err)
		}

		if rt.metricsSrv != nil {
			rt.gauges.Kill(nil)
			if err := rt.gauges.Wait(); err != nil {
				errs = append(errs, err)
			}
			if err := rt.metricsSrv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errs = append(errs, err)
			}
		}

		for _, t := range rt.targets {
			if err := t.Stop(); err != nil {
				errs = append(errs, fmt.Errorf("stream %s: %w", t.Name(), err))
			}
		}
		for _, b := range rt.buffers {
			if err := b.Stop(); err != nil {
				errs = append(errs, fmt.Errorf("buffer %s: %w", b, err))
			}
		}
		if rt.writeBack != nil {
			if err := rt.writeBack.Stop(); err != nil {
				errs = append(errs, fmt.Errorf("write-back: %w", err))
			}
		}
		rt.obs.LogInfo("relay_stopped")
	}

	if rt.db != nil {
		if err := rt.db.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if rt.logCloser != nil {
		if err := rt.logCloser.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// drainInput ingests batches the producer left on the channel.
func (rt *Runtime) drainInput() {
	for {
		select {
		case batch := <-rt.in:
			rt.forwarder.Ingest(batch)
		default:
			return
		}
	}
}

// Stats is a point-in-time view of the relay's queues and connections.
type Stats struct {
	QueueLen       int
	Components     int
	DataItems      int
	CurrentSamples int
	Streams        []StreamStats
}

type StreamStats struct {
	Name      string
	Connected bool
	Buffer    BufferStats
}

func (rt *Runtime) Stats() Stats {
	var s Stats
	if rt.queue != nil {
		s.QueueLen = rt.queue.Len()
	}
	s.Components, s.DataItems, s.CurrentSamples = rt.engine.State().Counts()
	for _, t := range rt.targets {
		ss := StreamStats{Name: t.Name(), Connected: t.Connected()}
		if b := t.Buffer(); b != nil {
			ss.Buffer = b.Stats()
		}
		s.Streams = append(s.Streams, ss)
	}
	return s
}

func (rt *Runtime) startMetrics() {
	if rt.noMetrics {
		return
	}
	handler := promhttp.Handler()
	if rt.registry != nil {
		handler = promhttp.HandlerFor(rt.registry, promhttp.HandlerOpts{})
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	rt.metricsSrv = &http.Server{
		Addr:              rt.cfg.Metrics.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := rt.metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			rt.obs.LogError("metrics_server_exited", err, ports.F("addr", rt.cfg.Metrics.Addr))
		}
	}()

	rt.gauges.Go(func() error {
		for {
			select {
			case <-rt.gauges.Dying():
				return nil
			case <-clock.WallClock.After(gaugeInterval):
				rt.recordGauges()
			}
		}
	})
}

func (rt *Runtime) recordGauges() {
	var pending int
	var size int64
	for _, b := range rt.buffers {
		st := b.Stats()
		pending += st.Pending
		size += st.SizeBytes
	}
	rt.obs.SetGauge("relay_buffer_pending", float64(pending))
	rt.obs.SetGauge("relay_buffer_size_bytes", float64(size))
	if rt.queue != nil {
		rt.obs.SetGauge("relay_writeback_queue_length", float64(rt.queue.Len()))
	}
}
