package stream

import (
	"bufio"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/juju/clock"
	"github.com/juju/retry"
	"gopkg.in/tomb.v2"

	"github.com/ghalamif/AegisRelay/internal/domain"
	"github.com/ghalamif/AegisRelay/internal/ports"
)

const (
	DefaultPort           = 8472
	DefaultTimeout        = 5 * time.Second
	DefaultReconnectDelay = 2 * time.Second

	maxAttempts       = 2
	maxConsecutiveErr = 2
)

var ErrClosed = errors.New("stream client closed")

type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

type Config struct {
	Host   string
	Port   int
	UseTLS bool
	// CAFile is a PEM bundle trusted in addition to the system roots.
	CAFile     string
	ServerName string

	Timeout        time.Duration
	ReconnectDelay time.Duration

	Clock clock.Clock
	Dial  DialFunc
}

func (c *Config) ApplyDefaults() {
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = DefaultReconnectDelay
	}
	if c.Clock == nil {
		c.Clock = clock.WallClock
	}
	if c.Dial == nil {
		d := &net.Dialer{Timeout: c.Timeout}
		c.Dial = d.DialContext
	}
}

func (c Config) Addr() string { return net.JoinHostPort(c.Host, strconv.Itoa(c.Port)) }

// Callbacks report delivery outcomes. Any of them may be nil. They run on
// the client's worker goroutine.
type Callbacks struct {
	Sent         func(n int)
	Failed       func(recs []*domain.Record)
	Connected    func()
	Disconnected func()
}

// Client delivers records to a remote collector over one connection. Each
// line written is acknowledged before the next one is sent.
type Client struct {
	cfg Config
	cb  Callbacks
	obs ports.Observability
	tls *tls.Config

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []*domain.Record
	closed  bool
	started bool

	conn      net.Conn
	rd        *bufio.Reader
	connected atomic.Bool

	tomb tomb.Tomb
}

func New(cfg Config, cb Callbacks, obs ports.Observability) (*Client, error) {
	if cfg.Host == "" {
		return nil, errors.New("stream host is required")
	}
	cfg.ApplyDefaults()

	c := &Client{cfg: cfg, cb: cb, obs: obs}
	c.cond = sync.NewCond(&c.mu)

	if cfg.UseTLS {
		conf, err := tlsConfig(cfg)
		if err != nil {
			return nil, err
		}
		c.tls = conf
	}
	return c, nil
}

func tlsConfig(cfg Config) (*tls.Config, error) {
	conf := &tls.Config{
		MinVersion: tls.VersionTLS12,
		ServerName: cfg.ServerName,
	}
	if conf.ServerName == "" {
		conf.ServerName = cfg.Host
	}
	if cfg.CAFile != "" {
		pem, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read ca file: %w", err)
		}
		pool, err := x509.SystemCertPool()
		if err != nil || pool == nil {
			pool = x509.NewCertPool()
		}
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("ca file %s: no certificates found", cfg.CAFile)
		}
		conf.RootCAs = pool
	}
	return conf, nil
}

func (c *Client) Start() {
	c.mu.Lock()
	c.started = true
	c.mu.Unlock()
	c.tomb.Go(c.loop)
}

// Write queues recs for the worker. It never blocks on the network.
func (c *Client) Write(recs []*domain.Record) error {
	if len(recs) == 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	c.queue = append(c.queue, recs...)
	c.cond.Signal()
	return nil
}

// Close stops the worker once its in-flight batch is done. Records still
// queued are reported through the Failed callback.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	started := c.started
	c.cond.Broadcast()
	c.mu.Unlock()

	if !started {
		c.failRemaining()
		return nil
	}
	c.tomb.Kill(nil)
	return c.tomb.Wait()
}

func (c *Client) Connected() bool { return c.connected.Load() }

func (c *Client) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

func (c *Client) loop() error {
	defer c.disconnect()
	for {
		c.mu.Lock()
		for len(c.queue) == 0 && !c.closed {
			c.cond.Wait()
		}
		if c.closed {
			c.mu.Unlock()
			c.failRemaining()
			return nil
		}
		batch := c.queue
		c.queue = nil
		c.mu.Unlock()

		c.sendBatch(batch)
	}
}

func (c *Client) failRemaining() {
	c.mu.Lock()
	rest := c.queue
	c.queue = nil
	c.mu.Unlock()
	if len(rest) > 0 && c.cb.Failed != nil {
		c.cb.Failed(rest)
	}
}

// sendBatch makes at most two attempts, the second one only for the records
// the first did not get acknowledged.
func (c *Client) sendBatch(batch []*domain.Record) {
	start := time.Now()
	pending := batch
	sent := 0

	err := retry.Call(retry.CallArgs{
		Func: func() error {
			n, failed := c.attempt(pending)
			sent += n
			pending = failed
			if len(failed) > 0 {
				return fmt.Errorf("%d of %d records not acknowledged", len(failed), len(batch))
			}
			return nil
		},
		NotifyFunc: func(err error, attempt int) {
			c.obs.LogWarn("stream_attempt_failed", ports.F("addr", c.cfg.Addr()), ports.F("attempt", attempt), ports.F("error", err.Error()))
		},
		Attempts: maxAttempts,
		Delay:    c.cfg.ReconnectDelay,
		Clock:    c.cfg.Clock,
		Stop:     c.tomb.Dying(),
	})
	c.obs.ObserveLatency("relay_stream_send_seconds", time.Since(start).Seconds())

	if sent > 0 {
		c.obs.IncCounter("relay_stream_sent_total", float64(sent))
		if c.cb.Sent != nil {
			c.cb.Sent(sent)
		}
	}
	if err != nil && len(pending) > 0 {
		c.obs.IncCounter("relay_stream_failed_total", float64(len(pending)))
		if c.cb.Failed != nil {
			c.cb.Failed(pending)
		}
	}
}

// attempt returns the number of acknowledged records and the ones that
// still need delivery.
func (c *Client) attempt(recs []*domain.Record) (int, []*domain.Record) {
	if err := c.connect(); err != nil {
		c.obs.LogWarn("stream_connect_failed", ports.F("addr", c.cfg.Addr()), ports.F("error", err.Error()))
		return 0, recs
	}
	sent, failed := c.writeList(recs)
	if len(failed) > 0 {
		c.disconnect()
	}
	return sent, failed
}

type authKey struct {
	apiKey   string
	deviceID string
}

// writeList sends recs in order over the open connection. Once a device is
// rejected with 401 its remaining records are failed without being sent.
// Two consecutive non-auth failures fail everything not yet attempted.
func (c *Client) writeList(recs []*domain.Record) (int, []*domain.Record) {
	var (
		sent        int
		failed      []*domain.Record
		consecutive int
		rejected    = make(map[authKey]struct{})
	)
	for i, r := range recs {
		k := authKey{apiKey: r.APIKey, deviceID: r.DeviceID}
		if _, ok := rejected[k]; ok {
			failed = append(failed, r)
			continue
		}

		code, err := c.writeOne(r)
		switch {
		case err == nil && code == AckOK:
			sent++
			consecutive = 0
		case err == nil && code == AckUnauthorized:
			c.obs.LogWarn("stream_auth_rejected", ports.F("device_id", r.DeviceID), ports.F("addr", c.cfg.Addr()))
			rejected[k] = struct{}{}
			failed = append(failed, r)
			consecutive = 0
		default:
			if err == nil {
				err = fmt.Errorf("collector replied %d", code)
			}
			c.obs.LogDebug("stream_write_failed", ports.F("entry_id", r.EntryID), ports.F("error", err.Error()))
			failed = append(failed, r)
			consecutive++
			if consecutive >= maxConsecutiveErr {
				return sent, append(failed, recs[i+1:]...)
			}
		}
	}
	return sent, failed
}

func (c *Client) writeOne(r *domain.Record) (int, error) {
	line, err := Encode(r)
	if err != nil {
		return 0, err
	}
	if c.conn == nil {
		return 0, net.ErrClosed
	}
	if err := c.conn.SetDeadline(time.Now().Add(c.cfg.Timeout)); err != nil {
		return 0, err
	}
	if _, err := c.conn.Write(line); err != nil {
		return 0, err
	}
	reply, err := c.rd.ReadString('\n')
	if err != nil {
		return 0, err
	}
	code, err := strconv.Atoi(strings.TrimSpace(reply))
	if err != nil {
		return 0, fmt.Errorf("unparseable reply %q", strings.TrimSpace(reply))
	}
	return code, nil
}

// connect reuses a live connection or dials a new one. A TLS handshake
// failure is a connect failure.
func (c *Client) connect() error {
	if c.conn != nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(c.tomb.Context(nil), c.cfg.Timeout)
	defer cancel()

	conn, err := c.cfg.Dial(ctx, "tcp", c.cfg.Addr())
	if err != nil {
		return err
	}
	if c.tls != nil {
		tc := tls.Client(conn, c.tls)
		if err := tc.HandshakeContext(ctx); err != nil {
			conn.Close()
			return fmt.Errorf("tls handshake: %w", err)
		}
		conn = tc
	}

	c.conn = conn
	c.rd = bufio.NewReader(conn)
	c.connected.Store(true)
	c.obs.LogInfo("stream_connected", ports.F("addr", c.cfg.Addr()))
	c.obs.SetGauge("relay_stream_connected", 1)
	if c.cb.Connected != nil {
		c.cb.Connected()
	}
	return nil
}

func (c *Client) disconnect() {
	if c.conn == nil {
		return
	}
	_ = c.conn.Close()
	c.conn = nil
	c.rd = nil
	c.connected.Store(false)
	c.obs.LogInfo("stream_disconnected", ports.F("addr", c.cfg.Addr()))
	c.obs.SetGauge("relay_stream_connected", 0)
	if c.cb.Disconnected != nil {
		c.cb.Disconnected()
	}
}
