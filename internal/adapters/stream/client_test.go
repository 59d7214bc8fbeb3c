package stream

import (
	"bufio"
	"context"
	"encoding/pem"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ghalamif/AegisRelay/internal/domain"
	"github.com/ghalamif/AegisRelay/internal/ports"
)

type nopObs struct{}

func (nopObs) LogDebug(string, ...ports.Field)           {}
func (nopObs) LogInfo(string, ...ports.Field)            {}
func (nopObs) LogWarn(string, ...ports.Field)            {}
func (nopObs) LogError(string, error, ...ports.Field)    {}
func (nopObs) LogCritical(string, error, ...ports.Field) {}
func (nopObs) IncCounter(string, float64)                {}
func (nopObs) ObserveLatency(string, float64)            {}
func (nopObs) SetGauge(string, float64)                  {}
func (nopObs) RecordDropped(domain.Kind, int, string)    {}

// collector is an in-process remote end that answers every line with the
// code returned by reply.
type collector struct {
	ln    net.Listener
	reply func(*domain.Record) int

	mu       sync.Mutex
	received []string
}

func newCollector(t *testing.T, reply func(*domain.Record) int) *collector {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	c := &collector{ln: ln, reply: reply}
	go c.serve()
	t.Cleanup(func() { ln.Close() })
	return c
}

func (c *collector) serve() {
	for {
		conn, err := c.ln.Accept()
		if err != nil {
			return
		}
		go func(conn net.Conn) {
			defer conn.Close()
			rd := bufio.NewReader(conn)
			for {
				line, err := rd.ReadBytes('\n')
				if err != nil {
					return
				}
				r, err := Decode(line)
				code := 400
				if err == nil {
					c.mu.Lock()
					c.received = append(c.received, r.EntryID)
					c.mu.Unlock()
					code = c.reply(r)
				}
				if _, err := conn.Write([]byte(strconv.Itoa(code) + "\n")); err != nil {
					return
				}
			}
		}(conn)
	}
}

func (c *collector) got() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.received...)
}

func (c *collector) port() int { return c.ln.Addr().(*net.TCPAddr).Port }

type outcome struct {
	sent   chan int
	failed chan []*domain.Record
}

func newOutcome() (*outcome, Callbacks) {
	o := &outcome{sent: make(chan int, 4), failed: make(chan []*domain.Record, 4)}
	return o, Callbacks{
		Sent:   func(n int) { o.sent <- n },
		Failed: func(recs []*domain.Record) { o.failed <- recs },
	}
}

func (o *outcome) waitFailed(t *testing.T) []*domain.Record {
	t.Helper()
	select {
	case recs := <-o.failed:
		return recs
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for failure callback")
	}
	return nil
}

func records(devices ...string) []*domain.Record {
	var out []*domain.Record
	for i, d := range devices {
		r := domain.New(d, time.Now(), &domain.Sample{ID: "x", Sequence: int64(i), Capture: domain.CaptureArchived})
		r.APIKey = "key"
		out = append(out, r)
	}
	return out
}

func startClient(t *testing.T, cfg Config, cb Callbacks) *Client {
	t.Helper()
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	cfg.ReconnectDelay = 10 * time.Millisecond
	cfg.Timeout = 2 * time.Second
	c, err := New(cfg, cb, nopObs{})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	c.Start()
	t.Cleanup(func() { c.Close() })
	return c
}

func TestClientSendsAndCountsAcks(t *testing.T) {
	col := newCollector(t, func(*domain.Record) int { return AckOK })
	o, cb := newOutcome()
	c := startClient(t, Config{Port: col.port()}, cb)

	if err := c.Write(records("d1", "d1", "d2")); err != nil {
		t.Fatalf("write: %v", err)
	}
	select {
	case n := <-o.sent:
		if n != 3 {
			t.Fatalf("expected 3 acknowledged, got %d", n)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for sent callback")
	}
	if !c.Connected() {
		t.Fatalf("expected live connection after successful batch")
	}
}

func TestClientAuthShortCircuit(t *testing.T) {
	col := newCollector(t, func(*domain.Record) int { return AckUnauthorized })
	o, cb := newOutcome()
	c := startClient(t, Config{Port: col.port()}, cb)

	batch := records("d1", "d1", "d1")
	if err := c.Write(batch); err != nil {
		t.Fatalf("write: %v", err)
	}
	failed := o.waitFailed(t)
	if len(failed) != 3 {
		t.Fatalf("expected all 3 failed, got %d", len(failed))
	}
	for _, id := range col.got() {
		if id == batch[1].EntryID || id == batch[2].EntryID {
			t.Fatalf("records after the 401 must not reach the network")
		}
	}
}

func TestClientBoundedRetry(t *testing.T) {
	var dials int32
	o, cb := newOutcome()
	startClient(t, Config{
		Port: 1,
		Dial: func(ctx context.Context, network, addr string) (net.Conn, error) {
			atomic.AddInt32(&dials, 1)
			return nil, errors.New("refused")
		},
	}, cb).Write(records("d1"))

	if failed := o.waitFailed(t); len(failed) != 1 {
		t.Fatalf("expected 1 failed record, got %d", len(failed))
	}
	if n := atomic.LoadInt32(&dials); n != 2 {
		t.Fatalf("expected exactly 2 connection attempts, got %d", n)
	}
}

func TestClientAbortsAfterConsecutiveFailures(t *testing.T) {
	col := newCollector(t, func(*domain.Record) int { return 500 })
	o, cb := newOutcome()
	c := startClient(t, Config{Port: col.port()}, cb)

	batch := records("d1", "d2", "d3", "d4")
	if err := c.Write(batch); err != nil {
		t.Fatalf("write: %v", err)
	}
	if failed := o.waitFailed(t); len(failed) != 4 {
		t.Fatalf("expected 4 failed, got %d", len(failed))
	}
	for _, id := range col.got() {
		if id == batch[2].EntryID || id == batch[3].EntryID {
			t.Fatalf("writes must stop after two consecutive failures")
		}
	}
	if got := len(col.got()); got != 4 {
		t.Fatalf("expected 2 writes on each of 2 attempts, got %d", got)
	}
}

func TestClientRejectsUntrustedCertificate(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	defer srv.Close()
	port := srv.Listener.Addr().(*net.TCPAddr).Port

	var connected atomic.Bool
	o, cb := newOutcome()
	cb.Connected = func() { connected.Store(true) }
	c := startClient(t, Config{Port: port, UseTLS: true}, cb)

	if err := c.Write(records("d1")); err != nil {
		t.Fatalf("write: %v", err)
	}
	o.waitFailed(t)
	if connected.Load() {
		t.Fatalf("an unverified certificate must not yield a connection")
	}
}

func TestClientTrustsConfiguredCA(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	defer srv.Close()
	port := srv.Listener.Addr().(*net.TCPAddr).Port

	caFile := filepath.Join(t.TempDir(), "ca.pem")
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: srv.Certificate().Raw})
	if err := os.WriteFile(caFile, pemBytes, 0o600); err != nil {
		t.Fatalf("write ca: %v", err)
	}

	connected := make(chan struct{}, 2)
	o, cb := newOutcome()
	cb.Connected = func() { connected <- struct{}{} }
	c := startClient(t, Config{Port: port, UseTLS: true, CAFile: caFile}, cb)

	if err := c.Write(records("d1")); err != nil {
		t.Fatalf("write: %v", err)
	}
	select {
	case <-connected:
	case <-time.After(5 * time.Second):
		t.Fatalf("expected TLS connection with trusted CA")
	}
	// The HTTP server does not speak the ack protocol.
	o.waitFailed(t)
}

func TestCloseFailsQueuedRecords(t *testing.T) {
	o, cb := newOutcome()
	c, err := New(Config{Host: "127.0.0.1"}, cb, nopObs{})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if err := c.Write(records("d1", "d2")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if failed := o.waitFailed(t); len(failed) != 2 {
		t.Fatalf("expected queued records reported failed, got %d", len(failed))
	}
	if err := c.Write(records("d1")); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed after close, got %v", err)
	}
}

func TestEncodeDecode(t *testing.T) {
	r := domain.New("d1", time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), &domain.Sample{ID: "exec", CDATA: "ACTIVE", Capture: domain.CaptureCurrent})
	r.APIKey = "k"
	line, err := Encode(r)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	back, err := Decode(line)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if back.EntryID != r.EntryID || back.APIKey != "k" || back.Capture() != domain.CaptureCurrent {
		t.Fatalf("unexpected decoded record %+v", back)
	}
}
