package opcua

import (
	"testing"
	"time"

	"github.com/gopcua/opcua/ua"

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

func testConfig() Config {
	return Config{
		Endpoint: "opc.tcp://plc.local:4840",
		DeviceID: "press-1",
		Nodes: []NodeConfig{
			{NodeID: "ns=2;s=Spindle.Speed", ItemID: "sspeed", Type: "SPINDLE_SPEED", Component: "spindle"},
			{NodeID: "ns=2;s=Spindle.Load", ItemID: "sload", Type: "LOAD", Component: "spindle"},
			{NodeID: "ns=2;s=Mode"},
		},
	}
}

func TestConfigDefaultsAndValidate(t *testing.T) {
	cfg := testConfig()
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.Nodes[2].ItemID != "ns=2;s=Mode" || cfg.Nodes[2].Category != "SAMPLE" {
		t.Fatalf("unexpected node defaults %+v", cfg.Nodes[2])
	}
	if cfg.DeviceName != "press-1" {
		t.Fatalf("device name should default to device id")
	}

	cfg.Nodes = append(cfg.Nodes, NodeConfig{NodeID: "ns=2;s=Other", ItemID: "sload"})
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected duplicate item id error")
	}
}

func TestDefinitionsDescribeDevice(t *testing.T) {
	c, err := NewCollector(testConfig(), nopObs{})
	if err != nil {
		t.Fatalf("new collector: %v", err)
	}
	defs := c.definitions(time.Now())

	counts := map[domain.Kind]int{}
	for _, r := range defs {
		counts[r.Kind()]++
		if r.DeviceID != "press-1" {
			t.Fatalf("definition for wrong device: %s", r.DeviceID)
		}
	}
	if counts[domain.KindConnection] != 1 || counts[domain.KindDevice] != 1 {
		t.Fatalf("expected one connection and one device, got %v", counts)
	}
	if counts[domain.KindComponent] != 1 {
		t.Fatalf("expected shared spindle component once, got %d", counts[domain.KindComponent])
	}
	if counts[domain.KindDataItem] != 3 {
		t.Fatalf("expected a data item per node, got %d", counts[domain.KindDataItem])
	}

	conn := defs[0].Body().(*domain.ConnectionDefinition)
	if conn.Address != "plc.local" || conn.Port != 4840 {
		t.Fatalf("unexpected connection %+v", conn)
	}
	last, _ := defs[len(defs)-1].DataItem()
	if last.ParentID != "press-1" {
		t.Fatalf("node without component should hang off the device, got %q", last.ParentID)
	}
}

func TestSamplesFromDataChange(t *testing.T) {
	c, err := NewCollector(testConfig(), nopObs{})
	if err != nil {
		t.Fatalf("new collector: %v", err)
	}
	c.handleMap = map[uint32]NodeConfig{1: c.cfg.Nodes[0]}
	ts := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	notif := &ua.DataChangeNotification{MonitoredItems: []*ua.MonitoredItemNotification{
		{ClientHandle: 1, Value: &ua.DataValue{Value: ua.MustVariant(float64(1200.5)), SourceTimestamp: ts}},
		{ClientHandle: 1, Value: &ua.DataValue{Value: ua.MustVariant(int32(1300)), SourceTimestamp: ts, Status: ua.StatusBadTimeout}},
		{ClientHandle: 9, Value: &ua.DataValue{Value: ua.MustVariant(int32(1))}},
	}}

	batch := c.samples(notif)
	if len(batch) != 2 {
		t.Fatalf("expected 2 samples, got %d", len(batch))
	}
	s1, _ := batch[0].Sample()
	s2, _ := batch[1].Sample()
	if s1.CDATA != "1200.5" || s1.Sequence != 1 || !batch[0].Timestamp.Equal(ts) {
		t.Fatalf("unexpected first sample %+v", s1)
	}
	if s2.CDATA != "1300" || s2.Sequence != 2 || s2.Condition == "" {
		t.Fatalf("unexpected second sample %+v", s2)
	}
}

func TestFormatVariant(t *testing.T) {
	cases := []struct {
		in   any
		want string
	}{
		{true, "true"},
		{"AUTOMATIC", "AUTOMATIC"},
		{float32(0.5), "0.5"},
		{uint16(7), "7"},
		{int64(-3), "-3"},
	}
	for _, tc := range cases {
		got, ok := formatVariant(ua.MustVariant(tc.in))
		if !ok || got != tc.want {
			t.Fatalf("format %T: got %q ok=%v", tc.in, got, ok)
		}
	}
	if _, ok := formatVariant(nil); ok {
		t.Fatalf("nil variant should not format")
	}
}

func TestStopWithoutStartIsNoop(t *testing.T) {
	c, err := NewCollector(testConfig(), nopObs{})
	if err != nil {
		t.Fatalf("new collector: %v", err)
	}
	if err := c.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
}
