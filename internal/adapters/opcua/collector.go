package opcua

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gopcua/opcua"
	"github.com/gopcua/opcua/ua"

	"github.com/ghalamif/AegisRelay/internal/domain"
	"github.com/ghalamif/AegisRelay/internal/ports"
)

// Collector subscribes to OPC UA nodes and emits them as one device: its
// definitions on connect, a sample per data change and a status on connect
// and stop.
type Collector struct {
	cfg Config
	obs ports.Observability

	mu        sync.Mutex
	client    *opcua.Client
	sub       *opcua.Subscription
	cancel    context.CancelFunc
	out       chan<- []*domain.Record
	handleMap map[uint32]NodeConfig
	seq       map[string]int64
	started   bool

	wg sync.WaitGroup
}

func NewCollector(cfg Config, obs ports.Observability) (*Collector, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Collector{
		cfg: cfg,
		obs: obs,
		seq: make(map[string]int64),
	}, nil
}

func (c *Collector) Start(out chan<- []*domain.Record) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return fmt.Errorf("opcua collector already started")
	}
	c.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	client, err := opcua.NewClient(c.cfg.Endpoint, c.buildClientOptions()...)
	if err != nil {
		cancel()
		return fmt.Errorf("opcua new client: %w", err)
	}
	if err := client.Connect(ctx); err != nil {
		cancel()
		return fmt.Errorf("opcua connect: %w", err)
	}

	notifyCh := make(chan *opcua.PublishNotificationData, len(c.cfg.Nodes)*4)
	sub, err := client.Subscribe(ctx, &opcua.SubscriptionParameters{
		Interval: c.cfg.PublishInterval,
	}, notifyCh)
	if err != nil {
		cancel()
		_ = client.Close(ctx)
		return fmt.Errorf("opcua subscribe: %w", err)
	}

	handleMap := make(map[uint32]NodeConfig, len(c.cfg.Nodes))
	for i, node := range c.cfg.Nodes {
		nodeID, err := ua.ParseNodeID(node.NodeID)
		if err != nil {
			c.cleanupOnError(ctx, cancel, sub, client)
			return fmt.Errorf("parse node id %q: %w", node.NodeID, err)
		}
		handle := uint32(i + 1)
		req := opcua.NewMonitoredItemCreateRequestWithDefaults(nodeID, ua.AttributeIDValue, handle)
		if c.cfg.SamplingInterval > 0 {
			req.RequestedParameters.SamplingInterval = float64(c.cfg.SamplingInterval / time.Millisecond)
		}
		res, err := sub.Monitor(ctx, ua.TimestampsToReturnBoth, req)
		if err != nil {
			c.cleanupOnError(ctx, cancel, sub, client)
			return fmt.Errorf("monitor node %q: %w", node.NodeID, err)
		}
		if len(res.Results) == 0 {
			c.cleanupOnError(ctx, cancel, sub, client)
			return fmt.Errorf("monitor node %q failed: empty result", node.NodeID)
		}
		if res.Results[0].StatusCode != ua.StatusOK {
			c.cleanupOnError(ctx, cancel, sub, client)
			return fmt.Errorf("monitor node %q failed: %s", node.NodeID, res.Results[0].StatusCode)
		}
		handleMap[handle] = node
	}

	c.mu.Lock()
	c.client = client
	c.sub = sub
	c.cancel = cancel
	c.out = out
	c.handleMap = handleMap
	c.started = true
	c.mu.Unlock()

	now := time.Now()
	batch := append(c.definitions(now), c.status(now, true))
	select {
	case out <- batch:
	case <-ctx.Done():
	}

	c.wg.Add(1)
	go c.consume(ctx, notifyCh, out)
	return nil
}

// Stop cancels the subscription and reports the device as disconnected.
func (c *Collector) Stop() error {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return nil
	}
	cancel := c.cancel
	sub := c.sub
	client := c.client
	out := c.out
	c.started = false
	c.cancel = nil
	c.sub = nil
	c.client = nil
	c.out = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	ctx, ctxCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer ctxCancel()

	var err error
	if sub != nil {
		if e := sub.Cancel(ctx); e != nil && !errors.Is(e, context.Canceled) {
			err = errors.Join(err, e)
		}
	}
	if client != nil {
		if e := client.Close(ctx); e != nil && !errors.Is(e, context.Canceled) {
			err = errors.Join(err, e)
		}
	}
	c.wg.Wait()

	if out != nil {
		select {
		case out <- []*domain.Record{c.status(time.Now(), false)}:
		case <-ctx.Done():
			c.obs.LogWarn("opcua_status_dropped", ports.F("device_id", c.cfg.DeviceID))
		}
	}
	return err
}

func (c *Collector) consume(ctx context.Context, ch <-chan *opcua.PublishNotificationData, out chan<- []*domain.Record) {
	defer c.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case notif := <-ch:
			if notif == nil {
				continue
			}
			if notif.Error != nil {
				c.obs.LogWarn("opcua_notification_error", ports.F("error", notif.Error.Error()))
				continue
			}
			batch := c.samples(notif.Value)
			if len(batch) == 0 {
				continue
			}
			select {
			case <-ctx.Done():
				return
			case out <- batch:
			}
		}
	}
}

func (c *Collector) samples(val interface{}) []*domain.Record {
	data, ok := val.(*ua.DataChangeNotification)
	if !ok {
		return nil
	}

	var batch []*domain.Record
	for _, item := range data.MonitoredItems {
		node, ok := c.handleMap[item.ClientHandle]
		if !ok || item.Value == nil {
			continue
		}
		cdata, ok := formatVariant(item.Value.Value)
		if !ok {
			c.obs.LogDebug("opcua_unsupported_value", ports.F("node_id", node.NodeID), ports.F("type", variantType(item.Value.Value)))
			continue
		}

		ts := item.Value.SourceTimestamp
		if ts.IsZero() {
			ts = item.Value.ServerTimestamp
		}
		if ts.IsZero() {
			ts = time.Now()
		}

		s := &domain.Sample{
			ID:       node.ItemID,
			Sequence: c.nextSeq(node.ItemID),
			CDATA:    cdata,
		}
		if item.Value.Status != ua.StatusOK {
			s.Condition = item.Value.Status.Error()
		}
		batch = append(batch, domain.New(c.cfg.DeviceID, ts, s))
	}
	return batch
}

// definitions describes the configured device: where it is reached, the
// device itself, one component per distinct node component and a data item
// per node.
func (c *Collector) definitions(now time.Time) []*domain.Record {
	dev := c.cfg.DeviceID
	out := []*domain.Record{
		domain.New(dev, now, c.connection()),
		domain.New(dev, now, &domain.DeviceDefinition{
			ID:           dev,
			Name:         c.cfg.DeviceName,
			Manufacturer: c.cfg.Manufacturer,
			Model:        c.cfg.Model,
			SerialNumber: c.cfg.SerialNumber,
			SampleRate:   1 / c.cfg.PublishInterval.Seconds(),
		}),
	}

	seen := make(map[string]struct{})
	for _, n := range c.cfg.Nodes {
		if n.Component == "" {
			continue
		}
		if _, ok := seen[n.Component]; ok {
			continue
		}
		seen[n.Component] = struct{}{}
		out = append(out, domain.New(dev, now, &domain.ComponentDefinition{
			ParentID: dev,
			ID:       n.Component,
			Type:     n.Component,
			Name:     n.Component,
		}))
	}
	for _, n := range c.cfg.Nodes {
		parent := n.Component
		if parent == "" {
			parent = dev
		}
		out = append(out, domain.New(dev, now, &domain.DataItemDefinition{
			ParentID:    parent,
			ID:          n.ItemID,
			Name:        n.Name,
			Category:    n.Category,
			Type:        n.Type,
			Units:       n.Units,
			NativeUnits: n.Units,
		}))
	}
	return out
}

func (c *Collector) connection() *domain.ConnectionDefinition {
	conn := &domain.ConnectionDefinition{PhysicalAddress: c.cfg.Endpoint}
	u, err := url.Parse(c.cfg.Endpoint)
	if err != nil {
		return conn
	}
	conn.Address = u.Hostname()
	if p, err := strconv.Atoi(u.Port()); err == nil {
		conn.Port = p
	}
	return conn
}

func (c *Collector) status(now time.Time, up bool) *domain.Record {
	return domain.New(c.cfg.DeviceID, now, &domain.Status{Connected: up, Available: up})
}

func (c *Collector) nextSeq(item string) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	next := c.seq[item] + 1
	c.seq[item] = next
	return next
}

func (c *Collector) buildClientOptions() []opcua.Option {
	opts := []opcua.Option{
		opcua.SecurityModeString(normalizeSecurityMode(c.cfg.SecurityMode)),
		opcua.SecurityPolicy(normalizeSecurityPolicy(c.cfg.SecurityPolicy)),
		opcua.ApplicationName(c.cfg.ApplicationName),
		opcua.AutoReconnect(true),
	}
	if c.cfg.Username != "" {
		opts = append(opts, opcua.AuthUsername(c.cfg.Username, c.cfg.Password))
	} else {
		opts = append(opts, opcua.AuthAnonymous())
	}
	return opts
}

func (c *Collector) cleanupOnError(ctx context.Context, cancel context.CancelFunc, sub *opcua.Subscription, client *opcua.Client) {
	cancel()
	if sub != nil {
		_ = sub.Cancel(ctx)
	}
	if client != nil {
		_ = client.Close(ctx)
	}
}

// formatVariant renders a scalar variant as sample text.
func formatVariant(v *ua.Variant) (string, bool) {
	if v == nil {
		return "", false
	}

	switch val := v.Value().(type) {
	case bool:
		return strconv.FormatBool(val), true
	case string:
		return val, true
	case float32:
		return strconv.FormatFloat(float64(val), 'g', -1, 32), true
	case float64:
		return strconv.FormatFloat(val, 'g', -1, 64), true
	case int8:
		return strconv.FormatInt(int64(val), 10), true
	case uint8:
		return strconv.FormatUint(uint64(val), 10), true
	case int16:
		return strconv.FormatInt(int64(val), 10), true
	case uint16:
		return strconv.FormatUint(uint64(val), 10), true
	case int32:
		return strconv.FormatInt(int64(val), 10), true
	case uint32:
		return strconv.FormatUint(uint64(val), 10), true
	case int64:
		return strconv.FormatInt(val, 10), true
	case uint64:
		return strconv.FormatUint(val, 10), true
	case time.Time:
		return val.UTC().Format(time.RFC3339Nano), true
	case *ua.LocalizedText:
		if val == nil {
			return "", false
		}
		return val.Text, true
	default:
		return "", false
	}
}

func variantType(v *ua.Variant) string {
	if v == nil {
		return "nil"
	}
	return fmt.Sprintf("%T", v.Value())
}

func normalizeSecurityMode(mode string) string {
	switch strings.ToLower(mode) {
	case "sign":
		return "Sign"
	case "signandencrypt", "signencrypt", "sign_and_encrypt", "sign+encrypt":
		return "SignAndEncrypt"
	default:
		return "None"
	}
}

func normalizeSecurityPolicy(policy string) string {
	if policy == "" {
		return "None"
	}
	return policy
}

var _ ports.Producer = (*Collector)(nil)
