package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"

	"github.com/ghalamif/AegisRelay/internal/adapters/observability"
	"github.com/ghalamif/AegisRelay/internal/adapters/opcua"
	"github.com/ghalamif/AegisRelay/internal/capture"
	"github.com/ghalamif/AegisRelay/internal/ports"
)

// ErrNoSinks is returned when neither the store nor any stream is configured.
var ErrNoSinks = errors.New("no sinks configured: enable store or add a stream")

type Config struct {
	Policy  ports.Policy                `yaml:"policy"`
	Capture CaptureConfig               `yaml:"capture"`
	Store   StoreConfig                 `yaml:"store"`
	Streams []StreamConfig              `yaml:"streams"`
	OPCUA   *opcua.Config               `yaml:"opcua"`
	Metrics MetricsConfig               `yaml:"metrics"`
	Logging observability.LoggingConfig `yaml:"logging"`
}

type CaptureConfig struct {
	Groups []GroupConfig `yaml:"groups"`
}

// GroupConfig is one capture policy group. Include names other groups whose
// current values are pulled in when this group matches.
type GroupConfig struct {
	Name        string   `yaml:"name"`
	CaptureMode string   `yaml:"capture_mode"`
	Allow       []string `yaml:"allow"`
	Deny        []string `yaml:"deny"`
	Include     []string `yaml:"include"`
}

type StoreConfig struct {
	Enabled     bool   `yaml:"enabled"`
	ConnString  string `yaml:"conn_string"`
	TablePrefix string `yaml:"table_prefix"`
}

type StreamConfig struct {
	Name           string        `yaml:"name"`
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	UseTLS         bool          `yaml:"use_tls"`
	CAFile         string        `yaml:"ca_file"`
	ServerName     string        `yaml:"server_name"`
	APIKey         string        `yaml:"api_key"`
	Timeout        time.Duration `yaml:"timeout"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
	MaxSendCount   int           `yaml:"max_send_count"`
	Buffer         *BufferConfig `yaml:"buffer"`
}

type BufferConfig struct {
	Dir            string        `yaml:"dir"`
	MaxFileSize    ByteSize      `yaml:"max_file_size"`
	WriteInterval  time.Duration `yaml:"write_interval"`
	ReplayInterval time.Duration `yaml:"replay_interval"`
	MaxReadCount   int           `yaml:"max_read_count"`
}

type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// ByteSize accepts plain byte counts or human units such as "100MB".
type ByteSize int64

func (b *ByteSize) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: byte size must be a scalar", n.Line)
	}
	v, err := humanize.ParseBytes(n.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", n.Line, err)
	}
	*b = ByteSize(v)
	return nil
}

func (b ByteSize) String() string { return humanize.Bytes(uint64(b)) }

func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(raw)
}

func Parse(raw []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Policy.Interval == 0 {
		c.Policy.Interval = 200 * time.Millisecond
	}
	if c.Policy.RetryInterval == 0 {
		c.Policy.RetryInterval = 5 * time.Second
	}
	if c.Policy.MaxBatchSize == 0 {
		c.Policy.MaxBatchSize = 2000
	}
	if c.Policy.MaxQueueLen == 0 {
		c.Policy.MaxQueueLen = 100_000
	}
	if c.Metrics.Addr == "" {
		c.Metrics.Addr = ":9100"
	}

	for i := range c.Streams {
		s := &c.Streams[i]
		if s.Port == 0 {
			s.Port = 8472
		}
		if s.Name == "" {
			s.Name = s.Host + ":" + strconv.Itoa(s.Port)
		}
		if s.Timeout == 0 {
			s.Timeout = 5 * time.Second
		}
		if s.ReconnectDelay == 0 {
			s.ReconnectDelay = 2 * time.Second
		}
		if s.MaxSendCount == 0 {
			s.MaxSendCount = 2000
		}
		if b := s.Buffer; b != nil {
			if b.Dir == "" {
				b.Dir = filepath.Join("data", "buffer", s.Host)
			}
			if b.MaxFileSize == 0 {
				b.MaxFileSize = 100 * 1000 * 1000
			}
			if b.WriteInterval == 0 {
				b.WriteInterval = 2 * time.Second
			}
			if b.ReplayInterval == 0 {
				b.ReplayInterval = 5 * time.Second
			}
			if b.MaxReadCount == 0 {
				b.MaxReadCount = 5000
			}
		}
	}

	c.Logging.ApplyDefaults()
	if c.OPCUA != nil {
		c.OPCUA.ApplyDefaults()
	}
}

func (c *Config) validate() error {
	if !c.Store.Enabled && len(c.Streams) == 0 {
		return ErrNoSinks
	}
	if c.Store.Enabled && c.Store.ConnString == "" {
		return errors.New("store.conn_string is required when store is enabled")
	}
	if c.Policy.MaxBatchSize < 0 || c.Policy.MaxQueueLen < 0 {
		return errors.New("policy sizes must not be negative")
	}

	if _, err := c.Capture.Build(); err != nil {
		return fmt.Errorf("capture config: %w", err)
	}

	names := make(map[string]struct{}, len(c.Streams))
	dirs := make(map[string]string)
	for _, s := range c.Streams {
		if s.Host == "" {
			return fmt.Errorf("stream %q: host is required", s.Name)
		}
		if _, dup := names[s.Name]; dup {
			return fmt.Errorf("duplicate stream name %q", s.Name)
		}
		names[s.Name] = struct{}{}
		if s.Buffer != nil {
			dir := filepath.Clean(s.Buffer.Dir)
			if other, dup := dirs[dir]; dup {
				return fmt.Errorf("streams %q and %q share buffer dir %s", other, s.Name, dir)
			}
			dirs[dir] = s.Name
		}
	}

	if _, err := observability.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}
	if c.OPCUA != nil {
		if err := c.OPCUA.Validate(); err != nil {
			return fmt.Errorf("opcua config: %w", err)
		}
	}
	if c.Metrics.Addr == "" {
		return errors.New("metrics.addr is required")
	}
	return nil
}

// Build turns the configured groups into capture groups, checking names,
// modes and include references.
func (c CaptureConfig) Build() ([]*capture.Group, error) {
	groups := make([]*capture.Group, 0, len(c.Groups))
	seen := make(map[string]struct{}, len(c.Groups))
	for _, g := range c.Groups {
		if g.Name == "" {
			return nil, errors.New("group name is required")
		}
		if _, dup := seen[g.Name]; dup {
			return nil, fmt.Errorf("duplicate group %q", g.Name)
		}
		seen[g.Name] = struct{}{}

		mode, err := capture.ParseMode(g.CaptureMode)
		if err != nil {
			return nil, fmt.Errorf("group %q: %w", g.Name, err)
		}
		groups = append(groups, capture.NewGroup(g.Name, mode, g.Allow, g.Deny, g.Include))
	}
	for _, g := range c.Groups {
		for _, inc := range g.Include {
			if _, ok := seen[inc]; !ok {
				return nil, fmt.Errorf("group %q includes unknown group %q", g.Name, inc)
			}
		}
	}
	return groups, nil
}
