package aegisrelay

import (
	"github.com/ghalamif/AegisRelay/internal/adapters/observability"
	"github.com/ghalamif/AegisRelay/internal/adapters/opcua"
	"github.com/ghalamif/AegisRelay/internal/app/config"
	"github.com/ghalamif/AegisRelay/internal/ports"
)

// Config re-exports the root configuration struct so downstream projects can
// construct or modify it programmatically.
type Config = config.Config

type (
	// Policy controls the write-back drain.
	Policy = ports.Policy
	// CaptureConfig lists the capture policy groups.
	CaptureConfig = config.CaptureConfig
	GroupConfig   = config.GroupConfig
	// StoreConfig configures the Postgres store.
	StoreConfig = config.StoreConfig
	// StreamConfig configures one remote collector and its buffer.
	StreamConfig = config.StreamConfig
	BufferConfig = config.BufferConfig
	ByteSize     = config.ByteSize
	// OPCUAConfig holds connection and node details.
	OPCUAConfig     = opcua.Config
	OPCUANodeConfig = opcua.NodeConfig
	// MetricsConfig configures the metrics HTTP server.
	MetricsConfig = config.MetricsConfig
	LoggingConfig = observability.LoggingConfig
)

// ErrNoSinks is returned when neither a store nor a stream is configured.
var ErrNoSinks = config.ErrNoSinks

// LoadConfig loads YAML from disk, applies defaults and validates it.
func LoadConfig(path string) (*Config, error) {
	return config.Load(path)
}

// ParseConfig is LoadConfig for YAML already in memory.
func ParseConfig(raw []byte) (*Config, error) {
	return config.Parse(raw)
}
