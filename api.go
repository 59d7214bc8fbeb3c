package aegisrelay

import (
	"time"

	base "github.com/ghalamif/AegisRelay/pkg/aegisrelay"
)

// Re-exported errors for convenience.
var (
	ErrNoSinks            = base.ErrNoSinks
	ErrChannelStoreClosed = base.ErrChannelStoreClosed
)

// Type aliases so consumers can import github.com/ghalamif/AegisRelay directly.
type (
	Config              = base.Config
	Policy              = base.Policy
	CaptureConfig       = base.CaptureConfig
	GroupConfig         = base.GroupConfig
	StoreConfig         = base.StoreConfig
	StreamConfig        = base.StreamConfig
	BufferConfig        = base.BufferConfig
	OPCUAConfig         = base.OPCUAConfig
	OPCUANodeConfig     = base.OPCUANodeConfig
	MetricsConfig       = base.MetricsConfig
	LoggingConfig       = base.LoggingConfig
	Runtime             = base.Runtime
	RuntimeOption       = base.RuntimeOption
	Stats               = base.Stats
	Record              = base.Record
	Kind                = base.Kind
	Body                = base.Body
	DataItemDefinition  = base.DataItemDefinition
	ComponentDefinition = base.ComponentDefinition
	DeviceDefinition    = base.DeviceDefinition
	Sample              = base.Sample
	Status              = base.Status
	Producer            = base.Producer
	Store               = base.Store
	StoreFunc           = base.StoreFunc
	StoreBatch          = base.StoreBatch
	Observability       = base.Observability
	Sender              = base.Sender
	SenderFactory       = base.SenderFactory
)

// Config helpers.
func LoadConfig(path string) (*Config, error) {
	return base.LoadConfig(path)
}

func ParseConfig(raw []byte) (*Config, error) {
	return base.ParseConfig(raw)
}

// Runtime and options.
func NewRuntime(cfg *Config, opts ...RuntimeOption) (*Runtime, error) {
	return base.NewRuntime(cfg, opts...)
}

func WithProducer(p Producer) RuntimeOption {
	return base.WithProducer(p)
}

func WithStore(s Store) RuntimeOption {
	return base.WithStore(s)
}

func WithObservability(obs Observability) RuntimeOption {
	return base.WithObservability(obs)
}

func WithSenderFactory(fn func(StreamConfig) SenderFactory) RuntimeOption {
	return base.WithSenderFactory(fn)
}

func WithoutMetricsServer() RuntimeOption {
	return base.WithoutMetricsServer()
}

// Records.
func NewRecord(deviceID string, ts time.Time, body Body) *Record {
	return base.NewRecord(deviceID, ts, body)
}

// Store adapters.
func NewCallbackStore(name string, fn StoreFunc) Store {
	return base.NewCallbackStore(name, fn)
}

func NewChannelStore(name string, buffer int) (Store, <-chan StoreBatch, func()) {
	return base.NewChannelStore(name, buffer)
}
