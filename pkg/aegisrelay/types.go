package aegisrelay

import (
	"time"

	"github.com/ghalamif/AegisRelay/internal/app/pipeline"
	"github.com/ghalamif/AegisRelay/internal/domain"
	"github.com/ghalamif/AegisRelay/internal/ports"
)

// Record is one observation or definition flowing through the relay.
type Record = domain.Record

// Kind tags the payload a Record carries.
type Kind = domain.Kind

const (
	KindConnection = domain.KindConnection
	KindAgent      = domain.KindAgent
	KindAsset      = domain.KindAsset
	KindComponent  = domain.KindComponent
	KindDataItem   = domain.KindDataItem
	KindDevice     = domain.KindDevice
	KindSample     = domain.KindSample
	KindStatus     = domain.KindStatus
)

// Record payloads.
type (
	Body                 = domain.Body
	ConnectionDefinition = domain.ConnectionDefinition
	AgentDefinition      = domain.AgentDefinition
	AssetDefinition      = domain.AssetDefinition
	DeviceDefinition     = domain.DeviceDefinition
	ComponentDefinition  = domain.ComponentDefinition
	DataItemDefinition   = domain.DataItemDefinition
	Sample               = domain.Sample
	Status               = domain.Status
)

// Producer emits batches of records from any data source.
type Producer = ports.Producer

// Store persists one kind group per call; see ports.Store.
type Store = ports.Store

// Observability receives logs and metrics from every component.
type Observability = ports.Observability

// Field is a structured log field used by Observability implementations.
type Field = ports.Field

// BufferStats reports what a stream's overflow buffer holds.
type BufferStats = ports.BufferStats

// Sender and SenderFactory let callers replace the TCP stream client.
type (
	Sender        = pipeline.Sender
	SenderFactory = pipeline.SenderFactory
)

// NewRecord stamps a new record with a fresh entry id.
func NewRecord(deviceID string, ts time.Time, body Body) *Record {
	return domain.New(deviceID, ts, body)
}
