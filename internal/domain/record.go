package domain

import (
	"time"

	"github.com/google/uuid"
)

// Kind tags the payload carried by a Record.
type Kind uint8

const (
	KindConnection Kind = iota + 1
	KindAgent
	KindAsset
	KindComponent
	KindDataItem
	KindDevice
	KindSample
	KindStatus
)

// WriteOrder is the fixed priority in which kind groups are committed to a
// store. Definitions a later kind refers to are written first.
var WriteOrder = []Kind{
	KindConnection,
	KindAgent,
	KindAsset,
	KindComponent,
	KindDataItem,
	KindDevice,
	KindSample,
	KindStatus,
}

func (k Kind) String() string {
	switch k {
	case KindConnection:
		return "connection"
	case KindAgent:
		return "agent"
	case KindAsset:
		return "asset"
	case KindComponent:
		return "component"
	case KindDataItem:
		return "data_item"
	case KindDevice:
		return "device"
	case KindSample:
		return "sample"
	case KindStatus:
		return "status"
	default:
		return "unknown"
	}
}

// CaptureTag is assigned to samples by the capture policy engine.
type CaptureTag uint8

const (
	CaptureNone CaptureTag = iota
	CaptureCurrent
	CaptureArchived
)

func (t CaptureTag) String() string {
	switch t {
	case CaptureCurrent:
		return "CURRENT"
	case CaptureArchived:
		return "ARCHIVED"
	default:
		return "NONE"
	}
}

// ParseCaptureTag is the inverse of CaptureTag.String.
func ParseCaptureTag(s string) CaptureTag {
	switch s {
	case "CURRENT":
		return CaptureCurrent
	case "ARCHIVED":
		return CaptureArchived
	default:
		return CaptureNone
	}
}

// Key identifies a component, data item or sample stream on a device.
type Key struct {
	DeviceID string
	ID       string
}

// Body is the kind-specific payload of a Record.
type Body interface {
	Kind() Kind
}

// Record is one unit of telemetry or definition data with a stable identity.
// The payload, and therefore the kind, is fixed at construction.
type Record struct {
	EntryID   string
	DeviceID  string
	Timestamp time.Time
	APIKey    string

	body Body
}

// New builds a record with a fresh EntryID.
func New(deviceID string, ts time.Time, body Body) *Record {
	return Restore(uuid.NewString(), deviceID, ts, body)
}

// Restore rebuilds a record whose identity was assigned earlier, e.g. when
// decoding it from disk.
func Restore(entryID, deviceID string, ts time.Time, body Body) *Record {
	return &Record{
		EntryID:   entryID,
		DeviceID:  deviceID,
		Timestamp: ts,
		body:      body,
	}
}

func (r *Record) Kind() Kind {
	if r == nil || r.body == nil {
		return 0
	}
	return r.body.Kind()
}

func (r *Record) Body() Body { return r.body }

// ItemID returns the device-scoped identifier of components, data items,
// samples, assets and device definitions. Other kinds return "".
func (r *Record) ItemID() string {
	switch b := r.body.(type) {
	case *ComponentDefinition:
		return b.ID
	case *DataItemDefinition:
		return b.ID
	case *Sample:
		return b.ID
	case *AssetDefinition:
		return b.ID
	case *DeviceDefinition:
		return b.ID
	}
	return ""
}

// Key returns the (DeviceID, ItemID) pair.
func (r *Record) Key() Key { return Key{DeviceID: r.DeviceID, ID: r.ItemID()} }

// Sample returns the sample payload when the record is a sample.
func (r *Record) Sample() (*Sample, bool) {
	s, ok := r.body.(*Sample)
	return s, ok
}

func (r *Record) Component() (*ComponentDefinition, bool) {
	c, ok := r.body.(*ComponentDefinition)
	return c, ok
}

func (r *Record) DataItem() (*DataItemDefinition, bool) {
	d, ok := r.body.(*DataItemDefinition)
	return d, ok
}

func (r *Record) Status() (*Status, bool) {
	s, ok := r.body.(*Status)
	return s, ok
}

// Capture returns the sample capture tag, or CaptureNone for other kinds.
func (r *Record) Capture() CaptureTag {
	if s, ok := r.Sample(); ok {
		return s.Capture
	}
	return CaptureNone
}

// Ephemeral reports whether the record is superseded by the next poll:
// statuses and CURRENT samples. Ephemeral records are never buffered.
func (r *Record) Ephemeral() bool {
	switch r.Kind() {
	case KindStatus:
		return true
	case KindSample:
		return r.Capture() == CaptureCurrent
	}
	return false
}

// Clone returns a copy sharing the EntryID but no mutable state.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	out := *r
	switch b := r.body.(type) {
	case *ConnectionDefinition:
		c := *b
		out.body = &c
	case *AgentDefinition:
		c := *b
		out.body = &c
	case *AssetDefinition:
		c := *b
		out.body = &c
	case *DeviceDefinition:
		c := *b
		out.body = &c
	case *ComponentDefinition:
		c := *b
		out.body = &c
	case *DataItemDefinition:
		c := *b
		out.body = &c
	case *Sample:
		c := *b
		out.body = &c
	case *Status:
		c := *b
		out.body = &c
	}
	return &out
}

// WithCapture returns a clone of a sample record carrying tag.
func (r *Record) WithCapture(tag CaptureTag) *Record {
	out := r.Clone()
	if s, ok := out.Sample(); ok {
		s.Capture = tag
	}
	return out
}

// EntryIDs collects the identities of recs.
func EntryIDs(recs []*Record) []string {
	ids := make([]string, 0, len(recs))
	for _, r := range recs {
		ids = append(ids, r.EntryID)
	}
	return ids
}
