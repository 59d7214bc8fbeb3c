package stream

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ghalamif/AegisRelay/internal/domain"
)

// Ack codes written back by the collector, one line per record.
const (
	AckOK           = 200
	AckUnauthorized = 401
)

type wireRecord struct {
	StreamDataType string          `json:"stream_data_type"`
	EntryID        string          `json:"entry_id"`
	DeviceID       string          `json:"device_id"`
	Timestamp      time.Time       `json:"timestamp"`
	APIKey         string          `json:"api_key,omitempty"`
	Data           json.RawMessage `json:"data"`
}

func streamDataType(r *domain.Record) string {
	switch r.Kind() {
	case domain.KindConnection:
		return "CONNECTION_DEFINITION"
	case domain.KindAgent:
		return "AGENT_DEFINITION"
	case domain.KindAsset:
		return "ASSET_DEFINITION"
	case domain.KindComponent:
		return "COMPONENT_DEFINITION"
	case domain.KindDataItem:
		return "DATA_ITEM_DEFINITION"
	case domain.KindDevice:
		return "DEVICE_DEFINITION"
	case domain.KindSample:
		if r.Capture() == domain.CaptureCurrent {
			return "CURRENT_SAMPLE"
		}
		return "ARCHIVED_SAMPLE"
	case domain.KindStatus:
		return "STATUS"
	}
	return ""
}

// Encode renders r as one newline-terminated JSON line.
func Encode(r *domain.Record) ([]byte, error) {
	typ := streamDataType(r)
	if typ == "" {
		return nil, fmt.Errorf("cannot stream record kind %s", r.Kind())
	}
	data, err := json.Marshal(r.Body())
	if err != nil {
		return nil, err
	}
	line, err := json.Marshal(wireRecord{
		StreamDataType: typ,
		EntryID:        r.EntryID,
		DeviceID:       r.DeviceID,
		Timestamp:      r.Timestamp.UTC(),
		APIKey:         r.APIKey,
		Data:           data,
	})
	if err != nil {
		return nil, err
	}
	return append(line, '\n'), nil
}

// Decode is the collector-side inverse of Encode.
func Decode(line []byte) (*domain.Record, error) {
	var w wireRecord
	if err := json.Unmarshal(line, &w); err != nil {
		return nil, err
	}

	var (
		body    domain.Body
		capture domain.CaptureTag
	)
	switch w.StreamDataType {
	case "CONNECTION_DEFINITION":
		body = &domain.ConnectionDefinition{}
	case "AGENT_DEFINITION":
		body = &domain.AgentDefinition{}
	case "ASSET_DEFINITION":
		body = &domain.AssetDefinition{}
	case "COMPONENT_DEFINITION":
		body = &domain.ComponentDefinition{}
	case "DATA_ITEM_DEFINITION":
		body = &domain.DataItemDefinition{}
	case "DEVICE_DEFINITION":
		body = &domain.DeviceDefinition{}
	case "ARCHIVED_SAMPLE":
		body, capture = &domain.Sample{}, domain.CaptureArchived
	case "CURRENT_SAMPLE":
		body, capture = &domain.Sample{}, domain.CaptureCurrent
	case "STATUS":
		body = &domain.Status{}
	default:
		return nil, fmt.Errorf("unknown stream_data_type %q", w.StreamDataType)
	}
	if err := json.Unmarshal(w.Data, body); err != nil {
		return nil, fmt.Errorf("%s data: %w", w.StreamDataType, err)
	}
	if s, ok := body.(*domain.Sample); ok {
		s.Capture = capture
	}

	r := domain.Restore(w.EntryID, w.DeviceID, w.Timestamp, body)
	r.APIKey = w.APIKey
	return r, nil
}
