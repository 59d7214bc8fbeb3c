package store

import "github.com/ghalamif/AegisRelay/internal/domain"

var tables = map[domain.Kind]table{
	domain.KindConnection: {
		name:     "connections",
		columns:  []string{"device_id", "ts", "address", "port", "physical_address"},
		conflict: "ON CONFLICT (device_id) DO UPDATE SET ts = EXCLUDED.ts, address = EXCLUDED.address, port = EXCLUDED.port, physical_address = EXCLUDED.physical_address",
		values: func(r *domain.Record) []any {
			c := r.Body().(*domain.ConnectionDefinition)
			return []any{r.DeviceID, r.Timestamp.UTC(), c.Address, c.Port, c.PhysicalAddress}
		},
	},
	domain.KindAgent: {
		name:     "agents",
		columns:  []string{"device_id", "instance_id", "ts", "sender", "version", "buffer_size", "test_indicator"},
		conflict: "ON CONFLICT (device_id, instance_id) DO NOTHING",
		values: func(r *domain.Record) []any {
			a := r.Body().(*domain.AgentDefinition)
			return []any{r.DeviceID, a.InstanceID, r.Timestamp.UTC(), a.Sender, a.Version, a.BufferSize, a.TestIndicator}
		},
	},
	domain.KindAsset: {
		name:     "assets",
		columns:  []string{"device_id", "agent_instance_id", "asset_id", "ts", "type", "xml"},
		conflict: "ON CONFLICT (device_id, agent_instance_id, asset_id) DO NOTHING",
		values: func(r *domain.Record) []any {
			a := r.Body().(*domain.AssetDefinition)
			return []any{r.DeviceID, a.AgentInstanceID, a.ID, r.Timestamp.UTC(), a.Type, a.XML}
		},
	},
	domain.KindComponent: {
		name:     "components",
		columns:  []string{"device_id", "agent_instance_id", "id", "ts", "parent_id", "type", "uuid", "name", "native_name", "sample_interval", "sample_rate"},
		conflict: "ON CONFLICT (device_id, agent_instance_id, id) DO NOTHING",
		values: func(r *domain.Record) []any {
			c := r.Body().(*domain.ComponentDefinition)
			return []any{r.DeviceID, c.AgentInstanceID, c.ID, r.Timestamp.UTC(), c.ParentID, c.Type, c.UUID, c.Name, c.NativeName, c.SampleInterval, c.SampleRate}
		},
	},
	domain.KindDataItem: {
		name: "data_items",
		columns: []string{
			"device_id", "agent_instance_id", "id", "ts", "parent_id", "name", "category", "type", "sub_type", "statistic",
			"units", "native_units", "native_scale", "coordinate_system", "sample_rate", "representation", "significant_digits",
		},
		conflict: "ON CONFLICT (device_id, agent_instance_id, id) DO NOTHING",
		values: func(r *domain.Record) []any {
			d := r.Body().(*domain.DataItemDefinition)
			return []any{
				r.DeviceID, d.AgentInstanceID, d.ID, r.Timestamp.UTC(), d.ParentID, d.Name, d.Category, d.Type, d.SubType, d.Statistic,
				d.Units, d.NativeUnits, d.NativeScale, d.CoordinateSystem, d.SampleRate, d.Representation, d.SignificantDigits,
			}
		},
	},
	domain.KindDevice: {
		name: "devices",
		columns: []string{
			"device_id", "agent_instance_id", "id", "ts", "uuid", "name", "native_name", "sample_interval", "sample_rate",
			"iso_841_class", "manufacturer", "model", "serial_number", "station", "description",
		},
		conflict: "ON CONFLICT (device_id, agent_instance_id) DO NOTHING",
		values: func(r *domain.Record) []any {
			d := r.Body().(*domain.DeviceDefinition)
			return []any{
				r.DeviceID, d.AgentInstanceID, d.ID, r.Timestamp.UTC(), d.UUID, d.Name, d.NativeName, d.SampleInterval, d.SampleRate,
				d.ISO841Class, d.Manufacturer, d.Model, d.SerialNumber, d.Station, d.Description,
			}
		},
	},
	domain.KindStatus: {
		name:     "status",
		columns:  []string{"device_id", "ts", "connected", "available"},
		conflict: "ON CONFLICT (device_id) DO UPDATE SET ts = EXCLUDED.ts, connected = EXCLUDED.connected, available = EXCLUDED.available",
		values: func(r *domain.Record) []any {
			s := r.Body().(*domain.Status)
			return []any{r.DeviceID, r.Timestamp.UTC(), s.Connected, s.Available}
		},
	},
}

var sampleColumns = []string{"entry_id", "device_id", "id", "ts", "agent_instance_id", "sequence", "cdata", "condition"}

func sampleValues(r *domain.Record) []any {
	s := r.Body().(*domain.Sample)
	return []any{r.EntryID, r.DeviceID, s.ID, r.Timestamp.UTC(), s.AgentInstanceID, s.Sequence, s.CDATA, s.Condition}
}

var archivedSamples = table{
	name:     "archived_samples",
	columns:  sampleColumns,
	conflict: "ON CONFLICT (entry_id) DO NOTHING",
	values:   sampleValues,
}

// currentSamples only moves forward in time.
var currentSamples = table{
	name:    "current_samples",
	columns: sampleColumns,
	conflict: "ON CONFLICT (device_id, id) DO UPDATE SET entry_id = EXCLUDED.entry_id, ts = EXCLUDED.ts, " +
		"agent_instance_id = EXCLUDED.agent_instance_id, sequence = EXCLUDED.sequence, cdata = EXCLUDED.cdata, " +
		"condition = EXCLUDED.condition WHERE {table}.ts <= EXCLUDED.ts",
	values: sampleValues,
}
