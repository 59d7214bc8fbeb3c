package domain

// ConnectionDefinition describes how the agent serving a device is reached.
type ConnectionDefinition struct {
	Address         string `json:"address"`
	Port            int    `json:"port"`
	PhysicalAddress string `json:"physical_address"`
}

func (*ConnectionDefinition) Kind() Kind { return KindConnection }

// AgentDefinition is the header of the monitoring agent's probe document.
type AgentDefinition struct {
	InstanceID    int64  `json:"instance_id"`
	Sender        string `json:"sender"`
	Version       string `json:"version"`
	BufferSize    int64  `json:"buffer_size"`
	TestIndicator bool   `json:"test_indicator"`
}

func (*AgentDefinition) Kind() Kind { return KindAgent }

type AssetDefinition struct {
	AgentInstanceID int64  `json:"agent_instance_id"`
	ID              string `json:"id"`
	Type            string `json:"type"`
	XML             string `json:"xml"`
}

func (*AssetDefinition) Kind() Kind { return KindAsset }

type DeviceDefinition struct {
	AgentInstanceID int64   `json:"agent_instance_id"`
	ID              string  `json:"id"`
	UUID            string  `json:"uuid"`
	Name            string  `json:"name"`
	NativeName      string  `json:"native_name"`
	SampleInterval  float64 `json:"sample_interval"`
	SampleRate      float64 `json:"sample_rate"`
	ISO841Class     string  `json:"iso_841_class"`
	Manufacturer    string  `json:"manufacturer"`
	Model           string  `json:"model"`
	SerialNumber    string  `json:"serial_number"`
	Station         string  `json:"station"`
	Description     string  `json:"description"`
}

func (*DeviceDefinition) Kind() Kind { return KindDevice }

// ComponentDefinition is one node of a device's component tree. ParentID
// names the owning component, or the device id for top-level components.
type ComponentDefinition struct {
	AgentInstanceID int64   `json:"agent_instance_id"`
	ParentID        string  `json:"parent_id"`
	Type            string  `json:"type"`
	ID              string  `json:"id"`
	UUID            string  `json:"uuid"`
	Name            string  `json:"name"`
	NativeName      string  `json:"native_name"`
	SampleInterval  float64 `json:"sample_interval"`
	SampleRate      float64 `json:"sample_rate"`
}

func (*ComponentDefinition) Kind() Kind { return KindComponent }

type DataItemDefinition struct {
	AgentInstanceID   int64   `json:"agent_instance_id"`
	ParentID          string  `json:"parent_id"`
	ID                string  `json:"id"`
	Name              string  `json:"name"`
	Category          string  `json:"category"`
	Type              string  `json:"type"`
	SubType           string  `json:"sub_type"`
	Statistic         string  `json:"statistic"`
	Units             string  `json:"units"`
	NativeUnits       string  `json:"native_units"`
	NativeScale       string  `json:"native_scale"`
	CoordinateSystem  string  `json:"coordinate_system"`
	SampleRate        float64 `json:"sample_rate"`
	Representation    string  `json:"representation"`
	SignificantDigits int     `json:"significant_digits"`
}

func (*DataItemDefinition) Kind() Kind { return KindDataItem }

// Sample is one observed value of a data item.
type Sample struct {
	ID              string     `json:"id"`
	AgentInstanceID int64      `json:"agent_instance_id"`
	Sequence        int64      `json:"sequence"`
	CDATA           string     `json:"cdata"`
	Condition       string     `json:"condition"`
	Capture         CaptureTag `json:"-"`
}

func (*Sample) Kind() Kind { return KindSample }

type Status struct {
	Connected bool `json:"connected"`
	Available bool `json:"available"`
}

func (*Status) Kind() Kind { return KindStatus }
