package opcua

import (
	"errors"
	"fmt"
	"time"
)

// Config captures the runtime details required to open an OPC UA session
// and how the monitored nodes map onto one device's data items.
type Config struct {
	Endpoint         string        `yaml:"endpoint"`
	Username         string        `yaml:"username"`
	Password         string        `yaml:"password"`
	SecurityMode     string        `yaml:"security_mode"`
	SecurityPolicy   string        `yaml:"security_policy"`
	ApplicationName  string        `yaml:"application_name"`
	PublishInterval  time.Duration `yaml:"publish_interval"`
	SamplingInterval time.Duration `yaml:"sampling_interval"`

	DeviceID     string       `yaml:"device_id"`
	DeviceName   string       `yaml:"device_name"`
	Manufacturer string       `yaml:"manufacturer"`
	Model        string       `yaml:"model"`
	SerialNumber string       `yaml:"serial_number"`
	Nodes        []NodeConfig `yaml:"nodes"`
}

// NodeConfig defines a monitored node and the data item it feeds.
type NodeConfig struct {
	NodeID    string `yaml:"node_id"`
	ItemID    string `yaml:"item_id"`
	Name      string `yaml:"name"`
	Type      string `yaml:"type"`
	Category  string `yaml:"category"`
	Component string `yaml:"component"`
	Units     string `yaml:"units"`
}

func (c *Config) ApplyDefaults() {
	if c.SecurityMode == "" {
		c.SecurityMode = "None"
	}
	if c.SecurityPolicy == "" {
		c.SecurityPolicy = "None"
	}
	if c.ApplicationName == "" {
		c.ApplicationName = "AegisRelay"
	}
	if c.PublishInterval <= 0 {
		c.PublishInterval = 250 * time.Millisecond
	}
	if c.SamplingInterval < 0 {
		c.SamplingInterval = 0
	}
	if c.DeviceName == "" {
		c.DeviceName = c.DeviceID
	}
	for i := range c.Nodes {
		n := &c.Nodes[i]
		if n.ItemID == "" {
			n.ItemID = n.NodeID
		}
		if n.Name == "" {
			n.Name = n.ItemID
		}
		if n.Category == "" {
			n.Category = "SAMPLE"
		}
	}
}

func (c *Config) Validate() error {
	if c.Endpoint == "" {
		return errors.New("endpoint is required")
	}
	if c.DeviceID == "" {
		return errors.New("device_id is required")
	}
	if len(c.Nodes) == 0 {
		return errors.New("at least one node must be configured")
	}
	seen := make(map[string]struct{}, len(c.Nodes))
	for _, n := range c.Nodes {
		if n.NodeID == "" {
			return errors.New("node_id is required")
		}
		if _, dup := seen[n.ItemID]; dup {
			return fmt.Errorf("duplicate item_id %q", n.ItemID)
		}
		seen[n.ItemID] = struct{}{}
	}
	return nil
}
