package store

import "time"

// Camera is a camera the daemon has talked to.
type Camera struct {
	Serial       string         `json:"serial"`
	FriendlyName string         `json:"friendly_name,omitempty"`
	ModelNumber  uint32         `json:"model_number"`
	ModelName    string         `json:"model_name,omitempty"`
	Firmware     string         `json:"firmware,omitempty"`
	APIVersion   string         `json:"api_version,omitempty"`
	APSSID       string         `json:"ap_ssid,omitempty"`
	APMAC        string         `json:"ap_mac,omitempty"`
	Transport    string         `json:"transport"`
	Address      string         `json:"address,omitempty"`
	FirstSeen    time.Time      `json:"first_seen"`
	LastSeen     time.Time      `json:"last_seen"`
	Properties   map[string]any `json:"properties,omitempty"`
}

// DisplayName returns the friendly name, falling back to the serial.
func (c *Camera) DisplayName() string {
	if c.FriendlyName != "" {
		return c.FriendlyName
	}
	return c.Serial
}

// CommandRecord is one entry of the command history.
type CommandRecord struct {
	ID        uint64        `json:"id"`
	Camera    string        `json:"camera"`
	Command   string        `json:"command"`
	Params    string        `json:"params,omitempty"`
	Transport string        `json:"transport"`
	Source    string        `json:"source,omitempty"`
	OK        bool          `json:"ok"`
	Error     string        `json:"error,omitempty"`
	Duration  time.Duration `json:"duration_ns"`
	At        time.Time     `json:"at"`
}
