//go:build !no_mqtt

package mqtt

import (
	"fmt"
	"strings"

	"gopro-go-home/internal/camera"
)

// discoveryMsg is a Home Assistant MQTT discovery payload.
type discoveryMsg struct {
	Topic   string // e.g. "homeassistant/switch/gopro_C3501324500711/recording/config"
	Payload []byte // JSON, empty means delete
}

// haDevice is the "device" block in HA discovery.
type haDevice struct {
	Identifiers  []string `json:"identifiers"`
	Manufacturer string   `json:"manufacturer,omitempty"`
	Model        string   `json:"model,omitempty"`
	SWVersion    string   `json:"sw_version,omitempty"`
	Name         string   `json:"name"`
}

// haDiscovery is a generic HA discovery payload.
type haDiscovery struct {
	Name              string   `json:"name"`
	UniqueID          string   `json:"unique_id"`
	StateTopic        string   `json:"state_topic,omitempty"`
	CommandTopic      string   `json:"command_topic,omitempty"`
	AvailabilityTopic string   `json:"availability_topic"`
	ValueTemplate     string   `json:"value_template,omitempty"`
	UnitOfMeasurement string   `json:"unit_of_measurement,omitempty"`
	DeviceClass       string   `json:"device_class,omitempty"`
	StateClass        string   `json:"state_class,omitempty"`
	EntityCategory    string   `json:"entity_category,omitempty"`
	PayloadOn         string   `json:"payload_on,omitempty"`
	PayloadOff        string   `json:"payload_off,omitempty"`
	StateOn           string   `json:"state_on,omitempty"`
	StateOff          string   `json:"state_off,omitempty"`
	PayloadPress      string   `json:"payload_press,omitempty"`
	Icon              string   `json:"icon,omitempty"`
	Device            haDevice `json:"device"`
}

// sanitizeTopic lowercases name and keeps only characters safe in a topic level.
func sanitizeTopic(name string) string {
	return strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
			return r
		}
		return '_'
	}, strings.ToLower(name))
}

// cameraTopicName returns the topic segment for a camera: its friendly
// name when it has one, otherwise the serial.
func cameraTopicName(st camera.Status) string {
	if st.Name != "" && st.Name != st.Serial {
		return sanitizeTopic(st.Name)
	}
	return st.Serial
}

func cameraDisplayName(st camera.Status) string {
	if st.Name != "" {
		return st.Name
	}
	if st.ModelName != "" {
		return "GoPro " + st.ModelName
	}
	return st.Serial
}

// buildDiscovery generates HA discovery messages for a camera.
func buildDiscovery(st camera.Status, prefix string) []discoveryMsg {
	if st.Serial == "" {
		return nil
	}

	avail := prefix + "/bridge/state"
	stateTopic := prefix + "/" + cameraTopicName(st)
	cmdTopic := stateTopic + "/set"
	nodeID := "gopro_" + st.Serial
	displayName := cameraDisplayName(st)

	haDev := haDevice{
		Identifiers:  []string{nodeID},
		Manufacturer: "GoPro",
		Model:        st.ModelName,
		SWVersion:    st.Firmware,
		Name:         displayName,
	}

	msgs := []discoveryMsg{
		{
			Topic: fmt.Sprintf("homeassistant/switch/%s/recording/config", nodeID),
			Payload: mustJSON(haDiscovery{
				Name:              displayName + " Recording",
				UniqueID:          nodeID + "_recording",
				StateTopic:        stateTopic,
				CommandTopic:      cmdTopic,
				AvailabilityTopic: avail,
				ValueTemplate:     "{{ value_json.recording }}",
				PayloadOn:         `{"shutter":"ON"}`,
				PayloadOff:        `{"shutter":"OFF"}`,
				StateOn:           "ON",
				StateOff:          "OFF",
				Icon:              "mdi:record-rec",
				Device:            haDev,
			}),
		},
		{
			Topic: fmt.Sprintf("homeassistant/binary_sensor/%s/connected/config", nodeID),
			Payload: mustJSON(haDiscovery{
				Name:              displayName + " Connected",
				UniqueID:          nodeID + "_connected",
				StateTopic:        stateTopic,
				AvailabilityTopic: avail,
				ValueTemplate:     "{{ 'ON' if value_json.connected else 'OFF' }}",
				DeviceClass:       "connectivity",
				PayloadOn:         "ON",
				PayloadOff:        "OFF",
				Device:            haDev,
			}),
		},
		{
			Topic: fmt.Sprintf("homeassistant/sensor/%s/keep_alive_failures/config", nodeID),
			Payload: mustJSON(haDiscovery{
				Name:              displayName + " Keep-alive Failures",
				UniqueID:          nodeID + "_keep_alive_failures",
				StateTopic:        stateTopic,
				AvailabilityTopic: avail,
				ValueTemplate:     "{{ value_json.keep_alive_failures }}",
				StateClass:        "measurement",
				EntityCategory:    "diagnostic",
				Device:            haDev,
			}),
		},
	}

	for _, btn := range []struct{ action, suffix, icon string }{
		{"hilight", "Hilight", "mdi:star"},
		{"keep_alive", "Keep Alive", "mdi:heart-pulse"},
		{"sleep", "Sleep", "mdi:power-sleep"},
	} {
		msgs = append(msgs, discoveryMsg{
			Topic: fmt.Sprintf("homeassistant/button/%s/%s/config", nodeID, btn.action),
			Payload: mustJSON(haDiscovery{
				Name:              displayName + " " + btn.suffix,
				UniqueID:          nodeID + "_" + btn.action,
				CommandTopic:      cmdTopic,
				AvailabilityTopic: avail,
				PayloadPress:      fmt.Sprintf(`{"action":%q}`, btn.action),
				Icon:              btn.icon,
				Device:            haDev,
			}),
		})
	}
	return msgs
}
