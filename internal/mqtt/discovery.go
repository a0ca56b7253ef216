package mqtt

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// nonAlphanumeric matches any character that is not alphanumeric or underscore.
var nonAlphanumeric = regexp.MustCompile(`[^a-zA-Z0-9_]`)

// DiscoveryConfig holds a single HA MQTT discovery payload.
type DiscoveryConfig struct {
	Topic   string // Full MQTT topic (homeassistant/...)
	Payload []byte // JSON-encoded config (empty = remove)
}

// HADevice is the "device" block in HA discovery payloads.
type HADevice struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Model        string   `json:"model,omitempty"`
	Manufacturer string   `json:"manufacturer,omitempty"`
}

// BinarySensorConfig is the HA discovery payload for binary_sensor.
type BinarySensorConfig struct {
	Name        string   `json:"name"`
	ObjectID    string   `json:"object_id"`
	UniqueID    string   `json:"unique_id"`
	StateTopic  string   `json:"state_topic"`
	DeviceClass string   `json:"device_class,omitempty"`
	PayloadOn   string   `json:"payload_on"`
	PayloadOff  string   `json:"payload_off"`
	Device      HADevice `json:"device"`
	Icon        string   `json:"icon,omitempty"`
}

// SensorConfig is the HA discovery payload for sensor.
type SensorConfig struct {
	Name              string   `json:"name"`
	ObjectID          string   `json:"object_id"`
	UniqueID          string   `json:"unique_id"`
	StateTopic        string   `json:"state_topic"`
	DeviceClass       string   `json:"device_class,omitempty"`
	UnitOfMeasurement string   `json:"unit_of_measurement,omitempty"`
	Icon              string   `json:"icon,omitempty"`
	Device            HADevice `json:"device"`
}

// SafeObjectID sanitizes a string for use as an HA object_id.
// Replaces any non-alphanumeric character (except underscore) with underscore,
// lowercases, and trims leading/trailing underscores.
func SafeObjectID(s string) string {
	s = strings.ToLower(s)
	s = nonAlphanumeric.ReplaceAllString(s, "_")
	s = strings.Trim(s, "_")
	if s == "" {
		return "unknown"
	}
	return s
}

func stateTopic(topicPrefix, name string) string {
	return topicPrefix + "/state/" + name
}

// BuildHostDiscoveryConfigs creates the HA discovery payloads for one host:
// a binary_sensor that is ON while the network stack is suspended and a
// sensor holding the length of the last sleep in seconds.
func BuildHostDiscoveryConfigs(host, topicPrefix, haPrefix string) []DiscoveryConfig {
	safeID := SafeObjectID(host)
	device := HADevice{
		Identifiers:  []string{"lpad_" + safeID},
		Name:         host,
		Model:        "WLAN low-power host",
		Manufacturer: "lpad",
	}

	configs := make([]DiscoveryConfig, 0, 2)

	suspended := BinarySensorConfig{
		Name:       host + " Suspended",
		ObjectID:   "lpad_" + safeID + "_suspended",
		UniqueID:   "lpad_" + safeID + "_suspended",
		StateTopic: stateTopic(topicPrefix, "suspended"),
		PayloadOn:  "ON",
		PayloadOff: "OFF",
		Device:     device,
		Icon:       "mdi:sleep",
	}
	if payload, err := json.Marshal(suspended); err == nil {
		configs = append(configs, DiscoveryConfig{
			Topic:   fmt.Sprintf("%s/binary_sensor/lpad_%s/suspended/config", haPrefix, safeID),
			Payload: payload,
		})
	}

	lastSleep := SensorConfig{
		Name:              host + " Last Sleep",
		ObjectID:          "lpad_" + safeID + "_last_sleep",
		UniqueID:          "lpad_" + safeID + "_last_sleep",
		StateTopic:        stateTopic(topicPrefix, "last_sleep"),
		DeviceClass:       "duration",
		UnitOfMeasurement: "s",
		Icon:              "mdi:timer-sand",
		Device:            device,
	}
	if payload, err := json.Marshal(lastSleep); err == nil {
		configs = append(configs, DiscoveryConfig{
			Topic:   fmt.Sprintf("%s/sensor/lpad_%s/last_sleep/config", haPrefix, safeID),
			Payload: payload,
		})
	}

	return configs
}

// BuildHostRemovalConfigs returns discovery configs with empty payloads.
// Publishing an empty payload to a discovery topic tells HA to remove the
// entity.
func BuildHostRemovalConfigs(host, haPrefix string) []DiscoveryConfig {
	safeID := SafeObjectID(host)
	return []DiscoveryConfig{
		{Topic: fmt.Sprintf("%s/binary_sensor/lpad_%s/suspended/config", haPrefix, safeID)},
		{Topic: fmt.Sprintf("%s/sensor/lpad_%s/last_sleep/config", haPrefix, safeID)},
	}
}
