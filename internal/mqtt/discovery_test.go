package mqtt

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSafeObjectID(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"simple hostname", "sensor-node-01", "sensor_node_01"},
		{"dots and colons", "00:a0:50:01:02:03", "00_a0_50_01_02_03"},
		{"IP address", "192.168.43.10", "192_168_43_10"},
		{"already clean", "lpad", "lpad"},
		{"uppercase", "Kitchen", "kitchen"},
		{"leading special chars", "---test", "test"},
		{"trailing special chars", "test---", "test"},
		{"empty string", "", "unknown"},
		{"only special chars", "---", "unknown"},
		{"spaces", "my host", "my_host"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SafeObjectID(tt.input))
		})
	}
}

func TestBuildHostDiscoveryConfigs(t *testing.T) {
	configs := BuildHostDiscoveryConfigs("Garden Node", "lpad", "homeassistant")
	require.Len(t, configs, 2)

	assert.Equal(t, "homeassistant/binary_sensor/lpad_garden_node/suspended/config", configs[0].Topic)
	var suspended BinarySensorConfig
	require.NoError(t, json.Unmarshal(configs[0].Payload, &suspended))
	assert.Equal(t, "Garden Node Suspended", suspended.Name)
	assert.Equal(t, "lpad_garden_node_suspended", suspended.UniqueID)
	assert.Equal(t, "lpad/state/suspended", suspended.StateTopic)
	assert.Equal(t, "ON", suspended.PayloadOn)
	assert.Equal(t, "OFF", suspended.PayloadOff)
	assert.Equal(t, []string{"lpad_garden_node"}, suspended.Device.Identifiers)

	assert.Equal(t, "homeassistant/sensor/lpad_garden_node/last_sleep/config", configs[1].Topic)
	var lastSleep SensorConfig
	require.NoError(t, json.Unmarshal(configs[1].Payload, &lastSleep))
	assert.Equal(t, "lpad/state/last_sleep", lastSleep.StateTopic)
	assert.Equal(t, "duration", lastSleep.DeviceClass)
	assert.Equal(t, "s", lastSleep.UnitOfMeasurement)
}

func TestBuildHostRemovalConfigs(t *testing.T) {
	configs := BuildHostRemovalConfigs("lpad", "ha")
	require.Len(t, configs, 2)
	for _, c := range configs {
		assert.True(t, strings.HasPrefix(c.Topic, "ha/"), c.Topic)
		assert.True(t, strings.HasSuffix(c.Topic, "/config"), c.Topic)
		assert.Empty(t, c.Payload)
	}
}
