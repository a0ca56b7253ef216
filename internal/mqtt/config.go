package mqtt

import (
	"time"

	"github.com/HerbHall/wlanlpa/pkg/offload"
)

// Config holds MQTT reporter configuration.
type Config struct {
	BrokerURL   string        `mapstructure:"broker_url"`
	Username    string        `mapstructure:"username"`
	Password    string        `mapstructure:"password"` //nolint:gosec // G101: config field name, not a credential
	ClientID    string        `mapstructure:"client_id"`
	TopicPrefix string        `mapstructure:"topic_prefix"`
	QoS         byte          `mapstructure:"qos"`
	Retain      bool          `mapstructure:"retain"`
	Timeout     time.Duration `mapstructure:"timeout"`
	KeepAlive   time.Duration `mapstructure:"keepalive"`

	// Home Assistant MQTT auto-discovery settings.
	HADiscovery       bool   `mapstructure:"ha_discovery"`        // Enable HA auto-discovery (default: false)
	HADiscoveryPrefix string `mapstructure:"ha_discovery_prefix"` // HA discovery topic prefix (default: "homeassistant")
	HostName          string `mapstructure:"host_name"`           // Device name shown in HA (default: client ID)
}

// DefaultConfig returns the reporter defaults. The reporter is disabled
// until a broker URL is set.
func DefaultConfig() Config {
	return Config{
		ClientID:          "lpad",
		TopicPrefix:       "lpad",
		QoS:               1,
		Timeout:           10 * time.Second,
		KeepAlive:         60 * time.Second,
		HADiscoveryPrefix: "homeassistant",
	}
}

// ParseConfig overlays the keys present in c on DefaultConfig.
func ParseConfig(c offload.Config) Config {
	cfg := DefaultConfig()
	if c == nil {
		return cfg
	}
	if u := c.GetString("broker_url"); u != "" {
		cfg.BrokerURL = u
	}
	if u := c.GetString("username"); u != "" {
		cfg.Username = u
	}
	if p := c.GetString("password"); p != "" {
		cfg.Password = p
	}
	if id := c.GetString("client_id"); id != "" {
		cfg.ClientID = id
	}
	if t := c.GetString("topic_prefix"); t != "" {
		cfg.TopicPrefix = t
	}
	if c.IsSet("qos") {
		cfg.QoS = byte(c.GetInt("qos"))
	}
	if c.IsSet("retain") {
		cfg.Retain = c.GetBool("retain")
	}
	if d := c.GetDuration("timeout"); d > 0 {
		cfg.Timeout = d
	}
	if d := c.GetDuration("keepalive"); d > 0 {
		cfg.KeepAlive = d
	}
	if c.IsSet("ha_discovery") {
		cfg.HADiscovery = c.GetBool("ha_discovery")
	}
	if p := c.GetString("ha_discovery_prefix"); p != "" {
		cfg.HADiscoveryPrefix = p
	}
	if h := c.GetString("host_name"); h != "" {
		cfg.HostName = h
	}
	return cfg
}
