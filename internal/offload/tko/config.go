package tko

import (
	"fmt"
	"net/netip"
	"time"

	"github.com/HerbHall/wlanlpa/pkg/netstack"
	"github.com/HerbHall/wlanlpa/pkg/offload"
)

// MaxConnections is the firmware ceiling on kept-alive connections.
const MaxConnections = 4

// Connection identifies one TCP connection to keep alive.
type Connection struct {
	LocalPort  uint16
	RemotePort uint16
	RemoteIP   netip.Addr
}

// Tuple returns the stack lookup key for c.
func (c Connection) Tuple() netstack.ConnTuple {
	return netstack.ConnTuple{LocalPort: c.LocalPort, RemotePort: c.RemotePort, RemoteIP: c.RemoteIP}
}

func (c Connection) validate() error {
	if c.LocalPort == 0 || c.RemotePort == 0 || !c.RemoteIP.Is4() {
		return fmt.Errorf("tko connection %s: %w", c.Tuple(), offload.ErrInvalidConfig)
	}
	return nil
}

// Timing is the firmware keepalive schedule. Values are whole seconds.
type Timing struct {
	Interval      time.Duration
	RetryInterval time.Duration
	RetryCount    int
}

func (t Timing) validate() error {
	limit := time.Duration(^uint16(0)) * time.Second
	if t.Interval < time.Second || t.Interval > limit ||
		t.RetryInterval < time.Second || t.RetryInterval > limit ||
		t.RetryCount < 0 || t.RetryCount > int(^uint16(0)) {
		return fmt.Errorf("tko timing %+v: %w", t, offload.ErrInvalidConfig)
	}
	return nil
}

// Config is the TCP keepalive configuration.
type Config struct {
	Timing
	Connections []Connection
}

// DefaultConfig keeps nothing alive, probing every 20s with 3 retries 3s apart.
func DefaultConfig() Config {
	return Config{Timing: Timing{Interval: 20 * time.Second, RetryInterval: 3 * time.Second, RetryCount: 3}}
}

// Validate checks the timing and every connection slot.
func (c Config) Validate() error {
	if err := c.Timing.validate(); err != nil {
		return err
	}
	if len(c.Connections) > MaxConnections {
		return fmt.Errorf("tko: %d connections, max %d: %w", len(c.Connections), MaxConnections, offload.ErrInvalidConfig)
	}
	for _, conn := range c.Connections {
		if err := conn.validate(); err != nil {
			return err
		}
	}
	return nil
}

type rawConnection struct {
	LocalPort  uint16 `mapstructure:"local_port"`
	RemotePort uint16 `mapstructure:"remote_port"`
	RemoteIP   string `mapstructure:"remote_ip"`
}

type rawConfig struct {
	Interval      time.Duration   `mapstructure:"interval"`
	RetryInterval time.Duration   `mapstructure:"retry_interval"`
	RetryCount    *int            `mapstructure:"retry_count"`
	Connections   []rawConnection `mapstructure:"connections"`
}

// ParseConfig reads the module configuration, keeping defaults for unset keys.
func ParseConfig(c offload.Config) (Config, error) {
	cfg := DefaultConfig()
	if c == nil {
		return cfg, nil
	}
	var raw rawConfig
	if err := c.Unmarshal(&raw); err != nil {
		return Config{}, fmt.Errorf("tko config: %w", err)
	}
	if raw.Interval != 0 {
		cfg.Interval = raw.Interval
	}
	if raw.RetryInterval != 0 {
		cfg.RetryInterval = raw.RetryInterval
	}
	if raw.RetryCount != nil {
		cfg.RetryCount = *raw.RetryCount
	}
	for _, rc := range raw.Connections {
		ip, err := netip.ParseAddr(rc.RemoteIP)
		if err != nil {
			return Config{}, fmt.Errorf("tko remote_ip %q: %w", rc.RemoteIP, offload.ErrInvalidConfig)
		}
		cfg.Connections = append(cfg.Connections, Connection{LocalPort: rc.LocalPort, RemotePort: rc.RemotePort, RemoteIP: ip})
	}
	return cfg, cfg.Validate()
}
