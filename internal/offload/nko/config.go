package nko

import (
	"fmt"
	"math"
	"time"

	"github.com/HerbHall/wlanlpa/internal/packet"
	"github.com/HerbHall/wlanlpa/pkg/offload"
)

// MaxServerLen bounds the server name.
const MaxServerLen = 127

// Config is the NAT keepalive configuration.
type Config struct {
	Interval   time.Duration
	Server     string // host name or IPv4 address; empty means the default gateway
	SourcePort uint16
	DestPort   uint16
	Payload    []byte
}

// DefaultConfig sends an empty datagram every minute. Ports must be set
// before the offload can be initialised.
func DefaultConfig() Config {
	return Config{Interval: time.Minute}
}

// Validate checks ports, interval, server name and payload size.
func (c Config) Validate() error {
	switch {
	case c.SourcePort == 0 || c.DestPort == 0:
		return fmt.Errorf("nko ports %d->%d: %w", c.SourcePort, c.DestPort, offload.ErrInvalidConfig)
	case c.Interval < time.Millisecond || c.Interval.Milliseconds() > math.MaxUint32:
		return fmt.Errorf("nko interval %s: %w", c.Interval, offload.ErrInvalidConfig)
	case len(c.Server) > MaxServerLen:
		return fmt.Errorf("nko server name of %d bytes: %w", len(c.Server), offload.ErrInvalidConfig)
	case len(c.Payload) > packet.MaxUDPPayload:
		return fmt.Errorf("nko payload of %d bytes: %w", len(c.Payload), offload.ErrInvalidConfig)
	}
	return nil
}

type rawConfig struct {
	Interval   time.Duration `mapstructure:"interval"`
	Server     string        `mapstructure:"server"`
	SourcePort uint16        `mapstructure:"source_port"`
	DestPort   uint16        `mapstructure:"dest_port"`
	Payload    string        `mapstructure:"payload"`
}

// ParseConfig reads the module configuration, keeping defaults for unset keys.
func ParseConfig(c offload.Config) (Config, error) {
	cfg := DefaultConfig()
	if c == nil {
		return cfg, nil
	}
	var raw rawConfig
	if err := c.Unmarshal(&raw); err != nil {
		return Config{}, fmt.Errorf("nko config: %w", err)
	}
	if raw.Interval != 0 {
		cfg.Interval = raw.Interval
	}
	cfg.Server = raw.Server
	cfg.SourcePort = raw.SourcePort
	cfg.DestPort = raw.DestPort
	if raw.Payload != "" {
		cfg.Payload = []byte(raw.Payload)
	}
	return cfg, cfg.Validate()
}
