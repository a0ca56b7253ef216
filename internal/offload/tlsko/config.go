package tlsko

import (
	"context"
	"fmt"
	"net/netip"
	"strconv"
	"time"

	"github.com/HerbHall/wlanlpa/pkg/netstack"
	"github.com/HerbHall/wlanlpa/pkg/offload"
	pahomqtt "github.com/eclipse/paho.mqtt.golang"
)

// MaxWakePattern bounds the decrypted-record wake pattern.
const MaxWakePattern = 255

// Config describes the one TLS connection handed to firmware.
type Config struct {
	Interval    time.Duration
	LocalPort   uint16
	RemotePort  uint16
	RemoteIP    netip.Addr
	WakePattern []byte // optional; matched at offset 4 of a decrypted MQTT record
}

// DefaultConfig returns a one-minute keepalive with no connection.
func DefaultConfig() Config {
	return Config{Interval: time.Minute}
}

// Configured reports whether a connection has been set.
func (c Config) Configured() bool {
	return c.LocalPort != 0 && c.RemotePort != 0 && c.RemoteIP.IsValid()
}

// Tuple returns the connection's stack key.
func (c Config) Tuple() netstack.ConnTuple {
	return netstack.ConnTuple{LocalPort: c.LocalPort, RemotePort: c.RemotePort, RemoteIP: c.RemoteIP}
}

// Validate checks the interval and wake pattern and, when a connection is
// set, that it is a complete IPv4 tuple.
func (c Config) Validate() error {
	if c.Interval < time.Second || c.Interval.Seconds() > float64(^uint32(0)) {
		return fmt.Errorf("tlsko interval %s: %w", c.Interval, offload.ErrInvalidConfig)
	}
	if len(c.WakePattern) > MaxWakePattern {
		return fmt.Errorf("tlsko wake pattern of %d bytes: %w", len(c.WakePattern), offload.ErrInvalidConfig)
	}
	if c.LocalPort == 0 && c.RemotePort == 0 && !c.RemoteIP.IsValid() {
		return nil
	}
	if !c.Configured() || !c.RemoteIP.Is4() {
		return fmt.Errorf("tlsko connection %s: %w", c.Tuple(), offload.ErrInvalidConfig)
	}
	return nil
}

type rawConfig struct {
	Interval    time.Duration `mapstructure:"interval"`
	LocalPort   uint16        `mapstructure:"local_port"`
	RemotePort  uint16        `mapstructure:"remote_port"`
	RemoteIP    string        `mapstructure:"remote_ip"`
	WakePattern string        `mapstructure:"wake_pattern"`
}

// ParseConfig reads the module configuration, keeping defaults for unset keys.
func ParseConfig(c offload.Config) (Config, error) {
	cfg := DefaultConfig()
	if c == nil {
		return cfg, nil
	}
	var raw rawConfig
	if err := c.Unmarshal(&raw); err != nil {
		return Config{}, fmt.Errorf("tlsko config: %w", err)
	}
	if raw.Interval != 0 {
		cfg.Interval = raw.Interval
	}
	cfg.LocalPort = raw.LocalPort
	cfg.RemotePort = raw.RemotePort
	if raw.RemoteIP != "" {
		ip, err := netip.ParseAddr(raw.RemoteIP)
		if err != nil {
			return Config{}, fmt.Errorf("tlsko remote_ip %q: %w", raw.RemoteIP, offload.ErrInvalidConfig)
		}
		cfg.RemoteIP = ip
	}
	if raw.WakePattern != "" {
		cfg.WakePattern = []byte(raw.WakePattern)
	}
	return cfg, cfg.Validate()
}

// FromMQTTOptions derives a Config from an MQTT client's options: the
// keepalive interval from KeepAlive and the remote endpoint from the first
// broker URL. localPort is the client's side of the live connection. Host
// names are resolved with res; a nil res accepts only address literals.
func FromMQTTOptions(ctx context.Context, r *pahomqtt.ClientOptionsReader, localPort uint16, res netstack.Resolver) (Config, error) {
	cfg := DefaultConfig()
	if r == nil {
		return cfg, fmt.Errorf("mqtt options: %w", offload.ErrInvalidConfig)
	}
	if ka := r.KeepAlive(); ka >= time.Second {
		cfg.Interval = ka
	}

	servers := r.Servers()
	if len(servers) == 0 {
		return cfg, fmt.Errorf("mqtt options carry no broker: %w", offload.ErrInvalidConfig)
	}
	u := servers[0]

	port := defaultBrokerPort(u.Scheme)
	if p := u.Port(); p != "" {
		n, err := strconv.ParseUint(p, 10, 16)
		if err != nil {
			return cfg, fmt.Errorf("mqtt broker port %q: %w", p, offload.ErrInvalidConfig)
		}
		port = uint16(n)
	}

	ip, err := resolveHost(ctx, u.Hostname(), res)
	if err != nil {
		return cfg, err
	}

	cfg.LocalPort = localPort
	cfg.RemotePort = port
	cfg.RemoteIP = ip
	return cfg, cfg.Validate()
}

func defaultBrokerPort(scheme string) uint16 {
	switch scheme {
	case "ssl", "tls", "mqtts", "tcps":
		return 8883
	case "wss":
		return 443
	case "ws":
		return 80
	default:
		return 1883
	}
}

func resolveHost(ctx context.Context, host string, res netstack.Resolver) (netip.Addr, error) {
	if ip, err := netip.ParseAddr(host); err == nil {
		return ip.Unmap(), nil
	}
	if res == nil {
		return netip.Addr{}, fmt.Errorf("mqtt broker %q is not an address: %w", host, offload.ErrInvalidConfig)
	}
	addrs, err := res.LookupNetIP(ctx, "ip4", host)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("resolve mqtt broker %q: %w", host, err)
	}
	if len(addrs) == 0 {
		return netip.Addr{}, fmt.Errorf("resolve mqtt broker %q: %w", host, netstack.ErrNoAddress)
	}
	return addrs[0].Unmap(), nil
}
