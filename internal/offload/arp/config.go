package arp

import (
	"fmt"
	"strings"
	"time"

	"github.com/HerbHall/wlanlpa/pkg/offload"
	"github.com/HerbHall/wlanlpa/pkg/wlan"
)

// DefaultPeerage is how long the firmware keeps a learned peer entry.
const DefaultPeerage = 1200 * time.Second

// Config selects the firmware ARP features per power state.
type Config struct {
	Peerage    time.Duration
	AwakeFlags uint32
	SleepFlags uint32
}

// DefaultConfig snoops while awake and answers for host and peers while asleep.
func DefaultConfig() Config {
	return Config{
		Peerage:    DefaultPeerage,
		AwakeFlags: wlan.ARPSnoop,
		SleepFlags: wlan.ARPSnoop | wlan.ARPHostAutoReply | wlan.ARPPeerAutoReply,
	}
}

const allFlags = wlan.ARPAgent | wlan.ARPSnoop | wlan.ARPHostAutoReply | wlan.ARPPeerAutoReply

// Validate checks the peerage and flag masks.
func (c Config) Validate() error {
	if c.Peerage < time.Second || c.Peerage.Seconds() > float64(^uint32(0)) {
		return fmt.Errorf("arp peerage %s: %w", c.Peerage, offload.ErrInvalidConfig)
	}
	if c.AwakeFlags&^allFlags != 0 || c.SleepFlags&^allFlags != 0 {
		return fmt.Errorf("arp flags %#x/%#x: %w", c.AwakeFlags, c.SleepFlags, offload.ErrInvalidConfig)
	}
	return nil
}

type rawConfig struct {
	Peerage    time.Duration `mapstructure:"peerage"`
	AwakeFlags []string      `mapstructure:"awake_flags"`
	SleepFlags []string      `mapstructure:"sleep_flags"`
}

// ParseConfig reads the module configuration, keeping defaults for unset keys.
func ParseConfig(c offload.Config) (Config, error) {
	cfg := DefaultConfig()
	if c == nil {
		return cfg, nil
	}
	var raw rawConfig
	if err := c.Unmarshal(&raw); err != nil {
		return Config{}, fmt.Errorf("arp config: %w", err)
	}
	if raw.Peerage != 0 {
		cfg.Peerage = raw.Peerage
	}
	var err error
	if c.IsSet("awake_flags") {
		if cfg.AwakeFlags, err = ParseFlags(raw.AwakeFlags); err != nil {
			return Config{}, err
		}
	}
	if c.IsSet("sleep_flags") {
		if cfg.SleepFlags, err = ParseFlags(raw.SleepFlags); err != nil {
			return Config{}, err
		}
	}
	return cfg, cfg.Validate()
}

// ParseFlags converts feature names to an ARP feature mask.
func ParseFlags(names []string) (uint32, error) {
	var mask uint32
	for _, n := range names {
		switch strings.ToLower(strings.TrimSpace(n)) {
		case "agent":
			mask |= wlan.ARPAgent
		case "snoop":
			mask |= wlan.ARPSnoop
		case "host_auto_reply":
			mask |= wlan.ARPHostAutoReply
		case "peer_auto_reply":
			mask |= wlan.ARPPeerAutoReply
		case "":
		default:
			return 0, fmt.Errorf("arp flag %q: %w", n, offload.ErrInvalidConfig)
		}
	}
	return mask, nil
}
