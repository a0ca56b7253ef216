package wowl

import (
	"fmt"

	"github.com/HerbHall/wlanlpa/pkg/offload"
)

// Config selects the wake sources armed while the host sleeps.
type Config struct {
	Magic   bool // wake on magic packet
	Filters []Filter
}

// DefaultConfig wakes on magic packets only.
func DefaultConfig() Config {
	return Config{Magic: true}
}

// Validate compiles every filter and rejects duplicate IDs.
func (c Config) Validate() error {
	_, err := c.compile()
	return err
}

func (c Config) compile() ([]compiled, error) {
	seen := make(map[uint8]bool, len(c.Filters))
	out := make([]compiled, 0, len(c.Filters))
	for _, f := range c.Filters {
		if seen[f.ID] {
			return nil, &PatternError{ID: f.ID, Field: "id", Err: fmt.Errorf("duplicate filter id")}
		}
		seen[f.ID] = true
		p, err := f.Compile()
		if err != nil {
			return nil, err
		}
		out = append(out, compiled{filter: f, pattern: p})
	}
	return out, nil
}

type rawConfig struct {
	Magic   *bool    `mapstructure:"magic"`
	Filters []Filter `mapstructure:"filters"`
}

// ParseConfig reads the module configuration, keeping defaults for unset keys.
func ParseConfig(c offload.Config) (Config, error) {
	cfg := DefaultConfig()
	if c == nil {
		return cfg, nil
	}
	var raw rawConfig
	if err := c.Unmarshal(&raw); err != nil {
		return Config{}, fmt.Errorf("wowl config: %w", err)
	}
	if raw.Magic != nil {
		cfg.Magic = *raw.Magic
	}
	cfg.Filters = raw.Filters
	return cfg, cfg.Validate()
}
