// Package config loads daemon configuration and provides a Viper-backed
// implementation of the offload.Config interface.
package config

import (
	"strings"
	"time"

	"github.com/HerbHall/wlanlpa/pkg/offload"
	"github.com/spf13/viper"
)

// Compile-time interface guard.
var _ offload.Config = (*ViperConfig)(nil)

// ViperConfig wraps a Viper instance to implement offload.Config.
type ViperConfig struct {
	v *viper.Viper
}

// New creates a Config backed by the given Viper instance.
// Returns the concrete type; callers assign to offload.Config where needed.
func New(v *viper.Viper) *ViperConfig {
	if v == nil {
		v = viper.New()
	}
	return &ViperConfig{v: v}
}

func (c *ViperConfig) Unmarshal(target any) error {
	return c.v.Unmarshal(target)
}

func (c *ViperConfig) Get(key string) any {
	return c.v.Get(key)
}

func (c *ViperConfig) GetString(key string) string {
	return c.v.GetString(key)
}

func (c *ViperConfig) GetInt(key string) int {
	return c.v.GetInt(key)
}

func (c *ViperConfig) GetBool(key string) bool {
	return c.v.GetBool(key)
}

func (c *ViperConfig) GetDuration(key string) time.Duration {
	return c.v.GetDuration(key)
}

func (c *ViperConfig) IsSet(key string) bool {
	return c.v.IsSet(key)
}

// Sub returns the subtree at key. A missing subtree yields an empty Config
// so modules fall back to their defaults.
//
// Leaves are resolved one by one, so defaults, file values, environment and
// overrides under key are merged. viper.Sub keeps only the map of the
// highest-priority source.
func (c *ViperConfig) Sub(key string) offload.Config {
	prefix := strings.ToLower(key) + "."
	sub := viper.New()
	for _, k := range c.v.AllKeys() {
		if rest, ok := strings.CutPrefix(k, prefix); ok {
			sub.Set(rest, c.v.Get(k))
		}
	}
	return New(sub)
}

// Viper returns the underlying Viper instance for direct access
// (e.g., by the daemon for top-level keys like suspend.wait).
func (c *ViperConfig) Viper() *viper.Viper {
	return c.v
}
