// Package nullko keeps the access point from ageing out an idle station by
// having firmware send 802.11 NULL data frames at a fixed interval. The
// keepalive runs for the life of the offload, independent of power state.
package nullko

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/HerbHall/wlanlpa/pkg/offload"
	"github.com/HerbHall/wlanlpa/pkg/wlan"
	"go.uber.org/zap"
)

// Compile-time interface guard.
var _ offload.Offload = (*Offload)(nil)

// Config is the NULL keepalive configuration. The interval has whole-second
// granularity.
type Config struct {
	Interval time.Duration `mapstructure:"interval"`
}

// DefaultConfig sends a NULL frame every minute.
func DefaultConfig() Config {
	return Config{Interval: time.Minute}
}

// Validate checks the interval is at least a second and fits the firmware period.
func (c Config) Validate() error {
	if c.Interval < time.Second || c.periodMS() > math.MaxUint32 {
		return fmt.Errorf("nullko interval %s: %w", c.Interval, offload.ErrInvalidConfig)
	}
	return nil
}

func (c Config) periodMS() uint64 {
	return uint64(c.Interval/time.Second) * 1000
}

// ParseConfig reads the module configuration, keeping defaults for unset keys.
func ParseConfig(c offload.Config) (Config, error) {
	cfg := DefaultConfig()
	if c == nil {
		return cfg, nil
	}
	if d := c.GetDuration("interval"); d != 0 {
		cfg.Interval = d
	}
	return cfg, cfg.Validate()
}

// Offload is the NULL keepalive module.
type Offload struct {
	mu     sync.Mutex
	cfg    Config
	driver wlan.Driver
	logger *zap.Logger
	inited bool
}

// New creates a NULL keepalive offload with cfg.
func New(cfg Config) *Offload {
	return &Offload{cfg: cfg, logger: zap.NewNop()}
}

func (o *Offload) Info() offload.Info {
	return offload.Info{
		Name:        "nullko",
		Version:     "1.0.0",
		Description: "Firmware 802.11 NULL frame keepalive",
	}
}

// Init starts the keepalive.
func (o *Offload) Init(ctx context.Context, deps offload.Dependencies) error {
	if err := o.cfg.Validate(); err != nil {
		return err
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	o.driver = deps.Driver
	if deps.Logger != nil {
		o.logger = deps.Logger
	}

	period := uint32(o.cfg.periodMS())
	if err := o.driver.SetKeepalive(ctx, wlan.Keepalive{Type: wlan.KeepaliveNull, PeriodMS: period}); err != nil {
		return fmt.Errorf("null keepalive: %w", err)
	}
	o.inited = true
	o.logger.Debug("null keepalive started", zap.Uint32("period_ms", period))
	return nil
}

// Deinit stops the keepalive.
func (o *Offload) Deinit(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.inited {
		return nil
	}
	o.inited = false
	if err := o.driver.SetKeepalive(ctx, wlan.Keepalive{Type: wlan.KeepaliveNull}); err != nil {
		return fmt.Errorf("null keepalive disable: %w", err)
	}
	return nil
}

// PM is a no-op.
func (o *Offload) PM(context.Context, offload.PowerState) error { return nil }
