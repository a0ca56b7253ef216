// Package wowl arms wake-on-WLAN while the host sleeps: magic packets and
// bitmap packet filters that make firmware wake the host.
package wowl

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/HerbHall/wlanlpa/pkg/offload"
	"github.com/HerbHall/wlanlpa/pkg/wlan"
	"go.uber.org/zap"
)

// Compile-time interface guard.
var _ offload.Offload = (*Offload)(nil)

type compiled struct {
	filter  Filter
	pattern wlan.WowlPattern
}

// Offload is the wake-on-WLAN pattern filter module.
type Offload struct {
	mu       sync.Mutex
	cfg      Config
	patterns []compiled
	deps     offload.Dependencies
	logger   *zap.Logger
	inited   bool
	armed    bool
}

// New creates a wake-on-WLAN offload with cfg.
func New(cfg Config) *Offload {
	return &Offload{cfg: cfg, logger: zap.NewNop()}
}

func (o *Offload) Info() offload.Info {
	return offload.Info{
		Name:        "wowl",
		Version:     "1.0.0",
		Description: "Wake-on-WLAN magic packet and pattern filters",
	}
}

// Init compiles the filters. Firmware is untouched until the first sleep.
func (o *Offload) Init(_ context.Context, deps offload.Dependencies) error {
	patterns, err := o.cfg.compile()
	if err != nil {
		return err
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	o.deps = deps
	if deps.Logger != nil {
		o.logger = deps.Logger
	}
	o.patterns = patterns
	o.armed = false
	o.inited = true
	return nil
}

// Deinit clears wake state.
func (o *Offload) Deinit(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.inited {
		return nil
	}
	o.inited = false
	o.armed = false
	return wlan.ClearWowl(ctx, o.deps.Driver)
}

// PM arms the wake sources on GoingToSleep and disarms them on Awake.
func (o *Offload) PM(ctx context.Context, st offload.PowerState) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.inited {
		return offload.ErrNotInitialized
	}
	if st == offload.Awake {
		if !o.armed {
			return nil
		}
		return o.disarmLocked(ctx)
	}
	return o.armLocked(ctx)
}

func (o *Offload) caps() uint32 {
	var caps uint32
	if o.cfg.Magic {
		caps |= wlan.WowlMagic
	}
	if len(o.patterns) > 0 {
		caps |= wlan.WowlNet
	}
	return caps
}

func (o *Offload) armLocked(ctx context.Context) error {
	caps := o.caps()
	if caps == 0 {
		o.logger.Debug("no wake sources configured")
		return nil
	}
	d := o.deps.Driver
	if err := wlan.SetWowlCaps(ctx, d, caps); err != nil {
		return fmt.Errorf("%w: %w", offload.ErrArmFailed, err)
	}

	added := 0
	for _, c := range o.patterns {
		if err := wlan.AddWowlPattern(ctx, d, c.pattern); err != nil {
			o.logger.Warn("wake filter not installed", zap.Uint8("id", c.filter.ID), zap.Error(err))
			continue
		}
		added++
	}

	if err := wlan.ActivateWowl(ctx, d, true); err != nil {
		o.deletePatterns(ctx)
		return fmt.Errorf("%w: %w", offload.ErrArmFailed, err)
	}
	o.armed = true
	o.logger.Debug("wowl armed", zap.Uint32("caps", caps), zap.Int("filters", added))
	return nil
}

func (o *Offload) deletePatterns(ctx context.Context) []error {
	var errs []error
	for _, c := range o.patterns {
		if err := wlan.DeleteWowlPattern(ctx, o.deps.Driver, c.pattern); err != nil {
			o.logger.Debug("wake filter not removed", zap.Uint8("id", c.filter.ID), zap.Error(err))
			errs = append(errs, err)
		}
	}
	return errs
}

func (o *Offload) disarmLocked(ctx context.Context) error {
	o.armed = false
	d := o.deps.Driver
	var errs []error
	if err := wlan.ActivateWowl(ctx, d, false); err != nil {
		errs = append(errs, err)
	}
	errs = append(errs, o.deletePatterns(ctx)...)
	if err := wlan.ClearWowl(ctx, d); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Armed reports whether wake sources are active in firmware.
func (o *Offload) Armed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.armed
}

// Filters returns the configured filters.
func (o *Offload) Filters() []Filter {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]Filter, 0, len(o.patterns))
	for _, c := range o.patterns {
		out = append(out, c.filter)
	}
	return out
}
