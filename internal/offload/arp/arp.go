// Package arp implements the ARP offload. The firmware agent snoops ARP
// traffic and answers requests for the host address while the host sleeps.
//
// The offload is level based: it reprograms the firmware only when the
// target power state differs from the last programmed one.
package arp

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"time"

	"github.com/HerbHall/wlanlpa/pkg/offload"
	"github.com/HerbHall/wlanlpa/pkg/wlan"
	"go.uber.org/zap"
)

// Timing of the deferred host address refresh. DHCP may not have finished
// when the link comes up, so a missing address is retried.
const (
	ipChangeDelay = 500 * time.Millisecond
	dhcpRetry     = time.Second
	dhcpRetries   = 25
)

type state int

const (
	stateUninitialized state = iota
	stateAwake
	stateGoingToSleep
)

// Compile-time interface guard.
var _ offload.Offload = (*Offload)(nil)

// Offload is the ARP offload module.
type Offload struct {
	mu      sync.Mutex
	cfg     Config
	deps    offload.Dependencies
	logger  *zap.Logger
	inited  bool
	state   state
	hostIP  netip.Addr
	retries int

	cancelIPSub func()
	cancelTimer func()

	// delays are fields so tests can shorten them.
	changeDelay time.Duration
	retryDelay  time.Duration
}

// New creates an ARP offload with cfg.
func New(cfg Config) *Offload {
	return &Offload{
		cfg:         cfg,
		logger:      zap.NewNop(),
		retries:     dhcpRetries,
		changeDelay: ipChangeDelay,
		retryDelay:  dhcpRetry,
	}
}

func (o *Offload) Info() offload.Info {
	return offload.Info{
		Name:        "arp",
		Version:     "1.0.0",
		Description: "Firmware ARP agent: snoop, host and peer auto-reply",
	}
}

// Init resets the firmware ARP agent and programs the awake features.
func (o *Offload) Init(ctx context.Context, deps offload.Dependencies) error {
	if err := o.cfg.Validate(); err != nil {
		return err
	}

	o.mu.Lock()
	o.deps = deps
	if deps.Logger != nil {
		o.logger = deps.Logger
	}
	o.state = stateUninitialized
	o.hostIP = netip.Addr{}
	o.retries = dhcpRetries
	o.inited = true
	d := deps.Driver
	peerage := uint32(o.cfg.Peerage / time.Second)
	o.mu.Unlock()

	steps := []struct {
		name string
		fn   func() error
	}{
		{wlan.IOVarARPOE, func() error { return d.SetIOVar(ctx, wlan.IOVarARPOE, 1) }},
		{wlan.IOVarARPOL, func() error { return d.SetIOVar(ctx, wlan.IOVarARPOL, 0) }},
		{wlan.IOVarARPTableClear, func() error { return wlan.SetVoid(ctx, d, wlan.IOVarARPTableClear) }},
		{wlan.IOVarARPStatsClear, func() error { return wlan.SetVoid(ctx, d, wlan.IOVarARPStatsClear) }},
		{wlan.IOVarARPHostIPClear, func() error { return wlan.SetVoid(ctx, d, wlan.IOVarARPHostIPClear) }},
		{wlan.IOVarARPPeerAge, func() error { return d.SetIOVar(ctx, wlan.IOVarARPPeerAge, peerage) }},
		{wlan.IOVarARPOE, func() error { return d.SetIOVar(ctx, wlan.IOVarARPOE, 0) }},
	}
	for _, s := range steps {
		if err := s.fn(); err != nil {
			o.logger.Warn("arp reset step failed", zap.String("iovar", s.name), zap.Error(err))
		}
	}

	if err := o.PM(ctx, offload.Awake); err != nil {
		o.mu.Lock()
		o.inited = false
		o.state = stateUninitialized
		o.stopWatchLocked()
		o.mu.Unlock()
		return err
	}
	return nil
}

// Deinit stops watching the host address and turns the agent off.
func (o *Offload) Deinit(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.inited {
		return nil
	}
	o.inited = false
	o.state = stateUninitialized
	o.stopWatchLocked()

	if err := o.deps.Driver.SetIOVar(ctx, wlan.IOVarARPOE, 0); err != nil {
		return fmt.Errorf("arp deinit: %w", err)
	}
	return nil
}

func (o *Offload) stopWatchLocked() {
	if o.cancelIPSub != nil {
		o.cancelIPSub()
		o.cancelIPSub = nil
	}
	if o.cancelTimer != nil {
		o.cancelTimer()
		o.cancelTimer = nil
	}
}

// PM programs the features for st unless st is already programmed.
func (o *Offload) PM(ctx context.Context, st offload.PowerState) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.inited {
		return offload.ErrNotInitialized
	}

	target := stateAwake
	flags := o.cfg.AwakeFlags
	if st == offload.GoingToSleep {
		target = stateGoingToSleep
		flags = o.cfg.SleepFlags
	}
	if target == o.state {
		return nil
	}

	d := o.deps.Driver
	var errs []error
	if o.state == stateUninitialized || o.cfg.AwakeFlags != o.cfg.SleepFlags {
		o.watchIPLocked()
		if flags&(wlan.ARPHostAutoReply|wlan.ARPPeerAutoReply) != 0 {
			flags |= wlan.ARPAgent
		}
		errs = append(errs,
			d.SetIOVar(ctx, wlan.IOVarARPOE, 1),
			d.SetIOVar(ctx, wlan.IOVarARPOL, flags),
		)
		o.logger.Debug("arp features programmed",
			zap.Stringer("state", st),
			zap.String("flags", fmt.Sprintf("%#x", flags)),
		)
	} else {
		errs = append(errs,
			d.SetIOVar(ctx, wlan.IOVarARPOL, 0),
			d.SetIOVar(ctx, wlan.IOVarARPOE, 0),
		)
	}
	o.state = target

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("arp %s: %w", st, err)
	}
	return nil
}

// watchIPLocked registers the address-change callback once.
func (o *Offload) watchIPLocked() {
	if o.cancelIPSub != nil || o.deps.Addressing == nil {
		return
	}
	o.cancelIPSub = o.deps.Addressing.OnIPChanged(o.onIPChanged)
}

// onIPChanged runs on the address source's goroutine. The refresh is
// deferred to give DHCP time to settle.
func (o *Offload) onIPChanged() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.scheduleLocked(o.changeDelay)
}

func (o *Offload) scheduleLocked(d time.Duration) {
	if !o.inited || o.deps.Scheduler == nil {
		return
	}
	if o.cancelTimer != nil {
		o.cancelTimer()
	}
	o.cancelTimer = o.deps.Scheduler.SubmitAfter(d, o.refreshHostIP)
}

// refreshHostIP keeps the firmware host table in step with the interface
// address. It runs on the worker.
func (o *Offload) refreshHostIP(ctx context.Context) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.inited {
		return
	}
	o.cancelTimer = nil

	d := o.deps.Driver
	ip, err := o.deps.Addressing.IPv4(ctx)
	if err == nil && ip.IsValid() && !ip.IsUnspecified() {
		if ip == o.hostIP {
			return
		}
		if o.hostIP.IsValid() {
			if err := o.clearHostIPLocked(ctx, o.hostIP); err != nil {
				o.logger.Debug("arp host ip clear failed", zap.Stringer("ip", o.hostIP), zap.Error(err))
			}
			o.hostIP = netip.Addr{}
		}
		if err := wlan.AddARPHostIP(ctx, d, ip); err != nil {
			o.logger.Warn("arp host ip add failed", zap.Stringer("ip", ip), zap.Error(err))
		}
		o.hostIP = ip
		o.retries = dhcpRetries
		o.logger.Info("arp host ip updated", zap.Stringer("ip", ip))
		return
	}

	if o.hostIP.IsValid() {
		if err := o.clearHostIPLocked(ctx, o.hostIP); err != nil {
			o.logger.Debug("arp host ip clear failed", zap.Stringer("ip", o.hostIP), zap.Error(err))
		}
		o.hostIP = netip.Addr{}
	}
	o.retries--
	if o.retries > 0 {
		o.scheduleLocked(o.retryDelay)
		return
	}
	o.logger.Warn("arp gave up waiting for a host address", zap.Int("attempts", dhcpRetries))
}

// clearHostIPLocked removes ip from the firmware host table, keeping the
// other entries.
func (o *Offload) clearHostIPLocked(ctx context.Context, ip netip.Addr) error {
	d := o.deps.Driver
	current, err := wlan.ARPHostIPs(ctx, d)
	if err != nil {
		return err
	}
	if err := wlan.SetVoid(ctx, d, wlan.IOVarARPHostIPClear); err != nil {
		return err
	}
	for _, other := range current {
		if other == ip {
			continue
		}
		if err := wlan.AddARPHostIP(ctx, d, other); err != nil {
			return err
		}
	}
	return nil
}

// HostIP returns the address last programmed into the firmware host table.
func (o *Offload) HostIP() netip.Addr {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.hostIP
}

// Stats reads the firmware ARP counters.
func (o *Offload) Stats(ctx context.Context) (wlan.ARPStats, error) {
	d, err := o.driver()
	if err != nil {
		return wlan.ARPStats{}, err
	}
	return wlan.ReadARPStats(ctx, d)
}

// HostIPs reads the firmware host address table.
func (o *Offload) HostIPs(ctx context.Context) ([]netip.Addr, error) {
	d, err := o.driver()
	if err != nil {
		return nil, err
	}
	return wlan.ARPHostIPs(ctx, d)
}

// Version reads the firmware ARP agent version.
func (o *Offload) Version(ctx context.Context) (uint32, error) {
	d, err := o.driver()
	if err != nil {
		return 0, err
	}
	return d.GetIOVar(ctx, wlan.IOVarARPVersion)
}

func (o *Offload) driver() (wlan.Driver, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.inited {
		return nil, offload.ErrNotInitialized
	}
	return o.deps.Driver, nil
}

// UpdateConfig replaces the configuration. The peerage applies at once;
// the feature masks apply at the next power transition.
func (o *Offload) UpdateConfig(ctx context.Context, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.cfg = cfg
	if !o.inited {
		return nil
	}
	if err := o.deps.Driver.SetIOVar(ctx, wlan.IOVarARPPeerAge, uint32(cfg.Peerage/time.Second)); err != nil {
		return fmt.Errorf("arp peerage: %w", err)
	}
	return nil
}
