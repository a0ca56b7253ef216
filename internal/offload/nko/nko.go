// Package nko implements the NAT keepalive offload: while the host sleeps
// the firmware periodically sends a UDP datagram so that NAT bindings on
// the path to the server stay open.
package nko

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"slices"
	"sync"

	"github.com/HerbHall/wlanlpa/internal/packet"
	"github.com/HerbHall/wlanlpa/pkg/netstack"
	"github.com/HerbHall/wlanlpa/pkg/offload"
	"github.com/HerbHall/wlanlpa/pkg/wlan"
	"go.uber.org/zap"
)

// Compile-time interface guard.
var _ offload.Offload = (*Offload)(nil)

// Option configures an Offload.
type Option func(*Offload)

// WithResolver sets the resolver used for server host names.
func WithResolver(r netstack.Resolver) Option {
	return func(o *Offload) { o.resolver = r }
}

// Offload is the NAT keepalive offload module.
type Offload struct {
	mu       sync.Mutex
	cfg      Config
	deps     offload.Dependencies
	logger   *zap.Logger
	resolver netstack.Resolver
	inited   bool
	armed    bool
	cancelIP func()

	// server is the resolved keepalive destination. It is only refreshed
	// while the stack is live; an invalid value means the gateway.
	server netip.Addr
}

// New creates a NAT keepalive offload with cfg.
func New(cfg Config, opts ...Option) *Offload {
	o := &Offload{
		cfg:      cfg,
		logger:   zap.NewNop(),
		resolver: net.DefaultResolver,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func (o *Offload) Info() offload.Info {
	return offload.Info{
		Name:        "nko",
		Version:     "1.0.0",
		Description: "Firmware NAT keepalive datagrams",
	}
}

// Init validates the configuration, resolves the server and watches the
// interface address.
func (o *Offload) Init(ctx context.Context, deps offload.Dependencies) error {
	if err := o.cfg.Validate(); err != nil {
		return err
	}

	logger := o.logger
	if deps.Logger != nil {
		logger = deps.Logger
	}
	server := o.lookup(ctx, o.cfg.Server, logger)

	o.mu.Lock()
	defer o.mu.Unlock()

	o.deps = deps
	o.logger = logger
	o.server = server
	o.armed = false
	if deps.Addressing != nil {
		o.cancelIP = deps.Addressing.OnIPChanged(o.onIPChanged)
	}
	o.inited = true
	return nil
}

// Deinit stops watching the address and disables the keepalive.
func (o *Offload) Deinit(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.inited {
		return nil
	}
	o.inited = false
	o.armed = false
	if o.cancelIP != nil {
		o.cancelIP()
		o.cancelIP = nil
	}
	return o.disableLocked(ctx)
}

// PM arms the keepalive on GoingToSleep and disables it on Awake.
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
		o.armed = false
		return o.disableLocked(ctx)
	}
	return o.armLocked(ctx)
}

func (o *Offload) disableLocked(ctx context.Context) error {
	err := o.deps.Driver.SetKeepalive(ctx, wlan.Keepalive{Type: wlan.KeepaliveNAT, PeriodMS: 0, Data: []byte{0}})
	if err != nil {
		return fmt.Errorf("nko disable: %w", err)
	}
	return nil
}

func (o *Offload) armLocked(ctx context.Context) error {
	frame, err := o.buildFrame(ctx)
	if err != nil {
		return fmt.Errorf("%w: nko: %w", offload.ErrArmFailed, err)
	}
	ka := wlan.Keepalive{
		Type:     wlan.KeepaliveNAT,
		PeriodMS: uint32(o.cfg.Interval.Milliseconds()),
		Data:     frame,
	}
	if err := o.deps.Driver.SetKeepalive(ctx, ka); err != nil {
		return fmt.Errorf("%w: nko: %w", offload.ErrArmFailed, err)
	}
	o.armed = true
	o.logger.Debug("nko armed",
		zap.Uint16("sport", o.cfg.SourcePort),
		zap.Uint16("dport", o.cfg.DestPort),
		zap.Uint32("period_ms", ka.PeriodMS),
	)
	return nil
}

func (o *Offload) buildFrame(ctx context.Context) ([]byte, error) {
	src, err := o.deps.Addressing.IPv4(ctx)
	if err != nil {
		return nil, fmt.Errorf("source address: %w", err)
	}
	dst := o.server
	if !dst.IsValid() {
		gw, err := o.deps.Addressing.Gateway(ctx)
		if err != nil {
			return nil, fmt.Errorf("server address: %w", err)
		}
		dst = gw
	}
	srcMAC, err := o.deps.Driver.MACAddress(ctx)
	if err != nil {
		return nil, fmt.Errorf("local mac: %w", err)
	}
	dstMAC, err := o.gatewayMAC(ctx)
	if err != nil {
		return nil, err
	}

	facts := packet.SocketFacts{
		SrcMAC:  srcMAC,
		DstMAC:  dstMAC,
		SrcIP:   src,
		DstIP:   dst,
		SrcPort: o.cfg.SourcePort,
		DstPort: o.cfg.DestPort,
		Payload: o.cfg.Payload,
	}
	buf := make([]byte, packet.UDPKeepaliveFixedLen+len(facts.Payload))
	n, err := packet.BuildUDPKeepalive(buf, facts)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

// lookup resolves server to an IPv4 address. It may block on DNS, so it is
// never called with o.mu held or from PM. An invalid result selects the
// gateway at arm time.
func (o *Offload) lookup(ctx context.Context, server string, logger *zap.Logger) netip.Addr {
	if ip, err := netip.ParseAddr(server); err == nil && ip.Is4() {
		return ip
	}
	if server == "" || o.resolver == nil {
		return netip.Addr{}
	}
	addrs, err := o.resolver.LookupNetIP(ctx, "ip4", server)
	if err == nil && len(addrs) > 0 {
		return addrs[0].Unmap()
	}
	logger.Debug("nko server lookup failed, using gateway", zap.String("server", server), zap.Error(err))
	return netip.Addr{}
}

// gatewayMAC returns the first hop for the datagram: the gateway's MAC
// when it is in the neighbor cache, otherwise the BSSID.
func (o *Offload) gatewayMAC(ctx context.Context) (net.HardwareAddr, error) {
	if gw, err := o.deps.Addressing.Gateway(ctx); err == nil {
		if mac, err := o.deps.Addressing.ResolveMAC(ctx, gw); err == nil {
			return mac, nil
		}
	}
	mac, err := o.deps.Driver.BSSID(ctx)
	if err != nil {
		return nil, fmt.Errorf("gateway mac: %w", err)
	}
	return mac, nil
}

// onIPChanged refreshes the server address on the worker, since the route
// to it may have changed, and re-arms if the keepalive is live.
func (o *Offload) onIPChanged() {
	o.mu.Lock()
	sched := o.deps.Scheduler
	inited, logger := o.inited, o.logger
	o.mu.Unlock()
	if !inited || sched == nil {
		return
	}
	if err := sched.Submit(o.refresh); err != nil {
		logger.Warn("nko refresh not scheduled", zap.Error(err))
	}
}

func (o *Offload) refresh(ctx context.Context) {
	o.mu.Lock()
	server, logger := o.cfg.Server, o.logger
	o.mu.Unlock()

	addr := o.lookup(ctx, server, logger)

	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.inited || o.cfg.Server != server {
		return
	}
	o.server = addr
	if !o.armed {
		return
	}
	if err := o.armLocked(ctx); err != nil {
		o.logger.Warn("nko re-arm failed", zap.Error(err))
	}
}

// Armed reports whether the firmware keepalive is running.
func (o *Offload) Armed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.armed
}

// UpdateConfig replaces the configuration and resolves the new server. A
// live keepalive is re-armed at once; otherwise the change applies at the
// next sleep.
func (o *Offload) UpdateConfig(ctx context.Context, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	cfg.Payload = slices.Clone(cfg.Payload)

	o.mu.Lock()
	logger := o.logger
	o.mu.Unlock()
	server := o.lookup(ctx, cfg.Server, logger)

	o.mu.Lock()
	defer o.mu.Unlock()
	o.cfg = cfg
	o.server = server
	if o.inited && o.armed {
		return o.armLocked(ctx)
	}
	return nil
}
