//go:build linux

// Package netlinkaddr implements netstack.Addressing on top of the Linux
// kernel's address, route and neighbor tables.
package netlinkaddr

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"sync"

	"github.com/HerbHall/wlanlpa/pkg/netstack"
	"github.com/vishvananda/netlink"
	"go.uber.org/zap"
)

// Compile-time interface guard.
var _ netstack.Addressing = (*Addressing)(nil)

// Addressing reads interface addressing from netlink and watches for
// IPv4 address changes.
type Addressing struct {
	iface  string
	logger *zap.Logger

	mu     sync.Mutex
	subs   map[uint64]func()
	nextID uint64

	updates chan netlink.AddrUpdate
	done    chan struct{}
	wg      sync.WaitGroup
}

// New creates an address source for the named interface.
func New(iface string, logger *zap.Logger) *Addressing {
	return &Addressing{
		iface:   iface,
		logger:  logger,
		subs:    make(map[uint64]func()),
		updates: make(chan netlink.AddrUpdate),
		done:    make(chan struct{}),
	}
}

// Start subscribes to kernel address updates.
func (a *Addressing) Start(ctx context.Context) error {
	link, err := netlink.LinkByName(a.iface)
	if err != nil {
		return fmt.Errorf("find interface %s: %w", a.iface, err)
	}
	if err := netlink.AddrSubscribe(a.updates, a.done); err != nil {
		return fmt.Errorf("subscribe to address updates: %w", err)
	}

	index := link.Attrs().Index
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case <-a.done:
				return
			case u, ok := <-a.updates:
				if !ok {
					return
				}
				if u.LinkIndex != index || u.LinkAddress.IP.To4() == nil {
					continue
				}
				a.logger.Debug("address update",
					zap.String("interface", a.iface),
					zap.String("address", u.LinkAddress.String()),
					zap.Bool("new", u.NewAddr),
				)
				a.notify()
			}
		}
	}()

	a.logger.Info("netlink address watcher started", zap.String("interface", a.iface))
	return nil
}

// Stop ends the subscription.
func (a *Addressing) Stop() {
	select {
	case <-a.done:
	default:
		close(a.done)
	}
	a.wg.Wait()
}

func (a *Addressing) notify() {
	a.mu.Lock()
	fns := make([]func(), 0, len(a.subs))
	for _, fn := range a.subs {
		fns = append(fns, fn)
	}
	a.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func (a *Addressing) link() (netlink.Link, error) {
	link, err := netlink.LinkByName(a.iface)
	if err != nil {
		return nil, fmt.Errorf("find interface %s: %w", a.iface, err)
	}
	return link, nil
}

func (a *Addressing) IPv4(context.Context) (netip.Addr, error) {
	link, err := a.link()
	if err != nil {
		return netip.Addr{}, err
	}
	addrs, err := netlink.AddrList(link, netlink.FAMILY_V4)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("list addresses on %s: %w", a.iface, err)
	}
	for _, addr := range addrs {
		if ip, ok := netip.AddrFromSlice(addr.IP.To4()); ok && !ip.IsLinkLocalUnicast() {
			return ip, nil
		}
	}
	return netip.Addr{}, netstack.ErrNoAddress
}

func (a *Addressing) Gateway(context.Context) (netip.Addr, error) {
	link, err := a.link()
	if err != nil {
		return netip.Addr{}, err
	}
	routes, err := netlink.RouteList(link, netlink.FAMILY_V4)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("list routes on %s: %w", a.iface, err)
	}
	for _, r := range routes {
		isDefault := r.Dst == nil || (r.Dst.IP.IsUnspecified() && isZeroMask(r.Dst.Mask))
		if !isDefault || r.Gw == nil {
			continue
		}
		if gw, ok := netip.AddrFromSlice(r.Gw.To4()); ok {
			return gw, nil
		}
	}
	return netip.Addr{}, fmt.Errorf("default gateway on %s: %w", a.iface, netstack.ErrNoAddress)
}

func isZeroMask(m net.IPMask) bool {
	ones, _ := m.Size()
	return ones == 0
}

func (a *Addressing) ResolveMAC(_ context.Context, ip netip.Addr) (net.HardwareAddr, error) {
	link, err := a.link()
	if err != nil {
		return nil, err
	}
	neighs, err := netlink.NeighList(link.Attrs().Index, netlink.FAMILY_V4)
	if err != nil {
		return nil, fmt.Errorf("list neighbors on %s: %w", a.iface, err)
	}
	for _, n := range neighs {
		addr, ok := netip.AddrFromSlice(n.IP.To4())
		if !ok || addr != ip || len(n.HardwareAddr) != 6 {
			continue
		}
		if n.State&(netlink.NUD_FAILED|netlink.NUD_INCOMPLETE) != 0 {
			continue
		}
		return n.HardwareAddr, nil
	}
	return nil, fmt.Errorf("resolve %s: %w", ip, netstack.ErrNoNeighbor)
}

func (a *Addressing) OnIPChanged(fn func()) (cancel func()) {
	a.mu.Lock()
	id := a.nextID
	a.nextID++
	a.subs[id] = fn
	a.mu.Unlock()
	return func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		delete(a.subs, id)
	}
}
