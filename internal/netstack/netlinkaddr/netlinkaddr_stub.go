//go:build !linux

package netlinkaddr

import (
	"context"
	"errors"
	"net"
	"net/netip"

	"github.com/HerbHall/wlanlpa/pkg/netstack"
	"go.uber.org/zap"
)

var errUnsupported = errors.New("netlink addressing requires linux")

// Addressing is a no-op address source on unsupported platforms.
type Addressing struct{}

// New returns an address source that always fails on unsupported platforms.
func New(_ string, _ *zap.Logger) *Addressing { return &Addressing{} }

func (a *Addressing) Start(context.Context) error { return errUnsupported }
func (a *Addressing) Stop()                       {}

func (a *Addressing) IPv4(context.Context) (netip.Addr, error) {
	return netip.Addr{}, netstack.ErrNoAddress
}

func (a *Addressing) Gateway(context.Context) (netip.Addr, error) {
	return netip.Addr{}, netstack.ErrNoAddress
}

func (a *Addressing) ResolveMAC(context.Context, netip.Addr) (net.HardwareAddr, error) {
	return nil, netstack.ErrNoNeighbor
}

func (a *Addressing) OnIPChanged(func()) (cancel func()) { return func() {} }
