// Package netstack defines the host network stack collaborator consumed by
// the suspend controller and the keepalive offloads. One implementation is
// written per target stack; nothing else depends on a concrete stack.
package netstack

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
)

var (
	// ErrNoSuchConnection is returned when a 4-tuple has no live TCP control block.
	ErrNoSuchConnection = errors.New("no such connection")
	// ErrNoAddress is returned when the interface has no IPv4 address yet.
	ErrNoAddress = errors.New("no IPv4 address assigned")
	// ErrNoNeighbor is returned when the neighbor cache has no entry for an address.
	ErrNoNeighbor = errors.New("no neighbor entry")
)

// ConnTuple identifies a TCP connection from the host's point of view.
// The local address is implied by the interface.
type ConnTuple struct {
	LocalPort  uint16
	RemotePort uint16
	RemoteIP   netip.Addr
}

func (t ConnTuple) String() string {
	return fmt.Sprintf(":%d->%s", t.LocalPort, netip.AddrPortFrom(t.RemoteIP, t.RemotePort))
}

// TCPState is the subset of TCP states the offloads care about.
type TCPState int

const (
	StateEstablished TCPState = iota
	StateFinWait2
)

// ConnState is a snapshot of a live TCP control block.
type ConnState struct {
	LocalIP  netip.Addr
	RemoteIP netip.Addr
	Local    uint16
	Remote   uint16
	Seq      uint32 // next sequence number to send
	Ack      uint32 // next sequence number expected
	Window   uint16 // receive window
	State    TCPState
}

// Stack is the live network stack.
type Stack interface {
	// Freeze halts the stack's timers and processing. It is paired with Unfreeze.
	Freeze()
	Unfreeze()

	// LookupConnection returns the live state of a connection, or
	// ErrNoSuchConnection.
	LookupConnection(ctx context.Context, t ConnTuple) (ConnState, error)

	// UpdateConnection writes sequence numbers advanced by firmware back into
	// the stack. With reset set, the connection moves to FIN_WAIT_2.
	UpdateConnection(ctx context.Context, t ConnTuple, seq, ack uint32, reset bool) error

	// Input hands a received frame to the stack.
	Input(frame []byte)
}

// Addressing exposes interface addressing and the neighbor cache.
type Addressing interface {
	IPv4(ctx context.Context) (netip.Addr, error)
	Gateway(ctx context.Context) (netip.Addr, error)
	ResolveMAC(ctx context.Context, ip netip.Addr) (net.HardwareAddr, error)

	// OnIPChanged registers fn to run whenever the interface address changes.
	// fn may run on a notification goroutine and must not block.
	OnIPChanged(fn func()) (cancel func())
}

// Resolver resolves host names. *net.Resolver satisfies it.
type Resolver interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}
