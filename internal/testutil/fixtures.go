// Package testutil provides fixtures shared by the offload and controller tests.
package testutil

import (
	"net"
	"net/netip"

	"github.com/HerbHall/wlanlpa/internal/packet"
	"github.com/HerbHall/wlanlpa/pkg/netstack"
)

// Addresses used by the fixtures.
var (
	LocalIP   = netip.MustParseAddr("192.168.43.10")
	RemoteIP  = netip.MustParseAddr("192.168.43.15")
	GatewayIP = netip.MustParseAddr("192.168.43.1")
	LocalMAC  = net.HardwareAddr{0x00, 0xa0, 0x50, 0x01, 0x02, 0x03}
	RemoteMAC = net.HardwareAddr{0x3c, 0x28, 0x6d, 0x00, 0x00, 0x0f}
)

// Connection is a live TCP connection fixture.
type Connection struct {
	Tuple netstack.ConnTuple
	State netstack.ConnState
}

// NewConnection returns the (3353 -> 192.168.43.15:3360) connection with
// seq 1000, ack 2000 and window 5840. Override fields with options.
func NewConnection(opts ...func(*Connection)) Connection {
	c := Connection{
		Tuple: netstack.ConnTuple{LocalPort: 3353, RemotePort: 3360, RemoteIP: RemoteIP},
		State: netstack.ConnState{
			LocalIP:  LocalIP,
			RemoteIP: RemoteIP,
			Local:    3353,
			Remote:   3360,
			Seq:      1000,
			Ack:      2000,
			Window:   5840,
			State:    netstack.StateEstablished,
		},
	}
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

// WithPorts sets the local and remote ports.
func WithPorts(local, remote uint16) func(*Connection) {
	return func(c *Connection) {
		c.Tuple.LocalPort, c.Tuple.RemotePort = local, remote
		c.State.Local, c.State.Remote = local, remote
	}
}

// WithRemote sets the remote address.
func WithRemote(ip netip.Addr) func(*Connection) {
	return func(c *Connection) {
		c.Tuple.RemoteIP = ip
		c.State.RemoteIP = ip
	}
}

// WithSeq sets the send and receive sequence numbers.
func WithSeq(seq, ack uint32) func(*Connection) {
	return func(c *Connection) { c.State.Seq, c.State.Ack = seq, ack }
}

// WithWindow sets the receive window.
func WithWindow(w uint16) func(*Connection) {
	return func(c *Connection) { c.State.Window = w }
}

// NewSocketFacts returns facts matching NewConnection with the fixture MACs.
func NewSocketFacts(opts ...func(*packet.SocketFacts)) packet.SocketFacts {
	f := packet.SocketFacts{
		SrcMAC:  LocalMAC,
		DstMAC:  RemoteMAC,
		SrcIP:   LocalIP,
		DstIP:   RemoteIP,
		SrcPort: 3353,
		DstPort: 3360,
		Seq:     1000,
		Ack:     2000,
		Window:  5840,
	}
	for _, opt := range opts {
		opt(&f)
	}
	return f
}

// WithPayload sets the UDP payload.
func WithPayload(p []byte) func(*packet.SocketFacts) {
	return func(f *packet.SocketFacts) { f.Payload = p }
}
