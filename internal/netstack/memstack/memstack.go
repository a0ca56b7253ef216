// Package memstack provides an in-memory network stack and address source
// for tests and the daemon's simulation mode.
package memstack

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"slices"
	"sync"

	"github.com/HerbHall/wlanlpa/pkg/netstack"
)

// Compile-time interface guards.
var (
	_ netstack.Stack      = (*Stack)(nil)
	_ netstack.Addressing = (*Stack)(nil)
)

// Stack is an in-memory TCP connection table with interface addressing.
type Stack struct {
	mu        sync.Mutex
	conns     map[netstack.ConnTuple]netstack.ConnState
	frozen    bool
	freezes   int
	unfreezes int
	input     [][]byte
	frozenIn  int // frames delivered while frozen

	ip        netip.Addr
	gateway   netip.Addr
	neighbors map[netip.Addr]net.HardwareAddr
	ipSubs    map[uint64]func()
	nextID    uint64
}

// New returns an empty stack with no address assigned.
func New() *Stack {
	return &Stack{
		conns:     make(map[netstack.ConnTuple]netstack.ConnState),
		neighbors: make(map[netip.Addr]net.HardwareAddr),
		ipSubs:    make(map[uint64]func()),
	}
}

// AddConnection registers a live connection. Local fields are filled
// from the tuple and the current interface address when unset.
func (s *Stack) AddConnection(t netstack.ConnTuple, st netstack.ConnState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !st.LocalIP.IsValid() {
		st.LocalIP = s.ip
	}
	st.RemoteIP = t.RemoteIP
	st.Local = t.LocalPort
	st.Remote = t.RemotePort
	s.conns[t] = st
}

// RemoveConnection drops a connection.
func (s *Stack) RemoveConnection(t netstack.ConnTuple) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, t)
}

// Connection returns the stored state of a connection.
func (s *Stack) Connection(t netstack.ConnTuple) (netstack.ConnState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.conns[t]
	return st, ok
}

// Frozen reports whether the stack is currently frozen.
func (s *Stack) Frozen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frozen
}

// FreezeCounts returns how many times Freeze and Unfreeze were called.
func (s *Stack) FreezeCounts() (freezes, unfreezes int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.freezes, s.unfreezes
}

// Received returns the frames handed to Input and how many of them
// arrived while the stack was frozen.
func (s *Stack) Received() (frames [][]byte, whileFrozen int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.input), s.frozenIn
}

func (s *Stack) Freeze() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frozen = true
	s.freezes++
}

func (s *Stack) Unfreeze() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frozen = false
	s.unfreezes++
}

func (s *Stack) Input(frame []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.frozen {
		s.frozenIn++
	}
	s.input = append(s.input, frame)
}

func (s *Stack) LookupConnection(_ context.Context, t netstack.ConnTuple) (netstack.ConnState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.conns[t]
	if !ok {
		return netstack.ConnState{}, fmt.Errorf("lookup %s: %w", t, netstack.ErrNoSuchConnection)
	}
	return st, nil
}

func (s *Stack) UpdateConnection(_ context.Context, t netstack.ConnTuple, seq, ack uint32, reset bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.conns[t]
	if !ok {
		return fmt.Errorf("update %s: %w", t, netstack.ErrNoSuchConnection)
	}
	st.Seq = seq
	st.Ack = ack
	if reset {
		st.State = netstack.StateFinWait2
	}
	s.conns[t] = st
	return nil
}

// SetIPv4 assigns the interface address and notifies subscribers when it changes.
func (s *Stack) SetIPv4(ip netip.Addr) {
	s.mu.Lock()
	changed := s.ip != ip
	s.ip = ip
	var subs []func()
	if changed {
		for _, fn := range s.ipSubs {
			subs = append(subs, fn)
		}
	}
	s.mu.Unlock()
	for _, fn := range subs {
		fn()
	}
}

// SetGateway sets the default gateway.
func (s *Stack) SetGateway(gw netip.Addr) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gateway = gw
}

// SetNeighbor seeds the neighbor cache.
func (s *Stack) SetNeighbor(ip netip.Addr, mac net.HardwareAddr) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.neighbors[ip] = mac
}

func (s *Stack) IPv4(context.Context) (netip.Addr, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ip.IsValid() || s.ip.IsUnspecified() {
		return netip.Addr{}, netstack.ErrNoAddress
	}
	return s.ip, nil
}

func (s *Stack) Gateway(context.Context) (netip.Addr, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.gateway.IsValid() {
		return netip.Addr{}, fmt.Errorf("gateway: %w", netstack.ErrNoAddress)
	}
	return s.gateway, nil
}

func (s *Stack) ResolveMAC(_ context.Context, ip netip.Addr) (net.HardwareAddr, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	mac, ok := s.neighbors[ip]
	if !ok {
		return nil, fmt.Errorf("resolve %s: %w", ip, netstack.ErrNoNeighbor)
	}
	return slices.Clone(mac), nil
}

func (s *Stack) OnIPChanged(fn func()) (cancel func()) {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.ipSubs[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.ipSubs, id)
	}
}

// IPSubscribers returns the number of registered address-change callbacks.
func (s *Stack) IPSubscribers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ipSubs)
}
