package wlan

import (
	"context"
	"encoding/binary"
	"fmt"
	"net/netip"
)

// ARPHostIPMax is the number of host addresses the firmware agent answers for.
const ARPHostIPMax = 8

// ARP offload feature flags for IOVarARPOL.
const (
	ARPAgent         uint32 = 0x1
	ARPSnoop         uint32 = 0x2
	ARPHostAutoReply uint32 = 0x4
	ARPPeerAutoReply uint32 = 0x8
)

// ARPStats are the firmware ARP agent counters.
type ARPStats struct {
	HostIPEntries   uint32
	HostIPOverflow  uint32
	TableEntries    uint32
	TableOverflow   uint32
	HostRequest     uint32
	HostReply       uint32
	HostService     uint32
	PeerRequest     uint32
	PeerRequestDrop uint32
	PeerReply       uint32
	PeerReplyDrop   uint32
	PeerService     uint32
}

const arpStatsLen = 12 * 4

// MarshalBinary encodes the counters as little-endian words.
func (s ARPStats) MarshalBinary() ([]byte, error) {
	b := make([]byte, arpStatsLen)
	for i, v := range s.words() {
		binary.LittleEndian.PutUint32(b[i*4:], v)
	}
	return b, nil
}

func (s ARPStats) words() [12]uint32 {
	return [12]uint32{
		s.HostIPEntries, s.HostIPOverflow, s.TableEntries, s.TableOverflow,
		s.HostRequest, s.HostReply, s.HostService,
		s.PeerRequest, s.PeerRequestDrop, s.PeerReply, s.PeerReplyDrop, s.PeerService,
	}
}

// ParseARPStats decodes an arp_stats response.
func ParseARPStats(b []byte) (ARPStats, error) {
	if len(b) < arpStatsLen {
		return ARPStats{}, fmt.Errorf("arp_stats: %d bytes: %w", len(b), ErrMalformed)
	}
	w := func(i int) uint32 { return binary.LittleEndian.Uint32(b[i*4:]) }
	return ARPStats{
		HostIPEntries: w(0), HostIPOverflow: w(1), TableEntries: w(2), TableOverflow: w(3),
		HostRequest: w(4), HostReply: w(5), HostService: w(6),
		PeerRequest: w(7), PeerRequestDrop: w(8), PeerReply: w(9), PeerReplyDrop: w(10), PeerService: w(11),
	}, nil
}

// SetVoid issues a SET that carries no value, such as a table clear.
func SetVoid(ctx context.Context, d Driver, name string) error {
	if err := d.SetIOVarBuffer(ctx, name, nil); err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}

// ReadARPStats reads the firmware ARP agent counters.
func ReadARPStats(ctx context.Context, d Driver) (ARPStats, error) {
	b, err := d.GetIOVarBuffer(ctx, IOVarARPStats, nil)
	if err != nil {
		return ARPStats{}, fmt.Errorf("arp_stats: %w", err)
	}
	return ParseARPStats(b)
}

// AddARPHostIP adds ip to the addresses the firmware answers ARP for.
func AddARPHostIP(ctx context.Context, d Driver, ip netip.Addr) error {
	if !ip.Is4() {
		return fmt.Errorf("arp_hostip %s: %w", ip, ErrMalformed)
	}
	a := ip.As4()
	if err := d.SetIOVarBuffer(ctx, IOVarARPHostIP, a[:]); err != nil {
		return fmt.Errorf("arp_hostip: %w", err)
	}
	return nil
}

// ARPHostIPs reads the host address table. Zero entries end the list.
func ARPHostIPs(ctx context.Context, d Driver) ([]netip.Addr, error) {
	b, err := d.GetIOVarBuffer(ctx, IOVarARPHostIP, nil)
	if err != nil {
		return nil, fmt.Errorf("arp_hostip: %w", err)
	}
	var out []netip.Addr
	for i := 0; i+4 <= len(b) && len(out) < ARPHostIPMax; i += 4 {
		ip := netip.AddrFrom4([4]byte(b[i : i+4]))
		if ip.IsUnspecified() {
			break
		}
		out = append(out, ip)
	}
	return out, nil
}
