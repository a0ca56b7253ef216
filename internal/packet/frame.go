package packet

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"net/netip"
)

const (
	EthHeaderLen  = 14
	IPv4HeaderLen = 20
	TCPHeaderLen  = 20
	UDPHeaderLen  = 8

	// TCPKeepaliveLen is the size of a synthesized TCP keepalive frame.
	TCPKeepaliveLen = EthHeaderLen + IPv4HeaderLen + TCPHeaderLen
	// UDPKeepaliveFixedLen is the size of a UDP keepalive frame without payload.
	UDPKeepaliveFixedLen = EthHeaderLen + IPv4HeaderLen + UDPHeaderLen
	// MaxUDPPayload bounds the NAT keepalive payload.
	MaxUDPPayload = 127

	etherTypeIPv4 = 0x0800

	tcpTTL = 32
	udpTTL = 225
	udpID  = 1

	TCPFlagFIN = 0x01
	TCPFlagSYN = 0x02
	TCPFlagRST = 0x04
	TCPFlagPSH = 0x08
	TCPFlagACK = 0x10
)

var (
	ErrShortBuffer     = errors.New("buffer too short for frame")
	ErrPayloadTooLarge = errors.New("keepalive payload too large")
	ErrNotIPv4         = errors.New("addresses must be IPv4")
	ErrBadFrame        = errors.New("malformed frame")
)

// SocketFacts is the connection snapshot a keepalive template is built from.
// It is read once from the live stack when an offload is armed.
type SocketFacts struct {
	SrcMAC  net.HardwareAddr
	DstMAC  net.HardwareAddr
	SrcIP   netip.Addr
	DstIP   netip.Addr
	SrcPort uint16
	DstPort uint16
	Seq     uint32
	Ack     uint32
	Window  uint16
	Payload []byte // UDP only
}

func (f SocketFacts) validate() error {
	if !f.SrcIP.Is4() || !f.DstIP.Is4() {
		return ErrNotIPv4
	}
	if len(f.SrcMAC) != 6 || len(f.DstMAC) != 6 {
		return fmt.Errorf("ethernet addresses must be 6 bytes: %w", ErrBadFrame)
	}
	return nil
}

func putEthernet(dst []byte, f SocketFacts) {
	copy(dst[0:6], f.DstMAC)
	copy(dst[6:12], f.SrcMAC)
	binary.BigEndian.PutUint16(dst[12:14], etherTypeIPv4)
}

func putIPv4(ip []byte, f SocketFacts, totalLen int, id uint16, ttl, proto byte) {
	ip[0] = 0x45
	ip[1] = 0
	binary.BigEndian.PutUint16(ip[2:4], uint16(totalLen))
	binary.BigEndian.PutUint16(ip[4:6], id)
	binary.BigEndian.PutUint16(ip[6:8], 0)
	ip[8] = ttl
	ip[9] = proto
	src, dst := f.SrcIP.As4(), f.DstIP.As4()
	copy(ip[12:16], src[:])
	copy(ip[16:20], dst[:])
	binary.BigEndian.PutUint16(ip[10:12], IPv4HeaderChecksum(ip[:IPv4HeaderLen]))
}

// BuildTCPKeepalive writes a bare ACK segment for f into dst and returns
// its length.
func BuildTCPKeepalive(dst []byte, f SocketFacts) (int, error) {
	if len(dst) < TCPKeepaliveLen {
		return 0, ErrShortBuffer
	}
	if err := f.validate(); err != nil {
		return 0, err
	}
	putEthernet(dst, f)
	ip := dst[EthHeaderLen : EthHeaderLen+IPv4HeaderLen]
	putIPv4(ip, f, IPv4HeaderLen+TCPHeaderLen, 0, tcpTTL, ProtoTCP)

	tcp := dst[EthHeaderLen+IPv4HeaderLen : TCPKeepaliveLen]
	binary.BigEndian.PutUint16(tcp[0:2], f.SrcPort)
	binary.BigEndian.PutUint16(tcp[2:4], f.DstPort)
	binary.BigEndian.PutUint32(tcp[4:8], f.Seq)
	binary.BigEndian.PutUint32(tcp[8:12], f.Ack)
	tcp[12] = (TCPHeaderLen / 4) << 4
	tcp[13] = TCPFlagACK
	binary.BigEndian.PutUint16(tcp[14:16], f.Window)
	binary.BigEndian.PutUint16(tcp[18:20], 0)
	binary.BigEndian.PutUint16(tcp[16:18], TCPChecksum(ip, tcp, TCPHeaderLen))
	return TCPKeepaliveLen, nil
}

// BuildUDPKeepalive writes a UDP datagram carrying f.Payload into dst and
// returns its length.
func BuildUDPKeepalive(dst []byte, f SocketFacts) (int, error) {
	if len(f.Payload) > MaxUDPPayload {
		return 0, ErrPayloadTooLarge
	}
	n := UDPKeepaliveFixedLen + len(f.Payload)
	if len(dst) < n {
		return 0, ErrShortBuffer
	}
	if err := f.validate(); err != nil {
		return 0, err
	}
	putEthernet(dst, f)

	udpLen := UDPHeaderLen + len(f.Payload)
	udp := dst[EthHeaderLen+IPv4HeaderLen : n]
	binary.BigEndian.PutUint16(udp[0:2], f.SrcPort)
	binary.BigEndian.PutUint16(udp[2:4], f.DstPort)
	binary.BigEndian.PutUint16(udp[4:6], uint16(udpLen))
	copy(udp[UDPHeaderLen:], f.Payload)

	var addrs [8]byte
	src, dstIP := f.SrcIP.As4(), f.DstIP.As4()
	copy(addrs[0:4], src[:])
	copy(addrs[4:8], dstIP[:])
	binary.BigEndian.PutUint16(udp[6:8], UDPChecksum(udpLen, addrs, udp))

	putIPv4(dst[EthHeaderLen:EthHeaderLen+IPv4HeaderLen], f, IPv4HeaderLen+udpLen, udpID, udpTTL, ProtoUDP)
	return n, nil
}

// TCPFrame is a decoded TCP keepalive frame.
type TCPFrame struct {
	SrcMAC, DstMAC   net.HardwareAddr
	SrcIP, DstIP     netip.Addr
	TTL              uint8
	ID               uint16
	SrcPort, DstPort uint16
	Seq, Ack         uint32
	Flags            uint8
	Window           uint16
	IPChecksum       uint16
	TCPChecksum      uint16
	IP, TCP          []byte // header slices into the decoded frame
}

// ParseTCPFrame decodes a frame built by BuildTCPKeepalive.
func ParseTCPFrame(b []byte) (TCPFrame, error) {
	if len(b) < TCPKeepaliveLen {
		return TCPFrame{}, ErrShortBuffer
	}
	if binary.BigEndian.Uint16(b[12:14]) != etherTypeIPv4 {
		return TCPFrame{}, fmt.Errorf("ethertype %#x: %w", binary.BigEndian.Uint16(b[12:14]), ErrBadFrame)
	}
	ip := b[EthHeaderLen : EthHeaderLen+IPv4HeaderLen]
	if ip[0] != 0x45 || ip[9] != ProtoTCP {
		return TCPFrame{}, fmt.Errorf("not an option-less IPv4/TCP frame: %w", ErrBadFrame)
	}
	tcp := b[EthHeaderLen+IPv4HeaderLen : TCPKeepaliveLen]
	return TCPFrame{
		DstMAC:      net.HardwareAddr(b[0:6]),
		SrcMAC:      net.HardwareAddr(b[6:12]),
		SrcIP:       netip.AddrFrom4([4]byte(ip[12:16])),
		DstIP:       netip.AddrFrom4([4]byte(ip[16:20])),
		TTL:         ip[8],
		ID:          binary.BigEndian.Uint16(ip[4:6]),
		IPChecksum:  binary.BigEndian.Uint16(ip[10:12]),
		SrcPort:     binary.BigEndian.Uint16(tcp[0:2]),
		DstPort:     binary.BigEndian.Uint16(tcp[2:4]),
		Seq:         binary.BigEndian.Uint32(tcp[4:8]),
		Ack:         binary.BigEndian.Uint32(tcp[8:12]),
		Flags:       tcp[13],
		Window:      binary.BigEndian.Uint16(tcp[14:16]),
		TCPChecksum: binary.BigEndian.Uint16(tcp[16:18]),
		IP:          ip,
		TCP:         tcp,
	}, nil
}

// UDPFrame is a decoded UDP keepalive frame.
type UDPFrame struct {
	SrcMAC, DstMAC   net.HardwareAddr
	SrcIP, DstIP     netip.Addr
	TTL              uint8
	ID               uint16
	SrcPort, DstPort uint16
	Length           uint16
	IPChecksum       uint16
	UDPChecksum      uint16
	Payload          []byte
	IP, UDP          []byte
}

// ParseUDPFrame decodes a frame built by BuildUDPKeepalive.
func ParseUDPFrame(b []byte) (UDPFrame, error) {
	if len(b) < UDPKeepaliveFixedLen {
		return UDPFrame{}, ErrShortBuffer
	}
	ip := b[EthHeaderLen : EthHeaderLen+IPv4HeaderLen]
	if ip[0] != 0x45 || ip[9] != ProtoUDP {
		return UDPFrame{}, fmt.Errorf("not an option-less IPv4/UDP frame: %w", ErrBadFrame)
	}
	udp := b[EthHeaderLen+IPv4HeaderLen:]
	length := binary.BigEndian.Uint16(udp[4:6])
	if int(length) < UDPHeaderLen || int(length) > len(udp) {
		return UDPFrame{}, fmt.Errorf("udp length %d: %w", length, ErrBadFrame)
	}
	udp = udp[:length]
	return UDPFrame{
		DstMAC:      net.HardwareAddr(b[0:6]),
		SrcMAC:      net.HardwareAddr(b[6:12]),
		SrcIP:       netip.AddrFrom4([4]byte(ip[12:16])),
		DstIP:       netip.AddrFrom4([4]byte(ip[16:20])),
		TTL:         ip[8],
		ID:          binary.BigEndian.Uint16(ip[4:6]),
		IPChecksum:  binary.BigEndian.Uint16(ip[10:12]),
		SrcPort:     binary.BigEndian.Uint16(udp[0:2]),
		DstPort:     binary.BigEndian.Uint16(udp[2:4]),
		Length:      length,
		UDPChecksum: binary.BigEndian.Uint16(udp[6:8]),
		Payload:     udp[UDPHeaderLen:],
		IP:          ip,
		UDP:         udp,
	}, nil
}
