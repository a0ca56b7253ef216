// Package packet computes Internet checksums and synthesizes the
// Ethernet+IPv4+TCP/UDP frame templates that firmware replays on the
// host's behalf. Every function is pure and writes only into caller buffers.
package packet

const (
	ProtoTCP = 6
	ProtoUDP = 17

	ipChecksumOff  = 10
	tcpChecksumOff = 16
	udpChecksumOff = 6
)

// sum16 adds b to acc as big-endian 16-bit words, skipping the two bytes at
// skip (pass -1 to skip nothing). An odd trailing byte is padded with zero.
func sum16(acc uint32, b []byte, skip int) uint32 {
	n := len(b)
	for i := 0; i+1 < n; i += 2 {
		if i == skip {
			continue
		}
		acc += uint32(b[i])<<8 | uint32(b[i+1])
	}
	if n%2 != 0 && n-1 != skip {
		acc += uint32(b[n-1]) << 8
	}
	return acc
}

func fold(acc uint32) uint32 {
	for acc > 0xFFFF {
		acc = (acc & 0xFFFF) + (acc >> 16)
	}
	return acc
}

// IPv4HeaderChecksum returns the header checksum of ip. The checksum field
// itself is excluded, so the result does not depend on its current value.
func IPv4HeaderChecksum(ip []byte) uint16 {
	return ^uint16(fold(sum16(0, ip, ipChecksumOff)))
}

// TCPChecksum returns the checksum of the first tcpLen bytes of tcp,
// including the pseudo header built from the addresses in ip.
// The checksum field of tcp is excluded.
func TCPChecksum(ip, tcp []byte, tcpLen int) uint16 {
	var acc uint32
	acc = sum16(acc, ip[12:16], -1)
	acc = sum16(acc, ip[16:20], -1)
	acc += ProtoTCP
	acc += uint32(uint16(tcpLen))
	acc = sum16(acc, tcp[:tcpLen], tcpChecksumOff)

	// Two folds: the first can carry once more.
	acc = (acc & 0xFFFF) + (acc >> 16)
	acc = (acc & 0xFFFF) + (acc >> 16)
	return ^uint16(acc)
}

// UDPChecksum returns the checksum of the first length bytes of udp, with
// addrs holding the source then destination IPv4 address. The checksum field
// of udp is excluded. A computed zero is sent as 0xFFFF, since zero on the
// wire means no checksum.
func UDPChecksum(length int, addrs [8]byte, udp []byte) uint16 {
	var acc uint32
	for i := 0; i < length; i++ {
		if i == udpChecksumOff || i == udpChecksumOff+1 {
			continue
		}
		if i%2 == 0 {
			acc += uint32(udp[i]) << 8
		} else {
			acc += uint32(udp[i])
		}
	}
	acc = sum16(acc, addrs[:], -1)
	acc += ProtoUDP + uint32(uint16(length))

	sum := ^uint16(fold(acc))
	if sum == 0 {
		sum = 0xFFFF
	}
	return sum
}
