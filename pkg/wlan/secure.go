package wlan

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"net/netip"
)

// MaxSecurePayload is the largest keepalive record firmware will encrypt.
const MaxSecurePayload = 64

const sessionStatusLen = 24

// TLSVersion is a TLS protocol version.
type TLSVersion struct {
	Major uint8
	Minor uint8
}

// SecureParams hands a live TLS session to firmware so it can send
// encrypted keepalives and match decrypted wake patterns.
type SecureParams struct {
	Version        TLSVersion
	Compression    uint8
	Cipher         uint8
	CipherType     uint8
	MAC            uint8
	EncryptThenMAC bool

	WriteIV, ReadIV               []byte
	WriteMasterKey, ReadMasterKey []byte
	WriteMACKey, ReadMACKey       []byte
	WriteSequence, ReadSequence   []byte

	LocalIP, RemoteIP     netip.Addr
	LocalPort, RemotePort uint16
	LocalMAC, RemoteMAC   net.HardwareAddr

	TCPSeq            uint32
	TCPAck            uint32
	SyncID            uint32
	KeepaliveInterval uint32 // seconds
	Payload           []byte
}

// MarshalBinary encodes the parameters. Byte fields are length-prefixed.
func (p SecureParams) MarshalBinary() ([]byte, error) {
	if !p.LocalIP.Is4() || !p.RemoteIP.Is4() {
		return nil, fmt.Errorf("secure params: IPv4 addresses required")
	}
	if len(p.LocalMAC) != 6 || len(p.RemoteMAC) != 6 {
		return nil, fmt.Errorf("secure params: 6-byte MAC addresses required")
	}
	payload := p.Payload
	if len(payload) > MaxSecurePayload {
		payload = payload[:MaxSecurePayload]
	}

	buf := []byte{p.Version.Major, p.Version.Minor, p.Compression, p.Cipher, p.CipherType, p.MAC, 0}
	if p.EncryptThenMAC {
		buf[6] = 1
	}
	for _, f := range [][]byte{
		p.WriteIV, p.ReadIV,
		p.WriteMasterKey, p.ReadMasterKey,
		p.WriteMACKey, p.ReadMACKey,
		p.WriteSequence, p.ReadSequence,
	} {
		if len(f) > 255 {
			return nil, fmt.Errorf("secure params: key material field of %d bytes", len(f))
		}
		buf = append(buf, byte(len(f)))
		buf = append(buf, f...)
	}
	local, remote := p.LocalIP.As4(), p.RemoteIP.As4()
	buf = append(buf, local[:]...)
	buf = binary.LittleEndian.AppendUint16(buf, p.LocalPort)
	buf = append(buf, p.LocalMAC...)
	buf = append(buf, remote[:]...)
	buf = binary.LittleEndian.AppendUint16(buf, p.RemotePort)
	buf = append(buf, p.RemoteMAC...)
	buf = binary.LittleEndian.AppendUint32(buf, p.TCPSeq)
	buf = binary.LittleEndian.AppendUint32(buf, p.TCPAck)
	buf = binary.LittleEndian.AppendUint32(buf, p.SyncID)
	buf = binary.LittleEndian.AppendUint32(buf, p.KeepaliveInterval)
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(payload)))
	buf = append(buf, payload...)
	return buf, nil
}

// ParseSecureParams decodes the connection part of an encoded SecureParams.
// Key material is skipped.
func ParseSecureParams(b []byte) (SecureParams, error) {
	var p SecureParams
	if len(b) < 7 {
		return p, fmt.Errorf("secure params: %w", ErrMalformed)
	}
	p.Version = TLSVersion{Major: b[0], Minor: b[1]}
	p.Compression, p.Cipher, p.CipherType, p.MAC = b[2], b[3], b[4], b[5]
	p.EncryptThenMAC = b[6] == 1
	b = b[7:]
	for i := 0; i < 8; i++ {
		if len(b) < 1 || len(b) < 1+int(b[0]) {
			return p, fmt.Errorf("secure params key material: %w", ErrMalformed)
		}
		b = b[1+int(b[0]):]
	}
	const fixed = 4 + 2 + 6 + 4 + 2 + 6 + 16 + 2
	if len(b) < fixed {
		return p, fmt.Errorf("secure params connection: %w", ErrMalformed)
	}
	p.LocalIP = netip.AddrFrom4([4]byte(b[0:4]))
	p.LocalPort = binary.LittleEndian.Uint16(b[4:])
	p.LocalMAC = net.HardwareAddr(b[6:12])
	p.RemoteIP = netip.AddrFrom4([4]byte(b[12:16]))
	p.RemotePort = binary.LittleEndian.Uint16(b[16:])
	p.RemoteMAC = net.HardwareAddr(b[18:24])
	p.TCPSeq = binary.LittleEndian.Uint32(b[24:])
	p.TCPAck = binary.LittleEndian.Uint32(b[28:])
	p.SyncID = binary.LittleEndian.Uint32(b[32:])
	p.KeepaliveInterval = binary.LittleEndian.Uint32(b[36:])
	n := int(binary.LittleEndian.Uint16(b[40:]))
	if len(b) < fixed+n {
		return p, fmt.Errorf("secure params payload: %w", ErrMalformed)
	}
	p.Payload = b[fixed : fixed+n]
	return p, nil
}

// ActivateSecure hands a TLS session to firmware.
func ActivateSecure(ctx context.Context, d Driver, p SecureParams) error {
	buf, err := p.MarshalBinary()
	if err != nil {
		return err
	}
	if err := d.SetIOVarBuffer(ctx, IOVarWowlSecure, buf); err != nil {
		return fmt.Errorf("wowl_activate_secure: %w", err)
	}
	return nil
}

// SessionStatus is the TLS and TCP progress made by firmware while the host slept.
type SessionStatus struct {
	TCPSeq   uint32
	TCPAck   uint32
	ReadSeq  [8]byte
	WriteSeq [8]byte
}

// MarshalBinary encodes the status as firmware reports it.
func (s SessionStatus) MarshalBinary() ([]byte, error) {
	buf := make([]byte, sessionStatusLen)
	binary.LittleEndian.PutUint32(buf[0:], s.TCPSeq)
	binary.LittleEndian.PutUint32(buf[4:], s.TCPAck)
	copy(buf[8:16], s.ReadSeq[:])
	copy(buf[16:24], s.WriteSeq[:])
	return buf, nil
}

// SecureSessionStatus reads back the offloaded session state.
func SecureSessionStatus(ctx context.Context, d Driver) (SessionStatus, error) {
	resp, err := d.GetIOVarBuffer(ctx, IOVarWowlSecureSession, nil)
	if err != nil {
		return SessionStatus{}, fmt.Errorf("wowl_secure_sess_info: %w", err)
	}
	if len(resp) < sessionStatusLen {
		return SessionStatus{}, fmt.Errorf("wowl_secure_sess_info: %w", ErrMalformed)
	}
	var s SessionStatus
	s.TCPSeq = binary.LittleEndian.Uint32(resp[0:])
	s.TCPAck = binary.LittleEndian.Uint32(resp[4:])
	copy(s.ReadSeq[:], resp[8:16])
	copy(s.WriteSeq[:], resp[16:24])
	return s, nil
}
