package wlan

import (
	"context"
	"encoding/binary"
	"fmt"
	"net/netip"
)

// TKO subcommands carried in the "tko" IOVAR.
const (
	TKOSubcmdMaxTCP  uint16 = 0
	TKOSubcmdParam   uint16 = 1
	TKOSubcmdConnect uint16 = 2
	TKOSubcmdEnable  uint16 = 3
	TKOSubcmdStatus  uint16 = 4
)

const (
	tkoHeaderLen  = 4  // subcmd_id, len
	tkoConnectLen = 20 // fixed part of the connect record
)

// TKOParams are the keepalive timings, all in seconds.
type TKOParams struct {
	Interval      uint16
	RetryInterval uint16
	RetryCount    uint16
}

// TKOConnect describes one connection handed to the TCP keepalive engine.
type TKOConnect struct {
	Index      uint8
	LocalPort  uint16
	RemotePort uint16
	LocalSeq   uint32
	RemoteSeq  uint32
	LocalIP    netip.Addr
	RemoteIP   netip.Addr
	Request    []byte // frame sent as the keepalive probe
	Response   []byte // frame sent in answer to a peer probe
}

// EncodeTKO wraps payload in a tko subcommand header.
func EncodeTKO(subcmd uint16, payload []byte) []byte {
	buf := make([]byte, tkoHeaderLen+len(payload))
	binary.LittleEndian.PutUint16(buf[0:], subcmd)
	binary.LittleEndian.PutUint16(buf[2:], uint16(len(payload)))
	copy(buf[tkoHeaderLen:], payload)
	return buf
}

// DecodeTKO splits a tko buffer into its subcommand and payload.
func DecodeTKO(buf []byte) (uint16, []byte, error) {
	if len(buf) < tkoHeaderLen {
		return 0, nil, fmt.Errorf("tko header: %w", ErrMalformed)
	}
	sub := binary.LittleEndian.Uint16(buf[0:])
	n := int(binary.LittleEndian.Uint16(buf[2:]))
	if len(buf) < tkoHeaderLen+n {
		return 0, nil, fmt.Errorf("tko payload of %d bytes truncated: %w", n, ErrMalformed)
	}
	return sub, buf[tkoHeaderLen : tkoHeaderLen+n], nil
}

// MarshalBinary encodes the connect record.
func (c TKOConnect) MarshalBinary() ([]byte, error) {
	if !c.LocalIP.Is4() || !c.RemoteIP.Is4() {
		return nil, fmt.Errorf("tko connect %d: IPv4 addresses required", c.Index)
	}
	buf := make([]byte, tkoConnectLen, tkoConnectLen+8+len(c.Request)+len(c.Response))
	buf[0] = c.Index
	buf[1] = 0 // ip_addr_type: IPv4
	binary.LittleEndian.PutUint16(buf[2:], c.LocalPort)
	binary.LittleEndian.PutUint16(buf[4:], c.RemotePort)
	binary.LittleEndian.PutUint32(buf[8:], c.LocalSeq)
	binary.LittleEndian.PutUint32(buf[12:], c.RemoteSeq)
	binary.LittleEndian.PutUint16(buf[16:], uint16(len(c.Request)))
	binary.LittleEndian.PutUint16(buf[18:], uint16(len(c.Response)))
	local, remote := c.LocalIP.As4(), c.RemoteIP.As4()
	buf = append(buf, local[:]...)
	buf = append(buf, remote[:]...)
	buf = append(buf, c.Request...)
	buf = append(buf, c.Response...)
	return buf, nil
}

// ParseTKOConnect decodes a connect record produced by MarshalBinary.
func ParseTKOConnect(b []byte) (TKOConnect, error) {
	if len(b) < tkoConnectLen+8 {
		return TKOConnect{}, fmt.Errorf("tko connect: %w", ErrMalformed)
	}
	c := TKOConnect{
		Index:      b[0],
		LocalPort:  binary.LittleEndian.Uint16(b[2:]),
		RemotePort: binary.LittleEndian.Uint16(b[4:]),
		LocalSeq:   binary.LittleEndian.Uint32(b[8:]),
		RemoteSeq:  binary.LittleEndian.Uint32(b[12:]),
	}
	reqLen := int(binary.LittleEndian.Uint16(b[16:]))
	respLen := int(binary.LittleEndian.Uint16(b[18:]))
	data := b[tkoConnectLen:]
	if len(data) < 8+reqLen+respLen {
		return TKOConnect{}, fmt.Errorf("tko connect frames: %w", ErrMalformed)
	}
	c.LocalIP = netip.AddrFrom4([4]byte(data[0:4]))
	c.RemoteIP = netip.AddrFrom4([4]byte(data[4:8]))
	c.Request = data[8 : 8+reqLen]
	c.Response = data[8+reqLen : 8+reqLen+respLen]
	return c, nil
}

// TKOMaxConnections asks firmware how many connections it can keep alive.
func TKOMaxConnections(ctx context.Context, d Driver) (int, error) {
	resp, err := d.GetIOVarBuffer(ctx, IOVarTKO, EncodeTKO(TKOSubcmdMaxTCP, nil))
	if err != nil {
		return 0, fmt.Errorf("tko max_tcp: %w", err)
	}
	_, payload, err := DecodeTKO(resp)
	if err != nil {
		return 0, err
	}
	if len(payload) < 1 {
		return 0, fmt.Errorf("tko max_tcp: %w", ErrMalformed)
	}
	return int(payload[0]), nil
}

// SetTKOParams sets the keepalive interval and retry policy.
func SetTKOParams(ctx context.Context, d Driver, p TKOParams) error {
	payload := make([]byte, 8)
	binary.LittleEndian.PutUint16(payload[0:], p.Interval)
	binary.LittleEndian.PutUint16(payload[2:], p.RetryInterval)
	binary.LittleEndian.PutUint16(payload[4:], p.RetryCount)
	if err := d.SetIOVarBuffer(ctx, IOVarTKO, EncodeTKO(TKOSubcmdParam, payload)); err != nil {
		return fmt.Errorf("tko param: %w", err)
	}
	return nil
}

// ParseTKOParams decodes a param subcommand payload.
func ParseTKOParams(payload []byte) (TKOParams, error) {
	if len(payload) < 6 {
		return TKOParams{}, fmt.Errorf("tko param: %w", ErrMalformed)
	}
	return TKOParams{
		Interval:      binary.LittleEndian.Uint16(payload[0:]),
		RetryInterval: binary.LittleEndian.Uint16(payload[2:]),
		RetryCount:    binary.LittleEndian.Uint16(payload[4:]),
	}, nil
}

// TKOActivate loads one connection slot.
func TKOActivate(ctx context.Context, d Driver, c TKOConnect) error {
	payload, err := c.MarshalBinary()
	if err != nil {
		return err
	}
	if err := d.SetIOVarBuffer(ctx, IOVarTKO, EncodeTKO(TKOSubcmdConnect, payload)); err != nil {
		return fmt.Errorf("tko connect %d: %w", c.Index, err)
	}
	return nil
}

// TKOEnable toggles the keepalive engine for all loaded slots.
func TKOEnable(ctx context.Context, d Driver, enable bool) error {
	payload := make([]byte, 4)
	if enable {
		payload[0] = 1
	}
	if err := d.SetIOVarBuffer(ctx, IOVarTKO, EncodeTKO(TKOSubcmdEnable, payload)); err != nil {
		return fmt.Errorf("tko enable=%t: %w", enable, err)
	}
	return nil
}
