package wlan

import (
	"context"
	"encoding/binary"
	"fmt"
)

// Wake-on-WLAN capability bits.
const (
	WowlMagic      uint32 = 0x00000001
	WowlNet        uint32 = 0x00000002
	WowlDisassoc   uint32 = 0x00000004
	WowlBeaconLoss uint32 = 0x00000010
	WowlARPOffload uint32 = 0x00001000
	WowlSecure     uint32 = 0x02000000
)

// PatternType selects how firmware matches a wake pattern.
type PatternType uint32

const (
	PatternBitmap PatternType = 0
	PatternSecure PatternType = 1 // matched against decrypted TLS records
)

const wowlPatternHeaderLen = 28

// WowlPattern is one wake pattern. Mask bit i covers pattern byte i.
type WowlPattern struct {
	ID      uint32
	Offset  uint32
	Type    PatternType
	Mask    []byte
	Pattern []byte
}

// EncodeWowlPattern builds the "wowl_pattern" buffer for op ("add", "del" or "clr").
func EncodeWowlPattern(op string, p WowlPattern) []byte {
	buf := make([]byte, 0, len(op)+1+wowlPatternHeaderLen+len(p.Mask)+len(p.Pattern))
	buf = append(buf, op...)
	buf = append(buf, 0)
	if op == "clr" {
		return buf
	}
	hdr := make([]byte, wowlPatternHeaderLen)
	binary.LittleEndian.PutUint32(hdr[0:], uint32(len(p.Mask)))
	binary.LittleEndian.PutUint32(hdr[4:], p.Offset)
	binary.LittleEndian.PutUint32(hdr[8:], uint32(wowlPatternHeaderLen+len(p.Mask)))
	binary.LittleEndian.PutUint32(hdr[12:], uint32(len(p.Pattern)))
	binary.LittleEndian.PutUint32(hdr[16:], p.ID)
	binary.LittleEndian.PutUint32(hdr[20:], 0) // reasonsize
	binary.LittleEndian.PutUint32(hdr[24:], uint32(p.Type))
	buf = append(buf, hdr...)
	buf = append(buf, p.Mask...)
	buf = append(buf, p.Pattern...)
	return buf
}

// DecodeWowlPattern reverses EncodeWowlPattern.
func DecodeWowlPattern(buf []byte) (string, WowlPattern, error) {
	var op string
	for i, b := range buf {
		if b == 0 {
			op = string(buf[:i])
			buf = buf[i+1:]
			break
		}
	}
	if op == "" {
		return "", WowlPattern{}, fmt.Errorf("wowl_pattern op: %w", ErrMalformed)
	}
	if op == "clr" {
		return op, WowlPattern{}, nil
	}
	if len(buf) < wowlPatternHeaderLen {
		return "", WowlPattern{}, fmt.Errorf("wowl_pattern header: %w", ErrMalformed)
	}
	maskLen := int(binary.LittleEndian.Uint32(buf[0:]))
	patLen := int(binary.LittleEndian.Uint32(buf[12:]))
	if len(buf) < wowlPatternHeaderLen+maskLen+patLen {
		return "", WowlPattern{}, fmt.Errorf("wowl_pattern body: %w", ErrMalformed)
	}
	p := WowlPattern{
		Offset:  binary.LittleEndian.Uint32(buf[4:]),
		ID:      binary.LittleEndian.Uint32(buf[16:]),
		Type:    PatternType(binary.LittleEndian.Uint32(buf[24:])),
		Mask:    buf[wowlPatternHeaderLen : wowlPatternHeaderLen+maskLen],
		Pattern: buf[wowlPatternHeaderLen+maskLen : wowlPatternHeaderLen+maskLen+patLen],
	}
	return op, p, nil
}

// AddWowlPattern installs a wake pattern.
func AddWowlPattern(ctx context.Context, d Driver, p WowlPattern) error {
	if err := d.SetIOVarBuffer(ctx, IOVarWowlPattern, EncodeWowlPattern("add", p)); err != nil {
		return fmt.Errorf("wowl_pattern add id=%d: %w", p.ID, err)
	}
	return nil
}

// DeleteWowlPattern removes a wake pattern.
func DeleteWowlPattern(ctx context.Context, d Driver, p WowlPattern) error {
	if err := d.SetIOVarBuffer(ctx, IOVarWowlPattern, EncodeWowlPattern("del", p)); err != nil {
		return fmt.Errorf("wowl_pattern del id=%d: %w", p.ID, err)
	}
	return nil
}

// ClearWowlPatterns removes every wake pattern.
func ClearWowlPatterns(ctx context.Context, d Driver) error {
	if err := d.SetIOVarBuffer(ctx, IOVarWowlPattern, EncodeWowlPattern("clr", WowlPattern{})); err != nil {
		return fmt.Errorf("wowl_pattern clr: %w", err)
	}
	return nil
}

// WowlCaps returns the enabled wake capability bits.
func WowlCaps(ctx context.Context, d Driver) (uint32, error) {
	v, err := d.GetIOVar(ctx, IOVarWowl)
	if err != nil {
		return 0, fmt.Errorf("wowl caps: %w", err)
	}
	return v, nil
}

// SetWowlCaps sets the wake capability bits.
func SetWowlCaps(ctx context.Context, d Driver, caps uint32) error {
	if err := d.SetIOVar(ctx, IOVarWowl, caps); err != nil {
		return fmt.Errorf("wowl caps=%#x: %w", caps, err)
	}
	return nil
}

// ActivateWowl arms or disarms wake-on-WLAN.
func ActivateWowl(ctx context.Context, d Driver, on bool) error {
	var v uint32
	if on {
		v = 1
	}
	if err := d.SetIOVar(ctx, IOVarWowlActivate, v); err != nil {
		return fmt.Errorf("wowl_activate=%d: %w", v, err)
	}
	return nil
}

// ClearWowl resets wake state after the host resumes.
func ClearWowl(ctx context.Context, d Driver) error {
	if err := d.SetIOVar(ctx, IOVarWowlClear, 1); err != nil {
		return fmt.Errorf("wowl_clear: %w", err)
	}
	return nil
}
