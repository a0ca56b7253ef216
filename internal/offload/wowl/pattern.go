package wowl

import (
	"encoding/hex"
	"errors"
	"fmt"
	"math/bits"
	"strings"

	"github.com/HerbHall/wlanlpa/pkg/offload"
	"github.com/HerbHall/wlanlpa/pkg/wlan"
)

// Limits on filter text, counted in hex digits after the "0x" prefix.
const (
	MaxPatternDigits = 128
	MaxMaskDigits    = 16
	MaxOffset        = 1500
)

var (
	ErrMissingPrefix = errors.New("hex value must start with 0x")
	ErrOddLength     = errors.New("hex value must have an even number of digits")
	ErrTooLong       = errors.New("hex value too long")
	ErrEmpty         = errors.New("hex value is empty")
)

// PatternError reports which filter field failed to parse. It matches both
// offload.ErrInvalidConfig and the underlying cause.
type PatternError struct {
	ID    uint8
	Field string // "pattern", "mask" or "offset"
	Err   error
}

func (e *PatternError) Error() string {
	return fmt.Sprintf("wowl filter %d %s: %v", e.ID, e.Field, e.Err)
}

func (e *PatternError) Unwrap() []error {
	return []error{offload.ErrInvalidConfig, e.Err}
}

// Filter is one packet wake filter as written in configuration. Bit i of the
// mask selects pattern byte i, counting from the most significant bit of
// the first mask byte.
type Filter struct {
	ID      uint8  `mapstructure:"id"`
	Pattern string `mapstructure:"pattern"` // e.g. "0x08004500"
	Mask    string `mapstructure:"mask"`    // e.g. "0xF0"
	Offset  uint16 `mapstructure:"offset"`
}

// Compile converts the filter to the firmware pattern. Mask bytes are
// bit-reversed because firmware reads mask bits LSB first.
func (f Filter) Compile() (wlan.WowlPattern, error) {
	if f.Offset > MaxOffset {
		return wlan.WowlPattern{}, &PatternError{ID: f.ID, Field: "offset", Err: fmt.Errorf("%d exceeds %d", f.Offset, MaxOffset)}
	}
	pattern, err := decodeHex(f.Pattern, MaxPatternDigits)
	if err != nil {
		return wlan.WowlPattern{}, &PatternError{ID: f.ID, Field: "pattern", Err: err}
	}
	mask, err := decodeHex(f.Mask, MaxMaskDigits)
	if err != nil {
		return wlan.WowlPattern{}, &PatternError{ID: f.ID, Field: "mask", Err: err}
	}
	for i, b := range mask {
		mask[i] = bits.Reverse8(b)
	}
	return wlan.WowlPattern{
		ID:      uint32(f.ID),
		Offset:  uint32(f.Offset),
		Type:    wlan.PatternBitmap,
		Mask:    mask,
		Pattern: pattern,
	}, nil
}

func decodeHex(s string, maxDigits int) ([]byte, error) {
	digits, ok := strings.CutPrefix(s, "0x")
	if !ok {
		digits, ok = strings.CutPrefix(s, "0X")
	}
	switch {
	case !ok:
		return nil, ErrMissingPrefix
	case digits == "":
		return nil, ErrEmpty
	case len(digits)%2 != 0:
		return nil, ErrOddLength
	case len(digits) > maxDigits:
		return nil, fmt.Errorf("%d digits: %w", len(digits), ErrTooLong)
	}
	b, err := hex.DecodeString(digits)
	if err != nil {
		return nil, err
	}
	return b, nil
}
