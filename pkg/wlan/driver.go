// Package wlan defines the WLAN host driver collaborator and the firmware
// wire formats the offloads push through it. Multi-byte firmware fields are
// little-endian (dongle order); packet templates embedded in them stay in
// network order.
package wlan

import (
	"context"
	"errors"
	"net"
)

var (
	// ErrUnsupported is returned by drivers whose firmware lacks a feature.
	ErrUnsupported = errors.New("not supported by firmware")
	// ErrMalformed is returned when a firmware buffer cannot be decoded.
	ErrMalformed = errors.New("malformed firmware buffer")
)

// KeepaliveType selects the firmware keepalive engine.
type KeepaliveType int

const (
	KeepaliveNull KeepaliveType = iota // 802.11 NULL data frames
	KeepaliveNAT                       // host-supplied packet template
)

func (t KeepaliveType) String() string {
	if t == KeepaliveNAT {
		return "nat"
	}
	return "null"
}

// Keepalive configures a periodic firmware transmission. A zero PeriodMS
// disables the engine.
type Keepalive struct {
	Type     KeepaliveType
	PeriodMS uint32
	Data     []byte
}

// EventType is a firmware event number.
type EventType int

const (
	EventTKO  EventType = iota + 1 // TCP keepalive failure
	EventWake                      // secure wake pattern matched
)

// Event is a firmware event delivered to a registered handler.
type Event struct {
	Type EventType
	Data []byte
}

// EventHandler runs on the driver's event goroutine and must not block.
type EventHandler func(Event)

// Driver is the WLAN host driver.
type Driver interface {
	GetIOVar(ctx context.Context, name string) (uint32, error)
	SetIOVar(ctx context.Context, name string, value uint32) error
	// GetIOVarBuffer issues a GET carrying param and returns the response.
	GetIOVarBuffer(ctx context.Context, name string, param []byte) ([]byte, error)
	SetIOVarBuffer(ctx context.Context, name string, buf []byte) error

	SetKeepalive(ctx context.Context, ka Keepalive) error

	MACAddress(ctx context.Context) (net.HardwareAddr, error)
	BSSID(ctx context.Context) (net.HardwareAddr, error)

	RegisterEventHandler(events []EventType, h EventHandler) (unregister func(), err error)
}

// IOVAR names.
const (
	IOVarARPVersion     = "arp_version"
	IOVarARPPeerAge     = "arp_peerage"
	IOVarARPOE          = "arpoe"
	IOVarARPTableClear  = "arp_table_clear"
	IOVarARPOL          = "arp_ol"
	IOVarARPHostIP      = "arp_hostip"
	IOVarARPHostIPClear = "arp_hostip_clear"
	IOVarARPStats       = "arp_stats"
	IOVarARPStatsClear  = "arp_stats_clear"

	IOVarBcnTrim           = "bcntrim"
	IOVarBcnWaitPeriod     = "bcn_wait_prd"
	IOVarBcnReacquireStart = "bcn_reacquire_start"
	IOVarRoamTimeThresh    = "roam_time_thresh"
	IOVarPM2SleepRet       = "pm2_sleep_ret"

	IOVarTKO = "tko"

	IOVarWowl              = "wowl"
	IOVarWowlPattern       = "wowl_pattern"
	IOVarWowlActivate      = "wowl_activate"
	IOVarWowlClear         = "wowl_clear"
	IOVarWowlSecure        = "wowl_activate_secure"
	IOVarWowlSecureSession = "wowl_secure_sess_info"
)
