// Package tlsko hands a live TLS connection (typically an MQTT session) to
// firmware while the host sleeps. Firmware encrypts MQTT PINGREQ keepalives
// with the session keys and wakes the host when a decrypted record matches
// the wake pattern. On resume the TLS and TCP sequence numbers firmware
// advanced are written back to the session and the stack.
package tlsko

import (
	"context"
	"errors"
	"fmt"
	"net"
	"slices"
	"sync"

	"github.com/HerbHall/wlanlpa/pkg/netstack"
	"github.com/HerbHall/wlanlpa/pkg/offload"
	"github.com/HerbHall/wlanlpa/pkg/wlan"
	"go.uber.org/zap"
)

// Compile-time interface guard.
var _ offload.Offload = (*Offload)(nil)

// PatternOffset is where the wake pattern starts in a decrypted record,
// past the MQTT fixed header.
const PatternOffset = 4

// ErrSessionOffloaded is returned by UpdateConfig while firmware owns the session.
var ErrSessionOffloaded = errors.New("tls session is offloaded to firmware")

// pingReq is the MQTT PINGREQ packet.
var pingReq = []byte{0xc0, 0x00}

// TLSSession is a TLS connection whose state can be handed to firmware.
type TLSSession interface {
	// OffloadInfo returns the session's protocol, cipher and key material.
	// Connection fields are filled in by the offload.
	OffloadInfo() (wlan.SecureParams, error)
	// UpdateSequence installs the record sequence numbers firmware advanced to.
	UpdateSequence(read, write [8]byte) error
}

// Offload is the TLS keepalive offload module.
type Offload struct {
	mu         sync.Mutex
	cfg        Config
	session    TLSSession
	deps       offload.Dependencies
	logger     *zap.Logger
	inited     bool
	armed      bool
	wakeSeen   bool
	unregister func()
}

// New creates a TLS keepalive offload. session may be nil until a
// connection is attached with UpdateConfig.
func New(cfg Config, session TLSSession) *Offload {
	return &Offload{cfg: cfg, session: session, logger: zap.NewNop()}
}

func (o *Offload) Info() offload.Info {
	return offload.Info{
		Name:        "tlsko",
		Version:     "1.0.0",
		Description: "Firmware TLS keepalive with secure wake patterns",
	}
}

// Init validates the configuration and subscribes to firmware wake events.
func (o *Offload) Init(_ context.Context, deps offload.Dependencies) error {
	if err := o.cfg.Validate(); err != nil {
		return err
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	o.deps = deps
	if deps.Logger != nil {
		o.logger = deps.Logger
	}
	unregister, err := deps.Driver.RegisterEventHandler([]wlan.EventType{wlan.EventWake}, o.onEvent)
	if err != nil {
		return fmt.Errorf("register wake event handler: %w", err)
	}
	o.unregister = unregister
	o.armed = false
	o.wakeSeen = false
	o.inited = true
	return nil
}

// onEvent runs on the driver's event goroutine. A matched wake pattern
// means the peer sent data, so the connection must be reset on resume.
func (o *Offload) onEvent(ev wlan.Event) {
	if ev.Type != wlan.EventWake {
		return
	}
	o.mu.Lock()
	o.wakeSeen = true
	sink := o.deps.Activity
	o.mu.Unlock()

	o.logger.Info("tls wake pattern matched")
	if sink != nil {
		sink.OnActivity(false)
	}
}

// Deinit unsubscribes from wake events. An armed session is restored first.
func (o *Offload) Deinit(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.inited {
		return nil
	}
	var err error
	if o.armed {
		err = o.restoreLocked(ctx)
	}
	if o.unregister != nil {
		o.unregister()
		o.unregister = nil
	}
	o.inited = false
	return err
}

// PM arms on GoingToSleep and restores on Awake.
func (o *Offload) PM(ctx context.Context, st offload.PowerState) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.inited {
		return offload.ErrNotInitialized
	}
	if st == offload.Awake {
		if !o.armed {
			return nil
		}
		return o.restoreLocked(ctx)
	}
	return o.armLocked(ctx)
}

func (o *Offload) wakePattern() wlan.WowlPattern {
	n := len(o.cfg.WakePattern)
	return wlan.WowlPattern{
		Offset:  PatternOffset,
		Type:    wlan.PatternSecure,
		Mask:    slices.Repeat([]byte{0xff}, (n+7)/8),
		Pattern: o.cfg.WakePattern,
	}
}

// enableSecureWake sets the WOWL capabilities the secure session needs and
// installs the wake pattern, if any.
func (o *Offload) enableSecureWake(ctx context.Context) error {
	d := o.deps.Driver
	want := wlan.WowlSecure
	if len(o.cfg.WakePattern) > 0 {
		want |= wlan.WowlNet
	}
	caps, err := wlan.WowlCaps(ctx, d)
	if err != nil {
		o.logger.Debug("wowl caps unreadable, assuming none", zap.Error(err))
		caps = 0
	}
	if caps&want != want {
		if err := wlan.SetWowlCaps(ctx, d, caps|want); err != nil {
			return err
		}
	}
	if len(o.cfg.WakePattern) == 0 {
		return nil
	}
	return wlan.AddWowlPattern(ctx, d, o.wakePattern())
}

func (o *Offload) deletePattern(ctx context.Context) error {
	if len(o.cfg.WakePattern) == 0 {
		return nil
	}
	return wlan.DeleteWowlPattern(ctx, o.deps.Driver, o.wakePattern())
}

func (o *Offload) armLocked(ctx context.Context) error {
	if !o.cfg.Configured() || o.session == nil {
		o.logger.Debug("tlsko has no connection to offload")
		return nil
	}
	if err := o.enableSecureWake(ctx); err != nil {
		return fmt.Errorf("%w: tlsko wake pattern: %w", offload.ErrArmFailed, err)
	}

	params, err := o.secureParams(ctx)
	if err == nil {
		err = wlan.ActivateSecure(ctx, o.deps.Driver, params)
	}
	if err != nil {
		if derr := o.deletePattern(ctx); derr != nil {
			o.logger.Warn("tlsko pattern cleanup failed", zap.Error(derr))
		}
		if errors.Is(err, netstack.ErrNoSuchConnection) {
			o.logger.Info("tlsko connection not found, leaving disabled", zap.Stringer("conn", o.cfg.Tuple()))
			return nil
		}
		return fmt.Errorf("%w: tlsko: %w", offload.ErrArmFailed, err)
	}

	o.armed = true
	o.wakeSeen = false
	o.logger.Debug("tlsko armed",
		zap.Stringer("conn", o.cfg.Tuple()),
		zap.Uint32("seq", params.TCPSeq),
		zap.Uint32("ack", params.TCPAck),
	)
	return nil
}

// secureParams merges the session's key material with the live TCP state.
func (o *Offload) secureParams(ctx context.Context) (wlan.SecureParams, error) {
	tuple := o.cfg.Tuple()
	st, err := o.deps.Stack.LookupConnection(ctx, tuple)
	if err != nil {
		return wlan.SecureParams{}, err
	}
	p, err := o.session.OffloadInfo()
	if err != nil {
		return wlan.SecureParams{}, fmt.Errorf("tls offload info: %w", err)
	}

	localIP := st.LocalIP
	if !localIP.IsValid() {
		if localIP, err = o.deps.Addressing.IPv4(ctx); err != nil {
			return wlan.SecureParams{}, fmt.Errorf("local address: %w", err)
		}
	}
	localMAC, err := o.deps.Driver.MACAddress(ctx)
	if err != nil {
		return wlan.SecureParams{}, fmt.Errorf("local mac: %w", err)
	}
	remoteMAC, err := o.remoteMAC(ctx, tuple)
	if err != nil {
		return wlan.SecureParams{}, err
	}

	p.LocalIP = localIP
	p.RemoteIP = tuple.RemoteIP
	p.LocalPort = tuple.LocalPort
	p.RemotePort = tuple.RemotePort
	p.LocalMAC = localMAC
	p.RemoteMAC = remoteMAC
	p.TCPSeq = st.Seq
	p.TCPAck = st.Ack
	p.KeepaliveInterval = uint32(o.cfg.Interval.Seconds())
	p.Payload = pingReq
	return p, nil
}

func (o *Offload) remoteMAC(ctx context.Context, t netstack.ConnTuple) (net.HardwareAddr, error) {
	if mac, err := o.deps.Addressing.ResolveMAC(ctx, t.RemoteIP); err == nil {
		return mac, nil
	}
	mac, err := o.deps.Driver.BSSID(ctx)
	if err != nil {
		return nil, fmt.Errorf("remote mac: %w", err)
	}
	return mac, nil
}

// restoreLocked takes the session back from firmware. Every step runs even
// if an earlier one fails; the errors are joined.
func (o *Offload) restoreLocked(ctx context.Context) error {
	o.armed = false
	d := o.deps.Driver
	var errs []error

	if err := o.deletePattern(ctx); err != nil {
		errs = append(errs, err)
	}

	if err := o.restoreSequence(ctx); err != nil {
		errs = append(errs, err)
	}

	if err := wlan.ClearWowl(ctx, d); err != nil {
		errs = append(errs, err)
	}
	o.wakeSeen = false
	return errors.Join(errs...)
}

func (o *Offload) restoreSequence(ctx context.Context) error {
	status, err := wlan.SecureSessionStatus(ctx, o.deps.Driver)
	if err != nil {
		return err
	}
	if err := o.session.UpdateSequence(status.ReadSeq, status.WriteSeq); err != nil {
		return fmt.Errorf("tls sequence update: %w", err)
	}
	reset := o.wakeSeen
	if err := o.deps.Stack.UpdateConnection(ctx, o.cfg.Tuple(), status.TCPSeq, status.TCPAck, reset); err != nil {
		return fmt.Errorf("tcp sequence update: %w", err)
	}
	o.logger.Debug("tlsko restored",
		zap.Uint32("seq", status.TCPSeq),
		zap.Uint32("ack", status.TCPAck),
		zap.Bool("reset", reset),
	)
	return nil
}

// Armed reports whether firmware currently owns the session.
func (o *Offload) Armed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.armed
}

// UpdateConfig replaces the offloaded connection and its session. It
// applies at the next sleep; a nil session keeps the current one.
func (o *Offload) UpdateConfig(cfg Config, session TLSSession) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	cfg.WakePattern = slices.Clone(cfg.WakePattern)

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.armed {
		return ErrSessionOffloaded
	}
	o.cfg = cfg
	if session != nil {
		o.session = session
	}
	return nil
}
