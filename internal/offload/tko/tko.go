// Package tko implements the TCP keepalive offload. While the host sleeps
// the firmware sends keepalive probes for up to four connections and
// answers the peer's probes, using frame templates built from the live
// connection state at sleep time.
package tko

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/HerbHall/wlanlpa/internal/packet"
	"github.com/HerbHall/wlanlpa/pkg/netstack"
	"github.com/HerbHall/wlanlpa/pkg/offload"
	"github.com/HerbHall/wlanlpa/pkg/wlan"
	"go.uber.org/zap"
)

// Compile-time interface guard.
var _ offload.Offload = (*Offload)(nil)

// Offload is the TCP keepalive offload module.
type Offload struct {
	mu         sync.Mutex
	cfg        Config
	next       int // ring index for UpdateConfig
	deps       offload.Dependencies
	logger     *zap.Logger
	inited     bool
	armed      bool
	unregister func()
}

// New creates a TCP keepalive offload with cfg.
func New(cfg Config) *Offload {
	return &Offload{
		cfg:    cfg,
		next:   len(cfg.Connections) % MaxConnections,
		logger: zap.NewNop(),
	}
}

func (o *Offload) Info() offload.Info {
	return offload.Info{
		Name:        "tko",
		Version:     "1.0.0",
		Description: "Firmware TCP keepalive for up to four connections",
	}
}

// Init programs the keepalive timing and subscribes to firmware keepalive
// failure events.
func (o *Offload) Init(ctx context.Context, deps offload.Dependencies) error {
	if err := o.cfg.Validate(); err != nil {
		return err
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	o.deps = deps
	if deps.Logger != nil {
		o.logger = deps.Logger
	}
	o.armed = false
	d := deps.Driver

	if limit, err := wlan.TKOMaxConnections(ctx, d); err != nil {
		o.logger.Warn("tko max_tcp query failed", zap.Error(err))
	} else if limit != MaxConnections {
		o.logger.Warn("firmware tko connection limit differs",
			zap.Int("firmware", limit),
			zap.Int("expected", MaxConnections),
		)
	}

	if err := wlan.SetTKOParams(ctx, d, o.params()); err != nil {
		o.logger.Warn("tko params not applied", zap.Error(err))
	}

	unregister, err := d.RegisterEventHandler([]wlan.EventType{wlan.EventTKO}, o.onEvent)
	if err != nil {
		return fmt.Errorf("tko event handler: %w", err)
	}
	o.unregister = unregister
	o.inited = true
	return nil
}

func (o *Offload) params() wlan.TKOParams {
	return wlan.TKOParams{
		Interval:      uint16(o.cfg.Interval / time.Second),
		RetryInterval: uint16(o.cfg.RetryInterval / time.Second),
		RetryCount:    uint16(o.cfg.RetryCount),
	}
}

// onEvent runs on the driver's event goroutine when the firmware gives up
// on a connection. The host must wake and take the connection back.
func (o *Offload) onEvent(ev wlan.Event) {
	o.mu.Lock()
	o.armed = false
	activity := o.deps.Activity
	o.mu.Unlock()

	o.logger.Info("tko keepalive failure reported by firmware", zap.Int("event_bytes", len(ev.Data)))
	if activity != nil {
		activity.OnActivity(false)
	}
}

// Deinit unsubscribes from events and disables the keepalive engine.
func (o *Offload) Deinit(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.inited {
		return nil
	}
	o.inited = false
	o.armed = false
	if o.unregister != nil {
		o.unregister()
		o.unregister = nil
	}
	return wlan.TKOEnable(ctx, o.deps.Driver, false)
}

// PM arms the engine on GoingToSleep and disarms it on Awake.
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
		o.armed = false
		return wlan.TKOEnable(ctx, o.deps.Driver, false)
	}
	return o.armLocked(ctx)
}

func (o *Offload) armLocked(ctx context.Context) error {
	if len(o.cfg.Connections) == 0 {
		o.logger.Debug("tko has no connections configured")
		return nil
	}

	d := o.deps.Driver
	localMAC, err := d.MACAddress(ctx)
	if err != nil {
		return fmt.Errorf("tko local mac: %w", err)
	}

	activated := 0
	for i, conn := range o.cfg.Connections {
		rec, err := o.connectRecord(ctx, i, conn, localMAC)
		if err != nil {
			if errors.Is(err, netstack.ErrNoSuchConnection) {
				o.logger.Debug("tko slot skipped, connection not found", zap.Stringer("conn", conn.Tuple()))
			} else {
				o.logger.Warn("tko slot skipped", zap.Stringer("conn", conn.Tuple()), zap.Error(err))
			}
			continue
		}
		if err := wlan.TKOActivate(ctx, d, rec); err != nil {
			o.logger.Warn("tko activate failed", zap.Stringer("conn", conn.Tuple()), zap.Error(err))
			continue
		}
		activated++
		o.logger.Debug("tko slot activated",
			zap.Int("slot", i),
			zap.Stringer("conn", conn.Tuple()),
			zap.Uint32("seq", rec.LocalSeq),
			zap.Uint32("ack", rec.RemoteSeq),
		)
	}

	if activated == 0 {
		o.logger.Info("tko not armed, no live connections")
		return nil
	}
	if err := wlan.TKOEnable(ctx, d, true); err != nil {
		return fmt.Errorf("%w: %w", offload.ErrArmFailed, err)
	}
	o.armed = true
	return nil
}

// connectRecord snapshots conn from the stack and builds its frame templates.
func (o *Offload) connectRecord(ctx context.Context, slot int, conn Connection, localMAC net.HardwareAddr) (wlan.TKOConnect, error) {
	st, err := o.deps.Stack.LookupConnection(ctx, conn.Tuple())
	if err != nil {
		return wlan.TKOConnect{}, err
	}
	localIP := st.LocalIP
	if !localIP.IsValid() {
		if localIP, err = o.deps.Addressing.IPv4(ctx); err != nil {
			return wlan.TKOConnect{}, err
		}
	}
	remoteMAC, err := o.remoteMAC(ctx, st.RemoteIP)
	if err != nil {
		return wlan.TKOConnect{}, err
	}

	facts := packet.SocketFacts{
		SrcMAC:  localMAC,
		DstMAC:  remoteMAC,
		SrcIP:   localIP,
		DstIP:   st.RemoteIP,
		SrcPort: st.Local,
		DstPort: st.Remote,
		Seq:     st.Seq - 1,
		Ack:     st.Ack,
		Window:  st.Window,
	}
	req := make([]byte, packet.TCPKeepaliveLen)
	if _, err := packet.BuildTCPKeepalive(req, facts); err != nil {
		return wlan.TKOConnect{}, err
	}
	facts.Seq = st.Seq
	resp := make([]byte, packet.TCPKeepaliveLen)
	if _, err := packet.BuildTCPKeepalive(resp, facts); err != nil {
		return wlan.TKOConnect{}, err
	}

	return wlan.TKOConnect{
		Index:      uint8(slot),
		LocalPort:  st.Local,
		RemotePort: st.Remote,
		LocalSeq:   st.Seq,
		RemoteSeq:  st.Ack,
		LocalIP:    localIP,
		RemoteIP:   st.RemoteIP,
		Request:    req,
		Response:   resp,
	}, nil
}

// remoteMAC resolves the next hop for ip. Off-link peers are reached
// through the access point, so the BSSID is the fallback.
func (o *Offload) remoteMAC(ctx context.Context, ip netip.Addr) (net.HardwareAddr, error) {
	if o.deps.Addressing != nil {
		if mac, err := o.deps.Addressing.ResolveMAC(ctx, ip); err == nil {
			return mac, nil
		}
	}
	mac, err := o.deps.Driver.BSSID(ctx)
	if err != nil {
		return nil, fmt.Errorf("tko next hop for %s: %w", ip, err)
	}
	return mac, nil
}

// Armed reports whether the firmware keepalive engine is enabled.
func (o *Offload) Armed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.armed
}

// Connections returns the configured slots.
func (o *Offload) Connections() []Connection {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]Connection(nil), o.cfg.Connections...)
}

// UpdateConfig sets the keepalive timing and stores conn in the next slot.
// Once all slots are used the oldest configured slot is replaced. The
// connection is picked up at the next sleep. It returns the slot used.
func (o *Offload) UpdateConfig(ctx context.Context, conn Connection, t Timing) (int, error) {
	if err := conn.validate(); err != nil {
		return 0, err
	}
	if err := t.validate(); err != nil {
		return 0, err
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	slot := o.next
	if slot < len(o.cfg.Connections) {
		o.cfg.Connections[slot] = conn
	} else {
		o.cfg.Connections = append(o.cfg.Connections, conn)
	}
	o.next = (slot + 1) % MaxConnections
	o.cfg.Timing = t

	if o.inited {
		if err := wlan.SetTKOParams(ctx, o.deps.Driver, o.params()); err != nil {
			return slot, fmt.Errorf("tko params: %w", err)
		}
	}
	return slot, nil
}
