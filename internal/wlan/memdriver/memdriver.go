// Package memdriver provides an in-memory wlan.Driver. It records every
// firmware call so tests and the daemon's simulation mode can inspect the
// traffic an offload generates.
package memdriver

import (
	"context"
	"fmt"
	"net"
	"slices"
	"sync"

	"github.com/HerbHall/wlanlpa/pkg/wlan"
)

// Compile-time interface guard.
var _ wlan.Driver = (*Driver)(nil)

// Op names a recorded driver call.
type Op string

const (
	OpGet       Op = "get"
	OpSet       Op = "set"
	OpGetBuf    Op = "get_buf"
	OpSetBuf    Op = "set_buf"
	OpKeepalive Op = "keepalive"
)

// Call is one recorded driver call.
type Call struct {
	Op        Op
	Name      string
	Value     uint32
	Buf       []byte
	Keepalive wlan.Keepalive
}

type handlerEntry struct {
	id     uint64
	events []wlan.EventType
	fn     wlan.EventHandler
}

// Driver is an in-memory WLAN driver.
type Driver struct {
	mu       sync.Mutex
	ints     map[string]uint32
	bufs     map[string][]byte
	errs     map[string]error
	calls    []Call
	handlers []handlerEntry
	nextID   uint64

	mac     net.HardwareAddr
	bssid   net.HardwareAddr
	maxTKO  int
	session wlan.SessionStatus
	kaErr   error
}

// New returns a driver with a fixed station MAC and BSSID and room for
// four TCP keepalive connections.
func New() *Driver {
	return &Driver{
		ints:   make(map[string]uint32),
		bufs:   make(map[string][]byte),
		errs:   make(map[string]error),
		mac:    net.HardwareAddr{0x00, 0xa0, 0x50, 0x01, 0x02, 0x03},
		bssid:  net.HardwareAddr{0x3c, 0x28, 0x6d, 0xaa, 0xbb, 0xcc},
		maxTKO: 4,
	}
}

// SetMAC overrides the station MAC address.
func (d *Driver) SetMAC(mac net.HardwareAddr) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.mac = mac
}

// SetBSSID overrides the associated BSSID. A nil BSSID reports an error.
func (d *Driver) SetBSSID(bssid net.HardwareAddr) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.bssid = bssid
}

// SetMaxTKO sets the connection count reported for tko max_tcp.
func (d *Driver) SetMaxTKO(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.maxTKO = n
}

// SetSessionStatus sets what wowl_secure_sess_info reports.
func (d *Driver) SetSessionStatus(s wlan.SessionStatus) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.session = s
}

// FailIOVar makes every call naming name fail with err. A nil err clears it.
func (d *Driver) FailIOVar(name string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err == nil {
		delete(d.errs, name)
		return
	}
	d.errs[name] = err
}

// FailKeepalive makes SetKeepalive fail with err.
func (d *Driver) FailKeepalive(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.kaErr = err
}

// SetInt seeds an integer IOVAR.
func (d *Driver) SetInt(name string, v uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ints[name] = v
}

// SetBuffer seeds the response for a buffer IOVAR.
func (d *Driver) SetBuffer(name string, b []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.bufs[name] = slices.Clone(b)
}

// Buffer returns the last buffer stored for name.
func (d *Driver) Buffer(name string) ([]byte, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	b, ok := d.bufs[name]
	return slices.Clone(b), ok
}

// Int returns the last value set on an integer IOVAR.
func (d *Driver) Int(name string) (uint32, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	v, ok := d.ints[name]
	return v, ok
}

// Calls returns a copy of the recorded calls.
func (d *Driver) Calls() []Call {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.calls)
}

// CallsNamed returns the recorded calls for one IOVAR.
func (d *Driver) CallsNamed(name string) []Call {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []Call
	for _, c := range d.calls {
		if c.Name == name {
			out = append(out, c)
		}
	}
	return out
}

// Keepalives returns the recorded keepalive configurations.
func (d *Driver) Keepalives() []wlan.Keepalive {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []wlan.Keepalive
	for _, c := range d.calls {
		if c.Op == OpKeepalive {
			out = append(out, c.Keepalive)
		}
	}
	return out
}

// Reset forgets recorded calls but keeps IOVAR values and failures.
func (d *Driver) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = nil
}

// Emit delivers ev to every handler registered for its type.
func (d *Driver) Emit(ev wlan.Event) {
	d.mu.Lock()
	var fns []wlan.EventHandler
	for _, h := range d.handlers {
		if slices.Contains(h.events, ev.Type) {
			fns = append(fns, h.fn)
		}
	}
	d.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

// Handlers returns the number of registered event handlers.
func (d *Driver) Handlers() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.handlers)
}

func (d *Driver) GetIOVar(_ context.Context, name string) (uint32, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, Call{Op: OpGet, Name: name})
	if err := d.errs[name]; err != nil {
		return 0, err
	}
	v, ok := d.ints[name]
	if !ok {
		return 0, fmt.Errorf("iovar %q: %w", name, wlan.ErrUnsupported)
	}
	return v, nil
}

func (d *Driver) SetIOVar(_ context.Context, name string, value uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, Call{Op: OpSet, Name: name, Value: value})
	if err := d.errs[name]; err != nil {
		return err
	}
	d.ints[name] = value
	return nil
}

func (d *Driver) GetIOVarBuffer(_ context.Context, name string, param []byte) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, Call{Op: OpGetBuf, Name: name, Buf: slices.Clone(param)})
	if err := d.errs[name]; err != nil {
		return nil, err
	}
	switch name {
	case wlan.IOVarTKO:
		sub, _, err := wlan.DecodeTKO(param)
		if err != nil {
			return nil, err
		}
		if sub == wlan.TKOSubcmdMaxTCP {
			return wlan.EncodeTKO(sub, []byte{byte(d.maxTKO), 0, 0, 0}), nil
		}
	case wlan.IOVarWowlSecureSession:
		return d.session.MarshalBinary()
	case wlan.IOVarARPHostIP:
		return slices.Clone(d.bufs[name]), nil
	}
	if b, ok := d.bufs[name]; ok {
		return slices.Clone(b), nil
	}
	return nil, fmt.Errorf("iovar %q: %w", name, wlan.ErrUnsupported)
}

func (d *Driver) SetIOVarBuffer(_ context.Context, name string, buf []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	b := slices.Clone(buf)
	d.calls = append(d.calls, Call{Op: OpSetBuf, Name: name, Buf: b})
	if err := d.errs[name]; err != nil {
		return err
	}
	switch name {
	case wlan.IOVarARPHostIP:
		// The firmware appends to the host table.
		d.bufs[name] = append(d.bufs[name], b...)
	case wlan.IOVarARPHostIPClear:
		delete(d.bufs, wlan.IOVarARPHostIP)
	default:
		d.bufs[name] = b
	}
	return nil
}

func (d *Driver) SetKeepalive(_ context.Context, ka wlan.Keepalive) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	ka.Data = slices.Clone(ka.Data)
	d.calls = append(d.calls, Call{Op: OpKeepalive, Name: "keepalive_" + ka.Type.String(), Keepalive: ka})
	return d.kaErr
}

func (d *Driver) MACAddress(context.Context) (net.HardwareAddr, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.mac == nil {
		return nil, fmt.Errorf("mac address: %w", wlan.ErrUnsupported)
	}
	return slices.Clone(d.mac), nil
}

func (d *Driver) BSSID(context.Context) (net.HardwareAddr, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.bssid == nil {
		return nil, fmt.Errorf("bssid: not associated")
	}
	return slices.Clone(d.bssid), nil
}

func (d *Driver) RegisterEventHandler(events []wlan.EventType, h wlan.EventHandler) (func(), error) {
	d.mu.Lock()
	id := d.nextID
	d.nextID++
	d.handlers = append(d.handlers, handlerEntry{id: id, events: slices.Clone(events), fn: h})
	d.mu.Unlock()

	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		d.handlers = slices.DeleteFunc(d.handlers, func(e handlerEntry) bool { return e.id == id })
	}, nil
}
