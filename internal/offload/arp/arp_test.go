package arp

import (
	"context"
	"errors"
	"net/netip"
	"sync/atomic"
	"testing"
	"time"

	"github.com/HerbHall/wlanlpa/internal/config"
	"github.com/HerbHall/wlanlpa/internal/wlan/memdriver"
	"github.com/HerbHall/wlanlpa/pkg/netstack"
	"github.com/HerbHall/wlanlpa/pkg/offload"
	"github.com/HerbHall/wlanlpa/pkg/offload/offloadtest"
	"github.com/HerbHall/wlanlpa/pkg/wlan"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContract(t *testing.T) {
	offloadtest.TestOffloadContract(t, func() offload.Offload { return New(DefaultConfig()) })
}

// newFast returns an offload with millisecond-scale refresh delays.
func newFast(cfg Config) *Offload {
	o := New(cfg)
	o.changeDelay = 5 * time.Millisecond
	o.retryDelay = time.Millisecond
	return o
}

type setCall struct {
	name  string
	value uint32
}

func sets(calls []memdriver.Call) []setCall {
	var out []setCall
	for _, c := range calls {
		switch c.Op {
		case memdriver.OpSet:
			out = append(out, setCall{c.Name, c.Value})
		case memdriver.OpSetBuf:
			out = append(out, setCall{c.Name, 0})
		}
	}
	return out
}

func TestInit_ResetSequenceThenAwake(t *testing.T) {
	env := offloadtest.NewEnv(t, "arp")
	o := newFast(DefaultConfig())
	require.NoError(t, o.Init(context.Background(), env.Deps))
	t.Cleanup(func() { _ = o.Deinit(context.Background()) })

	want := []setCall{
		{wlan.IOVarARPOE, 1},
		{wlan.IOVarARPOL, 0},
		{wlan.IOVarARPTableClear, 0},
		{wlan.IOVarARPStatsClear, 0},
		{wlan.IOVarARPHostIPClear, 0},
		{wlan.IOVarARPPeerAge, 1200},
		{wlan.IOVarARPOE, 0},
		// PM(Awake) from the uninitialized state.
		{wlan.IOVarARPOE, 1},
		{wlan.IOVarARPOL, wlan.ARPSnoop},
	}
	assert.Equal(t, want, sets(env.Driver.Calls()))
	assert.Equal(t, 1, env.Stack.IPSubscribers())
}

func TestPM_SleepAddsAgentForAutoReply(t *testing.T) {
	env := offloadtest.NewEnv(t, "arp")
	o := newFast(DefaultConfig())
	require.NoError(t, o.Init(context.Background(), env.Deps))
	t.Cleanup(func() { _ = o.Deinit(context.Background()) })
	env.Driver.Reset()

	require.NoError(t, o.PM(context.Background(), offload.GoingToSleep))

	v, _ := env.Driver.Int(wlan.IOVarARPOL)
	assert.Equal(t, wlan.ARPAgent|wlan.ARPSnoop|wlan.ARPHostAutoReply|wlan.ARPPeerAutoReply, v)
	oe, _ := env.Driver.Int(wlan.IOVarARPOE)
	assert.Equal(t, uint32(1), oe)
}

func TestPM_SameStateIsNoop(t *testing.T) {
	env := offloadtest.NewEnv(t, "arp")
	o := newFast(DefaultConfig())
	require.NoError(t, o.Init(context.Background(), env.Deps))
	t.Cleanup(func() { _ = o.Deinit(context.Background()) })

	require.NoError(t, o.PM(context.Background(), offload.GoingToSleep))
	env.Driver.Reset()
	require.NoError(t, o.PM(context.Background(), offload.GoingToSleep))
	assert.Empty(t, env.Driver.Calls())
}

func TestPM_IdenticalMasksDisableAfterFirstTransition(t *testing.T) {
	env := offloadtest.NewEnv(t, "arp")
	cfg := DefaultConfig()
	cfg.AwakeFlags = wlan.ARPSnoop
	cfg.SleepFlags = wlan.ARPSnoop
	o := newFast(cfg)
	require.NoError(t, o.Init(context.Background(), env.Deps))
	t.Cleanup(func() { _ = o.Deinit(context.Background()) })
	env.Driver.Reset()

	require.NoError(t, o.PM(context.Background(), offload.GoingToSleep))

	assert.Equal(t, []setCall{{wlan.IOVarARPOL, 0}, {wlan.IOVarARPOE, 0}}, sets(env.Driver.Calls()))
}

func TestPM_BeforeInit(t *testing.T) {
	o := New(DefaultConfig())
	assert.ErrorIs(t, o.PM(context.Background(), offload.Awake), offload.ErrNotInitialized)
}

func TestIPChange_ProgramsHostTable(t *testing.T) {
	env := offloadtest.NewEnv(t, "arp")
	o := newFast(DefaultConfig())
	require.NoError(t, o.Init(context.Background(), env.Deps))
	t.Cleanup(func() { _ = o.Deinit(context.Background()) })

	first := netip.MustParseAddr("192.168.43.77")
	env.Stack.SetIPv4(first)
	require.Eventually(t, func() bool { return o.HostIP() == first }, time.Second, 2*time.Millisecond)

	ips, err := o.HostIPs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []netip.Addr{first}, ips)

	second := netip.MustParseAddr("192.168.43.78")
	env.Stack.SetIPv4(second)
	require.Eventually(t, func() bool { return o.HostIP() == second }, time.Second, 2*time.Millisecond)

	ips, err = o.HostIPs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []netip.Addr{second}, ips)
}

// countingAddressing counts IPv4 lookups and never has an address.
type countingAddressing struct {
	netstack.Addressing
	lookups atomic.Int32
}

func (a *countingAddressing) IPv4(context.Context) (netip.Addr, error) {
	a.lookups.Add(1)
	return netip.Addr{}, netstack.ErrNoAddress
}

func TestIPChange_RetriesWithoutAddress(t *testing.T) {
	env := offloadtest.NewEnv(t, "arp")
	addr := &countingAddressing{Addressing: env.Stack}
	env.Deps.Addressing = addr

	o := newFast(DefaultConfig())
	require.NoError(t, o.Init(context.Background(), env.Deps))
	t.Cleanup(func() { _ = o.Deinit(context.Background()) })

	o.onIPChanged()

	require.Eventually(t, func() bool { return addr.lookups.Load() == dhcpRetries }, 2*time.Second, 2*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(dhcpRetries), addr.lookups.Load())
	assert.False(t, o.HostIP().IsValid())
}

func TestDeinit_StopsWatchingAndDisables(t *testing.T) {
	env := offloadtest.NewEnv(t, "arp")
	o := newFast(DefaultConfig())
	require.NoError(t, o.Init(context.Background(), env.Deps))

	require.NoError(t, o.Deinit(context.Background()))
	assert.Equal(t, 0, env.Stack.IPSubscribers())
	v, _ := env.Driver.Int(wlan.IOVarARPOE)
	assert.Equal(t, uint32(0), v)
}

func TestInit_FailedAwakeLeavesNothingBehind(t *testing.T) {
	env := offloadtest.NewEnv(t, "arp")
	env.Driver.FailIOVar(wlan.IOVarARPOL, errors.New("fw rejected arp_ol"))
	o := newFast(DefaultConfig())

	require.Error(t, o.Init(context.Background(), env.Deps))
	assert.Equal(t, 0, env.Stack.IPSubscribers())
	assert.ErrorIs(t, o.PM(context.Background(), offload.GoingToSleep), offload.ErrNotInitialized)

	env.Driver.Reset()
	o.onIPChanged()
	env.Stack.SetIPv4(netip.MustParseAddr("192.168.43.77"))
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, env.Driver.CallsNamed(wlan.IOVarARPHostIP))
	assert.NoError(t, o.Deinit(context.Background()))
}

func TestQueries(t *testing.T) {
	env := offloadtest.NewEnv(t, "arp")
	o := newFast(DefaultConfig())

	_, err := o.Stats(context.Background())
	assert.ErrorIs(t, err, offload.ErrNotInitialized)

	require.NoError(t, o.Init(context.Background(), env.Deps))
	t.Cleanup(func() { _ = o.Deinit(context.Background()) })

	stats := wlan.ARPStats{HostIPEntries: 1, HostReply: 7, PeerService: 3}
	b, err := stats.MarshalBinary()
	require.NoError(t, err)
	env.Driver.SetBuffer(wlan.IOVarARPStats, b)
	env.Driver.SetInt(wlan.IOVarARPVersion, 2)

	got, err := o.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, stats, got)

	v, err := o.Version(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint32(2), v)
}

func TestUpdateConfig(t *testing.T) {
	env := offloadtest.NewEnv(t, "arp")
	o := newFast(DefaultConfig())
	require.NoError(t, o.Init(context.Background(), env.Deps))
	t.Cleanup(func() { _ = o.Deinit(context.Background()) })

	bad := DefaultConfig()
	bad.Peerage = 0
	assert.ErrorIs(t, o.UpdateConfig(context.Background(), bad), offload.ErrInvalidConfig)

	good := DefaultConfig()
	good.Peerage = 60 * time.Second
	require.NoError(t, o.UpdateConfig(context.Background(), good))
	v, _ := env.Driver.Int(wlan.IOVarARPPeerAge)
	assert.Equal(t, uint32(60), v)
}

func TestParseConfig(t *testing.T) {
	v := viper.New()
	v.Set("peerage", "10m")
	v.Set("sleep_flags", []string{"host_auto_reply"})

	cfg, err := ParseConfig(config.New(v))
	require.NoError(t, err)
	assert.Equal(t, 10*time.Minute, cfg.Peerage)
	assert.Equal(t, wlan.ARPSnoop, cfg.AwakeFlags)
	assert.Equal(t, wlan.ARPHostAutoReply, cfg.SleepFlags)

	v.Set("awake_flags", []string{"teleport"})
	_, err = ParseConfig(config.New(v))
	assert.ErrorIs(t, err, offload.ErrInvalidConfig)
}
