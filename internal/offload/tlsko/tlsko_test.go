package tlsko

import (
	"context"
	"errors"
	"net/netip"
	"testing"
	"time"

	"github.com/HerbHall/wlanlpa/internal/config"
	"github.com/HerbHall/wlanlpa/internal/testutil"
	"github.com/HerbHall/wlanlpa/internal/wlan/memdriver"
	"github.com/HerbHall/wlanlpa/pkg/netstack"
	"github.com/HerbHall/wlanlpa/pkg/offload"
	"github.com/HerbHall/wlanlpa/pkg/offload/offloadtest"
	"github.com/HerbHall/wlanlpa/pkg/wlan"
	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContract(t *testing.T) {
	offloadtest.TestOffloadContract(t, func() offload.Offload { return New(DefaultConfig(), nil) })
}

type fakeSession struct {
	params     wlan.SecureParams
	infoErr    error
	updateErr  error
	read       [8]byte
	write      [8]byte
	updateCall int
}

func (s *fakeSession) OffloadInfo() (wlan.SecureParams, error) {
	return s.params, s.infoErr
}

func (s *fakeSession) UpdateSequence(read, write [8]byte) error {
	s.updateCall++
	s.read, s.write = read, write
	return s.updateErr
}

func newSession() *fakeSession {
	return &fakeSession{params: wlan.SecureParams{
		Version:       wlan.TLSVersion{Major: 3, Minor: 3},
		Cipher:        0x2f,
		WriteIV:       []byte{1, 2, 3, 4},
		ReadIV:        []byte{5, 6, 7, 8},
		WriteSequence: []byte{0, 0, 0, 0, 0, 0, 0, 9},
		ReadSequence:  []byte{0, 0, 0, 0, 0, 0, 0, 7},
	}}
}

func mqttConfig() Config {
	return Config{
		Interval:    30 * time.Second,
		LocalPort:   3353,
		RemotePort:  3360,
		RemoteIP:    testutil.RemoteIP,
		WakePattern: []byte("devices/cmd"),
	}
}

// armedEnv returns an environment with the fixture connection live and an
// initialised offload.
func armedEnv(t *testing.T, cfg Config, sess TLSSession) (*offloadtest.Env, *Offload) {
	t.Helper()
	env := offloadtest.NewEnv(t, "tlsko")
	conn := testutil.NewConnection()
	env.Stack.AddConnection(conn.Tuple, conn.State)
	env.Stack.SetNeighbor(testutil.RemoteIP, testutil.RemoteMAC)

	o := New(cfg, sess)
	require.NoError(t, o.Init(context.Background(), env.Deps))
	t.Cleanup(func() { _ = o.Deinit(context.Background()) })
	env.Driver.Reset()
	return env, o
}

func patternOps(t *testing.T, d *memdriver.Driver) ([]string, []wlan.WowlPattern) {
	t.Helper()
	var ops []string
	var pats []wlan.WowlPattern
	for _, c := range d.CallsNamed(wlan.IOVarWowlPattern) {
		op, p, err := wlan.DecodeWowlPattern(c.Buf)
		require.NoError(t, err)
		ops = append(ops, op)
		pats = append(pats, p)
	}
	return ops, pats
}

func TestSleep_ActivatesSecureSession(t *testing.T) {
	env, o := armedEnv(t, mqttConfig(), newSession())

	require.NoError(t, o.PM(context.Background(), offload.GoingToSleep))
	assert.True(t, o.Armed())

	caps, ok := env.Driver.Int(wlan.IOVarWowl)
	require.True(t, ok)
	assert.Equal(t, wlan.WowlSecure|wlan.WowlNet, caps)

	ops, pats := patternOps(t, env.Driver)
	require.Equal(t, []string{"add"}, ops)
	assert.Equal(t, uint32(PatternOffset), pats[0].Offset)
	assert.Equal(t, wlan.PatternSecure, pats[0].Type)
	assert.Equal(t, []byte{0xff, 0xff}, pats[0].Mask, "11 pattern bytes need 2 mask bytes")
	assert.Equal(t, []byte("devices/cmd"), pats[0].Pattern)

	buf, ok := env.Driver.Buffer(wlan.IOVarWowlSecure)
	require.True(t, ok)
	p, err := wlan.ParseSecureParams(buf)
	require.NoError(t, err)
	assert.Equal(t, wlan.TLSVersion{Major: 3, Minor: 3}, p.Version)
	assert.Equal(t, uint8(0x2f), p.Cipher)
	assert.Equal(t, testutil.LocalIP, p.LocalIP)
	assert.Equal(t, testutil.RemoteIP, p.RemoteIP)
	assert.Equal(t, uint16(3353), p.LocalPort)
	assert.Equal(t, uint16(3360), p.RemotePort)
	assert.Equal(t, testutil.LocalMAC, p.LocalMAC)
	assert.Equal(t, testutil.RemoteMAC, p.RemoteMAC)
	assert.Equal(t, uint32(1000), p.TCPSeq)
	assert.Equal(t, uint32(2000), p.TCPAck)
	assert.Equal(t, uint32(30), p.KeepaliveInterval)
	assert.Equal(t, []byte{0xc0, 0x00}, p.Payload)
}

func TestSleep_KeepsExistingCaps(t *testing.T) {
	env, o := armedEnv(t, mqttConfig(), newSession())
	env.Driver.SetInt(wlan.IOVarWowl, wlan.WowlSecure|wlan.WowlNet|wlan.WowlMagic)

	require.NoError(t, o.PM(context.Background(), offload.GoingToSleep))
	for _, c := range env.Driver.CallsNamed(wlan.IOVarWowl) {
		assert.NotEqual(t, memdriver.OpSet, c.Op, "caps already sufficient")
	}
}

func TestSleep_WithoutPatternNeedsOnlySecureCap(t *testing.T) {
	cfg := mqttConfig()
	cfg.WakePattern = nil
	env, o := armedEnv(t, cfg, newSession())

	require.NoError(t, o.PM(context.Background(), offload.GoingToSleep))
	caps, _ := env.Driver.Int(wlan.IOVarWowl)
	assert.Equal(t, wlan.WowlSecure, caps)
	assert.Empty(t, env.Driver.CallsNamed(wlan.IOVarWowlPattern))
	assert.True(t, o.Armed())
}

func TestSleep_ActivationFailureDeletesPattern(t *testing.T) {
	env, o := armedEnv(t, mqttConfig(), newSession())
	env.Driver.FailIOVar(wlan.IOVarWowlSecure, errors.New("bus error"))

	err := o.PM(context.Background(), offload.GoingToSleep)
	assert.ErrorIs(t, err, offload.ErrArmFailed)
	assert.False(t, o.Armed())

	ops, _ := patternOps(t, env.Driver)
	assert.Equal(t, []string{"add", "del"}, ops)
}

func TestSleep_MissingConnectionLeavesDisabled(t *testing.T) {
	env, o := armedEnv(t, mqttConfig(), newSession())
	env.Stack.RemoveConnection(mqttConfig().Tuple())

	require.NoError(t, o.PM(context.Background(), offload.GoingToSleep))
	assert.False(t, o.Armed())
	assert.Empty(t, env.Driver.CallsNamed(wlan.IOVarWowlSecure))

	ops, _ := patternOps(t, env.Driver)
	assert.Equal(t, []string{"add", "del"}, ops)

	env.Driver.Reset()
	require.NoError(t, o.PM(context.Background(), offload.Awake))
	assert.Empty(t, env.Driver.Calls())
}

func TestSleep_NoSessionIsQuiet(t *testing.T) {
	env, o := armedEnv(t, mqttConfig(), nil)

	require.NoError(t, o.PM(context.Background(), offload.GoingToSleep))
	assert.False(t, o.Armed())
	assert.Empty(t, env.Driver.Calls())
}

func TestAwake_RestoresSequences(t *testing.T) {
	sess := newSession()
	env, o := armedEnv(t, mqttConfig(), sess)
	ctx := context.Background()
	require.NoError(t, o.PM(ctx, offload.GoingToSleep))

	status := wlan.SessionStatus{
		TCPSeq:   1100,
		TCPAck:   2300,
		ReadSeq:  [8]byte{0, 0, 0, 0, 0, 0, 0, 12},
		WriteSeq: [8]byte{0, 0, 0, 0, 0, 0, 0, 15},
	}
	env.Driver.SetSessionStatus(status)
	env.Driver.Reset()

	require.NoError(t, o.PM(ctx, offload.Awake))
	assert.False(t, o.Armed())

	assert.Equal(t, 1, sess.updateCall)
	assert.Equal(t, status.ReadSeq, sess.read)
	assert.Equal(t, status.WriteSeq, sess.write)

	st, ok := env.Stack.Connection(mqttConfig().Tuple())
	require.True(t, ok)
	assert.Equal(t, uint32(1100), st.Seq)
	assert.Equal(t, uint32(2300), st.Ack)
	assert.Equal(t, netstack.StateEstablished, st.State)

	ops, _ := patternOps(t, env.Driver)
	assert.Equal(t, []string{"del"}, ops)
	clr, ok := env.Driver.Int(wlan.IOVarWowlClear)
	require.True(t, ok)
	assert.Equal(t, uint32(1), clr)

	env.Driver.Reset()
	require.NoError(t, o.PM(ctx, offload.Awake))
	assert.Empty(t, env.Driver.Calls(), "second awake is a no-op")
}

func TestAwake_WakeEventResetsConnection(t *testing.T) {
	var raised []bool
	env, o := armedEnv(t, mqttConfig(), newSession())
	ctx := context.Background()

	// Re-init with an activity sink that records wakes.
	require.NoError(t, o.Deinit(ctx))
	env.Deps.Activity = offload.ActivityFunc(func(tx bool) { raised = append(raised, tx) })
	require.NoError(t, o.Init(ctx, env.Deps))

	require.NoError(t, o.PM(ctx, offload.GoingToSleep))
	env.Driver.Emit(wlan.Event{Type: wlan.EventWake, Data: []byte{1}})
	assert.Equal(t, []bool{false}, raised)

	require.NoError(t, o.PM(ctx, offload.Awake))
	st, ok := env.Stack.Connection(mqttConfig().Tuple())
	require.True(t, ok)
	assert.Equal(t, netstack.StateFinWait2, st.State)
}

func TestAwake_SequenceUpdateFailureStillClears(t *testing.T) {
	sess := newSession()
	sess.updateErr = errors.New("session closed")
	env, o := armedEnv(t, mqttConfig(), sess)
	ctx := context.Background()
	require.NoError(t, o.PM(ctx, offload.GoingToSleep))
	env.Driver.Reset()

	err := o.PM(ctx, offload.Awake)
	require.Error(t, err)
	assert.ErrorContains(t, err, "tls sequence update")
	assert.NotEmpty(t, env.Driver.CallsNamed(wlan.IOVarWowlClear))

	st, _ := env.Stack.Connection(mqttConfig().Tuple())
	assert.Equal(t, uint32(1000), st.Seq, "stack untouched when the session rejects the update")
}

func TestDeinit_RestoresArmedSession(t *testing.T) {
	sess := newSession()
	env, o := armedEnv(t, mqttConfig(), sess)
	ctx := context.Background()
	require.NoError(t, o.PM(ctx, offload.GoingToSleep))
	assert.Equal(t, 1, env.Driver.Handlers())

	require.NoError(t, o.Deinit(ctx))
	assert.Equal(t, 1, sess.updateCall)
	assert.Equal(t, 0, env.Driver.Handlers())
	assert.ErrorIs(t, o.PM(ctx, offload.GoingToSleep), offload.ErrNotInitialized)
}

func TestUpdateConfig(t *testing.T) {
	env, o := armedEnv(t, DefaultConfig(), nil)
	ctx := context.Background()

	require.NoError(t, o.PM(ctx, offload.GoingToSleep))
	assert.False(t, o.Armed())

	require.NoError(t, o.UpdateConfig(mqttConfig(), newSession()))
	require.NoError(t, o.PM(ctx, offload.GoingToSleep))
	assert.True(t, o.Armed())
	assert.NotEmpty(t, env.Driver.CallsNamed(wlan.IOVarWowlSecure))

	assert.ErrorIs(t, o.UpdateConfig(mqttConfig(), nil), ErrSessionOffloaded)

	bad := mqttConfig()
	bad.RemoteIP = netip.MustParseAddr("2001:db8::1")
	assert.ErrorIs(t, o.UpdateConfig(bad, nil), offload.ErrInvalidConfig)
}

func TestValidate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())
	assert.NoError(t, mqttConfig().Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"short interval", func(c *Config) { c.Interval = 500 * time.Millisecond }},
		{"partial tuple", func(c *Config) { c.RemotePort = 0 }},
		{"ipv6 remote", func(c *Config) { c.RemoteIP = netip.MustParseAddr("::1") }},
		{"long pattern", func(c *Config) { c.WakePattern = make([]byte, MaxWakePattern+1) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := mqttConfig()
			tt.mutate(&cfg)
			assert.ErrorIs(t, cfg.Validate(), offload.ErrInvalidConfig)
		})
	}
}

func TestParseConfig(t *testing.T) {
	v := viper.New()
	v.Set("interval", "30s")
	v.Set("local_port", 3353)
	v.Set("remote_port", 3360)
	v.Set("remote_ip", "192.168.43.15")
	v.Set("wake_pattern", "devices/cmd")

	cfg, err := ParseConfig(config.New(v))
	require.NoError(t, err)
	assert.Equal(t, mqttConfig(), cfg)

	v.Set("remote_ip", "broker")
	_, err = ParseConfig(config.New(v))
	assert.ErrorIs(t, err, offload.ErrInvalidConfig)
}

type staticResolver map[string]netip.Addr

func (r staticResolver) LookupNetIP(_ context.Context, _, host string) ([]netip.Addr, error) {
	ip, ok := r[host]
	if !ok {
		return nil, errors.New("no such host")
	}
	return []netip.Addr{ip}, nil
}

func optionsReader(t *testing.T, broker string, keepAlive time.Duration) *pahomqtt.ClientOptionsReader {
	t.Helper()
	opts := pahomqtt.NewClientOptions().AddBroker(broker).SetKeepAlive(keepAlive)
	r := pahomqtt.NewClient(opts).OptionsReader()
	return &r
}

func TestFromMQTTOptions(t *testing.T) {
	ctx := context.Background()
	res := staticResolver{"broker.local": netip.MustParseAddr("192.168.43.15")}

	tests := []struct {
		name     string
		broker   string
		wantPort uint16
	}{
		{"explicit port", "tcp://192.168.43.15:3360", 3360},
		{"tls default port", "ssl://192.168.43.15", 8883},
		{"plain default port", "tcp://192.168.43.15", 1883},
		{"resolved host", "mqtts://broker.local", 8883},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := FromMQTTOptions(ctx, optionsReader(t, tt.broker, 45*time.Second), 3353, res)
			require.NoError(t, err)
			assert.Equal(t, 45*time.Second, cfg.Interval)
			assert.Equal(t, uint16(3353), cfg.LocalPort)
			assert.Equal(t, tt.wantPort, cfg.RemotePort)
			assert.Equal(t, testutil.RemoteIP, cfg.RemoteIP)
		})
	}

	_, err := FromMQTTOptions(ctx, optionsReader(t, "tcp://unknown.local:1883", time.Minute), 3353, nil)
	assert.ErrorIs(t, err, offload.ErrInvalidConfig, "host names need a resolver")

	_, err = FromMQTTOptions(ctx, nil, 3353, res)
	assert.ErrorIs(t, err, offload.ErrInvalidConfig)
}
