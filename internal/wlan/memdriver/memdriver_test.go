package memdriver

import (
	"context"
	"errors"
	"testing"

	"github.com/HerbHall/wlanlpa/pkg/wlan"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIOVars(t *testing.T) {
	ctx := context.Background()
	d := New()

	_, err := d.GetIOVar(ctx, "arpoe")
	assert.ErrorIs(t, err, wlan.ErrUnsupported, "unset iovar")

	require.NoError(t, d.SetIOVar(ctx, "arpoe", 1))
	v, err := d.GetIOVar(ctx, "arpoe")
	require.NoError(t, err)
	assert.Equal(t, uint32(1), v)

	boom := errors.New("boom")
	d.FailIOVar("arpoe", boom)
	assert.ErrorIs(t, d.SetIOVar(ctx, "arpoe", 0), boom)
	d.FailIOVar("arpoe", nil)
	require.NoError(t, d.SetIOVar(ctx, "arpoe", 0))

	calls := d.CallsNamed("arpoe")
	require.Len(t, calls, 5, "failed calls are recorded too")
	assert.Equal(t, OpSet, calls[1].Op)
	assert.Equal(t, uint32(1), calls[1].Value)
}

func TestHostIPTableAppends(t *testing.T) {
	ctx := context.Background()
	d := New()

	require.NoError(t, d.SetIOVarBuffer(ctx, wlan.IOVarARPHostIP, []byte{192, 168, 43, 10}))
	require.NoError(t, d.SetIOVarBuffer(ctx, wlan.IOVarARPHostIP, []byte{10, 0, 0, 1}))
	b, err := d.GetIOVarBuffer(ctx, wlan.IOVarARPHostIP, nil)
	require.NoError(t, err)
	assert.Equal(t, []byte{192, 168, 43, 10, 10, 0, 0, 1}, b)

	require.NoError(t, d.SetIOVarBuffer(ctx, wlan.IOVarARPHostIPClear, nil))
	b, err = d.GetIOVarBuffer(ctx, wlan.IOVarARPHostIP, nil)
	require.NoError(t, err)
	assert.Empty(t, b)
}

func TestKeepaliveRecorded(t *testing.T) {
	d := New()
	data := []byte{1, 2, 3}
	require.NoError(t, d.SetKeepalive(context.Background(), wlan.Keepalive{Type: wlan.KeepaliveNAT, PeriodMS: 1000, Data: data}))
	data[0] = 9

	kas := d.Keepalives()
	require.Len(t, kas, 1)
	assert.Equal(t, []byte{1, 2, 3}, kas[0].Data, "data is copied")

	d.FailKeepalive(errors.New("busy"))
	assert.Error(t, d.SetKeepalive(context.Background(), wlan.Keepalive{}))

	d.Reset()
	assert.Empty(t, d.Calls())
}

func TestEvents(t *testing.T) {
	d := New()
	var tko, wake int
	unTKO, err := d.RegisterEventHandler([]wlan.EventType{wlan.EventTKO}, func(wlan.Event) { tko++ })
	require.NoError(t, err)
	_, err = d.RegisterEventHandler([]wlan.EventType{wlan.EventWake}, func(wlan.Event) { wake++ })
	require.NoError(t, err)
	assert.Equal(t, 2, d.Handlers())

	d.Emit(wlan.Event{Type: wlan.EventTKO})
	d.Emit(wlan.Event{Type: wlan.EventWake})
	unTKO()
	d.Emit(wlan.Event{Type: wlan.EventTKO})

	assert.Equal(t, 1, tko)
	assert.Equal(t, 1, wake)
	assert.Equal(t, 1, d.Handlers())
}

func TestAddresses(t *testing.T) {
	d := New()
	mac, err := d.MACAddress(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "00:a0:50:01:02:03", mac.String())

	d.SetBSSID(nil)
	_, err = d.BSSID(context.Background())
	assert.Error(t, err)
}
