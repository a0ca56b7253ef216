package main

import (
	"context"
	"testing"
	"time"

	"github.com/HerbHall/wlanlpa/internal/config"
	"github.com/HerbHall/wlanlpa/internal/mqtt"
	"github.com/HerbHall/wlanlpa/pkg/offload"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func defaults(t *testing.T) *viper.Viper {
	t.Helper()
	v := viper.New()
	config.SetDefaults(v)
	return v
}

func names(list []offload.Offload) []string {
	out := make([]string, 0, len(list))
	for _, m := range list {
		out = append(out, m.Info().Name)
	}
	return out
}

func TestLoadTiming(t *testing.T) {
	v := defaults(t)
	timing, err := loadTiming(v)
	require.NoError(t, err)
	assert.Equal(t, suspendTiming{
		Wait:     5 * time.Second,
		Interval: 2 * time.Second,
		Window:   500 * time.Millisecond,
		Pause:    time.Second,
	}, timing)

	v.Set("suspend.inactive_window", "2s")
	_, err = loadTiming(v)
	assert.Error(t, err)
}

func TestBuildOffloads_DefaultsEnableARPOnly(t *testing.T) {
	v := defaults(t)
	list, err := buildOffloads(context.Background(), config.New(v).Sub("offloads"), nil, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.Equal(t, []string{"arp"}, names(list))
}

func TestBuildOffloads_Order(t *testing.T) {
	v := defaults(t)
	v.Set("offloads.order", []string{"nullko", "wowl", "arp"})
	v.Set("offloads.nullko.enabled", true)
	v.Set("offloads.wowl.enabled", true)

	list, err := buildOffloads(context.Background(), config.New(v).Sub("offloads"), nil, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.Equal(t, []string{"nullko", "wowl", "arp"}, names(list))
}

func TestBuildOffloads_Errors(t *testing.T) {
	tests := []struct {
		name string
		set  map[string]any
	}{
		{"unknown name", map[string]any{"offloads.order": []string{"bogus"}}},
		{"duplicate name", map[string]any{"offloads.order": []string{"arp", "arp"}}},
		{"invalid module config", map[string]any{
			"offloads.order":           []string{"nullko"},
			"offloads.nullko.enabled":  true,
			"offloads.nullko.interval": "10ms",
		}},
		{"from_mqtt without broker", map[string]any{
			"offloads.order":           []string{"tlsko"},
			"offloads.tlsko.enabled":   true,
			"offloads.tlsko.from_mqtt": true,
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := defaults(t)
			for k, val := range tt.set {
				v.Set(k, val)
			}
			reporter := mqtt.New(mqtt.DefaultConfig(), nil)
			_, err := buildOffloads(context.Background(), config.New(v).Sub("offloads"), reporter, zaptest.NewLogger(t))
			assert.Error(t, err)
		})
	}
}

func TestBuildOffloads_TLSFromMQTT(t *testing.T) {
	v := defaults(t)
	v.Set("offloads.order", []string{"tlsko"})
	v.Set("offloads.tlsko.enabled", true)
	v.Set("offloads.tlsko.from_mqtt", true)
	v.Set("offloads.tlsko.local_port", 40001)

	mcfg := mqtt.DefaultConfig()
	mcfg.BrokerURL = "ssl://192.168.43.20:8883"
	mcfg.KeepAlive = 45 * time.Second
	reporter := mqtt.New(mcfg, nil)

	list, err := buildOffloads(context.Background(), config.New(v).Sub("offloads"), reporter, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.Equal(t, []string{"tlsko"}, names(list))
}

func TestNewEnvironment_Simulate(t *testing.T) {
	v := defaults(t)
	v.Set("simulate", true)

	env, err := newEnvironment(context.Background(), v, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer env.close()

	ip, err := env.addressing.IPv4(context.Background())
	require.NoError(t, err)
	assert.Equal(t, simulatedIP, ip)

	mac, err := env.addressing.ResolveMAC(context.Background(), simulatedGateway)
	require.NoError(t, err)
	assert.Equal(t, simulatedGWMAC, mac)
	assert.True(t, env.link.Connected(context.Background()))
}

func TestNewEnvironment_RequiresTransport(t *testing.T) {
	v := defaults(t)
	v.Set("simulate", false)

	env, err := newEnvironment(context.Background(), v, zaptest.NewLogger(t))
	assert.ErrorIs(t, err, errNoTransport)
	assert.Nil(t, env)
}
