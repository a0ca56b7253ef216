package nullko

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/HerbHall/wlanlpa/internal/config"
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

func TestLifecycle(t *testing.T) {
	env := offloadtest.NewEnv(t, "nullko")
	o := New(Config{Interval: 30 * time.Second})
	ctx := context.Background()

	require.NoError(t, o.Init(ctx, env.Deps))
	require.NoError(t, o.PM(ctx, offload.GoingToSleep))
	require.NoError(t, o.PM(ctx, offload.Awake))
	require.NoError(t, o.Deinit(ctx))
	require.NoError(t, o.Deinit(ctx))

	assert.Equal(t, []wlan.Keepalive{
		{Type: wlan.KeepaliveNull, PeriodMS: 30000},
		{Type: wlan.KeepaliveNull, PeriodMS: 0},
	}, env.Driver.Keepalives())
}

func TestPeriodTruncatesToSeconds(t *testing.T) {
	env := offloadtest.NewEnv(t, "nullko")
	o := New(Config{Interval: 2500 * time.Millisecond})
	require.NoError(t, o.Init(context.Background(), env.Deps))

	kas := env.Driver.Keepalives()
	require.Len(t, kas, 1)
	assert.Equal(t, uint32(2000), kas[0].PeriodMS)
}

func TestInitFailure(t *testing.T) {
	env := offloadtest.NewEnv(t, "nullko")
	env.Driver.FailKeepalive(errors.New("bus error"))
	o := New(DefaultConfig())
	ctx := context.Background()

	require.Error(t, o.Init(ctx, env.Deps))
	require.NoError(t, o.Deinit(ctx), "deinit after failed init is a no-op")
	assert.Len(t, env.Driver.Keepalives(), 1)
}

func TestValidate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())
	assert.ErrorIs(t, Config{Interval: 999 * time.Millisecond}.Validate(), offload.ErrInvalidConfig)
	assert.ErrorIs(t, Config{Interval: 5000 * time.Hour}.Validate(), offload.ErrInvalidConfig)
}

func TestParseConfig(t *testing.T) {
	v := viper.New()
	cfg, err := ParseConfig(config.New(v))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)

	v.Set("interval", "90s")
	cfg, err = ParseConfig(config.New(v))
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, cfg.Interval)
}
