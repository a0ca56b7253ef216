package olm

import (
	"context"

	"github.com/HerbHall/wlanlpa/pkg/offload"
	"github.com/HerbHall/wlanlpa/pkg/wlan"
	"go.uber.org/zap"
)

// pm2SleepRetMS is the PM2 return-to-sleep delay used while the host sleeps.
const pm2SleepRetMS = 10

var lowPowerIOVars = []struct {
	name  string
	value uint32
}{
	{wlan.IOVarBcnTrim, 9},
	{wlan.IOVarBcnWaitPeriod, 10},
	{wlan.IOVarBcnReacquireStart, 3},
	{wlan.IOVarRoamTimeThresh, 4},
}

// ConfigureLowPower programs the WLAN low-power settings: beacon trimming,
// beacon wait period, beacon reacquire start and roam time threshold.
// Each failure is logged; the remaining settings are still applied.
func (m *Manager) ConfigureLowPower(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.configureLowPower(ctx)
}

func (m *Manager) configureLowPower(ctx context.Context) {
	d := m.handles.Driver
	if d == nil {
		return
	}
	for _, iv := range lowPowerIOVars {
		if err := d.SetIOVar(ctx, iv.name, iv.value); err != nil {
			m.logger.Warn("low power setting failed",
				zap.String("iovar", iv.name),
				zap.Uint32("value", iv.value),
				zap.Error(err),
			)
		}
	}
}

// pm2 shortens the PM2 return-to-sleep delay while the host sleeps and puts
// the saved value back on wake.
func (m *Manager) pm2(ctx context.Context, state offload.PowerState) {
	d := m.handles.Driver
	if d == nil {
		return
	}
	switch state {
	case offload.GoingToSleep:
		cur, err := d.GetIOVar(ctx, wlan.IOVarPM2SleepRet)
		if err != nil {
			m.logger.Warn("read pm2_sleep_ret failed", zap.Error(err))
			return
		}
		if err := d.SetIOVar(ctx, wlan.IOVarPM2SleepRet, pm2SleepRetMS); err != nil {
			m.logger.Warn("set pm2_sleep_ret failed", zap.Error(err))
			return
		}
		m.pm2Saved = &cur
	case offload.Awake:
		if m.pm2Saved == nil {
			return
		}
		saved := *m.pm2Saved
		m.pm2Saved = nil
		if err := d.SetIOVar(ctx, wlan.IOVarPM2SleepRet, saved); err != nil {
			m.logger.Warn("restore pm2_sleep_ret failed", zap.Uint32("value", saved), zap.Error(err))
		}
	}
}
