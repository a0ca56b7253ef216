//go:build !linux

package link

import (
	"context"

	"go.uber.org/zap"
)

// WiFi is a no-op checker on platforms without nl80211.
type WiFi struct {
	logger *zap.Logger
}

// NewWiFi returns a checker that always reports disconnected.
func NewWiFi(_ string, logger *zap.Logger) *WiFi {
	return &WiFi{logger: logger}
}

func (w *WiFi) Connected(context.Context) bool {
	w.logger.Debug("wifi link check not supported on this platform")
	return false
}
