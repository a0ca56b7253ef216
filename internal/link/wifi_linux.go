//go:build linux

package link

import (
	"context"
	"errors"
	"os"
	"strings"
	"syscall"

	"github.com/mdlayher/wifi"
	"go.uber.org/zap"
)

// WiFi checks association through nl80211.
type WiFi struct {
	iface  string
	logger *zap.Logger
}

// NewWiFi returns a Checker for the named station interface. An empty name
// selects the first station-mode interface.
func NewWiFi(iface string, logger *zap.Logger) *WiFi {
	return &WiFi{iface: iface, logger: logger}
}

// Connected reports whether the station is associated with a BSS.
// Permission errors are logged and reported as disconnected.
func (w *WiFi) Connected(context.Context) bool {
	c, err := wifi.New()
	if err != nil {
		w.logError("open wifi client", err)
		return false
	}
	defer c.Close()

	ifaces, err := c.Interfaces()
	if err != nil {
		w.logError("enumerate wifi interfaces", err)
		return false
	}

	var ifi *wifi.Interface
	for _, candidate := range ifaces {
		if candidate.Type != wifi.InterfaceTypeStation {
			continue
		}
		if w.iface == "" || candidate.Name == w.iface {
			ifi = candidate
			break
		}
	}
	if ifi == nil {
		w.logger.Debug("no station-mode wifi interface found", zap.String("interface", w.iface))
		return false
	}

	bss, err := c.BSS(ifi)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false
		}
		w.logError("query bss", err)
		return false
	}
	return bss.Status == wifi.BSSStatusAssociated
}

func (w *WiFi) logError(op string, err error) {
	if isPermissionError(err) {
		w.logger.Warn("wifi link check requires root or CAP_NET_ADMIN", zap.String("op", op))
		return
	}
	w.logger.Debug("wifi link check failed", zap.String("op", op), zap.Error(err))
}

func isPermissionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, syscall.EPERM) || errors.Is(err, syscall.EACCES) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "permission denied") || strings.Contains(msg, "operation not permitted")
}
