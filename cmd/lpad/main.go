// Command lpad runs the WLAN low-power offload daemon. It brings up the
// offload manager for one interface and loops the network suspend
// controller, serving Prometheus metrics on the side.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/HerbHall/wlanlpa/internal/config"
	"github.com/HerbHall/wlanlpa/internal/event"
	"github.com/HerbHall/wlanlpa/internal/link"
	"github.com/HerbHall/wlanlpa/internal/metrics"
	"github.com/HerbHall/wlanlpa/internal/mqtt"
	"github.com/HerbHall/wlanlpa/internal/netstack/memstack"
	"github.com/HerbHall/wlanlpa/internal/netstack/netlinkaddr"
	"github.com/HerbHall/wlanlpa/internal/netsuspend"
	"github.com/HerbHall/wlanlpa/internal/olm"
	"github.com/HerbHall/wlanlpa/internal/wlan/memdriver"
	"github.com/HerbHall/wlanlpa/pkg/netstack"
	"github.com/HerbHall/wlanlpa/pkg/wlan"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "", "path to configuration file")
	simulate := flag.Bool("simulate", false, "run against the in-memory driver and stack")
	flag.Parse()

	// Load configuration (before logger, so log level/format can be configured).
	v, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if *simulate {
		v.Set("simulate", true)
	}

	logger, err := config.NewLogger(v)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if f := v.ConfigFileUsed(); f != "" {
		logger.Info("configuration loaded",
			zap.String("component", "config"),
			zap.String("source", f),
		)
	} else {
		logger.Warn("no configuration file found, using defaults",
			zap.String("component", "config"),
		)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, v, logger); err != nil {
		logger.Error("lpad stopped with error", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
	logger.Info("lpad stopped")
}

// suspendTiming is the controller loop configuration.
type suspendTiming struct {
	Wait     time.Duration
	Interval time.Duration
	Window   time.Duration
	Pause    time.Duration
}

func loadTiming(v *viper.Viper) (suspendTiming, error) {
	t := suspendTiming{
		Wait:     v.GetDuration("suspend.wait"),
		Interval: v.GetDuration("suspend.inactive_interval"),
		Window:   v.GetDuration("suspend.inactive_window"),
		Pause:    v.GetDuration("suspend.pause"),
	}
	if t.Window <= 0 || t.Interval <= t.Window {
		return t, fmt.Errorf("suspend.inactive_interval (%s) must exceed suspend.inactive_window (%s)", t.Interval, t.Window)
	}
	if t.Wait < 0 || t.Pause < 0 {
		return t, errors.New("suspend.wait and suspend.pause must not be negative")
	}
	return t, nil
}

// environment is the set of host interfaces the offloads run against.
type environment struct {
	driver     wlan.Driver
	stack      netstack.Stack
	addressing netstack.Addressing
	link       link.Checker
	close      func()
}

var (
	simulatedIP      = netip.MustParseAddr("192.168.43.10")
	simulatedGateway = netip.MustParseAddr("192.168.43.1")
	simulatedGWMAC   = net.HardwareAddr{0x3c, 0x28, 0x6d, 0x00, 0x00, 0x01}
)

// errNoTransport is returned outside simulation unless the in-memory
// driver has been accepted explicitly.
var errNoTransport = errors.New("no WLAN IOVAR transport is built in: run with -simulate, or set link.memory_transport to drive the in-memory firmware")

// newEnvironment wires the host interfaces. No vendor IOVAR transport is
// built in, so IOVAR traffic always goes to the in-memory driver. Outside
// simulation the addressing and link state come from the kernel, and the
// daemon refuses to start unless link.memory_transport is set.
func newEnvironment(ctx context.Context, v *viper.Viper, logger *zap.Logger) (*environment, error) {
	stack := memstack.New()
	env := &environment{
		driver: memdriver.New(),
		stack:  stack,
		close:  func() {},
	}

	if v.GetBool("simulate") {
		stack.SetIPv4(simulatedIP)
		stack.SetGateway(simulatedGateway)
		stack.SetNeighbor(simulatedGateway, simulatedGWMAC)
		env.addressing = stack
		env.link = link.NewStatic(true)
		logger.Info("running in simulation mode",
			zap.Stringer("ipv4", simulatedIP),
			zap.Stringer("gateway", simulatedGateway),
		)
		return env, nil
	}

	if !v.GetBool("link.memory_transport") {
		return nil, errNoTransport
	}

	iface := v.GetString("link.interface")
	addr := netlinkaddr.New(iface, logger.Named("netlink"))
	if err := addr.Start(ctx); err != nil {
		return nil, fmt.Errorf("netlink addressing on %s: %w", iface, err)
	}
	env.addressing = addr
	env.link = link.NewWiFi(iface, logger.Named("link"))
	env.close = addr.Stop
	logger.Error("no WLAN IOVAR transport: firmware commands are only recorded in memory and "+
		"nothing reports radio activity, so every cycle sleeps the full wait",
		zap.String("interface", iface),
	)
	return env, nil
}

func newMetricsServer(addr string, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

func run(ctx context.Context, v *viper.Viper, logger *zap.Logger) error {
	cfg := config.New(v)

	timing, err := loadTiming(v)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	env, err := newEnvironment(ctx, v, logger)
	if err != nil {
		return err
	}
	defer env.close()

	bus := event.NewBus(logger.Named("event"))

	reporter := mqtt.New(mqtt.ParseConfig(cfg.Sub("mqtt")), logger.Named("mqtt"))
	if err := reporter.Start(ctx); err != nil {
		return fmt.Errorf("mqtt reporter: %w", err)
	}
	defer reporter.Stop()
	detach := reporter.Attach(bus)
	defer detach()

	list, err := buildOffloads(ctx, cfg.Sub("offloads"), reporter, logger)
	if err != nil {
		return err
	}

	manager := olm.New(logger.Named("olm"), list, olm.WithMetrics(m))
	ctrl := netsuspend.New(logger.Named("netsuspend"), env.stack, env.link, manager,
		netsuspend.WithBus(bus),
		netsuspend.WithMetrics(m),
	)

	if err := manager.InitModules(ctx, olm.Handles{
		Driver:     env.driver,
		Stack:      env.stack,
		Addressing: env.addressing,
		Activity:   ctrl,
	}); err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		manager.Close(shutdownCtx)
	}()
	logger.Info("offloads initialized", zap.Strings("offloads", manager.Names()))

	srv := newMetricsServer(v.GetString("metrics.listen"), reg)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", zap.Error(err))
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("metrics server shutdown error", zap.Error(err))
		}
	}()
	logger.Info("lpad ready",
		zap.String("metrics", srv.Addr),
		zap.Duration("wait", timing.Wait),
	)

	loop(ctx, ctrl, timing, logger)
	return nil
}

// loop runs sleep cycles until ctx is cancelled.
func loop(ctx context.Context, ctrl *netsuspend.Controller, t suspendTiming, logger *zap.Logger) {
	for {
		st := ctrl.WaitNetSuspend(ctx, t.Wait, t.Interval, t.Window)
		logger.Debug("suspend cycle finished",
			zap.Stringer("status", st),
			zap.Duration("cumulative_sleep", ctrl.CumulativeSleep()),
		)

		select {
		case <-ctx.Done():
			return
		case <-time.After(t.Pause):
		}
	}
}
