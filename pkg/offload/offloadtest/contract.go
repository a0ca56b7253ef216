// Package offloadtest provides shared contract tests that verify any
// offload.Offload implementation behaves correctly. Every module's test
// file should call TestOffloadContract to ensure conformance.
package offloadtest

import (
	"context"
	"net"
	"net/netip"
	"testing"

	"github.com/HerbHall/wlanlpa/internal/netstack/memstack"
	"github.com/HerbHall/wlanlpa/internal/wlan/memdriver"
	"github.com/HerbHall/wlanlpa/internal/worker"
	"github.com/HerbHall/wlanlpa/pkg/offload"
	"go.uber.org/zap/zaptest"
)

// Env is the in-memory environment handed to an offload under test.
type Env struct {
	Driver *memdriver.Driver
	Stack  *memstack.Stack
	Worker *worker.Worker
	Deps   offload.Dependencies
}

// NewEnv builds an environment with an addressed interface, a default
// gateway with a resolved MAC, and a running worker that stops at test end.
func NewEnv(t testing.TB, name string) *Env {
	t.Helper()

	d := memdriver.New()
	st := memstack.New()
	st.SetIPv4(netip.MustParseAddr("192.168.43.10"))
	st.SetGateway(netip.MustParseAddr("192.168.43.1"))
	st.SetNeighbor(netip.MustParseAddr("192.168.43.1"), net.HardwareAddr{0x3c, 0x28, 0x6d, 0x00, 0x00, 0x01})

	logger := zaptest.NewLogger(t)
	w := worker.New(worker.DefaultQueueSize, logger.Named("worker"))
	w.Start(context.Background())
	t.Cleanup(w.Stop)

	return &Env{
		Driver: d,
		Stack:  st,
		Worker: w,
		Deps: offload.Dependencies{
			Driver:     d,
			Stack:      st,
			Addressing: st,
			Scheduler:  w,
			Activity:   offload.ActivityFunc(func(bool) {}),
			Logger:     logger.Named(name),
		},
	}
}

// TestOffloadContract runs a suite of behavioral contract tests against
// any offload.Offload implementation. Call this from each module's _test.go:
//
//	func TestContract(t *testing.T) {
//	    offloadtest.TestOffloadContract(t, func() offload.Offload { return arp.New(arp.DefaultConfig()) })
//	}
func TestOffloadContract(t *testing.T, factory func() offload.Offload) {
	t.Helper()

	t.Run("Info_returns_valid_metadata", func(t *testing.T) {
		o := factory()
		info := o.Info()
		if info.Name == "" {
			t.Error("Info().Name must not be empty")
		}
		if info.Version == "" {
			t.Error("Info().Version must not be empty")
		}
	})

	t.Run("Init_succeeds_with_valid_deps", func(t *testing.T) {
		o := factory()
		env := NewEnv(t, o.Info().Name)
		if err := o.Init(context.Background(), env.Deps); err != nil {
			t.Fatalf("Init() error = %v", err)
		}
		_ = o.Deinit(context.Background())
	})

	t.Run("Deinit_without_Init_does_not_panic", func(t *testing.T) {
		o := factory()
		if err := o.Deinit(context.Background()); err != nil {
			t.Fatalf("Deinit() without Init error = %v", err)
		}
	})

	t.Run("Sleep_then_Awake", func(t *testing.T) {
		o := factory()
		env := NewEnv(t, o.Info().Name)
		if err := o.Init(context.Background(), env.Deps); err != nil {
			t.Fatalf("Init() error = %v", err)
		}
		defer o.Deinit(context.Background())

		if err := o.PM(context.Background(), offload.GoingToSleep); err != nil {
			t.Fatalf("PM(GoingToSleep) error = %v", err)
		}
		if err := o.PM(context.Background(), offload.Awake); err != nil {
			t.Fatalf("PM(Awake) error = %v", err)
		}
	})

	t.Run("Awake_twice_is_quiet", func(t *testing.T) {
		o := factory()
		env := NewEnv(t, o.Info().Name)
		if err := o.Init(context.Background(), env.Deps); err != nil {
			t.Fatalf("Init() error = %v", err)
		}
		defer o.Deinit(context.Background())

		_ = o.PM(context.Background(), offload.GoingToSleep)
		_ = o.PM(context.Background(), offload.Awake)
		env.Driver.Reset()
		if err := o.PM(context.Background(), offload.Awake); err != nil {
			t.Fatalf("second PM(Awake) error = %v", err)
		}
		if calls := env.Driver.Calls(); len(calls) != 0 {
			t.Errorf("second PM(Awake) issued %d driver calls, want 0", len(calls))
		}
	})

	t.Run("Info_is_idempotent", func(t *testing.T) {
		o := factory()
		a := o.Info()
		b := o.Info()
		if a != b {
			t.Error("Info() must return consistent results")
		}
	})
}
