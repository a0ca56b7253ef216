// Package offload provides the public SDK types for WLAN offload modules.
// Every offload handed to the offload manager implements Offload.
package offload

import (
	"context"
	"errors"
	"time"

	"github.com/HerbHall/wlanlpa/pkg/netstack"
	"github.com/HerbHall/wlanlpa/pkg/wlan"
	"go.uber.org/zap"
)

// Errors shared by offload modules.
var (
	ErrInvalidConfig  = errors.New("invalid offload configuration")
	ErrNotInitialized = errors.New("offload not initialized")
	ErrArmFailed      = errors.New("offload arm failed")
)

// PowerState is the host power transition announced to every offload.
type PowerState int

const (
	Awake PowerState = iota
	GoingToSleep
)

func (s PowerState) String() string {
	switch s {
	case Awake:
		return "awake"
	case GoingToSleep:
		return "going_to_sleep"
	default:
		return "unknown"
	}
}

// Offload defines the interface that all offload modules must implement.
type Offload interface {
	// Info returns the offload's metadata.
	Info() Info

	// Init programs the firmware with the offload's initial state.
	Init(ctx context.Context, deps Dependencies) error

	// Deinit releases firmware state. It must tolerate being called
	// on a module whose Init failed or never ran.
	Deinit(ctx context.Context) error

	// PM reacts to a host power transition. It must not call back into
	// the suspend controller.
	PM(ctx context.Context, state PowerState) error
}

// Info contains offload metadata.
type Info struct {
	Name        string // Unique identifier: "arp", "tko", "nko", ...
	Version     string
	Description string
}

// Scheduler defers work out of callback context onto a dedicated goroutine.
type Scheduler interface {
	Submit(job func(ctx context.Context)) error
	SubmitAfter(d time.Duration, job func(ctx context.Context)) (cancel func())
}

// ActivitySink receives wake notifications raised by offload event handlers
// (for example a firmware keepalive failure).
type ActivitySink interface {
	OnActivity(tx bool)
}

// ActivityFunc adapts a function to ActivitySink.
type ActivityFunc func(tx bool)

func (f ActivityFunc) OnActivity(tx bool) { f(tx) }

// Dependencies provides controlled access to the shared interface handles.
// Injected by the offload manager during Init.
type Dependencies struct {
	Driver     wlan.Driver
	Stack      netstack.Stack
	Addressing netstack.Addressing
	Scheduler  Scheduler
	Activity   ActivitySink
	Logger     *zap.Logger // Named logger for this offload
}

// Config abstracts configuration access. Wraps Viper today, replaceable later.
type Config interface {
	Unmarshal(target any) error
	Get(key string) any
	GetString(key string) string
	GetInt(key string) int
	GetBool(key string) bool
	GetDuration(key string) time.Duration
	IsSet(key string) bool
	Sub(key string) Config
}
