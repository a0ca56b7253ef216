// Package netsuspend decides when the host network stack may be frozen so
// the host can sleep while WLAN firmware keeps the link alive, and drives
// the offload manager through each sleep cycle.
//
// Calls to WaitNetSuspend, Suspend and Resume must be serialised by the
// caller. OnActivity and DeliverRX may be called from any goroutine.
package netsuspend

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/HerbHall/wlanlpa/internal/event"
	"github.com/HerbHall/wlanlpa/internal/link"
	"github.com/HerbHall/wlanlpa/internal/metrics"
	"github.com/HerbHall/wlanlpa/pkg/netstack"
	"github.com/HerbHall/wlanlpa/pkg/offload"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// RXHoldCapacity is the number of frames held while the stack is suspended.
const RXHoldCapacity = 20

// Dispatcher fans power transitions out to the offloads. *olm.Manager
// satisfies it.
type Dispatcher interface {
	Dispatch(ctx context.Context, state offload.PowerState)
}

// Option configures a Controller.
type Option func(*Controller)

// WithBus publishes sleep/wake notifications on b instead of a private bus.
func WithBus(b *event.Bus) Option {
	return func(c *Controller) { c.bus = b }
}

// WithMetrics records cycle outcomes and RX hold queue activity.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// Controller is the network suspend/resume state machine.
type Controller struct {
	stack   netstack.Stack
	link    link.Checker
	olm     Dispatcher
	bus     *event.Bus
	metrics *metrics.Metrics
	logger  *zap.Logger
	act     *activity
	dropLog rate.Sometimes

	// deepSleepLock inhibits the host's own idle power manager.
	deepSleepLock atomic.Bool

	mu              sync.Mutex
	suspended       bool
	cumulativeSleep time.Duration
	rxHold          [][]byte
}

// New creates a controller for stack. Dispatches go to olm, which may be
// nil when no offloads are configured.
func New(logger *zap.Logger, stack netstack.Stack, lk link.Checker, olm Dispatcher, opts ...Option) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Controller{
		stack:   stack,
		link:    lk,
		olm:     olm,
		logger:  logger,
		act:     newActivity(),
		dropLog: rate.Sometimes{First: 1, Interval: 10 * time.Second},
		rxHold:  make([][]byte, 0, RXHoldCapacity),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.bus == nil {
		c.bus = event.NewBus(logger.Named("event"))
	}
	return c
}

// OnActivity is the radio activity callback. It only sets flag bits.
func (c *Controller) OnActivity(tx bool) {
	c.act.Signal(tx)
}

// DeliverRX hands a received frame to the stack. While the stack is
// suspended the frame is held, up to RXHoldCapacity frames, and delivered
// on Resume. Either way the frame counts as RX activity.
func (c *Controller) DeliverRX(frame []byte) {
	c.act.Signal(false)

	c.mu.Lock()
	if !c.suspended {
		c.mu.Unlock()
		c.stack.Input(frame)
		return
	}
	if len(c.rxHold) >= RXHoldCapacity {
		c.mu.Unlock()
		c.metrics.RXDropped()
		c.dropLog.Do(func() {
			c.logger.Warn("rx hold queue full, dropping frame", zap.Int("capacity", RXHoldCapacity))
		})
		return
	}
	c.rxHold = append(c.rxHold, frame)
	c.mu.Unlock()
	c.metrics.RXHeld()
}

// RegisterCallback subscribes fn to every sleep/wake notification.
func (c *Controller) RegisterCallback(fn func(event.Notification)) (unregister func()) {
	return c.bus.SubscribeAll(func(_ context.Context, n event.Notification) { fn(n) })
}

// WaitForInactivity blocks until the radio has been quiet for a full
// window, returning StatusSuccess, or until interval has elapsed without
// such a window, returning StatusInactivityTimeoutExpired. interval must
// exceed window.
func (c *Controller) WaitForInactivity(interval, window time.Duration) Status {
	return c.waitForInactivity(context.Background(), interval, window)
}

func (c *Controller) waitForInactivity(ctx context.Context, interval, window time.Duration) Status {
	if interval <= window {
		return StatusBadArgs
	}
	c.act.Clear()
	start := time.Now()
	timer := time.NewTimer(window)
	defer timer.Stop()

	for {
		select {
		case <-timer.C:
			return StatusSuccess
		case <-ctx.Done():
			return StatusInactivityTimeoutExpired
		case <-c.act.C():
			c.act.Clear()
			if time.Since(start) >= interval {
				return StatusInactivityTimeoutExpired
			}
			timer.Reset(window)
		}
	}
}

// Suspend freezes the network stack.
func (c *Controller) Suspend() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.suspended {
		return StatusBadState
	}
	c.stack.Freeze()
	c.suspended = true
	c.metrics.SetSuspended(true)
	return StatusSuccess
}

// Resume unfreezes the network stack and delivers the frames held while it
// was suspended, in arrival order.
func (c *Controller) Resume() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.suspended {
		return StatusBadState
	}
	c.stack.Unfreeze()
	c.suspended = false
	c.metrics.SetSuspended(false)

	for i, frame := range c.rxHold {
		c.stack.Input(frame)
		c.rxHold[i] = nil
	}
	c.rxHold = c.rxHold[:0]
	return StatusSuccess
}

// WaitNetSuspend runs one sleep cycle. It waits for the radio to go quiet,
// freezes the stack, tells the offloads the host is going to sleep, then
// blocks for up to wait or until radio activity, tells the offloads the
// host is awake and unfreezes the stack.
//
// Cancelling ctx while suspended wakes the host like radio activity does.
// Cancelling it before the stack is frozen ends the cycle with
// StatusInactivityTimeoutExpired and nothing is dispatched.
func (c *Controller) WaitNetSuspend(ctx context.Context, wait, interval, window time.Duration) Status {
	if c.link != nil && !c.link.Connected(ctx) {
		c.logger.Debug("link not associated, not suspending")
		return StatusBadState
	}

	cycle := uuid.New()
	log := c.logger.With(zap.Stringer("cycle", cycle))
	// Offload and bus calls must complete even after ctx is cancelled.
	octx := context.WithoutCancel(ctx)

	c.lockDeepSleep()
	defer c.unlockDeepSleep()

	st := c.waitForInactivity(ctx, interval, window)
	if st != StatusSuccess {
		log.Debug("network not idle", zap.Stringer("status", st))
		c.metrics.Cycle(st.String())
		return st
	}
	if st = c.Suspend(); st != StatusSuccess {
		c.metrics.Cycle(st.String())
		return st
	}

	c.act.Clear()
	c.dispatch(octx, offload.GoingToSleep)
	c.bus.Publish(octx, event.Notification{Topic: event.TopicSuspended, CycleID: cycle})
	log.Info("network stack suspended", zap.Duration("wait", wait))
	c.unlockDeepSleep()

	start := time.Now()
	st = c.waitActivity(ctx, wait)
	slept := time.Since(start)

	c.lockDeepSleep()
	c.dispatch(octx, offload.Awake)
	c.mu.Lock()
	c.cumulativeSleep += slept
	c.mu.Unlock()
	c.metrics.Slept(slept)

	// Activity can be reported after the wait has already run its full
	// length, so elapsed time decides.
	if slept >= wait {
		st = StatusWaitTimeoutExpired
	}
	c.bus.Publish(octx, event.Notification{Topic: event.TopicResuming, CycleID: cycle, Slept: slept})
	c.Resume()

	log.Info("network stack resumed",
		zap.Duration("slept", slept),
		zap.Stringer("status", st),
		zap.Uint32("activity", c.act.Flags()),
	)
	c.metrics.Cycle(st.String())
	return st
}

func (c *Controller) waitActivity(ctx context.Context, wait time.Duration) Status {
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
		return StatusWaitTimeoutExpired
	case <-c.act.C():
		return StatusNetActivity
	case <-ctx.Done():
		return StatusNetActivity
	}
}

func (c *Controller) dispatch(ctx context.Context, st offload.PowerState) {
	if c.olm == nil {
		return
	}
	c.olm.Dispatch(ctx, st)
}

func (c *Controller) lockDeepSleep()   { c.deepSleepLock.Store(true) }
func (c *Controller) unlockDeepSleep() { c.deepSleepLock.Store(false) }

// DeepSleepAllowed reports whether the host may enter its lowest power
// state. It is false while a cycle is between the quiet check and the
// start of the wait, and again from wake until the cycle returns.
func (c *Controller) DeepSleepAllowed() bool {
	return !c.deepSleepLock.Load()
}

// IsSuspended reports whether the stack is frozen.
func (c *Controller) IsSuspended() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.suspended
}

// CumulativeSleep is the total time spent in activity waits.
func (c *Controller) CumulativeSleep() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cumulativeSleep
}

// Held returns the number of frames waiting for Resume.
func (c *Controller) Held() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.rxHold)
}
