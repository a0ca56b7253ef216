package netsuspend

import "sync/atomic"

// Activity flag bits.
const (
	flagRX uint32 = 1 << 0
	flagTX uint32 = 1 << 1
)

// activity is an edge-triggered two-bit event. Signal is safe from any
// goroutine and never blocks or allocates.
type activity struct {
	bits atomic.Uint32
	wake chan struct{}
}

func newActivity() *activity {
	return &activity{wake: make(chan struct{}, 1)}
}

func (a *activity) Signal(tx bool) {
	flag := flagRX
	if tx {
		flag = flagTX
	}
	a.bits.Or(flag)
	select {
	case a.wake <- struct{}{}:
	default:
	}
}

// Clear resets the bits and drains a pending wake.
func (a *activity) Clear() {
	a.bits.Store(0)
	select {
	case <-a.wake:
	default:
	}
}

func (a *activity) Flags() uint32 { return a.bits.Load() }

func (a *activity) C() <-chan struct{} { return a.wake }
