// Package link reports whether the WLAN station is associated. The suspend
// controller refuses to suspend a link that is down.
package link

import (
	"context"
	"sync/atomic"
)

// Checker reports association state.
type Checker interface {
	Connected(ctx context.Context) bool
}

// Static is a Checker whose state is set by the caller.
type Static struct {
	up atomic.Bool
}

// NewStatic returns a Static checker in the given state.
func NewStatic(connected bool) *Static {
	s := &Static{}
	s.up.Store(connected)
	return s
}

// Set changes the reported state.
func (s *Static) Set(connected bool) { s.up.Store(connected) }

func (s *Static) Connected(context.Context) bool { return s.up.Load() }
