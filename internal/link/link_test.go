package link

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatic(t *testing.T) {
	s := NewStatic(true)
	assert.True(t, s.Connected(context.Background()))

	s.Set(false)
	assert.False(t, s.Connected(context.Background()))
}

var _ Checker = (*WiFi)(nil)
