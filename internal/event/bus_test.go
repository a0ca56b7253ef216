package event

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestBus_TopicThenAll(t *testing.T) {
	b := NewBus(zap.NewNop())
	var order []string

	b.SubscribeAll(func(_ context.Context, n Notification) { order = append(order, "all:"+string(n.Topic)) })
	b.Subscribe(TopicSuspended, func(_ context.Context, n Notification) { order = append(order, "topic") })

	b.Publish(context.Background(), Notification{Topic: TopicSuspended})
	b.Publish(context.Background(), Notification{Topic: TopicResuming})

	assert.Equal(t, []string{"topic", "all:netsuspend.suspended", "all:netsuspend.resuming"}, order)
}

func TestBus_Unsubscribe(t *testing.T) {
	b := NewBus(nil)
	calls := 0
	unsub := b.Subscribe(TopicResuming, func(context.Context, Notification) { calls++ })
	unsubAll := b.SubscribeAll(func(context.Context, Notification) { calls++ })

	b.Publish(context.Background(), Notification{Topic: TopicResuming})
	unsub()
	unsubAll()
	b.Publish(context.Background(), Notification{Topic: TopicResuming})

	assert.Equal(t, 2, calls)
}

func TestBus_PanicIsRecovered(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	b := NewBus(zap.New(core))

	id := uuid.New()
	delivered := false
	b.Subscribe(TopicSuspended, func(context.Context, Notification) { panic("boom") })
	b.Subscribe(TopicSuspended, func(_ context.Context, n Notification) {
		delivered = true
		assert.Equal(t, id, n.CycleID)
		assert.False(t, n.Timestamp.IsZero())
	})

	b.Publish(context.Background(), Notification{Topic: TopicSuspended, CycleID: id})

	assert.True(t, delivered)
	require.Equal(t, 1, logs.FilterMessage("notification handler panicked").Len())
}
