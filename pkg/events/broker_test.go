package events

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/core-tools/hsu-plugin-lifecycle/pkg/errors"
)

type testEvent struct {
	Seq int
}

func TestBroker_FanOut(t *testing.T) {
	broker := NewBroker[testEvent]("test", 8, nil)
	first := broker.Subscribe()
	second := broker.Subscribe()
	require.Equal(t, 2, broker.SubscriberCount())

	broker.Publish(testEvent{Seq: 1})
	broker.Publish(testEvent{Seq: 2})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	for _, sub := range []*Subscription[testEvent]{first, second} {
		event, err := sub.Next(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, event.Seq)

		event, err = sub.Next(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, event.Seq)
	}
}

func TestBroker_PrunesFullSubscriber(t *testing.T) {
	broker := NewBroker[testEvent]("test", 2, nil)
	slow := broker.Subscribe()
	fast := broker.Subscribe()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	for i := 1; i <= 3; i++ {
		broker.Publish(testEvent{Seq: i})
		_, err := fast.Next(ctx)
		require.NoError(t, err)
	}

	assert.Equal(t, 1, broker.SubscriberCount())
	assert.True(t, slow.Closed())
	assert.False(t, fast.Closed())

	_, err := slow.Next(ctx)
	assert.True(t, errors.IsCancelledError(err))
}

func TestBroker_PublishDoesNotBlockWithoutSubscribers(t *testing.T) {
	broker := NewBroker[testEvent]("test", 1, nil)
	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			broker.Publish(testEvent{Seq: i})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked")
	}
}

func TestSubscription_NextWaitsForPublish(t *testing.T) {
	broker := NewBroker[testEvent]("test", 4, nil)
	sub := broker.Subscribe()

	var wg sync.WaitGroup
	wg.Add(1)
	var received testEvent
	var recvErr error
	go func() {
		defer wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		received, recvErr = sub.Next(ctx)
	}()

	time.Sleep(20 * time.Millisecond)
	broker.Publish(testEvent{Seq: 42})
	wg.Wait()

	require.NoError(t, recvErr)
	assert.Equal(t, 42, received.Seq)
}

func TestSubscription_ContextCancel(t *testing.T) {
	broker := NewBroker[testEvent]("test", 4, nil)
	sub := broker.Subscribe()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := sub.Next(ctx)
	assert.True(t, errors.IsCancelledError(err))
}

func TestSubscription_CloseAndChannel(t *testing.T) {
	broker := NewBroker[testEvent]("test", 4, nil)
	sub := broker.Subscribe()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := sub.Channel(ctx)

	broker.Publish(testEvent{Seq: 7})
	select {
	case event := <-ch:
		assert.Equal(t, 7, event.Seq)
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}

	sub.Close()
	assert.Equal(t, 0, broker.SubscriberCount())

	select {
	case _, open := <-ch:
		assert.False(t, open)
	case <-time.After(time.Second):
		t.Fatal("channel not closed")
	}
}

func TestBroker_Close(t *testing.T) {
	broker := NewBroker[testEvent]("test", 4, nil)
	sub := broker.Subscribe()
	broker.Close()

	assert.True(t, sub.Closed())
	assert.True(t, broker.Subscribe().Closed())
	assert.Equal(t, 0, broker.SubscriberCount())
}
