package events

import (
	"context"
	"sync"

	"github.com/Workiva/go-datastructures/queue"

	"github.com/core-tools/hsu-plugin-lifecycle/pkg/errors"
	"github.com/core-tools/hsu-plugin-lifecycle/pkg/logging"
)

const DefaultCapacity = 256

// Broker fans events out to any number of subscribers. Each subscriber owns a
// bounded ring buffer; publishing never blocks, and a subscriber whose buffer is
// full or disposed is pruned.
type Broker[T any] struct {
	name        string
	capacity    uint64
	logger      logging.Logger
	subscribers map[uint64]*Subscription[T]
	nextID      uint64
	closed      bool
	mutex       sync.Mutex
}

// Subscription receives events published after it was created
type Subscription[T any] struct {
	id      uint64
	buffer  *queue.RingBuffer
	broker  *Broker[T]
	notify  chan struct{}
	done    chan struct{}
	dispose sync.Once
}

func NewBroker[T any](name string, capacity int, logger logging.Logger) *Broker[T] {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Broker[T]{
		name:        name,
		capacity:    uint64(capacity),
		logger:      logger,
		subscribers: make(map[uint64]*Subscription[T]),
	}
}

func (b *Broker[T]) Subscribe() *Subscription[T] {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	b.nextID++
	sub := &Subscription[T]{
		id:     b.nextID,
		buffer: queue.NewRingBuffer(b.capacity),
		broker: b,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	if b.closed {
		sub.close()
		return sub
	}
	b.subscribers[sub.id] = sub

	b.logger.Debugf("Subscriber added, broker: %s, subscriber: %d, total: %d", b.name, sub.id, len(b.subscribers))
	return sub
}

// Publish offers the event to every subscriber without blocking
func (b *Broker[T]) Publish(event T) {
	subscribers := b.snapshot()

	var pruned []uint64
	for _, sub := range subscribers {
		ok, err := sub.buffer.Offer(event)
		if err != nil || !ok {
			pruned = append(pruned, sub.id)
			continue
		}
		select {
		case sub.notify <- struct{}{}:
		default:
		}
	}

	if len(pruned) == 0 {
		return
	}

	b.mutex.Lock()
	defer b.mutex.Unlock()
	for _, id := range pruned {
		if sub, exists := b.subscribers[id]; exists {
			delete(b.subscribers, id)
			sub.close()
			b.logger.Warnf("Pruned slow or closed subscriber, broker: %s, subscriber: %d", b.name, id)
		}
	}
}

func (b *Broker[T]) SubscriberCount() int {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return len(b.subscribers)
}

// Close disposes every subscription; later subscriptions are closed on creation
func (b *Broker[T]) Close() {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	b.closed = true
	for id, sub := range b.subscribers {
		sub.close()
		delete(b.subscribers, id)
	}
}

func (b *Broker[T]) snapshot() []*Subscription[T] {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	subscribers := make([]*Subscription[T], 0, len(b.subscribers))
	for _, sub := range b.subscribers {
		subscribers = append(subscribers, sub)
	}
	return subscribers
}

func (b *Broker[T]) remove(id uint64) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	delete(b.subscribers, id)
}

// Next blocks until an event is available, the context is done, or the
// subscription is closed
func (s *Subscription[T]) Next(ctx context.Context) (T, error) {
	var zero T
	for {
		if s.buffer.IsDisposed() {
			return zero, errors.NewCancelledError("subscription closed", queue.ErrDisposed)
		}

		// Single consumer: Get cannot block once Len reports a buffered item
		if s.buffer.Len() > 0 {
			item, err := s.buffer.Get()
			if err != nil {
				return zero, errors.NewCancelledError("subscription closed", err)
			}
			return item.(T), nil
		}

		select {
		case <-s.notify:
		case <-s.done:
		case <-ctx.Done():
			return zero, errors.NewCancelledError("subscription wait cancelled", ctx.Err())
		}
	}
}

// Channel pumps events into a channel until ctx is done or the subscription closes
func (s *Subscription[T]) Channel(ctx context.Context) <-chan T {
	out := make(chan T)
	go func() {
		defer close(out)
		for {
			event, err := s.Next(ctx)
			if err != nil {
				return
			}
			select {
			case out <- event:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// Pending returns the number of buffered events
func (s *Subscription[T]) Pending() int {
	return int(s.buffer.Len())
}

func (s *Subscription[T]) Closed() bool {
	return s.buffer.IsDisposed()
}

func (s *Subscription[T]) Close() {
	s.broker.remove(s.id)
	s.close()
}

func (s *Subscription[T]) close() {
	s.dispose.Do(func() {
		s.buffer.Dispose()
		close(s.done)
	})
}
