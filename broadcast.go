package accounts

import (
	"context"
	"sync"
)

// Broadcaster is a replay-free multicast stream. Each subscriber gets its
// own unbounded queue so Publish never waits on a slow reader, and every
// subscriber observes events in publish order.
type Broadcaster[T any] struct {
	mu     sync.Mutex
	subs   map[uint64]*Subscription[T]
	nextID uint64
	closed bool
}

// NewBroadcaster returns an open broadcaster with no subscribers.
func NewBroadcaster[T any]() *Broadcaster[T] {
	return &Broadcaster[T]{
		subs: make(map[uint64]*Subscription[T]),
	}
}

// Subscribe registers a subscriber. Only events published after Subscribe
// returns are delivered. The subscription ends when ctx is done, when Close
// is called on it, or when the broadcaster closes.
func (b *Broadcaster[T]) Subscribe(ctx context.Context) *Subscription[T] {
	if ctx == nil {
		ctx = context.Background()
	}

	sub := &Subscription[T]{
		out:    make(chan T),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		sub.stop()
		close(sub.out)
		return sub
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = sub
	b.mu.Unlock()

	sub.unregister = func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}

	go sub.pump(ctx)
	return sub
}

// Publish enqueues v for every current subscriber.
func (b *Broadcaster[T]) Publish(v T) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	for _, sub := range b.subs {
		sub.push(v)
	}
}

// Len returns the number of live subscribers.
func (b *Broadcaster[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close ends every subscription. Queued events are dropped.
func (b *Broadcaster[T]) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := b.subs
	b.subs = map[uint64]*Subscription[T]{}
	b.mu.Unlock()

	for _, sub := range subs {
		sub.stop()
	}
}

// Subscription is one reader of a Broadcaster.
type Subscription[T any] struct {
	out        chan T
	notify     chan struct{}
	done       chan struct{}
	mu         sync.Mutex
	queue      []T
	once       sync.Once
	unregister func()
}

// C returns the delivery channel. It is closed when the subscription ends.
func (s *Subscription[T]) C() <-chan T {
	return s.out
}

// Close ends the subscription.
func (s *Subscription[T]) Close() {
	s.stop()
}

func (s *Subscription[T]) stop() {
	s.once.Do(func() {
		close(s.done)
	})
}

func (s *Subscription[T]) push(v T) {
	s.mu.Lock()
	s.queue = append(s.queue, v)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Subscription[T]) pop() (T, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var zero T
	if len(s.queue) == 0 {
		return zero, false
	}
	v := s.queue[0]
	s.queue[0] = zero
	s.queue = s.queue[1:]
	return v, true
}

func (s *Subscription[T]) pump(ctx context.Context) {
	defer func() {
		if s.unregister != nil {
			s.unregister()
		}
		close(s.out)
	}()

	for {
		for {
			v, ok := s.pop()
			if !ok {
				break
			}
			select {
			case s.out <- v:
			case <-s.done:
				return
			case <-ctx.Done():
				s.stop()
				return
			}
		}

		select {
		case <-s.notify:
		case <-s.done:
			return
		case <-ctx.Done():
			s.stop()
			return
		}
	}
}
