// Package broadcast implements a bounded fan-out channel. Every subscriber
// gets its own queue; publishing never blocks, and a subscriber that falls
// behind loses its oldest pending messages and is told how many it missed.
package broadcast

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

var (
	// ErrClosed is returned by Recv once the broadcaster or the subscription is closed
	ErrClosed = errors.New("broadcast closed")
)

// LagError is returned by Recv when messages were dropped since the previous call
type LagError struct {
	Missed uint64
}

func (e *LagError) Error() string {
	return fmt.Sprintf("subscriber lagged: %d messages missed", e.Missed)
}

// Broadcaster delivers every published value to every current subscriber
type Broadcaster[T any] struct {
	mu       sync.RWMutex
	subs     map[*Subscription[T]]struct{}
	capacity int
	closed   bool
	dropped  atomic.Uint64
}

// New creates a broadcaster whose subscribers buffer up to capacity values
func New[T any](capacity int) *Broadcaster[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Broadcaster[T]{
		subs:     make(map[*Subscription[T]]struct{}),
		capacity: capacity,
	}
}

// Subscribe registers a new subscriber. It only sees values published after this call.
func (b *Broadcaster[T]) Subscribe() *Subscription[T] {
	sub := &Subscription[T]{
		b:  b,
		ch: make(chan T, b.capacity),
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		close(sub.ch)
		return sub
	}
	b.subs[sub] = struct{}{}
	return sub
}

// Publish hands v to every subscriber and returns how many received it.
// A full subscriber queue has its oldest entry discarded to make room.
func (b *Broadcaster[T]) Publish(v T) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return 0
	}
	for sub := range b.subs {
		sub.offer(v)
	}
	return len(b.subs)
}

// Subscribers returns the number of active subscriptions
func (b *Broadcaster[T]) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped returns the total number of values discarded across all subscribers
func (b *Broadcaster[T]) Dropped() uint64 {
	return b.dropped.Load()
}

// Close closes every subscription. Pending values stay readable until drained.
func (b *Broadcaster[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for sub := range b.subs {
		close(sub.ch)
	}
	clear(b.subs)
}

func (b *Broadcaster[T]) remove(sub *Subscription[T]) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[sub]; !ok {
		return
	}
	delete(b.subs, sub)
	close(sub.ch)
}

// Subscription is one subscriber's view of a Broadcaster
type Subscription[T any] struct {
	b      *Broadcaster[T]
	ch     chan T
	missed atomic.Uint64
	// offerMu serializes concurrent publishers on this queue so drop-oldest
	// and the retry send happen as one step.
	offerMu sync.Mutex
}

func (s *Subscription[T]) offer(v T) {
	s.offerMu.Lock()
	defer s.offerMu.Unlock()

	for {
		select {
		case s.ch <- v:
			return
		default:
		}

		select {
		case <-s.ch:
			s.missed.Add(1)
			s.b.dropped.Add(1)
		default:
			// the consumer drained the queue in between; retry the send
		}
	}
}

// Recv waits for the next value. If values were dropped since the last call
// it first returns a *LagError; the next call resumes with the oldest value
// still queued.
func (s *Subscription[T]) Recv(ctx context.Context) (T, error) {
	var zero T

	if missed := s.missed.Swap(0); missed > 0 {
		return zero, &LagError{Missed: missed}
	}

	select {
	case v, ok := <-s.ch:
		if !ok {
			return zero, ErrClosed
		}
		return v, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// Close unsubscribes. It is safe to call more than once.
func (s *Subscription[T]) Close() {
	s.b.remove(s)
}
