// Package broadcast implements a bounded multi-consumer broadcast
// channel. Every value sent is delivered to every live subscriber, up
// to a fixed number of pending values per subscriber. A subscriber
// that falls behind the bound is marked lagged and its next Recv
// reports ErrLagged instead of silently skipping values.
package broadcast

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

var (
	// ErrClosed is returned by Recv after the sender has been closed.
	ErrClosed = errors.New("broadcast channel closed")

	// ErrLagged is returned by Recv once a subscriber has missed at
	// least one value because its pending buffer overflowed.
	ErrLagged = errors.New("broadcast receiver lagged behind sender")
)

// Sender is the producing side of a broadcast channel. It is safe for
// concurrent use and may be shared by multiple producers.
type Sender[T any] struct {
	mu       sync.Mutex
	capacity int
	subs     map[*Receiver[T]]struct{}
	closed   bool
}

// Receiver is one subscription to a Sender. It observes every value
// sent after Subscribe was called.
type Receiver[T any] struct {
	sender *Sender[T]
	ch     chan T
	lagged chan struct{}
	once   sync.Once
}

// NewSender creates a broadcast sender whose subscribers may each have
// up to capacity values pending.
func NewSender[T any](capacity int) *Sender[T] {
	return &Sender[T]{
		capacity: capacity,
		subs:     make(map[*Receiver[T]]struct{}),
	}
}

// Subscribe registers a new receiver. Values sent before this call are
// never observed by the returned receiver.
func (s *Sender[T]) Subscribe() *Receiver[T] {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := &Receiver[T]{
		sender: s,
		ch:     make(chan T, s.capacity),
		lagged: make(chan struct{}),
	}
	if s.closed {
		close(r.ch)
		return r
	}
	s.subs[r] = struct{}{}
	return r
}

// Send delivers v to every live subscriber. It never blocks: a
// subscriber without buffer room is marked lagged and dropped from
// further delivery. Sending with no subscribers is a no-op.
func (s *Sender[T]) Send(v T) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	for r := range s.subs {
		select {
		case r.ch <- v:
		default:
			close(r.lagged)
			delete(s.subs, r)
		}
	}
}

// Receivers reports the number of live subscribers.
func (s *Sender[T]) Receivers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// Close terminates the channel. Subscribers drain their pending values
// and then receive ErrClosed.
func (s *Sender[T]) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	for r := range s.subs {
		close(r.ch)
		delete(s.subs, r)
	}
}

// Recv blocks until the next value is available. It returns ctx.Err()
// if ctx is done first, ErrLagged once the subscription has
// overflowed, and ErrClosed after the sender was closed and all
// pending values were drained.
func (r *Receiver[T]) Recv(ctx context.Context) (T, error) {
	var zero T

	// A lagged subscriber has already missed data; report that before
	// handing out whatever is still buffered.
	select {
	case <-r.lagged:
		return zero, ErrLagged
	default:
	}

	select {
	case v, ok := <-r.ch:
		if !ok {
			return zero, ErrClosed
		}
		return v, nil
	case <-r.lagged:
		return zero, ErrLagged
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// Close unsubscribes the receiver so the sender stops buffering for
// it. Safe to call multiple times.
func (r *Receiver[T]) Close() {
	r.once.Do(func() {
		r.sender.mu.Lock()
		delete(r.sender.subs, r)
		r.sender.mu.Unlock()
	})
}
