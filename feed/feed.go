// Package feed is an ordered, multi-subscriber change feed. Publishing never blocks: every
// subscription buffers its own items until they are read.
package feed

import (
	"context"
	"errors"
	"sync"

	"github.com/ef-ds/deque"
)

var ErrClosed = errors.New("feed: subscription closed")

type Feed[T any] struct {
	lock   sync.Mutex
	subs   map[*Subscription[T]]struct{}
	closed bool
}

func New[T any]() *Feed[T] {
	return &Feed[T]{subs: map[*Subscription[T]]struct{}{}}
}

// Subscribe returns a subscription receiving every item published after this call.
func (f *Feed[T]) Subscribe() *Subscription[T] {
	f.lock.Lock()
	defer f.lock.Unlock()

	s := &Subscription[T]{feed: f, ready: make(chan struct{}, 1)}
	if f.closed {
		s.closed = true
		return s
	}
	f.subs[s] = struct{}{}
	return s
}

func (f *Feed[T]) Publish(item T) {
	f.lock.Lock()
	defer f.lock.Unlock()

	for s := range f.subs {
		s.push(item)
	}
}

func (f *Feed[T]) Subscribers() int {
	f.lock.Lock()
	defer f.lock.Unlock()
	return len(f.subs)
}

// Close ends every subscription. Items already buffered can still be read.
func (f *Feed[T]) Close() {
	f.lock.Lock()
	defer f.lock.Unlock()

	f.closed = true
	for s := range f.subs {
		s.close()
	}
	f.subs = map[*Subscription[T]]struct{}{}
}

func (f *Feed[T]) remove(s *Subscription[T]) {
	f.lock.Lock()
	defer f.lock.Unlock()
	delete(f.subs, s)
}

type Subscription[T any] struct {
	feed   *Feed[T]
	lock   sync.Mutex
	queue  deque.Deque
	ready  chan struct{}
	closed bool
}

func (s *Subscription[T]) push(item T) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.closed {
		return
	}
	s.queue.PushBack(item)
	s.signal()
}

func (s *Subscription[T]) signal() {
	select {
	case s.ready <- struct{}{}:
	default:
	}
}

func (s *Subscription[T]) close() {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.closed = true
	s.signal()
}

// Next blocks until an item is available, the subscription is closed and drained, or ctx is done.
func (s *Subscription[T]) Next(ctx context.Context) (T, error) {
	var zero T
	for {
		s.lock.Lock()
		if v, ok := s.queue.PopFront(); ok {
			if s.queue.Len() > 0 || s.closed {
				s.signal()
			}
			s.lock.Unlock()
			return v.(T), nil
		}
		closed := s.closed
		s.lock.Unlock()
		if closed {
			return zero, ErrClosed
		}

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-s.ready:
		}
	}
}

func (s *Subscription[T]) Len() int {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.queue.Len()
}

// Close stops delivery to this subscription and discards anything still buffered.
func (s *Subscription[T]) Close() {
	s.feed.remove(s)
	s.lock.Lock()
	defer s.lock.Unlock()
	s.closed = true
	s.queue = deque.Deque{}
	s.signal()
}
