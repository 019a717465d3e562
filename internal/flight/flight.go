// Package flight provides a single-flight slot: a cache for at most one
// outstanding or completed computation, shared by every caller that asks for
// its value.
//
// A Slot is Empty, InProgress or Ready. Do moves it from Empty to InProgress
// atomically and every other caller subscribes to the same completion signal.
// Successful results move the slot to Ready; failures move it back to Empty so
// that the next caller starts over.
package flight

import (
	"context"
	"sync"
)

// Slot holds at most one computation of a T. The zero value is an empty slot
// ready for use. A Slot must not be copied after first use.
type Slot[T any] struct {
	mu      sync.Mutex
	cur     *call[T]
	running map[*call[T]]struct{}
}

type call[T any] struct {
	done   chan struct{}
	cancel context.CancelFunc

	// Written once before done is closed.
	val T
	err error

	// Guarded by Slot.mu.
	ready   bool
	waiters int
}

func (c *call[T]) finished() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Do returns the slot's value. If the slot is Ready the cached value is
// returned immediately. If it is InProgress the caller waits for that
// computation. If it is Empty fn is started in its own goroutine with a
// context derived from parent and the caller waits for it.
//
// ctx bounds only this caller's wait. When the last waiter of an InProgress
// computation gives up, the computation is cancelled and the slot reverts to
// Empty.
func (s *Slot[T]) Do(ctx context.Context, parent context.Context, fn func(context.Context) (T, error)) (T, error) {
	var zero T

	s.mu.Lock()
	c := s.cur
	if c != nil && c.ready {
		s.mu.Unlock()
		return c.val, nil
	}
	if err := ctx.Err(); err != nil {
		s.mu.Unlock()
		return zero, err
	}
	if c == nil {
		c = s.start(parent, fn)
	}
	c.waiters++
	s.mu.Unlock()

	select {
	case <-c.done:
		s.mu.Lock()
		c.waiters--
		s.mu.Unlock()
		if c.err != nil {
			return zero, c.err
		}
		return c.val, nil
	case <-ctx.Done():
		s.mu.Lock()
		c.waiters--
		if c.waiters == 0 && !c.finished() {
			if s.cur == c {
				s.cur = nil
			}
			c.cancel()
		}
		s.mu.Unlock()
		return zero, ctx.Err()
	}
}

// start must be called with s.mu held.
func (s *Slot[T]) start(parent context.Context, fn func(context.Context) (T, error)) *call[T] {
	cctx, cancel := context.WithCancel(parent)
	c := &call[T]{done: make(chan struct{}), cancel: cancel}
	s.cur = c
	if s.running == nil {
		s.running = make(map[*call[T]]struct{})
	}
	s.running[c] = struct{}{}

	go func() {
		val, err := fn(cctx)
		cancel()

		s.mu.Lock()
		defer s.mu.Unlock()
		c.val, c.err = val, err
		if err == nil {
			c.ready = true
		} else if s.cur == c {
			s.cur = nil
		}
		delete(s.running, c)
		close(c.done)
	}()
	return c
}

// Peek returns the cached value if the slot is Ready. It never blocks and
// never starts a computation.
func (s *Slot[T]) Peek() (T, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur != nil && s.cur.ready {
		return s.cur.val, true
	}
	var zero T
	return zero, false
}

// InProgress reports whether a computation is currently running for the slot.
func (s *Slot[T]) InProgress() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cur != nil && !s.cur.ready
}

// Reset discards a Ready value and reports whether it did. An InProgress
// computation is left untouched.
func (s *Slot[T]) Reset() bool {
	return s.ResetIf(func(T) bool { return true })
}

// ResetIf discards a Ready value only if match reports true for it.
func (s *Slot[T]) ResetIf(match func(T) bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur == nil || !s.cur.ready {
		return false
	}
	if !match(s.cur.val) {
		return false
	}
	s.cur = nil
	return true
}

// Wait blocks until every computation started before the call has returned,
// including computations abandoned by their waiters.
func (s *Slot[T]) Wait() {
	s.mu.Lock()
	pending := make([]*call[T], 0, len(s.running))
	for c := range s.running {
		pending = append(pending, c)
	}
	s.mu.Unlock()

	for _, c := range pending {
		<-c.done
	}
}
