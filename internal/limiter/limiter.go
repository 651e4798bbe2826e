// Package limiter bounds the number of concurrently live agent instances
// across the whole process with a fair counted semaphore.
package limiter

import (
	"container/list"
	"context"
	"errors"
	"sync"
	"time"
)

var (
	// ErrCapacityExhausted is returned when no slot is free and the caller
	// does not allow waiting.
	ErrCapacityExhausted = errors.New("agent limit reached")

	// ErrAcquireTimeout is returned when a waiter's timeout elapses before
	// a slot is handed to it.
	ErrAcquireTimeout = errors.New("timed out waiting for agent slot")

	// ErrShutdown is the default rejection handed to queued waiters when
	// the limiter is cleared.
	ErrShutdown = errors.New("limiter shutting down")
)

// Stats is a snapshot of limiter occupancy.
type Stats struct {
	Limit   int `json:"limit"`
	Current int `json:"current"`
	Waiting int `json:"waiting"`
}

type waiter struct {
	// ch receives exactly one value: nil when the slot is handed over,
	// or the rejection reason. Buffered so resolvers never block.
	ch chan error
}

// Limiter is a counted semaphore with FIFO waiters. Release hands the freed
// slot directly to the head waiter, so a concurrent TryAcquire can never
// steal it. All agent constructors route through one shared Limiter.
type Limiter struct {
	mu      sync.Mutex
	limit   int
	current int
	waiters *list.List // of *waiter
}

// New creates a Limiter with the given capacity.
func New(limit int) *Limiter {
	if limit <= 0 {
		panic("limiter: capacity must be positive")
	}
	return &Limiter{
		limit:   limit,
		waiters: list.New(),
	}
}

// TryAcquire takes a slot without blocking. It fails when the limiter is
// full or when waiters are queued: queued waiters keep their place in line.
func (l *Limiter) TryAcquire() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.current < l.limit && l.waiters.Len() == 0 {
		l.current++
		return true
	}
	return false
}

// Acquire takes a slot, queueing FIFO behind earlier waiters when the
// limiter is full. It returns nil once the slot is held, the rejection
// reason if the waiter was cleared, or ctx.Err() on cancellation.
func (l *Limiter) Acquire(ctx context.Context) error {
	return l.acquire(ctx, -1)
}

// AcquireTimeout is Acquire with an upper bound on the wait. A zero timeout
// rejects immediately without queueing; a negative timeout waits forever.
func (l *Limiter) AcquireTimeout(ctx context.Context, timeout time.Duration) error {
	return l.acquire(ctx, timeout)
}

func (l *Limiter) acquire(ctx context.Context, timeout time.Duration) error {
	l.mu.Lock()
	if l.current < l.limit && l.waiters.Len() == 0 {
		l.current++
		l.mu.Unlock()
		return nil
	}
	if timeout == 0 {
		l.mu.Unlock()
		return ErrCapacityExhausted
	}

	w := &waiter{ch: make(chan error, 1)}
	elem := l.waiters.PushBack(w)
	l.mu.Unlock()

	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case err := <-w.ch:
		return err
	case <-timeoutCh:
		return l.abandon(elem, w, ErrAcquireTimeout)
	case <-ctx.Done():
		return l.abandon(elem, w, ctx.Err())
	}
}

// abandon removes a waiter whose timeout or context fired. If the slot was
// handed over concurrently, it is passed on rather than leaked.
func (l *Limiter) abandon(elem *list.Element, w *waiter, cause error) error {
	l.mu.Lock()
	select {
	case err := <-w.ch:
		// Resolved before we could leave the queue. Resolvers send while
		// holding the lock, so under the lock the outcome is already here.
		l.mu.Unlock()
		if err == nil {
			l.Release()
		}
		return cause
	default:
		l.waiters.Remove(elem)
		l.mu.Unlock()
		return cause
	}
}

// Release frees a slot. If waiters are queued, the head waiter receives the
// slot atomically: the count never dips, so nothing can race in between.
// Releasing an unheld slot is a caller bug and panics.
func (l *Limiter) Release() {
	l.mu.Lock()
	if elem := l.waiters.Front(); elem != nil {
		l.waiters.Remove(elem)
		w := elem.Value.(*waiter)
		w.ch <- nil
		l.mu.Unlock()
		return
	}
	if l.current == 0 {
		l.mu.Unlock()
		panic("limiter: release of unheld slot")
	}
	l.current--
	l.mu.Unlock()
}

// ClearWaiters rejects every queued waiter with the given reason (ErrShutdown
// when nil) and returns how many were rejected. Held slots are unaffected.
func (l *Limiter) ClearWaiters(reason error) int {
	if reason == nil {
		reason = ErrShutdown
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	count := 0
	for elem := l.waiters.Front(); elem != nil; elem = l.waiters.Front() {
		l.waiters.Remove(elem)
		elem.Value.(*waiter).ch <- reason
		count++
	}
	return count
}

// Stats returns a consistent snapshot of limit, held slots, and queued
// waiters.
func (l *Limiter) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Stats{
		Limit:   l.limit,
		Current: l.current,
		Waiting: l.waiters.Len(),
	}
}
