// Package ksync provides synchronization primitives used by the memory
// manager's worker goroutines.
package ksync

import (
	"context"
	"sync"
	"time"
)

// Event is a manual-reset event. Signal releases all current and future
// waiters until Unsignal is called. The zero value is an unsignaled event.
type Event struct {
	mu       sync.Mutex
	signaled bool
	ch       chan struct{}
}

// NewEvent returns an event in the given initial state.
func NewEvent(signaled bool) *Event {
	return &Event{signaled: signaled}
}

func (e *Event) gate() chan struct{} {
	if e.ch == nil {
		e.ch = make(chan struct{})
	}
	return e.ch
}

// Signal puts the event into the signaled state and releases all waiters.
func (e *Event) Signal() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.signaled {
		return
	}
	e.signaled = true
	if e.ch != nil {
		close(e.ch)
		e.ch = nil
	}
}

// Unsignal puts the event back into the unsignaled state.
func (e *Event) Unsignal() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.signaled = false
}

// Signaled reports the current state without blocking.
func (e *Event) Signaled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.signaled
}

// Wait blocks until the event is signaled or the context is done.
// Returns the context error when the wait was interrupted.
func (e *Event) Wait(ctx context.Context) error {
	for {
		e.mu.Lock()
		if e.signaled {
			e.mu.Unlock()
			return nil
		}
		gate := e.gate()
		e.mu.Unlock()

		select {
		case <-gate:
			// Re-check: the event may have been unsignaled again.
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// WaitTimeout blocks until the event is signaled or the timeout elapses.
// Returns false on timeout.
func (e *Event) WaitTimeout(d time.Duration) bool {
	deadline := time.Now().Add(d)
	for {
		e.mu.Lock()
		if e.signaled {
			e.mu.Unlock()
			return true
		}
		gate := e.gate()
		e.mu.Unlock()

		remain := time.Until(deadline)
		if remain <= 0 {
			return false
		}
		t := time.NewTimer(remain)
		select {
		case <-gate:
			t.Stop()
		case <-t.C:
			return false
		}
	}
}
