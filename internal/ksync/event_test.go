package ksync

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestEvent_SignalReleasesWaiters(t *testing.T) {
	e := NewEvent(false)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, e.Wait(context.Background()))
		}()
	}

	e.Signal()
	wg.Wait()

	// Signaled events do not block at all.
	assert.True(t, e.Signaled())
	assert.NoError(t, e.Wait(context.Background()))
}

func TestEvent_Unsignal(t *testing.T) {
	e := NewEvent(true)
	assert.True(t, e.WaitTimeout(time.Millisecond))

	e.Unsignal()
	assert.False(t, e.Signaled())
	assert.False(t, e.WaitTimeout(20*time.Millisecond))

	e.Signal()
	assert.True(t, e.WaitTimeout(time.Second))
}

func TestEvent_WaitContextCancel(t *testing.T) {
	e := NewEvent(false)
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() { errCh <- e.Wait(ctx) }()

	cancel()
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("wait did not observe cancellation")
	}
}

func TestEvent_SignalUnsignalRace(t *testing.T) {
	e := NewEvent(false)
	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			e.Signal()
			e.Unsignal()
		}
		e.Signal()
		close(done)
	}()
	assert.True(t, e.WaitTimeout(5*time.Second))
	<-done
}
