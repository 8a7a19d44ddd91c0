package executor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubmitRunsTask(t *testing.T) {
	e := New("test", 1, 4, zerolog.Nop())
	defer e.Stop()

	ran := false
	err := e.Submit(context.Background(), func() error {
		ran = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)
}

func TestSubmitReturnsTaskError(t *testing.T) {
	e := New("test", 1, 4, zerolog.Nop())
	defer e.Stop()

	boom := errors.New("model blew up")
	err := e.Submit(context.Background(), func() error { return boom })
	assert.ErrorIs(t, err, boom)
}

func TestSubmitContainsPanic(t *testing.T) {
	e := New("test", 1, 4, zerolog.Nop())
	defer e.Stop()

	err := e.Submit(context.Background(), func() error { panic("bad inference") })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "task panic")

	// The worker survives the panic.
	err = e.Submit(context.Background(), func() error { return nil })
	assert.NoError(t, err)
}

func TestSingleWorkerSerializes(t *testing.T) {
	e := New("serial", 1, 16, zerolog.Nop())
	defer e.Stop()

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = e.Submit(context.Background(), func() error {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				return nil
			})
		}()
	}
	wg.Wait()
	// One worker: every task ran to completion before the next started,
	// so all eight results are present with no interleaving lost.
	assert.Len(t, order, 8)
}

func TestSubmitFailsFastWhenFull(t *testing.T) {
	e := New("full", 1, 1, zerolog.Nop())
	defer e.Stop()

	block := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = e.Submit(context.Background(), func() error {
			close(started)
			<-block
			return nil
		})
	}()
	<-started

	// Occupy the single queue slot, then overflow it.
	go func() {
		_ = e.Submit(context.Background(), func() error { return nil })
	}()
	require.Eventually(t, func() bool { return e.QueueDepth() == 1 }, time.Second, time.Millisecond)

	err := e.Submit(context.Background(), func() error { return nil })
	close(block)
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.Greater(t, e.Dropped(), int64(0))
}

func TestSubmitAfterStop(t *testing.T) {
	e := New("stopped", 1, 1, zerolog.Nop())
	e.Stop()
	err := e.Submit(context.Background(), func() error { return nil })
	assert.ErrorIs(t, err, ErrStopped)
}

func TestStopIsIdempotent(t *testing.T) {
	e := New("twice", 1, 1, zerolog.Nop())
	e.Stop()
	e.Stop()
	assert.ErrorIs(t, e.Submit(context.Background(), func() error { return nil }), ErrStopped)
}

func TestSubmitRacingStopNeverPanicsOnClosedQueue(t *testing.T) {
	// Submitters hammer the queue while Stop closes it; every Submit
	// must resolve to a result, ErrQueueFull or ErrStopped — never a
	// send on the closed channel.
	e := New("race", 2, 4, zerolog.Nop())

	var wg sync.WaitGroup
	stopSubmitting := make(chan struct{})
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stopSubmitting:
					return
				default:
				}
				err := e.Submit(context.Background(), func() error { return nil })
				if errors.Is(err, ErrStopped) {
					return
				}
				if err != nil {
					assert.ErrorIs(t, err, ErrQueueFull)
				}
			}
		}()
	}

	time.Sleep(5 * time.Millisecond)
	e.Stop()
	close(stopSubmitting)
	wg.Wait()

	assert.ErrorIs(t, e.Submit(context.Background(), func() error { return nil }), ErrStopped)
}
