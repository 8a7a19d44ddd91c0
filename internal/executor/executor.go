// Package executor provides a bounded task pool. The pipeline worker
// runs one single-worker executor per model branch so the face and
// phone models never contend on the accelerator, while the consumer
// loops stay free to hold many in-flight messages.
package executor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// ErrQueueFull reports that Submit found no room; the caller decides
// whether to drop or fail the originating message.
var ErrQueueFull = errors.New("executor queue full")

// ErrStopped reports submission after Stop.
var ErrStopped = errors.New("executor stopped")

// Task is one unit of work. It runs on an executor goroutine; panics
// are contained and surfaced as errors to the submitter.
type Task func() error

// Executor owns a fixed set of worker goroutines pulling from one
// bounded queue. With workerCount=1 it is a serializer: tasks run in
// submission order, one at a time.
type Executor struct {
	name        string
	workerCount int
	queue       chan job
	logger      zerolog.Logger

	wg      sync.WaitGroup
	mu      sync.RWMutex
	stopped bool
	dropped int64
}

type job struct {
	task Task
	done chan error
}

// New builds an executor. workerCount and queueSize floor at 1.
func New(name string, workerCount, queueSize int, logger zerolog.Logger) *Executor {
	if workerCount < 1 {
		workerCount = 1
	}
	if queueSize < 1 {
		queueSize = 1
	}
	e := &Executor{
		name:        name,
		workerCount: workerCount,
		queue:       make(chan job, queueSize),
		logger:      logger.With().Str("component", "executor").Str("executor", name).Logger(),
	}
	for i := 0; i < workerCount; i++ {
		e.wg.Add(1)
		go e.worker()
	}
	return e
}

func (e *Executor) worker() {
	defer e.wg.Done()
	for j := range e.queue {
		j.done <- e.run(j.task)
	}
}

// run executes one task with panic containment.
func (e *Executor) run(task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error().
				Interface("panic_value", r).
				Str("stack_trace", string(debug.Stack())).
				Msg("Task panic recovered, worker continues")
			err = fmt.Errorf("task panic: %v", r)
		}
	}()
	return task()
}

// Submit enqueues task and waits for its result. The queue bound is
// the backpressure: a full queue fails fast with ErrQueueFull instead
// of stacking goroutines behind a busy model.
func (e *Executor) Submit(ctx context.Context, task Task) error {
	j := job{task: task, done: make(chan error, 1)}

	// The read lock spans the send so Stop cannot close the queue
	// between the stopped check and the enqueue.
	e.mu.RLock()
	if e.stopped {
		e.mu.RUnlock()
		return ErrStopped
	}
	select {
	case e.queue <- j:
		e.mu.RUnlock()
	default:
		e.mu.RUnlock()
		atomic.AddInt64(&e.dropped, 1)
		return ErrQueueFull
	}

	select {
	case err := <-j.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dropped reports tasks refused because the queue was full.
func (e *Executor) Dropped() int64 {
	return atomic.LoadInt64(&e.dropped)
}

// QueueDepth reports tasks currently waiting.
func (e *Executor) QueueDepth() int {
	return len(e.queue)
}

// Stop drains queued tasks and waits for the workers to exit. Safe to
// call more than once; Submit after (or during) Stop returns
// ErrStopped.
func (e *Executor) Stop() {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.stopped = true
	close(e.queue)
	e.mu.Unlock()

	e.wg.Wait()
	e.logger.Info().Int64("dropped", e.Dropped()).Msg("Executor stopped")
}
