// Package pool provides the fixed-size worker pool that executes one task
// per received frame. Connection readers stay serial; the pool gives each
// connection many concurrently executing operations.
package pool

import (
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// Task is a unit of work with no parameters or return value.
type Task func()

// WorkerPool runs a fixed number of worker goroutines over a FIFO task
// queue. The pool has two states: running and shutting down. While running,
// Submit enqueues in FIFO order and blocks when the queue is full
// (backpressure on the connection readers). During shutdown, Submit silently
// discards tasks, workers drain whatever is already queued, then exit.
//
// The pool never grows or shrinks at runtime. A panicking task is logged
// with its stack trace and the worker keeps running.
type WorkerPool struct {
	workerCount int
	tasks       chan Task
	wg          sync.WaitGroup

	shuttingDown atomic.Bool
	discarded    atomic.Int64

	logger zerolog.Logger
}

// queuePerWorker sizes the task queue relative to the pool.
const queuePerWorker = 100

// New creates a pool with workerCount workers and a queue of
// workerCount × 100 tasks. Start must be called before Submit.
func New(workerCount int, logger zerolog.Logger) *WorkerPool {
	return &WorkerPool{
		workerCount: workerCount,
		tasks:       make(chan Task, workerCount*queuePerWorker),
		logger:      logger,
	}
}

// Start launches the workers. Call once.
func (wp *WorkerPool) Start() {
	for i := 0; i < wp.workerCount; i++ {
		wp.wg.Add(1)
		go wp.worker()
	}
}

func (wp *WorkerPool) worker() {
	defer wp.wg.Done()

	// Range drains the queue after close, so queued tasks still run during
	// shutdown.
	for task := range wp.tasks {
		wp.run(task)
	}
}

func (wp *WorkerPool) run(task Task) {
	defer func() {
		if r := recover(); r != nil {
			wp.logger.Error().
				Interface("panic_value", r).
				Str("stack_trace", string(debug.Stack())).
				Msg("Worker panic recovered, worker continues")
		}
	}()
	task()
}

// Submit enqueues a task for asynchronous execution. While the pool is
// running the call blocks until queue space is available, preserving FIFO
// order. After Stop has begun, the task is discarded and counted.
func (wp *WorkerPool) Submit(task Task) {
	if wp.shuttingDown.Load() {
		wp.discarded.Add(1)
		return
	}
	// A submitter racing Stop may send on the closed queue; the recover
	// turns that into a discard instead of a crash.
	defer func() {
		if recover() != nil {
			wp.discarded.Add(1)
		}
	}()
	wp.tasks <- task
}

// Stop moves the pool to the shutting-down state, lets the workers drain
// the queue, and blocks until every worker has exited. Subsequent Submit
// calls are discarded. Safe to call once.
func (wp *WorkerPool) Stop() {
	wp.shuttingDown.Store(true)
	close(wp.tasks)
	wp.wg.Wait()
}

// Discarded reports how many tasks were dropped during shutdown.
func (wp *WorkerPool) Discarded() int64 {
	return wp.discarded.Load()
}

// QueueDepth reports the number of queued, not-yet-started tasks.
func (wp *WorkerPool) QueueDepth() int {
	return len(wp.tasks)
}
