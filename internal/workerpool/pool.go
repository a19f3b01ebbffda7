package workerpool

import (
	"context"
	"errors"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/breeze-rmm/autopatch/internal/logging"
)

// ErrStopped is returned by SubmitWait once the pool no longer accepts work.
var ErrStopped = errors.New("worker pool stopped")

// Task is a unit of work submitted to the pool.
type Task func()

// Pool is a bounded goroutine pool with a fixed-size task queue.
type Pool struct {
	maxWorkers int
	queue      chan Task
	wg         sync.WaitGroup
	accepting  atomic.Bool
	stopOnce   sync.Once
	closeOnce  sync.Once
	stopChan   chan struct{}
	log        *slog.Logger

	// sendMu guards queue sends against the close in Drain.
	sendMu sync.RWMutex
	closed bool
}

// New creates a pool with maxWorkers goroutines and a task queue of queueSize.
func New(maxWorkers, queueSize int, logger *slog.Logger) *Pool {
	if maxWorkers < 1 {
		maxWorkers = 1
	}
	if queueSize < 1 {
		queueSize = 1
	}

	p := &Pool{
		maxWorkers: maxWorkers,
		queue:      make(chan Task, queueSize),
		stopChan:   make(chan struct{}),
		log:        logging.OrDiscard(logger),
	}
	p.accepting.Store(true)

	for i := 0; i < maxWorkers; i++ {
		go p.worker()
	}

	p.log.Debug("worker pool started", "workers", maxWorkers, "queueSize", queueSize)
	return p
}

// SubmitWait enqueues a task, blocking while the queue is full. It returns
// ctx.Err() if ctx ends first and ErrStopped if the pool stops accepting.
// wg.Add happens before the send so Drain never misses a queued task.
func (p *Pool) SubmitWait(ctx context.Context, task Task) error {
	p.sendMu.RLock()
	defer p.sendMu.RUnlock()

	if !p.accepting.Load() || p.closed {
		return ErrStopped
	}

	p.wg.Add(1)
	select {
	case p.queue <- task:
		return nil
	case <-ctx.Done():
		p.wg.Done()
		return ctx.Err()
	case <-p.stopChan:
		p.wg.Done()
		return ErrStopped
	}
}

// StopAccepting prevents new tasks from being submitted.
func (p *Pool) StopAccepting() {
	p.accepting.Store(false)
}

// Drain waits for all in-flight and queued tasks to complete, respecting the
// context deadline. New submissions are refused from the moment Drain is
// called. After Drain returns, the queue channel is closed so worker
// goroutines exit.
func (p *Pool) Drain(ctx context.Context) {
	p.StopAccepting()
	p.stopOnce.Do(func() {
		close(p.stopChan)
	})

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.log.Debug("worker pool drained")
	case <-ctx.Done():
		p.log.Warn("worker pool drain timed out")
	}

	p.closeOnce.Do(func() {
		p.sendMu.Lock()
		p.closed = true
		close(p.queue)
		p.sendMu.Unlock()
	})
}

// Shutdown stops accepting work and drains the pool.
func (p *Pool) Shutdown(ctx context.Context) {
	p.StopAccepting()
	p.Drain(ctx)
}

func (p *Pool) worker() {
	for {
		select {
		case task, ok := <-p.queue:
			if !ok {
				return
			}
			p.runTask(task)
		case <-p.stopChan:
			// Drain remaining queued tasks
			for {
				select {
				case task, ok := <-p.queue:
					if !ok {
						return
					}
					p.runTask(task)
				default:
					return
				}
			}
		}
	}
}

// runTask executes a single task with panic recovery. wg.Done is called here
// to match the wg.Add in SubmitWait.
func (p *Pool) runTask(task Task) {
	defer p.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("task panicked", "panic", r, "stack", string(debug.Stack()))
		}
	}()
	task()
}
