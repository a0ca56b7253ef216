// Package worker runs deferred offload work on one dedicated goroutine.
// Producers (driver event handlers, address-change callbacks) never block:
// a full queue rejects the job.
package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// DefaultQueueSize bounds the number of pending jobs.
const DefaultQueueSize = 16

var (
	ErrQueueFull = errors.New("worker queue full")
	ErrStopped   = errors.New("worker stopped")
)

// Job is a unit of deferred work. ctx is cancelled when the worker stops.
type Job func(ctx context.Context)

// Worker drains a bounded job queue on a single goroutine.
type Worker struct {
	queue  chan Job
	logger *zap.Logger
	warn   rate.Sometimes

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	stopped bool
	wg      sync.WaitGroup
}

// New creates a worker with room for size pending jobs.
func New(size int, logger *zap.Logger) *Worker {
	if size <= 0 {
		size = DefaultQueueSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		queue:  make(chan Job, size),
		logger: logger,
		warn:   rate.Sometimes{First: 3, Interval: 10 * time.Second},
	}
}

// Start launches the worker goroutine. Calling Start on a running worker is a
// no-op; a stopped worker can be started again.
func (w *Worker) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.ctx != nil {
		return
	}
	w.stopped = false
	w.ctx, w.cancel = context.WithCancel(ctx)
	runCtx := w.ctx

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		for {
			select {
			case <-runCtx.Done():
				return
			case job := <-w.queue:
				w.run(runCtx, job)
			}
		}
	}()
}

func (w *Worker) run(ctx context.Context, job Job) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("worker job panicked", zap.Any("panic", r))
		}
	}()
	job(ctx)
}

// Stop cancels pending work and waits for the goroutine to exit. Jobs still
// queued are discarded.
func (w *Worker) Stop() {
	w.mu.Lock()
	w.stopped = true
	cancel := w.cancel
	w.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	w.wg.Wait()

	w.mu.Lock()
	w.ctx, w.cancel = nil, nil
	w.mu.Unlock()
	for {
		select {
		case <-w.queue:
		default:
			return
		}
	}
}

// Running reports whether the worker loop is active.
func (w *Worker) Running() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.ctx != nil && w.ctx.Err() == nil
}

// Submit queues job without blocking.
func (w *Worker) Submit(job func(ctx context.Context)) error {
	w.mu.Lock()
	stopped := w.stopped
	w.mu.Unlock()
	if stopped {
		return ErrStopped
	}
	select {
	case w.queue <- job:
		return nil
	default:
		w.warn.Do(func() {
			w.logger.Warn("worker queue full, dropping job", zap.Int("capacity", cap(w.queue)))
		})
		return ErrQueueFull
	}
}

// SubmitAfter queues job once d has elapsed. The returned cancel func
// prevents a job that has not been queued yet from running.
func (w *Worker) SubmitAfter(d time.Duration, job func(ctx context.Context)) (cancel func()) {
	t := time.AfterFunc(d, func() {
		if err := w.Submit(job); err != nil && !errors.Is(err, ErrStopped) {
			w.logger.Debug("deferred job rejected", zap.Error(err))
		}
	})
	return func() { t.Stop() }
}
