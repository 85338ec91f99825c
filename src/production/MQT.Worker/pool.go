// Package worker provides a bounded generic worker pool
package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	metrics "github.com/deerfields/molls-sub000/src/production/MQT.Metrics"
)

// Pool processes work items of type T on a fixed number of goroutines fed
// by a bounded queue
type Pool[T any] struct {
	name      string
	workers   int
	queueSize int
	processor func(context.Context, T) error

	queue  chan T
	wg     sync.WaitGroup
	cancel context.CancelFunc

	// mu guards sends on queue against its close in Stop
	mu      sync.RWMutex
	started bool
	stopped bool

	submitted int64
	processed int64
	failed    int64
	dropped   int64
	abandoned int64
}

// NewPool creates a pool. name labels the queue depth gauge.
func NewPool[T any](name string, workers, queueSize int, processor func(context.Context, T) error) *Pool[T] {
	if workers <= 0 {
		workers = 10
	}
	if queueSize <= 0 {
		queueSize = 1000
	}
	if processor == nil {
		panic(ErrNilProcessor)
	}

	return &Pool[T]{
		name:      name,
		workers:   workers,
		queueSize: queueSize,
		processor: processor,
		queue:     make(chan T, queueSize),
	}
}

// Start launches the workers. ctx only supplies values: work is processed
// with a context that Stop alone cancels, once the grace period is over.
func (p *Pool[T]) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return ErrPoolAlreadyStarted
	}

	workCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p.cancel = cancel
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(workCtx)
	}

	p.started = true
	return nil
}

// Submit enqueues work without blocking
func (p *Pool[T]) Submit(work T) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if err := p.acceptingLocked(); err != nil {
		return err
	}

	select {
	case p.queue <- work:
		p.enqueued()
		return nil
	default:
		atomic.AddInt64(&p.dropped, 1)
		return ErrQueueFull
	}
}

// SubmitWait enqueues work, blocking up to timeout while the queue is full
func (p *Pool[T]) SubmitWait(work T, timeout time.Duration) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if err := p.acceptingLocked(); err != nil {
		return err
	}

	select {
	case p.queue <- work:
		p.enqueued()
		return nil
	default:
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case p.queue <- work:
		p.enqueued()
		return nil
	case <-timer.C:
		atomic.AddInt64(&p.dropped, 1)
		return ErrQueueFull
	}
}

func (p *Pool[T]) acceptingLocked() error {
	if !p.started {
		return ErrPoolNotStarted
	}
	if p.stopped {
		return ErrPoolStopped
	}
	return nil
}

func (p *Pool[T]) enqueued() {
	atomic.AddInt64(&p.submitted, 1)
	metrics.WorkerQueueDepth.WithLabelValues(p.name).Set(float64(len(p.queue)))
}

// Stop closes the queue and waits up to grace for queued work to drain.
// When grace runs out the processing context is cancelled, the remaining
// items are abandoned and ErrStopTimeout is returned after workers exit.
func (p *Pool[T]) Stop(grace time.Duration) error {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	close(p.queue)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case <-done:
		p.cancel()
		return nil
	case <-timer.C:
		p.cancel()
		<-done
		return ErrStopTimeout
	}
}

// Stats returns current pool statistics
func (p *Pool[T]) Stats() PoolStats {
	return PoolStats{
		Workers:    p.workers,
		QueueSize:  p.queueSize,
		QueueDepth: len(p.queue),
		Submitted:  atomic.LoadInt64(&p.submitted),
		Processed:  atomic.LoadInt64(&p.processed),
		Failed:     atomic.LoadInt64(&p.failed),
		Dropped:    atomic.LoadInt64(&p.dropped),
		Abandoned:  atomic.LoadInt64(&p.abandoned),
	}
}

// PoolStats represents worker pool statistics
type PoolStats struct {
	Workers    int   `json:"workers"`
	QueueSize  int   `json:"queue_size"`
	QueueDepth int   `json:"queue_depth"`
	Submitted  int64 `json:"submitted"`
	Processed  int64 `json:"processed"`
	Failed     int64 `json:"failed"`
	Dropped    int64 `json:"dropped"`
	Abandoned  int64 `json:"abandoned"`
}

// worker drains the queue until it is closed. After cancellation the
// remaining items are counted as abandoned instead of processed.
func (p *Pool[T]) worker(ctx context.Context) {
	defer p.wg.Done()

	for work := range p.queue {
		metrics.WorkerQueueDepth.WithLabelValues(p.name).Set(float64(len(p.queue)))

		if ctx.Err() != nil {
			atomic.AddInt64(&p.abandoned, 1)
			continue
		}

		err := p.processor(ctx, work)
		atomic.AddInt64(&p.processed, 1)
		if err != nil {
			atomic.AddInt64(&p.failed, 1)
		}
	}
}
