package manager

import (
	"context"
	"fmt"
	"sync"

	pkgerrors "github.com/medhive/coordinator/pkg/errors"
	"github.com/medhive/coordinator/pkg/metrics"
)

const (
	// DefaultWorkers is the pool size when none is configured.
	DefaultWorkers  = 5
	defaultQueueLen = 64
)

// WorkerPool runs background jobs on a fixed set of goroutines over a
// bounded queue. A full queue rejects submission with a retryable error.
type WorkerPool struct {
	jobs chan func()
	wg   sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

func NewWorkerPool(workers, queueLen int) *WorkerPool {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	if queueLen <= 0 {
		queueLen = defaultQueueLen
	}

	p := &WorkerPool{jobs: make(chan func(), queueLen)}

	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for job := range p.jobs {
				job()
			}
		}()
	}

	return p
}

// Submit enqueues a job. When the queue is full, or the pool has been shut
// down, the job is rejected and the caller may retry.
func (p *WorkerPool) Submit(job func()) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return fmt.Errorf("%w: worker pool shut down", pkgerrors.ErrTransient)
	}

	select {
	case p.jobs <- job:
		return nil
	default:
		metrics.WorkerQueueRejects.Inc()

		return fmt.Errorf("%w: worker queue full", pkgerrors.ErrTransient)
	}
}

// Shutdown stops accepting jobs and waits for queued work, bounded by ctx.
func (p *WorkerPool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.jobs)
	}
	p.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
