package resilience

import (
	"context"
	"errors"
	"sync"
)

var ErrWorkerPoolClosed = errors.New("worker pool is closed")

// Job is a unit of work run by a WorkerPool with the context it was submitted with.
type Job func(ctx context.Context) error

type queuedJob struct {
	ctx context.Context
	job Job
}

// WorkerPool runs jobs on a fixed number of goroutines and collects their errors.
type WorkerPool struct {
	jobs   chan queuedJob
	closed bool
	mu     sync.RWMutex
	once   sync.Once
	wg     sync.WaitGroup

	errMu sync.Mutex
	errs  []error
}

func NewWorkerPool(workers, queueSize int) *WorkerPool {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = workers
	}

	p := &WorkerPool{
		jobs: make(chan queuedJob, queueSize),
	}

	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for q := range p.jobs {
				if err := q.job(q.ctx); err != nil {
					p.errMu.Lock()
					p.errs = append(p.errs, err)
					p.errMu.Unlock()
				}
			}
		}()
	}

	return p
}

// Submit queues job, blocking while the queue is full.
func (p *WorkerPool) Submit(ctx context.Context, job Job) error {
	if job == nil {
		return nil
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrWorkerPoolClosed
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case p.jobs <- queuedJob{ctx: ctx, job: job}:
		return nil
	}
}

// Close stops accepting jobs. Queued jobs still run.
func (p *WorkerPool) Close() {
	p.once.Do(func() {
		p.mu.Lock()
		p.closed = true
		close(p.jobs)
		p.mu.Unlock()
	})
}

// Wait blocks until every worker exited and returns the joined job errors.
// It must be called after Close.
func (p *WorkerPool) Wait() error {
	p.wg.Wait()

	p.errMu.Lock()
	defer p.errMu.Unlock()
	return errors.Join(p.errs...)
}
