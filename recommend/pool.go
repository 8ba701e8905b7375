package recommend

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tripmesh/tripmesh/errors"
)

// Pool runs recommendation jobs on a fixed set of workers fed from a
// bounded queue. Submission never blocks: a full queue is reported to
// the caller instead of queueing unbounded work.
type Pool struct {
	tasks   chan func(context.Context)
	workers int

	parentCtx context.Context
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	mu        sync.Mutex

	log *zap.SugaredLogger
}

// NewPool creates a worker pool with the given concurrency and queue
// depth. Workers derive their context from ctx so a server shutdown
// cancels in-flight runs.
func NewPool(ctx context.Context, workers, depth int, log *zap.SugaredLogger) *Pool {
	workerCtx, cancel := context.WithCancel(ctx)
	return &Pool{
		tasks:     make(chan func(context.Context), depth),
		workers:   workers,
		parentCtx: ctx,
		ctx:       workerCtx,
		cancel:    cancel,
		log:       log.Named("pool"),
	}
}

// Start spawns the workers
func (p *Pool) Start() {
	p.mu.Lock()
	select {
	case <-p.ctx.Done():
		// Restarted after Stop; recreate the worker context first
		p.ctx, p.cancel = context.WithCancel(p.parentCtx)
	default:
	}
	ctx := p.ctx
	p.mu.Unlock()

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
	p.log.Infow("Worker pool started", "workers", p.workers, "queue_depth", cap(p.tasks))
}

// Submit hands a job to the pool without blocking. A full queue returns
// a service-unavailable error so the caller can shed load.
func (p *Pool) Submit(fn func(context.Context)) error {
	select {
	case p.tasks <- fn:
		return nil
	default:
		return errors.Wrap(errors.ErrServiceUnavailable, "job queue is full")
	}
}

// Stop cancels workers and waits briefly for in-flight runs to exit
func (p *Pool) Stop() {
	p.cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.log.Infow("Worker pool stopped")
	case <-time.After(10 * time.Second):
		p.log.Warnw("Worker pool stop timed out, runs may still be draining")
	}
}

func (p *Pool) worker(ctx context.Context, id int) {
	defer p.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case fn := <-p.tasks:
			fn(ctx)
		}
	}
}
