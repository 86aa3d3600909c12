package loader

import (
	"sync"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"go.viam.com/utils"
)

// ErrPoolDisposed is returned when a decode is requested from a disposed pool.
var ErrPoolDisposed = errors.New("decode worker pool disposed")

type decodeOutcome struct {
	chunk *DecodedChunk
	err   error
}

// Worker is one reusable background decode worker. It runs decode tasks one at a time
// on its own goroutine and is returned to its pool's free list once a result has been
// consumed.
type Worker struct {
	jobs chan decodeJob
	quit chan struct{}
}

type decodeJob struct {
	run func() (*DecodedChunk, error)
	out chan decodeOutcome
}

func newWorker() *Worker {
	w := &Worker{
		jobs: make(chan decodeJob),
		quit: make(chan struct{}),
	}
	utils.PanicCapturingGo(func() {
		for {
			select {
			case <-w.quit:
				return
			default:
			}
			select {
			case <-w.quit:
				return
			case job := <-w.jobs:
				chunk, err := job.run()
				job.out <- decodeOutcome{chunk: chunk, err: err}
			}
		}
	})
	return w
}

// Decode submits one decode task; the result arrives on the returned channel. A
// worker disposed before pickup reports ErrPoolDisposed instead.
func (w *Worker) Decode(run func() (*DecodedChunk, error)) <-chan decodeOutcome {
	out := make(chan decodeOutcome, 1)
	select {
	case <-w.quit:
		out <- decodeOutcome{err: ErrPoolDisposed}
		return out
	default:
	}
	select {
	case w.jobs <- decodeJob{run: run, out: out}:
	case <-w.quit:
		out <- decodeOutcome{err: ErrPoolDisposed}
	}
	return out
}

// Pool is a free-list of reusable decode workers scoped to one loader instance. It
// grows lazily on demand and never shrinks except on disposal; the streaming engine's
// in-flight load cap is what bounds concurrent growth.
type Pool struct {
	logger golog.Logger

	mu       sync.Mutex
	free     []*Worker
	workers  []*Worker
	disposed bool
}

// NewPool creates an empty worker pool.
func NewPool(logger golog.Logger) *Pool {
	return &Pool{logger: logger}
}

// Acquire pops an idle worker or creates a new one on demand.
func (p *Pool) Acquire() (*Worker, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.disposed {
		return nil, ErrPoolDisposed
	}
	if n := len(p.free); n > 0 {
		w := p.free[n-1]
		p.free = p.free[:n-1]
		return w, nil
	}
	w := newWorker()
	p.workers = append(p.workers, w)
	p.logger.Debugf("decode pool grew to %d workers", len(p.workers))
	return w, nil
}

// Release returns a worker to the free list. Callers must not release a worker whose
// current decode has not produced a result yet.
func (p *Pool) Release(w *Worker) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.disposed {
		return
	}
	p.free = append(p.free, w)
}

// NumWorkers returns how many workers the pool has created.
func (p *Pool) NumWorkers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// Dispose terminates every pooled worker unconditionally, including ones mid-decode;
// their eventual results are discarded by the owning loader.
func (p *Pool) Dispose() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.disposed {
		return
	}
	p.disposed = true
	for _, w := range p.workers {
		close(w.quit)
	}
	p.free = nil
	p.workers = nil
}
