package crawler

import (
	"context"
	"errors"
	"net/url"
	"sync"
)

// visitFunc processes one URL dequeued from the frontier. It may admit
// newly discovered links back into the frontier.
type visitFunc func(ctx context.Context, u *url.URL)

// WorkerPool drains the frontier with a fixed number of workers. The
// frontier is the only queue: visits feed discovered links straight
// back into it, so no worker ever blocks as a producer. A worker that
// finds the frontier empty goes idle and is woken when a peer finishes
// a visit; the pool stops when every worker is idle at once, the URL
// budget is spent, or the context is cancelled.
type WorkerPool struct {
	frontier *Frontier
	visit    visitFunc
	workers  int
	budget   int

	mu       sync.Mutex
	cond     *sync.Cond
	idle     int
	dequeued int
	stopped  bool
}

// NewWorkerPool creates a pool of workers over the frontier. A budget
// of zero means unlimited.
func NewWorkerPool(frontier *Frontier, workers, budget int, visit visitFunc) (*WorkerPool, error) {
	if frontier == nil || visit == nil {
		return nil, errors.New("worker pool requires a frontier and a visit function")
	}
	if workers <= 0 {
		return nil, errors.New("worker pool requires positive concurrency")
	}
	p := &WorkerPool{
		frontier: frontier,
		visit:    visit,
		workers:  workers,
		budget:   budget,
	}
	p.cond = sync.NewCond(&p.mu)
	return p, nil
}

// Run blocks until the frontier is drained, the budget is spent, or the
// context is cancelled.
func (p *WorkerPool) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		p.mu.Lock()
		p.stopped = true
		p.cond.Broadcast()
		p.mu.Unlock()
	})
	defer stop()

	var wg sync.WaitGroup
	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.work(ctx)
		}()
	}
	wg.Wait()
	return ctx.Err()
}

// BudgetSpent reports whether the dequeue budget has been used up.
// In-flight visits may still finish but must not admit new links.
func (p *WorkerPool) BudgetSpent() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.budget > 0 && p.dequeued >= p.budget
}

func (p *WorkerPool) work(ctx context.Context) {
	p.mu.Lock()
	for {
		if p.stopped {
			p.mu.Unlock()
			return
		}
		if p.budget > 0 && p.dequeued >= p.budget {
			p.stopped = true
			p.cond.Broadcast()
			p.mu.Unlock()
			return
		}
		u, ok := p.frontier.Next()
		if !ok {
			p.idle++
			if p.idle == p.workers {
				p.stopped = true
				p.cond.Broadcast()
				p.mu.Unlock()
				return
			}
			p.cond.Wait()
			p.idle--
			continue
		}
		p.dequeued++
		p.mu.Unlock()

		p.visit(ctx, u)

		p.mu.Lock()
		// The visit may have admitted new links; wake idle peers.
		p.cond.Broadcast()
	}
}
