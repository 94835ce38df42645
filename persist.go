package offline

import (
	"context"
	"sync"
)

// persister runs best-effort cache writes after a response has been handed
// back. Jobs run one at a time on a single goroutine; when the buffer is full
// new jobs are dropped.
type persister struct {
	jobs chan func(context.Context)
	wg   sync.WaitGroup

	mu      sync.Mutex
	pending int
	idle    chan struct{} // closed when pending drops to zero
	closed  bool
}

func newPersister(buf int) *persister {
	p := &persister{jobs: make(chan func(context.Context), buf)}
	p.wg.Add(1)
	go p.run()
	return p
}

func (p *persister) run() {
	defer p.wg.Done()
	for job := range p.jobs {
		job(context.Background())
		p.done()
	}
}

// schedule queues job without blocking. It reports false when the job was
// dropped (buffer full or closed).
func (p *persister) schedule(job func(context.Context)) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	select {
	case p.jobs <- job:
	default:
		return false
	}
	if p.pending == 0 {
		p.idle = make(chan struct{})
	}
	p.pending++
	return true
}

func (p *persister) done() {
	p.mu.Lock()
	p.pending--
	if p.pending == 0 {
		close(p.idle)
	}
	p.mu.Unlock()
}

// settle waits until every scheduled job has finished.
func (p *persister) settle(ctx context.Context) error {
	p.mu.Lock()
	if p.pending == 0 {
		p.mu.Unlock()
		return nil
	}
	idle := p.idle
	p.mu.Unlock()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// close stops accepting jobs and waits for the queued ones.
func (p *persister) close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.jobs)
	p.mu.Unlock()
	p.wg.Wait()
}
