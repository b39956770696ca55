package dispatch

import (
	"errors"
	"fmt"
	"sync"
)

// ErrPoolClosed is reported by handles of tasks submitted after Close.
var ErrPoolClosed = errors.New("worker pool is closed")

// Handle tracks one submitted task.
type Handle struct {
	task func()
	done chan struct{}
	err  error
}

// Done is closed when the task has finished or was rejected.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until the task has finished. It returns ErrPoolClosed for a
// rejected task and a non-nil error if the task panicked.
func (h *Handle) Wait() error {
	<-h.done
	return h.err
}

func (h *Handle) run() {
	defer close(h.done)
	defer func() {
		if r := recover(); r != nil {
			h.err = fmt.Errorf("%w: %v", ErrTaskPanic, r)
		}
	}()
	h.task()
}

// AwaitAll blocks until every handle has finished and joins their errors.
func AwaitAll(handles ...*Handle) error {
	var errs []error
	for _, h := range handles {
		if err := h.Wait(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Pool is a fixed set of long-lived workers consuming a FIFO task queue.
// The queue is unbounded; Submit never blocks.
type Pool struct {
	workers int

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []*Handle
	closed bool

	wg sync.WaitGroup
}

// NewPool starts a pool with the given number of workers.
// Panics if workers is not positive.
func NewPool(workers int) *Pool {
	if workers <= 0 {
		panic(fmt.Sprintf("dispatch: pool workers must be > 0 (got %d)", workers))
	}

	p := &Pool{workers: workers}
	p.cond = sync.NewCond(&p.mu)

	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.work()
	}
	return p
}

// Workers returns the number of workers.
func (p *Pool) Workers() int {
	return p.workers
}

// Pending returns the number of queued tasks not yet picked up by a worker.
func (p *Pool) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// Submit enqueues task and returns its handle.
func (p *Pool) Submit(task func()) *Handle {
	h := &Handle{task: task, done: make(chan struct{})}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		h.err = ErrPoolClosed
		close(h.done)
		return h
	}
	p.queue = append(p.queue, h)
	p.mu.Unlock()

	p.cond.Signal()
	return h
}

// Close stops accepting tasks, lets the workers drain the queue and waits
// for them to exit. Calling Close more than once is safe.
func (p *Pool) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	p.cond.Broadcast()
	p.wg.Wait()
}

func (p *Pool) work() {
	defer p.wg.Done()

	for {
		p.mu.Lock()
		for len(p.queue) == 0 && !p.closed {
			p.cond.Wait()
		}
		if len(p.queue) == 0 {
			p.mu.Unlock()
			return
		}
		h := p.queue[0]
		p.queue[0] = nil
		p.queue = p.queue[1:]
		p.mu.Unlock()

		h.run()
	}
}
