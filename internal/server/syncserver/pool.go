package syncserver

import (
	"errors"
	"sync"
)

// ErrPoolClosed is returned by Schedule after the pool stopped.
var ErrPoolClosed = errors.New("syncserver: worker pool closed")

// workerPool executes tasks on a fixed set of goroutines behind a bounded
// queue. When the queue is full, Schedule blocks the enqueuer; the queue
// never grows.
type workerPool struct {
	tasks  chan func()
	stopCh chan struct{}
	wg     sync.WaitGroup

	stopOnce sync.Once
}

// newWorkerPool starts workers goroutines over a queue of depth queueDepth.
func newWorkerPool(workers, queueDepth int) *workerPool {
	if workers <= 0 {
		workers = 1
	}
	if queueDepth <= 0 {
		queueDepth = 1
	}
	p := &workerPool{
		tasks:  make(chan func(), queueDepth),
		stopCh: make(chan struct{}),
	}
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	return p
}

func (p *workerPool) worker() {
	defer p.wg.Done()
	for {
		select {
		case task := <-p.tasks:
			task()
		case <-p.stopCh:
			// Drain what was already queued before quitting.
			for {
				select {
				case task := <-p.tasks:
					task()
				default:
					return
				}
			}
		}
	}
}

// Schedule enqueues a task, blocking while the queue is full.
func (p *workerPool) Schedule(task func()) error {
	select {
	case <-p.stopCh:
		return ErrPoolClosed
	default:
	}
	select {
	case p.tasks <- task:
		return nil
	case <-p.stopCh:
		return ErrPoolClosed
	}
}

// Stop shuts the pool down and waits for in-flight tasks.
func (p *workerPool) Stop() {
	p.stopOnce.Do(func() {
		close(p.stopCh)
	})
	p.wg.Wait()
}
