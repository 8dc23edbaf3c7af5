package processor

import "sync"

// WorkerPool bounds how many deliveries materialize concurrently. Submit
// blocks once all workers are busy, which combined with channel prefetch
// gives natural backpressure toward the broker.
type WorkerPool struct {
	tasks chan func()
	wg    sync.WaitGroup
}

func NewWorkerPool(size int) *WorkerPool {
	if size < 1 {
		size = 1
	}
	p := &WorkerPool{tasks: make(chan func())}
	p.wg.Add(size)
	for i := 0; i < size; i++ {
		go func() {
			defer p.wg.Done()
			for task := range p.tasks {
				task()
			}
		}()
	}
	return p
}

func (p *WorkerPool) Submit(task func()) {
	p.tasks <- task
}

// Stop closes intake and waits for in-flight tasks.
func (p *WorkerPool) Stop() {
	close(p.tasks)
	p.wg.Wait()
}
