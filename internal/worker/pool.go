package worker

import (
	"sync"
	"time"
)

const defaultWorkerIdle = 30 * time.Second

// poolWorker is one goroutine receiving jobs on inbox.
type poolWorker struct {
	inbox    chan Job
	idleFrom time.Time
	retired  bool
}

// workerPool keeps between min and max goroutines. Idle workers sit on a
// stack so the warmest one is reused first and the coldest ones age out.
type workerPool struct {
	mu      sync.Mutex
	cond    *sync.Cond
	idle    []*poolWorker // coldest first
	min     int
	max     int
	running int
	busy    int
	expiry  time.Duration
	closed  bool

	quit chan struct{}
	wg   sync.WaitGroup
}

func newWorkerPool(minWorkers, maxWorkers int, idle time.Duration) *workerPool {
	if idle <= 0 {
		idle = defaultWorkerIdle
	}
	maxWorkers = max(maxWorkers, 1)
	minWorkers = min(max(minWorkers, 0), maxWorkers)

	p := &workerPool{min: minWorkers, max: maxWorkers, expiry: idle, quit: make(chan struct{})}
	p.cond = sync.NewCond(&p.mu)

	p.mu.Lock()
	now := time.Now()
	for range minWorkers {
		w := p.startLocked()
		w.idleFrom = now
		p.idle = append(p.idle, w)
	}
	p.mu.Unlock()

	p.wg.Add(1)
	go p.reap()
	return p
}

func (p *workerPool) startLocked() *poolWorker {
	w := &poolWorker{inbox: make(chan Job)}
	p.running++
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		for job := range w.inbox {
			job.execute()
			p.park(w)
		}
	}()
	return w
}

// acquire hands out an idle worker, starts one when below max, or blocks
// until a worker is parked.
func (p *workerPool) acquire() chan<- Job {
	p.mu.Lock()
	defer p.mu.Unlock()
	for {
		if n := len(p.idle); n > 0 {
			w := p.idle[n-1]
			p.idle = p.idle[:n-1]
			p.busy++
			return w.inbox
		}
		if p.running < p.max {
			p.busy++
			return p.startLocked().inbox
		}
		p.cond.Wait()
	}
}

// park returns w to the idle stack after a job, or stops it when the pool
// is closing.
func (p *workerPool) park(w *poolWorker) {
	p.mu.Lock()
	p.busy--
	if p.closed {
		p.stopLocked(w)
	} else {
		w.idleFrom = time.Now()
		p.idle = append(p.idle, w)
	}
	p.mu.Unlock()
	p.cond.Signal()
}

func (p *workerPool) stopLocked(w *poolWorker) {
	if w.retired {
		return
	}
	w.retired = true
	p.running--
	close(w.inbox)
}

func (p *workerPool) reap() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.expiry)
	defer ticker.Stop()
	for {
		select {
		case now := <-ticker.C:
			p.expire(now)
		case <-p.quit:
			return
		}
	}
}

// expire stops workers idle for longer than expiry, never going below min.
func (p *workerPool) expire(now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for n < len(p.idle) && p.running > p.min && now.Sub(p.idle[n].idleFrom) >= p.expiry {
		p.stopLocked(p.idle[n])
		n++
	}
	p.idle = p.idle[n:]
}

// close stops idle workers at once and busy ones after their current job,
// then waits for all of them.
func (p *workerPool) close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	for _, w := range p.idle {
		p.stopLocked(w)
	}
	p.idle = nil
	p.mu.Unlock()
	close(p.quit)
	p.wg.Wait()
}

func (p *workerPool) counts() (running, busy int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running, p.busy
}
