package worker

import (
	"container/list"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"paperchat/internal/logger"
)

var (
	// ErrDispatcherBusy is returned when the intake queue is full.
	ErrDispatcherBusy = errors.New("dispatcher queue is full")
	ErrStopped        = errors.New("dispatcher stopped")
)

type keyQueue struct {
	jobs     []Job
	enqueued bool
}

// Stats is a point-in-time view of the dispatcher.
type Stats struct {
	Workers int `json:"workers"`
	Busy    int `json:"busy"`
	Queued  int `json:"queued"`
}

// Dispatcher runs jobs on a bounded worker pool. Each key has its own FIFO
// queue and keys are served round-robin, so one busy conversation cannot
// starve the others.
type Dispatcher struct {
	pool   *workerPool
	intake chan Job

	mu        sync.Mutex
	queues    map[string]*keyQueue
	ready     *list.List // round-robin order of keys with pending jobs
	positions map[string]*list.Element
	queued    int
	nextID    uint64
	stopped   bool

	quit chan struct{}
	done chan struct{}
}

func NewDispatcher(minWorkers, maxWorkers, queueSize int, idleTimeout time.Duration) *Dispatcher {
	if queueSize < 1 {
		queueSize = 1
	}
	d := &Dispatcher{
		pool:      newWorkerPool(minWorkers, maxWorkers, idleTimeout),
		intake:    make(chan Job, queueSize),
		queues:    make(map[string]*keyQueue),
		ready:     list.New(),
		positions: make(map[string]*list.Element),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	go d.run()
	return d
}

// Submit queues fn under key without waiting for it to run. fn receives
// ctx, or a cancelled context if the dispatcher stops before running it.
func (d *Dispatcher) Submit(ctx context.Context, key string, fn func(ctx context.Context)) error {
	_, err := d.submit(ctx, key, fn)
	return err
}

func (d *Dispatcher) submit(ctx context.Context, key string, fn func(ctx context.Context)) (uint64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return 0, ErrStopped
	}
	d.nextID++
	select {
	case d.intake <- Job{Key: key, id: d.nextID, ctx: ctx, run: fn}:
		return d.nextID, nil
	default:
		return 0, ErrDispatcherBusy
	}
}

const (
	jobPending int32 = iota
	jobRunning
	jobAbandoned
)

// Do queues fn under key and waits until it has finished. When ctx ends
// before a worker picks the job up, Do withdraws it and returns ctx.Err().
// Once fn has started, Do waits for it to return.
func (d *Dispatcher) Do(ctx context.Context, key string, fn func(ctx context.Context)) error {
	finished := make(chan struct{})
	var state atomic.Int32
	id, err := d.submit(ctx, key, func(jobCtx context.Context) {
		defer close(finished)
		if jobCtx.Err() != nil || !state.CompareAndSwap(jobPending, jobRunning) {
			return
		}
		fn(jobCtx)
	})
	if err != nil {
		return err
	}
	select {
	case <-finished:
	case <-ctx.Done():
		if state.CompareAndSwap(jobPending, jobAbandoned) {
			d.withdraw(key, id)
			return ctx.Err()
		}
		<-finished
	}
	if state.Load() != jobRunning {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return ErrStopped
	}
	return nil
}

// withdraw removes a still queued job. Jobs already handed to the pool or
// still in the intake channel are left alone.
func (d *Dispatcher) withdraw(key string, id uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	q := d.queues[key]
	if q == nil {
		return
	}
	for i, job := range q.jobs {
		if job.id != id {
			continue
		}
		q.jobs = append(q.jobs[:i], q.jobs[i+1:]...)
		d.queued--
		break
	}
	if len(q.jobs) > 0 {
		return
	}
	if elem, ok := d.positions[key]; ok {
		d.ready.Remove(elem)
		delete(d.positions, key)
	}
	delete(d.queues, key)
}

func (d *Dispatcher) Stats() Stats {
	running, busy := d.pool.counts()
	d.mu.Lock()
	queued := d.queued + len(d.intake)
	d.mu.Unlock()
	return Stats{Workers: running, Busy: busy, Queued: queued}
}

// Stop refuses new jobs, skips the queued ones and waits for running jobs.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	d.mu.Unlock()
	close(d.quit)
	<-d.done
	d.pool.close()
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for {
		select {
		case <-d.quit:
			d.drain()
			return
		default:
		}
		// dispatch one job of the key in front of the round-robin queue
		if !d.dispatchOne() {
			select {
			case job := <-d.intake:
				d.enqueueJob(job)
			case <-d.quit:
				d.drain()
				return
			}
			continue
		}
		d.enqueuePending()
	}
}

// enqueuePending moves everything waiting in the intake channel into the
// per-key queues without blocking.
func (d *Dispatcher) enqueuePending() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for {
		select {
		case job := <-d.intake:
			d.enqueueLocked(job)
		default:
			return
		}
	}
}

func (d *Dispatcher) enqueueJob(job Job) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.enqueueLocked(job)
}

func (d *Dispatcher) enqueueLocked(job Job) {
	q := d.queues[job.Key]
	if q == nil {
		q = &keyQueue{}
		d.queues[job.Key] = q
	}
	q.jobs = append(q.jobs, job)
	d.queued++
	if q.enqueued {
		return
	}
	q.enqueued = true
	d.positions[job.Key] = d.ready.PushBack(job.Key)
}

// dispatchOne hands the next job of the first ready key to a worker.
func (d *Dispatcher) dispatchOne() bool {
	d.mu.Lock()
	elem := d.ready.Front()
	if elem == nil {
		d.mu.Unlock()
		return false
	}
	key := elem.Value.(string)
	q := d.queues[key]
	job := q.jobs[0]
	q.jobs = q.jobs[1:]
	d.queued--
	if len(q.jobs) == 0 {
		q.enqueued = false
		d.ready.Remove(elem)
		delete(d.positions, key)
		delete(d.queues, key)
	} else {
		d.ready.MoveToBack(elem)
	}
	d.mu.Unlock()

	workerChan := d.pool.acquire()
	logger.Debugf("[dispatcher] assign job for key %s", key)
	workerChan <- job
	return true
}

// drain skips every job still waiting in the queues or the intake channel.
func (d *Dispatcher) drain() {
	d.mu.Lock()
	var pending []Job
	for key, q := range d.queues {
		pending = append(pending, q.jobs...)
		delete(d.queues, key)
	}
	d.ready.Init()
	d.positions = make(map[string]*list.Element)
	d.queued = 0
	d.mu.Unlock()
	for {
		select {
		case job := <-d.intake:
			pending = append(pending, job)
		default:
			for _, job := range pending {
				job.skip()
			}
			return
		}
	}
}
