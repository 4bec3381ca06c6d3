package trickle

import (
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/eapache/queue"
	"github.com/rs/zerolog"
)

// DefaultWorkers is the pool size used when none is configured.
const DefaultWorkers = 4

// ErrPoolClosed is returned by Submit once the pool has been closed.
var ErrPoolClosed = errors.New("pool is closed")

// Task is a unit of work, typically serving one connection from start to end.
type Task func()

// PoolStats is a point in time view of the pool.
type PoolStats struct {
	Workers   int
	Queued    int
	Running   int
	Completed uint64
	Panicked  uint64
}

// Pool runs tasks on a fixed number of workers.
// Tasks that cannot start right away wait in an unbounded FIFO queue; Submit never sheds load.
type Pool struct {
	mu      sync.Mutex
	cond    *sync.Cond
	pending *queue.Queue
	closed  bool

	workers   int
	running   int
	completed uint64
	panicked  uint64

	wg      sync.WaitGroup
	log     zerolog.Logger
	metrics *Metrics
}

// NewPool starts size workers. size lower than 1 falls back to DefaultWorkers.
func NewPool(size int, log zerolog.Logger, metrics *Metrics) *Pool {
	if size < 1 {
		size = DefaultWorkers
	}
	p := &Pool{
		pending: queue.New(),
		workers: size,
		log:     log.With().Str("component", "pool").Logger(),
		metrics: metrics,
	}
	p.cond = sync.NewCond(&p.mu)

	p.wg.Add(size)
	for i := 0; i < size; i++ {
		go p.work(i)
	}
	return p
}

// Submit queues task for the next idle worker.
func (p *Pool) Submit(task Task) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrPoolClosed
	}
	p.pending.Add(task)
	p.metrics.setQueued(p.pending.Length())
	p.cond.Signal()
	return nil
}

// Close stops accepting tasks and waits until every queued and running task is done.
func (p *Pool) Close() {
	p.mu.Lock()
	p.closed = true
	p.cond.Broadcast()
	p.mu.Unlock()
	p.wg.Wait()
}

// Stats returns the current counters.
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PoolStats{
		Workers:   p.workers,
		Queued:    p.pending.Length(),
		Running:   p.running,
		Completed: p.completed,
		Panicked:  p.panicked,
	}
}

func (p *Pool) work(id int) {
	defer p.wg.Done()
	for {
		p.mu.Lock()
		for p.pending.Length() == 0 && !p.closed {
			p.cond.Wait()
		}
		if p.pending.Length() == 0 {
			p.mu.Unlock()
			return
		}
		task := p.pending.Remove().(Task)
		p.running++
		p.metrics.setQueued(p.pending.Length())
		p.mu.Unlock()

		panicked := p.run(id, task)

		p.mu.Lock()
		p.running--
		p.completed++
		if panicked {
			p.panicked++
		}
		p.mu.Unlock()
	}
}

// run executes task and keeps a panic from taking the worker down with it.
func (p *Pool) run(id int, task Task) (panicked bool) {
	defer func() {
		if r := recover(); r != nil {
			panicked = true
			p.metrics.taskPanic()
			p.log.Error().
				Int("worker", id).
				Str("panic", fmt.Sprint(r)).
				Str("stack", string(debug.Stack())).
				Msg("task panicked")
		}
	}()
	task()
	return false
}
