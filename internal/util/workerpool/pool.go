package workerpool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Task is a unit of work. Fn receives the pool's context, which Stop cancels.
type Task struct {
	ID string
	Fn func(context.Context) error
}

// Config holds worker pool configuration
type Config struct {
	Name       string
	MaxWorkers int
	QueueSize  int
	Logger     *zap.Logger
}

// WorkerPool runs queued tasks on a fixed number of goroutines
type WorkerPool struct {
	cfg    Config
	queue  chan Task
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once

	// pending covers a task from TrySubmit until it returns
	pending   atomic.Int64
	running   atomic.Int32
	accepted  atomic.Uint64
	succeeded atomic.Uint64
	failed    atomic.Uint64
	rejected  atomic.Uint64
}

// Stats is a snapshot of a pool's counters
type Stats struct {
	Name      string
	Queued    int
	Running   int
	Accepted  uint64
	Succeeded uint64
	Failed    uint64
	Rejected  uint64
}

// NewWorkerPool creates a pool and starts its workers
func NewWorkerPool(cfg *Config) *WorkerPool {
	c := *cfg
	if c.MaxWorkers <= 0 {
		c.MaxWorkers = 1
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &WorkerPool{
		cfg:    c,
		queue:  make(chan Task, c.QueueSize),
		logger: c.Logger.With(zap.String("pool", c.Name)),
		ctx:    ctx,
		cancel: cancel,
	}

	p.wg.Add(c.MaxWorkers)
	for i := 0; i < c.MaxWorkers; i++ {
		go p.run()
	}
	return p
}

func (p *WorkerPool) run() {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		case task := <-p.queue:
			p.execute(task)
		}
	}
}

func (p *WorkerPool) execute(task Task) {
	p.running.Add(1)
	defer func() {
		p.running.Add(-1)
		p.pending.Add(-1)
	}()

	start := time.Now()
	if err := p.call(task); err != nil {
		p.failed.Add(1)
		p.logger.Error("Task failed",
			zap.String("task_id", task.ID),
			zap.Duration("duration", time.Since(start)),
			zap.Error(err))
		return
	}
	p.succeeded.Add(1)
}

func (p *WorkerPool) call(task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task %s panicked: %v", task.ID, r)
		}
	}()
	return task.Fn(p.ctx)
}

// TrySubmit queues a task without blocking. It returns false when the queue
// is full or the pool has been stopped.
func (p *WorkerPool) TrySubmit(task Task) bool {
	if p.ctx.Err() != nil {
		p.rejected.Add(1)
		return false
	}

	p.pending.Add(1)
	select {
	case p.queue <- task:
		p.accepted.Add(1)
		return true
	default:
		p.pending.Add(-1)
		p.rejected.Add(1)
		return false
	}
}

// Busy reports whether an accepted task has not returned yet
func (p *WorkerPool) Busy() bool {
	return p.pending.Load() > 0
}

// Stop cancels the tasks' context and waits up to timeout for the workers.
// Tasks still queued are dropped.
func (p *WorkerPool) Stop(timeout time.Duration) error {
	var err error
	p.once.Do(func() {
		p.cancel()

		done := make(chan struct{})
		go func() {
			p.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(timeout):
			err = fmt.Errorf("worker pool %s: workers still running after %v", p.cfg.Name, timeout)
		}

		for {
			select {
			case <-p.queue:
				p.pending.Add(-1)
			default:
				return
			}
		}
	})
	return err
}

// Stats returns a snapshot of the pool's counters
func (p *WorkerPool) Stats() Stats {
	return Stats{
		Name:      p.cfg.Name,
		Queued:    len(p.queue),
		Running:   int(p.running.Load()),
		Accepted:  p.accepted.Load(),
		Succeeded: p.succeeded.Load(),
		Failed:    p.failed.Load(),
		Rejected:  p.rejected.Load(),
	}
}
