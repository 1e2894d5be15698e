// Package workerpool runs jobs on a fixed set of goroutines fed by a bounded queue.
package workerpool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"
)

// ErrQueueFull is returned by TrySubmit when the queue has no room
var ErrQueueFull = errors.New("worker queue full")

// ErrStopped is returned after Stop
var ErrStopped = errors.New("worker pool stopped")

// Job receives the pool context, cancelled on Stop
type Job func(ctx context.Context)

// Pool is a fixed-size worker pool
type Pool struct {
	name string
	jobs chan Job
	wg   sync.WaitGroup
	ctx  context.Context
	stop context.CancelFunc
	once sync.Once
	mu   sync.RWMutex
	done bool

	dropped atomic.Int64
	// OnDrop is called for every job rejected by TrySubmit
	OnDrop func(name string)
}

// New starts workers goroutines with a queue of queueSize jobs
func New(name string, workers, queueSize int) *Pool {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		name: name,
		jobs: make(chan Job, queueSize),
		ctx:  ctx,
		stop: cancel,
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	log.Debug().Str("pool", name).Int("workers", workers).Int("queue", queueSize).Msg("Worker pool started")
	return p
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		case job := <-p.jobs:
			p.run(job)
		}
	}
}

func (p *Pool) run(job Job) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("pool", p.name).Interface("panic", r).Msg("❌ Worker job panicked")
		}
	}()
	job(p.ctx)
}

// TrySubmit enqueues without blocking; a full queue drops the job
func (p *Pool) TrySubmit(job Job) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.done {
		return ErrStopped
	}
	select {
	case p.jobs <- job:
		return nil
	default:
		p.dropped.Add(1)
		if p.OnDrop != nil {
			p.OnDrop(p.name)
		}
		return ErrQueueFull
	}
}

// Submit blocks until the job is queued, ctx ends, or the pool stops
func (p *Pool) Submit(ctx context.Context, job Job) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.done {
		return ErrStopped
	}
	select {
	case p.jobs <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.ctx.Done():
		return ErrStopped
	}
}

// Dropped returns the number of jobs rejected by TrySubmit
func (p *Pool) Dropped() int64 {
	return p.dropped.Load()
}

// Stop cancels running jobs and waits for workers to exit. Queued jobs are discarded.
func (p *Pool) Stop() {
	p.once.Do(func() {
		p.stop()
		p.mu.Lock()
		p.done = true
		p.mu.Unlock()
		p.wg.Wait()
		log.Debug().Str("pool", p.name).Int64("dropped", p.dropped.Load()).Msg("Worker pool stopped")
	})
}
