package dispatch

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"codetier/internal/sandbox"
	appErr "codetier/pkg/errors"
	"codetier/pkg/utils/logger"

	"go.uber.org/zap"
)

const defaultTickInterval = time.Second

// LocalPoolConfig holds pool settings.
type LocalPoolConfig struct {
	// MaxConcurrency caps jobs running at once. It has no default on
	// purpose: a node that does not state its capacity must not start.
	MaxConcurrency int `yaml:"maxConcurrency"`

	// TickInterval is how often the intake queue is drained.
	TickInterval time.Duration `yaml:"tickInterval"`
}

type queuedJob struct {
	ctx    context.Context
	job    sandbox.Job
	future *Future
}

// LocalPool runs jobs in-process. Intake is unbounded; a ticker drains the
// queue into workers while fewer than MaxConcurrency jobs are active, so a
// burst of submissions queues up instead of overloading the node.
type LocalPool struct {
	runner       JobRunner
	max          int
	tickInterval time.Duration

	mu     sync.Mutex
	queue  []queuedJob
	closed bool

	active int64
	stop   chan struct{}
	wg     sync.WaitGroup
}

// NewLocalPool creates a pool. A non-positive MaxConcurrency is a
// configuration error, not a default.
func NewLocalPool(runner JobRunner, cfg LocalPoolConfig) (*LocalPool, error) {
	if runner == nil {
		return nil, appErr.New(appErr.DispatcherMisconfigured).WithDetail("reason", "runner is required")
	}
	if cfg.MaxConcurrency <= 0 {
		return nil, appErr.New(appErr.DispatcherMisconfigured).WithDetail("reason", "maxConcurrency must be positive")
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = defaultTickInterval
	}
	p := &LocalPool{
		runner:       runner,
		max:          cfg.MaxConcurrency,
		tickInterval: cfg.TickInterval,
		stop:         make(chan struct{}),
	}
	p.wg.Add(1)
	go p.drainLoop()
	return p, nil
}

// Submit enqueues a job for the next drain tick.
func (p *LocalPool) Submit(ctx context.Context, job sandbox.Job) (*Future, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, appErr.New(appErr.DispatcherClosed)
	}
	future := newFuture()
	p.queue = append(p.queue, queuedJob{ctx: ctx, job: job, future: future})
	return future, nil
}

// Close stops the drain loop. Jobs already running finish; queued jobs
// resolve as ERROR.
func (p *LocalPool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	pending := p.queue
	p.queue = nil
	p.mu.Unlock()

	close(p.stop)
	p.wg.Wait()
	for _, item := range pending {
		item.future.resolve(sandbox.JobResult{Status: sandbox.StatusError, Message: "dispatcher closed"})
	}
	return nil
}

// Active returns the number of jobs currently running.
func (p *LocalPool) Active() int {
	return int(atomic.LoadInt64(&p.active))
}

func (p *LocalPool) drainLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.drain()
		}
	}
}

func (p *LocalPool) drain() {
	for {
		if atomic.LoadInt64(&p.active) >= int64(p.max) {
			return
		}
		p.mu.Lock()
		if len(p.queue) == 0 {
			p.mu.Unlock()
			return
		}
		item := p.queue[0]
		p.queue = p.queue[1:]
		p.mu.Unlock()

		atomic.AddInt64(&p.active, 1)
		go func(item queuedJob) {
			defer atomic.AddInt64(&p.active, -1)
			logger.Debug(item.ctx, "job started", zap.String("job_id", item.job.ID))
			item.future.resolve(p.runner.Run(item.ctx, item.job))
		}(item)
	}
}
