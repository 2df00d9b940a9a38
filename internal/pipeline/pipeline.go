package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"

	"log/slog"

	"astroseq/internal/mode"
)

// ErrQueueFull is returned by Submit when every slot is taken.
var ErrQueueFull = errors.New("build queue is full")

// ErrStopped is returned by Submit after Stop.
var ErrStopped = errors.New("build pipeline stopped")

// Builder turns captured frames into a calibration file.
type Builder interface {
	Build(ctx context.Context, req mode.BuildRequest) (string, error)
}

// Job is one calibration file to build.
type Job struct {
	ID      int64
	RunID   string
	Request mode.BuildRequest
}

// Result captures the outcome of a Job.
type Result struct {
	Job      Job
	Path     string
	Error    error
	Duration time.Duration
}

// Pipeline runs build jobs on a fixed set of workers and delivers results
// on a single channel, in completion order.
type Pipeline struct {
	builder  Builder
	log      *slog.Logger
	jobs     chan Job
	results  chan Result
	wg       sync.WaitGroup
	cancel   context.CancelFunc
	stopOnce sync.Once

	mu      sync.Mutex
	stopped bool
}

// New starts concurrency workers building with b.
func New(ctx context.Context, concurrency int, b Builder, logger *slog.Logger) *Pipeline {
	if concurrency < 1 {
		concurrency = 1
	}
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(ctx)
	p := &Pipeline{
		builder: b,
		log:     logger,
		jobs:    make(chan Job, concurrency*4),
		results: make(chan Result, concurrency*4),
		cancel:  cancel,
	}
	for i := 0; i < concurrency; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
	return p
}

// Submit adds a job to the queue without blocking.
func (p *Pipeline) Submit(job Job) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return ErrStopped
	}
	select {
	case p.jobs <- job:
		return nil
	default:
		return ErrQueueFull
	}
}

// Results delivers one Result per accepted job until Stop.
func (p *Pipeline) Results() <-chan Result {
	return p.results
}

// Stop cancels running builds and waits for the workers to exit. Results
// not yet received are dropped.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() {
		p.mu.Lock()
		p.stopped = true
		close(p.jobs)
		p.mu.Unlock()
		p.cancel()
		p.wg.Wait()
	})
}

func (p *Pipeline) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-p.jobs:
			if !ok {
				return
			}
			start := time.Now()
			p.log.Debug("calibration build started", "worker", id, "run", job.RunID, "item", job.Request.Item, "kind", job.Request.Kind)

			path, err := p.builder.Build(ctx, job.Request)
			res := Result{Job: job, Path: path, Error: err, Duration: time.Since(start)}
			if err != nil {
				p.log.Error("calibration build failed", "run", job.RunID, "item", job.Request.Item, "duration", res.Duration, "error", err)
			} else {
				p.log.Info("calibration build finished", "run", job.RunID, "item", job.Request.Item, "duration", res.Duration, "path", path)
			}

			select {
			case p.results <- res:
			case <-ctx.Done():
				return
			}
		}
	}
}
