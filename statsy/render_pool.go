package statsy

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lmittmann/tint"
)

var errRenderPoolStopped = errors.New("render pool stopped")

type renderResult struct {
	data []byte
	err  error
}

type renderJob struct {
	ctx    context.Context
	render func() ([]byte, error)
	result chan renderResult
}

// renderPool runs CPU-bound image rendering on a fixed number of worker
// goroutines, so a burst of war banners can't starve interaction
// handling.
type renderPool struct {
	workers int
	jobs    chan renderJob
	logger  *slog.Logger

	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	wg        sync.WaitGroup

	running   atomic.Int64
	completed atomic.Int64
}

func newRenderPool(workers int, logger *slog.Logger) *renderPool {
	if workers < 1 {
		workers = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &renderPool{
		workers: workers,
		jobs:    make(chan renderJob),
		stop:    make(chan struct{}),
		logger:  logger,
	}
}

// Start launches the workers. Calling Start more than once has no effect.
func (p *renderPool) Start() {
	p.startOnce.Do(
		func() {
			p.logger.Info("starting render workers", "workers", p.workers)
			for i := 0; i < p.workers; i++ {
				p.wg.Add(1)
				go p.work(i)
			}
		},
	)
}

// Stop signals the workers to exit and waits for in-flight jobs to
// finish.
func (p *renderPool) Stop() {
	p.stopOnce.Do(
		func() {
			close(p.stop)
		},
	)
	p.wg.Wait()
}

// Render runs fn on a worker and returns its result. It returns early if
// ctx is canceled or the pool is stopped before a worker picks up the job.
func (p *renderPool) Render(ctx context.Context, fn func() ([]byte, error)) ([]byte, error) {
	job := renderJob{ctx: ctx, render: fn, result: make(chan renderResult, 1)}

	select {
	case p.jobs <- job:
	case <-p.stop:
		return nil, errRenderPoolStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case r := <-job.result:
		return r.data, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *renderPool) work(id int) {
	defer p.wg.Done()
	logger := p.logger.With("worker", id)

	for {
		select {
		case <-p.stop:
			logger.Debug("render worker stopped")
			return
		case job := <-p.jobs:
			if job.ctx.Err() != nil {
				job.result <- renderResult{err: job.ctx.Err()}
				continue
			}
			p.running.Add(1)
			start := time.Now()
			data, err := p.runJob(job)
			p.running.Add(-1)
			p.completed.Add(1)
			if err != nil {
				logger.Error("render failed", tint.Err(err))
			} else {
				logger.Debug(
					"rendered image",
					"duration", time.Since(start),
					"size", len(data),
				)
			}
			job.result <- renderResult{data: data, err: err}
		}
	}
}

func (p *renderPool) runJob(job renderJob) (data []byte, err error) {
	defer func() {
		if rc := recover(); rc != nil {
			err = errors.New("panic while rendering")
			p.logger.Error("recovered from render panic", "panic_arg", rc)
		}
	}()
	return job.render()
}
