package queue

import (
	"context"
	"sync"

	"FinBacktest/pkg/logger"
)

// Task processes unit i. Tasks must write their results by index; the pool does not collect them.
type Task func(ctx context.Context, i int) error

// Pool runs independent indexed units on a bounded set of workers.
type Pool struct {
	config *QueueConfig
	logger *logger.Logger
}

// NewPool creates a pool. A nil or zero config runs one worker.
func NewPool(config *QueueConfig, lgr *logger.Logger) *Pool {
	if config == nil {
		config = &QueueConfig{}
	}
	cfg := *config
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = cfg.Workers
	}
	return &Pool{config: &cfg, logger: lgr}
}

// Workers returns the effective worker count.
func (p *Pool) Workers() int { return p.config.Workers }

// Run executes units 0..n-1. Workers check ctx between units and stop dispatching after the
// first failure; units already running finish. The error of the lowest failing index is returned.
func (p *Pool) Run(ctx context.Context, n int, task Task) error {
	if n <= 0 {
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	workers := p.config.Workers
	if workers > n {
		workers = n
	}
	tasks := make(chan int, p.config.QueueSize)
	errs := make([]error, n)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for i := range tasks {
				if err := ctx.Err(); err != nil {
					errs[i] = err
					continue
				}
				if err := task(ctx, i); err != nil {
					errs[i] = err
					if p.logger != nil {
						p.logger.Debug("pool task failed",
							logger.Int("worker", id),
							logger.Int("unit", i),
							logger.Error(err),
						)
					}
					cancel()
				}
			}
		}(w)
	}

dispatch:
	for i := 0; i < n; i++ {
		select {
		case <-ctx.Done():
			break dispatch
		case tasks <- i:
		}
	}
	close(tasks)
	wg.Wait()

	var ctxErr error
	for _, err := range errs {
		if err == nil {
			continue
		}
		if err == context.Canceled && ctxErr == nil {
			ctxErr = err
			continue
		}
		if err != context.Canceled {
			return err
		}
	}
	if ctxErr != nil {
		return ctxErr
	}
	return ctx.Err()
}
