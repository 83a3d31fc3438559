// Package dispatcher implements the periodic loop that finds workflows
// due to run and fans them out to the Processor with bounded concurrency.
package dispatcher

import (
	"context"
	"sync"
	"time"

	"github.com/northstack/rollout/internal/domain"
	"github.com/northstack/rollout/internal/metrics"
	"github.com/northstack/rollout/pkg/logger"
)

// processor is the subset of processor.Processor the Dispatcher depends
// on, so tests can supply a fake.
type processor interface {
	Process(ctx context.Context, w *domain.Workflow) error
}

// Dispatcher wakes every tick, asks the Store for due workflows, and
// spawns one Processor task per workflow, bounded by a semaphore.
type Dispatcher struct {
	store        domain.Store
	proc         processor
	logger       *logger.Logger
	tickInterval time.Duration
	maxInFlight  int
}

// New creates a Dispatcher.
func New(store domain.Store, proc processor, log *logger.Logger, tickInterval time.Duration, maxInFlight int) *Dispatcher {
	if maxInFlight < 1 {
		maxInFlight = 1
	}
	return &Dispatcher{
		store:        store,
		proc:         proc,
		logger:       log,
		tickInterval: tickInterval,
		maxInFlight:  maxInFlight,
	}
}

// Run blocks, ticking until ctx is cancelled. The current iteration is
// allowed to drain before returning, per §4.5's cancellation contract.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.logger.Info().Msg("dispatcher shutting down, draining current tick")
			return
		case <-ticker.C:
			d.tick(ctx)
		}
	}
}

func (d *Dispatcher) tick(ctx context.Context) {
	start := time.Now()
	defer func() {
		metrics.DispatcherTickDuration.Observe(time.Since(start).Seconds())
	}()

	due, err := d.store.FindDue(ctx, domain.Now())
	if err != nil {
		d.logger.Error().Err(err).Msg("failed to find due workflows")
		return
	}
	metrics.DispatcherDueWorkflows.Set(float64(len(due)))

	if len(due) == 0 {
		return
	}

	sem := make(chan struct{}, d.maxInFlight)
	var wg sync.WaitGroup

	for _, w := range due {
		w := w
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			if err := d.proc.Process(ctx, w); err != nil {
				d.logger.Error().Err(err).Str("workflow_id", w.ID).Msg("processor task failed")
			}
		}()
	}

	wg.Wait()
}
