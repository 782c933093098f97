package worker

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/Priya8975/event-pipeline/internal/transport"
	"golang.org/x/sync/errgroup"
)

// SourceFactory opens the transport source for one worker.
type SourceFactory func(ctx context.Context, worker int) (transport.Source, error)

// Pool runs a fixed number of consumer workers, each on its own source.
// Ordering holds per source, never across workers.
type Pool struct {
	numWorkers int
	consumer   *Consumer
	sources    SourceFactory
	logger     *slog.Logger
}

// NewPool creates a consumer pool with the given number of workers.
func NewPool(numWorkers int, consumer *Consumer, sources SourceFactory, logger *slog.Logger) *Pool {
	return &Pool{
		numWorkers: numWorkers,
		consumer:   consumer,
		sources:    sources,
		logger:     logger,
	}
}

// Serve opens every source and runs the workers until ctx is cancelled.
// Sources are closed only after their worker has returned, so offsets of
// in-flight messages are never released early.
func (p *Pool) Serve(ctx context.Context) error {
	sources := make([]transport.Source, 0, p.numWorkers)
	defer func() {
		for _, src := range sources {
			if err := src.Close(); err != nil {
				p.logger.Error("failed to close source", "error", err)
			}
		}
	}()

	for i := 0; i < p.numWorkers; i++ {
		src, err := p.sources(ctx, i)
		if err != nil {
			return fmt.Errorf("opening source for worker %d: %w", i, err)
		}
		sources = append(sources, src)
	}

	p.logger.Info("consumer pool started", "num_workers", p.numWorkers)

	g, gctx := errgroup.WithContext(ctx)
	for i, src := range sources {
		g.Go(func() error {
			return p.consumer.Run(gctx, i, src)
		})
	}
	err := g.Wait()

	p.logger.Info("consumer pool stopped")
	return err
}

func (p *Pool) String() string {
	return "consumer-pool"
}
