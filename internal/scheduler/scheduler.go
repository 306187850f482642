// Package scheduler periodically applies due time-driven auction transitions.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/jensholdgaard/auction-engine/internal/auction"
	"github.com/jensholdgaard/auction-engine/internal/config"
)

const sweepConcurrency = 8

// Advancer is the part of the engine the scheduler drives.
type Advancer interface {
	ActiveIDs() []string
	Advance(ctx context.Context, auctionID string) (auction.Snapshot, error)
}

// Scheduler asks the engine to advance every open auction on each tick.
// Bids apply the same transitions lazily, so the tick interval only bounds
// how late an idle auction is started or closed.
type Scheduler struct {
	engine   Advancer
	interval time.Duration
	logger   *slog.Logger
	tracer   trace.Tracer
}

// New returns a Scheduler.
func New(engine Advancer, cfg config.SchedulerConfig, logger *slog.Logger, tp trace.TracerProvider) *Scheduler {
	return &Scheduler{
		engine:   engine,
		interval: cfg.Interval,
		logger:   logger,
		tracer:   tp.Tracer("github.com/jensholdgaard/auction-engine/internal/scheduler"),
	}
}

// Run sweeps until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.InfoContext(ctx, "scheduler started", slog.Duration("interval", s.interval))
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.InfoContext(ctx, "scheduler stopped")
			return nil
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep advances every open auction once and returns how many of them
// reached a closed or cancelled stage.
func (s *Scheduler) Sweep(ctx context.Context) int {
	ids := s.engine.ActiveIDs()
	if len(ids) == 0 {
		return 0
	}
	ctx, span := s.tracer.Start(ctx, "Scheduler.Sweep",
		trace.WithAttributes(attribute.Int("auctions", len(ids))),
	)
	defer span.End()

	var finished atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(sweepConcurrency)
	for _, id := range ids {
		g.Go(func() error {
			snap, err := s.engine.Advance(gctx, id)
			switch {
			case err == nil:
				if snap.Stage.Terminal() {
					finished.Add(1)
				}
			case errors.Is(err, auction.ErrConflict):
				// Busy with bids; those advance it anyway.
			case errors.Is(err, context.Canceled):
			default:
				s.logger.WarnContext(gctx, "failed to advance auction",
					slog.String("auction_id", id),
					slog.Any("error", err),
				)
			}
			return nil
		})
	}
	_ = g.Wait()

	n := int(finished.Load())
	if n > 0 {
		s.logger.InfoContext(ctx, "auctions finished", slog.Int("count", n))
	}
	return n
}
