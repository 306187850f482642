// Package settlement captures payment for auctions that closed with a winner.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jensholdgaard/auction-engine/internal/auction"
	"github.com/jensholdgaard/auction-engine/internal/config"
)

// ErrDeclined is returned by a Gateway when the capture must not be retried.
var ErrDeclined = errors.New("payment declined")

// Gateway captures the winner's payment.
type Gateway interface {
	Capture(ctx context.Context, s auction.Settlement) error
}

// LogGateway only logs captures. It is the default when no payment provider
// is configured.
type LogGateway struct {
	Logger *slog.Logger
}

// Capture implements Gateway.
func (g LogGateway) Capture(ctx context.Context, s auction.Settlement) error {
	g.Logger.InfoContext(ctx, "payment captured",
		slog.String("auction_id", s.AuctionID),
		slog.String("winner_ref", s.WinnerRef),
		slog.String("seller_ref", s.SellerRef),
		slog.Int64("hammer_price", s.HammerPrice),
		slog.Int64("platform_fee", s.PlatformFee),
		slog.Int64("net_proceeds", s.NetProceeds),
	)
	return nil
}

// Dispatcher implements auction.Settler. Each settlement is captured on its
// own goroutine; failures are logged and never reach the engine.
type Dispatcher struct {
	gateway Gateway
	cfg     config.SettlementConfig
	logger  *slog.Logger
	tracer  trace.Tracer

	wg sync.WaitGroup
}

// NewDispatcher returns a Dispatcher capturing through gw.
func NewDispatcher(gw Gateway, cfg config.SettlementConfig, logger *slog.Logger, tp trace.TracerProvider) *Dispatcher {
	return &Dispatcher{
		gateway: gw,
		cfg:     cfg,
		logger:  logger,
		tracer:  tp.Tracer("github.com/jensholdgaard/auction-engine/internal/settlement"),
	}
}

// Settle starts capturing s and returns immediately.
func (d *Dispatcher) Settle(ctx context.Context, s auction.Settlement) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := d.capture(ctx, s); err != nil {
			d.logger.ErrorContext(ctx, "payment capture failed",
				slog.String("auction_id", s.AuctionID),
				slog.String("winner_ref", s.WinnerRef),
				slog.Int64("hammer_price", s.HammerPrice),
				slog.Any("error", err),
			)
		}
	}()
}

// Wait blocks until in-flight captures finish or ctx is done.
func (d *Dispatcher) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) capture(ctx context.Context, s auction.Settlement) error {
	ctx, span := d.tracer.Start(ctx, "Dispatcher.Capture",
		trace.WithAttributes(
			attribute.String("auction_id", s.AuctionID),
			attribute.String("winner_ref", s.WinnerRef),
			attribute.Int64("hammer_price", s.HammerPrice),
		),
	)
	defer span.End()

	attempt := 0
	op := func() error {
		attempt++
		actx := ctx
		if d.cfg.CaptureTimeout > 0 {
			var cancel context.CancelFunc
			actx, cancel = context.WithTimeout(ctx, d.cfg.CaptureTimeout)
			defer cancel()
		}
		err := d.gateway.Capture(actx, s)
		if errors.Is(err, ErrDeclined) {
			return backoff.Permanent(err)
		}
		if err != nil {
			d.logger.WarnContext(ctx, "payment capture attempt failed",
				slog.String("auction_id", s.AuctionID),
				slog.Int("attempt", attempt),
				slog.Any("error", err),
			)
		}
		return err
	}

	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(d.retryDelay()), uint64(max(d.cfg.CaptureRetries, 0))),
		ctx,
	)
	if err := backoff.Retry(op, b); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "capture failed")
		return fmt.Errorf("capturing auction %s after %d attempts: %w", s.AuctionID, attempt, err)
	}

	d.logger.InfoContext(ctx, "settlement complete",
		slog.String("auction_id", s.AuctionID),
		slog.Int("attempts", attempt),
	)
	return nil
}

func (d *Dispatcher) retryDelay() time.Duration {
	if d.cfg.RetryDelay > 0 {
		return d.cfg.RetryDelay
	}
	return time.Second
}
