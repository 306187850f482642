package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"golang.org/x/sync/errgroup"

	"github.com/jensholdgaard/auction-engine/internal/auction"
	"github.com/jensholdgaard/auction-engine/internal/bot"
	"github.com/jensholdgaard/auction-engine/internal/clock"
	"github.com/jensholdgaard/auction-engine/internal/config"
	"github.com/jensholdgaard/auction-engine/internal/health"
	"github.com/jensholdgaard/auction-engine/internal/httpapi"
	"github.com/jensholdgaard/auction-engine/internal/hub"
	"github.com/jensholdgaard/auction-engine/internal/leader"
	"github.com/jensholdgaard/auction-engine/internal/scheduler"
	"github.com/jensholdgaard/auction-engine/internal/settlement"
	"github.com/jensholdgaard/auction-engine/internal/store"
	"github.com/jensholdgaard/auction-engine/internal/telemetry"

	// Register store drivers so they are available via store.Open.
	_ "github.com/jensholdgaard/auction-engine/internal/store/memstore"
	_ "github.com/jensholdgaard/auction-engine/internal/store/postgres"
	_ "github.com/jensholdgaard/auction-engine/internal/store/sqlstore"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version)
		os.Exit(0)
	}

	if err := run(*configPath); err != nil {
		slog.Error("fatal error", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(configPath string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	tp, err := telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		slog.Warn("telemetry setup failed, continuing without OTEL export", slog.Any("error", err))
		tp = telemetry.NewNopProvider()
	}
	defer func() {
		if shutdownErr := tp.Shutdown(context.Background()); shutdownErr != nil {
			slog.Error("telemetry shutdown error", slog.Any("error", shutdownErr))
		}
	}()

	logger := tp.Logger
	clk := clock.Real{}

	repos, err := store.Open(ctx, cfg.Database, clk)
	if err != nil {
		return fmt.Errorf("opening store (driver=%s): %w", cfg.Database.Driver, err)
	}
	defer repos.Closer.Close()

	logger.InfoContext(ctx, "connected to database", slog.String("driver", cfg.Database.Driver))

	fees, err := auction.NewFeeSchedule(cfg.Fees)
	if err != nil {
		return fmt.Errorf("fee schedule: %w", err)
	}

	// Captures outlive a leadership term; they are drained on shutdown.
	dispatcher := settlement.NewDispatcher(settlement.LogGateway{Logger: logger}, cfg.Settlement, logger, tp.TracerProvider)

	healthHandler := health.NewHandler(clk,
		health.Checker{
			Name:  "database",
			Check: repos.Ping,
		},
	)

	// Health probes run on all replicas.
	router := mux.NewRouter()
	healthHandler.Register(router)
	healthServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.HealthPort),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.InfoContext(ctx, "starting health server", slog.Int("port", cfg.Server.HealthPort))
		if listenErr := healthServer.ListenAndServe(); listenErr != nil && !errors.Is(listenErr, http.ErrServerClosed) {
			logger.ErrorContext(ctx, "health server error", slog.Any("error", listenErr))
		}
	}()

	svc := &service{
		cfg:        cfg,
		repos:      repos,
		fees:       fees,
		dispatcher: dispatcher,
		health:     healthHandler,
		tp:         tp,
		logger:     logger,
		clk:        clk,
	}

	if cfg.LeaderElection.Enabled {
		logger.InfoContext(ctx, "leader election enabled, waiting for leadership...")
		healthHandler.SetRole("standby")

		if leaderErr := leader.Run(ctx, cfg.LeaderElection, logger, leader.Callbacks{
			OnStartedLeading: func(ctx context.Context) {
				if serveErr := svc.serve(ctx); serveErr != nil {
					logger.ErrorContext(ctx, "serving failed", slog.Any("error", serveErr))
					cancel()
				}
			},
			OnStoppedLeading: func() {
				logger.Info("lost leadership, shutting down...")
				cancel()
			},
		}); leaderErr != nil {
			return fmt.Errorf("leader election: %w", leaderErr)
		}
	} else if err := svc.serve(ctx); err != nil {
		return err
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := dispatcher.Wait(shutdownCtx); err != nil {
		logger.Warn("settlement captures still in flight at shutdown", slog.Any("error", err))
	}
	if err := healthServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("health server shutdown error", slog.Any("error", err))
	}

	logger.Info("shutdown complete")
	return nil
}

// service holds what one leadership term needs.
type service struct {
	cfg        *config.Config
	repos      *store.Repositories
	fees       auction.FeeSchedule
	dispatcher *settlement.Dispatcher
	health     *health.Handler
	tp         *telemetry.Provider
	logger     *slog.Logger
	clk        clock.Clock
}

// serve runs the engine, scheduler, API and bot until ctx is done. Every
// call builds a fresh engine whose cache is recovered from the store, so a
// replica that regains leadership never works from stale state.
func (s *service) serve(ctx context.Context) error {
	logger := s.logger

	var engine *auction.Engine
	streams := hub.New(hub.SnapshotFunc(func(ctx context.Context, id string) (auction.Snapshot, error) {
		return engine.Snapshot(ctx, id)
	}), s.cfg.Hub, logger)
	defer streams.Close()

	engine, err := auction.NewEngine(s.repos, s.cfg.Engine, s.fees, logger,
		s.tp.TracerProvider, s.tp.MeterProvider, s.clk,
		auction.WithPublisher(streams),
		auction.WithSettler(s.dispatcher),
	)
	if err != nil {
		return fmt.Errorf("creating engine: %w", err)
	}

	// Recover in-flight auctions so that they survive leader failover.
	n, err := engine.RecoverOpenAuctions(ctx)
	if err != nil {
		return fmt.Errorf("recovering open auctions: %w", err)
	}
	if n > 0 {
		logger.InfoContext(ctx, "recovered open auctions", slog.Int("count", n))
	}

	if s.cfg.Discord.Enabled {
		discordBot, botErr := bot.New(s.cfg.Discord, engine, logger, s.tp.TracerProvider)
		if botErr != nil {
			return fmt.Errorf("creating bot: %w", botErr)
		}
		if botErr = discordBot.Start(ctx); botErr != nil {
			return fmt.Errorf("starting bot: %w", botErr)
		}
		defer func() {
			if stopErr := discordBot.Stop(); stopErr != nil {
				logger.Error("bot shutdown error", slog.Any("error", stopErr))
			}
		}()
	}

	apiServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.cfg.Server.Port),
		Handler:           httpapi.New(engine, streams, logger).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return scheduler.New(engine, s.cfg.Scheduler, logger, s.tp.TracerProvider).Run(gctx)
	})
	g.Go(func() error {
		logger.InfoContext(gctx, "starting api server", slog.Int("port", s.cfg.Server.Port))
		if listenErr := apiServer.ListenAndServe(); listenErr != nil && !errors.Is(listenErr, http.ErrServerClosed) {
			return fmt.Errorf("api server: %w", listenErr)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
		defer cancel()
		if shutdownErr := apiServer.Shutdown(shutdownCtx); shutdownErr != nil {
			logger.Error("api server shutdown error", slog.Any("error", shutdownErr))
		}
		return nil
	})

	s.health.SetReady(true)
	s.health.SetRole("leader")
	logger.InfoContext(ctx, "auctiond is running", slog.String("version", version))

	err = g.Wait()

	s.health.SetReady(false)
	if s.cfg.LeaderElection.Enabled {
		s.health.SetRole("standby")
	}
	return err
}
