package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/example/ride-bidding/db/migrations"
	"github.com/example/ride-bidding/internal/cache"
	"github.com/example/ride-bidding/internal/config"
	"github.com/example/ride-bidding/internal/dispatch"
	"github.com/example/ride-bidding/internal/events"
	"github.com/example/ride-bidding/internal/httpapi"
	"github.com/example/ride-bidding/internal/ledger"
	"github.com/example/ride-bidding/internal/logging"
	"github.com/example/ride-bidding/internal/negotiation"
	"github.com/example/ride-bidding/internal/payments"
	"github.com/example/ride-bidding/internal/settlement"
)

func main() {
	cfg, err := config.LoadServerConfig()
	logger := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	var store ledger.Store
	if cfg.PGDSN != "" {
		if cfg.RunMigrations {
			if err := migrations.Run(cfg.PGDSN, "migrations"); err != nil {
				logger.Error("migrations failed", "error", err)
				os.Exit(1)
			}
			logger.Info("migrations applied")
		}
		pg, err := ledger.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			logger.Error("cannot connect to postgres", "error", err)
			os.Exit(1)
		}
		defer pg.Close()
		store = pg
	} else {
		logger.Warn("PG_DSN not set, using in-memory ledger")
		store = ledger.NewMemoryStore()
	}

	wsReg := dispatch.NewWSRegistry()
	sinks := []dispatch.Sink{wsReg}
	if cfg.PushEndpoint != "" {
		sinks = append(sinks, dispatch.NewHTTPPush(cfg.PushEndpoint, os.Getenv("PUSH_KEY")))
	}
	notifiers := dispatch.Multi{dispatch.NewFanout(store, logger, sinks...)}
	if len(cfg.KafkaBrokers) > 0 {
		producer := events.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic, logger)
		defer producer.Close()
		notifiers = append(notifiers, producer)
	}

	var settler negotiation.Settler
	if os.Getenv("STRIPE_API_KEY") != "" {
		settler = settlement.NewTrigger(payments.NewStripeCollector(), cfg.PaymentCurrency, cfg.PaymentTimeout, logger)
	} else {
		logger.Warn("STRIPE_API_KEY not set, accepts will skip settlement")
	}

	engine := negotiation.NewEngine(store, settler, notifiers, logger, cfg.MaxNegotiationRounds)

	var summaries httpapi.SummaryReader
	if cfg.RedisAddr != "" {
		sc := cache.NewSummaryCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisKeyPrefix)
		defer sc.Close()
		summaries = sc
	}

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      httpapi.NewServer(engine, summaries, wsReg, logger),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("ride-bidding listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server stopped", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown failed", "error", err)
	}
}
