package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"tpsl-core/internal/api"
	"tpsl-core/internal/closure"
	"tpsl-core/internal/events"
	"tpsl-core/internal/manager"
	"tpsl-core/internal/market"
	"tpsl-core/internal/monitor"
	"tpsl-core/internal/pricing"
	"tpsl-core/internal/queue"
	"tpsl-core/internal/worker"
	"tpsl-core/pkg/config"
	"tpsl-core/pkg/db"
	"tpsl-core/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	log, err := logger.New(cfg.LogLevel, cfg.LogDev)
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	log.Info("starting tp/sl monitoring core",
		zap.String("port", cfg.Port),
		zap.Bool("mock_feed", cfg.UseMockFeed),
		zap.String("db_path", cfg.DBPath))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	database, err := db.New(cfg.DBPath)
	if err != nil {
		log.Fatal("open database", zap.Error(err))
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		log.Fatal("run migrations", zap.Error(err))
	}
	store := db.NewQueries(database)

	bus := events.NewBus()
	metrics := monitor.NewMetrics()

	var feed market.Feed
	if cfg.UseMockFeed {
		feed = market.NewMockFeed()
		log.Info("using mock price feed")
	} else {
		feed = market.NewStreamFeed(cfg.FeedStreamURL, log)
		log.Info("using live price feed", zap.String("url", cfg.FeedStreamURL))
	}

	tuning := cfg.Tuning
	priceMonitor := pricing.NewService(feed, bus, metrics, log, pricing.Config{
		StaleAfter:         tuning.StaleAfter,
		FailedFetchCeiling: tuning.FailedFetchCeiling,
	})
	jobQueue := queue.NewManager(store, metrics, log, queue.Config{
		Interval:            tuning.MonitorInterval,
		Lifetime:            tuning.JobLifetime,
		MaxAttempts:         tuning.MaxAttempts,
		BackoffBase:         tuning.BackoffBase,
		Workers:             tuning.QueueWorkers,
		HistoryLimit:        tuning.HistoryLimit,
		FailureThreshold:    tuning.QueueFailureThreshold,
		DeadLetterThreshold: tuning.DeadLetterThreshold,
	})
	ledger := closure.NewLedger(store)
	closer := closure.NewService(ledger, bus, metrics, log, closure.Config{
		SuccessFloor: tuning.ClosureSuccessFloor,
		ErrorHistory: tuning.HistoryLimit,
	})
	orderWorker := worker.NewOrderMonitor(priceMonitor, closer, log)

	mgr := manager.NewManager(priceMonitor, jobQueue, orderWorker, closer, bus, metrics, log, manager.Config{
		HealthInterval: tuning.HealthInterval,
	})
	if err := mgr.Initialize(ctx); err != nil {
		log.Fatal("initialize monitoring subsystem", zap.Error(err))
	}

	// Symbols listed in config are subscribed up front so the price cache
	// is warm before the first orders arrive.
	for _, symbol := range cfg.WarmSymbols {
		if err := priceMonitor.AddSymbol(symbol); err != nil {
			log.Warn("warm symbol subscription failed",
				zap.String("symbol", symbol), zap.Error(err))
		}
	}

	server := api.NewServer(mgr, priceMonitor, jobQueue, orderWorker, closer, ledger, store, bus, metrics, log, api.Config{
		JWTSecret:   cfg.JWTSecret,
		AdminAPIKey: cfg.AdminAPIKey,
		TokenTTL:    cfg.TokenTTL,
	})

	httpServer := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: server.Router,
	}
	go func() {
		log.Info("admin api listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("http server", zap.Error(err))
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	received := <-sig
	log.Info("signal received, draining", zap.String("signal", received.String()))

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", zap.Error(err))
	}
	if err := mgr.Shutdown(shutdownCtx); err != nil {
		log.Error("graceful shutdown failed, forcing stop", zap.Error(err))
		mgr.EmergencyStop()
	}
	log.Info("shutdown complete")
}
