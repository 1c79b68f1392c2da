package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"winback-settlement/internal/api"
	"winback-settlement/internal/config"
	"winback-settlement/internal/db"
	"winback-settlement/internal/engine"
	"winback-settlement/internal/events"
	"winback-settlement/internal/logger"
	"winback-settlement/internal/pricefeed"
	"winback-settlement/internal/scheduler"
	"winback-settlement/internal/settlement"
	"winback-settlement/internal/ws"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	lg, err := logger.New(cfg.Log)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer lg.Sync()

	if err := run(cfg, lg); err != nil {
		lg.Error("main: exited with error", zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg *config.Config, lg *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// DB
	store, err := db.Open(cfg.Database.URL)
	if err != nil {
		return err
	}
	defer store.Close()
	lg.Info("main: connected to database")

	// Migrations
	if err := store.Migrate(cfg.Database.MigrationsDir); err != nil {
		return err
	}
	lg.Info("main: migrations applied", zap.String("dir", cfg.Database.MigrationsDir))

	// Price cache
	rdb, err := pricefeed.New(ctx, pricefeed.ClientConfig{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
	})
	if err != nil {
		return err
	}
	defer rdb.Close()
	prices := pricefeed.NewPriceCache(rdb)
	lg.Info("main: connected to redis", zap.String("addr", cfg.Redis.Addr))

	// WS Hub
	hub := ws.NewHub(lg)

	// Engine manager
	eng, err := settlement.New(settlement.Config{
		NearBoundRatio: cfg.Engine.NearBoundRatio,
		StrictExpiry:   cfg.Engine.StrictExpiry,
	})
	if err != nil {
		return err
	}
	opts := []engine.Option{engine.WithPublisher(hub.Publish)}
	if cfg.Kafka.Enabled() {
		producer := events.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		defer producer.Close()
		opts = append(opts, engine.WithEventSink(producer))
		lg.Info("main: kafka producer enabled", zap.Strings("brokers", cfg.Kafka.Brokers), zap.String("topic", cfg.Kafka.Topic))
	}
	mgr := engine.NewManager(store, prices, eng, lg, opts...)
	if err := mgr.Boot(ctx); err != nil {
		return err
	}
	defer mgr.Stop()

	// Ticks
	runner := scheduler.New(lg, ctx)
	if _, err := runner.AddTick(cfg.Engine.TickSchedule, mgr, cfg.Engine.TickTimeout); err != nil {
		return err
	}
	runner.Start()
	defer runner.Stop()

	// HTTP
	srv := api.NewServer(store, mgr, prices, lg, api.Options{
		CORSOrigins:  cfg.Server.CORSOrigins,
		AdminEnabled: cfg.Server.AdminEnabled,
		Publish:      hub.Publish,
		WS:           hub.HandleWS,
	})
	httpSrv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		lg.Info("main: listening", zap.String("addr", httpSrv.Addr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	lg.Info("main: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return httpSrv.Shutdown(shutdownCtx)
}
