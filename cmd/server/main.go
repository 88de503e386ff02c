package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/peterbutler/sagrada/internal/api"
	"github.com/peterbutler/sagrada/internal/breaker"
	"github.com/peterbutler/sagrada/internal/config"
	"github.com/peterbutler/sagrada/internal/control"
	"github.com/peterbutler/sagrada/internal/devices"
	"github.com/peterbutler/sagrada/internal/hub"
	"github.com/peterbutler/sagrada/internal/ingest"
	"github.com/peterbutler/sagrada/internal/logging"
	"github.com/peterbutler/sagrada/internal/metrics"
	"github.com/peterbutler/sagrada/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.New(slog.NewJSONHandler(os.Stdout, nil)).Error("config error", "err", err)
		os.Exit(1)
	}
	log := logging.New(cfg.Logging.Level, cfg.Logging.Path)
	log.Info("sagrada server starting",
		"addr", cfg.Server.Addr(),
		"kafka", cfg.Kafka.Enabled,
		"database", cfg.Database.Enabled,
		"control", cfg.Control.Enabled,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	met := metrics.New()
	tracker := devices.NewTracker(map[string]float64{
		devices.Heater: cfg.Devices.HeaterPowerW,
		devices.Pump:   cfg.Devices.PumpPowerW,
	})

	var bucketStore *store.BucketStore
	var storeBreaker *breaker.Breaker
	if cfg.Database.Enabled {
		bucketStore, err = store.Open(cfg.Database.DSN(), log)
		if err != nil {
			log.Error("store open failed", "err", err)
			os.Exit(1)
		}
		defer func() {
			if err := bucketStore.Close(); err != nil {
				log.Error("store close failed", "err", err)
			}
		}()
		initCtx, initCancel := context.WithTimeout(ctx, 10*time.Second)
		err = bucketStore.Init(initCtx)
		initCancel()
		if err != nil {
			log.Error("store init failed", "err", err)
			os.Exit(1)
		}
		storeBreaker = breaker.New(breaker.Settings{Name: "bucket-store"}, log)
	}

	opts := hub.Options{
		Catalog:  cfg.Catalog.Build(),
		Capacity: cfg.History.Capacity,
		Lookback: cfg.Rate.Lookback,
		Thermal:  cfg.Thermal.Params,
		Roles: hub.Roles{
			Tank:    cfg.Thermal.Channels.Tank,
			Floor:   cfg.Thermal.Channels.Floor,
			Room:    cfg.Thermal.Channels.Room,
			Outside: cfg.Thermal.Channels.Outside,
			Supply:  cfg.Thermal.Channels.Supply,
			Return:  cfg.Thermal.Channels.Return,
		},
		Devices: tracker,
		Breaker: storeBreaker,
		Metrics: met,
		Log:     log,
	}
	if bucketStore != nil {
		opts.Store = bucketStore
	}
	h := hub.New(opts)
	if bucketStore != nil {
		seedCtx, seedCancel := context.WithTimeout(ctx, 30*time.Second)
		err = h.Seed(seedCtx)
		seedCancel()
		if err != nil {
			// stale or missing history is not fatal; start cold instead
			log.Warn("history seed failed", "err", err)
		}
	}
	h.Start(ctx)

	var consumer *ingest.Consumer
	if cfg.Kafka.Enabled {
		consumer, err = ingest.NewConsumer(ingest.Config{
			Brokers:     cfg.Kafka.Brokers,
			Topic:       cfg.Kafka.ReadingsTopic,
			GroupID:     cfg.Kafka.GroupID,
			PollTimeout: cfg.Kafka.PollTimeout,
		}, h, met, log)
		if err != nil {
			log.Error("consumer init failed", "err", err)
			os.Exit(1)
		}
		go func() {
			if err := consumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("consumer stopped", "err", err)
			}
		}()
	}

	if cfg.Control.Enabled {
		if !cfg.Kafka.Enabled {
			log.Error("control requires kafka for the commands topic")
			os.Exit(1)
		}
		writer := control.NewWriter(cfg.Kafka.Brokers, cfg.Kafka.CommandsTopic)
		defer func() {
			if err := writer.Close(); err != nil {
				log.Error("command writer close failed", "err", err)
			}
		}()
		controller, err := control.NewController(control.Settings{
			TankChannel: cfg.Thermal.Channels.Tank,
			RoomChannel: cfg.Thermal.Channels.Room,
			TankTarget:  cfg.Control.TankTarget,
			Deadband:    cfg.Control.TankDeadband,
			FreezeLimit: cfg.Control.FreezeLimit,
			MinOn:       cfg.Control.MinOn,
			MinOff:      cfg.Control.MinOff,
			Interval:    cfg.Control.Interval,
		}, h, tracker, writer, met, log)
		if err != nil {
			log.Error("controller init failed", "err", err)
			os.Exit(1)
		}
		go func() {
			if err := controller.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("controller stopped", "err", err)
			}
		}()
	}

	srv := &http.Server{
		Addr:        cfg.Server.Addr(),
		Handler:     api.NewServer(h, met, log).Routes(),
		ReadTimeout: cfg.Server.ReadTimeout,
		// WriteTimeout stays zero: /stream holds SSE connections open
		// far longer than any fixed deadline.
		IdleTimeout: 60 * time.Second,
	}
	go func() {
		log.Info("http listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server error", "err", err)
			cancel()
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-stop:
		log.Info("shutdown signal received")
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown error", "err", err)
	}
	cancel()
	if consumer != nil {
		if err := consumer.Close(); err != nil {
			log.Error("consumer close failed", "err", err)
		}
	}
	h.Wait()
	log.Info("shutdown complete")
}
