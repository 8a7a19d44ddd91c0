// The manager is the server-management process: it persists saved
// actions, serves the admin HTTP surface and mirrors the client status
// snapshot to disk.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	_ "go.uber.org/automaxprocs"

	"github.com/sentinelvision/sentinel/internal/broker"
	"github.com/sentinelvision/sentinel/internal/config"
	"github.com/sentinelvision/sentinel/internal/logging"
	"github.com/sentinelvision/sentinel/internal/manager"
	"github.com/sentinelvision/sentinel/internal/statusstore"
	"github.com/sentinelvision/sentinel/internal/storage"
)

func main() {
	debug := flag.Bool("debug", false, "enable debug logging (overrides LOG_LEVEL)")
	flag.Parse()

	cfg, err := config.LoadEnv(nil)
	if err != nil {
		fallbackLog := zerolog.New(os.Stderr)
		fallbackLog.Fatal().Err(err).Msg("Configuration load failed")
	}
	if *debug {
		cfg.LogLevel = "debug"
	}
	logger := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat, Service: "manager"})
	logging.InitGlobal(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat, Service: "manager"})

	profile, err := config.LoadProfile(cfg.ConfigPath, cfg.ConfigProfile)
	if err != nil {
		logger.Fatal().Err(err).Msg("Profile load failed")
	}
	config.SetInstance(profile)

	serveMetrics(cfg.MetricsAddr, logger)

	store, err := storage.New(storage.Config{
		Endpoint:       cfg.StorageEndpoint,
		AccessKey:      cfg.StorageAccessKey,
		SecretKey:      cfg.StorageSecretKey,
		UseSSL:         cfg.StorageUseSSL,
		Bucket:         profile.Storage.FramesBucket,
		Provider:       profile.Storage.Provider,
		Timeout:        cfg.StorageTimeout,
		RetentionHours: profile.Storage.RetentionHours,
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Object store client failed")
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
	status := statusstore.New(rdb, logger)

	svc := profile.Service("manager")
	mgr := manager.New(manager.Config{
		AdminAddr: cfg.AdminAddr,
		Admin: manager.AdminConfig{
			ServerName:        cfg.ServerName,
			GUIOrigin:         cfg.GUIOriginURL,
			RequestsPerSecond: svc.Float("admin_requests_per_second", 20),
		},
		LocalFallbackDir: svc.String("local_fallback_dir", "saved_actions"),
		MirrorDir:        svc.String("mirror_dir", "status_mirror"),
	}, store, status, logger)

	ctx := context.Background()
	if err := mgr.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Manager start failed")
	}

	bus, err := broker.Dial(cfg.BrokerURL, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Broker dial failed")
	}
	defer bus.Close()
	if err := bus.DeclareTopology(broker.Topology{
		NumPipelines:          profile.NumPipelines(),
		MaxClientsPerPipeline: profile.Pipeline.MaxClientsPerPipeline,
	}); err != nil {
		logger.Fatal().Err(err).Msg("Topology declaration failed")
	}

	saved, err := bus.NewConsumer(broker.ConsumerConfig{
		Queue:    broker.QueueSavedActions,
		Handler:  mgr.Writer.Handle,
		Logger:   logger,
		Prefetch: 8,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("Saved-actions consumer construction failed")
	}
	if err := saved.Start(); err != nil {
		logger.Fatal().Err(err).Msg("Saved-actions consumer start failed")
	}

	waitForSignal(logger)

	saved.Stop()
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	mgr.Shutdown(shutdownCtx)
}

func serveMetrics(addr string, logger zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	go func() {
		logger.Info().Str("addr", addr).Msg("Metrics listening")
		if err := http.ListenAndServe(addr, mux); err != nil {
			logger.Error().Err(err).Msg("Metrics server failed")
		}
	}()
}

func waitForSignal(logger zerolog.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info().Str("signal", sig.String()).Msg("Shutting down")
}
