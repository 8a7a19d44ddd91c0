// The gateway terminates client WebSocket sessions, applies admission,
// off-loads frame bytes to the object store and feeds the dispatcher.
// It also consumes the actions queue and fans decisions back to the
// owning sockets.
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
	"github.com/sentinelvision/sentinel/internal/embedcache"
	"github.com/sentinelvision/sentinel/internal/gateway"
	"github.com/sentinelvision/sentinel/internal/logging"
	"github.com/sentinelvision/sentinel/internal/models"
	"github.com/sentinelvision/sentinel/internal/ratelimiter"
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
	logger := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat, Service: "gateway"})
	logging.InitGlobal(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat, Service: "gateway"})
	cfg.LogConfig(logger)

	profile, err := config.LoadProfile(cfg.ConfigPath, cfg.ConfigProfile)
	if err != nil {
		logger.Fatal().Err(err).Msg("Profile load failed")
	}
	config.SetInstance(profile)

	serveMetrics(cfg.MetricsAddr, logger)

	ctx := context.Background()

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
	if err := store.EnsureBucket(ctx, profile.Storage.RetentionHours); err != nil {
		logger.Fatal().Err(err).Msg("Bucket setup failed")
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
	pub := bus.NewPublisher()
	defer pub.Close()

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
	status := statusstore.New(rdb, logger)

	lim := ratelimiter.New(ratelimiter.Config{
		MaxClients:      profile.RateLimiter.MaxClients,
		Window:          time.Duration(profile.RateLimiter.WindowMS) * time.Millisecond,
		CleanupInterval: time.Duration(profile.RateLimiter.CleanupMS) * time.Millisecond,
		Logger:          logger,
	})
	defer lim.Stop()

	// The gateway only needs HasReference, but the cache carries the
	// enrolment directory knowledge, so it is the availability source.
	face, identifier, _, _ := models.NewHeuristicSet(models.Config{})
	refs, err := embedcache.New(embedcache.Config{
		ReferenceDir: cfg.ReferenceDir,
		Namespace:    cfg.ServerName,
	}, store, face, identifier, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Reference source failed")
	}

	srv, err := gateway.New(gateway.Config{
		WSAddr:        cfg.WSAddr,
		MaxClients:    profile.MaxClients(),
		SocketTimeout: cfg.SocketTimeout,
	}, store, pub, status, lim, refs, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Gateway construction failed")
	}
	if err := srv.Start(); err != nil {
		logger.Fatal().Err(err).Msg("Gateway start failed")
	}

	actions, err := bus.NewConsumer(broker.ConsumerConfig{
		Queue:        broker.QueueActions,
		Handler:      srv.HandleAction,
		Logger:       logger,
		Prefetch:     16,
		RequeueDelay: 100 * time.Millisecond,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("Actions consumer construction failed")
	}
	if err := actions.Start(); err != nil {
		logger.Fatal().Err(err).Msg("Actions consumer start failed")
	}

	waitForSignal(logger)

	actions.Stop()
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("Gateway shutdown failed")
	}
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
