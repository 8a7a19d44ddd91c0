// The monitor is an optional seventh process sampling the host, the
// client status store and the object store on a shared cadence, served
// over a small read-only HTTP surface.
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

	"github.com/sentinelvision/sentinel/internal/config"
	"github.com/sentinelvision/sentinel/internal/logging"
	"github.com/sentinelvision/sentinel/internal/monitor"
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
	logger := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat, Service: "monitor"})
	logging.InitGlobal(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat, Service: "monitor"})

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

	svc := profile.Service("monitor")
	m := monitor.New(monitor.Config{
		HTTPAddr: cfg.MonitorAddr,
		Interval: time.Duration(svc.Int("interval_seconds", 5)) * time.Second,
	}, []monitor.Collector{
		&monitor.SystemCollector{DiskPath: svc.String("disk_path", "/")},
		&monitor.ClientsCollector{Status: status},
		&monitor.StorageCollector{Store: store},
	}, logger)

	ctx, cancel := context.WithCancel(context.Background())
	m.Start(ctx)

	waitForSignal(logger)

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	m.Shutdown(shutdownCtx)
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
