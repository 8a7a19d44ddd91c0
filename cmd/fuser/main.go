// The fuser consumes branch verdicts, derives enforcement actions and
// emits both the action and, when warranted, the annotated saved-action
// record.
package main

import (
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	_ "go.uber.org/automaxprocs"

	"github.com/sentinelvision/sentinel/internal/broker"
	"github.com/sentinelvision/sentinel/internal/config"
	"github.com/sentinelvision/sentinel/internal/fuser"
	"github.com/sentinelvision/sentinel/internal/logging"
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
	logger := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat, Service: "fuser"})
	logging.InitGlobal(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat, Service: "fuser"})

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

	f := fuser.New(store, pub, logger)

	consumers := make([]*broker.Consumer, 0, 2)
	for _, sub := range []broker.ConsumerConfig{
		{Queue: broker.QueueFaceResults, Handler: f.HandleFace, Logger: logger, Prefetch: 16},
		{Queue: broker.QueuePhoneResults, Handler: f.HandlePhone, Logger: logger, Prefetch: 16},
	} {
		c, err := bus.NewConsumer(sub)
		if err != nil {
			logger.Fatal().Err(err).Str("queue", sub.Queue).Msg("Consumer construction failed")
		}
		if err := c.Start(); err != nil {
			logger.Fatal().Err(err).Str("queue", sub.Queue).Msg("Consumer start failed")
		}
		consumers = append(consumers, c)
	}

	waitForSignal(logger)

	for _, c := range consumers {
		c.Stop()
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
