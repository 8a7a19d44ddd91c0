// The dispatcher consumes frame envelopes from the gateway and
// round-robins them across the pipeline routing keys.
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
	"github.com/sentinelvision/sentinel/internal/dispatcher"
	"github.com/sentinelvision/sentinel/internal/logging"
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
	logger := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat, Service: "dispatcher"})
	logging.InitGlobal(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat, Service: "dispatcher"})

	profile, err := config.LoadProfile(cfg.ConfigPath, cfg.ConfigProfile)
	if err != nil {
		logger.Fatal().Err(err).Msg("Profile load failed")
	}
	config.SetInstance(profile)

	serveMetrics(cfg.MetricsAddr, logger)

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

	d, err := dispatcher.New(pub, profile.NumPipelines(), logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Dispatcher construction failed")
	}

	consumer, err := bus.NewConsumer(broker.ConsumerConfig{
		Queue:    broker.QueueClientsData,
		Handler:  d.Handle,
		Logger:   logger,
		Prefetch: 32,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("Consumer construction failed")
	}
	if err := consumer.Start(); err != nil {
		logger.Fatal().Err(err).Msg("Consumer start failed")
	}

	waitForSignal(logger)
	consumer.Stop()
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
