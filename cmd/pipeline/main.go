// The pipeline worker runs both inference branches for one pipeline id:
// it consumes the pipeline's face and phone input queues, hydrates
// frames from the object store and publishes verdicts to the results
// exchange.
package main

import (
	"context"
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
	"github.com/sentinelvision/sentinel/internal/embedcache"
	"github.com/sentinelvision/sentinel/internal/logging"
	"github.com/sentinelvision/sentinel/internal/models"
	"github.com/sentinelvision/sentinel/internal/pipeline"
	"github.com/sentinelvision/sentinel/internal/storage"
)

func main() {
	debug := flag.Bool("debug", false, "enable debug logging (overrides LOG_LEVEL)")
	pipelineID := flag.Int("pipeline-id", 0, "which pipeline this worker serves")
	flag.Parse()

	cfg, err := config.LoadEnv(nil)
	if err != nil {
		fallbackLog := zerolog.New(os.Stderr)
		fallbackLog.Fatal().Err(err).Msg("Configuration load failed")
	}
	if *debug {
		cfg.LogLevel = "debug"
	}
	logger := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat, Service: "pipeline"})
	logging.InitGlobal(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat, Service: "pipeline"})

	profile, err := config.LoadProfile(cfg.ConfigPath, cfg.ConfigProfile)
	if err != nil {
		logger.Fatal().Err(err).Msg("Profile load failed")
	}
	config.SetInstance(profile)
	if *pipelineID < 0 || *pipelineID >= profile.NumPipelines() {
		logger.Fatal().
			Int("pipeline_id", *pipelineID).
			Int("num_pipelines", profile.NumPipelines()).
			Msg("Pipeline id out of range for this profile")
	}

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

	svc := profile.Service("models")
	modelCfg := models.Config{
		FaceConfidence:  svc.Float("face_confidence", 0.5),
		SpoofScore:      svc.Float("spoof_score", 0.5),
		PhoneConfidence: svc.Float("phone_confidence", 0.65),
		PhoneClassID:    svc.Int("phone_class_id", 67),
		Metric:          models.Metric(svc.String("metric", string(models.MetricCosine))),
		VerifyThreshold: svc.Float("verify_threshold", 0.8),
	}
	face, identifier, spoof, phone := models.NewHeuristicSet(modelCfg)
	if err := models.WarmupAll(ctx, face, identifier, spoof, phone); err != nil {
		logger.Fatal().Err(err).Msg("Model warmup failed")
	}

	refs, err := embedcache.New(embedcache.Config{
		ReferenceDir:   cfg.ReferenceDir,
		Namespace:      cfg.ServerName,
		DetectOnEnroll: svc.Bool("detect_on_enroll", true),
	}, store, face, identifier, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Reference cache failed")
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

	worker := pipeline.New(pipeline.Config{
		PipelineID:          *pipelineID,
		SpoofScoreThreshold: svc.Float("spoof_score", 0.5),
	}, store, pub, refs, face, identifier, spoof, phone, logger)
	defer worker.Stop()

	consumers := make([]*broker.Consumer, 0, 2)
	for _, sub := range []broker.ConsumerConfig{
		{Queue: worker.FaceQueue(), Handler: worker.HandleFace, Logger: logger, Prefetch: 4},
		{Queue: worker.PhoneQueue(), Handler: worker.HandlePhone, Logger: logger, Prefetch: 4},
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

	logger.Info().Int("pipeline_id", *pipelineID).Msg("Pipeline worker running")
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
