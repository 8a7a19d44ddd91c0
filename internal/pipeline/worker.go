// Package pipeline implements the twin-branch inference worker. One
// worker owns one pipeline id and consumes that pipeline's face and
// phone input queues; every envelope routed to the pipeline arrives on
// both. Each branch hydrates the frame from the object store, runs its
// models on a dedicated single-worker executor and publishes a verdict
// to the results exchange. The two executors keep the face and phone
// models from ever contending on the accelerator.
package pipeline

import (
	"context"
	"fmt"
	"image"
	"time"

	"github.com/rs/zerolog"

	"github.com/sentinelvision/sentinel/internal/broker"
	"github.com/sentinelvision/sentinel/internal/executor"
	"github.com/sentinelvision/sentinel/internal/imaging"
	"github.com/sentinelvision/sentinel/internal/models"
	"github.com/sentinelvision/sentinel/internal/types"
)

// objectStore is the hydration slice of the storage client.
type objectStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
}

// publisher is the slice of broker.Publisher the worker uses.
type publisher interface {
	Publish(ctx context.Context, exchange, key string, body []byte) error
}

// referenceSource resolves reference embeddings; *embedcache.Cache in
// production.
type referenceSource interface {
	GetReference(ctx context.Context, clientName string) (models.Vector, error)
}

// Config sizes one worker.
type Config struct {
	PipelineID int
	// SpoofScoreThreshold gates the anti-spoof verdict: a patch is
	// spoofed iff !IsReal && Score >= threshold.
	SpoofScoreThreshold float64
	// ExecutorQueueSize bounds in-flight model calls per branch.
	ExecutorQueueSize int
}

// Worker runs both branches of one pipeline.
type Worker struct {
	cfg    Config
	store  objectStore
	pub    publisher
	refs   referenceSource
	logger zerolog.Logger

	faceDetector  models.FaceDetector
	identifier    models.FaceIdentifier
	antiSpoof     models.AntiSpoof
	phoneDetector models.PhoneDetector

	faceExec  *executor.Executor
	phoneExec *executor.Executor
}

// New builds a worker. Call Stop to drain the executors on shutdown.
func New(cfg Config, store objectStore, pub publisher, refs referenceSource,
	face models.FaceDetector, identifier models.FaceIdentifier, spoof models.AntiSpoof, phone models.PhoneDetector,
	logger zerolog.Logger) *Worker {

	if cfg.SpoofScoreThreshold <= 0 {
		cfg.SpoofScoreThreshold = 0.5
	}
	if cfg.ExecutorQueueSize <= 0 {
		cfg.ExecutorQueueSize = 32
	}
	logger = logger.With().Str("component", "pipeline").Int("pipeline_id", cfg.PipelineID).Logger()

	return &Worker{
		cfg:           cfg,
		store:         store,
		pub:           pub,
		refs:          refs,
		logger:        logger,
		faceDetector:  face,
		identifier:    identifier,
		antiSpoof:     spoof,
		phoneDetector: phone,
		faceExec:      executor.New("face", 1, cfg.ExecutorQueueSize, logger),
		phoneExec:     executor.New("phone", 1, cfg.ExecutorQueueSize, logger),
	}
}

// Stop drains both model executors.
func (w *Worker) Stop() {
	w.faceExec.Stop()
	w.phoneExec.Stop()
}

// FaceQueue names the face input queue this worker consumes.
func (w *Worker) FaceQueue() string { return broker.PipelineFaceQueue(w.cfg.PipelineID) }

// PhoneQueue names the phone input queue this worker consumes.
func (w *Worker) PhoneQueue() string { return broker.PipelinePhoneQueue(w.cfg.PipelineID) }

// hydrate fetches and decodes the frame the envelope references.
func (w *Worker) hydrate(ctx context.Context, env *types.FrameEnvelope) (image.Image, error) {
	if env.ObjectKey == "" {
		return nil, fmt.Errorf("envelope has no object key")
	}
	data, err := w.store.Get(ctx, env.ObjectKey)
	if err != nil {
		return nil, fmt.Errorf("hydrate frame: %w", err)
	}
	img, err := imaging.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("hydrate frame: %w", err)
	}
	return img, nil
}

// HandleFace is the face-branch consumer handler.
func (w *Worker) HandleFace(ctx context.Context, body []byte) broker.AckDecision {
	start := time.Now()
	env, err := types.DecodeFrameEnvelope(body)
	if err != nil {
		w.logger.Warn().Err(err).Msg("Undecodable face envelope dropped")
		return broker.Drop
	}

	verdict := w.faceVerdict(ctx, env)
	data, err := verdict.Serialize()
	if err != nil {
		w.logger.Error().Err(err).Msg("Face verdict encode failed")
		return broker.Drop
	}
	if err := w.pub.Publish(ctx, broker.ExchangePipelineResults, broker.RouteFaceResults, data); err != nil {
		w.logger.Error().Err(err).Str("client", env.ClientName).Msg("Face verdict publish failed")
		return broker.Drop
	}

	branchLatency.WithLabelValues("face").Observe(time.Since(start).Seconds())
	verdictsTotal.WithLabelValues("face", faceOutcome(verdict)).Inc()
	return broker.Ack
}

// faceVerdict runs the face branch. Every failure path yields a
// verdict carrying processing_error so the fuser can release the
// frame's correlated state.
func (w *Worker) faceVerdict(ctx context.Context, env *types.FrameEnvelope) *types.FaceVerdict {
	verdict := &types.FaceVerdict{
		ClientName: env.ClientName,
		SendTime:   env.SendTime,
		ObjectKey:  env.ObjectKey,
		Bucket:     env.Bucket,
		Metadata:   env.Metadata,
	}

	frame, err := w.hydrate(ctx, env)
	if err != nil {
		w.logger.Warn().Err(err).Str("client", env.ClientName).Msg("Face branch hydration failed")
		verdict.ProcessingError = err.Error()
		return verdict
	}

	err = w.faceExec.Submit(ctx, func() error {
		det, err := w.faceDetector.Detect(ctx, frame)
		if err != nil {
			return fmt.Errorf("face detect: %w", err)
		}
		if det == nil {
			verdict.DetectionSuccess = false
			return nil
		}
		verdict.DetectionSuccess = true
		box := det.Box
		verdict.FaceBBox = &box

		patch := imaging.SquareCrop(frame, det.Box)

		ref, err := w.refs.GetReference(ctx, env.ClientName)
		if err != nil {
			// Missing enrolment is an identity failure, not a fault.
			w.logger.Warn().Err(err).Str("client", env.ClientName).Msg("Reference unavailable, identity check fails")
			notVerified := false
			verdict.CheckClient = &notVerified
		} else {
			identity, err := w.identifier.Identify(ctx, patch, ref)
			if err != nil {
				return fmt.Errorf("face identify: %w", err)
			}
			verdict.CheckClient = &identity.Verified
			verdict.RecognitionMetricValue = &identity.Distance
			verdict.Threshold = &identity.Threshold
		}

		spoof, err := w.antiSpoof.Check(ctx, frame, det.Box)
		if err != nil {
			return fmt.Errorf("anti-spoof: %w", err)
		}
		spoofed := !spoof.IsReal && spoof.Score >= w.cfg.SpoofScoreThreshold
		verdict.CheckSpoof = &spoofed
		return nil
	})
	if err != nil {
		w.logger.Error().Err(err).Str("client", env.ClientName).Msg("Face branch failed")
		verdict.ProcessingError = err.Error()
	}
	return verdict
}

// HandlePhone is the phone-branch consumer handler.
func (w *Worker) HandlePhone(ctx context.Context, body []byte) broker.AckDecision {
	start := time.Now()
	env, err := types.DecodeFrameEnvelope(body)
	if err != nil {
		w.logger.Warn().Err(err).Msg("Undecodable phone envelope dropped")
		return broker.Drop
	}

	verdict := w.phoneVerdict(ctx, env)
	data, err := verdict.Serialize()
	if err != nil {
		w.logger.Error().Err(err).Msg("Phone verdict encode failed")
		return broker.Drop
	}
	if err := w.pub.Publish(ctx, broker.ExchangePipelineResults, broker.RoutePhoneResults, data); err != nil {
		w.logger.Error().Err(err).Str("client", env.ClientName).Msg("Phone verdict publish failed")
		return broker.Drop
	}

	branchLatency.WithLabelValues("phone").Observe(time.Since(start).Seconds())
	verdictsTotal.WithLabelValues("phone", phoneOutcome(verdict)).Inc()
	return broker.Ack
}

func (w *Worker) phoneVerdict(ctx context.Context, env *types.FrameEnvelope) *types.PhoneVerdict {
	verdict := &types.PhoneVerdict{
		ClientName: env.ClientName,
		SendTime:   env.SendTime,
		ObjectKey:  env.ObjectKey,
		Bucket:     env.Bucket,
		Metadata:   env.Metadata,
	}

	frame, err := w.hydrate(ctx, env)
	if err != nil {
		w.logger.Warn().Err(err).Str("client", env.ClientName).Msg("Phone branch hydration failed")
		verdict.ProcessingError = err.Error()
		return verdict
	}

	err = w.phoneExec.Submit(ctx, func() error {
		det, err := w.phoneDetector.Detect(ctx, frame)
		if err != nil {
			return fmt.Errorf("phone detect: %w", err)
		}
		if det != nil {
			box := det.Box
			verdict.PhoneBBox = &box
			verdict.PhoneConfidence = &det.Confidence
		}
		return nil
	})
	if err != nil {
		w.logger.Error().Err(err).Str("client", env.ClientName).Msg("Phone branch failed")
		verdict.ProcessingError = err.Error()
	}
	return verdict
}

func faceOutcome(v *types.FaceVerdict) string {
	switch {
	case v.ProcessingError != "":
		return "error"
	case !v.DetectionSuccess:
		return "no_face"
	case v.CheckSpoof != nil && *v.CheckSpoof:
		return "spoof"
	case v.CheckClient != nil && !*v.CheckClient:
		return "wrong_user"
	default:
		return "verified"
	}
}

func phoneOutcome(v *types.PhoneVerdict) string {
	switch {
	case v.ProcessingError != "":
		return "error"
	case v.PhoneBBox != nil:
		return "phone"
	default:
		return "clear"
	}
}
