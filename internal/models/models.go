// Package models defines the four inference façades the pipeline
// calls: face detection, identity verification, anti-spoof and phone
// detection. The interfaces are the contract; real model backends plug
// in behind them, and the package ships deterministic marker-driven
// implementations for tests and local runs.
package models

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"image"
	"math"

	"github.com/sentinelvision/sentinel/internal/types"
)

// Vector is a reference or probe embedding.
type Vector []float64

// Detection is one bounding box with its confidence.
type Detection struct {
	Box        types.BBox
	Confidence float64
}

// IdentityResult is the verification outcome for one face patch
// against one reference embedding.
type IdentityResult struct {
	Verified  bool
	Distance  float64
	Threshold float64
}

// SpoofResult is the anti-spoof outcome for one face patch.
type SpoofResult struct {
	IsReal bool
	Score  float64
}

// Metric names how embedding distance relates to the threshold.
type Metric string

const (
	// MetricCosine verifies when similarity >= threshold.
	MetricCosine Metric = "cosine"
	// MetricEuclidean verifies when distance <= threshold.
	MetricEuclidean Metric = "euclidean"
)

// Verified applies the metric's comparison direction.
func (m Metric) Verified(distance, threshold float64) bool {
	if m == MetricEuclidean {
		return distance <= threshold
	}
	return distance >= threshold
}

// Signature identifies a loaded identity model; it gates embedding
// cache validity so entries invalidate when the model changes.
type Signature struct {
	ModelName  string
	WeightsID  string
	MetricName string
}

// Hex is the SHA1 of the signature fields, the form embedded in
// object-store keys.
func (s Signature) Hex() string {
	sum := sha1.Sum([]byte(s.ModelName + s.WeightsID + s.MetricName))
	return hex.EncodeToString(sum[:])
}

// FaceDetector finds at most one face per frame: the
// highest-confidence box above the configured threshold.
type FaceDetector interface {
	Detect(ctx context.Context, frame image.Image) (*Detection, error)
	Warmup(ctx context.Context) error
}

// FaceIdentifier verifies a face patch against a reference embedding
// and computes embeddings for enrolment.
type FaceIdentifier interface {
	Identify(ctx context.Context, patch image.Image, ref Vector) (IdentityResult, error)
	Embed(ctx context.Context, patch image.Image) (Vector, error)
	Signature() Signature
	Warmup(ctx context.Context) error
}

// AntiSpoof classifies a face patch as live or presented.
type AntiSpoof interface {
	Check(ctx context.Context, frame image.Image, box types.BBox) (SpoofResult, error)
	Warmup(ctx context.Context) error
}

// PhoneDetector finds at most one phone per frame for the configured
// class id above the configured threshold.
type PhoneDetector interface {
	Detect(ctx context.Context, frame image.Image) (*Detection, error)
	Warmup(ctx context.Context) error
}

// Config sizes the runner thresholds. Zero values fall back to the
// deployment defaults.
type Config struct {
	FaceConfidence  float64
	SpoofScore      float64
	PhoneConfidence float64
	PhoneClassID    int
	Metric          Metric
	VerifyThreshold float64
}

func (c Config) withDefaults() Config {
	if c.FaceConfidence <= 0 {
		c.FaceConfidence = 0.5
	}
	if c.SpoofScore <= 0 {
		c.SpoofScore = 0.5
	}
	if c.PhoneConfidence <= 0 {
		c.PhoneConfidence = 0.65
	}
	if c.PhoneClassID == 0 {
		c.PhoneClassID = 67
	}
	if c.Metric == "" {
		c.Metric = MetricCosine
	}
	if c.VerifyThreshold <= 0 {
		c.VerifyThreshold = 0.8
	}
	return c
}

// WarmupAll runs every runner's dummy inference. Any failure is fatal
// to the calling process.
func WarmupAll(ctx context.Context, face FaceDetector, identifier FaceIdentifier, spoof AntiSpoof, phone PhoneDetector) error {
	if err := face.Warmup(ctx); err != nil {
		return fmt.Errorf("face detector warmup: %w", err)
	}
	if err := identifier.Warmup(ctx); err != nil {
		return fmt.Errorf("face identifier warmup: %w", err)
	}
	if err := spoof.Warmup(ctx); err != nil {
		return fmt.Errorf("anti-spoof warmup: %w", err)
	}
	if err := phone.Warmup(ctx); err != nil {
		return fmt.Errorf("phone detector warmup: %w", err)
	}
	return nil
}

// Cosine returns the cosine similarity of two vectors, 0 for
// degenerate input.
func Cosine(a, b Vector) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// Euclidean returns the L2 distance of two vectors.
func Euclidean(a, b Vector) float64 {
	if len(a) != len(b) {
		return math.Inf(1)
	}
	var sum float64
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return math.Sqrt(sum)
}
