package models

import (
	"context"
	"image"
	"image/color"

	"github.com/sentinelvision/sentinel/internal/types"
)

// The heuristic runners read marker colors instead of running a
// network, which keeps the whole control plane runnable and testable
// without model weights:
//
//	face  = near-pure blue pixels (B high, R/G low)
//	phone = near-pure red pixels  (R high, G/B low)
//	spoof = any full-magenta pixel inside the face box
//
// The embedder folds patch pixels into a fixed histogram, so two
// frames carrying the same face region embed identically.

const heuristicEmbeddingDim = 24

// NewHeuristicSet builds all four runners over one config.
func NewHeuristicSet(cfg Config) (*HeuristicFaceDetector, *HeuristicFaceIdentifier, *HeuristicAntiSpoof, *HeuristicPhoneDetector) {
	cfg = cfg.withDefaults()
	return &HeuristicFaceDetector{cfg: cfg},
		&HeuristicFaceIdentifier{cfg: cfg},
		&HeuristicAntiSpoof{cfg: cfg},
		&HeuristicPhoneDetector{cfg: cfg}
}

// markerBox finds the bounding box of pixels matched by pred and a
// confidence proportional to how much of the box the marker fills.
func markerBox(frame image.Image, pred func(r, g, b uint8) bool) *Detection {
	bounds := frame.Bounds()
	minX, minY := bounds.Max.X, bounds.Max.Y
	maxX, maxY := bounds.Min.X-1, bounds.Min.Y-1
	matched := 0
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			r, g, b := rgb8(frame.At(x, y))
			if !pred(r, g, b) {
				continue
			}
			matched++
			if x < minX {
				minX = x
			}
			if y < minY {
				minY = y
			}
			if x > maxX {
				maxX = x
			}
			if y > maxY {
				maxY = y
			}
		}
	}
	if matched == 0 {
		return nil
	}
	box := types.BBox{
		X1: minX - bounds.Min.X,
		Y1: minY - bounds.Min.Y,
		X2: maxX - bounds.Min.X + 1,
		Y2: maxY - bounds.Min.Y + 1,
	}
	area := box.Width() * box.Height()
	conf := float64(matched) / float64(area)
	return &Detection{Box: box, Confidence: conf}
}

func rgb8(c color.Color) (uint8, uint8, uint8) {
	r, g, b, _ := c.RGBA()
	return uint8(r >> 8), uint8(g >> 8), uint8(b >> 8)
}

func isFaceMarker(r, g, b uint8) bool  { return b >= 0xF0 && r < 0x40 && g < 0x40 }
func isPhoneMarker(r, g, b uint8) bool { return r >= 0xF0 && g < 0x40 && b < 0x40 }
func isSpoofMarker(r, g, b uint8) bool { return r >= 0xF0 && b >= 0xF0 && g < 0x40 }

func warmupFrame() image.Image {
	return image.NewRGBA(image.Rect(0, 0, 8, 8))
}

// HeuristicFaceDetector reports the blue marker region.
type HeuristicFaceDetector struct {
	cfg Config
}

func (d *HeuristicFaceDetector) Detect(_ context.Context, frame image.Image) (*Detection, error) {
	det := markerBox(frame, isFaceMarker)
	if det == nil || det.Confidence < d.cfg.FaceConfidence {
		return nil, nil
	}
	return det, nil
}

func (d *HeuristicFaceDetector) Warmup(ctx context.Context) error {
	_, err := d.Detect(ctx, warmupFrame())
	return err
}

// HeuristicFaceIdentifier embeds patches as color histograms and
// verifies with the configured metric.
type HeuristicFaceIdentifier struct {
	cfg Config
}

func (f *HeuristicFaceIdentifier) Embed(_ context.Context, patch image.Image) (Vector, error) {
	v := make(Vector, heuristicEmbeddingDim)
	bounds := patch.Bounds()
	buckets := heuristicEmbeddingDim / 3
	total := 0
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			r, g, b := rgb8(patch.At(x, y))
			v[int(r)*buckets/256]++
			v[buckets+int(g)*buckets/256]++
			v[2*buckets+int(b)*buckets/256]++
			total++
		}
	}
	if total > 0 {
		for i := range v {
			v[i] /= float64(total)
		}
	}
	return v, nil
}

func (f *HeuristicFaceIdentifier) Identify(ctx context.Context, patch image.Image, ref Vector) (IdentityResult, error) {
	probe, err := f.Embed(ctx, patch)
	if err != nil {
		return IdentityResult{}, err
	}
	var distance float64
	if f.cfg.Metric == MetricEuclidean {
		distance = Euclidean(probe, ref)
	} else {
		distance = Cosine(probe, ref)
	}
	return IdentityResult{
		Verified:  f.cfg.Metric.Verified(distance, f.cfg.VerifyThreshold),
		Distance:  distance,
		Threshold: f.cfg.VerifyThreshold,
	}, nil
}

func (f *HeuristicFaceIdentifier) Signature() Signature {
	return Signature{
		ModelName:  "heuristic-identifier",
		WeightsID:  "v1",
		MetricName: string(f.cfg.Metric),
	}
}

func (f *HeuristicFaceIdentifier) Warmup(ctx context.Context) error {
	_, err := f.Embed(ctx, warmupFrame())
	return err
}

// HeuristicAntiSpoof flags patches containing the magenta marker.
type HeuristicAntiSpoof struct {
	cfg Config
}

func (s *HeuristicAntiSpoof) Check(_ context.Context, frame image.Image, box types.BBox) (SpoofResult, error) {
	bounds := frame.Bounds()
	for y := box.Y1; y < box.Y2; y++ {
		for x := box.X1; x < box.X2; x++ {
			px, py := bounds.Min.X+x, bounds.Min.Y+y
			if px < bounds.Min.X || px >= bounds.Max.X || py < bounds.Min.Y || py >= bounds.Max.Y {
				continue
			}
			if r, g, b := rgb8(frame.At(px, py)); isSpoofMarker(r, g, b) {
				return SpoofResult{IsReal: false, Score: 1}, nil
			}
		}
	}
	return SpoofResult{IsReal: true, Score: 0}, nil
}

func (s *HeuristicAntiSpoof) Warmup(ctx context.Context) error {
	_, err := s.Check(ctx, warmupFrame(), types.BBox{X2: 8, Y2: 8})
	return err
}

// SpoofThreshold reports the configured score threshold; a patch is
// treated as spoofed iff !IsReal && Score >= SpoofThreshold.
func (s *HeuristicAntiSpoof) SpoofThreshold() float64 { return s.cfg.SpoofScore }

// HeuristicPhoneDetector reports the red marker region.
type HeuristicPhoneDetector struct {
	cfg Config
}

func (d *HeuristicPhoneDetector) Detect(_ context.Context, frame image.Image) (*Detection, error) {
	det := markerBox(frame, isPhoneMarker)
	if det == nil || det.Confidence < d.cfg.PhoneConfidence {
		return nil, nil
	}
	return det, nil
}

func (d *HeuristicPhoneDetector) Warmup(ctx context.Context) error {
	_, err := d.Detect(ctx, warmupFrame())
	return err
}
