// Package embedcache resolves reference embeddings for enrolled
// clients: an in-process map in front of an object-store record in
// front of recompute-from-enrolment-image. Both cache layers are
// validated against the enrolment file's modification time, and keyed
// by the identity model's signature so a model change invalidates
// everything at once.
package embedcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"

	"github.com/sentinelvision/sentinel/internal/imaging"
	"github.com/sentinelvision/sentinel/internal/models"
	"github.com/sentinelvision/sentinel/internal/storage"
)

// ErrMissingReference reports a client with no enrolment image. The
// caller treats the identity check as failing, not as a server error.
var ErrMissingReference = errors.New("missing reference image")

// centerCropFrac is the enrolment fallback crop when detection fails
// or detect-on-enroll is disabled.
const centerCropFrac = 0.8

// objectStore is the slice of the storage client the cache uses.
type objectStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Get(ctx context.Context, key string) ([]byte, error)
}

// Config wires one cache instance.
type Config struct {
	// ReferenceDir holds enrolment images as <dir>/<client>.jpg.
	ReferenceDir string
	// Namespace partitions embedding keys between deployments.
	Namespace string
	// DetectOnEnroll crops enrolment images around the detected face;
	// when false (or when detection finds nothing) a center crop is
	// used instead.
	DetectOnEnroll bool
}

// record is the object-store representation of one embedding.
type record struct {
	Vector   models.Vector  `json:"vector"`
	Metadata recordMetadata `json:"metadata"`
}

type recordMetadata struct {
	SourceMtime    int64  `json:"source_mtime"`
	ModelSignature string `json:"model_signature"`
}

type cacheEntry struct {
	vector models.Vector
	mtime  int64
}

// Cache answers GetReference with mtime-coherent embeddings.
type Cache struct {
	cfg      Config
	store    objectStore
	detector models.FaceDetector
	embedder models.FaceIdentifier
	logger   zerolog.Logger

	mu      sync.Mutex
	entries map[string]cacheEntry
}

// New builds a cache. The reference directory must exist; a missing
// directory is a startup fault, not a per-client miss.
func New(cfg Config, store objectStore, detector models.FaceDetector, embedder models.FaceIdentifier, logger zerolog.Logger) (*Cache, error) {
	if cfg.Namespace == "" {
		cfg.Namespace = "default"
	}
	if _, err := os.Stat(cfg.ReferenceDir); err != nil {
		return nil, fmt.Errorf("reference dir %s: %w", cfg.ReferenceDir, err)
	}
	return &Cache{
		cfg:      cfg,
		store:    store,
		detector: detector,
		embedder: embedder,
		logger:   logger.With().Str("component", "embedcache").Logger(),
		entries:  make(map[string]cacheEntry),
	}, nil
}

// SourcePath returns the enrolment image path for a client. The name
// is normalized to a single path segment first; a hostile name must
// not resolve outside the reference directory.
func (c *Cache) SourcePath(clientName string) string {
	return filepath.Join(c.cfg.ReferenceDir, storage.SafeClientName(clientName)+".jpg")
}

// HasReference reports whether a client has an enrolment image; the
// gateway's availability check.
func (c *Cache) HasReference(clientName string) bool {
	_, err := os.Stat(c.SourcePath(clientName))
	return err == nil
}

// GetReference resolves the client's reference embedding, coherent
// with the enrolment file's current mtime.
func (c *Cache) GetReference(ctx context.Context, clientName string) (models.Vector, error) {
	info, err := os.Stat(c.SourcePath(clientName))
	if err != nil {
		c.logger.Warn().Str("client", clientName).Err(err).Msg("No enrolment image")
		return nil, fmt.Errorf("client %s: %w", clientName, ErrMissingReference)
	}
	mtime := info.ModTime().UnixMilli()

	c.mu.Lock()
	entry, ok := c.entries[clientName]
	c.mu.Unlock()
	if ok && entry.mtime >= mtime {
		cacheHits.WithLabelValues("memory").Inc()
		return entry.vector, nil
	}

	if vec, ok := c.fromStore(ctx, clientName, mtime); ok {
		cacheHits.WithLabelValues("store").Inc()
		c.remember(clientName, vec, mtime)
		return vec, nil
	}

	vec, err := c.compute(ctx, clientName)
	if err != nil {
		return nil, err
	}
	cacheHits.WithLabelValues("compute").Inc()
	c.remember(clientName, vec, mtime)
	c.writeThrough(ctx, clientName, vec, mtime)
	return vec, nil
}

// remember installs the in-process entry; on a tie last write wins.
func (c *Cache) remember(clientName string, vec models.Vector, mtime int64) {
	c.mu.Lock()
	c.entries[clientName] = cacheEntry{vector: vec, mtime: mtime}
	c.mu.Unlock()
}

func (c *Cache) storeKey(clientName string) string {
	return storage.EmbeddingKey(c.cfg.Namespace, c.embedder.Signature().Hex(), clientName)
}

// fromStore reads the object-store record; valid only when its stored
// mtime equals the current source mtime and the model signature
// matches.
func (c *Cache) fromStore(ctx context.Context, clientName string, mtime int64) (models.Vector, bool) {
	data, err := c.store.Get(ctx, c.storeKey(clientName))
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			c.logger.Warn().Str("client", clientName).Err(err).Msg("Embedding record read failed")
		}
		return nil, false
	}
	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		c.logger.Warn().Str("client", clientName).Err(err).Msg("Embedding record is malformed")
		return nil, false
	}
	if rec.Metadata.SourceMtime != mtime || rec.Metadata.ModelSignature != c.embedder.Signature().Hex() {
		return nil, false
	}
	return rec.Vector, true
}

// compute loads the enrolment image, crops the face and embeds it.
func (c *Cache) compute(ctx context.Context, clientName string) (models.Vector, error) {
	raw, err := os.ReadFile(c.SourcePath(clientName))
	if err != nil {
		return nil, fmt.Errorf("client %s: %w", clientName, ErrMissingReference)
	}
	img, err := imaging.Decode(raw)
	if err != nil {
		return nil, fmt.Errorf("decode enrolment image for %s: %w", clientName, err)
	}

	patch := img
	cropped := false
	if c.cfg.DetectOnEnroll {
		det, err := c.detector.Detect(ctx, img)
		if err != nil {
			c.logger.Warn().Str("client", clientName).Err(err).Msg("Enrolment detection failed, using center crop")
		} else if det != nil {
			patch = imaging.SquareCrop(img, det.Box)
			cropped = true
		}
	}
	if !cropped {
		patch = imaging.CenterCrop(img, centerCropFrac)
	}

	vec, err := c.embedder.Embed(ctx, patch)
	if err != nil {
		return nil, fmt.Errorf("embed enrolment image for %s: %w", clientName, err)
	}
	return vec, nil
}

// writeThrough persists the record; a storage failure is logged and
// swallowed since the in-process entry already serves readers.
func (c *Cache) writeThrough(ctx context.Context, clientName string, vec models.Vector, mtime int64) {
	rec := record{
		Vector: vec,
		Metadata: recordMetadata{
			SourceMtime:    mtime,
			ModelSignature: c.embedder.Signature().Hex(),
		},
	}
	data, err := json.Marshal(rec)
	if err != nil {
		c.logger.Warn().Str("client", clientName).Err(err).Msg("Embedding record encode failed")
		return
	}
	if err := c.store.Put(ctx, c.storeKey(clientName), data, "application/octet-stream"); err != nil {
		c.logger.Warn().Str("client", clientName).Err(err).Msg("Embedding write-through failed")
	}
}
