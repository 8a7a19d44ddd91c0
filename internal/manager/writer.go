package manager

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"github.com/sentinelvision/sentinel/internal/broker"
	"github.com/sentinelvision/sentinel/internal/types"
)

// SavedActionWriter persists audit snapshots to their deterministic
// keys. The object store is the primary sink; a storage fault falls
// back to the local directory with the same path, so at-least-once
// redelivery lands on the same name either way.
type SavedActionWriter struct {
	store    objectStore
	localDir string
	logger   zerolog.Logger
}

// NewSavedActionWriter builds a writer. localDir is created on demand.
func NewSavedActionWriter(store objectStore, localDir string, logger zerolog.Logger) *SavedActionWriter {
	return &SavedActionWriter{
		store:    store,
		localDir: localDir,
		logger:   logger.With().Str("component", "saved_action_writer").Logger(),
	}
}

// Handle is the saved_actions consumer handler.
func (w *SavedActionWriter) Handle(ctx context.Context, body []byte) broker.AckDecision {
	saved, err := types.DecodeSavedAction(body)
	if err != nil {
		w.logger.Warn().Err(err).Msg("Undecodable saved action dropped")
		return broker.Drop
	}
	if saved.SavePath == "" {
		w.logger.Warn().Str("client", saved.ClientName).Msg("Saved action without save path dropped")
		return broker.Drop
	}
	if saved.ImageB64 == "" {
		// The fuser could not hydrate the frame; there is nothing to
		// persist but the record is not an error.
		w.logger.Info().Str("client", saved.ClientName).Str("save_path", saved.SavePath).
			Msg("Saved action carries no snapshot, skipping write")
		return broker.Ack
	}

	data, err := base64.StdEncoding.DecodeString(saved.ImageB64)
	if err != nil {
		w.logger.Warn().Err(err).Str("client", saved.ClientName).Msg("Saved action image is not valid base64")
		return broker.Drop
	}

	err = w.store.Put(ctx, saved.SavePath, data, "image/jpeg")
	if err == nil {
		savedActionsWritten.WithLabelValues("store").Inc()
		w.logger.Info().
			Str("client", saved.ClientName).
			Str("action", saved.Action.Action.String()).
			Str("save_path", saved.SavePath).
			Msg("Saved action written to object store")
		return broker.Ack
	}
	w.logger.Warn().Err(err).Str("save_path", saved.SavePath).Msg("Object store write failed, falling back to disk")

	if err := w.writeLocal(saved.SavePath, data); err != nil {
		w.logger.Error().Err(err).Str("save_path", saved.SavePath).Msg("Local fallback write failed")
		return broker.Drop
	}
	savedActionsWritten.WithLabelValues("local").Inc()
	return broker.Ack
}

// writeLocal mirrors the object key under the fallback directory. The
// save path arrives off the wire, so a path that resolves outside the
// fallback directory is refused rather than written.
func (w *SavedActionWriter) writeLocal(savePath string, data []byte) error {
	root := filepath.Clean(w.localDir)
	full := filepath.Join(root, filepath.FromSlash(savePath))
	if full != root && !strings.HasPrefix(full, root+string(filepath.Separator)) {
		return fmt.Errorf("save path %q escapes the fallback directory", savePath)
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return err
	}
	return os.WriteFile(full, data, 0o644)
}
