// Package manager runs the server-management process: the saved-action
// writer, the admin HTTP surface and the status file mirror.
package manager

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// objectStore is the storage slice the writer needs.
type objectStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
}

// managerStore combines the slices of the status store the manager
// uses. The concrete *statusstore.Store satisfies it.
type managerStore interface {
	adminStore
	snapshotter
}

// Config wires one manager process.
type Config struct {
	AdminAddr string
	Admin     AdminConfig
	// LocalFallbackDir receives saved-action snapshots when the object
	// store is down.
	LocalFallbackDir string
	// MirrorDir receives the per-bucket status JSON files.
	MirrorDir string
}

// Manager owns the three manager workers and their shared lifecycle.
type Manager struct {
	Writer *SavedActionWriter
	admin  *Admin
	mirror *FileMirror
	srv    *http.Server
	logger zerolog.Logger
}

// New assembles a manager from its dependencies.
func New(cfg Config, store objectStore, status managerStore, logger zerolog.Logger) *Manager {
	if cfg.LocalFallbackDir == "" {
		cfg.LocalFallbackDir = "saved_actions"
	}
	if cfg.MirrorDir == "" {
		cfg.MirrorDir = "status_mirror"
	}
	admin := NewAdmin(cfg.Admin, status, logger)
	return &Manager{
		Writer: NewSavedActionWriter(store, cfg.LocalFallbackDir, logger),
		admin:  admin,
		mirror: NewFileMirror(status, cfg.MirrorDir, logger),
		srv:    admin.Server(cfg.AdminAddr),
		logger: logger.With().Str("component", "manager").Logger(),
	}
}

// Start launches the admin listener and the file mirror. The
// saved-action consumer is started by the caller, which owns the broker
// connection.
func (m *Manager) Start(ctx context.Context) error {
	if err := m.mirror.Start(ctx); err != nil {
		return err
	}
	go func() {
		m.logger.Info().Str("addr", m.srv.Addr).Msg("Admin HTTP listening")
		if err := m.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.logger.Error().Err(err).Msg("Admin HTTP server failed")
		}
	}()
	return nil
}

// Shutdown stops the mirror and drains the admin listener.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mirror.Stop()
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := m.srv.Shutdown(shutdownCtx); err != nil {
		m.logger.Warn().Err(err).Msg("Admin HTTP shutdown failed")
	}
}
