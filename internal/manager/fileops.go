package manager

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// snapshotter supplies the full status snapshot for mirroring.
type snapshotter interface {
	Snapshot(ctx context.Context) (map[string][]string, error)
}

const mirrorInterval = 500 * time.Millisecond

// FileMirror periodically writes each status bucket to
// <dir>/<bucket>.json so operators can inspect state without a Redis
// client. Writes go through a temp file and rename, so readers never
// see a torn file.
type FileMirror struct {
	status snapshotter
	dir    string
	logger zerolog.Logger

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewFileMirror builds a mirror writing under dir.
func NewFileMirror(status snapshotter, dir string, logger zerolog.Logger) *FileMirror {
	return &FileMirror{
		status: status,
		dir:    dir,
		logger: logger.With().Str("component", "file_mirror").Logger(),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Start launches the mirror loop. It returns once the directory exists.
func (m *FileMirror) Start(ctx context.Context) error {
	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return err
	}
	go m.run(ctx)
	return nil
}

// Stop halts the loop and waits for the in-flight tick to finish.
func (m *FileMirror) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
	<-m.done
}

func (m *FileMirror) run(ctx context.Context) {
	defer close(m.done)
	ticker := time.NewTicker(mirrorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stop:
			return
		case <-ticker.C:
			m.writeOnce(ctx)
		}
	}
}

// writeOnce mirrors the current snapshot. A store fault skips the tick;
// the previous files remain valid.
func (m *FileMirror) writeOnce(ctx context.Context) {
	snap, err := m.status.Snapshot(ctx)
	if err != nil {
		mirrorWrites.WithLabelValues("snapshot_error").Inc()
		m.logger.Warn().Err(err).Msg("Status snapshot failed, keeping previous mirror files")
		return
	}
	for bucket, names := range snap {
		if err := m.writeBucket(bucket, names); err != nil {
			mirrorWrites.WithLabelValues("write_error").Inc()
			m.logger.Warn().Err(err).Str("bucket", bucket).Msg("Mirror write failed")
			continue
		}
		mirrorWrites.WithLabelValues("ok").Inc()
	}
}

func (m *FileMirror) writeBucket(bucket string, names []string) error {
	if names == nil {
		names = []string{}
	}
	data, err := json.Marshal(names)
	if err != nil {
		return err
	}
	final := filepath.Join(m.dir, bucket+".json")
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, final)
}
