package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
)

const defaultInterval = 5 * time.Second

// Config sizes the monitor process.
type Config struct {
	HTTPAddr string
	Interval time.Duration
}

// Monitor owns the collect loop and the HTTP read surface.
type Monitor struct {
	cfg        Config
	registry   *Registry
	collectors []Collector
	logger     zerolog.Logger
	now        func() time.Time

	srv      *http.Server
	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// New assembles a monitor over the given collectors.
func New(cfg Config, collectors []Collector, logger zerolog.Logger) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	m := &Monitor{
		cfg:        cfg,
		registry:   NewRegistry(),
		collectors: collectors,
		logger:     logger.With().Str("component", "monitor").Logger(),
		now:        time.Now,
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	m.srv = &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      m.Router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return m
}

// Registry exposes the snapshot registry, mainly for tests.
func (m *Monitor) Registry() *Registry { return m.registry }

// Start runs one immediate collection, then the ticker loop and the
// HTTP listener.
func (m *Monitor) Start(ctx context.Context) {
	runCollectors(ctx, m.registry, m.collectors, m.now)
	go m.loop(ctx)
	go func() {
		m.logger.Info().Str("addr", m.srv.Addr).Msg("Monitor HTTP listening")
		if err := m.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.logger.Error().Err(err).Msg("Monitor HTTP server failed")
		}
	}()
}

func (m *Monitor) loop(ctx context.Context) {
	defer close(m.done)
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stop:
			return
		case <-ticker.C:
			runCollectors(ctx, m.registry, m.collectors, m.now)
		}
	}
}

// Shutdown stops the loop and drains the listener.
func (m *Monitor) Shutdown(ctx context.Context) {
	m.stopOnce.Do(func() { close(m.stop) })
	<-m.done
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := m.srv.Shutdown(shutdownCtx); err != nil {
		m.logger.Warn().Err(err).Msg("Monitor HTTP shutdown failed")
	}
}

// Router mounts the read-only HTTP surface.
func (m *Monitor) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/", m.handleBanner).Methods(http.MethodGet)
	r.HandleFunc("/healthz", m.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/metrics/{collector}", m.handleSnapshot).Methods(http.MethodGet)
	return r
}

func (m *Monitor) handleBanner(w http.ResponseWriter, _ *http.Request) {
	names := make([]string, 0, len(m.collectors))
	for _, col := range m.collectors {
		names = append(names, col.Name())
	}
	m.writeJSON(w, http.StatusOK, map[string]any{
		"service":    "sentinel-monitor",
		"collectors": names,
		"interval":   m.cfg.Interval.String(),
	})
}

func (m *Monitor) handleHealth(w http.ResponseWriter, _ *http.Request) {
	report := m.registry.HealthReport()
	status := http.StatusOK
	for _, h := range report {
		if !h.Healthy() {
			status = http.StatusServiceUnavailable
			break
		}
	}
	m.writeJSON(w, status, report)
}

func (m *Monitor) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["collector"]
	snap, ok := m.registry.Latest(name)
	if !ok {
		m.writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"error": "no snapshot available for " + name,
		})
		return
	}
	m.writeJSON(w, http.StatusOK, snap)
}

func (m *Monitor) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		m.logger.Warn().Err(err).Msg("Response encode failed")
	}
}
