package manager

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/sentinelvision/sentinel/internal/statusstore"
)

// adminStore is the status-store slice the admin surface mutates.
type adminStore interface {
	GetRaw(ctx context.Context, field string) (string, error)
	GetList(ctx context.Context, field string) ([]string, error)
	AddTo(ctx context.Context, field, name string) (bool, error)
	RemoveFrom(ctx context.Context, field, name string) (bool, error)
}

// AdminConfig sizes the admin HTTP surface.
type AdminConfig struct {
	// ServerName is echoed in /redis/get responses.
	ServerName string
	// GUIOrigin is the CORS-permitted origin; "*" admits any.
	GUIOrigin string
	// RequestsPerSecond bounds the surface with a token bucket.
	RequestsPerSecond float64
}

// Admin is the small REST surface over the client-status snapshot.
type Admin struct {
	cfg     AdminConfig
	status  adminStore
	limiter *rate.Limiter
	logger  zerolog.Logger
}

// NewAdmin builds the admin surface.
func NewAdmin(cfg AdminConfig, status adminStore, logger zerolog.Logger) *Admin {
	if cfg.GUIOrigin == "" {
		cfg.GUIOrigin = "*"
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 20
	}
	return &Admin{
		cfg:     cfg,
		status:  status,
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), int(cfg.RequestsPerSecond)+1),
		logger:  logger.With().Str("component", "admin_http").Logger(),
	}
}

// Router mounts the admin routes.
func (a *Admin) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(a.corsMiddleware, a.rateLimitMiddleware)
	r.HandleFunc("/redis/get", a.handleRedisGet).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc("/client/status/update", a.handleStatusUpdate).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc("/healthz", a.handleHealth).Methods(http.MethodGet)
	return r
}

func (a *Admin) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", a.cfg.GUIOrigin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *Admin) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.limiter.Allow() {
			writeJSON(w, http.StatusTooManyRequests, map[string]any{"error": "rate limit exceeded"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *Admin) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "server": a.cfg.ServerName})
}

type redisGetRequest struct {
	Keys []string `json:"keys"`
}

// handleRedisGet answers {keys:[...]} with the raw stored values.
func (a *Admin) handleRedisGet(w http.ResponseWriter, r *http.Request) {
	var req redisGetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid request body"})
		return
	}
	data := make([]map[string]string, 0, len(req.Keys))
	for _, key := range req.Keys {
		value, err := a.status.GetRaw(r.Context(), key)
		if err != nil {
			a.logger.Warn().Err(err).Str("key", key).Msg("Status read failed")
			writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "status store unavailable"})
			return
		}
		data = append(data, map[string]string{key: value})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"server": a.cfg.ServerName,
		"data":   data,
	})
}

type statusUpdateRequest struct {
	Username string `json:"username"`
	Status   string `json:"status"`
}

// handleStatusUpdate moves a client between the normal, paused and
// blocked buckets.
func (a *Admin) handleStatusUpdate(w http.ResponseWriter, r *http.Request) {
	var req statusUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Username == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "username and status are required"})
		return
	}
	name := strings.ToLower(req.Username)
	target := strings.ToLower(req.Status)
	if target != "normal" && target != "pause" && target != "block" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "status must be one of: normal, pause, block"})
		return
	}

	ctx := r.Context()
	previous, err := a.currentStatus(ctx, name)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "status store unavailable"})
		return
	}

	if _, err := a.status.RemoveFrom(ctx, statusstore.FieldPaused, name); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "status store unavailable"})
		return
	}
	if _, err := a.status.RemoveFrom(ctx, statusstore.FieldBlocked, name); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "status store unavailable"})
		return
	}
	switch target {
	case "pause":
		_, err = a.status.AddTo(ctx, statusstore.FieldPaused, name)
	case "block":
		_, err = a.status.AddTo(ctx, statusstore.FieldBlocked, name)
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "status store unavailable"})
		return
	}

	paused, _ := a.status.GetList(ctx, statusstore.FieldPaused)
	blocked, _ := a.status.GetList(ctx, statusstore.FieldBlocked)
	statusUpdatesTotal.WithLabelValues(target).Inc()
	a.logger.Info().
		Str("client", name).
		Str("previous_status", previous).
		Str("new_status", target).
		Msg("Client status updated")

	writeJSON(w, http.StatusOK, map[string]any{
		"username":        name,
		"previous_status": previous,
		"new_status":      target,
		"paused_clients":  emptyIfNil(paused),
		"blocked_clients": emptyIfNil(blocked),
	})
}

func (a *Admin) currentStatus(ctx context.Context, name string) (string, error) {
	blocked, err := a.status.GetList(ctx, statusstore.FieldBlocked)
	if err != nil {
		return "", err
	}
	for _, n := range blocked {
		if n == name {
			return "block", nil
		}
	}
	paused, err := a.status.GetList(ctx, statusstore.FieldPaused)
	if err != nil {
		return "", err
	}
	for _, n := range paused {
		if n == name {
			return "pause", nil
		}
	}
	return "normal", nil
}

func emptyIfNil(names []string) []string {
	if names == nil {
		return []string{}
	}
	return names
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// Server wraps the router in an http.Server with sane timeouts.
func (a *Admin) Server(addr string) *http.Server {
	return &http.Server{
		Addr:         addr,
		Handler:      a.Router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}
