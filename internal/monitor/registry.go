// Package monitor implements the optional observability process: a set
// of collectors sampling the host, the client status store and the
// object store into an in-memory registry, served over HTTP.
package monitor

import (
	"sync"
	"time"
)

// historyLimit bounds per-collector history; at the default 5s cadence
// this is 15 minutes of snapshots.
const historyLimit = 180

// Snapshot is one collector sample.
type Snapshot struct {
	CollectedAt time.Time `json:"collected_at"`
	Data        any       `json:"data"`
}

// Health describes a collector's recent behaviour.
type Health struct {
	LastOK    time.Time `json:"last_ok,omitempty"`
	LastError string    `json:"last_error,omitempty"`
	LastTried time.Time `json:"last_tried,omitempty"`
}

// Healthy reports whether the most recent attempt succeeded.
func (h Health) Healthy() bool {
	return h.LastError == "" && !h.LastOK.IsZero()
}

// Registry holds bounded per-collector history behind a mutex.
type Registry struct {
	mu      sync.RWMutex
	history map[string][]Snapshot
	health  map[string]Health
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		history: map[string][]Snapshot{},
		health:  map[string]Health{},
	}
}

// Record stores a successful sample and marks the collector healthy.
func (r *Registry) Record(name string, at time.Time, data any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h := append(r.history[name], Snapshot{CollectedAt: at, Data: data})
	if len(h) > historyLimit {
		h = h[len(h)-historyLimit:]
	}
	r.history[name] = h
	r.health[name] = Health{LastOK: at, LastTried: at}
}

// RecordError marks a failed collection without touching history.
func (r *Registry) RecordError(name string, at time.Time, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h := r.health[name]
	h.LastError = err.Error()
	h.LastTried = at
	r.health[name] = h
}

// Latest returns the newest snapshot for a collector, if any.
func (r *Registry) Latest(name string) (Snapshot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h := r.history[name]
	if len(h) == 0 {
		return Snapshot{}, false
	}
	return h[len(h)-1], true
}

// History returns a copy of a collector's stored snapshots.
func (r *Registry) History(name string) []Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Snapshot(nil), r.history[name]...)
}

// HealthReport returns a copy of every collector's health.
func (r *Registry) HealthReport() map[string]Health {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Health, len(r.health))
	for name, h := range r.health {
		out[name] = h
	}
	return out
}
