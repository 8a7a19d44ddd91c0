package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Hardware describes the deployment's inference hardware.
type Hardware struct {
	Servers       int `yaml:"servers"`
	GPUsPerServer int `yaml:"gpus_per_server"`
	TotalGPUs     int `yaml:"total_gpus"`
	GPUMemoryGB   int `yaml:"gpu_memory_gb"`
}

// PipelineSizing fixes how many worker pipelines run and how many
// clients each one is provisioned for.
type PipelineSizing struct {
	PipelinesPerServer    int `yaml:"pipelines_per_server"`
	PipelinesPerGPU       int `yaml:"pipelines_per_gpu"`
	MaxClientsPerPipeline int `yaml:"max_clients_per_pipeline"`
}

// Capacity carries the optional hard client cap.
type Capacity struct {
	HardLimitClients int `yaml:"hard_limit_clients"`
}

// RateLimiterSettings sizes the sliding-window admission.
type RateLimiterSettings struct {
	MaxClients int `yaml:"max_clients"`
	WindowMS   int `yaml:"window_ms"`
	CleanupMS  int `yaml:"cleanup_ms"`
}

// StorageSettings names the object-store provider and frame retention.
type StorageSettings struct {
	Provider       string `yaml:"provider"`
	FramesBucket   string `yaml:"frames_bucket"`
	RetentionHours int    `yaml:"retention_hours"`
}

// Profile is one named deployment sizing. Free-form per-service
// sub-objects live under Services.
type Profile struct {
	Name        string                    `yaml:"-"`
	Hardware    Hardware                  `yaml:"hardware"`
	Pipeline    PipelineSizing            `yaml:"pipeline"`
	Capacity    Capacity                  `yaml:"capacity"`
	RateLimiter RateLimiterSettings       `yaml:"rate_limiter"`
	Storage     StorageSettings           `yaml:"storage"`
	Services    map[string]map[string]any `yaml:"services"`
}

// LoadProfile reads the profile file at path and returns the named
// profile with CFG__section__subsection environment overrides applied.
// A file without a top-level "profiles" key is treated as a single
// anonymous profile regardless of the requested name.
func LoadProfile(path, name string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read profile file: %w", err)
	}
	return parseProfile(data, name, os.Environ())
}

func parseProfile(data []byte, name string, environ []string) (*Profile, error) {
	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse profile file: %w", err)
	}

	raw := doc
	if profiles, ok := doc["profiles"].(map[string]any); ok {
		selected, ok := profiles[name].(map[string]any)
		if !ok {
			return nil, fmt.Errorf("profile %q not found", name)
		}
		raw = selected
	}

	applyOverrides(raw, environ)

	// Round-trip through YAML so the override-patched map lands in the
	// typed struct with the same coercion rules as the file itself.
	patched, err := yaml.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("re-encode profile: %w", err)
	}
	p := &Profile{Name: name}
	if err := yaml.Unmarshal(patched, p); err != nil {
		return nil, fmt.Errorf("decode profile %q: %w", name, err)
	}
	p.applyDefaults()
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("profile %q: %w", name, err)
	}
	return p, nil
}

// applyOverrides patches the raw profile map from variables shaped
// CFG__section__subsection=value (two or more segments, nested maps
// created as needed). Values are type-inferred: true/false → bool,
// then int, then float, else string.
func applyOverrides(raw map[string]any, environ []string) {
	for _, kv := range environ {
		eq := strings.IndexByte(kv, '=')
		if eq < 0 || !strings.HasPrefix(kv, "CFG__") {
			continue
		}
		pathStr, value := kv[:eq], kv[eq+1:]
		segments := strings.Split(pathStr, "__")[1:]
		if len(segments) < 2 {
			continue
		}
		node := raw
		for _, seg := range segments[:len(segments)-1] {
			child, ok := node[seg].(map[string]any)
			if !ok {
				child = map[string]any{}
				node[seg] = child
			}
			node = child
		}
		node[segments[len(segments)-1]] = inferValue(value)
	}
}

func inferValue(s string) any {
	switch strings.ToLower(s) {
	case "true":
		return true
	case "false":
		return false
	}
	if i, err := strconv.Atoi(s); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return s
}

func (p *Profile) applyDefaults() {
	if p.Storage.Provider == "" {
		p.Storage.Provider = "minio"
	}
	if p.Storage.FramesBucket == "" {
		p.Storage.FramesBucket = "face-frames"
	}
	if p.Storage.RetentionHours == 0 {
		p.Storage.RetentionHours = 24
	}
	if p.RateLimiter.WindowMS == 0 {
		p.RateLimiter.WindowMS = 60000
	}
	if p.RateLimiter.CleanupMS == 0 {
		p.RateLimiter.CleanupMS = p.RateLimiter.WindowMS
	}
}

// Validate checks the profile for impossible sizing.
func (p *Profile) Validate() error {
	if p.Pipeline.PipelinesPerServer < 1 {
		return fmt.Errorf("pipeline.pipelines_per_server must be >= 1, got %d", p.Pipeline.PipelinesPerServer)
	}
	if p.Pipeline.MaxClientsPerPipeline < 1 {
		return fmt.Errorf("pipeline.max_clients_per_pipeline must be >= 1, got %d", p.Pipeline.MaxClientsPerPipeline)
	}
	if p.RateLimiter.MaxClients < 1 {
		return fmt.Errorf("rate_limiter.max_clients must be >= 1, got %d", p.RateLimiter.MaxClients)
	}
	if p.RateLimiter.WindowMS <= 0 {
		return fmt.Errorf("rate_limiter.window_ms must be > 0, got %d", p.RateLimiter.WindowMS)
	}
	if p.RateLimiter.CleanupMS <= 0 {
		return fmt.Errorf("rate_limiter.cleanup_ms must be > 0, got %d", p.RateLimiter.CleanupMS)
	}
	if p.Capacity.HardLimitClients < 0 {
		return fmt.Errorf("capacity.hard_limit_clients must be >= 0, got %d", p.Capacity.HardLimitClients)
	}
	if p.Storage.RetentionHours < 1 {
		return fmt.Errorf("storage.retention_hours must be >= 1, got %d", p.Storage.RetentionHours)
	}
	return nil
}

// NumPipelines returns how many worker pipelines this server runs.
func (p *Profile) NumPipelines() int {
	return p.Pipeline.PipelinesPerServer
}

// ComputedCapacity is the client capacity implied by the hardware
// sizing alone.
func (p *Profile) ComputedCapacity() int {
	return p.Hardware.TotalGPUs * p.Pipeline.PipelinesPerGPU * p.Pipeline.MaxClientsPerPipeline
}

// MaxClients returns the effective concurrent-client cap: the computed
// capacity, bounded by capacity.hard_limit_clients when set.
func (p *Profile) MaxClients() int {
	computed := p.ComputedCapacity()
	if computed < 1 {
		computed = p.Pipeline.MaxClientsPerPipeline * p.NumPipelines()
	}
	if p.Capacity.HardLimitClients > 0 && p.Capacity.HardLimitClients < computed {
		return p.Capacity.HardLimitClients
	}
	return computed
}

// Service returns the free-form sub-object for a service, never nil.
func (p *Profile) Service(name string) ServiceConfig {
	if p.Services == nil {
		return ServiceConfig{}
	}
	return ServiceConfig(p.Services[name])
}

// ServiceConfig is a free-form per-service settings map with typed
// accessors. Missing keys fall back to the supplied default.
type ServiceConfig map[string]any

func (s ServiceConfig) Int(key string, dflt int) int {
	switch v := s[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return dflt
}

func (s ServiceConfig) Float(key string, dflt float64) float64 {
	switch v := s[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return dflt
}

func (s ServiceConfig) String(key, dflt string) string {
	if v, ok := s[key].(string); ok {
		return v
	}
	return dflt
}

func (s ServiceConfig) Bool(key string, dflt bool) bool {
	if v, ok := s[key].(bool); ok {
		return v
	}
	return dflt
}

var (
	instance   *Profile
	instanceMu sync.Mutex
)

// SetInstance installs the process-wide profile. Call exactly once at
// the composition root; components should take the *Profile injected.
func SetInstance(p *Profile) {
	instanceMu.Lock()
	defer instanceMu.Unlock()
	instance = p
}

// Instance returns the process-wide profile set by SetInstance.
func Instance() *Profile {
	instanceMu.Lock()
	defer instanceMu.Unlock()
	return instance
}
