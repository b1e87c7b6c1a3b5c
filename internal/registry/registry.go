// Package registry maps model names to their inference backend endpoints.
//
// The registry is loaded once at startup from POSTURE_MODEL_REGISTRY (a JSON
// object of model name → backend settings) and falls back to the built-in
// defaults. A model may be registered but unconfigured (no host), which is a
// permanent configuration error for any session that names it.
package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
)

// Lookup errors. Both are non-retryable: no amount of waiting makes an
// unknown model appear.
var (
	ErrUnknownModel       = errors.New("unknown model")
	ErrModelNotConfigured = errors.New("model is not configured")
)

// Model describes one inference backend.
type Model struct {
	Name string `json:"-"`

	// Host and Port locate the websocket inference service.
	Host string `json:"host"`
	Port int    `json:"port"`

	// MaxFrames caps how many sampled frames are streamed per video.
	// Zero means the registry default.
	MaxFrames int `json:"maxFrames,omitempty"`
}

// DefaultMaxFrames matches the original service's ~15-frame sampling.
const DefaultMaxFrames = 15

// Registry resolves model names to backends.
type Registry struct {
	models map[string]Model
}

// registryEnvVar holds the JSON registry override.
const registryEnvVar = "POSTURE_MODEL_REGISTRY"

// defaults mirror the two models the service shipped with: cx is the
// wholebody checkpoint, gy is registered but has no deployment yet.
func defaults(host string) map[string]Model {
	return map[string]Model{
		"cx": {Name: "cx", Host: host, Port: 8895},
		"gy": {Name: "gy", Port: 8896},
	}
}

// Load builds the registry from the environment. defaultHost is applied to
// built-in models; entries from POSTURE_MODEL_REGISTRY replace built-ins
// wholesale.
func Load(defaultHost string) (*Registry, error) {
	models := defaults(defaultHost)

	if raw := os.Getenv(registryEnvVar); raw != "" {
		var parsed map[string]Model
		if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
			return nil, fmt.Errorf("parse %s: %w", registryEnvVar, err)
		}
		for name, m := range parsed {
			m.Name = name
			models[name] = m
		}
	}

	for name, m := range models {
		if m.Host == "" {
			log.Warn().Str("model", name).Msg("Model registered without a backend host")
		}
	}

	return &Registry{models: models}, nil
}

// NewStatic builds a registry from a fixed model set. Used by tests and by
// callers that resolve configuration themselves.
func NewStatic(models ...Model) *Registry {
	r := &Registry{models: make(map[string]Model, len(models))}
	for _, m := range models {
		r.models[m.Name] = m
	}
	return r
}

// Lookup resolves a model name. Unknown names and hostless entries both
// return non-retryable errors.
func (r *Registry) Lookup(name string) (Model, error) {
	m, ok := r.models[name]
	if !ok {
		return Model{}, fmt.Errorf("%w: %q", ErrUnknownModel, name)
	}
	if m.Host == "" {
		return Model{}, fmt.Errorf("%w: %q", ErrModelNotConfigured, name)
	}
	if m.MaxFrames <= 0 {
		m.MaxFrames = DefaultMaxFrames
	}
	return m, nil
}

// Addr returns the host:port address of the model's backend.
func (m Model) Addr() string {
	return fmt.Sprintf("%s:%d", m.Host, m.Port)
}
