package config

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/lingobotics/lingo/pkg/provider/llm"
)

// ErrProviderNotRegistered is returned by [Registry.CreateLLM] when no
// factory has been registered under the requested candidate name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Registry maps candidate provider names to their constructor functions.
// The speech stages are fixed implementations (whisper in, piper out), so
// only the completion backends are pluggable by name. It is safe for
// concurrent use.
type Registry struct {
	mu  sync.RWMutex
	llm map[string]func(CandidateConfig) (llm.Provider, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		llm: make(map[string]func(CandidateConfig) (llm.Provider, error)),
	}
}

// RegisterLLM registers a completion provider factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterLLM(name string, factory func(CandidateConfig) (llm.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.llm[name] = factory
}

// CreateLLM instantiates a completion provider using the factory registered
// under cand.Name. Returns [ErrProviderNotRegistered] if no factory has been
// registered for that name.
func (r *Registry) CreateLLM(cand CandidateConfig) (llm.Provider, error) {
	r.mu.RLock()
	factory, ok := r.llm[cand.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: llm/%q", ErrProviderNotRegistered, cand.Name)
	}
	return factory(cand)
}

// LLMNames returns the registered candidate provider names, sorted.
func (r *Registry) LLMNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.llm))
	for name := range r.llm {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
