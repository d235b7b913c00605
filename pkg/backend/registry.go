// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package backend

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/kadirpekel/synod/pkg/config"
	"github.com/kadirpekel/synod/pkg/logger"
)

const (
	defaultOpenRouterURL = "https://openrouter.ai/api/v1"
	defaultOllamaURL     = "http://localhost:11434/v1"
)

// Registry holds the configured backends, keyed by backend id.
type Registry struct {
	mu       sync.RWMutex
	backends map[string]Backend
	listers  map[string]*Provider
}

// NewRegistry builds one backend per configured model.
func NewRegistry(cfg *config.Config) (*Registry, error) {
	r := &Registry{
		backends: make(map[string]Backend),
		listers:  make(map[string]*Provider),
	}

	for _, model := range cfg.Models {
		name := model.Provider
		if name == "" {
			name = "openrouter"
		}
		provider, err := providerFor(cfg, model)
		if err != nil {
			return nil, err
		}
		r.backends[model.ID] = provider
		r.listers[name] = provider
	}

	return r, nil
}

func providerFor(cfg *config.Config, model config.ModelDef) (*Provider, error) {
	name := model.Provider
	if name == "" {
		name = "openrouter"
	}

	pcfg, ok := cfg.Providers[name]
	if !ok {
		return nil, fmt.Errorf("model %q references unknown provider %q", model.ID, name)
	}

	baseURL := pcfg.BaseURL
	if baseURL == "" {
		switch pcfg.Type {
		case "", "openrouter":
			baseURL = defaultOpenRouterURL
		case "ollama":
			baseURL = defaultOllamaURL
		default:
			return nil, fmt.Errorf("provider %q: unknown type %q and no base_url", name, pcfg.Type)
		}
	}

	return NewProvider(ProviderOptions{
		ID:         model.ID,
		BaseURL:    baseURL,
		APIKey:     pcfg.APIKey,
		Timeout:    time.Duration(cfg.Timeouts.DefaultTimeout) * time.Second,
		MaxRetries: cfg.Timeouts.MaxRetries,
		RetryDelay: time.Duration(cfg.Timeouts.RetryBackoffFactor) * time.Second,
	}), nil
}

// Get returns the backend with the given id, or nil.
func (r *Registry) Get(id string) Backend {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.backends[id]
}

// IDs returns the sorted backend ids.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.backends))
	for id := range r.backends {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Register adds or replaces a backend. Used by tests to install fakes.
func (r *Registry) Register(b Backend) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backends[b.ID()] = b
}

// ValidateModels checks each configured backend id against the upstream
// model catalogs and logs availability. Best effort: a catalog fetch
// failure is logged, not fatal.
func (r *Registry) ValidateModels(ctx context.Context) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	available := make(map[string]bool)
	for name, lister := range r.listers {
		ids, err := lister.ListModels(ctx)
		if err != nil {
			logger.Warn("model catalog fetch failed", "provider", name, "error", err)
			continue
		}
		for _, id := range ids {
			available[id] = true
		}
	}

	if len(available) == 0 {
		return
	}
	for id := range r.backends {
		if available[id] {
			logger.Debug("model available", "model", id)
		} else {
			logger.Warn("model not found in upstream catalog", "model", id)
		}
	}
}
