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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/synod/pkg/config"
)

func registryConfig() *config.Config {
	return &config.Config{
		Models: []config.ModelDef{
			{ID: "anthropic/claude-opus-4"},
			{ID: "llama3", Provider: "local"},
		},
		Chairman: "anthropic/claude-opus-4",
		Providers: map[string]config.ProviderConfig{
			"openrouter": {Type: "openrouter", APIKey: "key"},
			"local":      {Type: "ollama"},
		},
	}
}

func TestNewRegistry(t *testing.T) {
	r, err := NewRegistry(registryConfig())
	require.NoError(t, err)

	assert.Equal(t, []string{"anthropic/claude-opus-4", "llama3"}, r.IDs())
	require.NotNil(t, r.Get("anthropic/claude-opus-4"))
	assert.Equal(t, "anthropic/claude-opus-4", r.Get("anthropic/claude-opus-4").ID())
	assert.Nil(t, r.Get("missing"))
}

func TestNewRegistryUnknownProvider(t *testing.T) {
	cfg := registryConfig()
	cfg.Models = append(cfg.Models, config.ModelDef{ID: "x", Provider: "nope"})

	_, err := NewRegistry(cfg)
	assert.ErrorContains(t, err, "unknown provider")
}

func TestNewRegistryUnknownProviderType(t *testing.T) {
	cfg := registryConfig()
	cfg.Providers["weird"] = config.ProviderConfig{Type: "smoke-signals"}
	cfg.Models = append(cfg.Models, config.ModelDef{ID: "x", Provider: "weird"})

	_, err := NewRegistry(cfg)
	assert.ErrorContains(t, err, "unknown type")
}

type stubBackend struct{ id string }

func (s *stubBackend) ID() string { return s.id }
func (s *stubBackend) Complete(context.Context, Request) (*Completion, error) {
	return &Completion{Content: "stub"}, nil
}
func (s *stubBackend) Stream(context.Context, Request) (<-chan StreamChunk, error) {
	ch := make(chan StreamChunk)
	close(ch)
	return ch, nil
}

func TestRegisterReplacesBackend(t *testing.T) {
	r, err := NewRegistry(registryConfig())
	require.NoError(t, err)

	r.Register(&stubBackend{id: "llama3"})
	out, err := r.Get("llama3").Complete(context.Background(), Request{})
	require.NoError(t, err)
	assert.Equal(t, "stub", out.Content)
}
