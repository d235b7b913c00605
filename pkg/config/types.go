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

// Package config holds the typed configuration for synod: the global model
// roster (models.yaml) and the per-council definitions (councils/*.yaml).
// Every config type follows the SetDefaults/Validate convention; loading
// produces immutable snapshots that are swapped atomically on reload.
package config

import (
	"fmt"
)

// ModelDef describes one backend model available to councils.
type ModelDef struct {
	// ID is the backend identifier, e.g. "anthropic/claude-opus-4".
	ID string `yaml:"id" json:"id"`

	// Name is the human-readable display name.
	Name string `yaml:"name,omitempty" json:"name,omitempty"`

	// Provider overrides provider detection from the ID prefix
	// (openrouter, ollama).
	Provider string `yaml:"provider,omitempty" json:"provider,omitempty"`
}

// StageTemperatures holds per-stage sampling temperatures.
type StageTemperatures struct {
	Stage1 float64 `yaml:"stage1,omitempty" json:"stage1,omitempty"`
	Stage2 float64 `yaml:"stage2,omitempty" json:"stage2,omitempty"`
	Stage3 float64 `yaml:"stage3,omitempty" json:"stage3,omitempty"`
}

// DeliberationConfig bounds the deliberation loop. Rounds is kept
// configurable although the pipeline currently runs a single round.
type DeliberationConfig struct {
	Rounds       int               `yaml:"rounds,omitempty" json:"rounds,omitempty"`
	MaxRounds    int               `yaml:"max_rounds,omitempty" json:"max_rounds,omitempty"`
	Temperatures StageTemperatures `yaml:"temperatures,omitempty" json:"temperatures,omitempty"`
}

// ResponseConfig tunes the shape of Stage-1 answers.
type ResponseConfig struct {
	// ResponseStyle is "standard" or "concise".
	ResponseStyle string `yaml:"response_style,omitempty" json:"response_style,omitempty"`
}

// TimeoutConfig holds transport deadlines in seconds.
type TimeoutConfig struct {
	DefaultTimeout        int `yaml:"default_timeout,omitempty" json:"default_timeout,omitempty"`
	StreamingChunkTimeout int `yaml:"streaming_chunk_timeout,omitempty" json:"streaming_chunk_timeout,omitempty"`
	ConnectionTimeout     int `yaml:"connection_timeout,omitempty" json:"connection_timeout,omitempty"`
	MaxRetries            int `yaml:"max_retries,omitempty" json:"max_retries,omitempty"`
	RetryBackoffFactor    int `yaml:"retry_backoff_factor,omitempty" json:"retry_backoff_factor,omitempty"`
}

// ProviderConfig configures one backend transport.
type ProviderConfig struct {
	// Type is the transport kind: "openrouter" (OpenAI-compatible) or
	// "ollama".
	Type string `yaml:"type" json:"type"`

	// APIKey supports ${VAR} expansion.
	APIKey string `yaml:"api_key,omitempty" json:"api_key,omitempty"`

	// BaseURL overrides the default API endpoint.
	BaseURL string `yaml:"base_url,omitempty" json:"base_url,omitempty"`
}

// Config is the global model configuration (models.yaml).
type Config struct {
	Models       []ModelDef                `yaml:"models" json:"models"`
	Chairman     string                    `yaml:"chairman" json:"chairman"`
	TitleModel   string                    `yaml:"title_model,omitempty" json:"title_model,omitempty"`
	Deliberation DeliberationConfig        `yaml:"deliberation,omitempty" json:"deliberation,omitempty"`
	Response     ResponseConfig            `yaml:"response_config,omitempty" json:"response_config,omitempty"`
	Timeouts     TimeoutConfig             `yaml:"timeout_config,omitempty" json:"timeout_config,omitempty"`
	Providers    map[string]ProviderConfig `yaml:"providers,omitempty" json:"providers,omitempty"`

	// DataDir is the root for conversations and the leaderboard file.
	DataDir string `yaml:"data_dir,omitempty" json:"data_dir,omitempty"`
}

// SetDefaults applies default values.
func (c *Config) SetDefaults() {
	if c.TitleModel == "" {
		c.TitleModel = c.Chairman
	}
	if c.Deliberation.Rounds == 0 {
		c.Deliberation.Rounds = 1
	}
	if c.Deliberation.MaxRounds == 0 {
		c.Deliberation.MaxRounds = 3
	}
	if c.Deliberation.Temperatures.Stage1 == 0 {
		c.Deliberation.Temperatures.Stage1 = 0.5
	}
	if c.Deliberation.Temperatures.Stage2 == 0 {
		c.Deliberation.Temperatures.Stage2 = 0.3
	}
	if c.Deliberation.Temperatures.Stage3 == 0 {
		c.Deliberation.Temperatures.Stage3 = 0.4
	}
	if c.Response.ResponseStyle == "" {
		c.Response.ResponseStyle = "standard"
	}
	if c.Timeouts.DefaultTimeout == 0 {
		c.Timeouts.DefaultTimeout = 120
	}
	if c.Timeouts.StreamingChunkTimeout == 0 {
		c.Timeouts.StreamingChunkTimeout = 120
	}
	if c.Timeouts.ConnectionTimeout == 0 {
		c.Timeouts.ConnectionTimeout = 30
	}
	if c.Timeouts.MaxRetries == 0 {
		c.Timeouts.MaxRetries = 1
	}
	if c.Timeouts.RetryBackoffFactor == 0 {
		c.Timeouts.RetryBackoffFactor = 2
	}
	if c.DataDir == "" {
		c.DataDir = "data"
	}
}

// Validate checks config consistency.
func (c *Config) Validate() error {
	if len(c.Models) == 0 {
		return fmt.Errorf("config: at least one model is required")
	}
	seen := make(map[string]bool, len(c.Models))
	for _, m := range c.Models {
		if m.ID == "" {
			return fmt.Errorf("config: model with empty id")
		}
		if seen[m.ID] {
			return fmt.Errorf("config: duplicate model id %q", m.ID)
		}
		seen[m.ID] = true
	}
	if c.Chairman == "" {
		return fmt.Errorf("config: chairman model is required")
	}
	return nil
}

// ModelIDs returns the ids of all configured models, in config order.
func (c *Config) ModelIDs() []string {
	ids := make([]string, 0, len(c.Models))
	for _, m := range c.Models {
		ids = append(ids, m.ID)
	}
	return ids
}
