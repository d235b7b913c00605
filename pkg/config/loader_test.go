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

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigDir(t *testing.T, models string, councils map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "models.yaml"), []byte(models), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "councils"), 0o755))
	for name, body := range councils {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "councils", name), []byte(body), 0o644))
	}
	return dir
}

const loaderModelsYAML = `models:
  - id: anthropic/claude-opus-4
  - id: openai/gpt-5
chairman: anthropic/claude-opus-4
providers:
  openrouter:
    type: openrouter
    api_key: ${SYNOD_LOADER_TEST_KEY:-default-key}
`

const loaderCouncilYAML = `name: General
description: General-purpose council
personas:
  - role: Analyst
    prompt: Analyze.
  - role: Skeptic
    prompt: Doubt.
`

func TestLoaderLoad(t *testing.T) {
	dir := writeConfigDir(t, loaderModelsYAML, map[string]string{"general.yaml": loaderCouncilYAML})

	loader := NewLoader(dir)
	snap, err := loader.Load()
	require.NoError(t, err)

	assert.Equal(t, []string{"anthropic/claude-opus-4", "openai/gpt-5"}, snap.Global.ModelIDs())
	assert.Equal(t, "anthropic/claude-opus-4", snap.Global.Chairman)
	// Defaults applied during load.
	assert.Equal(t, "anthropic/claude-opus-4", snap.Global.TitleModel)
	assert.Equal(t, "default-key", snap.Global.Providers["openrouter"].APIKey)

	require.Len(t, snap.Councils, 1)
	council := snap.Council("general")
	require.NotNil(t, council)
	assert.Equal(t, "general", council.ID, "council id comes from the file stem")
	assert.Equal(t, "General", council.Name)
	assert.Len(t, council.Personas, 2)
	assert.Equal(t, 2, council.Routing.MinAdvisors)

	assert.Same(t, snap, loader.Current())
	assert.Equal(t, []string{"general"}, snap.CouncilIDs())
}

func TestLoaderEnvOverride(t *testing.T) {
	t.Setenv("SYNOD_LOADER_TEST_KEY", "from-env")
	dir := writeConfigDir(t, loaderModelsYAML, nil)

	snap, err := NewLoader(dir).Load()
	require.NoError(t, err)
	assert.Equal(t, "from-env", snap.Global.Providers["openrouter"].APIKey)
}

func TestLoaderMissingModels(t *testing.T) {
	dir := t.TempDir()
	_, err := NewLoader(dir).Load()
	assert.Error(t, err)
}

func TestLoaderInvalidCouncil(t *testing.T) {
	dir := writeConfigDir(t, loaderModelsYAML, map[string]string{
		"broken.yaml": "name: Broken\npersonas: []\n",
	})
	_, err := NewLoader(dir).Load()
	assert.Error(t, err)
}

func TestLoaderNoCouncilsDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "models.yaml"), []byte(loaderModelsYAML), 0o644))

	snap, err := NewLoader(dir).Load()
	require.NoError(t, err)
	assert.Empty(t, snap.Councils)
}

func TestLoaderReloadSwapsSnapshot(t *testing.T) {
	dir := writeConfigDir(t, loaderModelsYAML, map[string]string{"general.yaml": loaderCouncilYAML})

	loader := NewLoader(dir)
	first, err := loader.Load()
	require.NoError(t, err)

	// A second Load installs a fresh snapshot; the old one is unchanged.
	extra := loaderCouncilYAML + "  - role: Builder\n    prompt: Build.\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "councils", "general.yaml"), []byte(extra), 0o644))

	second, err := loader.Load()
	require.NoError(t, err)
	assert.Len(t, first.Council("general").Personas, 2)
	assert.Len(t, second.Council("general").Personas, 3)
	assert.Same(t, second, loader.Current())
}
