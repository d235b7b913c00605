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
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/kadirpekel/synod/pkg/logger"
)

// Snapshot is an immutable view of the full configuration: the global model
// config plus every council, keyed by id. Reloads build a new Snapshot and
// swap it atomically; holders of an old snapshot keep a consistent view.
type Snapshot struct {
	Global   *Config
	Councils map[string]*CouncilConfig
}

// Council returns the council with the given id, or nil.
func (s *Snapshot) Council(id string) *CouncilConfig {
	return s.Councils[id]
}

// CouncilIDs returns the sorted council ids.
func (s *Snapshot) CouncilIDs() []string {
	ids := make([]string, 0, len(s.Councils))
	for id := range s.Councils {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Loader reads models.yaml and councils/*.yaml from a config directory and
// keeps the current Snapshot behind an atomic pointer.
type Loader struct {
	dir      string
	current  atomic.Pointer[Snapshot]
	onChange func(*Snapshot)
	watcher  *fsnotify.Watcher
}

// LoaderOption configures a Loader.
type LoaderOption func(*Loader)

// WithOnChange sets a callback invoked after a successful reload.
func WithOnChange(fn func(*Snapshot)) LoaderOption {
	return func(l *Loader) {
		l.onChange = fn
	}
}

// NewLoader creates a Loader rooted at dir.
func NewLoader(dir string, opts ...LoaderOption) *Loader {
	l := &Loader{dir: dir}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Load reads, parses, defaults, and validates the configuration, then
// installs it as the current snapshot.
func (l *Loader) Load() (*Snapshot, error) {
	global, err := loadGlobal(filepath.Join(l.dir, "models.yaml"))
	if err != nil {
		return nil, err
	}

	councils, err := loadCouncils(filepath.Join(l.dir, "councils"))
	if err != nil {
		return nil, err
	}

	snap := &Snapshot{Global: global, Councils: councils}
	l.current.Store(snap)
	return snap, nil
}

// Current returns the latest snapshot. Load must have succeeded once.
func (l *Loader) Current() *Snapshot {
	return l.current.Load()
}

// Watch reloads the snapshot whenever a yaml file under the config
// directory changes. A failed reload keeps the previous snapshot.
func (l *Loader) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config watch: %w", err)
	}
	l.watcher = watcher

	if err := watcher.Add(l.dir); err != nil {
		watcher.Close()
		return fmt.Errorf("config watch %s: %w", l.dir, err)
	}
	councilsDir := filepath.Join(l.dir, "councils")
	if _, err := os.Stat(councilsDir); err == nil {
		if err := watcher.Add(councilsDir); err != nil {
			watcher.Close()
			return fmt.Errorf("config watch %s: %w", councilsDir, err)
		}
	}

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Remove) {
					continue
				}
				if !strings.HasSuffix(event.Name, ".yaml") && !strings.HasSuffix(event.Name, ".yml") {
					continue
				}
				snap, err := l.Load()
				if err != nil {
					logger.Warn("config reload failed, keeping previous snapshot", "error", err)
					continue
				}
				logger.Info("config reloaded", "councils", len(snap.Councils))
				if l.onChange != nil {
					l.onChange(snap)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("config watcher error", "error", err)
			}
		}
	}()

	return nil
}

// Close stops the watcher, if started.
func (l *Loader) Close() error {
	if l.watcher != nil {
		return l.watcher.Close()
	}
	return nil
}

func loadGlobal(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config read %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal([]byte(ExpandEnv(string(raw))), &cfg); err != nil {
		return nil, fmt.Errorf("config parse %s: %w", path, err)
	}

	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func loadCouncils(dir string) (map[string]*CouncilConfig, error) {
	councils := make(map[string]*CouncilConfig)

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			logger.Warn("councils directory not found", "dir", dir)
			return councils, nil
		}
		return nil, fmt.Errorf("config read %s: %w", dir, err)
	}

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || (!strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml")) {
			continue
		}

		path := filepath.Join(dir, name)
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config read %s: %w", path, err)
		}

		var council CouncilConfig
		if err := yaml.Unmarshal([]byte(ExpandEnv(string(raw))), &council); err != nil {
			return nil, fmt.Errorf("config parse %s: %w", path, err)
		}

		council.ID = strings.TrimSuffix(strings.TrimSuffix(name, ".yaml"), ".yml")
		council.SetDefaults()
		if err := council.Validate(); err != nil {
			return nil, err
		}
		councils[council.ID] = &council
		logger.Debug("loaded council", "id", council.ID, "name", council.Name)
	}

	return councils, nil
}
