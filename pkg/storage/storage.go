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

// Package storage persists conversations as JSON files, one per
// conversation, grouped by council. Writes go through a temp file and
// rename so a record is always atomically replaced.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/kadirpekel/synod/pkg/council"
)

// ErrNotFound is returned for unknown or soft-deleted conversations.
var ErrNotFound = errors.New("conversation not found")

// record is the on-disk shape: the conversation plus store metadata.
type record struct {
	council.Conversation
	Deleted   bool   `json:"deleted,omitempty"`
	UpdatedAt string `json:"updated_at,omitempty"`
}

// Store is a file-backed conversation store. A single mutex serializes
// read-modify-write cycles; the rename keeps concurrent readers safe.
type Store struct {
	mu  sync.Mutex
	dir string
}

// New creates a Store rooted at dir.
func New(dir string) (*Store, error) {
	root := filepath.Join(dir, "conversations")
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("storage init %s: %w", root, err)
	}
	return &Store{dir: root}, nil
}

func sanitize(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '-'
		}
	}, id)
}

func (s *Store) path(councilID, id string) string {
	return filepath.Join(s.dir, sanitize(councilID), sanitize(id)+".json")
}

// find locates a conversation file across council directories.
func (s *Store) find(id string) (string, error) {
	matches, err := filepath.Glob(filepath.Join(s.dir, "*", sanitize(id)+".json"))
	if err != nil || len(matches) == 0 {
		return "", ErrNotFound
	}
	return matches[0], nil
}

func (s *Store) read(path string) (*record, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("storage read %s: %w", path, err)
	}
	var rec record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("storage parse %s: %w", path, err)
	}
	return &rec, nil
}

func (s *Store) write(path string, rec *record) error {
	rec.UpdatedAt = time.Now().UTC().Format(time.RFC3339)

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("storage mkdir: %w", err)
	}
	raw, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("storage marshal: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("storage write: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("storage replace: %w", err)
	}
	return nil
}

// Create makes a new empty conversation.
func (s *Store) Create(ctx context.Context, id, councilID string) (*council.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := &record{
		Conversation: council.Conversation{
			ID:        id,
			CouncilID: councilID,
			Title:     "New Conversation",
			CreatedAt: time.Now().UTC().Format(time.RFC3339),
			Messages:  []council.Message{},
		},
	}
	if err := s.write(s.path(councilID, id), rec); err != nil {
		return nil, err
	}
	return &rec.Conversation, nil
}

// Get returns a conversation by id. Soft-deleted records are not found.
func (s *Store) Get(ctx context.Context, id string) (*council.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	path, err := s.find(id)
	if err != nil {
		return nil, err
	}
	rec, err := s.read(path)
	if err != nil {
		return nil, err
	}
	if rec.Deleted {
		return nil, ErrNotFound
	}
	return &rec.Conversation, nil
}

func (s *Store) update(id string, mutate func(*record)) error {
	path, err := s.find(id)
	if err != nil {
		return err
	}
	rec, err := s.read(path)
	if err != nil {
		return err
	}
	if rec.Deleted {
		return ErrNotFound
	}
	mutate(rec)
	return s.write(path, rec)
}

// AppendUser appends a user turn.
func (s *Store) AppendUser(ctx context.Context, id, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.update(id, func(rec *record) {
		rec.Messages = append(rec.Messages, council.Message{Role: "user", Content: text})
	})
}

// AppendAssistant appends an immutable assistant record.
func (s *Store) AppendAssistant(ctx context.Context, id string, msg council.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg.Role = "assistant"
	return s.update(id, func(rec *record) {
		rec.Messages = append(rec.Messages, msg)
	})
}

// UpdateTitle renames a conversation.
func (s *Store) UpdateTitle(ctx context.Context, id, title string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.update(id, func(rec *record) {
		rec.Title = title
	})
}

// SoftDelete hides a conversation from Get and List without removing the
// file.
func (s *Store) SoftDelete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path, err := s.find(id)
	if err != nil {
		return err
	}
	rec, err := s.read(path)
	if err != nil {
		return err
	}
	rec.Deleted = true
	return s.write(path, rec)
}

// Summary is the list view of a conversation.
type Summary struct {
	ID           string `json:"id"`
	CouncilID    string `json:"council_id"`
	Title        string `json:"title"`
	CreatedAt    string `json:"created_at"`
	MessageCount int    `json:"message_count"`
}

// List returns conversation summaries, optionally filtered by council,
// newest first.
func (s *Store) List(ctx context.Context, councilID string) ([]Summary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pattern := filepath.Join(s.dir, "*", "*.json")
	if councilID != "" {
		pattern = filepath.Join(s.dir, sanitize(councilID), "*.json")
	}
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return nil, fmt.Errorf("storage list: %w", err)
	}

	summaries := make([]Summary, 0, len(matches))
	for _, path := range matches {
		rec, err := s.read(path)
		if err != nil || rec.Deleted {
			continue
		}
		summaries = append(summaries, Summary{
			ID:           rec.ID,
			CouncilID:    rec.CouncilID,
			Title:        rec.Title,
			CreatedAt:    rec.CreatedAt,
			MessageCount: len(rec.Messages),
		})
	}

	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].CreatedAt > summaries[j].CreatedAt
	})
	return summaries, nil
}
