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

package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/synod/pkg/council"
)

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	dir := t.TempDir()
	s, err := New(dir)
	require.NoError(t, err)
	return s, dir
}

func TestCreateAndGet(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	conv, err := s.Create(ctx, "conv-1", "general")
	require.NoError(t, err)
	assert.Equal(t, "conv-1", conv.ID)
	assert.Equal(t, "general", conv.CouncilID)
	assert.Equal(t, "New Conversation", conv.Title)
	assert.NotEmpty(t, conv.CreatedAt)
	assert.Empty(t, conv.Messages)

	got, err := s.Get(ctx, "conv-1")
	require.NoError(t, err)
	assert.Equal(t, conv.ID, got.ID)
}

func TestGetUnknown(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAppendTurns(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	_, err := s.Create(ctx, "conv-1", "general")
	require.NoError(t, err)

	require.NoError(t, s.AppendUser(ctx, "conv-1", "hello"))
	require.NoError(t, s.AppendAssistant(ctx, "conv-1", council.Message{
		Role:   "whatever", // forced to assistant
		Stage3: &council.Stage3Result{Backend: "m1", Response: "hi"},
	}))

	conv, err := s.Get(ctx, "conv-1")
	require.NoError(t, err)
	require.Len(t, conv.Messages, 2)
	assert.Equal(t, "user", conv.Messages[0].Role)
	assert.Equal(t, "hello", conv.Messages[0].Content)
	assert.Equal(t, "assistant", conv.Messages[1].Role)
	require.NotNil(t, conv.Messages[1].Stage3)
	assert.Equal(t, "hi", conv.Messages[1].Stage3.Response)
}

func TestUpdateTitle(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	_, err := s.Create(ctx, "conv-1", "general")
	require.NoError(t, err)
	require.NoError(t, s.UpdateTitle(ctx, "conv-1", "Renamed"))

	conv, err := s.Get(ctx, "conv-1")
	require.NoError(t, err)
	assert.Equal(t, "Renamed", conv.Title)
}

func TestSoftDelete(t *testing.T) {
	s, dir := newTestStore(t)
	ctx := context.Background()

	_, err := s.Create(ctx, "conv-1", "general")
	require.NoError(t, err)
	require.NoError(t, s.SoftDelete(ctx, "conv-1"))

	// Hidden from reads and writes.
	_, err = s.Get(ctx, "conv-1")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.AppendUser(ctx, "conv-1", "x"), ErrNotFound)

	summaries, err := s.List(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, summaries)

	// But the file survives on disk.
	_, err = os.Stat(filepath.Join(dir, "conversations", "general", "conv-1.json"))
	assert.NoError(t, err)

	assert.ErrorIs(t, s.SoftDelete(ctx, "missing"), ErrNotFound)
}

func TestList(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	_, err := s.Create(ctx, "old", "general")
	require.NoError(t, err)
	time.Sleep(1100 * time.Millisecond) // CreatedAt has second resolution
	_, err = s.Create(ctx, "new", "general")
	require.NoError(t, err)
	_, err = s.Create(ctx, "other", "research")
	require.NoError(t, err)
	require.NoError(t, s.AppendUser(ctx, "new", "hi"))

	t.Run("all councils newest first", func(t *testing.T) {
		summaries, err := s.List(ctx, "")
		require.NoError(t, err)
		require.Len(t, summaries, 3)
		assert.Equal(t, "old", summaries[2].ID)
	})

	t.Run("filtered by council", func(t *testing.T) {
		summaries, err := s.List(ctx, "general")
		require.NoError(t, err)
		require.Len(t, summaries, 2)
		for _, sum := range summaries {
			assert.Equal(t, "general", sum.CouncilID)
		}
	})

	t.Run("message counts", func(t *testing.T) {
		summaries, err := s.List(ctx, "general")
		require.NoError(t, err)
		for _, sum := range summaries {
			if sum.ID == "new" {
				assert.Equal(t, 1, sum.MessageCount)
			}
		}
	})
}

func TestSanitizedIDs(t *testing.T) {
	s, dir := newTestStore(t)
	ctx := context.Background()

	// Path traversal attempts are flattened into safe file names.
	_, err := s.Create(ctx, "../../etc/passwd", "general")
	require.NoError(t, err)

	entries, err := os.ReadDir(filepath.Join(dir, "conversations", "general"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.NotContains(t, entries[0].Name(), "/")
	assert.NotContains(t, entries[0].Name(), "..")
}

func TestWriteIsAtomic(t *testing.T) {
	s, dir := newTestStore(t)
	ctx := context.Background()

	_, err := s.Create(ctx, "conv-1", "general")
	require.NoError(t, err)
	require.NoError(t, s.AppendUser(ctx, "conv-1", "hello"))

	// No temp file residue after writes.
	matches, err := filepath.Glob(filepath.Join(dir, "conversations", "*", "*.tmp"))
	require.NoError(t, err)
	assert.Empty(t, matches)
}
