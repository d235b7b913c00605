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

package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/kadirpekel/synod/pkg/council"
	"github.com/kadirpekel/synod/pkg/logger"
	"github.com/kadirpekel/synod/pkg/storage"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn("response encode failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"councils": len(s.loader.Current().Councils),
	})
}

func (s *Server) handleListCouncils(w http.ResponseWriter, r *http.Request) {
	snap := s.loader.Current()
	out := make([]map[string]any, 0, len(snap.Councils))
	for _, id := range snap.CouncilIDs() {
		c := snap.Councils[id]
		out = append(out, map[string]any{
			"id":          c.ID,
			"name":        c.Name,
			"description": c.Description,
			"advisors":    len(c.Personas),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetCouncil(w http.ResponseWriter, r *http.Request) {
	c := s.loader.Current().Council(chi.URLParam(r, "councilID"))
	if c == nil {
		writeError(w, http.StatusNotFound, "council not found")
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	summaries, err := s.store.List(r.Context(), r.URL.Query().Get("council_id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, summaries)
}

func (s *Server) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	var body struct {
		CouncilID string `json:"council_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.CouncilID == "" {
		writeError(w, http.StatusBadRequest, "council_id is required")
		return
	}
	if s.loader.Current().Council(body.CouncilID) == nil {
		writeError(w, http.StatusNotFound, "council not found")
		return
	}

	conv, err := s.store.Create(r.Context(), uuid.NewString(), body.CouncilID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, conv)
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	conv, err := s.store.Get(r.Context(), chi.URLParam(r, "conversationID"))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "conversation not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (s *Server) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	err := s.store.SoftDelete(r.Context(), chi.URLParam(r, "conversationID"))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "conversation not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleAllLeaderboards(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.board.All())
}

func (s *Server) handleCouncilLeaderboard(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.board.Council(chi.URLParam(r, "councilID")))
}

// handleMessageStream runs one deliberation and relays pipeline events as
// server-sent events.
func (s *Server) handleMessageStream(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "conversationID")

	var body struct {
		Content     string `json:"content"`
		Mode        string `json:"mode"`
		ForceDirect bool   `json:"force_direct"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Content == "" {
		writeError(w, http.StatusBadRequest, "content is required")
		return
	}

	conv, err := s.store.Get(r.Context(), conversationID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "conversation not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // disable nginx buffering

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	sink := func(ev council.Event) error {
		payload := make(map[string]any, len(ev.Payload)+1)
		for k, v := range ev.Payload {
			payload[k] = v
		}
		payload["type"] = ev.Type

		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("event marshal: %w", err)
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", raw); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	req := council.Request{
		ConversationID: conversationID,
		CouncilID:      conv.CouncilID,
		Query:          body.Content,
		Mode:           council.Mode(body.Mode),
		ForceDirect:    body.ForceDirect,
	}

	if err := s.engine.Run(r.Context(), req, sink); err != nil {
		logger.Warn("deliberation ended with error", "conversation", conversationID, "error", err)
	}
}
