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

package council

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/kadirpekel/synod/pkg/backend"
	"github.com/kadirpekel/synod/pkg/config"
	"github.com/kadirpekel/synod/pkg/logger"
	"github.com/kadirpekel/synod/pkg/tokens"
)

const routerPrompt = `You are a question router for an advisory council. Given a user's question and a roster of available advisors, select the %d-%d most relevant advisors and assign each a model.

USER QUESTION:
%s

AVAILABLE ADVISORS:
%s

AVAILABLE MODELS:
%s

INSTRUCTIONS:
1. Analyze the question to identify key topics, domains, and needs.
2. Select %d-%d advisors whose expertise best matches the question.
3. Assign each selected advisor a model from the available list. Distribute models across advisors.
4. Briefly explain why each advisor was selected.

Respond with ONLY a JSON object:
{
  "panel": [
    {"advisor_id": "id-here", "model": "model/id-here", "reasoning": "brief reason"},
    ...
  ],
  "routing_reasoning": "1-2 sentence overall explanation"
}`

// route selects a panel for the question. Any router failure degrades to
// the deterministic fallback; the empty panel is returned only when the
// council itself is empty.
func (e *Engine) route(ctx context.Context, query string, council *config.CouncilConfig, available []string) (Panel, tokens.Usage) {
	if len(council.Personas) == 0 || len(available) == 0 {
		return nil, tokens.Usage{}
	}

	routing := council.Routing

	var roster []string
	for i := range council.Personas {
		p := &council.Personas[i]
		roster = append(roster, fmt.Sprintf("- %s: %s [tags: %s]",
			p.AdvisorID(), p.Role, strings.Join(p.Tags, ", ")))
	}
	var models []string
	for _, m := range available {
		models = append(models, "- "+m)
	}

	prompt := fmt.Sprintf(routerPrompt,
		routing.MinAdvisors, routing.MaxAdvisors,
		query,
		strings.Join(roster, "\n"),
		strings.Join(models, "\n"),
		routing.MinAdvisors, routing.MaxAdvisors)

	routerBackend := e.registry.Get(e.titleModel())
	if routerBackend == nil {
		return fallbackPanel(council, available), tokens.Usage{}
	}

	callCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	temp := 0.3
	resp, err := routerBackend.Complete(callCtx, backend.Request{
		Messages:    []backend.Message{{Role: "user", Content: prompt}},
		Temperature: &temp,
	})
	if err != nil {
		logger.Warn("router call failed, using fallback panel", "error", err)
		return fallbackPanel(council, available), tokens.Usage{}
	}

	usage := resp.Usage
	if resp.Content == "" {
		return fallbackPanel(council, available), usage
	}

	var parsed struct {
		Panel []struct {
			AdvisorID string `mapstructure:"advisor_id"`
			Model     string `mapstructure:"model"`
			Reasoning string `mapstructure:"reasoning"`
		} `mapstructure:"panel"`
	}
	if !decodeJSON(strings.TrimSpace(resp.Content), &parsed) || len(parsed.Panel) == 0 {
		return fallbackPanel(council, available), usage
	}

	personasByID := make(map[string]*config.PersonaConfig, len(council.Personas))
	for i := range council.Personas {
		personasByID[council.Personas[i].AdvisorID()] = &council.Personas[i]
	}
	validModels := make(map[string]bool, len(available))
	for _, m := range available {
		validModels[m] = true
	}

	var validated Panel
	seen := make(map[string]bool)
	for _, item := range parsed.Panel {
		persona, ok := personasByID[item.AdvisorID]
		if !ok || seen[item.AdvisorID] {
			continue
		}
		model := item.Model
		if !validModels[model] {
			// Round-robin substitute, deterministic in insertion order.
			model = available[len(validated)%len(available)]
		}
		seen[item.AdvisorID] = true
		validated = append(validated, PanelMember{
			AdvisorID: item.AdvisorID,
			Backend:   model,
			Role:      persona.Role,
			Prompt:    persona.Prompt,
			Reasoning: item.Reasoning,
		})
	}

	if len(validated) < routing.MinAdvisors {
		return fallbackPanel(council, available), usage
	}
	if len(validated) > routing.MaxAdvisors {
		validated = validated[:routing.MaxAdvisors]
	}
	return validated, usage
}

// fallbackPanel is the deterministic selection: the first default_advisors
// personas in council order, backends assigned round-robin.
func fallbackPanel(council *config.CouncilConfig, available []string) Panel {
	count := council.Routing.DefaultAdvisors
	if count > len(council.Personas) {
		count = len(council.Personas)
	}
	panel := make(Panel, 0, count)
	for i := 0; i < count; i++ {
		persona := &council.Personas[i]
		panel = append(panel, PanelMember{
			AdvisorID: persona.AdvisorID(),
			Backend:   available[i%len(available)],
			Role:      persona.Role,
			Prompt:    persona.Prompt,
			Reasoning: "fallback selection",
		})
	}
	return panel
}

const directFallback = "I apologize, I was unable to generate a response."

// directResponse answers from the chairman without deliberation, carrying
// the last six history turns.
func (e *Engine) directResponse(ctx context.Context, query string, history []Message) Stage3Result {
	chairman := e.chairman()
	b := e.registry.Get(chairman)
	if b == nil {
		return Stage3Result{Backend: chairman, Response: directFallback}
	}

	messages := append(historyMessages(history, 6), backend.Message{Role: "user", Content: query})

	callCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	resp, err := b.Complete(callCtx, backend.Request{Messages: messages})
	if err != nil || resp.Content == "" {
		if err != nil {
			logger.Warn("direct response failed", "backend", chairman, "error", err)
		}
		return Stage3Result{Backend: chairman, Response: directFallback}
	}
	return Stage3Result{Backend: chairman, Response: resp.Content, Usage: resp.Usage}
}
