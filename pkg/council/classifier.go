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
	"github.com/kadirpekel/synod/pkg/logger"
)

// followupPhrases is the precision-oriented fast path: any of these inside
// a message with history means the message references prior conversation.
var followupPhrases = []string{
	"follow up", "followup", "follow-up",
	"as i said", "as i mentioned", "as we discussed",
	"what you said", "what you mentioned", "you said",
	"you mentioned", "you suggested", "you recommended",
	"all of this", "all of that", "incorporate the above",
	"based on this", "based on that", "based on what",
	"can you summarize", "can you consolidate",
	"going back to", "regarding what", "about what you",
	"the above", "from above", "mentioned earlier",
	"earlier you", "previously you", "you just said",
	"expand on", "elaborate on", "more about",
	"what about", "how about", "and what about",
	"can you also", "one more thing",
	"thanks, now", "ok, now", "great, now",
	"ok now", "ok so", "ok can you",
	"also,", "also can you",
}

var contextPronouns = []string{"that", "this", "it", "them", "those", "these"}

var definitionalOpeners = []string{"what is a", "what is an", "define ", "who is "}

const classificationPrompt = `Analyze this user message and classify it.

Message: %s%s

Respond with ONLY a JSON object:
{"type": "factual|chat|deliberation|followup", "reasoning": "brief explanation"}

Rules:
- "followup": The message references prior conversation. If the message only makes sense WITH prior context, it is a followup.
- "factual": Simple NEW questions with definitive answers (self-contained)
- "chat": Greetings, small talk, simple acknowledgments
- "deliberation": New complex questions requiring multiple perspectives (self-contained)`

// followupHeuristic returns a Classification without any backend call when
// the message is an obvious follow-up. Missing a true follow-up only costs
// one extra call; misclassifying one produces an incoherent answer, so the
// filter favors precision.
func followupHeuristic(query string, hasHistory bool) *Classification {
	if !hasHistory {
		return nil
	}

	lower := strings.ToLower(strings.TrimSpace(query))
	for _, phrase := range followupPhrases {
		if strings.Contains(lower, phrase) {
			return &Classification{
				Type:      TypeFollowup,
				Reasoning: fmt.Sprintf("Heuristic: contains %q", phrase),
			}
		}
	}

	words := strings.Fields(lower)
	if len(words) <= 15 {
		for _, pronoun := range contextPronouns {
			if !contains(words, pronoun) {
				continue
			}
			definitional := false
			for _, opener := range definitionalOpeners {
				if strings.Contains(lower, opener) {
					definitional = true
					break
				}
			}
			if !definitional {
				return &Classification{
					Type:      TypeFollowup,
					Reasoning: fmt.Sprintf("Heuristic: short message with context-dependent pronoun %q", pronoun),
				}
			}
		}
	}

	return nil
}

// classify labels the message as factual, chat, deliberation, or followup.
// Never fails outwardly: every error path degrades to deliberation.
func (e *Engine) classify(ctx context.Context, query string, history []Message) Classification {
	if c := followupHeuristic(query, len(history) > 0); c != nil {
		return *c
	}

	historyContext := ""
	if lines := historyLines(history, 4, 200); len(lines) > 0 {
		historyContext = "\n\nRecent conversation history:\n" + strings.Join(lines, "\n")
	}

	classifierBackend := e.registry.Get(e.titleModel())
	if classifierBackend == nil {
		return Classification{Type: TypeDeliberation, Reasoning: "No classifier backend"}
	}

	callCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	temp := 0.0
	resp, err := classifierBackend.Complete(callCtx, backend.Request{
		Messages: []backend.Message{
			{Role: "user", Content: fmt.Sprintf(classificationPrompt, query, historyContext)},
		},
		Temperature: &temp,
	})
	if err != nil {
		logger.Warn("classification failed", "error", err)
		return Classification{Type: TypeDeliberation, Reasoning: "Classification failed"}
	}
	if resp.Content == "" {
		return Classification{Type: TypeDeliberation, Reasoning: "Classification failed", Usage: resp.Usage}
	}

	var parsed struct {
		Type      string `mapstructure:"type"`
		Reasoning string `mapstructure:"reasoning"`
	}
	if !decodeJSON(strings.TrimSpace(resp.Content), &parsed) || parsed.Type == "" {
		return Classification{Type: TypeDeliberation, Reasoning: "Parse failed", Usage: resp.Usage}
	}

	verdict := MessageType(parsed.Type)
	switch verdict {
	case TypeFactual, TypeChat, TypeDeliberation, TypeFollowup:
	default:
		verdict = TypeDeliberation
	}

	return Classification{Type: verdict, Reasoning: parsed.Reasoning, Usage: resp.Usage}
}
