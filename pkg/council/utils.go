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
	"encoding/json"
	"regexp"
	"strings"

	"github.com/mitchellh/mapstructure"

	"github.com/kadirpekel/synod/pkg/backend"
)

var (
	fakeImagePatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)!\[[^\]]*\]\(https?://via\.placeholder\.com[^\)]*\)`),
		regexp.MustCompile(`(?i)!\[[^\]]*\]\(https?://placeholder\.[^\)]*\)`),
		regexp.MustCompile(`(?i)!\[[^\]]*\]\(https?://example\.com[^\)]*\)`),
	}
	excessNewlines = regexp.MustCompile(`\n{3,}`)

	jsonFence = regexp.MustCompile("```(?:json)?\\s*([\\s\\S]*?)```")
	jsonBlock = regexp.MustCompile(`\{[\s\S]*\}`)
)

// stripFakeImages removes markdown image references pointing at known
// placeholder hosts and collapses runs of three or more newlines.
func stripFakeImages(text string) string {
	out := text
	for _, p := range fakeImagePatterns {
		out = p.ReplaceAllString(out, "")
	}
	out = excessNewlines.ReplaceAllString(out, "\n\n")
	return strings.TrimSpace(out)
}

// extractJSON pulls a JSON object out of model output: direct parse first,
// then a ```json fence, then the outermost brace block. Returns nil when
// nothing parses.
func extractJSON(text string) map[string]any {
	var out map[string]any
	if err := json.Unmarshal([]byte(text), &out); err == nil {
		return out
	}
	if m := jsonFence.FindStringSubmatch(text); m != nil {
		if err := json.Unmarshal([]byte(strings.TrimSpace(m[1])), &out); err == nil {
			return out
		}
	}
	if m := jsonBlock.FindString(text); m != "" {
		if err := json.Unmarshal([]byte(m), &out); err == nil {
			return out
		}
	}
	return nil
}

// decodeJSON extracts a JSON object from text and decodes it into target.
func decodeJSON(text string, target any) bool {
	raw := extractJSON(text)
	if raw == nil {
		return false
	}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           target,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return false
	}
	return decoder.Decode(raw) == nil
}

// truncate bounds s to n bytes on a rune boundary.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}

// historyMessages projects the last `turns` conversation turns into chat
// messages: the user text and the Stage-3 response of each exchange.
func historyMessages(history []Message, turns int) []backend.Message {
	if len(history) > turns {
		history = history[len(history)-turns:]
	}
	var out []backend.Message
	for _, msg := range history {
		switch {
		case msg.Role == "user" && msg.Content != "":
			out = append(out, backend.Message{Role: "user", Content: msg.Content})
		case msg.Role == "assistant" && msg.Stage3 != nil && msg.Stage3.Response != "":
			out = append(out, backend.Message{Role: "assistant", Content: msg.Stage3.Response})
		}
	}
	return out
}

// historyLines renders the last `turns` conversation turns as "User:"/
// "Assistant:" lines, each truncated to limit characters.
func historyLines(history []Message, turns, limit int) []string {
	if len(history) > turns {
		history = history[len(history)-turns:]
	}
	var lines []string
	for _, msg := range history {
		switch {
		case msg.Role == "user" && msg.Content != "":
			lines = append(lines, "User: "+truncate(msg.Content, limit))
		case msg.Role == "assistant" && msg.Stage3 != nil && msg.Stage3.Response != "":
			lines = append(lines, "Assistant: "+truncate(msg.Stage3.Response, limit))
		}
	}
	return lines
}
