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
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/kadirpekel/synod/pkg/httpclient"
	"github.com/kadirpekel/synod/pkg/tokens"
)

// ProviderOptions configures an OpenAI-compatible provider.
type ProviderOptions struct {
	// ID is the backend id exposed to the council layer, usually the
	// upstream model slug (e.g. "anthropic/claude-sonnet").
	ID string

	// Model is the model name sent upstream. Defaults to ID.
	Model string

	BaseURL string
	APIKey  string

	// Timeout bounds one request end to end, streaming included.
	Timeout    time.Duration
	MaxRetries int
	RetryDelay time.Duration
}

// Provider talks to any OpenAI-compatible chat completions endpoint.
// OpenRouter and Ollama both qualify; only the base URL and auth differ.
type Provider struct {
	id     string
	model  string
	base   string
	apiKey string
	client *httpclient.Client
}

// NewProvider creates a Provider. The retrying HTTP client honors
// rate-limit headers on 429/503.
func NewProvider(opts ProviderOptions) *Provider {
	model := opts.Model
	if model == "" {
		model = opts.ID
	}
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = 120 * time.Second
	}
	retryDelay := opts.RetryDelay
	if retryDelay == 0 {
		retryDelay = 2 * time.Second
	}

	return &Provider{
		id:     opts.ID,
		model:  model,
		base:   opts.BaseURL,
		apiKey: opts.APIKey,
		client: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{Timeout: timeout}),
			httpclient.WithMaxRetries(opts.MaxRetries),
			httpclient.WithBaseDelay(retryDelay),
			httpclient.WithHeaderParser(httpclient.ParseOpenAIHeaders),
		),
	}
}

// ID returns the backend id.
func (p *Provider) ID() string { return p.id }

type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []Message       `json:"messages"`
	Temperature    *float64        `json:"temperature,omitempty"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	Stream         bool            `json:"stream"`
	StreamOptions  *streamOptions  `json:"stream_options,omitempty"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
	Usage          *usageOptions   `json:"usage,omitempty"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type usageOptions struct {
	Include bool `json:"include"`
}

type chatUsage struct {
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	TotalTokens      int     `json:"total_tokens"`
	Cost             float64 `json:"cost"`
}

func (u *chatUsage) toUsage() tokens.Usage {
	return tokens.Usage{
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		TotalTokens:      u.TotalTokens,
		Cost:             u.Cost,
	}
}

type apiError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    any    `json:"code"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage *chatUsage `json:"usage"`
	Error *apiError  `json:"error"`
}

type streamResponse struct {
	Choices []struct {
		Delta struct {
			Content   string `json:"content"`
			Reasoning string `json:"reasoning"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *chatUsage `json:"usage"`
	Error *apiError  `json:"error"`
}

func (p *Provider) buildRequest(req Request, stream bool) chatRequest {
	out := chatRequest{
		Model:       p.model,
		Messages:    req.Messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		Stream:      stream,
		Usage:       &usageOptions{Include: true},
	}
	if stream {
		out.StreamOptions = &streamOptions{IncludeUsage: true}
	}
	if req.JSONOnly {
		out.ResponseFormat = &responseFormat{Type: "json_object"}
	}
	return out
}

func (p *Provider) post(ctx context.Context, body any) (*http.Response, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("backend %s: marshal request: %w", p.id, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.base+"/chat/completions", bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("backend %s: build request: %w", p.id, err)
	}
	httpReq.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(raw)), nil
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(httpReq)
	if resp != nil && resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		raw, readErr := io.ReadAll(resp.Body)
		detail := string(raw)
		if readErr != nil {
			detail = fmt.Sprintf("(unreadable body: %v)", readErr)
		} else if apiErr := parseErrorBody(raw); apiErr != nil {
			detail = apiErr.Message
		}
		return nil, fmt.Errorf("backend %s: status %d: %s", p.id, resp.StatusCode, detail)
	}
	if err != nil {
		return nil, fmt.Errorf("backend %s: %w", p.id, err)
	}
	if resp == nil {
		return nil, fmt.Errorf("backend %s: no response", p.id)
	}
	return resp, nil
}

func parseErrorBody(body []byte) *apiError {
	var wrapped struct {
		Error apiError `json:"error"`
	}
	if err := json.Unmarshal(body, &wrapped); err == nil && wrapped.Error.Message != "" {
		return &wrapped.Error
	}
	return nil
}

// Complete performs one non-streaming chat completion.
func (p *Provider) Complete(ctx context.Context, req Request) (*Completion, error) {
	resp, err := p.post(ctx, p.buildRequest(req, false))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("backend %s: read response: %w", p.id, err)
	}

	var parsed chatResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("backend %s: decode response: %w", p.id, err)
	}
	if parsed.Error != nil {
		return nil, fmt.Errorf("backend %s: api error: %s", p.id, parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return nil, fmt.Errorf("backend %s: no choices returned", p.id)
	}

	out := &Completion{Content: parsed.Choices[0].Message.Content}
	if parsed.Usage != nil {
		out.Usage = parsed.Usage.toUsage()
	}
	return out, nil
}

// Stream performs one streaming chat completion. The returned channel is
// closed after a complete or error chunk.
func (p *Provider) Stream(ctx context.Context, req Request) (<-chan StreamChunk, error) {
	out := make(chan StreamChunk, 100)

	go func() {
		defer close(out)
		if err := p.streamInto(ctx, req, out); err != nil {
			out <- StreamChunk{Kind: ChunkError, Err: err}
		}
	}()

	return out, nil
}

func (p *Provider) streamInto(ctx context.Context, req Request, out chan<- StreamChunk) error {
	resp, err := p.post(ctx, p.buildRequest(req, true))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	reader := bufio.NewReader(resp.Body)
	var usage *tokens.Usage

	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			if err == io.EOF {
				break
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("backend %s: read stream: %w", p.id, err)
		}

		line = bytes.TrimSpace(line)
		if len(line) == 0 || !bytes.HasPrefix(line, []byte("data: ")) {
			continue
		}
		line = line[6:]

		if bytes.Equal(line, []byte("[DONE]")) {
			break
		}

		var chunk streamResponse
		if err := json.Unmarshal(line, &chunk); err != nil {
			continue
		}
		if chunk.Error != nil {
			return fmt.Errorf("backend %s: api error: %s", p.id, chunk.Error.Message)
		}
		if chunk.Usage != nil {
			u := chunk.Usage.toUsage()
			usage = &u
		}
		if len(chunk.Choices) == 0 {
			continue
		}

		delta := chunk.Choices[0].Delta
		if delta.Reasoning != "" {
			out <- StreamChunk{Kind: ChunkThinking, Delta: delta.Reasoning}
		}
		if delta.Content != "" {
			out <- StreamChunk{Kind: ChunkContent, Delta: delta.Content}
		}
	}

	out <- StreamChunk{Kind: ChunkComplete, Usage: usage}
	return nil
}

// ListModels fetches the upstream model catalog, returning the model ids.
func (p *Provider) ListModels(ctx context.Context) ([]string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, p.base+"/models", nil)
	if err != nil {
		return nil, fmt.Errorf("backend %s: build request: %w", p.id, err)
	}
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(httpReq)
	if resp != nil {
		defer resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("backend %s: %w", p.id, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("backend %s: models endpoint status %d", p.id, resp.StatusCode)
	}

	var parsed struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("backend %s: decode models: %w", p.id, err)
	}

	ids := make([]string, 0, len(parsed.Data))
	for _, m := range parsed.Data {
		ids = append(ids, m.ID)
	}
	return ids, nil
}
