// Package openai adapts an OpenAI-compatible chat-completions endpoint to
// the relay's model-service port. Provider payloads are resolved into the
// tagged ModelResult union here, at the boundary; nothing downstream probes
// raw response shapes.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/relayguard/relayguard/internal/core/domain"
	"github.com/relayguard/relayguard/internal/core/ports"
)

const (
	defaultBaseURL = "https://api.openai.com/v1"
	defaultModel   = "gpt-4o-mini"
	defaultTimeout = 120 * time.Second
)

// ClientOption configures the client.
type ClientOption func(*Client)

// WithBaseURL sets a custom base URL.
func WithBaseURL(baseURL string) ClientOption {
	return func(c *Client) {
		c.baseURL = strings.TrimSuffix(baseURL, "/")
	}
}

// WithModel sets the model requested on every call.
func WithModel(model string) ClientOption {
	return func(c *Client) {
		c.model = model
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// Client is an HTTP client for an OpenAI-compatible chat completions API.
type Client struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
}

// NewClient creates a client with the given API key.
func NewClient(apiKey string, opts ...ClientOption) *Client {
	c := &Client{
		apiKey:     apiKey,
		baseURL:    defaultBaseURL,
		model:      defaultModel,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Wire types for the chat completions API. Only the fields the relay
// touches are declared.

type chatRequest struct {
	Model       string          `json:"model"`
	Messages    []chatMessage   `json:"messages"`
	Temperature *float64        `json:"temperature,omitempty"`
	TopP        *float64        `json:"top_p,omitempty"`
	MaxTokens   *int            `json:"max_tokens,omitempty"`
	Tools       json.RawMessage `json:"tools,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content   string          `json:"content"`
			ToolCalls json.RawMessage `json:"tool_calls,omitempty"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

type errorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    any    `json:"code"`
	} `json:"error"`
}

// Complete issues one chat completion call built from the frozen snapshot
// and resolves the outcome into a ModelResult. Transport and decode
// failures are returned as errors; HTTP-level API errors are resolved into
// an error-kind result carrying the status code, so the classifier can
// apply the configured status sets.
func (c *Client) Complete(ctx context.Context, snap *domain.RequestSnapshot) (*domain.ModelResult, error) {
	req := c.buildRequest(snap)

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	c.setHeaders(httpReq)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return resolveAPIError(resp.StatusCode, respBody), nil
	}

	var result chatResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	return resolveCompletion(&result), nil
}

func (c *Client) buildRequest(snap *domain.RequestSnapshot) *chatRequest {
	req := &chatRequest{Model: c.model}

	if model, ok := snap.GenerationParams["model"].(string); ok && model != "" {
		req.Model = model
	}
	if temp, ok := floatParam(snap.GenerationParams, "temperature"); ok {
		req.Temperature = &temp
	}
	if topP, ok := floatParam(snap.GenerationParams, "top_p"); ok {
		req.TopP = &topP
	}
	if mt, ok := floatParam(snap.GenerationParams, "max_tokens"); ok {
		n := int(mt)
		req.MaxTokens = &n
	}
	if len(snap.ToolSpecs) > 0 {
		req.Tools = snap.ToolSpecs
	}

	if snap.SystemPrompt != "" {
		req.Messages = append(req.Messages, chatMessage{Role: "system", Content: snap.SystemPrompt})
	}
	for _, m := range snap.History {
		req.Messages = append(req.Messages, chatMessage{Role: m.Role, Content: m.Content})
	}

	// The user turn carries the prompt plus any image attachments as
	// multimodal content parts.
	if len(snap.Attachments) > 0 {
		parts := []contentPart{{Type: "text", Text: snap.Prompt}}
		for _, uri := range snap.Attachments {
			parts = append(parts, contentPart{Type: "image_url", ImageURL: &imageURL{URL: uri}})
		}
		req.Messages = append(req.Messages, chatMessage{Role: "user", Content: parts})
	} else {
		req.Messages = append(req.Messages, chatMessage{Role: "user", Content: snap.Prompt})
	}

	return req
}

func floatParam(params map[string]any, name string) (float64, bool) {
	switch v := params[name].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	}
	return 0, false
}

// resolveAPIError maps a non-200 response into an error-kind result.
func resolveAPIError(status int, body []byte) *domain.ModelResult {
	text := string(body)
	var apiErr errorResponse
	if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Error.Message != "" {
		text = apiErr.Error.Message
	}
	return &domain.ModelResult{
		Kind:       domain.ResultError,
		Text:       text,
		StatusCode: status,
	}
}

// resolveCompletion maps a successful response into the result union.
func resolveCompletion(resp *chatResponse) *domain.ModelResult {
	if len(resp.Choices) == 0 {
		return &domain.ModelResult{Kind: domain.ResultFinalText}
	}
	choice := resp.Choices[0]

	if len(choice.Message.ToolCalls) > 0 || choice.FinishReason == "tool_calls" {
		return &domain.ModelResult{
			Kind:         domain.ResultToolCall,
			Text:         choice.Message.Content,
			FinishReason: choice.FinishReason,
		}
	}

	return &domain.ModelResult{
		Kind:         domain.ResultFinalText,
		Text:         choice.Message.Content,
		FinishReason: choice.FinishReason,
	}
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	req.Header.Set("User-Agent", "relayguard/1.0")
}

var _ ports.ModelCaller = (*Client)(nil)
