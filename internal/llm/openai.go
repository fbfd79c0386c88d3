package llm

import (
	"bytes"
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// OpenAIProvider sends short classification prompts to an OpenAI-style
// chat completions endpoint. Groq serves the same API.
type OpenAIProvider struct {
	baseProvider
}

// NewOpenAIProvider creates a provider for api.openai.com or any endpoint
// that speaks the same protocol.
func NewOpenAIProvider(cfg *ProviderConfig) *OpenAIProvider {
	return &OpenAIProvider{baseProvider: newBaseProvider(cfg, "openai")}
}

// NewGroqProvider creates a provider for Groq.
func NewGroqProvider(cfg *ProviderConfig) *OpenAIProvider {
	return &OpenAIProvider{baseProvider: newBaseProvider(cfg, "groq")}
}

type completionRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature *float64  `json:"temperature,omitempty"`
}

// completionResponse keeps only what a classification needs.
type completionResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message      Message `json:"message"`
		FinishReason string  `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
}

// Chat sends one completion request and returns the first choice.
func (p *OpenAIProvider) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	if p.config.APIKey == "" {
		return nil, fmt.Errorf("%s API key not configured", p.config.Name)
	}
	start := time.Now()

	temp := p.temperature(req)
	body, err := json.Marshal(completionRequest{
		Model:       cmp.Or(req.Model, p.config.Model),
		Messages:    req.Messages,
		MaxTokens:   cmp.Or(req.MaxTokens, p.config.MaxTokens),
		Temperature: &temp,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.config.Endpoint+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.config.APIKey)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, p.statusError(resp)
	}

	var out completionResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if len(out.Choices) == 0 {
		return nil, errors.New("no choices in response")
	}

	return &ChatResponse{
		Content:      out.Choices[0].Message.Content,
		Model:        out.Model,
		TokensUsed:   out.Usage.TotalTokens,
		Duration:     time.Since(start),
		FinishReason: out.Choices[0].FinishReason,
	}, nil
}

// statusError reports a non-200 answer. The API's own error message is
// used when the body carries one.
func (p *OpenAIProvider) statusError(resp *http.Response) error {
	raw, _ := readLimitedBody(resp.Body, MaxErrorBodySize)
	msg := strings.TrimSpace(string(raw))

	var apiErr struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(raw, &apiErr) == nil && apiErr.Error.Message != "" {
		msg = apiErr.Error.Message
	}
	return fmt.Errorf("%s error (status %d): %s", p.config.Name, resp.StatusCode, msg)
}
