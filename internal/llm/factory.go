package llm

import (
	"context"
	"fmt"
	"os"

	"github.com/normanking/intentrouter/internal/config"
	"github.com/normanking/intentrouter/internal/router"
)

// NewClassifierProvider creates the provider named by the classifier
// configuration.
func NewClassifierProvider(cfg config.ClassifierConfig) (Provider, error) {
	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = getAPIKeyFromEnv(cfg.Provider)
	}

	return NewProviderByName(cfg.Provider, &ProviderConfig{
		Name:     cfg.Provider,
		Endpoint: cfg.Endpoint,
		APIKey:   apiKey,
		Model:    cfg.Model,
		Timeout:  cfg.Timeout,
	})
}

// getAPIKeyFromEnv retrieves the API key from standard environment variables.
func getAPIKeyFromEnv(providerName string) string {
	envVars := map[string]string{
		"openai": "OPENAI_API_KEY",
		"groq":   "GROQ_API_KEY",
	}
	if envVar, ok := envVars[providerName]; ok {
		return os.Getenv(envVar)
	}
	return ""
}

// NewProviderByName creates a specific provider by name.
func NewProviderByName(name string, cfg *ProviderConfig) (Provider, error) {
	switch name {
	case "ollama":
		return NewOllamaProvider(cfg), nil
	case "openai":
		return NewOpenAIProvider(cfg), nil
	case "groq":
		return NewGroqProvider(cfg), nil
	default:
		return nil, fmt.Errorf("unknown provider: %s", name)
	}
}

// ClassifierTransport adapts p into a fallback classifier transport. The
// prompt is sent as a single user message.
func ClassifierTransport(p Provider) router.Transport {
	return func(ctx context.Context, req router.ClassifierRequest) (string, error) {
		temp := req.Temperature
		resp, err := p.Chat(ctx, &ChatRequest{
			Model:       req.Model,
			Messages:    []Message{{Role: "user", Content: req.Prompt}},
			MaxTokens:   req.MaxTokens,
			Temperature: &temp,
		})
		if err != nil {
			return "", fmt.Errorf("%s: %w", p.Name(), err)
		}
		return resp.Content, nil
	}
}
