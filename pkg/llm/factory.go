package llm

import (
	"context"
	"fmt"
)

// NewProvider builds the configured completion backend. An empty provider
// name returns (nil, nil): sidecar consumers treat a nil provider as a
// signal to use their deterministic fallback.
func NewProvider(ctx context.Context, providerName, apiKey, modelName string) (Provider, error) {
	switch providerName {
	case "":
		return nil, nil
	case "gemini":
		return NewGeminiProvider(ctx, apiKey, modelName)
	case "openai":
		return NewOpenAIProvider(apiKey, modelName)
	case "anthropic":
		return NewAnthropicProvider(apiKey, modelName)
	default:
		return nil, fmt.Errorf("unknown provider: %s", providerName)
	}
}
