// Package llm abstracts the completion backends used for drafting sidecar
// annotations. Providers are optional: callers fall back to deterministic
// templates when none is configured.
package llm

import (
	"context"
	"errors"
)

// ErrNoAPIKey is returned by the factory when a provider is requested
// without credentials.
var ErrNoAPIKey = errors.New("llm: api key is required")

// Provider produces a completion for a system prompt and a user prompt.
type Provider interface {
	Name() string
	Complete(ctx context.Context, system, prompt string) (string, error)
	Close() error
}
