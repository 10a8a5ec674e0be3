package providers

import (
	"fmt"
	"net/http"

	"manifold/internal/config"
	"manifold/internal/llm"
	"manifold/internal/llm/anthropic"
	"manifold/internal/llm/google"
	openaillm "manifold/internal/llm/openai"
)

// Build constructs an llm.Provider for the configured provider name. The
// pipeline only ever talks to llm.Provider, never to a vendor SDK directly.
func Build(cfg config.Config, httpClient *http.Client) (llm.Provider, error) {
	switch cfg.LLMProvider {
	case "", "anthropic":
		return anthropic.New(cfg.Anthropic, httpClient), nil
	case "openai":
		return openaillm.New(cfg.OpenAI, httpClient), nil
	case "google":
		return google.New(cfg.Google, httpClient)
	default:
		return nil, fmt.Errorf("unsupported llm provider: %s", cfg.LLMProvider)
	}
}
