package provider

import (
	"fmt"
	"log/slog"

	"chatrelay/internal/domain"
	"chatrelay/internal/infra/config"
)

// Build creates the adapter registry and transport described by cfg.
// Every configured provider gets its own pooled HTTP client.
func Build(cfg config.LLMConfig, logger *slog.Logger) (*Registry, *HTTPTransport, *BreakerSet, error) {
	var breakers *BreakerSet
	if cfg.CircuitBreaker.Enabled {
		breakers = NewBreakerSet(cfg.CircuitBreaker, logger)
	}
	transport := NewHTTPTransport(breakers, logger)
	registry := NewRegistry()

	for _, pc := range cfg.Providers {
		a, err := NewAdapter(pc, logger)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("provider %q: %w", pc.Name, err)
		}
		if err := registry.Register(a); err != nil {
			return nil, nil, nil, err
		}
		transport.SetClient(pc.Name, NewHTTPClient(pc))
		logger.Debug("provider registered", "provider", pc.Name, "type", pc.AdapterType())
	}
	return registry, transport, breakers, nil
}

// NewAdapter creates the adapter for one configured provider.
func NewAdapter(pc config.ProviderConfig, logger *slog.Logger) (domain.Adapter, error) {
	switch pc.AdapterType() {
	case "openai":
		return NewOpenAIAssistant(pc.Name, pc.BaseURL), nil
	case "claude":
		return NewAnthropic(pc.Name, pc.BaseURL), nil
	case "gemini":
		return NewGemini(pc.Name, pc.BaseURL), nil
	case "mistral":
		return NewMistral(pc.Name, pc.BaseURL), nil
	case "perplexity":
		return NewPerplexity(pc.Name, pc.BaseURL), nil
	case "openrouter":
		return NewOpenRouter(pc.Name, pc.BaseURL, pc.Headers), nil
	case "ollama":
		return NewOllama(pc.Name, pc.BaseURL), nil
	case "bedrock":
		return newBedrock(pc, logger)
	default:
		return nil, domain.NewDomainError("provider.NewAdapter", domain.ErrProviderNotFound, pc.AdapterType())
	}
}
