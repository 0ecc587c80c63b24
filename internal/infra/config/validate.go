package config

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...interface{}) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for structural correctness. It returns a *ValidationError
// when one or more problems are found, allowing callers to inspect all issues.
//
// Missing API keys are not an error here: the relay reports them per request.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateLLM(cfg, ve)
	validateRelay(cfg, ve)
	validateGateway(cfg, ve)
	validateClient(cfg, ve)
	validateLogger(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

var validProviderTypes = map[string]bool{
	"openai":     true,
	"claude":     true,
	"gemini":     true,
	"mistral":    true,
	"perplexity": true,
	"openrouter": true,
	"ollama":     true,
	"bedrock":    true,
}

func validateLLM(cfg *Config, ve *ValidationError) {
	if cfg.LLM.DefaultProvider == "" {
		ve.Add("llm.default_provider must not be empty")
	}

	seen := make(map[string]bool)
	foundDefault := false
	for i, p := range cfg.LLM.Providers {
		if p.Name == "" {
			ve.Add("llm.providers[%d].name must not be empty", i)
			continue
		}
		if seen[p.Name] {
			ve.Add("llm.providers[%d]: duplicate provider name %q", i, p.Name)
		}
		seen[p.Name] = true

		if !validProviderTypes[p.AdapterType()] {
			ve.Add("llm.providers[%d].type %q is invalid (want: openai, claude, gemini, mistral, perplexity, openrouter, ollama, bedrock)", i, p.AdapterType())
		}
		if p.AdapterType() == "bedrock" && p.Region == "" {
			ve.Add("llm.providers[%d] (%s): region is required for bedrock provider", i, p.Name)
		}
		if p.UseAssistant && p.AssistantID == "" {
			ve.Add("llm.providers[%d] (%s): assistant_id is required when use_assistant is set", i, p.Name)
		}
		if p.BaseURL != "" {
			if u, err := url.Parse(p.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
				ve.Add("llm.providers[%d] (%s): base_url %q is not an absolute URL", i, p.Name, p.BaseURL)
			}
		}
		if p.Name == cfg.LLM.DefaultProvider {
			foundDefault = true
		}
	}

	if !foundDefault && cfg.LLM.DefaultProvider != "" {
		ve.Add("llm.default_provider %q does not match any configured provider", cfg.LLM.DefaultProvider)
	}
}

func validateRelay(cfg *Config, ve *ValidationError) {
	if cfg.Relay.QueueSize <= 0 {
		ve.Add("relay.queue_size must be > 0")
	}
	if cfg.Relay.PollInterval <= 0 {
		ve.Add("relay.poll_interval must be > 0")
	}
	if cfg.Relay.MaxPollAttempts <= 0 {
		ve.Add("relay.max_poll_attempts must be > 0")
	}
}

func validateGateway(cfg *Config, ve *ValidationError) {
	if cfg.Gateway.Addr == "" {
		ve.Add("gateway.addr must not be empty")
	} else if _, _, err := net.SplitHostPort(cfg.Gateway.Addr); err != nil {
		ve.Add("gateway.addr %q is not a valid host:port", cfg.Gateway.Addr)
	}
	if cfg.Gateway.RateLimit <= 0 {
		ve.Add("gateway.rate_limit must be > 0")
	}
	if cfg.Gateway.RateBurst <= 0 {
		ve.Add("gateway.rate_burst must be > 0")
	}
	if cfg.Gateway.MaxBodyBytes <= 0 {
		ve.Add("gateway.max_body_bytes must be > 0")
	}
	for _, p := range cfg.Gateway.TrustedProxies {
		if _, _, err := net.ParseCIDR(p); err != nil && net.ParseIP(p) == nil {
			ve.Add("gateway.trusted_proxies: %q is not an IP or CIDR", p)
		}
	}
}

func validateClient(cfg *Config, ve *ValidationError) {
	if cfg.Client.MaxAttempts <= 0 {
		ve.Add("client.max_attempts must be > 0")
	}
	if cfg.Client.BaseDelay <= 0 || cfg.Client.MaxDelay < cfg.Client.BaseDelay {
		ve.Add("client.base_delay must be > 0 and <= client.max_delay")
	}
	if cfg.Client.IdleTimeout <= 0 {
		ve.Add("client.idle_timeout must be > 0")
	}
	switch cfg.Client.Render {
	case "markdown", "plain":
	default:
		ve.Add("client.render %q is invalid (want: markdown, plain)", cfg.Client.Render)
	}
}

func validateLogger(cfg *Config, ve *ValidationError) {
	switch strings.ToLower(cfg.Logger.Level) {
	case "debug", "info", "warn", "error":
	default:
		ve.Add("logger.level %q is invalid (want: debug, info, warn, error)", cfg.Logger.Level)
	}
	switch cfg.Logger.Format {
	case "text", "json":
	default:
		ve.Add("logger.format %q is invalid (want: text, json)", cfg.Logger.Format)
	}
}
