package config

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults", func(*Config) {}, ""},
		{"empty default provider", func(c *Config) { c.LLM.DefaultProvider = "" }, "llm.default_provider must not be empty"},
		{"unknown default provider", func(c *Config) { c.LLM.DefaultProvider = "cohere" }, `"cohere" does not match`},
		{"duplicate provider", func(c *Config) {
			c.LLM.Providers = append(c.LLM.Providers, ProviderConfig{Name: "openai"})
		}, "duplicate provider name"},
		{"bad type", func(c *Config) {
			c.LLM.Providers = append(c.LLM.Providers, ProviderConfig{Name: "x", Type: "cohere"})
		}, `type "cohere" is invalid`},
		{"bedrock without region", func(c *Config) {
			c.LLM.Providers = append(c.LLM.Providers, ProviderConfig{Name: "aws", Type: "bedrock"})
		}, "region is required"},
		{"assistant without id", func(c *Config) { c.LLM.Providers[0].UseAssistant = true }, "assistant_id is required"},
		{"relative base url", func(c *Config) { c.LLM.Providers[0].BaseURL = "/v1" }, "not an absolute URL"},
		{"zero poll interval", func(c *Config) { c.Relay.PollInterval = 0 }, "relay.poll_interval"},
		{"bad gateway addr", func(c *Config) { c.Gateway.Addr = "localhost" }, "not a valid host:port"},
		{"bad trusted proxy", func(c *Config) { c.Gateway.TrustedProxies = []string{"nope"} }, "not an IP or CIDR"},
		{"bad render", func(c *Config) { c.Client.Render = "html" }, "client.render"},
		{"bad log level", func(c *Config) { c.Logger.Level = "trace" }, "logger.level"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(cfg)
			err := Validate(cfg)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			var ve *ValidationError
			require.True(t, errors.As(err, &ve))
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidateMissingAPIKeyIsAllowed(t *testing.T) {
	cfg := Defaults()
	for i := range cfg.LLM.Providers {
		cfg.LLM.Providers[i].APIKey = ""
	}
	assert.NoError(t, Validate(cfg))
}
