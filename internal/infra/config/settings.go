package config

import "chatrelay/internal/domain"

// Settings exposes Config to the relay as a domain.SettingsProvider.
type Settings struct {
	cfg *Config
}

// NewSettings wraps cfg. cfg must not be mutated afterwards.
func NewSettings(cfg *Config) *Settings {
	return &Settings{cfg: cfg}
}

// DefaultProvider implements domain.SettingsProvider.
func (s *Settings) DefaultProvider() string { return s.cfg.LLM.DefaultProvider }

// Settings implements domain.SettingsProvider.
func (s *Settings) Settings(id string) (domain.ProviderSettings, bool) {
	p, ok := s.cfg.Provider(id)
	if !ok {
		return domain.ProviderSettings{}, false
	}
	def := p.Definition
	if def == "" {
		def = s.cfg.LLM.Definition
	}
	return domain.ProviderSettings{
		APIKey:       p.APIKey,
		Model:        p.Model,
		BaseURL:      p.BaseURL,
		Definition:   def,
		AssistantRef: p.AssistantID,
		UseAssistant: p.UseAssistant,
	}, true
}

var _ domain.SettingsProvider = (*Settings)(nil)
