package domain

// ProviderSettings is the per-provider configuration resolved for one request.
type ProviderSettings struct {
	APIKey       string
	Model        string
	BaseURL      string
	Definition   string
	AssistantRef string
	UseAssistant bool
}

// SettingsProvider resolves provider configuration.
type SettingsProvider interface {
	// DefaultProvider returns the provider used when a request names none.
	DefaultProvider() string
	// Settings returns the configuration for provider id.
	Settings(id string) (ProviderSettings, bool)
}

// HistoryStore persists the client-side conversation transcript.
type HistoryStore interface {
	Load(conversationID string) ([]Turn, error)
	Append(conversationID string, turn Turn) error
	Clear(conversationID string) error
}
