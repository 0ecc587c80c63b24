package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/argon2"
	"gopkg.in/yaml.v3"
)

// Config is the top-level application configuration.
type Config struct {
	LLM     LLMConfig     `yaml:"llm"`
	Relay   RelayConfig   `yaml:"relay"`
	Gateway GatewayConfig `yaml:"gateway"`
	Client  ClientConfig  `yaml:"client"`
	Logger  LoggerConfig  `yaml:"logger"`
	Tracer  TracerConfig  `yaml:"tracer"`
}

// LLMConfig holds provider settings.
type LLMConfig struct {
	DefaultProvider string               `yaml:"default_provider"`
	Definition      string               `yaml:"definition"` // system instructions shared by all providers
	Providers       []ProviderConfig     `yaml:"providers"`
	CircuitBreaker  CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// CircuitBreakerConfig holds circuit breaker settings for providers.
type CircuitBreakerConfig struct {
	Enabled     bool          `yaml:"enabled"`
	MaxFailures uint32        `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
	Interval    time.Duration `yaml:"interval"`
}

// PoolConfig holds HTTP connection pool settings for providers.
type PoolConfig struct {
	MaxIdleConns        int           `yaml:"max_idle_conns"`
	MaxIdleConnsPerHost int           `yaml:"max_idle_conns_per_host"`
	MaxConnsPerHost     int           `yaml:"max_conns_per_host"`
	IdleConnTimeout     time.Duration `yaml:"idle_conn_timeout"`
}

// ProviderConfig holds settings for a single provider.
type ProviderConfig struct {
	Name         string            `yaml:"name"`
	Type         string            `yaml:"type"` // adapter implementation; defaults to Name
	BaseURL      string            `yaml:"base_url"`
	APIKey       string            `yaml:"api_key"`
	Model        string            `yaml:"model"`
	Region       string            `yaml:"region,omitempty"`
	Definition   string            `yaml:"definition,omitempty"`
	AssistantID  string            `yaml:"assistant_id,omitempty"`
	UseAssistant bool              `yaml:"use_assistant,omitempty"`
	Headers      map[string]string `yaml:"headers,omitempty"`
	ConnTimeout  time.Duration     `yaml:"conn_timeout"`
	RespTimeout  time.Duration     `yaml:"resp_timeout"`
	Pool         PoolConfig        `yaml:"pool"`
}

// AdapterType returns the adapter implementation for this provider.
func (p ProviderConfig) AdapterType() string {
	if p.Type != "" {
		return p.Type
	}
	return p.Name
}

// RelayConfig tunes the relay core.
type RelayConfig struct {
	QueueSize       int           `yaml:"queue_size"`
	PollInterval    time.Duration `yaml:"poll_interval"`
	MaxPollAttempts int           `yaml:"max_poll_attempts"`
}

// GatewayConfig holds the inbound HTTP server settings.
type GatewayConfig struct {
	Addr           string        `yaml:"addr"`
	RateLimit      float64       `yaml:"rate_limit"` // requests per second per client IP
	RateBurst      int           `yaml:"rate_burst"`
	MaxBodyBytes   int64         `yaml:"max_body_bytes"`
	KeepAlive      time.Duration `yaml:"keep_alive"` // SSE comment interval; 0 disables
	AllowedOrigins []string      `yaml:"allowed_origins,omitempty"`
	TrustedProxies []string      `yaml:"trusted_proxies,omitempty"`
}

// ClientConfig holds settings for the stream consumer.
type ClientConfig struct {
	RelayURL       string        `yaml:"relay_url"`
	Provider       string        `yaml:"provider,omitempty"`
	MaxAttempts    int           `yaml:"max_attempts"`
	BaseDelay      time.Duration `yaml:"base_delay"`
	MaxDelay       time.Duration `yaml:"max_delay"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
	HistoryPath    string        `yaml:"history_path"`
	ConversationID string        `yaml:"conversation_id"`
	Render         string        `yaml:"render"` // "markdown" or "plain"
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"`
	Endpoint string `yaml:"endpoint"`
}

// defaultDataDir returns the persistent data directory under $HOME/.chatrelay.
// Falls back to "./data" if $HOME cannot be determined.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./data"
	}
	return filepath.Join(home, ".chatrelay")
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		LLM: LLMConfig{
			DefaultProvider: "openai",
			Providers: []ProviderConfig{
				{Name: "openai", Model: "gpt-4-turbo-preview"},
				{Name: "claude", Model: "claude-3-opus-20240229"},
				{Name: "gemini", Model: "gemini-pro"},
				{Name: "mistral", Model: "mistral-large-latest"},
				{Name: "perplexity", Model: "mixtral-8x7b-instruct"},
			},
			CircuitBreaker: CircuitBreakerConfig{
				Enabled:     true,
				MaxFailures: 5,
				Timeout:     30 * time.Second,
				Interval:    60 * time.Second,
			},
		},
		Relay: RelayConfig{
			QueueSize:       256,
			PollInterval:    500 * time.Millisecond,
			MaxPollAttempts: 60,
		},
		Gateway: GatewayConfig{
			Addr:         "127.0.0.1:8089",
			RateLimit:    10,
			RateBurst:    20,
			MaxBodyBytes: 1 << 20,
			KeepAlive:    15 * time.Second,
		},
		Client: ClientConfig{
			RelayURL:       "http://127.0.0.1:8089/api/v1/chat",
			MaxAttempts:    3,
			BaseDelay:      time.Second,
			MaxDelay:       10 * time.Second,
			IdleTimeout:    60 * time.Second,
			HistoryPath:    filepath.Join(defaultDataDir(), "history.db"),
			ConversationID: "default",
			Render:         "markdown",
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Enabled:  false,
			Exporter: "noop",
		},
	}
}

// Load reads config from a YAML file, applies env overrides, then validates.
// A missing file yields defaults plus env overrides.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			ApplyEnvOverrides(cfg)
			if err := Validate(cfg); err != nil {
				return nil, err
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	if err := validatePermissions(absPath); err != nil {
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	ApplyEnvOverrides(cfg)

	passphrase := os.Getenv("CHATRELAY_CONFIG_KEY")
	if passphrase != "" {
		if err := decryptSecrets(cfg, passphrase); err != nil {
			return nil, fmt.Errorf("decrypt secrets: %w", err)
		}
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ApplyEnvOverrides maps CHATRELAY_* env vars to config fields.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CHATRELAY_LLM_DEFAULT_PROVIDER"); v != "" {
		cfg.LLM.DefaultProvider = v
	}
	if v := os.Getenv("CHATRELAY_LLM_DEFINITION"); v != "" {
		cfg.LLM.Definition = v
	}
	if v := os.Getenv("CHATRELAY_LOGGER_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("CHATRELAY_LOGGER_FORMAT"); v != "" {
		cfg.Logger.Format = v
	}
	if v := os.Getenv("CHATRELAY_TRACER_ENABLED"); v == "true" {
		cfg.Tracer.Enabled = true
	}
	if v := os.Getenv("CHATRELAY_TRACER_EXPORTER"); v != "" {
		cfg.Tracer.Exporter = v
	}
	if v := os.Getenv("CHATRELAY_GATEWAY_ADDR"); v != "" {
		cfg.Gateway.Addr = v
	}
	if v := os.Getenv("CHATRELAY_GATEWAY_RATE_LIMIT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			cfg.Gateway.RateLimit = f
		}
	}
	if v := os.Getenv("CHATRELAY_RELAY_POLL_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Relay.PollInterval = d
		}
	}
	if v := os.Getenv("CHATRELAY_RELAY_MAX_POLL_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Relay.MaxPollAttempts = n
		}
	}
	if v := os.Getenv("CHATRELAY_CLIENT_RELAY_URL"); v != "" {
		cfg.Client.RelayURL = v
	}
	if v := os.Getenv("CHATRELAY_CLIENT_HISTORY_PATH"); v != "" {
		cfg.Client.HistoryPath = v
	}
	if v := os.Getenv("CHATRELAY_CLIENT_IDLE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Client.IdleTimeout = d
		}
	}

	// Per-provider overrides: CHATRELAY_LLM_PROVIDER_<NAME>_API_KEY / _ASSISTANT_ID
	for i := range cfg.LLM.Providers {
		name := strings.ToUpper(strings.ReplaceAll(cfg.LLM.Providers[i].Name, "-", "_"))
		if v := os.Getenv(fmt.Sprintf("CHATRELAY_LLM_PROVIDER_%s_API_KEY", name)); v != "" {
			cfg.LLM.Providers[i].APIKey = v
		}
		if v := os.Getenv(fmt.Sprintf("CHATRELAY_LLM_PROVIDER_%s_ASSISTANT_ID", name)); v != "" {
			cfg.LLM.Providers[i].AssistantID = v
			cfg.LLM.Providers[i].UseAssistant = true
		}
	}
}

// Provider returns the configuration of the named provider.
func (c *Config) Provider(name string) (ProviderConfig, bool) {
	for _, p := range c.LLM.Providers {
		if p.Name == name {
			return p, true
		}
	}
	return ProviderConfig{}, false
}

func decryptSecrets(cfg *Config, passphrase string) error {
	for i := range cfg.LLM.Providers {
		key := cfg.LLM.Providers[i].APIKey
		if strings.HasPrefix(key, "enc:") {
			decrypted, err := DecryptValue(strings.TrimPrefix(key, "enc:"), passphrase)
			if err != nil {
				return fmt.Errorf("provider %s api_key: %w", cfg.LLM.Providers[i].Name, err)
			}
			cfg.LLM.Providers[i].APIKey = decrypted
		}
	}
	return nil
}

// EncryptValue encrypts plaintext with AES-256-GCM using an Argon2id-derived key.
func EncryptValue(plaintext, passphrase string) (string, error) {
	salt := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}

	gcm, err := newGCM(passphrase, salt)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	// Format: hex(salt) + ":" + hex(nonce+ciphertext)
	return hex.EncodeToString(salt) + ":" + hex.EncodeToString(ciphertext), nil
}

// DecryptValue decrypts a value produced by EncryptValue.
func DecryptValue(encrypted, passphrase string) (string, error) {
	salt, data, ok := strings.Cut(encrypted, ":")
	if !ok {
		return "", fmt.Errorf("invalid encrypted format")
	}

	saltBytes, err := hex.DecodeString(salt)
	if err != nil {
		return "", fmt.Errorf("decode salt: %w", err)
	}
	raw, err := hex.DecodeString(data)
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}

	gcm, err := newGCM(passphrase, saltBytes)
	if err != nil {
		return "", err
	}

	nonceSize := gcm.NonceSize()
	if len(raw) < nonceSize {
		return "", fmt.Errorf("ciphertext too short")
	}

	plaintext, err := gcm.Open(nil, raw[:nonceSize], raw[nonceSize:], nil)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}
	return string(plaintext), nil
}

func newGCM(passphrase string, salt []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(deriveKey(passphrase, salt))
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return gcm, nil
}

func deriveKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, 1, 64*1024, 4, 32)
}

// validatePermissions checks the config file has restrictive permissions.
func validatePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat config: %w", err)
	}
	mode := info.Mode().Perm()
	// Allow 0600 and 0644 (readable by others but not writable)
	if mode&0o077 > 0o044 {
		return fmt.Errorf("config file %s has insecure permissions %o (want 0600 or 0644)", path, mode)
	}
	return nil
}
