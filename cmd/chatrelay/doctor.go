package main

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fatih/color"

	"chatrelay/internal/infra/config"
)

// CheckStatus represents the result of a health check.
type CheckStatus string

const (
	StatusPass CheckStatus = "PASS"
	StatusWarn CheckStatus = "WARN"
	StatusFail CheckStatus = "FAIL"
)

// CheckResult holds the outcome of a single health check.
type CheckResult struct {
	Name    string
	Status  CheckStatus
	Message string
	Fix     string // optional fix suggestion
}

// Check is a named health check function.
type Check struct {
	Name string
	Fn   func(cfg *config.Config) CheckResult
}

var notLoaded = CheckResult{Status: StatusFail, Message: "cannot check, config not loaded"}

func runDoctor() error {
	cfgPath := configPath()

	// Some checks work without a config.
	cfg, cfgErr := config.Load(cfgPath)

	checks := []Check{
		{Name: "Config file", Fn: checkConfigFile(cfgPath, cfgErr)},
		{Name: "Provider keys", Fn: checkProviderKeys},
		{Name: "Default provider", Fn: checkDefaultProvider},
		{Name: "History store", Fn: checkHistoryStore},
		{Name: "Relay", Fn: checkRelay},
	}

	fmt.Println("chatrelay doctor")
	fmt.Println(strings.Repeat("=", 50))
	fmt.Println()

	var pass, warn, fail int
	for _, check := range checks {
		result := check.Fn(cfg)
		result.Name = check.Name

		fmt.Printf("  %s %s: %s\n", statusIcon(result.Status), result.Name, result.Message)
		if result.Fix != "" {
			fmt.Printf("      Fix: %s\n", result.Fix)
		}
		switch result.Status {
		case StatusPass:
			pass++
		case StatusWarn:
			warn++
		case StatusFail:
			fail++
		}
	}

	fmt.Println()
	fmt.Println(strings.Repeat("-", 50))
	fmt.Printf("Results: %d passed, %d warnings, %d failed\n", pass, warn, fail)
	if fail > 0 {
		return fmt.Errorf("%d check(s) failed", fail)
	}
	return nil
}

func statusIcon(s CheckStatus) string {
	switch s {
	case StatusPass:
		return color.GreenString("[PASS]")
	case StatusWarn:
		return color.YellowString("[WARN]")
	case StatusFail:
		return color.RedString("[FAIL]")
	default:
		return "[????]"
	}
}

// checkConfigFile reports whether the config file exists and loaded. A
// missing file is only a warning: defaults plus env overrides still work.
func checkConfigFile(cfgPath string, cfgErr error) func(*config.Config) CheckResult {
	return func(_ *config.Config) CheckResult {
		if cfgErr != nil {
			return CheckResult{
				Status:  StatusFail,
				Message: fmt.Sprintf("config error: %v", cfgErr),
				Fix:     fmt.Sprintf("Check the syntax and permissions of %s", cfgPath),
			}
		}
		if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
			return CheckResult{
				Status:  StatusWarn,
				Message: fmt.Sprintf("no config file at %s, using defaults and environment", cfgPath),
			}
		}
		return CheckResult{
			Status:  StatusPass,
			Message: fmt.Sprintf("config loaded from %s", cfgPath),
		}
	}
}

// keyless reports whether an adapter type works without an API key.
func keyless(p config.ProviderConfig) bool {
	switch p.AdapterType() {
	case "ollama", "bedrock":
		return true
	}
	return false
}

func checkProviderKeys(cfg *config.Config) CheckResult {
	if cfg == nil {
		return notLoaded
	}
	if len(cfg.LLM.Providers) == 0 {
		return CheckResult{
			Status:  StatusFail,
			Message: "no providers configured",
			Fix:     "Add at least one provider in config.yaml under llm.providers",
		}
	}

	var withKey, withoutKey []string
	for _, p := range cfg.LLM.Providers {
		if p.APIKey != "" || keyless(p) {
			withKey = append(withKey, p.Name)
		} else {
			withoutKey = append(withoutKey, p.Name)
		}
	}
	switch {
	case len(withKey) == 0:
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("no API keys found for providers: %s", strings.Join(withoutKey, ", ")),
			Fix:     "Set API keys via environment variables (e.g., CHATRELAY_LLM_PROVIDER_OPENAI_API_KEY)",
		}
	case len(withoutKey) > 0:
		return CheckResult{
			Status:  StatusWarn,
			Message: fmt.Sprintf("usable: [%s]; missing keys: [%s]", strings.Join(withKey, ", "), strings.Join(withoutKey, ", ")),
		}
	}
	return CheckResult{
		Status:  StatusPass,
		Message: fmt.Sprintf("usable providers: %s", strings.Join(withKey, ", ")),
	}
}

func checkDefaultProvider(cfg *config.Config) CheckResult {
	if cfg == nil {
		return notLoaded
	}
	p, ok := cfg.Provider(cfg.LLM.DefaultProvider)
	if !ok {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("default provider %q is not configured", cfg.LLM.DefaultProvider),
			Fix:     "Set llm.default_provider to one of the configured providers",
		}
	}
	if p.APIKey == "" && !keyless(p) {
		return CheckResult{
			Status:  StatusWarn,
			Message: fmt.Sprintf("%s has no API key; requests without a provider will fail", p.Name),
		}
	}
	mode := "direct"
	if p.UseAssistant && p.AssistantID != "" {
		mode = "assistant"
	}
	return CheckResult{
		Status:  StatusPass,
		Message: fmt.Sprintf("%s (%s, model %s, %s mode)", p.Name, p.AdapterType(), p.Model, mode),
	}
}

// checkHistoryStore verifies the transcript directory exists or can be created
// and is writable.
func checkHistoryStore(cfg *config.Config) CheckResult {
	if cfg == nil {
		return notLoaded
	}
	dir := filepath.Dir(cfg.Client.HistoryPath)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("cannot create %s: %v", dir, err),
			Fix:     "Set client.history_path to a writable location",
		}
	}
	testFile := filepath.Join(dir, ".doctor-check")
	if err := os.WriteFile(testFile, []byte("ok"), 0o600); err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("%s is not writable: %v", dir, err),
			Fix:     fmt.Sprintf("Fix permissions: chmod 700 %s", dir),
		}
	}
	os.Remove(testFile)
	return CheckResult{
		Status:  StatusPass,
		Message: fmt.Sprintf("transcripts stored in %s", cfg.Client.HistoryPath),
	}
}

// healthURL derives the relay health endpoint from the chat endpoint.
func healthURL(relayURL string) (string, error) {
	u, err := url.Parse(relayURL)
	if err != nil {
		return "", err
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("relay url %q is not absolute", relayURL)
	}
	u.Path = "/api/v1/health"
	u.RawQuery = ""
	return u.String(), nil
}

func checkRelay(cfg *config.Config) CheckResult {
	if cfg == nil {
		return notLoaded
	}
	endpoint, err := healthURL(cfg.Client.RelayURL)
	if err != nil {
		return CheckResult{Status: StatusFail, Message: err.Error(), Fix: "Set client.relay_url"}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return CheckResult{Status: StatusFail, Message: fmt.Sprintf("failed to create request: %v", err)}
	}

	start := time.Now()
	resp, err := http.DefaultClient.Do(req)
	latency := time.Since(start)
	if err != nil {
		return CheckResult{
			Status:  StatusWarn,
			Message: fmt.Sprintf("relay not reachable at %s", endpoint),
			Fix:     "Start it with 'chatrelay serve'",
		}
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("relay health returned %d", resp.StatusCode),
		}
	}
	return CheckResult{
		Status:  StatusPass,
		Message: fmt.Sprintf("relay reachable (latency: %dms)", latency.Milliseconds()),
	}
}
