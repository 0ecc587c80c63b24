package provider

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"

	"chatrelay/internal/domain"
)

const ollamaBaseURL = "http://localhost:11434"

// Ollama is the adapter for a local Ollama server's native chat API.
// Responses are newline-delimited JSON objects rather than SSE frames.
type Ollama struct {
	id      string
	baseURL string
}

// NewOllama creates the Ollama adapter.
func NewOllama(id, baseURL string) *Ollama {
	baseURL = strings.TrimRight(baseURL, "/")
	if baseURL == "" {
		baseURL = ollamaBaseURL
	}
	return &Ollama{id: id, baseURL: baseURL}
}

// ID implements domain.Adapter.
func (o *Ollama) ID() string { return o.id }

// DefaultModel implements domain.Adapter.
func (o *Ollama) DefaultModel() string { return "llama3" }

// Keyless implements domain.KeylessAdapter.
func (o *Ollama) Keyless() bool { return true }

// Endpoint implements domain.Adapter.
func (o *Ollama) Endpoint(string) string { return o.baseURL + "/api/chat" }

// Headers implements domain.Adapter. A key is forwarded when set, for
// deployments behind an authenticating proxy.
func (o *Ollama) Headers(apiKey string) http.Header {
	h := http.Header{}
	if apiKey != "" {
		h.Set("Authorization", "Bearer "+apiKey)
	}
	return h
}

// BuildBody implements domain.Adapter.
func (o *Ollama) BuildBody(turns []domain.Turn, model string) ([]byte, error) {
	body, err := json.Marshal(chatCompletionRequest{Model: model, Messages: toChatMessages(turns), Stream: true})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	return body, nil
}

// DataPrefix implements domain.Adapter.
func (o *Ollama) DataPrefix() string { return "" }

// ExtractDelta implements domain.Adapter.
func (o *Ollama) ExtractDelta(frame []byte) (string, bool) {
	if gjson.GetBytes(frame, "done").Bool() {
		return "", false
	}
	return stringAt(frame, "message.content")
}

// ExtractError implements domain.ErrorExtractor.
func (o *Ollama) ExtractError(frame []byte) (string, bool) {
	return errorAt(frame, "error")
}

var (
	_ domain.Adapter        = (*Ollama)(nil)
	_ domain.KeylessAdapter = (*Ollama)(nil)
	_ domain.ErrorExtractor = (*Ollama)(nil)
)
