package provider

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"

	"chatrelay/internal/domain"
)

const (
	anthropicBaseURL   = "https://api.anthropic.com"
	anthropicVersion   = "2023-06-01"
	anthropicMaxTokens = 4096
)

type anthropicRequest struct {
	Model     string        `json:"model"`
	MaxTokens int           `json:"max_tokens"`
	System    string        `json:"system,omitempty"`
	Messages  []chatMessage `json:"messages"`
	Stream    bool          `json:"stream"`
}

// Anthropic is the adapter for the Anthropic Messages API.
type Anthropic struct {
	id      string
	baseURL string
}

// NewAnthropic creates the Anthropic adapter.
func NewAnthropic(id, baseURL string) *Anthropic {
	baseURL = strings.TrimRight(baseURL, "/")
	if baseURL == "" {
		baseURL = anthropicBaseURL
	}
	return &Anthropic{id: id, baseURL: baseURL}
}

// ID implements domain.Adapter.
func (a *Anthropic) ID() string { return a.id }

// DefaultModel implements domain.Adapter.
func (a *Anthropic) DefaultModel() string { return "claude-3-opus-20240229" }

// Endpoint implements domain.Adapter.
func (a *Anthropic) Endpoint(string) string { return a.baseURL + "/v1/messages" }

// Headers implements domain.Adapter.
func (a *Anthropic) Headers(apiKey string) http.Header {
	h := http.Header{}
	h.Set("x-api-key", apiKey)
	h.Set("anthropic-version", anthropicVersion)
	return h
}

// BuildBody implements domain.Adapter. System turns move to the top-level
// system field; several are joined with blank lines.
func (a *Anthropic) BuildBody(turns []domain.Turn, model string) ([]byte, error) {
	req := anthropicRequest{Model: model, MaxTokens: anthropicMaxTokens, Stream: true}
	var system []string
	for _, t := range turns {
		if t.Role == domain.RoleSystem {
			system = append(system, t.Content)
			continue
		}
		req.Messages = append(req.Messages, chatMessage{Role: t.Role, Content: t.Content})
	}
	req.System = strings.Join(system, "\n\n")

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	return body, nil
}

// DataPrefix implements domain.Adapter.
func (a *Anthropic) DataPrefix() string { return "data:" }

// ExtractDelta implements domain.Adapter. Only text deltas of content blocks carry text.
func (a *Anthropic) ExtractDelta(frame []byte) (string, bool) {
	res := gjson.GetManyBytes(frame, "type", "delta.type")
	if res[0].Str != "content_block_delta" || res[1].Str != "text_delta" {
		return "", false
	}
	return stringAt(frame, "delta.text")
}

// ExtractError implements domain.ErrorExtractor. Anthropic reports failures
// mid-stream as an "error" event, e.g. overloaded_error.
func (a *Anthropic) ExtractError(frame []byte) (string, bool) {
	if gjson.GetBytes(frame, "type").Str != "error" {
		return "", false
	}
	return errorAt(frame, "error")
}

var (
	_ domain.Adapter        = (*Anthropic)(nil)
	_ domain.ErrorExtractor = (*Anthropic)(nil)
)
