package provider

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"

	"chatrelay/internal/domain"
)

// Default endpoints of the OpenAI-compatible chat completions providers.
const (
	openAIBaseURL     = "https://api.openai.com/v1"
	mistralBaseURL    = "https://api.mistral.ai/v1"
	perplexityBaseURL = "https://api.perplexity.ai"
	openRouterBaseURL = "https://openrouter.ai/api/v1"
)

// --- OpenAI wire types ---

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletionRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
}

type agentCompletionRequest struct {
	AgentID  string        `json:"agent_id"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
}

func toChatMessages(turns []domain.Turn) []chatMessage {
	msgs := make([]chatMessage, len(turns))
	for i, t := range turns {
		msgs[i] = chatMessage{Role: t.Role, Content: t.Content}
	}
	return msgs
}

// ChatCompletions is the adapter for every provider speaking the OpenAI
// chat completions streaming protocol: OpenAI, Mistral, Perplexity, OpenRouter.
type ChatCompletions struct {
	id           string
	baseURL      string
	defaultModel string
	extra        http.Header
}

// NewOpenAI creates the OpenAI chat completions adapter.
func NewOpenAI(id, baseURL string) *ChatCompletions {
	return newChatCompletions(id, baseURL, openAIBaseURL, "gpt-4-turbo-preview", nil)
}

// NewPerplexity creates the Perplexity adapter.
func NewPerplexity(id, baseURL string) *ChatCompletions {
	return newChatCompletions(id, baseURL, perplexityBaseURL, "mixtral-8x7b-instruct", nil)
}

// NewOpenRouter creates the OpenRouter adapter. headers may override the
// attribution headers OpenRouter asks clients to send.
func NewOpenRouter(id, baseURL string, headers map[string]string) *ChatCompletions {
	extra := http.Header{}
	extra.Set("HTTP-Referer", "https://github.com/chatrelay/chatrelay")
	extra.Set("X-Title", "chatrelay")
	for k, v := range headers {
		extra.Set(k, v)
	}
	return newChatCompletions(id, baseURL, openRouterBaseURL, "openai/gpt-4o-mini", extra)
}

func newChatCompletions(id, baseURL, defaultBase, model string, extra http.Header) *ChatCompletions {
	baseURL = strings.TrimRight(baseURL, "/")
	if baseURL == "" {
		baseURL = defaultBase
	}
	return &ChatCompletions{id: id, baseURL: baseURL, defaultModel: model, extra: extra}
}

// ID implements domain.Adapter.
func (a *ChatCompletions) ID() string { return a.id }

// DefaultModel implements domain.Adapter.
func (a *ChatCompletions) DefaultModel() string { return a.defaultModel }

// Endpoint implements domain.Adapter.
func (a *ChatCompletions) Endpoint(string) string { return a.baseURL + "/chat/completions" }

// Headers implements domain.Adapter.
func (a *ChatCompletions) Headers(apiKey string) http.Header {
	h := a.extra.Clone()
	if h == nil {
		h = http.Header{}
	}
	h.Set("Authorization", "Bearer "+apiKey)
	return h
}

// BuildBody implements domain.Adapter.
func (a *ChatCompletions) BuildBody(turns []domain.Turn, model string) ([]byte, error) {
	body, err := json.Marshal(chatCompletionRequest{
		Model:    model,
		Messages: toChatMessages(turns),
		Stream:   true,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	return body, nil
}

// DataPrefix implements domain.Adapter.
func (a *ChatCompletions) DataPrefix() string { return "data:" }

// ExtractDelta implements domain.Adapter.
func (a *ChatCompletions) ExtractDelta(frame []byte) (string, bool) {
	return stringAt(frame, "choices.0.delta.content")
}

// ExtractError implements domain.ErrorExtractor.
func (a *ChatCompletions) ExtractError(frame []byte) (string, bool) {
	return errorAt(frame, "error")
}

// Mistral adds hosted agents on top of chat completions.
type Mistral struct {
	*ChatCompletions
}

// NewMistral creates the Mistral adapter.
func NewMistral(id, baseURL string) *Mistral {
	return &Mistral{newChatCompletions(id, baseURL, mistralBaseURL, "mistral-large-latest", nil)}
}

// AgentEndpoint implements domain.AgentAdapter.
func (m *Mistral) AgentEndpoint() string { return m.baseURL + "/agents/completions" }

// BuildAgentBody implements domain.AgentAdapter. System turns are dropped:
// an agent carries its own instructions.
func (m *Mistral) BuildAgentBody(turns []domain.Turn, agentRef string) ([]byte, error) {
	var msgs []chatMessage
	for _, t := range turns {
		if t.Role == domain.RoleSystem {
			continue
		}
		msgs = append(msgs, chatMessage{Role: t.Role, Content: t.Content})
	}
	body, err := json.Marshal(agentCompletionRequest{AgentID: agentRef, Messages: msgs, Stream: true})
	if err != nil {
		return nil, fmt.Errorf("marshal agent request: %w", err)
	}
	return body, nil
}

// stringAt returns the non-empty string at path.
func stringAt(frame []byte, path string) (string, bool) {
	r := gjson.GetBytes(frame, path)
	if r.Type != gjson.String || r.Str == "" {
		return "", false
	}
	return r.Str, true
}

// errorAt returns the error message at path. Providers send either an
// object with message (or only type) or a bare string.
func errorAt(frame []byte, path string) (string, bool) {
	r := gjson.GetBytes(frame, path)
	switch {
	case r.IsObject():
		if msg := r.Get("message").String(); msg != "" {
			return msg, true
		}
		if typ := r.Get("type").String(); typ != "" {
			return typ, true
		}
		return r.Raw, true
	case r.Type == gjson.String && r.Str != "":
		return r.Str, true
	}
	return "", false
}

// Compile-time interface checks.
var (
	_ domain.Adapter        = (*ChatCompletions)(nil)
	_ domain.ErrorExtractor = (*ChatCompletions)(nil)
	_ domain.AgentAdapter   = (*Mistral)(nil)
)
