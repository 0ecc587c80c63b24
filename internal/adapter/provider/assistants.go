package provider

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/tidwall/gjson"

	"chatrelay/internal/domain"
)

// OpenAIAssistant extends the OpenAI adapter with the Assistants v2
// thread and run protocol.
type OpenAIAssistant struct {
	*ChatCompletions
}

// NewOpenAIAssistant creates the OpenAI adapter with assistant support.
func NewOpenAIAssistant(id, baseURL string) *OpenAIAssistant {
	return &OpenAIAssistant{NewOpenAI(id, baseURL)}
}

type threadMessageRequest struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type runRequest struct {
	AssistantID string `json:"assistant_id"`
}

// RunHeaders implements domain.RunAdapter.
func (a *OpenAIAssistant) RunHeaders(apiKey string) http.Header {
	h := a.Headers(apiKey)
	h.Set("OpenAI-Beta", "assistants=v2")
	return h
}

// CreateThreadURL implements domain.RunAdapter.
func (a *OpenAIAssistant) CreateThreadURL() string { return a.baseURL + "/threads" }

// CreateThreadBody implements domain.RunAdapter.
func (a *OpenAIAssistant) CreateThreadBody() []byte { return []byte("{}") }

// ThreadID implements domain.RunAdapter.
func (a *OpenAIAssistant) ThreadID(body []byte) (string, bool) { return stringAt(body, "id") }

// AddMessageURL implements domain.RunAdapter.
func (a *OpenAIAssistant) AddMessageURL(threadID string) string {
	return a.baseURL + "/threads/" + url.PathEscape(threadID) + "/messages"
}

// AddMessageBody implements domain.RunAdapter. Threads only accept user and
// assistant messages, so system turns are posted as prefixed user messages.
func (a *OpenAIAssistant) AddMessageBody(turn domain.Turn) ([]byte, error) {
	msg := threadMessageRequest{Role: turn.Role, Content: turn.Content}
	if turn.Role == domain.RoleSystem {
		msg.Role = domain.RoleUser
		msg.Content = "Instructions:\n" + turn.Content
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal thread message: %w", err)
	}
	return body, nil
}

// StartRunURL implements domain.RunAdapter.
func (a *OpenAIAssistant) StartRunURL(threadID string) string {
	return a.baseURL + "/threads/" + url.PathEscape(threadID) + "/runs"
}

// StartRunBody implements domain.RunAdapter.
func (a *OpenAIAssistant) StartRunBody(assistantRef string) ([]byte, error) {
	body, err := json.Marshal(runRequest{AssistantID: assistantRef})
	if err != nil {
		return nil, fmt.Errorf("marshal run request: %w", err)
	}
	return body, nil
}

// RunID implements domain.RunAdapter.
func (a *OpenAIAssistant) RunID(body []byte) (string, bool) { return stringAt(body, "id") }

// RunStatusURL implements domain.RunAdapter.
func (a *OpenAIAssistant) RunStatusURL(threadID, runID string) string {
	return a.StartRunURL(threadID) + "/" + url.PathEscape(runID)
}

// RunStatus implements domain.RunAdapter.
func (a *OpenAIAssistant) RunStatus(body []byte) (domain.RunStatus, bool) {
	s, ok := stringAt(body, "status")
	return domain.RunStatus(s), ok
}

// MessagesURL implements domain.RunAdapter. The newest message comes first.
func (a *OpenAIAssistant) MessagesURL(threadID string) string {
	return a.AddMessageURL(threadID) + "?order=desc&limit=1"
}

// LatestMessage implements domain.RunAdapter. It concatenates the text
// blocks of the newest message when that message is the assistant's.
func (a *OpenAIAssistant) LatestMessage(body []byte) (string, bool) {
	msg := gjson.GetBytes(body, "data.0")
	if !msg.Exists() || msg.Get("role").Str != domain.RoleAssistant {
		return "", false
	}
	var sb strings.Builder
	msg.Get(`content.#(type=="text")#.text.value`).ForEach(func(_, v gjson.Result) bool {
		sb.WriteString(v.String())
		return true
	})
	if sb.Len() == 0 {
		return "", false
	}
	return sb.String(), true
}

var _ domain.RunAdapter = (*OpenAIAssistant)(nil)
