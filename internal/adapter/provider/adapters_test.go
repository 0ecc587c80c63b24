package provider

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatrelay/internal/domain"
)

var sampleTurns = []domain.Turn{
	{Role: domain.RoleSystem, Content: "You are helpful."},
	{Role: domain.RoleUser, Content: "Hi"},
	{Role: domain.RoleAssistant, Content: "Hello!"},
	{Role: domain.RoleUser, Content: "What is Go?"},
}

func TestChatCompletionsAdapters(t *testing.T) {
	tests := []struct {
		adapter  domain.Adapter
		endpoint string
	}{
		{NewOpenAI("openai", ""), "https://api.openai.com/v1/chat/completions"},
		{NewMistral("mistral", ""), "https://api.mistral.ai/v1/chat/completions"},
		{NewPerplexity("perplexity", ""), "https://api.perplexity.ai/chat/completions"},
		{NewOpenRouter("openrouter", "", nil), "https://openrouter.ai/api/v1/chat/completions"},
		{NewOpenAI("local", "http://127.0.0.1:9000/v1/"), "http://127.0.0.1:9000/v1/chat/completions"},
	}
	for _, tt := range tests {
		t.Run(tt.adapter.ID(), func(t *testing.T) {
			assert.Equal(t, tt.endpoint, tt.adapter.Endpoint("any"))
			assert.Equal(t, "Bearer sk-1", tt.adapter.Headers("sk-1").Get("Authorization"))
			assert.Equal(t, "data:", tt.adapter.DataPrefix())

			body, err := tt.adapter.BuildBody(sampleTurns, "m-1")
			require.NoError(t, err)
			var req chatCompletionRequest
			require.NoError(t, json.Unmarshal(body, &req))
			assert.Equal(t, "m-1", req.Model)
			assert.True(t, req.Stream)
			require.Len(t, req.Messages, 4)
			assert.Equal(t, "system", req.Messages[0].Role)
			assert.Equal(t, "What is Go?", req.Messages[3].Content)
		})
	}
}

func TestChatCompletionsExtractDelta(t *testing.T) {
	a := NewOpenAI("openai", "")
	tests := []struct {
		frame string
		want  string
		ok    bool
	}{
		{`{"choices":[{"delta":{"content":"Hel"}}]}`, "Hel", true},
		{`{"choices":[{"delta":{"role":"assistant"}}]}`, "", false},
		{`{"choices":[{"delta":{"content":""}}]}`, "", false},
		{`{"choices":[{"delta":{"content":null},"finish_reason":"stop"}]}`, "", false},
		{`{"choices":[]}`, "", false},
		{`[DONE]`, "", false},
	}
	for _, tt := range tests {
		got, ok := a.ExtractDelta([]byte(tt.frame))
		assert.Equal(t, tt.ok, ok, tt.frame)
		assert.Equal(t, tt.want, got, tt.frame)
	}
}

func TestOpenRouterHeaders(t *testing.T) {
	a := NewOpenRouter("openrouter", "", map[string]string{"X-Title": "My Site"})
	h := a.Headers("k")
	assert.Equal(t, "My Site", h.Get("X-Title"))
	assert.NotEmpty(t, h.Get("HTTP-Referer"))

	// Headers must not leak between calls.
	h.Set("X-Extra", "1")
	assert.Empty(t, a.Headers("k").Get("X-Extra"))
}

func TestMistralAgentBody(t *testing.T) {
	m := NewMistral("mistral", "")
	assert.Equal(t, "https://api.mistral.ai/v1/agents/completions", m.AgentEndpoint())

	body, err := m.BuildAgentBody(sampleTurns, "ag_123")
	require.NoError(t, err)
	var req agentCompletionRequest
	require.NoError(t, json.Unmarshal(body, &req))
	assert.Equal(t, "ag_123", req.AgentID)
	assert.True(t, req.Stream)
	require.Len(t, req.Messages, 3)
	assert.Equal(t, "user", req.Messages[0].Role)
}

func TestAnthropicAdapter(t *testing.T) {
	a := NewAnthropic("claude", "")
	assert.Equal(t, "https://api.anthropic.com/v1/messages", a.Endpoint("claude-3"))
	h := a.Headers("ak")
	assert.Equal(t, "ak", h.Get("x-api-key"))
	assert.Equal(t, "2023-06-01", h.Get("anthropic-version"))
	assert.Empty(t, h.Get("Authorization"))

	body, err := a.BuildBody(sampleTurns, "claude-3-opus-20240229")
	require.NoError(t, err)
	var req anthropicRequest
	require.NoError(t, json.Unmarshal(body, &req))
	assert.Equal(t, 4096, req.MaxTokens)
	assert.Equal(t, "You are helpful.", req.System)
	assert.True(t, req.Stream)
	require.Len(t, req.Messages, 3)
	assert.Equal(t, "user", req.Messages[0].Role)

	text, ok := a.ExtractDelta([]byte(`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hi"}}`))
	assert.True(t, ok)
	assert.Equal(t, "Hi", text)

	for _, frame := range []string{
		`{"type":"message_start","message":{"id":"msg_1"}}`,
		`{"type":"content_block_delta","delta":{"type":"input_json_delta","partial_json":"{"}}`,
		`{"type":"message_stop"}`,
		`{"type":"ping"}`,
	} {
		_, ok := a.ExtractDelta([]byte(frame))
		assert.False(t, ok, frame)
	}
}

func TestAnthropicNoSystemField(t *testing.T) {
	body, err := NewAnthropic("claude", "").BuildBody([]domain.Turn{{Role: domain.RoleUser, Content: "x"}}, "m")
	require.NoError(t, err)
	assert.NotContains(t, string(body), `"system"`)
}

func TestGeminiAdapter(t *testing.T) {
	g := NewGemini("gemini", "")
	assert.Equal(t,
		"https://generativelanguage.googleapis.com/v1beta/models/gemini-pro:streamGenerateContent?alt=sse",
		g.Endpoint("gemini-pro"))
	assert.Equal(t, "gk", g.Headers("gk").Get("x-goog-api-key"))

	body, err := g.BuildBody(sampleTurns, "gemini-pro")
	require.NoError(t, err)
	var req geminiRequest
	require.NoError(t, json.Unmarshal(body, &req))
	require.NotNil(t, req.SystemInstruction)
	assert.Equal(t, "You are helpful.", req.SystemInstruction.Parts[0].Text)
	require.Len(t, req.Contents, 3)
	assert.Equal(t, "user", req.Contents[0].Role)
	assert.Equal(t, "model", req.Contents[1].Role)
	assert.Equal(t, 40, req.GenerationConfig.TopK)

	text, ok := g.ExtractDelta([]byte(`{"candidates":[{"content":{"parts":[{"text":"Hel"},{"text":"lo"}],"role":"model"}}]}`))
	assert.True(t, ok)
	assert.Equal(t, "Hello", text)

	_, ok = g.ExtractDelta([]byte(`{"candidates":[{"finishReason":"STOP"}],"usageMetadata":{}}`))
	assert.False(t, ok)
}

func TestOllamaAdapter(t *testing.T) {
	o := NewOllama("ollama", "")
	assert.Equal(t, "http://localhost:11434/api/chat", o.Endpoint("llama3"))
	assert.Equal(t, "", o.DataPrefix())
	assert.True(t, o.Keyless())
	assert.Empty(t, o.Headers("").Get("Authorization"))

	text, ok := o.ExtractDelta([]byte(`{"model":"llama3","message":{"role":"assistant","content":"Hi"},"done":false}`))
	assert.True(t, ok)
	assert.Equal(t, "Hi", text)

	_, ok = o.ExtractDelta([]byte(`{"model":"llama3","message":{"role":"assistant","content":""},"done":true}`))
	assert.False(t, ok)
}

func TestOpenAIAssistantProtocol(t *testing.T) {
	a := NewOpenAIAssistant("openai", "https://api.test/v1")

	h := a.RunHeaders("sk")
	assert.Equal(t, "assistants=v2", h.Get("OpenAI-Beta"))
	assert.Equal(t, "Bearer sk", h.Get("Authorization"))

	assert.Equal(t, "https://api.test/v1/threads", a.CreateThreadURL())
	assert.JSONEq(t, `{}`, string(a.CreateThreadBody()))
	assert.Equal(t, "https://api.test/v1/threads/th_1/messages", a.AddMessageURL("th_1"))
	assert.Equal(t, "https://api.test/v1/threads/th_1/runs", a.StartRunURL("th_1"))
	assert.Equal(t, "https://api.test/v1/threads/th_1/runs/run_9", a.RunStatusURL("th_1", "run_9"))
	assert.Equal(t, "https://api.test/v1/threads/th_1/messages?order=desc&limit=1", a.MessagesURL("th_1"))

	id, ok := a.ThreadID([]byte(`{"id":"th_1","object":"thread"}`))
	assert.True(t, ok)
	assert.Equal(t, "th_1", id)
	_, ok = a.ThreadID([]byte(`{"error":{"message":"bad"}}`))
	assert.False(t, ok)

	body, err := a.AddMessageBody(domain.Turn{Role: domain.RoleUser, Content: "hi"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"role":"user","content":"hi"}`, string(body))

	body, err = a.AddMessageBody(domain.Turn{Role: domain.RoleSystem, Content: "be nice"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"role":"user","content":"Instructions:\nbe nice"}`, string(body))

	body, err = a.StartRunBody("asst_1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"assistant_id":"asst_1"}`, string(body))

	status, ok := a.RunStatus([]byte(`{"id":"run_9","status":"in_progress"}`))
	assert.True(t, ok)
	assert.Equal(t, domain.RunInProgress, status)

	text, ok := a.LatestMessage([]byte(`{"data":[{"role":"assistant","content":[
		{"type":"text","text":{"value":"Part one. ","annotations":[]}},
		{"type":"image_file","image_file":{"file_id":"f"}},
		{"type":"text","text":{"value":"Part two.","annotations":[]}}]}]}`))
	assert.True(t, ok)
	assert.Equal(t, "Part one. Part two.", text)

	_, ok = a.LatestMessage([]byte(`{"data":[{"role":"user","content":[{"type":"text","text":{"value":"q"}}]}]}`))
	assert.False(t, ok)
	_, ok = a.LatestMessage([]byte(`{"data":[]}`))
	assert.False(t, ok)
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(NewOpenAI("openai", "")))
	require.NoError(t, r.Register(NewAnthropic("claude", "")))

	err := r.Register(NewOpenAI("openai", ""))
	assert.ErrorIs(t, err, domain.ErrDuplicate)

	a, err := r.Resolve("claude")
	require.NoError(t, err)
	assert.Equal(t, "claude", a.ID())

	_, err = r.Resolve("cohere")
	assert.ErrorIs(t, err, domain.ErrProviderNotFound)
	assert.Equal(t, domain.CodeProviderNotFound, domain.ErrorCodeOf(err))

	assert.Equal(t, []string{"claude", "openai"}, r.List())
}

func TestExtractError(t *testing.T) {
	tests := []struct {
		name    string
		adapter domain.ErrorExtractor
		frame   string
		want    string
		ok      bool
	}{
		{"claude overloaded", NewAnthropic("claude", ""), `{"type":"error","error":{"type":"overloaded_error","message":"Overloaded"}}`, "Overloaded", true},
		{"claude type only", NewAnthropic("claude", ""), `{"type":"error","error":{"type":"api_error"}}`, "api_error", true},
		{"claude delta", NewAnthropic("claude", ""), `{"type":"content_block_delta","delta":{"type":"text_delta","text":"Hi"}}`, "", false},
		{"claude error field on other type", NewAnthropic("claude", ""), `{"type":"message_delta","error":{"message":"x"}}`, "", false},
		{"openai", NewOpenAI("openai", ""), `{"error":{"message":"rate limited","type":"requests"}}`, "rate limited", true},
		{"openrouter", NewOpenRouter("openrouter", "", nil), `{"error":{"code":502,"message":"upstream down"}}`, "upstream down", true},
		{"openai delta", NewOpenAI("openai", ""), `{"choices":[{"delta":{"content":"Hi"}}]}`, "", false},
		{"gemini", NewGemini("gemini", ""), `{"error":{"code":503,"message":"The model is overloaded.","status":"UNAVAILABLE"}}`, "The model is overloaded.", true},
		{"gemini delta", NewGemini("gemini", ""), `{"candidates":[{"content":{"parts":[{"text":"Hi"}]}}]}`, "", false},
		{"ollama", NewOllama("ollama", ""), `{"error":"model 'llama9' not found"}`, "model 'llama9' not found", true},
		{"ollama delta", NewOllama("ollama", ""), `{"message":{"content":"Hi"},"done":false}`, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := tt.adapter.ExtractError([]byte(tt.frame))
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}
