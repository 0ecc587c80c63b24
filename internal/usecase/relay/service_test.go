package relay

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"chatrelay/internal/adapter/provider"
	"chatrelay/internal/domain"
	"chatrelay/internal/usecase/eventbus"
)

type fakeSettings struct {
	def       string
	providers map[string]domain.ProviderSettings
}

func (f fakeSettings) DefaultProvider() string { return f.def }

func (f fakeSettings) Settings(id string) (domain.ProviderSettings, bool) {
	s, ok := f.providers[id]
	return s, ok
}

// fakeProvider is an httptest server speaking the chat-completions and
// assistants protocols. It records every request body by path.
type fakeProvider struct {
	*httptest.Server
	mu     sync.Mutex
	bodies map[string][]string
	hits   atomic.Int32
}

func newFakeProvider(t *testing.T) *fakeProvider {
	t.Helper()
	fp := &fakeProvider{bodies: make(map[string][]string)}
	fp.Server = httptest.NewServer(http.HandlerFunc(fp.serve))
	t.Cleanup(fp.Close)
	return fp
}

func (fp *fakeProvider) serve(w http.ResponseWriter, r *http.Request) {
	fp.hits.Add(1)
	body, _ := io.ReadAll(r.Body)
	fp.mu.Lock()
	fp.bodies[r.URL.Path] = append(fp.bodies[r.URL.Path], string(body))
	fp.mu.Unlock()

	switch r.Method + " " + r.URL.Path {
	case "POST /chat/completions", "POST /agents/completions":
		w.Header().Set("Content-Type", "text/event-stream")
		for _, part := range []string{"Hello", " there"} {
			io.WriteString(w, `data: {"choices":[{"delta":{"content":"`+part+`"}}]}`+"\n\n")
			w.(http.Flusher).Flush()
		}
		io.WriteString(w, "data: [DONE]\n\n")
	case "POST /threads":
		io.WriteString(w, `{"id":"th_1"}`)
	case "POST /threads/th_1/messages":
		io.WriteString(w, `{"id":"msg_1"}`)
	case "POST /threads/th_1/runs":
		io.WriteString(w, `{"id":"run_1","status":"queued"}`)
	case "GET /threads/th_1/runs/run_1":
		io.WriteString(w, `{"id":"run_1","status":"completed"}`)
	case "GET /threads/th_1/messages":
		io.WriteString(w, assistantAnswer)
	default:
		http.NotFound(w, r)
	}
}

func (fp *fakeProvider) body(path string, i int) string {
	fp.mu.Lock()
	defer fp.mu.Unlock()
	return fp.bodies[path][i]
}

type serviceFixture struct {
	svc      *Service
	provider *fakeProvider
	bus      *eventbus.Bus
	stats    *eventbus.Stats
}

func newServiceFixture(t *testing.T, settings map[string]domain.ProviderSettings) *serviceFixture {
	t.Helper()
	fp := newFakeProvider(t)

	reg := provider.NewRegistry()
	require.NoError(t, reg.Register(provider.NewOpenAIAssistant("openai", fp.URL)))
	require.NoError(t, reg.Register(provider.NewMistral("mistral", fp.URL)))
	require.NoError(t, reg.Register(provider.NewAnthropic("claude", fp.URL)))
	require.NoError(t, reg.Register(provider.NewOllama("ollama", fp.URL)))

	bus := eventbus.New(slog.Default())
	stats := eventbus.NewStats(bus)
	svc := NewService(ServiceDeps{
		Adapters:        reg,
		Settings:        fakeSettings{def: "openai", providers: settings},
		Transport:       provider.NewHTTPTransport(nil, slog.Default()),
		Bus:             bus,
		PollInterval:    time.Millisecond,
		MaxPollAttempts: 5,
		Logger:          slog.Default(),
	})
	return &serviceFixture{svc: svc, provider: fp, bus: bus, stats: stats}
}

func drain(ch <-chan domain.StreamEvent) []domain.StreamEvent {
	var out []domain.StreamEvent
	for ev := range ch {
		out = append(out, ev)
	}
	return out
}

func TestServiceRejectsBeforeOutboundCall(t *testing.T) {
	tests := []struct {
		name string
		in   domain.InboundRequest
		msg  string
		code domain.ErrorCode
	}{
		{"empty message", domain.InboundRequest{Message: "  "}, "Message required", domain.CodeMessageRequired},
		{"unknown provider", domain.InboundRequest{Message: "hi", Provider: "cohere"}, "Provider not supported", domain.CodeProviderNotFound},
		{"missing key", domain.InboundRequest{Message: "hi", Provider: "claude"}, "API key required", domain.CodeAPIKeyRequired},
		{"bad history role", domain.InboundRequest{Message: "hi", History: []domain.Turn{{Role: "tool", Content: "x"}}}, "Invalid history", domain.CodeInvalidRole},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fx := newServiceFixture(t, map[string]domain.ProviderSettings{
				"openai": {APIKey: "sk"},
				"claude": {},
			})

			events := drain(fx.svc.Stream(context.Background(), tt.in))
			require.Len(t, events, 1)
			assert.Equal(t, domain.KindError, events[0].Kind)
			assert.Equal(t, tt.msg, events[0].Message)
			assert.Equal(t, tt.code, events[0].Code)
			assert.Zero(t, fx.provider.hits.Load())
		})
	}
}

func TestServiceDirectStream(t *testing.T) {
	fx := newServiceFixture(t, map[string]domain.ProviderSettings{
		"openai": {APIKey: "sk", Model: "gpt-test", Definition: "Be brief."},
	})

	events := drain(fx.svc.Stream(context.Background(), domain.InboundRequest{
		Message: "bye",
		History: []domain.Turn{{Role: domain.RoleUser, Content: "hi"}, {Role: domain.RoleAssistant, Content: "hello"}},
		Context: "Page text",
	}))
	require.Len(t, events, 3)
	assert.Equal(t, domain.ContentEvent("Hello"), events[0])
	assert.Equal(t, domain.ContentEvent(" there"), events[1])
	assert.Equal(t, domain.DoneEvent(), events[2])

	body := fx.provider.body("/chat/completions", 0)
	assert.Equal(t, "gpt-test", gjson.Get(body, "model").String())
	assert.True(t, gjson.Get(body, "stream").Bool())
	msgs := gjson.Get(body, "messages").Array()
	require.Len(t, msgs, 4)
	assert.Equal(t, "system", msgs[0].Get("role").String())
	assert.Equal(t, WithPageContext("Be brief.", "Page text"), msgs[0].Get("content").String())
	assert.Equal(t, "bye", msgs[3].Get("content").String())

	fx.bus.Close()
	snap := fx.stats.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, int64(1), snap[0].Started)
	assert.Equal(t, int64(1), snap[0].Completed)
	assert.Equal(t, int64(len("Hello there")), snap[0].Chars)
}

func TestServiceAssistantRun(t *testing.T) {
	fx := newServiceFixture(t, map[string]domain.ProviderSettings{
		"openai": {APIKey: "sk", UseAssistant: true, AssistantRef: "asst_1"},
	})

	events := drain(fx.svc.Stream(context.Background(), domain.InboundRequest{Message: "why?", Context: "Page"}))
	require.Len(t, events, 3)
	assert.Equal(t, domain.StatusEvent(domain.StatusProcessing), events[0])
	assert.Equal(t, domain.ContentEvent("The answer."), events[1])
	assert.Equal(t, domain.DoneEvent(), events[2])

	var msg map[string]string
	require.NoError(t, json.Unmarshal([]byte(fx.provider.body("/threads/th_1/messages", 0)), &msg))
	assert.Equal(t, "Context:\nPage\n\nUser Question: why?", msg["content"])
}

func TestServiceAgentMode(t *testing.T) {
	fx := newServiceFixture(t, map[string]domain.ProviderSettings{
		"mistral": {APIKey: "sk", UseAssistant: true, AssistantRef: "ag_1"},
	})

	content, last, err := Collect(fx.svc.Stream(context.Background(), domain.InboundRequest{Message: "hi", Provider: "mistral"}))
	require.NoError(t, err)
	assert.Equal(t, "Hello there", content)
	assert.Equal(t, domain.KindDone, last.Kind)
	assert.Equal(t, "ag_1", gjson.Get(fx.provider.body("/agents/completions", 0), "agent_id").String())
}

func TestServiceAssistantUnsupported(t *testing.T) {
	fx := newServiceFixture(t, map[string]domain.ProviderSettings{
		"claude": {APIKey: "sk", UseAssistant: true, AssistantRef: "x"},
	})

	_, last, err := Collect(fx.svc.Stream(context.Background(), domain.InboundRequest{Message: "hi", Provider: "claude"}))
	require.Error(t, err)
	assert.Equal(t, "Assistant mode not supported", last.Message)
	assert.Equal(t, domain.CodeAssistantNotSupport, last.Code)
	assert.Zero(t, fx.provider.hits.Load())
}

func TestServiceKeylessProvider(t *testing.T) {
	fx := newServiceFixture(t, map[string]domain.ProviderSettings{"ollama": {}})

	events := drain(fx.svc.Stream(context.Background(), domain.InboundRequest{Message: "hi", Provider: "ollama"}))
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	// The fake speaks chat completions on a different path, so ollama gets a 404.
	assert.Equal(t, domain.KindError, last.Kind)
	assert.Contains(t, last.Message, "API returned error: 404")
	assert.Equal(t, int32(1), fx.provider.hits.Load())
}

func TestServiceProviderErrorIsTerminal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	reg := provider.NewRegistry()
	require.NoError(t, reg.Register(provider.NewOpenAI("openai", srv.URL)))
	svc := NewService(ServiceDeps{
		Adapters:  reg,
		Settings:  fakeSettings{def: "openai", providers: map[string]domain.ProviderSettings{"openai": {APIKey: "sk"}}},
		Transport: provider.NewHTTPTransport(nil, slog.Default()),
	})

	events := drain(svc.Stream(context.Background(), domain.InboundRequest{Message: "hi"}))
	require.Len(t, events, 1)
	assert.Equal(t, domain.KindError, events[0].Kind)
	assert.Equal(t, "API returned error: 500", events[0].Message)
	assert.Equal(t, domain.CodeProviderError, events[0].Code)
}

func TestServiceErrorInsideSuccessfulStreamIsTerminal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, "event: content_block_delta\n")
		io.WriteString(w, `data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hi"}}`+"\n\n")
		io.WriteString(w, "event: error\n")
		io.WriteString(w, `data: {"type":"error","error":{"type":"overloaded_error","message":"Overloaded"}}`+"\n\n")
	}))
	defer srv.Close()

	reg := provider.NewRegistry()
	require.NoError(t, reg.Register(provider.NewAnthropic("claude", srv.URL)))
	svc := NewService(ServiceDeps{
		Adapters:  reg,
		Settings:  fakeSettings{def: "claude", providers: map[string]domain.ProviderSettings{"claude": {APIKey: "sk"}}},
		Transport: provider.NewHTTPTransport(nil, slog.Default()),
	})

	events := drain(svc.Stream(context.Background(), domain.InboundRequest{Message: "hi"}))
	require.Len(t, events, 2)
	assert.Equal(t, domain.ContentEvent("Hi"), events[0])
	assert.Equal(t, domain.KindError, events[1].Kind)
	assert.Equal(t, "API returned error: 200: Overloaded", events[1].Message)
	assert.Equal(t, domain.CodeProviderError, events[1].Code)
}

// nativeAdapter streams from memory like an SDK-backed provider.
type nativeAdapter struct {
	*provider.ChatCompletions
	deltas []string
	err    error
}

func (n nativeAdapter) Keyless() bool { return true }

func (n nativeAdapter) StreamNative(ctx context.Context, _ []domain.Turn, _ string) (<-chan string, <-chan error) {
	out := make(chan string)
	errc := make(chan error, 1)
	go func() {
		defer close(out)
		for _, d := range n.deltas {
			select {
			case out <- d:
			case <-ctx.Done():
				errc <- ctx.Err()
				return
			}
		}
		if n.err != nil {
			errc <- n.err
		}
	}()
	return out, errc
}

func TestServiceNativeStreamer(t *testing.T) {
	reg := provider.NewRegistry()
	require.NoError(t, reg.Register(nativeAdapter{
		ChatCompletions: provider.NewOpenAI("bedrock", "http://unused"),
		deltas:          []string{"a", "b"},
		err:             &domain.ProviderError{StatusCode: 400, Body: "ValidationException", Err: domain.ErrProviderError},
	}))
	svc := NewService(ServiceDeps{
		Adapters:  reg,
		Settings:  fakeSettings{def: "bedrock", providers: map[string]domain.ProviderSettings{"bedrock": {}}},
		Transport: provider.NewHTTPTransport(nil, slog.Default()),
	})

	content, last, err := Collect(svc.Stream(context.Background(), domain.InboundRequest{Message: "hi"}))
	require.Error(t, err)
	assert.Equal(t, "ab", content)
	assert.Equal(t, "API returned error: 400: ValidationException", last.Message)
}

func TestServiceBackpressurePreservesOrder(t *testing.T) {
	deltas := make([]string, 100)
	for i := range deltas {
		deltas[i] = string(rune('a' + i%26))
	}
	reg := provider.NewRegistry()
	require.NoError(t, reg.Register(nativeAdapter{ChatCompletions: provider.NewOpenAI("native", "http://unused"), deltas: deltas}))
	svc := NewService(ServiceDeps{
		Adapters:  reg,
		Settings:  fakeSettings{def: "native", providers: map[string]domain.ProviderSettings{"native": {}}},
		Transport: provider.NewHTTPTransport(nil, slog.Default()),
		QueueSize: 1,
	})

	var got []string
	for ev := range svc.Stream(context.Background(), domain.InboundRequest{Message: "hi"}) {
		time.Sleep(100 * time.Microsecond)
		if ev.Kind == domain.KindContent {
			got = append(got, ev.Text)
		}
	}
	assert.Equal(t, deltas, got)
}

func TestServiceCancelledClientClosesChannel(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, `data: {"choices":[{"delta":{"content":"x"}}]}`+"\n\n")
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-block:
		}
	}))
	defer srv.Close()
	defer close(block)

	reg := provider.NewRegistry()
	require.NoError(t, reg.Register(provider.NewOpenAI("openai", srv.URL)))
	svc := NewService(ServiceDeps{
		Adapters:  reg,
		Settings:  fakeSettings{def: "openai", providers: map[string]domain.ProviderSettings{"openai": {APIKey: "sk"}}},
		Transport: provider.NewHTTPTransport(nil, slog.Default()),
	})

	ctx, cancel := context.WithCancel(context.Background())
	events := svc.Stream(ctx, domain.InboundRequest{Message: "hi"})
	first := <-events
	assert.Equal(t, domain.ContentEvent("x"), first)
	cancel()

	done := make(chan struct{})
	go func() {
		drain(events)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("stream channel not closed after cancel")
	}
}

func TestRequestID(t *testing.T) {
	assert.Equal(t, "req-1", requestID(WithRequestID(context.Background(), "req-1")))
	assert.Len(t, requestID(context.Background()), 26)
}
