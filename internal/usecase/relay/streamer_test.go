package relay

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatrelay/internal/adapter/provider"
	"chatrelay/internal/domain"
)

// chunkedServer writes each chunk separately and flushes in between.
func chunkedServer(t *testing.T, status int, chunks ...string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(status)
		for _, c := range chunks {
			io.WriteString(w, c)
			w.(http.Flusher).Flush()
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func openAITarget(t *testing.T, baseURL string) Target {
	t.Helper()
	a := provider.NewOpenAI("openai", baseURL)
	body, err := a.BuildBody([]domain.Turn{{Role: domain.RoleUser, Content: "hi"}}, "gpt-test")
	require.NoError(t, err)
	return Target{
		ProviderID: "openai",
		URL:        a.Endpoint("gpt-test"),
		Headers:    a.Headers("sk-test"),
		Body:       body,
		Decoder:    a,
	}
}

func newTestStreamer() *Streamer {
	return NewStreamer(provider.NewHTTPTransport(nil, slog.Default()), slog.Default())
}

func contentOf(events []domain.StreamEvent) string {
	var sb strings.Builder
	for _, ev := range events {
		sb.WriteString(ev.Text)
	}
	return sb.String()
}

func TestStreamerSplitFramesMatchUnsplit(t *testing.T) {
	stream := "data: {\"choices\":[{\"delta\":{\"role\":\"assistant\"}}]}\n\n" +
		"data: {\"choices\":[{\"delta\":{\"content\":\"Hel\"}}]}\n\n" +
		"data: {\"choices\":[{\"delta\":{\"content\":\"lo, \"}}]}\n\n" +
		"data: {\"choices\":[{\"delta\":{\"content\":\"world\"}}]}\n\n" +
		"data: [DONE]\n\n"

	whole := chunkedServer(t, http.StatusOK, stream)
	split := chunkedServer(t, http.StatusOK, stream[:37], stream[37:90], stream[90:91], stream[91:])

	var a, b recorder
	require.NoError(t, newTestStreamer().Stream(context.Background(), openAITarget(t, whole.URL), a.emit))
	require.NoError(t, newTestStreamer().Stream(context.Background(), openAITarget(t, split.URL), b.emit))

	assert.Equal(t, "Hello, world", contentOf(a.events))
	assert.Equal(t, a.events, b.events)
	assert.Len(t, a.events, 3)
}

func TestStreamerSkipsMalformedFrames(t *testing.T) {
	srv := chunkedServer(t, http.StatusOK,
		"data: {\"choices\":[{\"delta\":{\"content\":\"a\"}}]}\n",
		"data: {not json\n",
		": keep-alive\n",
		"event: ping\n",
		"data: {\"choices\":[{\"delta\":{\"content\":\"b\"}}]}\n",
	)
	var rec recorder
	require.NoError(t, newTestStreamer().Stream(context.Background(), openAITarget(t, srv.URL), rec.emit))
	assert.Equal(t, "ab", contentOf(rec.events))
}

func TestStreamerProcessesUnterminatedLastLine(t *testing.T) {
	srv := chunkedServer(t, http.StatusOK,
		"data: {\"choices\":[{\"delta\":{\"content\":\"first\"}}]}\n",
		"data: {\"choices\":[{\"delta\":{\"content\":\" last\"}}]}",
	)
	var rec recorder
	require.NoError(t, newTestStreamer().Stream(context.Background(), openAITarget(t, srv.URL), rec.emit))
	assert.Equal(t, "first last", contentOf(rec.events))
}

func TestStreamerProviderError(t *testing.T) {
	srv := chunkedServer(t, http.StatusInternalServerError, `{"error":{"message":"overloaded"}}`)
	var rec recorder

	err := newTestStreamer().Stream(context.Background(), openAITarget(t, srv.URL), rec.emit)
	require.Error(t, err)
	var pe *domain.ProviderError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, http.StatusInternalServerError, pe.StatusCode)
	assert.Contains(t, PublicMessage(err), "API returned error: 500")
	assert.Contains(t, PublicMessage(err), "overloaded")
	assert.Empty(t, rec.events)
}

func TestStreamerConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	var rec recorder
	err := newTestStreamer().Stream(context.Background(), openAITarget(t, url), rec.emit)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrTransport)
	assert.True(t, strings.HasPrefix(PublicMessage(err), "API request failed: "))
	assert.Empty(t, rec.events)
}

// streamTransport returns a canned body for every Stream call.
type streamTransport struct {
	body io.Reader
}

func (s streamTransport) Stream(context.Context, string, string, http.Header, []byte) (io.ReadCloser, error) {
	return io.NopCloser(s.body), nil
}

func (s streamTransport) Call(context.Context, string, string, string, http.Header, []byte) ([]byte, error) {
	return nil, errors.New("unexpected call")
}

func TestStreamerErrorAfterContentKeepsContent(t *testing.T) {
	body := io.MultiReader(
		strings.NewReader("data: {\"choices\":[{\"delta\":{\"content\":\"partial\"}}]}\n"),
		iotest.ErrReader(errors.New("connection reset by peer")),
	)
	s := NewStreamer(streamTransport{body: body}, slog.Default())
	var rec recorder

	err := s.Stream(context.Background(), openAITarget(t, "http://unused"), rec.emit)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrTransport)
	assert.Equal(t, "API request failed: connection reset by peer", PublicMessage(err))
	assert.Equal(t, []domain.StreamEvent{domain.ContentEvent("partial")}, rec.events)
}

func TestStreamerStopsWhenReceiverGone(t *testing.T) {
	srv := chunkedServer(t, http.StatusOK,
		"data: {\"choices\":[{\"delta\":{\"content\":\"a\"}}]}\n",
		"data: {\"choices\":[{\"delta\":{\"content\":\"b\"}}]}\n",
	)
	ctx, cancel := context.WithCancel(context.Background())
	n := 0
	emit := func(domain.StreamEvent) bool {
		n++
		cancel()
		return false
	}

	err := newTestStreamer().Stream(ctx, openAITarget(t, srv.URL), emit)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, n)
}

func TestStreamerNDJSON(t *testing.T) {
	srv := chunkedServer(t, http.StatusOK,
		`{"message":{"role":"assistant","content":"Hi"},"done":false}`+"\n",
		`{"message":{"role":"assistant","content":" there"},"done":false}`+"\n",
		`{"message":{"role":"assistant","content":""},"done":true}`+"\n",
	)
	a := provider.NewOllama("ollama", srv.URL)
	body, err := a.BuildBody([]domain.Turn{{Role: domain.RoleUser, Content: "hi"}}, "llama3")
	require.NoError(t, err)

	var rec recorder
	err = newTestStreamer().Stream(context.Background(), Target{
		ProviderID: "ollama",
		URL:        a.Endpoint("llama3"),
		Headers:    a.Headers(""),
		Body:       body,
		Decoder:    a,
	}, rec.emit)
	require.NoError(t, err)
	assert.Equal(t, "Hi there", contentOf(rec.events))
}

func TestStreamStateString(t *testing.T) {
	assert.Equal(t, "connecting", stateConnecting.String())
	assert.Equal(t, "failed", stateFailed.String())
	assert.Equal(t, "unknown", streamState(42).String())
}

func adapterTarget(t *testing.T, a domain.Adapter, model string) Target {
	t.Helper()
	body, err := a.BuildBody([]domain.Turn{{Role: domain.RoleUser, Content: "hi"}}, model)
	require.NoError(t, err)
	return Target{
		ProviderID: a.ID(),
		URL:        a.Endpoint(model),
		Headers:    a.Headers("sk-test"),
		Body:       body,
		Decoder:    a,
	}
}

func TestStreamerErrorInsideSuccessfulStream(t *testing.T) {
	tests := []struct {
		name    string
		adapter func(baseURL string) domain.Adapter
		chunks  []string
		content string
		message string
	}{
		{
			name:    "claude overloaded after text",
			adapter: func(u string) domain.Adapter { return provider.NewAnthropic("claude", u) },
			chunks: []string{
				"event: content_block_delta\n",
				"data: {\"type\":\"content_block_delta\",\"index\":0,\"delta\":{\"type\":\"text_delta\",\"text\":\"Hi\"}}\n\n",
				"event: error\n",
				"data: {\"type\":\"error\",\"error\":{\"type\":\"overloaded_error\",\"message\":\"Overloaded\"}}\n\n",
			},
			content: "Hi",
			message: "Overloaded",
		},
		{
			name:    "chat completions error object",
			adapter: func(u string) domain.Adapter { return provider.NewOpenAI("openai", u) },
			chunks: []string{
				"data: {\"choices\":[{\"delta\":{\"content\":\"par\"}}]}\n\n",
				"data: {\"error\":{\"message\":\"Rate limit reached\",\"type\":\"requests\"}}\n\n",
				"data: {\"choices\":[{\"delta\":{\"content\":\"never\"}}]}\n\n",
			},
			content: "par",
			message: "Rate limit reached",
		},
		{
			name:    "gemini error object",
			adapter: func(u string) domain.Adapter { return provider.NewGemini("gemini", u) },
			chunks: []string{
				"data: {\"error\":{\"code\":503,\"message\":\"The model is overloaded.\",\"status\":\"UNAVAILABLE\"}}\n\n",
			},
			message: "The model is overloaded.",
		},
		{
			name:    "ollama error string",
			adapter: func(u string) domain.Adapter { return provider.NewOllama("ollama", u) },
			chunks: []string{
				`{"message":{"role":"assistant","content":"Hi"},"done":false}` + "\n",
				`{"error":"model runner has unexpectedly stopped"}` + "\n",
			},
			content: "Hi",
			message: "model runner has unexpectedly stopped",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := chunkedServer(t, http.StatusOK, tt.chunks...)
			var rec recorder

			err := newTestStreamer().Stream(context.Background(), adapterTarget(t, tt.adapter(srv.URL), "m-1"), rec.emit)
			require.Error(t, err)
			var pe *domain.ProviderError
			require.True(t, errors.As(err, &pe))
			assert.Equal(t, http.StatusOK, pe.StatusCode)
			assert.Equal(t, tt.message, pe.Body)
			assert.ErrorIs(t, err, domain.ErrProviderError)
			assert.Contains(t, PublicMessage(err), tt.message)
			assert.Equal(t, tt.content, contentOf(rec.events))
		})
	}
}

func TestStreamerAcceptsDataPrefixWithoutSpace(t *testing.T) {
	srv := chunkedServer(t, http.StatusOK,
		"data:{\"choices\":[{\"delta\":{\"content\":\"tight\"}}]}\n",
		"data: {\"choices\":[{\"delta\":{\"content\":\" spaced\"}}]}\n",
		"data:[DONE]\n",
	)
	var rec recorder
	require.NoError(t, newTestStreamer().Stream(context.Background(), openAITarget(t, srv.URL), rec.emit))
	assert.Equal(t, "tight spaced", contentOf(rec.events))
}
