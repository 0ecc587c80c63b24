package domain

import (
	"context"
	"io"
	"net/http"
)

// Adapter describes how to reach one provider in direct streaming mode.
// Implementations are pure: they build requests and decode frames but do no I/O.
type Adapter interface {
	// ID returns the provider identifier (e.g., "openai", "claude").
	ID() string
	// DefaultModel is used when settings leave the model empty.
	DefaultModel() string
	// Endpoint returns the streaming URL for model.
	Endpoint(model string) string
	// Headers returns the request headers including authentication.
	Headers(apiKey string) http.Header
	// BuildBody encodes turns in the provider's wire format with streaming enabled.
	BuildBody(turns []Turn, model string) ([]byte, error)
	// DataPrefix is the line prefix marking a data frame. Empty means every line is a frame.
	DataPrefix() string
	// ExtractDelta returns the text carried by one frame payload.
	// ok is false for control frames and frames without text.
	ExtractDelta(frame []byte) (text string, ok bool)
}

// ErrorExtractor is implemented by adapters whose providers can report a
// failure inside an otherwise successful stream.
type ErrorExtractor interface {
	// ExtractError returns the provider's message when frame is an error payload.
	ExtractError(frame []byte) (message string, ok bool)
}

// KeylessAdapter is implemented by adapters that accept an empty API key.
type KeylessAdapter interface {
	Keyless() bool
}

// RunAdapter describes the thread + run protocol of providers with hosted assistants.
type RunAdapter interface {
	Adapter
	RunHeaders(apiKey string) http.Header
	CreateThreadURL() string
	CreateThreadBody() []byte
	ThreadID(body []byte) (string, bool)
	AddMessageURL(threadID string) string
	AddMessageBody(turn Turn) ([]byte, error)
	StartRunURL(threadID string) string
	StartRunBody(assistantRef string) ([]byte, error)
	RunID(body []byte) (string, bool)
	RunStatusURL(threadID, runID string) string
	RunStatus(body []byte) (RunStatus, bool)
	MessagesURL(threadID string) string
	LatestMessage(body []byte) (string, bool)
}

// AgentAdapter is implemented by providers whose hosted agents stream like chat completions.
type AgentAdapter interface {
	Adapter
	AgentEndpoint() string
	BuildAgentBody(turns []Turn, agentRef string) ([]byte, error)
}

// NativeStreamer is implemented by SDK-backed providers that do not speak
// HTTP line framing directly. Text deltas are delivered on the returned channel,
// which is closed when the stream ends; a non-nil error is sent on errc.
type NativeStreamer interface {
	StreamNative(ctx context.Context, turns []Turn, model string) (<-chan string, <-chan error)
}

// RunStatus is the lifecycle status of an assistant run.
type RunStatus string

const (
	RunQueued     RunStatus = "queued"
	RunInProgress RunStatus = "in_progress"
	RunCompleted  RunStatus = "completed"
	RunFailed     RunStatus = "failed"
	RunCancelled  RunStatus = "cancelled"
	RunExpired    RunStatus = "expired"
	RunTimeout    RunStatus = "timeout"
)

// Failed reports whether the provider ended the run without a result.
func (s RunStatus) Failed() bool {
	return s == RunFailed || s == RunCancelled || s == RunExpired
}

// Run tracks one assistant run. It lives for a single request only.
type Run struct {
	ThreadID string
	RunID    string
	Status   RunStatus
}

// Transport performs provider HTTP calls on behalf of the relay.
// Non-2xx answers are returned as *ProviderError; network failures wrap ErrTransport.
type Transport interface {
	// Stream sends a POST and returns the open response body on 2xx.
	Stream(ctx context.Context, providerID, url string, headers http.Header, body []byte) (io.ReadCloser, error)
	// Call sends one request and returns the full response body on 2xx.
	// A nil body sends no payload.
	Call(ctx context.Context, providerID, method, url string, headers http.Header, body []byte) ([]byte, error)
}
