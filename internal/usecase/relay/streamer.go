package relay

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/tidwall/gjson"
	"go.opentelemetry.io/otel/trace"

	"chatrelay/internal/adapter/sse"
	"chatrelay/internal/domain"
	"chatrelay/internal/infra/tracer"
)

// Emit delivers one event downstream. It returns false once the receiver is gone.
type Emit func(domain.StreamEvent) bool

type streamState int

const (
	stateIdle streamState = iota
	stateConnecting
	stateStreaming
	stateCompleted
	stateFailed
)

func (s streamState) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateConnecting:
		return "connecting"
	case stateStreaming:
		return "streaming"
	case stateCompleted:
		return "completed"
	case stateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Target is one direct-mode provider exchange.
type Target struct {
	ProviderID string
	URL        string
	Headers    http.Header
	Body       []byte
	Decoder    domain.Adapter // supplies DataPrefix and ExtractDelta, optionally ExtractError
}

// Streamer relays one streaming HTTP exchange as Content events.
type Streamer struct {
	transport domain.Transport
	logger    *slog.Logger
}

// NewStreamer creates a Streamer that sends requests through transport.
func NewStreamer(transport domain.Transport, logger *slog.Logger) *Streamer {
	return &Streamer{transport: transport, logger: logger}
}

// Stream connects to t and emits one Content event per text delta. It
// returns nil when the provider ends the body normally. An error payload
// inside a 2xx stream ends it with a *domain.ProviderError. A non-nil error
// is terminal; content already emitted stays emitted.
func (s *Streamer) Stream(ctx context.Context, t Target, emit Emit) (err error) {
	ctx, span := tracer.StartSpan(ctx, "relay.stream",
		trace.WithAttributes(tracer.StringAttr("provider", t.ProviderID)),
	)
	defer span.End()

	state := stateIdle
	move := func(next streamState) {
		s.logger.Debug("stream state", "provider", t.ProviderID, "from", state.String(), "to", next.String())
		span.AddEvent(next.String())
		state = next
	}
	defer func() {
		if err != nil {
			move(stateFailed)
			tracer.RecordError(span, err)
			return
		}
		move(stateCompleted)
		tracer.SetOK(span)
	}()

	move(stateConnecting)
	body, err := s.transport.Stream(ctx, t.ProviderID, t.URL, t.Headers, t.Body)
	if err != nil {
		return err
	}
	defer body.Close()
	move(stateStreaming)

	prefix := t.Decoder.DataPrefix()
	extractor, _ := t.Decoder.(domain.ErrorExtractor)
	var deltas, skipped int
	var gone bool
	var upstream *domain.ProviderError
	readErr := sse.ReadLines(ctx, body, func(line []byte) bool {
		payload, ok := sse.Payload(line, prefix)
		if !ok {
			return true
		}
		if sse.IsDone(payload) {
			return false
		}
		if !gjson.ValidBytes(payload) {
			skipped++
			s.logger.Debug("skipping malformed frame", "provider", t.ProviderID, "bytes", len(payload))
			return true
		}
		if extractor != nil {
			if msg, failed := extractor.ExtractError(payload); failed {
				upstream = &domain.ProviderError{StatusCode: http.StatusOK, Body: msg}
				return false
			}
		}
		text, ok := t.Decoder.ExtractDelta(payload)
		if !ok {
			return true
		}
		deltas++
		if !emit(domain.ContentEvent(text)) {
			gone = true
			return false
		}
		return true
	})

	span.SetAttributes(tracer.IntAttr("deltas", deltas), tracer.IntAttr("skipped", skipped))
	switch {
	case gone:
		if cause := context.Cause(ctx); cause != nil {
			return cause
		}
		return context.Canceled
	case upstream != nil:
		s.logger.Warn("provider reported error mid-stream", "provider", t.ProviderID, "message", upstream.Body)
		return upstream
	case readErr == nil:
		return nil
	case ctx.Err() != nil:
		return ctx.Err()
	default:
		return fmt.Errorf("%w: %w", domain.ErrTransport, readErr)
	}
}
