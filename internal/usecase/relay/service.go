package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"chatrelay/internal/domain"
	"chatrelay/internal/usecase/eventbus"
)

// DefaultQueueSize bounds the events buffered between a provider and a slow client.
const DefaultQueueSize = 256

// AdapterResolver looks up provider adapters by id.
type AdapterResolver interface {
	Resolve(id string) (domain.Adapter, error)
}

// ServiceDeps holds the collaborators of a Service.
type ServiceDeps struct {
	Adapters        AdapterResolver
	Settings        domain.SettingsProvider
	Transport       domain.Transport
	Bus             domain.EventBus // optional
	QueueSize       int
	PollInterval    time.Duration
	MaxPollAttempts int
	Logger          *slog.Logger
}

// Service is the relay entry point. It keeps no state between requests.
type Service struct {
	adapters  AdapterResolver
	settings  domain.SettingsProvider
	streamer  *Streamer
	runs      *RunMachine
	bus       domain.EventBus
	queueSize int
	logger    *slog.Logger
}

// NewService creates a Service.
func NewService(deps ServiceDeps) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	queue := deps.QueueSize
	if queue <= 0 {
		queue = DefaultQueueSize
	}
	return &Service{
		adapters:  deps.Adapters,
		settings:  deps.Settings,
		streamer:  NewStreamer(deps.Transport, logger),
		runs:      NewRunMachine(deps.Transport, deps.PollInterval, deps.MaxPollAttempts, logger),
		bus:       deps.Bus,
		queueSize: queue,
		logger:    logger,
	}
}

type requestIDKey struct{}

// WithRequestID attaches an externally assigned request id to ctx.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

func requestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey{}).(string); ok && id != "" {
		return id
	}
	return domain.NewID()
}

// Stream relays in and returns its events in order. The channel always ends
// with exactly one Done or Error event unless ctx is cancelled first, and is
// closed afterwards. The producer blocks when the buffer is full.
func (s *Service) Stream(ctx context.Context, in domain.InboundRequest) <-chan domain.StreamEvent {
	out := make(chan domain.StreamEvent, s.queueSize)
	id := requestID(ctx)

	go func() {
		defer close(out)
		emit := func(ev domain.StreamEvent) bool {
			select {
			case out <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}
		s.handle(ctx, id, in, emit)
	}()
	return out
}

func (s *Service) handle(ctx context.Context, id string, in domain.InboundRequest, emit Emit) {
	logger := s.logger.With("request_id", id)
	start := time.Now()

	req, adapter, err := s.prepare(in)
	if err != nil {
		logger.Info("relay rejected", "provider", req.Provider, "error", err)
		s.publish(ctx, domain.EventRelayFailed, id, domain.RelayPayload{Provider: req.Provider, Code: domain.ErrorCodeOf(err)})
		emit(domain.ErrorEvent(PublicMessage(err), err))
		return
	}

	logger = logger.With("provider", req.Provider, "mode", string(req.Mode))
	logger.Debug("relay started", "model", req.Model, "history", len(req.Turns))
	s.publish(ctx, domain.EventRelayStarted, id, domain.RelayPayload{Provider: req.Provider, Mode: req.Mode})

	var chars int
	counted := func(ev domain.StreamEvent) bool {
		if ev.Kind == domain.KindContent {
			chars += len(ev.Text)
		}
		return emit(ev)
	}

	err = s.route(ctx, req, adapter, counted)
	payload := domain.RelayPayload{Provider: req.Provider, Mode: req.Mode, Chars: chars}
	switch {
	case err == nil:
		logger.Info("relay completed", "chars", chars, "duration", time.Since(start))
		s.publish(ctx, domain.EventRelayCompleted, id, payload)
		emit(domain.DoneEvent())
	case ctx.Err() != nil:
		logger.Info("relay abandoned by client", "chars", chars, "duration", time.Since(start))
		payload.Code = domain.CodeTimeout
		s.publish(context.WithoutCancel(ctx), domain.EventRelayFailed, id, payload)
	default:
		payload.Code = domain.ErrorCodeOf(err)
		logger.Warn("relay failed", "code", string(payload.Code), "error", err, "chars", chars)
		s.publish(ctx, domain.EventRelayFailed, id, payload)
		emit(domain.ErrorEvent(PublicMessage(err), err))
	}
}

// prepare validates in and resolves it into a ChatRequest. No outbound
// call happens before it succeeds.
func (s *Service) prepare(in domain.InboundRequest) (domain.ChatRequest, domain.Adapter, error) {
	const op = "Service.prepare"

	req := domain.ChatRequest{
		Provider:       in.Provider,
		CurrentMessage: strings.TrimSpace(in.Message),
		Turns:          in.History,
		Context:        in.Context,
		Mode:           domain.ModeDirect,
	}
	if req.Provider == "" {
		req.Provider = s.settings.DefaultProvider()
	}
	if req.CurrentMessage == "" {
		return req, nil, domain.NewDomainError(op, domain.ErrMessageRequired, "")
	}

	settings, ok := s.settings.Settings(req.Provider)
	if !ok {
		return req, nil, domain.NewDomainError(op, domain.ErrProviderNotFound, req.Provider)
	}
	adapter, err := s.adapters.Resolve(req.Provider)
	if err != nil {
		return req, nil, err
	}
	if settings.APIKey == "" && !keyless(adapter) {
		return req, nil, domain.NewDomainError(op, domain.ErrAPIKeyRequired, req.Provider)
	}

	req.APIKey = settings.APIKey
	req.Model = settings.Model
	if req.Model == "" {
		req.Model = adapter.DefaultModel()
	}
	req.Definition = settings.Definition
	if settings.UseAssistant && settings.AssistantRef != "" {
		req.Mode = domain.ModeAssistant
		req.AssistantRef = settings.AssistantRef
	}
	if err := req.Validate(); err != nil {
		return req, nil, err
	}
	return req, adapter, nil
}

func keyless(a domain.Adapter) bool {
	k, ok := a.(domain.KeylessAdapter)
	return ok && k.Keyless()
}

// route picks the protocol for req: hosted run, hosted agent, SDK stream
// or plain HTTP stream.
func (s *Service) route(ctx context.Context, req domain.ChatRequest, adapter domain.Adapter, emit Emit) error {
	if req.Mode == domain.ModeAssistant {
		turns := Assemble(req.Definition, req.Turns, WithQuestionContext(req.CurrentMessage, req.Context))
		switch a := adapter.(type) {
		case domain.RunAdapter:
			return s.runs.Run(ctx, RunTarget{
				Adapter:      a,
				APIKey:       req.APIKey,
				AssistantRef: req.AssistantRef,
				Turns:        turns,
			}, emit)
		case domain.AgentAdapter:
			body, err := a.BuildAgentBody(turns, req.AssistantRef)
			if err != nil {
				return fmt.Errorf("build agent request: %w: %w", domain.ErrInvalidInput, err)
			}
			return s.streamer.Stream(ctx, Target{
				ProviderID: req.Provider,
				URL:        a.AgentEndpoint(),
				Headers:    a.Headers(req.APIKey),
				Body:       body,
				Decoder:    a,
			}, emit)
		default:
			return domain.NewDomainError("Service.route", domain.ErrAssistantUnsupported, req.Provider)
		}
	}

	turns := Assemble(WithPageContext(req.Definition, req.Context), req.Turns, req.CurrentMessage)
	if ns, ok := adapter.(domain.NativeStreamer); ok {
		return s.streamNative(ctx, ns, turns, req.Model, emit)
	}

	body, err := adapter.BuildBody(turns, req.Model)
	if err != nil {
		return fmt.Errorf("build request: %w: %w", domain.ErrInvalidInput, err)
	}
	return s.streamer.Stream(ctx, Target{
		ProviderID: req.Provider,
		URL:        adapter.Endpoint(req.Model),
		Headers:    adapter.Headers(req.APIKey),
		Body:       body,
		Decoder:    adapter,
	}, emit)
}

func (s *Service) streamNative(ctx context.Context, ns domain.NativeStreamer, turns []domain.Turn, model string, emit Emit) error {
	deltas, errc := ns.StreamNative(ctx, turns, model)
	for text := range deltas {
		if !emit(domain.ContentEvent(text)) {
			return ctx.Err()
		}
	}
	select {
	case err := <-errc:
		return err
	default:
		return nil
	}
}

func (s *Service) publish(ctx context.Context, t domain.EventType, id string, p domain.RelayPayload) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(ctx, eventbus.RelayEvent(t, id, p))
}

// Collect drains events into the concatenated content and the terminal
// event. It is meant for callers that do not stream, such as tests and
// one-shot CLI use.
func Collect(events <-chan domain.StreamEvent) (string, domain.StreamEvent, error) {
	var sb strings.Builder
	var last domain.StreamEvent
	for ev := range events {
		if ev.Kind == domain.KindContent {
			sb.WriteString(ev.Text)
		}
		last = ev
	}
	if last.Kind == domain.KindError {
		return sb.String(), last, errors.New(last.Message)
	}
	return sb.String(), last, nil
}
