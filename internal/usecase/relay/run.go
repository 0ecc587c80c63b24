package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/trace"

	"chatrelay/internal/domain"
	"chatrelay/internal/infra/tracer"
)

// Poll defaults observed on hosted assistant backends: 60 attempts at 500ms.
const (
	DefaultPollInterval    = 500 * time.Millisecond
	DefaultMaxPollAttempts = 60
)

// RunFailedError is returned when the provider ends a run without a result.
type RunFailedError struct {
	Status domain.RunStatus
}

func (e *RunFailedError) Error() string { return "run " + string(e.Status) }

func (e *RunFailedError) Unwrap() error { return domain.ErrRunFailed }

// RunTarget is one assistant-mode request.
type RunTarget struct {
	Adapter      domain.RunAdapter
	APIKey       string
	AssistantRef string
	Turns        []domain.Turn
}

// RunMachine drives the thread and run protocol of a hosted assistant:
// create thread, add every turn, start the run, poll until it settles and
// fetch the answer. Each step either advances or ends the request.
type RunMachine struct {
	transport   domain.Transport
	interval    time.Duration
	maxAttempts int
	sleep       func(ctx context.Context, d time.Duration) error
	logger      *slog.Logger
}

// NewRunMachine creates a RunMachine. Zero interval or attempts take the defaults.
func NewRunMachine(transport domain.Transport, interval time.Duration, maxAttempts int, logger *slog.Logger) *RunMachine {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxPollAttempts
	}
	return &RunMachine{
		transport:   transport,
		interval:    interval,
		maxAttempts: maxAttempts,
		sleep:       sleepContext,
		logger:      logger,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Run executes the pipeline, emitting Status("processing") once while
// polling and the full answer as a single Content event.
func (m *RunMachine) Run(ctx context.Context, t RunTarget, emit Emit) (err error) {
	a := t.Adapter
	ctx, span := tracer.StartSpan(ctx, "relay.assistant_run",
		trace.WithAttributes(tracer.StringAttr("provider", a.ID())),
	)
	defer func() {
		if err != nil {
			tracer.RecordError(span, err)
		} else {
			tracer.SetOK(span)
		}
		span.End()
	}()

	headers := a.RunHeaders(t.APIKey)
	var run domain.Run

	threadID, err := m.create(ctx, a, headers)
	if err != nil {
		return err
	}
	run.ThreadID = threadID
	span.AddEvent("thread_created")

	for i, turn := range t.Turns {
		if err := m.addMessage(ctx, a, headers, threadID, turn); err != nil {
			return fmt.Errorf("turn %d: %w", i, err)
		}
	}

	runID, err := m.start(ctx, a, headers, threadID, t.AssistantRef)
	if err != nil {
		return err
	}
	run.RunID = runID
	run.Status = domain.RunQueued
	span.AddEvent("run_started")

	if err := m.poll(ctx, a, headers, &run, emit); err != nil {
		span.SetAttributes(tracer.StringAttr("run.status", string(run.Status)))
		return err
	}
	span.SetAttributes(tracer.StringAttr("run.status", string(run.Status)))

	text, err := m.fetch(ctx, a, headers, threadID)
	if err != nil {
		return err
	}
	if !emit(domain.ContentEvent(text)) {
		return ctx.Err()
	}
	return nil
}

func (m *RunMachine) create(ctx context.Context, a domain.RunAdapter, headers http.Header) (string, error) {
	body, err := m.transport.Call(ctx, a.ID(), http.MethodPost, a.CreateThreadURL(), headers, a.CreateThreadBody())
	if err != nil {
		return "", stageError(ctx, domain.ErrThreadCreate, err)
	}
	id, ok := a.ThreadID(body)
	if !ok {
		return "", fmt.Errorf("%w: response has no thread id", domain.ErrThreadCreate)
	}
	return id, nil
}

func (m *RunMachine) addMessage(ctx context.Context, a domain.RunAdapter, headers http.Header, threadID string, turn domain.Turn) error {
	payload, err := a.AddMessageBody(turn)
	if err != nil {
		return fmt.Errorf("%w: %w", domain.ErrMessageAdd, err)
	}
	if _, err := m.transport.Call(ctx, a.ID(), http.MethodPost, a.AddMessageURL(threadID), headers, payload); err != nil {
		return stageError(ctx, domain.ErrMessageAdd, err)
	}
	return nil
}

func (m *RunMachine) start(ctx context.Context, a domain.RunAdapter, headers http.Header, threadID, ref string) (string, error) {
	payload, err := a.StartRunBody(ref)
	if err != nil {
		return "", fmt.Errorf("%w: %w", domain.ErrRunStart, err)
	}
	body, err := m.transport.Call(ctx, a.ID(), http.MethodPost, a.StartRunURL(threadID), headers, payload)
	if err != nil {
		return "", stageError(ctx, domain.ErrRunStart, err)
	}
	id, ok := a.RunID(body)
	if !ok {
		return "", fmt.Errorf("%w: response has no run id", domain.ErrRunStart)
	}
	return id, nil
}

// poll waits for run to settle. A failed status lookup counts as a pending
// attempt rather than ending the run.
func (m *RunMachine) poll(ctx context.Context, a domain.RunAdapter, headers http.Header, run *domain.Run, emit Emit) error {
	for attempt := 1; attempt <= m.maxAttempts; attempt++ {
		if attempt == 1 && !emit(domain.StatusEvent(domain.StatusProcessing)) {
			return ctx.Err()
		}

		body, err := m.transport.Call(ctx, a.ID(), http.MethodGet, a.RunStatusURL(run.ThreadID, run.RunID), headers, nil)
		switch {
		case ctx.Err() != nil:
			return ctx.Err()
		case err != nil:
			m.logger.Warn("run status lookup failed", "provider", a.ID(), "attempt", attempt, "error", err)
		default:
			if status, ok := a.RunStatus(body); ok {
				run.Status = status
			}
		}

		m.logger.Debug("run status", "provider", a.ID(), "run_id", run.RunID, "status", string(run.Status), "attempt", attempt)
		if run.Status == domain.RunCompleted {
			return nil
		}
		if run.Status.Failed() {
			return &RunFailedError{Status: run.Status}
		}

		if attempt < m.maxAttempts {
			if err := m.sleep(ctx, m.interval); err != nil {
				return err
			}
		}
	}
	run.Status = domain.RunTimeout
	return fmt.Errorf("%w: run did not settle after %d attempts", domain.ErrPollTimeout, m.maxAttempts)
}

func (m *RunMachine) fetch(ctx context.Context, a domain.RunAdapter, headers http.Header, threadID string) (string, error) {
	body, err := m.transport.Call(ctx, a.ID(), http.MethodGet, a.MessagesURL(threadID), headers, nil)
	if err != nil {
		return "", stageError(ctx, domain.ErrResultFetch, err)
	}
	text, ok := a.LatestMessage(body)
	if !ok {
		return "", fmt.Errorf("%w: no assistant message in thread", domain.ErrResultFetch)
	}
	return text, nil
}

// stageError tags err with the pipeline stage it ended. Cancellation is
// returned as is so callers can tell a vanished client from a failure.
func stageError(ctx context.Context, stage, err error) error {
	if ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		return err
	}
	return fmt.Errorf("%w: %w", stage, err)
}
