// Package client consumes the relay's event stream on behalf of a user:
// it renders answers as they stream, retries failed requests and keeps the
// conversation history.
package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"chatrelay/internal/adapter/sse"
	"chatrelay/internal/domain"
)

var (
	// ErrRetriesExhausted is returned when every attempt of a message failed.
	ErrRetriesExhausted = errors.New("relay unreachable after retries")
	// ErrIdleTimeout is returned when the relay sent nothing at all in time.
	ErrIdleTimeout = errors.New("relay response timed out")
)

// RelayError is a terminal error event sent by the relay.
type RelayError struct {
	Message string
	Code    domain.ErrorCode
}

func (e *RelayError) Error() string { return e.Message }

// Result is the outcome of one Send.
type Result struct {
	Content  string
	Attempts int
}

// Options configures a Consumer. Zero values take the defaults.
type Options struct {
	RelayURL       string
	Provider       string // empty uses the relay's default
	ConversationID string
	MaxAttempts    int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	IdleTimeout    time.Duration
	HTTPClient     *http.Client
	History        domain.HistoryStore
	Renderer       Renderer
	Logger         *slog.Logger
}

// Consumer sends user messages to the relay one at a time.
type Consumer struct {
	mu       sync.Mutex
	opts     Options
	httpc    *http.Client
	history  domain.HistoryStore
	renderer Renderer
	sleep    func(ctx context.Context, d time.Duration) error
	logger   *slog.Logger
}

// New creates a Consumer.
func New(opts Options) *Consumer {
	if opts.ConversationID == "" {
		opts.ConversationID = "default"
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = time.Second
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = 10 * time.Second
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = 60 * time.Second
	}
	c := &Consumer{
		opts:     opts,
		httpc:    opts.HTTPClient,
		history:  opts.History,
		renderer: opts.Renderer,
		sleep:    sleepContext,
		logger:   opts.Logger,
	}
	if c.httpc == nil {
		c.httpc = &http.Client{}
	}
	if c.renderer == nil {
		c.renderer = NewPlainRenderer(io.Discard)
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return c
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return context.Cause(ctx)
	case <-t.C:
		return nil
	}
}

// ConversationID returns the history key this consumer writes to.
func (c *Consumer) ConversationID() string { return c.opts.ConversationID }

// Send relays message and returns the assistant's answer. The user turn is
// recorded before the request goes out; the answer, or whatever part of it
// arrived before a relay error, is recorded afterwards. Only failures
// domain.IsRetryableError accepts are retried. Concurrent calls are
// serialized so history follows submission order.
func (c *Consumer) Send(ctx context.Context, message, pageContext string) (Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	message = strings.TrimSpace(message)
	if message == "" {
		return Result{}, domain.ErrMessageRequired
	}

	prior, err := c.history.Load(c.opts.ConversationID)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %w", domain.ErrHistoryStore, err)
	}
	if err := c.history.Append(c.opts.ConversationID, domain.Turn{Role: domain.RoleUser, Content: message}); err != nil {
		return Result{}, fmt.Errorf("%w: %w", domain.ErrHistoryStore, err)
	}

	body, err := c.requestBody(message, pageContext, prior)
	if err != nil {
		return Result{}, err
	}

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	var heard atomic.Bool
	idle := time.AfterFunc(c.opts.IdleTimeout, func() {
		if !heard.Load() {
			cancel(ErrIdleTimeout)
		}
	})
	defer idle.Stop()

	backoff := Backoff{MaxAttempts: c.opts.MaxAttempts, BaseDelay: c.opts.BaseDelay, Cap: c.opts.MaxDelay}
	var buf strings.Builder
	for {
		buf.Reset()
		err := c.attempt(ctx, body, &buf, &heard)
		res := Result{Content: buf.String(), Attempts: backoff.Attempt + 1}

		if err == nil {
			c.renderer.Finish()
			if res.Content != "" {
				if err := c.history.Append(c.opts.ConversationID, domain.Turn{Role: domain.RoleAssistant, Content: res.Content}); err != nil {
					return res, fmt.Errorf("%w: %w", domain.ErrHistoryStore, err)
				}
			}
			return res, nil
		}

		var relayErr *RelayError
		if errors.As(err, &relayErr) {
			c.renderer.Finish()
			c.keepPartial(res.Content)
			return res, err
		}
		if cause := context.Cause(ctx); cause != nil {
			c.renderer.Finish()
			c.keepPartial(res.Content)
			return res, cause
		}
		if !domain.IsRetryableError(err) {
			c.renderer.Finish()
			return res, err
		}

		delay, more := backoff.Fail()
		c.logger.Warn("relay attempt failed",
			"attempt", backoff.Attempt,
			"max_attempts", backoff.MaxAttempts,
			"retry_in", delay,
			"error", err,
		)
		c.renderer.Reset()
		if err := c.sleep(ctx, delay); err != nil {
			return res, err
		}
		if !more {
			return res, fmt.Errorf("%w: %w", ErrRetriesExhausted, err)
		}
	}
}

func (c *Consumer) keepPartial(content string) {
	if content == "" {
		return
	}
	if err := c.history.Append(c.opts.ConversationID, domain.Turn{Role: domain.RoleAssistant, Content: content}); err != nil {
		c.logger.Warn("failed to save partial answer", "error", err)
	}
}

// requestBody encodes the relay request. History is every turn before the
// current message.
func (c *Consumer) requestBody(message, pageContext string, prior []domain.Turn) ([]byte, error) {
	body, err := sjson.SetBytes([]byte(`{}`), "message", message)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	if prior == nil {
		prior = []domain.Turn{}
	}
	if body, err = sjson.SetBytes(body, "history", prior); err != nil {
		return nil, fmt.Errorf("encode history: %w", err)
	}
	if pageContext != "" {
		if body, err = sjson.SetBytes(body, "context", pageContext); err != nil {
			return nil, fmt.Errorf("encode context: %w", err)
		}
	}
	if c.opts.Provider != "" {
		if body, err = sjson.SetBytes(body, "provider", c.opts.Provider); err != nil {
			return nil, fmt.Errorf("encode provider: %w", err)
		}
	}
	return body, nil
}

// attempt performs one request and accumulates Content into buf. It
// returns nil when the stream ends without an error event.
func (c *Consumer) attempt(ctx context.Context, body []byte, buf *strings.Builder, heard *atomic.Bool) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.opts.RelayURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", domain.ErrTransport, err)
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: relay returned status %d", domain.ErrRateLimit, resp.StatusCode)
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return fmt.Errorf("%w: relay returned status %d", domain.ErrInvalidInput, resp.StatusCode)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return fmt.Errorf("%w: relay returned status %d", domain.ErrTransport, resp.StatusCode)
	}

	var relayErr *RelayError
	readErr := sse.ReadLines(ctx, resp.Body, func(line []byte) bool {
		payload, ok := sse.Payload(line, "data:")
		if !ok || !gjson.ValidBytes(payload) {
			return true
		}
		frame := gjson.ParseBytes(payload)
		if msg := frame.Get("error"); msg.Exists() {
			relayErr = &RelayError{Message: msg.String(), Code: domain.ErrorCode(frame.Get("code").String())}
			return false
		}
		if note := frame.Get("status"); note.Exists() {
			heard.Store(true)
			c.renderer.Status(note.String())
		}
		if text := frame.Get("content"); text.Exists() {
			heard.Store(true)
			buf.WriteString(text.String())
			c.renderer.Render(buf.String())
		}
		return true
	})
	if relayErr != nil {
		return relayErr
	}
	if readErr != nil {
		return fmt.Errorf("%w: %w", domain.ErrTransport, readErr)
	}
	return nil
}
