package provider

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/sony/gobreaker/v2"

	"chatrelay/internal/domain"
)

// maxResponseBody is the maximum response body size read from provider APIs.
const maxResponseBody = 10 * 1024 * 1024 // 10 MB

// maxErrorBody caps how much of a failed response is kept for the error message.
const maxErrorBody = 4096

// HTTPTransport implements domain.Transport with one pooled client per
// provider and an optional circuit breaker per provider.
type HTTPTransport struct {
	mu       sync.RWMutex
	clients  map[string]*http.Client
	fallback *http.Client
	breakers *BreakerSet
	logger   *slog.Logger
}

// NewHTTPTransport creates a transport. breakers may be nil to disable circuit breaking.
func NewHTTPTransport(breakers *BreakerSet, logger *slog.Logger) *HTTPTransport {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPTransport{
		clients:  make(map[string]*http.Client),
		fallback: &http.Client{Transport: NewPooledTransport(0, 0, PooledTransportConfig{})},
		breakers: breakers,
		logger:   logger,
	}
}

// SetClient installs the client used for providerID.
func (t *HTTPTransport) SetClient(providerID string, c *http.Client) {
	t.mu.Lock()
	t.clients[providerID] = c
	t.mu.Unlock()
}

func (t *HTTPTransport) client(providerID string) *http.Client {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if c, ok := t.clients[providerID]; ok {
		return c
	}
	return t.fallback
}

// Stream implements domain.Transport. The caller must close the returned body.
func (t *HTTPTransport) Stream(ctx context.Context, providerID, url string, headers http.Header, body []byte) (io.ReadCloser, error) {
	resp, err := t.guard(providerID, func() (*http.Response, error) {
		req, err := newRequest(ctx, http.MethodPost, url, headers, body)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "text/event-stream")
		return t.do(providerID, req, maxErrorBody)
	})
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

// Call implements domain.Transport.
func (t *HTTPTransport) Call(ctx context.Context, providerID, method, url string, headers http.Header, body []byte) ([]byte, error) {
	var out []byte
	_, err := t.guard(providerID, func() (*http.Response, error) {
		req, err := newRequest(ctx, method, url, headers, body)
		if err != nil {
			return nil, err
		}
		resp, err := t.do(providerID, req, maxErrorBody)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		out, err = io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
		if err != nil {
			return nil, fmt.Errorf("%w: read response: %w", domain.ErrTransport, err)
		}
		return nil, nil
	})
	return out, err
}

func (t *HTTPTransport) guard(providerID string, fn func() (*http.Response, error)) (*http.Response, error) {
	if t.breakers == nil {
		return fn()
	}
	return t.breakers.Execute(providerID, fn)
}

// do executes req and maps non-2xx answers to *domain.ProviderError.
func (t *HTTPTransport) do(providerID string, req *http.Request, errLimit int64) (*http.Response, error) {
	resp, err := t.client(providerID).Do(req)
	if err != nil {
		if ctxErr := req.Context().Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%w: %w", domain.ErrTransport, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, errLimit))
		t.logger.Debug("provider returned error",
			"provider", providerID,
			"status", resp.StatusCode,
		)
		return nil, mapHTTPError(resp.StatusCode, respBody)
	}
	return resp, nil
}

func newRequest(ctx context.Context, method, url string, headers http.Header, body []byte) (*http.Request, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, rd)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, vs := range headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	return req, nil
}

// mapHTTPError maps an HTTP status code + response body to a *domain.ProviderError.
// The status code is always kept so it can be reported to the client.
func mapHTTPError(statusCode int, body []byte) error {
	pe := &domain.ProviderError{StatusCode: statusCode, Body: string(bytes.TrimSpace(body))}
	switch {
	case statusCode == http.StatusTooManyRequests:
		pe.Err = domain.ErrRateLimit
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		pe.Err = domain.ErrAuthInvalid
	default:
		pe.Err = domain.ErrProviderError
	}
	return pe
}

// breakerFailure reports whether err says something about provider health.
// Client-side 4xx answers (bad key, bad request) do not count.
func breakerFailure(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var pe *domain.ProviderError
	if errors.As(err, &pe) {
		return pe.StatusCode >= 500 || pe.StatusCode == http.StatusTooManyRequests
	}
	return true
}

var _ domain.Transport = (*HTTPTransport)(nil)

// isBreakerRejection reports whether err came from the breaker itself.
func isBreakerRejection(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}
