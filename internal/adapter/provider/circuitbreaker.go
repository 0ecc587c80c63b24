package provider

import (
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"

	"chatrelay/internal/domain"
	"chatrelay/internal/infra/config"
)

// Default circuit breaker settings.
const (
	defaultCBMaxFailures uint32        = 5
	defaultCBTimeout     time.Duration = 30 * time.Second
	defaultCBInterval    time.Duration = 60 * time.Second
)

// BreakerSet lazily creates one circuit breaker per provider. A breaker only
// guards connection setup: once a stream is open its later failures are
// reported in-band and never trip the breaker.
type BreakerSet struct {
	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker[*http.Response]
	cfg      config.CircuitBreakerConfig
	logger   *slog.Logger
}

// NewBreakerSet creates a breaker set. Zero config fields take defaults.
func NewBreakerSet(cfg config.CircuitBreakerConfig, logger *slog.Logger) *BreakerSet {
	if cfg.MaxFailures == 0 {
		cfg.MaxFailures = defaultCBMaxFailures
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultCBTimeout
	}
	if cfg.Interval == 0 {
		cfg.Interval = defaultCBInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &BreakerSet{
		breakers: make(map[string]*gobreaker.CircuitBreaker[*http.Response]),
		cfg:      cfg,
		logger:   logger,
	}
}

func (s *BreakerSet) breaker(providerID string) *gobreaker.CircuitBreaker[*http.Response] {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cb, ok := s.breakers[providerID]; ok {
		return cb
	}
	maxFailures := s.cfg.MaxFailures
	cb := gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
		Name:        "provider:" + providerID,
		MaxRequests: 1, // allow 1 probe in half-open state
		Interval:    s.cfg.Interval,
		Timeout:     s.cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			s.logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
		IsSuccessful: func(err error) bool {
			return !breakerFailure(err)
		},
	})
	s.breakers[providerID] = cb
	return cb
}

// Execute runs fn through the provider's breaker. A rejected call is a
// transport error that also matches domain.ErrCircuitOpen.
func (s *BreakerSet) Execute(providerID string, fn func() (*http.Response, error)) (*http.Response, error) {
	resp, err := s.breaker(providerID).Execute(fn)
	if err != nil && isBreakerRejection(err) {
		return nil, fmt.Errorf("%w: provider %q: %w", domain.ErrTransport, providerID, domain.ErrCircuitOpen)
	}
	return resp, err
}

// BreakerState describes one breaker for monitoring.
type BreakerState struct {
	Provider            string
	State               string
	ConsecutiveFailures uint32
}

// States returns a snapshot of every breaker created so far, sorted by provider.
func (s *BreakerSet) States() []BreakerState {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]BreakerState, 0, len(s.breakers))
	for id, cb := range s.breakers {
		out = append(out, BreakerState{
			Provider:            id,
			State:               cb.State().String(),
			ConsecutiveFailures: cb.Counts().ConsecutiveFailures,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Provider < out[j].Provider })
	return out
}

// --- Connection Pooling ---

// PooledTransportConfig configures HTTP connection pooling for providers.
type PooledTransportConfig struct {
	MaxIdleConns        int
	MaxIdleConnsPerHost int
	MaxConnsPerHost     int
	IdleConnTimeout     time.Duration
}

// Default connection pool settings: few hosts, high concurrency, long-lived connections.
const (
	defaultMaxIdleConns        = 20
	defaultMaxIdleConnsPerHost = 10
	defaultMaxConnsPerHost     = 20
	defaultIdleConnTimeout     = 120 * time.Second
)

// Default provider timeouts.
const (
	defaultConnTimeout = 30 * time.Second
	defaultRespTimeout = 120 * time.Second
)

// NewPooledTransport creates an http.Transport with connection pooling.
// respTimeout bounds the wait for response headers only; streamed bodies
// are bounded by the request context.
func NewPooledTransport(connTimeout, respTimeout time.Duration, pool PooledTransportConfig) *http.Transport {
	if connTimeout == 0 {
		connTimeout = defaultConnTimeout
	}
	if respTimeout == 0 {
		respTimeout = defaultRespTimeout
	}

	maxIdle := pool.MaxIdleConns
	if maxIdle <= 0 {
		maxIdle = defaultMaxIdleConns
	}
	maxIdlePerHost := pool.MaxIdleConnsPerHost
	if maxIdlePerHost <= 0 {
		maxIdlePerHost = defaultMaxIdleConnsPerHost
	}
	maxConnsPerHost := pool.MaxConnsPerHost
	if maxConnsPerHost <= 0 {
		maxConnsPerHost = defaultMaxConnsPerHost
	}
	idleTimeout := pool.IdleConnTimeout
	if idleTimeout <= 0 {
		idleTimeout = defaultIdleConnTimeout
	}

	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   connTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: respTimeout,
		MaxIdleConns:          maxIdle,
		MaxIdleConnsPerHost:   maxIdlePerHost,
		MaxConnsPerHost:       maxConnsPerHost,
		IdleConnTimeout:       idleTimeout,
		ForceAttemptHTTP2:     true,
	}
}

// NewHTTPClient creates an *http.Client with a pooled transport for one provider.
// No overall Timeout is set so long streams are not cut off.
func NewHTTPClient(cfg config.ProviderConfig) *http.Client {
	return &http.Client{
		Transport: NewPooledTransport(cfg.ConnTimeout, cfg.RespTimeout, PooledTransportConfig{
			MaxIdleConns:        cfg.Pool.MaxIdleConns,
			MaxIdleConnsPerHost: cfg.Pool.MaxIdleConnsPerHost,
			MaxConnsPerHost:     cfg.Pool.MaxConnsPerHost,
			IdleConnTimeout:     cfg.Pool.IdleConnTimeout,
		}),
	}
}
