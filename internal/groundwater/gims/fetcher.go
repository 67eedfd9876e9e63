package gims

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/i474232898/groundwater-aggregation/internal/metrics"
)

// maxBody caps how much of a response is read.
const maxBody = 64 << 20

// FailureKind classifies why a fetch gave up.
type FailureKind string

const (
	FailureTransport   FailureKind = "transport"
	FailureStatus      FailureKind = "status"
	FailureInvalidBody FailureKind = "invalid body"
	FailureCircuitOpen FailureKind = "circuit open"
)

// FetchFailed is returned by Fetcher.Get when no usable body was obtained.
// Only transport failures and retryable statuses are retried; an invalid
// body is reported after the first successful round-trip.
type FetchFailed struct {
	Kind        FailureKind
	Reason      string
	Status      int
	Attempts    int
	ContentType string
}

func (e *FetchFailed) Error() string {
	switch e.Kind {
	case FailureInvalidBody:
		return fmt.Sprintf("fetch failed: invalid body (Content-Type=%s)", e.ContentType)
	case FailureStatus:
		return fmt.Sprintf("fetch failed after %d attempt(s): status %d", e.Attempts, e.Status)
	default:
		return fmt.Sprintf("fetch failed after %d attempt(s): %s: %s", e.Attempts, e.Kind, e.Reason)
	}
}

// BackoffConfig controls exponential backoff behaviour.
type BackoffConfig struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// FetcherConfig bundles the HTTP client and resilience settings.
type FetcherConfig struct {
	Client  *http.Client
	Timeout time.Duration
	Backoff BackoffConfig

	// RetryStatuses lists status codes that are retried. Any other non-2xx
	// status fails immediately.
	RetryStatuses []int

	// Headers are set on every request.
	Headers map[string]string

	// RatePerSec limits outgoing requests; <= 0 disables limiting.
	RatePerSec float64

	// BreakerThreshold is the number of consecutive failed attempts against
	// one endpoint for one sensor that opens that circuit.
	BreakerThreshold uint32
}

// sensorParam is the query parameter naming the sensor of a request.
const sensorParam = "gennum"

// DefaultRetryStatuses are the statuses retried when none are configured.
var DefaultRetryStatuses = []int{
	http.StatusTooManyRequests,
	http.StatusInternalServerError,
	http.StatusBadGateway,
	http.StatusServiceUnavailable,
	http.StatusGatewayTimeout,
}

var (
	errNoHTTPClient  = errors.New("http client not configured")
	errInvalidConfig = errors.New("invalid backoff configuration")
)

// statusError carries a non-2xx status out of the circuit breaker.
type statusError struct {
	code      int
	retryable bool
}

func (e *statusError) Error() string { return fmt.Sprintf("unexpected status code: %d", e.code) }

type response struct {
	body        []byte
	contentType string
}

// Fetcher issues GET requests with retries, exponential backoff, circuit
// breakers per endpoint and sensor, and a shared rate limit. The http.Client is owned by the
// caller.
type Fetcher struct {
	cfg     FetcherConfig
	retry   map[int]bool
	limiter *rate.Limiter

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewFetcher validates cfg and returns a Fetcher.
func NewFetcher(cfg FetcherConfig) (*Fetcher, error) {
	if cfg.Client == nil {
		return nil, errNoHTTPClient
	}
	if cfg.Backoff.MaxAttempts < 1 || cfg.Backoff.InitialInterval < 0 {
		return nil, errInvalidConfig
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	if cfg.BreakerThreshold == 0 {
		cfg.BreakerThreshold = 10
	}
	if cfg.RetryStatuses == nil {
		cfg.RetryStatuses = DefaultRetryStatuses
	}

	retry := make(map[int]bool, len(cfg.RetryStatuses))
	for _, code := range cfg.RetryStatuses {
		retry[code] = true
	}

	limit := rate.Inf
	if cfg.RatePerSec > 0 {
		limit = rate.Limit(cfg.RatePerSec)
	}

	return &Fetcher{
		cfg:      cfg,
		retry:    retry,
		limiter:  rate.NewLimiter(limit, 1),
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}, nil
}

// breakerKey scopes a circuit to one endpoint and sensor, so a sensor that
// keeps failing never blocks other sensors on the same endpoint.
func breakerKey(target string, params url.Values) string {
	if sensor := params.Get(sensorParam); sensor != "" {
		return target + "#" + sensor
	}
	return target
}

func (f *Fetcher) breaker(key string) *gobreaker.CircuitBreaker {
	f.mu.Lock()
	defer f.mu.Unlock()

	cb, ok := f.breakers[key]
	if !ok {
		threshold := f.cfg.BreakerThreshold
		cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        key,
			MaxRequests: 1,
			Interval:    1 * time.Minute,
			Timeout:     2 * time.Minute,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= threshold
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.Printf("WARN: circuit %s: %s -> %s", name, from, to)
			},
		})
		f.breakers[key] = cb
	}
	return cb
}

// Get requests target with params and returns the JSON body. Failures are
// always reported as *FetchFailed.
func (f *Fetcher) Get(ctx context.Context, target string, params url.Values) ([]byte, error) {
	u := target
	if len(params) > 0 {
		u = fmt.Sprintf("%s?%s", target, params.Encode())
	}
	cb := f.breaker(breakerKey(target, params))
	maxAttempts := f.cfg.Backoff.MaxAttempts

	for attempt := 1; ; attempt++ {
		if err := f.limiter.Wait(ctx); err != nil {
			return nil, &FetchFailed{Kind: FailureTransport, Reason: err.Error(), Attempts: attempt - 1}
		}

		start := time.Now()
		result, err := cb.Execute(func() (interface{}, error) {
			return f.do(ctx, u)
		})
		metrics.FetchDurationSeconds.WithLabelValues(target).Observe(time.Since(start).Seconds())

		if err == nil {
			resp, ok := result.(response)
			if !ok {
				return nil, fmt.Errorf("unexpected result type from circuit breaker")
			}
			body := bytes.TrimPrefix(bytes.TrimSpace(resp.body), []byte("\xef\xbb\xbf"))
			if !looksLikeJSON(body) {
				metrics.FetchAttemptsTotal.WithLabelValues(target, "invalid_body").Inc()
				return nil, &FetchFailed{
					Kind:        FailureInvalidBody,
					Reason:      "invalid body",
					Attempts:    attempt,
					ContentType: resp.contentType,
				}
			}
			metrics.FetchAttemptsTotal.WithLabelValues(target, "success").Inc()
			return body, nil
		}

		// If circuit is open, propagate immediately.
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			metrics.FetchAttemptsTotal.WithLabelValues(target, "circuit_open").Inc()
			return nil, &FetchFailed{Kind: FailureCircuitOpen, Reason: err.Error(), Attempts: attempt - 1}
		}

		failure := &FetchFailed{Kind: FailureTransport, Reason: err.Error(), Attempts: attempt}
		var se *statusError
		if errors.As(err, &se) {
			failure.Kind = FailureStatus
			failure.Status = se.code
		}
		metrics.FetchAttemptsTotal.WithLabelValues(target, string(failure.Kind)).Inc()

		if ctx.Err() != nil || (se != nil && !se.retryable) || attempt >= maxAttempts {
			return nil, failure
		}

		delay := backoffDelay(f.cfg.Backoff, attempt)
		log.Printf("WARN: GET %s attempt %d/%d failed: %v; retrying in %s", u, attempt, maxAttempts, err, delay)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, failure
		case <-timer.C:
		}
	}
}

// do performs one round-trip, reading the whole body under the timeout.
func (f *Fetcher) do(ctx context.Context, u string) (response, error) {
	reqCtx, cancel := context.WithTimeout(ctx, f.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, u, nil)
	if err != nil {
		return response{}, err
	}
	for k, v := range f.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := f.cfg.Client.Do(req)
	if err != nil {
		return response{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBody))
		return response{}, &statusError{code: resp.StatusCode, retryable: f.retry[resp.StatusCode]}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return response{}, fmt.Errorf("read body: %w", err)
	}
	return response{body: body, contentType: resp.Header.Get("Content-Type")}, nil
}

// backoffDelay returns InitialInterval * 2^(attempt-1), capped at MaxInterval.
func backoffDelay(cfg BackoffConfig, attempt int) time.Duration {
	delay := cfg.InitialInterval
	for i := 1; i < attempt; i++ {
		delay *= 2
		if cfg.MaxInterval > 0 && delay > cfg.MaxInterval {
			return cfg.MaxInterval
		}
	}
	if cfg.MaxInterval > 0 && delay > cfg.MaxInterval {
		return cfg.MaxInterval
	}
	return delay
}

// looksLikeJSON reports whether body parses as JSON. HTML error pages served
// with a 200 are the usual failure.
func looksLikeJSON(body []byte) bool {
	return len(body) > 0 && json.Valid(body)
}
