// Package api is the resilient request client for the dashboard backend
// services: per-attempt timeouts, retries with backoff, a TTL response cache,
// request deduplication and debouncing.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mbocsi/devlink/backoff"
	"golang.org/x/time/rate"
)

const maxBodySize = 10 << 20

// DefaultServices maps logical service names to their base URLs.
func DefaultServices() map[string]string {
	return map[string]string{
		"auth":    "http://localhost:8080/api/auth",
		"devices": "http://localhost:8080/api/devices",
		"monitor": "http://localhost:8080/api/monitor",
		"data":    "http://localhost:8080/api/data",
		"config":  "http://localhost:8080/api/config",
		"gateway": "http://localhost:8080",
	}
}

// NoRetry as RequestConfig.RetryAttempts disables retries for one request.
const NoRetry = -1

// RequestConfig controls one logical request. Zero values take the client defaults.
type RequestConfig struct {
	Method        string
	Headers       http.Header
	Body          any // []byte and json.RawMessage are sent as is; anything else is marshaled
	Params        map[string]any
	Timeout       time.Duration
	RetryAttempts int // retries after the first attempt; NoRetry disables them
	Cache         bool
	CacheTTL      time.Duration
	DebounceKey   string
	Deduplicate   bool
}

// Response is the standard backend response body.
type Response struct {
	Code      int             `json:"code"`
	Message   string          `json:"message"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp"`
	RequestID string          `json:"requestId,omitempty"`

	Status int         `json:"-"`
	Header http.Header `json:"-"`
	Cached bool        `json:"-"`
}

// clone copies r so that callers and the cache never share Data or Header.
func (r *Response) clone() *Response {
	out := *r
	if r.Data != nil {
		out.Data = append(json.RawMessage(nil), r.Data...)
	}
	out.Header = r.Header.Clone()
	return &out
}

// Decode unmarshals the response data into v.
func (r *Response) Decode(v any) error {
	if len(r.Data) == 0 {
		return errors.New("response has no data")
	}
	return json.Unmarshal(r.Data, v)
}

type Client struct {
	http          *http.Client
	services      map[string]string
	cache         *Cache
	coord         *Coordinator
	policy        backoff.Policy
	timeout       time.Duration
	retryAttempts int
	debounceDelay time.Duration
	cacheTTL      time.Duration
	retryable     map[int]bool
	limiter       *rate.Limiter
	metrics       *Metrics
	creds         CredentialProvider
	version       string

	reqInterceptors  []RequestInterceptor
	respInterceptors []ResponseInterceptor

	mu       sync.Mutex
	inflight map[uint64]context.CancelFunc
	shared   map[uint64]context.CancelFunc // deduped and debounced calls
	nextID   uint64
}

func New(opts ...Option) *Client {
	c := &Client{
		http:          &http.Client{},
		services:      DefaultServices(),
		cache:         NewCache(),
		coord:         NewCoordinator(),
		policy:        backoff.RequestPolicy(),
		timeout:       30 * time.Second,
		retryAttempts: 3,
		debounceDelay: DefaultDebounceDelay,
		cacheTTL:      DefaultCacheTTL,
		retryable: map[int]bool{
			http.StatusInternalServerError: true,
			http.StatusBadGateway:          true,
			http.StatusServiceUnavailable:  true,
			http.StatusGatewayTimeout:      true,
		},
		version:  ClientVersion,
		inflight: make(map[uint64]context.CancelFunc),
		shared:   make(map[uint64]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.reqInterceptors = append([]RequestInterceptor{defaultHeaders(c.creds, c.version)}, c.reqInterceptors...)
	return c
}

// Request performs one logical request against service/endpoint.
func (c *Client) Request(ctx context.Context, service, endpoint string, cfg RequestConfig) (*Response, error) {
	cfg = c.withDefaults(cfg)

	target, err := c.buildURL(service, endpoint, cfg.Params)
	if err != nil {
		return nil, err
	}
	body, err := encodeBody(cfg.Body)
	if err != nil {
		return nil, err
	}
	key := CacheKey(service, endpoint, cfg.Params)

	run := func(ctx context.Context) (*Response, error) {
		return c.execute(ctx, service, key, target, body, cfg)
	}

	// Shared calls outlive any single caller; each caller leaves on its own ctx.
	runShared := func(ctx context.Context) (*Response, error) {
		sctx, release := c.detach(ctx)
		defer release()
		return run(sctx)
	}

	var resp *Response
	switch {
	case cfg.DebounceKey != "":
		resp, err = c.coord.Debounce(ctx, cfg.DebounceKey+"|"+cfg.Method+" "+key, c.debounceDelay, runShared)
	case cfg.Deduplicate:
		var shared bool
		resp, shared, err = c.coord.Dedupe(ctx, cfg.Method+" "+key, func() (*Response, error) {
			return runShared(ctx)
		})
		if shared {
			c.metrics.recordDedup(service)
		}
	default:
		resp, err = run(ctx)
	}

	c.metrics.recordRequest(service, cfg.Method, err)
	return resp, err
}

func (c *Client) Get(ctx context.Context, service, endpoint string, cfg RequestConfig) (*Response, error) {
	cfg.Method = http.MethodGet
	return c.Request(ctx, service, endpoint, cfg)
}

func (c *Client) Post(ctx context.Context, service, endpoint string, body any, cfg RequestConfig) (*Response, error) {
	cfg.Method = http.MethodPost
	cfg.Body = body
	return c.Request(ctx, service, endpoint, cfg)
}

func (c *Client) Put(ctx context.Context, service, endpoint string, body any, cfg RequestConfig) (*Response, error) {
	cfg.Method = http.MethodPut
	cfg.Body = body
	return c.Request(ctx, service, endpoint, cfg)
}

func (c *Client) Delete(ctx context.Context, service, endpoint string, cfg RequestConfig) (*Response, error) {
	cfg.Method = http.MethodDelete
	return c.Request(ctx, service, endpoint, cfg)
}

func (c *Client) withDefaults(cfg RequestConfig) RequestConfig {
	if cfg.Method == "" {
		cfg.Method = http.MethodGet
	}
	cfg.Method = strings.ToUpper(cfg.Method)
	if cfg.Timeout <= 0 {
		cfg.Timeout = c.timeout
	}
	switch {
	case cfg.RetryAttempts < 0:
		cfg.RetryAttempts = 0
	case cfg.RetryAttempts == 0:
		cfg.RetryAttempts = c.retryAttempts
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = c.cacheTTL
	}
	return cfg
}

func (c *Client) execute(ctx context.Context, service, key, target string, body []byte, cfg RequestConfig) (*Response, error) {
	cacheable := cfg.Cache && cfg.Method == http.MethodGet
	if cacheable {
		if resp, ok := c.cache.Get(key); ok {
			c.metrics.recordCache(service, true)
			slog.Debug("Cache hit", "key", key)
			hit := resp.clone()
			hit.Cached = true
			return hit, nil
		}
		c.metrics.recordCache(service, false)
	}

	requestID := uuid.NewString()
	var lastErr error
	for attempt := 0; attempt <= cfg.RetryAttempts; attempt++ {
		if attempt > 0 {
			delay := c.policy.Delay(attempt - 1)
			c.metrics.recordRetry(service)
			slog.Debug("Retrying request", "url", target, "attempt", attempt+1, "delay", delay, "request_id", requestID)
			if err := sleep(ctx, delay); err != nil {
				return nil, canceled(err)
			}
		}
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				if ctx.Err() != nil {
					return nil, canceled(ctx.Err())
				}
				return nil, fmt.Errorf("rate limiter: %w", err)
			}
		}

		resp, err := c.attempt(ctx, service, target, body, requestID, attempt+1, cfg)
		if err == nil {
			for _, ic := range c.respInterceptors {
				if err := ic(resp); err != nil {
					return nil, err
				}
			}
			// checked after interceptors so they can normalize the body
			if resp.Code != http.StatusOK {
				return nil, &ApplicationError{Code: resp.Code, Message: resp.Message, RequestID: resp.RequestID}
			}
			if cacheable {
				c.cache.Set(key, resp.clone(), cfg.CacheTTL)
			}
			return resp, nil
		}

		if !IsRetryable(err) {
			return nil, err
		}
		lastErr = err
		slog.Warn("Request attempt failed", "url", target, "attempt", attempt+1, "error", err, "request_id", requestID)
	}

	return nil, fmt.Errorf("request %s %s failed after %d attempts: %w", cfg.Method, target, cfg.RetryAttempts+1, lastErr)
}

func (c *Client) attempt(ctx context.Context, service, target string, body []byte, requestID string, attempt int, cfg RequestConfig) (*Response, error) {
	actx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	id := c.track(cancel)
	defer c.untrack(id)
	defer cancel()

	req := &Request{
		Method:    cfg.Method,
		URL:       target,
		Header:    cfg.Headers.Clone(),
		Body:      body,
		Attempt:   attempt,
		RequestID: requestID,
	}
	if req.Header == nil {
		req.Header = make(http.Header)
	}
	for _, ic := range c.reqInterceptors {
		if err := ic(req); err != nil {
			return nil, fmt.Errorf("request interceptor: %w", err)
		}
	}

	var reader io.Reader
	if len(req.Body) > 0 {
		reader = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(actx, req.Method, req.URL, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	httpReq.Header = req.Header

	start := time.Now()
	res, err := c.http.Do(httpReq)
	c.metrics.recordAttempt(service, req.Method, time.Since(start))
	if err != nil {
		return nil, classify(ctx, actx, err, req.URL, cfg.Timeout, attempt)
	}
	defer res.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(res.Body, maxBodySize))
	if err != nil {
		return nil, classify(ctx, actx, err, req.URL, cfg.Timeout, attempt)
	}

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return nil, &HTTPError{
			URL:       req.URL,
			Status:    res.StatusCode,
			Retryable: c.retryable[res.StatusCode],
			Body:      truncate(string(raw), 512),
		}
	}

	var resp Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("invalid response body from %s: %w", req.URL, err)
	}
	resp.Status = res.StatusCode
	resp.Header = res.Header
	return &resp, nil
}

// classify maps a transport error to canceled, timeout or network.
func classify(ctx, actx context.Context, err error, target string, timeout time.Duration, attempt int) error {
	if ctx.Err() != nil {
		return canceled(ctx.Err())
	}
	switch {
	case errors.Is(actx.Err(), context.DeadlineExceeded):
		return &TimeoutError{URL: target, Timeout: timeout, Attempt: attempt}
	case errors.Is(actx.Err(), context.Canceled):
		// CancelAll
		return canceled(actx.Err())
	}
	return &NetworkError{URL: target, Cause: err}
}

func (c *Client) track(cancel context.CancelFunc) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	c.inflight[c.nextID] = cancel
	return c.nextID
}

func (c *Client) untrack(id uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.inflight, id)
}

// detach returns a context that ignores ctx's cancellation but is still
// canceled by CancelAll. release must be called when the call finishes.
func (c *Client) detach(ctx context.Context) (context.Context, func()) {
	sctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	c.shared[id] = cancel
	c.mu.Unlock()

	return sctx, func() {
		c.mu.Lock()
		delete(c.shared, id)
		c.mu.Unlock()
		cancel()
	}
}

// CancelAll aborts every in-flight attempt and every pending debounce. The
// affected requests return errors wrapping ErrCanceled.
func (c *Client) CancelAll() int {
	c.mu.Lock()
	cancels := c.inflight
	c.inflight = make(map[uint64]context.CancelFunc)
	shared := c.shared
	c.shared = make(map[uint64]context.CancelFunc)
	c.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	for _, cancel := range shared {
		cancel()
	}
	n := len(cancels) + c.coord.CancelAll()
	if n > 0 {
		slog.Info("Canceled pending requests", "count", n)
	}
	return n
}

// InFlight returns the number of attempts currently on the wire.
func (c *Client) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.inflight)
}

func (c *Client) Cache() *Cache {
	return c.cache
}

func (c *Client) ClearCache(pattern string) (int, error) {
	return c.cache.Clear(pattern)
}

func (c *Client) ClearServiceCache(service string) int {
	return c.cache.ClearService(service)
}

func (c *Client) CacheStats() CacheStats {
	return c.cache.Stats()
}

// Services returns a copy of the service name to base URL map.
func (c *Client) Services() map[string]string {
	out := make(map[string]string, len(c.services))
	for name, base := range c.services {
		out[name] = base
	}
	return out
}

func (c *Client) buildURL(service, endpoint string, params map[string]any) (string, error) {
	base, ok := c.services[service]
	if !ok {
		return "", fmt.Errorf("unknown service %q", service)
	}
	u, err := url.Parse(strings.TrimRight(base, "/") + "/" + strings.TrimLeft(endpoint, "/"))
	if err != nil {
		return "", fmt.Errorf("invalid URL for %s/%s: %w", service, endpoint, err)
	}
	if query := encodeParams(params); query != "" {
		u.RawQuery = query
	}
	return u.String(), nil
}

func encodeBody(body any) ([]byte, error) {
	switch b := body.(type) {
	case nil:
		return nil, nil
	case []byte:
		return b, nil
	case json.RawMessage:
		return b, nil
	case string:
		return []byte(b), nil
	}
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request body: %w", err)
	}
	return data, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
