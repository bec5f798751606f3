package api

import (
	"net/http"
	"time"

	"github.com/mbocsi/devlink/backoff"
	"golang.org/x/time/rate"
)

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.http = hc
	}
}

// WithServices replaces the service map.
func WithServices(services map[string]string) Option {
	return func(c *Client) {
		c.services = make(map[string]string, len(services))
		for name, base := range services {
			c.services[name] = base
		}
	}
}

// WithService adds or overrides one service base URL.
func WithService(name, baseURL string) Option {
	return func(c *Client) {
		c.services[name] = baseURL
	}
}

func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.timeout = d
	}
}

func WithRetryAttempts(n int) Option {
	return func(c *Client) {
		c.retryAttempts = n
	}
}

func WithBackoff(p backoff.Policy) Option {
	return func(c *Client) {
		c.policy = p
	}
}

// WithCacheTTL sets the TTL for cached requests that do not set CacheTTL.
func WithCacheTTL(d time.Duration) Option {
	return func(c *Client) {
		c.cacheTTL = d
	}
}

func WithDebounceDelay(d time.Duration) Option {
	return func(c *Client) {
		c.debounceDelay = d
	}
}

// WithRetryableStatus marks additional HTTP statuses as retryable, such as 429.
func WithRetryableStatus(codes ...int) Option {
	return func(c *Client) {
		for _, code := range codes {
			c.retryable[code] = true
		}
	}
}

// WithRateLimit waits for a token before every attempt.
func WithRateLimit(requestsPerSecond float64, burst int) Option {
	return func(c *Client) {
		c.limiter = rate.NewLimiter(rate.Limit(requestsPerSecond), burst)
	}
}

func WithMetrics(m *Metrics) Option {
	return func(c *Client) {
		c.metrics = m
	}
}

func WithCredentials(p CredentialProvider) Option {
	return func(c *Client) {
		c.creds = p
	}
}

func WithCache(cache *Cache) Option {
	return func(c *Client) {
		c.cache = cache
	}
}

func WithClientVersion(v string) Option {
	return func(c *Client) {
		c.version = v
	}
}

// WithRequestInterceptor appends an interceptor. Interceptors run in
// registration order after the built-in header interceptor.
func WithRequestInterceptor(ic RequestInterceptor) Option {
	return func(c *Client) {
		c.reqInterceptors = append(c.reqInterceptors, ic)
	}
}

func WithResponseInterceptor(ic ResponseInterceptor) Option {
	return func(c *Client) {
		c.respInterceptors = append(c.respInterceptors, ic)
	}
}
