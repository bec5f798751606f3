// Package app wires the router, connection and request client into one
// explicit context object built once at startup.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/mbocsi/devlink/api"
	"github.com/mbocsi/devlink/backoff"
	"github.com/mbocsi/devlink/broker"
	"github.com/mbocsi/devlink/client"
	"github.com/mbocsi/devlink/config"
	"github.com/prometheus/client_golang/prometheus"
)

type App struct {
	Config   *config.Config
	Router   *broker.Router
	Conn     *client.Connection
	API      *api.Client
	Devices  *DeviceRegistry
	Alerts   *AlertLog
	Registry *prometheus.Registry

	transport client.Transport

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type Option func(*options)

type options struct {
	transport client.Transport
	creds     api.CredentialProvider
	apiOpts   []api.Option
}

// WithTransport overrides the transport selected by connection.transport.
func WithTransport(t client.Transport) Option {
	return func(o *options) { o.transport = t }
}

// WithCredentials supplies the bearer token source; it takes precedence over api.token.
func WithCredentials(p api.CredentialProvider) Option {
	return func(o *options) { o.creds = p }
}

// WithAPIOptions appends request client options after the configured ones.
func WithAPIOptions(opts ...api.Option) Option {
	return func(o *options) { o.apiOpts = append(o.apiOpts, opts...) }
}

func New(cfg *config.Config, opts ...Option) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	transport := o.transport
	if transport == nil {
		switch cfg.Connection.Transport {
		case "tcp":
			transport = client.NewTCPTransport()
		default:
			transport = client.NewWebSocketTransport()
		}
	}

	registry := prometheus.NewRegistry()
	router := broker.NewRouter()
	conn := client.NewConnection(transport, router, connectionConfig(cfg.Connection))

	creds := o.creds
	if creds == nil && cfg.API.Token != "" {
		creds = api.StaticToken(cfg.API.Token)
	}
	apiOpts := []api.Option{
		api.WithServices(cfg.API.Services),
		api.WithTimeout(cfg.API.Timeout),
		api.WithRetryAttempts(cfg.API.RetryAttempts),
		api.WithBackoff(backoff.New(cfg.API.RetryBase, cfg.API.RetryCap)),
		api.WithDebounceDelay(cfg.API.DebounceDelay),
		api.WithCacheTTL(cfg.Cache.DefaultTTL),
		api.WithCredentials(creds),
	}
	if cfg.Web.Metrics {
		apiOpts = append(apiOpts, api.WithMetrics(api.NewMetrics(registry)))
	}
	if cfg.API.RateLimit > 0 {
		apiOpts = append(apiOpts, api.WithRateLimit(cfg.API.RateLimit, max(cfg.API.RateBurst, 1)))
	}

	a := &App{
		Config:    cfg,
		Router:    router,
		Conn:      conn,
		API:       api.New(append(apiOpts, o.apiOpts...)...),
		Devices:   NewDeviceRegistry(),
		Alerts:    NewAlertLog(100),
		Registry:  registry,
		transport: transport,
	}
	if cfg.Web.Metrics {
		registerMetrics(registry, a)
	}
	a.Router.SubscribeAll(a.Handle)
	return a, nil
}

func connectionConfig(cfg config.ConnectionConfig) client.Config {
	overflow := client.DropOldest
	if cfg.QueueOverflow == "reject_new" {
		overflow = client.RejectNew
	}
	return client.Config{
		URL:               cfg.URL,
		ReconnectAttempts: cfg.ReconnectAttempts,
		ReconnectPolicy:   backoff.New(cfg.ReconnectInterval, cfg.ReconnectCap),
		HeartbeatInterval: cfg.HeartbeatInterval,
		ConnectTimeout:    cfg.ConnectTimeout,
		QueueLimit:        cfg.QueueLimit,
		QueueOverflow:     overflow,
	}
}

// Start runs the cache sweeper and connects to the hub, resolving it over
// mDNS first when configured. The sweeper keeps running until Shutdown even
// if the connection fails.
func (a *App) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.Background())
	a.mu.Lock()
	a.cancel = cancel
	a.mu.Unlock()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.API.Cache().Run(runCtx, a.Config.Cache.SweepInterval)
	}()

	if a.Config.Connection.Discover {
		serviceType := client.ServiceWebSocket
		if a.Config.Connection.Transport == "tcp" {
			serviceType = client.ServiceTCP
		}
		svc, err := client.Discover(ctx, serviceType, a.Config.Connection.DiscoveryTimeout)
		if err != nil {
			return fmt.Errorf("hub discovery: %w", err)
		}
		a.Conn.SetURL(svc.URL())
	}

	if err := a.Conn.Connect(ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	return nil
}

// Shutdown cancels pending requests, disconnects and stops the sweeper.
func (a *App) Shutdown() {
	slog.Info("Shutting down")
	a.API.CancelAll()
	a.Conn.Disconnect()

	a.mu.Lock()
	cancel := a.cancel
	a.cancel = nil
	a.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	a.wg.Wait()
}
