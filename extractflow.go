// Package extractflow turns LLM completions into validated, typed Go
// values. A Client owns the shared infrastructure (provider, spec
// cache, metrics, telemetry); extractors built from it decode one
// schema each.
//
// Usage:
//
//	client, err := extractflow.NewClient(extractflow.WithOpenAI("gpt-4o-mini"))
//
//	ex, err := extractflow.For[Person](client)
//	result, err := ex.Extract(ctx, llm.Message{Role: llm.RoleUser, Content: text})
package extractflow

import (
	"context"
	"fmt"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/BaSui01/extractflow/cache"
	"github.com/BaSui01/extractflow/config"
	"github.com/BaSui01/extractflow/extract"
	"github.com/BaSui01/extractflow/internal/metrics"
	"github.com/BaSui01/extractflow/internal/telemetry"
	"github.com/BaSui01/extractflow/llm"
	"github.com/BaSui01/extractflow/llm/providers/anthropic"
	"github.com/BaSui01/extractflow/llm/providers/openai"
	"github.com/BaSui01/extractflow/retry"
	"github.com/BaSui01/extractflow/tokenizer"
)

// ClientOption configures NewClient.
type ClientOption func(*clientOptions)

type clientOptions struct {
	config   *config.Config
	provider llm.Provider
	logger   *zap.Logger
	registry prometheus.Registerer

	providerName string
	model        string
	apiKey       string
}

// WithConfig supplies a loaded configuration. Defaults are used
// otherwise.
func WithConfig(cfg *config.Config) ClientOption {
	return func(o *clientOptions) { o.config = cfg }
}

// WithProvider sets a pre-built completion provider.
func WithProvider(p llm.Provider) ClientOption {
	return func(o *clientOptions) { o.provider = p }
}

// WithOpenAI selects the OpenAI backend with the given model. The API
// key is read from OPENAI_API_KEY unless WithAPIKey overrides it.
func WithOpenAI(model string) ClientOption {
	return func(o *clientOptions) {
		o.providerName = "openai"
		o.model = model
		if o.apiKey == "" {
			o.apiKey = os.Getenv("OPENAI_API_KEY")
		}
	}
}

// WithAnthropic selects the Anthropic backend with the given model. The
// API key is read from ANTHROPIC_API_KEY unless WithAPIKey overrides it.
func WithAnthropic(model string) ClientOption {
	return func(o *clientOptions) {
		o.providerName = "anthropic"
		o.model = model
		if o.apiKey == "" {
			o.apiKey = os.Getenv("ANTHROPIC_API_KEY")
		}
	}
}

// WithAPIKey overrides the API key for provider shortcuts.
func WithAPIKey(key string) ClientOption {
	return func(o *clientOptions) { o.apiKey = key }
}

// WithClientLogger sets a custom zap logger. The default is built from
// the log section of the configuration.
func WithClientLogger(logger *zap.Logger) ClientOption {
	return func(o *clientOptions) { o.logger = logger }
}

// WithMetricsRegistry registers the client's collectors on a custom
// Prometheus registry instead of the default one.
func WithMetricsRegistry(reg prometheus.Registerer) ClientOption {
	return func(o *clientOptions) { o.registry = reg }
}

// Client bundles the shared pieces every extractor needs.
type Client struct {
	config    *config.Config
	provider  llm.Provider
	logger    *zap.Logger
	specCache *cache.SpecCache
	collector *metrics.Collector
	telemetry *telemetry.Providers
	redis     *redis.Client
}

// NewClient wires a client from options. A provider must come from
// WithProvider, WithOpenAI, WithAnthropic, or the configuration.
func NewClient(opts ...ClientOption) (*Client, error) {
	o := &clientOptions{}
	for _, opt := range opts {
		opt(o)
	}

	cfg := o.config
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if o.providerName != "" {
		cfg.Provider.Name = o.providerName
	}
	if o.model != "" {
		cfg.Provider.Model = o.model
	}
	if o.apiKey != "" {
		cfg.Provider.APIKey = o.apiKey
	}

	logger := o.logger
	if logger == nil {
		built, err := buildLogger(cfg.Log)
		if err != nil {
			return nil, fmt.Errorf("build logger: %w", err)
		}
		logger = built
	}

	provider := o.provider
	if provider == nil {
		built, err := buildProvider(cfg.Provider, logger)
		if err != nil {
			return nil, err
		}
		provider = built
	}
	if cfg.Provider.RequestsPerSecond > 0 {
		provider = llm.NewRateLimited(provider, cfg.Provider.RequestsPerSecond, 1)
	}

	client := &Client{
		config:    cfg,
		provider:  provider,
		logger:    logger,
		collector: metrics.NewCollector("extractflow", o.registry, logger),
	}

	cacheCfg := cache.DefaultConfig()
	if cfg.Redis.Enabled {
		client.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
		cacheCfg.EnableRedis = true
	}
	client.specCache = cache.New(client.redis, cacheCfg, logger)

	if cfg.Telemetry.Enabled {
		providers, err := telemetry.Init(cfg.Telemetry, logger)
		if err != nil {
			return nil, fmt.Errorf("init telemetry: %w", err)
		}
		client.telemetry = providers
	}

	tokenizer.RegisterOpenAI()

	return client, nil
}

// Provider returns the wired completion provider.
func (c *Client) Provider() llm.Provider { return c.provider }

// Logger returns the client logger.
func (c *Client) Logger() *zap.Logger { return c.logger }

// SpecCache returns the shared invocation spec cache.
func (c *Client) SpecCache() *cache.SpecCache { return c.specCache }

// Close releases the client's resources.
func (c *Client) Close(ctx context.Context) error {
	if c.telemetry != nil {
		if err := c.telemetry.Shutdown(ctx); err != nil {
			return err
		}
	}
	if c.redis != nil {
		return c.redis.Close()
	}
	return nil
}

// For builds an extractor for T backed by the client's provider, cache,
// metrics, and configured defaults. Per-extractor options are applied
// after the client defaults, so they win.
func For[T any](c *Client, opts ...extract.Option) (*extract.Extractor[T], error) {
	mode, err := extract.ParseMode(c.config.Extract.Mode)
	if err != nil {
		return nil, err
	}
	defaults := []extract.Option{
		extract.WithMode(mode),
		extract.WithMaxAttempts(c.config.Extract.MaxAttempts),
		extract.WithRetryDelay(retryPolicy(c.config.Extract)),
		extract.WithMaxNestingDepth(c.config.Extract.MaxNestingDepth),
		extract.WithSpecCache(c.specCache),
		extract.WithModel(c.config.Provider.Model),
		extract.WithLogger(c.logger),
		extract.WithCollector(c.collector),
	}
	return extract.New[T](c.provider, append(defaults, opts...)...)
}

func buildProvider(cfg config.ProviderConfig, logger *zap.Logger) (llm.Provider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("API key is required for %s: set the environment variable or the configuration", cfg.Name)
	}
	switch cfg.Name {
	case "openai":
		return openai.New(openai.Config{
			APIKey:  cfg.APIKey,
			BaseURL: cfg.BaseURL,
			Model:   cfg.Model,
			Timeout: cfg.Timeout,
		}, logger), nil
	case "anthropic":
		return anthropic.New(anthropic.Config{
			APIKey:  cfg.APIKey,
			BaseURL: cfg.BaseURL,
			Model:   cfg.Model,
			Timeout: cfg.Timeout,
		}, logger), nil
	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Name)
	}
}

func retryPolicy(cfg config.ExtractConfig) retry.Policy {
	switch cfg.RetryDelay {
	case "fixed":
		return retry.Fixed(cfg.RetryInitial)
	case "exponential":
		return retry.Exponential(cfg.RetryInitial, cfg.RetryMax)
	default:
		return retry.None()
	}
}

func buildLogger(cfg config.LogConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}

	zc := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}
