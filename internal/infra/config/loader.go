package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"

	"mcpbridge/internal/domain"
)

// Config is the validated runtime configuration of the bridge.
type Config struct {
	IndexPath             string
	StorePath             string
	RequestTimeoutSeconds int
	LeaseTimeoutSeconds   int
	HistorySize           int

	API           APIConfig
	Observability ObservabilityConfig
	Pool          PoolConfig
	Cache         CacheConfig
	Retry         RetryConfig
	Matcher       MatcherConfig

	servers map[string]domain.ServerConfig
}

type APIConfig struct {
	ListenAddress string
}

type ObservabilityConfig struct {
	ListenAddress string
	Metrics       bool
	Healthz       bool
}

type PoolConfig struct {
	MaxPerServer        int
	MinPerServer        int
	IdleSeconds         int
	ReapIntervalSeconds int
}

type CacheConfig struct {
	TTLSeconds     int
	MaxEntries     int
	CleanupSeconds int
}

type RetryConfig struct {
	MaxAttempts       int
	BaseDelayMillis   int
	BackoffMultiplier float64
	JitterRatio       float64
}

type MatcherConfig struct {
	MinScore int
}

// ServerConfig implements domain.ConfigProvider. Credentials are resolved
// from the environment at load time and never logged.
func (c *Config) ServerConfig(serverID string) (domain.ServerConfig, error) {
	server, ok := c.servers[serverID]
	if !ok {
		return domain.ServerConfig{}, domain.E(domain.CodeNotFound, "config server lookup",
			fmt.Sprintf("%v: %s", domain.ErrServerNotFound, serverID), domain.ErrServerNotFound)
	}
	return server, nil
}

// ServerIDs returns the configured backend server ids, for validation.
func (c *Config) ServerIDs() []string {
	ids := make([]string, 0, len(c.servers))
	for id := range c.servers {
		ids = append(ids, id)
	}
	return ids
}

func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

func (c *Config) LeaseTimeout() time.Duration {
	return time.Duration(c.LeaseTimeoutSeconds) * time.Second
}

var _ domain.ConfigProvider = (*Config)(nil)

type rawConfig struct {
	IndexPath             string             `mapstructure:"indexPath"`
	StorePath             string             `mapstructure:"storePath"`
	RequestTimeoutSeconds int                `mapstructure:"requestTimeoutSeconds"`
	LeaseTimeoutSeconds   int                `mapstructure:"leaseTimeoutSeconds"`
	HistorySize           int                `mapstructure:"historySize"`
	API                   rawAPI             `mapstructure:"api"`
	Observability         rawObservability   `mapstructure:"observability"`
	Pool                  rawPool            `mapstructure:"pool"`
	Cache                 rawCache           `mapstructure:"cache"`
	Retry                 rawRetry           `mapstructure:"retry"`
	Matcher               rawMatcher         `mapstructure:"matcher"`
	Servers               []rawServerBackend `mapstructure:"servers"`
}

type rawAPI struct {
	ListenAddress string `mapstructure:"listenAddress"`
}

type rawObservability struct {
	ListenAddress string `mapstructure:"listenAddress"`
	Metrics       bool   `mapstructure:"metrics"`
	Healthz       bool   `mapstructure:"healthz"`
}

type rawPool struct {
	MaxPerServer        int `mapstructure:"maxPerServer"`
	MinPerServer        int `mapstructure:"minPerServer"`
	IdleSeconds         int `mapstructure:"idleSeconds"`
	ReapIntervalSeconds int `mapstructure:"reapIntervalSeconds"`
}

type rawCache struct {
	TTLSeconds     int `mapstructure:"ttlSeconds"`
	MaxEntries     int `mapstructure:"maxEntries"`
	CleanupSeconds int `mapstructure:"cleanupSeconds"`
}

type rawRetry struct {
	MaxAttempts       int     `mapstructure:"maxAttempts"`
	BaseDelayMillis   int     `mapstructure:"baseDelayMillis"`
	BackoffMultiplier float64 `mapstructure:"backoffMultiplier"`
	JitterRatio       float64 `mapstructure:"jitterRatio"`
}

type rawMatcher struct {
	MinScore int `mapstructure:"minScore"`
}

type rawServerBackend struct {
	ID         string            `mapstructure:"id"`
	Address    string            `mapstructure:"address"`
	Credential string            `mapstructure:"credential"`
	Headers    map[string]string `mapstructure:"headers"`
}

type Loader struct {
	logger *zap.Logger
}

func NewLoader(logger *zap.Logger) *Loader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loader{logger: logger.Named("config")}
}

func newRuntimeViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")
	setRuntimeDefaults(v)
	return v
}

func setRuntimeDefaults(v *viper.Viper) {
	v.SetDefault("requestTimeoutSeconds", domain.DefaultRequestTimeoutSeconds)
	v.SetDefault("leaseTimeoutSeconds", domain.DefaultLeaseTimeoutSeconds)
	v.SetDefault("historySize", domain.DefaultHistorySize)
	v.SetDefault("api.listenAddress", domain.DefaultAPIListenAddress)
	v.SetDefault("observability.listenAddress", domain.DefaultObservabilityListenAddress)
	v.SetDefault("observability.metrics", true)
	v.SetDefault("observability.healthz", true)
	v.SetDefault("pool.maxPerServer", domain.DefaultMaxConnsPerServer)
	v.SetDefault("pool.minPerServer", domain.DefaultMinConnsPerServer)
	v.SetDefault("pool.idleSeconds", domain.DefaultIdleSeconds)
	v.SetDefault("pool.reapIntervalSeconds", domain.DefaultReapIntervalSeconds)
	v.SetDefault("cache.ttlSeconds", domain.DefaultCacheTTLSeconds)
	v.SetDefault("cache.maxEntries", domain.DefaultCacheMaxEntries)
	v.SetDefault("cache.cleanupSeconds", domain.DefaultCacheCleanupSeconds)
	v.SetDefault("retry.maxAttempts", domain.DefaultMaxAttempts)
	v.SetDefault("retry.baseDelayMillis", domain.DefaultBaseDelayMillis)
	v.SetDefault("retry.backoffMultiplier", domain.DefaultBackoffMultiplier)
	v.SetDefault("retry.jitterRatio", domain.DefaultJitterRatio)
	v.SetDefault("matcher.minScore", domain.DefaultMinMatchScore)
}

// Load reads, expands and validates the bridge configuration at path.
func (l *Loader) Load(path string) (*Config, error) {
	source, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return l.Parse(source)
}

// Parse builds a Config from raw YAML.
func (l *Loader) Parse(source []byte) (*Config, error) {
	v := newRuntimeViper()
	if err := v.ReadConfig(strings.NewReader(string(source))); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	var raw rawConfig
	if err := v.Unmarshal(&raw); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return l.build(raw)
}

func (l *Loader) build(raw rawConfig) (*Config, error) {
	if raw.IndexPath == "" {
		return nil, fmt.Errorf("indexPath is required")
	}
	if raw.Pool.MaxPerServer <= 0 {
		return nil, fmt.Errorf("pool.maxPerServer must be positive")
	}
	if raw.Pool.MinPerServer < 0 || raw.Pool.MinPerServer > raw.Pool.MaxPerServer {
		return nil, fmt.Errorf("pool.minPerServer must be between 0 and pool.maxPerServer")
	}
	if raw.Retry.MaxAttempts <= 0 {
		return nil, fmt.Errorf("retry.maxAttempts must be positive")
	}

	servers := make(map[string]domain.ServerConfig, len(raw.Servers))
	for _, server := range raw.Servers {
		if server.ID == "" {
			return nil, fmt.Errorf("server entry missing id")
		}
		if server.Address == "" {
			return nil, fmt.Errorf("server %q missing address", server.ID)
		}
		if _, dup := servers[server.ID]; dup {
			return nil, fmt.Errorf("duplicate server id %q", server.ID)
		}
		servers[server.ID] = domain.ServerConfig{
			Address:    server.Address,
			Credential: os.ExpandEnv(server.Credential),
			Headers:    server.Headers,
		}
	}

	cfg := &Config{
		IndexPath:             raw.IndexPath,
		StorePath:             raw.StorePath,
		RequestTimeoutSeconds: raw.RequestTimeoutSeconds,
		LeaseTimeoutSeconds:   raw.LeaseTimeoutSeconds,
		HistorySize:           raw.HistorySize,
		API:                   APIConfig(raw.API),
		Observability:         ObservabilityConfig(raw.Observability),
		Pool:                  PoolConfig(raw.Pool),
		Cache:                 CacheConfig(raw.Cache),
		Retry:                 RetryConfig(raw.Retry),
		Matcher:               MatcherConfig(raw.Matcher),
		servers:               servers,
	}
	l.logger.Info("config loaded",
		zap.String("indexPath", cfg.IndexPath),
		zap.Int("servers", len(cfg.servers)),
	)
	return cfg, nil
}

// Redacted returns a loggable view of the config with credentials masked.
func (c *Config) Redacted() map[string]any {
	servers := make([]map[string]any, 0, len(c.servers))
	for id, server := range c.servers {
		masked := ""
		if server.Credential != "" {
			masked = "***"
		}
		servers = append(servers, map[string]any{
			"id":         id,
			"address":    server.Address,
			"credential": masked,
		})
	}
	return map[string]any{
		"indexPath":             c.IndexPath,
		"storePath":             c.StorePath,
		"requestTimeoutSeconds": c.RequestTimeoutSeconds,
		"leaseTimeoutSeconds":   c.LeaseTimeoutSeconds,
		"historySize":           c.HistorySize,
		"api":                   map[string]any{"listenAddress": c.API.ListenAddress},
		"pool": map[string]any{
			"maxPerServer":        c.Pool.MaxPerServer,
			"minPerServer":        c.Pool.MinPerServer,
			"idleSeconds":         c.Pool.IdleSeconds,
			"reapIntervalSeconds": c.Pool.ReapIntervalSeconds,
		},
		"cache": map[string]any{
			"ttlSeconds":     c.Cache.TTLSeconds,
			"maxEntries":     c.Cache.MaxEntries,
			"cleanupSeconds": c.Cache.CleanupSeconds,
		},
		"retry": map[string]any{
			"maxAttempts":       c.Retry.MaxAttempts,
			"baseDelayMillis":   c.Retry.BaseDelayMillis,
			"backoffMultiplier": c.Retry.BackoffMultiplier,
			"jitterRatio":       c.Retry.JitterRatio,
		},
		"matcher": map[string]any{"minScore": c.Matcher.MinScore},
		"servers": servers,
	}
}
