package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/l0p7/offlinegate/internal/expr"
)

// Config holds every option the gateway consumes at startup.
type Config struct {
	Server       ServerConfig       `koanf:"server"`
	Cache        CacheConfig        `koanf:"cache"`
	Classify     ClassifyConfig     `koanf:"classify"`
	Lifecycle    LifecycleConfig    `koanf:"lifecycle"`
	Queue        QueueConfig        `koanf:"queue"`
	Notify       NotifyConfig       `koanf:"notify"`
	Connectivity ConnectivityConfig `koanf:"connectivity"`
}

// ServerConfig collects the bootstrap knobs owned by the lifecycle agent.
type ServerConfig struct {
	Listen   ListenConfig   `koanf:"listen"`
	Logging  LoggingConfig  `koanf:"logging"`
	Upstream UpstreamConfig `koanf:"upstream"`
}

// ListenConfig instructs the HTTP listener about bind address and port.
type ListenConfig struct {
	Address string `koanf:"address"`
	Port    int    `koanf:"port"`
}

// LoggingConfig expresses log level, format, and correlation ID wiring.
type LoggingConfig struct {
	Level             string `koanf:"level"`
	Format            string `koanf:"format"`
	CorrelationHeader string `koanf:"correlationHeader"`
}

// UpstreamConfig points the interception layer at the dashboard origin.
// Request and response bodies over the byte limits are rejected.
type UpstreamConfig struct {
	URL              string `koanf:"url"`
	TimeoutSeconds   int    `koanf:"timeoutSeconds"`
	MaxRequestBytes  int64  `koanf:"maxRequestBytes"`
	MaxResponseBytes int64  `koanf:"maxResponseBytes"`
}

type CacheConfig struct {
	Backend     string            `koanf:"backend"`
	MaxEntries  int               `koanf:"maxEntries"`
	VaryHeaders []string          `koanf:"varyHeaders"`
	Redis       RedisCacheConfig  `koanf:"redis"`
	Badger      BadgerCacheConfig `koanf:"badger"`
}

type RedisCacheConfig struct {
	Address   string         `koanf:"address"`
	Username  string         `koanf:"username"`
	Password  string         `koanf:"password"`
	DB        int            `koanf:"db"`
	KeyPrefix string         `koanf:"keyPrefix"`
	TLS       RedisTLSConfig `koanf:"tls"`
}

type RedisTLSConfig struct {
	Enabled bool   `koanf:"enabled"`
	CAFile  string `koanf:"caFile"`
}

type BadgerCacheConfig struct {
	Path string `koanf:"path"`
}

// ClassifyConfig drives the resource classifier. StaticExtensions maps a file
// extension without its leading dot to the destination assumed when the
// client omits Sec-Fetch-Dest.
type ClassifyConfig struct {
	APIPrefixes        []string          `koanf:"apiPrefixes"`
	StaticDestinations []string          `koanf:"staticDestinations"`
	StaticExtensions   map[string]string `koanf:"staticExtensions"`
	Navigation         bool              `koanf:"navigation"`
}

// LifecycleConfig names the generation to install at boot and the URLs it
// pre-populates. ManifestFile, when set, takes precedence over the inline
// values and is watched for changes.
type LifecycleConfig struct {
	Generation   string   `koanf:"generation"`
	Manifest     []string `koanf:"manifest"`
	ManifestFile string   `koanf:"manifestFile"`
	Concurrency  int      `koanf:"concurrency"`
}

type QueueConfig struct {
	Backend    string            `koanf:"backend"`
	MaxRetries int               `koanf:"maxRetries"`
	Eligible   string            `koanf:"eligible"`
	SyncTag    string            `koanf:"syncTag"`
	SQLite     SQLiteQueueConfig `koanf:"sqlite"`
}

type SQLiteQueueConfig struct {
	Path string `koanf:"path"`
}

type NotifyConfig struct {
	Origin  string `koanf:"origin"`
	History int    `koanf:"history"`
}

// ConnectivityConfig configures the optional upstream probe. A zero interval
// leaves connectivity detection to live traffic and explicit sync calls.
type ConnectivityConfig struct {
	ProbeURL        string `koanf:"probeURL"`
	IntervalSeconds int    `koanf:"intervalSeconds"`
}

// Validate enforces invariants that keep the runtime predictable before serving traffic.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config: nil")
	}
	if c.Server.Listen.Port <= 0 || c.Server.Listen.Port > 65535 {
		return fmt.Errorf("config: listen.port invalid: %d", c.Server.Listen.Port)
	}
	if strings.TrimSpace(c.Server.Upstream.URL) == "" {
		return errors.New("config: server.upstream.url required")
	}
	if parsed, err := url.Parse(c.Server.Upstream.URL); err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("config: server.upstream.url invalid: %s", c.Server.Upstream.URL)
	}
	if c.Server.Upstream.TimeoutSeconds < 0 {
		return fmt.Errorf("config: server.upstream.timeoutSeconds invalid: %d", c.Server.Upstream.TimeoutSeconds)
	}
	if c.Server.Upstream.MaxRequestBytes < 0 || c.Server.Upstream.MaxResponseBytes < 0 {
		return errors.New("config: server.upstream body limits must not be negative")
	}
	if c.Cache.MaxEntries < 0 {
		return fmt.Errorf("config: cache.maxEntries invalid: %d", c.Cache.MaxEntries)
	}
	switch strings.TrimSpace(strings.ToLower(c.Cache.Backend)) {
	case "", "memory":
	case "redis":
		if strings.TrimSpace(c.Cache.Redis.Address) == "" {
			return errors.New("config: cache.redis.address required for redis backend")
		}
	case "badger":
		if strings.TrimSpace(c.Cache.Badger.Path) == "" {
			return errors.New("config: cache.badger.path required for badger backend")
		}
	default:
		return fmt.Errorf("config: cache.backend unsupported: %s", c.Cache.Backend)
	}
	for i, prefix := range c.Classify.APIPrefixes {
		if !strings.HasPrefix(prefix, "/") {
			return fmt.Errorf("config: classify.apiPrefixes[%d] must start with /: %q", i, prefix)
		}
	}
	if c.Lifecycle.Concurrency < 0 {
		return fmt.Errorf("config: lifecycle.concurrency invalid: %d", c.Lifecycle.Concurrency)
	}
	if strings.Contains(c.Lifecycle.Generation, "/") {
		return fmt.Errorf("config: lifecycle.generation must not contain '/': %q", c.Lifecycle.Generation)
	}
	switch strings.TrimSpace(strings.ToLower(c.Queue.Backend)) {
	case "", "memory":
	case "sqlite":
		if strings.TrimSpace(c.Queue.SQLite.Path) == "" {
			return errors.New("config: queue.sqlite.path required for sqlite backend")
		}
	default:
		return fmt.Errorf("config: queue.backend unsupported: %s", c.Queue.Backend)
	}
	if c.Queue.MaxRetries < 0 {
		return fmt.Errorf("config: queue.maxRetries invalid: %d", c.Queue.MaxRetries)
	}
	if strings.TrimSpace(c.Queue.Eligible) != "" {
		env, err := expr.NewEnvironment()
		if err != nil {
			return err
		}
		if _, err := env.Compile(c.Queue.Eligible); err != nil {
			return fmt.Errorf("config: queue.eligible: %w", err)
		}
	}
	if c.Notify.History < 0 {
		return fmt.Errorf("config: notify.history invalid: %d", c.Notify.History)
	}
	if c.Connectivity.IntervalSeconds < 0 {
		return fmt.Errorf("config: connectivity.intervalSeconds invalid: %d", c.Connectivity.IntervalSeconds)
	}
	return nil
}

// DefaultConfig returns the baseline values used when nothing overrides them.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Listen: ListenConfig{
				Address: "0.0.0.0",
				Port:    8080,
			},
			Logging: LoggingConfig{
				Level:             "info",
				Format:            "json",
				CorrelationHeader: "X-Request-ID",
			},
			Upstream: UpstreamConfig{
				URL:              "http://127.0.0.1:3000",
				TimeoutSeconds:   10,
				MaxRequestBytes:  10 << 20,
				MaxResponseBytes: 32 << 20,
			},
		},
		Cache: CacheConfig{
			Backend:     "memory",
			VaryHeaders: []string{"Accept"},
			Redis: RedisCacheConfig{
				KeyPrefix: "offlinegate",
			},
		},
		Classify: ClassifyConfig{
			APIPrefixes:        []string{"/api/"},
			StaticDestinations: []string{"script", "style", "image"},
			StaticExtensions: map[string]string{
				"js":    "script",
				"mjs":   "script",
				"css":   "style",
				"png":   "image",
				"jpg":   "image",
				"jpeg":  "image",
				"gif":   "image",
				"svg":   "image",
				"webp":  "image",
				"ico":   "image",
				"woff2": "font",
			},
			Navigation: true,
		},
		Lifecycle: LifecycleConfig{
			Generation:  "1",
			Manifest:    []string{"/", "/index.html"},
			Concurrency: 4,
		},
		Queue: QueueConfig{
			Backend:  "memory",
			Eligible: `request.method in ["POST", "PUT", "PATCH", "DELETE"]`,
			SyncTag:  "offline-mutations",
		},
		Notify: NotifyConfig{
			Origin:  "http://localhost:8080",
			History: 50,
		},
	}
}
