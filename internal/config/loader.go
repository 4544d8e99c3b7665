package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Loader hydrates the runtime configuration while respecting env > file > default precedence.
type Loader struct {
	envPrefix string
	files     []string
}

// NewLoader prepares a config hydrator that honors the env-first contract before touching files or defaults.
func NewLoader(envPrefix string, files ...string) *Loader {
	return &Loader{
		envPrefix: envPrefix,
		files:     files,
	}
}

// envCanonical restores camelCase keys that environment variables cannot express.
var envCanonical = map[string]string{
	"server.logging.correlationheader": "server.logging.correlationHeader",
	"server.upstream.timeoutseconds":   "server.upstream.timeoutSeconds",
	"server.upstream.maxrequestbytes":  "server.upstream.maxRequestBytes",
	"server.upstream.maxresponsebytes": "server.upstream.maxResponseBytes",
	"cache.maxentries":                 "cache.maxEntries",
	"cache.varyheaders":                "cache.varyHeaders",
	"cache.redis.keyprefix":            "cache.redis.keyPrefix",
	"cache.redis.tls.cafile":           "cache.redis.tls.caFile",
	"classify.apiprefixes":             "classify.apiPrefixes",
	"classify.staticdestinations":      "classify.staticDestinations",
	"lifecycle.manifestfile":           "lifecycle.manifestFile",
	"queue.maxretries":                 "queue.maxRetries",
	"queue.synctag":                    "queue.syncTag",
	"connectivity.probeurl":            "connectivity.probeURL",
	"connectivity.intervalseconds":     "connectivity.intervalSeconds",
}

// listKeys are split on commas when they arrive through the environment.
var listKeys = map[string]bool{
	"cache.varyHeaders":           true,
	"classify.apiPrefixes":        true,
	"classify.staticDestinations": true,
	"lifecycle.manifest":          true,
}

// Load assembles the effective snapshot using the documented precedence rules.
func (l *Loader) Load(ctx context.Context) (Config, error) {
	defaultCfg := DefaultConfig()
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(structToMap(defaultCfg), "."), nil); err != nil {
		return Config{}, fmt.Errorf("config: load defaults: %w", err)
	}

	for _, path := range l.files {
		if path == "" {
			continue
		}
		select {
		case <-ctx.Done():
			return Config{}, ctx.Err()
		default:
		}
		if _, err := os.Stat(path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return Config{}, fmt.Errorf("config: file %s not found", path)
			}
			return Config{}, fmt.Errorf("config: stat %s: %w", path, err)
		}
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("config: load file %s: %w", path, err)
		}
	}

	if l.envPrefix != "" {
		transform := func(key, value string) (string, any) {
			// Double underscores signal a nested path (SERVER__LISTEN__PORT -> server.listen.port).
			key = strings.TrimPrefix(key, l.envPrefix+"_")
			key = strings.ReplaceAll(key, "__", ".")
			lower := strings.ToLower(key)
			if mapped, ok := envCanonical[lower]; ok {
				lower = mapped
			} else {
				lower = strings.ReplaceAll(lower, "_", "")
			}
			if listKeys[lower] {
				return lower, splitList(value)
			}
			return lower, value
		}
		if err := k.Load(env.ProviderWithValue(l.envPrefix, ".", transform), nil); err != nil {
			return Config{}, fmt.Errorf("config: load env: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func splitList(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// structToMap converts DefaultConfig into a map for the koanf confmap provider.
func structToMap(cfg Config) map[string]any {
	extensions := make(map[string]any, len(cfg.Classify.StaticExtensions))
	for ext, dest := range cfg.Classify.StaticExtensions {
		extensions[ext] = dest
	}
	return map[string]any{
		"server": map[string]any{
			"listen": map[string]any{
				"address": cfg.Server.Listen.Address,
				"port":    cfg.Server.Listen.Port,
			},
			"logging": map[string]any{
				"level":             cfg.Server.Logging.Level,
				"format":            cfg.Server.Logging.Format,
				"correlationHeader": cfg.Server.Logging.CorrelationHeader,
			},
			"upstream": map[string]any{
				"url":              cfg.Server.Upstream.URL,
				"timeoutSeconds":   cfg.Server.Upstream.TimeoutSeconds,
				"maxRequestBytes":  cfg.Server.Upstream.MaxRequestBytes,
				"maxResponseBytes": cfg.Server.Upstream.MaxResponseBytes,
			},
		},
		"cache": map[string]any{
			"backend":     cfg.Cache.Backend,
			"maxEntries":  cfg.Cache.MaxEntries,
			"varyHeaders": cfg.Cache.VaryHeaders,
			"redis": map[string]any{
				"address":   cfg.Cache.Redis.Address,
				"username":  cfg.Cache.Redis.Username,
				"password":  cfg.Cache.Redis.Password,
				"db":        cfg.Cache.Redis.DB,
				"keyPrefix": cfg.Cache.Redis.KeyPrefix,
				"tls": map[string]any{
					"enabled": cfg.Cache.Redis.TLS.Enabled,
					"caFile":  cfg.Cache.Redis.TLS.CAFile,
				},
			},
			"badger": map[string]any{
				"path": cfg.Cache.Badger.Path,
			},
		},
		"classify": map[string]any{
			"apiPrefixes":        cfg.Classify.APIPrefixes,
			"staticDestinations": cfg.Classify.StaticDestinations,
			"staticExtensions":   extensions,
			"navigation":         cfg.Classify.Navigation,
		},
		"lifecycle": map[string]any{
			"generation":   cfg.Lifecycle.Generation,
			"manifest":     cfg.Lifecycle.Manifest,
			"manifestFile": cfg.Lifecycle.ManifestFile,
			"concurrency":  cfg.Lifecycle.Concurrency,
		},
		"queue": map[string]any{
			"backend":    cfg.Queue.Backend,
			"maxRetries": cfg.Queue.MaxRetries,
			"eligible":   cfg.Queue.Eligible,
			"syncTag":    cfg.Queue.SyncTag,
			"sqlite": map[string]any{
				"path": cfg.Queue.SQLite.Path,
			},
		},
		"notify": map[string]any{
			"origin":  cfg.Notify.Origin,
			"history": cfg.Notify.History,
		},
		"connectivity": map[string]any{
			"probeURL":        cfg.Connectivity.ProbeURL,
			"intervalSeconds": cfg.Connectivity.IntervalSeconds,
		},
	}
}
