package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	kjson "github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/toml"
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

// canonicalKeys restores camelCase keys that env var names lose to upper-casing.
var canonicalKeys = func() map[string]string {
	keys := []string{
		"server.logging.correlationHeader",
		"server.cors.allowOrigin",
		"server.cors.allowMethods",
		"server.cors.allowHeaders",
		"access.apiKeys",
		"access.adminTokens",
		"access.adminIPs",
		"access.requireKey",
		"access.trustedProxyIPs",
		"access.developmentMode",
		"access.accessFile",
		"rateLimit.limit",
		"rateLimit.window",
		"rateLimit.sweepInterval",
		"origin.maxRetries",
		"origin.backoffBase",
		"origin.maxBytes",
		"origin.maxRedirects",
		"origin.userAgent",
		"origin.hostRequestsPerSecond",
		"origin.hostBurst",
		"origin.allowPrivateNetworks",
		"cache.maxEntries",
		"cache.redis.tls.caFile",
		"transform.defaultFormat",
		"transform.textAspectRatio",
		"transform.smallThreshold",
		"transform.alwaysSharpen",
		"transform.alwaysOptimize",
		"transform.autoMaxWidth",
		"transform.maxPixels",
	}
	out := make(map[string]string, len(keys))
	for _, key := range keys {
		out[strings.ToLower(key)] = key
	}
	return out
}()

// listKeys are split on commas when supplied through the environment.
var listKeys = map[string]struct{}{
	"access.apiKeys":         {},
	"access.adminTokens":     {},
	"access.adminIPs":        {},
	"access.trustedProxyIPs": {},
	"policy.sources":         {},
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
		parser, err := parserFor(path)
		if err != nil {
			return Config{}, err
		}
		if err := k.Load(file.Provider(path), parser); err != nil {
			return Config{}, fmt.Errorf("config: load file %s: %w", path, err)
		}
	}

	if l.envPrefix != "" {
		// Double underscores signal a nested path (PIXGATE_SERVER__LISTEN__PORT -> server.listen.port).
		transform := func(key, value string) (string, any) {
			key = strings.TrimPrefix(key, l.envPrefix+"_")
			key = strings.ReplaceAll(key, "__", ".")
			lower := strings.ToLower(key)
			if mapped, ok := canonicalKeys[lower]; ok {
				key = mapped
			} else {
				key = strings.ToLower(strings.ReplaceAll(key, "_", ""))
			}
			if _, ok := listKeys[key]; ok {
				return key, splitList(value)
			}
			return key, value
		}
		if err := k.Load(env.ProviderWithValue(l.envPrefix, ".", transform), nil); err != nil {
			return Config{}, fmt.Errorf("config: load env: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadAccessList reads a standalone access file (apiKeys, adminTokens, adminIPs).
func LoadAccessList(path string) (AccessList, error) {
	if strings.TrimSpace(path) == "" {
		return AccessList{}, errors.New("config: access file path required")
	}
	parser, err := parserFor(path)
	if err != nil {
		return AccessList{}, err
	}
	k := koanf.New(".")
	if err := k.Load(file.Provider(path), parser); err != nil {
		return AccessList{}, fmt.Errorf("config: load access file %s: %w", path, err)
	}
	var list AccessList
	if err := k.Unmarshal("", &list); err != nil {
		return AccessList{}, fmt.Errorf("config: unmarshal access file %s: %w", path, err)
	}
	for i, entry := range list.AdminIPs {
		if _, err := ParseAddrOrPrefix(entry); err != nil {
			return AccessList{}, fmt.Errorf("config: access file adminIPs[%d] invalid: %w", i, err)
		}
	}
	return list, nil
}

func parserFor(path string) (koanf.Parser, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.Parser(), nil
	case ".json":
		return kjson.Parser(), nil
	case ".toml":
		return toml.Parser(), nil
	default:
		return nil, fmt.Errorf("config: unsupported file extension for %s", path)
	}
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

func (c *Config) normalize() {
	c.Server.Logging.Level = strings.ToLower(strings.TrimSpace(c.Server.Logging.Level))
	c.Server.Logging.Format = strings.ToLower(strings.TrimSpace(c.Server.Logging.Format))
	c.Cache.Backend = strings.ToLower(strings.TrimSpace(c.Cache.Backend))
	c.Transform.DefaultFormat = strings.ToLower(strings.TrimSpace(c.Transform.DefaultFormat))
	if c.Transform.DefaultFormat == "jpg" {
		c.Transform.DefaultFormat = "jpeg"
	}
}

// structToMap converts DefaultConfig into a map for the koanf confmap provider.
func structToMap(cfg Config) map[string]any {
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
			"diagnostics": map[string]any{
				"enabled": cfg.Server.Diagnostics.Enabled,
			},
			"cors": map[string]any{
				"allowOrigin":  cfg.Server.CORS.AllowOrigin,
				"allowMethods": cfg.Server.CORS.AllowMethods,
				"allowHeaders": cfg.Server.CORS.AllowHeaders,
			},
		},
		"access": map[string]any{
			"requireKey":      cfg.Access.RequireKey,
			"developmentMode": cfg.Access.DevelopmentMode,
			"accessFile":      cfg.Access.AccessFile,
		},
		"rateLimit": map[string]any{
			"limit":         cfg.RateLimit.Limit,
			"window":        cfg.RateLimit.Window,
			"sweepInterval": cfg.RateLimit.SweepInterval,
		},
		"origin": map[string]any{
			"timeout":               cfg.Origin.Timeout,
			"maxRetries":            cfg.Origin.MaxRetries,
			"backoffBase":           cfg.Origin.BackoffBase,
			"maxBytes":              cfg.Origin.MaxBytes,
			"maxRedirects":          cfg.Origin.MaxRedirects,
			"userAgent":             cfg.Origin.UserAgent,
			"hostRequestsPerSecond": cfg.Origin.HostRequestsPerSecond,
			"hostBurst":             cfg.Origin.HostBurst,
			"allowPrivateNetworks":  cfg.Origin.AllowPrivateNetworks,
		},
		"cache": map[string]any{
			"backend":    cfg.Cache.Backend,
			"maxEntries": cfg.Cache.MaxEntries,
			"ttl":        cfg.Cache.TTL,
			"epoch":      cfg.Cache.Epoch,
			"namespace":  cfg.Cache.Namespace,
			"redis": map[string]any{
				"address":  cfg.Cache.Redis.Address,
				"username": cfg.Cache.Redis.Username,
				"password": cfg.Cache.Redis.Password,
				"db":       cfg.Cache.Redis.DB,
				"tls": map[string]any{
					"enabled": cfg.Cache.Redis.TLS.Enabled,
					"caFile":  cfg.Cache.Redis.TLS.CAFile,
				},
			},
		},
		"transform": map[string]any{
			"defaultFormat":   cfg.Transform.DefaultFormat,
			"textAspectRatio": cfg.Transform.TextAspectRatio,
			"smallThreshold":  cfg.Transform.SmallThreshold,
			"alwaysSharpen":   cfg.Transform.AlwaysSharpen,
			"alwaysOptimize":  cfg.Transform.AlwaysOptimize,
			"autoMaxWidth":    cfg.Transform.AutoMaxWidth,
			"maxPixels":       cfg.Transform.MaxPixels,
		},
	}
}
