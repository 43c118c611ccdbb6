package config

import (
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config holds every option the proxy reads at startup.
type Config struct {
	Server    ServerConfig    `koanf:"server" validate:"required"`
	Access    AccessConfig    `koanf:"access"`
	RateLimit RateLimitConfig `koanf:"rateLimit"`
	Origin    OriginConfig    `koanf:"origin"`
	Cache     CacheConfig     `koanf:"cache"`
	Transform TransformConfig `koanf:"transform"`
	Policy    PolicyConfig    `koanf:"policy"`
	Responses ResponsesConfig `koanf:"responses"`
}

// ServerConfig collects the listener and observability knobs.
type ServerConfig struct {
	Listen      ListenConfig      `koanf:"listen"`
	Logging     LoggingConfig     `koanf:"logging"`
	Diagnostics DiagnosticsConfig `koanf:"diagnostics"`
	CORS        CORSConfig        `koanf:"cors"`
}

// ListenConfig instructs the HTTP listener about bind address and port.
type ListenConfig struct {
	Address string `koanf:"address"`
	Port    int    `koanf:"port" validate:"min=1,max=65535"`
}

// LoggingConfig expresses log level, format, and correlation ID wiring.
type LoggingConfig struct {
	Level             string `koanf:"level" validate:"omitempty,oneof=debug info warn error"`
	Format            string `koanf:"format" validate:"omitempty,oneof=json text"`
	CorrelationHeader string `koanf:"correlationHeader"`
}

// DiagnosticsConfig toggles internal error details in error bodies.
type DiagnosticsConfig struct {
	Enabled bool `koanf:"enabled"`
}

type CORSConfig struct {
	AllowOrigin  string `koanf:"allowOrigin"`
	AllowMethods string `koanf:"allowMethods"`
	AllowHeaders string `koanf:"allowHeaders"`
}

// AccessConfig lists the credentials that mark a caller as privileged.
type AccessConfig struct {
	APIKeys         []string `koanf:"apiKeys"`
	AdminTokens     []string `koanf:"adminTokens"`
	AdminIPs        []string `koanf:"adminIPs"`
	RequireKey      bool     `koanf:"requireKey"`
	TrustedProxyIPs []string `koanf:"trustedProxyIPs"`
	DevelopmentMode bool     `koanf:"developmentMode"`
	AccessFile      string   `koanf:"accessFile"`
}

type RateLimitConfig struct {
	Limit         int           `koanf:"limit" validate:"min=1"`
	Window        time.Duration `koanf:"window" validate:"gt=0"`
	SweepInterval time.Duration `koanf:"sweepInterval" validate:"gt=0"`
}

type OriginConfig struct {
	Timeout               time.Duration `koanf:"timeout" validate:"gt=0"`
	MaxRetries            int           `koanf:"maxRetries" validate:"min=0,max=10"`
	BackoffBase           time.Duration `koanf:"backoffBase" validate:"min=0"`
	MaxBytes              int64         `koanf:"maxBytes" validate:"gt=0"`
	MaxRedirects          int           `koanf:"maxRedirects" validate:"min=0,max=20"`
	UserAgent             string        `koanf:"userAgent"`
	HostRequestsPerSecond float64       `koanf:"hostRequestsPerSecond" validate:"min=0"`
	HostBurst             int           `koanf:"hostBurst" validate:"min=0"`
	AllowPrivateNetworks  bool          `koanf:"allowPrivateNetworks"`
}

type CacheConfig struct {
	Backend    string           `koanf:"backend" validate:"omitempty,oneof=memory redis"`
	MaxEntries int              `koanf:"maxEntries" validate:"min=1"`
	TTL        time.Duration    `koanf:"ttl" validate:"gt=0"`
	Epoch      int              `koanf:"epoch" validate:"min=0"`
	Namespace  string           `koanf:"namespace"`
	Redis      RedisCacheConfig `koanf:"redis"`
}

type RedisCacheConfig struct {
	Address  string         `koanf:"address"`
	Username string         `koanf:"username"`
	Password string         `koanf:"password"`
	DB       int            `koanf:"db" validate:"min=0"`
	TLS      RedisTLSConfig `koanf:"tls"`
}

type RedisTLSConfig struct {
	Enabled bool   `koanf:"enabled"`
	CAFile  string `koanf:"caFile"`
}

// TransformConfig tunes the planner heuristics and deployment variants.
type TransformConfig struct {
	DefaultFormat   string  `koanf:"defaultFormat" validate:"omitempty,oneof=webp jpeg png avif source"`
	TextAspectRatio float64 `koanf:"textAspectRatio" validate:"gte=1"`
	SmallThreshold  int     `koanf:"smallThreshold" validate:"min=1"`
	AlwaysSharpen   bool    `koanf:"alwaysSharpen"`
	AlwaysOptimize  bool    `koanf:"alwaysOptimize"`
	AutoMaxWidth    int     `koanf:"autoMaxWidth" validate:"min=0"`
	MaxPixels       int     `koanf:"maxPixels" validate:"min=0"`
}

// PolicyConfig holds CEL expressions that every source URL must satisfy.
type PolicyConfig struct {
	Sources []string `koanf:"sources"`
}

// ResponsesConfig overrides the caller-facing message template per error kind.
type ResponsesConfig struct {
	Messages map[string]string `koanf:"messages"`
}

// AccessList is the hot-reloadable subset of AccessConfig.
type AccessList struct {
	APIKeys     []string `koanf:"apiKeys" json:"apiKeys"`
	AdminTokens []string `koanf:"adminTokens" json:"adminTokens"`
	AdminIPs    []string `koanf:"adminIPs" json:"adminIPs"`
}

// List returns the inline access list carried by the main configuration.
func (a AccessConfig) List() AccessList {
	return AccessList{
		APIKeys:     cloneStrings(a.APIKeys),
		AdminTokens: cloneStrings(a.AdminTokens),
		AdminIPs:    cloneStrings(a.AdminIPs),
	}
}

// Merge returns a list holding the entries of both lists, deduplicated.
func (l AccessList) Merge(other AccessList) AccessList {
	return AccessList{
		APIKeys:     mergeUnique(l.APIKeys, other.APIKeys),
		AdminTokens: mergeUnique(l.AdminTokens, other.AdminTokens),
		AdminIPs:    mergeUnique(l.AdminIPs, other.AdminIPs),
	}
}

// Validate enforces invariants that keep the runtime predictable before serving traffic.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config: nil")
	}
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(c); err != nil {
		return formatValidationErrors(err)
	}
	if c.Cache.Backend == "redis" && strings.TrimSpace(c.Cache.Redis.Address) == "" {
		return errors.New("config: cache.redis.address required for redis backend")
	}
	for i, entry := range c.Access.AdminIPs {
		if _, err := ParseAddrOrPrefix(entry); err != nil {
			return fmt.Errorf("config: access.adminIPs[%d] invalid: %w", i, err)
		}
	}
	for i, entry := range c.Access.TrustedProxyIPs {
		if _, err := ParseAddrOrPrefix(entry); err != nil {
			return fmt.Errorf("config: access.trustedProxyIPs[%d] invalid: %w", i, err)
		}
	}
	for kind := range c.Responses.Messages {
		if strings.TrimSpace(kind) == "" {
			return errors.New("config: responses.messages contains an empty kind")
		}
	}
	return nil
}

func formatValidationErrors(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("config: %w", err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := strings.TrimPrefix(fe.Namespace(), "Config.")
		if fe.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("%s must satisfy %s=%s (got %v)", field, fe.Tag(), fe.Param(), fe.Value()))
			continue
		}
		msgs = append(msgs, fmt.Sprintf("%s failed %s (got %v)", field, fe.Tag(), fe.Value()))
	}
	return fmt.Errorf("config: %s", strings.Join(msgs, "; "))
}

// ParseAddrOrPrefix accepts either a bare IP or a CIDR and returns it as a prefix.
func ParseAddrOrPrefix(value string) (netip.Prefix, error) {
	trimmed := strings.TrimSpace(value)
	if strings.Contains(trimmed, "/") {
		return netip.ParsePrefix(trimmed)
	}
	addr, err := netip.ParseAddr(trimmed)
	if err != nil {
		return netip.Prefix{}, err
	}
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}

// DefaultConfig returns the baseline values observed in the production deployments.
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
			CORS: CORSConfig{
				AllowOrigin:  "*",
				AllowMethods: "GET, OPTIONS",
				AllowHeaders: "Content-Type, X-API-Key, X-Admin-Token",
			},
		},
		RateLimit: RateLimitConfig{
			Limit:         50,
			Window:        time.Hour,
			SweepInterval: 10 * time.Minute,
		},
		Origin: OriginConfig{
			Timeout:      10 * time.Second,
			MaxRetries:   2,
			BackoffBase:  time.Second,
			MaxBytes:     10 << 20,
			MaxRedirects: 5,
			UserAgent:    "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
		},
		Cache: CacheConfig{
			Backend:    "memory",
			MaxEntries: 1000,
			TTL:        24 * time.Hour,
			Epoch:      1,
			Namespace:  "pixgate:image:v1",
		},
		Transform: TransformConfig{
			DefaultFormat:   "webp",
			TextAspectRatio: 2.0,
			SmallThreshold:  300,
			AutoMaxWidth:    1920,
			MaxPixels:       1 << 24,
		},
	}
}

func cloneStrings(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}

func mergeUnique(a, b []string) []string {
	if len(a) == 0 && len(b) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, list := range [][]string{a, b} {
		for _, value := range list {
			trimmed := strings.TrimSpace(value)
			if trimmed == "" {
				continue
			}
			if _, ok := seen[trimmed]; ok {
				continue
			}
			seen[trimmed] = struct{}{}
			out = append(out, trimmed)
		}
	}
	return out
}
