// Package config loads gateway configuration from an optional YAML file and
// the process environment.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	Server         ServerConfig      `koanf:"server"`
	Auth           AuthConfig        `koanf:"auth"`
	CSRF           CSRFConfig        `koanf:"csrf"`
	RateLimit      RateLimitConfig   `koanf:"rate_limit"`
	Redis          RedisConfig       `koanf:"redis"`
	Storage        StorageConfig     `koanf:"storage"`
	Router         RouterConfig      `koanf:"router"`
	Marketplace    MarketplaceConfig `koanf:"marketplace"`
	Roles          RolesConfig       `koanf:"roles"`
	Telemetry      TelemetryConfig   `koanf:"telemetry"`
	InternalSecret string            `koanf:"internal_secret"`

	// Services maps an upper-case service name (WORKSPACE, LEGACY, ...) to
	// its base URL.
	Services map[string]string `koanf:"services"`
}

type ServerConfig struct {
	Port int    `koanf:"port"`
	Env  string `koanf:"env"`

	// TrustProxyHeaders derives the client IP from X-Forwarded-For/X-Real-IP.
	// Only enable behind a proxy that overwrites those headers.
	TrustProxyHeaders bool `koanf:"trust_proxy_headers"`
}

// IsProduction reports whether the gateway runs with production safeguards.
// Every environment other than development and test does, including an
// empty or misspelled one.
func (s ServerConfig) IsProduction() bool {
	return !s.AllowsDeveloperBypass()
}

// AllowsDeveloperBypass reports whether the environment is safe for the
// developer bypass.
func (s ServerConfig) AllowsDeveloperBypass() bool {
	switch strings.ToLower(s.Env) {
	case "development", "test":
		return true
	}
	return false
}

type AuthConfig struct {
	JWTSecret string `koanf:"jwt_secret"`
	Issuer    string `koanf:"issuer"`
	Audience  string `koanf:"audience"`

	// LegacyScanLimit bounds the bcrypt fallback scan. Zero disables it.
	LegacyScanLimit int `koanf:"legacy_scan_limit"`

	Bypass BypassConfig `koanf:"bypass"`
}

type BypassConfig struct {
	Enabled     bool   `koanf:"enabled"`
	UserID      string `koanf:"user_id"`
	Email       string `koanf:"email"`
	Role        string `koanf:"role"`
	WorkspaceID string `koanf:"workspace_id"`
}

type CSRFConfig struct {
	Secret string `koanf:"secret"`

	// SessionCookies are the cookie names that mark a browser session.
	// Requests without any of them are exempt from CSRF checks.
	SessionCookies []string `koanf:"session_cookies"`
}

type RateLimitConfig struct {
	WindowMs int `koanf:"window_ms"`
	Max      int `koanf:"max"`
}

// Window returns the sliding window length.
func (r RateLimitConfig) Window() time.Duration {
	return time.Duration(r.WindowMs) * time.Millisecond
}

type RedisConfig struct {
	URL      string `koanf:"url"`
	Disabled bool   `koanf:"disabled"`
}

type StorageConfig struct {
	Path string `koanf:"path"`
}

type RouterConfig struct {
	Timeout         time.Duration `koanf:"timeout"`
	BreakerFailures int           `koanf:"breaker_failures"`
	BreakerCooldown time.Duration `koanf:"breaker_cooldown"`
}

type MarketplaceConfig struct {
	Timeout               time.Duration `koanf:"timeout"`
	MaxTimeout            time.Duration `koanf:"max_timeout"`
	AllowPrivateUpstreams bool          `koanf:"allow_private_upstreams"`
}

type RolesConfig struct {
	Assignments []RoleAssignment `koanf:"assignments"`
}

// RoleAssignment grants a role to an account email. It is the only way a
// privileged role reaches a principal.
type RoleAssignment struct {
	Email string `koanf:"email"`
	Role  string `koanf:"role"`
}

type TelemetryConfig struct {
	Stdout      bool   `koanf:"stdout"`
	ServiceName string `koanf:"service_name"`
}

// flatEnv maps the well-known unprefixed environment variables onto config keys.
var flatEnv = map[string]string{
	"PORT":                      "server.port",
	"NODE_ENV":                  "server.env",
	"TRUST_PROXY_HEADERS":       "server.trust_proxy_headers",
	"JWT_SECRET":                "auth.jwt_secret",
	"JWT_ISSUER":                "auth.issuer",
	"JWT_AUDIENCE":              "auth.audience",
	"LEGACY_KEY_SCAN_LIMIT":     "auth.legacy_scan_limit",
	"DEV_AUTH_BYPASS":           "auth.bypass.enabled",
	"DEV_AUTH_BYPASS_USER_ID":   "auth.bypass.user_id",
	"DEV_AUTH_BYPASS_EMAIL":     "auth.bypass.email",
	"DEV_AUTH_BYPASS_ROLE":      "auth.bypass.role",
	"DEV_AUTH_BYPASS_WORKSPACE": "auth.bypass.workspace_id",
	"CSRF_SECRET":               "csrf.secret",
	"CSRF_SESSION_COOKIES":      "csrf.session_cookies",
	"INTERNAL_SERVICE_SECRET":   "internal_secret",
	"RATE_LIMIT_WINDOW_MS":      "rate_limit.window_ms",
	"RATE_LIMIT_MAX":            "rate_limit.max",
	"REDIS_URL":                 "redis.url",
	"REDIS_DISABLED":            "redis.disabled",
	"DATABASE_PATH":             "storage.path",
	"ROLE_ASSIGNMENTS":          "roles.assignments",
}

const (
	envPrefix     = "GATEWAY_"
	serviceSuffix = "_SERVICE_URL"
)

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// Load reads config.yaml from the working directory when present, then
// applies environment overrides.
func Load() (*Config, error) {
	return LoadFile("config.yaml")
}

// LoadFile is Load with an explicit YAML path. A missing file is not an error.
func LoadFile(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("load %s: %w", path, err)
			}
		}
	}

	// Unprefixed names first so GATEWAY_ nested overrides win.
	if err := k.Load(env.ProviderWithValue("", ".", flatEnvKey), nil); err != nil {
		return nil, err
	}
	if err := k.Load(env.ProviderWithValue(envPrefix, ".", func(key, value string) (string, interface{}) {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(key, envPrefix)), "__", "."), value
	}), nil); err != nil {
		return nil, err
	}

	setDefaults(k)

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}

	cfg.Auth.JWTSecret = substituteEnvVars(cfg.Auth.JWTSecret)
	cfg.CSRF.Secret = substituteEnvVars(cfg.CSRF.Secret)
	cfg.InternalSecret = substituteEnvVars(cfg.InternalSecret)
	cfg.Redis.URL = substituteEnvVars(cfg.Redis.URL)

	// YAML keys may be lower-case; the upper-case spelling from the
	// environment wins when both are present.
	services := make(map[string]string, len(cfg.Services))
	for name, target := range cfg.Services {
		if name != strings.ToUpper(name) {
			services[strings.ToUpper(name)] = substituteEnvVars(target)
		}
	}
	for name, target := range cfg.Services {
		if name == strings.ToUpper(name) {
			services[name] = substituteEnvVars(target)
		}
	}
	cfg.Services = services

	return &cfg, nil
}

func flatEnvKey(key, value string) (string, interface{}) {
	if strings.HasSuffix(key, serviceSuffix) && len(key) > len(serviceSuffix) {
		return "services." + strings.TrimSuffix(key, serviceSuffix), value
	}
	target, ok := flatEnv[key]
	if !ok {
		return "", nil
	}
	switch target {
	case "csrf.session_cookies":
		return target, splitList(value)
	case "roles.assignments":
		return target, parseAssignments(value)
	}
	return target, value
}

func setDefaults(k *koanf.Koanf) {
	defaults := map[string]interface{}{
		"server.port":             8080,
		"server.env":              "production",
		"auth.legacy_scan_limit":  50,
		"csrf.session_cookies":    []string{"session", "access_token", "refresh_token"},
		"rate_limit.window_ms":    60000,
		"rate_limit.max":          100,
		"storage.path":            "gateway.db",
		"router.timeout":          "5s",
		"router.breaker_failures": 5,
		"router.breaker_cooldown": "30s",
		"marketplace.timeout":     "30s",
		"marketplace.max_timeout": "120s",
		"telemetry.service_name":  "reqforge-gateway",
	}
	for key, value := range defaults {
		if !k.Exists(key) {
			k.Set(key, value)
		}
	}
}

// Validate checks the settings the gateway cannot run without.
func (c *Config) Validate() error {
	var errs []error

	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("auth.jwt_secret (JWT_SECRET) is required"))
	}
	if c.CSRF.Secret == "" {
		errs = append(errs, errors.New("csrf.secret (CSRF_SECRET) is required"))
	}
	if c.InternalSecret == "" && c.Server.IsProduction() {
		errs = append(errs, errors.New("internal_secret (INTERNAL_SERVICE_SECRET) is required in production"))
	}
	if c.RateLimit.WindowMs <= 0 || c.RateLimit.Max <= 0 {
		errs = append(errs, errors.New("rate_limit.window_ms and rate_limit.max must be positive"))
	}
	if c.Router.Timeout <= 0 {
		errs = append(errs, errors.New("router.timeout must be positive"))
	}
	if c.Marketplace.Timeout <= 0 || c.Marketplace.MaxTimeout < c.Marketplace.Timeout {
		errs = append(errs, errors.New("marketplace.timeout must be positive and not exceed marketplace.max_timeout"))
	}
	if c.Auth.LegacyScanLimit < 0 {
		errs = append(errs, errors.New("auth.legacy_scan_limit must not be negative"))
	}
	for name, target := range c.Services {
		u, err := url.Parse(target)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, fmt.Errorf("services.%s: %q is not an absolute http(s) URL", name, target))
		}
	}

	return errors.Join(errs...)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// parseAssignments reads "alice@example.com=founder,bob@example.com=admin".
func parseAssignments(s string) []interface{} {
	var out []interface{}
	for _, pair := range splitList(s) {
		email, role, ok := strings.Cut(pair, "=")
		if !ok {
			continue
		}
		out = append(out, map[string]interface{}{
			"email": strings.TrimSpace(email),
			"role":  strings.TrimSpace(role),
		})
	}
	return out
}

func substituteEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}
