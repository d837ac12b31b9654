// Package config loads gateway configuration from the environment and an
// optional YAML overlay.
package config

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/lumen-commerce/commerce_layer/internal/domain/identity"
)

// Environment names a deployment tier.
type Environment string

const (
	EnvDevelopment Environment = "development"
	EnvTest        Environment = "test"
	EnvStaging     Environment = "staging"
	EnvProduction  Environment = "production"
)

// ParseEnvironment converts s into an Environment.
func ParseEnvironment(s string) (Environment, error) {
	switch e := Environment(strings.ToLower(strings.TrimSpace(s))); e {
	case EnvDevelopment, EnvTest, EnvStaging, EnvProduction:
		return e, nil
	case "dev", "local":
		return EnvDevelopment, nil
	case "prod":
		return EnvProduction, nil
	default:
		return "", fmt.Errorf("unknown environment %q", s)
	}
}

// IsProductionLike reports whether fail-closed defaults apply.
func (e Environment) IsProductionLike() bool {
	return e == EnvStaging || e == EnvProduction
}

// DefaultWebhookTolerance is the accepted clock skew for signed webhooks.
const DefaultWebhookTolerance = 300 * time.Second

// WebhookEndpoint is one (provider, domain) webhook receiver.
type WebhookEndpoint struct {
	Provider  string        `yaml:"provider"`
	Domain    string        `yaml:"domain"`
	SecretEnv string        `yaml:"secret_env"`
	Tolerance time.Duration `yaml:"tolerance"`

	// Secret is resolved from SecretEnv at load time and never read from YAML.
	Secret string `yaml:"-"`
}

// SurfaceConfig carries per-surface overrides from the YAML overlay.
type SurfaceConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// FileConfig is the YAML overlay.
type FileConfig struct {
	Surfaces              map[string]SurfaceConfig `yaml:"surfaces"`
	PreviewOriginPatterns []string                 `yaml:"preview_origin_patterns"`
	Webhooks              []WebhookEndpoint        `yaml:"webhooks"`
}

// Config is the process configuration.
type Config struct {
	Env        string `env:"APP_ENV,default=development"`
	LogLevel   string `env:"LOG_LEVEL,default=info"`
	LogFormat  string `env:"LOG_FORMAT,default=text"`
	ConfigFile string `env:"GATEWAY_CONFIG_FILE"`

	SiteAddr    string `env:"SITE_ADDR,default=:8080"`
	ClientAddr  string `env:"CLIENT_ADDR,default=:8081"`
	AdminAddr   string `env:"ADMIN_ADDR,default=:8082"`
	MetricsAddr string `env:"METRICS_ADDR,default=:9090"`

	DatabaseURL    string `env:"DATABASE_URL"`
	MigrateOnStart bool   `env:"MIGRATE_ON_START,default=false"`
	RedisURL       string `env:"REDIS_URL"`

	CookieDomain   string `env:"COOKIE_DOMAIN"`
	CookieInsecure bool   `env:"COOKIE_INSECURE,default=false"`

	SessionTTL           time.Duration `env:"SESSION_TTL,default=12h"`
	SessionLookupTimeout time.Duration `env:"SESSION_LOOKUP_TIMEOUT,default=2s"`
	StoreTimeout         time.Duration `env:"STORE_TIMEOUT,default=5s"`
	StaleEventAfter      time.Duration `env:"STALE_EVENT_AFTER,default=15m"`

	SiteOrigins           string `env:"SITE_ALLOWED_ORIGINS"`
	ClientOrigins         string `env:"CLIENT_ALLOWED_ORIGINS"`
	AdminOrigins          string `env:"ADMIN_ALLOWED_ORIGINS"`
	PreviewOriginPatterns string `env:"PREVIEW_ORIGIN_PATTERNS"`

	AdminUserIDs      string `env:"ADMIN_USER_IDS"`
	SuperAdminUserIDs string `env:"SUPER_ADMIN_USER_IDS"`

	StripeWebhookSecret string        `env:"STRIPE_WEBHOOK_SECRET"`
	WebhookTolerance    time.Duration `env:"WEBHOOK_TOLERANCE,default=300s"`

	ProviderAPIBase      string `env:"PROVIDER_API_BASE,default=https://api.stripe.com"`
	ProviderTokenURL     string `env:"PROVIDER_TOKEN_URL"`
	ProviderClientID     string `env:"PROVIDER_CLIENT_ID"`
	ProviderClientSecret string `env:"PROVIDER_CLIENT_SECRET"`

	Environment Environment
	File        FileConfig
}

// Load reads an optional .env file, decodes the environment and applies the
// YAML overlay named by GATEWAY_CONFIG_FILE.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	return FromEnv()
}

// FromEnv decodes the current process environment without touching .env.
func FromEnv() (*Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("decode environment: %w", err)
	}

	env, err := ParseEnvironment(cfg.Env)
	if err != nil {
		return nil, err
	}
	cfg.Environment = env

	if cfg.ConfigFile != "" {
		file, err := LoadFile(cfg.ConfigFile)
		if err != nil {
			return nil, err
		}
		cfg.File = *file
	}
	cfg.resolveWebhooks()
	return &cfg, nil
}

// LoadFile parses the YAML overlay at path.
func LoadFile(path string) (*FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read gateway config: %w", err)
	}
	var fc FileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("failed to parse gateway config: %w", err)
	}
	for i, w := range fc.Webhooks {
		if w.Provider == "" || w.Domain == "" {
			return nil, fmt.Errorf("webhook %d: provider and domain are required", i)
		}
	}
	return &fc, nil
}

func (c *Config) resolveWebhooks() {
	if len(c.File.Webhooks) == 0 {
		c.File.Webhooks = []WebhookEndpoint{{
			Provider:  "stripe",
			Domain:    "billing",
			SecretEnv: "STRIPE_WEBHOOK_SECRET",
		}}
	}
	for i := range c.File.Webhooks {
		w := &c.File.Webhooks[i]
		w.Provider = strings.ToLower(w.Provider)
		w.Domain = strings.ToLower(w.Domain)
		if w.Tolerance <= 0 {
			w.Tolerance = c.WebhookTolerance
		}
		if w.Tolerance <= 0 {
			w.Tolerance = DefaultWebhookTolerance
		}
		if w.SecretEnv == "STRIPE_WEBHOOK_SECRET" {
			w.Secret = c.StripeWebhookSecret
		} else if w.SecretEnv != "" {
			w.Secret = os.Getenv(w.SecretEnv)
		}
	}
}

// Validate rejects configurations that would run insecurely.
func (c *Config) Validate() error {
	var problems []string
	if c.Environment.IsProductionLike() {
		if c.CookieInsecure {
			problems = append(problems, "COOKIE_INSECURE is not allowed in "+string(c.Environment))
		}
		if c.DatabaseURL == "" {
			problems = append(problems, "DATABASE_URL is required in "+string(c.Environment))
		}
		for _, w := range c.File.Webhooks {
			if w.Secret == "" {
				problems = append(problems, fmt.Sprintf("webhook %s/%s has no signing secret (%s)", w.Provider, w.Domain, w.SecretEnv))
			}
		}
	}
	if c.SessionTTL <= 0 {
		problems = append(problems, "SESSION_TTL must be positive")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

// AllowedOrigins returns the exact-match origin allowlist for surface. YAML
// entries are merged with the environment list.
func (c *Config) AllowedOrigins(surface identity.Surface) []string {
	var raw string
	switch surface {
	case identity.SurfaceSite:
		raw = c.SiteOrigins
	case identity.SurfaceClient:
		raw = c.ClientOrigins
	case identity.SurfaceAdmin:
		raw = c.AdminOrigins
	}
	out := ParseCSV(raw)
	if sc, ok := c.File.Surfaces[string(surface)]; ok {
		out = append(out, sc.AllowedOrigins...)
	}
	return out
}

// PreviewPatterns returns every configured preview-origin pattern.
func (c *Config) PreviewPatterns() []string {
	return append(ParseCSV(c.PreviewOriginPatterns), c.File.PreviewOriginPatterns...)
}

// Webhook looks up the endpoint for provider and domain.
func (c *Config) Webhook(provider, domain string) (WebhookEndpoint, bool) {
	provider, domain = strings.ToLower(provider), strings.ToLower(domain)
	for _, w := range c.File.Webhooks {
		if w.Provider == provider && w.Domain == domain {
			return w, true
		}
	}
	return WebhookEndpoint{}, false
}

// CookiePolicy holds the cookie attributes used for both setting and clearing
// surface cookies.
type CookiePolicy struct {
	Secure   bool
	SameSite http.SameSite
	Domain   string
}

// Cookies returns the cookie attributes for the environment.
func (c *Config) Cookies() CookiePolicy {
	return CookiePolicy{
		Secure:   c.Environment.IsProductionLike() || !c.CookieInsecure,
		SameSite: http.SameSiteLaxMode,
		Domain:   c.CookieDomain,
	}
}

// ParseCSV splits a comma-separated list, dropping blanks.
func ParseCSV(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
