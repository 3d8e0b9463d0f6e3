package login

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/gematik/zero-login/pkg/provider"
	"github.com/gematik/zero-login/pkg/settings"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Address string `yaml:"address" validate:"required"`

	// BaseURL is the public URL of this service. Redirect URIs are
	// BaseURL/callback/{provider} unless a provider overrides it.
	BaseURL string `yaml:"base_url" validate:"required,url"`

	Providers []provider.Config  `yaml:"providers" validate:"dive"`
	Settings  *settings.Settings `yaml:"settings"`
	Store     StoreConfig        `yaml:"store"`
	Attempts  AttemptsConfig     `yaml:"attempts"`
	Cookie    CookieConfig       `yaml:"cookie"`
	RateLimit RateLimitConfig    `yaml:"rate_limit"`
	Client    ClientConfig       `yaml:"client"`
}

type StoreConfig struct {
	Driver     string        `yaml:"driver" validate:"omitempty,oneof=memory sqlite postgres"`
	DSN        string        `yaml:"dsn" validate:"required_unless=Driver memory"`
	SessionTTL time.Duration `yaml:"session_ttl" validate:"gte=0"`
}

type AttemptsConfig struct {
	Store          string        `yaml:"store" validate:"omitempty,oneof=memory redis"`
	RedisURL       string        `yaml:"redis_url" validate:"required_if=Store redis"`
	TTL            time.Duration `yaml:"ttl" validate:"gte=0"`
	BrowserBinding bool          `yaml:"browser_binding"`
}

type CookieConfig struct {
	Name   string `yaml:"name"`
	Secret string `yaml:"secret" validate:"required,min=32"`
	Secure bool   `yaml:"secure"`
}

type RateLimitConfig struct {
	// Logins started per second and IP, 0 disables the limit.
	PerSecond float64 `yaml:"per_second" validate:"gte=0"`
	Burst     int     `yaml:"burst" validate:"gte=0"`
}

type ClientConfig struct {
	Timeout   time.Duration `yaml:"timeout" validate:"gte=0"`
	ClockSkew time.Duration `yaml:"clock_skew" validate:"gte=0"`
}

// LoadConfigFile reads, expands and validates the configuration. ${VAR}
// references in client ids, client secrets, the cookie secret, the store
// DSN and the redis URL are replaced with environment values, so secrets
// can stay out of the file.
func LoadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return ParseConfig(data)
}

func ParseConfig(data []byte) (*Config, error) {
	var config Config
	err := yaml.Unmarshal(data, &config)
	if err != nil {
		return nil, fmt.Errorf("unmarshal config file: %w", err)
	}
	config.expandEnv()
	config.applyDefaults()

	// validate config
	validate := validator.New()
	err = validate.Struct(config)
	if err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &config, nil
}

var envReference = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnv replaces ${VAR} with the value of VAR. A bare $ is kept.
func expandEnv(value string) string {
	return envReference.ReplaceAllStringFunc(value, func(ref string) string {
		return os.Getenv(ref[2 : len(ref)-1])
	})
}

func (c *Config) expandEnv() {
	for i := range c.Providers {
		p := &c.Providers[i]
		p.ClientID = expandEnv(p.ClientID)
		if !p.ClientSecret.IsZero() {
			p.ClientSecret = provider.NewSecretString(expandEnv(p.ClientSecret.Value()))
		}
	}
	c.Cookie.Secret = expandEnv(c.Cookie.Secret)
	c.Store.DSN = expandEnv(c.Store.DSN)
	c.Attempts.RedisURL = expandEnv(c.Attempts.RedisURL)
}

func (c *Config) applyDefaults() {
	if c.Settings == nil {
		s := settings.Default()
		c.Settings = &s
	}
	if c.Store.Driver == "" {
		c.Store.Driver = "memory"
	}
	if c.Attempts.Store == "" {
		c.Attempts.Store = "memory"
	}
	if c.Cookie.Name == "" {
		c.Cookie.Name = "zero_login"
	}
}
