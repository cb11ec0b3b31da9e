// Package config loads the billing service configuration from the
// environment and the product catalog from YAML.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/dukerupert/keyfulfill/internal/billing/model"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
	EnvTest        = "test"
)

// Config is read from BILLING_* variables. Provider settings come from
// their own STRIPE_* and HOSTED_* prefixes.
type Config struct {
	Env       string `envconfig:"ENV" default:"development"`
	Port      int    `envconfig:"PORT" default:"8090"`
	DBPath    string `envconfig:"DB_PATH" default:"billing.db"`
	BaseURL   string `envconfig:"BASE_URL"`
	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"text"`

	KeyPrefix   string `envconfig:"KEY_PREFIX" default:"KF"`
	KeySalt     string `envconfig:"KEY_SALT"`
	CatalogPath string `envconfig:"CATALOG_PATH" default:"catalog.yaml"`

	AdminTokenHash string `envconfig:"ADMIN_TOKEN_HASH"`
	OpsEmail       string `envconfig:"OPS_EMAIL"`
	PostmarkToken  string `envconfig:"POSTMARK_TOKEN"`
	FromEmail      string `envconfig:"FROM_EMAIL"`
	SentryDSN      string `envconfig:"SENTRY_DSN"`

	RetryInterval   time.Duration `envconfig:"RETRY_INTERVAL" default:"15m"`
	NotifyTimeout   time.Duration `envconfig:"NOTIFY_TIMEOUT" default:"10s"`
	NotifyWorkers   int           `envconfig:"NOTIFY_WORKERS" default:"2"`
	NotifyQueueSize int           `envconfig:"NOTIFY_QUEUE_SIZE" default:"256"`
	ProviderTimeout time.Duration `envconfig:"PROVIDER_TIMEOUT" default:"15s"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"10s"`

	// Per-IP limit on the license endpoints.
	RateLimitRPS   float64 `envconfig:"RATE_LIMIT_RPS" default:"1"`
	RateLimitBurst int     `envconfig:"RATE_LIMIT_BURST" default:"10"`

	Stripe StripeConfig `ignored:"true"`
	Hosted HostedConfig `ignored:"true"`
}

type StripeConfig struct {
	SecretKey     string   `envconfig:"SECRET_KEY"`
	WebhookSecret string   `envconfig:"WEBHOOK_SECRET"`
	APIBaseURL    string   `envconfig:"API_BASE_URL"`
	Currencies    []string `envconfig:"CURRENCIES"`
}

func (c StripeConfig) Enabled() bool { return c.SecretKey != "" }

type HostedConfig struct {
	BaseURL         string   `envconfig:"BASE_URL"`
	APIKey          string   `envconfig:"API_KEY"`
	WebhookSecret   string   `envconfig:"WEBHOOK_SECRET"`
	SignatureHeader string   `envconfig:"SIGNATURE_HEADER" default:"x-signature"`
	Currencies      []string `envconfig:"CURRENCIES"`
}

func (c HostedConfig) Enabled() bool { return c.BaseURL != "" }

// Load reads and validates the configuration.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("BILLING", &cfg); err != nil {
		return nil, fmt.Errorf("load billing config: %w", err)
	}
	if err := envconfig.Process("STRIPE", &cfg.Stripe); err != nil {
		return nil, fmt.Errorf("load stripe config: %w", err)
	}
	if err := envconfig.Process("HOSTED", &cfg.Hosted); err != nil {
		return nil, fmt.Errorf("load hosted config: %w", err)
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = fmt.Sprintf("http://localhost:%d", cfg.Port)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Production() bool {
	return c.Env == EnvProduction
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var errs []error
	switch c.Env {
	case EnvDevelopment, EnvProduction, EnvTest:
	default:
		errs = append(errs, fmt.Errorf("BILLING_ENV must be development, production or test, got %q", c.Env))
	}
	if c.Port < 1 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("BILLING_PORT %d out of range", c.Port))
	}
	switch strings.ToLower(c.LogFormat) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("BILLING_LOG_FORMAT must be text or json, got %q", c.LogFormat))
	}
	if c.RetryInterval < 0 {
		errs = append(errs, errors.New("BILLING_RETRY_INTERVAL must not be negative"))
	}
	if c.NotifyTimeout <= 0 || c.ProviderTimeout <= 0 {
		errs = append(errs, errors.New("BILLING_NOTIFY_TIMEOUT and BILLING_PROVIDER_TIMEOUT must be positive"))
	}
	if c.RateLimitRPS <= 0 || c.RateLimitBurst < 1 {
		errs = append(errs, errors.New("BILLING_RATE_LIMIT_RPS and BILLING_RATE_LIMIT_BURST must be positive"))
	}

	if c.Production() {
		if !c.Stripe.Enabled() && !c.Hosted.Enabled() {
			errs = append(errs, errors.New("no payment provider configured"))
		}
		if c.Stripe.Enabled() && c.Stripe.WebhookSecret == "" {
			errs = append(errs, errors.New("STRIPE_WEBHOOK_SECRET is required in production"))
		}
		if c.Hosted.Enabled() && c.Hosted.WebhookSecret == "" {
			errs = append(errs, errors.New("HOSTED_WEBHOOK_SECRET is required in production"))
		}
		if c.KeySalt == "" {
			errs = append(errs, errors.New("BILLING_KEY_SALT is required in production"))
		}
		if c.AdminTokenHash == "" {
			errs = append(errs, errors.New("BILLING_ADMIN_TOKEN_HASH is required in production"))
		}
	}
	return errors.Join(errs...)
}

type catalogFile struct {
	Products []catalogProduct `yaml:"products"`
}

type catalogProduct struct {
	ID              string   `yaml:"id"`
	Name            string   `yaml:"name"`
	Price           int64    `yaml:"price"`
	Currency        string   `yaml:"currency"`
	ActivationLimit int      `yaml:"activation_limit"`
	Features        []string `yaml:"features"`
	Active          *bool    `yaml:"active"`
}

// LoadCatalog reads the product catalog. Prices are in minor units;
// products are active unless marked otherwise.
func LoadCatalog(path string) ([]*model.Product, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	return ParseCatalog(data)
}

func ParseCatalog(data []byte) ([]*model.Product, error) {
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	if len(f.Products) == 0 {
		return nil, errors.New("catalog has no products")
	}

	seen := make(map[string]bool, len(f.Products))
	products := make([]*model.Product, 0, len(f.Products))
	var errs []error
	for i, cp := range f.Products {
		if err := cp.validate(); err != nil {
			errs = append(errs, fmt.Errorf("product %d (%q): %w", i, cp.ID, err))
			continue
		}
		if seen[cp.ID] {
			errs = append(errs, fmt.Errorf("product %q listed twice", cp.ID))
			continue
		}
		seen[cp.ID] = true

		active := true
		if cp.Active != nil {
			active = *cp.Active
		}
		products = append(products, &model.Product{
			ID:              cp.ID,
			Name:            cp.Name,
			Price:           cp.Price,
			Currency:        strings.ToUpper(cp.Currency),
			ActivationLimit: cp.ActivationLimit,
			Features:        cp.Features,
			Active:          active,
		})
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return products, nil
}

func (p catalogProduct) validate() error {
	switch {
	case p.ID == "":
		return errors.New("id is required")
	case p.Name == "":
		return errors.New("name is required")
	case p.Price <= 0:
		return errors.New("price must be positive")
	case len(p.Currency) != 3:
		return fmt.Errorf("currency %q is not an ISO-4217 code", p.Currency)
	case p.ActivationLimit < 1:
		return errors.New("activation_limit must be at least 1")
	}
	return nil
}
