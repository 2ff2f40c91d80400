// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"

	"github.com/paybroker/paybroker/internal/distribution"
	"github.com/paybroker/paybroker/internal/processor"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Processor settings
	Backend   string // "stripe", "razorpay", "flutterwave", "fake"
	PublicKey string
	SecretKey string
	ClientID  string // connect / deposit account key
	Mode      string // LOCAL, FORWARD, REMOTE

	// Broker settings
	BrokerName    string
	BrokerFeeBps  int64 // broker's cut in basis points of the available amount
	WebhookURL    string
	WebhookSecret string

	// Reconciliation
	Providers []string // providers to reconcile; comma-separated in env

	// Observability
	OTLPEndpoint string
}

// Defaults
const (
	DefaultPort         = "8080"
	DefaultEnv          = "development"
	DefaultLogLevel     = "info"
	DefaultBackend      = "fake"
	DefaultMode         = "LOCAL"
	DefaultBrokerName   = "default"
	DefaultBrokerFeeBps = 100 // 1%
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:          getEnv("PORT", DefaultPort),
		Env:           getEnv("ENV", DefaultEnv),
		LogLevel:      getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:   os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		Backend:       getEnv("BACKEND", DefaultBackend),
		PublicKey:     os.Getenv("PUB_KEY"),
		SecretKey:     os.Getenv("PRIV_KEY"),
		ClientID:      os.Getenv("CLIENT_ID"),
		Mode:          getEnv("MODE", DefaultMode),
		BrokerName:    getEnv("BROKER_NAME", DefaultBrokerName),
		BrokerFeeBps:  getEnvInt64("BROKER_FEE_BPS", DefaultBrokerFeeBps),
		WebhookURL:    os.Getenv("WEBHOOK_URL"),
		WebhookSecret: os.Getenv("WEBHOOK_SECRET"),
		Providers:     splitList(os.Getenv("PROVIDERS")),
		OTLPEndpoint:  os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if _, err := processor.ParseMode(c.Mode); err != nil {
		return fmt.Errorf("MODE: %w", err)
	}
	if c.Backend != string(processor.KindFake) && c.SecretKey == "" {
		return fmt.Errorf("PRIV_KEY is required for the %s backend", c.Backend)
	}
	if c.BrokerFeeBps < 0 || c.BrokerFeeBps > 10000 {
		return fmt.Errorf("BROKER_FEE_BPS must be between 0 and 10000, got %d", c.BrokerFeeBps)
	}
	return c.ProcessorConfig().Validate()
}

// ProcessorConfig builds the per-broker processor configuration. The fee
// schedule matches the selected backend's published pricing, with the
// broker's cut layered on.
func (c *Config) ProcessorConfig() processor.Config {
	return processor.Config{
		Kind:          processor.Kind(c.Backend),
		PublicKey:     c.PublicKey,
		SecretKey:     c.SecretKey,
		ClientID:      c.ClientID,
		Mode:          processor.Mode(c.Mode),
		WebhookURL:    c.WebhookURL,
		WebhookSecret: c.WebhookSecret,
		Fees:          c.feeSchedule(),
	}
}

// feeSchedule returns the processor's fee formula.
func (c *Config) feeSchedule() distribution.Schedule {
	base := distribution.Schedule{BrokerBps: c.BrokerFeeBps}
	switch processor.Kind(c.Backend) {
	case processor.KindRazorpay:
		// 2% flat, no fixed part.
		base.Numerator, base.Denominator = 200, 10000
	case processor.KindFlutterwave:
		// 1.4% capped.
		base.Numerator, base.Denominator = 140, 10000
		base.FeeCap = 200000
	default:
		// Stripe-style 2.9% + 30.
		base.Numerator, base.Denominator = 290, 10000
		base.Fixed = 30
	}
	return base
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
