package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Anthonyuketui/Fintech-renconcilliation/internal/recon"
)

// Config holds the application configuration.
type Config struct {
	Environment string
	DatabaseURL string

	// Feed endpoints.
	ProcessorAPIURL string
	ProcessorAPIKey string
	InternalAPIURL  string
	InternalAPIKey  string
	FetchTimeout    time.Duration

	// Normalization.
	MaxCorruptionRate float64

	// Severity policy; zero-value fields fall back to the defaults.
	Thresholds recon.ThresholdConfig

	// Artifact delivery.
	GCSBucket        string
	FallbackRoot     string
	DeliveryAttempts int
	DeliveryBackoff  time.Duration
	ScratchDir       string
	CleanupScratch   bool

	// Notifications. Pub/Sub is optional; logging always happens.
	PubSubProjectID string
	PubSubTopic     string

	// Audit.
	AuditGraceWindow time.Duration

	// Orchestration.
	Workers int
}

// Load loads configuration from environment variables. Severity
// thresholds start from the operational defaults; the absolute
// critical amount is overridable via RECON_CRITICAL_AMOUNT.
func Load() (*Config, error) {
	cfg := &Config{
		Environment:       os.Getenv("APP_ENV"),
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		ProcessorAPIURL:   os.Getenv("PROCESSOR_API_URL"),
		ProcessorAPIKey:   os.Getenv("PROCESSOR_API_KEY"),
		InternalAPIURL:    os.Getenv("INTERNAL_API_URL"),
		InternalAPIKey:    os.Getenv("INTERNAL_API_KEY"),
		FetchTimeout:      30 * time.Second,
		MaxCorruptionRate: 0.05,
		Thresholds:        recon.DefaultThresholdConfig(),
		GCSBucket:         os.Getenv("GCS_BUCKET"),
		FallbackRoot:      envOr("FALLBACK_ROOT", "/var/lib/reconciler/fallback"),
		DeliveryAttempts:  3,
		DeliveryBackoff:   500 * time.Millisecond,
		ScratchDir:        os.Getenv("SCRATCH_DIR"),
		PubSubProjectID:   os.Getenv("PUBSUB_PROJECT_ID"),
		PubSubTopic:       os.Getenv("PUBSUB_TOPIC"),
		AuditGraceWindow:  60 * time.Second,
		Workers:           4,
	}

	var err error
	if cfg.FetchTimeout, err = envDuration("FETCH_TIMEOUT", cfg.FetchTimeout); err != nil {
		return nil, err
	}
	if cfg.MaxCorruptionRate, err = envFloat("MAX_CORRUPTION_RATE", cfg.MaxCorruptionRate); err != nil {
		return nil, err
	}
	if cfg.DeliveryAttempts, err = envInt("DELIVERY_ATTEMPTS", cfg.DeliveryAttempts); err != nil {
		return nil, err
	}
	if cfg.DeliveryBackoff, err = envDuration("DELIVERY_BACKOFF", cfg.DeliveryBackoff); err != nil {
		return nil, err
	}
	if cfg.AuditGraceWindow, err = envDuration("AUDIT_GRACE_WINDOW", cfg.AuditGraceWindow); err != nil {
		return nil, err
	}
	if cfg.Workers, err = envInt("RECON_WORKERS", cfg.Workers); err != nil {
		return nil, err
	}
	cfg.CleanupScratch = os.Getenv("CLEANUP_SCRATCH") == "true"

	if v := os.Getenv("RECON_CRITICAL_AMOUNT"); v != "" {
		amount, err := decimal.NewFromString(v)
		if err != nil {
			return nil, fmt.Errorf("RECON_CRITICAL_AMOUNT is not a decimal: %q", v)
		}
		cfg.Thresholds.AbsoluteCriticalAmount = amount
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	var missing []string

	if c.Environment == "" {
		missing = append(missing, "APP_ENV")
	}
	if c.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}
	if c.ProcessorAPIURL == "" {
		missing = append(missing, "PROCESSOR_API_URL")
	}
	if c.InternalAPIURL == "" {
		missing = append(missing, "INTERNAL_API_URL")
	}
	if len(missing) > 0 {
		return errors.New("missing required environment variables: " + strings.Join(missing, ", "))
	}

	// Development runs may skip the object store and alerting; in
	// production both a bucket and a fallback root are required so a
	// delivery outage never loses a report.
	if c.Environment == "production" || c.Environment == "staging" {
		if c.GCSBucket == "" {
			missing = append(missing, "GCS_BUCKET")
		}
		if c.FallbackRoot == "" {
			missing = append(missing, "FALLBACK_ROOT")
		}
		if len(missing) > 0 {
			return errors.New("missing required environment variables for " + c.Environment + ": " + strings.Join(missing, ", "))
		}
	}

	if c.MaxCorruptionRate < 0 || c.MaxCorruptionRate >= 1 {
		return fmt.Errorf("MAX_CORRUPTION_RATE must be in [0, 1), got %v", c.MaxCorruptionRate)
	}
	if c.DeliveryAttempts < 1 {
		return fmt.Errorf("DELIVERY_ATTEMPTS must be at least 1, got %d", c.DeliveryAttempts)
	}
	if c.Workers < 1 {
		return fmt.Errorf("RECON_WORKERS must be at least 1, got %d", c.Workers)
	}
	if c.AuditGraceWindow < 0 {
		return fmt.Errorf("AUDIT_GRACE_WINDOW must not be negative, got %v", c.AuditGraceWindow)
	}
	if err := c.Thresholds.Validate(); err != nil {
		return fmt.Errorf("severity thresholds: %w", err)
	}
	if (c.PubSubProjectID == "") != (c.PubSubTopic == "") {
		return errors.New("PUBSUB_PROJECT_ID and PUBSUB_TOPIC must be set together")
	}

	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s is not a duration: %q", key, v)
	}
	return d, nil
}

func envFloat(key string, fallback float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s is not a number: %q", key, v)
	}
	return f, nil
}

func envInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s is not an integer: %q", key, v)
	}
	return n, nil
}
