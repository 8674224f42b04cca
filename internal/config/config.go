package config

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

// Config holds all configuration for the appforge server.
type Config struct {
	Port     int
	APIKey   string
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string

	// Auth
	JWTSecret string // Shared secret for preview-scoped JWTs

	// Daytona sandbox provider
	DaytonaAPIURL string
	DaytonaAPIKey string
	SandboxRegion string // provider region for new sandboxes
	SandboxImage  string // provider template image for new sandboxes

	// Pool allocation
	SandboxCapacity int // occupancy cap per shared sandbox, default 5

	// NATS for usage metering events
	NATSURL string

	// Redis for cross-replica migration invalidation
	RedisURL string

	// Stripe
	StripeAPIKey    string
	StripeMeterName string // billing meter event name, default "appforge_usage"

	// Segment analytics
	SegmentWriteKey string

	// Preview serving
	PreviewDomain string // base domain for preview URLs (e.g. "preview.appforge.dev")

	// AWS Secrets Manager — if set, secrets are fetched at startup using IAM credentials.
	// The secret should be a JSON object with keys matching env var names (e.g. APPFORGE_JWT_SECRET).
	// Env vars take precedence over secret values (for local overrides).
	SecretsARN string
}

// Load reads configuration from environment variables with sensible defaults.
// If APPFORGE_SECRETS_ARN is set, secrets are fetched from AWS Secrets Manager
// first, then environment variables are applied on top (env vars take precedence).
func Load() (*Config, error) {
	// Fetch secrets from AWS Secrets Manager if configured.
	// This populates the process environment so subsequent os.Getenv calls pick them up.
	if arn := os.Getenv("APPFORGE_SECRETS_ARN"); arn != "" {
		if err := loadSecretsManager(arn); err != nil {
			return nil, fmt.Errorf("failed to load secrets from %s: %w", arn, err)
		}
	}

	cfg := &Config{
		Port:     8080,
		APIKey:   os.Getenv("APPFORGE_API_KEY"),
		LogLevel: envOrDefault("APPFORGE_LOG_LEVEL", "info"),

		DatabaseURL: envOrDefault("APPFORGE_DATABASE_URL", os.Getenv("DATABASE_URL")),
		JWTSecret:   os.Getenv("APPFORGE_JWT_SECRET"),

		DaytonaAPIURL: envOrDefault("APPFORGE_DAYTONA_API_URL", "https://app.daytona.io/api"),
		DaytonaAPIKey: os.Getenv("APPFORGE_DAYTONA_API_KEY"),
		SandboxRegion: envOrDefault("APPFORGE_SANDBOX_REGION", "us"),
		SandboxImage:  envOrDefault("APPFORGE_SANDBOX_IMAGE", "appforge-node:latest"),

		SandboxCapacity: envOrDefaultInt("APPFORGE_SANDBOX_CAPACITY", 5),

		NATSURL:  envOrDefault("APPFORGE_NATS_URL", "nats://localhost:4222"),
		RedisURL: os.Getenv("APPFORGE_REDIS_URL"),

		StripeAPIKey:    os.Getenv("APPFORGE_STRIPE_API_KEY"),
		StripeMeterName: envOrDefault("APPFORGE_STRIPE_METER_NAME", "appforge_usage"),

		SegmentWriteKey: os.Getenv("APPFORGE_SEGMENT_WRITE_KEY"),

		PreviewDomain: envOrDefault("APPFORGE_PREVIEW_DOMAIN", "localhost"),

		SecretsARN: os.Getenv("APPFORGE_SECRETS_ARN"),
	}

	if portStr := os.Getenv("APPFORGE_PORT"); portStr != "" {
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return nil, fmt.Errorf("invalid APPFORGE_PORT %q: %w", portStr, err)
		}
		cfg.Port = port
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

// loadSecretsManager fetches a JSON secret from AWS Secrets Manager and sets
// any values as environment variables (only if not already set, so explicit
// env vars always win). Uses the default AWS credential chain (IAM instance
// profile on EC2, or ~/.aws/credentials locally).
func loadSecretsManager(arn string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Extract region from ARN: arn:aws:secretsmanager:REGION:ACCOUNT:secret:NAME
	var opts []func(*awsconfig.LoadOptions) error
	if parts := strings.Split(arn, ":"); len(parts) >= 4 && parts[3] != "" {
		opts = append(opts, awsconfig.WithRegion(parts[3]))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return fmt.Errorf("load AWS config: %w", err)
	}

	client := secretsmanager.NewFromConfig(awsCfg)
	result, err := client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: &arn,
	})
	if err != nil {
		return fmt.Errorf("GetSecretValue: %w", err)
	}

	if result.SecretString == nil {
		return fmt.Errorf("secret %s has no string value", arn)
	}

	var secrets map[string]string
	if err := json.Unmarshal([]byte(*result.SecretString), &secrets); err != nil {
		return fmt.Errorf("parse secret JSON: %w", err)
	}

	applied := 0
	for key, value := range secrets {
		if os.Getenv(key) == "" {
			os.Setenv(key, value)
			applied++
		}
	}

	log.Printf("config: loaded %d secrets from Secrets Manager (%d keys in secret, env overrides take precedence)", applied, len(secrets))
	return nil
}
