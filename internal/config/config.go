// Package config provides configuration loading and management for the vault service.
// It handles environment variable parsing and provides default values for all settings.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// init loads .env and .env.local if present. godotenv never overrides
// variables that are already set, so the OS environment wins.
func init() {
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to load .env file: %v\n", err)
		}
	}

	if _, err := os.Stat(".env.local"); err == nil {
		if err := godotenv.Load(".env.local"); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to load .env.local file: %v\n", err)
		}
	}
}

// Config captures environment-driven settings for the vault service.
type Config struct {
	Env         string // Deployment environment (dev, staging, prod)
	Port        string // HTTP server port
	DatabaseDSN string // PostgreSQL DSN; empty selects the in-memory store
	NATSURL     string // NATS server URL; empty disables event streaming
	AMQPURL     string // RabbitMQ URL for the portal mailer; empty logs emails instead
	RedisAddr   string // Redis address for the sweep lease; empty uses an in-process lease

	// Blob store
	S3Endpoint  string
	S3Region    string
	S3Bucket    string
	S3AccessKey string
	S3SecretKey string
	PresignTTL  time.Duration // Lifetime of presigned upload and download URLs

	// Authentication
	JWTIssuer   string // Expected issuer for JWT validation
	JWTAudience string // Expected audience for JWT validation
	JWKSURL     string // Key set of the identity provider; defaults under the issuer
	SweepSecret string // Bearer secret the external scheduler presents to trigger a sweep

	// Collaborators
	DirectoryURL  string // Organization directory base URL
	PortalBaseURL string // Base used to build client-facing portal links

	// Expiration engine
	LookaheadDays      int            // Window scanned by the sweep
	SoonDays           int            // Threshold for the expiring_soon / due_soon buckets
	UrgentCheckDelay   time.Duration  // Delay before a dashboard-triggered urgent check
	Location           *time.Location // Calendar used to decide what "today" is
	SweepLeaseDuration time.Duration  // Upper bound on how long one sweep holds the lease

	// Upload limits
	MaxUploadSize    int64
	AllowedMimeTypes []string

	// CORS configuration
	CORSAllowedOrigins []string // Allowed origins for CORS (empty means deny all)
}

// Default configuration values used when environment variables are not set
const (
	defaultPort          = "8080"
	defaultS3Region      = "us-east-1"
	defaultEnv           = "dev"
	defaultPortalBaseURL = "http://localhost:3000"
	defaultPresignTTL    = 15 * time.Minute
	defaultLookaheadDays = 90
	defaultSoonDays      = 7
	defaultUrgentDelay   = 2 * time.Second
	defaultSweepLease    = 30 * time.Minute
	defaultMaxUpload     = 50 * 1024 * 1024
)

var defaultMimeTypes = []string{
	"application/pdf",
	"image/jpeg",
	"image/png",
	"image/heic",
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
}

// Load reads environment variables and produces a Config suitable for wiring the service.
// Returns an error if required parameters are missing or invalid.
func Load() (Config, error) {
	cfg := Config{
		Env:           getEnv("VAULT_ENV", defaultEnv),
		Port:          getEnv("VAULT_PORT", defaultPort),
		DatabaseDSN:   os.Getenv("VAULT_DB_DSN"),
		NATSURL:       os.Getenv("VAULT_NATS_URL"),
		AMQPURL:       os.Getenv("VAULT_AMQP_URL"),
		RedisAddr:     os.Getenv("VAULT_REDIS_ADDR"),
		S3Endpoint:    os.Getenv("VAULT_S3_ENDPOINT"),
		S3Region:      getEnv("VAULT_S3_REGION", defaultS3Region),
		S3Bucket:      os.Getenv("VAULT_S3_BUCKET"),
		S3AccessKey:   os.Getenv("VAULT_S3_ACCESS_KEY"),
		S3SecretKey:   os.Getenv("VAULT_S3_SECRET_KEY"),
		JWTIssuer:     os.Getenv("VAULT_JWT_ISSUER"),
		JWTAudience:   os.Getenv("VAULT_JWT_AUDIENCE"),
		SweepSecret:   os.Getenv("VAULT_SWEEP_SECRET"),
		DirectoryURL:  os.Getenv("VAULT_DIRECTORY_URL"),
		PortalBaseURL: strings.TrimRight(getEnv("VAULT_PORTAL_BASE_URL", defaultPortalBaseURL), "/"),
	}

	var err error
	if cfg.PresignTTL, err = getDuration("VAULT_PRESIGN_TTL", defaultPresignTTL); err != nil {
		return cfg, err
	}
	if cfg.UrgentCheckDelay, err = getDuration("VAULT_URGENT_CHECK_DELAY", defaultUrgentDelay); err != nil {
		return cfg, err
	}
	if cfg.SweepLeaseDuration, err = getDuration("VAULT_SWEEP_LEASE", defaultSweepLease); err != nil {
		return cfg, err
	}
	if cfg.LookaheadDays, err = getInt("VAULT_LOOKAHEAD_DAYS", defaultLookaheadDays); err != nil {
		return cfg, err
	}
	if cfg.SoonDays, err = getInt("VAULT_SOON_DAYS", defaultSoonDays); err != nil {
		return cfg, err
	}
	if cfg.SoonDays > cfg.LookaheadDays {
		return cfg, fmt.Errorf("VAULT_SOON_DAYS (%d) must not exceed VAULT_LOOKAHEAD_DAYS (%d)", cfg.SoonDays, cfg.LookaheadDays)
	}

	cfg.Location, err = time.LoadLocation(getEnv("VAULT_TIMEZONE", "UTC"))
	if err != nil {
		return cfg, fmt.Errorf("invalid VAULT_TIMEZONE: %w", err)
	}

	if v, exists := os.LookupEnv("VAULT_MAX_UPLOAD_SIZE"); exists {
		size, err := strconv.ParseInt(v, 10, 64)
		if err != nil || size <= 0 {
			return cfg, fmt.Errorf("invalid VAULT_MAX_UPLOAD_SIZE: %q", v)
		}
		cfg.MaxUploadSize = size
	} else {
		cfg.MaxUploadSize = defaultMaxUpload
	}

	if v, exists := os.LookupEnv("VAULT_ALLOWED_MIME_TYPES"); exists {
		cfg.AllowedMimeTypes = splitList(v)
	} else {
		cfg.AllowedMimeTypes = append([]string(nil), defaultMimeTypes...)
	}

	if v, exists := os.LookupEnv("VAULT_CORS_ALLOWED_ORIGINS"); exists {
		cfg.CORSAllowedOrigins = splitList(v)
	}

	// Validate required parameters
	if cfg.JWTIssuer == "" {
		return cfg, fmt.Errorf("VAULT_JWT_ISSUER is required")
	}
	if cfg.JWTAudience == "" {
		return cfg, fmt.Errorf("VAULT_JWT_AUDIENCE is required")
	}
	cfg.JWKSURL = getEnv("VAULT_JWKS_URL", strings.TrimRight(cfg.JWTIssuer, "/")+"/.well-known/jwks.json")
	if cfg.SweepSecret == "" && !cfg.IsDev() {
		return cfg, fmt.Errorf("VAULT_SWEEP_SECRET is required outside dev")
	}

	return cfg, nil
}

// IsDev reports whether the service runs in the development environment.
func (c Config) IsDev() bool { return c.Env == defaultEnv }

// getEnv retrieves an environment variable value, returning a fallback if not set or empty
func getEnv(key, fallback string) string {
	if v, exists := os.LookupEnv(key); exists && v != "" {
		return v
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	v, exists := os.LookupEnv(key)
	if !exists || v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		return 0, fmt.Errorf("invalid %s: %q", key, v)
	}
	return d, nil
}

func getInt(key string, fallback int) (int, error) {
	v, exists := os.LookupEnv(key)
	if !exists || v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid %s: %q", key, v)
	}
	return n, nil
}

// splitList splits a comma separated value and trims each element.
func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
