// Package config provides configuration management for the connector hub.
// It loads configuration from environment variables with sensible defaults
// and validates it so the application starts safely.
//
// Environment Variables:
//
// Application Settings:
//   - PORT: Server port (default: 8080)
//   - LOG_LEVEL: Logging level (default: info)
//   - LOG_FILE: Log file path, stdout when empty
//   - CORS_ALLOWED_ORIGINS: Comma separated origins allowed to call the API
//   - RATE_LIMIT_RPS: Sustained OAuth requests per second per caller, 0 disables (default: 5)
//   - RATE_LIMIT_BURST: Burst size of the OAuth rate limit (default: 10)
//
// Storage:
//   - STORE_BACKEND: "memory", "redis", "sqlite" or "postgres" (default: sqlite)
//   - DATABASE_PATH: SQLite database file path (default: ./connector_hub.db)
//   - POSTGRES_HOST, POSTGRES_PORT (5432), POSTGRES_DB, POSTGRES_USER,
//     POSTGRES_PASSWORD, POSTGRES_SSL_MODE (disable)
//   - REDIS_ADDRESS: Redis server address. Required for the redis backend and
//     enables the cross-instance refresh lock for every backend.
//   - REDIS_PASSWORD, REDIS_DB (0), REDIS_POOL_SIZE (10)
//
// Security:
//   - ENCRYPTION_KEY: Encrypts stored access and refresh tokens when set
//   - JWT_SECRET: HS256 secret used to verify application bearer tokens
//   - TRUST_IDENTITY_HEADERS: Accept X-Organization-ID/X-User-ID headers from a
//     trusted gateway instead of bearer tokens (default: false)
//
// OAuth:
//   - STATE_TTL: Lifetime of an authorization request (default: 15m)
//   - REFRESH_MARGIN: Refresh tokens expiring within this window (default: 60s)
//   - TOKEN_REQUEST_TIMEOUT: Timeout of a single token endpoint call (default: 10s)
//   - STATE_CLEANUP_SCHEDULE: Cron spec of the expired state purge (default: @every 5m)
//   - CONNECTORS_FILE: YAML file with connector definitions
//   - HUBSPOT_CLIENT_ID, HUBSPOT_CLIENT_SECRET, HUBSPOT_REDIRECT_URI, HUBSPOT_SCOPES:
//     Registers the built-in hubspot connector when the client id is set
//
// Example usage:
//
//	cfg := config.Load()
//	if err := cfg.Validate(); err != nil {
//		log.Fatalf("Invalid configuration: %v", err)
//	}
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration values. String fields mirror the
// environment variables they are read from.
type Config struct {
	// Application settings
	Port               string
	LogLevel           string
	LogFile            string
	CORSAllowedOrigins []string
	RateLimitRPS       string
	RateLimitBurst     string

	// Storage
	StoreBackend     string
	DatabasePath     string
	PostgresHost     string
	PostgresPort     string
	PostgresDB       string
	PostgresUser     string
	PostgresPassword string
	PostgresSSLMode  string

	// Redis
	RedisAddress  string
	RedisPassword string
	RedisDB       string
	RedisPoolSize string

	// Security
	EncryptionKey        string
	JWTSecret            string
	TrustIdentityHeaders bool

	// OAuth
	StateTTL             string
	RefreshMargin        string
	TokenRequestTimeout  string
	StateCleanupSchedule string
	ConnectorsFile       string

	HubSpotClientID     string
	HubSpotClientSecret string
	HubSpotRedirectURI  string
	HubSpotScopes       string
}

// Load reads configuration from environment variables and applies defaults.
func Load() *Config {
	return &Config{
		Port:               getEnv("PORT", "8080"),
		LogLevel:           getEnv("LOG_LEVEL", "info"),
		LogFile:            getEnv("LOG_FILE", ""),
		CORSAllowedOrigins: getListEnv("CORS_ALLOWED_ORIGINS"),
		RateLimitRPS:       getEnv("RATE_LIMIT_RPS", "5"),
		RateLimitBurst:     getEnv("RATE_LIMIT_BURST", "10"),

		StoreBackend:     strings.ToLower(getEnv("STORE_BACKEND", "sqlite")),
		DatabasePath:     getEnv("DATABASE_PATH", "./connector_hub.db"),
		PostgresHost:     getEnv("POSTGRES_HOST", ""),
		PostgresPort:     getEnv("POSTGRES_PORT", "5432"),
		PostgresDB:       getEnv("POSTGRES_DB", ""),
		PostgresUser:     getEnv("POSTGRES_USER", ""),
		PostgresPassword: getEnv("POSTGRES_PASSWORD", ""),
		PostgresSSLMode:  getEnv("POSTGRES_SSL_MODE", "disable"),

		RedisAddress:  getEnv("REDIS_ADDRESS", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnv("REDIS_DB", "0"),
		RedisPoolSize: getEnv("REDIS_POOL_SIZE", "10"),

		EncryptionKey:        getEnv("ENCRYPTION_KEY", ""),
		JWTSecret:            getEnv("JWT_SECRET", ""),
		TrustIdentityHeaders: getBoolEnv("TRUST_IDENTITY_HEADERS", false),

		StateTTL:             getEnv("STATE_TTL", "15m"),
		RefreshMargin:        getEnv("REFRESH_MARGIN", "60s"),
		TokenRequestTimeout:  getEnv("TOKEN_REQUEST_TIMEOUT", "10s"),
		StateCleanupSchedule: getEnv("STATE_CLEANUP_SCHEDULE", "@every 5m"),
		ConnectorsFile:       getEnv("CONNECTORS_FILE", ""),

		HubSpotClientID:     getEnv("HUBSPOT_CLIENT_ID", ""),
		HubSpotClientSecret: getEnv("HUBSPOT_CLIENT_SECRET", ""),
		HubSpotRedirectURI:  getEnv("HUBSPOT_REDIRECT_URI", ""),
		HubSpotScopes:       getEnv("HUBSPOT_SCOPES", "oauth crm.objects.contacts.read"),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getBoolEnv accepts the strconv.ParseBool spellings and falls back to defaultValue.
func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getListEnv(key string) []string {
	raw := os.Getenv(key)
	if raw == "" {
		return nil
	}

	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Validate checks required fields, formats and cross-field dependencies.
func (c *Config) Validate() error {
	if port, err := strconv.Atoi(c.Port); err != nil || port < 1 || port > 65535 {
		return fmt.Errorf("PORT must be a valid port number between 1 and 65535")
	}

	switch c.StoreBackend {
	case "memory", "sqlite":
	case "redis":
		if c.RedisAddress == "" {
			return fmt.Errorf("REDIS_ADDRESS is required when STORE_BACKEND is redis")
		}
	case "postgres", "postgresql":
		if c.PostgresHost == "" {
			return fmt.Errorf("POSTGRES_HOST is required when using PostgreSQL")
		}
		if c.PostgresDB == "" {
			return fmt.Errorf("POSTGRES_DB is required when using PostgreSQL")
		}
		if c.PostgresUser == "" {
			return fmt.Errorf("POSTGRES_USER is required when using PostgreSQL")
		}
		if port, err := strconv.Atoi(c.PostgresPort); err != nil || port < 1 || port > 65535 {
			return fmt.Errorf("POSTGRES_PORT must be a valid port number")
		}
	default:
		return fmt.Errorf("STORE_BACKEND must be one of memory, redis, sqlite or postgres")
	}

	if c.StoreBackend == "sqlite" && c.DatabasePath == "" {
		return fmt.Errorf("DATABASE_PATH is required when using SQLite")
	}

	if c.RedisAddress != "" {
		if db, err := strconv.Atoi(c.RedisDB); err != nil || db < 0 || db > 15 {
			return fmt.Errorf("REDIS_DB must be a number between 0 and 15")
		}
		if poolSize, err := strconv.Atoi(c.RedisPoolSize); err != nil || poolSize < 1 {
			return fmt.Errorf("REDIS_POOL_SIZE must be a positive number")
		}
	}

	if rps, err := strconv.Atoi(c.RateLimitRPS); err != nil || rps < 0 {
		return fmt.Errorf("RATE_LIMIT_RPS must be a non-negative number")
	}
	if burst, err := strconv.Atoi(c.RateLimitBurst); err != nil || burst < 1 {
		return fmt.Errorf("RATE_LIMIT_BURST must be a positive number")
	}

	if c.JWTSecret == "" && !c.TrustIdentityHeaders {
		return fmt.Errorf("JWT_SECRET is required unless TRUST_IDENTITY_HEADERS is enabled")
	}
	if c.JWTSecret != "" && len(c.JWTSecret) < 32 {
		return fmt.Errorf("JWT_SECRET must be at least 32 characters long for security")
	}

	if c.EncryptionKey != "" && len(c.EncryptionKey) < 32 {
		return fmt.Errorf("ENCRYPTION_KEY must be at least 32 characters when provided")
	}

	for name, value := range map[string]string{
		"STATE_TTL":             c.StateTTL,
		"REFRESH_MARGIN":        c.RefreshMargin,
		"TOKEN_REQUEST_TIMEOUT": c.TokenRequestTimeout,
	} {
		d, err := time.ParseDuration(value)
		if err != nil || d <= 0 {
			return fmt.Errorf("%s must be a positive duration (e.g., '60s', '15m')", name)
		}
	}

	if c.HubSpotClientID != "" {
		if c.HubSpotClientSecret == "" {
			return fmt.Errorf("HUBSPOT_CLIENT_SECRET is required when HUBSPOT_CLIENT_ID is set")
		}
		if c.HubSpotRedirectURI == "" {
			return fmt.Errorf("HUBSPOT_REDIRECT_URI is required when HUBSPOT_CLIENT_ID is set")
		}
	}

	return nil
}

// StateTTLDuration returns STATE_TTL, which Validate guarantees is parseable.
func (c *Config) StateTTLDuration() time.Duration {
	return mustDuration(c.StateTTL, 15*time.Minute)
}

// RefreshMarginDuration returns REFRESH_MARGIN.
func (c *Config) RefreshMarginDuration() time.Duration {
	return mustDuration(c.RefreshMargin, 60*time.Second)
}

// TokenRequestTimeoutDuration returns TOKEN_REQUEST_TIMEOUT.
func (c *Config) TokenRequestTimeoutDuration() time.Duration {
	return mustDuration(c.TokenRequestTimeout, 10*time.Second)
}

// RedisDBNumber returns REDIS_DB as an int.
func (c *Config) RedisDBNumber() int {
	n, _ := strconv.Atoi(c.RedisDB)
	return n
}

// RedisPoolSizeNumber returns REDIS_POOL_SIZE as an int.
func (c *Config) RedisPoolSizeNumber() int {
	n, err := strconv.Atoi(c.RedisPoolSize)
	if err != nil || n < 1 {
		return 10
	}
	return n
}

// RateLimitRPSNumber returns RATE_LIMIT_RPS; zero disables rate limiting.
func (c *Config) RateLimitRPSNumber() int {
	n, _ := strconv.Atoi(c.RateLimitRPS)
	return n
}

// RateLimitBurstNumber returns RATE_LIMIT_BURST.
func (c *Config) RateLimitBurstNumber() int {
	n, err := strconv.Atoi(c.RateLimitBurst)
	if err != nil || n < 1 {
		return 10
	}
	return n
}

// HubSpotScopeList splits HUBSPOT_SCOPES on whitespace.
func (c *Config) HubSpotScopeList() []string {
	return strings.Fields(c.HubSpotScopes)
}

func mustDuration(value string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
