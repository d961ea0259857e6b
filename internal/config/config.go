package config

import (
	"encoding/hex"
	"fmt"
	"log"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Port               string   `mapstructure:"PORT"`
	Env                string   `mapstructure:"ENV"`
	AuthMode           string   `mapstructure:"AUTH_MODE"`
	BaseURL            string   `mapstructure:"BASE_URL"`
	DatabaseURL        string   `mapstructure:"DATABASE_URL"`
	ReadReplicaURL     string   `mapstructure:"READ_REPLICA_URL"`
	DBMaxConns         int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns         int32    `mapstructure:"DB_MIN_CONNS"`
	RedisURL           string   `mapstructure:"REDIS_URL"`
	AuthIssuer         string   `mapstructure:"AUTH_ISSUER"`
	AuthJWKSURL        string   `mapstructure:"AUTH_JWKS_URL"`
	AuthAudience       string   `mapstructure:"AUTH_AUDIENCE"`
	DefaultTenant      string   `mapstructure:"DEFAULT_TENANT"`
	CORSOrigins        []string `mapstructure:"CORS_ORIGINS"`
	HIPAAEncryptionKey string   `mapstructure:"HIPAA_ENCRYPTION_KEY"`
	RateLimitRPS       float64  `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst     int      `mapstructure:"RATE_LIMIT_BURST"`
	TLSEnabled         bool     `mapstructure:"TLS_ENABLED"`
	TLSCertFile        string   `mapstructure:"TLS_CERT_FILE"`
	TLSKeyFile         string   `mapstructure:"TLS_KEY_FILE"`

	// SMART on FHIR token/cookie/feature settings (SPEC_FULL.md §2C, §6).
	TokenLifetimeSeconds   int    `mapstructure:"TOKEN_LIFETIME_SECONDS"`
	RefreshLifetimeSeconds int    `mapstructure:"REFRESH_LIFETIME_SECONDS"`
	SessionCookieName      string `mapstructure:"SESSION_COOKIE_NAME"`
	SessionCookieSecure    bool   `mapstructure:"SESSION_COOKIE_SECURE"`
	SMARTLaunchEnabled     bool   `mapstructure:"SMART_LAUNCH_ENABLED"`
	SMARTDynamicRegEnabled bool   `mapstructure:"SMART_DYNAMIC_REGISTRATION_ENABLED"`

	// Search compiler (C3/C4) cache sizing.
	SearchDefaultCount  int `mapstructure:"SEARCH_DEFAULT_COUNT"`
	SearchMaxCount      int `mapstructure:"SEARCH_MAX_COUNT"`
	SearchCacheCapacity int `mapstructure:"SEARCH_CACHE_CAPACITY"`

	// Delivery workers (C8).
	DeliveryWorkerCount  int `mapstructure:"DELIVERY_WORKER_COUNT"`
	DeliveryPollInterval int `mapstructure:"DELIVERY_POLL_INTERVAL_MS"`

	// Subscription event retry/retention (C7/C8).
	SubscriptionRetryBaseMS    int `mapstructure:"SUBSCRIPTION_RETRY_BASE_MS"`
	SubscriptionRetryCapMS     int `mapstructure:"SUBSCRIPTION_RETRY_CAP_MS"`
	SubscriptionMaxAttempts    int `mapstructure:"SUBSCRIPTION_MAX_ATTEMPTS"`
	SubscriptionDeliveredHours int `mapstructure:"SUBSCRIPTION_RETENTION_DELIVERED_HOURS"`
	SubscriptionFailedHours    int `mapstructure:"SUBSCRIPTION_RETENTION_FAILED_HOURS"`

	// Auth caches (C9).
	JWTCacheTTLSeconds  int `mapstructure:"JWT_CACHE_TTL_SECONDS"`
	JWTCacheMaxSize     int `mapstructure:"JWT_CACHE_MAX_SIZE"`
	AuthCacheTTLSeconds int `mapstructure:"AUTH_CACHE_TTL_SECONDS"`

	// CQL library cache (C11).
	CQLCacheCapacity int `mapstructure:"CQL_CACHE_CAPACITY"`
	CQLCacheTTLSeconds int `mapstructure:"CQL_CACHE_TTL_SECONDS"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("AUTH_MODE", "") // auto-detect: "" -> inferred from ENV
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("DEFAULT_TENANT", "default")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 100)
	v.SetDefault("RATE_LIMIT_BURST", 200)
	v.SetDefault("BASE_URL", "http://localhost:8000")
	v.SetDefault("TOKEN_LIFETIME_SECONDS", 3600)
	v.SetDefault("REFRESH_LIFETIME_SECONDS", 86400)
	v.SetDefault("SESSION_COOKIE_NAME", "fhirserver_session")
	v.SetDefault("SESSION_COOKIE_SECURE", true)
	v.SetDefault("SMART_LAUNCH_ENABLED", true)
	v.SetDefault("SMART_DYNAMIC_REGISTRATION_ENABLED", false)
	v.SetDefault("SEARCH_DEFAULT_COUNT", 10)
	v.SetDefault("SEARCH_MAX_COUNT", 100)
	v.SetDefault("SEARCH_CACHE_CAPACITY", 1024)
	v.SetDefault("DELIVERY_WORKER_COUNT", 4)
	v.SetDefault("DELIVERY_POLL_INTERVAL_MS", 1000)
	v.SetDefault("SUBSCRIPTION_RETRY_BASE_MS", 1000)
	v.SetDefault("SUBSCRIPTION_RETRY_CAP_MS", 300000)
	v.SetDefault("SUBSCRIPTION_MAX_ATTEMPTS", 10)
	v.SetDefault("SUBSCRIPTION_RETENTION_DELIVERED_HOURS", 72)
	v.SetDefault("SUBSCRIPTION_RETENTION_FAILED_HOURS", 168)
	v.SetDefault("JWT_CACHE_TTL_SECONDS", 300)
	v.SetDefault("JWT_CACHE_MAX_SIZE", 10000)
	v.SetDefault("AUTH_CACHE_TTL_SECONDS", 300)
	v.SetDefault("CQL_CACHE_CAPACITY", 256)
	v.SetDefault("CQL_CACHE_TTL_SECONDS", 3600)

	// Bind env vars explicitly so Unmarshal picks them up
	v.BindEnv("PORT")
	v.BindEnv("ENV")
	v.BindEnv("AUTH_MODE")
	v.BindEnv("BASE_URL")
	v.BindEnv("DATABASE_URL")
	v.BindEnv("READ_REPLICA_URL")
	v.BindEnv("DB_MAX_CONNS")
	v.BindEnv("DB_MIN_CONNS")
	v.BindEnv("REDIS_URL")
	v.BindEnv("AUTH_ISSUER")
	v.BindEnv("AUTH_JWKS_URL")
	v.BindEnv("AUTH_AUDIENCE")
	v.BindEnv("DEFAULT_TENANT")
	v.BindEnv("CORS_ORIGINS")
	v.BindEnv("HIPAA_ENCRYPTION_KEY")
	v.BindEnv("RATE_LIMIT_RPS")
	v.BindEnv("RATE_LIMIT_BURST")
	v.BindEnv("TLS_ENABLED")
	v.BindEnv("TLS_CERT_FILE")
	v.BindEnv("TLS_KEY_FILE")
	v.BindEnv("TOKEN_LIFETIME_SECONDS")
	v.BindEnv("REFRESH_LIFETIME_SECONDS")
	v.BindEnv("SESSION_COOKIE_NAME")
	v.BindEnv("SESSION_COOKIE_SECURE")
	v.BindEnv("SMART_LAUNCH_ENABLED")
	v.BindEnv("SMART_DYNAMIC_REGISTRATION_ENABLED")
	v.BindEnv("SEARCH_DEFAULT_COUNT")
	v.BindEnv("SEARCH_MAX_COUNT")
	v.BindEnv("SEARCH_CACHE_CAPACITY")
	v.BindEnv("DELIVERY_WORKER_COUNT")
	v.BindEnv("DELIVERY_POLL_INTERVAL_MS")
	v.BindEnv("SUBSCRIPTION_RETRY_BASE_MS")
	v.BindEnv("SUBSCRIPTION_RETRY_CAP_MS")
	v.BindEnv("SUBSCRIPTION_MAX_ATTEMPTS")
	v.BindEnv("SUBSCRIPTION_RETENTION_DELIVERED_HOURS")
	v.BindEnv("SUBSCRIPTION_RETENTION_FAILED_HOURS")
	v.BindEnv("JWT_CACHE_TTL_SECONDS")
	v.BindEnv("JWT_CACHE_MAX_SIZE")
	v.BindEnv("AUTH_CACHE_TTL_SECONDS")
	v.BindEnv("CQL_CACHE_CAPACITY")
	v.BindEnv("CQL_CACHE_TTL_SECONDS")

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.CORSOrigins == nil {
		origins := v.GetString("CORS_ORIGINS")
		if origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.IsDev() {
		log.Println("WARNING: ============================================================")
		log.Println("WARNING: Server is running in DEVELOPMENT mode (ENV=development).")
		log.Println("WARNING: DevAuthMiddleware is active — all requests get admin access.")
		log.Println("WARNING: Do NOT use this configuration in production.")
		log.Println("WARNING: Set ENV=production and configure AUTH_ISSUER for production.")
		log.Println("WARNING: ============================================================")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// ResolvedAuthMode returns the effective auth mode. If AUTH_MODE is explicitly
// set, it is returned. Otherwise, the mode is inferred:
//   - ENV=development → "development" (no auth, all requests get admin)
//   - AUTH_ISSUER set → "external" (Keycloak, Auth0, etc.)
//   - Otherwise       → "standalone" (built-in SMART on FHIR server)
func (c *Config) ResolvedAuthMode() string {
	if c.AuthMode != "" {
		return c.AuthMode
	}
	if c.IsDev() {
		return "development"
	}
	if c.AuthIssuer != "" {
		return "external"
	}
	return "standalone"
}

// Validate checks that the configuration is safe to run. AUTH_ISSUER is
// required only when the resolved auth mode is "external"; a non-development
// config without one resolves to "standalone" and is accepted. In production, HIPAA_ENCRYPTION_KEY is required and must be a valid
// 64-character hex string (32 bytes when decoded).
func (c *Config) Validate() error {
	mode := c.ResolvedAuthMode()
	if mode == "external" && c.AuthIssuer == "" {
		return fmt.Errorf(
			"AUTH_ISSUER must be set when AUTH_MODE is \"external\" (current ENV=%q). "+
				"Refusing to start without authentication configuration. "+
				"Use AUTH_MODE=standalone to use the built-in SMART on FHIR server", c.Env)
	}
	if mode != "development" && mode != "standalone" && mode != "external" {
		return fmt.Errorf("AUTH_MODE must be \"development\", \"standalone\", or \"external\", got %q", mode)
	}

	// HIPAA encryption key validation
	if c.IsProduction() && c.HIPAAEncryptionKey == "" {
		return fmt.Errorf("HIPAA_ENCRYPTION_KEY is required in production")
	}
	if c.HIPAAEncryptionKey != "" {
		keyBytes, err := hex.DecodeString(c.HIPAAEncryptionKey)
		if err != nil {
			return fmt.Errorf("HIPAA_ENCRYPTION_KEY is not valid hex: %w", err)
		}
		if len(keyBytes) != 32 {
			return fmt.Errorf("HIPAA_ENCRYPTION_KEY must be 32 bytes (64 hex chars), got %d bytes", len(keyBytes))
		}
	}

	// TLS validation: when TLS is enabled, cert and key files must be specified.
	if c.TLSEnabled {
		if c.TLSCertFile == "" {
			return fmt.Errorf("TLS_CERT_FILE is required when TLS_ENABLED is true")
		}
		if c.TLSKeyFile == "" {
			return fmt.Errorf("TLS_KEY_FILE is required when TLS_ENABLED is true")
		}
	}

	return nil
}
