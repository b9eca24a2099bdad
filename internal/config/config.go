package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// Config holds application configuration
type Config struct {
	Port          string
	Env           string
	PublicBaseURL string `validate:"required,url"`
	LogLevel      string
	DatabaseURL   string `validate:"required"`
	RedisAddr     string
	RedisPassword string
	RedisTLS      bool

	CORSAllowedOrigins []string

	// External calendar (Cal.com platform) configuration
	CalAPIBaseURL        string `validate:"required,url"`
	CalAPIVersion        string
	CalOAuthTokenURL     string `validate:"omitempty,url"`
	CalClientID          string `validate:"required"`
	CalClientSecret      string `validate:"required"`
	CalWebhookSecret     string `validate:"required"`
	WebhookAllowTestMode bool
	HTTPClientTimeout    time.Duration

	// Credential lifecycle
	TokenExpiryBuffer       time.Duration
	TokenRefreshCooldown    time.Duration
	TokenRefreshMaxAttempts int `validate:"min=1"`
	TokenRefreshInterval    time.Duration
	TokenRefreshWindow      time.Duration

	// Booking + request guards
	BookingLockTTL  time.Duration
	RequestCooldown time.Duration

	// Identity provider + admin auth
	AuthJWKSURL    string `validate:"required,url"`
	AuthIssuer     string
	AuthAudience   string
	AdminJWTSecret string `validate:"required,min=16"`
}

// Load reads configuration from environment variables. A .env file in the
// working directory is honoured when present.
func Load() *Config {
	_ = godotenv.Load()

	env := getEnv("ENV", "development")
	return &Config{
		Port:          getEnv("PORT", "8080"),
		Env:           env,
		PublicBaseURL: strings.TrimRight(getEnv("PUBLIC_BASE_URL", "http://localhost:3000"), "/"),
		LogLevel:      getEnv("LOG_LEVEL", "info"),
		DatabaseURL:   getEnv("DATABASE_URL", ""),
		RedisAddr:     getEnv("REDIS_ADDR", "redis:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisTLS:      getEnvAsBool("REDIS_TLS", false),

		CORSAllowedOrigins: getEnvAsList("CORS_ALLOWED_ORIGINS"),

		CalAPIBaseURL:        strings.TrimRight(getEnv("CAL_API_BASE_URL", "https://api.cal.com"), "/"),
		CalAPIVersion:        getEnv("CAL_API_VERSION", "2024-08-13"),
		CalOAuthTokenURL:     getEnv("CAL_OAUTH_TOKEN_URL", ""),
		CalClientID:          getEnv("CAL_CLIENT_ID", ""),
		CalClientSecret:      getEnv("CAL_CLIENT_SECRET", ""),
		CalWebhookSecret:     getEnv("CAL_WEBHOOK_SECRET", ""),
		WebhookAllowTestMode: getEnvAsBool("WEBHOOK_ALLOW_TEST_MODE", !strings.EqualFold(env, "production")),
		HTTPClientTimeout:    getEnvAsDuration("HTTP_CLIENT_TIMEOUT", 20*time.Second),

		TokenExpiryBuffer:       getEnvAsDuration("TOKEN_EXPIRY_BUFFER", 5*time.Minute),
		TokenRefreshCooldown:    getEnvAsDuration("TOKEN_REFRESH_COOLDOWN", time.Minute),
		TokenRefreshMaxAttempts: getEnvAsInt("TOKEN_REFRESH_MAX_ATTEMPTS", 3),
		TokenRefreshInterval:    getEnvAsDuration("TOKEN_REFRESH_INTERVAL", 10*time.Minute),
		TokenRefreshWindow:      getEnvAsDuration("TOKEN_REFRESH_WINDOW", 30*time.Minute),

		BookingLockTTL:  getEnvAsDuration("BOOKING_LOCK_TTL", 30*time.Second),
		RequestCooldown: getEnvAsDuration("REQUEST_COOLDOWN", 2*time.Second),

		AuthJWKSURL:    getEnv("AUTH_JWKS_URL", ""),
		AuthIssuer:     getEnv("AUTH_ISSUER", ""),
		AuthAudience:   getEnv("AUTH_AUDIENCE", ""),
		AdminJWTSecret: getEnv("ADMIN_JWT_SECRET", ""),
	}
}

// IsProduction reports whether the service runs with production settings.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Env, "production")
}

// Validate checks that the settings required outside development are present.
// Development runs skip validation so the server can boot against partial config.
func (c *Config) Validate() error {
	if !c.IsProduction() {
		return nil
	}
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("config: validation failed: %w", err)
	}
	return nil
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt retrieves an environment variable as an integer or returns a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsBool retrieves an environment variable as a boolean or returns a default value
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsList splits a comma-separated variable, dropping empty entries.
func getEnvAsList(key string) []string {
	var out []string
	for _, part := range strings.Split(getEnv(key, ""), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
