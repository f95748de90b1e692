// Package config provides configuration management for the entitlement service.
// It loads configuration from environment variables and .env files.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/miniapp-entitlements/internal/types"
	"github.com/shopspring/decimal"
)

// Unlimited marks a quota without a daily cap
const Unlimited = -1

// Config holds all application configuration
type Config struct {
	Server        ServerConfig
	Database      DatabaseConfig
	Auth          AuthConfig
	Billing       BillingConfig
	Quotas        QuotaTable
	Usage         UsageConfig
	Upstreams     map[types.UsageCategory]string
	Notifications NotificationConfig
	Reminder      ReminderConfig
	RateLimit     RateLimitConfig
	Logging       LoggingConfig
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port           string
	Host           string
	AllowedOrigins []string
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Postgres PostgresConfig
	Redis    RedisConfig
}

// PostgresConfig holds Postgres configuration
type PostgresConfig struct {
	Host           string
	Port           string
	Database       string
	User           string
	Password       string
	MaxConnections int
}

// URL returns the connection URL used by the migration runner
func (c *PostgresConfig) URL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		c.User, c.Password, c.Host, c.Port, c.Database)
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host           string
	Port           string
	Password       string
	DB             int
	MaxConnections int
}

// AuthConfig holds bearer-token settings. An empty JWTSecret enables header-based identity for local use.
type AuthConfig struct {
	JWTSecret string
	Issuer    string
}

// BillingConfig is the immutable price list and entitlement policy.
// Build it once at startup and pass it by value.
type BillingConfig struct {
	PremiumDuration time.Duration
	ProDuration     time.Duration
	PremiumPrice    decimal.Decimal
	ProPrice        decimal.Decimal
	AdminWallets    []string
	Treasury        string
	USDCContract    string
	RPCURL          string
}

// Duration returns the entitlement period bought by one payment for tier
func (b BillingConfig) Duration(tier types.Tier) (time.Duration, bool) {
	switch tier {
	case types.TierPremium:
		return b.PremiumDuration, true
	case types.TierPro:
		return b.ProDuration, true
	}
	return 0, false
}

// Price returns the USDC price of tier
func (b BillingConfig) Price(tier types.Tier) (decimal.Decimal, bool) {
	switch tier {
	case types.TierPremium:
		return b.PremiumPrice, true
	case types.TierPro:
		return b.ProPrice, true
	}
	return decimal.Zero, false
}

// IsAdmin reports whether address is on the admin list (case-insensitive)
func (b BillingConfig) IsAdmin(address string) bool {
	address = strings.ToLower(address)
	for _, a := range b.AdminWallets {
		if a == address {
			return true
		}
	}
	return false
}

// QuotaTable maps a usage category to per-tier daily limits
type QuotaTable map[types.UsageCategory]map[types.Tier]int

// Limit returns the daily cap for tier in category. Unknown categories are unmetered.
func (q QuotaTable) Limit(category types.UsageCategory, tier types.Tier) (int, bool) {
	limits, ok := q[category]
	if !ok {
		return Unlimited, false
	}
	limit, ok := limits[tier]
	if !ok {
		return Unlimited, true
	}
	return limit, true
}

// Categories returns the metered categories
func (q QuotaTable) Categories() []types.UsageCategory {
	out := make([]types.UsageCategory, 0, len(q))
	for c := range q {
		out = append(out, c)
	}
	return out
}

// UsageConfig selects the counter backend: "postgres" or "redis"
type UsageConfig struct {
	Backend string
}

// NotificationConfig holds push notification settings
type NotificationConfig struct {
	Enabled bool
	AppURL  string
	Timeout time.Duration
}

// ReminderConfig holds the reminder sweep schedule
type ReminderConfig struct {
	Schedule string
	Timeout  time.Duration
}

// RateLimitConfig holds per-tier request rates (requests per second)
type RateLimitConfig struct {
	FreeTier    int
	PremiumTier int
	ProTier     int
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string
	Format string
}

// LoadConfig loads configuration from .env file and environment variables
func LoadConfig() (*Config, error) {
	// Load .env file (optional in production)
	if err := godotenv.Load(); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("error loading .env file: %w", err)
		}
	}

	billing, err := loadBillingConfig()
	if err != nil {
		return nil, err
	}

	config := &Config{
		Server: ServerConfig{
			Port:           getEnv("SERVER_PORT", "8080"),
			Host:           getEnv("SERVER_HOST", "0.0.0.0"),
			AllowedOrigins: getEnvAsList("CORS_ALLOWED_ORIGINS", []string{"*"}),
		},
		Database: DatabaseConfig{
			Postgres: PostgresConfig{
				Host:           getEnv("POSTGRES_HOST", "localhost"),
				Port:           getEnv("POSTGRES_PORT", "5432"),
				Database:       getEnv("POSTGRES_DB", "miniapp"),
				User:           getEnv("POSTGRES_USER", "miniapp"),
				Password:       getEnv("POSTGRES_PASSWORD", ""),
				MaxConnections: getEnvAsInt("POSTGRES_MAX_CONNECTIONS", 20),
			},
			Redis: RedisConfig{
				Host:           getEnv("REDIS_HOST", "localhost"),
				Port:           getEnv("REDIS_PORT", "6379"),
				Password:       getEnv("REDIS_PASSWORD", ""),
				DB:             getEnvAsInt("REDIS_DB", 0),
				MaxConnections: getEnvAsInt("REDIS_MAX_CONNECTIONS", 20),
			},
		},
		Auth: AuthConfig{
			JWTSecret: getEnv("JWT_SECRET", ""),
			Issuer:    getEnv("JWT_ISSUER", ""),
		},
		Billing: billing,
		Quotas: QuotaTable{
			types.CategoryTrending: {
				types.TierFree:    getEnvAsInt("QUOTA_TRENDING_FREE", 10),
				types.TierPremium: getEnvAsInt("QUOTA_TRENDING_PREMIUM", Unlimited),
				types.TierPro:     getEnvAsInt("QUOTA_TRENDING_PRO", Unlimited),
			},
			types.CategoryAIAnalysis: {
				types.TierFree:    getEnvAsInt("QUOTA_AI_ANALYSIS_FREE", 5),
				types.TierPremium: getEnvAsInt("QUOTA_AI_ANALYSIS_PREMIUM", Unlimited),
				types.TierPro:     getEnvAsInt("QUOTA_AI_ANALYSIS_PRO", Unlimited),
			},
		},
		Usage: UsageConfig{
			Backend: strings.ToLower(getEnv("USAGE_BACKEND", "postgres")),
		},
		Upstreams: map[types.UsageCategory]string{
			types.CategoryTrending:   getEnv("TRENDING_UPSTREAM_URL", ""),
			types.CategoryAIAnalysis: getEnv("AI_ANALYSIS_UPSTREAM_URL", ""),
		},
		Notifications: NotificationConfig{
			Enabled: getEnvAsBool("NOTIFICATIONS_ENABLED", false),
			AppURL:  getEnv("APP_URL", ""),
			Timeout: getEnvAsDuration("NOTIFICATION_TIMEOUT", 10*time.Second),
		},
		Reminder: ReminderConfig{
			Schedule: getEnv("REMINDER_CRON", "0 0 10 * * *"),
			Timeout:  getEnvAsDuration("REMINDER_TIMEOUT", 5*time.Minute),
		},
		RateLimit: RateLimitConfig{
			FreeTier:    getEnvAsInt("RATE_LIMIT_FREE_TIER", 5),
			PremiumTier: getEnvAsInt("RATE_LIMIT_PREMIUM_TIER", 20),
			ProTier:     getEnvAsInt("RATE_LIMIT_PRO_TIER", 50),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}

	if config.Usage.Backend != "postgres" && config.Usage.Backend != "redis" {
		return nil, fmt.Errorf("USAGE_BACKEND must be postgres or redis, got %q", config.Usage.Backend)
	}

	return config, nil
}

// loadBillingConfig reads durations, prices and wallet lists
func loadBillingConfig() (BillingConfig, error) {
	premiumPrice, err := getEnvAsDecimal("PREMIUM_PRICE_USDC", decimal.NewFromInt(5))
	if err != nil {
		return BillingConfig{}, err
	}
	proPrice, err := getEnvAsDecimal("PRO_PRICE_USDC", decimal.NewFromInt(15))
	if err != nil {
		return BillingConfig{}, err
	}

	admins := getEnvAsList("ADMIN_WALLETS", nil)
	for i, a := range admins {
		admins[i] = strings.ToLower(a)
	}

	return BillingConfig{
		PremiumDuration: time.Duration(getEnvAsInt("PREMIUM_DURATION_DAYS", 30)) * 24 * time.Hour,
		ProDuration:     time.Duration(getEnvAsInt("PRO_DURATION_DAYS", 30)) * 24 * time.Hour,
		PremiumPrice:    premiumPrice,
		ProPrice:        proPrice,
		AdminWallets:    admins,
		Treasury:        strings.ToLower(getEnv("TREASURY_ADDRESS", "")),
		USDCContract:    strings.ToLower(getEnv("USDC_CONTRACT_ADDRESS", "0x833589fcd6edb6e08f4c7c32d4f71b54bda02913")),
		RPCURL:          getEnv("BASE_RPC_URL", "https://mainnet.base.org"),
	}, nil
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt gets an environment variable as an integer with a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsBool gets an environment variable as a bool with a default value
func getEnvAsBool(key string, defaultValue bool) bool {
	value, err := strconv.ParseBool(getEnv(key, ""))
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration gets an environment variable as a duration with a default value
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDecimal parses a price; a malformed value is a configuration error
func getEnvAsDecimal(key string, defaultValue decimal.Decimal) (decimal.Decimal, error) {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue, nil
	}

	value, err := decimal.NewFromString(valueStr)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid %s: %w", key, err)
	}
	if !value.IsPositive() {
		return decimal.Zero, fmt.Errorf("invalid %s: must be positive", key)
	}
	return value, nil
}

// getEnvAsList splits a comma-separated variable, dropping blanks
func getEnvAsList(key string, defaultValue []string) []string {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	var out []string
	for _, item := range strings.Split(valueStr, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
