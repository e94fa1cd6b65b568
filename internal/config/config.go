// Package config provides configuration loading and validation for the
// gateway. It uses koanf to merge environment variables with optional file
// overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config holds all configuration values for the gateway.
type Config struct {
	// Server settings
	Port int    `koanf:"port"`
	Env  string `koanf:"env"`

	// Database
	DatabaseURL string `koanf:"database_url"`

	// Session tokens
	JWTSecret         string `koanf:"jwt_secret"`
	JWTPreviousSecret string `koanf:"jwt_previous_secret"` // Set during zero-downtime rotation

	// Credential vault. The master secret comes from the deployment
	// platform's restricted secret store; it is hashed once at startup
	// and never persisted.
	VaultMasterSecret string `koanf:"vault_master_secret"`

	// External wallet management API (LNbits-compatible)
	WalletAPIURL            string `koanf:"wallet_api_url"`
	WalletAPIAdminKey       string `koanf:"wallet_api_admin_key"`
	WalletAPITimeoutSeconds int    `koanf:"wallet_api_timeout_seconds"`

	// Redis (optional; enables cross-replica rate limiting)
	RedisURL string `koanf:"redis_url"`

	// Nostr Wallet Connect
	NWCRelayURL string `koanf:"nwc_relay_url"`

	// Physical cards feature flag
	CardsEnabled bool `koanf:"cards_enabled"`

	// Spend policy for constrained-role callers
	OffspringApprovalThresholdSats int64 `koanf:"offspring_approval_threshold_sats"`
	OffspringDailyCeilingSats      int64 `koanf:"offspring_daily_ceiling_sats"`

	// R2 (Cloudflare Object Storage) for audit archival
	R2BucketName      string `koanf:"r2_bucket_name"`
	R2AccessKeyID     string `koanf:"r2_access_key_id"`
	R2SecretAccessKey string `koanf:"r2_secret_access_key"`
	R2Endpoint        string `koanf:"r2_endpoint"`
}

// Configuration validation errors.
var (
	ErrMissingDatabaseURL       = errors.New("DATABASE_URL is required")
	ErrMissingJWTSecret         = errors.New("JWT_SECRET is required")
	ErrMissingVaultMasterSecret = errors.New("VAULT_MASTER_SECRET is required")
	ErrMissingWalletAPIURL      = errors.New("WALLET_API_URL is required")
	ErrMissingWalletAPIAdminKey = errors.New("WALLET_API_ADMIN_KEY is required")
	ErrMissingR2BucketName      = errors.New("R2_BUCKET_NAME is required")
	ErrMissingR2AccessKeyID     = errors.New("R2_ACCESS_KEY_ID is required")
	ErrMissingR2SecretAccessKey = errors.New("R2_SECRET_ACCESS_KEY is required")
	ErrMissingR2Endpoint        = errors.New("R2_ENDPOINT is required")
	ErrInvalidPort              = errors.New("PORT must be a valid integer")
	ErrInvalidSpendLimits       = errors.New("approval threshold must not exceed the daily ceiling")
)

// Default values for non-secret configuration.
const (
	DefaultPort                           = 8080
	DefaultEnv                            = "development"
	DefaultWalletAPITimeoutSeconds        = 10
	DefaultCardsEnabled                   = true
	DefaultOffspringApprovalThresholdSats = 10_000
	DefaultOffspringDailyCeilingSats      = 50_000
)

// Load reads configuration from environment variables and an optional config file.
// Environment variables take precedence over file values.
// Returns the loaded config and a slice of validation errors (empty if valid).
// If a config file path is provided and the file cannot be loaded, an error is returned.
func Load(configFilePath string) (*Config, []error) {
	k := koanf.New(".")
	var loadErrs []error

	// Load from YAML file first if provided (lower precedence)
	if configFilePath != "" {
		if err := k.Load(file.Provider(configFilePath), yaml.Parser()); err != nil {
			return nil, []error{fmt.Errorf("failed to load config file %s: %w", configFilePath, err)}
		}
	}

	port, portErr := getEnvIntOrDefault("PORT", k.Int("port"), DefaultPort)
	if portErr != nil {
		loadErrs = append(loadErrs, portErr)
	}

	timeout, timeoutErr := getEnvIntOrDefault("WALLET_API_TIMEOUT_SECONDS", k.Int("wallet_api_timeout_seconds"), DefaultWalletAPITimeoutSeconds)
	if timeoutErr != nil {
		loadErrs = append(loadErrs, timeoutErr)
	}

	approvalThreshold, approvalErr := getEnvInt64OrDefault("OFFSPRING_APPROVAL_THRESHOLD_SATS", k.Int64("offspring_approval_threshold_sats"), DefaultOffspringApprovalThresholdSats)
	if approvalErr != nil {
		loadErrs = append(loadErrs, approvalErr)
	}
	dailyCeiling, ceilingErr := getEnvInt64OrDefault("OFFSPRING_DAILY_CEILING_SATS", k.Int64("offspring_daily_ceiling_sats"), DefaultOffspringDailyCeilingSats)
	if ceilingErr != nil {
		loadErrs = append(loadErrs, ceilingErr)
	}

	cardsEnabled := DefaultCardsEnabled
	if k.Exists("cards_enabled") {
		cardsEnabled = k.Bool("cards_enabled")
	}
	if val := os.Getenv("CARDS_ENABLED"); val != "" {
		// Env var takes precedence over file config
		switch strings.ToLower(val) {
		case "true", "1", "yes", "on":
			cardsEnabled = true
		case "false", "0", "no", "off":
			cardsEnabled = false
		}
	}

	cfg := &Config{
		Port:                           port,
		Env:                            getEnvOrDefault("GATEWAY_ENV", k.String("env"), DefaultEnv),
		DatabaseURL:                    getEnvOrKoanf("DATABASE_URL", k, "database_url"),
		JWTSecret:                      getEnvOrKoanf("JWT_SECRET", k, "jwt_secret"),
		JWTPreviousSecret:              getEnvOrKoanf("JWT_PREVIOUS_SECRET", k, "jwt_previous_secret"),
		VaultMasterSecret:              getEnvOrKoanf("VAULT_MASTER_SECRET", k, "vault_master_secret"),
		WalletAPIURL:                   getEnvOrKoanf("WALLET_API_URL", k, "wallet_api_url"),
		WalletAPIAdminKey:              getEnvOrKoanf("WALLET_API_ADMIN_KEY", k, "wallet_api_admin_key"),
		WalletAPITimeoutSeconds:        timeout,
		RedisURL:                       getEnvOrKoanf("REDIS_URL", k, "redis_url"),
		NWCRelayURL:                    getEnvOrKoanf("NWC_RELAY_URL", k, "nwc_relay_url"),
		CardsEnabled:                   cardsEnabled,
		OffspringApprovalThresholdSats: approvalThreshold,
		OffspringDailyCeilingSats:      dailyCeiling,
		R2BucketName:                   getEnvOrKoanf("R2_BUCKET_NAME", k, "r2_bucket_name"),
		R2AccessKeyID:                  getEnvOrKoanf("R2_ACCESS_KEY_ID", k, "r2_access_key_id"),
		R2SecretAccessKey:              getEnvOrKoanf("R2_SECRET_ACCESS_KEY", k, "r2_secret_access_key"),
		R2Endpoint:                     getEnvOrKoanf("R2_ENDPOINT", k, "r2_endpoint"),
	}

	errs := cfg.Validate()
	errs = append(loadErrs, errs...)

	return cfg, errs
}

// getEnvOrKoanf returns the environment variable value if set, otherwise the koanf value.
func getEnvOrKoanf(envKey string, k *koanf.Koanf, koanfKey string) string {
	if val := os.Getenv(envKey); val != "" {
		return val
	}
	return k.String(koanfKey)
}

// getEnvOrDefault returns the environment variable value if set, otherwise the koanf value, or default.
func getEnvOrDefault(envKey string, koanfVal string, defaultVal string) string {
	if val := os.Getenv(envKey); val != "" {
		return val
	}
	if koanfVal != "" {
		return koanfVal
	}
	return defaultVal
}

// getEnvIntOrDefault returns the environment variable as int if set, otherwise the koanf value, or default.
// Returns an error if the environment variable is set but cannot be parsed as an integer.
func getEnvIntOrDefault(envKey string, koanfVal int, defaultVal int) (int, error) {
	if val := os.Getenv(envKey); val != "" {
		i, err := strconv.Atoi(val)
		if err != nil {
			return 0, fmt.Errorf("%s must be a valid integer: %w", envKey, ErrInvalidPort)
		}
		return i, nil
	}
	if koanfVal != 0 {
		return koanfVal, nil
	}
	return defaultVal, nil
}

// getEnvInt64OrDefault returns the environment variable as int64 if set, otherwise the koanf value, or default.
func getEnvInt64OrDefault(envKey string, koanfVal int64, defaultVal int64) (int64, error) {
	if val := os.Getenv(envKey); val != "" {
		i, err := strconv.ParseInt(val, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%s must be a valid integer: %w", envKey, err)
		}
		return i, nil
	}
	if koanfVal != 0 {
		return koanfVal, nil
	}
	return defaultVal, nil
}

// Validate checks that all required configuration values are present.
// Returns a slice of validation errors (empty if valid).
func (c *Config) Validate() []error {
	var errs []error

	if c.DatabaseURL == "" {
		errs = append(errs, ErrMissingDatabaseURL)
	}
	if c.JWTSecret == "" {
		errs = append(errs, ErrMissingJWTSecret)
	}
	if c.VaultMasterSecret == "" {
		errs = append(errs, ErrMissingVaultMasterSecret)
	}
	if c.WalletAPIURL == "" {
		errs = append(errs, ErrMissingWalletAPIURL)
	}
	if c.WalletAPIAdminKey == "" {
		errs = append(errs, ErrMissingWalletAPIAdminKey)
	}
	if c.OffspringApprovalThresholdSats > c.OffspringDailyCeilingSats {
		errs = append(errs, ErrInvalidSpendLimits)
	}

	// R2 configuration is optional. Only validate fields if any R2 value is set.
	if c.R2BucketName != "" || c.R2AccessKeyID != "" || c.R2SecretAccessKey != "" || c.R2Endpoint != "" {
		if c.R2BucketName == "" {
			errs = append(errs, ErrMissingR2BucketName)
		}
		if c.R2AccessKeyID == "" {
			errs = append(errs, ErrMissingR2AccessKeyID)
		}
		if c.R2SecretAccessKey == "" {
			errs = append(errs, ErrMissingR2SecretAccessKey)
		}
		if c.R2Endpoint == "" {
			errs = append(errs, ErrMissingR2Endpoint)
		}
	}

	return errs
}

// LogSummary returns a summary of the configuration suitable for logging.
// All secrets are masked to prevent accidental exposure.
func (c *Config) LogSummary() map[string]string {
	return map[string]string{
		"port":                              fmt.Sprintf("%d", c.Port),
		"env":                               c.Env,
		"database_url":                      maskDatabaseURL(c.DatabaseURL),
		"jwt_secret":                        maskSecret(c.JWTSecret),
		"jwt_previous_secret":               maskSecret(c.JWTPreviousSecret),
		"vault_master_secret":               maskSecret(c.VaultMasterSecret),
		"wallet_api_url":                    c.WalletAPIURL,
		"wallet_api_admin_key":              maskSecret(c.WalletAPIAdminKey),
		"wallet_api_timeout_seconds":        fmt.Sprintf("%d", c.WalletAPITimeoutSeconds),
		"redis_url":                         maskDatabaseURL(c.RedisURL),
		"nwc_relay_url":                     c.NWCRelayURL,
		"cards_enabled":                     fmt.Sprintf("%t", c.CardsEnabled),
		"offspring_approval_threshold_sats": fmt.Sprintf("%d", c.OffspringApprovalThresholdSats),
		"offspring_daily_ceiling_sats":      fmt.Sprintf("%d", c.OffspringDailyCeilingSats),
		"r2_bucket_name":                    c.R2BucketName,
		"r2_access_key_id":                  maskSecret(c.R2AccessKeyID),
		"r2_secret_access_key":              maskSecret(c.R2SecretAccessKey),
		"r2_endpoint":                       c.R2Endpoint,
	}
}

// maskSecret masks a secret value, showing only the first 4 characters followed by ****
// If the secret is shorter than 8 characters, it's fully masked.
func maskSecret(s string) string {
	if s == "" {
		return "<not set>"
	}
	if len(s) < 8 {
		return "****"
	}
	return s[:4] + "****"
}

// maskDatabaseURL masks the password in a connection URL.
func maskDatabaseURL(s string) string {
	if s == "" {
		return "<not set>"
	}

	schemeEnd := strings.Index(s, "://")
	if schemeEnd == -1 {
		return maskSecret(s)
	}

	rest := s[schemeEnd+3:]
	atIndex := strings.Index(rest, "@")
	if atIndex == -1 {
		return s // No credentials in URL
	}

	colonIndex := strings.Index(rest[:atIndex], ":")
	if colonIndex == -1 {
		return s // No password (only username)
	}

	scheme := s[:schemeEnd+3]
	user := rest[:colonIndex]
	hostAndPath := rest[atIndex:]

	return scheme + user + ":****" + hostAndPath
}
