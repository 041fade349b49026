// Package config loads gateway configuration from environment variables
// and the policy configuration file.
package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/beamline/queuegate/pkg/policy"
)

// Config holds all application configuration.
type Config struct {
	Server   ServerConfig
	Auth     AuthConfig
	Database DatabaseConfig
	Sweeper  SweeperConfig

	// Policy is the parsed policy configuration file, or nil when
	// QUEUEGATE_POLICY_CONFIG is unset (single-user mode).
	Policy *PolicyFile

	LogLevel string
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// Addr returns the listen address.
func (c ServerConfig) Addr() string {
	return c.Host + ":" + c.Port
}

// AuthConfig holds token and credential configuration.
type AuthConfig struct {
	// SecretKeys is the token signing key rotation list, newest first. The
	// first key signs; all keys verify.
	SecretKeys []string

	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
	SessionMaxAge   time.Duration

	AllowAnonymous bool

	// SingleUserAPIKey is the hex-encoded API key accepted when no
	// identity providers are configured. Empty means generate one at
	// startup and print it once.
	SingleUserAPIKey string
}

// DatabaseConfig holds the credential store configuration.
type DatabaseConfig struct {
	// URI selects the backend: postgres:// and postgresql:// URIs use
	// lib/pq, sqlite:// URIs and bare paths use sqlite.
	URI string
}

// SweeperConfig holds the expired-credential sweep configuration.
type SweeperConfig struct {
	// Schedule is a cron expression. Empty disables the sweeper.
	Schedule string
}

// AuthenticatorSpec configures one identity provider in the policy file.
type AuthenticatorSpec struct {
	// Users maps usernames to passwords for the dictionary authenticator.
	Users map[string]string `yaml:"users"`
}

// PolicyFile is the YAML policy configuration document:
//
//	authenticators:
//	  toy:
//	    users:
//	      alice: secret
//	api_access:
//	  policy: dictionary
//	  args:
//	    users:
//	      alice:
//	        roles: [admin]
//	resource_access:
//	  policy: default
type PolicyFile struct {
	Authenticators map[string]AuthenticatorSpec `yaml:"authenticators"`
	APIAccess      policy.Selection             `yaml:"api_access"`
	ResourceAccess policy.Selection             `yaml:"resource_access"`
}

// LoadConfig loads configuration from environment variables and, when
// configured, the policy file.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Host:            getEnv("QUEUEGATE_HOST", "0.0.0.0"),
			Port:            getEnv("QUEUEGATE_PORT", "60610"),
			ReadTimeout:     getEnvDuration("QUEUEGATE_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:    getEnvDuration("QUEUEGATE_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:     getEnvDuration("QUEUEGATE_IDLE_TIMEOUT", 60*time.Second),
			ShutdownTimeout: getEnvDuration("QUEUEGATE_SHUTDOWN_TIMEOUT", 30*time.Second),
		},
		Auth: AuthConfig{
			SecretKeys:       splitKeys(os.Getenv("QUEUEGATE_SECRET_KEYS")),
			AccessTokenTTL:   getEnvDuration("QUEUEGATE_ACCESS_TOKEN_TTL", 15*time.Minute),
			RefreshTokenTTL:  getEnvDuration("QUEUEGATE_REFRESH_TOKEN_TTL", 7*24*time.Hour),
			SessionMaxAge:    getEnvDuration("QUEUEGATE_SESSION_MAX_AGE", 365*24*time.Hour),
			AllowAnonymous:   getEnvBool("QUEUEGATE_ALLOW_ANONYMOUS", false),
			SingleUserAPIKey: os.Getenv("QUEUEGATE_SINGLE_USER_API_KEY"),
		},
		Database: DatabaseConfig{
			URI: getEnv("QUEUEGATE_DATABASE_URI", "sqlite://queuegate.db"),
		},
		Sweeper: SweeperConfig{
			Schedule: getEnv("QUEUEGATE_SWEEP_SCHEDULE", "@hourly"),
		},
		LogLevel: getEnv("QUEUEGATE_LOG_LEVEL", "info"),
	}

	if path := os.Getenv("QUEUEGATE_POLICY_CONFIG"); path != "" {
		pf, err := LoadPolicyFile(path)
		if err != nil {
			return nil, err
		}
		cfg.Policy = pf
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// LoadPolicyFile parses the policy configuration document at path.
func LoadPolicyFile(path string) (*PolicyFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy config: %w", err)
	}
	return ParsePolicyFile(data)
}

// ParsePolicyFile parses a policy configuration document.
func ParsePolicyFile(data []byte) (*PolicyFile, error) {
	var pf PolicyFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("failed to parse policy config: %w", err)
	}
	return &pf, nil
}

// MultiUser reports whether identity providers are configured.
func (c *Config) MultiUser() bool {
	return c.Policy != nil && len(c.Policy.Authenticators) > 0
}

// Validate checks the configuration. The deployment fails closed at
// startup rather than running with an ambiguous policy.
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Auth.AccessTokenTTL <= 0 || c.Auth.RefreshTokenTTL <= 0 || c.Auth.SessionMaxAge <= 0 {
		return fmt.Errorf("token and session lifetimes must be positive")
	}
	if c.Database.URI == "" {
		return fmt.Errorf("database URI is required")
	}

	if c.MultiUser() {
		if len(c.Auth.SecretKeys) == 0 {
			return fmt.Errorf("QUEUEGATE_SECRET_KEYS is required when identity providers are configured")
		}
		for name, spec := range c.Policy.Authenticators {
			if name == "" {
				return fmt.Errorf("authenticator provider name must not be empty")
			}
			if len(spec.Users) == 0 {
				return fmt.Errorf("authenticator %q has no users", name)
			}
		}
	}

	if key := c.Auth.SingleUserAPIKey; key != "" {
		if _, err := hex.DecodeString(key); err != nil {
			return fmt.Errorf("single-user API key must be hex encoded")
		}
	}
	return nil
}

// splitKeys parses the semicolon-delimited key rotation list.
func splitKeys(raw string) []string {
	if raw == "" {
		return nil
	}
	var keys []string
	for _, k := range strings.Split(raw, ";") {
		if k = strings.TrimSpace(k); k != "" {
			keys = append(keys, k)
		}
	}
	return keys
}

// getEnv returns an environment variable value or a default.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default.
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		b, err := strconv.ParseBool(value)
		if err == nil {
			return b
		}
		return strings.ToLower(value) == "true"
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
