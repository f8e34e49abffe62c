// Package config loads service configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds everything cmd/api needs to wire the service.
type Config struct {
	Addr      string
	Version   string
	DBAdapter string

	SQLiteFile string

	PostgresDSN      string
	PostgresHost     string
	PostgresPort     string
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// Collaborator endpoints. An empty DirectoryURL disables the
	// provisioning endpoint; the others fall back to in-process defaults.
	DirectoryURL    string
	CapabilityURL   string
	SessionURL      string
	CollabToken     string
	CollabTimeout   time.Duration
	MaintenanceMode bool

	TokenValidity time.Duration

	// StoreTimeout bounds store-backed request handling.
	StoreTimeout time.Duration

	RateLimitPerSec float64
	RateLimitBurst  int
}

func getenv(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

// Load reads and validates configuration from the environment.
func Load() (*Config, error) {
	c := &Config{
		Addr:      getenv("TOKEND_ADDR", ":8080"),
		Version:   getenv("TOKEND_VERSION", "dev"),
		DBAdapter: getenv("DB_ADAPTER", "postgres"),

		SQLiteFile: getenv("SQLITE_FILE", "./data/tokend.db"),

		PostgresDSN:      getenv("TOKEND_PG_DSN", ""),
		PostgresHost:     getenv("POSTGRES_HOST", "localhost"),
		PostgresPort:     getenv("POSTGRES_PORT", "5432"),
		PostgresUser:     getenv("POSTGRES_USER", "tokend"),
		PostgresPassword: getenv("POSTGRES_PASSWORD", ""),
		PostgresDB:       getenv("POSTGRES_DB", "tokend"),
		PostgresSSLMode:  getenv("POSTGRES_SSLMODE", "disable"),

		DirectoryURL:  getenv("TOKEND_DIRECTORY_URL", ""),
		CapabilityURL: getenv("TOKEND_CAPABILITY_URL", ""),
		SessionURL:    getenv("TOKEND_SESSION_URL", ""),
		CollabToken:   getenv("TOKEND_COLLAB_TOKEN", ""),
	}

	var err error
	if c.CollabTimeout, err = durationEnv("TOKEND_COLLAB_TIMEOUT", 5*time.Second); err != nil {
		return nil, err
	}
	if c.TokenValidity, err = durationEnv("TOKEND_TOKEN_VALIDITY", 0); err != nil {
		return nil, err
	}
	if c.StoreTimeout, err = durationEnv("TOKEND_STORE_TIMEOUT", 5*time.Second); err != nil {
		return nil, err
	}
	if c.MaintenanceMode, err = boolEnv("TOKEND_MAINTENANCE", false); err != nil {
		return nil, err
	}
	if c.RateLimitPerSec, err = floatEnv("TOKEND_RATE_LIMIT_PER_SEC", 10); err != nil {
		return nil, err
	}
	if c.RateLimitBurst, err = intEnv("TOKEND_RATE_LIMIT_BURST", 20); err != nil {
		return nil, err
	}

	switch c.DBAdapter {
	case "postgres":
		dsn, err := c.BuildPostgresDSN()
		if err != nil {
			return nil, fmt.Errorf("postgres configuration error: %w", err)
		}
		c.PostgresDSN = dsn
	case "sqlite":
		if c.SQLiteFile == "" {
			return nil, errors.New("SQLITE_FILE must be set when DB_ADAPTER=sqlite")
		}
	case "memory":
	default:
		return nil, fmt.Errorf("unknown DB_ADAPTER %q", c.DBAdapter)
	}

	return c, nil
}

// BuildPostgresDSN assembles a DSN from individual settings unless
// TOKEND_PG_DSN already carries a complete one.
func (c *Config) BuildPostgresDSN() (string, error) {
	if c.PostgresDSN != "" {
		return c.PostgresDSN, nil
	}
	if c.PostgresHost == "" {
		return "", errors.New("POSTGRES_HOST or TOKEND_PG_DSN must be set")
	}
	if c.PostgresUser == "" {
		return "", errors.New("POSTGRES_USER must be set")
	}
	if c.PostgresDB == "" {
		return "", errors.New("POSTGRES_DB must be set")
	}

	port := c.PostgresPort
	if port == "" {
		port = "5432"
	}
	sslMode := c.PostgresSSLMode
	if sslMode == "" {
		sslMode = "disable"
	}

	dsn := fmt.Sprintf("host=%s port=%s user=%s dbname=%s sslmode=%s",
		c.PostgresHost, port, c.PostgresUser, c.PostgresDB, sslMode)
	if c.PostgresPassword != "" {
		dsn += " password=" + c.PostgresPassword
	}
	return dsn, nil
}

func durationEnv(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

func boolEnv(key string, def bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %w", key, err)
	}
	return b, nil
}

func intEnv(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func floatEnv(key string, def float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return f, nil
}
