package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DB_ADAPTER", "memory")

	c, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.Addr != ":8080" {
		t.Fatalf("Addr = %q", c.Addr)
	}
	if c.CollabTimeout != 5*time.Second {
		t.Fatalf("CollabTimeout = %v", c.CollabTimeout)
	}
	if c.StoreTimeout != 5*time.Second {
		t.Fatalf("StoreTimeout = %v", c.StoreTimeout)
	}
	if c.RateLimitPerSec != 10 || c.RateLimitBurst != 20 {
		t.Fatalf("rate limits = %v/%v", c.RateLimitPerSec, c.RateLimitBurst)
	}
}

func TestLoadRejectsUnknownAdapter(t *testing.T) {
	t.Setenv("DB_ADAPTER", "cassandra")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for unknown adapter")
	}
}

func TestBuildPostgresDSN(t *testing.T) {
	c := &Config{
		PostgresHost: "db.internal", PostgresPort: "5433",
		PostgresUser: "svc", PostgresDB: "tokens",
		PostgresPassword: "hunter2", PostgresSSLMode: "require",
	}
	dsn, err := c.BuildPostgresDSN()
	if err != nil {
		t.Fatalf("BuildPostgresDSN: %v", err)
	}
	for _, part := range []string{"host=db.internal", "port=5433", "user=svc", "dbname=tokens", "sslmode=require", "password=hunter2"} {
		if !strings.Contains(dsn, part) {
			t.Fatalf("dsn %q missing %q", dsn, part)
		}
	}
}

func TestBuildPostgresDSNPrefersExplicit(t *testing.T) {
	c := &Config{PostgresDSN: "postgres://u:p@h/db"}
	dsn, err := c.BuildPostgresDSN()
	if err != nil {
		t.Fatalf("BuildPostgresDSN: %v", err)
	}
	if dsn != "postgres://u:p@h/db" {
		t.Fatalf("dsn = %q", dsn)
	}
}

func TestBuildPostgresDSNMissingHost(t *testing.T) {
	c := &Config{PostgresUser: "svc", PostgresDB: "tokens"}
	if _, err := c.BuildPostgresDSN(); err == nil {
		t.Fatal("expected error for missing host")
	}
}

func TestLoadInvalidDuration(t *testing.T) {
	t.Setenv("DB_ADAPTER", "memory")
	t.Setenv("TOKEND_COLLAB_TIMEOUT", "soon")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for malformed duration")
	}
}
