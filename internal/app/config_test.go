package app

import (
	"testing"
	"time"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg := LoadConfig()

	if cfg.HTTPAddr != "0.0.0.0:8080" {
		t.Fatalf("HTTPAddr=%q", cfg.HTTPAddr)
	}
	if cfg.LogLevel != "info" {
		t.Fatalf("LogLevel=%q", cfg.LogLevel)
	}
	if cfg.FlushInterval != 60*time.Second {
		t.Fatalf("FlushInterval=%v", cfg.FlushInterval)
	}
	if cfg.HistoryPage != 30 {
		t.Fatalf("HistoryPage=%d", cfg.HistoryPage)
	}
	if cfg.AuthIssuer != "parley-identity" {
		t.Fatalf("AuthIssuer=%q", cfg.AuthIssuer)
	}
	if cfg.ReadinessRequireDB {
		t.Fatal("ReadinessRequireDB default should be false")
	}
}

func TestLoadConfigOverrides(t *testing.T) {
	t.Setenv("PARLEY_HTTP_ADDR", "127.0.0.1:9999")
	t.Setenv("PARLEY_LOG_LEVEL", "debug")
	t.Setenv("PARLEY_FLUSH_INTERVAL", "5s")
	t.Setenv("PARLEY_HISTORY_PAGE", "10")
	t.Setenv("PARLEY_DATABASE_URL", "postgres://localhost/parley")
	t.Setenv("PARLEY_DB_MAX_CONNS", "25")
	t.Setenv("PARLEY_READINESS_REQUIRE_DB", "true")
	t.Setenv("PARLEY_AUTH_DEV_TOKEN", "letmein")

	cfg := LoadConfig()

	if cfg.HTTPAddr != "127.0.0.1:9999" {
		t.Fatalf("HTTPAddr=%q", cfg.HTTPAddr)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("LogLevel=%q", cfg.LogLevel)
	}
	if cfg.FlushInterval != 5*time.Second {
		t.Fatalf("FlushInterval=%v", cfg.FlushInterval)
	}
	if cfg.HistoryPage != 10 {
		t.Fatalf("HistoryPage=%d", cfg.HistoryPage)
	}
	if cfg.DatabaseURL != "postgres://localhost/parley" {
		t.Fatalf("DatabaseURL=%q", cfg.DatabaseURL)
	}
	if cfg.DBMaxConns != 25 {
		t.Fatalf("DBMaxConns=%d", cfg.DBMaxConns)
	}
	if !cfg.ReadinessRequireDB {
		t.Fatal("ReadinessRequireDB not set")
	}
	if cfg.AuthDevToken != "letmein" {
		t.Fatalf("AuthDevToken=%q", cfg.AuthDevToken)
	}
}
