package app

import (
	"time"

	"github.com/joho/godotenv"
)

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr string
	LogLevel string

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int

	DatabaseURL string
	DBMaxConns  int32
	DBMinConns  int32

	// If true:
	// - /readyz returns 503 unless DB is configured and reachable.
	ReadinessRequireDB bool

	// Write-back cadence of the flush coordinator and the history page size.
	FlushInterval time.Duration
	HistoryPage   int

	// Identity provider verification. When the public key is empty, the
	// server falls back to the static dev verifier fed by AuthDevToken.
	AuthPasetoPublicKeyHex string
	AuthIssuer             string
	AuthClockSkew          time.Duration
	AuthDevToken           string
	AuthDevUserID          string
	AuthDevUserName        string
}

// LoadConfig loads Config from environment variables with defaults.
// A .env file in the working directory is honored when present.
func LoadConfig() Config {
	// Missing .env is the normal production case.
	_ = godotenv.Load()

	return Config{
		HTTPAddr: EnvString("PARLEY_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel: EnvString("PARLEY_LOG_LEVEL", "info"),

		ReadHeaderTimeout: EnvDuration("PARLEY_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("PARLEY_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      EnvDuration("PARLEY_HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:       EnvDuration("PARLEY_HTTP_IDLE_TIMEOUT", 60*time.Second),

		MaxHeaderBytes: EnvInt("PARLEY_HTTP_MAX_HEADER_BYTES", 1<<20),

		DatabaseURL: EnvString("PARLEY_DATABASE_URL", ""),
		DBMaxConns:  EnvInt32("PARLEY_DB_MAX_CONNS", 10),
		DBMinConns:  EnvInt32("PARLEY_DB_MIN_CONNS", 0),

		ReadinessRequireDB: EnvBool("PARLEY_READINESS_REQUIRE_DB", false),

		FlushInterval: EnvDuration("PARLEY_FLUSH_INTERVAL", 60*time.Second),
		HistoryPage:   EnvInt("PARLEY_HISTORY_PAGE", 30),

		AuthPasetoPublicKeyHex: EnvString("PARLEY_AUTH_PASETO_PUBLIC_KEY", ""),
		AuthIssuer:             EnvString("PARLEY_AUTH_ISSUER", "parley-identity"),
		AuthClockSkew:          EnvDuration("PARLEY_AUTH_CLOCK_SKEW", 30*time.Second),
		AuthDevToken:           EnvString("PARLEY_AUTH_DEV_TOKEN", ""),
		AuthDevUserID:          EnvString("PARLEY_AUTH_DEV_USER_ID", "dev-user"),
		AuthDevUserName:        EnvString("PARLEY_AUTH_DEV_USER_NAME", "Dev User"),
	}
}
