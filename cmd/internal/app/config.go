package app

import "time"

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	StatusAddr string
	LogLevel   string
	LogFormat  string

	// AuthorityURL is the base URL of the remote session authority.
	AuthorityURL string
	// PushURL is the websocket endpoint for expiry warnings.
	PushURL string

	// Credential storage medium. DatabaseURL selects Postgres, StorePath
	// selects SQLite; with neither set the store is in-memory (credentials
	// do not survive a restart).
	DatabaseURL string
	DBMaxConns  int32
	DBMinConns  int32
	StorePath   string

	// At-rest sealing of the credential record.
	SealKeyHex string
	// If true, BEACON_STORE_SEAL_KEY_HEX MUST be set and valid.
	RequireSealedStore bool

	CheckInterval        time.Duration
	HighWaterSeconds     float64
	LowWaterSeconds      float64
	ReconnectBase        time.Duration
	ReconnectMaxAttempts int
	ClaimsTTL            time.Duration

	AuthorityTimeout time.Duration

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	return Config{
		StatusAddr: EnvString("BEACON_STATUS_ADDR", "127.0.0.1:8087"),
		LogLevel:   EnvString("BEACON_LOG_LEVEL", "info"),
		LogFormat:  EnvString("BEACON_LOG_FORMAT", "json"),

		AuthorityURL: EnvString("BEACON_AUTHORITY_URL", "http://127.0.0.1:8080"),
		PushURL:      EnvString("BEACON_PUSH_URL", "ws://127.0.0.1:8080/session/monitor"),

		DatabaseURL: EnvString("BEACON_DATABASE_URL", ""),
		DBMaxConns:  EnvInt32("BEACON_DB_MAX_CONNS", 4),
		DBMinConns:  EnvInt32("BEACON_DB_MIN_CONNS", 0),
		StorePath:   EnvString("BEACON_STORE_PATH", ""),

		SealKeyHex:         EnvString("BEACON_STORE_SEAL_KEY_HEX", ""),
		RequireSealedStore: EnvBool("BEACON_REQUIRE_SEALED_STORE", false),

		CheckInterval:        EnvDuration("BEACON_CHECK_INTERVAL", 30*time.Second),
		HighWaterSeconds:     EnvFloat("BEACON_HIGH_WATER_SECONDS", 60),
		LowWaterSeconds:      EnvFloat("BEACON_LOW_WATER_SECONDS", 120),
		ReconnectBase:        EnvDuration("BEACON_RECONNECT_BASE", time.Second),
		ReconnectMaxAttempts: EnvInt("BEACON_RECONNECT_MAX_ATTEMPTS", 5),
		ClaimsTTL:            EnvDuration("BEACON_CLAIMS_TTL", 5*time.Minute),

		AuthorityTimeout: EnvDuration("BEACON_AUTHORITY_TIMEOUT", 15*time.Second),

		ReadHeaderTimeout: EnvDuration("BEACON_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("BEACON_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      EnvDuration("BEACON_HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:       EnvDuration("BEACON_HTTP_IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    EnvInt("BEACON_HTTP_MAX_HEADER_BYTES", 1<<20),
	}
}
