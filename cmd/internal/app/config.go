package app

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// envPrefix namespaces every variable: HTTP_ADDR is read from BAZAAR_HTTP_ADDR.
const envPrefix = "bazaar"

// Store drivers.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreBadger   = "badger"
)

// Feed drivers.
const (
	FeedLocal    = "local"
	FeedPostgres = "postgres"
	FeedNATS     = "nats"
)

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr  string `envconfig:"HTTP_ADDR" default:"0.0.0.0:8080"`
	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"json"`

	ReadHeaderTimeout time.Duration `envconfig:"HTTP_READ_HEADER_TIMEOUT" default:"5s"`
	ReadTimeout       time.Duration `envconfig:"HTTP_READ_TIMEOUT" default:"15s"`
	WriteTimeout      time.Duration `envconfig:"HTTP_WRITE_TIMEOUT" default:"15s"`
	IdleTimeout       time.Duration `envconfig:"HTTP_IDLE_TIMEOUT" default:"60s"`
	MaxHeaderBytes    int           `envconfig:"HTTP_MAX_HEADER_BYTES" default:"1048576"`
	ShutdownTimeout   time.Duration `envconfig:"HTTP_SHUTDOWN_TIMEOUT" default:"10s"`

	// StoreDriver selects persistence. Empty means postgres when DATABASE_URL is set,
	// memory otherwise.
	StoreDriver   string `envconfig:"STORE_DRIVER"`
	DatabaseURL   string `envconfig:"DATABASE_URL"`
	DBMaxConns    int32  `envconfig:"DB_MAX_CONNS" default:"10"`
	DBMinConns    int32  `envconfig:"DB_MIN_CONNS" default:"0"`
	DBSchema      string `envconfig:"DB_SCHEMA" default:"bazaar"`
	DBAutoMigrate bool   `envconfig:"DB_AUTO_MIGRATE" default:"false"`
	BadgerPath    string `envconfig:"BADGER_PATH" default:"./data/badger"`

	// FeedDriver selects the change feed. Empty means postgres for the postgres store,
	// local otherwise.
	FeedDriver        string `envconfig:"FEED_DRIVER"`
	PGNotifyChannel   string `envconfig:"PG_NOTIFY_CHANNEL" default:"bazaar_dm_created"`
	NATSURL           string `envconfig:"NATS_URL"`
	NATSStream        string `envconfig:"NATS_STREAM" default:"BAZAAR_DM"`
	NATSSubjectPrefix string `envconfig:"NATS_SUBJECT_PREFIX" default:"bazaar.dm"`

	WSSendQueue          int           `envconfig:"WS_SEND_QUEUE" default:"256"`
	WSWriteTimeout       time.Duration `envconfig:"WS_WRITE_TIMEOUT" default:"5s"`
	WSHeartbeatInterval  time.Duration `envconfig:"WS_HEARTBEAT_INTERVAL" default:"25s"`
	WSHeartbeatTimeout   time.Duration `envconfig:"WS_HEARTBEAT_TIMEOUT" default:"5s"`
	WSOriginRequired     bool          `envconfig:"WS_ORIGIN_REQUIRED" default:"false"`
	WSAllowedOrigins     []string      `envconfig:"WS_ALLOWED_ORIGINS"`
	WSInsecureSkipVerify bool          `envconfig:"WS_INSECURE_SKIP_VERIFY" default:"false"`

	MaxBodyBytes    int64  `envconfig:"MAX_BODY_BYTES" default:"65536"`
	ProfilesFile    string `envconfig:"PROFILES_FILE"`
	IdentityHeader  string `envconfig:"IDENTITY_HEADER" default:"X-User-ID"`
	RequireIdentity bool   `envconfig:"REQUIRE_IDENTITY" default:"true"`

	// If true:
	// - /readyz returns 503 unless DB is configured and reachable.
	ReadinessRequireDB bool `envconfig:"READINESS_REQUIRE_DB" default:"false"`
}

// LoadConfig loads an optional .env file, then Config from the environment.
// Variables already set in the environment win over the file.
func LoadConfig() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	var cfg Config
	if err := envconfig.Process(envPrefix, &cfg); err != nil {
		return Config{}, err
	}
	cfg = cfg.resolveDrivers()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// resolveDrivers fills empty driver names from the rest of the config.
func (c Config) resolveDrivers() Config {
	c.StoreDriver = strings.ToLower(strings.TrimSpace(c.StoreDriver))
	c.FeedDriver = strings.ToLower(strings.TrimSpace(c.FeedDriver))
	c.LogFormat = strings.ToLower(strings.TrimSpace(c.LogFormat))

	if c.StoreDriver == "" {
		c.StoreDriver = StoreMemory
		if strings.TrimSpace(c.DatabaseURL) != "" {
			c.StoreDriver = StorePostgres
		}
	}
	if c.FeedDriver == "" {
		c.FeedDriver = FeedLocal
		if c.StoreDriver == StorePostgres {
			c.FeedDriver = FeedPostgres
		}
	}
	return c
}

// Validate rejects unknown drivers and driver combinations that cannot work.
func (c Config) Validate() error {
	switch c.StoreDriver {
	case StoreMemory, StoreBadger:
	case StorePostgres:
		if strings.TrimSpace(c.DatabaseURL) == "" {
			return errors.New("config: BAZAAR_STORE_DRIVER=postgres requires BAZAAR_DATABASE_URL")
		}
	default:
		return fmt.Errorf("config: unknown store driver %q", c.StoreDriver)
	}

	switch c.FeedDriver {
	case FeedLocal:
	case FeedPostgres:
		// The listener loads rows by id, so notifications only make sense for rows in postgres.
		if c.StoreDriver != StorePostgres {
			return errors.New("config: BAZAAR_FEED_DRIVER=postgres requires the postgres store")
		}
	case FeedNATS:
		if strings.TrimSpace(c.NATSURL) == "" {
			return errors.New("config: BAZAAR_FEED_DRIVER=nats requires BAZAAR_NATS_URL")
		}
	default:
		return fmt.Errorf("config: unknown feed driver %q", c.FeedDriver)
	}

	switch c.LogFormat {
	case "", "json", "pretty":
	default:
		return fmt.Errorf("config: unknown log format %q", c.LogFormat)
	}

	if c.StoreDriver == StoreBadger && strings.TrimSpace(c.BadgerPath) == "" {
		return errors.New("config: BAZAAR_STORE_DRIVER=badger requires BAZAAR_BADGER_PATH")
	}
	if c.DBMinConns > c.DBMaxConns && c.DBMaxConns > 0 {
		return errors.New("config: BAZAAR_DB_MIN_CONNS exceeds BAZAAR_DB_MAX_CONNS")
	}
	return nil
}
