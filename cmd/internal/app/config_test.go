package app

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	t.Setenv("BAZAAR_DATABASE_URL", "")
	t.Setenv("BAZAAR_STORE_DRIVER", "")
	t.Setenv("BAZAAR_FEED_DRIVER", "")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	require.Equal(t, "0.0.0.0:8080", cfg.HTTPAddr)
	require.Equal(t, "info", cfg.LogLevel)
	require.Equal(t, StoreMemory, cfg.StoreDriver)
	require.Equal(t, FeedLocal, cfg.FeedDriver)
	require.Equal(t, 5*time.Second, cfg.ReadHeaderTimeout)
	require.Equal(t, int32(10), cfg.DBMaxConns)
	require.Equal(t, "bazaar", cfg.DBSchema)
	require.Equal(t, 256, cfg.WSSendQueue)
	require.Equal(t, int64(64<<10), cfg.MaxBodyBytes)
	require.Equal(t, "X-User-ID", cfg.IdentityHeader)
	require.True(t, cfg.RequireIdentity)
}

func TestLoadConfig_FromEnv(t *testing.T) {
	t.Setenv("BAZAAR_HTTP_ADDR", "127.0.0.1:9999")
	t.Setenv("BAZAAR_DATABASE_URL", "postgres://localhost/bazaar")
	t.Setenv("BAZAAR_STORE_DRIVER", "")
	t.Setenv("BAZAAR_FEED_DRIVER", "")
	t.Setenv("BAZAAR_WS_ALLOWED_ORIGINS", "https://a.example.com,https://b.example.com")
	t.Setenv("BAZAAR_WS_HEARTBEAT_INTERVAL", "10s")
	t.Setenv("BAZAAR_REQUIRE_IDENTITY", "false")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	require.Equal(t, "127.0.0.1:9999", cfg.HTTPAddr)
	require.Equal(t, StorePostgres, cfg.StoreDriver, "database url implies postgres")
	require.Equal(t, FeedPostgres, cfg.FeedDriver, "postgres store implies postgres feed")
	require.Equal(t, []string{"https://a.example.com", "https://b.example.com"}, cfg.WSAllowedOrigins)
	require.Equal(t, 10*time.Second, cfg.WSHeartbeatInterval)
	require.False(t, cfg.RequireIdentity)
}

func TestLoadConfig_BadDuration(t *testing.T) {
	t.Setenv("BAZAAR_HTTP_READ_TIMEOUT", "soon")

	_, err := LoadConfig()
	require.Error(t, err)
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		cfg     Config
		wantErr string
	}{
		{name: "memory local", cfg: Config{StoreDriver: StoreMemory, FeedDriver: FeedLocal}},
		{name: "badger nats", cfg: Config{StoreDriver: StoreBadger, BadgerPath: "/tmp/x", FeedDriver: FeedNATS, NATSURL: "nats://localhost:4222"}},
		{name: "postgres postgres", cfg: Config{StoreDriver: StorePostgres, DatabaseURL: "postgres://x", FeedDriver: FeedPostgres}},
		{name: "unknown store", cfg: Config{StoreDriver: "mysql", FeedDriver: FeedLocal}, wantErr: "unknown store driver"},
		{name: "unknown feed", cfg: Config{StoreDriver: StoreMemory, FeedDriver: "kafka"}, wantErr: "unknown feed driver"},
		{name: "postgres without url", cfg: Config{StoreDriver: StorePostgres, FeedDriver: FeedLocal}, wantErr: "requires BAZAAR_DATABASE_URL"},
		{name: "pg feed on badger", cfg: Config{StoreDriver: StoreBadger, BadgerPath: "/tmp/x", FeedDriver: FeedPostgres}, wantErr: "requires the postgres store"},
		{name: "nats without url", cfg: Config{StoreDriver: StoreMemory, FeedDriver: FeedNATS}, wantErr: "requires BAZAAR_NATS_URL"},
		{name: "badger without path", cfg: Config{StoreDriver: StoreBadger, FeedDriver: FeedLocal}, wantErr: "requires BAZAAR_BADGER_PATH"},
		{name: "log format", cfg: Config{StoreDriver: StoreMemory, FeedDriver: FeedLocal, LogFormat: "xml"}, wantErr: "unknown log format"},
		{name: "min over max", cfg: Config{StoreDriver: StoreMemory, FeedDriver: FeedLocal, DBMaxConns: 2, DBMinConns: 5}, wantErr: "exceeds"},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := tc.cfg.Validate()
			if tc.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.ErrorContains(t, err, tc.wantErr)
		})
	}
}
