// Package app wires the bazaar server runtime: config, logging, storage, the change feed,
// HTTP routes and the realtime gateway.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"bazaar/cmd/identity"
	"bazaar/cmd/internal/messaging"
	msgapi "bazaar/cmd/internal/messaging/api"
	"bazaar/cmd/internal/realtime"

	"github.com/dgraph-io/badger/v4"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
)

// closer is one owned resource, released in reverse acquisition order.
type closer struct {
	name  string
	close func() error
}

// App is the bazaar server runtime: it owns storage, the change feed, the broker and the
// HTTP server.
type App struct {
	cfg Config
	log Logger

	registry *prometheus.Registry
	dbPool   *pgxpool.Pool

	store  messaging.MessageStore
	feed   messaging.ChangeFeed
	broker *realtime.Broker
	svc    *messaging.Service

	api *msgapi.Handler
	ws  *realtime.WSGateway

	closers []closer
}

// New constructs a fully wired App instance from config and logger.
// Resources opened before a failure are released before New returns.
func New(ctx context.Context, cfg Config, log Logger) (a *App, err error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}
	cfg = cfg.resolveDrivers()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	a = &App{
		cfg:      cfg,
		log:      log,
		registry: prometheus.NewRegistry(),
	}
	defer func() {
		if err != nil {
			a.closeAll()
			a = nil
		}
	}()

	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	msgMetrics := messaging.NewMetrics(a.registry)
	rtMetrics := realtime.NewMetrics(a.registry)

	if err := a.openFeedAndStore(ctx, msgMetrics); err != nil {
		return nil, err
	}

	profiles, err := newProfiles(cfg)
	if err != nil {
		return nil, err
	}

	a.svc, err = messaging.NewService(log, a.store, profiles, messaging.WithMetrics(msgMetrics))
	if err != nil {
		return nil, err
	}

	a.broker = realtime.NewBroker(log,
		realtime.WithQueueSize(cfg.WSSendQueue),
		realtime.WithBrokerMetrics(rtMetrics),
	)
	a.push("broker", a.broker.Close)

	// Browsers cannot set headers on a WebSocket handshake, so only the realtime endpoint
	// accepts the user_id query fallback.
	apiResolver := identity.NewRequestResolver(cfg.IdentityHeader, false)
	wsResolver := identity.NewRequestResolver(cfg.IdentityHeader, true)

	a.api, err = msgapi.NewHandler(log, a.svc, apiResolver, msgapi.Config{
		MaxBodyBytes:    cfg.MaxBodyBytes,
		RequireIdentity: cfg.RequireIdentity,
	})
	if err != nil {
		return nil, err
	}

	a.ws = realtime.NewWSGateway(log, a.broker, wsResolver, realtime.GatewayConfig{
		OriginRequired:     cfg.WSOriginRequired,
		AllowedOrigins:     cfg.WSAllowedOrigins,
		InsecureSkipVerify: cfg.WSInsecureSkipVerify,
		WriteTimeout:       cfg.WSWriteTimeout,
		HeartbeatInterval:  cfg.WSHeartbeatInterval,
		HeartbeatTimeout:   cfg.WSHeartbeatTimeout,
	})

	return a, nil
}

// openFeedAndStore opens the configured change feed and message store. The feed is
// created first because the store publishes into it.
func (a *App) openFeedAndStore(ctx context.Context, metrics *messaging.Metrics) error {
	cfg := a.cfg

	if cfg.StoreDriver == StorePostgres {
		pool, err := openPostgres(ctx, cfg)
		if err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		a.dbPool = pool
		a.push("postgres.pool", func() error { pool.Close(); return nil })
		a.log.Info("db.enabled.postgres_store", "schema", cfg.DBSchema)
	}

	switch cfg.FeedDriver {
	case FeedPostgres:
		// The listener only reads rows by id, so it gets its own publisher-less store.
		loader, err := messaging.NewPostgresStore(a.dbPool, messaging.WithSchema(cfg.DBSchema))
		if err != nil {
			return err
		}
		feed, err := messaging.NewPostgresFeed(a.dbPool, loader, a.log,
			messaging.WithNotifyChannel(cfg.PGNotifyChannel))
		if err != nil {
			return err
		}
		a.feed = feed

	case FeedNATS:
		nc, err := nats.Connect(cfg.NATSURL,
			nats.Name("bazaar"),
			nats.MaxReconnects(-1),
			nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
				a.log.Warn("nats.disconnected", "err", err)
			}),
			nats.ReconnectHandler(func(c *nats.Conn) {
				a.log.Info("nats.reconnected", "url", c.ConnectedUrl())
			}),
		)
		if err != nil {
			return fmt.Errorf("nats connect: %w", err)
		}
		a.push("nats.conn", func() error { nc.Close(); return nil })

		feed, err := messaging.NewNATSFeed(ctx, nc, a.log, messaging.NATSFeedConfig{
			Stream:        cfg.NATSStream,
			SubjectPrefix: cfg.NATSSubjectPrefix,
		})
		if err != nil {
			return err
		}
		a.feed = feed

	default:
		a.feed = messaging.NewLocalFeed(0)
	}
	a.push("feed", a.feed.Close)

	opts := []messaging.Option{
		messaging.WithLogger(a.log),
		messaging.WithPublisher(a.feed),
		messaging.WithStoreMetrics(metrics),
	}

	switch cfg.StoreDriver {
	case StorePostgres:
		st, err := messaging.NewPostgresStore(a.dbPool, append(opts, messaging.WithSchema(cfg.DBSchema))...)
		if err != nil {
			return err
		}
		if cfg.DBAutoMigrate {
			if err := st.EnsureSchema(ctx); err != nil {
				return err
			}
			a.log.Info("db.schema.ensured", "schema", cfg.DBSchema)
		}
		a.store = st

	case StoreBadger:
		db, err := badger.Open(badger.DefaultOptions(cfg.BadgerPath).WithLoggingLevel(badger.WARNING))
		if err != nil {
			return fmt.Errorf("badger open %s: %w", cfg.BadgerPath, err)
		}
		a.push("badger.db", db.Close)

		st, err := messaging.NewBadgerStore(db, opts...)
		if err != nil {
			return err
		}
		a.store = st
		a.log.Info("db.enabled.badger_store", "path", cfg.BadgerPath)

	default:
		a.store = messaging.NewInMemoryStore(opts...)
		a.log.Info("db.disabled.inmemory_store")
	}
	a.push("store", a.store.Close)

	a.log.Info("feed.selected", "driver", cfg.FeedDriver)
	return nil
}

func newProfiles(cfg Config) (messaging.ProfileDirectory, error) {
	if strings.TrimSpace(cfg.ProfilesFile) == "" {
		return messaging.NewStaticDirectory(), nil
	}
	return messaging.LoadStaticDirectory(cfg.ProfilesFile)
}

// Handler returns the fully wrapped HTTP handler.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	registerHTTP(mux, a.log, a.cfg, a.dbPool, a.registry, a.api, a.ws)
	return WithRequestLogging(mux, a.log)
}

// Run serves HTTP and consumes the change feed until ctx is done or either fails, then
// shuts down and releases every resource.
func (a *App) Run(ctx context.Context) error {
	defer a.closeAll()

	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	base := runtimeBaseURL(a.cfg.HTTPAddr)
	a.log.Info("server.start",
		"addr", a.cfg.HTTPAddr,
		"base_url", base,
		"ws_url", wsBaseURL(base)+"/v1/realtime",
		"store", a.cfg.StoreDriver,
		"feed", a.cfg.FeedDriver,
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("server.fail", "err", err)
			return err
		}
		return nil
	})

	g.Go(func() error {
		if err := a.broker.Run(gctx, a.feed); err != nil && gctx.Err() == nil {
			a.log.Error("feed.fail", "err", err)
			return fmt.Errorf("change feed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		a.log.Info("server.stop", "reason", context.Cause(gctx))

		shutdownCtx, cancel := context.WithTimeout(context.Background(), nonZeroDuration(a.cfg.ShutdownTimeout, 10*time.Second))
		defer cancel()

		// Ending subscriptions first lets hijacked WebSocket handlers return.
		_ = a.broker.Close()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.log.Error("server.shutdown.fail", "err", err)
			return err
		}
		return nil
	})

	err := g.Wait()
	a.log.Info("server.stopped")
	return err
}

func (a *App) push(name string, fn func() error) {
	a.closers = append(a.closers, closer{name: name, close: fn})
}

// closeAll releases resources in reverse order (idempotent).
func (a *App) closeAll() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.close(); err != nil {
			a.log.Error("resource.close.fail", "resource", c.name, "err", err)
		}
	}
	a.closers = nil
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// runtimeBaseURL turns a listen address into a URL a local client can dial.
func runtimeBaseURL(addr string) string {
	host, port, err := net.SplitHostPort(strings.TrimSpace(addr))
	if err != nil {
		return "http://" + addr
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}

// wsBaseURL maps an http(s) base URL to ws(s).
func wsBaseURL(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	default:
		return "ws://" + base
	}
}
