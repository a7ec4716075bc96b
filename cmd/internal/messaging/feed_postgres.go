package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	defaultNotifyChannel = "bazaar_dm_created"

	pgFeedMinBackoff = 250 * time.Millisecond
	pgFeedMaxBackoff = 10 * time.Second
)

// PostgresFeed carries change events over LISTEN/NOTIFY.
//
// The notification payload is the message id only (NOTIFY payloads are capped at 8000 bytes,
// below the maximum content size); the listener loads the row through its MessageLoader.
// Notifications sent while the listener is reconnecting are lost, which is reported to the
// sink as FeedInterrupted.
type PostgresFeed struct {
	pool    *pgxpool.Pool
	loader  MessageLoader
	log     *slog.Logger
	channel string

	minBackoff time.Duration
	maxBackoff time.Duration

	closed    chan struct{}
	closeOnce sync.Once
}

// PostgresFeedOption configures PostgresFeed behavior.
type PostgresFeedOption func(*PostgresFeed) error

// WithNotifyChannel sets the LISTEN/NOTIFY channel name (default: "bazaar_dm_created").
func WithNotifyChannel(channel string) PostgresFeedOption {
	return func(f *PostgresFeed) error {
		channel = strings.TrimSpace(channel)
		if !isValidPGIdent(channel) {
			return fmt.Errorf("messaging: invalid notify channel %q", channel)
		}
		f.channel = channel
		return nil
	}
}

// WithFeedBackoff bounds the reconnect delay of the listener.
func WithFeedBackoff(minDelay, maxDelay time.Duration) PostgresFeedOption {
	return func(f *PostgresFeed) error {
		if minDelay <= 0 || maxDelay < minDelay {
			return errors.New("messaging: invalid feed backoff")
		}
		f.minBackoff, f.maxBackoff = minDelay, maxDelay
		return nil
	}
}

// NewPostgresFeed constructs a LISTEN/NOTIFY feed. The pool is owned by the caller.
func NewPostgresFeed(pool *pgxpool.Pool, loader MessageLoader, log *slog.Logger, opts ...PostgresFeedOption) (*PostgresFeed, error) {
	if pool == nil {
		return nil, errors.New("messaging: nil pool")
	}
	if loader == nil {
		return nil, errors.New("messaging: nil message loader")
	}
	if log == nil {
		log = slog.Default()
	}

	f := &PostgresFeed{
		pool:       pool,
		loader:     loader,
		log:        log,
		channel:    defaultNotifyChannel,
		minBackoff: pgFeedMinBackoff,
		maxBackoff: pgFeedMaxBackoff,
		closed:     make(chan struct{}),
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(f); err != nil {
			return nil, err
		}
	}
	return f, nil
}

// Publish sends the notification outside of any transaction.
func (f *PostgresFeed) Publish(ctx context.Context, m Message) error {
	_, err := f.pool.Exec(ctx, `SELECT pg_notify($1, $2)`, f.channel, m.ID)
	return err
}

// PublishTx sends the notification inside tx; Postgres delivers it on commit only.
func (f *PostgresFeed) PublishTx(ctx context.Context, tx pgx.Tx, m Message) error {
	_, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, f.channel, m.ID)
	return err
}

// Run listens until ctx is done or the feed is closed, reconnecting with backoff.
func (f *PostgresFeed) Run(ctx context.Context, sink ChangeSink) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-f.closed:
			cancel()
		case <-ctx.Done():
		}
	}()

	delay := f.minBackoff
	for {
		listening, err := f.listen(ctx, sink)
		if ctx.Err() != nil {
			return nil
		}
		if listening {
			delay = f.minBackoff
			sink.FeedInterrupted(err)
		}

		f.log.Warn("feed.postgres.listen.fail", "channel", f.channel, "err", err, "retry_in", delay)

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}

		delay *= 2
		if delay > f.maxBackoff {
			delay = f.maxBackoff
		}
	}
}

// listen reports whether LISTEN was established before the returned error.
func (f *PostgresFeed) listen(ctx context.Context, sink ChangeSink) (bool, error) {
	conn, err := f.pool.Acquire(ctx)
	if err != nil {
		return false, fmt.Errorf("acquire: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{f.channel}.Sanitize()); err != nil {
		return false, fmt.Errorf("listen: %w", err)
	}
	defer func() {
		// The connection goes back to the pool; it must not keep receiving notifications.
		uctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_, _ = conn.Exec(uctx, "UNLISTEN *")
	}()

	f.log.Info("feed.postgres.listening", "channel", f.channel)

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return true, err
		}

		m, err := f.loader.Get(ctx, n.Payload)
		if err != nil {
			// The event cannot be delivered; live subscribers have to resync.
			f.log.Warn("feed.postgres.load.fail", "message_id", n.Payload, "err", err)
			sink.FeedInterrupted(err)
			continue
		}
		sink.MessageCreated(m)
	}
}

// Close stops Run (idempotent). The pool stays open.
func (f *PostgresFeed) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}
