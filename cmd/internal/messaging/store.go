//go:generate go run go.uber.org/mock/mockgen -source=store.go -destination=mocks/mock_store.go -package=mocks
package messaging

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"
)

// MessageStore persists and queries direct messages.
//
// Requirements:
//   - Persist assigns id and created_at and is all-or-nothing
//   - ListConversation is symmetric and ordered by (created_at, id) ASC
//   - every successful Persist is handed to the configured ChangePublisher
type MessageStore interface {
	Persist(ctx context.Context, in PersistInput) (Message, error)
	ListConversation(ctx context.Context, userA, userB string) ([]Message, error)
	Close() error
}

// PersistInput describes a message append request. It is expected to be validated already;
// stores only enforce row constraints.
type PersistInput struct {
	Sender   string
	Receiver string
	Content  string
}

// MessageLoader loads a single stored message by id.
type MessageLoader interface {
	Get(ctx context.Context, id string) (Message, error)
}

var errConstraint = errors.New("row constraint violated")

const defaultPublishTimeout = 5 * time.Second

// Option configures a store.
type Option func(*storeConfig)

type storeConfig struct {
	log       *slog.Logger
	now       func() time.Time
	ids       *IDGenerator
	publisher ChangePublisher
	metrics   *Metrics
	schema    string

	publishTimeout time.Duration
}

func newStoreConfig(opts []Option) storeConfig {
	cfg := storeConfig{schema: defaultSchema, publishTimeout: defaultPublishTimeout}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(&cfg)
	}
	if cfg.log == nil {
		cfg.log = slog.Default()
	}
	return cfg
}

// WithLogger sets the store logger.
func WithLogger(log *slog.Logger) Option {
	return func(c *storeConfig) { c.log = log }
}

// WithClock overrides the time source used for created_at.
func WithClock(now func() time.Time) Option {
	return func(c *storeConfig) { c.now = now }
}

// WithIDGenerator shares an id generator between stores.
func WithIDGenerator(g *IDGenerator) Option {
	return func(c *storeConfig) { c.ids = g }
}

// WithPublisher sets where "message created" events go after a successful persist.
func WithPublisher(p ChangePublisher) Option {
	return func(c *storeConfig) { c.publisher = p }
}

// WithStoreMetrics records publish failures.
func WithStoreMetrics(m *Metrics) Option {
	return func(c *storeConfig) { c.metrics = m }
}

// WithPublishTimeout bounds how long a persist waits for the change feed to take the event.
// Non-positive values are ignored.
func WithPublishTimeout(d time.Duration) Option {
	return func(c *storeConfig) {
		if d > 0 {
			c.publishTimeout = d
		}
	}
}

// publish hands a committed message to the change feed.
// The row is already durable, so a failure is not returned. The feed records the lost
// event and interrupts its subscribers, which then resync via Fetch.
func (c storeConfig) publish(ctx context.Context, m Message) {
	if c.publisher == nil {
		return
	}

	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.publishTimeout)
	defer cancel()

	if err := c.publisher.Publish(pctx, m); err != nil {
		c.log.Warn("message.publish.fail", "message_id", m.ID, "receiver", m.Receiver, "err", err)
		c.metrics.publishFailed()
	}
}

func checkRow(in PersistInput) error {
	if strings.TrimSpace(in.Sender) == "" || strings.TrimSpace(in.Receiver) == "" {
		return errConstraint
	}
	if in.Sender == in.Receiver {
		return errConstraint
	}
	if strings.TrimSpace(in.Content) == "" {
		return errConstraint
	}
	return nil
}
