package realtime

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"

	"bazaar/cmd/internal/messaging"

	"github.com/google/uuid"
)

const (
	defaultQueueSize = 256
	minQueueSize     = 1
)

// Broker routes "message created" events to the subscriptions of the receiver.
//
// Concurrency guarantees:
//   - Subscribe/Unsubscribe are safe under concurrent delivery.
//   - Delivery never blocks: a subscriber whose buffer is full is evicted with
//     ErrSlowSubscriber instead of losing the message silently.
//   - At most one in-flight delivery can land in C after Unsubscribe returns.
type Broker struct {
	log       *slog.Logger
	metrics   *Metrics
	queueSize int

	mu     sync.RWMutex
	byUser map[string]map[string]*Subscription
	count  int
	closed bool
}

// BrokerOption configures a Broker.
type BrokerOption func(*Broker)

// WithQueueSize sets the per-subscription buffer.
func WithQueueSize(n int) BrokerOption {
	return func(b *Broker) {
		if n < minQueueSize {
			n = minQueueSize
		}
		b.queueSize = n
	}
}

// WithBrokerMetrics records subscription and delivery metrics.
func WithBrokerMetrics(m *Metrics) BrokerOption {
	return func(b *Broker) { b.metrics = m }
}

// NewBroker constructs a Broker.
func NewBroker(log *slog.Logger, opts ...BrokerOption) *Broker {
	if log == nil {
		log = slog.Default()
	}
	b := &Broker{
		log:       log,
		queueSize: defaultQueueSize,
		byUser:    make(map[string]map[string]*Subscription),
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(b)
	}
	return b
}

// Subscribe registers a live handle for messages whose receiver is userID.
// Only messages dispatched after Subscribe returns are delivered.
func (b *Broker) Subscribe(userID string) (*Subscription, error) {
	userID = strings.TrimSpace(userID)
	if err := messaging.ValidateUserID(userID); err != nil {
		return nil, err
	}

	sub := newSubscription(b, uuid.NewString(), userID, b.queueSize)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrBrokerClosed
	}
	subs := b.byUser[userID]
	if subs == nil {
		subs = make(map[string]*Subscription)
		b.byUser[userID] = subs
	}
	subs[sub.ID] = sub
	b.count++
	b.mu.Unlock()

	b.metrics.subscribed()
	b.log.Debug("broker.subscribe", "user_id", userID, "subscription_id", sub.ID)
	return sub, nil
}

// Unsubscribe removes sub (idempotent).
func (b *Broker) Unsubscribe(sub *Subscription) {
	b.remove(sub, ErrUnsubscribed)
}

// remove detaches sub from the index before ending it, so a concurrent dispatcher holding
// the read lock either sees it live or not at all.
func (b *Broker) remove(sub *Subscription, reason error) {
	if sub == nil {
		return
	}

	b.mu.Lock()
	if subs, ok := b.byUser[sub.UserID]; ok {
		if _, ok := subs[sub.ID]; ok {
			delete(subs, sub.ID)
			b.count--
			if len(subs) == 0 {
				delete(b.byUser, sub.UserID)
			}
		}
	}
	b.mu.Unlock()

	if sub.end(reason) {
		b.metrics.removed(reason)
		if errors.Is(reason, ErrUnsubscribed) {
			b.log.Debug("broker.unsubscribe", "user_id", sub.UserID, "subscription_id", sub.ID)
		} else {
			b.log.Info("broker.evict", "user_id", sub.UserID, "subscription_id", sub.ID, "reason", reason)
		}
	}
}

// MessageCreated delivers m to every subscription of m.Receiver. It never blocks.
func (b *Broker) MessageCreated(m messaging.Message) {
	var slow []*Subscription

	b.mu.RLock()
	for _, sub := range b.byUser[m.Receiver] {
		select {
		case <-sub.done:
			continue
		default:
		}

		select {
		case sub.ch <- m:
			b.metrics.delivered()
		default:
			slow = append(slow, sub)
		}
	}
	b.mu.RUnlock()

	for _, sub := range slow {
		b.remove(sub, ErrSlowSubscriber)
	}
}

// FeedInterrupted ends every subscription: events may have been lost, and a live handle
// must never look gap-free when it is not. Clients reconnect and fetch.
func (b *Broker) FeedInterrupted(reason error) {
	b.log.Warn("broker.feed.interrupted", "err", reason, "subscriptions", b.Subscribers())
	b.removeAll(ErrFeedInterrupted)
}

// Run consumes feed until ctx is done. The broker stays usable after Run returns.
func (b *Broker) Run(ctx context.Context, feed messaging.ChangeFeed) error {
	if feed == nil {
		return errors.New("realtime: nil change feed")
	}
	return feed.Run(ctx, b)
}

// Close ends all subscriptions with ErrBrokerClosed and rejects new ones (idempotent).
func (b *Broker) Close() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()

	b.removeAll(ErrBrokerClosed)
	return nil
}

// Subscribers returns the number of active subscriptions.
func (b *Broker) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.count
}

func (b *Broker) removeAll(reason error) {
	b.mu.RLock()
	all := make([]*Subscription, 0, b.count)
	for _, subs := range b.byUser {
		for _, sub := range subs {
			all = append(all, sub)
		}
	}
	b.mu.RUnlock()

	for _, sub := range all {
		b.remove(sub, reason)
	}
}
