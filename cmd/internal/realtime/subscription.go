package realtime

import (
	"sync"

	"bazaar/cmd/internal/messaging"
)

// Subscription is a live handle receiving messages addressed to one user.
//
// Design notes:
//   - C is never closed, so a delivery racing with shutdown cannot panic; wait on Done instead.
//   - Done is closed exactly once, when the subscription ends for any reason (see Err).
//   - Close is idempotent and may be called concurrently with delivery.
type Subscription struct {
	ID     string
	UserID string

	ch     chan messaging.Message
	broker *Broker

	done      chan struct{}
	closeOnce sync.Once
	err       error
}

func newSubscription(b *Broker, id, userID string, queueSize int) *Subscription {
	return &Subscription{
		ID:     id,
		UserID: userID,
		ch:     make(chan messaging.Message, queueSize),
		broker: b,
		done:   make(chan struct{}),
	}
}

// C yields messages in the order the broker received them.
func (s *Subscription) C() <-chan messaging.Message { return s.ch }

// Done is closed when the subscription has ended.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Err returns nil while active, then why the subscription ended.
func (s *Subscription) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

// Close unsubscribes (idempotent).
func (s *Subscription) Close() {
	if s == nil {
		return
	}
	s.broker.Unsubscribe(s)
}

// end records reason and closes done. It reports whether this call ended the subscription.
func (s *Subscription) end(reason error) bool {
	ended := false
	s.closeOnce.Do(func() {
		s.err = reason
		close(s.done)
		ended = true
	})
	return ended
}
