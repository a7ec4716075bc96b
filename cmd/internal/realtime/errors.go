package realtime

import "errors"

// Reasons a subscription ends. Subscription.Err returns one of these.
var (
	ErrUnsubscribed    = errors.New("subscription closed")
	ErrSlowSubscriber  = errors.New("subscriber too slow: delivery buffer full")
	ErrFeedInterrupted = errors.New("change feed interrupted")
	ErrBrokerClosed    = errors.New("broker closed")
)

// evictionReason is the metric label for why a subscription ended.
func evictionReason(err error) string {
	switch {
	case errors.Is(err, ErrSlowSubscriber):
		return "slow"
	case errors.Is(err, ErrFeedInterrupted):
		return "feed_interrupted"
	case errors.Is(err, ErrBrokerClosed):
		return "broker_closed"
	default:
		return "unsubscribed"
	}
}
