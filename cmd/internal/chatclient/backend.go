// Package chatclient is the client side of direct messaging: a Backend abstraction over
// the server (remote over HTTP + WebSocket, or in-process) and the Conversation View that
// keeps one conversation in sync.
package chatclient

import (
	"context"
	"errors"

	"bazaar/cmd/internal/messaging"
	"bazaar/cmd/internal/realtime"
)

// Feed is a live stream of messages addressed to one user.
// C is never closed; Done is closed when the feed ends and Err tells why.
type Feed interface {
	C() <-chan messaging.Message
	Done() <-chan struct{}
	Err() error
	Close()
}

// Backend is what a View needs from the messaging system.
type Backend interface {
	Send(ctx context.Context, in messaging.SendInput) (messaging.Message, error)
	Fetch(ctx context.Context, sender, receiver string) (messaging.Conversation, error)
	Subscribe(ctx context.Context, userID string) (Feed, error)
}

// LocalBackend runs against an in-process Service and Broker.
type LocalBackend struct {
	Service *messaging.Service
	Broker  *realtime.Broker
}

// NewLocalBackend constructs a LocalBackend.
func NewLocalBackend(svc *messaging.Service, broker *realtime.Broker) (*LocalBackend, error) {
	if svc == nil || broker == nil {
		return nil, errors.New("chatclient: nil service or broker")
	}
	return &LocalBackend{Service: svc, Broker: broker}, nil
}

func (b *LocalBackend) Send(ctx context.Context, in messaging.SendInput) (messaging.Message, error) {
	return b.Service.Send(ctx, in)
}

func (b *LocalBackend) Fetch(ctx context.Context, sender, receiver string) (messaging.Conversation, error) {
	return b.Service.FetchConversation(ctx, sender, receiver)
}

func (b *LocalBackend) Subscribe(_ context.Context, userID string) (Feed, error) {
	sub, err := b.Broker.Subscribe(userID)
	if err != nil {
		return nil, err
	}
	return sub, nil
}
