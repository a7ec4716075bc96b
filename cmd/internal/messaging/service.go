package messaging

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"golang.org/x/sync/errgroup"
)

// Service implements the Send and Conversation Fetch operations.
// Send only persists; live delivery follows from the store's change event.
type Service struct {
	log      *slog.Logger
	store    MessageStore
	profiles ProfileDirectory
	metrics  *Metrics
}

// ServiceOption configures optional Service dependencies.
type ServiceOption func(*Service)

// WithMetrics records send/fetch outcomes.
func WithMetrics(m *Metrics) ServiceOption {
	return func(s *Service) { s.metrics = m }
}

// NewService constructs a Service. A nil profiles directory falls back to placeholders.
func NewService(log *slog.Logger, store MessageStore, profiles ProfileDirectory, opts ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, errors.New("messaging: nil store")
	}
	if log == nil {
		log = slog.Default()
	}
	if profiles == nil {
		profiles = NewStaticDirectory()
	}

	s := &Service{log: log, store: store, profiles: profiles}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(s)
	}
	return s, nil
}

// SendInput is an outbound message as submitted by a client.
type SendInput struct {
	Sender   string
	Receiver string
	Content  string
}

// Send validates and persists one message. It returns a ValidationError without writing,
// a StoreError on write failure, or the stored message with its server-assigned id and time.
func (s *Service) Send(ctx context.Context, in SendInput) (Message, error) {
	in.Sender = strings.TrimSpace(in.Sender)
	in.Receiver = strings.TrimSpace(in.Receiver)

	// Content is stored exactly as sent; only a blank body is rejected.
	if err := validateSend(in); err != nil {
		s.metrics.observeSend("invalid")
		return Message{}, err
	}

	msg, err := s.store.Persist(ctx, PersistInput{
		Sender:   in.Sender,
		Receiver: in.Receiver,
		Content:  in.Content,
	})
	if err != nil {
		s.metrics.observeSend("store_error")
		s.log.Error("message.send.fail", "sender", in.Sender, "receiver", in.Receiver, "err", err)
		return Message{}, storeErr("messaging.Send", err)
	}

	s.metrics.observeSend("ok")
	s.log.Debug("message.send.ok", "message_id", msg.ID, "sender", msg.Sender, "receiver", msg.Receiver)
	return msg, nil
}

// Conversation is the full ordered history between two users plus their display profiles.
type Conversation struct {
	Messages        []Message
	SenderProfile   Profile
	ReceiverProfile Profile
}

// FetchConversation loads the history between sender and receiver (order-independent) and
// resolves both profiles concurrently. History and profile failures are reported as distinct
// kinds: StoreError and ProfileError.
func (s *Service) FetchConversation(ctx context.Context, sender, receiver string) (Conversation, error) {
	sender = strings.TrimSpace(sender)
	receiver = strings.TrimSpace(receiver)

	if err := validatePair(sender, receiver); err != nil {
		s.metrics.observeFetch("invalid")
		return Conversation{}, err
	}

	var out Conversation
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		msgs, err := s.store.ListConversation(gctx, sender, receiver)
		if err != nil {
			return storeErr("messaging.FetchConversation", err)
		}
		out.Messages = msgs
		return nil
	})
	g.Go(func() error {
		p, err := s.profiles.Lookup(gctx, sender)
		if err != nil {
			return ProfileError{UserID: sender, Err: err}
		}
		out.SenderProfile = p
		return nil
	})
	g.Go(func() error {
		p, err := s.profiles.Lookup(gctx, receiver)
		if err != nil {
			return ProfileError{UserID: receiver, Err: err}
		}
		out.ReceiverProfile = p
		return nil
	})

	if err := g.Wait(); err != nil {
		if IsProfile(err) {
			s.metrics.observeFetch("profile_error")
		} else {
			s.metrics.observeFetch("store_error")
		}
		s.log.Error("conversation.fetch.fail", "sender", sender, "receiver", receiver, "err", err)
		return Conversation{}, err
	}

	if out.Messages == nil {
		out.Messages = []Message{}
	}
	s.metrics.observeFetch("ok")
	return out, nil
}
