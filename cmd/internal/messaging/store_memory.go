package messaging

import (
	"context"
	"errors"
	"sync"
)

// InMemoryStore is the dev/test MessageStore used when no database is configured.
// History is lost on restart.
type InMemoryStore struct {
	cfg   storeConfig
	stamp *stamper

	mu    sync.RWMutex
	convs map[Pair][]Message // ordered by (created_at, id)
	byID  map[string]Message
}

// NewInMemoryStore constructs an in-memory MessageStore implementation.
func NewInMemoryStore(opts ...Option) *InMemoryStore {
	cfg := newStoreConfig(opts)
	return &InMemoryStore{
		cfg:   cfg,
		stamp: newStamper(cfg.now, cfg.ids),
		convs: make(map[Pair][]Message),
		byID:  make(map[string]Message),
	}
}

// Close closes the store (noop for in-memory).
func (s *InMemoryStore) Close() error { return nil }

// Persist appends a message and publishes its change event.
func (s *InMemoryStore) Persist(ctx context.Context, in PersistInput) (Message, error) {
	if err := ctx.Err(); err != nil {
		return Message{}, storeErr("memory.Persist", err)
	}
	if err := checkRow(in); err != nil {
		return Message{}, storeErr("memory.Persist", err)
	}

	s.mu.Lock()
	id, ts, err := s.stamp.next()
	if err != nil {
		s.mu.Unlock()
		return Message{}, storeErr("memory.Persist", err)
	}
	msg := Message{
		ID:        id,
		Sender:    in.Sender,
		Receiver:  in.Receiver,
		Content:   in.Content,
		CreatedAt: ts,
	}
	key := PairOf(in.Sender, in.Receiver)
	s.convs[key] = append(s.convs[key], msg)
	s.byID[id] = msg
	s.mu.Unlock()

	s.cfg.publish(ctx, msg)
	return msg, nil
}

// ListConversation returns a copy of the conversation history in order.
func (s *InMemoryStore) ListConversation(ctx context.Context, userA, userB string) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, storeErr("memory.ListConversation", err)
	}
	if userA == "" || userB == "" {
		return nil, storeErr("memory.ListConversation", errors.New("missing participant"))
	}

	s.mu.RLock()
	snap := append([]Message(nil), s.convs[PairOf(userA, userB)]...)
	s.mu.RUnlock()

	// Stamps are issued under the write lock, so this is already ordered; keep it explicit.
	SortMessages(snap)
	return snap, nil
}

// Get returns one message by id.
func (s *InMemoryStore) Get(ctx context.Context, id string) (Message, error) {
	if err := ctx.Err(); err != nil {
		return Message{}, storeErr("memory.Get", err)
	}

	s.mu.RLock()
	m, ok := s.byID[id]
	s.mu.RUnlock()

	if !ok {
		return Message{}, storeErr("memory.Get", ErrNotFound)
	}
	return m, nil
}
