package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// BadgerStore is an embedded MessageStore backed by BadgerDB.
//
// Keys are "dm:{pair_lo}:{pair_hi}:{created_at_nanos:019d}:{id}". The zero-padded timestamp
// makes lexicographic key order equal chronological order, and the ULID suffix breaks ties,
// so a conversation read is a single forward prefix scan.
//
// BadgerStore does NOT own the DB handle; the caller closes it.
type BadgerStore struct {
	db    *badger.DB
	cfg   storeConfig
	stamp *stamper
}

type badgerRecord struct {
	ID        string    `json:"id"`
	Sender    string    `json:"sender"`
	Receiver  string    `json:"receiver"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// NewBadgerStore constructs a Badger-backed MessageStore.
func NewBadgerStore(db *badger.DB, opts ...Option) (*BadgerStore, error) {
	if db == nil {
		return nil, errors.New("messaging: nil badger db")
	}
	cfg := newStoreConfig(opts)
	return &BadgerStore{
		db:    db,
		cfg:   cfg,
		stamp: newStamper(cfg.now, cfg.ids),
	}, nil
}

// Close is a no-op because the DB is owned by the caller.
func (s *BadgerStore) Close() error { return nil }

// Persist writes the message and its id index entry in one transaction.
func (s *BadgerStore) Persist(ctx context.Context, in PersistInput) (Message, error) {
	if err := ctx.Err(); err != nil {
		return Message{}, storeErr("badger.Persist", err)
	}
	if err := checkRow(in); err != nil {
		return Message{}, storeErr("badger.Persist", err)
	}

	id, ts, err := s.stamp.next()
	if err != nil {
		return Message{}, storeErr("badger.Persist", err)
	}
	msg := Message{
		ID:        id,
		Sender:    in.Sender,
		Receiver:  in.Receiver,
		Content:   in.Content,
		CreatedAt: ts,
	}

	value, err := json.Marshal(badgerRecord(msg))
	if err != nil {
		return Message{}, storeErr("badger.Persist", err)
	}
	key := messageKey(msg)

	err = s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(key, value); err != nil {
			return err
		}
		return txn.Set(idKey(msg.ID), key)
	})
	if err != nil {
		return Message{}, storeErr("badger.Persist", err)
	}

	s.cfg.publish(ctx, msg)
	return msg, nil
}

// ListConversation scans the conversation prefix in key (chronological) order.
func (s *BadgerStore) ListConversation(ctx context.Context, userA, userB string) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, storeErr("badger.ListConversation", err)
	}
	if userA == "" || userB == "" {
		return nil, storeErr("badger.ListConversation", errors.New("missing participant"))
	}

	prefix := pairPrefix(PairOf(userA, userB))
	var msgs []Message

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			err := it.Item().Value(func(v []byte) error {
				m, err := decodeBadgerRecord(v)
				if err != nil {
					return err
				}
				msgs = append(msgs, m)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, storeErr("badger.ListConversation", err)
	}
	return msgs, nil
}

// Get loads one message by id through the id index.
func (s *BadgerStore) Get(ctx context.Context, id string) (Message, error) {
	if err := ctx.Err(); err != nil {
		return Message{}, storeErr("badger.Get", err)
	}

	var m Message
	err := s.db.View(func(txn *badger.Txn) error {
		ref, err := txn.Get(idKey(id))
		if err != nil {
			return err
		}
		key, err := ref.ValueCopy(nil)
		if err != nil {
			return err
		}
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		return item.Value(func(v []byte) error {
			m, err = decodeBadgerRecord(v)
			return err
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return Message{}, storeErr("badger.Get", ErrNotFound)
	}
	if err != nil {
		return Message{}, storeErr("badger.Get", err)
	}
	return m, nil
}

func decodeBadgerRecord(v []byte) (Message, error) {
	var rec badgerRecord
	if err := json.Unmarshal(v, &rec); err != nil {
		return Message{}, err
	}
	m := Message(rec)
	m.CreatedAt = m.CreatedAt.UTC()
	return m, nil
}

func pairPrefix(p Pair) []byte {
	return []byte(fmt.Sprintf("dm:%s:%s:", p.Lo, p.Hi))
}

func messageKey(m Message) []byte {
	p := PairOf(m.Sender, m.Receiver)
	return []byte(fmt.Sprintf("dm:%s:%s:%019d:%s", p.Lo, p.Hi, m.CreatedAt.UnixNano(), m.ID))
}

func idKey(id string) []byte {
	return []byte("dmid:" + id)
}
