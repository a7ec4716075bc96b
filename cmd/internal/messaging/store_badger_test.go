package messaging

import (
	"context"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/require"
)

func openTestBadger(t *testing.T) *badger.DB {
	t.Helper()

	db, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestBadgerStore(t *testing.T) {
	testStoreContract(t, func(t *testing.T, opts ...Option) MessageStore {
		st, err := NewBadgerStore(openTestBadger(t), opts...)
		require.NoError(t, err)
		return st
	})
}

func TestBadgerStore_GetAndPrefixIsolation(t *testing.T) {
	req := require.New(t)
	st, err := NewBadgerStore(openTestBadger(t))
	req.NoError(err)
	ctx := context.Background()

	// "u1"/"u2" must not pick up "u1"/"u22".
	m, err := st.Persist(ctx, PersistInput{Sender: "u1", Receiver: "u2", Content: "a"})
	req.NoError(err)
	_, err = st.Persist(ctx, PersistInput{Sender: "u1", Receiver: "u22", Content: "b"})
	req.NoError(err)

	msgs, err := st.ListConversation(ctx, "u2", "u1")
	req.NoError(err)
	req.Equal([]Message{m}, msgs)

	got, err := st.Get(ctx, m.ID)
	req.NoError(err)
	req.Equal(m, got)

	_, err = st.Get(ctx, "01J00000000000000000000000")
	req.ErrorIs(err, ErrNotFound)
}

func TestBadgerStore_KeyOrderFollowsTime(t *testing.T) {
	req := require.New(t)

	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	older := messageKey(Message{ID: "B", Sender: "u2", Receiver: "u1", CreatedAt: t0})
	newer := messageKey(Message{ID: "A", Sender: "u1", Receiver: "u2", CreatedAt: t0.Add(time.Microsecond)})

	req.Less(string(older), string(newer))
	req.Equal("dm:u1:u2:", string(pairPrefix(PairOf("u2", "u1"))))
}
