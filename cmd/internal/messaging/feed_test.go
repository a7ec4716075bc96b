package messaging

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	mu          sync.Mutex
	created     []Message
	interrupted []error
	notify      chan struct{}
}

func newRecordingSink() *recordingSink {
	return &recordingSink{notify: make(chan struct{}, 64)}
}

func (s *recordingSink) MessageCreated(m Message) {
	s.mu.Lock()
	s.created = append(s.created, m)
	s.mu.Unlock()
	s.signal()
}

func (s *recordingSink) FeedInterrupted(reason error) {
	s.mu.Lock()
	s.interrupted = append(s.interrupted, reason)
	s.mu.Unlock()
	s.signal()
}

// signal never blocks; sinks must not stall the feed.
func (s *recordingSink) signal() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *recordingSink) waitEvents(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-s.notify:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for event %d/%d", i+1, n)
		}
	}
}

func (s *recordingSink) messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Message(nil), s.created...)
}

func TestLocalFeed_DeliversInPublishOrder(t *testing.T) {
	req := require.New(t)

	feed := NewLocalFeed(4)
	sink := newRecordingSink()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- feed.Run(ctx, sink) }()

	st := NewInMemoryStore(WithPublisher(feed))
	var want []Message
	for _, c := range []string{"one", "two", "three"} {
		m, err := st.Persist(context.Background(), PersistInput{Sender: "u1", Receiver: "u2", Content: c})
		req.NoError(err)
		want = append(want, m)
	}

	sink.waitEvents(t, 3)
	req.Equal(want, sink.messages())

	cancel()
	req.NoError(<-done)
}

func TestLocalFeed_CloseStopsRunAndRejectsPublish(t *testing.T) {
	req := require.New(t)

	feed := NewLocalFeed(1)
	done := make(chan error, 1)
	go func() { done <- feed.Run(context.Background(), newRecordingSink()) }()

	req.NoError(feed.Close())
	req.NoError(feed.Close())

	select {
	case err := <-done:
		req.NoError(err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Close")
	}

	req.ErrorIs(feed.Publish(context.Background(), Message{ID: "x"}), ErrFeedClosed)
}

func TestLocalFeed_PublishHonorsContextWhenFull(t *testing.T) {
	req := require.New(t)

	feed := NewLocalFeed(1)
	req.NoError(feed.Publish(context.Background(), Message{ID: "first"}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	req.ErrorIs(feed.Publish(ctx, Message{ID: "second"}), context.DeadlineExceeded)
}

func (s *recordingSink) interruptions() []error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]error(nil), s.interrupted...)
}

func TestLocalFeed_DroppedPublishInterruptsRun(t *testing.T) {
	req := require.New(t)

	feed := NewLocalFeed(1)
	st := NewInMemoryStore(WithPublisher(feed), WithPublishTimeout(20*time.Millisecond))

	first, err := st.Persist(context.Background(), PersistInput{Sender: "u1", Receiver: "u2", Content: "one"})
	req.NoError(err)
	// Nothing drains the buffer yet, so this event is dropped after the publish timeout.
	second, err := st.Persist(context.Background(), PersistInput{Sender: "u1", Receiver: "u2", Content: "two"})
	req.NoError(err)

	sink := newRecordingSink()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = feed.Run(ctx, sink) }()

	sink.waitEvents(t, 2)

	req.Equal([]Message{first}, sink.messages())
	lost := sink.interruptions()
	req.Len(lost, 1)
	req.ErrorIs(lost[0], context.DeadlineExceeded)
	req.Contains(lost[0].Error(), second.ID)
}
