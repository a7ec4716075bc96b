package messaging

import (
	"context"
	"fmt"
	"sync"
)

// ChangePublisher is the store side of the change event contract.
type ChangePublisher interface {
	// Publish announces a message that has already been persisted.
	Publish(ctx context.Context, m Message) error
}

// ChangeSink is the consumer side of the change event contract (the realtime broker).
type ChangeSink interface {
	// MessageCreated is called once per delivered change event. It must not block.
	MessageCreated(m Message)

	// FeedInterrupted is called when events may have been lost (e.g. the listener
	// connection dropped). Live subscribers can no longer assume a gap-free feed.
	FeedInterrupted(reason error)
}

// ChangeFeed carries "message created" events from a store to a sink.
type ChangeFeed interface {
	ChangePublisher

	// Run delivers events to sink until ctx is done. It must be called at most once.
	Run(ctx context.Context, sink ChangeSink) error

	Close() error
}

const defaultLocalFeedBuffer = 1024

// lossLatch remembers that an event could not be published until Run reports it to the
// sink as FeedInterrupted. Repeated losses before Run picks it up collapse into one report.
type lossLatch struct {
	mu  sync.Mutex
	err error
	ch  chan struct{}
}

func newLossLatch() *lossLatch {
	return &lossLatch{ch: make(chan struct{}, 1)}
}

func (l *lossLatch) mark(m Message, cause error) {
	l.mu.Lock()
	if l.err == nil {
		l.err = fmt.Errorf("event for message %s lost: %w", m.ID, cause)
	}
	l.mu.Unlock()

	select {
	case l.ch <- struct{}{}:
	default:
	}
}

func (l *lossLatch) take() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	err := l.err
	l.err = nil
	return err
}

// report forwards a latched loss to sink.
func (l *lossLatch) report(sink ChangeSink) {
	if err := l.take(); err != nil {
		sink.FeedInterrupted(err)
	}
}

// LocalFeed is the single-node in-process feed.
//
// A Publish that gives up (context done while the buffer is full) is reported by Run as
// FeedInterrupted, so live subscribers resync instead of silently missing the message.
type LocalFeed struct {
	ch   chan Message
	lost *lossLatch

	closed    chan struct{}
	closeOnce sync.Once
}

// NewLocalFeed constructs a LocalFeed with a bounded buffer. Publish blocks when full.
func NewLocalFeed(buffer int) *LocalFeed {
	if buffer <= 0 {
		buffer = defaultLocalFeedBuffer
	}
	return &LocalFeed{
		ch:     make(chan Message, buffer),
		lost:   newLossLatch(),
		closed: make(chan struct{}),
	}
}

// Publish enqueues m for the running consumer.
func (f *LocalFeed) Publish(ctx context.Context, m Message) error {
	select {
	case <-f.closed:
		return ErrFeedClosed
	default:
	}

	select {
	case f.ch <- m:
		return nil
	case <-f.closed:
		return ErrFeedClosed
	case <-ctx.Done():
		f.lost.mark(m, ctx.Err())
		return ctx.Err()
	}
}

// Run forwards queued events to sink until ctx is done or the feed is closed.
func (f *LocalFeed) Run(ctx context.Context, sink ChangeSink) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-f.closed:
			return nil
		case m := <-f.ch:
			sink.MessageCreated(m)
		case <-f.lost.ch:
			f.lost.report(sink)
		}
	}
}

// Close stops Run and rejects further publishes (idempotent).
func (f *LocalFeed) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}
