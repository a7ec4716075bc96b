package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	v1 "bazaar/shared/contracts/messaging/v1"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

const (
	defaultNATSStream        = "BAZAAR_DM"
	defaultNATSSubjectPrefix = "bazaar.dm"
	natsStreamMaxAge         = 24 * time.Hour
	natsDuplicateWindow      = 2 * time.Minute
	natsRetryMinDelay        = 50 * time.Millisecond
	natsRetryMaxDelay        = time.Second
)

// NATSFeed carries change events over a NATS JetStream stream.
//
// Publish waits for the stream ack and sets the message id as Nats-Msg-Id, so it can retry
// until ctx is done and the stream still stores the event once. An event that is never
// acked is reported by this node's Run as FeedInterrupted. Run uses an ordered consumer that
// only delivers messages published after it starts; the stream is transport, not history.
type NATSFeed struct {
	js      jetstream.JetStream
	log     *slog.Logger
	stream  string
	subject string
	lost    *lossLatch

	closed    chan struct{}
	closeOnce sync.Once
}

// NATSFeedConfig names the stream and subject prefix.
type NATSFeedConfig struct {
	Stream        string
	SubjectPrefix string
}

// NewNATSFeed ensures the stream exists and returns a feed. The connection is owned by the caller.
func NewNATSFeed(ctx context.Context, nc *nats.Conn, log *slog.Logger, cfg NATSFeedConfig) (*NATSFeed, error) {
	if nc == nil {
		return nil, errors.New("messaging: nil nats connection")
	}
	if log == nil {
		log = slog.Default()
	}

	stream := strings.TrimSpace(cfg.Stream)
	if stream == "" {
		stream = defaultNATSStream
	}
	prefix := strings.Trim(strings.TrimSpace(cfg.SubjectPrefix), ".")
	if prefix == "" {
		prefix = defaultNATSSubjectPrefix
	}

	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("jetstream: %w", err)
	}

	subject := prefix + ".created"
	if _, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:        stream,
		Description: "bazaar direct message change events",
		Subjects:    []string{subject},
		MaxAge:      natsStreamMaxAge,
		Duplicates:  natsDuplicateWindow,
		Storage:     jetstream.FileStorage,
	}); err != nil {
		return nil, fmt.Errorf("ensure stream %q: %w", stream, err)
	}

	return &NATSFeed{
		js:      js,
		log:     log,
		stream:  stream,
		subject: subject,
		lost:    newLossLatch(),
		closed:  make(chan struct{}),
	}, nil
}

// Publish sends the full message record and waits for the stream ack.
func (f *NATSFeed) Publish(ctx context.Context, m Message) error {
	select {
	case <-f.closed:
		return ErrFeedClosed
	default:
	}

	data, err := json.Marshal(ToWire(m))
	if err != nil {
		return err
	}

	delay := natsRetryMinDelay
	for {
		_, err := f.js.Publish(ctx, f.subject, data, jetstream.WithMsgID(m.ID))
		if err == nil {
			return nil
		}
		f.log.Debug("feed.nats.publish.retry", "message_id", m.ID, "err", err, "retry_in", delay)

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			f.lost.mark(m, err)
			return fmt.Errorf("publish %q: %w", f.subject, err)
		case <-f.closed:
			t.Stop()
			return ErrFeedClosed
		case <-t.C:
		}

		delay *= 2
		if delay > natsRetryMaxDelay {
			delay = natsRetryMaxDelay
		}
	}
}

// Run consumes new events until ctx is done or the feed is closed.
func (f *NATSFeed) Run(ctx context.Context, sink ChangeSink) error {
	cons, err := f.js.OrderedConsumer(ctx, f.stream, jetstream.OrderedConsumerConfig{
		FilterSubjects: []string{f.subject},
		DeliverPolicy:  jetstream.DeliverNewPolicy,
	})
	if err != nil {
		return fmt.Errorf("ordered consumer: %w", err)
	}

	cc, err := cons.Consume(func(msg jetstream.Msg) {
		var wire v1.Message
		if err := json.Unmarshal(msg.Data(), &wire); err != nil {
			f.log.Warn("feed.nats.decode.fail", "subject", msg.Subject(), "err", err)
			sink.FeedInterrupted(err)
			return
		}
		sink.MessageCreated(FromWire(wire))
	}, jetstream.ConsumeErrHandler(func(_ jetstream.ConsumeContext, err error) {
		f.log.Warn("feed.nats.consume.fail", "stream", f.stream, "err", err)
	}))
	if err != nil {
		return fmt.Errorf("consume: %w", err)
	}
	defer cc.Stop()

	f.log.Info("feed.nats.consuming", "stream", f.stream, "subject", f.subject)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-f.closed:
			return nil
		case <-f.lost.ch:
			f.lost.report(sink)
		}
	}
}

// Close stops Run and rejects further publishes (idempotent). The connection stays open.
func (f *NATSFeed) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}
