package chatclient

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"bazaar/cmd/internal/messaging"
)

// State is the lifecycle state of a View. There is no terminal state; Run stops on ctx.
type State int

const (
	// StateLoading is the initial subscribe + fetch.
	StateLoading State = iota
	// StateSynced means history is loaded and the live feed is connected.
	StateSynced
	// StateDisconnected means the live feed ended; messages may be missing until resync.
	StateDisconnected
	// StateReconnecting is a resubscribe + refetch after a disconnect.
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateLoading:
		return "loading"
	case StateSynced:
		return "synced"
	case StateDisconnected:
		return "disconnected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

const (
	defaultMinBackoff = 200 * time.Millisecond
	defaultMaxBackoff = 15 * time.Second
)

// View keeps one conversation (self <-> peer) in sync by merging fetched history with
// live pushes. Messages are unique by id and ordered by (created_at, id).
//
// Loading and Reconnecting subscribe first and fetch second, so anything created while
// the fetch is in flight is either in the fetch result or queued on the feed.
type View struct {
	backend Backend
	self    string
	peer    string
	log     *slog.Logger

	minBackoff time.Duration
	maxBackoff time.Duration

	mu          sync.Mutex
	state       State
	msgs        []messaging.Message
	seen        map[string]struct{}
	selfProfile messaging.Profile
	peerProfile messaging.Profile
	lastErr     error

	changed chan struct{}
}

// ViewOption configures a View.
type ViewOption func(*View)

// WithBackoff bounds the reconnect delay.
func WithBackoff(minDelay, maxDelay time.Duration) ViewOption {
	return func(v *View) {
		if minDelay > 0 && maxDelay >= minDelay {
			v.minBackoff, v.maxBackoff = minDelay, maxDelay
		}
	}
}

// WithViewLogger sets the view logger.
func WithViewLogger(log *slog.Logger) ViewOption {
	return func(v *View) {
		if log != nil {
			v.log = log
		}
	}
}

// NewView constructs a View of the conversation between self and peer.
func NewView(backend Backend, self, peer string, opts ...ViewOption) (*View, error) {
	if backend == nil {
		return nil, errors.New("chatclient: nil backend")
	}
	self, peer = strings.TrimSpace(self), strings.TrimSpace(peer)
	if !messaging.ValidUserID(self) || !messaging.ValidUserID(peer) || self == peer {
		return nil, messaging.ValidationError{Field: "peer", Reason: "must be a different, well-formed user id"}
	}

	v := &View{
		backend:    backend,
		self:       self,
		peer:       peer,
		log:        slog.Default(),
		minBackoff: defaultMinBackoff,
		maxBackoff: defaultMaxBackoff,
		state:      StateLoading,
		seen:       make(map[string]struct{}),
		changed:    make(chan struct{}, 1),
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(v)
	}
	v.log = v.log.With("self", self, "peer", peer)
	return v, nil
}

// Run drives the view until ctx is done. It always returns nil after ctx ends.
func (v *View) Run(ctx context.Context) error {
	delay := v.minBackoff

	for {
		feed, err := v.sync(ctx)
		if ctx.Err() != nil {
			if feed != nil {
				feed.Close()
			}
			return nil
		}

		if err == nil {
			delay = v.minBackoff
			err = v.follow(ctx, feed)
			feed.Close()
			if ctx.Err() != nil {
				return nil
			}
		}

		v.setState(StateDisconnected, err)
		v.log.Info("view.disconnected", "err", err, "retry_in", delay)

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}

		delay *= 2
		if delay > v.maxBackoff {
			delay = v.maxBackoff
		}
		v.setState(StateReconnecting, nil)
	}
}

// sync subscribes, fetches and merges. On success the view is Synced and the feed is live.
func (v *View) sync(ctx context.Context) (Feed, error) {
	feed, err := v.backend.Subscribe(ctx, v.self)
	if err != nil {
		return nil, err
	}

	conv, err := v.backend.Fetch(ctx, v.self, v.peer)
	if err != nil {
		feed.Close()
		return nil, err
	}

	v.mu.Lock()
	v.selfProfile, v.peerProfile = conv.SenderProfile, conv.ReceiverProfile
	for _, m := range conv.Messages {
		v.insertLocked(m)
	}
	v.state = StateSynced
	v.lastErr = nil
	v.mu.Unlock()
	v.notify()

	v.log.Debug("view.synced", "messages", len(conv.Messages))
	return feed, nil
}

// follow merges live pushes until the feed ends or ctx is done.
func (v *View) follow(ctx context.Context, feed Feed) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case m := <-feed.C():
			v.accept(m)
		case <-feed.Done():
			// Deliveries queued before the end are still valid.
			for {
				select {
				case m := <-feed.C():
					v.accept(m)
				default:
					err := feed.Err()
					if err == nil {
						err = errors.New("feed ended")
					}
					return err
				}
			}
		}
	}
}

// accept merges a pushed message if it belongs to this conversation.
func (v *View) accept(m messaging.Message) {
	if !m.Involves(v.self, v.peer) {
		return
	}
	v.mu.Lock()
	added := v.insertLocked(m)
	v.mu.Unlock()
	if added {
		v.notify()
	}
}

// Send sends content to the peer and appends the stored message.
func (v *View) Send(ctx context.Context, content string) (messaging.Message, error) {
	m, err := v.backend.Send(ctx, messaging.SendInput{Sender: v.self, Receiver: v.peer, Content: content})
	if err != nil {
		return messaging.Message{}, err
	}
	v.accept(m)
	return m, nil
}

// insertLocked adds m in order unless its id is already present.
func (v *View) insertLocked(m messaging.Message) bool {
	if _, dup := v.seen[m.ID]; dup {
		return false
	}
	v.seen[m.ID] = struct{}{}

	i := sort.Search(len(v.msgs), func(i int) bool { return messaging.Before(m, v.msgs[i]) })
	v.msgs = append(v.msgs, messaging.Message{})
	copy(v.msgs[i+1:], v.msgs[i:])
	v.msgs[i] = m
	return true
}

func (v *View) setState(s State, err error) {
	v.mu.Lock()
	v.state = s
	if err != nil {
		v.lastErr = err
	}
	v.mu.Unlock()
	v.notify()
}

func (v *View) notify() {
	select {
	case v.changed <- struct{}{}:
	default:
	}
}

// Changed signals (coalesced) that messages or state changed.
func (v *View) Changed() <-chan struct{} { return v.changed }

// State returns the current state.
func (v *View) State() State {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.state
}

// Err returns the error that caused the last disconnect, nil once synced again.
func (v *View) Err() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.lastErr
}

// Messages returns a copy of the conversation in order.
func (v *View) Messages() []messaging.Message {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]messaging.Message(nil), v.msgs...)
}

// Profiles returns the last fetched profiles of self and peer.
func (v *View) Profiles() (self, peer messaging.Profile) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.selfProfile, v.peerProfile
}
