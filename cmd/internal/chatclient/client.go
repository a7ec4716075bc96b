package chatclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"bazaar/cmd/identity"
	"bazaar/cmd/internal/messaging"
	v1 "bazaar/shared/contracts/messaging/v1"

	"github.com/coder/websocket"
	"github.com/samber/lo"
)

const (
	defaultHTTPTimeout  = 10 * time.Second
	defaultFeedBuffer   = 64
	maxErrorBodyBytes   = 16 << 10
	subscribeAckTimeout = 10 * time.Second
)

// ErrResyncRequired is the Err of a feed the server closed because deliveries may have
// been lost. Reconnect and fetch.
var ErrResyncRequired = errors.New("resync required")

// APIError is a non-2xx response from the messaging API.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api %d %s: %s", e.Status, e.Code, e.Message)
}

// Client talks to a bazaar server over HTTP and WebSocket, acting as the user named in
// each call (sent in the identity header).
type Client struct {
	base   *url.URL
	http   *http.Client
	header string
	log    *slog.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithIdentityHeader overrides the header carrying the acting user id.
func WithIdentityHeader(h string) ClientOption {
	return func(c *Client) {
		if strings.TrimSpace(h) != "" {
			c.header = strings.TrimSpace(h)
		}
	}
}

// WithClientLogger sets the client logger.
func WithClientLogger(log *slog.Logger) ClientOption {
	return func(c *Client) {
		if log != nil {
			c.log = log
		}
	}
}

// NewClient constructs a Client for baseURL (e.g. "http://localhost:8080").
func NewClient(baseURL string, opts ...ClientOption) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(strings.TrimSpace(baseURL), "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}

	c := &Client{
		base:   u,
		http:   &http.Client{Timeout: defaultHTTPTimeout},
		header: identity.DefaultHeader,
		log:    slog.Default(),
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(c)
	}
	return c, nil
}

// Send posts one message as in.Sender.
func (c *Client) Send(ctx context.Context, in messaging.SendInput) (messaging.Message, error) {
	body, err := json.Marshal(v1.SendMessageRequest{Sender: in.Sender, Receiver: in.Receiver, Content: in.Content})
	if err != nil {
		return messaging.Message{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("/v1/messages", nil), bytes.NewReader(body))
	if err != nil {
		return messaging.Message{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	var out v1.SendMessageResponse
	if err := c.do(req, in.Sender, http.StatusCreated, &out); err != nil {
		return messaging.Message{}, err
	}
	return messaging.FromWire(out.Message), nil
}

// Fetch loads the conversation as sender.
func (c *Client) Fetch(ctx context.Context, sender, receiver string) (messaging.Conversation, error) {
	q := url.Values{}
	q.Set("sender", sender)
	q.Set("receiver", receiver)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("/v1/conversations", q), nil)
	if err != nil {
		return messaging.Conversation{}, err
	}

	var out v1.ConversationResponse
	if err := c.do(req, sender, http.StatusOK, &out); err != nil {
		return messaging.Conversation{}, err
	}

	return messaging.Conversation{
		Messages:        lo.Map(out.Messages, func(m v1.Message, _ int) messaging.Message { return messaging.FromWire(m) }),
		SenderProfile:   fromWireProfile(out.SenderProfile),
		ReceiverProfile: fromWireProfile(out.ReceiverProfile),
	}, nil
}

// Subscribe opens the realtime feed for userID. It returns once the server confirmed the
// subscription, so every message created afterwards is delivered or the feed ends.
func (c *Client) Subscribe(ctx context.Context, userID string) (Feed, error) {
	wsURL := *c.base
	if wsURL.Scheme == "https" {
		wsURL.Scheme = "wss"
	} else {
		wsURL.Scheme = "ws"
	}
	wsURL.Path = strings.TrimRight(wsURL.Path, "/") + "/v1/realtime"

	hdr := http.Header{}
	hdr.Set(c.header, userID)

	conn, resp, err := websocket.Dial(ctx, wsURL.String(), &websocket.DialOptions{
		HTTPHeader:   hdr,
		Subprotocols: []string{v1.Subprotocol},
	})
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial realtime: status %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("dial realtime: %w", err)
	}

	ackCtx, cancel := context.WithTimeout(ctx, subscribeAckTimeout)
	defer cancel()

	env, err := readWireEnvelope(ackCtx, conn)
	if err == nil && env.Type != v1.TypeSubscribed {
		err = fmt.Errorf("unexpected first envelope %q", env.Type)
	}
	if err != nil {
		_ = conn.Close(websocket.StatusProtocolError, "no subscription")
		return nil, fmt.Errorf("await subscribed: %w", err)
	}

	f := newWSFeed(conn, c.log.With("user_id", userID))
	go f.readLoop()
	return f, nil
}

func (c *Client) endpoint(path string, q url.Values) string {
	u := *c.base
	u.Path = strings.TrimRight(u.Path, "/") + path
	if q != nil {
		u.RawQuery = q.Encode()
	}
	return u.String()
}

func (c *Client) do(req *http.Request, actingUser string, want int, out any) error {
	req.Header.Set(c.header, actingUser)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != want {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		apiErr := &APIError{Status: resp.StatusCode}
		var er v1.ErrorResponse
		if json.Unmarshal(raw, &er) == nil {
			apiErr.Code, apiErr.Message = er.Error.Code, er.Error.Message
		}
		return apiErr
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func fromWireProfile(p v1.Profile) messaging.Profile {
	return messaging.Profile{ID: p.ID, Name: p.Name, Avatar: p.Avatar}
}

// wsFeed adapts a realtime WebSocket connection to Feed.
type wsFeed struct {
	conn *websocket.Conn
	log  *slog.Logger
	ch   chan messaging.Message

	ctx    context.Context
	cancel context.CancelFunc

	done      chan struct{}
	closeOnce sync.Once
	err       error
}

func newWSFeed(conn *websocket.Conn, log *slog.Logger) *wsFeed {
	ctx, cancel := context.WithCancel(context.Background())
	return &wsFeed{
		conn:   conn,
		log:    log,
		ch:     make(chan messaging.Message, defaultFeedBuffer),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

func (f *wsFeed) C() <-chan messaging.Message { return f.ch }

func (f *wsFeed) Done() <-chan struct{} { return f.done }

func (f *wsFeed) Err() error {
	select {
	case <-f.done:
		return f.err
	default:
		return nil
	}
}

// Close ends the feed (idempotent).
func (f *wsFeed) Close() {
	f.finish(context.Canceled)
	_ = f.conn.Close(websocket.StatusNormalClosure, "bye")
}

func (f *wsFeed) finish(err error) {
	f.closeOnce.Do(func() {
		f.err = err
		f.cancel()
		close(f.done)
	})
}

func (f *wsFeed) readLoop() {
	for {
		env, err := readWireEnvelope(f.ctx, f.conn)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusTryAgainLater {
				err = fmt.Errorf("%w: %v", ErrResyncRequired, err)
			}
			f.finish(err)
			_ = f.conn.CloseNow()
			return
		}

		switch env.Type {
		case v1.TypeMessageCreated:
			var m v1.Message
			if err := json.Unmarshal(env.Payload, &m); err != nil {
				// A skipped event would leave a silent gap; force a refetch instead.
				f.log.Warn("chatclient.feed.decode.fail", "err", err)
				f.finish(fmt.Errorf("%w: undecodable message_created: %v", ErrResyncRequired, err))
				_ = f.conn.Close(websocket.StatusUnsupportedData, "undecodable message")
				return
			}
			select {
			case f.ch <- messaging.FromWire(m):
			case <-f.done:
				return
			}
		case v1.TypeError:
			var ep v1.ErrorPayload
			_ = json.Unmarshal(env.Payload, &ep)
			f.log.Warn("chatclient.feed.server_error", "code", ep.Code, "message", ep.Message)
		}
	}
}

func readWireEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	_, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, err
	}
	if err := env.Validate(); err != nil {
		return v1.Envelope{}, err
	}
	return env, nil
}
