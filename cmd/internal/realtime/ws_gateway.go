package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"bazaar/cmd/identity"
	"bazaar/cmd/internal/messaging"
	v1 "bazaar/shared/contracts/messaging/v1"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// Security/performance defaults.
const (
	// Max bytes per websocket frame read (hard limit). Clients only send small control frames.
	defaultMaxFrameBytes = 16 << 10

	defaultWriteTimeout      = 5 * time.Second
	defaultHeartbeatInterval = 25 * time.Second
	defaultHeartbeatTimeout  = 5 * time.Second
	maxPingFailures          = 3
	closeGrace               = 1 * time.Second

	// Per-connection rate limits on client frames (events per window).
	defaultRateEvents = 30
	defaultRateWindow = 10 * time.Second

	ctrlQueueSize = 8
)

// GatewayConfig tunes the WebSocket endpoint. Zero values select defaults.
type GatewayConfig struct {
	// OriginRequired rejects handshakes without an Origin header.
	OriginRequired bool
	AllowedOrigins []string

	// InsecureSkipVerify disables the library's origin check. Dev only.
	InsecureSkipVerify bool

	WriteTimeout      time.Duration
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration

	RateEvents int
	RateWindow time.Duration

	MaxFrameBytes int64
}

func (c GatewayConfig) withDefaults() GatewayConfig {
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaultWriteTimeout
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = defaultHeartbeatInterval
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = defaultHeartbeatTimeout
	}
	if c.RateEvents <= 0 {
		c.RateEvents = defaultRateEvents
	}
	if c.RateWindow <= 0 {
		c.RateWindow = defaultRateWindow
	}
	if c.MaxFrameBytes <= 0 {
		c.MaxFrameBytes = defaultMaxFrameBytes
	}
	return c
}

// WSGateway is the WebSocket entrypoint for live message delivery.
//
// One connection is one Subscription for the resolved user. The server sends "subscribed"
// once the subscription is live, then one "message_created" envelope per delivered message.
// When the subscription is evicted the connection is closed with 1013 (try again later):
// the client must reconnect and fetch, because messages may have been missed.
type WSGateway struct {
	log      *slog.Logger
	broker   *Broker
	resolver identity.Resolver

	cfg    GatewayConfig
	origin originPolicy
}

// NewWSGateway constructs a gateway. A nil resolver reads the default identity header.
func NewWSGateway(log *slog.Logger, broker *Broker, resolver identity.Resolver, cfg GatewayConfig) *WSGateway {
	if log == nil {
		log = slog.Default()
	}
	if resolver == nil {
		resolver = identity.NewRequestResolver("", true)
	}
	cfg = cfg.withDefaults()

	return &WSGateway{
		log:      log,
		broker:   broker,
		resolver: resolver,
		cfg:      cfg,
		origin:   originPolicy{required: cfg.OriginRequired, allowed: cfg.AllowedOrigins},
	}
}

// ServeHTTP upgrades the request and streams the caller's messages until either side stops.
func (g *WSGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if err := g.origin.check(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	userID, err := g.resolver.Resolve(r)
	if err != nil {
		g.log.Info("ws.reject.identity", "err", err, "remote", r.RemoteAddr)
		if identity.IsInvalidInput(err) {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	// Subscribe before the upgrade: once the client reads "subscribed", nothing sent after
	// that point can be missed, so it can fetch history without a gap.
	sub, err := g.broker.Subscribe(userID)
	if err != nil {
		g.log.Warn("ws.subscribe.fail", "user_id", userID, "err", err)
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}
	defer sub.Close()

	// The server's read/write timeouts would otherwise cut the hijacked connection.
	rc := http.NewResponseController(w)
	_ = rc.SetReadDeadline(time.Time{})
	_ = rc.SetWriteDeadline(time.Time{})

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{v1.Subprotocol},
		OriginPatterns:     g.origin.acceptPatterns(),
		InsecureSkipVerify: g.cfg.InsecureSkipVerify,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.CloseNow() }()

	if sp := conn.Subprotocol(); sp != v1.Subprotocol {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", v1.Subprotocol)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}

	conn.SetReadLimit(g.cfg.MaxFrameBytes)

	g.serve(r.Context(), conn, sub)
}

func (g *WSGateway) serve(parent context.Context, conn *websocket.Conn, sub *Subscription) {
	sessionID := sub.ID
	log := g.log.With("session_id", sessionID, "user_id", sub.UserID)

	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	var closeOnce sync.Once
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			sub.Close()
			_ = conn.Close(code, reason)
			cancel()
		})
	}

	hello, err := newEnvelope(v1.TypeSubscribed, v1.SubscribedPayload{SessionID: sessionID, UserID: sub.UserID})
	if err == nil {
		err = writeEnvelope(ctx, conn, hello, g.cfg.WriteTimeout)
	}
	if err != nil {
		log.Info("ws.write.fail", "err", err)
		shutdown(websocket.StatusInternalError, "handshake failed")
		return
	}
	log.Info("ws.subscribed")

	ctrl := make(chan v1.Envelope, ctrlQueueSize)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)

		for {
			var env v1.Envelope
			select {
			case <-ctx.Done():
				return
			case <-sub.Done():
				code, reason := closeStatusFor(sub.Err())
				log.Info("ws.subscription.ended", "reason", sub.Err(), "close_status", code)
				shutdown(code, reason)
				return
			case env = <-ctrl:
			case m := <-sub.C():
				var err error
				env, err = newEnvelope(v1.TypeMessageCreated, messaging.ToWire(m))
				if err != nil {
					log.Error("ws.encode.fail", "message_id", m.ID, "err", err)
					continue
				}
			}

			if err := writeEnvelope(ctx, conn, env, g.cfg.WriteTimeout); err != nil {
				log.Info("ws.write.fail", "close_status", websocket.CloseStatus(err), "err", err)
				shutdown(websocket.StatusAbnormalClosure, "write failed")
				return
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)

		t := time.NewTicker(g.cfg.HeartbeatInterval)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				hbCtx, hbCancel := context.WithTimeout(ctx, g.cfg.HeartbeatTimeout)
				err := conn.Ping(hbCtx)
				hbCancel()

				if err != nil {
					failures++
					log.Info("ws.ping.fail", "failures", failures, "err", err)
					if failures >= maxPingFailures {
						shutdown(websocket.StatusGoingAway, "heartbeat failed")
						return
					}
					continue
				}
				failures = 0
			}
		}
	}()

	// The read loop keeps pongs and close frames flowing. Clients have nothing to send in v1,
	// so any data frame is answered with an error envelope and counts toward the rate limit.
	rl := NewRateLimiter(g.cfg.RateEvents, g.cfg.RateWindow)

readLoop:
	for {
		env, err := readEnvelope(ctx, conn)
		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
				break readLoop
			case readErrCtxDone:
				shutdown(websocket.StatusNormalClosure, "context done")
				break readLoop
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
				break readLoop
			case readErrBadJSON:
				if !rl.Allow(time.Now()) {
					shutdown(websocket.StatusPolicyViolation, "rate limited")
					break readLoop
				}
				trySendError(ctrl, "bad_json", "invalid JSON")
				continue readLoop
			default:
				log.Info("ws.read.fail", "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
				break readLoop
			}
		}

		if !rl.Allow(time.Now()) {
			trySendError(ctrl, "rate_limited", "too many frames")
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break readLoop
		}

		if err := env.Validate(); err != nil {
			trySendError(ctrl, "bad_envelope", err.Error())
			continue readLoop
		}
		trySendError(ctrl, "unsupported", fmt.Sprintf("unsupported type: %s", env.Type))
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(closeGrace):
	}
}

// closeStatusFor maps why a subscription ended to the close frame sent to the client.
func closeStatusFor(err error) (websocket.StatusCode, string) {
	switch {
	case errors.Is(err, ErrSlowSubscriber):
		return websocket.StatusTryAgainLater, "resync required: too slow"
	case errors.Is(err, ErrFeedInterrupted):
		return websocket.StatusTryAgainLater, "resync required: feed interrupted"
	case errors.Is(err, ErrBrokerClosed):
		return websocket.StatusGoingAway, "server shutting down"
	default:
		return websocket.StatusNormalClosure, "unsubscribed"
	}
}

// ---- envelope IO ----

func trySendError(ctrl chan<- v1.Envelope, code, msg string) {
	env, err := newEnvelope(v1.TypeError, v1.ErrorPayload{Code: code, Message: msg})
	if err != nil {
		return
	}
	select {
	case ctrl <- env:
	default:
	}
}

func newEnvelope(typ string, payload any) (v1.Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return v1.Envelope{}, err
	}
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      uuid.NewString(),
		TS:      time.Now().UTC(),
		Payload: raw,
	}, nil
}

var errBadFrame = errors.New("bad frame")

func readEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Envelope{}, fmt.Errorf("%w: unsupported message type: %v", errBadFrame, mt)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, fmt.Errorf("%w: %v", errBadFrame, err)
	}
	return env, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// ---- read error classification ----

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
)

func classifyReadErr(err error) readErrKind {
	switch {
	case websocket.CloseStatus(err) != -1:
		return readErrClose
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return readErrCtxDone
	case errors.Is(err, net.ErrClosed), errors.Is(err, io.EOF):
		return readErrConnClosed
	case errors.Is(err, errBadFrame):
		return readErrBadJSON
	default:
		return readErrUnknown
	}
}
