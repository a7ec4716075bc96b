package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"bazaar/cmd/identity"
	"bazaar/cmd/internal/messaging"
	v1 "bazaar/shared/contracts/messaging/v1"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/require"
)

func newGatewayServer(t *testing.T, b *Broker) *httptest.Server {
	t.Helper()

	gw := NewWSGateway(nil, b, identity.NewRequestResolver("", true), GatewayConfig{
		HeartbeatInterval: time.Hour,
	})
	mux := http.NewServeMux()
	mux.Handle("/v1/realtime", gw)

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func dialAs(t *testing.T, ctx context.Context, srv *httptest.Server, userID string) *websocket.Conn {
	t.Helper()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/realtime?user_id=" + userID
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{Subprotocols: []string{v1.Subprotocol}})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.CloseNow() })
	return conn
}

func readEnv(t *testing.T, ctx context.Context, conn *websocket.Conn) v1.Envelope {
	t.Helper()

	_, data, err := conn.Read(ctx)
	require.NoError(t, err)

	var env v1.Envelope
	require.NoError(t, json.Unmarshal(data, &env))
	require.NoError(t, env.Validate())
	return env
}

func TestWSGateway_SubscribedThenMessageCreated(t *testing.T) {
	req := require.New(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	b := NewBroker(nil)
	srv := newGatewayServer(t, b)
	conn := dialAs(t, ctx, srv, "u2")

	env := readEnv(t, ctx, conn)
	req.Equal(v1.TypeSubscribed, env.Type)
	var sp v1.SubscribedPayload
	req.NoError(json.Unmarshal(env.Payload, &sp))
	req.Equal("u2", sp.UserID)
	req.NotEmpty(sp.SessionID)
	req.Equal(1, b.Subscribers())

	created := time.Date(2026, 4, 1, 9, 30, 0, 0, time.UTC)
	b.MessageCreated(messaging.Message{ID: "m-other", Sender: "u1", Receiver: "u3", Content: "not yours", CreatedAt: created})
	b.MessageCreated(messaging.Message{ID: "m1", Sender: "u1", Receiver: "u2", Content: "hello", CreatedAt: created})

	env = readEnv(t, ctx, conn)
	req.Equal(v1.TypeMessageCreated, env.Type)

	var m v1.Message
	req.NoError(json.Unmarshal(env.Payload, &m))
	req.Equal(v1.Message{ID: "m1", Sender: "u1", Receiver: "u2", Content: "hello", CreatedAt: created}, m)
}

func TestWSGateway_ClientCloseUnsubscribes(t *testing.T) {
	req := require.New(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	b := NewBroker(nil)
	srv := newGatewayServer(t, b)
	conn := dialAs(t, ctx, srv, "u2")
	readEnv(t, ctx, conn)

	req.NoError(conn.Close(websocket.StatusNormalClosure, "done"))
	req.Eventually(func() bool { return b.Subscribers() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestWSGateway_FeedInterruptionClosesWithTryAgainLater(t *testing.T) {
	req := require.New(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	b := NewBroker(nil)
	srv := newGatewayServer(t, b)
	conn := dialAs(t, ctx, srv, "u2")
	readEnv(t, ctx, conn)

	b.FeedInterrupted(errors.New("listener lost"))

	_, _, err := conn.Read(ctx)
	req.Error(err)
	req.Equal(websocket.StatusTryAgainLater, websocket.CloseStatus(err))
}

func TestWSGateway_UnsupportedFrameGetsErrorEnvelope(t *testing.T) {
	req := require.New(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	srv := newGatewayServer(t, NewBroker(nil))
	conn := dialAs(t, ctx, srv, "u2")
	readEnv(t, ctx, conn)

	req.NoError(conn.Write(ctx, websocket.MessageText, []byte(`{"v":"v1","type":"subscribed"}`)))
	env := readEnv(t, ctx, conn)
	req.Equal(v1.TypeError, env.Type)

	var ep v1.ErrorPayload
	req.NoError(json.Unmarshal(env.Payload, &ep))
	req.Equal("unsupported", ep.Code)

	req.NoError(conn.Write(ctx, websocket.MessageText, []byte(`{nope`)))
	env = readEnv(t, ctx, conn)
	req.NoError(json.Unmarshal(env.Payload, &ep))
	req.Equal("bad_json", ep.Code)
}

func TestWSGateway_RejectsBeforeUpgrade(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	b := NewBroker(nil)
	srv := newGatewayServer(t, b)
	base := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/realtime"

	t.Run("missing identity", func(t *testing.T) {
		_, resp, err := websocket.Dial(ctx, base, &websocket.DialOptions{Subprotocols: []string{v1.Subprotocol}})
		require.Error(t, err)
		require.NotNil(t, resp)
		require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("malformed identity", func(t *testing.T) {
		_, resp, err := websocket.Dial(ctx, base+"?user_id=a%3Ab", &websocket.DialOptions{Subprotocols: []string{v1.Subprotocol}})
		require.Error(t, err)
		require.NotNil(t, resp)
		require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("broker closed", func(t *testing.T) {
		closed := NewBroker(nil)
		require.NoError(t, closed.Close())
		srv := newGatewayServer(t, closed)

		url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/realtime?user_id=u1"
		_, resp, err := websocket.Dial(ctx, url, &websocket.DialOptions{Subprotocols: []string{v1.Subprotocol}})
		require.Error(t, err)
		require.NotNil(t, resp)
		require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	})

	require.Zero(t, b.Subscribers())
}

func TestWSGateway_RequiresSubprotocol(t *testing.T) {
	req := require.New(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	b := NewBroker(nil)
	srv := newGatewayServer(t, b)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/realtime?user_id=u2"
	conn, _, err := websocket.Dial(ctx, url, nil)
	req.NoError(err)
	defer func() { _ = conn.CloseNow() }()

	_, _, err = conn.Read(ctx)
	req.Equal(websocket.StatusProtocolError, websocket.CloseStatus(err))
	req.Eventually(func() bool { return b.Subscribers() == 0 }, 2*time.Second, 10*time.Millisecond)
}
