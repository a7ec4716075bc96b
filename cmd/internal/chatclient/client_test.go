package chatclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"bazaar/cmd/identity"
	"bazaar/cmd/internal/messaging"
	msgapi "bazaar/cmd/internal/messaging/api"
	"bazaar/cmd/internal/realtime"
	v1 "bazaar/shared/contracts/messaging/v1"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, stack *localStack) *httptest.Server {
	t.Helper()

	resolver := identity.NewRequestResolver("", true)
	api, err := msgapi.NewHandler(nil, stack.svc, resolver, msgapi.Config{RequireIdentity: true})
	require.NoError(t, err)

	mux := http.NewServeMux()
	api.Register(mux)
	mux.Handle("/v1/realtime", realtime.NewWSGateway(nil, stack.broker, resolver, realtime.GatewayConfig{HeartbeatInterval: time.Hour}))

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestClient_SendFetchSubscribe(t *testing.T) {
	req := require.New(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stack := newLocalStack(t)
	srv := newTestServer(t, stack)

	c, err := NewClient(srv.URL)
	req.NoError(err)

	feed, err := c.Subscribe(ctx, "u2")
	req.NoError(err)
	defer feed.Close()

	sent, err := c.Send(ctx, messaging.SendInput{Sender: "u1", Receiver: "u2", Content: "hello"})
	req.NoError(err)
	req.Len(sent.ID, 26)

	select {
	case got := <-feed.C():
		req.Equal(sent, got)
	case <-ctx.Done():
		t.Fatal("no push received")
	}

	conv, err := c.Fetch(ctx, "u2", "u1")
	req.NoError(err)
	req.Equal([]messaging.Message{sent}, conv.Messages)
	req.Equal("Uwe", conv.SenderProfile.Name)
	req.Equal("Ulla", conv.ReceiverProfile.Name)
}

func TestClient_APIErrors(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()

	srv := newTestServer(t, newLocalStack(t))
	c, err := NewClient(srv.URL)
	req.NoError(err)

	_, err = c.Send(ctx, messaging.SendInput{Sender: "u1", Receiver: "u1", Content: "x"})
	var apiErr *APIError
	req.True(errors.As(err, &apiErr))
	req.Equal(http.StatusBadRequest, apiErr.Status)
	req.Equal("validation_failed", apiErr.Code)

	_, err = c.Fetch(ctx, "u1", "")
	req.True(errors.As(err, &apiErr))
	req.Equal("validation_failed", apiErr.Code)
}

func TestClient_FeedReportsResync(t *testing.T) {
	req := require.New(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stack := newLocalStack(t)
	srv := newTestServer(t, stack)
	c, err := NewClient(srv.URL)
	req.NoError(err)

	feed, err := c.Subscribe(ctx, "u2")
	req.NoError(err)
	defer feed.Close()

	stack.broker.FeedInterrupted(errors.New("listener lost"))

	select {
	case <-feed.Done():
	case <-ctx.Done():
		t.Fatal("feed did not end")
	}
	req.ErrorIs(feed.Err(), ErrResyncRequired)
}

func TestClient_FeedEndsOnUndecodableEvent(t *testing.T) {
	req := require.New(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{Subprotocols: []string{v1.Subprotocol}})
		if err != nil {
			return
		}
		defer func() { _ = conn.CloseNow() }()

		for _, env := range []v1.Envelope{
			{V: v1.Version, Type: v1.TypeSubscribed, Payload: json.RawMessage(`{"user_id":"u2"}`)},
			{V: v1.Version, Type: v1.TypeMessageCreated, Payload: json.RawMessage(`"not a message"`)},
		} {
			data, err := json.Marshal(env)
			if err != nil {
				return
			}
			if err := conn.Write(r.Context(), websocket.MessageText, data); err != nil {
				return
			}
		}
		// Wait for the client to hang up.
		_, _, _ = conn.Read(r.Context())
	}))
	t.Cleanup(srv.Close)

	c, err := NewClient(srv.URL)
	req.NoError(err)

	feed, err := c.Subscribe(ctx, "u2")
	req.NoError(err)
	defer feed.Close()

	select {
	case <-feed.Done():
	case <-ctx.Done():
		t.Fatal("feed stayed open after an undecodable event")
	}
	req.ErrorIs(feed.Err(), ErrResyncRequired)

	select {
	case m := <-feed.C():
		t.Fatalf("unexpected delivery: %+v", m)
	default:
	}
}

func TestView_OverWebSocket_HelloScenario(t *testing.T) {
	req := require.New(t)

	stack := newLocalStack(t)
	srv := newTestServer(t, stack)
	c, err := NewClient(srv.URL)
	req.NoError(err)

	alice := runView(t, c, "u1", "u2")
	bob := runView(t, c, "u2", "u1")

	sent, err := alice.Send(context.Background(), "hello")
	req.NoError(err)

	req.Eventually(func() bool { return len(bob.Messages()) == 1 }, 3*time.Second, 10*time.Millisecond)
	req.Equal(sent, bob.Messages()[0])
	req.Equal([]messaging.Message{sent}, alice.Messages())
}

func TestNewClient_RejectsBadURL(t *testing.T) {
	_, err := NewClient("ftp://example.com")
	require.Error(t, err)
}
