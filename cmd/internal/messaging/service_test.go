package messaging_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"bazaar/cmd/internal/messaging"
	"bazaar/cmd/internal/messaging/mocks"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

func newTestService(t *testing.T, store messaging.MessageStore, profiles messaging.ProfileDirectory, opts ...messaging.ServiceOption) *messaging.Service {
	t.Helper()
	svc, err := messaging.NewService(nil, store, profiles, opts...)
	require.NoError(t, err)
	return svc
}

func TestService_Send_TrimsIDsAndKeepsContent(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)

	store := mocks.NewMockMessageStore(ctrl)
	stored := messaging.Message{ID: "01J", Sender: "u1", Receiver: "u2", Content: "  hello\n", CreatedAt: time.Now().UTC()}
	store.EXPECT().
		Persist(gomock.Any(), messaging.PersistInput{Sender: "u1", Receiver: "u2", Content: "  hello\n"}).
		Return(stored, nil)

	svc := newTestService(t, store, nil)
	got, err := svc.Send(context.Background(), messaging.SendInput{Sender: " u1", Receiver: "u2 ", Content: "  hello\n"})
	req.NoError(err)
	req.Equal(stored, got)
}

func TestService_Send_ValidationDoesNotWrite(t *testing.T) {
	cases := map[string]messaging.SendInput{
		"empty content":   {Sender: "u1", Receiver: "u2", Content: "   "},
		"self message":    {Sender: "u1", Receiver: "u1", Content: "x"},
		"missing sender":  {Receiver: "u2", Content: "x"},
		"content too big": {Sender: "u1", Receiver: "u2", Content: strings.Repeat("x", messaging.MaxContentChars+1)},
	}

	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			ctrl := gomock.NewController(t)
			store := mocks.NewMockMessageStore(ctrl) // no expectations: any call fails the test

			svc := newTestService(t, store, nil)
			_, err := svc.Send(context.Background(), in)
			require.True(t, messaging.IsValidation(err), "got %v", err)
		})
	}
}

func TestService_Send_StoreFailure(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)

	reg := prometheus.NewRegistry()
	metrics := messaging.NewMetrics(reg)

	store := mocks.NewMockMessageStore(ctrl)
	store.EXPECT().Persist(gomock.Any(), gomock.Any()).Return(messaging.Message{}, errors.New("disk full"))

	svc := newTestService(t, store, nil, messaging.WithMetrics(metrics))
	_, err := svc.Send(context.Background(), messaging.SendInput{Sender: "u1", Receiver: "u2", Content: "x"})
	req.True(messaging.IsStore(err))
	req.False(messaging.IsValidation(err))

	n, err := testutil.GatherAndCount(reg, "bazaar_messaging_sends_total")
	req.NoError(err)
	req.Equal(1, n)
}

func TestService_FetchConversation(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)

	msgs := []messaging.Message{{ID: "a", Sender: "u2", Receiver: "u1", Content: "hi"}}
	store := mocks.NewMockMessageStore(ctrl)
	store.EXPECT().ListConversation(gomock.Any(), "u1", "u2").Return(msgs, nil)

	profiles := mocks.NewMockProfileDirectory(ctrl)
	profiles.EXPECT().Lookup(gomock.Any(), "u1").Return(messaging.Profile{ID: "u1", Name: "Ann"}, nil)
	profiles.EXPECT().Lookup(gomock.Any(), "u2").Return(messaging.Profile{ID: "u2", Name: "Bob"}, nil)

	svc := newTestService(t, store, profiles)
	conv, err := svc.FetchConversation(context.Background(), "u1", "u2")
	req.NoError(err)
	req.Equal(msgs, conv.Messages)
	req.Equal("Ann", conv.SenderProfile.Name)
	req.Equal("Bob", conv.ReceiverProfile.Name)
}

func TestService_FetchConversation_EmptyIsNotNil(t *testing.T) {
	req := require.New(t)

	svc := newTestService(t, messaging.NewInMemoryStore(), nil)
	conv, err := svc.FetchConversation(context.Background(), "u1", "u2")
	req.NoError(err)
	req.NotNil(conv.Messages)
	req.Empty(conv.Messages)
	req.Equal("u1", conv.SenderProfile.Name)
}

func TestService_FetchConversation_ErrorKinds(t *testing.T) {
	t.Run("history", func(t *testing.T) {
		ctrl := gomock.NewController(t)

		store := mocks.NewMockMessageStore(ctrl)
		store.EXPECT().ListConversation(gomock.Any(), "u1", "u2").Return(nil, errors.New("db down"))
		profiles := mocks.NewMockProfileDirectory(ctrl)
		profiles.EXPECT().Lookup(gomock.Any(), gomock.Any()).Return(messaging.Profile{}, nil).AnyTimes()

		_, err := newTestService(t, store, profiles).FetchConversation(context.Background(), "u1", "u2")
		require.True(t, messaging.IsStore(err))
		require.False(t, messaging.IsProfile(err))
	})

	t.Run("profile", func(t *testing.T) {
		ctrl := gomock.NewController(t)

		// Block the history read until the profile failure cancels the group.
		store := mocks.NewMockMessageStore(ctrl)
		store.EXPECT().ListConversation(gomock.Any(), "u1", "u2").
			DoAndReturn(func(ctx context.Context, _, _ string) ([]messaging.Message, error) {
				<-ctx.Done()
				return nil, ctx.Err()
			})
		profiles := mocks.NewMockProfileDirectory(ctrl)
		profiles.EXPECT().Lookup(gomock.Any(), "u1").Return(messaging.Profile{}, errors.New("directory down"))
		profiles.EXPECT().Lookup(gomock.Any(), "u2").Return(messaging.Profile{ID: "u2"}, nil).AnyTimes()

		_, err := newTestService(t, store, profiles).FetchConversation(context.Background(), "u1", "u2")
		require.True(t, messaging.IsProfile(err))

		var pe messaging.ProfileError
		require.ErrorAs(t, err, &pe)
		require.Equal(t, "u1", pe.UserID)
	})

	t.Run("validation", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		store := mocks.NewMockMessageStore(ctrl)

		_, err := newTestService(t, store, nil).FetchConversation(context.Background(), "u1", " u1 ")
		require.True(t, messaging.IsValidation(err))
	})
}

func TestService_SendThenFetch(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()

	svc := newTestService(t, messaging.NewInMemoryStore(), messaging.NewStaticDirectory(messaging.Profile{ID: "u2", Name: "Bea"}))

	sent, err := svc.Send(ctx, messaging.SendInput{Sender: "u1", Receiver: "u2", Content: "hello"})
	req.NoError(err)

	conv, err := svc.FetchConversation(ctx, "u2", "u1")
	req.NoError(err)
	req.Equal([]messaging.Message{sent}, conv.Messages)
	req.Equal("Bea", conv.SenderProfile.Name)
	req.Equal("u1", conv.ReceiverProfile.Name)
}
