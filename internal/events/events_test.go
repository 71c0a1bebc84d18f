package events

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"creditledger/internal/email"
	"creditledger/internal/models"
)

type recorder struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (r *recorder) Name() string { return "recorder" }

func (r *recorder) Handle(_ context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return r.err
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestDispatcherDeliversToEverySubscriberInOrder(t *testing.T) {
	failing := &recorder{err: errors.New("boom")}
	ok := &recorder{}
	d := NewDispatcher(quietLogger(), 8, failing, ok)
	d.Start()

	d.Publish(context.Background(), Event{Kind: BalanceChanged, AccountID: 1, Balance: 4})
	d.Publish(context.Background(), Event{Kind: ReloadTriggered, AccountID: 1, Amount: 100})
	d.Stop()

	require.Len(t, ok.events, 2)
	assert.Equal(t, BalanceChanged, ok.events[0].Kind)
	assert.Equal(t, ReloadTriggered, ok.events[1].Kind)
	assert.False(t, ok.events[0].OccurredAt.IsZero())
	assert.Len(t, failing.events, 2)
}

func TestDispatcherPublishAfterStopIsDropped(t *testing.T) {
	rec := &recorder{}
	d := NewDispatcher(quietLogger(), 1, rec)
	d.Start()
	d.Stop()
	d.Stop()

	assert.NotPanics(t, func() {
		d.Publish(context.Background(), Event{Kind: BalanceChanged, AccountID: 2})
	})
	assert.Empty(t, rec.events)
}

type lookup map[int64]models.Account

func (l lookup) GetAccount(_ context.Context, id int64) (models.Account, error) {
	a, ok := l[id]
	if !ok {
		return models.Account{}, errors.New("not found")
	}
	return a, nil
}

func TestEmailSubscriberSendsReloadNotice(t *testing.T) {
	bodies := make(chan map[string]any, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/emails", r.URL.Path)
		assert.Equal(t, "Bearer re_test", r.Header.Get("Authorization"))
		var body map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		bodies <- body
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	mailer := email.NewResendClient("re_test").WithBaseURL(srv.URL)
	sub := NewEmailSubscriber(lookup{7: {ID: 7, Email: "owner@example.com"}}, mailer, "ledger@example.com")

	require.NoError(t, sub.Handle(context.Background(), Event{Kind: BalanceChanged, AccountID: 7, Delta: -1, Balance: 3, Source: "token"}))
	assert.Empty(t, bodies)

	require.NoError(t, sub.Handle(context.Background(), Event{Kind: ReloadTriggered, AccountID: 7, Amount: 100, Balance: 9}))
	got := <-bodies
	assert.Equal(t, []any{"owner@example.com"}, got["to"])
	assert.Contains(t, got["html"], "100")

	require.NoError(t, sub.Handle(context.Background(), Event{Kind: BalanceChanged, AccountID: 7, Delta: -1, Balance: 0, Source: "token"}))
	got = <-bodies
	assert.Equal(t, "You are running low on credits", got["subject"])
}

func TestEmailSubscriberSkipsWhenUnconfigured(t *testing.T) {
	sub := NewEmailSubscriber(lookup{}, email.NewResendClient(""), "ledger@example.com")
	assert.NoError(t, sub.Handle(context.Background(), Event{Kind: ReloadTriggered, AccountID: 99}))
}

func TestRedisSubscriberPublishes(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379", DB: 14})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not reachable: %v", err)
	}
	defer client.Close()

	pubsub := client.Subscribe(ctx, "creditledger.test.events")
	defer pubsub.Close()
	_, err := pubsub.Receive(ctx)
	require.NoError(t, err)

	sub := NewRedisSubscriber(client, "creditledger.test.events")
	require.NoError(t, sub.Handle(ctx, Event{Kind: BalanceChanged, AccountID: 3, Balance: 12}))

	msg, err := pubsub.ReceiveMessage(ctx)
	require.NoError(t, err)
	var e Event
	require.NoError(t, json.Unmarshal([]byte(msg.Payload), &e))
	assert.Equal(t, BalanceChanged, e.Kind)
	assert.Equal(t, 12, e.Balance)
}
