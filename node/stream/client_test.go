package stream

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/BaSui01/fedrun/api"
	"github.com/BaSui01/fedrun/api/handlers"
	"github.com/BaSui01/fedrun/internal/auth"
	"github.com/BaSui01/fedrun/internal/eventbus"
)

type central struct {
	srv    *httptest.Server
	bus    *eventbus.Bus
	issuer *auth.Issuer
	hits   atomic.Int32
	// reject answers this many upgrade requests with 503 first
	reject atomic.Int32
}

func newCentral(t *testing.T) *central {
	t.Helper()
	c := &central{
		bus:    eventbus.New(zaptest.NewLogger(t)),
		issuer: auth.NewIssuer("secret", "fedrun", time.Hour),
	}
	mux := http.NewServeMux()
	handlers.NewEventsHandler(c.bus, auth.NewVerifier("secret", "fedrun"), nil, zaptest.NewLogger(t)).Register(mux)
	c.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c.hits.Add(1)
		if c.reject.Load() > 0 {
			c.reject.Add(-1)
			http.Error(w, "restarting", http.StatusServiceUnavailable)
			return
		}
		mux.ServeHTTP(w, r)
	}))
	t.Cleanup(c.srv.Close)
	return c
}

func (c *central) url() string {
	return "ws" + strings.TrimPrefix(c.srv.URL, "http") + "/events"
}

func fastPolicy() ReconnectPolicy {
	return ReconnectPolicy{Base: 5 * time.Millisecond, Multiplier: 2, Cap: 20 * time.Millisecond, Jitter: 0.2}
}

type recorder struct {
	mu         sync.Mutex
	events     []eventbus.Event
	connecting []int
	connected  int
	closed     int
	errs       []error
}

func (r *recorder) handle(ev eventbus.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) callbacks() Callbacks {
	return Callbacks{
		OnConnecting: func(attempt int, _ time.Duration) {
			r.mu.Lock()
			r.connecting = append(r.connecting, attempt)
			r.mu.Unlock()
		},
		OnConnected: func() {
			r.mu.Lock()
			r.connected++
			r.mu.Unlock()
		},
		OnClosed: func(error) {
			r.mu.Lock()
			r.closed++
			r.mu.Unlock()
		},
		OnError: func(err error) {
			r.mu.Lock()
			r.errs = append(r.errs, err)
			r.mu.Unlock()
		},
	}
}

func (r *recorder) snapshot() (events []eventbus.Event, connecting []int, connected int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]eventbus.Event(nil), r.events...), append([]int(nil), r.connecting...), r.connected
}

type attemptCounter struct{ n atomic.Int32 }

func (a *attemptCounter) RecordReconnectAttempt() { a.n.Add(1) }

func start(t *testing.T, c *Client) <-chan error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- c.Run(context.Background()) }()
	t.Cleanup(func() {
		c.Close()
		<-done
	})
	return done
}

func TestClient_SubscribesAndDelivers(t *testing.T) {
	central := newCentral(t)
	token, err := central.issuer.IssueSession("alice", nil)
	require.NoError(t, err)

	rec := &recorder{}
	client := NewClient(central.url(), token,
		[]string{eventbus.TopicRunStartParticipant, eventbus.TopicRunChanged},
		rec.handle, zaptest.NewLogger(t),
		WithPolicy(fastPolicy()), WithCallbacks(rec.callbacks()))
	start(t, client)

	require.Eventually(t, func() bool {
		_, _, connected := rec.snapshot()
		return connected == 1
	}, 5*time.Second, 5*time.Millisecond)
	require.Equal(t, 2, central.bus.SubscriberCount())

	ctx := context.Background()
	central.bus.Publish(ctx, eventbus.TopicRunStartParticipant, map[string]any{"user_id": "bob", "run_id": "r0"})
	central.bus.Publish(ctx, eventbus.TopicRunStartParticipant, map[string]any{"user_id": "alice", "run_id": "r1"})

	require.Eventually(t, func() bool {
		events, _, _ := rec.snapshot()
		return len(events) == 1
	}, 5*time.Second, 5*time.Millisecond)
	events, connecting, _ := rec.snapshot()
	assert.Equal(t, "r1", events[0].String("run_id"))
	assert.Equal(t, eventbus.TopicRunStartParticipant, events[0].Topic)
	assert.NotEmpty(t, events[0].ID)
	assert.Equal(t, []int{0}, connecting)
}

func TestClient_RetriesUntilCentralAnswers(t *testing.T) {
	central := newCentral(t)
	central.reject.Store(3)
	token, err := central.issuer.IssueCentral()
	require.NoError(t, err)

	rec := &recorder{}
	counter := &attemptCounter{}
	client := NewClient(central.url(), token, []string{eventbus.TopicRunStartCentral}, rec.handle, zaptest.NewLogger(t),
		WithPolicy(fastPolicy()), WithCallbacks(rec.callbacks()), WithReconnectObserver(counter))
	start(t, client)

	require.Eventually(t, func() bool {
		_, _, connected := rec.snapshot()
		return connected == 1
	}, 5*time.Second, 5*time.Millisecond)

	_, connecting, _ := rec.snapshot()
	assert.Equal(t, []int{0, 1, 2, 3}, connecting)
	assert.EqualValues(t, 3, counter.n.Load())
	assert.EqualValues(t, 4, central.hits.Load())
	assert.Equal(t, 0, client.Attempt(), "attempt counter resets once subscribed")
	rec.mu.Lock()
	assert.Len(t, rec.errs, 3)
	rec.mu.Unlock()
}

// flakyCentral acks every subscription, then drops the first connection and
// sends one event on the next.
func flakyCentral(t *testing.T) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var sessions atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := sessions.Add(1)
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()
		ctx := r.Context()
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var sub api.ClientFrame
		if err := json.Unmarshal(data, &sub); err != nil {
			return
		}
		ack, _ := json.Marshal(api.ServerFrame{Type: api.FrameAck, Topic: sub.Topic})
		if err := conn.Write(ctx, websocket.MessageText, ack); err != nil {
			return
		}
		if n == 1 {
			conn.Close(websocket.StatusGoingAway, "restarting")
			return
		}
		ev, _ := json.Marshal(api.ServerFrame{
			Type:    api.FrameEvent,
			Topic:   sub.Topic,
			ID:      "e1",
			Payload: map[string]any{"run_id": "r9"},
		})
		if err := conn.Write(ctx, websocket.MessageText, ev); err != nil {
			return
		}
		conn.Read(ctx)
	}))
	t.Cleanup(srv.Close)
	return srv, &sessions
}

func TestClient_ReconnectsAfterDrop(t *testing.T) {
	srv, sessions := flakyCentral(t)
	rec := &recorder{}
	client := NewClient("ws"+strings.TrimPrefix(srv.URL, "http"), "tok", []string{eventbus.TopicRunStartCentral},
		rec.handle, zaptest.NewLogger(t), WithPolicy(fastPolicy()), WithCallbacks(rec.callbacks()))
	start(t, client)

	require.Eventually(t, func() bool {
		events, _, _ := rec.snapshot()
		return len(events) == 1
	}, 5*time.Second, 5*time.Millisecond)

	events, connecting, connected := rec.snapshot()
	assert.Equal(t, "r9", events[0].String("run_id"))
	assert.Equal(t, 2, connected)
	assert.Equal(t, []int{0, 1}, connecting, "a subscribed session resets the attempt counter")
	assert.EqualValues(t, 2, sessions.Load())
	rec.mu.Lock()
	assert.Equal(t, 1, rec.closed)
	rec.mu.Unlock()
}

func TestClient_BadCredentialKeepsRetrying(t *testing.T) {
	central := newCentral(t)
	rec := &recorder{}
	client := NewClient(central.url(), "not-a-jwt", []string{eventbus.TopicRunChanged}, rec.handle, zaptest.NewLogger(t),
		WithPolicy(fastPolicy()), WithCallbacks(rec.callbacks()))
	start(t, client)

	require.Eventually(t, func() bool { return central.hits.Load() >= 3 }, 5*time.Second, 5*time.Millisecond)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.NotEmpty(t, rec.errs)
	assert.Contains(t, rec.errs[0].Error(), "HTTP 401")
	assert.Zero(t, rec.connected)
}

func TestClient_CloseStopsRun(t *testing.T) {
	central := newCentral(t)
	token, err := central.issuer.IssueCentral()
	require.NoError(t, err)

	client := NewClient(central.url(), token, []string{eventbus.TopicRunStartCentral}, nil, zaptest.NewLogger(t),
		WithPolicy(fastPolicy()), WithPingInterval(5*time.Millisecond))
	done := make(chan error, 1)
	go func() { done <- client.Run(context.Background()) }()

	require.Eventually(t, func() bool { return central.bus.SubscriberCount() == 1 }, 5*time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond) // a few keep-alive pings
	client.Close()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after Close")
	}
	assert.ErrorIs(t, client.Run(context.Background()), ErrClosed)
	require.Eventually(t, func() bool { return central.bus.SubscriberCount() == 0 }, 5*time.Second, 5*time.Millisecond)
}

func TestClient_ContextCancel(t *testing.T) {
	client := NewClient("ws://127.0.0.1:1/events", "", nil, nil, zaptest.NewLogger(t), WithPolicy(fastPolicy()))
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := client.Run(ctx)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}
