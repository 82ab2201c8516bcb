package chatsync

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
)

// testGateway serves the realtime gateway protocol over a MemoryStore.
type testGateway struct {
	store *MemoryStore
	users map[string]RealtimeUserID

	mu    sync.Mutex
	conns []*websocket.Conn
}

func newTestGateway(t *testing.T) (*testGateway, *httptest.Server) {
	g := &testGateway{
		store: newTestStore(t),
		users: map[string]RealtimeUserID{"tok-alice": "alice", "tok-bob": "bob"},
	}
	srv := httptest.NewServer(g)
	t.Cleanup(srv.Close)
	return g, srv
}

// drop closes every open connection as if the gateway restarted.
func (g *testGateway) drop() {
	g.mu.Lock()
	conns := g.conns
	g.conns = nil
	g.mu.Unlock()
	for _, c := range conns {
		c.Close(websocket.StatusGoingAway, "restart")
	}
}

func (g *testGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/ws" {
		http.NotFound(w, r)
		return
	}
	user, ok := g.users[r.URL.Query().Get("token")]
	if !ok {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}
	c, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	g.mu.Lock()
	g.conns = append(g.conns, c)
	g.mu.Unlock()

	var wmu sync.Mutex
	send := func(typ, requestID string, payload any) {
		raw, _ := json.Marshal(payload)
		data, _ := json.Marshal(Envelope{Type: typ, Payload: raw, RequestID: requestID})
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		wmu.Lock()
		defer wmu.Unlock()
		_ = c.Write(ctx, websocket.MessageText, data)
	}
	ack := func(requestID string, err error) {
		var p AckPayload
		if err != nil {
			p.Error = err.Error()
		}
		send(msgAck, requestID, p)
	}

	subs := make(map[string]Unsubscribe)
	defer func() {
		for _, unsub := range subs {
			unsub()
		}
	}()

	send(msgAuthenticated, "", AuthenticatedPayload{UserID: user})
	ctx := r.Context()
	for {
		_, data, err := c.Read(ctx)
		if err != nil {
			return
		}
		var env Envelope
		if json.Unmarshal(data, &env) != nil {
			continue
		}
		switch env.Type {
		case msgPing:
			send(msgPong, env.RequestID, AckPayload{})
		case msgWrite:
			var cmd struct {
				Path  string          `json:"path"`
				Value json.RawMessage `json:"value"`
			}
			_ = json.Unmarshal(env.Payload, &cmd)
			ack(env.RequestID, g.store.Write(ctx, cmd.Path, cmd.Value))
		case msgUpdate:
			var cmd struct {
				Path   string          `json:"path"`
				Fields json.RawMessage `json:"fields"`
			}
			_ = json.Unmarshal(env.Payload, &cmd)
			fields, err := DecodeFields(cmd.Fields)
			if err == nil {
				err = g.store.Update(ctx, cmd.Path, fields)
			}
			ack(env.RequestID, err)
		case msgSubscribe:
			var cmd SubscribeCommand
			_ = json.Unmarshal(env.Payload, &cmd)
			if strings.HasPrefix(cmd.Path, "private/") {
				send(msgError, "", StoreErrorPayload{SubscriptionID: cmd.SubscriptionID, Message: "permission denied"})
				continue
			}
			id := cmd.SubscriptionID
			subs[id] = g.store.Subscribe(cmd.Path, func(ev Event) {
				send(msgValue, "", StoreValuePayload{SubscriptionID: id, Value: ev.Value})
			})
		case msgUnsubscribe:
			var cmd UnsubscribeCommand
			_ = json.Unmarshal(env.Payload, &cmd)
			if unsub, ok := subs[cmd.SubscriptionID]; ok {
				unsub()
				delete(subs, cmd.SubscriptionID)
			}
		}
	}
}

func newTestWSStore(t *testing.T, url, token string) *WSStore {
	log := zerolog.Nop()
	s := NewWSStore(WSConfig{
		URL:                url,
		Token:              token,
		AutoReconnect:      true,
		ReconnectBaseDelay: 10 * time.Millisecond,
		ReconnectMaxDelay:  50 * time.Millisecond,
		AckTimeout:         time.Second,
		Logger:             &log,
	})
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestWSStoreRejectsBadToken(t *testing.T) {
	_, srv := newTestGateway(t)
	s := newTestWSStore(t, srv.URL, "nope")

	err := s.Connect(context.Background())
	assert.ErrorContains(t, err, "websocket dial")
	assert.Equal(t, StateDisconnected, s.State())

	_, err = s.Identity().Current(context.Background())
	assert.ErrorIs(t, err, ErrNoRealtimeSession)
	assert.ErrorIs(t, s.Write(context.Background(), "presence/alice", 1), ErrNotConnected)
}

func TestWSStoreAuthenticatesIdentity(t *testing.T) {
	ctx := context.Background()
	_, srv := newTestGateway(t)
	s := newTestWSStore(t, srv.URL+"/", "tok-alice")

	var connected atomic.Int32
	s.OnConnected(func() { connected.Add(1) })
	require.NoError(t, s.Connect(ctx))
	assert.Equal(t, StateConnected, s.State())
	require.NoError(t, s.Ping(ctx))

	creds, err := s.Identity().Current(ctx)
	require.NoError(t, err)
	assert.Equal(t, RealtimeUserID("alice"), creds.UserID)
	assert.Equal(t, "tok-alice", creds.Token)
	require.Eventually(t, func() bool { return connected.Load() == 1 }, waitFor, tick)
}

func TestWSStoreWriteUpdateSubscribe(t *testing.T) {
	ctx := context.Background()
	g, srv := newTestGateway(t)
	s := newTestWSStore(t, srv.URL, "tok-alice")
	require.NoError(t, s.Connect(ctx))

	var log eventLog
	unsub := s.Subscribe(MetadataPath("r1"), log.record)
	require.Eventually(t, func() bool { return len(log.all()) == 1 }, waitFor, tick)
	assert.Equal(t, "null", log.all()[0])

	require.NoError(t, s.Write(ctx, MessagePath("r1", "m1"), Message{ID: "m1", Content: "hi"}))
	var m Message
	require.NoError(t, json.Unmarshal(g.store.Get(MessagePath("r1", "m1")), &m))
	assert.Equal(t, "hi", m.Content)

	for i := 0; i < 2; i++ {
		require.NoError(t, s.Update(ctx, MetadataPath("r1"), map[string]any{
			"lastMessage":   "hi",
			"unreadCount/b": Increment(2),
		}))
	}
	var room Room
	require.NoError(t, json.Unmarshal(g.store.Get(MetadataPath("r1")), &room))
	assert.Equal(t, 4, room.UnreadCount["b"])

	require.Eventually(t, func() bool { return len(log.all()) == 3 }, waitFor, tick)
	var last Room
	require.NoError(t, json.Unmarshal([]byte(log.all()[2]), &last))
	assert.Equal(t, 4, last.UnreadCount["b"])

	unsub()
	require.NoError(t, s.Ping(ctx))
	require.NoError(t, g.store.Write(ctx, MetadataPath("r1")+"/lastMessage", "bye"))
	g.store.WaitIdle()
	require.NoError(t, s.Ping(ctx))
	assert.Len(t, log.all(), 3)
}

func TestWSStoreGatewayErrors(t *testing.T) {
	ctx := context.Background()
	_, srv := newTestGateway(t)
	s := newTestWSStore(t, srv.URL, "tok-alice")
	require.NoError(t, s.Connect(ctx))

	err := s.Write(ctx, "", "x")
	assert.ErrorContains(t, err, "empty path")

	errs := make(chan error, 1)
	defer s.Subscribe("private/notes", func(ev Event) { errs <- ev.Err })()
	select {
	case err := <-errs:
		assert.EqualError(t, err, "permission denied")
	case <-time.After(waitFor):
		t.Fatal("no subscription error delivered")
	}
}

func TestWSStoreResubscribesAfterReconnect(t *testing.T) {
	ctx := context.Background()
	g, srv := newTestGateway(t)
	s := newTestWSStore(t, srv.URL, "tok-alice")

	var disconnects, reconnects atomic.Int32
	s.OnDisconnected(func(int, string) { disconnects.Add(1) })
	s.OnReconnecting(func(int, time.Duration) { reconnects.Add(1) })

	// subscriptions made before connecting are sent on connect
	var log eventLog
	defer s.Subscribe(PresencePath("bob"), log.record)()
	require.NoError(t, s.Connect(ctx))
	require.Eventually(t, func() bool { return len(log.all()) == 1 }, waitFor, tick)

	g.drop()
	require.Eventually(t, func() bool { return disconnects.Load() >= 1 }, waitFor, tick)
	require.NoError(t, g.store.Write(ctx, PresencePath("bob"), Presence{UserID: "bob", Status: PresenceOnline}))

	require.Eventually(t, func() bool {
		for _, v := range log.all() {
			if strings.Contains(v, `"online"`) {
				return true
			}
		}
		return false
	}, waitFor, tick)
	assert.Equal(t, StateConnected, s.State())
	assert.GreaterOrEqual(t, reconnects.Load(), int32(1))
}

func TestWSStoreDisconnectFailsRequests(t *testing.T) {
	ctx := context.Background()
	_, srv := newTestGateway(t)
	s := newTestWSStore(t, srv.URL, "tok-alice")
	require.NoError(t, s.Connect(ctx))

	require.NoError(t, s.Disconnect())
	assert.Equal(t, StateDisconnected, s.State())
	assert.ErrorIs(t, s.Ping(ctx), ErrNotConnected)

	// an intentional disconnect does not reconnect
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, StateDisconnected, s.State())
}

func TestSessionOverWSStore(t *testing.T) {
	ctx := context.Background()
	_, srv := newTestGateway(t)
	s := newTestWSStore(t, srv.URL, "tok-alice")
	require.NoError(t, s.Connect(ctx))

	_, durable := identities("", "u-alice")
	session := NewSession(Deps{
		Store:      s,
		Realtime:   s.Identity(),
		Durable:    durable,
		Translator: testTranslator(),
	})
	t.Cleanup(func() { _ = session.Close(ctx) })
	require.NoError(t, session.Open(ctx))
	assert.Equal(t, RealtimeUserID("alice"), session.Self())

	_, err := session.StartConversation(ctx, "bob")
	require.NoError(t, err)
	conf, err := session.Send(ctx, "Hello over the gateway", nil, "")
	require.NoError(t, err)

	waitView(t, session, func(v View) bool {
		return len(v.Messages) == 1 && v.Messages[0].ID == conf.MessageID
	})
	waitView(t, session, func(v View) bool { return v.Active == RealRoom{ID: conf.Room} })
}
