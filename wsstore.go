package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

// ============================================================================
// Wire types
// ============================================================================

// Envelope is the wire format of every frame in both directions.
type Envelope struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	RequestID string          `json:"requestId,omitempty"`
}

// command is a client-to-gateway frame.
type command struct {
	Type      string `json:"type"`
	Payload   any    `json:"payload,omitempty"`
	RequestID string `json:"requestId,omitempty"`
}

// AuthenticatedPayload is the first frame the gateway sends.
type AuthenticatedPayload struct {
	UserID RealtimeUserID `json:"userId"`
}

// AckPayload answers a write, update or ping. A non-empty Error means the
// command failed.
type AckPayload struct {
	Error string `json:"error,omitempty"`
}

// WriteCommand is the payload of store.write.
type WriteCommand struct {
	Path  string `json:"path"`
	Value any    `json:"value"`
}

// UpdateCommand is the payload of store.update. Increment fields travel as
// server-value sentinels; see DecodeFields.
type UpdateCommand struct {
	Path   string         `json:"path"`
	Fields map[string]any `json:"fields"`
}

// SubscribeCommand is the payload of store.subscribe.
type SubscribeCommand struct {
	SubscriptionID string `json:"subscriptionId"`
	Path           string `json:"path"`
}

// UnsubscribeCommand is the payload of store.unsubscribe.
type UnsubscribeCommand struct {
	SubscriptionID string `json:"subscriptionId"`
}

// StoreValuePayload carries a snapshot for a subscription.
type StoreValuePayload struct {
	SubscriptionID string          `json:"subscriptionId"`
	Value          json.RawMessage `json:"value"`
}

// StoreErrorPayload reports a failed subscription.
type StoreErrorPayload struct {
	SubscriptionID string `json:"subscriptionId"`
	Message        string `json:"message"`
}

const (
	msgAuthenticated = "authenticated"
	msgAck           = "ack"
	msgPing          = "ping"
	msgPong          = "pong"
	msgWrite         = "store.write"
	msgUpdate        = "store.update"
	msgSubscribe     = "store.subscribe"
	msgUnsubscribe   = "store.unsubscribe"
	msgValue         = "store.value"
	msgError         = "store.error"
)

// wsReadLimit bounds a single frame; snapshots of whole subtrees can be large.
const wsReadLimit = 8 << 20

// ============================================================================
// Configuration
// ============================================================================

// WSConfig configures a WSStore.
type WSConfig struct {
	URL                  string
	Token                string
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
	AckTimeout           time.Duration
	Logger               *zerolog.Logger
}

func (c *WSConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.AckTimeout == 0 {
		c.AckTimeout = 10 * time.Second
	}
	if c.Logger == nil {
		l := zerolog.Nop()
		c.Logger = &l
	}
}

// ConnState is the connection state.
type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
	StateReconnecting ConnState = "reconnecting"
)

// ============================================================================
// Lifecycle events
// ============================================================================

type lifecycle struct {
	mu             sync.RWMutex
	onConnected    []func()
	onDisconnected []func(int, string)
	onReconnecting []func(int, time.Duration)
}

func (l *lifecycle) emitConnected() {
	l.mu.RLock()
	handlers := append([]func(){}, l.onConnected...)
	l.mu.RUnlock()
	for _, h := range handlers {
		go h()
	}
}

func (l *lifecycle) emitDisconnected(code int, reason string) {
	l.mu.RLock()
	handlers := append([]func(int, string){}, l.onDisconnected...)
	l.mu.RUnlock()
	for _, h := range handlers {
		go h(code, reason)
	}
}

func (l *lifecycle) emitReconnecting(attempt int, delay time.Duration) {
	l.mu.RLock()
	handlers := append([]func(int, time.Duration){}, l.onReconnecting...)
	l.mu.RUnlock()
	for _, h := range handlers {
		go h(attempt, delay)
	}
}

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(config *WSConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts < 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

func (r *reconnector) nextDelay() time.Duration {
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

// ============================================================================
// WSStore
// ============================================================================

// WSStore is a RealtimeStore backed by a realtime gateway over WebSocket.
// Subscriptions survive reconnects: they are re-sent after every
// successful connect.
type WSStore struct {
	config *WSConfig
	log    zerolog.Logger
	events lifecycle
	recon  *reconnector
	queue  *serialQueue
	seq    atomic.Uint64

	mu               sync.Mutex
	conn             *websocket.Conn
	state            ConnState
	intentionalClose bool
	cancelFn         context.CancelFunc
	userID           RealtimeUserID

	pendingMu sync.Mutex
	pending   map[string]chan AckPayload

	subsMu sync.Mutex
	subs   map[string]*wsSubscription
}

type wsSubscription struct {
	id     string
	path   string
	fn     func(Event)
	active atomic.Bool
}

// NewWSStore creates a disconnected store.
func NewWSStore(config WSConfig) *WSStore {
	config.defaults()
	log := config.Logger.With().Str("store", "ws").Logger()
	return &WSStore{
		config:  &config,
		log:     log,
		recon:   newReconnector(&config),
		queue:   newSerialQueue(log),
		state:   StateDisconnected,
		pending: make(map[string]chan AckPayload),
		subs:    make(map[string]*wsSubscription),
	}
}

// OnConnected registers a handler for successful connects.
func (s *WSStore) OnConnected(h func()) {
	s.events.mu.Lock()
	s.events.onConnected = append(s.events.onConnected, h)
	s.events.mu.Unlock()
}

// OnDisconnected registers a handler for lost or closed connections.
func (s *WSStore) OnDisconnected(h func(code int, reason string)) {
	s.events.mu.Lock()
	s.events.onDisconnected = append(s.events.onDisconnected, h)
	s.events.mu.Unlock()
}

// OnReconnecting registers a handler for reconnect attempts.
func (s *WSStore) OnReconnecting(h func(attempt int, delay time.Duration)) {
	s.events.mu.Lock()
	s.events.onReconnecting = append(s.events.onReconnecting, h)
	s.events.mu.Unlock()
}

// State returns the current connection state.
func (s *WSStore) State() ConnState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Identity returns the realtime identity the gateway authenticated.
func (s *WSStore) Identity() IdentityProvider[RealtimeUserID] {
	return IdentityFunc[RealtimeUserID](func(ctx context.Context) (Credentials[RealtimeUserID], error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.userID == "" {
			return Credentials[RealtimeUserID]{}, ErrNoRealtimeSession
		}
		return Credentials[RealtimeUserID]{UserID: s.userID, Token: s.config.Token}, nil
	})
}

// Connect dials the gateway and waits for it to authenticate the token.
func (s *WSStore) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateConnected || s.state == StateConnecting {
		s.mu.Unlock()
		return nil
	}
	s.state = StateConnecting
	s.intentionalClose = false
	s.mu.Unlock()

	wsURL := strings.Replace(s.config.URL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	wsURL = strings.TrimRight(wsURL, "/") + "/ws?token=" + s.config.Token

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		s.setState(StateDisconnected)
		return fmt.Errorf("websocket dial: %w", err)
	}
	conn.SetReadLimit(wsReadLimit)

	_, data, err := conn.Read(ctx)
	if err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		s.setState(StateDisconnected)
		return fmt.Errorf("read auth message: %w", err)
	}

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type != msgAuthenticated {
		conn.Close(websocket.StatusNormalClosure, "")
		s.setState(StateDisconnected)
		return fmt.Errorf("expected '%s', got '%s'", msgAuthenticated, env.Type)
	}
	var auth AuthenticatedPayload
	_ = json.Unmarshal(env.Payload, &auth)

	connCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.mu.Lock()
	s.conn = conn
	s.state = StateConnected
	s.userID = auth.UserID
	s.cancelFn = cancel
	s.mu.Unlock()
	s.recon.markConnected()

	s.log.Info().Str("user", string(auth.UserID)).Msg("realtime gateway connected")
	s.events.emitConnected()

	go s.readLoop(connCtx, conn)
	go s.heartbeatLoop(connCtx)

	s.resubscribe(connCtx)
	return nil
}

// Disconnect closes the connection. Subscriptions are kept and re-sent on
// the next Connect.
func (s *WSStore) Disconnect() error {
	s.mu.Lock()
	s.intentionalClose = true
	if s.cancelFn != nil {
		s.cancelFn()
		s.cancelFn = nil
	}
	conn := s.conn
	s.conn = nil
	s.state = StateDisconnected
	s.mu.Unlock()

	s.failPending()
	s.events.emitDisconnected(1000, "client disconnect")

	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	return nil
}

// Close disconnects and stops delivery.
func (s *WSStore) Close() error {
	err := s.Disconnect()
	s.queue.close()
	return err
}

// Write replaces the value at path and waits for the gateway's ack.
func (s *WSStore) Write(ctx context.Context, path string, value any) error {
	return s.request(ctx, msgWrite, WriteCommand{Path: path, Value: value})
}

// Update merges fields into the object at path and waits for the ack.
func (s *WSStore) Update(ctx context.Context, path string, fields map[string]any) error {
	return s.request(ctx, msgUpdate, UpdateCommand{Path: path, Fields: fields})
}

// Subscribe registers fn for path. While disconnected the subscription is
// kept and sent once connected.
func (s *WSStore) Subscribe(path string, fn func(Event)) Unsubscribe {
	sub := &wsSubscription{
		id:   fmt.Sprintf("sub-%d", s.seq.Add(1)),
		path: path,
		fn:   fn,
	}
	sub.active.Store(true)

	s.subsMu.Lock()
	s.subs[sub.id] = sub
	s.subsMu.Unlock()

	if err := s.send(context.Background(), &command{
		Type:    msgSubscribe,
		Payload: SubscribeCommand{SubscriptionID: sub.id, Path: path},
	}); err != nil && !errors.Is(err, ErrNotConnected) {
		s.log.Warn().Err(err).Str("path", path).Msg("send subscribe")
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			sub.active.Store(false)
			s.subsMu.Lock()
			delete(s.subs, sub.id)
			s.subsMu.Unlock()
			if err := s.send(context.Background(), &command{
				Type:    msgUnsubscribe,
				Payload: UnsubscribeCommand{SubscriptionID: sub.id},
			}); err != nil && !errors.Is(err, ErrNotConnected) {
				s.log.Debug().Err(err).Str("path", path).Msg("send unsubscribe")
			}
		})
	}
}

// Ping round-trips a ping through the gateway.
func (s *WSStore) Ping(ctx context.Context) error {
	return s.request(ctx, msgPing, nil)
}

func (s *WSStore) setState(st ConnState) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *WSStore) send(ctx context.Context, cmd *command) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()

	if conn == nil {
		return ErrNotConnected
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, s.config.AckTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data)
}

// request sends a command and waits for the matching ack or pong.
func (s *WSStore) request(ctx context.Context, typ string, payload any) error {
	requestID := fmt.Sprintf("req-%d", s.seq.Add(1))
	ch := make(chan AckPayload, 1)
	s.pendingMu.Lock()
	s.pending[requestID] = ch
	s.pendingMu.Unlock()

	drop := func() {
		s.pendingMu.Lock()
		delete(s.pending, requestID)
		s.pendingMu.Unlock()
	}

	if err := s.send(ctx, &command{Type: typ, Payload: payload, RequestID: requestID}); err != nil {
		drop()
		return fmt.Errorf("%s: %w", typ, err)
	}

	timer := time.NewTimer(s.config.AckTimeout)
	defer timer.Stop()
	select {
	case ack, ok := <-ch:
		if !ok {
			return fmt.Errorf("%s: %w", typ, ErrNotConnected)
		}
		if ack.Error != "" {
			return fmt.Errorf("%s: %s", typ, ack.Error)
		}
		return nil
	case <-timer.C:
		drop()
		return fmt.Errorf("%s: ack timeout", typ)
	case <-ctx.Done():
		drop()
		return ctx.Err()
	}
}

func (s *WSStore) resubscribe(ctx context.Context) {
	s.subsMu.Lock()
	subs := make([]*wsSubscription, 0, len(s.subs))
	for _, sub := range s.subs {
		subs = append(subs, sub)
	}
	s.subsMu.Unlock()

	for _, sub := range subs {
		if err := s.send(ctx, &command{
			Type:    msgSubscribe,
			Payload: SubscribeCommand{SubscriptionID: sub.id, Path: sub.path},
		}); err != nil {
			s.log.Warn().Err(err).Str("path", sub.path).Msg("resubscribe")
		}
	}
}

func (s *WSStore) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			s.mu.Lock()
			intentional := s.intentionalClose
			if !intentional {
				s.state = StateDisconnected
				s.conn = nil
			}
			s.mu.Unlock()
			if intentional {
				return
			}

			s.failPending()
			s.log.Warn().Err(err).Msg("realtime gateway connection lost")
			s.events.emitDisconnected(int(websocket.CloseStatus(err)), err.Error())

			if s.config.AutoReconnect && s.recon.shouldReconnect() {
				s.scheduleReconnect()
			}
			return
		}

		var env Envelope
		if json.Unmarshal(data, &env) != nil {
			continue
		}
		s.dispatch(env)
	}
}

func (s *WSStore) dispatch(env Envelope) {
	switch env.Type {
	case msgAck, msgPong:
		var ack AckPayload
		_ = json.Unmarshal(env.Payload, &ack)
		s.pendingMu.Lock()
		ch, ok := s.pending[env.RequestID]
		if ok {
			delete(s.pending, env.RequestID)
		}
		s.pendingMu.Unlock()
		if ok {
			ch <- ack
		}
	case msgValue:
		var p StoreValuePayload
		if json.Unmarshal(env.Payload, &p) != nil {
			return
		}
		s.deliver(p.SubscriptionID, Event{Value: p.Value})
	case msgError:
		var p StoreErrorPayload
		if json.Unmarshal(env.Payload, &p) != nil {
			return
		}
		s.deliver(p.SubscriptionID, Event{Err: errors.New(p.Message)})
	}
}

func (s *WSStore) deliver(subID string, ev Event) {
	s.subsMu.Lock()
	sub, ok := s.subs[subID]
	s.subsMu.Unlock()
	if !ok {
		return
	}
	ev.Path = sub.path
	s.queue.push(func() {
		if sub.active.Load() {
			sub.fn(ev)
		}
	})
}

func (s *WSStore) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(s.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.State() != StateConnected {
				return
			}
			if err := s.Ping(ctx); err != nil {
				s.mu.Lock()
				conn := s.conn
				s.mu.Unlock()
				if conn != nil {
					conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				}
				return
			}
		}
	}
}

func (s *WSStore) scheduleReconnect() {
	for {
		delay := s.recon.nextDelay()
		s.setState(StateReconnecting)
		s.events.emitReconnecting(s.recon.attempt, delay)
		time.Sleep(delay)

		s.mu.Lock()
		intentional := s.intentionalClose
		s.mu.Unlock()
		if intentional {
			return
		}

		err := s.Connect(context.Background())
		if err == nil {
			return
		}
		s.log.Debug().Err(err).Int("attempt", s.recon.attempt).Msg("reconnect failed")
		if !s.config.AutoReconnect || !s.recon.shouldReconnect() {
			s.setState(StateDisconnected)
			return
		}
	}
}

func (s *WSStore) failPending() {
	s.pendingMu.Lock()
	for k, ch := range s.pending {
		close(ch)
		delete(s.pending, k)
	}
	s.pendingMu.Unlock()
}
