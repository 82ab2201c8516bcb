// Package chatsync is the realtime chat core of the case-management client.
//
// It keeps live room, message, presence and typing subscriptions over a
// realtime store, shows sends optimistically and reconciles them against
// confirmed messages, promotes virtual rooms once they exist, and writes
// every message to both the realtime store and the durable archive.
//
// Example:
//
//	store := chatsync.NewMemoryStore()
//	session := chatsync.NewSession(chatsync.Deps{
//		Store:      store,
//		Realtime:   realtimeIdentity,
//		Durable:    durableIdentity,
//		Archiver:   chatsync.NewAPIClient("https://app.example.com/api", durableIdentity),
//		Translator: translator,
//	})
//	_ = session.Open(ctx)
//	_, _ = session.StartConversation(ctx, "agent-uid")
//	_, err := session.Send(ctx, "Hello", nil, "")
package chatsync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"
)

// Deps are the collaborators of a Session. Archiver, Translator and Cases
// are optional; without them archiving and case lookups are unavailable.
type Deps struct {
	Store      RealtimeStore
	Realtime   IdentityProvider[RealtimeUserID]
	Durable    IdentityProvider[DurableUserID]
	Archiver   Archiver
	Translator Translator
	Cases      CaseLookup
}

// View is everything a chat screen renders.
type View struct {
	Self            RealtimeUserID
	Active          RoomHandle
	Room            RoomID
	Rooms           []Room
	RoomsLoading    bool
	Messages        []Message
	MessagesLoading bool
	Typing          []TypingIndicator
	Presence        map[RealtimeUserID]Presence
}

// Session is the chat state of one signed-in user.
type Session struct {
	deps Deps
	opts options
	log  zerolog.Logger

	sched      *Scheduler
	limiter    *RateLimiter
	rooms      *RoomListWatch
	messages   *MessagesWatch
	presence   *PresenceWatch
	typing     *TypingWatch
	promoter   *Promoter
	optimistic *OptimisticSet
	pipeline   *SendPipeline
	receipts   *ReadReceipts
	resolver   *RoomResolver

	mu         sync.Mutex
	self       RealtimeUserID
	throttler  *TypingThrottler
	activeRoom RoomID
	switching  bool
	resync     bool
	handlers   map[uint64]func()
	nextH      uint64
	closed     bool
}

// NewSession wires a session. Call Open before use.
func NewSession(deps Deps, opts ...Option) *Session {
	o := buildOptions(opts)
	t := o.timings
	log := o.logger

	s := &Session{
		deps:     deps,
		opts:     o,
		log:      log,
		sched:    NewScheduler(o.clock),
		limiter:  NewRateLimiter(o.clock),
		promoter: NewPromoter(log),
		handlers: make(map[uint64]func()),
	}
	s.rooms = NewRoomListWatch(deps.Store, s.sched, t.RoomsLoadTimeout, log)
	s.messages = NewMessagesWatch(deps.Store, s.sched, t.MessagesLoadTimeout, log)
	s.presence = NewPresenceWatch(deps.Store, s.sched, t.PresenceLoadTimeout, t.MaxPresenceIDs, log)
	s.typing = NewTypingWatch(deps.Store, s.sched, t.TypingLoadTimeout, t.TypingFreshness, log)
	s.optimistic = NewOptimisticSet(s.sched, t.GracePeriod, log)
	s.pipeline = NewSendPipeline(PipelineConfig{
		Store:          deps.Store,
		Realtime:       deps.Realtime,
		Durable:        deps.Durable,
		Archiver:       deps.Archiver,
		Translator:     deps.Translator,
		Optimistic:     s.optimistic,
		Clock:          o.clock,
		ArchiveTimeout: t.ArchiveTimeout,
		Logger:         &log,
	})
	s.receipts = NewReadReceipts(deps.Store, deps.Archiver, s.limiter, s.sched, t.ReadReceiptWindow, t.ArchiveTimeout, log)
	if deps.Cases != nil && deps.Translator != nil {
		s.resolver = NewRoomResolver(deps.Store, deps.Cases, deps.Translator, log)
	}

	s.rooms.OnChange(s.onRooms)
	s.messages.OnChange(s.onMessages)
	s.typing.OnChange(s.emit)
	s.presence.OnChange(s.emit)
	s.optimistic.OnChange(func(room RoomID) {
		if room == s.ActiveRoom() {
			s.emit()
		}
	})
	s.promoter.OnSwitch(func(from VirtualRoom, to RealRoom) {
		s.optimistic.Move(PairRoomID(s.Self(), from.Counterpart), to.ID)
		if err := s.syncRoom(context.Background()); err != nil {
			s.log.Warn().Err(err).Str("room", string(to.ID)).Msg("switch to promoted room")
		}
	})
	return s
}

// Open resolves the realtime identity and starts following the user's rooms.
func (s *Session) Open(ctx context.Context) error {
	rt, err := s.deps.Realtime.Current(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrNoRealtimeSession, err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errors.New("session closed")
	}
	s.self = rt.UserID
	s.throttler = NewTypingThrottler(s.deps.Store, s.sched, s.limiter, rt.UserID, s.opts.userName, s.opts.timings, s.log)
	s.mu.Unlock()

	s.log.Info().Str("user", string(rt.UserID)).Msg("chat session opened")
	s.rooms.Watch(rt.UserID)
	return nil
}

// Self returns the realtime identity the session was opened with.
func (s *Session) Self() RealtimeUserID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.self
}

// ActiveRoom returns the room id messages are read from and written to.
func (s *Session) ActiveRoom() RoomID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeRoom
}

// Active returns the selected handle, or nil.
func (s *Session) Active() RoomHandle { return s.promoter.Active() }

// Select makes h the active conversation. Selecting a virtual room that
// was already promoted selects the real room instead. When another room
// switch is in progress, Select returns once the selection is recorded and
// that switch finishes on h.
func (s *Session) Select(ctx context.Context, h RoomHandle) error {
	if s.Self() == "" {
		return ErrNoRealtimeSession
	}
	if v, ok := h.(VirtualRoom); ok {
		if id, done := s.promoter.Promoted(v.Counterpart); done {
			h = RealRoom{ID: id}
		}
	}
	s.promoter.Select(h)
	if err := s.syncRoom(ctx); err != nil {
		return err
	}
	if _, ok := h.(VirtualRoom); ok {
		rooms, _ := s.rooms.Rooms()
		s.promoter.Observe(rooms)
	}
	return nil
}

// StartConversation selects the room with counterpart, or a virtual room
// if none exists yet.
func (s *Session) StartConversation(ctx context.Context, counterpart RealtimeUserID) (RoomHandle, error) {
	self := s.Self()
	if self == "" {
		return nil, ErrNoRealtimeSession
	}
	if counterpart == "" || counterpart == self {
		return nil, fmt.Errorf("%w: invalid counterpart %q", ErrNoRecipient, counterpart)
	}

	var h RoomHandle = VirtualRoom{Counterpart: counterpart}
	rooms, _ := s.rooms.Rooms()
	for _, r := range rooms {
		if r.HasParticipant(counterpart) {
			h = RealRoom{ID: r.ID}
			break
		}
	}
	if err := s.Select(ctx, h); err != nil {
		return nil, err
	}
	return s.promoter.Active(), nil
}

// StartConversationWith is StartConversation for a durable user id.
func (s *Session) StartConversationWith(ctx context.Context, counterpart DurableUserID) (RoomHandle, error) {
	if s.deps.Translator == nil {
		return nil, errors.New("no identity translator configured")
	}
	rt, err := s.deps.Translator.ToRealtime(ctx, counterpart)
	if err != nil {
		return nil, err
	}
	return s.StartConversation(ctx, rt)
}

// OpenCase selects the conversation of a case.
func (s *Session) OpenCase(ctx context.Context, c CaseID) (RoomHandle, error) {
	if s.resolver == nil {
		return nil, errors.New("no case lookup configured")
	}
	self := s.Self()
	if self == "" {
		return nil, ErrNoRealtimeSession
	}
	h, err := s.resolver.ResolveHandle(ctx, c, self)
	if err != nil {
		return nil, err
	}
	if err := s.Select(ctx, h); err != nil {
		return nil, err
	}
	return s.promoter.Active(), nil
}

// Send sends content to the active conversation.
func (s *Session) Send(ctx context.Context, content string, attachments []Attachment, caseID CaseID) (*Confirmation, error) {
	h := s.promoter.Active()
	if h == nil {
		return nil, ErrNoActiveRoom
	}
	req := SendRequest{Room: h, Content: content, Attachments: attachments, CaseID: caseID}
	if r, ok := h.(RealRoom); ok {
		room, found := s.rooms.Find(r.ID)
		if !found {
			return nil, fmt.Errorf("%w: room %s is not listed", ErrNoRecipient, r.ID)
		}
		cp, ok := room.Counterpart(s.Self())
		if !ok {
			return nil, fmt.Errorf("%w: room %s has no counterpart", ErrNoRecipient, r.ID)
		}
		req.Recipient = cp
		if req.CaseID == "" {
			req.CaseID = room.CaseID
		}
	}

	conf, err := s.pipeline.Send(ctx, req)
	if err != nil {
		return nil, err
	}
	if th := s.typingThrottler(); th != nil {
		if err := th.StopTyping(ctx); err != nil {
			s.log.Debug().Err(err).Msg("stop typing after send")
		}
	}
	return conf, nil
}

// Retry re-sends a failed message.
func (s *Session) Retry(ctx context.Context, optimisticID string) (*Confirmation, error) {
	return s.pipeline.Retry(ctx, optimisticID)
}

// Discard drops a failed message.
func (s *Session) Discard(optimisticID string) error {
	return s.pipeline.Discard(optimisticID)
}

// StartTyping signals typing in the active room.
func (s *Session) StartTyping(ctx context.Context) error {
	th := s.typingThrottler()
	if th == nil {
		return ErrNoRealtimeSession
	}
	return th.StartTyping(ctx)
}

// StopTyping clears the typing indicator in the active room.
func (s *Session) StopTyping(ctx context.Context) error {
	th := s.typingThrottler()
	if th == nil {
		return ErrNoRealtimeSession
	}
	return th.StopTyping(ctx)
}

// View returns the current state.
func (s *Session) View() View {
	s.mu.Lock()
	self, room := s.self, s.activeRoom
	s.mu.Unlock()

	v := View{Self: self, Active: s.promoter.Active(), Room: room}
	v.Rooms, v.RoomsLoading = s.rooms.Rooms()
	if room != "" {
		confirmed, loading := s.messages.Messages()
		v.Messages = Merge(confirmed, s.optimistic.ForRoom(room), s.opts.dedup)
		v.MessagesLoading = loading
		v.Typing, _ = s.typing.Typing()
	}
	v.Presence, _ = s.presence.Presence()
	return v
}

// OnChange registers fn to run after any state change. It returns a remover.
func (s *Session) OnChange(fn func()) func() {
	s.mu.Lock()
	s.nextH++
	id := s.nextH
	s.handlers[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.handlers, id)
		s.mu.Unlock()
	}
}

// Wait blocks until background archive and read-receipt writes finish.
func (s *Session) Wait() {
	s.pipeline.Wait()
	s.receipts.Wait()
}

// Close switches off typing, detaches every subscription and cancels all
// scheduled work. Background writes are awaited.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	th := s.throttler
	s.handlers = make(map[uint64]func())
	s.mu.Unlock()

	var err error
	if th != nil {
		err = th.Close(ctx)
	}
	s.typing.Close()
	s.messages.Close()
	s.presence.Close()
	s.rooms.Close()
	s.sched.Close()
	s.Wait()
	s.log.Info().Msg("chat session closed")
	return err
}

func (s *Session) typingThrottler() *TypingThrottler {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.throttler
}

// syncRoom points the room-scoped subscriptions at the promoter's active
// handle, tearing down the previous room first. One caller switches at a
// time; a request made during a switch, including from a callback the
// switch runs, is applied by that switch before it returns.
func (s *Session) syncRoom(ctx context.Context) error {
	s.mu.Lock()
	s.resync = true
	if s.switching {
		s.mu.Unlock()
		return nil
	}
	s.switching = true

	var err error
	for s.resync && !s.closed {
		s.resync = false
		self := s.self
		var room RoomID
		switch h := s.promoter.Active().(type) {
		case VirtualRoom:
			room = PairRoomID(self, h.Counterpart)
		case RealRoom:
			room = h.ID
		case nil:
		}
		prev := s.activeRoom
		s.activeRoom = room
		th := s.throttler
		s.mu.Unlock()

		if prev != room {
			if prev != "" {
				s.receipts.Forget(prev)
			}
			if th != nil {
				if e := th.SetRoom(ctx, room); e != nil {
					err = e
				}
			}
			s.messages.Watch(room)
			s.typing.Watch(room, self)
			s.log.Debug().Str("from", string(prev)).Str("to", string(room)).Msg("room switched")
		}
		s.mu.Lock()
	}
	s.switching = false
	closed := s.closed
	s.mu.Unlock()

	if closed {
		return nil
	}
	s.refreshPresence()
	s.emit()
	return err
}

func (s *Session) onRooms() {
	rooms, _ := s.rooms.Rooms()
	s.promoter.Observe(rooms)
	s.refreshPresence()
	s.emit()
}

func (s *Session) onMessages() {
	room := s.messages.Room()
	if room != "" && room == s.ActiveRoom() {
		msgs, _ := s.messages.Messages()
		s.receipts.Observe(s.Self(), room, msgs)
	}
	s.emit()
}

func (s *Session) refreshPresence() {
	self := s.Self()
	if self == "" {
		return
	}
	rooms, _ := s.rooms.Rooms()
	ids := make([]RealtimeUserID, 0, len(rooms)+1)
	if v, ok := s.promoter.Active().(VirtualRoom); ok {
		ids = append(ids, v.Counterpart)
	}
	for _, r := range rooms {
		if cp, ok := r.Counterpart(self); ok {
			ids = append(ids, cp)
		}
	}
	s.presence.Watch(ids)
}

func (s *Session) emit() {
	s.mu.Lock()
	ids := make([]uint64, 0, len(s.handlers))
	for id := range s.handlers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	fns := make([]func(), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, s.handlers[id])
	}
	s.mu.Unlock()
	for _, fn := range fns {
		safeCall(s.log, fn)
	}
}
