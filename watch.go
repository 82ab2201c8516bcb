package chatsync

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// ============================================================================
// liveQuery
// ============================================================================

var watchSeq atomic.Uint64

// liveQuery keeps the decoded value of one store subscription. Rebinding
// tears down the previous subscription first; callbacks from a torn-down
// subscription are dropped by generation. Errors resolve to the zero value.
type liveQuery[T any] struct {
	kind    string
	scope   string
	store   RealtimeStore
	sched   *Scheduler
	timeout time.Duration
	log     zerolog.Logger

	mu       sync.Mutex
	gen      uint64
	path     string
	value    T
	loading  bool
	unsub    Unsubscribe
	handlers map[uint64]func()
	nextH    uint64
}

func newLiveQuery[T any](kind string, store RealtimeStore, sched *Scheduler, timeout time.Duration, log zerolog.Logger) *liveQuery[T] {
	return &liveQuery[T]{
		kind:     kind,
		scope:    fmt.Sprintf("watch:%s:%d", kind, watchSeq.Add(1)),
		store:    store,
		sched:    sched,
		timeout:  timeout,
		log:      log.With().Str("watch", kind).Logger(),
		handlers: make(map[uint64]func()),
	}
}

// bind switches the query to path. An empty path makes the query inert.
func (q *liveQuery[T]) bind(path string, decode func(Event) (T, error)) {
	q.mu.Lock()
	q.gen++
	gen := q.gen
	old := q.unsub
	q.unsub = nil
	q.path = path
	var zero T
	q.value = zero
	q.loading = path != ""
	q.mu.Unlock()

	if old != nil {
		old()
	}
	q.sched.CancelScope(q.scope)

	if path == "" {
		q.notify()
		return
	}

	q.log.Debug().Str("path", path).Msg("subscribing")
	q.sched.Schedule(q.scope, loadTimeoutTask(gen), q.timeout, func() { q.expire(gen) })
	q.notify()

	unsub := q.store.Subscribe(path, func(ev Event) { q.receive(gen, ev, decode) })

	q.mu.Lock()
	if q.gen == gen {
		q.unsub = unsub
		q.mu.Unlock()
		return
	}
	q.mu.Unlock()
	unsub()
}

func loadTimeoutTask(gen uint64) string { return fmt.Sprintf("load-timeout-%d", gen) }

func (q *liveQuery[T]) receive(gen uint64, ev Event, decode func(Event) (T, error)) {
	var (
		v   T
		err = ev.Err
	)
	if err == nil {
		v, err = decode(ev)
	}

	q.mu.Lock()
	if q.gen != gen {
		q.mu.Unlock()
		return
	}
	if err != nil {
		q.log.Warn().Err(err).Str("path", q.path).Msg("subscription error, showing empty state")
		var zero T
		v = zero
	}
	q.value = v
	q.loading = false
	q.mu.Unlock()

	q.sched.Cancel(q.scope, loadTimeoutTask(gen))
	q.notify()
}

func (q *liveQuery[T]) expire(gen uint64) {
	q.mu.Lock()
	if q.gen != gen || !q.loading {
		q.mu.Unlock()
		return
	}
	q.loading = false
	path := q.path
	q.mu.Unlock()

	subscriptionTimeouts.WithLabelValues(q.kind).Inc()
	q.log.Debug().Str("path", path).Dur("timeout", q.timeout).Msg("no snapshot before timeout")
	q.notify()
}

func (q *liveQuery[T]) snapshot() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.value, q.loading
}

func (q *liveQuery[T]) onChange(fn func()) func() {
	q.mu.Lock()
	q.nextH++
	id := q.nextH
	q.handlers[id] = fn
	q.mu.Unlock()
	return func() {
		q.mu.Lock()
		delete(q.handlers, id)
		q.mu.Unlock()
	}
}

func (q *liveQuery[T]) notify() {
	q.mu.Lock()
	ids := make([]uint64, 0, len(q.handlers))
	for id := range q.handlers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	fns := make([]func(), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, q.handlers[id])
	}
	q.mu.Unlock()

	for _, fn := range fns {
		safeCall(q.log, fn)
	}
}

func (q *liveQuery[T]) close() {
	q.bind("", nil)
	q.mu.Lock()
	q.handlers = make(map[uint64]func())
	q.mu.Unlock()
}

// decodeChildren decodes each child of an object snapshot, skipping
// children that do not decode.
func decodeChildren[T any](ev Event, log zerolog.Logger, fn func(key string, v T)) error {
	if !ev.Exists() {
		return nil
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(ev.Value, &raw); err != nil {
		return fmt.Errorf("decode %s: %w", ev.Path, err)
	}
	for key, data := range raw {
		var v T
		if err := json.Unmarshal(data, &v); err != nil {
			log.Debug().Err(err).Str("path", ev.Path).Str("key", key).Msg("skipping malformed child")
			continue
		}
		fn(key, v)
	}
	return nil
}

// ============================================================================
// RoomListWatch
// ============================================================================

// RoomListWatch keeps the rooms a user participates in, most recent first.
type RoomListWatch struct {
	q *liveQuery[[]Room]

	mu   sync.Mutex
	user RealtimeUserID
}

// NewRoomListWatch creates an inert watch.
func NewRoomListWatch(store RealtimeStore, sched *Scheduler, timeout time.Duration, log zerolog.Logger) *RoomListWatch {
	return &RoomListWatch{q: newLiveQuery[[]Room]("rooms", store, sched, timeout, log)}
}

// Watch follows the rooms of user. An empty user clears the list.
func (w *RoomListWatch) Watch(user RealtimeUserID) {
	w.mu.Lock()
	if w.user == user && user != "" {
		w.mu.Unlock()
		return
	}
	w.user = user
	w.mu.Unlock()

	if user == "" {
		w.q.bind("", nil)
		return
	}
	w.q.bind(chatsRoot, func(ev Event) ([]Room, error) {
		var rooms []Room
		err := decodeChildren(ev, w.q.log, func(id string, r struct {
			Metadata *Room `json:"metadata"`
		}) {
			if r.Metadata == nil {
				return
			}
			room := *r.Metadata
			if room.ID == "" {
				room.ID = RoomID(id)
			}
			if room.HasParticipant(user) {
				rooms = append(rooms, room)
			}
		})
		sortRooms(rooms)
		return rooms, err
	})
}

// Rooms returns the current list and whether it is still loading.
func (w *RoomListWatch) Rooms() ([]Room, bool) { return w.q.snapshot() }

// Find returns the listed room with id.
func (w *RoomListWatch) Find(id RoomID) (Room, bool) {
	rooms, _ := w.q.snapshot()
	for _, r := range rooms {
		if r.ID == id {
			return r, true
		}
	}
	return Room{}, false
}

// OnChange registers fn to run after every change. It returns a remover.
func (w *RoomListWatch) OnChange(fn func()) func() { return w.q.onChange(fn) }

// Close detaches the watch.
func (w *RoomListWatch) Close() { w.q.close() }

func sortRooms(rooms []Room) {
	sort.SliceStable(rooms, func(i, j int) bool {
		if rooms[i].LastMessageAt != rooms[j].LastMessageAt {
			return rooms[i].LastMessageAt > rooms[j].LastMessageAt
		}
		return rooms[i].ID < rooms[j].ID
	})
}

// ============================================================================
// MessagesWatch
// ============================================================================

// MessagesWatch keeps the confirmed messages of one room, oldest first.
type MessagesWatch struct {
	q *liveQuery[[]Message]

	mu   sync.Mutex
	room RoomID
}

// NewMessagesWatch creates an inert watch.
func NewMessagesWatch(store RealtimeStore, sched *Scheduler, timeout time.Duration, log zerolog.Logger) *MessagesWatch {
	return &MessagesWatch{q: newLiveQuery[[]Message]("messages", store, sched, timeout, log)}
}

// Watch follows room. An empty room clears the list.
func (w *MessagesWatch) Watch(room RoomID) {
	w.mu.Lock()
	if w.room == room && room != "" {
		w.mu.Unlock()
		return
	}
	w.room = room
	w.mu.Unlock()

	if room == "" {
		w.q.bind("", nil)
		return
	}
	w.q.bind(MessagesPath(room), func(ev Event) ([]Message, error) {
		var msgs []Message
		err := decodeChildren(ev, w.q.log, func(id string, m Message) {
			if m.ID == "" {
				m.ID = id
			}
			m.Status = ""
			msgs = append(msgs, m)
		})
		sortMessages(msgs)
		return msgs, err
	})
}

// Room returns the watched room.
func (w *MessagesWatch) Room() RoomID {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.room
}

// Messages returns the confirmed messages and whether they are still loading.
func (w *MessagesWatch) Messages() ([]Message, bool) { return w.q.snapshot() }

// OnChange registers fn to run after every change. It returns a remover.
func (w *MessagesWatch) OnChange(fn func()) func() { return w.q.onChange(fn) }

// Close detaches the watch.
func (w *MessagesWatch) Close() { w.q.close() }

func sortMessages(msgs []Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		if msgs[i].SentAt != msgs[j].SentAt {
			return msgs[i].SentAt < msgs[j].SentAt
		}
		return msgs[i].ID < msgs[j].ID
	})
}

// ============================================================================
// PresenceWatch
// ============================================================================

// PresenceWatch reads the presence of a bounded set of users through one
// subscription.
type PresenceWatch struct {
	q   *liveQuery[map[RealtimeUserID]Presence]
	max int

	mu  sync.Mutex
	key string
}

// NewPresenceWatch creates an inert watch following at most max users.
func NewPresenceWatch(store RealtimeStore, sched *Scheduler, timeout time.Duration, max int, log zerolog.Logger) *PresenceWatch {
	return &PresenceWatch{
		q:   newLiveQuery[map[RealtimeUserID]Presence]("presence", store, sched, timeout, log),
		max: max,
	}
}

// Watch follows ids. When more than the cap are requested the earliest
// ids are kept, so callers list the most relevant users first. An
// unchanged set keeps the existing subscription.
func (w *PresenceWatch) Watch(ids []RealtimeUserID) {
	set := make(map[RealtimeUserID]bool, len(ids))
	uniq := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || set[id] {
			continue
		}
		set[id] = true
		uniq = append(uniq, string(id))
	}
	if w.max > 0 && len(uniq) > w.max {
		w.q.log.Warn().Int("requested", len(uniq)).Int("max", w.max).Msg("presence set truncated")
		for _, id := range uniq[w.max:] {
			delete(set, RealtimeUserID(id))
		}
		uniq = uniq[:w.max]
	}
	sort.Strings(uniq)
	key := strings.Join(uniq, ",")

	w.mu.Lock()
	if key == w.key && w.key != "" {
		w.mu.Unlock()
		return
	}
	w.key = key
	w.mu.Unlock()

	if key == "" {
		w.q.bind("", nil)
		return
	}
	w.q.bind(presenceRoot, func(ev Event) (map[RealtimeUserID]Presence, error) {
		out := make(map[RealtimeUserID]Presence)
		err := decodeChildren(ev, w.q.log, func(id string, p Presence) {
			uid := RealtimeUserID(id)
			if !set[uid] {
				return
			}
			if p.UserID == "" {
				p.UserID = uid
			}
			out[uid] = p
		})
		return out, err
	})
}

// Presence returns the known presence records and whether they are loading.
func (w *PresenceWatch) Presence() (map[RealtimeUserID]Presence, bool) { return w.q.snapshot() }

// OnChange registers fn to run after every change. It returns a remover.
func (w *PresenceWatch) OnChange(fn func()) func() { return w.q.onChange(fn) }

// Close detaches the watch.
func (w *PresenceWatch) Close() { w.q.close() }

// ============================================================================
// TypingWatch
// ============================================================================

// TypingWatch keeps who else is typing in a room. Indicators older than the
// freshness window are ignored even if never cleared.
type TypingWatch struct {
	q         *liveQuery[[]TypingIndicator]
	freshness time.Duration

	mu   sync.Mutex
	room RoomID
	self RealtimeUserID
}

const typingExpireTask = "expire"

// NewTypingWatch creates an inert watch.
func NewTypingWatch(store RealtimeStore, sched *Scheduler, timeout, freshness time.Duration, log zerolog.Logger) *TypingWatch {
	w := &TypingWatch{
		q:         newLiveQuery[[]TypingIndicator]("typing", store, sched, timeout, log),
		freshness: freshness,
	}
	w.q.onChange(w.scheduleExpiry)
	return w
}

// Watch follows room, excluding self. An empty room clears the list.
func (w *TypingWatch) Watch(room RoomID, self RealtimeUserID) {
	w.mu.Lock()
	if w.room == room && w.self == self && room != "" {
		w.mu.Unlock()
		return
	}
	w.room, w.self = room, self
	w.mu.Unlock()

	if room == "" {
		w.q.bind("", nil)
		return
	}
	w.q.bind(TypingRoomPath(room), func(ev Event) ([]TypingIndicator, error) {
		var out []TypingIndicator
		err := decodeChildren(ev, w.q.log, func(id string, t TypingIndicator) {
			if t.UserID == "" {
				t.UserID = RealtimeUserID(id)
			}
			if t.IsTyping && t.UserID != self {
				out = append(out, t)
			}
		})
		sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
		return out, err
	})
}

// Typing returns the fresh indicators and whether the watch is loading.
func (w *TypingWatch) Typing() ([]TypingIndicator, bool) {
	all, loading := w.q.snapshot()
	now := w.q.sched.Clock().Now().UnixMilli()
	var out []TypingIndicator
	for _, t := range all {
		if w.fresh(t, now) {
			out = append(out, t)
		}
	}
	return out, loading
}

// OnChange registers fn to run after every change, including an indicator
// going stale. It returns a remover.
func (w *TypingWatch) OnChange(fn func()) func() { return w.q.onChange(fn) }

// Close detaches the watch.
func (w *TypingWatch) Close() { w.q.close() }

func (w *TypingWatch) fresh(t TypingIndicator, now int64) bool {
	return now-t.Timestamp <= w.freshness.Milliseconds()
}

// scheduleExpiry arranges a change notification when the next fresh
// indicator goes stale.
func (w *TypingWatch) scheduleExpiry() {
	all, _ := w.q.snapshot()
	now := w.q.sched.Clock().Now().UnixMilli()
	next := int64(-1)
	for _, t := range all {
		if !w.fresh(t, now) {
			continue
		}
		at := t.Timestamp + w.freshness.Milliseconds() + 1
		if next < 0 || at < next {
			next = at
		}
	}
	if next < 0 {
		w.q.sched.Cancel(w.q.scope, typingExpireTask)
		return
	}
	w.q.sched.Schedule(w.q.scope, typingExpireTask, time.Duration(next-now)*time.Millisecond, w.q.notify)
}
