package chatsync

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ============================================================================
// Merge
// ============================================================================

// DedupKeyFunc identifies a message for matching an optimistic copy against
// its confirmed counterpart.
type DedupKeyFunc func(Message) string

// ContentSenderKey matches on content and sender. Two genuinely distinct
// messages with equal content from the same sender collapse into one while
// the optimistic copy is pending.
func ContentSenderKey(m Message) string {
	return string(m.SenderID) + "\x00" + m.Content
}

// ClientKeyDedup matches on the client key echoed into confirmed writes,
// falling back to content and sender for messages written without one.
func ClientKeyDedup(m Message) string {
	if m.ClientKey != "" {
		return "k\x00" + m.ClientKey
	}
	if m.Optimistic() {
		return "k\x00" + m.ID
	}
	return ContentSenderKey(m)
}

// Merge returns confirmed plus every optimistic message whose key is not
// already confirmed, sorted by SentAt. The sort is stable, so equal
// timestamps keep confirmed-before-optimistic order.
func Merge(confirmed, optimistic []Message, key DedupKeyFunc) []Message {
	if key == nil {
		key = ContentSenderKey
	}
	seen := make(map[string]struct{}, len(confirmed))
	for _, m := range confirmed {
		seen[key(m)] = struct{}{}
	}

	out := make([]Message, 0, len(confirmed)+len(optimistic))
	out = append(out, confirmed...)
	for _, m := range optimistic {
		if _, dup := seen[key(m)]; dup {
			continue
		}
		out = append(out, m)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].SentAt < out[j].SentAt })
	return out
}

// ============================================================================
// OptimisticSet
// ============================================================================

// OptimisticSet holds locally created messages per room until they are
// confirmed and their grace period has passed, or until a failed one is
// retried or discarded.
type OptimisticSet struct {
	sched *Scheduler
	grace time.Duration
	log   zerolog.Logger

	mu       sync.Mutex
	entries  map[string]*optimisticEntry
	seq      uint64
	handlers []func(RoomID)
}

type optimisticEntry struct {
	room RoomID
	msg  Message
	seq  uint64
}

// NewOptimisticSet creates a set that removes sent messages after grace.
func NewOptimisticSet(sched *Scheduler, grace time.Duration, log zerolog.Logger) *OptimisticSet {
	return &OptimisticSet{
		sched:   sched,
		grace:   grace,
		log:     log,
		entries: make(map[string]*optimisticEntry),
	}
}

func optimisticScope(room RoomID) string { return "optimistic:" + string(room) }

// Add inserts m into room with status sending.
func (s *OptimisticSet) Add(room RoomID, m Message) {
	m.Status = StatusSending
	s.mu.Lock()
	s.seq++
	s.entries[m.ID] = &optimisticEntry{room: room, msg: m, seq: s.seq}
	s.mu.Unlock()
	s.emit(room)
}

// MarkSent flags id as sent and schedules its removal.
func (s *OptimisticSet) MarkSent(id string) {
	room, ok := s.setStatus(id, StatusSent)
	if !ok {
		return
	}
	s.sched.Schedule(optimisticScope(room), id, s.grace, func() { s.Remove(id) })
	s.emit(room)
}

// MarkFailed flags id as failed. Failed messages stay until retried or
// discarded.
func (s *OptimisticSet) MarkFailed(id string) {
	room, ok := s.setStatus(id, StatusFailed)
	if !ok {
		return
	}
	s.sched.Cancel(optimisticScope(room), id)
	s.emit(room)
}

// MarkSending flags a failed id as sending again for a retry.
func (s *OptimisticSet) MarkSending(id string) {
	if room, ok := s.setStatus(id, StatusSending); ok {
		s.emit(room)
	}
}

func (s *OptimisticSet) setStatus(id string, st MessageStatus) (RoomID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return "", false
	}
	e.msg.Status = st
	return e.room, true
}

// Remove drops id.
func (s *OptimisticSet) Remove(id string) {
	s.mu.Lock()
	e, ok := s.entries[id]
	if ok {
		delete(s.entries, id)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	s.sched.Cancel(optimisticScope(e.room), id)
	s.log.Debug().Str("optimistic_id", id).Str("room", string(e.room)).Msg("optimistic message removed")
	s.emit(e.room)
}

// Get returns a pending message and its room.
func (s *OptimisticSet) Get(id string) (Message, RoomID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return Message{}, "", false
	}
	return e.msg, e.room, true
}

// ForRoom returns room's optimistic messages in insertion order.
func (s *OptimisticSet) ForRoom(room RoomID) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	var es []*optimisticEntry
	for _, e := range s.entries {
		if e.room == room {
			es = append(es, e)
		}
	}
	sort.Slice(es, func(i, j int) bool { return es[i].seq < es[j].seq })
	out := make([]Message, len(es))
	for i, e := range es {
		out[i] = e.msg
	}
	return out
}

// Move reassigns every message of from to to, keeping pending removals.
func (s *OptimisticSet) Move(from, to RoomID) {
	if from == to {
		return
	}
	var moved []string
	s.mu.Lock()
	for id, e := range s.entries {
		if e.room == from {
			e.room = to
			moved = append(moved, id)
		}
	}
	s.mu.Unlock()
	if len(moved) == 0 {
		return
	}
	s.sched.CancelScope(optimisticScope(from))
	for _, id := range moved {
		if m, _, ok := s.Get(id); ok && m.Status == StatusSent {
			id := id
			s.sched.Schedule(optimisticScope(to), id, s.grace, func() { s.Remove(id) })
		}
	}
	s.emit(from)
	s.emit(to)
}

// OnChange registers fn to run with the affected room after every change.
func (s *OptimisticSet) OnChange(fn func(RoomID)) {
	s.mu.Lock()
	s.handlers = append(s.handlers, fn)
	s.mu.Unlock()
}

func (s *OptimisticSet) emit(room RoomID) {
	s.mu.Lock()
	hs := append([]func(RoomID){}, s.handlers...)
	s.mu.Unlock()
	for _, h := range hs {
		safeCall(s.log, func() { h(room) })
	}
}
