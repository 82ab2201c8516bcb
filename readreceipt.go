package chatsync

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ReadReceipts marks incoming messages read, at most once per window per
// room. An observation that falls inside the window is replayed when the
// window ends, so the last messages of a burst are not left unread.
type ReadReceipts struct {
	store    RealtimeStore
	archiver Archiver
	limiter  *RateLimiter
	sched    *Scheduler
	window   time.Duration
	timeout  time.Duration
	log      zerolog.Logger

	mu      sync.Mutex
	pending map[RoomID]readObservation
	wg      sync.WaitGroup
}

type readObservation struct {
	self RealtimeUserID
	msgs []Message
}

// NewReadReceipts creates a marker. archiver may be nil.
func NewReadReceipts(store RealtimeStore, archiver Archiver, limiter *RateLimiter, sched *Scheduler, window, archiveTimeout time.Duration, log zerolog.Logger) *ReadReceipts {
	return &ReadReceipts{
		store:    store,
		archiver: archiver,
		limiter:  limiter,
		sched:    sched,
		window:   window,
		timeout:  archiveTimeout,
		log:      log,
		pending:  make(map[RoomID]readObservation),
	}
}

func readScope(room RoomID) string { return "read:" + string(room) }

// Observe looks at the confirmed messages of room as seen by self and marks
// the unread ones addressed to self.
func (r *ReadReceipts) Observe(self RealtimeUserID, room RoomID, msgs []Message) {
	if self == "" || room == "" {
		return
	}
	unread := unreadFor(self, msgs)
	if len(unread) == 0 {
		return
	}

	key := readScope(room)
	if !r.limiter.TryAcquire(key, r.window) {
		r.mu.Lock()
		r.pending[room] = readObservation{self: self, msgs: msgs}
		r.mu.Unlock()
		r.sched.Schedule(key, "trailing", r.limiter.Remaining(key, r.window), func() { r.flush(room) })
		return
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.mark(self, room, unread)
	}()
}

// Forget drops a pending trailing pass for room.
func (r *ReadReceipts) Forget(room RoomID) {
	r.mu.Lock()
	delete(r.pending, room)
	r.mu.Unlock()
	r.sched.CancelScope(readScope(room))
}

// Wait blocks until in-flight writes finish.
func (r *ReadReceipts) Wait() { r.wg.Wait() }

func (r *ReadReceipts) flush(room RoomID) {
	r.mu.Lock()
	obs, ok := r.pending[room]
	delete(r.pending, room)
	r.mu.Unlock()
	if ok {
		r.Observe(obs.self, room, obs.msgs)
	}
}

func (r *ReadReceipts) mark(self RealtimeUserID, room RoomID, unread []Message) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	ids := make([]string, 0, len(unread))
	for _, m := range unread {
		if err := r.store.Update(ctx, MessagePath(room, m.ID), map[string]any{"read": true}); err != nil {
			r.log.Warn().Err(err).Str("room", string(room)).Str("message_id", m.ID).Msg("mark read failed")
			continue
		}
		ids = append(ids, m.ID)
	}
	if err := r.store.Update(ctx, MetadataPath(room), map[string]any{
		"unreadCount/" + string(self): 0,
	}); err != nil {
		r.log.Warn().Err(err).Str("room", string(room)).Msg("reset unread count failed")
	}
	readReceiptWrites.Inc()

	if r.archiver == nil || len(ids) == 0 {
		return
	}
	if err := r.archiver.MarkReadBatch(ctx, ids); err != nil {
		r.log.Warn().Err(err).Str("room", string(room)).Int("count", len(ids)).Msg("archive mark read failed")
	}
}

func unreadFor(self RealtimeUserID, msgs []Message) []Message {
	var out []Message
	for _, m := range msgs {
		if !m.Read && m.SenderID != self && !m.Optimistic() {
			out = append(out, m)
		}
	}
	return out
}
