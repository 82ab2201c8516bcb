package chatsync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// TypingThrottler publishes the current user's typing indicator for one
// room at a time. Start writes are rate limited, and an indicator left on
// is switched off after the idle timeout.
type TypingThrottler struct {
	store    RealtimeStore
	sched    *Scheduler
	limiter  *RateLimiter
	self     RealtimeUserID
	userName string
	rate     time.Duration
	idle     time.Duration
	log      zerolog.Logger

	mu     sync.Mutex
	room   RoomID
	typing bool
}

// NewTypingThrottler creates a throttler for self with no room.
func NewTypingThrottler(store RealtimeStore, sched *Scheduler, limiter *RateLimiter, self RealtimeUserID, userName string, t Timings, log zerolog.Logger) *TypingThrottler {
	t.defaults()
	return &TypingThrottler{
		store:    store,
		sched:    sched,
		limiter:  limiter,
		self:     self,
		userName: userName,
		rate:     t.TypingRateWindow,
		idle:     t.TypingIdleTimeout,
		log:      log,
	}
}

const autoStopTask = "auto-stop"

func typingScope(room RoomID) string { return "typing:" + string(room) }

// Room returns the room indicators are written to.
func (t *TypingThrottler) Room() RoomID {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.room
}

// SetRoom moves the throttler to room, switching off an indicator left on
// in the previous room.
func (t *TypingThrottler) SetRoom(ctx context.Context, room RoomID) error {
	t.mu.Lock()
	old, wasTyping := t.room, t.typing
	if old == room {
		t.mu.Unlock()
		return nil
	}
	t.room, t.typing = room, false
	t.mu.Unlock()

	if old == "" {
		return nil
	}
	t.sched.CancelScope(typingScope(old))
	t.limiter.Reset(typingScope(old))
	if !wasTyping {
		return nil
	}
	return t.write(ctx, old, false)
}

// StartTyping signals activity in the current room.
func (t *TypingThrottler) StartTyping(ctx context.Context) error {
	room := t.Room()
	if room == "" {
		return nil
	}

	var err error
	if t.limiter.TryAcquire(typingScope(room), t.rate) {
		if err = t.write(ctx, room, true); err != nil {
			t.limiter.Reset(typingScope(room))
		} else {
			t.mu.Lock()
			if t.room == room {
				t.typing = true
			}
			t.mu.Unlock()
		}
	}
	t.sched.Schedule(typingScope(room), autoStopTask, t.idle, func() {
		if err := t.stop(context.Background(), room); err != nil {
			t.log.Warn().Err(err).Str("room", string(room)).Msg("typing auto-stop failed")
		}
	})
	return err
}

// StopTyping switches the indicator off in the current room.
func (t *TypingThrottler) StopTyping(ctx context.Context) error {
	room := t.Room()
	if room == "" {
		return nil
	}
	return t.stop(ctx, room)
}

// Close switches off any indicator and detaches from the room.
func (t *TypingThrottler) Close(ctx context.Context) error {
	return t.SetRoom(ctx, "")
}

func (t *TypingThrottler) stop(ctx context.Context, room RoomID) error {
	t.sched.Cancel(typingScope(room), autoStopTask)
	t.limiter.Reset(typingScope(room))

	t.mu.Lock()
	wasTyping := t.typing && t.room == room
	if wasTyping {
		t.typing = false
	}
	t.mu.Unlock()

	if !wasTyping {
		return nil
	}
	return t.write(ctx, room, false)
}

func (t *TypingThrottler) write(ctx context.Context, room RoomID, typing bool) error {
	ind := TypingIndicator{
		UserID:    t.self,
		UserName:  t.userName,
		RoomID:    room,
		IsTyping:  typing,
		Timestamp: t.sched.Clock().Now().UnixMilli(),
	}
	if err := t.store.Write(ctx, TypingPath(room, t.self), ind); err != nil {
		return fmt.Errorf("write typing indicator: %w", err)
	}
	state := "stop"
	if typing {
		state = "start"
	}
	typingWrites.WithLabelValues(state).Inc()
	return nil
}
