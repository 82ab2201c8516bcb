package chatsync

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestThrottler(t *testing.T) (*TypingThrottler, *recordingStore, *Scheduler, *clock.Mock) {
	clk := newTestClock()
	sched := NewScheduler(clk)
	t.Cleanup(sched.Close)
	store := newRecordingStore(newTestStore(t))
	th := NewTypingThrottler(store, sched, NewRateLimiter(clk), "me", "Me", Timings{}, zerolog.Nop())
	return th, store, sched, clk
}

func TestTypingStartIsRateLimited(t *testing.T) {
	ctx := context.Background()
	th, store, _, clk := newTestThrottler(t)
	require.NoError(t, th.SetRoom(ctx, "r1"))

	require.NoError(t, th.StartTyping(ctx))
	clk.Add(300 * time.Millisecond)
	require.NoError(t, th.StartTyping(ctx))
	clk.Add(300 * time.Millisecond)
	require.NoError(t, th.StartTyping(ctx))
	assert.Equal(t, []bool{true}, store.typingStates("r1", "me"))

	clk.Add(500 * time.Millisecond)
	require.NoError(t, th.StartTyping(ctx))
	assert.Equal(t, []bool{true, true}, store.typingStates("r1", "me"))
}

func TestTypingAutoStopsOnce(t *testing.T) {
	ctx := context.Background()
	th, store, _, clk := newTestThrottler(t)
	require.NoError(t, th.SetRoom(ctx, "r1"))

	require.NoError(t, th.StartTyping(ctx))
	clk.Add(2 * time.Second)
	assert.Equal(t, []bool{true}, store.typingStates("r1", "me"))

	clk.Add(time.Second)
	require.Eventually(t, func() bool {
		return len(store.typingStates("r1", "me")) == 2
	}, waitFor, tick)

	clk.Add(10 * time.Second)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, []bool{true, false}, store.typingStates("r1", "me"))
}

func TestTypingKeystrokesPostponeAutoStop(t *testing.T) {
	ctx := context.Background()
	th, store, sched, clk := newTestThrottler(t)
	require.NoError(t, th.SetRoom(ctx, "r1"))

	require.NoError(t, th.StartTyping(ctx))
	clk.Add(2 * time.Second)
	require.NoError(t, th.StartTyping(ctx))
	clk.Add(2 * time.Second)

	assert.True(t, sched.Pending(typingScope("r1"), autoStopTask))
	assert.NotContains(t, store.typingStates("r1", "me"), false)
}

func TestTypingStopCancelsAutoStop(t *testing.T) {
	ctx := context.Background()
	th, store, sched, clk := newTestThrottler(t)
	require.NoError(t, th.SetRoom(ctx, "r1"))

	require.NoError(t, th.StartTyping(ctx))
	require.NoError(t, th.StopTyping(ctx))
	assert.False(t, sched.Pending(typingScope("r1"), autoStopTask))

	clk.Add(5 * time.Second)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, []bool{true, false}, store.typingStates("r1", "me"))

	// stopping again writes nothing; starting again is not rate limited
	require.NoError(t, th.StopTyping(ctx))
	require.NoError(t, th.StartTyping(ctx))
	assert.Equal(t, []bool{true, false, true}, store.typingStates("r1", "me"))
}

func TestTypingRoomSwitchClearsOldRoom(t *testing.T) {
	ctx := context.Background()
	th, store, sched, _ := newTestThrottler(t)
	require.NoError(t, th.SetRoom(ctx, "r1"))
	require.NoError(t, th.StartTyping(ctx))

	require.NoError(t, th.SetRoom(ctx, "r2"))
	assert.Equal(t, []bool{true, false}, store.typingStates("r1", "me"))
	assert.False(t, sched.Pending(typingScope("r1"), autoStopTask))
	assert.Equal(t, RoomID("r2"), th.Room())

	require.NoError(t, th.Close(ctx))
	assert.Empty(t, store.typingStates("r2", "me"))
}

func TestTypingWithoutRoomIsNoop(t *testing.T) {
	ctx := context.Background()
	th, store, _, _ := newTestThrottler(t)
	require.NoError(t, th.StartTyping(ctx))
	require.NoError(t, th.StopTyping(ctx))
	assert.Empty(t, store.writesUnder(typingRoot))
}

func TestTypingWriteFailureAllowsImmediateRetry(t *testing.T) {
	ctx := context.Background()
	th, store, _, _ := newTestThrottler(t)
	require.NoError(t, th.SetRoom(ctx, "r1"))

	store.failWrites(func(string) error { return errBoom })
	assert.ErrorIs(t, th.StartTyping(ctx), errBoom)

	store.failWrites(nil)
	require.NoError(t, th.StartTyping(ctx))
	assert.Equal(t, []bool{true}, store.typingStates("r1", "me"))
}
