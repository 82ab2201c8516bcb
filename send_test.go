package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type pipelineFixture struct {
	pipeline   *SendPipeline
	store      *recordingStore
	mem        *MemoryStore
	optimistic *OptimisticSet
	clock      *clock.Mock
	logs       *syncBuffer
}

func newTestPipeline(t *testing.T, archiver Archiver, rt RealtimeUserID, d DurableUserID) *pipelineFixture {
	t.Helper()
	clk := newTestClock()
	sched := NewScheduler(clk)
	t.Cleanup(sched.Close)
	mem := newTestStore(t)
	store := newRecordingStore(mem)
	log, buf := newTestLogger()
	realtime, durable := identities(rt, d)
	opt := NewOptimisticSet(sched, 5*time.Second, log)

	p := NewSendPipeline(PipelineConfig{
		Store:      store,
		Realtime:   realtime,
		Durable:    durable,
		Archiver:   archiver,
		Translator: NewStaticTranslator().Add("u-alice", "alice").Add("u-bob", "bob"),
		Optimistic: opt,
		Clock:      clk,
		Logger:     &log,
	})
	return &pipelineFixture{
		pipeline:   p,
		store:      store,
		mem:        mem,
		optimistic: opt,
		clock:      clk,
		logs:       buf,
	}
}

func TestSendRejectsEmptyMessage(t *testing.T) {
	f := newTestPipeline(t, nil, "alice", "u-alice")
	_, err := f.pipeline.Send(context.Background(), SendRequest{Recipient: "bob", Content: "  \n "})
	assert.ErrorIs(t, err, ErrEmptyMessage)
	assert.Empty(t, f.store.writesUnder(""))
}

func TestSendRequiresBothIdentities(t *testing.T) {
	tests := []struct {
		name string
		rt   RealtimeUserID
		d    DurableUserID
		want error
	}{
		{"no durable identity", "alice", "", ErrNotAuthenticated},
		{"no realtime identity", "", "u-alice", ErrNoRealtimeSession},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newTestPipeline(t, nil, tt.rt, tt.d)
			_, err := f.pipeline.Send(context.Background(), SendRequest{Recipient: "bob", Content: "hi"})
			assert.ErrorIs(t, err, tt.want)
			assert.Empty(t, f.store.writesUnder(""))
			assert.Empty(t, f.optimistic.ForRoom(PairRoomID("alice", "bob")))
		})
	}
}

func TestSendRequiresRecipient(t *testing.T) {
	f := newTestPipeline(t, nil, "alice", "u-alice")
	_, err := f.pipeline.Send(context.Background(), SendRequest{Room: RealRoom{ID: "case-1"}, Content: "hi"})
	assert.ErrorIs(t, err, ErrNoRecipient)

	_, err = f.pipeline.Send(context.Background(), SendRequest{Content: "hi"})
	assert.ErrorIs(t, err, ErrNoRecipient)
}

func TestSendWritesMessageMetadataAndArchive(t *testing.T) {
	ctx := context.Background()
	archiver := &mockArchiver{}
	archiver.On("Archive", mock.Anything).Return(nil).Once()
	f := newTestPipeline(t, archiver, "alice", "u-alice")

	conf, err := f.pipeline.Send(ctx, SendRequest{
		Room:    VirtualRoom{Counterpart: "bob"},
		Content: "  hello  ",
		CaseID:  "case-1",
	})
	require.NoError(t, err)
	room := PairRoomID("alice", "bob")
	assert.Equal(t, room, conf.Room)
	assert.Equal(t, testEpoch.UnixMilli(), conf.SentAt)

	var msg Message
	require.NoError(t, json.Unmarshal(f.mem.Get(MessagePath(room, conf.MessageID)), &msg))
	assert.Equal(t, conf.MessageID, msg.ID)
	assert.Equal(t, "hello", msg.Content)
	assert.Equal(t, RealtimeUserID("alice"), msg.SenderID)
	assert.Equal(t, RealtimeUserID("bob"), msg.RecipientID)
	assert.Equal(t, conf.OptimisticID, msg.ClientKey)
	assert.False(t, msg.Optimistic())

	var meta Room
	require.NoError(t, json.Unmarshal(f.mem.Get(MetadataPath(room)), &meta))
	assert.Equal(t, []RealtimeUserID{"alice", "bob"}, meta.Participants)
	assert.Equal(t, "hello", meta.LastMessage)
	assert.Equal(t, conf.SentAt, meta.LastMessageAt)
	assert.Equal(t, 1, meta.UnreadCount["bob"])
	assert.Equal(t, CaseID("case-1"), meta.CaseID)

	f.pipeline.Wait()
	archiver.AssertExpectations(t)
	rec := archiver.Calls[0].Arguments.Get(0).(ArchiveRecord)
	assert.Equal(t, ArchiveRecord{
		FirebaseID:  conf.MessageID,
		SenderID:    "u-alice",
		RecipientID: "u-bob",
		Content:     "hello",
		CaseID:      "case-1",
		SentAt:      conf.SentAt,
	}, rec)
}

func TestSendKeepsOptimisticCopyForGracePeriod(t *testing.T) {
	f := newTestPipeline(t, nil, "alice", "u-alice")
	conf, err := f.pipeline.Send(context.Background(), SendRequest{Recipient: "bob", Content: "hi"})
	require.NoError(t, err)

	m, _, ok := f.optimistic.Get(conf.OptimisticID)
	require.True(t, ok)
	assert.Equal(t, StatusSent, m.Status)

	f.clock.Add(5 * time.Second)
	require.Eventually(t, func() bool {
		_, _, ok := f.optimistic.Get(conf.OptimisticID)
		return !ok
	}, waitFor, tick)
}

func TestSendUnreadCountAccumulates(t *testing.T) {
	ctx := context.Background()
	f := newTestPipeline(t, nil, "alice", "u-alice")
	for _, text := range []string{"one", "two", "three"} {
		_, err := f.pipeline.Send(ctx, SendRequest{Recipient: "bob", Content: text})
		require.NoError(t, err)
	}

	var meta Room
	require.NoError(t, json.Unmarshal(f.mem.Get(MetadataPath(PairRoomID("alice", "bob"))), &meta))
	assert.Equal(t, 3, meta.UnreadCount["bob"])
	assert.Equal(t, "three", meta.LastMessage)
}

func TestSendAttachmentOnlyMessage(t *testing.T) {
	f := newTestPipeline(t, nil, "alice", "u-alice")
	conf, err := f.pipeline.Send(context.Background(), SendRequest{
		Recipient:   "bob",
		Attachments: []Attachment{{URL: "https://files.example/p.pdf", Name: "passport.pdf"}},
	})
	require.NoError(t, err)

	var meta Room
	require.NoError(t, json.Unmarshal(f.mem.Get(MetadataPath(conf.Room)), &meta))
	assert.Equal(t, "Attachment: passport.pdf", meta.LastMessage)
}

func TestSendArchiveFailureIsNotFatal(t *testing.T) {
	archiver := &mockArchiver{}
	archiver.On("Archive", mock.Anything).Return(errBoom)
	f := newTestPipeline(t, archiver, "alice", "u-alice")
	before := testutil.ToFloat64(archiveFailures)

	ctx, cancel := context.WithCancel(context.Background())
	conf, err := f.pipeline.Send(ctx, SendRequest{Recipient: "bob", Content: "hi"})
	cancel()
	require.NoError(t, err)
	assert.NotEmpty(t, conf.MessageID)

	f.pipeline.Wait()
	archiver.AssertNumberOfCalls(t, "Archive", 1)
	assert.Equal(t, before+1, testutil.ToFloat64(archiveFailures))
	assert.Contains(t, f.logs.String(), "archive write failed")
}

func TestSendRealtimeFailureIsRetryable(t *testing.T) {
	ctx := context.Background()
	archiver := &mockArchiver{}
	archiver.On("Archive", mock.Anything).Return(nil)
	f := newTestPipeline(t, archiver, "alice", "u-alice")
	f.store.failWrites(func(string) error { return errBoom })

	_, err := f.pipeline.Send(ctx, SendRequest{Recipient: "bob", Content: "draft text"})
	require.Error(t, err)
	assert.True(t, IsRetryable(err))
	assert.ErrorIs(t, err, errBoom)

	var se *SendError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, "draft text", se.Content)
	assert.Equal(t, PairRoomID("alice", "bob"), se.Room)

	m, _, ok := f.optimistic.Get(se.OptimisticID)
	require.True(t, ok)
	assert.Equal(t, StatusFailed, m.Status)

	// failed messages outlive the grace period
	f.clock.Add(time.Minute)
	_, _, ok = f.optimistic.Get(se.OptimisticID)
	assert.True(t, ok)

	f.pipeline.Wait()
	archiver.AssertNotCalled(t, "Archive", mock.Anything)

	f.store.failWrites(nil)
	conf, err := f.pipeline.Retry(ctx, se.OptimisticID)
	require.NoError(t, err)
	assert.Equal(t, se.OptimisticID, conf.OptimisticID)
	m, _, _ = f.optimistic.Get(se.OptimisticID)
	assert.Equal(t, StatusSent, m.Status)

	_, err = f.pipeline.Retry(ctx, se.OptimisticID)
	assert.ErrorIs(t, err, ErrNotRetryable)
	_, err = f.pipeline.Retry(ctx, "optimistic-unknown")
	assert.ErrorIs(t, err, ErrUnknownMessage)

	f.pipeline.Wait()
	archiver.AssertNumberOfCalls(t, "Archive", 1)
}

func TestDiscardFailedMessage(t *testing.T) {
	f := newTestPipeline(t, nil, "alice", "u-alice")
	f.store.failWrites(func(string) error { return errBoom })

	_, err := f.pipeline.Send(context.Background(), SendRequest{Recipient: "bob", Content: "hi"})
	var se *SendError
	require.True(t, errors.As(err, &se))

	require.NoError(t, f.pipeline.Discard(se.OptimisticID))
	assert.Empty(t, f.optimistic.ForRoom(se.Room))
	assert.ErrorIs(t, f.pipeline.Discard(se.OptimisticID), ErrUnknownMessage)
}
