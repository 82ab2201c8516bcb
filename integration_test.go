//go:build integration

package chatsync_test

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	chatsync "github.com/frckbrice/patrick-travel-chatsync"
)

// helpers ---------------------------------------------------------------

func natsURL(t *testing.T) string {
	t.Helper()
	u := os.Getenv("CASECHAT_TEST_NATS_URL")
	if u == "" {
		t.Skip("CASECHAT_TEST_NATS_URL not set")
	}
	return u
}

func databaseURL(t *testing.T) string {
	t.Helper()
	u := os.Getenv("CASECHAT_TEST_DATABASE_URL")
	if u == "" {
		t.Skip("CASECHAT_TEST_DATABASE_URL not set")
	}
	return u
}

func uniqueName(prefix string) string {
	return fmt.Sprintf("%s_%d", prefix, time.Now().UnixNano())
}

func openNATSStore(t *testing.T) *chatsync.NATSStore {
	t.Helper()
	nc, err := nats.Connect(natsURL(t), nats.Name("chatsync-integration"))
	require.NoError(t, err)
	t.Cleanup(nc.Close)

	bucket := uniqueName("chatsync")
	store, err := chatsync.OpenNATSStore(nc, bucket, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() {
		store.Close()
		if js, err := nc.JetStream(); err == nil {
			_ = js.DeleteKeyValue(bucket)
		}
	})
	return store
}

func openPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	pool, err := chatsync.ConnectPostgres(context.Background(), databaseURL(t), 4)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	return pool
}

// =======================================================================
// NATS key-value store
// =======================================================================

func TestIntegrationNATSStore(t *testing.T) {
	ctx := context.Background()
	store := openNATSStore(t)

	events := make(chan json.RawMessage, 16)
	unsub := store.Subscribe(chatsync.MetadataPath("r1"), func(ev chatsync.Event) {
		if ev.Err != nil {
			t.Error(ev.Err)
			return
		}
		events <- ev.Value
	})
	defer unsub()

	next := func() json.RawMessage {
		select {
		case v := <-events:
			return v
		case <-time.After(5 * time.Second):
			t.Fatal("no event")
			return nil
		}
	}
	assert.Equal(t, "null", string(next()))

	for i := 0; i < 3; i++ {
		require.NoError(t, store.Update(ctx, chatsync.MetadataPath("r1"), map[string]any{
			"lastMessage":   fmt.Sprintf("message %d", i),
			"unreadCount/b": chatsync.Increment(1),
		}))
	}

	var room chatsync.Room
	require.Eventually(t, func() bool {
		select {
		case v := <-events:
			_ = json.Unmarshal(v, &room)
		default:
		}
		return room.UnreadCount["b"] == 3
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, "message 2", room.LastMessage)
}

func TestIntegrationSessionOverNATS(t *testing.T) {
	ctx := context.Background()
	store := openNATSStore(t)

	rt := chatsync.NewStaticIdentity[chatsync.RealtimeUserID](chatsync.ErrNoRealtimeSession)
	rt.Set("alice", "")
	durable := chatsync.NewStaticIdentity[chatsync.DurableUserID](chatsync.ErrNotAuthenticated)
	durable.Set("u-alice", "")

	s := chatsync.NewSession(chatsync.Deps{
		Store:      store,
		Realtime:   rt,
		Durable:    durable,
		Translator: chatsync.NewStaticTranslator().Add("u-alice", "alice").Add("u-bob", "bob"),
	})
	defer s.Close(ctx)
	require.NoError(t, s.Open(ctx))

	_, err := s.StartConversation(ctx, "bob")
	require.NoError(t, err)
	conf, err := s.Send(ctx, "integration hello", nil, "")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		v := s.View()
		return len(v.Messages) == 1 && v.Messages[0].ID == conf.MessageID &&
			v.Active == chatsync.RealRoom{ID: conf.Room}
	}, 10*time.Second, 20*time.Millisecond)
}

// =======================================================================
// Postgres archive and directory
// =======================================================================

func TestIntegrationPostgresArchive(t *testing.T) {
	ctx := context.Background()
	pool := openPool(t)
	archive := chatsync.NewPostgresArchive(pool)
	require.NoError(t, archive.EnsureSchema(ctx))

	id := uniqueName("msg")
	rec := chatsync.ArchiveRecord{
		FirebaseID:  id,
		SenderID:    "u-alice",
		RecipientID: "u-bob",
		Content:     "archived",
		CaseID:      "case-1",
		Attachments: []chatsync.Attachment{{URL: "https://files.example/a.pdf", Name: "a.pdf"}},
		SentAt:      time.Now().UnixMilli(),
	}
	require.NoError(t, archive.Archive(ctx, rec))
	rec.Content = "archived again"
	require.NoError(t, archive.Archive(ctx, rec), "archive is idempotent")
	t.Cleanup(func() { _, _ = pool.Exec(ctx, `DELETE FROM chat_messages WHERE firebase_id = $1`, id) })

	var content string
	var read bool
	require.NoError(t, pool.QueryRow(ctx,
		`SELECT content, is_read FROM chat_messages WHERE firebase_id = $1`, id).Scan(&content, &read))
	assert.Equal(t, "archived again", content)
	assert.False(t, read)

	require.NoError(t, archive.MarkRead(ctx, id))
	require.NoError(t, pool.QueryRow(ctx,
		`SELECT is_read FROM chat_messages WHERE firebase_id = $1`, id).Scan(&read))
	assert.True(t, read)
}

func TestIntegrationPostgresDirectory(t *testing.T) {
	ctx := context.Background()
	pool := openPool(t)
	dir := chatsync.NewPostgresDirectory(pool)

	var exists bool
	require.NoError(t, pool.QueryRow(ctx,
		`SELECT to_regclass('public.users') IS NOT NULL AND to_regclass('public.cases') IS NOT NULL`).Scan(&exists))
	if !exists {
		t.Skip("case-management tables are not present")
	}

	_, err := dir.ToRealtime(ctx, chatsync.DurableUserID(uuid.NewString()))
	assert.ErrorIs(t, err, chatsync.ErrUserNotFound)
	_, _, err = dir.CaseParticipants(ctx, chatsync.CaseID(uuid.NewString()))
	assert.ErrorIs(t, err, chatsync.ErrCaseNotFound)
}
