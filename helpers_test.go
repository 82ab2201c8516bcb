package chatsync

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/mock"
)

// ============================================================================
// Test Helpers
// ============================================================================

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

var (
	testEpoch = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	errBoom   = errors.New("boom")
)

func newTestClock() *clock.Mock {
	c := clock.NewMock()
	c.Set(testEpoch)
	return c
}

func newTestStore(t *testing.T) *MemoryStore {
	t.Helper()
	s := NewMemoryStore()
	t.Cleanup(s.Close)
	return s
}

// syncBuffer is a goroutine-safe log sink.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func newTestLogger() (zerolog.Logger, *syncBuffer) {
	buf := &syncBuffer{}
	return zerolog.New(buf).Level(zerolog.DebugLevel), buf
}

func identities(rt RealtimeUserID, d DurableUserID) (*StaticIdentity[RealtimeUserID], *StaticIdentity[DurableUserID]) {
	r := NewStaticIdentity[RealtimeUserID](ErrNoRealtimeSession)
	if rt != "" {
		r.Set(rt, "rt-token-"+string(rt))
	}
	du := NewStaticIdentity[DurableUserID](ErrNotAuthenticated)
	if d != "" {
		du.Set(d, "token-"+string(d))
	}
	return r, du
}

// ============================================================================
// Store doubles
// ============================================================================

type recordedWrite struct {
	Path  string
	Value any
}

// recordingStore records writes and can fail them on demand.
type recordingStore struct {
	RealtimeStore

	mu     sync.Mutex
	writes []recordedWrite
	fail   func(path string) error
}

func newRecordingStore(next RealtimeStore) *recordingStore {
	return &recordingStore{RealtimeStore: next}
}

func (s *recordingStore) failWrites(fn func(path string) error) {
	s.mu.Lock()
	s.fail = fn
	s.mu.Unlock()
}

func (s *recordingStore) Write(ctx context.Context, path string, value any) error {
	s.mu.Lock()
	fail := s.fail
	s.mu.Unlock()
	if fail != nil {
		if err := fail(path); err != nil {
			return err
		}
	}
	s.mu.Lock()
	s.writes = append(s.writes, recordedWrite{Path: path, Value: value})
	s.mu.Unlock()
	return s.RealtimeStore.Write(ctx, path, value)
}

func (s *recordingStore) writesUnder(prefix string) []recordedWrite {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []recordedWrite
	for _, w := range s.writes {
		if strings.HasPrefix(w.Path, prefix) {
			out = append(out, w)
		}
	}
	return out
}

// typingStates returns the IsTyping values written for user in room.
func (s *recordingStore) typingStates(room RoomID, user RealtimeUserID) []bool {
	var out []bool
	for _, w := range s.writesUnder(TypingPath(room, user)) {
		out = append(out, w.Value.(TypingIndicator).IsTyping)
	}
	return out
}

// silentStore accepts writes and never delivers a snapshot.
type silentStore struct{}

func (silentStore) Write(context.Context, string, any) error { return nil }
func (silentStore) Update(context.Context, string, map[string]any) error { return nil }
func (silentStore) Subscribe(string, func(Event)) Unsubscribe { return func() {} }

// subscriptionCounter counts Subscribe calls.
type subscriptionCounter struct {
	RealtimeStore
	n atomic.Int32
}

func (s *subscriptionCounter) Subscribe(path string, fn func(Event)) Unsubscribe {
	s.n.Add(1)
	return s.RealtimeStore.Subscribe(path, fn)
}

// gatedStore holds message writes until release is closed.
type gatedStore struct {
	RealtimeStore
	entered chan struct{}
	release chan struct{}
}

func newGatedStore(next RealtimeStore) *gatedStore {
	return &gatedStore{RealtimeStore: next, entered: make(chan struct{}, 1), release: make(chan struct{})}
}

func (s *gatedStore) Write(ctx context.Context, path string, value any) error {
	if strings.Contains(path, "/messages/") {
		select {
		case s.entered <- struct{}{}:
		default:
		}
		select {
		case <-s.release:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return s.RealtimeStore.Write(ctx, path, value)
}

// failingStore delivers an error to every subscriber.
type failingStore struct{ silentStore }

func (failingStore) Subscribe(path string, fn func(Event)) Unsubscribe {
	fn(Event{Path: path, Err: errBoom})
	return func() {}
}

// ============================================================================
// Collaborator doubles
// ============================================================================

type mockArchiver struct{ mock.Mock }

func (m *mockArchiver) Archive(ctx context.Context, rec ArchiveRecord) error {
	return m.Called(rec).Error(0)
}

func (m *mockArchiver) MarkRead(ctx context.Context, id string) error {
	return m.Called(id).Error(0)
}

func (m *mockArchiver) MarkReadBatch(ctx context.Context, ids []string) error {
	return m.Called(ids).Error(0)
}

type fakeCases map[CaseID][2]DurableUserID

func (f fakeCases) CaseParticipants(_ context.Context, c CaseID) (DurableUserID, DurableUserID, error) {
	p, ok := f[c]
	if !ok {
		return "", "", fmt.Errorf("case %s: %w", c, ErrCaseNotFound)
	}
	return p[0], p[1], nil
}

// countingTranslator counts lookups reaching it.
type countingTranslator struct {
	Translator

	mu    sync.Mutex
	calls int
}

func (c *countingTranslator) ToRealtime(ctx context.Context, id DurableUserID) (RealtimeUserID, error) {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
	return c.Translator.ToRealtime(ctx, id)
}

func (c *countingTranslator) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func messageIDs(msgs []Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}
