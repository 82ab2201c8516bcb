package chatsync

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// ============================================================================
// MemoryStore
// ============================================================================

// MemoryStore is a goroutine-safe in-process RealtimeStore. Subscriber
// callbacks run on a single delivery goroutine in mutation order.
type MemoryStore struct {
	mu        sync.Mutex
	root      map[string]any
	listeners []*memListener
	nextID    uint64
	queue     *serialQueue
}

type memListener struct {
	id     uint64
	path   string
	segs   []string
	fn     func(Event)
	active atomic.Bool
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*memoryOptions)

type memoryOptions struct {
	log zerolog.Logger
}

// WithMemoryLogger sets the logger subscriber panics are reported to.
func WithMemoryLogger(l zerolog.Logger) MemoryOption {
	return func(o *memoryOptions) { o.log = l }
}

// NewMemoryStore creates an empty store. Call Close to stop its delivery
// goroutine.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	o := memoryOptions{log: zerolog.Nop()}
	for _, opt := range opts {
		opt(&o)
	}
	return &MemoryStore{
		root:  make(map[string]any),
		queue: newSerialQueue(o.log.With().Str("store", "memory").Logger()),
	}
}

// Write replaces the value at path. A nil value deletes it.
func (s *MemoryStore) Write(ctx context.Context, path string, value any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	segs := splitPath(path)
	if len(segs) == 0 {
		return fmt.Errorf("write: empty path")
	}
	v, err := normalize(value)
	if err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	assign(s.root, segs, v)
	s.notifyLocked(segs)
	return nil
}

// Update merges fields into the object at path.
func (s *MemoryStore) Update(ctx context.Context, path string, fields map[string]any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	segs := splitPath(path)
	if len(segs) == 0 {
		return fmt.Errorf("update: empty path")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	node := make(map[string]any)
	if cur, ok := lookup(s.root, segs); ok {
		if m, ok := cur.(map[string]any); ok {
			cp, err := normalize(m)
			if err != nil {
				return fmt.Errorf("update %s: %w", path, err)
			}
			node = cp.(map[string]any)
		}
	}
	if err := applyFields(node, fields); err != nil {
		return fmt.Errorf("update %s: %w", path, err)
	}
	if len(node) == 0 {
		assign(s.root, segs, nil)
	} else {
		assign(s.root, segs, node)
	}
	s.notifyLocked(segs)
	return nil
}

// Subscribe registers fn for path. The current value is delivered first.
func (s *MemoryStore) Subscribe(path string, fn func(Event)) Unsubscribe {
	l := &memListener{path: path, segs: splitPath(path), fn: fn}
	l.active.Store(true)

	s.mu.Lock()
	s.nextID++
	l.id = s.nextID
	s.listeners = append(s.listeners, l)
	s.deliverLocked(l)
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			l.active.Store(false)
			s.mu.Lock()
			for i, x := range s.listeners {
				if x == l {
					s.listeners = append(s.listeners[:i], s.listeners[i+1:]...)
					break
				}
			}
			s.mu.Unlock()
		})
	}
}

// Get returns the JSON value at path, or null.
func (s *MemoryStore) Get(path string) json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked(splitPath(path))
}

// WaitIdle blocks until every queued callback has run. It must not be
// called from a subscriber callback.
func (s *MemoryStore) WaitIdle() {
	s.queue.idle()
}

// Close stops delivery. Pending callbacks are dropped.
func (s *MemoryStore) Close() {
	s.queue.close()
}

func (s *MemoryStore) notifyLocked(changed []string) {
	for _, l := range s.listeners {
		if related(l.segs, changed) {
			s.deliverLocked(l)
		}
	}
}

func (s *MemoryStore) deliverLocked(l *memListener) {
	ev := Event{Path: l.path, Value: s.snapshotLocked(l.segs)}
	s.queue.push(func() {
		if l.active.Load() {
			l.fn(ev)
		}
	})
}

func (s *MemoryStore) snapshotLocked(segs []string) json.RawMessage {
	var v any = s.root
	if len(segs) > 0 {
		var ok bool
		if v, ok = lookup(s.root, segs); !ok {
			return json.RawMessage("null")
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("null")
	}
	return b
}

// related reports whether one path is an ancestor of, or equal to, the other.
func related(a, b []string) bool {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
