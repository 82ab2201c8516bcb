package chatsync

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// ============================================================================
// Store contract
// ============================================================================

// RealtimeStore is a hierarchical JSON store with live subscriptions.
//
// Subscribe delivers the current value at path and then every change to it
// or to anything below it. Callbacks for one subscription are delivered in
// order and never concurrently. The returned Unsubscribe stops delivery and
// is safe to call more than once.
type RealtimeStore interface {
	Write(ctx context.Context, path string, value any) error
	Update(ctx context.Context, path string, fields map[string]any) error
	Subscribe(path string, fn func(Event)) Unsubscribe
}

// Unsubscribe detaches a subscription.
type Unsubscribe func()

// Event is a snapshot delivered to a subscriber. A missing value is
// delivered as JSON null.
type Event struct {
	Path  string
	Value json.RawMessage
	Err   error
}

// Exists reports whether the snapshot holds a value.
func (e Event) Exists() bool {
	return e.Err == nil && len(e.Value) > 0 && string(e.Value) != "null"
}

// Decode unmarshals the snapshot into v. A missing value leaves v untouched.
func (e Event) Decode(v any) error {
	if e.Err != nil {
		return e.Err
	}
	if !e.Exists() {
		return nil
	}
	return json.Unmarshal(e.Value, v)
}

// Increment is an Update field value that atomically adds to a numeric
// field. A missing field counts as zero.
type Increment int64

type serverValue struct {
	SV struct {
		Increment *int64 `json:"increment"`
	} `json:".sv"`
}

// MarshalJSON encodes the increment as a server-value sentinel.
func (n Increment) MarshalJSON() ([]byte, error) {
	return []byte(fmt.Sprintf(`{".sv":{"increment":%d}}`, int64(n))), nil
}

// DecodeFields decodes an Update field set received over the wire,
// turning server-value sentinels back into Increment values.
func DecodeFields(raw json.RawMessage) (map[string]any, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("decode fields: %w", err)
	}
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		var sv serverValue
		if json.Unmarshal(v, &sv) == nil && sv.SV.Increment != nil {
			out[k] = Increment(*sv.SV.Increment)
			continue
		}
		var val any
		if err := json.Unmarshal(v, &val); err != nil {
			return nil, fmt.Errorf("decode field %s: %w", k, err)
		}
		out[k] = val
	}
	return out, nil
}

// ============================================================================
// Paths
// ============================================================================

const (
	chatsRoot    = "chats"
	presenceRoot = "presence"
	typingRoot   = "typing"
)

// MessagesPath is the collection of a room's messages.
func MessagesPath(room RoomID) string { return chatsRoot + "/" + string(room) + "/messages" }

// MessagePath is a single message.
func MessagePath(room RoomID, id string) string { return MessagesPath(room) + "/" + id }

// MetadataPath is a room's metadata record.
func MetadataPath(room RoomID) string { return chatsRoot + "/" + string(room) + "/metadata" }

// PresencePath is a user's presence record.
func PresencePath(user RealtimeUserID) string { return presenceRoot + "/" + string(user) }

// TypingRoomPath holds the typing indicators of a room.
func TypingRoomPath(room RoomID) string { return typingRoot + "/" + string(room) }

// TypingPath is one user's typing indicator in a room.
func TypingPath(room RoomID, user RealtimeUserID) string {
	return TypingRoomPath(room) + "/" + string(user)
}

func splitPath(p string) []string {
	raw := strings.Split(strings.Trim(p, "/"), "/")
	segs := raw[:0]
	for _, s := range raw {
		if s != "" {
			segs = append(segs, s)
		}
	}
	return segs
}

// readOnce returns the first snapshot delivered for path.
func readOnce(ctx context.Context, s RealtimeStore, path string) (Event, error) {
	ch := make(chan Event, 1)
	unsub := s.Subscribe(path, func(ev Event) {
		select {
		case ch <- ev:
		default:
		}
	})
	defer unsub()

	select {
	case ev := <-ch:
		return ev, ev.Err
	case <-ctx.Done():
		return Event{}, ctx.Err()
	}
}

// ============================================================================
// JSON tree helpers
// ============================================================================

// normalize converts v into its generic JSON form.
func normalize(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func lookup(node any, segs []string) (any, bool) {
	cur := node
	for _, s := range segs {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[s]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// assign sets v at segs below root, creating intermediate objects. A nil v
// deletes the entry and prunes parents left empty.
func assign(root map[string]any, segs []string, v any) {
	if len(segs) == 0 {
		return
	}
	if len(segs) == 1 {
		if v == nil {
			delete(root, segs[0])
		} else {
			root[segs[0]] = v
		}
		return
	}
	child, ok := root[segs[0]].(map[string]any)
	if !ok {
		if v == nil {
			return
		}
		child = make(map[string]any)
		root[segs[0]] = child
	}
	assign(child, segs[1:], v)
	if len(child) == 0 {
		delete(root, segs[0])
	}
}

// applyFields merges an Update field set into node.
func applyFields(node map[string]any, fields map[string]any) error {
	for k, v := range fields {
		segs := splitPath(k)
		if len(segs) == 0 {
			return fmt.Errorf("empty field name")
		}
		switch val := v.(type) {
		case Increment:
			var cur float64
			if existing, ok := lookup(node, segs); ok {
				if n, ok := existing.(float64); ok {
					cur = n
				}
			}
			assign(node, segs, cur+float64(val))
		case nil:
			assign(node, segs, nil)
		default:
			n, err := normalize(val)
			if err != nil {
				return fmt.Errorf("field %s: %w", k, err)
			}
			assign(node, segs, n)
		}
	}
	return nil
}

// ============================================================================
// Ordered delivery
// ============================================================================

// serialQueue runs callbacks one at a time on a single goroutine, in the
// order they were pushed. Callbacks may push further work.
type serialQueue struct {
	log    zerolog.Logger
	mu     sync.Mutex
	cond   *sync.Cond
	jobs   []func()
	busy   bool
	closed bool
}

func newSerialQueue(log zerolog.Logger) *serialQueue {
	q := &serialQueue{log: log}
	q.cond = sync.NewCond(&q.mu)
	go q.run()
	return q
}

func (q *serialQueue) push(fn func()) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.jobs = append(q.jobs, fn)
	q.cond.Broadcast()
}

func (q *serialQueue) run() {
	for {
		q.mu.Lock()
		for len(q.jobs) == 0 && !q.closed {
			q.cond.Wait()
		}
		if q.closed {
			q.mu.Unlock()
			return
		}
		fn := q.jobs[0]
		q.jobs[0] = nil
		q.jobs = q.jobs[1:]
		q.busy = true
		q.mu.Unlock()

		safeCall(q.log, fn)

		q.mu.Lock()
		q.busy = false
		q.cond.Broadcast()
		q.mu.Unlock()
	}
}

// idle blocks until the queue is drained. It must not be called from a
// queued callback.
func (q *serialQueue) idle() {
	q.mu.Lock()
	for (len(q.jobs) > 0 || q.busy) && !q.closed {
		q.cond.Wait()
	}
	q.mu.Unlock()
}

func (q *serialQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.jobs = nil
	q.cond.Broadcast()
	q.mu.Unlock()
}

// safeCall runs fn. A panic in subscriber code is logged and swallowed.
func safeCall(log zerolog.Logger, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Warn().Interface("panic", r).Msg("subscriber panicked")
		}
	}()
	fn()
}
