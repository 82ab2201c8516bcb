package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// ============================================================================
// NATSStore
// ============================================================================

// NATSStore is a RealtimeStore on a JetStream key-value bucket. A store
// path maps to a dotted key ("chats/r1/metadata" is "chats.r1.metadata");
// values live at leaf keys and parent paths are assembled from their
// descendants when subscribed to.
type NATSStore struct {
	kv         nats.KeyValue
	log        zerolog.Logger
	queue      *serialQueue
	maxRetries int
}

// NewNATSStore wraps an existing bucket.
func NewNATSStore(kv nats.KeyValue, log zerolog.Logger) *NATSStore {
	log = log.With().Str("store", "nats").Str("bucket", kv.Bucket()).Logger()
	return &NATSStore{
		kv:         kv,
		log:        log,
		queue:      newSerialQueue(log),
		maxRetries: 8,
	}
}

// OpenNATSStore binds to bucket, creating it if it does not exist.
func OpenNATSStore(nc *nats.Conn, bucket string, log zerolog.Logger) (*NATSStore, error) {
	js, err := nc.JetStream()
	if err != nil {
		return nil, fmt.Errorf("jetstream: %w", err)
	}
	kv, err := js.KeyValue(bucket)
	if errors.Is(err, nats.ErrBucketNotFound) {
		kv, err = js.CreateKeyValue(&nats.KeyValueConfig{
			Bucket:  bucket,
			History: 1,
			Storage: nats.FileStorage,
		})
	}
	if err != nil {
		return nil, fmt.Errorf("bind kv bucket %s: %w", bucket, err)
	}
	return NewNATSStore(kv, log), nil
}

// Close stops delivery. The bucket and connection stay open.
func (s *NATSStore) Close() {
	s.queue.close()
}

func natsKey(path string) (string, error) {
	segs := splitPath(path)
	if len(segs) == 0 {
		return "", fmt.Errorf("empty path")
	}
	for _, seg := range segs {
		if strings.ContainsAny(seg, ".*> \t") {
			return "", fmt.Errorf("path segment %q is not a valid key token", seg)
		}
	}
	return strings.Join(segs, "."), nil
}

// Write replaces the value at path. A nil value deletes it.
func (s *NATSStore) Write(ctx context.Context, path string, value any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	key, err := natsKey(path)
	if err != nil {
		return fmt.Errorf("write: %w", err)
	}
	if value == nil {
		if err := s.kv.Delete(key); err != nil && !errors.Is(err, nats.ErrKeyNotFound) {
			return fmt.Errorf("kv.Delete(%s): %w", key, err)
		}
		return nil
	}
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	if _, err := s.kv.Put(key, data); err != nil {
		return fmt.Errorf("kv.Put(%s): %w", key, err)
	}
	return nil
}

// Update merges fields into the object at path with a compare-and-set on
// the key's revision, retrying on conflict.
func (s *NATSStore) Update(ctx context.Context, path string, fields map[string]any) error {
	key, err := natsKey(path)
	if err != nil {
		return fmt.Errorf("update: %w", err)
	}

	for attempt := 0; attempt < s.maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		node := make(map[string]any)
		var rev uint64
		entry, err := s.kv.Get(key)
		switch {
		case errors.Is(err, nats.ErrKeyNotFound):
		case err != nil:
			return fmt.Errorf("kv.Get(%s): %w", key, err)
		default:
			rev = entry.Revision()
			if json.Unmarshal(entry.Value(), &node) != nil || node == nil {
				node = make(map[string]any)
			}
		}

		if err := applyFields(node, fields); err != nil {
			return fmt.Errorf("update %s: %w", path, err)
		}
		data, err := json.Marshal(node)
		if err != nil {
			return fmt.Errorf("update %s: %w", path, err)
		}

		if rev == 0 {
			_, err = s.kv.Create(key, data)
		} else {
			_, err = s.kv.Update(key, data, rev)
		}
		if err == nil {
			return nil
		}
		if !isRevisionConflict(err) {
			return fmt.Errorf("update %s: %w", key, err)
		}
		s.log.Debug().Str("key", key).Int("attempt", attempt+1).Msg("revision conflict, retrying")
	}
	return fmt.Errorf("update %s: gave up after %d conflicting writes", key, s.maxRetries)
}

func isRevisionConflict(err error) bool {
	return errors.Is(err, nats.ErrKeyExists) ||
		strings.Contains(err.Error(), "wrong last sequence") ||
		strings.Contains(err.Error(), "key exists")
}

// Subscribe watches the key of path and every key below it. The first
// snapshot is delivered once the initial values of both watches are in.
func (s *NATSStore) Subscribe(path string, fn func(Event)) Unsubscribe {
	sub := &natsSubscription{
		store:  s,
		path:   path,
		fn:     fn,
		values: make(map[string][]byte),
		done:   make(chan struct{}),
	}
	sub.active.Store(true)

	key, err := natsKey(path)
	if err != nil {
		sub.deliver(Event{Path: path, Err: err})
		return sub.stop
	}
	sub.key = key

	for _, pattern := range []string{key, key + ".>"} {
		w, err := s.kv.Watch(pattern)
		if err != nil {
			sub.stopWatchers()
			sub.deliver(Event{Path: path, Err: fmt.Errorf("kv.Watch(%s): %w", pattern, err)})
			return sub.stop
		}
		sub.watchers = append(sub.watchers, w)
	}
	sub.pending = len(sub.watchers)
	for _, w := range sub.watchers {
		go sub.run(w)
	}
	return sub.stop
}

type natsSubscription struct {
	store    *NATSStore
	path     string
	key      string
	fn       func(Event)
	watchers []nats.KeyWatcher
	active   atomic.Bool
	done     chan struct{}
	once     sync.Once

	mu      sync.Mutex
	values  map[string][]byte
	pending int
}

func (sub *natsSubscription) run(w nats.KeyWatcher) {
	initial := true
	for {
		select {
		case <-sub.done:
			return
		case entry, ok := <-w.Updates():
			if !ok {
				return
			}
			sub.mu.Lock()
			if entry == nil {
				if initial {
					initial = false
					sub.pending--
				}
			} else {
				switch entry.Operation() {
				case nats.KeyValueDelete, nats.KeyValuePurge:
					delete(sub.values, entry.Key())
				default:
					sub.values[entry.Key()] = entry.Value()
				}
			}
			if sub.pending == 0 {
				sub.deliver(Event{Path: sub.path, Value: assembleTree(sub.key, sub.values)})
			}
			sub.mu.Unlock()
		}
	}
}

func (sub *natsSubscription) deliver(ev Event) {
	sub.store.queue.push(func() {
		if sub.active.Load() {
			sub.fn(ev)
		}
	})
}

func (sub *natsSubscription) stop() {
	sub.once.Do(func() {
		sub.active.Store(false)
		close(sub.done)
		sub.stopWatchers()
	})
}

func (sub *natsSubscription) stopWatchers() {
	for _, w := range sub.watchers {
		if err := w.Stop(); err != nil {
			sub.store.log.Debug().Err(err).Str("path", sub.path).Msg("stop watcher")
		}
	}
}

// assembleTree rebuilds the JSON value at key from the leaf values of key
// and its descendants.
func assembleTree(key string, values map[string][]byte) json.RawMessage {
	var root any
	children := make(map[string]any)
	for k, data := range values {
		var v any
		if json.Unmarshal(data, &v) != nil {
			continue
		}
		if k == key {
			root = v
			continue
		}
		rel := strings.TrimPrefix(k, key+".")
		assign(children, strings.Split(rel, "."), v)
	}
	if len(children) > 0 {
		if m, ok := root.(map[string]any); ok {
			for k, v := range children {
				m[k] = v
			}
		} else {
			root = children
		}
	}
	out, err := json.Marshal(root)
	if err != nil {
		return json.RawMessage("null")
	}
	return out
}
