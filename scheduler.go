package chatsync

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Scheduler runs named deferred tasks. Tasks are grouped by scope (a room,
// a watch) so that everything belonging to a scope can be cancelled at
// once. Scheduling a task under an existing scope/name replaces it.
type Scheduler struct {
	clock clock.Clock

	mu     sync.Mutex
	tasks  map[taskKey]*scheduledTask
	seq    uint64
	closed bool
}

type taskKey struct {
	scope string
	name  string
}

type scheduledTask struct {
	id    uint64
	timer *clock.Timer
}

// NewScheduler creates a scheduler driven by c. A nil clock uses wall time.
func NewScheduler(c clock.Clock) *Scheduler {
	if c == nil {
		c = clock.New()
	}
	return &Scheduler{clock: c, tasks: make(map[taskKey]*scheduledTask)}
}

// Clock returns the scheduler's time source.
func (s *Scheduler) Clock() clock.Clock { return s.clock }

// Schedule runs fn after d unless cancelled or replaced first.
func (s *Scheduler) Schedule(scope, name string, d time.Duration, fn func()) {
	key := taskKey{scope, name}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if old, ok := s.tasks[key]; ok {
		old.timer.Stop()
	}
	s.seq++
	id := s.seq
	t := &scheduledTask{id: id}
	s.tasks[key] = t
	t.timer = s.clock.AfterFunc(d, func() {
		s.mu.Lock()
		cur, ok := s.tasks[key]
		if !ok || cur.id != id {
			s.mu.Unlock()
			return
		}
		delete(s.tasks, key)
		s.mu.Unlock()
		fn()
	})
}

// Cancel stops a pending task. It reports whether one was pending.
func (s *Scheduler) Cancel(scope, name string) bool {
	key := taskKey{scope, name}
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[key]
	if !ok {
		return false
	}
	t.timer.Stop()
	delete(s.tasks, key)
	return true
}

// CancelScope stops every pending task of scope and returns how many.
func (s *Scheduler) CancelScope(scope string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for key, t := range s.tasks {
		if key.scope == scope {
			t.timer.Stop()
			delete(s.tasks, key)
			n++
		}
	}
	return n
}

// Pending reports whether a task is scheduled.
func (s *Scheduler) Pending(scope, name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.tasks[taskKey{scope, name}]
	return ok
}

// Close cancels everything and rejects further scheduling.
func (s *Scheduler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for key, t := range s.tasks {
		t.timer.Stop()
		delete(s.tasks, key)
	}
}
