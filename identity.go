package chatsync

import (
	"context"
	"fmt"
	"sync"
)

// ============================================================================
// Identity providers
// ============================================================================

// Credentials is a signed-in identity together with its bearer token.
type Credentials[ID ~string] struct {
	UserID ID
	Token  string
}

// IdentityProvider returns the currently signed-in identity of one identity
// space. It returns an error when nobody is signed in.
type IdentityProvider[ID ~string] interface {
	Current(ctx context.Context) (Credentials[ID], error)
}

// IdentityFunc adapts a function to IdentityProvider.
type IdentityFunc[ID ~string] func(ctx context.Context) (Credentials[ID], error)

func (f IdentityFunc[ID]) Current(ctx context.Context) (Credentials[ID], error) { return f(ctx) }

// StaticIdentity is a mutable identity holder, e.g. fed by a sign-in flow.
type StaticIdentity[ID ~string] struct {
	mu    sync.RWMutex
	creds Credentials[ID]
	// missing is returned while signed out.
	missing error
}

// NewStaticIdentity creates a provider that returns missing until Set is called.
func NewStaticIdentity[ID ~string](missing error) *StaticIdentity[ID] {
	return &StaticIdentity[ID]{missing: missing}
}

// Set signs an identity in.
func (s *StaticIdentity[ID]) Set(id ID, token string) {
	s.mu.Lock()
	s.creds = Credentials[ID]{UserID: id, Token: token}
	s.mu.Unlock()
}

// Clear signs the identity out.
func (s *StaticIdentity[ID]) Clear() {
	s.mu.Lock()
	s.creds = Credentials[ID]{}
	s.mu.Unlock()
}

func (s *StaticIdentity[ID]) Current(ctx context.Context) (Credentials[ID], error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.creds.UserID == "" {
		return Credentials[ID]{}, s.missing
	}
	return s.creds, nil
}

// ============================================================================
// Translator
// ============================================================================

// Translator maps user ids between the durable and realtime identity spaces.
type Translator interface {
	ToRealtime(ctx context.Context, id DurableUserID) (RealtimeUserID, error)
	ToDurable(ctx context.Context, id RealtimeUserID) (DurableUserID, error)
}

// StaticTranslator is an in-memory Translator.
type StaticTranslator struct {
	mu       sync.RWMutex
	realtime map[DurableUserID]RealtimeUserID
	durable  map[RealtimeUserID]DurableUserID
}

// NewStaticTranslator creates an empty translator.
func NewStaticTranslator() *StaticTranslator {
	return &StaticTranslator{
		realtime: make(map[DurableUserID]RealtimeUserID),
		durable:  make(map[RealtimeUserID]DurableUserID),
	}
}

// Add registers a user's pair of ids.
func (t *StaticTranslator) Add(d DurableUserID, r RealtimeUserID) *StaticTranslator {
	t.mu.Lock()
	t.realtime[d] = r
	t.durable[r] = d
	t.mu.Unlock()
	return t
}

func (t *StaticTranslator) ToRealtime(_ context.Context, id DurableUserID) (RealtimeUserID, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	r, ok := t.realtime[id]
	if !ok {
		return "", fmt.Errorf("durable user %s: %w", id, ErrUserNotFound)
	}
	return r, nil
}

func (t *StaticTranslator) ToDurable(_ context.Context, id RealtimeUserID) (DurableUserID, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	d, ok := t.durable[id]
	if !ok {
		return "", fmt.Errorf("realtime user %s: %w", id, ErrUserNotFound)
	}
	return d, nil
}

// CachingTranslator memoizes successful lookups of another Translator.
// Failed lookups are not cached.
type CachingTranslator struct {
	next  Translator
	cache *StaticTranslator
}

// NewCachingTranslator wraps next.
func NewCachingTranslator(next Translator) *CachingTranslator {
	return &CachingTranslator{next: next, cache: NewStaticTranslator()}
}

func (c *CachingTranslator) ToRealtime(ctx context.Context, id DurableUserID) (RealtimeUserID, error) {
	if r, err := c.cache.ToRealtime(ctx, id); err == nil {
		return r, nil
	}
	r, err := c.next.ToRealtime(ctx, id)
	if err != nil {
		return "", err
	}
	c.cache.Add(id, r)
	return r, nil
}

func (c *CachingTranslator) ToDurable(ctx context.Context, id RealtimeUserID) (DurableUserID, error) {
	if d, err := c.cache.ToDurable(ctx, id); err == nil {
		return d, nil
	}
	d, err := c.next.ToDurable(ctx, id)
	if err != nil {
		return "", err
	}
	c.cache.Add(d, id)
	return d, nil
}
