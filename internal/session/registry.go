package session

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/moby/locker"
)

// Registry indexes sessions by natural key and by id. Per-key locks
// serialize lifecycle decisions for one key without blocking other keys.
type Registry struct {
	locks     *locker.Locker
	maxOutput int
	now       func() time.Time

	mu    sync.RWMutex
	byKey map[Key]*Session
	byID  map[string]*Session
}

// NewRegistry creates an empty registry. maxOutput caps every session's
// output log.
func NewRegistry(maxOutput int) *Registry {
	return &Registry{
		locks:     locker.New(),
		maxOutput: maxOutput,
		now:       time.Now,
		byKey:     make(map[Key]*Session),
		byID:      make(map[string]*Session),
	}
}

// SetClock replaces the registry clock. It is meant for tests.
func (r *Registry) SetClock(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
}

func (r *Registry) clock() time.Time {
	r.mu.RLock()
	now := r.now
	r.mu.RUnlock()
	return now()
}

// Lock takes the per-key lock and returns its release func.
func (r *Registry) Lock(k Key) func() {
	name := k.String()
	r.locks.Lock(name)
	return func() { _ = r.locks.Unlock(name) }
}

func (r *Registry) Get(k Key) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byKey[k]
	return s, ok
}

func (r *Registry) GetByID(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byID[id]
	return s, ok
}

// Create registers a new session for k, replacing any previous entry.
// The caller must hold the key lock.
func (r *Registry) Create(k Key, ttl time.Duration, env map[string]string) *Session {
	s := newSession(uuid.NewString(), k, ttl, env, r.clock(), r.maxOutput)
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.byKey[k]; ok {
		delete(r.byID, old.ID)
	}
	r.byKey[k] = s
	r.byID[s.ID] = s
	return s
}

// Remove drops s if it is still the registered session for its key.
func (r *Registry) Remove(s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.byKey[s.Key]
	if !ok || cur != s {
		return false
	}
	delete(r.byKey, s.Key)
	delete(r.byID, s.ID)
	return true
}

// Sessions returns every registered session ordered by creation time.
func (r *Registry) Sessions() []*Session {
	r.mu.RLock()
	out := make([]*Session, 0, len(r.byKey))
	for _, s := range r.byKey {
		out = append(out, s)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Owned returns the sessions of one owner.
func (r *Registry) Owned(owner string) []*Session {
	var out []*Session
	for _, s := range r.Sessions() {
		if s.Key.OwnerKey == owner {
			out = append(out, s)
		}
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byKey)
}
