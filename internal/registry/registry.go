// Package registry holds the process-wide coordination state shared by
// manager instances: the singleton map keyed by configuration, the shared
// global session slot that survives a hot reload, and the refresh lock that
// keeps concurrent refreshes down to one network call per key.
package registry

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/dgellow/tokenfront/internal/log"
	"github.com/dgellow/tokenfront/internal/session"
)

// Key derives the deterministic configuration key identifying one
// authenticated session per (authBaseURL, clientID) pair
func Key(authBaseURL, clientID string) string {
	normalized := strings.TrimRight(strings.ToLower(authBaseURL), "/") + "|" + clientID
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:8])
}

// entry is the per-key shared state
type entry struct {
	managers map[string]any // manager id -> instance

	globalSession *session.Session
	globalSavedAt time.Time

	refreshInFlight bool
	lastRefreshTime time.Time
}

// Registry is the shared context object passed to manager constructions.
// It is created on first use by a host and torn down implicitly when the
// last referencing manager deregisters.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry
	group   singleflight.Group
}

// New creates an empty registry
func New() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

var (
	processOnce     sync.Once
	processRegistry *Registry
)

// Process returns the lazily created process-wide registry used when a host
// doesn't inject its own. Sharing it is what makes construction idempotent
// across independently initialized parts of one program.
func Process() *Registry {
	processOnce.Do(func() {
		processRegistry = New()
	})
	return processRegistry
}

func (r *Registry) entryFor(key string) *entry {
	e, ok := r.entries[key]
	if !ok {
		e = &entry{managers: make(map[string]any)}
		r.entries[key] = e
	}
	return e
}

// LookupOrRegister returns the live instance registered under key, or runs
// construct and registers its result under (key, id). Construction is
// serialized per registry, so two concurrent constructions with the same
// key yield the same instance.
func (r *Registry) LookupOrRegister(key, id string, construct func() (any, error)) (any, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e := r.entryFor(key)
	for _, existing := range e.managers {
		return existing, false, nil
	}

	instance, err := construct()
	if err != nil {
		if len(e.managers) == 0 && e.globalSession == nil {
			delete(r.entries, key)
		}
		return nil, false, err
	}
	e.managers[id] = instance

	log.LogDebugWithFields("registry", "Registered manager instance", map[string]any{
		"key": key,
		"id":  id,
	})
	return instance, true, nil
}

// Deregister removes one manager from the key's entry. The entry is dropped
// with its shared session when the last manager leaves, and the whole
// registry state resets once empty.
func (r *Registry) Deregister(key, id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[key]
	if !ok {
		return
	}
	delete(e.managers, id)
	if len(e.managers) == 0 {
		delete(r.entries, key)
	}
	if len(r.entries) == 0 {
		r.entries = make(map[string]*entry)
	}
}

// GlobalSession returns the shared last-writer-wins session snapshot for a
// key. Callers receive a copy.
func (r *Registry) GlobalSession(key string) (*session.Session, time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[key]
	if !ok || e.globalSession == nil {
		return nil, time.Time{}, false
	}
	return e.globalSession.Clone(), e.globalSavedAt, true
}

// SetGlobalSession stores a session snapshot unless a newer one is already
// present. Returns false when the write was rejected as stale: a response
// from a slow refresh must not overwrite a newer session.
func (r *Registry) SetGlobalSession(key string, s *session.Session, savedAt time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e := r.entryFor(key)
	if e.globalSession != nil && !savedAt.After(e.globalSavedAt) {
		log.LogTraceWithFields("registry", "Rejecting stale global session write", map[string]any{
			"key":     key,
			"savedAt": savedAt,
			"current": e.globalSavedAt,
		})
		return false
	}
	e.globalSession = s.Clone()
	e.globalSavedAt = savedAt
	return true
}

// ClearGlobalSession drops the shared snapshot for a key
func (r *Registry) ClearGlobalSession(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[key]; ok {
		e.globalSession = nil
		e.globalSavedAt = time.Time{}
	}
}

// Refresh runs fn under the key's shared refresh lock. Concurrent callers
// for the same key await the same in-flight call and receive its result;
// the lock is released regardless of outcome.
func (r *Registry) Refresh(key string, fn func() (any, error)) <-chan singleflight.Result {
	return r.group.DoChan(key, func() (value any, err error) {
		r.setRefreshInFlight(key, true)
		defer func() {
			r.setRefreshInFlight(key, false)
			r.setLastRefreshTime(key, time.Now())
		}()
		return fn()
	})
}

// RefreshInFlight reports whether a refresh is currently running for key
func (r *Registry) RefreshInFlight(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[key]
	return ok && e.refreshInFlight
}

// LastRefreshTime returns when the last refresh attempt for key completed
func (r *Registry) LastRefreshTime(key string) time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[key]; ok {
		return e.lastRefreshTime
	}
	return time.Time{}
}

func (r *Registry) setRefreshInFlight(key string, inFlight bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entryFor(key).refreshInFlight = inFlight
}

func (r *Registry) setLastRefreshTime(key string, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entryFor(key).lastRefreshTime = at
}
