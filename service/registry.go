package service

import (
	"hash/fnv"
	"sync"
)

// registryShardCount bounds lock contention on the Registry. No sharded-map
// library appears anywhere in the example corpus, so this is hand-rolled
// with sync.RWMutex + hash/fnv, the same primitives the corpus itself reaches
// for when it needs a concurrent map (see CacheManager's sync.Map usage,
// generalized here to support the compare-and-swap eviction Remove needs).
const registryShardCount = 32

type registryShard struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// Registry is the in-memory UserId -> Session map enforcing the
// single-active-session-per-user invariant across this gateway node.
type Registry struct {
	shards [registryShardCount]*registryShard
}

// NewRegistry builds an empty Registry.
func NewRegistry() *Registry {
	r := &Registry{}
	for i := range r.shards {
		r.shards[i] = &registryShard{sessions: make(map[string]*Session)}
	}
	return r
}

func (r *Registry) shardFor(userID string) *registryShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	return r.shards[h.Sum32()%registryShardCount]
}

// Put installs session as the Active session for its UserID, returning the
// previously registered session for that user, if any, so the caller can
// supersede it. The new session always wins.
func (r *Registry) Put(session *Session) (previous *Session) {
	shard := r.shardFor(session.UserID)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	previous = shard.sessions[session.UserID]
	shard.sessions[session.UserID] = session
	return previous
}

// Get returns the Active session registered for userID, if any.
func (r *Registry) Get(userID string) (*Session, bool) {
	shard := r.shardFor(userID)
	shard.mu.RLock()
	defer shard.mu.RUnlock()

	s, ok := shard.sessions[userID]
	return s, ok
}

// Remove deletes the registered session for userID only if it is still the
// given session, preventing a stale Close from evicting a session that
// already superseded it.
func (r *Registry) Remove(session *Session) bool {
	shard := r.shardFor(session.UserID)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	if current, ok := shard.sessions[session.UserID]; ok && current == session {
		delete(shard.sessions, session.UserID)
		return true
	}
	return false
}

// Len returns the total number of registered sessions across all shards.
func (r *Registry) Len() int {
	total := 0
	for _, shard := range r.shards {
		shard.mu.RLock()
		total += len(shard.sessions)
		shard.mu.RUnlock()
	}
	return total
}

// ForEach invokes fn for every registered session. ForEach holds each
// shard's read lock only while copying that shard into a snapshot map, and
// fn runs with no lock held, so fn may call back into the Registry.
func (r *Registry) ForEach(fn func(userID string, session *Session)) {
	for _, shard := range r.shards {
		shard.mu.RLock()
		snapshot := make(map[string]*Session, len(shard.sessions))
		for k, v := range shard.sessions {
			snapshot[k] = v
		}
		shard.mu.RUnlock()

		for k, v := range snapshot {
			fn(k, v)
		}
	}
}
