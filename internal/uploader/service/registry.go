package service

import (
	"sync"

	"github.com/spaolacci/murmur3"
)

const registryShards = 32

// registry tracks in-flight sessions by request ID. Sessions are spread over
// shards so that concurrent requests rarely contend on one lock.
type registry struct {
	shards [registryShards]registryShard
}

type registryShard struct {
	mu       sync.Mutex
	sessions map[string]*session
}

func newRegistry() *registry {
	r := &registry{}
	for i := range r.shards {
		r.shards[i].sessions = make(map[string]*session)
	}
	return r
}

// shard uses the streaming murmur3 digest; Sum32 in murmur3 v1.1.0 does
// uintptr arithmetic that checkptr rejects under -race.
func (r *registry) shard(id string) *registryShard {
	h := murmur3.New32()
	_, _ = h.Write([]byte(id))
	return &r.shards[h.Sum32()%registryShards]
}

// add registers s. It reports false when the ID is already in flight.
func (r *registry) add(s *session) bool {
	sh := r.shard(s.id)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if _, exists := sh.sessions[s.id]; exists {
		return false
	}
	sh.sessions[s.id] = s
	return true
}

// remove drops s if it is still the session registered under its ID.
func (r *registry) remove(s *session) {
	sh := r.shard(s.id)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if sh.sessions[s.id] == s {
		delete(sh.sessions, s.id)
	}
}

func (r *registry) get(id string) (*session, bool) {
	sh := r.shard(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	s, ok := sh.sessions[id]
	return s, ok
}

// ids returns the request IDs currently in flight.
func (r *registry) ids() []string {
	var out []string
	for i := range r.shards {
		sh := &r.shards[i]
		sh.mu.Lock()
		for id := range sh.sessions {
			out = append(out, id)
		}
		sh.mu.Unlock()
	}
	return out
}

// all returns a snapshot of every in-flight session.
func (r *registry) all() []*session {
	var out []*session
	for i := range r.shards {
		sh := &r.shards[i]
		sh.mu.Lock()
		for _, s := range sh.sessions {
			out = append(out, s)
		}
		sh.mu.Unlock()
	}
	return out
}
