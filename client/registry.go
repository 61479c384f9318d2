package client

import (
	"sync"

	"github.com/xerlaet/p2p-client/peer"
)

// registry is the orchestrator's peer-id -> session handle table. Safe
// for concurrent use; the registry lock is never held while awaiting a
// session operation.
type registry struct {
	mu       sync.Mutex
	sessions map[[20]byte]*peer.Session
}

func newRegistry() *registry {
	return &registry{sessions: make(map[[20]byte]*peer.Session)}
}

// add registers s under its remote peer-id, rejecting a duplicate
// connection to a peer-id already present.
func (r *registry) add(s *peer.Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := s.RemotePeerID()
	if _, exists := r.sessions[id]; exists {
		return false
	}
	r.sessions[id] = s
	return true
}

func (r *registry) remove(s *peer.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, s.RemotePeerID())
}

func (r *registry) has(id [20]byte) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.sessions[id]
	return ok
}

// snapshot returns a stable copy of the currently registered sessions.
func (r *registry) snapshot() []*peer.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*peer.Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

func (r *registry) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
