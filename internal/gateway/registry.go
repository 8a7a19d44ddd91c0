package gateway

import "sync"

// registry maps client names to their live sessions. Mutation happens
// only from connection goroutines; the action consumer reads and must
// tolerate a stale miss, which it answers with a requeue.
type registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func newRegistry() *registry {
	return &registry{sessions: make(map[string]*Session)}
}

// put installs sess under name and returns the session it displaced,
// if any. At most one session per client name stays registered.
func (r *registry) put(name string, sess *Session) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	old := r.sessions[name]
	r.sessions[name] = sess
	if old == sess {
		return nil
	}
	return old
}

// remove drops name only if it still maps to sess, so a reconnect that
// displaced the old session is not clobbered by the old teardown.
func (r *registry) remove(name string, sess *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sessions[name] != sess {
		return false
	}
	delete(r.sessions, name)
	return true
}

func (r *registry) get(name string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.sessions[name]
	return sess, ok
}

func (r *registry) names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.sessions))
	for name := range r.sessions {
		out = append(out, name)
	}
	return out
}

func (r *registry) count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
