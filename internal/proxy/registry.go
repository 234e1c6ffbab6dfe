package proxy

import (
	"sync"

	"github.com/vnmchuo/pm-dashboard/internal/session"
)

// Registry holds at most one running session per surface, where a surface
// is one user working in one app.
type Registry struct {
	mu     sync.Mutex
	active map[string]*session.Session
}

func NewRegistry() *Registry {
	return &Registry{active: make(map[string]*session.Session)}
}

func surfaceKey(username, app string) string {
	return username + "/" + app
}

// Reserve claims the surface. It fails while another session holds it.
func (r *Registry) Reserve(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, busy := r.active[key]; busy {
		return false
	}
	r.active[key] = nil
	return true
}

// Attach records the session started on a reserved surface.
func (r *Registry) Attach(key string, s *session.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active[key] = s
}

// Get returns the running session for the surface, or nil.
func (r *Registry) Get(key string) *session.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active[key]
}

func (r *Registry) Release(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.active, key)
}
