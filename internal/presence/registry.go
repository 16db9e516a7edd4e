package presence

import (
	"sync"

	"github.com/example/ride-dispatch/internal/models"
)

// Registry tracks which users currently hold at least one live connection.
// It is process-local: every presence decision is made on the instance that
// owns the connection, so no shared storage is involved. Lookups sit on the
// hot path of candidate filtering and stay O(1).
type Registry struct {
	mu     sync.RWMutex
	users  map[string]*entry // userID -> connections
	byConn map[string]string // connID -> userID
}

type entry struct {
	role  models.Role
	conns map[string]struct{}
}

func NewRegistry() *Registry {
	return &Registry{
		users:  make(map[string]*entry),
		byConn: make(map[string]string),
	}
}

// MarkOnline registers a connection for the user. A user may hold several
// simultaneous connections (multi-device).
func (r *Registry) MarkOnline(userID string, role models.Role, connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.users[userID]
	if !ok {
		e = &entry{role: role, conns: make(map[string]struct{})}
		r.users[userID] = e
	}
	e.conns[connID] = struct{}{}
	r.byConn[connID] = userID
}

// MarkOffline removes one connection. The user goes offline only when its
// connection set becomes empty, at which point the entry is dropped.
func (r *Registry) MarkOffline(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	userID, ok := r.byConn[connID]
	if !ok {
		return
	}
	delete(r.byConn, connID)
	e, ok := r.users[userID]
	if !ok {
		return
	}
	delete(e.conns, connID)
	if len(e.conns) == 0 {
		delete(r.users, userID)
	}
}

// IsOnline reports whether the user holds at least one live connection.
func (r *Registry) IsOnline(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.users[userID]
	return ok && len(e.conns) > 0
}

// OnlineOfRole returns the ids of all users of the role currently online.
func (r *Registry) OnlineOfRole(role models.Role) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.users))
	for id, e := range r.users {
		if e.role == role && len(e.conns) > 0 {
			out = append(out, id)
		}
	}
	return out
}
