package server

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/NicolasHaas/xmppbridge/pkg/model"
	"github.com/NicolasHaas/xmppbridge/pkg/xmppclient"
)

var ErrSessionBound = errors.New("server: session already bound to an XMPP connection")

// binding ties a WebSocket session to its XMPP connection.
type binding struct {
	session model.Session
	peer    Peer
	conn    xmppclient.Conn
	log     *slog.Logger
}

// Registry maps session IDs to live bindings. An entry exists only while its
// XMPP connection is logged in and not torn down.
type Registry struct {
	mu       sync.RWMutex
	bindings map[string]*binding // sessionID -> binding
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		bindings: make(map[string]*binding),
	}
}

// Add stores b. It fails with ErrSessionBound if the session already has a
// binding.
func (r *Registry) Add(b *binding) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.bindings[b.session.ID]; exists {
		return ErrSessionBound
	}
	r.bindings[b.session.ID] = b
	return nil
}

// Remove deletes and returns the binding for id, or nil if there is none.
// Only the caller that receives the binding may tear it down.
func (r *Registry) Remove(id string) *binding {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.bindings[id]
	if !ok {
		return nil
	}
	delete(r.bindings, id)
	return b
}

// Release removes b if it is still the binding for its session. It reports
// whether the caller now owns the teardown of b.
func (r *Registry) Release(b *binding) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.bindings[b.session.ID]; !ok || cur != b {
		return false
	}
	delete(r.bindings, b.session.ID)
	return true
}

// Get retrieves the binding for id.
func (r *Registry) Get(id string) *binding {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.bindings[id]
}

// Bound reports whether id has a binding.
func (r *Registry) Bound(id string) bool {
	return r.Get(id) != nil
}

// Count returns the number of bound sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.bindings)
}

// All returns all bound sessions (snapshot).
func (r *Registry) All() []model.Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]model.Session, 0, len(r.bindings))
	for _, b := range r.bindings {
		result = append(result, b.session)
	}
	return result
}

// RemoveAll empties the registry and returns the removed bindings. The
// caller owns closing them.
func (r *Registry) RemoveAll() []*binding {
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := make([]*binding, 0, len(r.bindings))
	for _, b := range r.bindings {
		removed = append(removed, b)
	}
	r.bindings = make(map[string]*binding)
	return removed
}
