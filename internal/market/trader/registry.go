// Package trader negotiates market participation on behalf of a cluster
// scope and guarantees that at most one negotiation is in flight per scope.
package trader

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/clustermesh/capmarket/pkg/models"
)

// Scope is the partition key under which a negotiation is mutually
// exclusive, e.g. a namespace/topology pair.
type Scope struct {
	Namespace string `json:"namespace"`
	Name      string `json:"name"`
}

func (s Scope) String() string {
	return s.Namespace + "/" + s.Name
}

// Session is one in-flight negotiation. The registry owns a session for its
// whole lifetime; callers interact through Register/Unregister only.
type Session struct {
	Scope     Scope
	Problem   json.RawMessage
	ProductID uuid.UUID
	SubID     uuid.UUID
	Function  models.WebhookSpec
}

var (
	// ErrScopeLocked means a session is already registered for the scope.
	ErrScopeLocked = errors.New("scope already has a registered session")
	// ErrScopeNotFound means no session is registered for the scope.
	ErrScopeNotFound = errors.New("no session registered for scope")
)

// Registry is the scope-keyed mutual exclusion map. Registration is a single
// atomic insert-if-absent under one lock, never a separate is-locked check
// followed by an insert.
type Registry struct {
	mu       sync.Mutex
	sessions map[Scope]Session
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[Scope]Session)}
}

// IsLocked reports whether a session holds the scope. Advisory only: callers
// must still handle ErrScopeLocked from Register.
func (r *Registry) IsLocked(scope Scope) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.sessions[scope]
	return ok
}

// Register atomically claims the scope for the session.
func (r *Registry) Register(session Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[session.Scope]; ok {
		return fmt.Errorf("%w: %s", ErrScopeLocked, session.Scope)
	}
	r.sessions[session.Scope] = session
	return nil
}

// Update replaces the stored session for an already-claimed scope.
func (r *Registry) Update(session Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[session.Scope]; !ok {
		return fmt.Errorf("%w: %s", ErrScopeNotFound, session.Scope)
	}
	r.sessions[session.Scope] = session
	return nil
}

// Unregister releases the scope and returns the owned session.
func (r *Registry) Unregister(scope Scope) (Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	session, ok := r.sessions[scope]
	if !ok {
		return Session{}, fmt.Errorf("%w: %s", ErrScopeNotFound, scope)
	}
	delete(r.sessions, scope)
	return session, nil
}
