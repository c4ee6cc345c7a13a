package push

import (
	"log"
	"sync"

	"github.com/gofiber/contrib/websocket"
	"github.com/google/uuid"
)

// Conn is the write surface the registry needs from a websocket connection.
// *websocket.Conn satisfies it; tests substitute fakes.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
}

// session binds a live connection to its claimed identity. Writes are
// serialized per connection: replies from the gateway's read loop and
// broadcasts from event consumers may race otherwise.
type session struct {
	id       string
	identity string
	conn     Conn
	mu       sync.Mutex
}

func (s *session) send(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// Registry maps live connections to claimed identities. It is safe for
// concurrent use across many simultaneous connect/disconnect interleavings.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*session
	onEvict  func(connID string)
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*session),
	}
}

// SetEvictionHook installs the callback invoked after every successful
// unregister, so the router can remove the connection from every group it
// belonged to. Must be set before the first Register.
func (r *Registry) SetEvictionHook(fn func(connID string)) {
	r.onEvict = fn
}

// Register binds a connection to a claimed identity and returns the
// allocated connection id. Identities are not authenticated and may be
// claimed by multiple simultaneous connections.
func (r *Registry) Register(identity string, conn Conn) string {
	s := &session{
		id:       uuid.New().String(),
		identity: identity,
		conn:     conn,
	}

	r.mu.Lock()
	r.sessions[s.id] = s
	r.mu.Unlock()

	log.Printf("[push] Connection %s registered (identity=%s)", s.id, identity)
	return s.id
}

// Unregister removes a connection and returns its identity. Unknown ids are
// a no-op. The eviction hook runs after removal so the connection can never
// linger as a broadcast target.
func (r *Registry) Unregister(connID string) (string, bool) {
	r.mu.Lock()
	s, ok := r.sessions[connID]
	if ok {
		delete(r.sessions, connID)
	}
	r.mu.Unlock()

	if !ok {
		return "", false
	}
	if r.onEvict != nil {
		r.onEvict(connID)
	}

	log.Printf("[push] Connection %s unregistered (identity=%s)", connID, s.identity)
	return s.identity, true
}

// Identity returns the identity bound to a connection.
func (r *Registry) Identity(connID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[connID]
	if !ok {
		return "", false
	}
	return s.identity, true
}

// ConnectionsByIdentity returns the ids of every live connection claiming
// the given identity.
func (r *Registry) ConnectionsByIdentity(identity string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for id, s := range r.sessions {
		if s.identity == identity {
			out = append(out, id)
		}
	}
	return out
}

// ConnectionIDs returns the ids of all live connections.
func (r *Registry) ConnectionIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		out = append(out, id)
	}
	return out
}

// Count returns the number of live connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Send writes data to a single connection, serialized with concurrent
// broadcasts. Unknown connections are a silent no-op.
func (r *Registry) Send(connID string, data []byte) error {
	_, err := r.send(connID, data)
	return err
}

// send writes data to a single connection. Missing connections return false.
func (r *Registry) send(connID string, data []byte) (bool, error) {
	r.mu.RLock()
	s, ok := r.sessions[connID]
	r.mu.RUnlock()
	if !ok {
		return false, nil
	}
	return true, s.send(data)
}
