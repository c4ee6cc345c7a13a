package push

import (
	"encoding/json"
	"log"
	"sync"

	"github.com/example/realtime-chat/wire"
)

// Router maps chat ids to the set of live connections joined to them and
// performs fan-out delivery. Groups are created lazily on first join;
// operations on unknown chats or connections never surface a fatal error.
type Router struct {
	mu       sync.RWMutex
	groups   map[string]map[string]bool // chatID -> set of connIDs
	registry *Registry
}

// NewRouter creates a Router backed by the given registry and installs
// itself as the registry's eviction hook.
func NewRouter(registry *Registry) *Router {
	rt := &Router{
		groups:   make(map[string]map[string]bool),
		registry: registry,
	}
	registry.SetEvictionHook(rt.Evict)
	return rt
}

// Join adds a connection to a chat's group. Idempotent; joining twice is
// harmless. The updated group, joiner included, receives a user_joined push.
func (rt *Router) Join(connID, chatID string) {
	identity, ok := rt.registry.Identity(connID)
	if !ok {
		log.Printf("[push] Join ignored for unknown connection %s", connID)
		return
	}

	rt.mu.Lock()
	if rt.groups[chatID] == nil {
		rt.groups[chatID] = make(map[string]bool)
	}
	rt.groups[chatID][connID] = true
	rt.mu.Unlock()

	frame, err := wire.NewFrame(wire.TypeUserJoined, "", wire.PresencePayload{
		ChatID:   chatID,
		Identity: identity,
	})
	if err != nil {
		log.Printf("[push] Failed to build user_joined frame: %v", err)
		return
	}
	rt.Broadcast(chatID, frame)
}

// Leave removes a connection from a chat's group. Best-effort: leaving a
// group the connection was never in is a silent no-op. The remaining group
// receives a user_left push.
func (rt *Router) Leave(connID, chatID string) {
	identity, _ := rt.registry.Identity(connID)

	rt.mu.Lock()
	group, ok := rt.groups[chatID]
	if !ok || !group[connID] {
		rt.mu.Unlock()
		return
	}
	delete(group, connID)
	if len(group) == 0 {
		delete(rt.groups, chatID)
	}
	rt.mu.Unlock()

	frame, err := wire.NewFrame(wire.TypeUserLeft, "", wire.PresencePayload{
		ChatID:   chatID,
		Identity: identity,
	})
	if err != nil {
		log.Printf("[push] Failed to build user_left frame: %v", err)
		return
	}
	rt.Broadcast(chatID, frame)
}

// Evict removes a connection from every group it belonged to. Invoked by
// the registry's unregister path; no presence events are emitted here — the
// gateway broadcasts the disconnect separately.
func (rt *Router) Evict(connID string) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	for chatID, group := range rt.groups {
		if group[connID] {
			delete(group, connID)
			if len(group) == 0 {
				delete(rt.groups, chatID)
			}
		}
	}
}

// Broadcast delivers a frame to every live member of a chat's group.
// Delivery to a connection that disappears or fails mid-broadcast is
// skipped, not retried. Unknown chats are a no-op.
func (rt *Router) Broadcast(chatID string, frame wire.Frame) {
	rt.mu.RLock()
	members := make([]string, 0, len(rt.groups[chatID]))
	for connID := range rt.groups[chatID] {
		members = append(members, connID)
	}
	rt.mu.RUnlock()

	rt.deliver(members, frame)
}

// BroadcastAll delivers a frame to every live connection regardless of
// group membership.
func (rt *Router) BroadcastAll(frame wire.Frame) {
	rt.deliver(rt.registry.ConnectionIDs(), frame)
}

// BroadcastToIdentities delivers a frame to every live connection claiming
// one of the given identities.
func (rt *Router) BroadcastToIdentities(identities []string, frame wire.Frame) {
	seen := make(map[string]bool)
	var targets []string
	for _, identity := range identities {
		for _, connID := range rt.registry.ConnectionsByIdentity(identity) {
			if !seen[connID] {
				seen[connID] = true
				targets = append(targets, connID)
			}
		}
	}
	rt.deliver(targets, frame)
}

func (rt *Router) deliver(connIDs []string, frame wire.Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		log.Printf("[push] Failed to marshal %s frame: %v", frame.Type, err)
		return
	}
	for _, connID := range connIDs {
		found, err := rt.registry.send(connID, data)
		if found && err != nil {
			log.Printf("[push] Failed to deliver %s to %s: %v", frame.Type, connID, err)
		}
	}
}

// Members returns the connection ids currently joined to a chat.
func (rt *Router) Members(chatID string) []string {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	out := make([]string, 0, len(rt.groups[chatID]))
	for connID := range rt.groups[chatID] {
		out = append(out, connID)
	}
	return out
}

// GroupCount returns the number of connections joined to a chat.
func (rt *Router) GroupCount(chatID string) int {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return len(rt.groups[chatID])
}
