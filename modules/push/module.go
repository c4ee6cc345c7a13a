package push

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/go-monolith/mono"
	"github.com/go-monolith/mono/pkg/helper"

	"github.com/example/realtime-chat/events"
	"github.com/example/realtime-chat/wire"
)

// Chat-creation broadcast scopes. The original system notified every live
// connection about every new chat; the participants scope restricts the
// notice to connections claiming a participant identity.
const (
	ScopeAll          = "all"
	ScopeParticipants = "participants"
)

// Module owns the connection registry and group router and turns directory
// events into websocket push frames.
type Module struct {
	registry *Registry
	router   *Router
	scope    string
}

// Compile-time interface checks.
var (
	_ mono.Module                = (*Module)(nil)
	_ mono.EventConsumerModule   = (*Module)(nil)
	_ mono.HealthCheckableModule = (*Module)(nil)
)

// NewModule creates a new push module. The chat_created broadcast scope is
// read from CHAT_CREATED_BROADCAST ("all" or "participants", default "all").
func NewModule() *Module {
	scope := os.Getenv("CHAT_CREATED_BROADCAST")
	if scope != ScopeParticipants {
		scope = ScopeAll
	}

	registry := NewRegistry()
	return &Module{
		registry: registry,
		router:   NewRouter(registry),
		scope:    scope,
	}
}

// Name returns the module name.
func (m *Module) Name() string {
	return "push"
}

// Start initializes the module.
func (m *Module) Start(_ context.Context) error {
	log.Printf("[push] Module started (chat_created scope: %s)", m.scope)
	return nil
}

// Stop shuts down the module.
func (m *Module) Stop(_ context.Context) error {
	log.Printf("[push] Module stopped - %d connections were live", m.registry.Count())
	return nil
}

// Health returns the health status.
func (m *Module) Health(_ context.Context) mono.HealthStatus {
	return mono.HealthStatus{
		Healthy: true,
		Message: "operational",
		Details: map[string]any{
			"connections":        m.registry.Count(),
			"chat_created_scope": m.scope,
		},
	}
}

// RegisterEventConsumers subscribes to the directory's chat events.
func (m *Module) RegisterEventConsumers(registry mono.EventRegistry) error {
	if err := helper.RegisterTypedEventConsumer(
		registry, events.MessageReceivedV1, m.handleMessageReceived, m,
	); err != nil {
		return fmt.Errorf("failed to register MessageReceived consumer: %w", err)
	}

	if err := helper.RegisterTypedEventConsumer(
		registry, events.ChatCreatedV1, m.handleChatCreated, m,
	); err != nil {
		return fmt.Errorf("failed to register ChatCreated consumer: %w", err)
	}

	if err := helper.RegisterTypedEventConsumer(
		registry, events.ChatUpdatedV1, m.handleChatUpdated, m,
	); err != nil {
		return fmt.Errorf("failed to register ChatUpdated consumer: %w", err)
	}

	log.Println("[push] Registered event consumers: MessageReceived, ChatCreated, ChatUpdated")
	return nil
}

// Registry returns the connection registry for the gateway to use.
func (m *Module) Registry() *Registry {
	return m.registry
}

// Router returns the group router for the gateway to use.
func (m *Module) Router() *Router {
	return m.router
}

// Event handlers

func (m *Module) handleMessageReceived(_ context.Context, event events.MessageReceivedEvent, _ *mono.Msg) error {
	msg := event.Message

	frame, err := wire.NewFrame(wire.TypeReceiveMessage, "", wire.ReceiveMessagePayload{
		MessageID: msg.ID,
		ChatID:    msg.ChatID,
		Sender:    msg.Sender,
		Content:   msg.Content,
		Timestamp: msg.Timestamp,
	})
	if err != nil {
		log.Printf("[push] Failed to build receive_message frame: %v", err)
		return nil
	}

	m.router.Broadcast(msg.ChatID, frame)
	return nil
}

func (m *Module) handleChatCreated(_ context.Context, event events.ChatCreatedEvent, _ *mono.Msg) error {
	frame, err := wire.NewFrame(wire.TypeChatCreated, "", wire.ChatPayload{Chat: event.Chat})
	if err != nil {
		log.Printf("[push] Failed to build chat_created frame: %v", err)
		return nil
	}

	if m.scope == ScopeParticipants {
		m.router.BroadcastToIdentities(event.Chat.Participants, frame)
	} else {
		m.router.BroadcastAll(frame)
	}
	return nil
}

func (m *Module) handleChatUpdated(_ context.Context, event events.ChatUpdatedEvent, _ *mono.Msg) error {
	frame, err := wire.NewFrame(wire.TypeChatUpdated, "", wire.ChatPayload{Chat: event.Chat})
	if err != nil {
		log.Printf("[push] Failed to build chat_updated frame: %v", err)
		return nil
	}

	m.router.Broadcast(event.Chat.ID, frame)
	return nil
}
