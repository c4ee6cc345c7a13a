package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/go-monolith/mono"
	"github.com/go-monolith/mono/pkg/helper"

	"github.com/example/realtime-chat/events"
)

// Module exposes the Authority as request-reply services and emits chat
// lifecycle events on the EventBus.
type Module struct {
	authority *Authority
	eventBus  mono.EventBus
}

// Compile-time interface checks.
var (
	_ mono.Module                = (*Module)(nil)
	_ mono.ServiceProviderModule = (*Module)(nil)
	_ mono.EventBusAwareModule   = (*Module)(nil)
	_ mono.EventEmitterModule    = (*Module)(nil)
	_ mono.HealthCheckableModule = (*Module)(nil)
)

// NewModule creates a new directory module.
func NewModule() *Module {
	return &Module{
		authority: NewAuthority(),
	}
}

// Name returns the module name.
func (m *Module) Name() string {
	return "directory"
}

// SetEventBus receives the EventBus from the framework.
func (m *Module) SetEventBus(bus mono.EventBus) {
	m.eventBus = bus
}

// EmitEvents declares the events this module can emit.
func (m *Module) EmitEvents() []mono.BaseEventDefinition {
	return []mono.BaseEventDefinition{
		events.MessageReceivedV1.ToBase(),
		events.ChatCreatedV1.ToBase(),
		events.ChatUpdatedV1.ToBase(),
	}
}

// RegisterServices registers the request-reply services. The framework
// prefixes service names, so "create-chat" becomes
// "services.directory.create-chat" on the bus.
func (m *Module) RegisterServices(container mono.ServiceContainer) error {
	if err := helper.RegisterTypedRequestReplyService(
		container, ServiceCreateChat, json.Unmarshal, json.Marshal, m.createChat,
	); err != nil {
		return fmt.Errorf("failed to register create-chat service: %w", err)
	}

	if err := helper.RegisterTypedRequestReplyService(
		container, ServiceCreateMessage, json.Unmarshal, json.Marshal, m.createMessage,
	); err != nil {
		return fmt.Errorf("failed to register create-message service: %w", err)
	}

	if err := helper.RegisterTypedRequestReplyService(
		container, ServiceGetChat, json.Unmarshal, json.Marshal, m.getChat,
	); err != nil {
		return fmt.Errorf("failed to register get-chat service: %w", err)
	}

	if err := helper.RegisterTypedRequestReplyService(
		container, ServiceListChats, json.Unmarshal, json.Marshal, m.listChats,
	); err != nil {
		return fmt.Errorf("failed to register list-chats service: %w", err)
	}

	if err := helper.RegisterTypedRequestReplyService(
		container, ServiceRecentMessages, json.Unmarshal, json.Marshal, m.recentMessages,
	); err != nil {
		return fmt.Errorf("failed to register recent-messages service: %w", err)
	}

	log.Printf("[directory] Registered services: services.directory.{create-chat,create-message,get-chat,list-chats,recent-messages}")
	return nil
}

// Start initializes the module.
func (m *Module) Start(_ context.Context) error {
	log.Println("[directory] Module started")
	return nil
}

// Stop shuts down the module. All chats and messages are lost on restart;
// the client's local cache is the only durable record.
func (m *Module) Stop(_ context.Context) error {
	log.Println("[directory] Module stopped - in-memory chats and messages discarded")
	return nil
}

// Health returns the health status.
func (m *Module) Health(_ context.Context) mono.HealthStatus {
	return mono.HealthStatus{
		Healthy: true,
		Message: "operational",
		Details: map[string]any{
			"chats": len(m.authority.ListChats()),
		},
	}
}

// Authority returns the underlying authority. Exposed for in-process tests.
func (m *Module) Authority() *Authority {
	return m.authority
}

// Service handlers

func (m *Module) createChat(_ context.Context, req CreateChatRequest, _ *mono.Msg) (CreateChatResponse, error) {
	c, err := m.authority.CreateChat(req.Name, req.Creator, req.Participants)
	if err != nil {
		return CreateChatResponse{}, err
	}

	if err := events.ChatCreatedV1.Publish(m.eventBus, events.ChatCreatedEvent{Chat: c}, nil); err != nil {
		log.Printf("[directory] Failed to publish ChatCreated event for %s: %v", c.ID, err)
	}

	log.Printf("[directory] Chat created: %s by %s", c.ID, req.Creator)
	return CreateChatResponse{Chat: c}, nil
}

func (m *Module) createMessage(_ context.Context, req CreateMessageRequest, _ *mono.Msg) (CreateMessageResponse, error) {
	msg, updated, err := m.authority.CreateMessage(req.Sender, req.ChatID, req.Content)
	if err != nil {
		return CreateMessageResponse{}, err
	}

	if err := events.MessageReceivedV1.Publish(m.eventBus, events.MessageReceivedEvent{Message: msg}, nil); err != nil {
		log.Printf("[directory] Failed to publish MessageReceived event for %s: %v", msg.ID, err)
	}
	if err := events.ChatUpdatedV1.Publish(m.eventBus, events.ChatUpdatedEvent{Chat: updated}, nil); err != nil {
		log.Printf("[directory] Failed to publish ChatUpdated event for %s: %v", updated.ID, err)
	}

	return CreateMessageResponse{Message: msg}, nil
}

func (m *Module) getChat(_ context.Context, req GetChatRequest, _ *mono.Msg) (GetChatResponse, error) {
	c, found := m.authority.GetChat(req.ChatID)
	return GetChatResponse{Chat: c, Found: found}, nil
}

func (m *Module) listChats(_ context.Context, _ ListChatsRequest, _ *mono.Msg) (ListChatsResponse, error) {
	return ListChatsResponse{Chats: m.authority.ListChats()}, nil
}

func (m *Module) recentMessages(_ context.Context, req RecentMessagesRequest, _ *mono.Msg) (RecentMessagesResponse, error) {
	msgs, err := m.authority.RecentMessages(req.ChatID, req.Limit)
	if err != nil {
		return RecentMessagesResponse{}, err
	}
	return RecentMessagesResponse{Messages: msgs}, nil
}
