package directory

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-monolith/mono"
	"github.com/go-monolith/mono/pkg/helper"

	"github.com/example/realtime-chat/domain/chat"
)

// Service names registered by the directory module.
const (
	ServiceCreateChat     = "create-chat"
	ServiceCreateMessage  = "create-message"
	ServiceGetChat        = "get-chat"
	ServiceListChats      = "list-chats"
	ServiceRecentMessages = "recent-messages"
)

// Port is the interface other modules use to reach the Entity Authority.
type Port interface {
	CreateChat(ctx context.Context, name, creator string, participants []string) (chat.Chat, error)
	CreateMessage(ctx context.Context, sender, chatID, content string) (chat.Message, error)
	GetChat(ctx context.Context, chatID string) (chat.Chat, error)
	ListChats(ctx context.Context) ([]chat.Chat, error)
	RecentMessages(ctx context.Context, chatID string, limit int) ([]chat.Message, error)
}

// Adapter implements Port over the directory module's service container.
type Adapter struct {
	container mono.ServiceContainer
}

// NewAdapter creates an adapter for the directory services.
// container is received via SetDependencyServiceContainer.
func NewAdapter(container mono.ServiceContainer) Port {
	if container == nil {
		panic("directory: ServiceContainer is nil")
	}
	return &Adapter{container: container}
}

// CreateChat allocates a new chat via the create-chat service.
func (a *Adapter) CreateChat(ctx context.Context, name, creator string, participants []string) (chat.Chat, error) {
	req := CreateChatRequest{Name: name, Creator: creator, Participants: participants}
	var resp CreateChatResponse
	if err := helper.CallRequestReplyService(
		ctx,
		a.container,
		ServiceCreateChat,
		json.Marshal,
		json.Unmarshal,
		&req,
		&resp,
	); err != nil {
		return chat.Chat{}, fmt.Errorf("create-chat service call failed: %w", err)
	}
	return resp.Chat, nil
}

// CreateMessage stamps a message via the create-message service.
func (a *Adapter) CreateMessage(ctx context.Context, sender, chatID, content string) (chat.Message, error) {
	req := CreateMessageRequest{Sender: sender, ChatID: chatID, Content: content}
	var resp CreateMessageResponse
	if err := helper.CallRequestReplyService(
		ctx,
		a.container,
		ServiceCreateMessage,
		json.Marshal,
		json.Unmarshal,
		&req,
		&resp,
	); err != nil {
		return chat.Message{}, fmt.Errorf("create-message service call failed: %w", err)
	}
	return resp.Message, nil
}

// GetChat looks up a chat via the get-chat service.
func (a *Adapter) GetChat(ctx context.Context, chatID string) (chat.Chat, error) {
	req := GetChatRequest{ChatID: chatID}
	var resp GetChatResponse
	if err := helper.CallRequestReplyService(
		ctx,
		a.container,
		ServiceGetChat,
		json.Marshal,
		json.Unmarshal,
		&req,
		&resp,
	); err != nil {
		return chat.Chat{}, fmt.Errorf("get-chat service call failed: %w", err)
	}
	if !resp.Found {
		return chat.Chat{}, ErrChatNotFound
	}
	return resp.Chat, nil
}

// ListChats lists all chats via the list-chats service.
func (a *Adapter) ListChats(ctx context.Context) ([]chat.Chat, error) {
	req := ListChatsRequest{}
	var resp ListChatsResponse
	if err := helper.CallRequestReplyService(
		ctx,
		a.container,
		ServiceListChats,
		json.Marshal,
		json.Unmarshal,
		&req,
		&resp,
	); err != nil {
		return nil, fmt.Errorf("list-chats service call failed: %w", err)
	}
	return resp.Chats, nil
}

// RecentMessages fetches a chat's recent history via the recent-messages service.
func (a *Adapter) RecentMessages(ctx context.Context, chatID string, limit int) ([]chat.Message, error) {
	req := RecentMessagesRequest{ChatID: chatID, Limit: limit}
	var resp RecentMessagesResponse
	if err := helper.CallRequestReplyService(
		ctx,
		a.container,
		ServiceRecentMessages,
		json.Marshal,
		json.Unmarshal,
		&req,
		&resp,
	); err != nil {
		return nil, fmt.Errorf("recent-messages service call failed: %w", err)
	}
	return resp.Messages, nil
}
