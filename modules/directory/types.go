package directory

import (
	"errors"
	"strings"
	"unicode/utf8"

	"github.com/example/realtime-chat/domain/chat"
)

// Validation constants
const (
	MaxIdentityLength = 50
	MaxChatNameLength = 100
	MaxContentLength  = 5000
)

// Validation and lookup errors
var (
	ErrIdentityEmpty   = errors.New("identity cannot be empty")
	ErrIdentityTooLong = errors.New("identity exceeds maximum length")
	ErrIdentityInvalid = errors.New("identity contains invalid characters")
	ErrChatNameEmpty   = errors.New("chat name cannot be empty")
	ErrChatNameTooLong = errors.New("chat name exceeds maximum length")
	ErrChatNameInvalid = errors.New("chat name contains invalid characters")
	ErrContentEmpty    = errors.New("message content cannot be empty")
	ErrContentTooLong  = errors.New("message exceeds maximum length")
	ErrContentInvalid  = errors.New("message contains invalid characters")
	ErrChatNotFound    = errors.New("chat not found")
)

// CreateChatRequest is the request for allocating a new chat.
type CreateChatRequest struct {
	Name         string   `json:"name"`
	Creator      string   `json:"creator"`
	Participants []string `json:"participants"`
}

// CreateChatResponse carries the allocated chat.
type CreateChatResponse struct {
	Chat chat.Chat `json:"chat"`
}

// CreateMessageRequest is the request for stamping a new message.
type CreateMessageRequest struct {
	Sender  string `json:"sender"`
	ChatID  string `json:"chat_id"`
	Content string `json:"content"`
}

// CreateMessageResponse carries the stamped message.
type CreateMessageResponse struct {
	Message chat.Message `json:"message"`
}

// GetChatRequest is the request for a chat lookup.
type GetChatRequest struct {
	ChatID string `json:"chat_id"`
}

// GetChatResponse carries the lookup result.
type GetChatResponse struct {
	Chat  chat.Chat `json:"chat"`
	Found bool      `json:"found"`
}

// ListChatsRequest is the request for listing all chats.
type ListChatsRequest struct{}

// ListChatsResponse carries all known chats in creation order.
type ListChatsResponse struct {
	Chats []chat.Chat `json:"chats"`
}

// RecentMessagesRequest is the request for a chat's recent history.
type RecentMessagesRequest struct {
	ChatID string `json:"chat_id"`
	Limit  int    `json:"limit"`
}

// RecentMessagesResponse carries the most recent messages, oldest first.
type RecentMessagesResponse struct {
	Messages []chat.Message `json:"messages"`
}

// ValidateIdentity validates a claimed identity.
func ValidateIdentity(identity string) error {
	if strings.TrimSpace(identity) == "" {
		return ErrIdentityEmpty
	}
	if len(identity) > MaxIdentityLength {
		return ErrIdentityTooLong
	}
	if !utf8.ValidString(identity) {
		return ErrIdentityInvalid
	}
	return nil
}

// ValidateChatName validates a chat name. Names are not required to be unique.
func ValidateChatName(name string) error {
	if strings.TrimSpace(name) == "" {
		return ErrChatNameEmpty
	}
	if len(name) > MaxChatNameLength {
		return ErrChatNameTooLong
	}
	if !utf8.ValidString(name) {
		return ErrChatNameInvalid
	}
	return nil
}

// ValidateContent validates message content.
func ValidateContent(content string) error {
	if strings.TrimSpace(content) == "" {
		return ErrContentEmpty
	}
	if len(content) > MaxContentLength {
		return ErrContentTooLong
	}
	if !utf8.ValidString(content) {
		return ErrContentInvalid
	}
	return nil
}
