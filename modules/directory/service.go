package directory

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/realtime-chat/domain/chat"
)

// maxHistorySize is the maximum number of messages retained per chat.
// History is in-memory only; the client's local cache is the durable record.
const maxHistorySize = 100

// Authority allocates identifiers and timestamps for chats and messages and
// owns the in-memory chat directory. It holds no network state.
type Authority struct {
	mu       sync.RWMutex
	chats    map[string]*chat.Chat
	order    []string // chat ids in creation order
	messages map[string][]chat.Message
}

// NewAuthority creates an empty Authority.
func NewAuthority() *Authority {
	return &Authority{
		chats:    make(map[string]*chat.Chat),
		messages: make(map[string][]chat.Message),
	}
}

// CreateChat allocates a new chat. The creator is always merged into the
// participant set; duplicates in the requested participants are dropped.
func (a *Authority) CreateChat(name, creator string, participants []string) (chat.Chat, error) {
	if err := ValidateChatName(name); err != nil {
		return chat.Chat{}, err
	}
	if err := ValidateIdentity(creator); err != nil {
		return chat.Chat{}, err
	}

	now := time.Now().UTC()
	c := &chat.Chat{
		ID:           uuid.New().String(),
		Name:         name,
		Creator:      creator,
		Participants: mergeParticipants(creator, participants),
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.chats[c.ID] = c
	a.order = append(a.order, c.ID)
	a.messages[c.ID] = make([]chat.Message, 0)

	return *c, nil
}

// CreateMessage stamps a new message with a fresh id and a server-side UTC
// timestamp, appends it to the chat's history, and bumps the chat's
// UpdatedAt. The updated chat is returned alongside the message.
func (a *Authority) CreateMessage(sender, chatID, content string) (chat.Message, chat.Chat, error) {
	if err := ValidateIdentity(sender); err != nil {
		return chat.Message{}, chat.Chat{}, err
	}
	if err := ValidateContent(content); err != nil {
		return chat.Message{}, chat.Chat{}, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	c, ok := a.chats[chatID]
	if !ok {
		return chat.Message{}, chat.Chat{}, ErrChatNotFound
	}

	msg := chat.Message{
		ID:        uuid.New().String(),
		ChatID:    chatID,
		Sender:    sender,
		Content:   content,
		Timestamp: time.Now().UTC(),
	}

	history := append(a.messages[chatID], msg)
	if len(history) > maxHistorySize {
		history = history[len(history)-maxHistorySize:]
	}
	a.messages[chatID] = history

	c.UpdatedAt = msg.Timestamp

	return msg, *c, nil
}

// GetChat returns a chat by id.
func (a *Authority) GetChat(chatID string) (chat.Chat, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	c, ok := a.chats[chatID]
	if !ok {
		return chat.Chat{}, false
	}
	return *c, true
}

// ChatExists reports whether a chat id is known.
func (a *Authority) ChatExists(chatID string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	_, ok := a.chats[chatID]
	return ok
}

// ListChats returns all chats in creation order.
func (a *Authority) ListChats() []chat.Chat {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]chat.Chat, 0, len(a.order))
	for _, id := range a.order {
		out = append(out, *a.chats[id])
	}
	return out
}

// RecentMessages returns the last limit messages of a chat, oldest first.
func (a *Authority) RecentMessages(chatID string, limit int) ([]chat.Message, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	history, ok := a.messages[chatID]
	if !ok {
		return nil, ErrChatNotFound
	}

	if limit <= 0 || limit > len(history) {
		limit = len(history)
	}
	out := make([]chat.Message, limit)
	copy(out, history[len(history)-limit:])
	return out, nil
}

// mergeParticipants deduplicates the requested participants and guarantees
// the creator is present, preserving the requested order.
func mergeParticipants(creator string, participants []string) []string {
	seen := make(map[string]bool, len(participants)+1)
	out := make([]string, 0, len(participants)+1)
	for _, p := range participants {
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	if !seen[creator] {
		out = append(out, creator)
	}
	return out
}
