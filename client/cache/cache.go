package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/example/realtime-chat/domain/chat"
)

// ErrNotFound is returned when a chat or user state row is not found.
var ErrNotFound = errors.New("cache: record not found")

// userStateID is the primary key of the singleton user state row.
const userStateID = 1

// Cache is the client's local persistent store. Chats and messages written
// here survive restarts and remain readable while disconnected; the server
// keeps no durable copy.
type Cache struct {
	db *gorm.DB
}

// Open opens (or creates) the cache database at the given path and runs
// migrations. Use ":memory:" for an ephemeral cache.
func Open(path string) (*Cache, error) {
	logLevel := logger.Silent
	if os.Getenv("DB_DEBUG") == "true" {
		logLevel = logger.Info
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logLevel),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open cache database: %w", err)
	}

	if err := db.AutoMigrate(&ChatRecord{}, &MessageRecord{}, &UserStateRecord{}); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &Cache{db: db}, nil
}

// Close closes the underlying database connection.
func (c *Cache) Close() error {
	sqlDB, err := c.db.DB()
	if err != nil {
		return fmt.Errorf("failed to get database handle: %w", err)
	}
	return sqlDB.Close()
}

// SaveChat inserts or replaces a chat.
func (c *Cache) SaveChat(ch chat.Chat) error {
	record, err := toRecord(ch)
	if err != nil {
		return err
	}
	if err := c.db.Save(&record).Error; err != nil {
		return fmt.Errorf("failed to save chat: %w", err)
	}
	return nil
}

// GetChat retrieves a chat by its id.
func (c *Cache) GetChat(id string) (chat.Chat, error) {
	var record ChatRecord
	if err := c.db.First(&record, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return chat.Chat{}, ErrNotFound
		}
		return chat.Chat{}, fmt.Errorf("failed to find chat: %w", err)
	}
	return record.toDomain()
}

// GetAllChats retrieves every cached chat, most recently active first.
// Chats with identical update times keep their insertion order.
func (c *Cache) GetAllChats() ([]chat.Chat, error) {
	var records []ChatRecord
	if err := c.db.Order("updated_at DESC, rowid ASC").Find(&records).Error; err != nil {
		return nil, fmt.Errorf("failed to find chats: %w", err)
	}

	chats := make([]chat.Chat, 0, len(records))
	for _, record := range records {
		ch, err := record.toDomain()
		if err != nil {
			return nil, err
		}
		chats = append(chats, ch)
	}
	return chats, nil
}

// DeleteChat removes a chat and all of its messages.
func (c *Cache) DeleteChat(id string) error {
	if err := c.db.Delete(&ChatRecord{}, "id = ?", id).Error; err != nil {
		return fmt.Errorf("failed to delete chat: %w", err)
	}
	return c.DeleteChatMessages(id)
}

// SaveMessage inserts or replaces a message. Redelivered messages with the
// same id overwrite rather than duplicate.
func (c *Cache) SaveMessage(m chat.Message) error {
	record := MessageRecord{
		ID:        m.ID,
		ChatID:    m.ChatID,
		Sender:    m.Sender,
		Content:   m.Content,
		Timestamp: m.Timestamp,
	}
	if err := c.db.Save(&record).Error; err != nil {
		return fmt.Errorf("failed to save message: %w", err)
	}
	return nil
}

// ChatMessages retrieves every cached message for a chat, oldest first.
// Messages with identical timestamps keep their arrival order.
func (c *Cache) ChatMessages(chatID string) ([]chat.Message, error) {
	var records []MessageRecord
	err := c.db.Where("chat_id = ?", chatID).
		Order("timestamp ASC, rowid ASC").
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("failed to find messages: %w", err)
	}

	messages := make([]chat.Message, 0, len(records))
	for _, record := range records {
		messages = append(messages, chat.Message{
			ID:        record.ID,
			ChatID:    record.ChatID,
			Sender:    record.Sender,
			Content:   record.Content,
			Timestamp: record.Timestamp,
		})
	}
	return messages, nil
}

// DeleteChatMessages removes every message belonging to a chat.
func (c *Cache) DeleteChatMessages(chatID string) error {
	if err := c.db.Delete(&MessageRecord{}, "chat_id = ?", chatID).Error; err != nil {
		return fmt.Errorf("failed to delete messages: %w", err)
	}
	return nil
}

// SaveUserState persists the logged-in identity and last selected chat.
func (c *Cache) SaveUserState(state chat.UserState) error {
	record := UserStateRecord{
		ID:         userStateID,
		Identity:   state.Identity,
		LastChatID: state.LastChatID,
	}
	if err := c.db.Save(&record).Error; err != nil {
		return fmt.Errorf("failed to save user state: %w", err)
	}
	return nil
}

// UserState retrieves the persisted user state, or ErrNotFound if the user
// has never logged in on this cache.
func (c *Cache) UserState() (chat.UserState, error) {
	var record UserStateRecord
	if err := c.db.First(&record, "id = ?", userStateID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return chat.UserState{}, ErrNotFound
		}
		return chat.UserState{}, fmt.Errorf("failed to find user state: %w", err)
	}
	return chat.UserState{
		Identity:   record.Identity,
		LastChatID: record.LastChatID,
	}, nil
}

// ClearUserState removes the persisted user state. Cached chats and messages
// are kept; logout does not destroy history.
func (c *Cache) ClearUserState() error {
	if err := c.db.Delete(&UserStateRecord{}, "id = ?", userStateID).Error; err != nil {
		return fmt.Errorf("failed to clear user state: %w", err)
	}
	return nil
}

func encodeParticipants(participants []string) (string, error) {
	if participants == nil {
		participants = []string{}
	}
	data, err := json.Marshal(participants)
	if err != nil {
		return "", fmt.Errorf("failed to encode participants: %w", err)
	}
	return string(data), nil
}

func decodeParticipants(encoded string) ([]string, error) {
	if encoded == "" {
		return []string{}, nil
	}
	var participants []string
	if err := json.Unmarshal([]byte(encoded), &participants); err != nil {
		return nil, fmt.Errorf("failed to decode participants: %w", err)
	}
	return participants, nil
}
