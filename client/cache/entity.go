package cache

import (
	"time"

	"github.com/example/realtime-chat/domain/chat"
)

// ChatRecord is the persisted form of a chat. Participants are stored as a
// JSON-encoded string column so the schema stays a single flat table.
type ChatRecord struct {
	ID           string    `gorm:"primarykey;size:36" json:"id"`
	Name         string    `gorm:"size:100;not null" json:"name"`
	Creator      string    `gorm:"size:50;not null" json:"creator"`
	Participants string    `gorm:"type:text" json:"participants"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `gorm:"index" json:"updated_at"`
}

// TableName returns the table name for ChatRecord model.
func (ChatRecord) TableName() string {
	return "chats"
}

// MessageRecord is the persisted form of a message.
type MessageRecord struct {
	ID        string    `gorm:"primarykey;size:36" json:"id"`
	ChatID    string    `gorm:"size:36;not null;index" json:"chat_id"`
	Sender    string    `gorm:"size:50;not null" json:"sender"`
	Content   string    `gorm:"type:text;not null" json:"content"`
	Timestamp time.Time `gorm:"index" json:"timestamp"`
}

// TableName returns the table name for MessageRecord model.
func (MessageRecord) TableName() string {
	return "messages"
}

// UserStateRecord is a singleton row (ID always 1) holding the logged-in
// identity and the last selected chat, so a restart can resume where the
// user left off.
type UserStateRecord struct {
	ID         uint   `gorm:"primarykey" json:"id"`
	Identity   string `gorm:"size:50;not null" json:"identity"`
	LastChatID string `gorm:"size:36" json:"last_chat_id"`
}

// TableName returns the table name for UserStateRecord model.
func (UserStateRecord) TableName() string {
	return "user_state"
}

// toRecord converts a domain chat into its persisted form.
func toRecord(c chat.Chat) (ChatRecord, error) {
	participants, err := encodeParticipants(c.Participants)
	if err != nil {
		return ChatRecord{}, err
	}
	return ChatRecord{
		ID:           c.ID,
		Name:         c.Name,
		Creator:      c.Creator,
		Participants: participants,
		CreatedAt:    c.CreatedAt,
		UpdatedAt:    c.UpdatedAt,
	}, nil
}

// toDomain converts a persisted chat back into its domain form.
func (r ChatRecord) toDomain() (chat.Chat, error) {
	participants, err := decodeParticipants(r.Participants)
	if err != nil {
		return chat.Chat{}, err
	}
	return chat.Chat{
		ID:           r.ID,
		Name:         r.Name,
		Creator:      r.Creator,
		Participants: participants,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}, nil
}
