package chat

import "time"

// Chat represents a named chat room.
type Chat struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Creator      string    `json:"creator"`
	Participants []string  `json:"participants"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// HasParticipant reports whether identity is in the chat's participant set.
func (c *Chat) HasParticipant(identity string) bool {
	for _, p := range c.Participants {
		if p == identity {
			return true
		}
	}
	return false
}

// Message represents a chat message. Messages are immutable once created;
// their ordering key is the server-side timestamp.
type Message struct {
	ID        string    `json:"id"`
	ChatID    string    `json:"chat_id"`
	Sender    string    `json:"sender"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// UserState is the client-side session-resume record. A single record
// exists per local cache.
type UserState struct {
	Identity   string `json:"identity"`
	LastChatID string `json:"last_chat_id"`
}
