// Package wire defines the websocket frame envelope and payload types shared
// by the server gateway and the client transport.
package wire

import (
	"encoding/json"
	"time"

	"github.com/example/realtime-chat/domain/chat"
)

// Frame is the envelope for every websocket message in both directions.
// Client-originated RPC frames carry a correlation ID which the server echoes
// in the reply; server-originated push frames carry no ID.
type Frame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// RPC frame types (client -> server).
const (
	TypeJoinChat    = "join_chat"
	TypeLeaveChat   = "leave_chat"
	TypeSendMessage = "send_message"
	TypeCreateChat  = "create_chat"
)

// Push frame types (server -> client).
const (
	TypeConnected      = "connected"
	TypeReceiveMessage = "receive_message"
	TypeChatCreated    = "chat_created"
	TypeChatUpdated    = "chat_updated"
	TypeUserJoined     = "user_joined"
	TypeUserLeft       = "user_left"
	TypeError          = "error"
)

// JoinChatPayload is the payload for join_chat and leave_chat RPCs.
type JoinChatPayload struct {
	ChatID string `json:"chat_id"`
}

// SendMessagePayload is the payload for the send_message RPC.
type SendMessagePayload struct {
	ChatID  string `json:"chat_id"`
	Content string `json:"content"`
}

// SendMessageAck is the reply payload for send_message.
type SendMessageAck struct {
	MessageID string    `json:"message_id"`
	Timestamp time.Time `json:"timestamp"`
}

// CreateChatPayload is the payload for the create_chat RPC.
type CreateChatPayload struct {
	Name         string   `json:"name"`
	Participants []string `json:"participants"`
}

// CreateChatAck is the reply payload for create_chat. The chat_created push
// event for the same chat may arrive before or after this reply.
type CreateChatAck struct {
	ChatID string `json:"chat_id"`
}

// ConnectedPayload is the welcome push sent once after the handshake.
type ConnectedPayload struct {
	ConnectionID string `json:"connection_id"`
}

// ReceiveMessagePayload is the push payload for a message landing in a chat.
type ReceiveMessagePayload struct {
	MessageID string    `json:"message_id"`
	ChatID    string    `json:"chat_id"`
	Sender    string    `json:"sender"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// ChatPayload is the push payload for chat_created and chat_updated.
type ChatPayload struct {
	Chat chat.Chat `json:"chat"`
}

// PresencePayload is the push payload for user_joined and user_left.
type PresencePayload struct {
	ChatID   string `json:"chat_id"`
	Identity string `json:"identity"`
}

// NewFrame builds a frame with the payload marshalled in place.
func NewFrame(frameType, id string, payload any) (Frame, error) {
	frame := Frame{Type: frameType, ID: id}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Frame{}, err
		}
		frame.Payload = data
	}
	return frame, nil
}

// ErrorFrame builds an error reply for the given correlation ID.
func ErrorFrame(id, message string) Frame {
	return Frame{Type: TypeError, ID: id, Error: message}
}
