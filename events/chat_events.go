package events

import (
	"github.com/go-monolith/mono/pkg/helper"

	"github.com/example/realtime-chat/domain/chat"
)

// MessageReceivedEvent is emitted by the directory module when a message has
// been stamped and appended to a chat's history.
type MessageReceivedEvent struct {
	Message chat.Message `json:"message"`
}

// ChatCreatedEvent is emitted when a new chat has been allocated.
type ChatCreatedEvent struct {
	Chat chat.Chat `json:"chat"`
}

// ChatUpdatedEvent is emitted when a chat's metadata changes (currently only
// the updated_at bump that accompanies every message).
type ChatUpdatedEvent struct {
	Chat chat.Chat `json:"chat"`
}

// Event definitions for the chat domain.
var (
	MessageReceivedV1 = helper.EventDefinition[MessageReceivedEvent](
		"directory",
		"MessageReceived",
		"v1",
	)

	ChatCreatedV1 = helper.EventDefinition[ChatCreatedEvent](
		"directory",
		"ChatCreated",
		"v1",
	)

	ChatUpdatedV1 = helper.EventDefinition[ChatUpdatedEvent](
		"directory",
		"ChatUpdated",
		"v1",
	)
)
