package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"

	"github.com/example/realtime-chat/wire"
)

// Rate limiting constants for send_message frames.
const (
	messagesPerSecond   = 10
	burstSize           = 20
	defaultHistoryLimit = 50
	maxHistoryLimit     = 100
)

// rateLimiter implements a simple token bucket rate limiter.
type rateLimiter struct {
	tokens     int
	maxTokens  int
	refillRate int // tokens per second
	lastRefill time.Time
	mu         sync.Mutex
}

func newRateLimiter(maxTokens, refillRate int) *rateLimiter {
	return &rateLimiter{
		tokens:     maxTokens,
		maxTokens:  maxTokens,
		refillRate: refillRate,
		lastRefill: time.Now(),
	}
}

func (r *rateLimiter) allow() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	tokensToAdd := int(now.Sub(r.lastRefill).Seconds()) * r.refillRate
	if tokensToAdd > 0 {
		r.tokens += tokensToAdd
		if r.tokens > r.maxTokens {
			r.tokens = r.maxTokens
		}
		r.lastRefill = now
	}

	if r.tokens > 0 {
		r.tokens--
		return true
	}
	return false
}

// healthHandler handles GET /health.
func (m *Module) healthHandler(c *fiber.Ctx) error {
	return c.JSON(HealthResponse{
		Status: "healthy",
		Details: map[string]any{
			"module":      "api",
			"connections": m.registry.Count(),
		},
	})
}

// listChats handles GET /api/v1/chats.
func (m *Module) listChats(c *fiber.Ctx) error {
	chats, err := m.directory.ListChats(c.UserContext())
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(ErrorResponse{
			Error:   "list_failed",
			Message: "Failed to list chats",
		})
	}

	response := ChatListResponse{
		Chats: make([]ChatResponse, 0, len(chats)),
		Total: len(chats),
	}
	for _, ch := range chats {
		response.Chats = append(response.Chats, ChatResponse{
			ID:           ch.ID,
			Name:         ch.Name,
			Creator:      ch.Creator,
			Participants: ch.Participants,
			CreatedAt:    ch.CreatedAt,
			UpdatedAt:    ch.UpdatedAt,
			Connections:  m.router.GroupCount(ch.ID),
		})
	}

	return c.JSON(response)
}

// getHistory handles GET /api/v1/chats/:id/history.
func (m *Module) getHistory(c *fiber.Ctx) error {
	chatID := c.Params("id")
	limit := defaultHistoryLimit
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= maxHistoryLimit {
			limit = parsed
		}
	}

	messages, err := m.directory.RecentMessages(c.UserContext(), chatID, limit)
	if err != nil {
		return c.Status(fiber.StatusNotFound).JSON(ErrorResponse{
			Error:   "not_found",
			Message: "Chat not found",
		})
	}

	response := HistoryResponse{
		ChatID:   chatID,
		Messages: make([]MessageResponse, 0, len(messages)),
		Total:    len(messages),
	}
	for _, msg := range messages {
		response.Messages = append(response.Messages, MessageResponse{
			ID:        msg.ID,
			ChatID:    msg.ChatID,
			Sender:    msg.Sender,
			Content:   msg.Content,
			Timestamp: msg.Timestamp,
		})
	}

	return c.JSON(response)
}

// handleWebSocket handles a websocket session at /ws?username=<identity>.
// The identity is claimed, never verified.
func (m *Module) handleWebSocket(c *websocket.Conn) {
	identity := c.Query("username", "anonymous")

	connID := m.registry.Register(identity, c)
	limiter := newRateLimiter(burstSize, messagesPerSecond)

	defer func() {
		// Unregister evicts the connection from every group before the
		// departure notice goes out, so it can never receive its own user_left.
		if _, ok := m.registry.Unregister(connID); ok {
			m.broadcastPresence(wire.TypeUserLeft, identity)
		}
		log.Printf("[api] WebSocket client disconnected: %s (%s)", connID, identity)
	}()

	welcome, err := wire.NewFrame(wire.TypeConnected, "", wire.ConnectedPayload{ConnectionID: connID})
	if err != nil {
		log.Printf("[api] Failed to build welcome frame: %v", err)
		return
	}
	// The connection is already a broadcast target, so even the welcome must
	// go through the registry's serialized writer.
	if err := m.sendFrame(connID, welcome); err != nil {
		log.Printf("[api] Failed to send welcome: %v", err)
		return
	}

	m.broadcastPresence(wire.TypeUserJoined, identity)
	log.Printf("[api] WebSocket client connected: %s (%s)", connID, identity)

	for {
		_, msgBytes, err := c.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("[api] Client %s closed connection", connID)
			} else {
				log.Printf("[api] Read error from %s: %v", connID, err)
			}
			break
		}

		var frame wire.Frame
		if err := json.Unmarshal(msgBytes, &frame); err != nil {
			m.sendError(connID, "", "Invalid frame format")
			continue
		}

		switch frame.Type {
		case wire.TypeJoinChat:
			m.handleJoinChat(connID, frame)
		case wire.TypeLeaveChat:
			m.handleLeaveChat(connID, frame)
		case wire.TypeSendMessage:
			m.handleSendMessage(connID, identity, limiter, frame)
		case wire.TypeCreateChat:
			m.handleCreateChat(connID, identity, frame)
		default:
			m.sendError(connID, frame.ID, "Unknown frame type: "+frame.Type)
		}
	}
}

// broadcastPresence announces a connect or disconnect to every live
// connection, chat unscoped.
func (m *Module) broadcastPresence(frameType, identity string) {
	frame, err := wire.NewFrame(frameType, "", wire.PresencePayload{Identity: identity})
	if err != nil {
		log.Printf("[api] Failed to build %s frame: %v", frameType, err)
		return
	}
	m.router.BroadcastAll(frame)
}

func (m *Module) handleJoinChat(connID string, frame wire.Frame) {
	var payload wire.JoinChatPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil || payload.ChatID == "" {
		m.sendError(connID, frame.ID, "chat_id is required")
		return
	}

	// Unknown chat ids lazily create an empty group; the directory is not
	// consulted here.
	m.router.Join(connID, payload.ChatID)
	m.sendReply(connID, frame.ID, wire.TypeJoinChat, wire.JoinChatPayload{ChatID: payload.ChatID})
}

func (m *Module) handleLeaveChat(connID string, frame wire.Frame) {
	var payload wire.JoinChatPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil || payload.ChatID == "" {
		m.sendError(connID, frame.ID, "chat_id is required")
		return
	}

	m.router.Leave(connID, payload.ChatID)
	m.sendReply(connID, frame.ID, wire.TypeLeaveChat, wire.JoinChatPayload{ChatID: payload.ChatID})
}

func (m *Module) handleSendMessage(connID, identity string, limiter *rateLimiter, frame wire.Frame) {
	if !limiter.allow() {
		m.sendError(connID, frame.ID, "Rate limit exceeded, please slow down")
		return
	}

	var payload wire.SendMessagePayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil || payload.ChatID == "" {
		m.sendError(connID, frame.ID, "chat_id and content are required")
		return
	}

	msg, err := m.directory.CreateMessage(context.Background(), identity, payload.ChatID, payload.Content)
	if err != nil {
		m.sendError(connID, frame.ID, "Failed to send message: "+err.Error())
		return
	}

	m.sendReply(connID, frame.ID, wire.TypeSendMessage, wire.SendMessageAck{
		MessageID: msg.ID,
		Timestamp: msg.Timestamp,
	})
}

func (m *Module) handleCreateChat(connID, identity string, frame wire.Frame) {
	var payload wire.CreateChatPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		m.sendError(connID, frame.ID, "Invalid create_chat payload")
		return
	}

	ch, err := m.directory.CreateChat(context.Background(), payload.Name, identity, payload.Participants)
	if err != nil {
		m.sendError(connID, frame.ID, "Failed to create chat: "+err.Error())
		return
	}

	// The chat_created push fans out through the event bus and may reach
	// this connection before or after this reply.
	m.sendReply(connID, frame.ID, wire.TypeCreateChat, wire.CreateChatAck{ChatID: ch.ID})
}

// sendReply sends an RPC reply through the registry's serialized writer.
func (m *Module) sendReply(connID, id, frameType string, payload any) {
	frame, err := wire.NewFrame(frameType, id, payload)
	if err != nil {
		log.Printf("[api] Failed to build %s reply: %v", frameType, err)
		return
	}
	m.writeFrame(connID, frame)
}

// sendError sends an error reply carrying the RPC correlation id, if any.
func (m *Module) sendError(connID, id, message string) {
	m.writeFrame(connID, wire.ErrorFrame(id, message))
}

func (m *Module) writeFrame(connID string, frame wire.Frame) {
	if err := m.sendFrame(connID, frame); err != nil {
		log.Printf("[api] Failed to write %s to %s: %v", frame.Type, connID, err)
	}
}

// sendFrame marshals a frame and writes it through the registry's
// per-session serialized writer.
func (m *Module) sendFrame(connID string, frame wire.Frame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("failed to marshal %s frame: %w", frame.Type, err)
	}
	return m.registry.Send(connID, data)
}
