package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/url"
	"sync"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/google/uuid"

	"github.com/example/realtime-chat/domain/chat"
	"github.com/example/realtime-chat/wire"
)

// Sentinel errors returned by the client.
var (
	// ErrNotConnected is returned by RPC operations outside the Connected state.
	ErrNotConnected = errors.New("transport: not connected")
	// ErrConnectionFailed wraps dial failures.
	ErrConnectionFailed = errors.New("transport: connection failed")
)

// Reconnect backoff bounds.
const (
	initialBackoff    = 1 * time.Second
	maxBackoff        = 30 * time.Second
	defaultRPCTimeout = 10 * time.Second
)

// State is the connection lifecycle state.
type State int32

// Connection states.
const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// Handler receives pushed events and connectivity changes. Methods are called
// from the client's single read loop, so events for one connection arrive in
// the order the server sent them.
type Handler interface {
	OnConnectionChange(connected bool)
	OnMessageReceived(msg chat.Message)
	OnChatCreated(ch chat.Chat)
	OnChatUpdated(ch chat.Chat)
	OnUserJoined(chatID, identity string)
	OnUserLeft(chatID, identity string)
}

// Conn is the subset of a websocket connection the client needs. Tests
// substitute in-memory fakes.
type Conn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// DialFunc opens a connection to the given websocket URL.
type DialFunc func(ctx context.Context, rawURL string) (Conn, error)

func defaultDial(ctx context.Context, rawURL string) (Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, rawURL, nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Option configures a Client.
type Option func(*Client)

// WithDialFunc overrides how connections are opened.
func WithDialFunc(dial DialFunc) Option {
	return func(c *Client) {
		c.dial = dial
	}
}

// WithBackoff overrides the reconnect backoff bounds.
func WithBackoff(initial, max time.Duration) Option {
	return func(c *Client) {
		c.initialBackoff = initial
		c.maxBackoff = max
	}
}

// Client is the websocket transport. It owns the connection lifecycle,
// correlates RPC replies, fans pushed events out to the Handler, and
// reconnects with exponential backoff after a drop.
type Client struct {
	serverURL string
	handler   Handler
	dial      DialFunc

	initialBackoff time.Duration
	maxBackoff     time.Duration

	mu           sync.Mutex
	state        State
	generation   uint64
	conn         Conn
	identity     string
	connectionID string

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]chan wire.Frame
}

// NewClient creates a client for the given server base URL, for example
// "ws://localhost:3000".
func NewClient(serverURL string, handler Handler, opts ...Option) *Client {
	c := &Client{
		serverURL:      serverURL,
		handler:        handler,
		dial:           defaultDial,
		initialBackoff: initialBackoff,
		maxBackoff:     maxBackoff,
		pending:        make(map[string]chan wire.Frame),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ConnectionID returns the server-assigned connection id of the current
// session, empty while disconnected.
func (c *Client) ConnectionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectionID
}

// Start connects as the given identity. Any existing session is torn down
// first, so Start doubles as a reconnect-as-different-user switch.
func (c *Client) Start(ctx context.Context, identity string) error {
	c.mu.Lock()
	c.teardownLocked()
	c.identity = identity
	c.state = StateConnecting
	c.generation++
	gen := c.generation
	c.mu.Unlock()

	conn, err := c.dial(ctx, c.endpoint(identity))
	if err != nil {
		c.mu.Lock()
		if c.generation == gen {
			c.state = StateDisconnected
		}
		c.mu.Unlock()
		return fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}

	c.mu.Lock()
	if c.generation != gen {
		// Stop (or another Start) raced the dial; this session is dead.
		c.mu.Unlock()
		conn.Close()
		return fmt.Errorf("%w: session superseded", ErrConnectionFailed)
	}
	c.conn = conn
	c.state = StateConnected
	c.mu.Unlock()

	c.handler.OnConnectionChange(true)
	go c.readLoop(gen, conn)
	return nil
}

// Stop tears down the session and returns to Disconnected. Pending RPCs fail
// with ErrNotConnected. Safe to call at any time.
func (c *Client) Stop() {
	c.mu.Lock()
	wasConnected := c.state == StateConnected
	c.teardownLocked()
	c.mu.Unlock()

	if wasConnected {
		c.handler.OnConnectionChange(false)
	}
}

// teardownLocked invalidates the current session. Callers hold c.mu.
func (c *Client) teardownLocked() {
	c.generation++
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.connectionID = ""
	c.state = StateDisconnected
	c.failPending()
}

// JoinChat subscribes this connection to a chat's pushes. Joining a chat the
// connection is already in is harmless.
func (c *Client) JoinChat(ctx context.Context, chatID string) error {
	_, err := c.call(ctx, wire.TypeJoinChat, wire.JoinChatPayload{ChatID: chatID})
	return err
}

// LeaveChat unsubscribes from a chat. Best effort: failures are logged and
// swallowed, because the caller is usually already moving elsewhere and the
// server evicts dead connections on disconnect anyway.
func (c *Client) LeaveChat(ctx context.Context, chatID string) {
	if _, err := c.call(ctx, wire.TypeLeaveChat, wire.JoinChatPayload{ChatID: chatID}); err != nil {
		log.Printf("[transport] leave_chat %s failed: %v", chatID, err)
	}
}

// SendMessage sends a message to a chat and returns the server's ack with the
// authoritative message id and timestamp.
func (c *Client) SendMessage(ctx context.Context, chatID, content string) (wire.SendMessageAck, error) {
	reply, err := c.call(ctx, wire.TypeSendMessage, wire.SendMessagePayload{ChatID: chatID, Content: content})
	if err != nil {
		return wire.SendMessageAck{}, err
	}
	var ack wire.SendMessageAck
	if err := json.Unmarshal(reply.Payload, &ack); err != nil {
		return wire.SendMessageAck{}, fmt.Errorf("failed to decode send_message ack: %w", err)
	}
	return ack, nil
}

// CreateChat asks the server to create a chat and returns the new chat id.
// The chat_created push may arrive before or after this returns.
func (c *Client) CreateChat(ctx context.Context, name string, participants []string) (string, error) {
	reply, err := c.call(ctx, wire.TypeCreateChat, wire.CreateChatPayload{Name: name, Participants: participants})
	if err != nil {
		return "", err
	}
	var ack wire.CreateChatAck
	if err := json.Unmarshal(reply.Payload, &ack); err != nil {
		return "", fmt.Errorf("failed to decode create_chat ack: %w", err)
	}
	return ack.ChatID, nil
}

// call sends an RPC frame and waits for the correlated reply.
func (c *Client) call(ctx context.Context, frameType string, payload any) (wire.Frame, error) {
	c.mu.Lock()
	if c.state != StateConnected {
		c.mu.Unlock()
		return wire.Frame{}, ErrNotConnected
	}
	conn := c.conn
	c.mu.Unlock()

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultRPCTimeout)
		defer cancel()
	}

	id := uuid.New().String()
	replyCh := make(chan wire.Frame, 1)

	c.pendingMu.Lock()
	c.pending[id] = replyCh
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	frame, err := wire.NewFrame(frameType, id, payload)
	if err != nil {
		return wire.Frame{}, err
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return wire.Frame{}, fmt.Errorf("failed to marshal %s frame: %w", frameType, err)
	}

	c.writeMu.Lock()
	err = conn.WriteMessage(websocket.TextMessage, data)
	c.writeMu.Unlock()
	if err != nil {
		return wire.Frame{}, fmt.Errorf("failed to write %s frame: %w", frameType, err)
	}

	select {
	case reply, ok := <-replyCh:
		if !ok {
			return wire.Frame{}, ErrNotConnected
		}
		if reply.Error != "" {
			return wire.Frame{}, fmt.Errorf("%s rejected: %s", frameType, reply.Error)
		}
		return reply, nil
	case <-ctx.Done():
		return wire.Frame{}, fmt.Errorf("%s reply: %w", frameType, ctx.Err())
	}
}

// failPending closes every pending reply channel. Callers hold c.mu or are
// otherwise sure no new RPCs can start.
func (c *Client) failPending() {
	c.pendingMu.Lock()
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	c.pendingMu.Unlock()
}

// readLoop reads frames until the connection drops, then hands off to the
// reconnect loop if this session is still current.
func (c *Client) readLoop(gen uint64, conn Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.onReadFailure(gen, err)
			return
		}

		var frame wire.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			log.Printf("[transport] Dropping malformed frame: %v", err)
			continue
		}
		c.dispatch(frame)
	}
}

// onReadFailure transitions to Reconnecting unless the session was already
// superseded by Stop or a new Start.
func (c *Client) onReadFailure(gen uint64, err error) {
	c.mu.Lock()
	if c.generation != gen {
		c.mu.Unlock()
		return
	}
	log.Printf("[transport] Connection lost: %v", err)
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.connectionID = ""
	c.state = StateReconnecting
	c.failPending()
	c.mu.Unlock()

	c.handler.OnConnectionChange(false)
	go c.reconnectLoop(gen)
}

// reconnectLoop retries the dial with exponential backoff until it succeeds
// or the session is superseded.
func (c *Client) reconnectLoop(gen uint64) {
	backoff := c.initialBackoff
	for {
		time.Sleep(backoff)

		c.mu.Lock()
		if c.generation != gen {
			c.mu.Unlock()
			return
		}
		identity := c.identity
		c.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), defaultRPCTimeout)
		conn, err := c.dial(ctx, c.endpoint(identity))
		cancel()
		if err != nil {
			log.Printf("[transport] Reconnect failed, retrying in %s: %v", backoff, err)
			backoff *= 2
			if backoff > c.maxBackoff {
				backoff = c.maxBackoff
			}
			continue
		}

		c.mu.Lock()
		if c.generation != gen {
			c.mu.Unlock()
			conn.Close()
			return
		}
		c.conn = conn
		c.state = StateConnected
		c.mu.Unlock()

		log.Printf("[transport] Reconnected as %s", identity)
		// The server treats this as a brand-new connection with no group
		// memberships; the handler must rejoin whatever it was watching.
		c.handler.OnConnectionChange(true)
		go c.readLoop(gen, conn)
		return
	}
}

// dispatch routes a frame: correlated replies to their waiting RPC, pushes to
// the handler.
func (c *Client) dispatch(frame wire.Frame) {
	if frame.ID != "" {
		c.pendingMu.Lock()
		replyCh, ok := c.pending[frame.ID]
		if ok {
			delete(c.pending, frame.ID)
		}
		c.pendingMu.Unlock()
		if ok {
			replyCh <- frame
		} else {
			log.Printf("[transport] Dropping reply for unknown call %s", frame.ID)
		}
		return
	}

	switch frame.Type {
	case wire.TypeConnected:
		var payload wire.ConnectedPayload
		if err := json.Unmarshal(frame.Payload, &payload); err != nil {
			log.Printf("[transport] Bad connected payload: %v", err)
			return
		}
		c.mu.Lock()
		c.connectionID = payload.ConnectionID
		c.mu.Unlock()
	case wire.TypeReceiveMessage:
		var payload wire.ReceiveMessagePayload
		if err := json.Unmarshal(frame.Payload, &payload); err != nil {
			log.Printf("[transport] Bad receive_message payload: %v", err)
			return
		}
		c.handler.OnMessageReceived(chat.Message{
			ID:        payload.MessageID,
			ChatID:    payload.ChatID,
			Sender:    payload.Sender,
			Content:   payload.Content,
			Timestamp: payload.Timestamp,
		})
	case wire.TypeChatCreated, wire.TypeChatUpdated:
		var payload wire.ChatPayload
		if err := json.Unmarshal(frame.Payload, &payload); err != nil {
			log.Printf("[transport] Bad %s payload: %v", frame.Type, err)
			return
		}
		if frame.Type == wire.TypeChatCreated {
			c.handler.OnChatCreated(payload.Chat)
		} else {
			c.handler.OnChatUpdated(payload.Chat)
		}
	case wire.TypeUserJoined, wire.TypeUserLeft:
		var payload wire.PresencePayload
		if err := json.Unmarshal(frame.Payload, &payload); err != nil {
			log.Printf("[transport] Bad %s payload: %v", frame.Type, err)
			return
		}
		if frame.Type == wire.TypeUserJoined {
			c.handler.OnUserJoined(payload.ChatID, payload.Identity)
		} else {
			c.handler.OnUserLeft(payload.ChatID, payload.Identity)
		}
	case wire.TypeError:
		log.Printf("[transport] Server error: %s", frame.Error)
	default:
		log.Printf("[transport] Ignoring unknown frame type %q", frame.Type)
	}
}

// endpoint builds the websocket URL for the given identity.
func (c *Client) endpoint(identity string) string {
	return c.serverURL + "/ws?username=" + url.QueryEscape(identity)
}
