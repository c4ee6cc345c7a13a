package store

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/example/realtime-chat/client/cache"
	"github.com/example/realtime-chat/client/transport"
	"github.com/example/realtime-chat/domain/chat"
	"github.com/example/realtime-chat/wire"
)

// rejoinTimeout bounds the automatic rejoin RPC after a reconnect.
const rejoinTimeout = 10 * time.Second

// Sentinel errors returned by the store.
var (
	// ErrInitialLoad is returned when the cache cannot be read at startup.
	// The store is unusable until Initialize succeeds; callers may retry.
	ErrInitialLoad = errors.New("store: initial load failed")
	// ErrNotInitialized is returned by operations before Initialize.
	ErrNotInitialized = errors.New("store: not initialized")
)

// Transport is the connection surface the store drives. *transport.Client
// satisfies it; tests substitute fakes.
type Transport interface {
	Start(ctx context.Context, identity string) error
	Stop()
	JoinChat(ctx context.Context, chatID string) error
	LeaveChat(ctx context.Context, chatID string)
	SendMessage(ctx context.Context, chatID, content string) (wire.SendMessageAck, error)
	CreateChat(ctx context.Context, name string, participants []string) (string, error)
}

// Snapshot is an immutable view of the store's state, published to
// subscribers after every mutation. Slices are copies; holders may keep a
// snapshot as long as they like.
type Snapshot struct {
	Identity       string
	Connected      bool
	Chats          []chat.Chat    // most recently active first
	SelectedChatID string
	Messages       []chat.Message // selected chat, oldest first
	LastActivity   string
	LastError      string
}

// Store is the client's canonical in-memory state. All reads go through
// snapshots; all writes funnel through its methods and the transport Handler
// callbacks, which keep the cache ahead of memory so a crash never loses a
// message that was already shown.
type Store struct {
	cache     *cache.Cache
	transport Transport

	mu           sync.RWMutex
	initialized  bool
	identity     string
	connected    bool
	chats        map[string]chat.Chat
	order        []string // chat ids, first-seen order; snapshot sorts by activity
	selected     string
	messages     []chat.Message
	lastActivity string
	lastErr      string

	subMu   sync.Mutex
	nextSub int
	subs    map[int]chan Snapshot
}

// Compile-time check: the store is the transport's push handler.
var _ transport.Handler = (*Store)(nil)

// New creates a store backed by the given cache. Wire the transport with
// SetTransport before calling Initialize.
func New(c *cache.Cache) *Store {
	return &Store{
		cache: c,
		chats: make(map[string]chat.Chat),
		subs:  make(map[int]chan Snapshot),
	}
}

// SetTransport injects the transport. Separate from New because the
// transport needs the store as its push handler.
func (s *Store) SetTransport(t Transport) {
	s.transport = t
}

// Subscribe registers a snapshot listener. The channel holds the latest
// snapshot only: a slow consumer sees conflated state, never a backlog.
// The returned function cancels the subscription.
func (s *Store) Subscribe() (<-chan Snapshot, func()) {
	s.subMu.Lock()
	id := s.nextSub
	s.nextSub++
	ch := make(chan Snapshot, 1)
	s.subs[id] = ch
	s.subMu.Unlock()

	cancel := func() {
		s.subMu.Lock()
		if _, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(ch)
		}
		s.subMu.Unlock()
	}
	return ch, cancel
}

// Snapshot returns the current state.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}

// Initialize loads the persisted user state and chat list from the cache.
// chatHint, when non-empty, wins over the persisted last chat (deep links).
// A cache failure here is fatal: the store stays uninitialized and the call
// may be retried.
func (s *Store) Initialize(ctx context.Context, chatHint string) error {
	var (
		state chat.UserState
		chats []chat.Chat
	)

	g, _ := errgroup.WithContext(ctx)
	g.Go(func() error {
		st, err := s.cache.UserState()
		if err != nil {
			if errors.Is(err, cache.ErrNotFound) {
				return nil
			}
			return err
		}
		state = st
		return nil
	})
	g.Go(func() error {
		all, err := s.cache.GetAllChats()
		if err != nil {
			return err
		}
		chats = all
		return nil
	})
	if err := g.Wait(); err != nil {
		return fmt.Errorf("%w: %v", ErrInitialLoad, err)
	}

	selected := chatHint
	if selected == "" {
		selected = state.LastChatID
	}

	var messages []chat.Message
	if selected != "" {
		msgs, err := s.cache.ChatMessages(selected)
		if err != nil {
			// History is recoverable; start with an empty pane rather than fail.
			log.Printf("[store] Failed to load messages for %s: %v", selected, err)
			msgs = nil
		}
		messages = msgs
	}

	s.mu.Lock()
	s.initialized = true
	s.identity = state.Identity
	s.chats = make(map[string]chat.Chat, len(chats))
	s.order = s.order[:0]
	for _, ch := range chats {
		s.chats[ch.ID] = ch
		s.order = append(s.order, ch.ID)
	}
	s.selected = selected
	s.messages = messages
	s.lastErr = ""
	s.mu.Unlock()

	s.publish()
	return nil
}

// Login claims an identity and connects. The identity is persisted so a
// restart resumes the session.
func (s *Store) Login(ctx context.Context, identity string) error {
	identity = strings.TrimSpace(identity)
	if identity == "" {
		return errors.New("store: identity must not be blank")
	}

	s.mu.Lock()
	if !s.initialized {
		s.mu.Unlock()
		return ErrNotInitialized
	}
	s.identity = identity
	selected := s.selected
	s.mu.Unlock()

	if err := s.transport.Start(ctx, identity); err != nil {
		s.setError(err)
		return err
	}

	if err := s.cache.SaveUserState(chat.UserState{Identity: identity, LastChatID: selected}); err != nil {
		log.Printf("[store] Failed to persist user state: %v", err)
	}

	if selected != "" {
		if err := s.transport.JoinChat(ctx, selected); err != nil {
			s.setError(err)
		}
	}

	s.publish()
	return nil
}

// SelectChat switches the active chat: leaves the previous group, joins the
// new one, and loads its cached history. Works offline; the join is attempted
// only when a session exists or can be started.
func (s *Store) SelectChat(ctx context.Context, chatID string) error {
	s.mu.Lock()
	if !s.initialized {
		s.mu.Unlock()
		return ErrNotInitialized
	}
	previous := s.selected
	identity := s.identity
	connected := s.connected
	s.mu.Unlock()

	if !connected && identity != "" {
		if err := s.transport.Start(ctx, identity); err != nil {
			// Stay selectable offline; cached history is still readable.
			s.setError(err)
		} else {
			connected = true
		}
	}

	if connected {
		if previous != "" && previous != chatID {
			s.transport.LeaveChat(ctx, previous)
		}
		if err := s.transport.JoinChat(ctx, chatID); err != nil {
			s.setError(err)
		}
	}

	// Install the selection before reading the cache: a push landing from
	// here on appends to s.messages and is merged below, so it cannot fall
	// between the history load and the swap and go invisible.
	s.mu.Lock()
	s.selected = chatID
	s.messages = nil
	s.mu.Unlock()

	loaded, err := s.cache.ChatMessages(chatID)
	if err != nil {
		log.Printf("[store] Failed to load messages for %s: %v", chatID, err)
		loaded = nil
	}

	s.mu.Lock()
	if s.selected == chatID {
		s.messages = mergeMessages(loaded, s.messages)
	}
	s.mu.Unlock()

	if err := s.cache.SaveUserState(chat.UserState{Identity: identity, LastChatID: chatID}); err != nil {
		log.Printf("[store] Failed to persist last chat: %v", err)
	}

	s.publish()
	return nil
}

// SendMessage sends to the selected chat. The message shows up via the
// server's receive_message push, same as for every other participant.
func (s *Store) SendMessage(ctx context.Context, content string) error {
	s.mu.RLock()
	selected := s.selected
	initialized := s.initialized
	s.mu.RUnlock()

	if !initialized {
		return ErrNotInitialized
	}
	if selected == "" {
		return errors.New("store: no chat selected")
	}

	_, err := s.transport.SendMessage(ctx, selected, content)
	if err != nil {
		s.setError(err)
		return err
	}
	return nil
}

// CreateChat creates a chat on the server and returns its id. The chat lands
// in the store via the chat_created push; the returned id can be passed to
// SelectChat immediately.
func (s *Store) CreateChat(ctx context.Context, name string, participants []string) (string, error) {
	s.mu.RLock()
	initialized := s.initialized
	s.mu.RUnlock()
	if !initialized {
		return "", ErrNotInitialized
	}

	id, err := s.transport.CreateChat(ctx, name, participants)
	if err != nil {
		s.setError(err)
		return "", err
	}
	return id, nil
}

// AddMessage persists a message and, when it belongs to the selected chat,
// appends it to the visible list. Cache first: once a message is on screen it
// has already survived a crash. The owning chat's activity time advances to
// the message timestamp.
func (s *Store) AddMessage(msg chat.Message) {
	if err := s.cache.SaveMessage(msg); err != nil {
		log.Printf("[store] Failed to cache message %s: %v", msg.ID, err)
		s.setError(err)
	}

	s.mu.Lock()
	if msg.ChatID == s.selected {
		s.messages = append(s.messages, msg)
	}
	if ch, ok := s.chats[msg.ChatID]; ok && msg.Timestamp.After(ch.UpdatedAt) {
		ch.UpdatedAt = msg.Timestamp
		s.chats[msg.ChatID] = ch
		if err := s.cache.SaveChat(ch); err != nil {
			log.Printf("[store] Failed to cache chat %s: %v", ch.ID, err)
		}
	}
	s.mu.Unlock()

	s.publish()
}

// AddChat inserts or updates a chat, cache first.
func (s *Store) AddChat(ch chat.Chat) {
	if err := s.cache.SaveChat(ch); err != nil {
		log.Printf("[store] Failed to cache chat %s: %v", ch.ID, err)
		s.setError(err)
	}

	s.mu.Lock()
	if _, known := s.chats[ch.ID]; !known {
		s.order = append(s.order, ch.ID)
	}
	s.chats[ch.ID] = ch
	s.mu.Unlock()

	s.publish()
}

// Logout disconnects and clears the session. Cached chats and messages stay
// on disk; only the in-memory state and the persisted identity are dropped.
// Calling Logout while logged out is a no-op.
func (s *Store) Logout(ctx context.Context) {
	s.mu.Lock()
	selected := s.selected
	loggedIn := s.identity != ""
	connected := s.connected
	s.mu.Unlock()

	if !loggedIn && !connected {
		return
	}

	if connected && selected != "" {
		s.transport.LeaveChat(ctx, selected)
	}
	s.transport.Stop()

	if err := s.cache.ClearUserState(); err != nil {
		log.Printf("[store] Failed to clear user state: %v", err)
	}

	s.mu.Lock()
	s.identity = ""
	s.selected = ""
	s.messages = nil
	s.chats = make(map[string]chat.Chat)
	s.order = s.order[:0]
	s.connected = false
	s.lastActivity = ""
	s.lastErr = ""
	s.mu.Unlock()

	s.publish()
}

// Transport Handler callbacks. Called from the transport's read loop; any
// RPC issued here must run on its own goroutine or it would wait on a reply
// the blocked read loop can never deliver.

// OnConnectionChange tracks connectivity. A fresh connection carries no
// group memberships, so on every transition to connected the selected chat
// is rejoined explicitly.
func (s *Store) OnConnectionChange(connected bool) {
	s.mu.Lock()
	s.connected = connected
	selected := s.selected
	s.mu.Unlock()

	if connected && selected != "" {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), rejoinTimeout)
			defer cancel()
			if err := s.transport.JoinChat(ctx, selected); err != nil {
				log.Printf("[store] Failed to rejoin %s: %v", selected, err)
				s.setError(err)
			}
		}()
	}

	s.publish()
}

// OnMessageReceived applies a pushed message.
func (s *Store) OnMessageReceived(msg chat.Message) {
	s.AddMessage(msg)
}

// OnChatCreated applies a pushed chat.
func (s *Store) OnChatCreated(ch chat.Chat) {
	s.AddChat(ch)
}

// OnChatUpdated applies a pushed chat update.
func (s *Store) OnChatUpdated(ch chat.Chat) {
	s.AddChat(ch)
}

// OnUserJoined records a join notice.
func (s *Store) OnUserJoined(chatID, identity string) {
	s.recordActivity(identity + " joined" + scopeSuffix(chatID))
}

// OnUserLeft records a leave notice.
func (s *Store) OnUserLeft(chatID, identity string) {
	s.recordActivity(identity + " left" + scopeSuffix(chatID))
}

// mergeMessages appends the live messages that the cache load did not
// already contain. A push that was cached before the load shows up in both
// slices; its id keeps it from appearing twice.
func mergeMessages(loaded, live []chat.Message) []chat.Message {
	if len(live) == 0 {
		return loaded
	}
	seen := make(map[string]bool, len(loaded))
	for _, m := range loaded {
		seen[m.ID] = true
	}
	out := loaded
	for _, m := range live {
		if !seen[m.ID] {
			out = append(out, m)
		}
	}
	return out
}

func scopeSuffix(chatID string) string {
	if chatID == "" {
		return ""
	}
	return " " + chatID
}

func (s *Store) recordActivity(note string) {
	s.mu.Lock()
	s.lastActivity = note
	s.mu.Unlock()
	s.publish()
}

func (s *Store) setError(err error) {
	s.mu.Lock()
	s.lastErr = err.Error()
	s.mu.Unlock()
	s.publish()
}

// snapshotLocked builds an immutable snapshot. Callers hold s.mu.
func (s *Store) snapshotLocked() Snapshot {
	chats := make([]chat.Chat, 0, len(s.order))
	for _, id := range s.order {
		if ch, ok := s.chats[id]; ok {
			chats = append(chats, ch)
		}
	}
	sort.SliceStable(chats, func(i, j int) bool {
		return chats[i].UpdatedAt.After(chats[j].UpdatedAt)
	})

	messages := make([]chat.Message, len(s.messages))
	copy(messages, s.messages)

	return Snapshot{
		Identity:       s.identity,
		Connected:      s.connected,
		Chats:          chats,
		SelectedChatID: s.selected,
		Messages:       messages,
		LastActivity:   s.lastActivity,
		LastError:      s.lastErr,
	}
}

// publish pushes the current snapshot to every subscriber, conflating when a
// subscriber has not drained the previous one.
func (s *Store) publish() {
	s.mu.RLock()
	snap := s.snapshotLocked()
	s.mu.RUnlock()

	s.subMu.Lock()
	for _, ch := range s.subs {
		select {
		case ch <- snap:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- snap:
			default:
			}
		}
	}
	s.subMu.Unlock()
}
