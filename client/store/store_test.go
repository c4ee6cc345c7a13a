package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/realtime-chat/client/cache"
	"github.com/example/realtime-chat/domain/chat"
	"github.com/example/realtime-chat/wire"
)

// fakeTransport records every call the store makes. Joins are mirrored onto
// a channel so tests can wait for the asynchronous rejoin path.
type fakeTransport struct {
	mu       sync.Mutex
	started  []string
	stops    int
	joins    []string
	leaves   []string
	sent     []string
	created  []string
	startErr error
	joinErr  error
	sendErr  error
	createID string

	joinCh chan string
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		createID: uuid.New().String(),
		joinCh:   make(chan string, 16),
	}
}

func (f *fakeTransport) Start(_ context.Context, identity string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.started = append(f.started, identity)
	return nil
}

func (f *fakeTransport) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
}

func (f *fakeTransport) JoinChat(_ context.Context, chatID string) error {
	f.mu.Lock()
	if f.joinErr != nil {
		err := f.joinErr
		f.mu.Unlock()
		return err
	}
	f.joins = append(f.joins, chatID)
	f.mu.Unlock()
	f.joinCh <- chatID
	return nil
}

func (f *fakeTransport) LeaveChat(_ context.Context, chatID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.leaves = append(f.leaves, chatID)
}

func (f *fakeTransport) SendMessage(_ context.Context, chatID, content string) (wire.SendMessageAck, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return wire.SendMessageAck{}, f.sendErr
	}
	f.sent = append(f.sent, chatID+":"+content)
	return wire.SendMessageAck{MessageID: uuid.New().String(), Timestamp: time.Now().UTC()}, nil
}

func (f *fakeTransport) CreateChat(_ context.Context, name string, _ []string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, name)
	return f.createID, nil
}

func (f *fakeTransport) joinCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.joins)
}

func (f *fakeTransport) waitJoin(t *testing.T) string {
	t.Helper()
	select {
	case chatID := <-f.joinCh:
		return chatID
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for join")
		return ""
	}
}

// newTestStore wires a store to an in-memory cache and a fake transport.
func newTestStore(t *testing.T) (*Store, *cache.Cache, *fakeTransport) {
	t.Helper()

	c, err := cache.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	transport := newFakeTransport()
	s := New(c)
	s.SetTransport(transport)
	return s, c, transport
}

func seedChat(t *testing.T, c *cache.Cache, name string, updatedAt time.Time) chat.Chat {
	t.Helper()
	ch := chat.Chat{
		ID:           uuid.New().String(),
		Name:         name,
		Creator:      "alice",
		Participants: []string{"alice"},
		CreatedAt:    updatedAt,
		UpdatedAt:    updatedAt,
	}
	require.NoError(t, c.SaveChat(ch))
	return ch
}

func TestStore_Initialize_EmptyCache(t *testing.T) {
	s, _, _ := newTestStore(t)

	require.NoError(t, s.Initialize(context.Background(), ""))

	snap := s.Snapshot()
	assert.Empty(t, snap.Identity)
	assert.Empty(t, snap.SelectedChatID)
	assert.Empty(t, snap.Chats)
	assert.Empty(t, snap.Messages)
}

func TestStore_Initialize_ResumesLastChat(t *testing.T) {
	s, c, _ := newTestStore(t)

	ch := seedChat(t, c, "general", time.Now().UTC())
	require.NoError(t, c.SaveMessage(chat.Message{
		ID:        uuid.New().String(),
		ChatID:    ch.ID,
		Sender:    "bob",
		Content:   "welcome back",
		Timestamp: time.Now().UTC(),
	}))
	require.NoError(t, c.SaveUserState(chat.UserState{Identity: "alice", LastChatID: ch.ID}))

	require.NoError(t, s.Initialize(context.Background(), ""))

	snap := s.Snapshot()
	assert.Equal(t, "alice", snap.Identity)
	assert.Equal(t, ch.ID, snap.SelectedChatID)
	require.Len(t, snap.Chats, 1)
	require.Len(t, snap.Messages, 1)
	assert.Equal(t, "welcome back", snap.Messages[0].Content)
}

func TestStore_Initialize_ChatHintWins(t *testing.T) {
	s, c, _ := newTestStore(t)

	last := seedChat(t, c, "last", time.Now().UTC())
	hinted := seedChat(t, c, "hinted", time.Now().UTC())
	require.NoError(t, c.SaveUserState(chat.UserState{Identity: "alice", LastChatID: last.ID}))

	require.NoError(t, s.Initialize(context.Background(), hinted.ID))

	assert.Equal(t, hinted.ID, s.Snapshot().SelectedChatID)
}

func TestStore_Initialize_CacheFailure(t *testing.T) {
	c, err := cache.Open(":memory:")
	require.NoError(t, err)
	require.NoError(t, c.Close())

	s := New(c)
	s.SetTransport(newFakeTransport())

	err = s.Initialize(context.Background(), "")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInitialLoad)

	// Operations stay locked out until a retry succeeds.
	assert.ErrorIs(t, s.SelectChat(context.Background(), "c1"), ErrNotInitialized)
	assert.ErrorIs(t, s.Login(context.Background(), "alice"), ErrNotInitialized)
}

func TestStore_Login(t *testing.T) {
	s, c, transport := newTestStore(t)
	require.NoError(t, s.Initialize(context.Background(), ""))

	require.NoError(t, s.Login(context.Background(), "  alice  "))

	snap := s.Snapshot()
	assert.Equal(t, "alice", snap.Identity, "identity is trimmed")
	require.Len(t, transport.started, 1)
	assert.Equal(t, "alice", transport.started[0])

	state, err := c.UserState()
	require.NoError(t, err)
	assert.Equal(t, "alice", state.Identity)
}

func TestStore_Login_BlankIdentity(t *testing.T) {
	s, _, transport := newTestStore(t)
	require.NoError(t, s.Initialize(context.Background(), ""))

	require.Error(t, s.Login(context.Background(), "   "))
	assert.Empty(t, transport.started)
}

func TestStore_Login_ConnectFailure(t *testing.T) {
	s, _, transport := newTestStore(t)
	transport.startErr = errors.New("server unreachable")
	require.NoError(t, s.Initialize(context.Background(), ""))

	err := s.Login(context.Background(), "alice")
	require.Error(t, err)
	assert.NotEmpty(t, s.Snapshot().LastError)
}

func TestStore_SelectChat(t *testing.T) {
	s, c, transport := newTestStore(t)

	first := seedChat(t, c, "first", time.Now().UTC())
	second := seedChat(t, c, "second", time.Now().UTC())
	require.NoError(t, c.SaveMessage(chat.Message{
		ID:        uuid.New().String(),
		ChatID:    second.ID,
		Sender:    "bob",
		Content:   "in second",
		Timestamp: time.Now().UTC(),
	}))

	require.NoError(t, s.Initialize(context.Background(), ""))
	require.NoError(t, s.Login(context.Background(), "alice"))
	s.OnConnectionChange(true)

	require.NoError(t, s.SelectChat(context.Background(), first.ID))
	transport.waitJoin(t)

	require.NoError(t, s.SelectChat(context.Background(), second.ID))
	transport.waitJoin(t)

	snap := s.Snapshot()
	assert.Equal(t, second.ID, snap.SelectedChatID)
	require.Len(t, snap.Messages, 1)
	assert.Equal(t, "in second", snap.Messages[0].Content)

	transport.mu.Lock()
	leaves := append([]string(nil), transport.leaves...)
	transport.mu.Unlock()
	assert.Contains(t, leaves, first.ID, "previous chat is left")

	state, err := c.UserState()
	require.NoError(t, err)
	assert.Equal(t, second.ID, state.LastChatID)
}

func TestStore_SelectChat_OfflineStillSelects(t *testing.T) {
	s, c, transport := newTestStore(t)
	transport.startErr = errors.New("server unreachable")

	ch := seedChat(t, c, "general", time.Now().UTC())
	require.NoError(t, c.SaveUserState(chat.UserState{Identity: "alice", LastChatID: ""}))
	require.NoError(t, s.Initialize(context.Background(), ""))

	require.NoError(t, s.SelectChat(context.Background(), ch.ID))

	snap := s.Snapshot()
	assert.Equal(t, ch.ID, snap.SelectedChatID)
	assert.False(t, snap.Connected)
}

func TestStore_AddMessage_CacheBeforeMemory(t *testing.T) {
	s, c, _ := newTestStore(t)
	ch := seedChat(t, c, "general", time.Now().UTC())
	require.NoError(t, s.Initialize(context.Background(), ch.ID))

	msg := chat.Message{
		ID:        uuid.New().String(),
		ChatID:    ch.ID,
		Sender:    "bob",
		Content:   "hi",
		Timestamp: time.Now().UTC(),
	}
	s.AddMessage(msg)

	// Durable copy exists.
	cached, err := c.ChatMessages(ch.ID)
	require.NoError(t, err)
	require.Len(t, cached, 1)

	// Visible copy exists.
	snap := s.Snapshot()
	require.Len(t, snap.Messages, 1)
	assert.Equal(t, "hi", snap.Messages[0].Content)
}

func TestStore_AddMessage_UnselectedChatCachedButNotShown(t *testing.T) {
	s, c, _ := newTestStore(t)
	selected := seedChat(t, c, "selected", time.Now().UTC())
	other := seedChat(t, c, "other", time.Now().UTC())
	require.NoError(t, s.Initialize(context.Background(), selected.ID))

	s.AddMessage(chat.Message{
		ID:        uuid.New().String(),
		ChatID:    other.ID,
		Sender:    "bob",
		Content:   "elsewhere",
		Timestamp: time.Now().UTC(),
	})

	snap := s.Snapshot()
	assert.Empty(t, snap.Messages, "message for another chat must not appear")

	cached, err := c.ChatMessages(other.ID)
	require.NoError(t, err)
	assert.Len(t, cached, 1, "message is still cached for later")
}

func TestStore_SelectChat_ConcurrentPushNotLost(t *testing.T) {
	s, c, _ := newTestStore(t)
	previous := seedChat(t, c, "previous", time.Now().UTC())
	target := seedChat(t, c, "target", time.Now().UTC())
	require.NoError(t, s.Initialize(context.Background(), previous.ID))

	msg := chat.Message{
		ID:        uuid.New().String(),
		ChatID:    target.ID,
		Sender:    "bob",
		Content:   "racing the selection",
		Timestamp: time.Now().UTC(),
	}

	// A push for the target chat races the selection switch. Whether it
	// lands before, during, or after the switch, it must end up visible
	// exactly once.
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.AddMessage(msg)
	}()
	require.NoError(t, s.SelectChat(context.Background(), target.ID))
	<-done

	snap := s.Snapshot()
	require.Equal(t, target.ID, snap.SelectedChatID)
	count := 0
	for _, m := range snap.Messages {
		if m.ID == msg.ID {
			count++
		}
	}
	assert.Equal(t, 1, count, "pushed message must be visible exactly once")
}

func TestStore_AddMessage_BumpsChatActivity(t *testing.T) {
	s, c, _ := newTestStore(t)
	base := time.Now().UTC().Truncate(time.Second)
	quiet := seedChat(t, c, "quiet", base.Add(time.Hour))
	busy := seedChat(t, c, "busy", base)
	require.NoError(t, s.Initialize(context.Background(), ""))

	// quiet is the most recent before any message arrives.
	snap := s.Snapshot()
	require.Len(t, snap.Chats, 2)
	assert.Equal(t, quiet.ID, snap.Chats[0].ID)

	s.AddMessage(chat.Message{
		ID:        uuid.New().String(),
		ChatID:    busy.ID,
		Sender:    "bob",
		Content:   "ping",
		Timestamp: base.Add(2 * time.Hour),
	})

	snap = s.Snapshot()
	assert.Equal(t, busy.ID, snap.Chats[0].ID, "chat with newest message sorts first")
}

func TestStore_CreateChatThenSelect(t *testing.T) {
	s, c, transport := newTestStore(t)
	require.NoError(t, s.Initialize(context.Background(), ""))
	require.NoError(t, s.Login(context.Background(), "alice"))
	s.OnConnectionChange(true)

	id, err := s.CreateChat(context.Background(), "fresh", []string{"bob"})
	require.NoError(t, err)
	assert.Equal(t, transport.createID, id)

	// The chat_created push may race the ack; simulate it landing now.
	s.OnChatCreated(chat.Chat{
		ID:           id,
		Name:         "fresh",
		Creator:      "alice",
		Participants: []string{"bob", "alice"},
		CreatedAt:    time.Now().UTC(),
		UpdatedAt:    time.Now().UTC(),
	})

	require.NoError(t, s.SelectChat(context.Background(), id))
	assert.Equal(t, id, transport.waitJoin(t))

	snap := s.Snapshot()
	assert.Equal(t, id, snap.SelectedChatID)
	require.Len(t, snap.Chats, 1)
	assert.Equal(t, "fresh", snap.Chats[0].Name)

	// The pushed chat reached the durable cache too.
	cached, err := c.GetChat(id)
	require.NoError(t, err)
	assert.Equal(t, "fresh", cached.Name)
}

func TestStore_SendMessage(t *testing.T) {
	s, c, transport := newTestStore(t)
	ch := seedChat(t, c, "general", time.Now().UTC())
	require.NoError(t, s.Initialize(context.Background(), ch.ID))

	require.NoError(t, s.SendMessage(context.Background(), "hello"))

	transport.mu.Lock()
	sent := append([]string(nil), transport.sent...)
	transport.mu.Unlock()
	require.Len(t, sent, 1)
	assert.Equal(t, ch.ID+":hello", sent[0])

	// The message is not added locally; it arrives via the server push like
	// for every other participant.
	assert.Empty(t, s.Snapshot().Messages)
}

func TestStore_SendMessage_NoSelection(t *testing.T) {
	s, _, _ := newTestStore(t)
	require.NoError(t, s.Initialize(context.Background(), ""))

	require.Error(t, s.SendMessage(context.Background(), "hello"))
}

func TestStore_ReconnectRejoinsSelectedChat(t *testing.T) {
	s, c, transport := newTestStore(t)
	ch := seedChat(t, c, "general", time.Now().UTC())
	require.NoError(t, s.Initialize(context.Background(), ch.ID))
	require.NoError(t, s.Login(context.Background(), "alice"))

	// Login joins the selected chat once.
	assert.Equal(t, ch.ID, transport.waitJoin(t))

	// Drop and recover; the fresh connection has no memberships, so the
	// store must join again.
	s.OnConnectionChange(false)
	assert.False(t, s.Snapshot().Connected)

	s.OnConnectionChange(true)
	assert.Equal(t, ch.ID, transport.waitJoin(t))
	assert.True(t, s.Snapshot().Connected)
}

func TestStore_Logout(t *testing.T) {
	s, c, transport := newTestStore(t)
	ch := seedChat(t, c, "general", time.Now().UTC())
	require.NoError(t, c.SaveUserState(chat.UserState{Identity: "alice", LastChatID: ch.ID}))
	require.NoError(t, s.Initialize(context.Background(), ""))

	s.Logout(context.Background())

	snap := s.Snapshot()
	assert.Empty(t, snap.Identity)
	assert.Empty(t, snap.SelectedChatID)
	assert.Empty(t, snap.Chats)
	assert.False(t, snap.Connected)
	assert.Equal(t, 1, transport.stops)

	_, err := c.UserState()
	assert.ErrorIs(t, err, cache.ErrNotFound)

	// Cached history survives logout.
	cached, err := c.GetChat(ch.ID)
	require.NoError(t, err)
	assert.Equal(t, "general", cached.Name)

	t.Run("logout twice is a no-op", func(t *testing.T) {
		s.Logout(context.Background())
		assert.Equal(t, 1, transport.stops)
	})
}

func TestStore_Subscribe(t *testing.T) {
	s, c, _ := newTestStore(t)
	ch := seedChat(t, c, "general", time.Now().UTC())
	require.NoError(t, s.Initialize(context.Background(), ch.ID))

	snapshots, cancel := s.Subscribe()
	defer cancel()

	s.AddMessage(chat.Message{
		ID:        uuid.New().String(),
		ChatID:    ch.ID,
		Sender:    "bob",
		Content:   "hi",
		Timestamp: time.Now().UTC(),
	})

	select {
	case snap := <-snapshots:
		require.Len(t, snap.Messages, 1)
		assert.Equal(t, "hi", snap.Messages[0].Content)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for snapshot")
	}
}

func TestStore_Subscribe_SlowConsumerSeesLatest(t *testing.T) {
	s, c, _ := newTestStore(t)
	ch := seedChat(t, c, "general", time.Now().UTC())
	require.NoError(t, s.Initialize(context.Background(), ch.ID))

	snapshots, cancel := s.Subscribe()
	defer cancel()

	// Publish several snapshots without draining; the channel conflates.
	for i := 0; i < 5; i++ {
		s.AddMessage(chat.Message{
			ID:        uuid.New().String(),
			ChatID:    ch.ID,
			Sender:    "bob",
			Content:   "msg",
			Timestamp: time.Now().UTC(),
		})
	}

	select {
	case snap := <-snapshots:
		assert.Len(t, snap.Messages, 5, "conflated snapshot carries the final state")
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for snapshot")
	}
}
