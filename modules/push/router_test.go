package push

import (
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/example/realtime-chat/wire"
)

// fakeConn records every frame written to it. Safe for concurrent use.
type fakeConn struct {
	mu     sync.Mutex
	frames []wire.Frame
	fail   bool
}

func (c *fakeConn) WriteMessage(_ int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return errors.New("write failed")
	}
	var frame wire.Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		return err
	}
	c.frames = append(c.frames, frame)
	return nil
}

func (c *fakeConn) received(frameType string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	count := 0
	for _, f := range c.frames {
		if f.Type == frameType {
			count++
		}
	}
	return count
}

func testFrame(t *testing.T, frameType string) wire.Frame {
	t.Helper()
	frame, err := wire.NewFrame(frameType, "", wire.PresencePayload{ChatID: "c1", Identity: "alice"})
	if err != nil {
		t.Fatalf("NewFrame() error = %v", err)
	}
	return frame
}

func TestRegistry_RegisterUnregister(t *testing.T) {
	registry := NewRegistry()

	conn := &fakeConn{}
	connID := registry.Register("alice", conn)
	if connID == "" {
		t.Fatal("expected a connection id")
	}
	if registry.Count() != 1 {
		t.Errorf("expected 1 connection, got %d", registry.Count())
	}

	identity, ok := registry.Identity(connID)
	if !ok || identity != "alice" {
		t.Errorf("expected identity alice, got %q (found=%v)", identity, ok)
	}

	gone, ok := registry.Unregister(connID)
	if !ok || gone != "alice" {
		t.Errorf("expected unregister to return alice, got %q (found=%v)", gone, ok)
	}
	if registry.Count() != 0 {
		t.Errorf("expected 0 connections, got %d", registry.Count())
	}

	t.Run("unknown id is a no-op", func(t *testing.T) {
		if _, ok := registry.Unregister("no-such-conn"); ok {
			t.Error("expected unregister of unknown id to report not found")
		}
	})
}

func TestRegistry_SharedIdentity(t *testing.T) {
	registry := NewRegistry()

	first := registry.Register("alice", &fakeConn{})
	second := registry.Register("alice", &fakeConn{})
	if first == second {
		t.Error("expected distinct connection ids for the same identity")
	}

	conns := registry.ConnectionsByIdentity("alice")
	if len(conns) != 2 {
		t.Errorf("expected 2 connections for alice, got %d", len(conns))
	}
}

func TestRegistry_ConcurrentChurn(t *testing.T) {
	registry := NewRegistry()
	NewRouter(registry)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			connID := registry.Register("user", &fakeConn{})
			registry.Unregister(connID)
		}()
	}
	wg.Wait()

	if registry.Count() != 0 {
		t.Errorf("expected 0 connections after churn, got %d", registry.Count())
	}
}

func TestRouter_JoinBroadcastsToGroup(t *testing.T) {
	registry := NewRegistry()
	router := NewRouter(registry)

	aliceConn := &fakeConn{}
	bobConn := &fakeConn{}
	alice := registry.Register("alice", aliceConn)
	bob := registry.Register("bob", bobConn)

	router.Join(alice, "c1")
	router.Join(bob, "c1")

	// alice sees her own join plus bob's; bob sees only his own.
	if got := aliceConn.received(wire.TypeUserJoined); got != 2 {
		t.Errorf("alice: expected 2 user_joined, got %d", got)
	}
	if got := bobConn.received(wire.TypeUserJoined); got != 1 {
		t.Errorf("bob: expected 1 user_joined, got %d", got)
	}
	if router.GroupCount("c1") != 2 {
		t.Errorf("expected 2 members, got %d", router.GroupCount("c1"))
	}
}

func TestRouter_JoinIsIdempotent(t *testing.T) {
	registry := NewRegistry()
	router := NewRouter(registry)

	conn := &fakeConn{}
	connID := registry.Register("alice", conn)

	router.Join(connID, "c1")
	router.Join(connID, "c1")

	if router.GroupCount("c1") != 1 {
		t.Errorf("expected 1 member after double join, got %d", router.GroupCount("c1"))
	}
}

func TestRouter_JoinUnknownConnection(t *testing.T) {
	registry := NewRegistry()
	router := NewRouter(registry)

	router.Join("no-such-conn", "c1")

	if router.GroupCount("c1") != 0 {
		t.Errorf("expected empty group, got %d members", router.GroupCount("c1"))
	}
}

func TestRouter_LeaveNotifiesRemainder(t *testing.T) {
	registry := NewRegistry()
	router := NewRouter(registry)

	aliceConn := &fakeConn{}
	bobConn := &fakeConn{}
	alice := registry.Register("alice", aliceConn)
	bob := registry.Register("bob", bobConn)
	router.Join(alice, "c1")
	router.Join(bob, "c1")

	router.Leave(bob, "c1")

	if got := aliceConn.received(wire.TypeUserLeft); got != 1 {
		t.Errorf("alice: expected 1 user_left, got %d", got)
	}
	// bob already left; he must not see his own departure.
	if got := bobConn.received(wire.TypeUserLeft); got != 0 {
		t.Errorf("bob: expected 0 user_left, got %d", got)
	}
	if router.GroupCount("c1") != 1 {
		t.Errorf("expected 1 member, got %d", router.GroupCount("c1"))
	}

	t.Run("leaving again is a no-op", func(t *testing.T) {
		router.Leave(bob, "c1")
		if got := aliceConn.received(wire.TypeUserLeft); got != 1 {
			t.Errorf("expected no extra user_left, got %d", got)
		}
	})
}

// overlapConn detects concurrent writers, which gorilla-style websocket
// connections forbid.
type overlapConn struct {
	writing  int32
	overlaps int32
}

func (c *overlapConn) WriteMessage(_ int, _ []byte) error {
	if !atomic.CompareAndSwapInt32(&c.writing, 0, 1) {
		atomic.AddInt32(&c.overlaps, 1)
		return nil
	}
	time.Sleep(time.Millisecond)
	atomic.StoreInt32(&c.writing, 0)
	return nil
}

func TestRegistry_WritesSerializedPerSession(t *testing.T) {
	registry := NewRegistry()
	router := NewRouter(registry)

	conn := &overlapConn{}
	connID := registry.Register("alice", conn)
	router.Join(connID, "c1")

	// A direct send (the gateway's welcome and RPC replies) racing group and
	// global broadcasts must never produce two writers on the same conn.
	var wg sync.WaitGroup
	frame := testFrame(t, wire.TypeReceiveMessage)
	data, err := json.Marshal(frame)
	if err != nil {
		t.Fatalf("failed to marshal frame: %v", err)
	}

	wg.Add(3)
	go func() {
		defer wg.Done()
		for i := 0; i < 20; i++ {
			_ = registry.Send(connID, data)
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 20; i++ {
			router.Broadcast("c1", frame)
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 20; i++ {
			router.BroadcastAll(frame)
		}
	}()
	wg.Wait()

	if got := atomic.LoadInt32(&conn.overlaps); got != 0 {
		t.Errorf("expected writes to be serialized, got %d overlapping writes", got)
	}
}

func TestRouter_BroadcastSkipsFailedConnections(t *testing.T) {
	registry := NewRegistry()
	router := NewRouter(registry)

	healthy := &fakeConn{}
	broken := &fakeConn{fail: true}
	a := registry.Register("alice", healthy)
	b := registry.Register("bob", broken)
	router.Join(a, "c1")
	router.Join(b, "c1")

	router.Broadcast("c1", testFrame(t, wire.TypeReceiveMessage))

	if got := healthy.received(wire.TypeReceiveMessage); got != 1 {
		t.Errorf("expected healthy connection to receive the frame, got %d", got)
	}
}

func TestRouter_UnregisterEvictsFromAllGroups(t *testing.T) {
	registry := NewRegistry()
	router := NewRouter(registry)

	conn := &fakeConn{}
	connID := registry.Register("alice", conn)
	router.Join(connID, "c1")
	router.Join(connID, "c2")

	registry.Unregister(connID)

	if router.GroupCount("c1") != 0 || router.GroupCount("c2") != 0 {
		t.Errorf("expected empty groups after unregister, got c1=%d c2=%d",
			router.GroupCount("c1"), router.GroupCount("c2"))
	}

	// A frame broadcast after unregister must not reach the old connection.
	before := conn.received(wire.TypeReceiveMessage)
	router.Broadcast("c1", testFrame(t, wire.TypeReceiveMessage))
	router.BroadcastAll(testFrame(t, wire.TypeReceiveMessage))
	if got := conn.received(wire.TypeReceiveMessage); got != before {
		t.Errorf("expected no delivery after unregister, got %d new frames", got-before)
	}
}

func TestRouter_BroadcastAll(t *testing.T) {
	registry := NewRegistry()
	router := NewRouter(registry)

	inGroup := &fakeConn{}
	outside := &fakeConn{}
	a := registry.Register("alice", inGroup)
	registry.Register("bob", outside)
	router.Join(a, "c1")

	router.BroadcastAll(testFrame(t, wire.TypeChatCreated))

	if got := inGroup.received(wire.TypeChatCreated); got != 1 {
		t.Errorf("group member: expected 1 frame, got %d", got)
	}
	if got := outside.received(wire.TypeChatCreated); got != 1 {
		t.Errorf("non-member: expected 1 frame, got %d", got)
	}
}

func TestRouter_BroadcastToIdentities(t *testing.T) {
	registry := NewRegistry()
	router := NewRouter(registry)

	aliceLaptop := &fakeConn{}
	alicePhone := &fakeConn{}
	bobConn := &fakeConn{}
	registry.Register("alice", aliceLaptop)
	registry.Register("alice", alicePhone)
	registry.Register("bob", bobConn)

	router.BroadcastToIdentities([]string{"alice", "alice"}, testFrame(t, wire.TypeChatCreated))

	// Both of alice's connections get exactly one frame despite the
	// duplicated identity in the target list.
	if got := aliceLaptop.received(wire.TypeChatCreated); got != 1 {
		t.Errorf("alice laptop: expected 1 frame, got %d", got)
	}
	if got := alicePhone.received(wire.TypeChatCreated); got != 1 {
		t.Errorf("alice phone: expected 1 frame, got %d", got)
	}
	if got := bobConn.received(wire.TypeChatCreated); got != 0 {
		t.Errorf("bob: expected 0 frames, got %d", got)
	}
}
