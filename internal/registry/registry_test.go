package registry

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/watchvote/server/internal/fanout"
	"github.com/watchvote/server/pkg/types"
)

// helper: receive one message with a timeout so tests never hang
func recvMsg(t *testing.T, ch <-chan types.ServerMessage, within time.Duration) types.ServerMessage {
	t.Helper()
	select {
	case msg, ok := <-ch:
		if !ok {
			t.Fatalf("outbox closed unexpectedly")
		}
		return msg
	case <-time.After(within):
		t.Fatalf("timed out waiting for message")
		return types.ServerMessage{} // unreachable
	}
}

func recvClosed(t *testing.T, ch <-chan types.ServerMessage, within time.Duration) {
	t.Helper()
	deadline := time.After(within)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
			// drain buffered messages until the close shows up
		case <-deadline:
			t.Fatalf("outbox was not closed within %v", within)
		}
	}
}

func recvNoMsg(t *testing.T, ch <-chan types.ServerMessage, within time.Duration) {
	t.Helper()
	select {
	case m, ok := <-ch:
		if !ok {
			return
		}
		t.Fatalf("expected no message within %v, got %+v", within, m)
	case <-time.After(within):
	}
}

func view(t *testing.T, r *Registry) View {
	t.Helper()
	reply := make(chan View, 1)
	r.Inbox() <- GetView{Reply: reply}
	select {
	case v := <-reply:
		return v
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for view")
		return View{} // unreachable
	}
}

func newTestRegistry(t *testing.T, opts Options) (*Registry, context.CancelFunc) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	r := New(ctx, fanout.NewMemory(), "test:events", opts, zap.NewNop())
	t.Cleanup(cancel)
	return r, cancel
}

func TestRegister_DeliversAndSupersedes(t *testing.T) {
	r, _ := newTestRegistry(t, Options{})

	first := make(chan types.ServerMessage, 4)
	r.Inbox() <- Register{ConnID: "c1", UserID: "alice", Outbox: first}
	r.SendToUser("alice", types.Error("hello"))
	if got := recvMsg(t, first, time.Second); got.Payload.Message != "hello" {
		t.Fatalf("want hello, got %+v", got)
	}

	// Second connection for the same user wins; the first outbox closes.
	second := make(chan types.ServerMessage, 4)
	r.Inbox() <- Register{ConnID: "c2", UserID: "alice", Outbox: second}
	recvClosed(t, first, time.Second)

	r.SendToUser("alice", types.Error("again"))
	if got := recvMsg(t, second, time.Second); got.Payload.Message != "again" {
		t.Fatalf("want again on new conn, got %+v", got)
	}

	if v := view(t, r); v.NumClients != 1 {
		t.Fatalf("supersede must not double-count, got %d clients", v.NumClients)
	}
}

func TestSendToUser_BuffersWhileOfflineAndFlushesInOrder(t *testing.T) {
	r, _ := newTestRegistry(t, Options{PendingCap: 8})

	r.SendToUser("alice", types.Error("one"))
	r.SendToUser("alice", types.Error("two"))
	r.SendToUser("alice", types.Error("three"))

	// Wait until the loop has buffered all three.
	deadline := time.Now().Add(time.Second)
	for view(t, r).Pending["alice"] < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("messages were not buffered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	out := make(chan types.ServerMessage, 8)
	r.Inbox() <- Register{ConnID: "c1", UserID: "alice", Outbox: out}

	for _, want := range []string{"one", "two", "three"} {
		if got := recvMsg(t, out, time.Second); got.Payload.Message != want {
			t.Fatalf("want %q, got %+v", want, got)
		}
	}
	if v := view(t, r); v.Pending["alice"] != 0 {
		t.Fatalf("pending buffer must be cleared after flush, got %d", v.Pending["alice"])
	}
}

func TestSendToUser_BufferDropsOldestOnOverflow(t *testing.T) {
	r, _ := newTestRegistry(t, Options{PendingCap: 2})

	r.SendToUser("alice", types.Error("one"))
	r.SendToUser("alice", types.Error("two"))
	r.SendToUser("alice", types.Error("three"))

	deadline := time.Now().Add(time.Second)
	for view(t, r).Pending["alice"] < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("messages were not buffered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	out := make(chan types.ServerMessage, 8)
	r.Inbox() <- Register{ConnID: "c1", UserID: "alice", Outbox: out}

	// "one" was evicted; delivery starts at "two".
	if got := recvMsg(t, out, time.Second); got.Payload.Message != "two" {
		t.Fatalf("want oldest-dropped buffer to start at two, got %+v", got)
	}
	if got := recvMsg(t, out, time.Second); got.Payload.Message != "three" {
		t.Fatalf("want three, got %+v", got)
	}
}

func TestBroadcast_ScopedToSessionAndExcludes(t *testing.T) {
	r, _ := newTestRegistry(t, Options{})

	alice := make(chan types.ServerMessage, 4)
	bob := make(chan types.ServerMessage, 4)
	carol := make(chan types.ServerMessage, 4)
	r.Inbox() <- Register{ConnID: "c1", UserID: "alice", Outbox: alice}
	r.Inbox() <- Register{ConnID: "c2", UserID: "bob", Outbox: bob}
	r.Inbox() <- Register{ConnID: "c3", UserID: "carol", Outbox: carol}
	r.Inbox() <- SetSession{ConnID: "c1", SessionID: "s1"}
	r.Inbox() <- SetSession{ConnID: "c2", SessionID: "s1"}
	r.Inbox() <- SetSession{ConnID: "c3", SessionID: "other"}

	r.BroadcastToSession("s1", types.Error("round started"), "alice")

	if got := recvMsg(t, bob, time.Second); got.Payload.Message != "round started" {
		t.Fatalf("bob should receive the broadcast, got %+v", got)
	}
	recvNoMsg(t, alice, 100*time.Millisecond)
	recvNoMsg(t, carol, 100*time.Millisecond)
}

func TestBroadcast_RepublishesOnFanout(t *testing.T) {
	bus := fanout.NewMemory()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	r := New(ctx, bus, "test:events", Options{}, zap.NewNop())

	var mu sync.Mutex
	var envs []fanout.Envelope
	go bus.Subscribe(ctx, "test:events", func(env fanout.Envelope) {
		mu.Lock()
		envs = append(envs, env)
		mu.Unlock()
	})
	time.Sleep(20 * time.Millisecond) // let the subscription land

	r.BroadcastToSession("s1", types.Error("hi"))

	deadline := time.Now().Add(time.Second)
	for {
		mu.Lock()
		n := len(envs)
		mu.Unlock()
		if n > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("broadcast was not republished on the bus")
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	env := envs[0]
	mu.Unlock()
	if env.SessionID != "s1" || env.Message.Payload.Message != "hi" || env.Origin == "" {
		t.Fatalf("unexpected envelope %+v", env)
	}
}

func TestHandleFanout_IgnoresOwnOriginDeliversOthers(t *testing.T) {
	r, _ := newTestRegistry(t, Options{})

	out := make(chan types.ServerMessage, 4)
	r.Inbox() <- Register{ConnID: "c1", UserID: "alice", Outbox: out}
	r.Inbox() <- SetSession{ConnID: "c1", SessionID: "s1"}

	r.HandleFanout(fanout.Envelope{Origin: r.origin, SessionID: "s1", Message: types.Error("echo")})
	recvNoMsg(t, out, 100*time.Millisecond)

	r.HandleFanout(fanout.Envelope{Origin: "another-process", SessionID: "s1", Message: types.Error("remote")})
	if got := recvMsg(t, out, time.Second); got.Payload.Message != "remote" {
		t.Fatalf("want remote fanout delivered, got %+v", got)
	}
}

func TestSweep_DropsStaleConnections(t *testing.T) {
	r, _ := newTestRegistry(t, Options{
		SweepEvery:       time.Hour, // ticker out of the way; Sweep drives the pass
		HeartbeatTimeout: 10 * time.Millisecond,
	})

	var mu sync.Mutex
	var gone []string
	r.BindDisconnect(func(userID, sessionID string) {
		mu.Lock()
		gone = append(gone, userID+"/"+sessionID)
		mu.Unlock()
	})

	out := make(chan types.ServerMessage, 4)
	r.Inbox() <- Register{ConnID: "c1", UserID: "alice", Outbox: out}
	r.Inbox() <- SetSession{ConnID: "c1", SessionID: "s1"}

	time.Sleep(30 * time.Millisecond) // outlive the heartbeat timeout
	r.Inbox() <- Sweep{}

	recvClosed(t, out, time.Second)

	deadline := time.Now().Add(time.Second)
	for {
		mu.Lock()
		n := len(gone)
		mu.Unlock()
		if n > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("disconnect callback was not invoked")
		}
		time.Sleep(5 * time.Millisecond)
	}
	mu.Lock()
	defer mu.Unlock()
	if gone[0] != "alice/s1" {
		t.Fatalf("want alice/s1 disconnected, got %v", gone)
	}
}

func TestHeartbeat_KeepsConnectionAlive(t *testing.T) {
	r, _ := newTestRegistry(t, Options{
		SweepEvery:       time.Hour,
		HeartbeatTimeout: 80 * time.Millisecond,
	})

	out := make(chan types.ServerMessage, 4)
	r.Inbox() <- Register{ConnID: "c1", UserID: "alice", Outbox: out}

	// Heartbeat inside the window, then sweep: the connection survives.
	time.Sleep(50 * time.Millisecond)
	r.Inbox() <- Heartbeat{ConnID: "c1"}
	time.Sleep(50 * time.Millisecond)
	r.Inbox() <- Sweep{}

	if v := view(t, r); v.NumClients != 1 {
		t.Fatalf("heartbeated connection must survive the sweep, got %d clients", v.NumClients)
	}
}

func TestSlowClientIsDropped(t *testing.T) {
	r, _ := newTestRegistry(t, Options{})

	// Unbuffered outbox with no reader: the first send cannot complete.
	out := make(chan types.ServerMessage)
	r.Inbox() <- Register{ConnID: "c1", UserID: "alice", Outbox: out}
	r.SendToUser("alice", types.Error("you are too slow"))

	deadline := time.Now().Add(time.Second)
	for view(t, r).NumClients != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("slow client was not dropped")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
