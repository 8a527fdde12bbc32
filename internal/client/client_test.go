package client

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ezchat/ezchat/internal/protocol"
	"github.com/ezchat/ezchat/internal/signaling"
	"github.com/ezchat/ezchat/internal/store"
)

func startSignaling(t *testing.T) string {
	t.Helper()
	s := signaling.NewServer(signaling.Config{})
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		s.Close()
		ts.Close()
	})
	return strings.TrimPrefix(ts.URL, "http://")
}

func connect(t *testing.T, addr, room, name string, display chan<- protocol.Message) *Client {
	t.Helper()
	c, err := Connect(context.Background(), Config{
		ServerAddr: addr,
		Room:       room,
		Username:   name,
		KV:         store.NewMemoryKV(),
		OnDisplay: func(msg protocol.Message) {
			display <- msg
		},
	})
	if err != nil {
		t.Fatalf("connect %s: %v", name, err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

// waitPeers blocks until c knows about n remote participants, so a test can
// order a send after the server has processed everyone's join.
func waitPeers(t *testing.T, c *Client, n int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for len(c.Status().Participants) < n {
		if time.Now().After(deadline) {
			t.Fatalf("never saw %d participants; status %+v", n, c.Status())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func waitMessage(t *testing.T, ch <-chan protocol.Message, content string) protocol.Message {
	t.Helper()
	for {
		select {
		case msg := <-ch:
			if msg.Content == content {
				return msg
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("message %q never displayed", content)
		}
	}
}

func TestClient_MessageReachesRoom(t *testing.T) {
	addr := startSignaling(t)

	aliceSees := make(chan protocol.Message, 16)
	bobSees := make(chan protocol.Message, 16)

	alice := connect(t, addr, "lobby", "alice", aliceSees)
	_ = connect(t, addr, "lobby", "bob", bobSees)
	waitPeers(t, alice, 1)

	if err := alice.Send(context.Background(), "hello", nil); err != nil {
		t.Fatalf("send: %v", err)
	}

	got := waitMessage(t, bobSees, "hello")
	if got.Sender != "alice" {
		t.Fatalf("sender = %q, want alice", got.Sender)
	}

	// The sender displays its own message exactly once.
	waitMessage(t, aliceSees, "hello")
	select {
	case msg := <-aliceSees:
		t.Fatalf("unexpected extra display on alice: %+v", msg)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestClient_RoomIsolation(t *testing.T) {
	addr := startSignaling(t)

	aliceSees := make(chan protocol.Message, 16)
	carolSees := make(chan protocol.Message, 16)

	alice := connect(t, addr, "r1", "alice", aliceSees)
	_ = connect(t, addr, "r2", "carol", carolSees)

	if err := alice.Send(context.Background(), "r1 only", nil); err != nil {
		t.Fatalf("send: %v", err)
	}
	waitMessage(t, aliceSees, "r1 only")

	select {
	case msg := <-carolSees:
		t.Fatalf("message crossed rooms: %+v", msg)
	case <-time.After(500 * time.Millisecond):
	}
}

func TestClient_HistoryPersistsAndClears(t *testing.T) {
	addr := startSignaling(t)

	aliceSees := make(chan protocol.Message, 16)
	alice := connect(t, addr, "lobby", "alice", aliceSees)

	ctx := context.Background()
	if err := alice.Send(ctx, "first", nil); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := alice.Send(ctx, "second", nil); err != nil {
		t.Fatalf("send: %v", err)
	}

	history, err := alice.History(ctx)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 2 || history[0].Content != "first" || history[1].Content != "second" {
		t.Fatalf("history = %+v", history)
	}

	if err := alice.ClearHistory(ctx); err != nil {
		t.Fatalf("clear: %v", err)
	}
	history, err = alice.History(ctx)
	if err != nil {
		t.Fatalf("history after clear: %v", err)
	}
	if len(history) != 0 {
		t.Fatalf("history after clear = %+v", history)
	}
}

func TestClient_DuplicateAcrossPathsDisplaysOnce(t *testing.T) {
	addr := startSignaling(t)

	bobSees := make(chan protocol.Message, 16)
	alice := connect(t, addr, "lobby", "alice", make(chan protocol.Message, 16))
	_ = connect(t, addr, "lobby", "bob", bobSees)
	waitPeers(t, alice, 1)

	// Sending the same message twice simulates the same identity arriving
	// over two delivery paths.
	msg := protocol.NewMessage("alice", "dup", nil)
	if err := alice.SendSignal(protocol.SignalFrame{
		Type:        protocol.TypeBroadcast,
		Room:        "lobby",
		MessageData: &msg,
	}); err != nil {
		t.Fatalf("first broadcast: %v", err)
	}
	if err := alice.SendSignal(protocol.SignalFrame{
		Type:        protocol.TypeBroadcast,
		Room:        "lobby",
		MessageData: &msg,
	}); err != nil {
		t.Fatalf("second broadcast: %v", err)
	}

	waitMessage(t, bobSees, "dup")
	select {
	case got := <-bobSees:
		if got.Content == "dup" {
			t.Fatalf("duplicate displayed twice: %+v", got)
		}
	case <-time.After(500 * time.Millisecond):
	}
}

func TestClient_CloseUnblocksDone(t *testing.T) {
	addr := startSignaling(t)

	alice := connect(t, addr, "lobby", "alice", make(chan protocol.Message, 16))
	if err := alice.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	select {
	case <-alice.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("Done never closed after Close")
	}
	if err := alice.Err(); err != nil {
		t.Fatalf("Err after local close = %v, want nil", err)
	}
}
