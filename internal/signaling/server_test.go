package signaling

import (
	"encoding/json"
	"net/http/httptest"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ezchat/ezchat/internal/config"
	"github.com/ezchat/ezchat/internal/metrics"
	"github.com/ezchat/ezchat/internal/protocol"
)

func newTestServer(t *testing.T, cfg Config) (*Server, *httptest.Server) {
	t.Helper()
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New()
	}
	s := NewServer(cfg)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		s.Close()
		ts.Close()
	})
	return s, ts
}

func dial(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/signal"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial websocket: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, frame any) {
	t.Helper()
	payload, err := json.Marshal(frame)
	if err != nil {
		t.Fatalf("marshal frame: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

func recv(t *testing.T, conn *websocket.Conn) protocol.SignalFrame {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	var f protocol.SignalFrame
	if err := json.Unmarshal(data, &f); err != nil {
		t.Fatalf("unmarshal frame %s: %v", data, err)
	}
	return f
}

func recvType(t *testing.T, conn *websocket.Conn, typ string) protocol.SignalFrame {
	t.Helper()
	f := recv(t, conn)
	if f.Type != typ {
		t.Fatalf("frame type = %q, want %q (frame %+v)", f.Type, typ, f)
	}
	return f
}

func expectSilence(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	if _, data, err := conn.ReadMessage(); err == nil {
		t.Fatalf("expected no frame, got %s", data)
	}
}

func join(t *testing.T, conn *websocket.Conn, room, name string) {
	t.Helper()
	send(t, conn, protocol.SignalFrame{Type: protocol.TypeJoin, Room: room, Name: name})
}

func TestJoin_EventsMode(t *testing.T) {
	_, ts := newTestServer(t, Config{})

	alice := dial(t, ts)
	join(t, alice, "r1", "alice")
	info := recvType(t, alice, protocol.TypeRoomInfo)
	if len(info.Participants) != 0 {
		t.Fatalf("first joiner saw participants %v", info.Participants)
	}

	bob := dial(t, ts)
	join(t, bob, "r1", "bob")
	info = recvType(t, bob, protocol.TypeRoomInfo)
	if len(info.Participants) != 1 || info.Participants[0] != "alice" {
		t.Fatalf("bob's room-info participants = %v, want [alice]", info.Participants)
	}

	joined := recvType(t, alice, protocol.TypeUserJoined)
	if joined.Name != "bob" {
		t.Fatalf("user-joined name = %q, want bob", joined.Name)
	}
}

func TestSignalRelay_AnnotatesAndSkipsSender(t *testing.T) {
	_, ts := newTestServer(t, Config{})

	alice := dial(t, ts)
	join(t, alice, "r1", "alice")
	recvType(t, alice, protocol.TypeRoomInfo)

	bob := dial(t, ts)
	join(t, bob, "r1", "bob")
	recvType(t, bob, protocol.TypeRoomInfo)
	recvType(t, alice, protocol.TypeUserJoined)

	send(t, alice, map[string]any{
		"type":   protocol.TypeOffer,
		"target": "bob",
		"offer":  map[string]string{"type": "offer", "sdp": "v=0"},
	})

	f := recvType(t, bob, protocol.TypeOffer)
	if f.Sender != "alice" {
		t.Errorf("sender = %q, want alice", f.Sender)
	}
	if f.Room != "r1" {
		t.Errorf("room = %q, want r1", f.Room)
	}
	if f.Target != "bob" {
		t.Errorf("target = %q, want bob", f.Target)
	}
	if f.Offer == nil || f.Offer.SDP != "v=0" {
		t.Errorf("offer payload = %+v, want sdp v=0", f.Offer)
	}

	// The relay never echoes a frame back to its sender.
	expectSilence(t, alice)
}

func TestSignalFrame_UnknownFieldsSurviveRelay(t *testing.T) {
	_, ts := newTestServer(t, Config{})

	alice := dial(t, ts)
	join(t, alice, "r1", "alice")
	recvType(t, alice, protocol.TypeRoomInfo)

	bob := dial(t, ts)
	join(t, bob, "r1", "bob")
	recvType(t, bob, protocol.TypeRoomInfo)
	recvType(t, alice, protocol.TypeUserJoined)

	send(t, alice, map[string]any{
		"type":     protocol.TypeICECandidate,
		"target":   "bob",
		"x-future": []int{1, 2, 3},
	})

	_ = connReadRaw(t, bob, func(raw map[string]json.RawMessage) {
		if string(raw["x-future"]) != "[1,2,3]" {
			t.Errorf("x-future = %s, want [1,2,3]", raw["x-future"])
		}
		if string(raw["sender"]) != `"alice"` {
			t.Errorf("sender = %s", raw["sender"])
		}
	})
}

func connReadRaw(t *testing.T, conn *websocket.Conn, check func(map[string]json.RawMessage)) map[string]json.RawMessage {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("unmarshal frame: %v", err)
	}
	check(raw)
	return raw
}

func TestBroadcast_RelayedWithinRoomOnly(t *testing.T) {
	_, ts := newTestServer(t, Config{})

	alice := dial(t, ts)
	join(t, alice, "r1", "alice")
	recvType(t, alice, protocol.TypeRoomInfo)

	bob := dial(t, ts)
	join(t, bob, "r1", "bob")
	recvType(t, bob, protocol.TypeRoomInfo)
	recvType(t, alice, protocol.TypeUserJoined)

	carol := dial(t, ts)
	join(t, carol, "r2", "carol")
	recvType(t, carol, protocol.TypeRoomInfo)

	msg := protocol.NewMessage("alice", "hello", nil)
	send(t, alice, protocol.SignalFrame{
		Type:        protocol.TypeBroadcast,
		Room:        "r1",
		MessageData: &msg,
	})

	f := recvType(t, bob, protocol.TypeBroadcast)
	if f.MessageData == nil || f.MessageData.Content != "hello" {
		t.Fatalf("messageData = %+v", f.MessageData)
	}
	if f.Sender != "alice" {
		t.Fatalf("sender = %q, want alice", f.Sender)
	}

	expectSilence(t, carol)
	expectSilence(t, alice)
}

func TestDisconnect_AnnouncesUserLeft(t *testing.T) {
	_, ts := newTestServer(t, Config{})

	alice := dial(t, ts)
	join(t, alice, "r1", "alice")
	recvType(t, alice, protocol.TypeRoomInfo)

	bob := dial(t, ts)
	join(t, bob, "r1", "bob")
	recvType(t, bob, protocol.TypeRoomInfo)
	recvType(t, alice, protocol.TypeUserJoined)

	bob.Close()

	left := recvType(t, alice, protocol.TypeUserLeft)
	if left.Name != "bob" {
		t.Fatalf("user-left name = %q, want bob", left.Name)
	}
}

func TestRejoin_MovesSessionBetweenRooms(t *testing.T) {
	s, ts := newTestServer(t, Config{})

	alice := dial(t, ts)
	join(t, alice, "r1", "alice")
	recvType(t, alice, protocol.TypeRoomInfo)

	bob := dial(t, ts)
	join(t, bob, "r1", "bob")
	recvType(t, bob, protocol.TypeRoomInfo)
	recvType(t, alice, protocol.TypeUserJoined)

	join(t, alice, "r2", "alice")
	recvType(t, alice, protocol.TypeRoomInfo)

	left := recvType(t, bob, protocol.TypeUserLeft)
	if left.Name != "alice" {
		t.Fatalf("user-left name = %q, want alice", left.Name)
	}
	if got := s.RoomLen("r1"); got != 1 {
		t.Fatalf("RoomLen(r1) = %d, want 1", got)
	}
	if got := s.RoomLen("r2"); got != 1 {
		t.Fatalf("RoomLen(r2) = %d, want 1", got)
	}
}

func TestSnapshotMode_RoomInfoOnJoinAndLeave(t *testing.T) {
	_, ts := newTestServer(t, Config{MembershipMode: config.MembershipSnapshot})

	alice := dial(t, ts)
	join(t, alice, "r1", "alice")
	info := recvType(t, alice, protocol.TypeRoomInfo)
	if len(info.Participants) != 1 || info.Participants[0] != "alice" {
		t.Fatalf("snapshot after first join = %v, want [alice]", info.Participants)
	}

	bob := dial(t, ts)
	join(t, bob, "r1", "bob")
	for _, conn := range []*websocket.Conn{alice, bob} {
		info := recvType(t, conn, protocol.TypeRoomInfo)
		got := append([]string(nil), info.Participants...)
		sort.Strings(got)
		if len(got) != 2 || got[0] != "alice" || got[1] != "bob" {
			t.Fatalf("snapshot after second join = %v, want [alice bob]", info.Participants)
		}
	}

	bob.Close()
	info = recvType(t, alice, protocol.TypeRoomInfo)
	if len(info.Participants) != 1 || info.Participants[0] != "alice" {
		t.Fatalf("snapshot after leave = %v, want [alice]", info.Participants)
	}
}

func TestMalformedFrame_DroppedWithoutClosing(t *testing.T) {
	m := metrics.New()
	_, ts := newTestServer(t, Config{Metrics: m})

	alice := dial(t, ts)
	if err := alice.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatalf("write garbage: %v", err)
	}
	if err := alice.WriteMessage(websocket.TextMessage, []byte(`[1,2,3]`)); err != nil {
		t.Fatalf("write array: %v", err)
	}
	if err := alice.WriteMessage(websocket.TextMessage, []byte(`{"room":"r1"}`)); err != nil {
		t.Fatalf("write typeless frame: %v", err)
	}

	// The connection must survive all of the above.
	join(t, alice, "r1", "alice")
	recvType(t, alice, protocol.TypeRoomInfo)

	if got := m.Get(metrics.FrameMalformed); got != 3 {
		t.Fatalf("FrameMalformed = %d, want 3", got)
	}
}

func TestInboundRateCap_DropsExcessFrames(t *testing.T) {
	m := metrics.New()
	_, ts := newTestServer(t, Config{Metrics: m, MaxFramesPerSec: 2})

	alice := dial(t, ts)
	join(t, alice, "r1", "alice")
	recvType(t, alice, protocol.TypeRoomInfo)

	bob := dial(t, ts)
	join(t, bob, "r1", "bob")
	recvType(t, bob, protocol.TypeRoomInfo)
	recvType(t, alice, protocol.TypeUserJoined)

	// Bob's join spent one of his two tokens; the first broadcast spends the
	// second and the next one is over the cap.
	msg := protocol.NewMessage("bob", "first", nil)
	send(t, bob, protocol.SignalFrame{Type: protocol.TypeBroadcast, Room: "r1", MessageData: &msg})
	capped := protocol.NewMessage("bob", "capped", nil)
	send(t, bob, protocol.SignalFrame{Type: protocol.TypeBroadcast, Room: "r1", MessageData: &capped})

	f := recvType(t, alice, protocol.TypeBroadcast)
	if f.MessageData == nil || f.MessageData.Content != "first" {
		t.Fatalf("messageData = %+v", f.MessageData)
	}
	expectSilence(t, alice)

	if got := m.Get(metrics.FrameRateLimited); got == 0 {
		t.Fatal("FrameRateLimited not incremented")
	}
}

func TestUnroutableFrame_Dropped(t *testing.T) {
	m := metrics.New()
	_, ts := newTestServer(t, Config{Metrics: m})

	alice := dial(t, ts)
	// An offer before any join has no room to relay to.
	send(t, alice, map[string]any{"type": protocol.TypeOffer, "target": "bob"})
	// A typed frame with neither signal type nor room field is unroutable.
	send(t, alice, map[string]any{"type": "ping"})

	join(t, alice, "r1", "alice")
	recvType(t, alice, protocol.TypeRoomInfo)

	if got := m.Get(metrics.RoutingMiss); got != 2 {
		t.Fatalf("RoutingMiss = %d, want 2", got)
	}
}
