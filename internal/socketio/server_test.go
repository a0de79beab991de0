package socketio

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"pawkeeper-live/internal/auth"
	"pawkeeper-live/internal/chat"
	"pawkeeper-live/internal/hub"
	"pawkeeper-live/internal/rooms"
	"pawkeeper-live/internal/sitters"
	"pawkeeper-live/internal/store"
	"pawkeeper-live/internal/store/storetest"
)

type testEnv struct {
	store    *store.Store
	hub      *hub.Hub
	tokenCfg auth.TokenConfig
	url      string
}

func newTestEnv(t *testing.T, users ...string) *testEnv {
	t.Helper()
	return newTestEnvWithConfig(t, DefaultConfig(), users...)
}

func newTestEnvWithConfig(t *testing.T, cfg Config, users ...string) *testEnv {
	t.Helper()
	st := storetest.New(t)
	storetest.Users(t, st, users...)

	tokenCfg := auth.TokenConfig{Secret: "secret", Expiry: time.Hour, Issuer: "test"}
	h := hub.New()
	rm := rooms.NewManager(st, h)
	srv := NewServer(Deps{
		Config:   cfg,
		Verifier: auth.NewVerifier(tokenCfg, st),
		Hub:      h,
		Rooms:    rm,
		Chat:     chat.NewPipeline(chat.DefaultConfig(), st, rm, h),
		Sitters:  sitters.NewService(sitters.Config{MinViewportZoom: 10}, st, nil, h),
	})

	ts := httptest.NewServer(srv)
	t.Cleanup(func() {
		srv.Shutdown()
		ts.Close()
	})
	return &testEnv{
		store:    st,
		hub:      h,
		tokenCfg: tokenCfg,
		url:      "ws" + strings.TrimPrefix(ts.URL, "http") + "/socket.io/?EIO=4&transport=websocket",
	}
}

func waitForPrefix(t *testing.T, c *websocket.Conn, prefix string, timeout time.Duration) string {
	t.Helper()
	// A read deadline error is terminal for a gorilla connection, so the
	// whole wait shares one deadline.
	_ = c.SetReadDeadline(time.Now().Add(timeout))
	defer func() { _ = c.SetReadDeadline(time.Time{}) }()
	for {
		_, data, err := c.ReadMessage()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				t.Fatalf("timeout waiting for %q", prefix)
			}
			t.Fatalf("ReadMessage: %v", err)
		}
		msg := string(data)
		if msg == "2" {
			_ = c.WriteMessage(websocket.TextMessage, []byte("3"))
			continue
		}
		if strings.HasPrefix(msg, prefix) {
			return msg
		}
	}
}

// waitForEvent returns the first argument of the next event named name.
func waitForEvent(t *testing.T, c *websocket.Conn, name string) json.RawMessage {
	t.Helper()
	msg := waitForPrefix(t, c, `42["`+name+`"`, 2*time.Second)
	var arr []json.RawMessage
	if err := json.Unmarshal([]byte(strings.TrimPrefix(msg, "42")), &arr); err != nil {
		t.Fatalf("decode %s: %v", msg, err)
	}
	if len(arr) < 2 {
		return nil
	}
	return arr[1]
}

func waitForAck(t *testing.T, c *websocket.Conn, id int) json.RawMessage {
	t.Helper()
	prefix := fmt.Sprintf("43%d[", id)
	msg := waitForPrefix(t, c, prefix, 2*time.Second)
	var arr []json.RawMessage
	if err := json.Unmarshal([]byte(strings.TrimPrefix(msg, prefix[:len(prefix)-1])), &arr); err != nil {
		t.Fatalf("decode %s: %v", msg, err)
	}
	if len(arr) == 0 {
		return nil
	}
	return arr[0]
}

func send(t *testing.T, c *websocket.Conn, id int, event string, arg any) {
	t.Helper()
	data, err := json.Marshal([]any{event, arg})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	prefix := "42"
	if id > 0 {
		prefix += fmt.Sprint(id)
	}
	if err := c.WriteMessage(websocket.TextMessage, []byte(prefix+string(data))); err != nil {
		t.Fatalf("WriteMessage(%s): %v", event, err)
	}
}

func (e *testEnv) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(e.url, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	open := waitForPrefix(t, conn, "0{", 2*time.Second)
	if !strings.Contains(open, `"pingInterval"`) {
		t.Fatalf("unexpected open packet: %s", open)
	}
	return conn
}

func (e *testEnv) connect(t *testing.T, userID string) *websocket.Conn {
	t.Helper()
	token, err := auth.CreateToken(userID, e.tokenCfg)
	if err != nil {
		t.Fatalf("CreateToken: %v", err)
	}
	conn := e.dial(t)
	authBytes, _ := json.Marshal(map[string]any{"token": token})
	if err := conn.WriteMessage(websocket.TextMessage, []byte("40"+string(authBytes))); err != nil {
		t.Fatalf("WriteMessage(connect): %v", err)
	}
	connected := waitForPrefix(t, conn, "40", 2*time.Second)
	if !strings.Contains(connected, `"sid"`) {
		t.Fatalf("unexpected connect packet: %s", connected)
	}
	return conn
}

func TestHandshakeAndPingAck(t *testing.T) {
	env := newTestEnv(t, "user-1")
	conn := env.connect(t, "user-1")

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`421["ping"]`)); err != nil {
		t.Fatalf("WriteMessage(ping): %v", err)
	}
	ack := waitForPrefix(t, conn, "431", 2*time.Second)
	if ack != "431[]" {
		t.Fatalf("unexpected ack: %s", ack)
	}
}

func TestConnectRejectsBadToken(t *testing.T) {
	env := newTestEnv(t, "user-1")
	conn := env.dial(t)

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`40{"token":"garbage"}`)); err != nil {
		t.Fatalf("WriteMessage(connect): %v", err)
	}
	msg := waitForPrefix(t, conn, "44", 2*time.Second)
	if !strings.Contains(msg, "Invalid authentication token") {
		t.Fatalf("unexpected connect error: %s", msg)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatalf("expected the connection to be closed")
	}
}

func TestConnectRejectsUnknownUser(t *testing.T) {
	env := newTestEnv(t, "user-1")
	token, err := auth.CreateToken("ghost", env.tokenCfg)
	if err != nil {
		t.Fatalf("CreateToken: %v", err)
	}
	conn := env.dial(t)
	if err := conn.WriteMessage(websocket.TextMessage, []byte(`40{"token":"`+token+`"}`)); err != nil {
		t.Fatalf("WriteMessage(connect): %v", err)
	}
	_ = waitForPrefix(t, conn, "44", 2*time.Second)
}

func TestEventsBeforeConnectAreRejected(t *testing.T) {
	env := newTestEnv(t, "user-1")
	conn := env.dial(t)

	send(t, conn, 1, "get_online_users", nil)
	ack := waitForAck(t, conn, 1)
	if !strings.Contains(string(ack), "unauthenticated") {
		t.Fatalf("expected unauthenticated error, got %s", ack)
	}
}

func TestPresenceAnnouncements(t *testing.T) {
	env := newTestEnv(t, "alice", "bob")
	alice := env.connect(t, "alice")
	bob := env.connect(t, "bob")

	var change hub.PresenceChange
	if err := json.Unmarshal(waitForEvent(t, alice, hub.EventPresenceChanged), &change); err != nil {
		t.Fatalf("decode: %v", err)
	}
	// alice first sees her own announcement.
	if change.UserID == "alice" {
		if err := json.Unmarshal(waitForEvent(t, alice, hub.EventPresenceChanged), &change); err != nil {
			t.Fatalf("decode: %v", err)
		}
	}
	if change.UserID != "bob" || !change.Online {
		t.Fatalf("expected bob online, got %+v", change)
	}

	send(t, alice, 1, "get_online_users", nil)
	var online []string
	if err := json.Unmarshal(waitForAck(t, alice, 1), &online); err != nil {
		t.Fatalf("decode online users: %v", err)
	}
	if len(online) != 2 || online[0] != "alice" || online[1] != "bob" {
		t.Fatalf("unexpected online users %v", online)
	}

	_ = bob.Close()
	if err := json.Unmarshal(waitForEvent(t, alice, hub.EventPresenceChanged), &change); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if change.UserID != "bob" || change.Online {
		t.Fatalf("expected bob offline, got %+v", change)
	}
}

func TestSecondConnectionReplacesSession(t *testing.T) {
	env := newTestEnv(t, "alice")
	first := env.connect(t, "alice")
	second := env.connect(t, "alice")

	_ = waitForEvent(t, first, hub.EventSessionReplaced)

	send(t, second, 1, "get_online_users", nil)
	var online []string
	if err := json.Unmarshal(waitForAck(t, second, 1), &online); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(online) != 1 || online[0] != "alice" {
		t.Fatalf("unexpected online users %v", online)
	}

	// The replaced connection closing must not take alice offline.
	_ = first.Close()
	time.Sleep(100 * time.Millisecond)
	send(t, second, 2, "get_online_users", nil)
	if err := json.Unmarshal(waitForAck(t, second, 2), &online); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(online) != 1 {
		t.Fatalf("expected alice to stay online, got %v", online)
	}
}

func TestPrivateChatMessageFlow(t *testing.T) {
	env := newTestEnv(t, "alice", "bob")
	alice := env.connect(t, "alice")
	bob := env.connect(t, "bob")

	send(t, alice, 1, "start_private_chat", map[string]string{"targetUserId": "bob"})
	var roomID string
	if err := json.Unmarshal(waitForAck(t, alice, 1), &roomID); err != nil || roomID == "" {
		t.Fatalf("expected room id, got %v", err)
	}

	var inv rooms.Invitation
	if err := json.Unmarshal(waitForEvent(t, bob, hub.EventChatInvitation), &inv); err != nil {
		t.Fatalf("decode invitation: %v", err)
	}
	if inv.RoomID != roomID || inv.InvitedByID != "alice" {
		t.Fatalf("unexpected invitation %+v", inv)
	}

	send(t, bob, 0, "join_room", roomID)
	_ = waitForEvent(t, bob, hub.EventRoomJoined)

	send(t, alice, 2, "send_message", map[string]string{"roomId": roomID, "content": "hello"})
	_ = waitForAck(t, alice, 2)

	var msg struct {
		Content string `json:"content"`
		Seq     int64  `json:"seq"`
		Sender  struct {
			ID string `json:"id"`
		} `json:"sender"`
	}
	if err := json.Unmarshal(waitForEvent(t, bob, hub.EventReceiveMessage), &msg); err != nil {
		t.Fatalf("decode message: %v", err)
	}
	if msg.Content != "hello" || msg.Seq != 1 || msg.Sender.ID != "alice" {
		t.Fatalf("unexpected message %+v", msg)
	}

	send(t, bob, 3, "get_history", map[string]any{"roomId": roomID, "limit": 10})
	var hist struct {
		Messages []json.RawMessage `json:"messages"`
	}
	if err := json.Unmarshal(waitForAck(t, bob, 3), &hist); err != nil {
		t.Fatalf("decode history: %v", err)
	}
	if len(hist.Messages) != 1 {
		t.Fatalf("expected one message in history, got %d", len(hist.Messages))
	}
}

func TestErrorsAreRepliedToCaller(t *testing.T) {
	env := newTestEnv(t, "alice")
	alice := env.connect(t, "alice")

	send(t, alice, 1, "share_location", map[string]float64{"lat": 10, "lng": 10})
	var reply errorReply
	if err := json.Unmarshal(waitForAck(t, alice, 1), &reply); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if reply.Error.Code != "forbidden" {
		t.Fatalf("expected forbidden, got %+v", reply)
	}

	send(t, alice, 0, "join_room", "missing")
	raw := waitForEvent(t, alice, hub.EventError)
	if !strings.Contains(string(raw), "not_found") {
		t.Fatalf("expected not_found error event, got %s", raw)
	}
}

func TestShareLocationAndSearch(t *testing.T) {
	env := newTestEnv(t, "sitter", "owner")
	if err := env.store.SetSitter(context.Background(), "sitter", true); err != nil {
		t.Fatalf("SetSitter: %v", err)
	}
	sitter := env.connect(t, "sitter")
	owner := env.connect(t, "owner")

	send(t, owner, 1, "viewport_update", map[string]any{
		"bounds": map[string]float64{"north": 41, "south": 40, "east": -73, "west": -75},
		"zoom":   12,
	})
	_ = waitForEvent(t, owner, hub.EventPinsInBounds)
	_ = waitForAck(t, owner, 1)

	send(t, sitter, 1, "share_location", map[string]any{"lat": 40.7128, "lng": -74.006, "title": "Walks"})
	var shared sharedPin
	if err := json.Unmarshal(waitForAck(t, sitter, 1), &shared); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !shared.Success || shared.Pin.UserID != "sitter" {
		t.Fatalf("unexpected share reply %+v", shared)
	}
	_ = waitForEvent(t, owner, hub.EventNearbySitterUpdate)

	send(t, owner, 2, "search_nearby_sitters", map[string]float64{"lat": 40.7218, "lng": -74.006, "radius": 5})
	var found nearbySitters
	if err := json.Unmarshal(waitForAck(t, owner, 2), &found); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(found.Sitters) != 1 || found.Sitters[0].Distance == nil || *found.Sitters[0].Distance > 5000 {
		t.Fatalf("unexpected search result %+v", found)
	}
}

// drain reads until the connection fails or d elapses and returns every
// text message seen.
func drain(c *websocket.Conn, d time.Duration) (msgs []string, closed bool) {
	_ = c.SetReadDeadline(time.Now().Add(d))
	for {
		_, data, err := c.ReadMessage()
		if err != nil {
			ne, ok := err.(net.Error)
			return msgs, !(ok && ne.Timeout())
		}
		msgs = append(msgs, string(data))
	}
}

func waitOffline(t *testing.T, h *hub.Hub, userID string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for h.IsOnline(userID) {
		if time.Now().After(deadline) {
			t.Fatalf("%s still online", userID)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestSlowConsumerIsDisconnected(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SendQueueSize = 1
	env := newTestEnvWithConfig(t, cfg, "slow")
	conn := env.connect(t, "slow")
	if !env.hub.IsOnline("slow") {
		t.Fatalf("expected slow to be online")
	}

	// The client never reads, so socket buffers fill and the queue overflows.
	payload := map[string]string{"blob": strings.Repeat("x", 64<<10)}
	for i := 0; i < 4000 && env.hub.IsOnline("slow"); i++ {
		env.hub.EmitToAll("flood", payload)
	}
	waitOffline(t, env.hub, "slow")

	if _, closed := drain(conn, 5*time.Second); !closed {
		t.Fatalf("expected the server to close the slow connection")
	}
}

func TestDisconnectDuringSendCleansUpOnce(t *testing.T) {
	env := newTestEnv(t, "alice", "bob")
	alice := env.connect(t, "alice")
	bob := env.connect(t, "bob")

	send(t, alice, 1, "start_private_chat", map[string]string{"targetUserId": "bob"})
	var roomID string
	if err := json.Unmarshal(waitForAck(t, alice, 1), &roomID); err != nil || roomID == "" {
		t.Fatalf("expected room id, got %v", err)
	}
	send(t, bob, 2, "join_room", roomID)
	_ = waitForAck(t, bob, 2)

	for i := 0; i < 20; i++ {
		send(t, alice, 0, "send_message", map[string]string{"roomId": roomID, "content": fmt.Sprintf("m%d", i)})
		send(t, alice, 0, "join_room", roomID)
	}
	_ = alice.Close()

	waitOffline(t, env.hub, "alice")
	msgs, _ := drain(bob, 500*time.Millisecond)

	offline := 0
	for _, m := range msgs {
		if strings.HasPrefix(m, `42["presence_changed",{"userId":"alice","online":false}`) {
			offline++
		}
	}
	if offline != 1 {
		t.Fatalf("expected one offline announcement for alice, got %d", offline)
	}
	members := env.hub.Members(roomID)
	if len(members) != 1 || members[0].UserID() != "bob" {
		t.Fatalf("expected only bob left in the room group, got %d members", len(members))
	}
}

func TestShutdownStopsLocationLimiter(t *testing.T) {
	srv := NewServer(Deps{Hub: hub.New()})
	srv.Shutdown()
	select {
	case <-srv.locationLimiter.Done():
	case <-time.After(time.Second):
		t.Fatalf("expected the location limiter to be stopped")
	}
}
