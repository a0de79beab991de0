package hub_test

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"pawkeeper-live/internal/geo"
	"pawkeeper-live/internal/hub"
	"pawkeeper-live/internal/hub/hubtest"
)

func presenceEvents(t *testing.T, c *hubtest.Conn) []hub.PresenceChange {
	t.Helper()
	var out []hub.PresenceChange
	for _, e := range c.Events(hub.EventPresenceChanged) {
		var pc hub.PresenceChange
		if err := json.Unmarshal(e.Payload, &pc); err != nil {
			t.Fatalf("decode presence: %v", err)
		}
		out = append(out, pc)
	}
	return out
}

func TestHub_RegisterAnnouncesOnlineOnce(t *testing.T) {
	h := hub.New()
	watcher := hubtest.NewConn("w", "watcher")
	h.Register(watcher)
	watcher.Reset()

	c1 := hubtest.NewConn("c1", "u")
	if prev := h.Register(c1); prev != nil {
		t.Fatalf("expected no previous connection")
	}
	c2 := hubtest.NewConn("c2", "u")
	if prev := h.Register(c2); prev != c1 {
		t.Fatalf("expected c1 to be replaced")
	}

	got := presenceEvents(t, watcher)
	if len(got) != 1 || got[0].UserID != "u" || !got[0].Online {
		t.Fatalf("expected one online transition, got %+v", got)
	}
	if conn, _ := h.Lookup("u"); conn != c2 {
		t.Fatalf("expected last connection to win")
	}
}

func TestHub_StaleDisconnectKeepsNewerSession(t *testing.T) {
	h := hub.New()
	watcher := hubtest.NewConn("w", "watcher")
	h.Register(watcher)

	c1 := hubtest.NewConn("c1", "u")
	c2 := hubtest.NewConn("c2", "u")
	h.Register(c1)
	h.Register(c2)
	watcher.Reset()

	if !h.Disconnect(c1) {
		t.Fatalf("expected c1 to be attached")
	}
	if !h.IsOnline("u") {
		t.Fatalf("expected u to stay online")
	}
	if conn, _ := h.Lookup("u"); conn != c2 {
		t.Fatalf("expected c2 to stay current")
	}
	if len(presenceEvents(t, watcher)) != 0 {
		t.Fatalf("expected no presence flicker")
	}

	h.Disconnect(c2)
	if h.IsOnline("u") {
		t.Fatalf("expected u offline")
	}
	got := presenceEvents(t, watcher)
	if len(got) != 1 || got[0].Online {
		t.Fatalf("expected one offline transition, got %+v", got)
	}
}

func TestHub_OwnerDisconnectHandsOverToRemainingConnection(t *testing.T) {
	h := hub.New()
	c1 := hubtest.NewConn("c1", "u")
	c2 := hubtest.NewConn("c2", "u")
	h.Register(c1)
	h.Register(c2)

	h.Disconnect(c2)
	conn, ok := h.Lookup("u")
	if !ok || conn != c1 {
		t.Fatalf("expected c1 to become current, got %v", conn)
	}
}

func TestHub_DisconnectRunsOnce(t *testing.T) {
	h := hub.New()
	watcher := hubtest.NewConn("w", "watcher")
	h.Register(watcher)
	c := hubtest.NewConn("c", "u")
	h.Register(c)
	if err := h.Join(c, "r1"); err != nil {
		t.Fatalf("Join: %v", err)
	}
	watcher.Reset()

	var wg sync.WaitGroup
	var mu sync.Mutex
	removed := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if h.Disconnect(c) {
				mu.Lock()
				removed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if removed != 1 {
		t.Fatalf("expected exactly one cleanup, got %d", removed)
	}
	if len(h.Members("r1")) != 0 {
		t.Fatalf("expected room group to be empty")
	}
	if len(presenceEvents(t, watcher)) != 1 {
		t.Fatalf("expected one offline event")
	}
	if err := h.Join(c, "r1"); err != hub.ErrDetached {
		t.Fatalf("expected ErrDetached after disconnect, got %v", err)
	}
}

func TestHub_OnlineSnapshot(t *testing.T) {
	h := hub.New()
	for _, id := range []string{"b", "a", "c"} {
		h.Register(hubtest.NewConn("conn-"+id, id))
	}
	got := fmt.Sprint(h.Online())
	if got != "[a b c]" {
		t.Fatalf("expected [a b c], got %s", got)
	}
}

func TestHub_RoomFanOut(t *testing.T) {
	h := hub.New()
	a := hubtest.NewConn("a", "ua")
	b := hubtest.NewConn("b", "ub")
	c := hubtest.NewConn("c", "uc")
	for _, conn := range []*hubtest.Conn{a, b, c} {
		h.Register(conn)
	}
	_ = h.Join(a, "r")
	_ = h.Join(b, "r")

	h.EmitToRoom("r", "ping", map[string]string{"x": "y"}, a)
	if len(a.Events("ping")) != 0 || len(b.Events("ping")) != 1 || len(c.Events("ping")) != 0 {
		t.Fatalf("unexpected fan-out")
	}

	h.LeaveUser("ub", "r")
	if h.InRoom(b, "r") {
		t.Fatalf("expected b to leave")
	}

	members := h.DropGroup("r")
	if len(members) != 1 || members[0] != a {
		t.Fatalf("expected [a], got %v", members)
	}
	if h.InRoom(a, "r") {
		t.Fatalf("expected group dropped")
	}
}

func TestHub_Watchers(t *testing.T) {
	h := hub.New()
	owner := hubtest.NewConn("o", "owner")
	sitter := hubtest.NewConn("s", "sitter")
	h.Register(owner)
	h.Register(sitter)

	box := geo.Box{North: 1, South: -1, East: 1, West: -1}
	if err := h.SetViewport(owner, hub.Viewport{Box: box, Zoom: 12}); err != nil {
		t.Fatalf("SetViewport: %v", err)
	}
	if err := h.SetViewport(sitter, hub.Viewport{Box: box, Zoom: 12}); err != nil {
		t.Fatalf("SetViewport: %v", err)
	}

	got := h.Watchers(geo.Point{Lon: 0.5, Lat: 0.5}, "sitter")
	if len(got) != 1 || got[0] != owner {
		t.Fatalf("expected only owner to watch, got %v", got)
	}
	if len(h.Watchers(geo.Point{Lon: 5, Lat: 5}, "")) != 0 {
		t.Fatalf("expected no watchers outside viewport")
	}

	h.Disconnect(owner)
	if len(h.Watchers(geo.Point{Lon: 0.5, Lat: 0.5}, "sitter")) != 0 {
		t.Fatalf("expected viewport cleared on disconnect")
	}
}

func TestHub_EmitToUser(t *testing.T) {
	h := hub.New()
	c := hubtest.NewConn("c", "u")
	h.Register(c)

	if !h.EmitToUser("u", "hello", nil) {
		t.Fatalf("expected delivery to online user")
	}
	if h.EmitToUser("nobody", "hello", nil) {
		t.Fatalf("expected no delivery to offline user")
	}
	if len(c.Events("hello")) != 1 {
		t.Fatalf("expected one event")
	}
}
