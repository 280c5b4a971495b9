package observer

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"portalview.ai/internal/observerproto"
	"portalview.ai/internal/sim/multiworld"
	"portalview.ai/internal/sim/session"
	"portalview.ai/internal/sim/zonesim"
	"portalview.ai/internal/transport/ws"
)

func TestHub_FiltersAndDrops(t *testing.T) {
	h := NewHub()
	all := h.subscribe("a", filter{}, 1)
	one := h.subscribe("b", filter{session: "s2", ticks: true}, 4)

	h.ObserveSession(multiworld.SessionEvent{Session: "s1", Kind: multiworld.EventJoin})
	h.ObserveSession(multiworld.SessionEvent{Session: "s1", Kind: multiworld.EventLeave})
	h.ObserveTick(session.TickStats{Session: "s2", Tick: 3})
	h.ObserveTick(session.TickStats{Session: "s2", Tick: 4, Opens: 1})
	h.ObserveSession(multiworld.SessionEvent{Kind: multiworld.EventUnload, Zone: "the_end"})

	if len(all) != 1 || h.Dropped() != 2 {
		t.Fatalf("all=%d dropped=%d", len(all), h.Dropped())
	}
	var msg observerproto.FeedMsg
	if err := json.Unmarshal(<-all, &msg); err != nil || msg.Event == nil || msg.Event.Kind != multiworld.EventJoin {
		t.Fatalf("first msg=%+v err=%v", msg, err)
	}

	if len(one) != 2 {
		t.Fatalf("filtered subscriber got %d messages", len(one))
	}
	msg = observerproto.FeedMsg{}
	_ = json.Unmarshal(<-one, &msg)
	if msg.Type != observerproto.TypeTick || msg.Tick == nil || msg.Tick.Tick != 4 {
		t.Fatalf("tick msg=%+v", msg)
	}
	msg = observerproto.FeedMsg{}
	_ = json.Unmarshal(<-one, &msg)
	if msg.Event == nil || msg.Event.Kind != multiworld.EventUnload {
		t.Fatalf("unload msg=%+v", msg)
	}

	h.unsubscribe("a")
	h.unsubscribe("b")
	if h.Subscribers() != 0 {
		t.Fatalf("subscribers=%d", h.Subscribers())
	}
}

func TestServer_StreamsSessionEvents(t *testing.T) {
	cfg, err := multiworld.Load("")
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	cfg.TickRateHz = 50
	hub := NewHub()
	mgr, err := multiworld.NewManager(cfg, zonesim.NewWorld(cfg.SimSpecs()...), nil, multiworld.Fanout{hub})
	if err != nil {
		t.Fatalf("manager: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = mgr.Run(ctx) }()

	s := NewServer(mgr, hub, nil)
	mux := http.NewServeMux()
	mux.HandleFunc("/bootstrap", s.BootstrapHandler())
	mux.HandleFunc("/ws", s.WSHandler())
	srv := httptest.NewServer(mux)
	t.Cleanup(func() {
		srv.Close()
		cancel()
	})

	resp, err := http.Get(srv.URL + "/bootstrap")
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	var boot observerproto.BootstrapResponse
	_ = json.NewDecoder(resp.Body).Decode(&boot)
	resp.Body.Close()
	if boot.ProtocolVersion != observerproto.Version || boot.DefaultZone != "overworld" || len(boot.Zones) != 3 {
		t.Fatalf("bootstrap=%+v", boot)
	}

	c, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()
	b, _ := json.Marshal(observerproto.SubscribeMsg{Type: observerproto.TypeSubscribe, ProtocolVersion: observerproto.Version})
	if err := c.WriteMessage(websocket.TextMessage, b); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	deadline := time.Now().Add(3 * time.Second)
	for hub.Subscribers() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("observer never subscribed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	conn := ws.NewConn(4096)
	go drain(conn)
	if _, err := mgr.RequestJoin(context.Background(), "Ada", "", conn); err != nil {
		t.Fatalf("join: %v", err)
	}
	_ = c.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		_, raw, err := c.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		var msg observerproto.FeedMsg
		if err := json.Unmarshal(raw, &msg); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if msg.Event != nil && msg.Event.Kind == multiworld.EventJoin {
			if msg.Event.Name != "Ada" || msg.Event.Zone != "overworld" {
				t.Fatalf("join event=%+v", msg.Event)
			}
			return
		}
	}
}

func TestServer_RejectsBadHandshake(t *testing.T) {
	hub := NewHub()
	s := NewServer(nil, hub, nil)
	srv := httptest.NewServer(s.WSHandler())
	defer srv.Close()

	c, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()
	_ = c.WriteMessage(websocket.TextMessage, []byte(`{"type":"HELLO"}`))
	_ = c.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, _, err = c.ReadMessage()
	if !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		t.Fatalf("expected policy violation close, got %v", err)
	}
	if hub.Subscribers() != 0 {
		t.Fatalf("subscribers=%d", hub.Subscribers())
	}
}

func TestIsLoopbackRemote(t *testing.T) {
	for addr, want := range map[string]bool{
		"127.0.0.1:80": true,
		"[::1]:80":     true,
		"10.0.0.1:80":  false,
		"garbage":      false,
	} {
		if got := isLoopbackRemote(addr); got != want {
			t.Fatalf("%s: got %v want %v", addr, got, want)
		}
	}
}

// drain discards outbound frames so the session is never evicted as a slow consumer.
func drain(c *ws.Conn) {
	for {
		select {
		case <-c.Outbound():
		case <-c.Done():
			return
		}
	}
}
