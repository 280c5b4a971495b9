package observer

import (
	"encoding/json"
	"sync"
	"sync/atomic"

	"portalview.ai/internal/observerproto"
	"portalview.ai/internal/sim/multiworld"
	"portalview.ai/internal/sim/session"
)

type filter struct {
	session string
	ticks   bool
}

type subscriber struct {
	out chan []byte
	f   filter
}

// Hub fans session events out to observer connections. It never blocks the
// tick loop: a subscriber whose buffer is full misses the message.
type Hub struct {
	mu   sync.RWMutex
	subs map[string]*subscriber

	sent    atomic.Uint64
	dropped atomic.Uint64
}

func NewHub() *Hub {
	return &Hub{subs: map[string]*subscriber{}}
}

func (h *Hub) subscribe(id string, f filter, buf int) <-chan []byte {
	s := &subscriber{out: make(chan []byte, buf), f: f}
	h.mu.Lock()
	h.subs[id] = s
	h.mu.Unlock()
	return s.out
}

func (h *Hub) update(id string, f filter) {
	h.mu.Lock()
	if s, ok := h.subs[id]; ok {
		s.f = f
	}
	h.mu.Unlock()
}

func (h *Hub) unsubscribe(id string) {
	h.mu.Lock()
	delete(h.subs, id)
	h.mu.Unlock()
}

func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

func (h *Hub) Sent() uint64    { return h.sent.Load() }
func (h *Hub) Dropped() uint64 { return h.dropped.Load() }

func (h *Hub) ObserveSession(ev multiworld.SessionEvent) {
	var b []byte
	h.broadcast(func(f filter) bool {
		return f.session == "" || f.session == ev.Session || ev.Session == ""
	}, func() []byte {
		if b == nil {
			b, _ = json.Marshal(observerproto.FeedMsg{Type: observerproto.TypeEvent, ProtocolVersion: observerproto.Version, Event: &ev})
		}
		return b
	})
}

func (h *Hub) ObserveTick(st session.TickStats) {
	if !st.Recomputed && st.Opens == 0 && st.Closes == 0 && st.Purged == 0 && st.TornDown == 0 {
		return
	}
	var b []byte
	h.broadcast(func(f filter) bool {
		return f.ticks && (f.session == "" || f.session == st.Session)
	}, func() []byte {
		if b == nil {
			b, _ = json.Marshal(observerproto.FeedMsg{Type: observerproto.TypeTick, ProtocolVersion: observerproto.Version, Tick: &st})
		}
		return b
	})
}

func (h *Hub) broadcast(match func(filter) bool, payload func() []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, s := range h.subs {
		if !match(s.f) {
			continue
		}
		select {
		case s.out <- payload():
			h.sent.Add(1)
		default:
			h.dropped.Add(1)
		}
	}
}
