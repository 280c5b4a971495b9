package multiworld

import (
	"time"

	"portalview.ai/internal/sim/session"
)

// SessionEvent is a lifecycle change of a hosted session.
type SessionEvent struct {
	Session string    `json:"session"`
	Agent   string    `json:"agent"`
	Name    string    `json:"name,omitempty"`
	Kind    string    `json:"kind"`
	Zone    string    `json:"zone,omitempty"`
	Detail  string    `json:"detail,omitempty"`
	Tick    uint64    `json:"tick"`
	Time    time.Time `json:"time"`
}

const (
	EventJoin      = "join"
	EventLeave     = "leave"
	EventTransfer  = "transfer"
	EventRespawn   = "respawn"
	EventViolation = "violation"
	EventUnload    = "zone_unload"
)

// Observer receives per-session tick stats and lifecycle events from the
// tick goroutine. Implementations must not block.
type Observer interface {
	session.Recorder
	ObserveSession(SessionEvent)
}

// Fanout forwards to every observer in order.
type Fanout []Observer

func (f Fanout) ObserveTick(st session.TickStats) {
	for _, o := range f {
		o.ObserveTick(st)
	}
}

func (f Fanout) ObserveSession(ev SessionEvent) {
	for _, o := range f {
		o.ObserveSession(ev)
	}
}
