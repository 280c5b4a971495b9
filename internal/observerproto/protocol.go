package observerproto

import (
	"portalview.ai/internal/protocol"
	"portalview.ai/internal/sim/multiworld"
	"portalview.ai/internal/sim/session"
)

// Version is the observer feed version (separate from the agent WS protocol).
const Version = "0.1"

const (
	TypeSubscribe = "SUBSCRIBE"
	TypeEvent     = "EVENT"
	TypeTick      = "TICK"
)

// Client -> Server. First message on the observer WS connection, and can be re-sent to update the filter.
type SubscribeMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`

	// Session limits the feed to one session id. Empty means all sessions.
	Session string `json:"session,omitempty"`
	// Ticks adds per-session tick stats for ticks that changed a view.
	Ticks bool `json:"ticks,omitempty"`
}

// HTTP response for GET /admin/v1/observer/bootstrap.
type BootstrapResponse struct {
	ProtocolVersion string             `json:"protocol_version"`
	Tick            uint64             `json:"tick"`
	TickRateHz      int                `json:"tick_rate_hz"`
	DefaultZone     string             `json:"default_zone"`
	Zones           []protocol.ZoneRef `json:"zones"`
	Sessions        int                `json:"sessions"`
}

// Server -> Client.
type FeedMsg struct {
	Type            string                   `json:"type"`
	ProtocolVersion string                   `json:"protocol_version"`
	Event           *multiworld.SessionEvent `json:"event,omitempty"`
	Tick            *session.TickStats       `json:"tick,omitempty"`
}
