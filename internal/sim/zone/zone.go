// Package zone defines what the view subsystem needs from a zone simulation.
package zone

import (
	"portalview.ai/internal/sim/model"
	"portalview.ai/internal/sim/region"
)

// Zone is one simulated world instance. Implementations are driven from the
// tick goroutine only.
type Zone interface {
	ID() model.ZoneID
	Kind() string
	Addressing() model.Addressing

	// Spawn admits an observing agent. Everything the zone wants the agent
	// to see is pushed to out.
	Spawn(agent model.AgentID, pos model.Vec3, out *Mailbox) error
	Despawn(agent model.AgentID)
	// UpdateTracking replaces the region the agent streams.
	UpdateTracking(agent model.AgentID, selectors []region.Selector)
	// Untrack drops the agent from per-tick tracking without despawning it.
	Untrack(agent model.AgentID)
}

type Directory interface {
	Zone(id model.ZoneID) (Zone, bool)
	// Locate reports the zone and position an agent is currently present in.
	Locate(agent model.AgentID) (model.ZoneID, model.Vec3, bool)
}
