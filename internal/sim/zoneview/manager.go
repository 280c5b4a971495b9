// Package zoneview owns, per zone, the views a session registered there and
// the agent (primary or surrogate) that materializes them in the zone.
package zoneview

import (
	"sort"

	"portalview.ai/internal/sim/model"
	"portalview.ai/internal/sim/propagation"
	"portalview.ai/internal/sim/region"
	"portalview.ai/internal/sim/view"
	"portalview.ai/internal/sim/zone"
)

type State int

const (
	Unmanaged State = iota
	ActiveWithPrimary
	ActiveWithSurrogate
	TearingDown
)

func (s State) String() string {
	switch s {
	case Unmanaged:
		return "unmanaged"
	case ActiveWithPrimary:
		return "active_primary"
	case ActiveWithSurrogate:
		return "active_surrogate"
	case TearingDown:
		return "tearing_down"
	default:
		return "unknown"
	}
}

// Outbound receives what a surrogate manager has to tell the client.
type Outbound interface {
	AnnounceOpen(zone model.ZoneID, kind string, addr model.Addressing, epoch uint64)
	AnnounceClose(zone model.ZoneID, epoch uint64)
	Relay(zone model.ZoneID, epoch uint64, payload []byte)
}

type Manager struct {
	zone      zone.Zone
	agent     model.AgentID
	surrogate bool
	mailbox   *zone.Mailbox
	epoch     uint64
	state     State

	views       map[view.ID]struct{}
	active      map[view.ID]int
	selectors   region.Set
	needsUpdate bool
}

// NewPrimary wraps the zone the primary agent is present in.
func NewPrimary(z zone.Zone, agent model.AgentID, epoch uint64) *Manager {
	return &Manager{
		zone:      z,
		agent:     agent,
		epoch:     epoch,
		state:     ActiveWithPrimary,
		views:     map[view.ID]struct{}{},
		active:    map[view.ID]int{},
		selectors: region.NewSet(),
	}
}

// SpawnSurrogate admits a synthetic observer into z and announces the zone.
func SpawnSurrogate(z zone.Zone, agent model.AgentID, pos model.Vec3, epoch uint64, out Outbound) (*Manager, error) {
	mb := zone.NewMailbox()
	if err := z.Spawn(agent, pos, mb); err != nil {
		return nil, err
	}
	m := &Manager{
		zone:      z,
		agent:     agent,
		surrogate: true,
		mailbox:   mb,
		epoch:     epoch,
		state:     ActiveWithSurrogate,
		views:     map[view.ID]struct{}{},
		active:    map[view.ID]int{},
		selectors: region.NewSet(),
	}
	out.AnnounceOpen(z.ID(), z.Kind(), z.Addressing(), epoch)
	return m, nil
}

func (m *Manager) Zone() zone.Zone        { return m.zone }
func (m *Manager) ZoneID() model.ZoneID   { return m.zone.ID() }
func (m *Manager) Agent() model.AgentID   { return m.agent }
func (m *Manager) Surrogate() bool        { return m.surrogate }
func (m *Manager) Epoch() uint64          { return m.epoch }
func (m *Manager) State() State           { return m.state }
func (m *Manager) NeedsUpdate() bool      { return m.needsUpdate }
func (m *Manager) Mailbox() *zone.Mailbox { return m.mailbox }

func (m *Manager) AddView(id view.ID) { m.views[id] = struct{}{} }

func (m *Manager) HasViews() bool { return len(m.views) > 0 }

func (m *Manager) Views() []view.ID {
	out := make([]view.ID, 0, len(m.views))
	for id := range m.views {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Purge forgets views that were disposed. If that empties the active set the
// tracked region is cleared right away.
func (m *Manager) Purge(ids ...view.ID) {
	hadActive := len(m.active) > 0
	for _, id := range ids {
		delete(m.views, id)
		delete(m.active, id)
	}
	if hadActive && len(m.active) == 0 && len(m.selectors) > 0 {
		m.selectors = region.NewSet()
		m.needsUpdate = true
	}
}

// Apply installs the propagation result for this zone and reports whether
// the tracked region changed.
func (m *Manager) Apply(r *propagation.ZoneResult) bool {
	active := make(map[view.ID]int, len(r.Active))
	for id, d := range r.Active {
		active[id] = d
	}
	m.active = active
	if m.selectors.Equal(r.Selectors) {
		return false
	}
	m.selectors = r.Selectors.Clone()
	m.needsUpdate = true
	return true
}

func (m *Manager) ActiveViews() map[view.ID]int {
	out := make(map[view.ID]int, len(m.active))
	for id, d := range m.active {
		out[id] = d
	}
	return out
}

func (m *Manager) ActiveSelectors() []region.Selector { return m.selectors.Sorted() }

// SyncTracking pushes the current selectors to the zone if they changed.
func (m *Manager) SyncTracking() bool {
	if !m.needsUpdate {
		return false
	}
	m.needsUpdate = false
	m.zone.UpdateTracking(m.agent, m.selectors.Sorted())
	return true
}

// FlushMailbox relays everything the surrogate agent has buffered.
func (m *Manager) FlushMailbox(out Outbound) int {
	if m.mailbox == nil {
		return 0
	}
	msgs := m.mailbox.Drain()
	for _, b := range msgs {
		out.Relay(m.zone.ID(), m.epoch, b)
	}
	return len(msgs)
}

// ShouldTearDown is true for a surrogate manager with no views left.
func (m *Manager) ShouldTearDown() bool {
	return m.surrogate && m.state == ActiveWithSurrogate && len(m.views) == 0
}

// TearDown flushes pending updates, announces the zone's removal and removes
// the surrogate agent from the zone. Primary managers are left untouched.
func (m *Manager) TearDown(out Outbound) {
	if !m.surrogate || m.state != ActiveWithSurrogate {
		return
	}
	m.state = TearingDown
	m.FlushMailbox(out)
	out.AnnounceClose(m.zone.ID(), m.epoch)
	m.release()
}

// Release removes the surrogate agent without telling the client.
func (m *Manager) Release() {
	if !m.surrogate || m.state == Unmanaged {
		return
	}
	m.state = TearingDown
	m.release()
}

func (m *Manager) release() {
	m.zone.Untrack(m.agent)
	m.zone.Despawn(m.agent)
	m.mailbox.Close()
	m.views = map[view.ID]struct{}{}
	m.active = map[view.ID]int{}
	m.selectors = region.NewSet()
	m.needsUpdate = false
	m.state = Unmanaged
}
