package zonesim

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"portalview.ai/internal/sim/model"
	"portalview.ai/internal/sim/zone"
)

var (
	ErrUnknownZone = errors.New("unknown zone")
	ErrNotPresent  = errors.New("agent not present")
	ErrZoneBusy    = errors.New("zone hosts primary agents")
)

type presence struct {
	zone model.ZoneID
	out  *zone.Mailbox
}

// World is the set of loaded zones plus where each primary agent lives. It
// implements zone.Directory.
type World struct {
	mu      sync.RWMutex
	zones   map[model.ZoneID]*Zone
	located map[model.AgentID]presence
}

func NewWorld(specs ...Spec) *World {
	w := &World{zones: map[model.ZoneID]*Zone{}, located: map[model.AgentID]presence{}}
	for _, s := range specs {
		w.Load(NewZone(s))
	}
	return w
}

// Load adds z, replacing any zone with the same id.
func (w *World) Load(z *Zone) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.zones[z.ID()] = z
}

func (w *World) Zone(id model.ZoneID) (zone.Zone, bool) {
	z, ok := w.Get(id)
	if !ok {
		return nil, false
	}
	return z, true
}

func (w *World) Get(id model.ZoneID) (*Zone, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	z, ok := w.zones[id]
	return z, ok
}

func (w *World) Zones() []*Zone {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]*Zone, 0, len(w.zones))
	for _, z := range w.zones {
		out = append(out, z)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

func (w *World) Locate(agent model.AgentID) (model.ZoneID, model.Vec3, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	p, ok := w.located[agent]
	if !ok {
		return "", model.Vec3{}, false
	}
	z := w.zones[p.zone]
	if z == nil {
		return "", model.Vec3{}, false
	}
	pos, ok := z.Pos(agent)
	if !ok {
		return "", model.Vec3{}, false
	}
	return p.zone, pos, true
}

// Enter spawns a primary agent whose zone output goes to out.
func (w *World) Enter(agent model.AgentID, zid model.ZoneID, pos model.Vec3, out *zone.Mailbox) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.located[agent]; ok {
		return fmt.Errorf("%s: %w", agent, ErrAgentPresent)
	}
	z := w.zones[zid]
	if z == nil {
		return fmt.Errorf("%w: %s", ErrUnknownZone, zid)
	}
	if err := z.Spawn(agent, pos, out); err != nil {
		return err
	}
	w.located[agent] = presence{zone: zid, out: out}
	return nil
}

func (w *World) Move(agent model.AgentID, pos model.Vec3) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	p, ok := w.located[agent]
	if !ok {
		return fmt.Errorf("%s: %w", agent, ErrNotPresent)
	}
	if z := w.zones[p.zone]; z == nil || !z.SetPos(agent, pos) {
		return fmt.Errorf("%s: %w", agent, ErrNotPresent)
	}
	return nil
}

// Transfer moves a primary agent to another zone, keeping its output mailbox.
func (w *World) Transfer(agent model.AgentID, dest model.ZoneID, pos model.Vec3) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	p, ok := w.located[agent]
	if !ok {
		return fmt.Errorf("%s: %w", agent, ErrNotPresent)
	}
	to := w.zones[dest]
	if to == nil {
		return fmt.Errorf("%w: %s", ErrUnknownZone, dest)
	}
	if from := w.zones[p.zone]; from != nil {
		from.Despawn(agent)
	}
	if err := to.Spawn(agent, pos, p.out); err != nil {
		delete(w.located, agent)
		return err
	}
	w.located[agent] = presence{zone: dest, out: p.out}
	return nil
}

// Leave despawns a primary agent.
func (w *World) Leave(agent model.AgentID) {
	w.mu.Lock()
	defer w.mu.Unlock()
	p, ok := w.located[agent]
	if !ok {
		return
	}
	if z := w.zones[p.zone]; z != nil {
		z.Despawn(agent)
	}
	delete(w.located, agent)
}

// Unload removes a zone nobody lives in. Surrogate observers are not
// counted; their sessions tear them down.
func (w *World) Unload(id model.ZoneID) (*Zone, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	z := w.zones[id]
	if z == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownZone, id)
	}
	for agent, p := range w.located {
		if p.zone == id {
			return nil, fmt.Errorf("%s (%s): %w", id, agent, ErrZoneBusy)
		}
	}
	z.unloaded = true
	delete(w.zones, id)
	return z, nil
}
