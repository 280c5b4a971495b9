// Package zonesim is an in-process zone simulation: procedurally generated
// cells streamed to observing agents as CHUNK_LOAD / CHUNK_UNLOAD messages.
package zonesim

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"portalview.ai/internal/protocol"
	"portalview.ai/internal/sim/encoding"
	"portalview.ai/internal/sim/model"
	"portalview.ai/internal/sim/region"
	"portalview.ai/internal/sim/zone"
)

var (
	ErrAgentPresent = errors.New("agent already present")
	ErrUnloaded     = errors.New("zone unloaded")
)

type Spec struct {
	ID         model.ZoneID
	Kind       string
	Addressing model.Addressing
	Seed       int64
	// MaxCells caps how many cells one agent streams at once.
	MaxCells int
}

type observer struct {
	pos    model.Vec3
	out    *zone.Mailbox
	loaded map[model.Vec3i]struct{}
}

// Zone implements zone.Zone. It is driven from one goroutine.
type Zone struct {
	spec     Spec
	agents   map[model.AgentID]*observer
	cells    map[model.Vec3i]*Cell
	unloaded bool
}

func NewZone(spec Spec) *Zone {
	if spec.Kind == "" {
		spec.Kind = "OVERWORLD"
	}
	return &Zone{
		spec:   spec,
		agents: map[model.AgentID]*observer{},
		cells:  map[model.Vec3i]*Cell{},
	}
}

func (z *Zone) ID() model.ZoneID             { return z.spec.ID }
func (z *Zone) Kind() string                 { return z.spec.Kind }
func (z *Zone) Addressing() model.Addressing { return z.spec.Addressing }

func (z *Zone) Spawn(agent model.AgentID, pos model.Vec3, out *zone.Mailbox) error {
	if z.unloaded {
		return fmt.Errorf("%s: %w", z.spec.ID, ErrUnloaded)
	}
	if _, ok := z.agents[agent]; ok {
		return fmt.Errorf("%s in %s: %w", agent, z.spec.ID, ErrAgentPresent)
	}
	z.agents[agent] = &observer{pos: pos, out: out, loaded: map[model.Vec3i]struct{}{}}
	return nil
}

func (z *Zone) Despawn(agent model.AgentID) { delete(z.agents, agent) }

// SetPos moves an agent inside the zone. Streaming follows the next UpdateTracking.
func (z *Zone) SetPos(agent model.AgentID, pos model.Vec3) bool {
	o := z.agents[agent]
	if o == nil {
		return false
	}
	o.pos = pos
	return true
}

func (z *Zone) Pos(agent model.AgentID) (model.Vec3, bool) {
	o := z.agents[agent]
	if o == nil {
		return model.Vec3{}, false
	}
	return o.pos, true
}

func (z *Zone) Agents() []model.AgentID {
	out := make([]model.AgentID, 0, len(z.agents))
	for id := range z.agents {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// UpdateTracking diffs the cells the selectors cover against what the agent
// already has: CHUNK_UNLOAD for cells that left the region, then CHUNK_LOAD
// for new cells nearest first.
func (z *Zone) UpdateTracking(agent model.AgentID, selectors []region.Selector) {
	o := z.agents[agent]
	if o == nil {
		return
	}
	wanted := z.wanted(selectors)
	keep := make(map[model.Vec3i]struct{}, len(wanted))
	for _, c := range wanted {
		keep[c] = struct{}{}
	}

	var gone []model.Vec3i
	for c := range o.loaded {
		if _, ok := keep[c]; !ok {
			gone = append(gone, c)
		}
	}
	sort.Slice(gone, func(i, j int) bool { return lessCell(gone[i], gone[j]) })
	for _, c := range gone {
		delete(o.loaded, c)
		z.push(o, protocol.ChunkUnloadMsg{
			Type:            protocol.TypeChunkUnload,
			ProtocolVersion: protocol.Version,
			ZoneID:          string(z.spec.ID),
			Addressing:      z.spec.Addressing.String(),
			Cell:            [3]int{c.X, c.Y, c.Z},
		})
	}

	for _, c := range wanted {
		if _, ok := o.loaded[c]; ok {
			continue
		}
		o.loaded[c] = struct{}{}
		z.push(o, protocol.ChunkLoadMsg{
			Type:            protocol.TypeChunkLoad,
			ProtocolVersion: protocol.Version,
			ZoneID:          string(z.spec.ID),
			Addressing:      z.spec.Addressing.String(),
			Cell:            [3]int{c.X, c.Y, c.Z},
			Encoding:        encoding.Name,
			Data:            encoding.EncodeCell(z.cell(c).Blocks),
		})
	}
}

// Untrack forgets what the agent has loaded without telling it.
func (z *Zone) Untrack(agent model.AgentID) {
	if o := z.agents[agent]; o != nil {
		o.loaded = map[model.Vec3i]struct{}{}
	}
}

// Loaded returns the cells currently streamed to agent, sorted.
func (z *Zone) Loaded(agent model.AgentID) []model.Vec3i {
	o := z.agents[agent]
	if o == nil {
		return nil
	}
	out := make([]model.Vec3i, 0, len(o.loaded))
	for c := range o.loaded {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return lessCell(out[i], out[j]) })
	return out
}

// Cell returns the generated content at c, generating it on first use.
func (z *Zone) Cell(c model.Vec3i) *Cell { return z.cell(c) }

func (z *Zone) wanted(selectors []region.Selector) []model.Vec3i {
	if z.spec.Addressing == model.Volumetric {
		return region.WantedCubes(selectors, z.spec.MaxCells)
	}
	cols := region.WantedColumns(selectors, z.spec.MaxCells)
	out := make([]model.Vec3i, 0, len(cols))
	for _, k := range cols {
		out = append(out, model.Vec3i{X: k.X, Z: k.Z})
	}
	return out
}

func (z *Zone) cell(c model.Vec3i) *Cell {
	if z.spec.Addressing == model.Columnar {
		c.Y = 0
	}
	if ch, ok := z.cells[c]; ok {
		return ch
	}
	var ch *Cell
	if z.spec.Addressing == model.Volumetric {
		ch = generateCube(z.spec.Seed, c)
	} else {
		ch = generateColumn(z.spec.Seed, c)
	}
	z.cells[c] = ch
	return ch
}

func (z *Zone) push(o *observer, msg any) {
	if o.out == nil {
		return
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return
	}
	o.out.Push(b)
}

func lessCell(a, b model.Vec3i) bool {
	if a.X != b.X {
		return a.X < b.X
	}
	if a.Y != b.Y {
		return a.Y < b.Y
	}
	return a.Z < b.Z
}
