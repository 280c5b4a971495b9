// Package zonetest provides recording fakes of the zone collaborators for tests.
package zonetest

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"portalview.ai/internal/protocol"
	"portalview.ai/internal/sim/model"
	"portalview.ai/internal/sim/region"
	"portalview.ai/internal/sim/zone"
)

type Agent struct {
	Pos     model.Vec3
	Out     *zone.Mailbox
	Tracked []region.Selector
}

// Zone records every call made to it. UpdateTracking pushes one
// "track:<zone>:<n>" payload to the agent's mailbox.
type Zone struct {
	id   model.ZoneID
	kind string
	addr model.Addressing

	SpawnErr error
	Agents   map[model.AgentID]*Agent
	Calls    []string
}

func NewZone(id model.ZoneID, addr model.Addressing) *Zone {
	return &Zone{id: id, kind: "TEST", addr: addr, Agents: map[model.AgentID]*Agent{}}
}

func (z *Zone) ID() model.ZoneID             { return z.id }
func (z *Zone) Kind() string                 { return z.kind }
func (z *Zone) Addressing() model.Addressing { return z.addr }

func (z *Zone) Spawn(agent model.AgentID, pos model.Vec3, out *zone.Mailbox) error {
	if z.SpawnErr != nil {
		return z.SpawnErr
	}
	z.Calls = append(z.Calls, "spawn "+string(agent))
	z.Agents[agent] = &Agent{Pos: pos, Out: out}
	return nil
}

func (z *Zone) Despawn(agent model.AgentID) {
	z.Calls = append(z.Calls, "despawn "+string(agent))
	delete(z.Agents, agent)
}

func (z *Zone) UpdateTracking(agent model.AgentID, selectors []region.Selector) {
	z.Calls = append(z.Calls, fmt.Sprintf("track %s %d", agent, len(selectors)))
	a := z.Agents[agent]
	if a == nil {
		return
	}
	a.Tracked = append([]region.Selector(nil), selectors...)
	if a.Out != nil {
		a.Out.Push([]byte(fmt.Sprintf("track:%s:%d", z.id, len(selectors))))
	}
}

func (z *Zone) Untrack(agent model.AgentID) {
	z.Calls = append(z.Calls, "untrack "+string(agent))
	if a := z.Agents[agent]; a != nil {
		a.Tracked = nil
	}
}

// Surrogates returns the ids of agents other than primary, sorted.
func (z *Zone) Surrogates(primary model.AgentID) []model.AgentID {
	var out []model.AgentID
	for id := range z.Agents {
		if id != primary {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Directory is an in-memory zone directory with explicit agent placement.
type Directory struct {
	zones   map[model.ZoneID]*Zone
	located map[model.AgentID]model.ZoneID
	pos     map[model.AgentID]model.Vec3
}

func NewDirectory(zones ...*Zone) *Directory {
	d := &Directory{
		zones:   map[model.ZoneID]*Zone{},
		located: map[model.AgentID]model.ZoneID{},
		pos:     map[model.AgentID]model.Vec3{},
	}
	for _, z := range zones {
		d.zones[z.ID()] = z
	}
	return d
}

func (d *Directory) Zone(id model.ZoneID) (zone.Zone, bool) {
	z, ok := d.zones[id]
	if !ok {
		return nil, false
	}
	return z, true
}

func (d *Directory) Locate(agent model.AgentID) (model.ZoneID, model.Vec3, bool) {
	id, ok := d.located[agent]
	return id, d.pos[agent], ok
}

// Place records agent as present in zone without spawning it.
func (d *Directory) Place(agent model.AgentID, zone model.ZoneID, pos model.Vec3) {
	d.located[agent] = zone
	d.pos[agent] = pos
}

func (d *Directory) Forget(agent model.AgentID) {
	delete(d.located, agent)
	delete(d.pos, agent)
}

func (d *Directory) Remove(zone model.ZoneID) { delete(d.zones, zone) }

// Conn records outbound messages as short strings. Flush drains Primary.
type Conn struct {
	mu      sync.Mutex
	Closed  bool
	Primary *zone.Mailbox
	Log     []string
	Raw     [][]byte
}

func NewConn() *Conn { return &Conn{Primary: zone.NewMailbox()} }

func (c *Conn) Send(msg any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var b []byte
	switch m := msg.(type) {
	case []byte:
		b = m
		c.Log = append(c.Log, "RAW "+string(m))
	case protocol.TransactionStartMsg:
		c.Log = append(c.Log, "START")
	case protocol.TransactionEndMsg:
		c.Log = append(c.Log, "END")
	case protocol.ZoneOpenMsg:
		c.Log = append(c.Log, "OPEN "+m.ZoneID)
	case protocol.ZoneCloseMsg:
		c.Log = append(c.Log, "CLOSE "+m.ZoneID)
	case protocol.RelayMsg:
		p, _ := m.Payload()
		c.Log = append(c.Log, fmt.Sprintf("RELAY %s %s", m.ZoneID, p))
	default:
		base, _ := json.Marshal(msg)
		var bm protocol.BaseMessage
		_ = json.Unmarshal(base, &bm)
		c.Log = append(c.Log, bm.Type)
	}
	if b == nil {
		b, _ = json.Marshal(msg)
	}
	c.Raw = append(c.Raw, b)
	return nil
}

func (c *Conn) Flush() error {
	for _, b := range c.Primary.Drain() {
		if err := c.Send(b); err != nil {
			return err
		}
	}
	return nil
}

func (c *Conn) Pending() int { return c.Primary.Len() }

func (c *Conn) Open() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.Closed
}

// Take returns and clears the log.
func (c *Conn) Take() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.Log
	c.Log = nil
	c.Raw = nil
	return out
}
