// Package session drives the per-connection view subsystem: it owns the view
// registry and one zoneview.Manager per observed zone, and runs the
// purge/recompute/reconcile/flush cycle once per tick.
package session

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"portalview.ai/internal/logging"
	"portalview.ai/internal/sim/model"
	"portalview.ai/internal/sim/propagation"
	"portalview.ai/internal/sim/region"
	"portalview.ai/internal/sim/transaction"
	"portalview.ai/internal/sim/view"
	"portalview.ai/internal/sim/zone"
	"portalview.ai/internal/sim/zoneview"
)

// Connection is the primary client connection.
type Connection = transaction.Conn

type Config struct {
	ViewDistance         int
	VerticalViewDistance int
	// RelayCompressMin is the payload size from which relays are zstd-compressed; 0 disables.
	RelayCompressMin int
}

// Recorder observes finished ticks.
type Recorder interface {
	ObserveTick(TickStats)
}

type Deps struct {
	Conn      Connection
	Directory zone.Directory
	Logger    logrus.FieldLogger
	Recorder  Recorder
}

type TickStats struct {
	Session     string        `json:"session"`
	Tick        uint64        `json:"tick"`
	PrimaryZone model.ZoneID  `json:"primary_zone,omitempty"`
	Managers    int           `json:"managers"`
	Surrogates  int           `json:"surrogates"`
	Views       int           `json:"views"`
	ActiveViews int           `json:"active_views"`
	Recomputed  bool          `json:"recomputed"`
	Purged      int           `json:"purged"`
	TornDown    int           `json:"torn_down"`
	Opens       uint64        `json:"opens"`
	Closes      uint64        `json:"closes"`
	Relays      uint64        `json:"relays"`
	Dropped     uint64        `json:"dropped_relays"`
	Duration    time.Duration `json:"duration_ns"`
}

type Coordinator struct {
	id      string
	cfg     Config
	primary model.AgentID
	conn    Connection
	dir     zone.Directory
	log     logrus.FieldLogger
	rec     Recorder

	registry *view.Registry
	managers map[model.ZoneID]*zoneview.Manager
	tx       *transaction.Channel

	needsUpdate bool
	lastKey     view.Key
	hasKey      bool
	epoch       uint64
	tick        uint64
	destroyed   bool
}

// New creates the coordinator for a primary agent that is already present in a zone.
func New(id string, cfg Config, primary model.AgentID, deps Deps) (*Coordinator, error) {
	if deps.Conn == nil {
		return nil, fmt.Errorf("session %s: nil connection", id)
	}
	if deps.Directory == nil {
		return nil, fmt.Errorf("session %s: nil zone directory", id)
	}
	if cfg.ViewDistance < 0 || cfg.VerticalViewDistance < 0 {
		return nil, fmt.Errorf("session %s: view distances must be >= 0", id)
	}
	zid, _, ok := deps.Directory.Locate(primary)
	if !ok {
		return nil, fmt.Errorf("session %s: primary agent %s is not present in any zone", id, primary)
	}
	z, ok := deps.Directory.Zone(zid)
	if !ok {
		return nil, fmt.Errorf("session %s: %w: %s", id, ErrUnknownZone, zid)
	}
	c := &Coordinator{
		id:          id,
		cfg:         cfg,
		primary:     primary,
		conn:        deps.Conn,
		dir:         deps.Directory,
		log:         logging.OrDiscard(deps.Logger).WithField("session", id),
		rec:         deps.Recorder,
		registry:    view.NewRegistry(),
		managers:    map[model.ZoneID]*zoneview.Manager{},
		tx:          transaction.NewChannel(deps.Conn, cfg.RelayCompressMin),
		needsUpdate: true,
	}
	c.managers[zid] = zoneview.NewPrimary(z, primary, c.nextEpoch())
	return c, nil
}

func (c *Coordinator) ID() string             { return c.id }
func (c *Coordinator) Primary() model.AgentID { return c.primary }
func (c *Coordinator) Destroyed() bool        { return c.destroyed }

func (c *Coordinator) nextEpoch() uint64 {
	c.epoch++
	return c.epoch
}

// RegisterView adds a view. A zone without a manager gets a surrogate agent,
// announced to the client with the next transaction.
func (c *Coordinator) RegisterView(spec view.Spec) (view.ID, error) {
	if c.destroyed {
		return 0, ErrDestroyed
	}
	z, ok := c.dir.Zone(spec.Zone)
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownZone, spec.Zone)
	}
	v, err := c.registry.Add(spec)
	if err != nil {
		return 0, err
	}
	m := c.managers[spec.Zone]
	if m == nil {
		agent := model.AgentID(fmt.Sprintf("%s[view]-%s", c.primary, uuid.NewString()))
		m, err = zoneview.SpawnSurrogate(z, agent, spec.Center, c.nextEpoch(), c.tx)
		if err != nil {
			c.registry.Remove(v.ID)
			return 0, fmt.Errorf("spawn surrogate in %s: %w", spec.Zone, err)
		}
		c.managers[spec.Zone] = m
		c.log.WithFields(logrus.Fields{"zone": spec.Zone, "agent": agent, "epoch": m.Epoch()}).Debug("surrogate spawned")
	}
	m.AddView(v.ID)
	c.needsUpdate = true
	return v.ID, nil
}

// MoveView recenters a registered view. The primary view follows its agent.
func (c *Coordinator) MoveView(id view.ID, center model.Vec3) error {
	if id == view.PrimaryID {
		return ErrUnsupported
	}
	v, ok := c.registry.Get(id)
	if !ok || !v.Valid() {
		return fmt.Errorf("%w: %d", ErrUnknownView, id)
	}
	if v.Center == center {
		return nil
	}
	v.Center = center
	c.needsUpdate = true
	return nil
}

// DisposeView marks a view invalid; it is removed on the next tick.
func (c *Coordinator) DisposeView(id view.ID) error {
	if id == view.PrimaryID {
		return fmt.Errorf("%w: the primary view has no independent lifecycle", ErrUnsupported)
	}
	if !c.registry.Invalidate(id) {
		return fmt.Errorf("%w: %d", ErrUnknownView, id)
	}
	return nil
}

// SendTo pushes a zone-native message to whichever agent observes zone.
func (c *Coordinator) SendTo(zid model.ZoneID, payload []byte) bool {
	m := c.managers[zid]
	if m == nil || c.destroyed {
		return false
	}
	if !m.Surrogate() {
		return c.conn.Send(payload) == nil
	}
	return m.Mailbox().Push(payload)
}

// BeginTransaction flushes everything already buffered, then opens a frame.
func (c *Coordinator) BeginTransaction() error {
	if c.destroyed {
		return ErrDestroyed
	}
	if c.tx.InTransaction() {
		return ErrTransactionOpen
	}
	c.flushBuffered()
	return c.tx.Begin()
}

func (c *Coordinator) EndTransaction() error { return c.tx.End() }

func (c *Coordinator) flushBuffered() {
	if c.conn.Open() {
		_ = c.conn.Flush()
	}
	for _, m := range c.sortedManagers() {
		m.FlushMailbox(c.tx)
	}
}

// Tick runs one reconciliation pass: purge invalid views, recompute
// distances if anything changed, reconcile every manager, tear down empty
// surrogates and flush, all inside one transaction.
func (c *Coordinator) Tick() error {
	if c.destroyed {
		return ErrDestroyed
	}
	start := time.Now()
	c.tick++
	before := c.tx.Stats()

	primary, err := c.primaryView()
	if err != nil {
		c.log.WithError(err).Error("tick aborted")
		return err
	}

	if err := c.BeginTransaction(); err != nil {
		return err
	}

	purged := c.purgeInvalid()

	switch {
	case primary != nil && (!c.hasKey || primary.Key() != c.lastKey):
		c.lastKey, c.hasKey = primary.Key(), true
		c.needsUpdate = true
	case primary == nil && c.hasKey:
		c.hasKey = false
		c.needsUpdate = true
	}

	recomputed := false
	if c.needsUpdate {
		res := propagation.Recompute(propagation.Input{
			Primary:    primary,
			Views:      c.registry.All(),
			Addressing: c.addressing,
		})
		for _, m := range c.sortedManagers() {
			m.Apply(res.Zone(m.ZoneID()))
		}
		c.needsUpdate = false
		recomputed = true
	}

	for _, m := range c.sortedManagers() {
		m.SyncTracking()
	}
	tornDown := c.tearDownEmpty()
	for _, m := range c.sortedManagers() {
		m.FlushMailbox(c.tx)
	}

	if err := c.tx.End(); err != nil {
		return err
	}

	if c.rec != nil {
		after := c.tx.Stats()
		st := TickStats{
			Session:    c.id,
			Tick:       c.tick,
			Managers:   len(c.managers),
			Views:      c.registry.Len(),
			Recomputed: recomputed,
			Purged:     purged,
			TornDown:   tornDown,
			Opens:      after.Opens - before.Opens,
			Closes:     after.Closes - before.Closes,
			Relays:     after.Relays - before.Relays,
			Dropped:    after.DroppedRelays - before.DroppedRelays,
			Duration:   time.Since(start),
		}
		if primary != nil {
			st.PrimaryZone = primary.Zone
		}
		for _, m := range c.managers {
			if m.Surrogate() {
				st.Surrogates++
			}
			st.ActiveViews += len(m.ActiveViews())
		}
		c.rec.ObserveTick(st)
	}
	return nil
}

// primaryView checks the primary agent against the manager map and builds
// its implicit view. It returns nil while the agent is not in any zone.
func (c *Coordinator) primaryView() (*view.View, error) {
	zid, pos, ok := c.dir.Locate(c.primary)
	if !ok {
		return nil, nil
	}
	m := c.managers[zid]
	if m == nil {
		return nil, c.violation(zid, "primary agent is in a zone this session does not manage")
	}
	if m.Surrogate() {
		return nil, c.violation(zid, "primary agent is in a zone managed by a surrogate")
	}
	if n := c.primaryManagers(); n != 1 {
		return nil, c.violation(zid, fmt.Sprintf("expected exactly one primary manager, found %d", n))
	}
	vertical := c.cfg.ViewDistance
	if m.Zone().Addressing() == model.Volumetric {
		vertical = c.cfg.VerticalViewDistance
	}
	return view.Primary(zid, pos, c.cfg.ViewDistance, vertical), nil
}

func (c *Coordinator) violation(zid model.ZoneID, reason string) error {
	return &ConsistencyViolation{Session: c.id, Zone: zid, Agent: c.primary, Reason: reason}
}

func (c *Coordinator) primaryManagers() int {
	n := 0
	for _, m := range c.managers {
		if !m.Surrogate() {
			n++
		}
	}
	return n
}

func (c *Coordinator) addressing(zid model.ZoneID) model.Addressing {
	if m := c.managers[zid]; m != nil {
		return m.Zone().Addressing()
	}
	if z, ok := c.dir.Zone(zid); ok {
		return z.Addressing()
	}
	return model.Columnar
}

func (c *Coordinator) purgeInvalid() int {
	purged := c.registry.PurgeInvalid()
	for _, v := range purged {
		if m := c.managers[v.Zone]; m != nil {
			m.Purge(v.ID)
		}
	}
	if len(purged) > 0 {
		c.needsUpdate = true
	}
	return len(purged)
}

func (c *Coordinator) tearDownEmpty() int {
	n := 0
	for _, m := range c.sortedManagers() {
		if !m.ShouldTearDown() {
			continue
		}
		c.tearDown(m)
		n++
	}
	return n
}

func (c *Coordinator) tearDown(m *zoneview.Manager) {
	m.TearDown(c.tx)
	delete(c.managers, m.ZoneID())
	c.log.WithFields(logrus.Fields{"zone": m.ZoneID(), "agent": m.Agent()}).Debug("surrogate torn down")
}

func (c *Coordinator) sortedManagers() []*zoneview.Manager {
	out := make([]*zoneview.Manager, 0, len(c.managers))
	for _, m := range c.managers {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ZoneID() < out[j].ZoneID() })
	return out
}

func (c *Coordinator) surrogates() []*zoneview.Manager {
	var out []*zoneview.Manager
	for _, m := range c.sortedManagers() {
		if m.Surrogate() {
			out = append(out, m)
		}
	}
	return out
}

// Zones returns the managed zones in order.
func (c *Coordinator) Zones() []model.ZoneID {
	out := make([]model.ZoneID, 0, len(c.managers))
	for _, m := range c.sortedManagers() {
		out = append(out, m.ZoneID())
	}
	return out
}

// Views returns the registered view ids per managed zone.
func (c *Coordinator) Views() map[model.ZoneID][]view.ID {
	out := make(map[model.ZoneID][]view.ID, len(c.managers))
	for zid, m := range c.managers {
		out[zid] = m.Views()
	}
	return out
}

// ActiveViews returns the distances computed for zone on the last reconciliation.
func (c *Coordinator) ActiveViews(zid model.ZoneID) map[view.ID]int {
	if m := c.managers[zid]; m != nil {
		return m.ActiveViews()
	}
	return map[view.ID]int{}
}

func (c *Coordinator) ActiveSelectors(zid model.ZoneID) []region.Selector {
	if m := c.managers[zid]; m != nil {
		return m.ActiveSelectors()
	}
	return nil
}

type ZoneSnapshot struct {
	Zone       model.ZoneID      `json:"zone"`
	Kind       string            `json:"kind"`
	Addressing string            `json:"addressing"`
	State      string            `json:"state"`
	Agent      model.AgentID     `json:"agent"`
	Surrogate  bool              `json:"surrogate"`
	Epoch      uint64            `json:"epoch"`
	Views      []view.ID         `json:"views"`
	Active     map[view.ID]int   `json:"active"`
	Selectors  []region.Selector `json:"selectors"`
}

type Snapshot struct {
	Session string         `json:"session"`
	Primary model.AgentID  `json:"primary"`
	Tick    uint64         `json:"tick"`
	Zones   []ZoneSnapshot `json:"zones"`
}

func (c *Coordinator) Snapshot() Snapshot {
	s := Snapshot{Session: c.id, Primary: c.primary, Tick: c.tick}
	for _, m := range c.sortedManagers() {
		z := m.Zone()
		s.Zones = append(s.Zones, ZoneSnapshot{
			Zone:       z.ID(),
			Kind:       z.Kind(),
			Addressing: z.Addressing().String(),
			State:      m.State().String(),
			Agent:      m.Agent(),
			Surrogate:  m.Surrogate(),
			Epoch:      m.Epoch(),
			Views:      m.Views(),
			Active:     m.ActiveViews(),
			Selectors:  m.ActiveSelectors(),
		})
	}
	return s
}
