package multiworld

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"portalview.ai/internal/logging"
	"portalview.ai/internal/protocol"
	"portalview.ai/internal/sim/model"
	"portalview.ai/internal/sim/session"
	"portalview.ai/internal/sim/zone"
	"portalview.ai/internal/sim/zonesim"
)

const (
	requestTimeout = 3 * time.Second
	queueSize      = 256
)

var (
	ErrFull    = errors.New("server full")
	ErrStopped = errors.New("manager stopped")
	ErrNoSuch  = errors.New("unknown session")
)

// Client is one admitted connection as the host sees it.
type Client interface {
	session.Connection
	// Mailbox buffers what the primary agent's zone produces; Flush drains it.
	Mailbox() *zone.Mailbox
	Close()
}

type JoinRequest struct {
	Name   string
	ZoneID string
	Client Client
	Resp   chan JoinResponse
}

type JoinResponse struct {
	SessionID string
	Welcome   protocol.WelcomeMsg
	Code      string
	Err       error
}

type moveReq struct {
	session string
	pos     model.Vec3
}

type switchReq struct {
	session string
	zone    string
	pos     *model.Vec3
	resp    chan error
}

type unloadReq struct {
	zone string
	resp chan error
}

type snapshotReq struct {
	resp chan []SessionSummary
}

type SessionSummary struct {
	ID      string           `json:"id"`
	Name    string           `json:"name"`
	Agent   string           `json:"agent"`
	Zone    string           `json:"zone"`
	Session session.Snapshot `json:"session"`
}

type hosted struct {
	id     string
	name   string
	agent  model.AgentID
	client Client
	coord  *session.Coordinator
}

// Manager hosts every session and the zones they observe. All state is owned
// by the goroutine running Run; other goroutines talk to it over channels.
type Manager struct {
	cfg   Config
	world *zonesim.World
	log   logrus.FieldLogger
	obs   Observer

	join     chan JoinRequest
	leave    chan string
	moves    chan moveReq
	switches chan switchReq
	respawns chan string
	unloads  chan unloadReq
	snaps    chan snapshotReq
	stop     chan struct{}
	stopped  atomic.Bool

	sessions map[string]*hosted
	order    []string
	tick     atomic.Uint64
	count    atomic.Int64
}

func NewManager(cfg Config, world *zonesim.World, log logrus.FieldLogger, obs Observer) (*Manager, error) {
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if world == nil {
		return nil, fmt.Errorf("nil world")
	}
	for _, z := range cfg.Zones {
		if _, ok := world.Zone(model.ZoneID(z.ID)); !ok {
			return nil, fmt.Errorf("missing zone %s", z.ID)
		}
	}
	if obs == nil {
		obs = Fanout(nil)
	}
	return &Manager{
		cfg:      cfg,
		world:    world,
		log:      logging.OrDiscard(log).WithField("component", "multiworld"),
		obs:      obs,
		join:     make(chan JoinRequest, queueSize),
		leave:    make(chan string, queueSize),
		moves:    make(chan moveReq, queueSize),
		switches: make(chan switchReq, queueSize),
		respawns: make(chan string, queueSize),
		unloads:  make(chan unloadReq, 16),
		snaps:    make(chan snapshotReq, 16),
		stop:     make(chan struct{}),
		sessions: map[string]*hosted{},
	}, nil
}

func (m *Manager) Config() Config      { return m.cfg }
func (m *Manager) CurrentTick() uint64 { return m.tick.Load() }
func (m *Manager) SessionCount() int   { return int(m.count.Load()) }

func (m *Manager) Join() chan<- JoinRequest { return m.join }
func (m *Manager) Leave() chan<- string     { return m.leave }

// Move queues a new primary position. Positions arriving faster than the
// tick rate coalesce.
func (m *Manager) Move(sessionID string, pos model.Vec3) {
	select {
	case m.moves <- moveReq{session: sessionID, pos: pos}:
	default:
		m.log.WithField("session", sessionID).Warn("move queue full, dropping")
	}
}

func (m *Manager) Respawn(sessionID string) {
	select {
	case m.respawns <- sessionID:
	default:
		m.log.WithField("session", sessionID).Warn("respawn queue full, dropping")
	}
}

// RequestJoin admits a client and waits for its WELCOME.
func (m *Manager) RequestJoin(ctx context.Context, name, zoneID string, c Client) (JoinResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()
	req := JoinRequest{Name: name, ZoneID: zoneID, Client: c, Resp: make(chan JoinResponse, 1)}
	select {
	case m.join <- req:
	case <-ctx.Done():
		return JoinResponse{}, ctx.Err()
	}
	select {
	case resp := <-req.Resp:
		return resp, resp.Err
	case <-ctx.Done():
		return JoinResponse{}, ctx.Err()
	}
}

func (m *Manager) RequestSwitch(ctx context.Context, sessionID, zoneID string, pos *model.Vec3) error {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()
	req := switchReq{session: sessionID, zone: zoneID, pos: pos, resp: make(chan error, 1)}
	select {
	case m.switches <- req:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.resp:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// UnloadZone removes a zone no primary agent lives in. Every session
// observing it through a portal loses the zone on its next tick.
func (m *Manager) UnloadZone(ctx context.Context, zoneID string) error {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()
	req := unloadReq{zone: zoneID, resp: make(chan error, 1)}
	select {
	case m.unloads <- req:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.resp:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Sessions returns a summary of every hosted session. It is safe to call
// from HTTP handlers.
func (m *Manager) Sessions(ctx context.Context) ([]SessionSummary, error) {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()
	req := snapshotReq{resp: make(chan []SessionSummary, 1)}
	select {
	case m.snaps <- req:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case out := <-req.resp:
		return out, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *Manager) Run(ctx context.Context) error {
	interval := time.Second / time.Duration(m.cfg.TickRateHz)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	defer m.shutdown()

	var p pending
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.stop:
			return nil
		case req := <-m.join:
			p.joins = append(p.joins, req)
		case id := <-m.leave:
			p.leaves = append(p.leaves, id)
		case req := <-m.moves:
			p.moves = append(p.moves, req)
		case req := <-m.switches:
			p.switches = append(p.switches, req)
		case id := <-m.respawns:
			p.respawns = append(p.respawns, id)
		case req := <-m.unloads:
			p.unloads = append(p.unloads, req)
		case req := <-m.snaps:
			req.resp <- m.summaries()
		case <-ticker.C:
			m.step(&p)
			p.reset()
		}
	}
}

func (m *Manager) Stop() {
	if m.stopped.CompareAndSwap(false, true) {
		close(m.stop)
	}
}

// StepOnce drains whatever is queued and runs one tick, with the same
// ordering as Run. It must not be called while Run is active.
func (m *Manager) StepOnce() uint64 {
	var p pending
	for {
		select {
		case req := <-m.join:
			p.joins = append(p.joins, req)
			continue
		case id := <-m.leave:
			p.leaves = append(p.leaves, id)
			continue
		case req := <-m.moves:
			p.moves = append(p.moves, req)
			continue
		case req := <-m.switches:
			p.switches = append(p.switches, req)
			continue
		case id := <-m.respawns:
			p.respawns = append(p.respawns, id)
			continue
		case req := <-m.unloads:
			p.unloads = append(p.unloads, req)
			continue
		case req := <-m.snaps:
			req.resp <- m.summaries()
			continue
		default:
		}
		break
	}
	m.step(&p)
	return m.tick.Load()
}

type pending struct {
	joins    []JoinRequest
	leaves   []string
	moves    []moveReq
	switches []switchReq
	respawns []string
	unloads  []unloadReq
}

func (p *pending) reset() {
	p.joins = p.joins[:0]
	p.leaves = p.leaves[:0]
	p.moves = p.moves[:0]
	p.switches = p.switches[:0]
	p.respawns = p.respawns[:0]
	p.unloads = p.unloads[:0]
}

func (m *Manager) step(p *pending) {
	m.tick.Add(1)

	for _, id := range p.leaves {
		m.handleLeave(id, "leave")
	}
	for _, req := range p.joins {
		resp := m.handleJoin(req)
		req.Resp <- resp
	}
	for _, req := range p.moves {
		if s := m.sessions[req.session]; s != nil {
			if err := m.world.Move(s.agent, req.pos); err != nil {
				m.log.WithError(err).WithField("session", s.id).Debug("move ignored")
			}
		}
	}
	for _, req := range p.unloads {
		req.resp <- m.handleUnload(model.ZoneID(req.zone))
	}
	for _, req := range p.switches {
		req.resp <- m.handleSwitch(req)
	}
	for _, id := range p.respawns {
		m.handleRespawn(id)
	}

	for _, id := range append([]string(nil), m.order...) {
		s := m.sessions[id]
		if s == nil {
			continue
		}
		if !s.client.Open() {
			m.handleLeave(id, "disconnected")
			continue
		}
		if err := s.coord.Tick(); err != nil {
			m.handleTickError(s, err)
		}
	}
}

func (m *Manager) handleJoin(req JoinRequest) JoinResponse {
	if req.Client == nil {
		return JoinResponse{Code: protocol.ErrProtoBadRequest, Err: fmt.Errorf("nil client")}
	}
	if limit := m.cfg.MaxSessions; limit > 0 && len(m.sessions) >= limit {
		return JoinResponse{Code: protocol.ErrZoneBusy, Err: ErrFull}
	}
	zid := strings.TrimSpace(req.ZoneID)
	if zid == "" {
		zid = m.cfg.DefaultZoneID
	}
	spec, ok := m.cfg.ZoneSpecByID(zid)
	if !ok {
		return JoinResponse{Code: protocol.ErrZoneNotFound, Err: fmt.Errorf("%w: %s", zonesim.ErrUnknownZone, zid)}
	}
	z, ok := m.world.Get(model.ZoneID(zid))
	if !ok {
		return JoinResponse{Code: protocol.ErrZoneNotFound, Err: fmt.Errorf("%w: %s", zonesim.ErrUnknownZone, zid)}
	}

	id := uuid.NewString()
	agent := model.AgentID(fmt.Sprintf("%s-%s", agentSlug(req.Name), id[:8]))
	pos := spawnPos(spec)
	if err := m.world.Enter(agent, z.ID(), pos, req.Client.Mailbox()); err != nil {
		return JoinResponse{Code: protocol.ErrInternal, Err: err}
	}
	coord, err := session.New(id, m.sessionConfig(), agent, session.Deps{
		Conn:      req.Client,
		Directory: m.world,
		Logger:    m.log,
		Recorder:  m.obs,
	})
	if err != nil {
		m.world.Leave(agent)
		return JoinResponse{Code: protocol.ErrInternal, Err: err}
	}
	s := &hosted{id: id, name: req.Name, agent: agent, client: req.Client, coord: coord}
	m.sessions[id] = s
	m.order = append(m.order, id)
	m.count.Store(int64(len(m.sessions)))
	m.registerPortals(s)

	welcome := protocol.WelcomeMsg{
		Type:                 protocol.TypeWelcome,
		ProtocolVersion:      protocol.Version,
		SessionID:            id,
		AgentID:              string(agent),
		Zone:                 protocol.ZoneRef{ZoneID: spec.ID, Kind: spec.Kind, Addressing: spec.Addressing},
		Pos:                  [3]float64{pos.X, pos.Y, pos.Z},
		TickRateHz:           m.cfg.TickRateHz,
		ViewDistance:         m.cfg.ViewDistance,
		VerticalViewDistance: m.cfg.VerticalViewDistance,
		Zones:                m.cfg.Manifest(),
	}
	_ = req.Client.Send(welcome)
	m.event(s, EventJoin, spec.ID, "")
	m.log.WithFields(logrus.Fields{"session": id, "agent": agent, "zone": spec.ID}).Info("session joined")
	return JoinResponse{SessionID: id, Welcome: welcome}
}

func (m *Manager) handleLeave(id, reason string) {
	s := m.sessions[id]
	if s == nil {
		return
	}
	zid, _, _ := m.world.Locate(s.agent)
	s.coord.Destroy()
	m.world.Leave(s.agent)
	m.remove(id)
	m.event(s, EventLeave, string(zid), reason)
	m.log.WithFields(logrus.Fields{"session": id, "reason": reason}).Info("session left")
}

func (m *Manager) remove(id string) {
	delete(m.sessions, id)
	for i, o := range m.order {
		if o == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	m.count.Store(int64(len(m.sessions)))
}

func (m *Manager) handleSwitch(req switchReq) error {
	s := m.sessions[req.session]
	if s == nil {
		return ErrNoSuch
	}
	spec, ok := m.cfg.ZoneSpecByID(req.zone)
	if !ok {
		return fmt.Errorf("%w: %s", zonesim.ErrUnknownZone, req.zone)
	}
	dest := model.ZoneID(spec.ID)
	if _, ok := m.world.Zone(dest); !ok {
		return fmt.Errorf("%w: %s", zonesim.ErrUnknownZone, req.zone)
	}
	from, _, _ := m.world.Locate(s.agent)
	if from == dest {
		return nil
	}
	if err := s.coord.BeforeTransfer(dest); err != nil {
		m.handleTickError(s, err)
		return err
	}
	pos := spawnPos(spec)
	if req.pos != nil {
		pos = *req.pos
	}
	if err := m.world.Transfer(s.agent, dest, pos); err != nil {
		m.log.WithError(err).WithField("session", s.id).Error("transfer failed")
		return err
	}
	m.sendTransfer(s, spec, pos, "switch")
	m.registerPortals(s)
	m.event(s, EventTransfer, spec.ID, string(from))
	return nil
}

func (m *Manager) handleRespawn(id string) {
	s := m.sessions[id]
	if s == nil {
		return
	}
	spec, _ := m.cfg.ZoneSpecByID(m.cfg.DefaultZoneID)
	dest := model.ZoneID(spec.ID)
	pos := spawnPos(spec)
	// Surrogate closes are flushed here, ahead of ZONE_TRANSFER, so the
	// client never sees a close for the zone it was just moved into.
	if err := s.coord.OnPrimaryRelocated(dest); err != nil {
		m.handleTickError(s, err)
		return
	}
	if err := m.world.Transfer(s.agent, dest, pos); err != nil {
		m.log.WithError(err).WithField("session", id).Error("respawn failed")
		return
	}
	m.sendTransfer(s, spec, pos, "respawn")
	m.registerPortals(s)
	m.event(s, EventRespawn, spec.ID, "")
}

func (m *Manager) handleUnload(zid model.ZoneID) error {
	if zid == model.ZoneID(m.cfg.DefaultZoneID) {
		return fmt.Errorf("%w: default zone %s", zonesim.ErrZoneBusy, zid)
	}
	if _, err := m.world.Unload(zid); err != nil {
		return err
	}
	for _, id := range m.order {
		m.sessions[id].coord.OnZoneUnload(zid)
	}
	m.obs.ObserveSession(SessionEvent{Kind: EventUnload, Zone: string(zid), Tick: m.tick.Load(), Time: time.Now().UTC()})
	m.log.WithField("zone", zid).Info("zone unloaded")
	return nil
}

// handleTickError drops a session whose view state no longer matches the
// zones. Other errors only get logged.
func (m *Manager) handleTickError(s *hosted, err error) {
	var cv *session.ConsistencyViolation
	if !errors.As(err, &cv) {
		m.log.WithError(err).WithField("session", s.id).Warn("tick failed")
		return
	}
	m.log.WithFields(logrus.Fields{"session": s.id, "zone": cv.Zone, "agent": cv.Agent}).WithError(err).Error("consistency violation")
	m.event(s, EventViolation, string(cv.Zone), cv.Reason)
	_ = s.client.Send(protocol.ErrorMsg{
		Type:            protocol.TypeError,
		ProtocolVersion: protocol.Version,
		Code:            protocol.ErrConsistency,
		Message:         cv.Reason,
	})
	s.coord.Destroy()
	m.world.Leave(s.agent)
	m.remove(s.id)
	s.client.Close()
}

func (m *Manager) sendTransfer(s *hosted, spec ZoneSpec, pos model.Vec3, reason string) {
	_ = s.client.Send(protocol.ZoneTransferMsg{
		Type:            protocol.TypeZoneTransfer,
		ProtocolVersion: protocol.Version,
		Zone:            protocol.ZoneRef{ZoneID: spec.ID, Kind: spec.Kind, Addressing: spec.Addressing},
		Pos:             [3]float64{pos.X, pos.Y, pos.Z},
		Reason:          reason,
	})
}

func (m *Manager) registerPortals(s *hosted) {
	for _, p := range m.cfg.Portals {
		if _, ok := m.world.Zone(model.ZoneID(p.ToZone)); !ok {
			continue
		}
		if _, err := s.coord.RegisterView(p.View()); err != nil {
			m.log.WithError(err).WithFields(logrus.Fields{"session": s.id, "portal": p.ID}).Warn("portal view not registered")
		}
	}
}

func (m *Manager) sessionConfig() session.Config {
	return session.Config{
		ViewDistance:         m.cfg.ViewDistance,
		VerticalViewDistance: m.cfg.VerticalViewDistance,
		RelayCompressMin:     m.cfg.RelayCompressMinBytes,
	}
}

func (m *Manager) summaries() []SessionSummary {
	out := make([]SessionSummary, 0, len(m.order))
	for _, id := range m.order {
		s := m.sessions[id]
		zid, _, _ := m.world.Locate(s.agent)
		out = append(out, SessionSummary{
			ID:      s.id,
			Name:    s.name,
			Agent:   string(s.agent),
			Zone:    string(zid),
			Session: s.coord.Snapshot(),
		})
	}
	return out
}

func (m *Manager) event(s *hosted, kind, zid, detail string) {
	m.obs.ObserveSession(SessionEvent{
		Session: s.id,
		Agent:   string(s.agent),
		Name:    s.name,
		Kind:    kind,
		Zone:    zid,
		Detail:  detail,
		Tick:    m.tick.Load(),
		Time:    time.Now().UTC(),
	})
}

func (m *Manager) shutdown() {
	for _, id := range append([]string(nil), m.order...) {
		m.handleLeave(id, "shutdown")
	}
}

func spawnPos(spec ZoneSpec) model.Vec3 {
	return model.Vec3{X: spec.Spawn[0], Y: spec.Spawn[1], Z: spec.Spawn[2]}
}

var slugRe = regexp.MustCompile(`[^a-z0-9_]+`)

func agentSlug(name string) string {
	s := slugRe.ReplaceAllString(strings.ToLower(strings.TrimSpace(name)), "_")
	s = strings.Trim(s, "_")
	if s == "" {
		s = "agent"
	}
	if len(s) > 24 {
		s = s[:24]
	}
	return s
}
