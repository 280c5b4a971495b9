package multiworld

import (
	"errors"
	"reflect"
	"slices"
	"strings"
	"testing"

	"portalview.ai/internal/protocol"
	"portalview.ai/internal/sim/model"
	"portalview.ai/internal/sim/session"
	"portalview.ai/internal/sim/zone"
	"portalview.ai/internal/sim/zonesim"
	"portalview.ai/internal/sim/zonetest"
)

type testClient struct {
	*zonetest.Conn
}

func newTestClient() *testClient { return &testClient{Conn: zonetest.NewConn()} }

func (c *testClient) Mailbox() *zone.Mailbox { return c.Primary }
func (c *testClient) Close()                 { c.Closed = true }

// frames collapses the client log to message kinds: runs of zone payloads
// become a single "RAW" or "RELAY <zone>" entry.
func (c *testClient) frames() []string {
	var out []string
	for _, m := range c.Take() {
		switch {
		case strings.HasPrefix(m, "RAW "):
			m = "RAW"
		case strings.HasPrefix(m, "RELAY "):
			m = strings.Join(strings.Fields(m)[:2], " ")
		}
		if len(out) > 0 && out[len(out)-1] == m && (m == "RAW" || strings.HasPrefix(m, "RELAY ")) {
			continue
		}
		out = append(out, m)
	}
	return out
}

type recorder struct {
	ticks  []session.TickStats
	events []SessionEvent
}

func (r *recorder) ObserveTick(st session.TickStats) { r.ticks = append(r.ticks, st) }
func (r *recorder) ObserveSession(ev SessionEvent)   { r.events = append(r.events, ev) }

func (r *recorder) kinds() []string {
	var out []string
	for _, ev := range r.events {
		out = append(out, ev.Kind)
	}
	return out
}

func newTestManager(t *testing.T) (*Manager, *zonesim.World, *recorder) {
	t.Helper()
	return newTestManagerWith(t, defaults())
}

// withReturnPortal adds the nether-to-overworld link from configs/portalview.yaml,
// so a session in the nether keeps a surrogate in the default zone.
func withReturnPortal(cfg Config) Config {
	cfg.Portals = append(cfg.Portals, PortalSpec{
		ID:             "nether_overworld",
		FromZone:       "nether",
		FromPos:        [3]int{0, 4, -2},
		ToZone:         "overworld",
		ToCenter:       [3]float64{56, 64, 8},
		PortalDistance: 1,
	})
	return cfg
}

func newTestManagerWith(t *testing.T, cfg Config) (*Manager, *zonesim.World, *recorder) {
	t.Helper()
	cfg.Normalize()
	w := zonesim.NewWorld(cfg.SimSpecs()...)
	rec := &recorder{}
	m, err := NewManager(cfg, w, nil, rec)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return m, w, rec
}

func join(t *testing.T, m *Manager, zoneID string) (*testClient, JoinResponse) {
	t.Helper()
	c := newTestClient()
	req := JoinRequest{Name: "Alice B.", ZoneID: zoneID, Client: c, Resp: make(chan JoinResponse, 1)}
	m.Join() <- req
	m.StepOnce()
	resp := <-req.Resp
	return c, resp
}

func expectFrames(t *testing.T, got, want []string) {
	t.Helper()
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("frames:\n got %q\nwant %q", got, want)
	}
}

func TestManager_JoinOpensPortalZones(t *testing.T) {
	m, _, rec := newTestManager(t)
	c, resp := join(t, m, "")
	if resp.Err != nil {
		t.Fatalf("join: %v", resp.Err)
	}
	if resp.Welcome.Zone.ZoneID != "overworld" || !strings.HasPrefix(resp.Welcome.AgentID, "alice_b-") {
		t.Fatalf("welcome=%+v", resp.Welcome)
	}
	if len(resp.Welcome.Zones) != 3 {
		t.Fatalf("manifest=%+v", resp.Welcome.Zones)
	}
	expectFrames(t, c.frames(), []string{
		"WELCOME",
		"START", "OPEN nether", "OPEN the_end",
		"RAW",
		"RELAY nether", "RELAY the_end",
		"END",
	})
	if m.SessionCount() != 1 {
		t.Fatalf("session count=%d", m.SessionCount())
	}
	if !reflect.DeepEqual(rec.kinds(), []string{EventJoin}) || len(rec.ticks) != 1 {
		t.Fatalf("observer events=%v ticks=%d", rec.kinds(), len(rec.ticks))
	}

	m.StepOnce()
	expectFrames(t, c.frames(), nil)
}

func TestManager_JoinErrors(t *testing.T) {
	m, _, _ := newTestManager(t)
	_, resp := join(t, m, "atlantis")
	if resp.Code != protocol.ErrZoneNotFound || !errors.Is(resp.Err, zonesim.ErrUnknownZone) {
		t.Fatalf("unknown zone resp=%+v", resp)
	}
	m.cfg.MaxSessions = 1
	if _, resp := join(t, m, ""); resp.Err != nil {
		t.Fatalf("first join: %v", resp.Err)
	}
	if _, resp := join(t, m, ""); !errors.Is(resp.Err, ErrFull) || resp.Code != protocol.ErrZoneBusy {
		t.Fatalf("full resp=%+v", resp)
	}
}

func TestManager_MoveShiftsBudgets(t *testing.T) {
	m, _, _ := newTestManager(t)
	c, resp := join(t, m, "")
	c.Take()

	before := activeDistance(t, m, "nether")
	m.Move(resp.SessionID, model.Vec3{X: 40, Z: 8})
	m.StepOnce()
	after := activeDistance(t, m, "nether")
	if before != 4 || after != 2 {
		t.Fatalf("nether distance before=%d after=%d want 4/2", before, after)
	}
}

func activeDistance(t *testing.T, m *Manager, zid string) int {
	t.Helper()
	for _, s := range m.summaries() {
		for _, z := range s.Session.Zones {
			if string(z.Zone) != zid {
				continue
			}
			for _, d := range z.Active {
				return d
			}
		}
	}
	t.Fatalf("zone %s has no active view", zid)
	return 0
}

func TestManager_SwitchClosesBeforeTransfer(t *testing.T) {
	m, w, rec := newTestManager(t)
	c, resp := join(t, m, "")
	c.Take()

	req := switchReq{session: resp.SessionID, zone: "nether", resp: make(chan error, 1)}
	m.switches <- req
	m.StepOnce()
	if err := <-req.resp; err != nil {
		t.Fatalf("switch: %v", err)
	}
	expectFrames(t, c.frames(), []string{
		"START", "CLOSE nether", "CLOSE the_end", "END",
		"ZONE_TRANSFER",
		"START", "OPEN the_end", "RAW", "RELAY the_end", "END",
	})
	if zid, _, _ := w.Locate(model.AgentID(resp.Welcome.AgentID)); zid != "nether" {
		t.Fatalf("agent zone=%s", zid)
	}
	nether, _ := w.Get("nether")
	if n := len(nether.Agents()); n != 1 {
		t.Fatalf("nether should host only the primary, got %v", nether.Agents())
	}
	if got := rec.kinds(); got[len(got)-1] != EventTransfer {
		t.Fatalf("events=%v", got)
	}

	bad := switchReq{session: resp.SessionID, zone: "atlantis", resp: make(chan error, 1)}
	m.switches <- bad
	m.StepOnce()
	if err := <-bad.resp; !errors.Is(err, zonesim.ErrUnknownZone) {
		t.Fatalf("unknown zone switch err=%v", err)
	}
}

func TestManager_RespawnClosesSurrogatesBeforeTransfer(t *testing.T) {
	m, w, rec := newTestManagerWith(t, withReturnPortal(defaults()))
	c, resp := join(t, m, "nether")
	joined := c.frames()
	if !slices.Contains(joined, "OPEN overworld") {
		t.Fatalf("join frames=%q want a surrogate in the default zone", joined)
	}

	m.Respawn(resp.SessionID)
	m.StepOnce()
	expectFrames(t, c.frames(), []string{
		"START", "CLOSE overworld", "CLOSE the_end", "END",
		"ZONE_TRANSFER",
		"START", "OPEN nether", "OPEN the_end",
		"RAW", "RELAY nether", "RELAY the_end", "END",
	})
	if zid, _, _ := w.Locate(model.AgentID(resp.Welcome.AgentID)); zid != "overworld" {
		t.Fatalf("agent zone=%s", zid)
	}
	overworld, _ := w.Get("overworld")
	if n := len(overworld.Agents()); n != 1 {
		t.Fatalf("overworld should host only the primary, got %v", overworld.Agents())
	}
	if got := rec.kinds(); got[len(got)-1] != EventRespawn {
		t.Fatalf("events=%v", got)
	}
}

func TestManager_UnloadZone(t *testing.T) {
	m, w, rec := newTestManager(t)
	c, _ := join(t, m, "")
	c.Take()

	req := unloadReq{zone: "the_end", resp: make(chan error, 1)}
	m.unloads <- req
	m.StepOnce()
	if err := <-req.resp; err != nil {
		t.Fatalf("unload: %v", err)
	}
	expectFrames(t, c.frames(), []string{"START", "CLOSE the_end", "END"})
	if _, ok := w.Zone("the_end"); ok {
		t.Fatalf("zone still loaded")
	}
	if got := rec.kinds(); got[len(got)-1] != EventUnload {
		t.Fatalf("events=%v", got)
	}

	for _, zid := range []string{"overworld", "nowhere"} {
		req := unloadReq{zone: zid, resp: make(chan error, 1)}
		m.unloads <- req
		m.StepOnce()
		if err := <-req.resp; err == nil {
			t.Fatalf("unloading %s should fail", zid)
		}
	}
}

func TestManager_ConsistencyViolationDropsSession(t *testing.T) {
	m, w, rec := newTestManager(t)
	c, resp := join(t, m, "")
	c.Take()

	// Move the primary behind the session's back into a zone it does not manage.
	if err := w.Transfer(model.AgentID(resp.Welcome.AgentID), "nether", model.Vec3{}); err != nil {
		t.Fatalf("Transfer: %v", err)
	}
	m.StepOnce()
	frames := c.frames()
	if len(frames) == 0 || frames[0] != "ERROR" {
		t.Fatalf("frames=%q want ERROR first", frames)
	}
	if c.Open() {
		t.Fatalf("client should be closed")
	}
	if m.SessionCount() != 0 {
		t.Fatalf("session should be dropped")
	}
	if got := rec.kinds(); got[len(got)-1] != EventViolation {
		t.Fatalf("events=%v", got)
	}
	for _, z := range w.Zones() {
		if n := len(z.Agents()); n != 0 {
			t.Fatalf("zone %s still has agents %v", z.ID(), z.Agents())
		}
	}
}

func TestManager_LeaveReleasesEverything(t *testing.T) {
	m, w, rec := newTestManager(t)
	c, resp := join(t, m, "")
	c.Take()

	m.Leave() <- resp.SessionID
	m.StepOnce()
	frames := c.frames()
	if !reflect.DeepEqual(frames, []string{"START", "CLOSE nether", "CLOSE the_end", "END"}) {
		t.Fatalf("frames=%q", frames)
	}
	for _, z := range w.Zones() {
		if n := len(z.Agents()); n != 0 {
			t.Fatalf("zone %s still has agents %v", z.ID(), z.Agents())
		}
	}
	if got := rec.kinds(); got[len(got)-1] != EventLeave {
		t.Fatalf("events=%v", got)
	}

	c2, _ := join(t, m, "")
	c2.Take()
	c2.Close()
	m.StepOnce()
	if m.SessionCount() != 0 {
		t.Fatalf("disconnected client should be dropped")
	}
}

func TestAgentSlug(t *testing.T) {
	cases := map[string]string{
		"Alice":                           "alice",
		"  ":                              "agent",
		"Bob the Great":                   "bob_the_great",
		"!!!":                             "agent",
		"averyveryverylongnamethatgoeson": "averyveryverylongnametha",
	}
	for in, want := range cases {
		if got := agentSlug(in); got != want {
			t.Fatalf("agentSlug(%q)=%q want %q", in, got, want)
		}
	}
}
