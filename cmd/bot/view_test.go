package main

import (
	"encoding/json"
	"strings"
	"testing"

	"portalview.ai/internal/protocol"
	"portalview.ai/internal/sim/encoding"
	"portalview.ai/internal/sim/model"
	"portalview.ai/internal/sim/multiworld"
	"portalview.ai/internal/sim/zonesim"
	"portalview.ai/internal/transport/ws"
)

func drain(t *testing.T, c *ws.Conn, v *viewState) {
	t.Helper()
	for {
		select {
		case b := <-c.Outbound():
			if err := v.apply(b); err != nil {
				t.Fatalf("apply %s: %v", b, err)
			}
		default:
			return
		}
	}
}

func TestViewState_FollowsServer(t *testing.T) {
	cfg, err := multiworld.Load("")
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	m, err := multiworld.NewManager(cfg, zonesim.NewWorld(cfg.SimSpecs()...), nil, nil)
	if err != nil {
		t.Fatalf("manager: %v", err)
	}
	c := ws.NewConn(8192)
	req := multiworld.JoinRequest{Name: "bot", Client: c, Resp: make(chan multiworld.JoinResponse, 1)}
	m.Join() <- req
	m.StepOnce()
	resp := <-req.Resp
	if resp.Err != nil {
		t.Fatalf("join: %v", resp.Err)
	}

	v := newViewState()
	drain(t, c, v)
	if v.Primary != "overworld" || v.SessionID != resp.SessionID || v.Frames != 1 {
		t.Fatalf("state=%+v", v)
	}
	open := v.OpenZones()
	if len(open) != 2 || open["nether"] == 0 || open["the_end"] == 0 {
		t.Fatalf("open=%v", open)
	}
	if v.Cells("overworld") == 0 || v.Cells("nether") == 0 || v.Cells("the_end") == 0 {
		t.Fatalf("cells overworld=%d nether=%d the_end=%d", v.Cells("overworld"), v.Cells("nether"), v.Cells("the_end"))
	}

	before := v.Cells("overworld")
	m.Move(resp.SessionID, model.Vec3{X: 200, Z: 8})
	m.StepOnce()
	drain(t, c, v)
	if v.Frames != 2 || v.Cells("overworld") != before {
		t.Fatalf("after move frames=%d cells=%d want %d", v.Frames, v.Cells("overworld"), before)
	}
	if len(v.OpenZones()) != 0 {
		t.Fatalf("portals out of range should close, open=%v", v.OpenZones())
	}
}

func msg(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}

func TestViewState_RejectsBrokenFraming(t *testing.T) {
	start := func(seq uint64) protocol.TransactionStartMsg {
		return protocol.TransactionStartMsg{Type: protocol.TypeTransactionStart, ProtocolVersion: protocol.Version, Seq: seq}
	}
	end := func(seq uint64) protocol.TransactionEndMsg {
		return protocol.TransactionEndMsg{Type: protocol.TypeTransactionEnd, ProtocolVersion: protocol.Version, Seq: seq}
	}
	openMsg := protocol.ZoneOpenMsg{Type: protocol.TypeZoneOpen, ProtocolVersion: protocol.Version, ZoneID: "nether", Epoch: 3}

	cases := []struct {
		name string
		msgs []any
		want string
	}{
		{"nested", []any{start(1), start(2)}, "nested"},
		{"unmatched end", []any{end(1)}, "unmatched"},
		{"open outside frame", []any{openMsg}, "outside"},
		{"double open", []any{start(1), openMsg, openMsg}, "twice"},
		{"close wrong epoch", []any{start(1), openMsg, protocol.ZoneCloseMsg{Type: protocol.TypeZoneClose, ProtocolVersion: protocol.Version, ZoneID: "nether", Epoch: 2}}, "not open"},
		{"relay for closed zone", []any{protocol.NewRelay("nether", 3, []byte(`{}`), 0)}, "not open"},
		{"seq goes back", []any{start(5), end(5), start(5)}, "after"},
		{"server error", []any{protocol.ErrorMsg{Type: protocol.TypeError, ProtocolVersion: protocol.Version, Code: protocol.ErrConsistency}}, protocol.ErrConsistency},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			v := newViewState()
			var err error
			for _, m := range tc.msgs {
				if err = v.apply(msg(t, m)); err != nil {
					break
				}
			}
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("err=%v want %q", err, tc.want)
			}
		})
	}
}

func TestViewState_RelayedCells(t *testing.T) {
	v := newViewState()
	load := protocol.ChunkLoadMsg{
		Type: protocol.TypeChunkLoad, ProtocolVersion: protocol.Version,
		ZoneID: "nether", Addressing: "VOLUMETRIC", Cell: [3]int{1, 2, 3},
		Encoding: encoding.Name, Data: encoding.EncodeCell([]uint16{1, 1, 2}),
	}
	steps := []any{
		protocol.TransactionStartMsg{Type: protocol.TypeTransactionStart, ProtocolVersion: protocol.Version, Seq: 1},
		protocol.ZoneOpenMsg{Type: protocol.TypeZoneOpen, ProtocolVersion: protocol.Version, ZoneID: "nether", Epoch: 7},
		protocol.NewRelay("nether", 7, msg(t, load), 1),
		protocol.TransactionEndMsg{Type: protocol.TypeTransactionEnd, ProtocolVersion: protocol.Version, Seq: 1},
	}
	for _, s := range steps {
		if err := v.apply(msg(t, s)); err != nil {
			t.Fatalf("apply: %v", err)
		}
	}
	if v.Cells("nether") != 1 || v.Relays != 1 {
		t.Fatalf("cells=%d relays=%d", v.Cells("nether"), v.Relays)
	}

	load.ZoneID = "the_end"
	if err := v.apply(msg(t, protocol.NewRelay("nether", 7, msg(t, load), 0))); err == nil {
		t.Fatalf("expected mismatched zone error")
	}

	if err := v.apply(msg(t, protocol.ZoneCloseMsg{Type: protocol.TypeZoneClose, ProtocolVersion: protocol.Version, ZoneID: "nether", Epoch: 7})); err != nil {
		t.Fatalf("close: %v", err)
	}
	if v.Cells("nether") != 0 {
		t.Fatalf("close should drop cells")
	}
}
