package indexdb

import (
	"context"
	"path/filepath"
	"testing"

	"portalview.ai/internal/sim/multiworld"
	"portalview.ai/internal/sim/session"
)

func TestSQLiteIndex_QueueDropStats(t *testing.T) {
	s := &SQLiteIndex{ch: make(chan req, 1)}
	s.ch <- req{kind: reqTick}

	s.ObserveTick(session.TickStats{Session: "s1", Tick: 2, Opens: 1})
	s.ObserveTick(session.TickStats{Session: "s1", Tick: 3, Relays: 4})
	s.ObserveSession(multiworld.SessionEvent{Session: "s1", Kind: multiworld.EventJoin})

	st := s.Stats()
	if st.DropTickTotal != 1 {
		t.Fatalf("DropTickTotal=%d want=1", st.DropTickTotal)
	}
	if st.DropEventTotal != 1 {
		t.Fatalf("DropEventTotal=%d want=1", st.DropEventTotal)
	}
	if st.QueueDepth != 1 || st.QueueCapacity != 1 {
		t.Fatalf("queue stats mismatch: depth=%d cap=%d", st.QueueDepth, st.QueueCapacity)
	}
}

func TestSQLiteIndex_SessionLifecycle(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index", "portalview.sqlite")
	s, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	cfg, err := multiworld.Load("")
	if err != nil {
		t.Fatalf("default config: %v", err)
	}
	if err := s.UpsertConfig(cfg); err != nil {
		t.Fatalf("upsert config: %v", err)
	}

	s.ObserveSession(multiworld.SessionEvent{Session: "s1", Agent: "ada-1", Name: "Ada", Kind: multiworld.EventJoin, Zone: "overworld", Tick: 1})
	s.ObserveTick(session.TickStats{Session: "s1", Tick: 1, PrimaryZone: "overworld", Recomputed: true, Opens: 2, Views: 2, ActiveViews: 2})
	s.ObserveTick(session.TickStats{Session: "s1", Tick: 2, Relays: 3})
	s.ObserveSession(multiworld.SessionEvent{Session: "s1", Agent: "ada-1", Kind: multiworld.EventTransfer, Zone: "nether", Detail: "overworld", Tick: 5})
	s.ObserveSession(multiworld.SessionEvent{Session: "s1", Agent: "ada-1", Kind: multiworld.EventLeave, Zone: "nether", Detail: "disconnected", Tick: 9})
	s.ObserveSession(multiworld.SessionEvent{Session: "s2", Agent: "bob-1", Name: "Bob", Kind: multiworld.EventJoin, Zone: "overworld", Tick: 9})
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if st := s.Stats(); st.WriteErrTotal != 0 || st.DropTickTotal != 0 || st.DropEventTotal != 0 {
		t.Fatalf("stats=%+v", st)
	}

	s, err = OpenSQLite(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()
	ctx := context.Background()

	if v, err := s.Meta(ctx, "default_zone"); err != nil || v != "overworld" {
		t.Fatalf("default_zone=%q err=%v", v, err)
	}
	if v, err := s.Meta(ctx, "config_digest"); err != nil || len(v) != 64 {
		t.Fatalf("config_digest=%q err=%v", v, err)
	}
	if v, err := s.Meta(ctx, "missing"); err != nil || v != "" {
		t.Fatalf("missing=%q err=%v", v, err)
	}

	row, ok, err := s.Session(ctx, "s1")
	if err != nil || !ok {
		t.Fatalf("session s1 ok=%v err=%v", ok, err)
	}
	if row.Name != "Ada" || row.ZoneID != "nether" || row.Open || row.LeftTick != 9 || row.LeaveReason != "disconnected" {
		t.Fatalf("s1=%+v", row)
	}
	row, ok, err = s.Session(ctx, "s2")
	if err != nil || !ok || !row.Open || row.ZoneID != "overworld" {
		t.Fatalf("s2=%+v ok=%v err=%v", row, ok, err)
	}
	if _, ok, err := s.Session(ctx, "nope"); err != nil || ok {
		t.Fatalf("unknown session ok=%v err=%v", ok, err)
	}

	evs, err := s.SessionEvents(ctx, "s1", 0)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	kinds := []string{multiworld.EventJoin, multiworld.EventTransfer, multiworld.EventLeave}
	if len(evs) != len(kinds) {
		t.Fatalf("events=%+v", evs)
	}
	for i, k := range kinds {
		if evs[i].Kind != k {
			t.Fatalf("event[%d]=%q want %q", i, evs[i].Kind, k)
		}
	}
	if evs[0].Time.IsZero() {
		t.Fatalf("missing event time")
	}

	n, err := s.TickCount(ctx, "s1")
	if err != nil || n != 1 {
		t.Fatalf("ticks=%d err=%v want 1 (steady ticks are skipped)", n, err)
	}
}
