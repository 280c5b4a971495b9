package main

import (
	"database/sql"
	"path/filepath"
	"testing"

	"portalview.ai/internal/persistence/indexdb"
	"portalview.ai/internal/sim/multiworld"
	"portalview.ai/internal/sim/session"
)

func seedIndex(t *testing.T) *sql.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "index", "portalview.sqlite")
	idx, err := indexdb.OpenSQLite(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	cfg, err := multiworld.Load("")
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	if err := idx.UpsertConfig(cfg); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	idx.ObserveSession(multiworld.SessionEvent{Session: "s1", Agent: "ada-1", Name: "Ada", Kind: multiworld.EventJoin, Zone: "overworld", Tick: 1})
	idx.ObserveTick(session.TickStats{Session: "s1", Tick: 1, PrimaryZone: "overworld", Recomputed: true, Opens: 2})
	idx.ObserveSession(multiworld.SessionEvent{Session: "s2", Agent: "bob-1", Name: "Bob", Kind: multiworld.EventJoin, Zone: "nether", Tick: 2})
	idx.ObserveSession(multiworld.SessionEvent{Session: "s1", Agent: "ada-1", Kind: multiworld.EventLeave, Zone: "overworld", Detail: "disconnected", Tick: 3})
	if err := idx.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("sql open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestRunQuery(t *testing.T) {
	db := seedIndex(t)
	counts := map[string]int{}
	for _, q := range []string{"sessions", "events", "ticks", "zones", "meta"} {
		n := 0
		if err := runQuery(db, q, "", 20, func(any) { n++ }); err != nil {
			t.Fatalf("%s: %v", q, err)
		}
		counts[q] = n
	}
	want := map[string]int{"sessions": 2, "events": 3, "ticks": 1, "zones": 3, "meta": 3}
	for q, n := range want {
		if counts[q] != n {
			t.Fatalf("%s rows=%d want %d (all=%v)", q, counts[q], n, counts)
		}
	}

	n := 0
	if err := runQuery(db, "events", "s1", 20, func(any) { n++ }); err != nil || n != 2 {
		t.Fatalf("filtered events=%d err=%v", n, err)
	}
	if err := runQuery(db, "bogus", "", 20, func(any) {}); err == nil {
		t.Fatalf("expected unknown query error")
	}
}
