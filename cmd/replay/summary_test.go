package main

import (
	"path/filepath"
	"testing"

	persistlog "portalview.ai/internal/persistence/log"
	"portalview.ai/internal/sim/multiworld"
	"portalview.ai/internal/sim/session"
)

func writeTrace(t *testing.T, dir string) []string {
	t.Helper()
	l := persistlog.NewTraceLogger(dir, nil)
	l.ObserveSession(multiworld.SessionEvent{Session: "s1", Agent: "ada-1", Name: "Ada", Kind: multiworld.EventJoin, Zone: "overworld", Tick: 1})
	l.ObserveTick(session.TickStats{Session: "s1", Tick: 1, PrimaryZone: "overworld", Recomputed: true, Opens: 2})
	l.ObserveSession(multiworld.SessionEvent{Session: "s2", Agent: "bob-1", Name: "Bob", Kind: multiworld.EventJoin, Zone: "nether", Tick: 2})
	l.ObserveSession(multiworld.SessionEvent{Session: "s1", Agent: "ada-1", Kind: multiworld.EventTransfer, Zone: "nether", Detail: "overworld", Tick: 4})
	l.ObserveTick(session.TickStats{Session: "s1", Tick: 4, PrimaryZone: "nether", Recomputed: true, Opens: 1, Closes: 2})
	l.ObserveSession(multiworld.SessionEvent{Kind: multiworld.EventUnload, Zone: "the_end", Tick: 5})
	l.ObserveTick(session.TickStats{Session: "s1", Tick: 5, PrimaryZone: "nether", Purged: 1, TornDown: 1, Closes: 1, Dropped: 3})
	l.ObserveSession(multiworld.SessionEvent{Session: "s1", Agent: "ada-1", Kind: multiworld.EventLeave, Zone: "nether", Detail: "disconnected", Tick: 8})
	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	files, err := persistlog.ListSegments(filepath.Join(dir, "trace"))
	if err != nil || len(files) == 0 {
		t.Fatalf("segments=%v err=%v", files, err)
	}
	return files
}

func TestSummarize_All(t *testing.T) {
	files := writeTrace(t, t.TempDir())
	s, err := summarize(files, filter{})
	if err != nil {
		t.Fatalf("summarize: %v", err)
	}
	if s.Records != 8 || len(s.Sessions) != 2 {
		t.Fatalf("records=%d sessions=%d", s.Records, len(s.Sessions))
	}
	if len(s.Unloads) != 1 || s.Unloads[0] != "the_end" {
		t.Fatalf("unloads=%v", s.Unloads)
	}

	all := s.sorted()
	ada := all[0]
	if ada.Session != "s1" || ada.Name != "Ada" || ada.Open || ada.LeaveReason != "disconnected" {
		t.Fatalf("ada=%+v", ada)
	}
	if len(ada.Zones) != 2 || ada.Zones[0] != "overworld" || ada.Zones[1] != "nether" {
		t.Fatalf("zones=%v", ada.Zones)
	}
	if ada.Transfers != 1 || ada.Recomputes != 2 || ada.Opens != 3 || ada.Closes != 3 {
		t.Fatalf("ada counts=%+v", ada)
	}
	if ada.Purged != 1 || ada.TornDown != 1 || ada.Dropped != 3 || ada.FirstTick != 1 || ada.LastTick != 8 {
		t.Fatalf("ada teardown=%+v", ada)
	}
	if bob := all[1]; !bob.Open || bob.Zones[0] != "nether" {
		t.Fatalf("bob=%+v", bob)
	}
}

func TestSummarize_Filters(t *testing.T) {
	files := writeTrace(t, t.TempDir())

	s, err := summarize(files, filter{Session: "s2"})
	if err != nil {
		t.Fatalf("summarize: %v", err)
	}
	if len(s.Sessions) != 1 || s.Sessions["s2"] == nil || len(s.Unloads) != 1 {
		t.Fatalf("session filter: sessions=%v unloads=%v", s.Sessions, s.Unloads)
	}

	s, err = summarize(files, filter{FromTick: 4, ToTick: 5})
	if err != nil {
		t.Fatalf("summarize: %v", err)
	}
	ada := s.Sessions["s1"]
	if ada == nil || ada.Transfers != 1 || ada.Opens != 1 || ada.Closes != 3 || !ada.Open {
		t.Fatalf("tick filter ada=%+v", ada)
	}
	if s.Sessions["s2"] != nil {
		t.Fatalf("s2 joined outside the range")
	}
}
