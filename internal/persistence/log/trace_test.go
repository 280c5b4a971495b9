package log

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"portalview.ai/internal/sim/multiworld"
	"portalview.ai/internal/sim/session"
)

func readRecords(t *testing.T, path string) []Record {
	t.Helper()
	var out []Record
	if err := ReadSegment(path, func(r Record) error {
		out = append(out, r)
		return nil
	}); err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return out
}

func TestJSONLZstdWriter_RotatesHourly(t *testing.T) {
	dir := t.TempDir()
	w := NewJSONLZstdWriter(dir, "seg")
	clock := time.Date(2026, 3, 1, 10, 59, 0, 0, time.UTC)
	w.now = func() time.Time { return clock }

	var closed []string
	w.OnSegmentClosed(func(p string) { closed = append(closed, p) })

	if err := w.Write(Record{Type: "a"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	clock = clock.Add(2 * time.Minute)
	if err := w.Write(Record{Type: "b"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	first := filepath.Join(dir, "seg-2026-03-01-10.jsonl.zst")
	second := filepath.Join(dir, "seg-2026-03-01-11.jsonl.zst")
	if len(closed) != 1 || closed[0] != first {
		t.Fatalf("closed=%v want [%s]", closed, first)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if len(closed) != 2 || closed[1] != second {
		t.Fatalf("closed=%v", closed)
	}
	if err := w.Close(); err != nil || len(closed) != 2 {
		t.Fatalf("second close should be a no-op: err=%v closed=%v", err, closed)
	}

	if got := readRecords(t, first); len(got) != 1 || got[0].Type != "a" {
		t.Fatalf("first segment=%+v", got)
	}
	if got := readRecords(t, second); len(got) != 1 || got[0].Type != "b" {
		t.Fatalf("second segment=%+v", got)
	}
}

func TestJSONLZstdWriter_ReopenAppends(t *testing.T) {
	dir := t.TempDir()
	clock := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	for _, typ := range []string{"x", "y"} {
		w := NewJSONLZstdWriter(dir, "seg")
		w.now = func() time.Time { return clock }
		if err := w.Write(Record{Type: typ}); err != nil {
			t.Fatalf("write: %v", err)
		}
		if err := w.Close(); err != nil {
			t.Fatalf("close: %v", err)
		}
	}
	got := readRecords(t, filepath.Join(dir, "seg-2026-03-01-10.jsonl.zst"))
	if len(got) != 2 || got[0].Type != "x" || got[1].Type != "y" {
		t.Fatalf("records=%+v", got)
	}
}

func TestJSONLZstdWriter_HookRunsOutsideLock(t *testing.T) {
	dir := t.TempDir()
	w := NewJSONLZstdWriter(dir, "seg")
	clock := time.Date(2026, 3, 1, 10, 30, 0, 0, time.UTC)
	w.now = func() time.Time { return clock }

	var seen []string
	w.OnSegmentClosed(func(p string) {
		// re-entering the writer from the hook must not deadlock
		seen = append(seen, filepath.Base(p)+" -> "+filepath.Base(w.Path()))
	})
	if err := w.Close(); err != nil || len(seen) != 0 {
		t.Fatalf("closing an idle writer: err=%v hook calls=%v", err, seen)
	}
	_ = w.Write(Record{Type: "a"})
	clock = clock.Add(time.Hour)
	_ = w.Write(Record{Type: "b"})
	_ = w.Close()

	want := []string{
		"seg-2026-03-01-10.jsonl.zst -> seg-2026-03-01-11.jsonl.zst",
		"seg-2026-03-01-11.jsonl.zst -> .",
	}
	if len(seen) != len(want) || seen[0] != want[0] || seen[1] != want[1] {
		t.Fatalf("hook calls=%q want %q", seen, want)
	}
}

func TestTraceLogger_FiltersSteadyTicks(t *testing.T) {
	dir := t.TempDir()
	l := NewTraceLogger(dir, nil)
	l.w.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	var segments []string
	l.OnSegmentClosed(func(p string) { segments = append(segments, p) })

	l.ObserveSession(multiworld.SessionEvent{Session: "s1", Agent: "a-1", Kind: multiworld.EventJoin, Zone: "overworld"})
	l.ObserveTick(session.TickStats{Session: "s1", Tick: 1, Recomputed: true, Opens: 2})
	l.ObserveTick(session.TickStats{Session: "s1", Tick: 2, Relays: 9})
	l.ObserveTick(session.TickStats{Session: "s1", Tick: 3, Closes: 1})
	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if l.Failed() != 0 {
		t.Fatalf("failed=%d", l.Failed())
	}
	if len(segments) != 1 {
		t.Fatalf("segments=%v", segments)
	}

	got := readRecords(t, segments[0])
	if len(got) != 3 {
		t.Fatalf("records=%d want 3: %+v", len(got), got)
	}
	if got[0].Type != RecordEvent || got[0].Event == nil || got[0].Event.Kind != multiworld.EventJoin {
		t.Fatalf("first record=%+v", got[0])
	}
	if got[1].Tick == nil || got[1].Tick.Tick != 1 || got[1].Tick.Opens != 2 {
		t.Fatalf("second record=%+v", got[1])
	}
	if got[2].Tick == nil || got[2].Tick.Tick != 3 {
		t.Fatalf("third record=%+v", got[2])
	}
}

func TestListSegmentsAndStop(t *testing.T) {
	dir := t.TempDir()
	w := NewJSONLZstdWriter(dir, "trace")
	clock := time.Date(2026, 3, 1, 23, 0, 0, 0, time.UTC)
	w.now = func() time.Time { return clock }
	for i := 0; i < 3; i++ {
		if err := w.Write(Record{Type: RecordEvent}); err != nil {
			t.Fatalf("write: %v", err)
		}
		clock = clock.Add(time.Hour)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	segs, err := ListSegments(dir)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	want := []string{"trace-2026-03-01-23.jsonl.zst", "trace-2026-03-02-00.jsonl.zst", "trace-2026-03-02-01.jsonl.zst"}
	if len(segs) != len(want) {
		t.Fatalf("segments=%v", segs)
	}
	for i, name := range want {
		if filepath.Base(segs[i]) != name {
			t.Fatalf("segment[%d]=%s want %s", i, segs[i], name)
		}
	}

	stop := errors.New("stop")
	if err := ReadSegment(segs[0], func(Record) error { return stop }); !errors.Is(err, stop) {
		t.Fatalf("err=%v want stop", err)
	}
}
