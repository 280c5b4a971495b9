package log

import (
	"path/filepath"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"portalview.ai/internal/logging"
	"portalview.ai/internal/sim/multiworld"
	"portalview.ai/internal/sim/session"
)

// Record is one line of the session trace.
type Record struct {
	Type  string                   `json:"type"`
	Tick  *session.TickStats       `json:"tick,omitempty"`
	Event *multiworld.SessionEvent `json:"event,omitempty"`
}

const (
	RecordTick  = "tick"
	RecordEvent = "event"
)

// TraceLogger writes session lifecycle events and every tick that changed
// view state to <dataDir>/trace/trace-*.jsonl.zst.
type TraceLogger struct {
	w   *JSONLZstdWriter
	log logrus.FieldLogger

	failed atomic.Uint64
}

func NewTraceLogger(dataDir string, log logrus.FieldLogger) *TraceLogger {
	return &TraceLogger{
		w:   NewJSONLZstdWriter(filepath.Join(dataDir, "trace"), "trace"),
		log: logging.OrDiscard(log),
	}
}

// OnSegmentClosed forwards finished segment paths, e.g. to a mirror queue.
func (l *TraceLogger) OnSegmentClosed(fn func(path string)) { l.w.OnSegmentClosed(fn) }

func (l *TraceLogger) ObserveTick(st session.TickStats) {
	if !interesting(st) {
		return
	}
	l.write(Record{Type: RecordTick, Tick: &st})
}

func (l *TraceLogger) ObserveSession(ev multiworld.SessionEvent) {
	l.write(Record{Type: RecordEvent, Event: &ev})
}

// Failed counts records that could not be written.
func (l *TraceLogger) Failed() uint64 { return l.failed.Load() }

func (l *TraceLogger) Close() error { return l.w.Close() }

func (l *TraceLogger) write(r Record) {
	if err := l.w.Write(r); err != nil {
		// Only the first failure is logged; the count keeps growing.
		if l.failed.Add(1) == 1 {
			l.log.WithError(err).Warn("trace write failed")
		}
	}
}

// interesting drops steady-state ticks that only relayed tracking traffic.
func interesting(st session.TickStats) bool {
	return st.Recomputed || st.Opens > 0 || st.Closes > 0 || st.Purged > 0 || st.TornDown > 0 || st.Dropped > 0
}
