package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"portalview.ai/internal/sim/multiworld"
	"portalview.ai/internal/sim/session"
)

func counterValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
		var sum float64
		for _, m := range mf.GetMetric() {
			sum += m.GetCounter().GetValue() + m.GetGauge().GetValue()
		}
		return sum
	}
	return 0
}

func TestRecorder_ObserveTick(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := New(reg)
	r.ObserveTick(session.TickStats{Session: "s1", Recomputed: true, Opens: 2, Relays: 5, Dropped: 1, Surrogates: 2, ActiveViews: 3, Duration: time.Millisecond})
	r.ObserveTick(session.TickStats{Session: "s1", Closes: 1, Surrogates: 1, ActiveViews: 1})

	checks := map[string]float64{
		"portalview_session_ticks_total":  2,
		"portalview_recomputes_total":     1,
		"portalview_zone_opens_total":     2,
		"portalview_zone_closes_total":    1,
		"portalview_relays_total":         5,
		"portalview_relays_dropped_total": 1,
		"portalview_session_surrogates":   1,
		"portalview_session_active_views": 1,
	}
	for name, want := range checks {
		if got := counterValue(t, reg, name); got != want {
			t.Fatalf("%s=%v want %v", name, got, want)
		}
	}
}

func TestRecorder_SessionEvents(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := New(reg)
	r.ObserveTick(session.TickStats{Session: "s1", Surrogates: 2})
	r.ObserveSession(multiworld.SessionEvent{Session: "s1", Kind: multiworld.EventJoin})
	r.ObserveSession(multiworld.SessionEvent{Session: "s1", Kind: multiworld.EventViolation})

	if got := counterValue(t, reg, "portalview_consistency_violations_total"); got != 1 {
		t.Fatalf("violations=%v", got)
	}
	if got := counterValue(t, reg, "portalview_session_events_total"); got != 2 {
		t.Fatalf("events=%v", got)
	}
	if got := counterValue(t, reg, "portalview_session_surrogates"); got != 0 {
		t.Fatalf("gauge for a dropped session should be removed, got %v", got)
	}
}

func TestHandler_ServesGauges(t *testing.T) {
	reg := prometheus.NewRegistry()
	New(reg)
	Gauges(reg, func() int { return 3 }, func() int64 { return 2 })
	ObserverGauges(reg, func() int { return 1 }, func() uint64 { return 5 })

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	for _, want := range []string{"portalview_sessions 3", "portalview_ws_connections 2", "portalview_observer_subscribers 1", "portalview_observer_dropped_total 5"} {
		if !strings.Contains(string(body), want) {
			t.Fatalf("metrics output missing %q:\n%s", want, body)
		}
	}
}
