// Package metrics exposes tick and session counters to Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"portalview.ai/internal/sim/multiworld"
	"portalview.ai/internal/sim/session"
)

// Recorder implements multiworld.Observer.
type Recorder struct {
	Ticks          prometheus.Counter
	Recomputes     prometheus.Counter
	TickDurationMs prometheus.Histogram
	ZoneOpens      prometheus.Counter
	ZoneCloses     prometheus.Counter
	Relays         prometheus.Counter
	DroppedRelays  prometheus.Counter
	ViewsPurged    prometheus.Counter
	Surrogates     *prometheus.GaugeVec
	ActiveViews    *prometheus.GaugeVec
	SessionEvents  *prometheus.CounterVec
	Violations     prometheus.Counter
}

func New(reg prometheus.Registerer) *Recorder {
	r := &Recorder{
		Ticks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "portalview_session_ticks_total",
			Help: "Total number of session ticks",
		}),
		Recomputes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "portalview_recomputes_total",
			Help: "Session ticks that recomputed view distances",
		}),
		TickDurationMs: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "portalview_session_tick_duration_ms",
			Help:    "Session tick duration in milliseconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 25, 50},
		}),
		ZoneOpens: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "portalview_zone_opens_total",
			Help: "ZONE_OPEN messages sent",
		}),
		ZoneCloses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "portalview_zone_closes_total",
			Help: "ZONE_CLOSE messages sent",
		}),
		Relays: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "portalview_relays_total",
			Help: "RELAY messages sent",
		}),
		DroppedRelays: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "portalview_relays_dropped_total",
			Help: "Relayed payloads dropped because their zone closed",
		}),
		ViewsPurged: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "portalview_views_purged_total",
			Help: "Disposed views removed from sessions",
		}),
		Surrogates: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "portalview_session_surrogates",
			Help: "Surrogate agents per session after its last tick",
		}, []string{"session"}),
		ActiveViews: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "portalview_session_active_views",
			Help: "Active views per session after its last tick",
		}, []string{"session"}),
		SessionEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "portalview_session_events_total",
			Help: "Session lifecycle events by kind",
		}, []string{"kind"}),
		Violations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "portalview_consistency_violations_total",
			Help: "Sessions dropped for a consistency violation",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			r.Ticks, r.Recomputes, r.TickDurationMs,
			r.ZoneOpens, r.ZoneCloses, r.Relays, r.DroppedRelays, r.ViewsPurged,
			r.Surrogates, r.ActiveViews, r.SessionEvents, r.Violations,
		)
	}
	return r
}

func (r *Recorder) ObserveTick(st session.TickStats) {
	r.Ticks.Inc()
	if st.Recomputed {
		r.Recomputes.Inc()
	}
	r.TickDurationMs.Observe(float64(st.Duration.Microseconds()) / 1000)
	r.ZoneOpens.Add(float64(st.Opens))
	r.ZoneCloses.Add(float64(st.Closes))
	r.Relays.Add(float64(st.Relays))
	r.DroppedRelays.Add(float64(st.Dropped))
	r.ViewsPurged.Add(float64(st.Purged))
	r.Surrogates.WithLabelValues(st.Session).Set(float64(st.Surrogates))
	r.ActiveViews.WithLabelValues(st.Session).Set(float64(st.ActiveViews))
}

func (r *Recorder) ObserveSession(ev multiworld.SessionEvent) {
	r.SessionEvents.WithLabelValues(ev.Kind).Inc()
	switch ev.Kind {
	case multiworld.EventViolation:
		r.Violations.Inc()
		fallthrough
	case multiworld.EventLeave:
		r.Surrogates.DeleteLabelValues(ev.Session)
		r.ActiveViews.DeleteLabelValues(ev.Session)
	}
}

// Gauges registers gauges read at scrape time.
func Gauges(reg prometheus.Registerer, sessions func() int, connections func() int64) {
	reg.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "portalview_sessions",
			Help: "Sessions currently hosted",
		}, func() float64 { return float64(sessions()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "portalview_ws_connections",
			Help: "WebSocket connections currently open",
		}, func() float64 { return float64(connections()) }),
	)
}

// ObserverGauges exposes the observer feed's subscriber count and drops.
func ObserverGauges(reg prometheus.Registerer, subscribers func() int, dropped func() uint64) {
	reg.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "portalview_observer_subscribers",
			Help: "Observer feed connections currently subscribed",
		}, func() float64 { return float64(subscribers()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "portalview_observer_dropped_total",
			Help: "Observer feed messages dropped because a subscriber fell behind",
		}, func() float64 { return float64(dropped()) }),
	)
}

// Handler serves everything registered in g on /metrics.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
