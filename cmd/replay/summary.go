package main

import (
	"sort"

	persistlog "portalview.ai/internal/persistence/log"
	"portalview.ai/internal/sim/multiworld"
)

type filter struct {
	Session  string
	FromTick uint64
	ToTick   uint64
}

func (f filter) inRange(tick uint64) bool {
	return tick >= f.FromTick && (f.ToTick == 0 || tick <= f.ToTick)
}

func (f filter) keep(session string, tick uint64) bool {
	if f.Session != "" && session != f.Session {
		return false
	}
	return f.inRange(tick)
}

type sessionSummary struct {
	Session     string   `json:"session"`
	Agent       string   `json:"agent"`
	Name        string   `json:"name,omitempty"`
	Zones       []string `json:"zones"`
	FirstTick   uint64   `json:"first_tick"`
	LastTick    uint64   `json:"last_tick"`
	Transfers   int      `json:"transfers"`
	Respawns    int      `json:"respawns"`
	Recomputes  int      `json:"recomputes"`
	Opens       uint64   `json:"opens"`
	Closes      uint64   `json:"closes"`
	Purged      int      `json:"purged"`
	TornDown    int      `json:"torn_down"`
	Dropped     uint64   `json:"dropped_relays"`
	Violation   string   `json:"violation,omitempty"`
	LeaveReason string   `json:"leave_reason,omitempty"`
	Open        bool     `json:"open"`
}

type summary struct {
	Records  int                        `json:"records"`
	Unloads  []string                   `json:"zone_unloads,omitempty"`
	Sessions map[string]*sessionSummary `json:"-"`
}

func newSummary() *summary {
	return &summary{Sessions: map[string]*sessionSummary{}}
}

func (s *summary) session(id, agent string, tick uint64) *sessionSummary {
	ss := s.Sessions[id]
	if ss == nil {
		ss = &sessionSummary{Session: id, Agent: agent, FirstTick: tick, Open: true}
		s.Sessions[id] = ss
	}
	if tick > ss.LastTick {
		ss.LastTick = tick
	}
	return ss
}

func (ss *sessionSummary) visit(zone string) {
	if zone == "" {
		return
	}
	if n := len(ss.Zones); n > 0 && ss.Zones[n-1] == zone {
		return
	}
	ss.Zones = append(ss.Zones, zone)
}

func (s *summary) add(r persistlog.Record, f filter) {
	switch {
	case r.Event != nil:
		ev := r.Event
		if ev.Kind == multiworld.EventUnload {
			// Unloads belong to no session and only honor the tick range.
			if f.inRange(ev.Tick) {
				s.Records++
				s.Unloads = append(s.Unloads, ev.Zone)
			}
			return
		}
		if !f.keep(ev.Session, ev.Tick) {
			return
		}
		s.Records++
		ss := s.session(ev.Session, ev.Agent, ev.Tick)
		switch ev.Kind {
		case multiworld.EventJoin:
			ss.Name = ev.Name
			ss.visit(ev.Zone)
		case multiworld.EventTransfer:
			ss.Transfers++
			ss.visit(ev.Zone)
		case multiworld.EventRespawn:
			ss.Respawns++
			ss.visit(ev.Zone)
		case multiworld.EventViolation:
			ss.Violation = ev.Detail
			ss.Open = false
		case multiworld.EventLeave:
			ss.LeaveReason = ev.Detail
			ss.Open = false
		}

	case r.Tick != nil:
		st := r.Tick
		if !f.keep(st.Session, st.Tick) {
			return
		}
		s.Records++
		ss := s.session(st.Session, "", st.Tick)
		ss.visit(string(st.PrimaryZone))
		if st.Recomputed {
			ss.Recomputes++
		}
		ss.Opens += st.Opens
		ss.Closes += st.Closes
		ss.Purged += st.Purged
		ss.TornDown += st.TornDown
		ss.Dropped += st.Dropped
	}
}

func (s *summary) sorted() []*sessionSummary {
	out := make([]*sessionSummary, 0, len(s.Sessions))
	for _, ss := range s.Sessions {
		out = append(out, ss)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Session < out[j].Session })
	return out
}

func summarize(files []string, f filter) (*summary, error) {
	s := newSummary()
	for _, path := range files {
		if err := persistlog.ReadSegment(path, func(r persistlog.Record) error {
			s.add(r, f)
			return nil
		}); err != nil {
			return nil, err
		}
	}
	return s, nil
}
