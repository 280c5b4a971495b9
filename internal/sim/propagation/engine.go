// Package propagation computes, every tick, which views are reachable from the
// primary view through portal anchors and how much of each is still in budget.
package propagation

import (
	"container/heap"

	"portalview.ai/internal/sim/model"
	"portalview.ai/internal/sim/region"
	"portalview.ai/internal/sim/view"
)

type Input struct {
	// Primary is nil while the primary agent is not present in any zone.
	Primary *view.View
	Views   []*view.View
	// Addressing reports the containment granularity of a zone.
	Addressing func(model.ZoneID) model.Addressing
}

type ZoneResult struct {
	Active    map[view.ID]int
	Selectors region.Set
}

func newZoneResult() *ZoneResult {
	return &ZoneResult{Active: map[view.ID]int{}, Selectors: region.NewSet()}
}

type Result map[model.ZoneID]*ZoneResult

// Zone returns the result for id, or an empty result if nothing there was reached.
func (r Result) Zone(id model.ZoneID) *ZoneResult {
	if zr, ok := r[id]; ok {
		return zr
	}
	return newZoneResult()
}

// Distance returns the settled distance of a view.
func (r Result) Distance(v *view.View) (int, bool) {
	zr, ok := r[v.Zone]
	if !ok {
		return 0, false
	}
	d, ok := zr.Active[v.ID]
	return d, ok
}

// Recompute runs a shortest-path search from the primary view (and every
// unanchored view) over portal anchors. An edge A->B exists when B is anchored
// in A's zone and the anchor lies inside A's budgeted selector; its weight is
// the rounded-up travel cost plus B's portal distance.
func Recompute(in Input) Result {
	addressing := in.Addressing
	if addressing == nil {
		addressing = func(model.ZoneID) model.Addressing { return model.Columnar }
	}

	out := Result{}
	anchoredIn := map[model.ZoneID][]*view.View{}
	for _, v := range in.Views {
		if !v.Valid() || v.IsPrimary() || v.Anchor == nil {
			continue
		}
		anchoredIn[v.Anchor.Zone] = append(anchoredIn[v.Anchor.Zone], v)
	}

	var (
		q       queue
		best    = map[view.ID]int{}
		gen     = map[view.ID]uint32{}
		settled = map[view.ID]bool{}
	)
	push := func(v *view.View, d int) {
		gen[v.ID]++
		best[v.ID] = d
		heap.Push(&q, entry{v: v, dist: d, gen: gen[v.ID]})
	}

	if in.Primary != nil {
		push(in.Primary, 0)
	}
	for _, v := range in.Views {
		if !v.Valid() || v.IsPrimary() || v.Anchor != nil {
			continue
		}
		push(v, 0)
	}

	for q.Len() > 0 {
		e := heap.Pop(&q).(entry)
		if settled[e.v.ID] || e.gen != gen[e.v.ID] {
			continue
		}
		settled[e.v.ID] = true

		sel := e.v.Selector().WithAnchorDistance(e.dist)
		zr, ok := out[e.v.Zone]
		if !ok {
			zr = newZoneResult()
			out[e.v.Zone] = zr
		}
		zr.Active[e.v.ID] = e.dist
		addr := addressing(e.v.Zone)
		if !sel.EmptyFor(addr) {
			zr.Selectors.Add(sel)
		}

		from := e.v.Cell()
		for _, next := range anchoredIn[e.v.Zone] {
			if settled[next.ID] {
				continue
			}
			if !sel.Includes(addr, next.Anchor.Pos) {
				continue
			}
			cand := e.dist + model.TravelCost(from, next.Anchor.Pos) + next.PortalDistance
			if d, ok := best[next.ID]; ok && d <= cand {
				continue
			}
			push(next, cand)
		}
	}
	return out
}
