package propagation

import "portalview.ai/internal/sim/view"

// entry is a tentative distance. Entries whose gen no longer matches the
// view's current generation were superseded by a shorter path and are skipped.
type entry struct {
	v    *view.View
	dist int
	gen  uint32
}

type queue []entry

func (q queue) Len() int { return len(q) }

func (q queue) Less(i, j int) bool {
	if q[i].dist != q[j].dist {
		return q[i].dist < q[j].dist
	}
	return q[i].v.ID < q[j].v.ID
}

func (q queue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *queue) Push(x any) { *q = append(*q, x.(entry)) }

func (q *queue) Pop() any {
	old := *q
	n := len(old)
	e := old[n-1]
	old[n-1] = entry{}
	*q = old[:n-1]
	return e
}
