package region

import (
	"sort"

	"portalview.ai/internal/sim/model"
)

// WantedColumns returns the union of columns covered by sels, nearest first
// (manhattan distance to the closest selector center), capped at maxCells.
func WantedColumns(sels []Selector, maxCells int) []model.ColumnKey {
	if maxCells <= 0 {
		maxCells = 1024
	}
	type item struct {
		k    model.ColumnKey
		dist int
	}
	distByKey := map[model.ColumnKey]int{}
	for _, s := range sels {
		if s.EmptyFor(model.Columnar) {
			continue
		}
		r := s.Horizontal
		for dz := -r; dz <= r; dz++ {
			for dx := -r; dx <= r; dx++ {
				k := model.ColumnKey{X: s.Center.X + dx, Z: s.Center.Z + dz}
				d := model.AbsInt(dx) + model.AbsInt(dz)
				if prev, ok := distByKey[k]; !ok || d < prev {
					distByKey[k] = d
				}
			}
		}
	}
	items := make([]item, 0, len(distByKey))
	for k, d := range distByKey {
		items = append(items, item{k: k, dist: d})
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].dist != items[j].dist {
			return items[i].dist < items[j].dist
		}
		if items[i].k.X != items[j].k.X {
			return items[i].k.X < items[j].k.X
		}
		return items[i].k.Z < items[j].k.Z
	})
	if len(items) > maxCells {
		items = items[:maxCells]
	}
	out := make([]model.ColumnKey, 0, len(items))
	for _, it := range items {
		out = append(out, it.k)
	}
	return out
}

// WantedCubes is the volumetric counterpart of WantedColumns.
func WantedCubes(sels []Selector, maxCells int) []model.Vec3i {
	if maxCells <= 0 {
		maxCells = 1024
	}
	type item struct {
		k    model.Vec3i
		dist int
	}
	distByKey := map[model.Vec3i]int{}
	for _, s := range sels {
		if s.EmptyFor(model.Volumetric) {
			continue
		}
		h, v := s.Horizontal, s.Vertical
		for dy := -v; dy <= v; dy++ {
			for dz := -h; dz <= h; dz++ {
				for dx := -h; dx <= h; dx++ {
					k := s.Center.Add(model.Vec3i{X: dx, Y: dy, Z: dz})
					d := model.AbsInt(dx) + model.AbsInt(dy) + model.AbsInt(dz)
					if prev, ok := distByKey[k]; !ok || d < prev {
						distByKey[k] = d
					}
				}
			}
		}
	}
	items := make([]item, 0, len(distByKey))
	for k, d := range distByKey {
		items = append(items, item{k: k, dist: d})
	}
	sort.Slice(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if a.dist != b.dist {
			return a.dist < b.dist
		}
		if a.k.X != b.k.X {
			return a.k.X < b.k.X
		}
		if a.k.Y != b.k.Y {
			return a.k.Y < b.k.Y
		}
		return a.k.Z < b.k.Z
	})
	if len(items) > maxCells {
		items = items[:maxCells]
	}
	out := make([]model.Vec3i, 0, len(items))
	for _, it := range items {
		out = append(out, it.k)
	}
	return out
}
