// Package region implements the cuboid region selector used to decide which cells a view covers.
package region

import (
	"fmt"
	"sort"

	"portalview.ai/internal/sim/model"
)

// Selector is a cuboid of cells around Center. A cell is included when
// |dx|,|dz| <= Horizontal and |dy| <= Vertical. Negative radii select nothing.
type Selector struct {
	Center     model.Vec3i `json:"center"`
	Horizontal int         `json:"horizontal"`
	Vertical   int         `json:"vertical"`
}

func Cuboid(center model.Vec3i, horizontal, vertical int) Selector {
	return Selector{Center: center, Horizontal: horizontal, Vertical: vertical}
}

// WithAnchorDistance shrinks both radii by the distance already spent reaching the view.
func (s Selector) WithAnchorDistance(d int) Selector {
	return Selector{Center: s.Center, Horizontal: s.Horizontal - d, Vertical: s.Vertical - d}
}

func (s Selector) Empty() bool {
	return s.Horizontal < 0 || s.Vertical < 0
}

// EmptyFor reports whether the selector covers nothing in a zone with the
// given addressing. Columnar zones ignore the vertical radius.
func (s Selector) EmptyFor(addr model.Addressing) bool {
	if addr == model.Volumetric {
		return s.Empty()
	}
	return s.Horizontal < 0
}

func (s Selector) ColumnIncluded(x, z int) bool {
	return model.AbsInt(x-s.Center.X) <= s.Horizontal && model.AbsInt(z-s.Center.Z) <= s.Horizontal
}

func (s Selector) CubeIncluded(c model.Vec3i) bool {
	return s.ColumnIncluded(c.X, c.Z) && model.AbsInt(c.Y-s.Center.Y) <= s.Vertical
}

// Includes applies the containment test matching the zone's addressing.
func (s Selector) Includes(addr model.Addressing, c model.Vec3i) bool {
	if addr == model.Volumetric {
		return s.CubeIncluded(c)
	}
	return s.ColumnIncluded(c.X, c.Z)
}

func (s Selector) String() string {
	return fmt.Sprintf("cuboid%s h=%d v=%d", s.Center, s.Horizontal, s.Vertical)
}

// Set is a deduplicated collection of selectors.
type Set map[Selector]struct{}

func NewSet(sels ...Selector) Set {
	s := make(Set, len(sels))
	for _, sel := range sels {
		s.Add(sel)
	}
	return s
}

func (s Set) Add(sel Selector) { s[sel] = struct{}{} }

func (s Set) Has(sel Selector) bool {
	_, ok := s[sel]
	return ok
}

func (s Set) Equal(o Set) bool {
	if len(s) != len(o) {
		return false
	}
	for sel := range s {
		if !o.Has(sel) {
			return false
		}
	}
	return true
}

func (s Set) Clone() Set {
	out := make(Set, len(s))
	for sel := range s {
		out[sel] = struct{}{}
	}
	return out
}

// Sorted returns the selectors in a stable order.
func (s Set) Sorted() []Selector {
	out := make([]Selector, 0, len(s))
	for sel := range s {
		out = append(out, sel)
	}
	sort.Slice(out, func(i, j int) bool { return less(out[i], out[j]) })
	return out
}

func less(a, b Selector) bool {
	if a.Center.X != b.Center.X {
		return a.Center.X < b.Center.X
	}
	if a.Center.Y != b.Center.Y {
		return a.Center.Y < b.Center.Y
	}
	if a.Center.Z != b.Center.Z {
		return a.Center.Z < b.Center.Z
	}
	if a.Horizontal != b.Horizontal {
		return a.Horizontal < b.Horizontal
	}
	return a.Vertical < b.Vertical
}
