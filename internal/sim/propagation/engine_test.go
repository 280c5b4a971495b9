package propagation

import (
	"reflect"
	"testing"

	"portalview.ai/internal/sim/model"
	"portalview.ai/internal/sim/region"
	"portalview.ai/internal/sim/view"
)

func cellCenter(x, y, z int) model.Vec3 {
	return model.CellCenter(model.Vec3i{X: x, Y: y, Z: z})
}

func mustAdd(t *testing.T, r *view.Registry, s view.Spec) *view.View {
	t.Helper()
	v, err := r.Add(s)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	return v
}

func anchored(zone model.ZoneID, center model.Vec3, radius int, parent model.ZoneID, x, y, z, portal int) view.Spec {
	return view.Spec{
		Zone:           zone,
		Center:         center,
		Horizontal:     radius,
		Vertical:       radius,
		Anchor:         &view.Anchor{Zone: parent, Pos: model.Vec3i{X: x, Y: y, Z: z}},
		PortalDistance: portal,
	}
}

func columnar(model.ZoneID) model.Addressing { return model.Columnar }

func TestRecompute_BudgetScenario(t *testing.T) {
	r := view.NewRegistry()
	primary := view.Primary("A", cellCenter(0, 0, 0), 10, 10)
	b := mustAdd(t, r, anchored("B", cellCenter(0, 0, 0), 10, "A", 6, 0, 0, 1))
	c := mustAdd(t, r, anchored("C", cellCenter(0, 0, 0), 10, "B", 2, 0, 0, 0))
	d := mustAdd(t, r, anchored("D", cellCenter(0, 0, 0), 10, "B", 4, 0, 0, 0))

	res := Recompute(Input{Primary: primary, Views: r.All(), Addressing: columnar})

	if dist, ok := res.Distance(primary); !ok || dist != 0 {
		t.Fatalf("primary distance=%d ok=%v want 0/true", dist, ok)
	}
	if dist, ok := res.Distance(b); !ok || dist != 7 {
		t.Fatalf("B distance=%d ok=%v want 7", dist, ok)
	}
	if !res.Zone("B").Selectors.Equal(region.NewSet(region.Cuboid(model.Vec3i{}, 3, 3))) {
		t.Fatalf("B selectors=%v want radius 3", res.Zone("B").Selectors.Sorted())
	}
	if dist, ok := res.Distance(c); !ok || dist != 9 {
		t.Fatalf("C distance=%d ok=%v want 9", dist, ok)
	}
	if !res.Zone("C").Selectors.Equal(region.NewSet(region.Cuboid(model.Vec3i{}, 1, 1))) {
		t.Fatalf("C selectors=%v want radius 1", res.Zone("C").Selectors.Sorted())
	}
	if _, ok := res.Distance(d); ok {
		t.Fatalf("D anchor lies outside B's budgeted selector and must stay inactive")
	}
	if len(res.Zone("D").Active) != 0 || len(res.Zone("D").Selectors) != 0 {
		t.Fatalf("zone D should have an empty result")
	}
	if !res.Zone("A").Selectors.Equal(region.NewSet(region.Cuboid(model.Vec3i{}, 10, 10))) {
		t.Fatalf("primary selector should be unshrunk")
	}
}

func TestRecompute_ShorterParentWins(t *testing.T) {
	r := view.NewRegistry()
	primary := view.Primary("A", cellCenter(0, 0, 0), 10, 10)
	// near portal into B, but B1's center is far from E's anchor
	b1 := mustAdd(t, r, anchored("B", cellCenter(0, 0, 0), 10, "A", 1, 0, 0, 0))
	// farther portal into B, centered right next to E's anchor
	b2 := mustAdd(t, r, anchored("B", cellCenter(7, 0, 0), 10, "A", 3, 0, 0, 0))
	e := mustAdd(t, r, anchored("E", cellCenter(0, 0, 0), 10, "B", 8, 0, 0, 0))

	res := Recompute(Input{Primary: primary, Views: r.All(), Addressing: columnar})
	if d, _ := res.Distance(b1); d != 1 {
		t.Fatalf("B1 distance=%d want 1", d)
	}
	if d, _ := res.Distance(b2); d != 3 {
		t.Fatalf("B2 distance=%d want 3", d)
	}
	// via B1: 1+8=9, via B2: 3+1=4
	if d, ok := res.Distance(e); !ok || d != 4 {
		t.Fatalf("E distance=%d ok=%v want 4", d, ok)
	}
	want := region.NewSet(region.Cuboid(model.Vec3i{}, 6, 6))
	if !res.Zone("E").Selectors.Equal(want) {
		t.Fatalf("E selectors=%v want %v", res.Zone("E").Selectors.Sorted(), want.Sorted())
	}
}

func TestRecompute_FartherTwinDoesNotWiden(t *testing.T) {
	r := view.NewRegistry()
	primary := view.Primary("A", cellCenter(0, 0, 0), 10, 10)
	near := mustAdd(t, r, anchored("Z", cellCenter(0, 0, 0), 10, "A", 2, 0, 0, 0))
	far := mustAdd(t, r, anchored("Z", cellCenter(0, 0, 0), 10, "A", 0, 0, 6, 0))

	res := Recompute(Input{Primary: primary, Views: r.All(), Addressing: columnar})
	zr := res.Zone("Z")
	if zr.Active[near.ID] != 2 || zr.Active[far.ID] != 6 {
		t.Fatalf("active=%v", zr.Active)
	}
	wide := region.WantedColumns([]region.Selector{region.Cuboid(model.Vec3i{}, 8, 8)}, 10000)
	got := region.WantedColumns(zr.Selectors.Sorted(), 10000)
	if len(got) != len(wide) {
		t.Fatalf("farther view widened the zone: %d columns want %d", len(got), len(wide))
	}
}

func TestRecompute_OrphansAndMissingPrimary(t *testing.T) {
	r := view.NewRegistry()
	orphan := mustAdd(t, r, view.Spec{Zone: "O", Center: cellCenter(4, 0, 4), Horizontal: 2, Vertical: 2})
	child := mustAdd(t, r, anchored("P", cellCenter(0, 0, 0), 5, "O", 5, 0, 4, 2))

	res := Recompute(Input{Views: r.All(), Addressing: columnar})
	if d, ok := res.Distance(orphan); !ok || d != 0 {
		t.Fatalf("orphan distance=%d ok=%v want 0", d, ok)
	}
	if d, ok := res.Distance(child); !ok || d != 3 {
		t.Fatalf("child distance=%d ok=%v want 3", d, ok)
	}
	if _, ok := res["A"]; ok {
		t.Fatalf("no primary means no primary zone result")
	}
}

func TestRecompute_EmptyFootprintIsSettledButSilent(t *testing.T) {
	r := view.NewRegistry()
	primary := view.Primary("A", cellCenter(0, 0, 0), 10, 10)
	thin := mustAdd(t, r, anchored("T", cellCenter(0, 0, 0), 2, "A", 3, 0, 0, 0))
	deeper := mustAdd(t, r, anchored("U", cellCenter(0, 0, 0), 10, "T", 0, 0, 0, 0))

	res := Recompute(Input{Primary: primary, Views: r.All(), Addressing: columnar})
	if d, ok := res.Distance(thin); !ok || d != 3 {
		t.Fatalf("thin distance=%d ok=%v want 3", d, ok)
	}
	if n := len(res.Zone("T").Selectors); n != 0 {
		t.Fatalf("depleted view must not contribute a selector, got %d", n)
	}
	if _, ok := res.Distance(deeper); ok {
		t.Fatalf("an empty footprint contains no anchors")
	}
}

func TestRecompute_VolumetricContainment(t *testing.T) {
	r := view.NewRegistry()
	primary := view.Primary("A", cellCenter(0, 0, 0), 6, 2)
	high := mustAdd(t, r, anchored("H", cellCenter(0, 0, 0), 6, "A", 1, 5, 0, 0))

	res := Recompute(Input{Primary: primary, Views: r.All(), Addressing: columnar})
	if _, ok := res.Distance(high); !ok {
		t.Fatalf("columnar zones ignore anchor height")
	}
	vol := func(model.ZoneID) model.Addressing { return model.Volumetric }
	res = Recompute(Input{Primary: primary, Views: r.All(), Addressing: vol})
	if _, ok := res.Distance(high); ok {
		t.Fatalf("volumetric zones must reject anchors above the vertical radius")
	}
}

func TestRecompute_Idempotent(t *testing.T) {
	r := view.NewRegistry()
	primary := view.Primary("A", cellCenter(2, 1, -3), 12, 6)
	mustAdd(t, r, anchored("B", cellCenter(1, 0, 1), 9, "A", 4, 1, -1, 2))
	mustAdd(t, r, anchored("C", cellCenter(0, 0, 0), 9, "B", 2, 0, 3, 0))
	mustAdd(t, r, anchored("C", cellCenter(5, 0, 0), 4, "A", -3, 1, -3, 1))
	mustAdd(t, r, view.Spec{Zone: "D", Horizontal: 3, Vertical: 3})
	in := Input{Primary: primary, Views: r.All(), Addressing: columnar}

	first := Recompute(in)
	second := Recompute(in)
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("recompute is not idempotent:\n%v\n%v", first, second)
	}
}

func TestRecompute_SkipsInvalidViews(t *testing.T) {
	r := view.NewRegistry()
	primary := view.Primary("A", cellCenter(0, 0, 0), 10, 10)
	b := mustAdd(t, r, anchored("B", cellCenter(0, 0, 0), 10, "A", 1, 0, 0, 0))
	r.Invalidate(b.ID)
	res := Recompute(Input{Primary: primary, Views: r.All(), Addressing: columnar})
	if _, ok := res.Distance(b); ok {
		t.Fatalf("invalid view must not be activated")
	}
}

func TestRecompute_ColumnarViewKeepsFootprintPastVerticalRadius(t *testing.T) {
	r := view.NewRegistry()
	primary := view.Primary("A", cellCenter(0, 0, 0), 10, 10)
	b := mustAdd(t, r, view.Spec{
		Zone:       "B",
		Center:     cellCenter(0, 0, 0),
		Horizontal: 10,
		Vertical:   2,
		Anchor:     &view.Anchor{Zone: "A", Pos: model.Vec3i{X: 3}},
	})
	c := mustAdd(t, r, anchored("C", cellCenter(0, 0, 0), 10, "B", 2, 0, 0, 0))

	res := Recompute(Input{Primary: primary, Views: r.All(), Addressing: columnar})
	if dist, ok := res.Distance(b); !ok || dist != 3 {
		t.Fatalf("B distance=%d ok=%v want 3", dist, ok)
	}
	want := region.NewSet(region.Cuboid(model.Vec3i{}, 7, -1))
	if got := res.Zone("B").Selectors; !got.Equal(want) {
		t.Fatalf("B selectors=%v want %v", got.Sorted(), want.Sorted())
	}
	if dist, ok := res.Distance(c); !ok || dist != 5 {
		t.Fatalf("C distance=%d ok=%v want 5", dist, ok)
	}
}
