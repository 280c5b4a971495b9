package view

import (
	"testing"

	"portalview.ai/internal/sim/model"
)

func TestRegistry_AddAssignsStableIDs(t *testing.T) {
	r := NewRegistry()
	a, err := r.Add(Spec{Zone: "nether", Horizontal: 4, Vertical: 4, Anchor: &Anchor{Zone: "overworld", Pos: model.Vec3i{X: 2}}})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	b, err := r.Add(Spec{Zone: "end", Horizontal: 2, Vertical: 2})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if a.ID == PrimaryID || b.ID == PrimaryID {
		t.Fatalf("registered views must not use the primary id")
	}
	if a.ID == b.ID {
		t.Fatalf("ids must differ")
	}
	r.Remove(a.ID)
	c, _ := r.Add(Spec{Zone: "end"})
	if c.ID == a.ID {
		t.Fatalf("ids must not be reused")
	}
}

func TestRegistry_AddRejectsBadSpecs(t *testing.T) {
	r := NewRegistry()
	bad := []Spec{
		{},
		{Zone: "a", Horizontal: -1},
		{Zone: "a", PortalDistance: -2},
		{Zone: "a", Anchor: &Anchor{}},
	}
	for i, s := range bad {
		if _, err := r.Add(s); err == nil {
			t.Fatalf("case %d: expected error", i)
		}
	}
	if r.Len() != 0 {
		t.Fatalf("rejected specs must not be registered")
	}
}

func TestRegistry_PurgeInvalid(t *testing.T) {
	r := NewRegistry()
	a, _ := r.Add(Spec{Zone: "a"})
	b, _ := r.Add(Spec{Zone: "b"})
	c, _ := r.Add(Spec{Zone: "b"})
	if !r.Invalidate(a.ID) {
		t.Fatalf("Invalidate should find view")
	}
	if r.Invalidate(999) {
		t.Fatalf("Invalidate should report unknown ids")
	}
	if n := r.InvalidateZone("b"); n != 2 {
		t.Fatalf("InvalidateZone=%d want 2", n)
	}
	purged := r.PurgeInvalid()
	if len(purged) != 3 || purged[0].ID != a.ID || purged[1].ID != b.ID || purged[2].ID != c.ID {
		t.Fatalf("unexpected purge result: %v", purged)
	}
	if r.Len() != 0 {
		t.Fatalf("registry should be empty, len=%d", r.Len())
	}
}

func TestView_KeyTracksCell(t *testing.T) {
	a := Primary("overworld", model.Vec3{X: 1, Y: 64, Z: 1}, 8, 8)
	b := Primary("overworld", model.Vec3{X: 15, Y: 70, Z: 2}, 8, 8)
	if a.Key() != b.Key() {
		t.Fatalf("moving within a cell should keep the key")
	}
	c := Primary("overworld", model.Vec3{X: 17, Y: 70, Z: 2}, 8, 8)
	if a.Key() == c.Key() {
		t.Fatalf("crossing a cell boundary should change the key")
	}
	d := Primary("nether", model.Vec3{X: 1, Y: 64, Z: 1}, 8, 8)
	if a.Key() == d.Key() {
		t.Fatalf("zone is part of the key")
	}
}
