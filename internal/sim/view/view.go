// Package view keeps the per-session arena of observed regions.
package view

import (
	"fmt"
	"strings"

	"portalview.ai/internal/sim/model"
	"portalview.ai/internal/sim/region"
)

// ID identifies a view within one session. PrimaryID is reserved for the
// implicit view of the primary agent.
type ID uint32

const PrimaryID ID = 0

// Anchor is the portal entry, in the parent zone, through which a view is reached.
type Anchor struct {
	Zone model.ZoneID `json:"zone"`
	Pos  model.Vec3i  `json:"pos"`
}

// Spec describes a view to register.
type Spec struct {
	Label          string
	Zone           model.ZoneID
	Center         model.Vec3
	Horizontal     int
	Vertical       int
	Anchor         *Anchor
	PortalDistance int
}

func (s Spec) Validate() error {
	if strings.TrimSpace(string(s.Zone)) == "" {
		return fmt.Errorf("view zone must not be empty")
	}
	if s.Horizontal < 0 || s.Vertical < 0 {
		return fmt.Errorf("view radii must be >= 0 (h=%d v=%d)", s.Horizontal, s.Vertical)
	}
	if s.PortalDistance < 0 {
		return fmt.Errorf("portal_distance must be >= 0")
	}
	if s.Anchor != nil && strings.TrimSpace(string(s.Anchor.Zone)) == "" {
		return fmt.Errorf("anchor zone must not be empty")
	}
	return nil
}

type View struct {
	ID             ID
	Label          string
	Zone           model.ZoneID
	Center         model.Vec3
	Horizontal     int
	Vertical       int
	Anchor         *Anchor
	PortalDistance int

	valid bool
}

// Key is the identity of a view's observed footprint.
type Key struct {
	Zone     model.ZoneID
	Selector region.Selector
}

// Primary builds the implicit view of the primary agent.
func Primary(zone model.ZoneID, center model.Vec3, horizontal, vertical int) *View {
	return &View{
		ID:         PrimaryID,
		Label:      "primary",
		Zone:       zone,
		Center:     center,
		Horizontal: horizontal,
		Vertical:   vertical,
		valid:      true,
	}
}

func (v *View) Valid() bool { return v != nil && v.valid }

func (v *View) IsPrimary() bool { return v.ID == PrimaryID }

func (v *View) Cell() model.Vec3i { return model.CellOf(v.Center) }

// Selector is the base selector before any distance budget is applied.
func (v *View) Selector() region.Selector {
	return region.Cuboid(v.Cell(), v.Horizontal, v.Vertical)
}

func (v *View) Key() Key { return Key{Zone: v.Zone, Selector: v.Selector()} }

func (v *View) String() string {
	if v.Anchor == nil {
		return fmt.Sprintf("view#%d[%s %s]", v.ID, v.Zone, v.Cell())
	}
	return fmt.Sprintf("view#%d[%s %s <- %s%s]", v.ID, v.Zone, v.Cell(), v.Anchor.Zone, v.Anchor.Pos)
}
