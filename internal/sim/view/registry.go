package view

import (
	"sort"

	"portalview.ai/internal/sim/model"
)

// Registry owns every registered (non-primary) view of a session.
type Registry struct {
	next  ID
	views map[ID]*View
}

func NewRegistry() *Registry {
	return &Registry{next: PrimaryID + 1, views: map[ID]*View{}}
}

func (r *Registry) Add(spec Spec) (*View, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	v := &View{
		ID:             r.next,
		Label:          spec.Label,
		Zone:           spec.Zone,
		Center:         spec.Center,
		Horizontal:     spec.Horizontal,
		Vertical:       spec.Vertical,
		PortalDistance: spec.PortalDistance,
		valid:          true,
	}
	if spec.Anchor != nil {
		a := *spec.Anchor
		v.Anchor = &a
	}
	r.next++
	r.views[v.ID] = v
	return v, nil
}

func (r *Registry) Get(id ID) (*View, bool) {
	v, ok := r.views[id]
	return v, ok
}

// Invalidate marks a view for removal on the next purge.
func (r *Registry) Invalidate(id ID) bool {
	v, ok := r.views[id]
	if !ok {
		return false
	}
	v.valid = false
	return true
}

// InvalidateZone marks every view observing zone as invalid.
func (r *Registry) InvalidateZone(zone model.ZoneID) int {
	n := 0
	for _, v := range r.views {
		if v.Zone == zone && v.valid {
			v.valid = false
			n++
		}
	}
	return n
}

// PurgeInvalid removes and returns invalid views in id order.
func (r *Registry) PurgeInvalid() []*View {
	var out []*View
	for id, v := range r.views {
		if !v.valid {
			out = append(out, v)
			delete(r.views, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *Registry) Remove(id ID) {
	delete(r.views, id)
}

// Clear drops every view. Ids are not reused.
func (r *Registry) Clear() {
	r.views = map[ID]*View{}
}

func (r *Registry) Len() int { return len(r.views) }

// All returns the views in id order.
func (r *Registry) All() []*View {
	out := make([]*View, 0, len(r.views))
	for _, v := range r.views {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *Registry) InZone(zone model.ZoneID) []*View {
	var out []*View
	for _, v := range r.All() {
		if v.Zone == zone {
			out = append(out, v)
		}
	}
	return out
}
