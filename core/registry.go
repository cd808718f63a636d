package core

import (
	"fmt"

	"pkt.systems/paneld/schema"
)

// ComponentSpec bounds the grid geometry of one component type.
type ComponentSpec struct {
	Type schema.ComponentTypeID
	MinW int
	MinH int
	MaxW int
	MaxH int
	// DefaultW/DefaultH are applied when a placement omits a size.
	DefaultW int
	DefaultH int
}

// Registry maps component types to their geometry constraints.
type Registry struct {
	specs map[schema.ComponentTypeID]ComponentSpec
}

// NewRegistry builds a registry from the given specs.
func NewRegistry(specs ...ComponentSpec) *Registry {
	r := &Registry{specs: make(map[schema.ComponentTypeID]ComponentSpec, len(specs))}
	for _, spec := range specs {
		r.specs[spec.Type] = spec
	}
	return r
}

// DefaultRegistry covers the built-in dashboard widget set.
func DefaultRegistry() *Registry {
	return NewRegistry(
		ComponentSpec{Type: "chart", MinW: 3, MinH: 2, MaxW: 12, MaxH: 8, DefaultW: 6, DefaultH: 4},
		ComponentSpec{Type: "positions-grid", MinW: 4, MinH: 3, MaxW: 12, MaxH: 10, DefaultW: 12, DefaultH: 6},
		ComponentSpec{Type: "watchlist", MinW: 2, MinH: 2, MaxW: 6, MaxH: 10, DefaultW: 3, DefaultH: 5},
		ComponentSpec{Type: "order-ticket", MinW: 2, MinH: 3, MaxW: 4, MaxH: 6, DefaultW: 3, DefaultH: 4},
		ComponentSpec{Type: "news-feed", MinW: 2, MinH: 2, MaxW: 8, MaxH: 10, DefaultW: 4, DefaultH: 5},
		ComponentSpec{Type: "market-depth", MinW: 2, MinH: 3, MaxW: 6, MaxH: 8, DefaultW: 3, DefaultH: 5},
		ComponentSpec{Type: "account-summary", MinW: 2, MinH: 1, MaxW: 6, MaxH: 4, DefaultW: 4, DefaultH: 2},
	)
}

// Spec returns the spec for a component type.
func (r *Registry) Spec(typ schema.ComponentTypeID) (ComponentSpec, bool) {
	spec, ok := r.specs[typ]
	return spec, ok
}

// Place validates and completes a position for the component type. A zero
// width or height takes the type default; out-of-bounds geometry is an error.
func (r *Registry) Place(typ schema.ComponentTypeID, pos schema.Position, columns int) (schema.Position, error) {
	spec, ok := r.specs[typ]
	if !ok {
		return schema.Position{}, fmt.Errorf("%w: unknown component type %q", schema.ErrInvalidRequest, typ)
	}
	if pos.W == 0 {
		pos.W = spec.DefaultW
	}
	if pos.H == 0 {
		pos.H = spec.DefaultH
	}
	if pos.X < 0 || pos.Y < 0 {
		return schema.Position{}, schema.ErrBadGeometry
	}
	if pos.W < spec.MinW || pos.H < spec.MinH {
		return schema.Position{}, schema.ErrBadGeometry
	}
	if (spec.MaxW > 0 && pos.W > spec.MaxW) || (spec.MaxH > 0 && pos.H > spec.MaxH) {
		return schema.Position{}, schema.ErrBadGeometry
	}
	if columns > 0 && pos.X+pos.W > columns {
		return schema.Position{}, schema.ErrBadGeometry
	}
	return pos, nil
}
