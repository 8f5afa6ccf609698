package gateway

import (
	"sort"
)

// Registry resolves gateways by name.
type Registry struct {
	gateways map[Name]Gateway
	fallback Name
}

// NewRegistry registers gateways; fallback is used for an empty name.
func NewRegistry(fallback Name, gateways ...Gateway) *Registry {
	r := &Registry{gateways: map[Name]Gateway{}, fallback: fallback}
	for _, g := range gateways {
		if g == nil {
			continue
		}
		r.gateways[g.Name()] = g
	}
	return r
}

// Get returns the gateway registered under name.
func (r *Registry) Get(name string) (Gateway, error) {
	if r == nil {
		return nil, ErrUnknownGateway
	}
	if name == "" {
		name = string(r.fallback)
	}
	n, err := ParseName(name)
	if err != nil {
		return nil, err
	}
	g, ok := r.gateways[n]
	if !ok {
		return nil, ErrUnknownGateway
	}
	return g, nil
}

// Default returns the fallback gateway name.
func (r *Registry) Default() Name {
	return r.fallback
}

// Names lists registered gateways in order.
func (r *Registry) Names() []Name {
	names := make([]Name, 0, len(r.gateways))
	for n := range r.gateways {
		names = append(names, n)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}
