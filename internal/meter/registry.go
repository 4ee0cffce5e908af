package meter

import "sort"

// Meter is a priced resource gated by the x402 protocol. The price is a
// decimal string in the asset's major units, as quoted in the 402
// challenge.
type Meter struct {
	ID                string `json:"id"`
	Price             string `json:"price"`
	Asset             string `json:"asset"`
	Network           string `json:"network"`
	PayTo             string `json:"pay_to"`
	Description       string `json:"description"`
	MaxTimeoutSeconds int64  `json:"max_timeout_seconds"`
}

// Registry is the static meter catalog, loaded once at process start
// and immutable afterwards.
type Registry struct {
	meters map[string]Meter
}

// NewRegistry builds a registry from the configured meters.
func NewRegistry(meters []Meter) *Registry {
	m := make(map[string]Meter, len(meters))
	for _, mt := range meters {
		m[mt.ID] = mt
	}
	return &Registry{meters: m}
}

// Get returns the meter for id, and whether it exists.
func (r *Registry) Get(id string) (Meter, bool) {
	m, ok := r.meters[id]
	return m, ok
}

// All returns every meter, ordered by id.
func (r *Registry) All() []Meter {
	out := make([]Meter, 0, len(r.meters))
	for _, m := range r.meters {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
