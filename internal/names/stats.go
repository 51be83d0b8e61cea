package names

import "sort"

// NameInfo describes one registered name for the stats surface.
type NameInfo struct {
	Name        string `json:"name"`
	OwnerID     uint64 `json:"owner_id"`
	Flags       uint64 `json:"flags"`
	Waiters     int    `json:"waiters"`
	ActivatorID uint64 `json:"activator_id,omitempty"`
}

// Stats is a point-in-time snapshot of the registry.
type Stats struct {
	Connections int        `json:"connections"`
	Names       []NameInfo `json:"names"`
}

// Stats returns a snapshot of the registry, names in acquisition order.
func (r *Registry) Stats(connections int) *Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := &Stats{
		Connections: connections,
		Names:       []NameInfo{},
	}

	es := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		es = append(es, e)
	}
	sort.Slice(es, func(i, j int) bool { return es[i].id < es[j].id })

	for _, e := range es {
		info := NameInfo{
			Name:    e.name,
			OwnerID: e.owner.ID,
			Flags:   uint64(e.flags),
			Waiters: len(e.waiters),
		}
		if e.activator != nil {
			info.ActivatorID = e.activator.ID
		}
		s.Names = append(s.Names, info)
	}
	return s
}
