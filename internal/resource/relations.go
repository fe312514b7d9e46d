// ABOUTME: Named many-to-many relation tables between resources, stored alongside the tree.
// ABOUTME: Entries carry the agent that reported them so a mirror can be dropped per agent.

package resource

import "slices"

// Relation table names used by the built-in agents.
const (
	RelationChassisDrives     = "chassis_drives"
	RelationSystemProcessors  = "system_processors"
	RelationZoneEndpoints     = "zone_endpoints"
	RelationEndpointPorts     = "endpoint_ports"
	RelationPortMetrics       = "port_metrics"
	RelationStorageSubsystems = "storage_subsystems"
)

// Association is one (parent, child) entry of a relation table.
type Association struct {
	Parent  string `json:"parent"`
	Child   string `json:"child"`
	AgentID string `json:"agent_id,omitempty"`
}

// Relate adds an association to the named table. Adding an existing entry is a no-op.
func (tx *Tx) Relate(name string, a Association) {
	s := tx.store
	prev := s.relations[name]
	if slices.Contains(prev, a) {
		return
	}
	s.relations[name] = append(slices.Clone(prev), a)
	tx.record(func() {
		s.relations[name] = prev
	}, Event{Kind: EventUpdated, ID: a.Parent})
}

// Unrelate removes every (parent, child) entry from the named table.
func (tx *Tx) Unrelate(name, parent, child string) int {
	s := tx.store
	prev := s.relations[name]
	next := slices.DeleteFunc(slices.Clone(prev), func(a Association) bool {
		return a.Parent == parent && a.Child == child
	})
	removed := len(prev) - len(next)
	if removed == 0 {
		return 0
	}
	s.relations[name] = next
	tx.record(func() {
		s.relations[name] = prev
	}, Event{Kind: EventUpdated, ID: parent})
	return removed
}

// ReplaceInRelations rewrites oldID to newID in both columns of every table
// and returns the number of fields changed.
func (tx *Tx) ReplaceInRelations(oldID, newID string) int {
	s := tx.store
	changed := 0
	for name, entries := range s.relations {
		var next []Association
		for i, a := range entries {
			touched := false
			if a.Parent == oldID {
				a.Parent = newID
				touched = true
				changed++
			}
			if a.Child == oldID {
				a.Child = newID
				touched = true
				changed++
			}
			if touched {
				if next == nil {
					next = slices.Clone(entries)
				}
				next[i] = a
			}
		}
		if next == nil {
			continue
		}
		prev := entries
		s.relations[name] = next
		tx.record(func() {
			s.relations[name] = prev
		}, Event{Kind: EventUpdated, ID: newID})
	}
	return changed
}

// Related returns the children associated with parent in the named table.
func (tx *Tx) Related(name, parent string) []string {
	return relatedChildren(tx.store.relations[name], parent)
}

// Relate adds an association to the named table.
func (s *Store) Relate(name string, a Association) error {
	return s.Atomic(func(tx *Tx) error {
		tx.Relate(name, a)
		return nil
	})
}

// Unrelate removes a (parent, child) entry from the named table.
func (s *Store) Unrelate(name, parent, child string) error {
	return s.Atomic(func(tx *Tx) error {
		tx.Unrelate(name, parent, child)
		return nil
	})
}

// RelatedChildren returns the children associated with parent in the named table.
func (s *Store) RelatedChildren(name, parent string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return relatedChildren(s.relations[name], parent)
}

// RelatedParents returns the parents associated with child in the named table.
func (s *Store) RelatedParents(name, child string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []string
	for _, a := range s.relations[name] {
		if a.Child == child {
			out = append(out, a.Parent)
		}
	}
	return out
}

// Associations returns a copy of every entry in the named table.
func (s *Store) Associations(name string) []Association {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.relations[name])
}

// RelationNames returns the sorted names of tables holding at least one entry.
func (s *Store) RelationNames() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]string, 0, len(s.relations))
	for name, entries := range s.relations {
		if len(entries) > 0 {
			out = append(out, name)
		}
	}
	slices.Sort(out)
	return out
}

func relatedChildren(entries []Association, parent string) []string {
	var out []string
	for _, a := range entries {
		if a.Parent == parent {
			out = append(out, a.Child)
		}
	}
	return out
}
