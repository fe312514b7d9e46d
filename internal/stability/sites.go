// ABOUTME: Relation sites: every place in the model that can hold another resource's id.
// ABOUTME: Each site rewrites occurrences of an old id inside the stabilizer's transaction.

package stability

import (
	"slices"

	"github.com/2389/gami/internal/resource"
)

// RelationSite is one kind of field that references resources by id.
type RelationSite interface {
	Name() string
	// Applies reports whether the site can reference resources of the given component.
	Applies(component resource.Component) bool
	// Rewrite replaces oldID with newID everywhere the site stores it and returns the count.
	Rewrite(tx *resource.Tx, oldID, newID string) (int, error)
}

// DefaultSites returns the relation sites every store carries.
func DefaultSites() []RelationSite {
	return []RelationSite{
		linkSite{},
		connectedEntitySite{},
		metricDefinitionSite{},
		associationSite{},
	}
}

// linkSite covers named link lists such as chassis membership and DSP ports.
type linkSite struct{}

func (linkSite) Name() string                     { return "links" }
func (linkSite) Applies(resource.Component) bool { return true }

func (linkSite) Rewrite(tx *resource.Tx, oldID, newID string) (int, error) {
	ids := tx.Find(func(r *resource.Resource) bool {
		for _, refs := range r.Links {
			if slices.Contains(refs, oldID) {
				return true
			}
		}
		return false
	})

	total := 0
	for _, id := range ids {
		err := tx.Modify(id, func(r *resource.Resource) {
			for name, refs := range r.Links {
				for i, ref := range refs {
					if ref == oldID {
						refs[i] = newID
						total++
					}
				}
				r.Links[name] = refs
			}
		})
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// connectedEntitySite covers endpoint connected-entity lists.
type connectedEntitySite struct{}

func (connectedEntitySite) Name() string                     { return "connected_entities" }
func (connectedEntitySite) Applies(resource.Component) bool { return true }

func (connectedEntitySite) Rewrite(tx *resource.Tx, oldID, newID string) (int, error) {
	ids := tx.Find(func(r *resource.Resource) bool {
		return slices.ContainsFunc(r.ConnectedEntities, func(ce resource.ConnectedEntity) bool {
			return ce.Entity == oldID
		})
	})

	total := 0
	for _, id := range ids {
		err := tx.Modify(id, func(r *resource.Resource) {
			for i := range r.ConnectedEntities {
				if r.ConnectedEntities[i].Entity == oldID {
					r.ConnectedEntities[i].Entity = newID
					total++
				}
			}
		})
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// metricDefinitionSite points metrics at their definition's current id.
type metricDefinitionSite struct{}

func (metricDefinitionSite) Name() string { return "metric_definition" }

func (metricDefinitionSite) Applies(c resource.Component) bool {
	return c == resource.ComponentMetricDefinition
}

func (metricDefinitionSite) Rewrite(tx *resource.Tx, oldID, newID string) (int, error) {
	ids := tx.Find(func(r *resource.Resource) bool {
		return r.Metric.DefinitionID == oldID
	})
	for _, id := range ids {
		if err := tx.Modify(id, func(r *resource.Resource) {
			r.Metric.DefinitionID = newID
		}); err != nil {
			return 0, err
		}
	}
	return len(ids), nil
}

// associationSite covers the many-to-many relation tables.
type associationSite struct{}

func (associationSite) Name() string                     { return "associations" }
func (associationSite) Applies(resource.Component) bool { return true }

func (associationSite) Rewrite(tx *resource.Tx, oldID, newID string) (int, error) {
	return tx.ReplaceInRelations(oldID, newID), nil
}
