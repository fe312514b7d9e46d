// ABOUTME: Write transaction over the Store with an undo log for rollback.
// ABOUTME: Every mutating step records its inverse so a failed transaction leaves no trace.

package resource

import (
	"fmt"
	"slices"
)

// Tx is a write transaction. It is only valid inside the function passed to Store.Atomic.
type Tx struct {
	store  *Store
	undo   []func()
	events []Event
}

func (tx *Tx) rollback() {
	for i := len(tx.undo) - 1; i >= 0; i-- {
		tx.undo[i]()
	}
	tx.undo = nil
	tx.events = nil
}

func (tx *Tx) record(undo func(), ev Event) {
	tx.undo = append(tx.undo, undo)
	tx.events = append(tx.events, ev)
}

// Get returns a copy of the resource with the given current id.
func (tx *Tx) Get(id string) (Resource, bool) {
	r, ok := tx.store.resources[id]
	if !ok {
		return Resource{}, false
	}
	return r.Clone(), true
}

// Children returns the child ids of parent, optionally filtered by component.
func (tx *Tx) Children(parent string, component Component) []string {
	return tx.store.childrenOf(parent, component)
}

// Find returns the sorted ids of every resource matching pred.
func (tx *Tx) Find(pred func(r *Resource) bool) []string {
	var out []string
	for id, r := range tx.store.resources {
		if pred(r) {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return out
}

// Add inserts r under its current id. The parent, when set, must already exist.
func (tx *Tx) Add(r Resource) error {
	s := tx.store
	id := r.CurrentID()
	if id == "" {
		return ErrInvalidID
	}
	if _, exists := s.resources[id]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateID, id)
	}
	parentID := r.Parent.ID
	if parentID != "" {
		if _, ok := s.resources[parentID]; !ok {
			return fmt.Errorf("%w: %s", ErrParentNotFound, parentID)
		}
	}

	stored := r.Clone()
	s.resources[id] = &stored
	s.children[parentID] = append(s.children[parentID], id)

	tx.record(func() {
		delete(s.resources, id)
		s.children[parentID] = slices.DeleteFunc(s.children[parentID], func(c string) bool { return c == id })
		if len(s.children[parentID]) == 0 {
			delete(s.children, parentID)
		}
	}, Event{Kind: EventAdded, Component: r.Component, ID: id, Parent: parentID})
	return nil
}

// Modify applies mutator to a copy of the resource and stores the result.
// Identity fields are restored after the mutator runs.
func (tx *Tx) Modify(id string, mutator func(r *Resource)) error {
	s := tx.store
	prev, ok := s.resources[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	next := prev.Clone()
	mutator(&next)
	next.ID = prev.ID
	next.StableID = prev.StableID
	next.UniqueKey = prev.UniqueKey
	next.Component = prev.Component
	next.Parent = prev.Parent

	s.resources[id] = &next
	tx.record(func() {
		s.resources[id] = prev
	}, Event{Kind: EventUpdated, Component: prev.Component, ID: id, Parent: prev.Parent.ID})
	return nil
}

// SetUniqueKey records the unique key a stable id was derived from.
func (tx *Tx) SetUniqueKey(id, key string) error {
	s := tx.store
	prev, ok := s.resources[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	next := prev.Clone()
	next.UniqueKey = key
	s.resources[id] = &next
	tx.record(func() {
		s.resources[id] = prev
	}, Event{Kind: EventUpdated, Component: prev.Component, ID: id, Parent: prev.Parent.ID})
	return nil
}

// Rekey moves the resource stored under oldID to newID, which becomes its stable id.
// The parent's child list keeps its order and every child's parent reference follows.
func (tx *Tx) Rekey(oldID, newID string) error {
	s := tx.store
	prev, ok := s.resources[oldID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, oldID)
	}
	if newID == "" {
		return ErrInvalidID
	}
	if oldID == newID {
		return nil
	}
	if _, taken := s.resources[newID]; taken {
		return fmt.Errorf("%w: %s", ErrDuplicateID, newID)
	}

	moved := prev.Clone()
	moved.StableID = newID
	delete(s.resources, oldID)
	s.resources[newID] = &moved

	kids, hadKids := s.children[oldID]
	if hadKids {
		delete(s.children, oldID)
		s.children[newID] = kids
		for _, kid := range kids {
			s.resources[kid].Parent.ID = newID
		}
	}

	parentID := prev.Parent.ID
	siblings := s.children[parentID]
	pos := slices.Index(siblings, oldID)
	if pos >= 0 {
		siblings[pos] = newID
	}

	tx.record(func() {
		if pos >= 0 {
			s.children[parentID][pos] = oldID
		}
		if hadKids {
			for _, kid := range kids {
				s.resources[kid].Parent.ID = oldID
			}
			delete(s.children, newID)
			s.children[oldID] = kids
		}
		delete(s.resources, newID)
		s.resources[oldID] = prev
	}, Event{Kind: EventRekeyed, Component: prev.Component, ID: newID, PreviousID: oldID, Parent: parentID})
	return nil
}

// Remove deletes id and its subtree, children first.
func (tx *Tx) Remove(id string) error {
	if _, ok := tx.store.resources[id]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	for _, kid := range slices.Clone(tx.store.children[id]) {
		if err := tx.Remove(kid); err != nil {
			return err
		}
	}
	tx.removeOne(id)
	return nil
}

func (tx *Tx) removeOne(id string) {
	s := tx.store
	prev := s.resources[id]
	parentID := prev.Parent.ID

	delete(s.resources, id)
	kids, hadKids := s.children[id]
	delete(s.children, id)

	siblings := slices.Clone(s.children[parentID])
	s.children[parentID] = slices.DeleteFunc(slices.Clone(siblings), func(c string) bool { return c == id })
	if len(s.children[parentID]) == 0 {
		delete(s.children, parentID)
	}

	relations := make(map[string][]Association)
	for name, entries := range s.relations {
		kept := slices.DeleteFunc(slices.Clone(entries), func(a Association) bool {
			return a.Parent == id || a.Child == id
		})
		if len(kept) != len(entries) {
			relations[name] = entries
			s.relations[name] = kept
		}
	}

	tx.record(func() {
		for name, entries := range relations {
			s.relations[name] = entries
		}
		s.children[parentID] = siblings
		if hadKids {
			s.children[id] = kids
		}
		s.resources[id] = prev
	}, Event{Kind: EventRemoved, Component: prev.Component, ID: id, Parent: parentID})
}
