// ABOUTME: In-memory Resource Store keyed by current id with a parent-to-children index.
// ABOUTME: All mutation goes through transactions so readers never see a half-applied change.

package resource

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
)

// Sentinel errors for store operations.
var (
	ErrNotFound       = errors.New("resource not found")
	ErrDuplicateID    = errors.New("duplicate resource id")
	ErrInvalidID      = errors.New("resource id must not be empty")
	ErrTxPanic        = errors.New("transaction panicked")
	ErrParentNotFound = fmt.Errorf("parent %w", ErrNotFound)
)

// Store holds every resource an agent (or the core mirror of an agent) knows about.
// A single lock guards the resource table, the child index and the relation tables,
// which is what makes a rekey atomic across all three.
type Store struct {
	mu        sync.RWMutex
	resources map[string]*Resource
	children  map[string][]string
	relations map[string][]Association

	events *broadcaster
	logger *slog.Logger
}

// New creates an empty store. Pass nil logger for default.
func New(logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "resource_store")
	return &Store{
		resources: make(map[string]*Resource),
		children:  make(map[string][]string),
		relations: make(map[string][]Association),
		events:    newBroadcaster(logger),
		logger:    logger,
	}
}

// Atomic runs fn inside a write transaction. If fn returns an error or panics,
// every change it made is rolled back and no events are published.
func (s *Store) Atomic(fn func(tx *Tx) error) (err error) {
	tx := &Tx{store: s}

	s.mu.Lock()
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%w: %v", ErrTxPanic, p)
		}
		if err != nil {
			tx.rollback()
			s.mu.Unlock()
			return
		}
		events := tx.events
		s.mu.Unlock()
		s.events.publish(events)
	}()

	return fn(tx)
}

// Add inserts a resource under its current id.
func (s *Store) Add(r Resource) error {
	return s.Atomic(func(tx *Tx) error {
		return tx.Add(r)
	})
}

// Get returns a copy of the resource with the given current id.
func (s *Store) Get(id string) (Resource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.resources[id]
	if !ok {
		return Resource{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return r.Clone(), nil
}

// Exists reports whether a resource is stored under id.
func (s *Store) Exists(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.resources[id]
	return ok
}

// GetChildren returns the ids of parent's children in insertion order.
// An empty component returns children of every type.
func (s *Store) GetChildren(parent string, component Component) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.childrenOf(parent, component)
}

func (s *Store) childrenOf(parent string, component Component) []string {
	ids := s.children[parent]
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if component == "" || s.resources[id].Component == component {
			out = append(out, id)
		}
	}
	return out
}

// Roots returns the ids of resources without a parent, sorted.
func (s *Store) Roots() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []string
	for id, r := range s.resources {
		if r.Parent.IsZero() {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return out
}

// List returns the sorted ids of every resource of the given component.
// An empty component lists everything.
func (s *Store) List(component Component) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []string
	for id, r := range s.resources {
		if component == "" || r.Component == component {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return out
}

// Snapshot returns copies of every resource sorted by current id.
func (s *Store) Snapshot() []Resource {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Resource, 0, len(s.resources))
	for _, r := range s.resources {
		out = append(out, r.Clone())
	}
	slices.SortFunc(out, func(a, b Resource) int {
		switch {
		case a.CurrentID() < b.CurrentID():
			return -1
		case a.CurrentID() > b.CurrentID():
			return 1
		}
		return 0
	})
	return out
}

// Len returns the number of stored resources.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.resources)
}

// Update applies mutator to the resource with the given id. The mutator may not
// change identity fields (ids, unique key, component, parent); such edits are discarded.
func (s *Store) Update(id string, mutator func(r *Resource)) error {
	return s.Atomic(func(tx *Tx) error {
		return tx.Modify(id, mutator)
	})
}

// Remove deletes a resource together with its whole subtree and every relation entry
// that mentions any of the removed ids.
func (s *Store) Remove(id string) error {
	return s.Atomic(func(tx *Tx) error {
		return tx.Remove(id)
	})
}

// Rekey moves a resource from oldID to newID in one step.
func (s *Store) Rekey(oldID, newID string) error {
	return s.Atomic(func(tx *Tx) error {
		return tx.Rekey(oldID, newID)
	})
}

// Subscribe returns a channel of committed change events, closed when ctx is done.
func (s *Store) Subscribe(ctx context.Context) <-chan Event {
	return s.events.subscribe(ctx)
}

// Clear removes every resource and relation, used when an agent's mirror is dropped.
func (s *Store) Clear() {
	s.mu.Lock()
	var events []Event
	for id, r := range s.resources {
		events = append(events, Event{Kind: EventRemoved, Component: r.Component, ID: id, Parent: r.Parent.ID})
	}
	s.resources = make(map[string]*Resource)
	s.children = make(map[string][]string)
	s.relations = make(map[string][]Association)
	s.mu.Unlock()

	s.events.publish(events)
}
