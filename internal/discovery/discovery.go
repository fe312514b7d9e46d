// ABOUTME: Discovery pass: load a probe inventory into the store, then stabilize it.
// ABOUTME: A rediscovery replaces the whole tree; stable ids converge on the same values.

package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/gami/internal/resource"
	"github.com/2389/gami/internal/stability"
)

// ErrInventoryRejected is returned when no resource of a non-empty inventory could be admitted.
var ErrInventoryRejected = errors.New("every inventory resource was rejected")

// Report summarizes one discovery pass.
type Report struct {
	Discovered int
	Relations  int
	// Rejected counts resources dropped for a duplicate id or a missing parent.
	Rejected int
	Summary    stability.Summary
	Results    []stability.Result
	Elapsed    time.Duration
}

// Discoverer runs discovery passes for one agent.
type Discoverer struct {
	probe      Probe
	store      *resource.Store
	stabilizer *stability.Stabilizer
	logger     *slog.Logger

	// One pass at a time; a rescan requested mid-pass waits.
	mu sync.Mutex
}

// New creates a Discoverer. Pass nil logger for default.
func New(probe Probe, rs *resource.Store, stab *stability.Stabilizer, logger *slog.Logger) *Discoverer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Discoverer{
		probe:      probe,
		store:      rs,
		stabilizer: stab,
		logger:     logger.With("component", "discovery"),
	}
}

// Run probes, replaces the store contents and stabilizes the new tree.
// Resources with a colliding id or a missing parent are rejected one by one;
// the rest of the inventory is kept. The store is left untouched when the
// probe fails or nothing could be admitted.
func (d *Discoverer) Run(ctx context.Context) (Report, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	start := time.Now()
	inv, err := d.probe.Probe(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("probing: %w", err)
	}

	adm := d.admit(inv)
	if len(inv.Resources) > 0 && len(adm.resources) == 0 {
		return Report{}, fmt.Errorf("%w (%d resources): %w", ErrInventoryRejected, len(inv.Resources), adm.firstErr)
	}

	d.store.Clear()
	if err := d.store.Atomic(func(tx *resource.Tx) error {
		for _, r := range adm.resources {
			if err := tx.Add(r); err != nil {
				return err
			}
		}
		for _, rel := range adm.relations {
			tx.Relate(rel.Table, rel.Association)
		}
		return nil
	}); err != nil {
		return Report{}, fmt.Errorf("loading inventory: %w", err)
	}

	results := d.stabilizer.StabilizeAll(ctx)
	rep := Report{
		Discovered: len(adm.resources),
		Relations:  len(adm.relations),
		Rejected:   len(inv.Resources) - len(adm.resources),
		Summary:    stability.Summarize(results),
		Results:    results,
		Elapsed:    time.Since(start),
	}

	d.logger.Info("=== DISCOVERY COMPLETE ===",
		"resources", rep.Discovered,
		"relations", rep.Relations,
		"rejected", rep.Rejected,
		"stabilized", rep.Summary[stability.OutcomeStabilized],
		"skipped", rep.Summary[stability.OutcomeSkipped],
		"failed", rep.Summary[stability.OutcomeFailed],
		"elapsed", rep.Elapsed)
	return rep, nil
}

type admission struct {
	resources []resource.Resource
	relations []Relation
	firstErr  error
}

// admit filters an inventory down to the resources that can be added in
// order. A duplicate keeps the first entry; a missing parent drops the
// resource and, transitively, its subtree.
func (d *Discoverer) admit(inv *Inventory) admission {
	var adm admission
	kept := make(map[string]bool, len(inv.Resources))

	reject := func(r resource.Resource, err error) {
		if adm.firstErr == nil {
			adm.firstErr = err
		}
		d.logger.Error("rejecting discovered resource",
			"id", r.CurrentID(),
			"component", r.Component,
			"parent", r.Parent.ID,
			"error", err)
	}

	for _, r := range inv.Resources {
		id := r.CurrentID()
		switch {
		case id == "":
			reject(r, resource.ErrInvalidID)
		case kept[id]:
			reject(r, fmt.Errorf("%w: %s", resource.ErrDuplicateID, id))
		case r.Parent.ID != "" && !kept[r.Parent.ID]:
			reject(r, fmt.Errorf("%w: %s", resource.ErrParentNotFound, r.Parent.ID))
		default:
			kept[id] = true
			adm.resources = append(adm.resources, r)
		}
	}

	for _, rel := range inv.Relations {
		if !kept[rel.Parent] || !kept[rel.Child] {
			d.logger.Warn("dropping relation to rejected resource",
				"table", rel.Table, "parent", rel.Parent, "child", rel.Child)
			continue
		}
		adm.relations = append(adm.relations, rel)
	}
	return adm
}
